package fhir

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/fhirstore/internal/platform/persistence"
	"github.com/ehr/fhirstore/pkg/pagination"
)

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
	Request  *BundleRequest  `json:"request,omitempty"`
	Response *BundleResponse `json:"response,omitempty"`
}

type BundleSearch struct {
	Mode string `json:"mode,omitempty"`
}

type BundleRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

type BundleResponse struct {
	Status       string     `json:"status"`
	Etag         string     `json:"etag,omitempty"`
	LastModified *time.Time `json:"lastModified,omitempty"`
}

func newBundle(kind string, total int, links []pagination.FHIRLink) *Bundle {
	now := time.Now().UTC()
	b := &Bundle{
		ResourceType: "Bundle",
		ID:           uuid.NewString(),
		Type:         kind,
		Total:        &total,
		Timestamp:    &now,
	}
	for _, l := range links {
		b.Link = append(b.Link, BundleLink{Relation: l.Relation, URL: l.URL})
	}
	return b
}

// NewSearchBundle creates a searchset Bundle from one page of search
// matches. baseURL prefixes every fullUrl (e.g. "/fhir").
func NewSearchBundle(resourceType string, result *persistence.SearchResult, links []pagination.FHIRLink, baseURL string) *Bundle {
	b := newBundle("searchset", result.Total, links)
	for _, m := range result.Matches {
		b.Entry = append(b.Entry, BundleEntry{
			FullURL:  fmt.Sprintf("%s/%s/%s", baseURL, resourceType, m.LogicalID),
			Resource: m.Data,
			Search:   &BundleSearch{Mode: "match"},
		})
	}
	return b
}

// NewHistoryBundle creates a history Bundle, newest version first. The
// first version is reported as a create and deleted versions as deletes.
func NewHistoryBundle(result *persistence.HistoryResult, links []pagination.FHIRLink, baseURL string) *Bundle {
	b := newBundle("history", result.Total, links)
	for _, v := range result.Versions {
		method, status := "PUT", "200 OK"
		switch {
		case v.Deleted:
			method, status = "DELETE", "204 No Content"
		case v.VersionID == 1:
			method, status = "POST", "201 Created"
		}
		lastModified := v.LastUpdated
		entry := BundleEntry{
			FullURL: fmt.Sprintf("%s/%s/%s/_history/%d", baseURL, v.ResourceType, v.LogicalID, v.VersionID),
			Request: &BundleRequest{
				Method: method,
				URL:    fmt.Sprintf("%s/%s", v.ResourceType, v.LogicalID),
			},
			Response: &BundleResponse{
				Status:       status,
				Etag:         `W/"` + strconv.Itoa(v.VersionID) + `"`,
				LastModified: &lastModified,
			},
		}
		if !v.Deleted {
			entry.Resource = v.Data
		}
		b.Entry = append(b.Entry, entry)
	}
	return b
}
