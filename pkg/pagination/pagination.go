// Package pagination reads page-number paging parameters and renders the
// matching FHIR Bundle links.
package pagination

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultCount = 20
	MaxCount     = 100
)

// Params holds pagination parameters extracted from a request. Page is
// 1-based.
type Params struct {
	Page  int
	Count int
}

// FromContext extracts _page and _count from the echo context. _count is
// clamped to maxCount. A malformed value is an error; range checks against
// the result size happen later.
func FromContext(c echo.Context, defaultCount, maxCount int) (Params, error) {
	p := Params{Page: 1, Count: defaultCount}
	if v := c.QueryParam("_count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return p, fmt.Errorf("invalid _count %q", v)
		}
		p.Count = n
	}
	if p.Count > maxCount {
		p.Count = maxCount
	}
	if v := c.QueryParam("_page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, fmt.Errorf("invalid _page %q", v)
		}
		p.Page = n
	}
	return p, nil
}

// LastPage returns the last page number for total results. An empty result
// has a single empty page.
func (p Params) LastPage(total int) int {
	if total <= 0 || p.Count <= 0 {
		return 1
	}
	return (total + p.Count - 1) / p.Count
}

// HasNext returns true if there are more results after the current page.
func (p Params) HasNext(total int) bool {
	return p.Page < p.LastPage(total)
}

// HasPrevious returns true if there are results before the current page.
func (p Params) HasPrevious() bool {
	return p.Page > 1
}

// FHIRLinks generates FHIR Bundle links for a page of results. basePath is
// the request path (e.g. "/fhir/Patient"); query carries the search
// parameters, which every link repeats.
func (p Params) FHIRLinks(basePath string, query url.Values, total int) []FHIRLink {
	last := p.LastPage(total)
	link := func(rel string, page int) FHIRLink {
		q := url.Values{}
		for k, v := range query {
			if k == "_page" || k == "_count" {
				continue
			}
			q[k] = v
		}
		q.Set("_count", strconv.Itoa(p.Count))
		q.Set("_page", strconv.Itoa(page))
		return FHIRLink{Relation: rel, URL: basePath + "?" + q.Encode()}
	}

	links := []FHIRLink{link("self", p.Page), link("first", 1)}
	if p.HasPrevious() {
		links = append(links, link("previous", p.Page-1))
	}
	if p.HasNext(total) {
		links = append(links, link("next", p.Page+1))
	}
	return append(links, link("last", last))
}

// FHIRLink represents a single FHIR Bundle link entry.
type FHIRLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}
