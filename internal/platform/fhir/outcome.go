package fhir

import (
	"context"
	"errors"
	"net/http"

	"github.com/ehr/fhirstore/internal/platform/index/cache"
	"github.com/ehr/fhirstore/internal/platform/index/consumer"
	"github.com/ehr/fhirstore/internal/platform/persistence"
)

// OperationOutcome severity levels per FHIR R4.
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

// OperationOutcome issue type codes per FHIR R4.
const (
	IssueTypeInvalid       = "invalid"
	IssueTypeNotFound      = "not-found"
	IssueTypeConflict      = "conflict"
	IssueTypeProcessing    = "processing"
	IssueTypeInformational = "informational"
	IssueTypeBusinessRule  = "business-rule"
	IssueTypeException     = "exception"
	IssueTypeTimeout       = "timeout"
	IssueTypeNotSupported  = "not-supported"
)

// ErrInvalidRequest covers malformed path, query or body input that is not
// a search parameter.
var ErrInvalidRequest = errors.New("invalid request")

// OperationOutcome represents a FHIR OperationOutcome.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string `json:"severity"`
	Code        string `json:"code"`
	Diagnostics string `json:"diagnostics,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{
				Severity:    severity,
				Code:        code,
				Diagnostics: diagnostics,
			},
		},
	}
}

func InformationOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityInformation, IssueTypeInformational, diagnostics)
}

func NotFoundOutcome(resourceType, id string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeNotFound, resourceType+"/"+id+" not found")
}

// outcomeFor maps an error to its HTTP status and OperationOutcome. Server
// errors get a generic diagnostic; the cause is logged, not returned.
func outcomeFor(err error) (int, *OperationOutcome) {
	switch {
	case errors.Is(err, persistence.ErrPageOutOfRange),
		errors.Is(err, persistence.ErrInvalidSearch),
		errors.Is(err, consumer.ErrInvalidMessage),
		errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, NewOperationOutcome(IssueSeverityError, IssueTypeInvalid, err.Error())
	case errors.Is(err, persistence.ErrNotFound),
		errors.Is(err, consumer.ErrResourceNotFound):
		return http.StatusNotFound, NewOperationOutcome(IssueSeverityError, IssueTypeNotFound, err.Error())
	case errors.Is(err, cache.ErrIdentityConflict):
		return http.StatusConflict, NewOperationOutcome(IssueSeverityError, IssueTypeConflict, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, NewOperationOutcome(IssueSeverityError, IssueTypeTimeout, "request timed out")
	}
	return http.StatusInternalServerError, NewOperationOutcome(IssueSeverityFatal, IssueTypeException, "internal server error")
}

// eraseOutcome maps erase statuses that are not a success to a response.
// ok is false for statuses that carry a regular erase record.
func eraseOutcome(req persistence.EraseRequest, rec persistence.EraseRecord) (int, *OperationOutcome, bool) {
	switch rec.Status {
	case persistence.EraseNotFound:
		return http.StatusNotFound, NotFoundOutcome(req.ResourceType, req.LogicalID), true
	case persistence.EraseNotSupportedLatest:
		return http.StatusUnprocessableEntity, NewOperationOutcome(IssueSeverityError, IssueTypeBusinessRule,
			"erasing the current version on its own is not allowed"), true
	case persistence.EraseNotSupportedGreater:
		return http.StatusUnprocessableEntity, NewOperationOutcome(IssueSeverityError, IssueTypeBusinessRule,
			"requested version is newer than the current version"), true
	}
	return 0, nil, false
}
