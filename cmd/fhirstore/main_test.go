package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/fhirstore/internal/platform/db"
	"github.com/ehr/fhirstore/internal/platform/index"
	"github.com/ehr/fhirstore/internal/platform/index/consumer"
	"github.com/ehr/fhirstore/internal/platform/persistence"
)

type scriptedEraser struct {
	records []persistence.EraseRecord
	calls   int
}

func (s *scriptedEraser) Erase(context.Context, persistence.EraseRequest) (persistence.EraseRecord, error) {
	rec := s.records[s.calls]
	s.calls++
	return rec, nil
}

func TestEraseUntilDone_ResumesPartial(t *testing.T) {
	e := &scriptedEraser{records: []persistence.EraseRecord{
		{Status: persistence.ErasePartial, Total: 100, Partial: true},
		{Status: persistence.ErasePartial, Total: 200, Partial: true},
		{Status: persistence.EraseDone, Total: 250},
	}}
	var out bytes.Buffer
	rec, err := eraseUntilDone(context.Background(), e, persistence.EraseRequest{ResourceType: "Patient", LogicalID: "p1"}, &out)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != persistence.EraseDone || rec.Total != 250 || e.calls != 3 {
		t.Errorf("rec = %+v after %d calls", rec, e.calls)
	}
	if lines := strings.Count(out.String(), "\n"); lines != 3 {
		t.Errorf("printed %d lines:\n%s", lines, out.String())
	}
}

func TestEraseUntilDone_RejectedStatuses(t *testing.T) {
	for _, status := range []persistence.EraseStatus{
		persistence.EraseNotFound,
		persistence.EraseNotSupportedLatest,
		persistence.EraseNotSupportedGreater,
	} {
		e := &scriptedEraser{records: []persistence.EraseRecord{{Status: status}}}
		_, err := eraseUntilDone(context.Background(), e, persistence.EraseRequest{ResourceType: "Patient", LogicalID: "p1"}, &bytes.Buffer{})
		if err == nil || !strings.Contains(err.Error(), string(status)) {
			t.Errorf("%s: err = %v", status, err)
		}
	}
}

func TestEraseUntilDone_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := &scriptedEraser{records: []persistence.EraseRecord{
		{Status: persistence.ErasePartial, Total: 1, Partial: true},
		{Status: persistence.EraseDone, Total: 2},
	}}
	if _, err := eraseUntilDone(ctx, e, persistence.EraseRequest{ResourceType: "Patient", LogicalID: "p1"}, &bytes.Buffer{}); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if e.calls != 1 {
		t.Errorf("calls = %d", e.calls)
	}
}

type countingRunner struct {
	err error
}

func (r countingRunner) Run(_ context.Context, msgs <-chan index.Message) (consumer.Stats, error) {
	var stats consumer.Stats
	if r.err != nil {
		return stats, r.err
	}
	for range msgs {
		stats.Indexed++
	}
	return stats, nil
}

const ndjson = `{"resourceType":"Patient","logicalId":"a","logicalResourceId":1,"versionId":1,"parameters":[]}
{"resourceType":"Patient","logicalId":"b","logicalResourceId":2,"versionId":1,"parameters":[]}
`

func TestRunIndex(t *testing.T) {
	stats, err := runIndex(context.Background(), countingRunner{}, strings.NewReader(ndjson))
	if err != nil {
		t.Fatal(err)
	}
	if stats.Indexed != 2 {
		t.Errorf("indexed = %d", stats.Indexed)
	}
}

func TestRunIndex_DecodeError(t *testing.T) {
	stats, err := runIndex(context.Background(), countingRunner{}, strings.NewReader(ndjson+"{not json\n"))
	if err == nil || !strings.Contains(err.Error(), "line 3") {
		t.Errorf("err = %v, want decode error on line 3", err)
	}
	if stats.Indexed != 2 {
		t.Errorf("indexed = %d before the bad line", stats.Indexed)
	}
}

func TestRunIndex_ConsumerFailureDoesNotHang(t *testing.T) {
	done := make(chan error, 1)
	go func() {
		_, err := runIndex(context.Background(), countingRunner{err: errors.New("retry budget exhausted")}, strings.NewReader(ndjson))
		done <- err
	}()
	select {
	case err := <-done:
		if err == nil {
			t.Error("expected consumer error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runIndex did not return")
	}
}

func TestLongRunning(t *testing.T) {
	e := echo.New()
	tests := []struct {
		path string
		want bool
	}{
		{"/fhir/:type/:id/$erase", true},
		{"/index", true},
		{"/fhir/:type", false},
		{"/fhir/:type/:id/_history", false},
	}
	for _, tt := range tests {
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
		c.SetPath(tt.path)
		if got := longRunning(c); got != tt.want {
			t.Errorf("longRunning(%s) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestPrintMigrationStatus(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var out bytes.Buffer
	printMigrationStatus(&out, []db.MigrationStatus{
		{Version: 1, Name: "parameter_schema", Applied: true, AppliedAt: &at},
		{Version: 2, Name: "next"},
	})
	s := out.String()
	if !strings.Contains(s, "2024-05-01 12:00:00") || !strings.Contains(s, "pending") {
		t.Errorf("output:\n%s", s)
	}
}
