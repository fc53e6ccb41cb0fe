package report

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/ngwpc/ripple-pipeline-go/internal/config"
	"github.com/ngwpc/ripple-pipeline-go/internal/jobclient"
	"github.com/ngwpc/ripple-pipeline-go/internal/model"
	"github.com/ngwpc/ripple-pipeline-go/internal/store"
)

func TestWriteFailedJobsReport_OneSheetPerStageWithFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/jobs/job-1" && r.URL.Query().Get("tb") == "true":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"result": map[string]string{"err": "boom", "tb": "trace"},
			})
		case r.URL.Path == "/jobs/job-1/metadata":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"job-1": map[string]interface{}{"func_kwargs": map[string]interface{}{"reach_id": "r1"}},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	jc := jobclient.NewClient(srv.URL, time.Millisecond, time.Millisecond)
	cfg := &config.Config{ProcessingSteps: map[string]config.ProcessingStep{
		"extract_submodel": {Domain: "reach"},
		"conflate_model":   {Domain: "model"},
	}}
	st := &fakeReportStore{
		failed: map[string][]model.JobRecord{
			"extract_submodel": {{Entity: model.Entity{Kind: model.EntityReach, ReachID: "r1"}, JobID: "job-1"}},
		},
	}

	outputPath := filepath.Join(t.TempDir(), "failed.xlsx")
	if err := WriteFailedJobsReport(context.Background(), cfg, st, jc, outputPath); err != nil {
		t.Fatalf("WriteFailedJobsReport: %v", err)
	}

	f, err := excelize.OpenFile(outputPath)
	if err != nil {
		t.Fatalf("opening written workbook: %v", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) != 1 || sheets[0] != "extract_submodel" {
		t.Fatalf("expected exactly one sheet named extract_submodel, got %v", sheets)
	}
	header, err := f.GetRows("extract_submodel")
	if err != nil {
		t.Fatalf("GetRows: %v", err)
	}
	if len(header) != 2 {
		t.Fatalf("expected a header row plus one data row, got %d rows", len(header))
	}
	if header[1][1] != "boom" {
		t.Fatalf("expected err column to contain 'boom', got %v", header[1])
	}
}

func TestWriteFailedJobsReport_NoFailuresWritesNoFile(t *testing.T) {
	jc := jobclient.NewClient("http://unused", time.Millisecond, time.Millisecond)
	cfg := &config.Config{ProcessingSteps: map[string]config.ProcessingStep{
		"extract_submodel": {Domain: "reach"},
	}}
	st := &fakeReportStore{}

	outputPath := filepath.Join(t.TempDir(), "failed.xlsx")
	if err := WriteFailedJobsReport(context.Background(), cfg, st, jc, outputPath); err != nil {
		t.Fatalf("WriteFailedJobsReport: %v", err)
	}
	if _, err := os.Stat(outputPath); !os.IsNotExist(err) {
		t.Fatalf("expected no workbook to be written when there are no failures, stat err=%v", err)
	}
}

type fakeReportStore struct {
	store.Store
	failed  map[string][]model.JobRecord
	unknown map[string][]model.JobRecord
}

func (s *fakeReportStore) GetEntitiesByProcessAndStatus(ctx context.Context, table, stage, status string) ([]model.JobRecord, error) {
	switch status {
	case "failed":
		return s.failed[stage], nil
	case "unknown":
		return s.unknown[stage], nil
	default:
		return nil, fmt.Errorf("unexpected status %s", status)
	}
}
