// Package report builds the failed-jobs and timed-out-jobs workbooks
// (spec.md §4.10), one sheet per stage, grounded on
// original_source/src/qc/jobs_report.py's write_df_to_excel /
// create_failed_jobs_report / create_timedout_jobs_report.
package report

import (
	"context"
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/ngwpc/ripple-pipeline-go/internal/config"
	"github.com/ngwpc/ripple-pipeline-go/internal/jobclient"
	"github.com/ngwpc/ripple-pipeline-go/internal/store"
)

func tableFor(domain string) string {
	if domain == "model" {
		return "models"
	}
	return "processing"
}

// WriteFailedJobsReport writes one sheet per configured stage that has
// failed entities, each listing (entity_id, err, tb, payload) for them.
// Stages without failures get no sheet, and no file is written when no
// stage has any.
func WriteFailedJobsReport(ctx context.Context, cfg *config.Config, st store.Store, jc *jobclient.Client, outputPath string) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	wrote := false
	for stage, step := range cfg.ProcessingSteps {
		records, err := st.GetEntitiesByProcessAndStatus(ctx, tableFor(step.Domain), stage, "failed")
		if err != nil {
			return fmt.Errorf("listing failed entities for stage %s: %w", stage, err)
		}
		if len(records) == 0 {
			continue
		}

		sheet, err := newSheet(f, stage, wrote)
		if err != nil {
			return err
		}
		wrote = true

		if err := f.SetSheetRow(sheet, "A1", &[]interface{}{"entity_id", "err", "tb", "payload"}); err != nil {
			return fmt.Errorf("writing header for stage %s: %w", stage, err)
		}
		for i, rec := range records {
			errText, traceback := jc.FetchError(ctx, rec.JobID)
			payload := jc.FetchPayload(ctx, rec.JobID)
			row := i + 2
			values := []interface{}{rec.Entity.ID(), errText, traceback, fmt.Sprintf("%v", payload)}
			if err := f.SetSheetRow(sheet, fmt.Sprintf("A%d", row), &values); err != nil {
				return fmt.Errorf("writing row for stage %s: %w", stage, err)
			}
		}
	}

	if !wrote {
		return nil
	}
	return f.SaveAs(outputPath)
}

// WriteTimedOutJobsReport writes one sheet per configured stage that has
// unknown-classified entities, each listing full server metadata for
// them. Stages without such entities get no sheet, and no file is written
// when no stage has any.
func WriteTimedOutJobsReport(ctx context.Context, cfg *config.Config, st store.Store, jc *jobclient.Client, outputPath string) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	wrote := false
	header := []interface{}{"id", "ogc_status", "accept_time", "start_time", "dismiss_time", "finish_duration", "status_time", "payload"}
	for stage, step := range cfg.ProcessingSteps {
		records, err := st.GetEntitiesByProcessAndStatus(ctx, tableFor(step.Domain), stage, "unknown")
		if err != nil {
			return fmt.Errorf("listing timed-out entities for stage %s: %w", stage, err)
		}
		if len(records) == 0 {
			continue
		}

		sheet, err := newSheet(f, stage, wrote)
		if err != nil {
			return err
		}
		wrote = true

		if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
			return fmt.Errorf("writing header for stage %s: %w", stage, err)
		}
		for i, rec := range records {
			meta, err := jc.FetchMetadata(ctx, rec.JobID)
			row := i + 2
			values := []interface{}{rec.Entity.ID()}
			if err != nil {
				values = append(values, "", "", "", "", 0.0, "", "")
			} else {
				values = append(values, meta.OGCStatus, meta.AcceptTime, meta.StartTime, meta.DismissTime,
					meta.FinishDurationMinutes, meta.StatusTime, fmt.Sprintf("%v", meta.Payload))
			}
			if err := f.SetSheetRow(sheet, fmt.Sprintf("A%d", row), &values); err != nil {
				return fmt.Errorf("writing row for stage %s: %w", stage, err)
			}
		}
	}

	if !wrote {
		return nil
	}
	return f.SaveAs(outputPath)
}

func newSheet(f *excelize.File, name string, alreadyWrote bool) (string, error) {
	if _, err := f.NewSheet(name); err != nil {
		return "", fmt.Errorf("creating sheet %s: %w", name, err)
	}
	if !alreadyWrote {
		_ = f.DeleteSheet("Sheet1")
	}
	return name, nil
}
