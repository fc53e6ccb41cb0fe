// Package jobclient implements the HTTP contract with the remote
// ripple1d compute service: job submission with retry, status polling
// with idle-timeout classification, and error/metadata/dismiss calls.
package jobclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/ngwpc/ripple-pipeline-go/internal/model"
	"github.com/ngwpc/ripple-pipeline-go/internal/store"
)

// updatedLayout is the server's fixed timestamp format for a job's last
// status-update time, always UTC.
const updatedLayout = "2006-01-02 15:04:05"

// Client talks to the remote compute service over HTTP. Stateless: safe
// for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	pollWait   time.Duration
	retryWait  time.Duration
}

// NewClient creates a Client against baseURL, polling every pollWait and
// sleeping attempt*retryWait between submission retries.
func NewClient(baseURL string, pollWait, retryWait time.Duration) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{},
		pollWait:   pollWait,
		retryWait:  retryWait,
	}
}

var tracer = otel.Tracer("ripple-pipeline/jobclient")

type executionResponse struct {
	JobID string `json:"jobID"`
}

type jobStatusResponse struct {
	Status  string `json:"status"`
	Updated string `json:"updated"`
}

// Submit POSTs payload to /processes/<apiName>/execution. Retries up to 5
// attempts on HTTP 500 only, sleeping attempt*retryWait between attempts;
// any other non-201 response is a rejection with no further retries.
func (c *Client) Submit(ctx context.Context, apiName string, payload map[string]interface{}) (jobID string, status model.JobStatus) {
	ctx, span := tracer.Start(ctx, "jobclient.Submit")
	defer span.End()

	body, err := json.Marshal(payload)
	if err != nil {
		return "", model.JobNotAccepted
	}

	url := fmt.Sprintf("%s/processes/%s/execution", c.baseURL, apiName)

	const maxAttempts = 5
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return "", model.JobNotAccepted
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			// Network error: treat like a 500 and retry, up to maxAttempts.
			if attempt < maxAttempts {
				c.sleep(ctx, time.Duration(attempt)*c.retryWait)
				continue
			}
			return "", model.JobNotAccepted
		}

		func() {
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode == http.StatusCreated {
				var decoded executionResponse
				if err := json.NewDecoder(resp.Body).Decode(&decoded); err == nil {
					jobID = decoded.JobID
					status = model.JobAccepted
				} else {
					status = model.JobNotAccepted
				}
			}
		}()
		if status == model.JobAccepted {
			return jobID, status
		}
		if resp.StatusCode == http.StatusInternalServerError && attempt < maxAttempts {
			c.sleep(ctx, time.Duration(attempt)*c.retryWait)
			continue
		}
		return "", model.JobNotAccepted
	}
	return "", model.JobNotAccepted
}

func (c *Client) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (c *Client) getJobStatus(ctx context.Context, jobID string) (*jobStatusResponse, error) {
	url := fmt.Sprintf("%s/jobs/%s", c.baseURL, jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d polling job %s", resp.StatusCode, jobID)
	}
	var decoded jobStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, err
	}
	return &decoded, nil
}

// idleFor returns how long the job has been reporting "running" without a
// status refresh: now_UTC - parse(updated), not wall time since
// submission (spec.md §4.2 "Idle-timeout semantics").
func idleFor(updated string) (time.Duration, error) {
	parsed, err := time.Parse(updatedLayout, updated)
	if err != nil {
		return 0, err
	}
	return time.Now().UTC().Sub(parsed.UTC()), nil
}

// CheckSuccessful polls job_id at pollWait intervals until it resolves:
// true on "successful", false on "failed", false on running-but-idle
// (idleFor(updated) > idleTimeout).
func (c *Client) CheckSuccessful(ctx context.Context, jobID string, idleTimeout time.Duration) bool {
	for {
		status, err := c.getJobStatus(ctx, jobID)
		if err != nil {
			c.sleep(ctx, c.pollWait)
			continue
		}
		switch status.Status {
		case "successful":
			return true
		case "failed":
			return false
		case "running":
			if elapsed, err := idleFor(status.Updated); err == nil && elapsed > idleTimeout {
				return false
			}
		}
		if ctx.Err() != nil {
			return false
		}
		c.sleep(ctx, c.pollWait)
	}
}

// WaitForJobs polls each record serially (one in-flight GET at a time is
// acceptable per spec.md §4.4) and classifies it into succeeded, failed,
// or unknown, writing the verdict back into the record.
func (c *Client) WaitForJobs(ctx context.Context, records []model.JobRecord, idleTimeout time.Duration) (succeeded, failed, unknown []model.JobRecord) {
	for _, rec := range records {
		for {
			status, err := c.getJobStatus(ctx, rec.JobID)
			if err != nil {
				c.sleep(ctx, c.pollWait)
				continue
			}
			switch status.Status {
			case "successful":
				rec.Status = model.JobSuccessful
				succeeded = append(succeeded, rec)
			case "failed":
				rec.Status = model.JobFailed
				failed = append(failed, rec)
			case "running":
				elapsed, perr := idleFor(status.Updated)
				if perr == nil && elapsed > idleTimeout {
					rec.Status = model.JobUnknown
					unknown = append(unknown, rec)
				} else {
					if ctx.Err() != nil {
						rec.Status = model.JobUnknown
						unknown = append(unknown, rec)
						break
					}
					c.sleep(ctx, c.pollWait)
					continue
				}
			default:
				if ctx.Err() != nil {
					rec.Status = model.JobUnknown
					unknown = append(unknown, rec)
					break
				}
				c.sleep(ctx, c.pollWait)
				continue
			}
			break
		}
	}
	return succeeded, failed, unknown
}

// FetchError returns (err, traceback) for a failed job, defaulting to
// placeholder text when the server omits either field.
func (c *Client) FetchError(ctx context.Context, jobID string) (errText, traceback string) {
	url := fmt.Sprintf("%s/jobs/%s?tb=true", c.baseURL, jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "No error message", "No traceback"
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "No error message", "No traceback"
	}
	defer func() { _ = resp.Body.Close() }()

	var decoded struct {
		Result struct {
			Err string `json:"err"`
			TB  string `json:"tb"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "No error message", "No traceback"
	}
	errText = decoded.Result.Err
	traceback = decoded.Result.TB
	if errText == "" {
		errText = "No error message"
	}
	if traceback == "" {
		traceback = "No traceback"
	}
	return errText, traceback
}

// FetchPayload returns the job's submitted func_kwargs, or an empty map
// if absent.
func (c *Client) FetchPayload(ctx context.Context, jobID string) map[string]interface{} {
	url := fmt.Sprintf("%s/jobs/%s/metadata", c.baseURL, jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return map[string]interface{}{}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return map[string]interface{}{}
	}
	defer func() { _ = resp.Body.Close() }()

	var decoded map[string]struct {
		FuncKwargs map[string]interface{} `json:"func_kwargs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return map[string]interface{}{}
	}
	if entry, ok := decoded[jobID]; ok {
		return entry.FuncKwargs
	}
	return map[string]interface{}{}
}

// JobMetadata is one job's /jobs/<id>/metadata record, used by reporting.
type JobMetadata struct {
	AcceptTime            string
	StartTime             string
	StatusTime            string
	DismissTime           string
	FinishDurationMinutes float64
	OGCStatus             string
	Payload               map[string]interface{}
}

// FetchMetadata returns the full metadata record for jobID.
func (c *Client) FetchMetadata(ctx context.Context, jobID string) (JobMetadata, error) {
	url := fmt.Sprintf("%s/jobs/%s/metadata", c.baseURL, jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return JobMetadata{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return JobMetadata{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	var decoded map[string]struct {
		AcceptTime            string                 `json:"accept_time"`
		StartTime             string                 `json:"start_time"`
		StatusTime            string                 `json:"status_time"`
		DismissTime           string                 `json:"dismiss_time"`
		FinishDurationMinutes float64                `json:"finish_duration_minutes"`
		OGCStatus             string                 `json:"ogc_status"`
		FuncKwargs            map[string]interface{} `json:"func_kwargs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return JobMetadata{}, err
	}
	entry, ok := decoded[jobID]
	if !ok {
		return JobMetadata{}, fmt.Errorf("no metadata entry for job %s", jobID)
	}
	return JobMetadata{
		AcceptTime:            entry.AcceptTime,
		StartTime:             entry.StartTime,
		StatusTime:            entry.StatusTime,
		DismissTime:           entry.DismissTime,
		FinishDurationMinutes: entry.FinishDurationMinutes,
		OGCStatus:             entry.OGCStatus,
		Payload:               entry.FuncKwargs,
	}, nil
}

// Dismiss fire-and-forgets a DELETE per job id. Failures (request errors
// and non-2xx responses) are written to the standard logger; Dismiss
// itself never returns an error.
func (c *Client) Dismiss(ctx context.Context, jobIDs []string) {
	for _, id := range jobIDs {
		if id == "" {
			continue
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, fmt.Sprintf("%s/jobs/%s", c.baseURL, id), nil)
		if err != nil {
			log.Printf("dismissing job %s: %v", id, err)
			continue
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			log.Printf("dismissing job %s: %v", id, err)
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			log.Printf("dismissing job %s: unexpected status %d", id, resp.StatusCode)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}
}

// PollCurrentStatus fetches the current server-side status for jobID, for
// use by the reconciliation poll (spec.md §4.9).
func (c *Client) PollCurrentStatus(ctx context.Context, jobID string) (string, error) {
	status, err := c.getJobStatus(ctx, jobID)
	if err != nil {
		return "", err
	}
	return status.Status, nil
}

// Reconcile scans every persisted job id for stage/table, fetches its
// current server status, and writes it back — upgrading unknown verdicts
// the server has since completed (spec.md §4.9). Poll failures are
// skipped; they do not abort the scan.
func (c *Client) Reconcile(ctx context.Context, st store.Store, table, stage string) error {
	for _, status := range []string{"accepted", "unknown", "successful", "failed"} {
		records, err := st.GetEntitiesByProcessAndStatus(ctx, table, stage, status)
		if err != nil {
			return fmt.Errorf("listing %s/%s entities for reconciliation: %w", table, stage, err)
		}
		for _, rec := range records {
			if rec.JobID == "" {
				continue
			}
			current, err := c.PollCurrentStatus(ctx, rec.JobID)
			if err != nil {
				continue
			}
			if err := st.UpdateStatus(ctx, table, stage, current, rec.Entity.ID()); err != nil {
				return fmt.Errorf("writing reconciled status for %s: %w", rec.Entity.ID(), err)
			}
		}
	}
	return nil
}
