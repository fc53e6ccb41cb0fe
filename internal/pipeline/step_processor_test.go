package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ngwpc/ripple-pipeline-go/internal/collection"
	"github.com/ngwpc/ripple-pipeline-go/internal/config"
	"github.com/ngwpc/ripple-pipeline-go/internal/jobclient"
	"github.com/ngwpc/ripple-pipeline-go/internal/metrics"
	"github.com/ngwpc/ripple-pipeline-go/internal/model"
	"github.com/ngwpc/ripple-pipeline-go/internal/store"
)

func TestFormatPayload_SubstitutesStringsOnlyPassesLiteralsThrough(t *testing.T) {
	cfg := &config.Config{Paths: config.Paths{CollectionsRootDir: t.TempDir()}}
	c := collection.New("coll-1", cfg, &config.Env{})
	entity := model.Entity{Kind: model.EntityReach, ModelID: "m1", ReachID: "r1"}

	tmpl := map[string]interface{}{
		"model_name": "{model_name}",
		"reach":      "{nwm_reach_id}",
		"resolution": 3.0,
		"nested":     map[string]interface{}{"plans": []string{"nd"}},
	}
	payload := FormatPayload(tmpl, c, entity, "Medina")

	if payload["model_name"] != "Medina" {
		t.Fatalf("expected model_name substituted, got %v", payload["model_name"])
	}
	if payload["reach"] != "r1" {
		t.Fatalf("expected reach substituted to r1, got %v", payload["reach"])
	}
	if payload["resolution"] != 3.0 {
		t.Fatalf("expected numeric literal to pass through unchanged, got %v", payload["resolution"])
	}
	nested, ok := payload["nested"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected nested map to pass through unchanged, got %T", payload["nested"])
	}
	if _, ok := nested["plans"]; !ok {
		t.Fatal("expected nested map's plans key to survive untouched")
	}
}

// TestStepProcessor_Execute_FullClassificationCycle covers the submit →
// classify → persist → wait → classify → persist template over two
// entities: one accepted-then-successful, one rejected outright.
func TestStepProcessor_Execute_FullClassificationCycle(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/processes/extract_submodel/execution", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["nwm_reach_id"] == "bad" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"jobID": "job-1"})
	})
	mux.HandleFunc("/jobs/job-1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "successful", "updated": time.Now().UTC().Format("2006-01-02 15:04:05")})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	jc := jobclient.NewClient(srv.URL, time.Millisecond, time.Millisecond)
	fake := &stepProcessorFakeStore{}
	cfg := &config.Config{Paths: config.Paths{CollectionsRootDir: t.TempDir()}}
	c := collection.New("coll-1", cfg, &config.Env{})

	sp := &StepProcessor{
		Stage:   "extract_submodel",
		APIName: "extract_submodel",
		Table:   "processing",
		Entities: []model.Entity{
			{Kind: model.EntityReach, ReachID: "good"},
			{Kind: model.EntityReach, ReachID: "bad"},
		},
		PayloadBuilder: func(c *collection.Context, e model.Entity) map[string]interface{} {
			return map[string]interface{}{"nwm_reach_id": e.ReachID}
		},
		TimeoutMinutes: 1,
		JobClient:      jc,
		Store:          fake,
		Metrics:        metrics.New(prometheus.NewRegistry()),
		Coll:           c,
	}

	result, err := sp.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if len(result.Succeeded) != 1 || result.Succeeded[0].Entity.ReachID != "good" {
		t.Fatalf("expected exactly one succeeded entity (good), got %v", result.Succeeded)
	}
	if len(result.NotAccepted) != 1 || result.NotAccepted[0].Entity.ReachID != "bad" {
		t.Fatalf("expected exactly one not_accepted entity (bad), got %v", result.NotAccepted)
	}
	valid := result.ValidEntities()
	if len(valid) != 1 || valid[0].ReachID != "good" {
		t.Fatalf("expected ValidEntities to be {good}, got %v", valid)
	}

	if len(fake.persisted["accepted"]) != 1 || len(fake.persisted["not_accepted"]) != 1 || len(fake.persisted["successful"]) != 1 {
		t.Fatalf("expected persisted accepted/not_accepted/successful writes, got %v", fake.persisted)
	}
}

func TestStepProcessor_Execute_PreSubmitSkipNeverCallsJobClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("expected no HTTP call for a skipped entity")
	}))
	defer srv.Close()

	jc := jobclient.NewClient(srv.URL, time.Millisecond, time.Millisecond)
	fake := &stepProcessorFakeStore{}
	cfg := &config.Config{Paths: config.Paths{CollectionsRootDir: t.TempDir()}}
	c := collection.New("coll-1", cfg, &config.Env{})

	sp := &StepProcessor{
		Stage:          "run_known_wse",
		APIName:        "run_known_wse",
		Table:          "processing",
		Entities:       []model.Entity{{Kind: model.EntityReach, ReachID: "r1"}},
		PayloadBuilder: func(c *collection.Context, e model.Entity) map[string]interface{} { return map[string]interface{}{} },
		PreSubmitHook: func(ctx context.Context, c *collection.Context, st store.Store, e model.Entity) PreSubmitVerdict {
			return PreSubmitVerdict{Skip: true}
		},
		TimeoutMinutes: 1,
		JobClient:      jc,
		Store:          fake,
		Metrics:        metrics.New(prometheus.NewRegistry()),
		Coll:           c,
	}

	result, err := sp.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(result.NotAccepted) != 1 {
		t.Fatalf("expected the skipped entity classified not_accepted, got %v", result)
	}
}

type stepProcessorFakeStore struct {
	store.Store
	persisted map[string][]model.JobRecord
}

func (f *stepProcessorFakeStore) UpdateProcessing(ctx context.Context, stage string, records []model.JobRecord) error {
	if f.persisted == nil {
		f.persisted = map[string][]model.JobRecord{}
	}
	if len(records) > 0 {
		f.persisted[string(records[0].Status)] = append(f.persisted[string(records[0].Status)], records...)
	}
	return nil
}
