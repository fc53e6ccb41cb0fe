package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
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

// TestNetworkWalker_WalksUpstreamAfterOutletSucceeds covers the
// downstream-first fan-out: an outlet reach with no downstream submits
// only create_irating_curves_db, then its single upstream neighbor is
// enqueued with the outlet as its downstream.
func TestNetworkWalker_WalksUpstreamAfterOutletSucceeds(t *testing.T) {
	st := &walkerFakeStore{
		upstream: map[string][]string{"r1": {"r2"}},
	}

	cfg := &config.Config{Paths: config.Paths{CollectionsRootDir: t.TempDir()}}
	c := collection.New("coll-1", cfg, &config.Env{})

	walker := &NetworkWalker{
		Coll:                c,
		Store:               st,
		Metrics:             metrics.New(prometheus.NewRegistry()),
		KWSEAPIName:         "run_known_wse",
		RatingCurvesAPIName: "create_rating_curves_db",
		KWSEPayload: func(reachID string, downstreamID *string, minElevation, maxElevation float64) map[string]interface{} {
			return map[string]interface{}{"reach_id": reachID}
		},
		RatingCurvesPayload: func(reachID string, plans []string) map[string]interface{} {
			return map[string]interface{}{"reach_id": reachID, "plans": plans}
		},
		KWSETimeoutMinutes:         1,
		RatingCurvesTimeoutMinutes: 1,
		MaxWorkers:                 2,
	}

	// Job submission always accepts; status polls always report success
	// immediately.
	mux := http.NewServeMux()
	mux.HandleFunc("/processes/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"jobID": "job-1"})
	})
	mux.HandleFunc("/jobs/", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "successful", "updated": time.Now().UTC().Format("2006-01-02 15:04:05")})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	walker.JobClient = jobclient.NewClient(srv.URL, time.Millisecond, time.Millisecond)

	if err := walker.Run(context.Background(), []string{"r1"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.visited["r1"] {
		t.Fatal("expected outlet r1 to be processed")
	}
	if !st.visited["r2"] {
		t.Fatal("expected upstream r2 to be enqueued and processed after r1 succeeded")
	}
}

// TestNetworkWalker_SingleWorkerConfluenceDoesNotDeadlock covers the
// saturation case: MaxWorkers=1 with an outlet feeding two upstream
// neighbors. A worker pool where workers enqueue work by calling back
// into the pool (rather than reporting discovered work to an external
// scheduler loop) deadlocks here, since the one running worker would
// block trying to acquire a second slot it itself holds.
func TestNetworkWalker_SingleWorkerConfluenceDoesNotDeadlock(t *testing.T) {
	st := &walkerFakeStore{
		upstream: map[string][]string{"r1": {"r2", "r3"}},
	}

	cfg := &config.Config{Paths: config.Paths{CollectionsRootDir: t.TempDir()}}
	c := collection.New("coll-1", cfg, &config.Env{})

	walker := &NetworkWalker{
		Coll:                c,
		Store:               st,
		Metrics:             metrics.New(prometheus.NewRegistry()),
		KWSEAPIName:         "run_known_wse",
		RatingCurvesAPIName: "create_rating_curves_db",
		KWSEPayload: func(reachID string, downstreamID *string, minElevation, maxElevation float64) map[string]interface{} {
			return map[string]interface{}{"reach_id": reachID}
		},
		RatingCurvesPayload: func(reachID string, plans []string) map[string]interface{} {
			return map[string]interface{}{"reach_id": reachID, "plans": plans}
		},
		KWSETimeoutMinutes:         1,
		RatingCurvesTimeoutMinutes: 1,
		MaxWorkers:                 1,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/processes/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"jobID": "job-1"})
	})
	mux.HandleFunc("/jobs/", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "successful", "updated": time.Now().UTC().Format("2006-01-02 15:04:05")})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	walker.JobClient = jobclient.NewClient(srv.URL, time.Millisecond, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- walker.Run(ctx, []string{"r1"}) }()

	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-ctx.Done():
		t.Fatal("Run did not return: deadlocked with MaxWorkers=1 under a confluence wider than the pool")
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.visited["r1"] || !st.visited["r2"] || !st.visited["r3"] {
		t.Fatalf("expected all three reaches visited, got %v", st.visited)
	}
}

type walkerFakeStore struct {
	store.Store
	mu       sync.Mutex
	upstream map[string][]string
	visited  map[string]bool
}

func (s *walkerFakeStore) GetMinMaxUSWSE(ctx context.Context, dbPath string) (*float64, *float64, error) {
	return nil, nil, nil
}

func (s *walkerFakeStore) GetUpstreamReaches(ctx context.Context, reachID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.visited == nil {
		s.visited = map[string]bool{}
	}
	s.visited[reachID] = true
	up := s.upstream[reachID]
	delete(s.upstream, reachID)
	return up, nil
}

func (s *walkerFakeStore) UpdateProcessing(ctx context.Context, stage string, records []model.JobRecord) error {
	return nil
}
