package pipeline

import (
	"context"
	"testing"

	"github.com/ngwpc/ripple-pipeline-go/internal/model"
	"github.com/ngwpc/ripple-pipeline-go/internal/store"
)

func strPtr(s string) *string { return &s }

func TestResolveUpdatedToID_WalksThroughEclipsedReaches(t *testing.T) {
	// r1 -> r2 (eclipsed) -> r3 (eclipsed) -> r4 (valid)
	valid := map[string]*string{"r4": nil}
	eclipsed := map[string]*string{
		"r2": strPtr("r3"),
		"r3": strPtr("r4"),
	}
	got := resolveUpdatedToID(strPtr("r2"), valid, eclipsed)
	if got == nil || *got != "r4" {
		t.Fatalf("expected r4, got %v", got)
	}
}

func TestResolveUpdatedToID_NilForOutlet(t *testing.T) {
	got := resolveUpdatedToID(nil, map[string]*string{}, map[string]*string{})
	if got != nil {
		t.Fatalf("expected nil for an outlet with no downstream, got %v", *got)
	}
}

func TestResolveUpdatedToID_NilForDeadEndThroughEclipsed(t *testing.T) {
	eclipsed := map[string]*string{"r2": nil}
	got := resolveUpdatedToID(strPtr("r2"), map[string]*string{}, eclipsed)
	if got != nil {
		t.Fatalf("expected nil when the eclipsed chain dead-ends, got %v", *got)
	}
}

func TestResolveUpdatedToID_BreaksCycles(t *testing.T) {
	eclipsed := map[string]*string{
		"r2": strPtr("r3"),
		"r3": strPtr("r2"),
	}
	got := resolveUpdatedToID(strPtr("r2"), map[string]*string{}, eclipsed)
	if got != nil {
		t.Fatalf("expected nil for a cyclic eclipsed chain, got %v", *got)
	}
}

func TestResolveUpdatedToID_NilWhenDownstreamLeavesCollection(t *testing.T) {
	// r2 is neither valid nor eclipsed: it has been filtered out of the
	// collection entirely, so the edge must resolve to no downstream
	// rather than pointing at an external reach id.
	got := resolveUpdatedToID(strPtr("r2"), map[string]*string{}, map[string]*string{})
	if got != nil {
		t.Fatalf("expected nil when toID is outside both the valid and eclipsed sets, got %v", *got)
	}
}

func TestNonOutletKWSECandidates_ExcludesOutletsAndInvalidReaches(t *testing.T) {
	fake := &driverFakeStore{
		records: map[string][]model.JobRecord{
			"successful": {
				{Entity: model.Entity{Kind: model.EntityReach, ReachID: "outlet"}},
				{Entity: model.Entity{Kind: model.EntityReach, ReachID: "r1"}},
				{Entity: model.Entity{Kind: model.EntityReach, ReachID: "stale"}},
			},
			"unknown": {
				{Entity: model.Entity{Kind: model.EntityReach, ReachID: "r2"}},
			},
		},
	}
	d := &Deps{Store: fake}

	validAfterND := map[string]bool{"outlet": true, "r1": true, "r2": true}
	updatedToID := map[string]*string{"r1": strPtr("outlet"), "r2": strPtr("outlet")}

	entities, err := d.nonOutletKWSECandidates(context.Background(), validAfterND, []string{"outlet"}, updatedToID)
	if err != nil {
		t.Fatalf("nonOutletKWSECandidates: %v", err)
	}

	if len(entities) != 2 {
		t.Fatalf("expected 2 candidate entities (r1, r2), got %d: %v", len(entities), entities)
	}
	seen := map[string]bool{}
	for _, e := range entities {
		seen[e.ReachID] = true
		if e.DownstreamID == nil || *e.DownstreamID != "outlet" {
			t.Fatalf("expected downstream id outlet for %s, got %v", e.ReachID, e.DownstreamID)
		}
	}
	if !seen["r1"] || !seen["r2"] {
		t.Fatalf("expected r1 and r2 among candidates, got %v", entities)
	}
	if seen["outlet"] || seen["stale"] {
		t.Fatalf("expected outlet and stale (not valid after ND) to be excluded, got %v", entities)
	}
}

type driverFakeStore struct {
	store.Store
	records map[string][]model.JobRecord
}

func (s *driverFakeStore) GetEntitiesByProcessAndStatus(ctx context.Context, table, stage, status string) ([]model.JobRecord, error) {
	return s.records[status], nil
}
