package pipeline

import (
	"testing"

	"github.com/ngwpc/ripple-pipeline-go/internal/collection"
	"github.com/ngwpc/ripple-pipeline-go/internal/config"
	"github.com/ngwpc/ripple-pipeline-go/internal/model"
	"github.com/ngwpc/ripple-pipeline-go/internal/store"
)

func TestReachEntities(t *testing.T) {
	reaches := []store.ReachByModel{
		{ReachID: "r1", ModelID: "m1"},
		{ReachID: "r2", ModelID: "m1"},
	}
	entities := ReachEntities(reaches)
	if len(entities) != 2 {
		t.Fatalf("expected 2 entities, got %d", len(entities))
	}
	for i, e := range entities {
		if e.Kind != model.EntityReach {
			t.Fatalf("entity %d: expected EntityReach, got %v", i, e.Kind)
		}
		if e.ModelID != reaches[i].ModelID || e.ReachID != reaches[i].ReachID {
			t.Fatalf("entity %d: ids did not carry over", i)
		}
	}
}

func TestReachPayload_SubstitutesModelName(t *testing.T) {
	cfg := &config.Config{Paths: config.Paths{CollectionsRootDir: t.TempDir()}}
	c := collection.New("coll-1", cfg, &config.Env{})
	modelNames := map[string]string{"m1": "Medina"}

	build := ReachPayload(map[string]interface{}{
		"model_name": "{model_name}",
		"depth":      1.5,
	}, modelNames)

	payload := build(c, model.Entity{Kind: model.EntityReach, ModelID: "m1", ReachID: "r1"})
	if payload["model_name"] != "Medina" {
		t.Fatalf("expected model_name substituted to Medina, got %v", payload["model_name"])
	}
	if payload["depth"] != 1.5 {
		t.Fatalf("expected non-string literal to pass through unchanged, got %v", payload["depth"])
	}
}
