package config

import (
	"reflect"
	"testing"
)

func TestStageNames_ReturnsSortedOrder(t *testing.T) {
	cfg := &Config{ProcessingSteps: map[string]ProcessingStep{
		"run_known_wse":      {},
		"conflate_model":     {},
		"extract_submodel":   {},
		"create_ras_terrain": {},
	}}

	got := cfg.StageNames()
	want := []string{"conflate_model", "create_ras_terrain", "extract_submodel", "run_known_wse"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected sorted stage names %v, got %v", want, got)
	}
}
