package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/ngwpc/ripple-pipeline-go/internal/collection"
	"github.com/ngwpc/ripple-pipeline-go/internal/emit"
	"github.com/ngwpc/ripple-pipeline-go/internal/model"
	"github.com/ngwpc/ripple-pipeline-go/internal/store"
)

// conflationFile is the on-disk .conflation.json shape. Per DESIGN NOTES
// §9's resolution, the explicit `eclipsed` boolean field is used; missing
// reaches/ras_length are treated as zero/false.
type conflationFile struct {
	Reaches map[string]struct {
		Eclipsed bool `json:"eclipsed"`
	} `json:"reaches"`
	TotalRASLength float64 `json:"total_ras_length"`
}

func loadConflationFile(path string) (conflationFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return conflationFile{}, err
	}
	var f conflationFile
	if err := json.Unmarshal(data, &f); err != nil {
		return conflationFile{}, fmt.Errorf("parsing conflation file %s: %w", path, err)
	}
	return f, nil
}

// LoadConflation reads each model's
// source_models/<model_id>/<model_id>.conflation.json (a file named after
// the model's display name is not looked for; a model without the
// id-named file is skipped) and applies
// them to the processing table in ascending (reach_count,
// total_ras_length) order, so the largest/most-confident model's writes
// are the last to land (spec.md §4.1 "Conflation merge order").
func LoadConflation(ctx context.Context, c *collection.Context, st store.Store, e emit.Emitter, modelIDs []string) error {
	type entry struct {
		modelID string
		file    conflationFile
	}

	var entries []entry
	for _, modelID := range modelIDs {
		path := filepath.Join(c.SourceModelsDir(), modelID, modelID+".conflation.json")
		if _, err := os.Stat(path); err != nil {
			if e != nil {
				e.Emit(emit.Event{Collection: c.ID, Stage: "load_conflation", EntityID: modelID, Msg: "conflation_file_missing"})
			}
			continue
		}
		f, err := loadConflationFile(path)
		if err != nil {
			return newConfigError("reading conflation file for model "+modelID, err)
		}
		entries = append(entries, entry{modelID: modelID, file: f})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		ri, rj := len(entries[i].file.Reaches), len(entries[j].file.Reaches)
		if ri != rj {
			return ri < rj
		}
		return entries[i].file.TotalRASLength < entries[j].file.TotalRASLength
	})

	for _, en := range entries {
		payload := store.ConflationPayload{
			Reaches:        map[string]store.ConflationReach{},
			ReachCount:     len(en.file.Reaches),
			TotalRASLength: en.file.TotalRASLength,
		}
		for reachID, r := range en.file.Reaches {
			payload.Reaches[reachID] = store.ConflationReach{Eclipsed: r.Eclipsed}
		}
		if err := st.UpdateConflation(ctx, en.modelID, payload); err != nil {
			return newStoreError("applying conflation for model "+en.modelID, err)
		}
	}
	return nil
}

// ConflateModelPayload builds the conflate_model submission payload for a
// model entity, including a reference to the external source network
// file (spec.md §4.3 "Conflate" specialization).
func ConflateModelPayload(tmpl map[string]interface{}, sourceNetwork, sourceNetworkVersion, sourceNetworkType string) PayloadBuilder {
	return func(c *collection.Context, entity model.Entity) map[string]interface{} {
		payload := FormatPayload(tmpl, c, entity, entity.ModelID)
		payload["source_network"] = map[string]interface{}{
			"file_name": sourceNetwork,
			"version":   sourceNetworkVersion,
			"type":      sourceNetworkType,
		}
		return payload
	}
}
