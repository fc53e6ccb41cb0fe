package pipeline

import (
	"github.com/ngwpc/ripple-pipeline-go/internal/collection"
	"github.com/ngwpc/ripple-pipeline-go/internal/model"
	"github.com/ngwpc/ripple-pipeline-go/internal/store"
)

// ReachEntities builds one Reach entity per (reach_id, model_id) pair,
// for the generic per-reach stages (extract_submodel, create_ras_terrain,
// create_model_run_normal_depth, run_incremental_normal_depth,
// nd_create_rating_curves_db, create_fim_lib).
func ReachEntities(reaches []store.ReachByModel) []model.Entity {
	entities := make([]model.Entity, 0, len(reaches))
	for _, r := range reaches {
		entities = append(entities, model.Entity{
			Kind:    model.EntityReach,
			ModelID: r.ModelID,
			ReachID: r.ReachID,
		})
	}
	return entities
}

// ReachPayload builds a generic reach-stage submission payload from a
// stage's configured template (spec.md §4.3 "Reach" specialization). The
// model's display name is threaded through for the {model_name}
// placeholder since it lives on ReachByModel, not on the entity itself.
func ReachPayload(tmpl map[string]interface{}, modelNames map[string]string) PayloadBuilder {
	return func(c *collection.Context, entity model.Entity) map[string]interface{} {
		return FormatPayload(tmpl, c, entity, modelNames[entity.ModelID])
	}
}
