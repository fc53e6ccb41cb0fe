package pipeline

import (
	"context"

	"github.com/ngwpc/ripple-pipeline-go/internal/collection"
	"github.com/ngwpc/ripple-pipeline-go/internal/model"
	"github.com/ngwpc/ripple-pipeline-go/internal/store"
)

// KWSEPreSubmitHook looks up the downstream reach's min/max normal-depth
// water-surface elevation and injects it as min_elevation/max_elevation
// into the payload (spec.md §4.3 "KWSE" specialization, grounded on
// ikwse_step.py's process_reach). An entity with no downstream, or one
// whose downstream submodel has no nd rating curve yet, is skipped —
// classified not_accepted without a submission attempt (E5).
func KWSEPreSubmitHook() PreSubmitHook {
	return func(ctx context.Context, c *collection.Context, st store.Store, entity model.Entity) PreSubmitVerdict {
		if entity.DownstreamID == nil {
			return PreSubmitVerdict{Skip: true}
		}

		dbPath := c.SubmodelDBPath(*entity.DownstreamID)
		min, max, err := st.GetMinMaxUSWSE(ctx, dbPath)
		if err != nil || min == nil || max == nil {
			return PreSubmitVerdict{Skip: true}
		}

		return PreSubmitVerdict{
			Extra: map[string]interface{}{
				"min_elevation": *min,
				"max_elevation": *max,
			},
		}
	}
}

// KWSEPayload builds the run_known_wse submission payload. plan_suffix is
// fixed at "ikwse" for the network-walker phase and "kwse" for the
// non-outlet batch phase (spec.md §4.5, §4.6).
func KWSEPayload(tmpl map[string]interface{}, modelNames map[string]string, planSuffix string, dsDepthIncrement float64) PayloadBuilder {
	return func(c *collection.Context, entity model.Entity) map[string]interface{} {
		payload := FormatPayload(tmpl, c, entity, modelNames[entity.ModelID])
		payload["plan_suffix"] = planSuffix
		payload["depth_increment"] = dsDepthIncrement
		payload["write_depth_grids"] = false
		if entity.DownstreamID != nil {
			payload["downstream_reach_id"] = *entity.DownstreamID
		}
		return payload
	}
}

// NetworkWalkerKWSEPayload adapts the run_known_wse template to the
// NetworkWalker's per-reach function shape: plan_suffix is fixed at
// "ikwse" and min/max elevation come from the caller's lookup rather than
// a PreSubmitHook (spec.md §4.5).
func NetworkWalkerKWSEPayload(tmpl map[string]interface{}, c *collection.Context, dsDepthIncrement float64) func(reachID string, downstreamID *string, minElevation, maxElevation float64) map[string]interface{} {
	return func(reachID string, downstreamID *string, minElevation, maxElevation float64) map[string]interface{} {
		entity := model.Entity{Kind: model.EntityReach, ReachID: reachID, DownstreamID: downstreamID}
		payload := FormatPayload(tmpl, c, entity, "")
		payload["plan_suffix"] = "ikwse"
		payload["depth_increment"] = dsDepthIncrement
		payload["write_depth_grids"] = false
		payload["min_elevation"] = minElevation
		payload["max_elevation"] = maxElevation
		return payload
	}
}

// NetworkWalkerRatingCurvesPayload adapts the create_rating_curves_db
// template to the NetworkWalker's per-reach function shape, substituting
// the effective plan list (spec.md §4.5 step 2).
func NetworkWalkerRatingCurvesPayload(tmpl map[string]interface{}, c *collection.Context) func(reachID string, plans []string) map[string]interface{} {
	return func(reachID string, plans []string) map[string]interface{} {
		entity := model.Entity{Kind: model.EntityReach, ReachID: reachID}
		payload := FormatPayload(tmpl, c, entity, "")
		payload["plans"] = plans
		return payload
	}
}
