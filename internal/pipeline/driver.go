package pipeline

import (
	"context"

	"github.com/ngwpc/ripple-pipeline-go/internal/collection"
	"github.com/ngwpc/ripple-pipeline-go/internal/config"
	"github.com/ngwpc/ripple-pipeline-go/internal/emit"
	"github.com/ngwpc/ripple-pipeline-go/internal/jobclient"
	"github.com/ngwpc/ripple-pipeline-go/internal/metrics"
	"github.com/ngwpc/ripple-pipeline-go/internal/model"
	"github.com/ngwpc/ripple-pipeline-go/internal/store"
)

// Deps bundles everything one pipeline run needs: configuration, the
// collection's resolved paths, the state store, the remote job client,
// and the out-of-scope external collaborators a caller wires in
// (spec.md §1 Non-goals: model ingestion, Flows2FIM, QC map copy, S3).
type Deps struct {
	Cfg       *config.Config
	Coll      *collection.Context
	Store     store.Store
	JobClient *jobclient.Client
	Emitter   emit.Emitter
	Metrics   *metrics.Pipeline
	Models    collection.ModelSource
	Hooks     collection.PostProcessHooks
}

// Run drives the fixed DAG of spec.md §4.8: conflate_model →
// load_conflation → update_network → reach selection → the per-reach
// normal-depth family → the iKWSE network walk (outlets) → run_known_wse
// (non-outlets) → kwse_create_rating_curves_db → the rating-curve merge →
// create_fim_lib, followed by the post-processing hooks. This sequence
// has no branching, so it is a linear Go function rather than a generic
// DAG-execution engine (see DESIGN.md); the data-dependent fan-out of
// the iKWSE phase is handled by NetworkWalker's own channel-based
// scheduler loop.
func (d *Deps) Run(ctx context.Context) error {
	models, err := d.Models.Models(ctx)
	if err != nil {
		return newConfigError("listing collection models", err)
	}
	if err := d.Store.InsertModels(ctx, d.Coll.ID, models); err != nil {
		return newStoreError("seeding models table", err)
	}

	modelNames := make(map[string]string, len(models))
	modelEntities := make([]model.Entity, 0, len(models))
	for _, m := range models {
		modelNames[m.ID] = m.DisplayName
		modelEntities = append(modelEntities, model.Entity{Kind: model.EntityModel, ModelID: m.ID})
	}

	conflateResult, err := d.runStep(ctx, "conflate_model", "models", modelEntities,
		ConflateModelPayload(d.Cfg.ProcessingSteps["conflate_model"].PayloadTemplate,
			d.Cfg.RippleSettings.SourceNetwork, d.Cfg.RippleSettings.SourceNetworkVersion, d.Cfg.RippleSettings.SourceNetworkType), nil)
	if err != nil {
		return err
	}

	conflatedModelIDs := make([]string, 0, len(conflateResult.ValidEntities()))
	for _, e := range conflateResult.ValidEntities() {
		conflatedModelIDs = append(conflatedModelIDs, e.ModelID)
	}

	if err := LoadConflation(ctx, d.Coll, d.Store, d.Emitter, conflatedModelIDs); err != nil {
		return err
	}

	if err := d.updateNetwork(ctx); err != nil {
		return err
	}

	reaches, err := d.Store.GetReachesByModels(ctx, conflatedModelIDs)
	if err != nil {
		return newStoreError("selecting reaches for processing", err)
	}
	for _, r := range reaches {
		modelNames[r.ModelID] = r.ModelName
	}
	updatedToID := make(map[string]*string, len(reaches))
	for _, r := range reaches {
		updatedToID[r.ReachID] = r.UpdatedToID
	}

	entities := ReachEntities(reaches)
	reachStages := []string{
		"extract_submodel",
		"create_ras_terrain",
		"create_model_run_normal_depth",
		"run_incremental_normal_depth",
		"nd_create_rating_curves_db",
	}
	for _, stage := range reachStages {
		result, err := d.runStep(ctx, stage, "processing", entities,
			ReachPayload(d.Cfg.ProcessingSteps[stage].PayloadTemplate, modelNames), nil)
		if err != nil {
			return err
		}
		entities = result.ValidEntities()
	}

	validAfterND := make(map[string]bool, len(entities))
	for _, e := range entities {
		validAfterND[e.ReachID] = true
	}

	var outlets []string
	for reachID := range validAfterND {
		if updatedToID[reachID] == nil {
			outlets = append(outlets, reachID)
		}
	}

	if err := d.runNetworkWalker(ctx, outlets); err != nil {
		return err
	}

	kwseEntities, err := d.nonOutletKWSECandidates(ctx, validAfterND, outlets, updatedToID)
	if err != nil {
		return err
	}

	kwseStage := "run_known_wse"
	kwseResult, err := d.runStep(ctx, kwseStage, "processing", kwseEntities,
		KWSEPayload(d.Cfg.ProcessingSteps[kwseStage].PayloadTemplate, modelNames, "kwse", d.Cfg.RippleSettings.DSDepthIncrement),
		KWSEPreSubmitHook())
	if err != nil {
		return err
	}

	rcStage := "kwse_create_rating_curves_db"
	if _, err := d.runStep(ctx, rcStage, "processing", kwseResult.ValidEntities(),
		ReachPayload(d.Cfg.ProcessingSteps[rcStage].PayloadTemplate, modelNames), nil); err != nil {
		return err
	}

	if err := LoadAllRatingCurves(ctx, d.Coll, d.Store, d.Emitter); err != nil {
		return err
	}

	fimStage := "create_fim_lib"
	if _, err := d.runStep(ctx, fimStage, "processing", entities,
		ReachPayload(d.Cfg.ProcessingSteps[fimStage].PayloadTemplate, modelNames), nil); err != nil {
		return err
	}

	d.runPostProcessHooks(ctx, outlets)
	return nil
}

func (d *Deps) runStep(ctx context.Context, stage, table string, entities []model.Entity, payloadBuilder PayloadBuilder, preSubmit PreSubmitHook) (Result, error) {
	step := d.Cfg.ProcessingSteps[stage]
	sp := &StepProcessor{
		Stage:          stage,
		APIName:        step.APIProcessName,
		Table:          table,
		Entities:       entities,
		PayloadBuilder: payloadBuilder,
		PreSubmitHook:  preSubmit,
		TimeoutMinutes: step.TimeoutMinutes,
		JobClient:      d.JobClient,
		Store:          d.Store,
		Emitter:        d.Emitter,
		Metrics:        d.Metrics,
		Coll:           d.Coll,
	}
	return sp.Execute(ctx)
}

// updateNetwork recomputes updated_to_id for every valid (non-eclipsed)
// reach by walking nwm_to_id through eclipsed reaches until it reaches a
// valid reach or a dead end (spec.md §4 Update-Network algorithm).
func (d *Deps) updateNetwork(ctx context.Context) error {
	valid, err := d.Store.GetValidReaches(ctx)
	if err != nil {
		return newStoreError("loading valid reaches", err)
	}
	eclipsed, err := d.Store.GetEclipsedReaches(ctx)
	if err != nil {
		return newStoreError("loading eclipsed reaches", err)
	}

	edges := make([]model.NetworkEdge, 0, len(valid))
	for reachID, toID := range valid {
		edges = append(edges, model.NetworkEdge{
			ReachID:     reachID,
			NWMToID:     toID,
			UpdatedToID: resolveUpdatedToID(toID, valid, eclipsed),
		})
	}
	if err := d.Store.UpdateNetwork(ctx, edges); err != nil {
		return newStoreError("writing updated network", err)
	}
	return nil
}

// resolveUpdatedToID walks toID through eclipsed reaches until it lands
// on a valid (non-eclipsed, in-collection) reach, mirroring
// update_network.py's three-branch loop: a valid reach is returned, an
// eclipsed reach is followed to its own nwm_to_id, and anything else
// (neither valid nor eclipsed — i.e. outside the filtered flowline set,
// or a dead end) resolves to no edge at all.
func resolveUpdatedToID(toID *string, valid, eclipsed map[string]*string) *string {
	current := toID
	visited := make(map[string]bool)
	for current != nil {
		if _, isValid := valid[*current]; isValid {
			return current
		}
		next, isEclipsed := eclipsed[*current]
		if !isEclipsed {
			return nil
		}
		if visited[*current] {
			return nil
		}
		visited[*current] = true
		current = next
	}
	return nil
}

func (d *Deps) runNetworkWalker(ctx context.Context, outlets []string) error {
	kwseStage := d.Cfg.ProcessingSteps["run_iknown_wse"]
	rcStage := d.Cfg.ProcessingSteps["create_irating_curves_db"]

	walker := &NetworkWalker{
		Coll:                       d.Coll,
		Store:                      d.Store,
		JobClient:                  d.JobClient,
		Emitter:                    d.Emitter,
		Metrics:                    d.Metrics,
		KWSEAPIName:                kwseStage.APIProcessName,
		RatingCurvesAPIName:        rcStage.APIProcessName,
		KWSEPayload:                NetworkWalkerKWSEPayload(d.Cfg.ProcessingSteps["run_known_wse"].PayloadTemplate, d.Coll, d.Cfg.RippleSettings.DSDepthIncrement),
		RatingCurvesPayload:        NetworkWalkerRatingCurvesPayload(d.Cfg.ProcessingSteps["create_rating_curves_db"].PayloadTemplate, d.Coll),
		KWSETimeoutMinutes:         kwseStage.TimeoutMinutes,
		RatingCurvesTimeoutMinutes: rcStage.TimeoutMinutes,
		MaxWorkers:                 d.Cfg.Execution.OptimumParallelProcessCount,
	}
	return walker.Run(ctx, outlets)
}

// nonOutletKWSECandidates selects the non-outlet reaches whose iKWSE
// rating-curve build succeeded or timed out (spec.md §4.6), attaching
// each reach's downstream neighbor for the KWSE Step Processor's
// elevation-lookup preamble.
func (d *Deps) nonOutletKWSECandidates(ctx context.Context, validAfterND map[string]bool, outlets []string, updatedToID map[string]*string) ([]model.Entity, error) {
	outletSet := make(map[string]bool, len(outlets))
	for _, o := range outlets {
		outletSet[o] = true
	}

	var entities []model.Entity
	for _, status := range []string{"successful", "unknown"} {
		records, err := d.Store.GetEntitiesByProcessAndStatus(ctx, "processing", "create_irating_curves_db", status)
		if err != nil {
			return nil, newStoreError("listing create_irating_curves_db "+status+" entities", err)
		}
		for _, rec := range records {
			reachID := rec.Entity.ReachID
			if outletSet[reachID] || !validAfterND[reachID] {
				continue
			}
			entities = append(entities, model.Entity{
				Kind:         model.EntityReach,
				ReachID:      reachID,
				DownstreamID: updatedToID[reachID],
			})
		}
	}
	return entities, nil
}

func (d *Deps) runPostProcessHooks(ctx context.Context, outletReachIDs []string) {
	run := func(name string, fn func(context.Context) error) {
		if fn == nil {
			return
		}
		if err := fn(ctx); err != nil && d.Emitter != nil {
			d.Emitter.Emit(emit.Event{Collection: d.Coll.ID, Stage: name, Msg: "post_process_hook_failed",
				Meta: map[string]interface{}{"error": err.Error()}})
		}
	}

	if d.Hooks.F2FStartFile != nil {
		if err := d.Hooks.F2FStartFile(ctx, outletReachIDs); err != nil && d.Emitter != nil {
			d.Emitter.Emit(emit.Event{Collection: d.Coll.ID, Stage: "f2f_start_file", Msg: "post_process_hook_failed",
				Meta: map[string]interface{}{"error": err.Error()}})
		}
	}
	run("run_flows2fim", d.Hooks.RunFlows2FIM)
	run("extent_library", d.Hooks.ExtentLibrary)
	run("qc_map_copy", d.Hooks.QCMapCopy)
}
