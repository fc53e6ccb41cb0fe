// Package pipeline implements the Step Processor template, its
// Conflate/Reach/KWSE specializations, the iKWSE network walker, the
// rating-curve merge, and the fixed-DAG driver (spec.md §4).
package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/ngwpc/ripple-pipeline-go/internal/collection"
	"github.com/ngwpc/ripple-pipeline-go/internal/emit"
	"github.com/ngwpc/ripple-pipeline-go/internal/jobclient"
	"github.com/ngwpc/ripple-pipeline-go/internal/metrics"
	"github.com/ngwpc/ripple-pipeline-go/internal/model"
	"github.com/ngwpc/ripple-pipeline-go/internal/store"
)

// PayloadBuilder formats one entity's submission payload, substituting
// collection-resolved paths and entity attributes into the stage's
// configured template (spec.md §4.3).
type PayloadBuilder func(ctx *collection.Context, entity model.Entity) map[string]interface{}

// PreSubmitVerdict is returned by a PreSubmitHook to short-circuit
// submission for one entity.
type PreSubmitVerdict struct {
	// Skip, when true, classifies the entity as not_accepted without an
	// HTTP call (the KWSE specialization's missing-downstream case).
	Skip bool
	// Extra carries additional payload fields to merge in when not
	// skipping (e.g. KWSE's injected min_elevation/max_elevation).
	Extra map[string]interface{}
}

// PreSubmitHook runs before submission for one entity; nil means "always
// submit, no extra fields" (DESIGN NOTES §9's function-value hook).
type PreSubmitHook func(ctx context.Context, c *collection.Context, st store.Store, entity model.Entity) PreSubmitVerdict

// StepProcessor runs the Step Processor template for one stage over a
// batch of entities (spec.md §4.3). A single concrete, non-generic type
// parameterized by (entity kind, payload formatter, pre-submit hook)
// replaces the original's abstract-base/subclass dispatch, per DESIGN
// NOTES §9.
type StepProcessor struct {
	Stage          string
	APIName        string
	Table          string // "models" or "processing"
	Entities       []model.Entity
	PayloadBuilder PayloadBuilder
	PreSubmitHook  PreSubmitHook
	TimeoutMinutes int

	JobClient *jobclient.Client
	Store     store.Store
	Emitter   emit.Emitter
	Metrics   *metrics.Pipeline
	Coll      *collection.Context
}

// Result holds the classification buckets produced by Execute.
type Result struct {
	Accepted    []model.JobRecord
	NotAccepted []model.JobRecord
	Succeeded   []model.JobRecord
	Failed      []model.JobRecord
	Unknown     []model.JobRecord
}

// ValidEntities returns the entities in Succeeded ∪ Unknown — the set
// handed to the next stage (spec.md §4.3).
func (r Result) ValidEntities() []model.Entity {
	entities := make([]model.Entity, 0, len(r.Succeeded)+len(r.Unknown))
	for _, rec := range r.Succeeded {
		entities = append(entities, rec.Entity)
	}
	for _, rec := range r.Unknown {
		entities = append(entities, rec.Entity)
	}
	return entities
}

// Execute runs the submit → classify → wait → classify → persist template
// for this stage. Submission and waiting are both serial (spec.md §4.4).
func (p *StepProcessor) Execute(ctx context.Context) (Result, error) {
	var result Result

	for _, entity := range p.Entities {
		verdict := PreSubmitVerdict{}
		if p.PreSubmitHook != nil {
			verdict = p.PreSubmitHook(ctx, p.Coll, p.Store, entity)
		}

		if verdict.Skip {
			rec := model.JobRecord{Entity: entity, Status: model.JobNotAccepted}
			result.NotAccepted = append(result.NotAccepted, rec)
			p.Metrics.IncSubmitted(p.Stage, "not_accepted")
			continue
		}

		payload := p.PayloadBuilder(p.Coll, entity)
		for k, v := range verdict.Extra {
			payload[k] = v
		}

		jobID, status := p.JobClient.Submit(ctx, p.APIName, payload)
		rec := model.JobRecord{Entity: entity, JobID: jobID, Status: status}
		if status == model.JobAccepted {
			result.Accepted = append(result.Accepted, rec)
		} else {
			result.NotAccepted = append(result.NotAccepted, rec)
		}
		p.Metrics.IncSubmitted(p.Stage, string(status))
		p.emit(emit.Event{Collection: p.Coll.ID, Stage: p.Stage, EntityID: entity.ID(), Msg: "job_submitted",
			Meta: map[string]interface{}{"job_id": jobID, "status": string(status)}})
	}

	if err := p.persist(ctx, result.Accepted, "accepted"); err != nil {
		return result, err
	}
	if err := p.persist(ctx, result.NotAccepted, "not_accepted"); err != nil {
		return result, err
	}

	start := time.Now()
	succeeded, failed, unknown := p.JobClient.WaitForJobs(ctx, result.Accepted, time.Duration(p.TimeoutMinutes)*time.Minute)
	p.Metrics.ObservePollWait(p.Stage, time.Since(start))

	result.Succeeded, result.Failed, result.Unknown = succeeded, failed, unknown

	if err := p.persist(ctx, result.Succeeded, "successful"); err != nil {
		return result, err
	}
	if err := p.persist(ctx, result.Failed, "failed"); err != nil {
		return result, err
	}
	if err := p.persist(ctx, result.Unknown, "unknown"); err != nil {
		return result, err
	}

	for i := 0; i < len(result.Succeeded); i++ {
		p.Metrics.IncTerminal(p.Stage, "successful")
	}
	for i := 0; i < len(result.Failed); i++ {
		p.Metrics.IncTerminal(p.Stage, "failed")
	}
	for i := 0; i < len(result.Unknown); i++ {
		p.Metrics.IncTerminal(p.Stage, "unknown")
	}

	return result, nil
}

func (p *StepProcessor) emit(event emit.Event) {
	if p.Emitter != nil {
		p.Emitter.Emit(event)
	}
}

func (p *StepProcessor) persist(ctx context.Context, records []model.JobRecord, status string) error {
	if len(records) == 0 {
		return nil
	}
	for i := range records {
		records[i].Status = model.JobStatus(status)
	}
	var err error
	if p.Table == "models" {
		err = p.Store.UpdateModels(ctx, p.Stage, records)
	} else {
		err = p.Store.UpdateProcessing(ctx, p.Stage, records)
	}
	if err != nil {
		return newStoreError("persisting "+p.Stage+" "+status+" records", err)
	}
	return nil
}

// FormatPayload substitutes spec.md §4.3's placeholders
// ({model_id}, {model_name}, {nwm_reach_id}, {source_model_directory},
// {submodels_directory}, {library_directory}) into tmpl's string values.
// Non-string template values (numbers, nested maps such as
// conflate_model's source_network object) pass through unchanged.
func FormatPayload(tmpl map[string]interface{}, c *collection.Context, entity model.Entity, modelName string) map[string]interface{} {
	replacer := strings.NewReplacer(
		"{model_id}", entity.ModelID,
		"{model_name}", modelName,
		"{nwm_reach_id}", entity.ReachID,
		"{source_model_directory}", c.SourceModelsDir(),
		"{submodels_directory}", c.SubmodelsDir(),
		"{library_directory}", c.LibraryDir(),
	)
	payload := make(map[string]interface{}, len(tmpl))
	for k, v := range tmpl {
		if s, ok := v.(string); ok {
			payload[k] = replacer.Replace(s)
		} else {
			payload[k] = v
		}
	}
	return payload
}
