package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/ngwpc/ripple-pipeline-go/internal/collection"
	"github.com/ngwpc/ripple-pipeline-go/internal/emit"
	"github.com/ngwpc/ripple-pipeline-go/internal/jobclient"
	"github.com/ngwpc/ripple-pipeline-go/internal/metrics"
	"github.com/ngwpc/ripple-pipeline-go/internal/model"
	"github.com/ngwpc/ripple-pipeline-go/internal/store"
)

// NetworkWalker drives the downstream-first iKWSE phase (spec.md §4.5): a
// bounded worker pool walks the network outward from a set of outlet
// reaches, running a known-wse plan on each reach whose downstream
// neighbor has a rating curve already, then submitting the reach's own
// rating-curve DB build before enqueueing its upstream neighbors. Grounded on
// ikwse_step.py's process_reach/execute_ikwse_for_network
// (ThreadPoolExecutor + Queue + Lock).
type NetworkWalker struct {
	Coll      *collection.Context
	Store     store.Store
	JobClient *jobclient.Client
	Emitter   emit.Emitter
	Metrics   *metrics.Pipeline

	KWSEAPIName         string
	RatingCurvesAPIName string
	KWSEPayload         func(reachID string, downstreamID *string, minElevation, maxElevation float64) map[string]interface{}
	RatingCurvesPayload func(reachID string, plans []string) map[string]interface{}

	KWSETimeoutMinutes         int
	RatingCurvesTimeoutMinutes int
	MaxWorkers                 int
}

type workItem struct {
	reachID      string
	downstreamID *string
}

func reachEntity(reachID string) model.Entity {
	return model.Entity{Kind: model.EntityReach, ReachID: reachID}
}

// workerOutcome is what a single worker reports back to the scheduler
// loop once it finishes an item: any upstream neighbors it discovered
// (to be enqueued next round) and a fatal error, if any.
type workerOutcome struct {
	upstream []workItem
	err      error
}

// Run walks the network starting from outlets (reaches with no valid
// downstream neighbor). A fixed pool of workers drains a shared FIFO
// queue; workers never enqueue work themselves, they report discovered
// upstream neighbors back to the scheduler loop, which owns the queue
// (spec.md §4.5: "drain queue → submit to pool → sleep ~1s → harvest done
// futures → continue until queue empty and no in-flight work remains").
// Store reads/writes are serialized through mu; the single-parent NWM
// network structure means no item is ever enqueued twice, so no further
// coordination is required (spec.md §4.5 invariant).
func (w *NetworkWalker) Run(ctx context.Context, outlets []string) error {
	limit := w.MaxWorkers
	if limit <= 0 {
		limit = 1
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, limit)
	done := make(chan workerOutcome, limit)

	queue := make([]workItem, len(outlets))
	for i, o := range outlets {
		queue[i] = workItem{reachID: o}
	}

	active := 0
	var firstErr error

	submit := func(item workItem) {
		active++
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			done <- w.process(ctx, item, &mu)
		}()
	}

	harvest := func(outcome workerOutcome) {
		active--
		if outcome.err != nil {
			if firstErr == nil {
				firstErr = outcome.err
			}
			return
		}
		if ctx.Err() == nil {
			queue = append(queue, outcome.upstream...)
		}
	}

	for len(queue) > 0 || active > 0 {
		for len(queue) > 0 && active < limit && ctx.Err() == nil {
			item := queue[0]
			queue = queue[1:]
			submit(item)
		}
		w.Metrics.SetQueueDepth(len(queue))
		w.Metrics.SetInflight(active)
		if active == 0 {
			break
		}

		// Block for at least one completed future (a channel receive is
		// the direct Go translation of "harvest done futures" — no
		// polling sleep needed), then drain any others already ready.
		harvest(<-done)
		for drained := true; drained; {
			select {
			case outcome := <-done:
				harvest(outcome)
			default:
				drained = false
			}
		}
	}

	wg.Wait()
	w.Metrics.SetQueueDepth(len(queue))
	w.Metrics.SetInflight(0)
	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

// process runs the KWSE/rating-curve steps for a single reach and
// returns the upstream neighbors it discovered for the scheduler loop to
// enqueue next round.
func (w *NetworkWalker) process(ctx context.Context, item workItem, mu *sync.Mutex) workerOutcome {
	if ctx.Err() != nil {
		return workerOutcome{}
	}

	validPlans := []string{"nd"}

	if item.downstreamID != nil {
		dbPath := w.Coll.SubmodelDBPath(*item.downstreamID)
		min, max, err := w.Store.GetMinMaxUSWSE(ctx, dbPath)
		if err == nil && min != nil && max != nil {
			payload := w.KWSEPayload(item.reachID, item.downstreamID, *min, *max)
			jobID, status := w.JobClient.Submit(ctx, w.KWSEAPIName, payload)
			w.Metrics.IncSubmitted("run_iknown_wse", string(status))
			if status == model.JobAccepted {
				succeeded, _, unknown := w.JobClient.WaitForJobs(ctx,
					[]model.JobRecord{{Entity: reachEntity(item.reachID), JobID: jobID}},
					time.Duration(w.KWSETimeoutMinutes)*time.Minute)
				if len(succeeded) > 0 || len(unknown) > 0 {
					validPlans = append(validPlans, "ikwse")
				}
				mu.Lock()
				err = w.Store.UpdateProcessing(ctx, "run_iknown_wse", append(succeeded, unknown...))
				mu.Unlock()
				if err != nil {
					return workerOutcome{err: newStoreError("persisting run_iknown_wse result for "+item.reachID, err)}
				}
			}
		}
	}

	rcPayload := w.RatingCurvesPayload(item.reachID, validPlans)
	rcJobID, rcStatus := w.JobClient.Submit(ctx, w.RatingCurvesAPIName, rcPayload)
	w.Metrics.IncSubmitted("create_irating_curves_db", string(rcStatus))

	ratingSucceeded := false
	if rcStatus == model.JobAccepted {
		succeeded, _, unknown := w.JobClient.WaitForJobs(ctx,
			[]model.JobRecord{{Entity: reachEntity(item.reachID), JobID: rcJobID}},
			time.Duration(w.RatingCurvesTimeoutMinutes)*time.Minute)
		ratingSucceeded = len(succeeded) > 0 || len(unknown) > 0
		mu.Lock()
		err := w.Store.UpdateProcessing(ctx, "create_irating_curves_db", append(succeeded, unknown...))
		mu.Unlock()
		if err != nil {
			return workerOutcome{err: newStoreError("persisting create_irating_curves_db result for "+item.reachID, err)}
		}
	}

	mu.Lock()
	upstream, err := w.Store.GetUpstreamReaches(ctx, item.reachID)
	mu.Unlock()
	if err != nil {
		return workerOutcome{err: newStoreError("listing upstream reaches for "+item.reachID, err)}
	}

	items := make([]workItem, 0, len(upstream))
	for _, u := range upstream {
		var downstream *string
		if ratingSucceeded {
			r := item.reachID
			downstream = &r
		}
		items = append(items, workItem{reachID: u, downstreamID: downstream})
	}
	return workerOutcome{upstream: items}
}
