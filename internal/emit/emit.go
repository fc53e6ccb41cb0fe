// Package emit provides event emission and observability for pipeline runs.
package emit

import "context"

// Event is one observability event emitted during a pipeline run.
type Event struct {
	// Collection identifies the collection this event belongs to.
	Collection string

	// Stage is the processing stage name, empty for collection-level events.
	Stage string

	// EntityID identifies the model or reach the event concerns, empty for
	// stage-level events.
	EntityID string

	// Msg is a short, stable event name (e.g. "job_submitted",
	// "post_process_hook_failed", "rating_curve_merge_error").
	Msg string

	// Meta carries additional structured data specific to this event.
	Meta map[string]interface{}
}

// Emitter receives observability events from a pipeline run.
//
// Implementations must not block the pipeline and must not panic.
type Emitter interface {
	Emit(event Event)
	EmitBatch(ctx context.Context, events []Event) error
	Flush(ctx context.Context) error
}
