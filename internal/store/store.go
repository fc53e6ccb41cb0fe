// Package store implements the pipeline's embedded state store: one
// SQLite file per collection, holding metadata, models, reaches, network,
// processing, and rating-curve tables per spec.md §3.
package store

import (
	"context"

	"github.com/ngwpc/ripple-pipeline-go/internal/model"
)

// Store is the State Store's operation set (spec.md §4.1). Every method
// opens and commits its own transaction; no long-lived transaction spans
// multiple calls.
type Store interface {
	// SeedReaches inserts (reach_id, nwm_to_id) rows ahead of Init. The
	// filtered NWM flowline layer these rows come from is out of scope
	// (non-goal); a caller supplies rows read by some other means.
	SeedReaches(ctx context.Context, reaches []model.Reach) error

	// Init creates tables and indexes (idempotent), seeds network and
	// processing from reaches, and writes one metadata row. stageNames
	// drives the processing table's generated <stage>_job_id/<stage>_status
	// column pairs.
	Init(ctx context.Context, collectionID, toolVersion string, usDepthIncrement, dsDepthIncrement float64, stageNames []string) error

	// InsertModels inserts (collection_id, model_id, model_name) rows,
	// ignoring duplicates.
	InsertModels(ctx context.Context, collectionID string, models []model.Model) error

	// UpdateModels sets the stage's job id and status columns on the
	// models table for each given record.
	UpdateModels(ctx context.Context, stage string, records []model.JobRecord) error

	// UpdateProcessing sets the stage's job id and status columns on the
	// processing table for each given record.
	UpdateProcessing(ctx context.Context, stage string, records []model.JobRecord) error

	// UpdateConflation sets model_id and eclipsed on every reach referenced
	// in payload. It only updates existing processing rows: a reach id
	// with no processing row is left out, and nothing is added to the
	// reaches or network tables.
	UpdateConflation(ctx context.Context, modelID string, payload ConflationPayload) error

	// GetValidReaches returns the non-eclipsed reach_id -> nwm_to_id map.
	GetValidReaches(ctx context.Context) (map[string]*string, error)

	// GetEclipsedReaches returns the eclipsed reach_id -> nwm_to_id map.
	GetEclipsedReaches(ctx context.Context) (map[string]*string, error)

	// UpdateNetwork bulk-sets updated_to_id for the given edges.
	UpdateNetwork(ctx context.Context, edges []model.NetworkEdge) error

	// GetReachesByModels returns (reach_id, updated_to_id, model_id,
	// model_name) for non-eclipsed reaches belonging to the given models.
	GetReachesByModels(ctx context.Context, modelIDs []string) ([]ReachByModel, error)

	// GetUpstreamReaches returns the reach ids whose updated_to_id equals
	// reachID.
	GetUpstreamReaches(ctx context.Context, reachID string) ([]string, error)

	// GetEntitiesByProcessAndStatus fetches (entity_id, job_id, status) for
	// a stage/status pair, from either the "processing" or "models" table.
	GetEntitiesByProcessAndStatus(ctx context.Context, table, stage, status string) ([]model.JobRecord, error)

	// UpdateStatus rewrites a single entity's stage status column. Used
	// only by the reconciliation poll.
	UpdateStatus(ctx context.Context, table, stage, status, entityID string) error

	// InsertRatingCurves batches rows into rating_curves (mapExist true) or
	// rating_curves_no_map (mapExist false) with INSERT OR IGNORE
	// semantics on the (reach_id, us_flow, ds_wse, boundary_condition)
	// unique key. Returns the generated ids for each inserted row, aligned
	// with rows, for UpsertRatingCurveMetrics follow-up writes; an id of 0
	// indicates the row already existed (ignored).
	InsertRatingCurves(ctx context.Context, rows []model.RatingCurveRow, mapExist bool) ([]int64, error)

	// UpsertRatingCurveMetrics attaches xs_overtopped to a rating-curve row
	// already present in rating_curves, identified by its natural key —
	// matches the original's two-phase rating_curves_metrics write (§3.1).
	UpsertRatingCurveMetrics(ctx context.Context, reachID string, usFlow, dsWSE float64, boundaryCondition model.BoundaryCondition, xsOvertopped bool) error

	// GetMinMaxUSWSE returns MIN(us_wse)/MAX(us_wse) over nd rating curves
	// in the per-reach submodel DB at dbPath. Returns nil, nil values if
	// the DB has no matching rows; a DB that is absent or has no
	// rating_curves table yields an error.
	GetMinMaxUSWSE(ctx context.Context, dbPath string) (min, max *float64, err error)

	Close() error
}

// ConflationPayload is the decoded shape of a
// source_models/<model_id>/<model_id>.conflation.json file: a map of
// reach_id to its conflation verdict. Per DESIGN NOTES §9, the explicit
// `eclipsed` boolean field is used; a missing field is treated as false.
type ConflationPayload struct {
	Reaches        map[string]ConflationReach
	ReachCount     int
	TotalRASLength float64
}

// ConflationReach is one reach's entry inside a conflation payload.
type ConflationReach struct {
	Eclipsed bool
	ToID     *string
}

// ReachByModel is one row of GetReachesByModels' result.
type ReachByModel struct {
	ReachID     string
	UpdatedToID *string
	ModelID     string
	ModelName   string
}
