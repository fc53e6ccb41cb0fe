// Package model holds the domain types shared across the pipeline: the
// collection/model/reach entities, job status values, and rating-curve rows.
package model

// Collection is one batch of HEC-RAS models processed together.
type Collection struct {
	ID      string
	RootDir string
}

// Model is a source artifact conflated over one or more reaches.
type Model struct {
	ID          string
	DisplayName string
}

// Reach is a single NWM reach, optionally owned by a model after conflation.
type Reach struct {
	ID      string
	ToID    *string
	ModelID string
}

// NetworkEdge is the derived downstream relationship used by the network
// walker and the reach-selection stage. NWMToID is the raw flowline
// downstream id; UpdatedToID is computed by Update-Network, skipping
// reaches that conflation marked eclipsed.
type NetworkEdge struct {
	ReachID     string
	NWMToID     *string
	UpdatedToID *string
}

// JobStatus is the classification a Job Client verdict settles into.
type JobStatus string

const (
	JobAccepted    JobStatus = "accepted"
	JobNotAccepted JobStatus = "not_accepted"
	JobSuccessful  JobStatus = "successful"
	JobFailed      JobStatus = "failed"
	JobUnknown     JobStatus = "unknown"
)

// Valid reports whether the job should be treated as input to the next
// stage: successful or unknown, never failed or not_accepted.
func (s JobStatus) Valid() bool {
	return s == JobSuccessful || s == JobUnknown
}

// EntityKind distinguishes the two entity kinds a Step Processor can drive.
type EntityKind int

const (
	EntityModel EntityKind = iota
	EntityReach
)

func (k EntityKind) String() string {
	if k == EntityModel {
		return "model"
	}
	return "reach"
}

// Entity is a tagged-sum type carrying either a Model or a Reach, per
// DESIGN NOTES §9's guidance for replacing the abstract-base/subclass
// dispatch of the original implementation.
type Entity struct {
	Kind    EntityKind
	ModelID string
	ReachID string

	// DownstreamID is populated only for KWSE/iKWSE submissions, where the
	// payload depends on the downstream reach's rating-curve DB.
	DownstreamID *string
}

// ID returns the entity's primary key for store writes: the model id for
// a model entity, the reach id for a reach entity.
func (e Entity) ID() string {
	if e.Kind == EntityModel {
		return e.ModelID
	}
	return e.ReachID
}

// BoundaryCondition is the rating-curve row's generating regime.
type BoundaryCondition string

const (
	BoundaryND   BoundaryCondition = "nd"
	BoundaryKWSE BoundaryCondition = "kwse"
)

// RatingCurveRow is one row merged into the central rating_curves table.
type RatingCurveRow struct {
	ReachID           string
	USFlow            float64
	USDepth           float64
	USWSE             float64
	DSDepth           float64
	DSWSE             float64
	BoundaryCondition BoundaryCondition
	XSOvertopped      *bool
}

// JobRecord is one (entity, job_id, status) tuple tracked for a stage.
type JobRecord struct {
	Entity Entity
	JobID  string
	Status JobStatus
}
