package pipeline

// PipelineError is a fatal error for one collection run: a configuration
// problem or a state-store failure. Ordinary per-entity outcomes
// (not_accepted/failed/unknown) are never represented as a PipelineError —
// they are data, recorded as job status values.
type PipelineError struct {
	Code    string
	Message string
	Err     error
}

func (e *PipelineError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

func newConfigError(message string, err error) *PipelineError {
	return &PipelineError{Code: "CONFIG_ERROR", Message: message, Err: err}
}

func newStoreError(message string, err error) *PipelineError {
	return &PipelineError{Code: "STORE_ERROR", Message: message, Err: err}
}
