package ingestion

import (
	"fmt"
	"time"

	"github.com/kacper-wojtaszczyk/obsync/internal/model"
)

// State is the position of a dataset run in the pipeline.
type State string

const (
	StatePending     State = "PENDING"
	StateFetching    State = "FETCHING"
	StateNormalizing State = "NORMALIZING"
	StateWriting     State = "WRITING"
	StateDone        State = "DONE"
	StateFailed      State = "FAILED"
)

// Step names the pipeline step that failed.
type Step string

const (
	StepValidate  Step = "validate"
	StepFetch     Step = "fetch"
	StepNormalize Step = "normalize"
	StepWrite     Step = "write"
)

// StepError attributes a failure to a dataset and step.
type StepError struct {
	Dataset model.Dataset
	Step    Step
	Err     error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Dataset, e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Report is the outcome of one dataset run.
type Report struct {
	Dataset    model.Dataset
	RunID      model.RunID
	Key        string
	Mode       model.Mode
	State      State
	Step       Step
	Err        error
	Appended   int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Failed reports whether the run ended in FAILED.
func (r Report) Failed() bool {
	return r.State == StateFailed
}
