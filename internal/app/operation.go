package app

import "time"

// Operation tracks one CLI invocation. Its RunID tags every log line the
// process writes.
type Operation struct {
	RunID     string
	Command   string
	StartedAt time.Time
	Status    string // "running", "success" or "error"
	Err       string
}

// NewOperation starts tracking command at now.
func NewOperation(command string, now time.Time) *Operation {
	now = now.UTC()
	return &Operation{
		RunID:     now.Format("20060102T150405Z"),
		Command:   command,
		StartedAt: now,
		Status:    "running",
	}
}

// Finish records the outcome and returns how long the operation ran.
// Only the first call counts.
func (op *Operation) Finish(err error, now time.Time) time.Duration {
	if op.Done() {
		return 0
	}
	op.Status = "success"
	if err != nil {
		op.Status = "error"
		op.Err = err.Error()
	}
	return now.Sub(op.StartedAt)
}

// Done returns true once Finish has been called.
func (op *Operation) Done() bool {
	return op.Status != "running"
}
