// Package cron runs persistent wall-clock scheduled jobs with one-second
// granularity. Jobs survive restarts through a JSON store; firing is
// at-least-once because the last-run stamp is persisted after execution.
package cron

// Schedule kinds.
const (
	KindCron  = "cron"  // standard cron expression
	KindEvery = "every" // fixed period in milliseconds
	KindAt    = "at"    // absolute epoch-millisecond instant, fires once
)

// Schedule selects one of the three firing disciplines. Only the field
// matching Kind is meaningful.
type Schedule struct {
	Kind    string `json:"kind"`
	Expr    string `json:"expr"`
	EveryMS int64  `json:"every_ms"`
	AtMS    int64  `json:"at_ms"`
}

// Payload is what a fired job hands to the handler: a synthetic prompt and
// an optional delivery target.
type Payload struct {
	Message string `json:"message"`
	Deliver bool   `json:"deliver"`
	Channel string `json:"channel"`
	To      string `json:"to"`
}

// JobState records the outcome of the most recent run.
type JobState struct {
	LastRunAtMS int64  `json:"last_run_at_ms"`
	LastStatus  string `json:"last_status"`
	LastError   string `json:"last_error"`
}

// Job is one scheduled unit of work.
type Job struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Enabled        bool     `json:"enabled"`
	Schedule       Schedule `json:"schedule"`
	Payload        Payload  `json:"payload"`
	DeleteAfterRun bool     `json:"delete_after_run"`
	State          JobState `json:"state"`
}
