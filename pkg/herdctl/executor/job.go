// Package executor turns triggers into jobs: it admits them against the
// per-agent concurrency cap, drives the backend, streams structured output,
// dispatches the hook pipeline exactly once per terminal job, and records the
// outcome in the job history.
package executor

import (
	"crypto/rand"
	"fmt"
	"time"
)

// Outcome is a job's terminal state. Set exactly once.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeCancelled Outcome = "cancelled"
)

// State is a job's lifecycle phase.
type State string

const (
	StateCreated  State = "created"
	StateStarting State = "starting"
	StateRunning  State = "running"
)

// Origin identifies where a trigger came from.
type Origin string

const (
	OriginScheduler Origin = "scheduler"
	OriginManual    Origin = "manual"
	OriginChat      Origin = "chat"
	OriginWebhook   Origin = "webhook"
)

// Job is one concrete execution of an agent for one trigger. Once terminal,
// a Job is immutable.
type Job struct {
	// ID is the unique job identifier (job-YYYY-MM-DD-xxxxxx).
	ID string `json:"id"`

	// Agent is the owning agent name.
	Agent string `json:"agent"`

	// Schedule is the originating schedule name, if any.
	Schedule string `json:"schedule,omitempty"`

	// Origin records the trigger source.
	Origin Origin `json:"origin"`

	// Prompt is the prompt the backend received.
	Prompt string `json:"prompt"`

	// StartedAt / CompletedAt bound the run.
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`

	// Duration is CompletedAt - StartedAt.
	Duration time.Duration `json:"duration_ms"`

	// Outcome is the terminal state ("" while the job is live).
	Outcome Outcome `json:"outcome,omitempty"`

	// Output is the backend's final text, stored unbounded.
	Output string `json:"output,omitempty"`

	// Error describes the failure for non-completed outcomes.
	Error string `json:"error,omitempty"`

	// Metadata is the agent-written metadata tree, if any.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// jobIDAlphabet is the suffix charset: lowercase alphanumerics.
const jobIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewJobID generates an id of the form job-YYYY-MM-DD-xxxxxx. The six-char
// random suffix keeps ids collision-free within a day bucket with very high
// probability.
func NewJobID(now time.Time) string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the platform entropy source is broken;
		// fall back to the clock so the daemon keeps working.
		return fmt.Sprintf("job-%s-%06d", now.Format("2006-01-02"), now.UnixNano()%1000000)
	}
	for i, b := range buf {
		buf[i] = jobIDAlphabet[int(b)%len(jobIDAlphabet)]
	}
	return fmt.Sprintf("job-%s-%s", now.Format("2006-01-02"), string(buf))
}

// Terminal reports whether the job reached a terminal outcome.
func (j *Job) Terminal() bool { return j.Outcome != "" }

// Succeeded reports a completed outcome.
func (j *Job) Succeeded() bool { return j.Outcome == OutcomeCompleted }
