package run

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a run id does not exist.
var ErrNotFound = errors.New("run not found")

// ErrValidation wraps bad caller input; never retried, surfaced immediately.
type ErrValidation struct {
	Field  string
	Reason string
}

func (e ErrValidation) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ErrInvalidStateTransition is returned when a lifecycle operation is applied
// to a run whose status does not permit it (e.g. approving a run that is not
// awaiting approval).
type ErrInvalidStateTransition struct {
	RunID string
	From  Status
	To    Status
}

func (e ErrInvalidStateTransition) Error() string {
	return fmt.Sprintf("run %s: invalid transition %s -> %s", e.RunID, e.From, e.To)
}

// ErrToolServerUnavailable indicates the transport to a tool server is down.
// The manager never retries it; retry is explicit planner policy.
type ErrToolServerUnavailable struct {
	ServerID string
	Cause    error
}

func (e ErrToolServerUnavailable) Error() string {
	return fmt.Sprintf("tool server %s unavailable: %v", e.ServerID, e.Cause)
}

func (e ErrToolServerUnavailable) Unwrap() error { return e.Cause }

// ErrParse indicates the LLM produced output that could not be decoded into
// an action. Retried once per step, never guessed around.
type ErrParse struct {
	Raw string
}

func (e ErrParse) Error() string {
	raw := e.Raw
	if len(raw) > 120 {
		raw = raw[:120] + "..."
	}
	return fmt.Sprintf("unparseable llm action: %q", raw)
}

// ErrLLMTimeout indicates the provider call exceeded the planner timeout.
// Retried once per step, then the run fails.
type ErrLLMTimeout struct {
	Timeout string
}

func (e ErrLLMTimeout) Error() string {
	return fmt.Sprintf("llm call timed out after %s", e.Timeout)
}

// ErrStepLimitExceeded fails a run that hit the runaway bound without an
// explicit finish. It is an operational failure, not a bug signal.
type ErrStepLimitExceeded struct {
	MaxSteps int
}

func (e ErrStepLimitExceeded) Error() string {
	return fmt.Sprintf("exceeded %d planner steps without finish", e.MaxSteps)
}

// ErrProfileNotFound is a creation-time error for runs referencing an unknown
// or disabled profile; it is never a mid-run surprise.
type ErrProfileNotFound struct {
	ProfileID string
}

func (e ErrProfileNotFound) Error() string {
	return fmt.Sprintf("agent profile %q not found", e.ProfileID)
}
