package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// Class is the failure classification the orchestrator dispatches on.
type Class int

const (
	// Retryable failures are re-attempted with backoff up to the bound.
	Retryable Class = iota
	// Terminal failures transition the job to failed immediately.
	Terminal
)

// Policy bounds retries for one stage invocation. Attempts are zero-based:
// with MaxAttempts=3 a stage runs at attempts 0, 1 and 2.
type Policy struct {
	MaxAttempts          int
	PreconditionAttempts int
	MaxDelay             time.Duration
}

// DefaultPolicy mirrors the worker defaults.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, PreconditionAttempts: 2, MaxDelay: 60 * time.Second}
}

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

type terminalError struct{ err error }

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// PreconditionError reports that an upstream stage's artifact was absent when
// a downstream stage ran. Briefly retryable to absorb commit-visibility delay
// between a writer and a freshly dispatched reader, then terminal.
type PreconditionError struct{ Missing string }

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("missing upstream artifact: %s", e.Missing)
}

// Transient marks err as a known-transient external failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// Fatal marks err as terminal regardless of its message.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// Precondition builds a PreconditionError for a named missing artifact.
func Precondition(missing string) error {
	return &PreconditionError{Missing: missing}
}

// Signals that identify a transient external failure by message. Kept
// conservative: anything unrecognized is terminal.
var transientSignals = []string{
	"rate limit",
	"too many requests",
	"timeout",
	"timed out",
	"temporarily",
	"service unavailable",
	"bad gateway",
	"gateway timeout",
	"connection reset",
	"connection refused",
	"connection error",
	"server error",
	"503",
	"502",
	"504",
	"429",
}

// Classify maps an error to its retry class. Typed wrappers win; otherwise the
// message is matched against known transient signals. Malformed structured
// output from a model is retryable since a re-prompt may yield valid JSON.
func Classify(err error) Class {
	if err == nil {
		return Terminal
	}

	var transient *transientError
	if errors.As(err, &transient) {
		return Retryable
	}
	var terminal *terminalError
	if errors.As(err, &terminal) {
		return Terminal
	}
	var precondition *PreconditionError
	if errors.As(err, &precondition) {
		return Retryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Retryable
	}

	msg := strings.ToLower(err.Error())
	for _, signal := range transientSignals {
		if strings.Contains(msg, signal) {
			return Retryable
		}
	}
	if strings.Contains(msg, "json") && (strings.Contains(msg, "decode") || strings.Contains(msg, "parse") || strings.Contains(msg, "unmarshal")) {
		return Retryable
	}
	return Terminal
}

// IsPrecondition reports whether err carries precondition-missing semantics.
func IsPrecondition(err error) bool {
	var precondition *PreconditionError
	return errors.As(err, &precondition)
}

// Backoff computes the delay before re-attempting. Exponential base 2^attempt
// seconds plus up to two seconds of jitter, capped at MaxDelay.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 20 {
		attempt = 20
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	delay += time.Duration(rand.Int63n(int64(2*time.Second) + 1))
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// AttemptBound returns the attempt limit for err: precondition-missing gets
// the smaller visibility-delay bound, everything else the full one.
func (p Policy) AttemptBound(err error) int {
	if IsPrecondition(err) {
		return p.PreconditionAttempts
	}
	return p.MaxAttempts
}
