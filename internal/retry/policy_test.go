package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassifyTransientSignals(t *testing.T) {
	retryable := []error{
		errors.New("429 Too Many Requests"),
		errors.New("upstream rate limit exceeded"),
		errors.New("dial tcp: connection reset by peer"),
		errors.New("request timed out"),
		errors.New("503 service unavailable"),
		fmt.Errorf("call model: %w", errors.New("bad gateway")),
		errors.New("invalid json: cannot unmarshal response"),
		context.DeadlineExceeded,
		Transient(errors.New("weird provider hiccup")),
		Precondition("reduce_summary"),
	}
	for _, err := range retryable {
		if Classify(err) != Retryable {
			t.Fatalf("Classify(%v) = Terminal, want Retryable", err)
		}
	}
}

func TestClassifyTerminalByDefault(t *testing.T) {
	terminal := []error{
		errors.New("401 unauthorized"),
		errors.New("video is private"),
		errors.New("no space left on device"),
		Fatal(errors.New("429 looks transient but is marked fatal")),
	}
	for _, err := range terminal {
		if Classify(err) != Terminal {
			t.Fatalf("Classify(%v) = Retryable, want Terminal", err)
		}
	}
}

func TestBackoffBounds(t *testing.T) {
	p := DefaultPolicy()
	for attempt := 0; attempt < 5; attempt++ {
		d := p.Backoff(attempt)
		min := time.Duration(1<<uint(attempt)) * time.Second
		if d < min {
			t.Fatalf("attempt %d: backoff %s below 2^k floor %s", attempt, d, min)
		}
		if d > min+2*time.Second && d != p.MaxDelay {
			t.Fatalf("attempt %d: backoff %s above jitter ceiling", attempt, d)
		}
	}
}

func TestBackoffCapped(t *testing.T) {
	p := Policy{MaxAttempts: 10, MaxDelay: 8 * time.Second}
	for i := 0; i < 50; i++ {
		if d := p.Backoff(10); d > p.MaxDelay {
			t.Fatalf("backoff %s exceeds cap %s", d, p.MaxDelay)
		}
	}
}

func TestAttemptBound(t *testing.T) {
	p := DefaultPolicy()
	if got := p.AttemptBound(errors.New("timeout")); got != p.MaxAttempts {
		t.Fatalf("transient bound = %d, want %d", got, p.MaxAttempts)
	}
	if got := p.AttemptBound(Precondition("map_summaries")); got != p.PreconditionAttempts {
		t.Fatalf("precondition bound = %d, want %d", got, p.PreconditionAttempts)
	}
}
