package scheduler

import (
	"context"

	"github.com/entrhq/swarm/pkg/executor"
)

// SessionLease is an exclusively owned, ready-to-act browser session.
// It is never shared across units of work; ownership transfers to
// Release at the end of the unit that acquired it.
type SessionLease interface {
	// Surface exposes the session to the action executor.
	Surface() executor.Surface

	// Release returns the session. Unless keepOpen is set, the
	// underlying browser is closed.
	Release(keepOpen bool)
}

// SessionProvider resolves a live, authenticated session for a
// participant: provisioning the browser, restoring cached artifacts,
// verifying authentication, and navigating to the target resource.
//
// Failures are reported wrapping ErrSessionUnavailable or
// ErrAuthenticationFailed so the scheduler can classify them.
type SessionProvider interface {
	Acquire(ctx context.Context, participantID string) (SessionLease, error)
}

// Performer runs one verified action against a surface. Satisfied by
// *executor.Executor.
type Performer interface {
	Perform(ctx context.Context, surface executor.Surface, payload string, maxAttempts int) executor.Outcome
}
