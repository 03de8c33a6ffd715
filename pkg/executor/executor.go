// Package executor performs one unit of work against an asynchronously
// rendering remote interface. It tries a bounded, ordered sequence of
// input and submission strategies and only declares success after an
// independent verification check; no single primitive's return value is
// trusted as proof the action took effect.
package executor

import (
	"context"
	"strings"
	"time"

	"github.com/gobwas/glob"

	"github.com/entrhq/swarm/pkg/logging"
)

// FailureReason classifies a failed outcome.
type FailureReason string

const (
	ReasonNone                 FailureReason = ""
	ReasonSessionUnavailable   FailureReason = "session_unavailable"
	ReasonAuthenticationFailed FailureReason = "authentication_failed"
	ReasonElementNotFound      FailureReason = "element_not_found"
	ReasonSubmissionUnverified FailureReason = "submission_unverified"
	ReasonStopped              FailureReason = "stopped"
)

// SubmitStrategy identifies which submission strategy passed verification.
type SubmitStrategy string

const (
	StrategyNone           SubmitStrategy = ""
	StrategyEnterKey       SubmitStrategy = "enter_key"
	StrategyPublishControl SubmitStrategy = "publish_control"
	StrategyScriptSubmit   SubmitStrategy = "script_submit"
	StrategyKeyChord       SubmitStrategy = "key_chord"
)

// InputStrategy identifies how the payload reached the input surface.
type InputStrategy string

const (
	InputFill      InputStrategy = "fill"
	InputScript    InputStrategy = "script_value"
	InputCharwise  InputStrategy = "charwise"
	InputClipboard InputStrategy = "clipboard_paste"
)

// Outcome is the result of one Perform invocation. Attempts counts full
// attempts (locate, inject, submit, verify), not individual strategies.
type Outcome struct {
	Success  bool
	Strategy SubmitStrategy
	Attempts int
	Reason   FailureReason
}

// DefaultMaxAttempts bounds full attempts when the caller passes zero.
const DefaultMaxAttempts = 5

// Default selector lists mirror the comment form of the target
// interface, ordered most-specific first.
var (
	DefaultSurfaceSelectors = []string{
		`form textarea`,
		`textarea[placeholder*="comment" i]`,
		`textarea[aria-label*="comment" i]`,
		`[role="textbox"]`,
		`textarea`,
	}

	DefaultSubmitSelectors = []string{
		`form button[type="submit"]`,
		`div[role="button"]:has-text("Post")`,
		`button:has-text("Post")`,
		`button:has-text("Publish")`,
		`button:has-text("Comment")`,
		`button:has-text("Send")`,
	}
)

// Options configures the executor. Zero values fall back to defaults.
type Options struct {
	// SurfaceSelectors locate the input surface, tried in order.
	SurfaceSelectors []string

	// SubmitSelectors locate the publish control, tried in order.
	SubmitSelectors []string

	// SuccessPatterns are glob patterns matched against the page text
	// as an explicit success indicator during verification.
	SuccessPatterns []string

	// LocateTimeout bounds the wait for the input surface to render.
	LocateTimeout time.Duration

	// SettleDelay is how long to let the interface settle after a
	// submission before verifying.
	SettleDelay time.Duration

	// RetryBackoff is the fixed wait between failed full attempts.
	RetryBackoff time.Duration

	// TypeDelay is the per-character delay of the character-wise input
	// strategy.
	TypeDelay time.Duration
}

func (o *Options) applyDefaults() {
	if len(o.SurfaceSelectors) == 0 {
		o.SurfaceSelectors = DefaultSurfaceSelectors
	}
	if len(o.SubmitSelectors) == 0 {
		o.SubmitSelectors = DefaultSubmitSelectors
	}
	if o.LocateTimeout == 0 {
		o.LocateTimeout = 15 * time.Second
	}
	if o.SettleDelay == 0 {
		o.SettleDelay = 2 * time.Second
	}
	if o.RetryBackoff == 0 {
		o.RetryBackoff = time.Second
	}
	if o.TypeDelay == 0 {
		o.TypeDelay = 50 * time.Millisecond
	}
}

// Executor drives the submission protocol. It is stateless across
// Perform calls and safe to share between units of work.
type Executor struct {
	opts     Options
	patterns []glob.Glob
	log      *logging.Logger

	// sleep is replaceable in tests to avoid real waits.
	sleep func(ctx context.Context, d time.Duration)
}

// New creates an executor. Invalid success patterns are skipped with a
// warning rather than failing construction.
func New(opts Options, log *logging.Logger) *Executor {
	opts.applyDefaults()

	e := &Executor{
		opts:  opts,
		log:   log,
		sleep: sleepCtx,
	}
	for _, p := range opts.SuccessPatterns {
		g, err := glob.Compile(p)
		if err != nil {
			if log != nil {
				log.Warnf("ignoring invalid success pattern %q: %v", p, err)
			}
			continue
		}
		e.patterns = append(e.patterns, g)
	}
	return e
}

// Perform runs up to maxAttempts full attempts against the surface.
// An attempt locates the input surface, clears it, injects the payload
// via the first input strategy whose result survives a re-read, then
// walks the submission strategies until one passes verification.
func (e *Executor) Perform(ctx context.Context, surface Surface, payload string, maxAttempts int) Outcome {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	// The remote interface treats newlines as submission; flatten them.
	payload = strings.TrimSpace(strings.ReplaceAll(payload, "\n", " "))

	located := false
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return Outcome{Attempts: attempt - 1, Reason: ReasonStopped}
		}

		// Re-locate each attempt: the interface may have re-rendered.
		sel, err := e.locateSurface(ctx, surface)
		if err != nil {
			e.debugf("attempt %d/%d: input surface not found: %v", attempt, maxAttempts, err)
			e.sleep(ctx, e.opts.RetryBackoff)
			continue
		}
		located = true

		if err := e.prepareSurface(ctx, surface, sel); err != nil {
			e.debugf("attempt %d/%d: prepare surface: %v", attempt, maxAttempts, err)
			e.sleep(ctx, e.opts.RetryBackoff)
			continue
		}

		input, ok := e.inject(ctx, surface, sel, payload)
		if !ok {
			e.debugf("attempt %d/%d: all input strategies failed", attempt, maxAttempts)
			e.sleep(ctx, e.opts.RetryBackoff)
			continue
		}
		e.debugf("attempt %d/%d: payload injected via %s", attempt, maxAttempts, input)

		if strategy, ok := e.submit(ctx, surface, sel, payload); ok {
			return Outcome{Success: true, Strategy: strategy, Attempts: attempt}
		}

		e.debugf("attempt %d/%d: no submission strategy verified", attempt, maxAttempts)
		e.sleep(ctx, e.opts.RetryBackoff)
	}

	if !located {
		return Outcome{Attempts: maxAttempts, Reason: ReasonElementNotFound}
	}
	return Outcome{Attempts: maxAttempts, Reason: ReasonSubmissionUnverified}
}

// locateSurface waits for the input surface, scrolling once when the
// first wait misses (the surface may sit below the fold).
func (e *Executor) locateSurface(ctx context.Context, surface Surface) (string, error) {
	sel, err := surface.WaitForAny(ctx, e.opts.SurfaceSelectors, e.opts.LocateTimeout)
	if err == nil {
		return sel, nil
	}

	_ = surface.ScrollBy(ctx, 300)
	return surface.FirstVisible(ctx, e.opts.SurfaceSelectors)
}

// prepareSurface focuses and clears the input surface so a stale draft
// never prefixes the payload.
func (e *Executor) prepareSurface(ctx context.Context, surface Surface, sel string) error {
	if err := surface.Click(ctx, sel); err != nil {
		return err
	}
	return surface.ClearValue(ctx, sel)
}

func (e *Executor) debugf(format string, v ...interface{}) {
	if e.log != nil {
		e.log.Debugf(format, v...)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
