// Package scheduler drives many independent browser sessions to each
// perform one unit of work against a shared target, under a global
// quota and a bounded concurrency limit.
//
// The control loop is single-threaded and polls at a fixed tick; each
// admitted participant runs in its own goroutine and reports back
// through a completion callback executed under the run-state lock, so
// no outcome is ever lost or double-counted. Cancellation is
// cooperative: Stop prevents new admissions and the run drains
// in-flight work to its natural completion.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/entrhq/swarm/pkg/executor"
	"github.com/entrhq/swarm/pkg/logging"
	"github.com/entrhq/swarm/pkg/types"
)

// DefaultTick is the control loop polling interval.
const DefaultTick = time.Second

// DefaultMaxRosterFailures is how many consecutive full-roster failure
// sweeps are tolerated before the run fails with ErrNoViableParticipants.
const DefaultMaxRosterFailures = 3

// Options configures one run.
type Options struct {
	// Roster is the set of participant ids available to the run.
	Roster []string

	// Quota is the number of successful actions the run must reach.
	Quota int

	// ConcurrencyLimit bounds simultaneously admitted participants.
	ConcurrencyLimit int

	// InterAdmissionDelay is the pause between admissions, jittered ±20%.
	InterAdmissionDelay time.Duration

	// Payloads are the candidate payloads; one is chosen uniformly at
	// random per attempt.
	Payloads []string

	// MaxAttempts is passed through to the executor (0 = its default).
	MaxAttempts int

	// KeepSessionOpen leaves a participant's browser open after a
	// successful action instead of closing it.
	KeepSessionOpen bool

	// Tick is the control loop polling interval (default 1s).
	Tick time.Duration

	// MaxRosterFailures is the consecutive full-roster failure sweeps
	// tolerated before the run aborts (default 3).
	MaxRosterFailures int
}

func (o *Options) validate() error {
	if len(o.Roster) == 0 {
		return fmt.Errorf("%w: roster is empty", ErrConfiguration)
	}
	if len(o.Payloads) == 0 {
		return fmt.Errorf("%w: no payloads", ErrConfiguration)
	}
	if o.Quota <= 0 {
		return fmt.Errorf("%w: quota must be positive, got %d", ErrConfiguration, o.Quota)
	}
	if o.ConcurrencyLimit <= 0 {
		return fmt.Errorf("%w: concurrency limit must be positive, got %d", ErrConfiguration, o.ConcurrencyLimit)
	}
	if o.InterAdmissionDelay < 0 {
		return fmt.Errorf("%w: inter-admission delay must be non-negative", ErrConfiguration)
	}
	seen := make(map[string]struct{}, len(o.Roster))
	for _, id := range o.Roster {
		if id == "" {
			return fmt.Errorf("%w: empty participant id in roster", ErrConfiguration)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: duplicate participant id %q in roster", ErrConfiguration, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

func (o *Options) applyDefaults() {
	if o.Tick == 0 {
		o.Tick = DefaultTick
	}
	if o.MaxRosterFailures == 0 {
		o.MaxRosterFailures = DefaultMaxRosterFailures
	}
}

// Scheduler owns the run state. All bookkeeping fields are guarded by
// mu, which is never held across a blocking session or browser call.
type Scheduler struct {
	opts      Options
	provider  SessionProvider
	performer Performer
	observer  types.Observer
	log       *logging.Logger

	mu            sync.Mutex
	order         []string
	participants  map[string]*Participant
	inFlight      map[string]struct{}
	counted       map[string]struct{}
	completed     int
	stopRequested bool
	failStreak    int
	noViable      bool

	// sleep and jitter are replaceable in tests.
	sleep  func(ctx context.Context, d time.Duration)
	jitter func(d time.Duration) time.Duration
}

// New creates a scheduler. A nil observer discards events.
func New(opts Options, provider SessionProvider, performer Performer, observer types.Observer, log *logging.Logger) *Scheduler {
	opts.applyDefaults()
	if observer == nil {
		observer = types.NopObserver{}
	}
	return &Scheduler{
		opts:      opts,
		provider:  provider,
		performer: performer,
		observer:  observer,
		log:       log,
		sleep:     sleepCtx,
		jitter:    jitterDelay,
	}
}

// Progress returns the current completed count and the quota.
func (s *Scheduler) Progress() (completed, quota int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed, s.opts.Quota
}

// Stop requests cooperative cancellation: no new admissions occur after
// the next control loop check, and in-flight work drains to its natural
// completion.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopRequested {
		s.stopRequested = true
		s.observer.Notify(types.NewLogEvent("stop requested, draining in-flight work"))
	}
}

// Run executes the admission loop until the quota is met, stop is
// requested, or the run fails. It always drains in-flight work before
// returning and emits a terminal run_completed event.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.opts.validate(); err != nil {
		return err
	}

	// Shuffle once at start so early roster entries carry no systematic
	// advantage across runs.
	roster := make([]string, len(s.opts.Roster))
	copy(roster, s.opts.Roster)
	rand.Shuffle(len(roster), func(i, j int) {
		roster[i], roster[j] = roster[j], roster[i]
	})

	s.mu.Lock()
	s.order = roster
	s.participants = make(map[string]*Participant, len(roster))
	for _, id := range roster {
		s.participants[id] = &Participant{ID: id, State: StateIdle}
	}
	s.inFlight = make(map[string]struct{})
	s.counted = make(map[string]struct{})
	s.mu.Unlock()

	s.infof("run starting: roster=%d quota=%d concurrency=%d", len(roster), s.opts.Quota, s.opts.ConcurrencyLimit)

	for {
		s.mu.Lock()
		done := s.completed >= s.opts.Quota || s.stopRequested
		free := s.opts.ConcurrencyLimit - len(s.inFlight)
		remaining := s.opts.Quota - s.completed - len(s.inFlight)
		s.mu.Unlock()

		if done || ctx.Err() != nil {
			break
		}
		if free <= 0 || remaining <= 0 {
			// Either the concurrency limit is saturated or the work
			// already admitted is sufficient to reach the quota.
			s.sleep(ctx, s.opts.Tick)
			continue
		}

		batch := s.admit(min(free, remaining))
		if len(batch) == 0 {
			s.sleep(ctx, s.opts.Tick)
			continue
		}

		for _, p := range batch {
			go s.runUnit(ctx, p)
			s.sleep(ctx, s.jitter(s.opts.InterAdmissionDelay))
		}
	}

	// Drain: already-admitted units run to their natural completion.
	for {
		s.mu.Lock()
		n := len(s.inFlight)
		s.mu.Unlock()
		if n == 0 {
			break
		}
		s.debugf("draining, %d units in flight", n)
		s.sleep(context.Background(), s.opts.Tick)
	}

	s.mu.Lock()
	completed := s.completed
	noViable := s.noViable
	s.mu.Unlock()

	s.infof("run finished: %d/%d actions completed", completed, s.opts.Quota)
	s.observer.Notify(types.NewRunCompletedEvent(completed, s.opts.Quota))

	if noViable && completed < s.opts.Quota {
		return fmt.Errorf("%w: %d consecutive failures across a roster of %d",
			ErrNoViableParticipants, s.opts.MaxRosterFailures*len(s.opts.Roster), len(s.opts.Roster))
	}
	return nil
}

// admit selects up to n participants, marks them in flight, and returns
// them. Participants never yet attempted are preferred; once no fresh
// participant remains, already-used ones may be re-selected so a quota
// larger than the roster can still be reached.
func (s *Scheduler) admit(n int) []*Participant {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopRequested {
		return nil
	}

	var batch []*Participant
	pick := func(fresh bool) {
		for _, id := range s.order {
			if len(batch) >= n {
				return
			}
			p := s.participants[id]
			if _, busy := s.inFlight[id]; busy {
				continue
			}
			if fresh != (p.AttemptsUsed == 0) {
				continue
			}
			alreadyPicked := false
			for _, b := range batch {
				if b.ID == id {
					alreadyPicked = true
					break
				}
			}
			if alreadyPicked {
				continue
			}
			batch = append(batch, p)
		}
	}

	pick(true)
	pick(false)

	for _, p := range batch {
		s.inFlight[p.ID] = struct{}{}
		p.State = StateAdmitted
		p.AttemptsUsed++
		// Re-admission starts a fresh unit of work; the dedupe flag
		// only guards against double-crediting within one unit.
		delete(s.counted, p.ID)
	}
	return batch
}

// runUnit is one participant's unit of work: resolve a session, perform
// the action, release the session, and report back exactly once.
func (s *Scheduler) runUnit(ctx context.Context, p *Participant) {
	reported := false
	finish := func(outcome executor.Outcome, detail string) {
		if reported {
			return
		}
		reported = true
		s.complete(p, outcome, detail)
	}
	defer func() {
		if r := recover(); r != nil {
			s.errorf("unit of work for %s panicked: %v", p.ID, r)
			finish(executor.Outcome{Reason: executor.ReasonSessionUnavailable}, fmt.Sprintf("panic: %v", r))
		}
	}()

	lease, err := s.provider.Acquire(ctx, p.ID)
	if err != nil {
		reason := executor.ReasonSessionUnavailable
		if errors.Is(err, ErrAuthenticationFailed) {
			reason = executor.ReasonAuthenticationFailed
		}
		s.warnf("participant %s: session resolution failed: %v", p.ID, err)
		finish(executor.Outcome{Reason: reason}, err.Error())
		return
	}

	s.setState(p, StateSessionReady)

	payload := s.opts.Payloads[rand.IntN(len(s.opts.Payloads))]
	s.setState(p, StateActing)

	outcome := s.performer.Perform(ctx, lease.Surface(), payload, s.opts.MaxAttempts)

	// Session resources are released before the slot is freed so the
	// concurrency limit keeps covering open browsers.
	lease.Release(s.opts.KeepSessionOpen && outcome.Success)

	finish(outcome, describeOutcome(outcome))
}

// complete is the completion callback: all bookkeeping transitions and
// their events happen under the lock, in order.
func (s *Scheduler) complete(p *Participant, outcome executor.Outcome, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.inFlight, p.ID)

	if outcome.Success {
		p.State = StateCompleted
		s.failStreak = 0
		if _, already := s.counted[p.ID]; !already {
			s.counted[p.ID] = struct{}{}
			s.completed++
			s.observer.Notify(types.NewProgressEvent(s.completed, s.opts.Quota))
			if s.completed >= s.opts.Quota {
				s.stopRequested = true
			}
		}
	} else {
		p.State = StateFailed
		s.failStreak++
		if s.failStreak >= s.opts.MaxRosterFailures*len(s.opts.Roster) {
			s.noViable = true
			s.stopRequested = true
		}
	}

	s.observer.Notify(types.NewParticipantOutcomeEvent(p.ID, outcome.Success, detail))
	s.observer.Notify(types.NewLogEvent(fmt.Sprintf("participant %s: %s", p.ID, detail)))

	p.State = StateClosed
}

func (s *Scheduler) setState(p *Participant, state ParticipantState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.State = state
}

func describeOutcome(outcome executor.Outcome) string {
	if outcome.Success {
		return fmt.Sprintf("submitted via %s on attempt %d", outcome.Strategy, outcome.Attempts)
	}
	return fmt.Sprintf("failed after %d attempts: %s", outcome.Attempts, outcome.Reason)
}

// jitterDelay applies ±20% uniform jitter.
func jitterDelay(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	factor := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(d) * factor)
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

func (s *Scheduler) infof(format string, v ...interface{}) {
	if s.log != nil {
		s.log.Infof(format, v...)
	}
}

func (s *Scheduler) debugf(format string, v ...interface{}) {
	if s.log != nil {
		s.log.Debugf(format, v...)
	}
}

func (s *Scheduler) warnf(format string, v ...interface{}) {
	if s.log != nil {
		s.log.Warnf(format, v...)
	}
}

func (s *Scheduler) errorf(format string, v ...interface{}) {
	if s.log != nil {
		s.log.Errorf(format, v...)
	}
}
