package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/swarm/pkg/executor"
	"github.com/entrhq/swarm/pkg/types"
)

// nopSurface satisfies executor.Surface; the fake performer never
// touches it beyond identifying the participant.
type nopSurface struct {
	participantID string
}

func (nopSurface) FirstVisible(context.Context, []string) (string, error) { return "", nil }
func (nopSurface) WaitForAny(context.Context, []string, time.Duration) (string, error) {
	return "", nil
}
func (nopSurface) Click(context.Context, string) error                          { return nil }
func (nopSurface) ClearValue(context.Context, string) error                     { return nil }
func (nopSurface) Fill(context.Context, string, string) error                   { return nil }
func (nopSurface) Type(context.Context, string, string, time.Duration) error    { return nil }
func (nopSurface) Press(context.Context, string, string) error                  { return nil }
func (nopSurface) ReadValue(context.Context, string) (string, error)            { return "", nil }
func (nopSurface) Evaluate(context.Context, string, any) (any, error)           { return nil, nil }
func (nopSurface) PageText(context.Context) (string, error)                     { return "", nil }
func (nopSurface) ScrollBy(context.Context, int) error                          { return nil }

type fakeLease struct {
	surface nopSurface
	release func(keepOpen bool)
}

func (l *fakeLease) Surface() executor.Surface { return l.surface }
func (l *fakeLease) Release(keepOpen bool) {
	if l.release != nil {
		l.release(keepOpen)
	}
}

// fakeProvider tracks acquisitions and live sessions.
type fakeProvider struct {
	mu           sync.Mutex
	acquires     []string
	live         int
	maxLive      int
	errFor       map[string]error
	errAlways    error
	lastKeepOpen bool
}

func (p *fakeProvider) Acquire(_ context.Context, participantID string) (SessionLease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.acquires = append(p.acquires, participantID)
	if p.errAlways != nil {
		return nil, p.errAlways
	}
	if err, ok := p.errFor[participantID]; ok {
		return nil, err
	}

	p.live++
	if p.live > p.maxLive {
		p.maxLive = p.live
	}

	return &fakeLease{
		surface: nopSurface{participantID: participantID},
		release: func(keepOpen bool) {
			p.mu.Lock()
			p.live--
			p.lastKeepOpen = keepOpen
			p.mu.Unlock()
		},
	}, nil
}

func (p *fakeProvider) acquireCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.acquires)
}

// performFunc adapts a function to the Performer interface.
type performFunc func(ctx context.Context, surface executor.Surface, payload string, maxAttempts int) executor.Outcome

func (f performFunc) Perform(ctx context.Context, surface executor.Surface, payload string, maxAttempts int) executor.Outcome {
	return f(ctx, surface, payload, maxAttempts)
}

func succeedAlways() performFunc {
	return func(context.Context, executor.Surface, string, int) executor.Outcome {
		return executor.Outcome{Success: true, Strategy: executor.StrategyEnterKey, Attempts: 1}
	}
}

// recordingObserver captures events in delivery order.
type recordingObserver struct {
	mu     sync.Mutex
	events []types.RunEvent
}

func (o *recordingObserver) Notify(e types.RunEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, e)
}

func (o *recordingObserver) byType(t types.RunEventType) []types.RunEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []types.RunEvent
	for _, e := range o.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (o *recordingObserver) last() types.RunEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.events) == 0 {
		return types.RunEvent{}
	}
	return o.events[len(o.events)-1]
}

func fastOptions(opts Options) Options {
	opts.Tick = time.Millisecond
	return opts
}

func roster(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("acct-%d", i+1)
	}
	return ids
}

func TestRunValidation(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{name: "empty roster", opts: Options{Quota: 1, ConcurrencyLimit: 1, Payloads: []string{"p"}}},
		{name: "no payloads", opts: Options{Roster: roster(1), Quota: 1, ConcurrencyLimit: 1}},
		{name: "zero quota", opts: Options{Roster: roster(1), ConcurrencyLimit: 1, Payloads: []string{"p"}}},
		{name: "zero concurrency", opts: Options{Roster: roster(1), Quota: 1, Payloads: []string{"p"}}},
		{name: "negative delay", opts: Options{Roster: roster(1), Quota: 1, ConcurrencyLimit: 1, Payloads: []string{"p"}, InterAdmissionDelay: -time.Second}},
		{name: "duplicate ids", opts: Options{Roster: []string{"a", "a"}, Quota: 1, ConcurrencyLimit: 1, Payloads: []string{"p"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(tt.opts, &fakeProvider{}, succeedAlways(), nil, nil)
			err := s.Run(context.Background())
			assert.ErrorIs(t, err, ErrConfiguration)
		})
	}
}

func TestRunReachesQuotaWithinConcurrencyLimit(t *testing.T) {
	provider := &fakeProvider{}
	obs := &recordingObserver{}
	s := New(fastOptions(Options{
		Roster:           roster(5),
		Quota:            3,
		ConcurrencyLimit: 2,
		Payloads:         []string{"hello"},
	}), provider, succeedAlways(), obs, nil)

	require.NoError(t, s.Run(context.Background()))

	completed, quota := s.Progress()
	assert.Equal(t, 3, completed)
	assert.Equal(t, 3, quota)

	// Exactly 3 distinct participants credited.
	outcomes := obs.byType(types.EventTypeParticipantOutcome)
	distinct := map[string]bool{}
	for _, e := range outcomes {
		if e.Success {
			distinct[e.Participant] = true
		}
	}
	assert.Len(t, distinct, 3)

	// Concurrency limit held at every instant.
	assert.LessOrEqual(t, provider.maxLive, 2)

	// Progress events are monotonic and never exceed quota.
	prev := 0
	for _, e := range obs.byType(types.EventTypeProgress) {
		assert.Greater(t, e.Completed, prev)
		assert.LessOrEqual(t, e.Completed, e.Quota)
		prev = e.Completed
	}
}

func TestRunNeverAdmitsMoreThanNeeded(t *testing.T) {
	provider := &fakeProvider{}
	s := New(fastOptions(Options{
		Roster:           roster(10),
		Quota:            3,
		ConcurrencyLimit: 10,
		Payloads:         []string{"hello"},
	}), provider, succeedAlways(), nil, nil)

	require.NoError(t, s.Run(context.Background()))

	completed, _ := s.Progress()
	assert.Equal(t, 3, completed)
	// With every action succeeding, admissions match the quota exactly.
	assert.Equal(t, 3, provider.acquireCount())
}

func TestRunReusesParticipantsWhenQuotaExceedsRoster(t *testing.T) {
	provider := &fakeProvider{}
	obs := &recordingObserver{}
	s := New(fastOptions(Options{
		Roster:           roster(2),
		Quota:            5,
		ConcurrencyLimit: 2,
		Payloads:         []string{"hello"},
	}), provider, succeedAlways(), obs, nil)

	require.NoError(t, s.Run(context.Background()))

	completed, _ := s.Progress()
	assert.Equal(t, 5, completed)

	// Each reuse is an independent unit of work.
	assert.Equal(t, 5, provider.acquireCount())
	assert.Len(t, obs.byType(types.EventTypeParticipantOutcome), 5)
}

func TestSingleParticipantFailureDoesNotAbortRun(t *testing.T) {
	provider := &fakeProvider{
		errFor: map[string]error{
			"acct-1": fmt.Errorf("%w: browser did not start", ErrSessionUnavailable),
		},
	}
	obs := &recordingObserver{}
	s := New(fastOptions(Options{
		Roster:           roster(4),
		Quota:            3,
		ConcurrencyLimit: 2,
		Payloads:         []string{"hello"},
	}), provider, succeedAlways(), obs, nil)

	require.NoError(t, s.Run(context.Background()))

	completed, _ := s.Progress()
	assert.Equal(t, 3, completed)

	// The failure surfaced as an outcome event rather than aborting.
	var sawFailure bool
	for _, e := range obs.byType(types.EventTypeParticipantOutcome) {
		if e.Participant == "acct-1" && !e.Success {
			sawFailure = true
			assert.Contains(t, e.Detail, "browser did not start")
		}
	}
	assert.True(t, sawFailure)
}

func TestNoViableParticipants(t *testing.T) {
	provider := &fakeProvider{
		errAlways: fmt.Errorf("%w: endpoint down", ErrSessionUnavailable),
	}
	obs := &recordingObserver{}
	s := New(fastOptions(Options{
		Roster:            roster(2),
		Quota:             5,
		ConcurrencyLimit:  2,
		Payloads:          []string{"hello"},
		MaxRosterFailures: 2,
	}), provider, succeedAlways(), obs, nil)

	err := s.Run(context.Background())
	require.ErrorIs(t, err, ErrNoViableParticipants)

	completed, _ := s.Progress()
	assert.Equal(t, 0, completed)

	// The run still terminated cleanly with a terminal event.
	assert.Equal(t, types.EventTypeRunCompleted, obs.last().Type)
}

func TestStopPreventsNewAdmissionsAndDrains(t *testing.T) {
	started := make(chan string, 16)
	release := make(chan struct{})

	provider := &fakeProvider{}
	performer := performFunc(func(ctx context.Context, surface executor.Surface, _ string, _ int) executor.Outcome {
		ns := surface.(nopSurface)
		started <- ns.participantID
		<-release
		return executor.Outcome{Success: true, Strategy: executor.StrategyEnterKey, Attempts: 1}
	})

	obs := &recordingObserver{}
	s := New(fastOptions(Options{
		Roster:           roster(6),
		Quota:            6,
		ConcurrencyLimit: 2,
		Payloads:         []string{"hello"},
	}), provider, performer, obs, nil)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	// Wait for the first admissions to be in flight, then stop.
	<-started
	<-started
	s.Stop()
	admittedAtStop := provider.acquireCount()
	close(release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not terminate after stop")
	}

	// No admissions after the stop took effect, and the drain completed.
	assert.Equal(t, admittedAtStop, provider.acquireCount())
	assert.Equal(t, types.EventTypeRunCompleted, obs.last().Type)

	completed, _ := s.Progress()
	assert.Equal(t, admittedAtStop, completed)
}

func TestCompletionDedupe(t *testing.T) {
	s := New(fastOptions(Options{
		Roster:           roster(2),
		Quota:            5,
		ConcurrencyLimit: 1,
		Payloads:         []string{"hello"},
	}), &fakeProvider{}, succeedAlways(), nil, nil)

	// Simulate the bookkeeping path directly: a double completion for
	// the same unit of work must credit the participant once.
	s.order = []string{"acct-1", "acct-2"}
	s.participants = map[string]*Participant{
		"acct-1": {ID: "acct-1"},
		"acct-2": {ID: "acct-2"},
	}
	s.inFlight = map[string]struct{}{"acct-1": {}}
	s.counted = map[string]struct{}{}

	ok := executor.Outcome{Success: true, Strategy: executor.StrategyEnterKey, Attempts: 1}
	s.complete(s.participants["acct-1"], ok, "first")
	s.complete(s.participants["acct-1"], ok, "duplicate")

	completed, _ := s.Progress()
	assert.Equal(t, 1, completed)
}

func TestKeepSessionOpenOnSuccess(t *testing.T) {
	provider := &fakeProvider{}
	s := New(fastOptions(Options{
		Roster:           roster(1),
		Quota:            1,
		ConcurrencyLimit: 1,
		Payloads:         []string{"hello"},
		KeepSessionOpen:  true,
	}), provider, succeedAlways(), nil, nil)

	require.NoError(t, s.Run(context.Background()))
	assert.True(t, provider.lastKeepOpen)
}

func TestContextCancellationStopsAdmissions(t *testing.T) {
	provider := &fakeProvider{}
	obs := &recordingObserver{}
	s := New(fastOptions(Options{
		Roster:           roster(3),
		Quota:            3,
		ConcurrencyLimit: 1,
		Payloads:         []string{"hello"},
	}), provider, succeedAlways(), obs, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, s.Run(ctx))
	assert.Equal(t, 0, provider.acquireCount())
	assert.Equal(t, types.EventTypeRunCompleted, obs.last().Type)
}

func TestAuthenticationFailureClassified(t *testing.T) {
	provider := &fakeProvider{
		errAlways: fmt.Errorf("%w: cached cookies rejected", ErrAuthenticationFailed),
	}
	obs := &recordingObserver{}
	s := New(fastOptions(Options{
		Roster:            roster(1),
		Quota:             1,
		ConcurrencyLimit:  1,
		Payloads:          []string{"hello"},
		MaxRosterFailures: 1,
	}), provider, succeedAlways(), obs, nil)

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoViableParticipants))

	outcomes := obs.byType(types.EventTypeParticipantOutcome)
	require.NotEmpty(t, outcomes)
	assert.Contains(t, outcomes[0].Detail, "cookies rejected")
}

func TestJitterBounds(t *testing.T) {
	base := time.Second
	for i := 0; i < 200; i++ {
		d := jitterDelay(base)
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
		assert.LessOrEqual(t, d, 1200*time.Millisecond)
	}
	assert.Equal(t, time.Duration(0), jitterDelay(0))
}
