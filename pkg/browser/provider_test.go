package browser

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/swarm/pkg/scheduler"
	"github.com/entrhq/swarm/pkg/session"
)

// fakeHandle is a scriptable stand-in for a live session.
type fakeHandle struct {
	authOK      bool
	navigateErr error

	navigatedTo string
	cleared     bool
	refreshed   bool
	installed   []session.Artifact
	extracted   []session.Artifact
}

func (h *fakeHandle) FirstVisible(context.Context, []string) (string, error) { return "", nil }
func (h *fakeHandle) WaitForAny(context.Context, []string, time.Duration) (string, error) {
	return "", nil
}
func (h *fakeHandle) Click(context.Context, string) error                       { return nil }
func (h *fakeHandle) ClearValue(context.Context, string) error                  { return nil }
func (h *fakeHandle) Fill(context.Context, string, string) error                { return nil }
func (h *fakeHandle) Type(context.Context, string, string, time.Duration) error { return nil }
func (h *fakeHandle) Press(context.Context, string, string) error               { return nil }
func (h *fakeHandle) ReadValue(context.Context, string) (string, error)         { return "", nil }
func (h *fakeHandle) Evaluate(context.Context, string, any) (any, error)        { return nil, nil }
func (h *fakeHandle) PageText(context.Context) (string, error)                  { return "", nil }
func (h *fakeHandle) ScrollBy(context.Context, int) error                       { return nil }

func (h *fakeHandle) ClearArtifacts(context.Context) error {
	h.cleared = true
	return nil
}

func (h *fakeHandle) InstallArtifacts(_ context.Context, artifacts []session.Artifact) (int, error) {
	h.installed = append(h.installed, artifacts...)
	return len(artifacts), nil
}

func (h *fakeHandle) Refresh(context.Context) error {
	h.refreshed = true
	return nil
}

func (h *fakeHandle) Navigate(_ context.Context, url string) error {
	if h.navigateErr != nil {
		return h.navigateErr
	}
	h.navigatedTo = url
	return nil
}

func (h *fakeHandle) IsAuthenticated(context.Context, []string) bool {
	return h.authOK
}

func (h *fakeHandle) ExtractArtifacts(context.Context) ([]session.Artifact, error) {
	return h.extracted, nil
}

// fakeOpener leases fake handles and records lifecycle calls.
type fakeOpener struct {
	handle  *fakeHandle
	openErr error
	opened  []string
	closed  []string
	parked  []string
}

func (o *fakeOpener) Open(participantID string) (Handle, error) {
	o.opened = append(o.opened, participantID)
	if o.openErr != nil {
		return nil, o.openErr
	}
	return o.handle, nil
}

func (o *fakeOpener) Close(participantID string) error {
	o.closed = append(o.closed, participantID)
	return nil
}

func (o *fakeOpener) Park(participantID string) {
	o.parked = append(o.parked, participantID)
}

func newTestProvider(t *testing.T, open opener, opts ProviderOptions) (*Provider, *session.Cache) {
	t.Helper()
	cache, err := session.NewCache(t.TempDir())
	require.NoError(t, err)
	if opts.TargetResource == "" {
		opts.TargetResource = "https://example.com/p/abc123"
	}
	return &Provider{open: open, cache: cache, opts: opts}, cache
}

func cachedArtifacts() []session.Artifact {
	return []session.Artifact{
		{Name: "sessionid", Value: "abc123", Domain: ".example.com", Path: "/"},
		{Name: "csrftoken", Value: "tok-9", Domain: ".example.com", Path: "/"},
	}
}

func TestAcquireAuthFailureInvalidatesRecord(t *testing.T) {
	open := &fakeOpener{handle: &fakeHandle{authOK: false}}
	provider, cache := newTestProvider(t, open, ProviderOptions{
		AuthMarkers: []string{"nav a[href='/profile/']"},
	})
	require.NoError(t, cache.Save("acct-1", cachedArtifacts()))

	_, err := provider.Acquire(context.Background(), "acct-1")
	require.ErrorIs(t, err, scheduler.ErrAuthenticationFailed)

	// The stale record is gone and the browser was not leaked.
	assert.False(t, cache.Has("acct-1"))
	assert.Equal(t, []string{"acct-1"}, open.closed)
}

func TestAcquireRestoresNavigatesAndPersists(t *testing.T) {
	handle := &fakeHandle{
		authOK: true,
		extracted: []session.Artifact{
			{Name: "sessionid", Value: "fresh", Domain: ".example.com", Path: "/"},
			{Name: "tracker", Value: "x", Domain: "ads.other.net", Path: "/"},
		},
	}
	open := &fakeOpener{handle: handle}
	provider, cache := newTestProvider(t, open, ProviderOptions{
		TargetResource:  "https://example.com/p/abc123",
		ArtifactDomains: []string{"example.com"},
	})
	require.NoError(t, cache.Save("acct-1", cachedArtifacts()))

	lease, err := provider.Acquire(context.Background(), "acct-1")
	require.NoError(t, err)

	// Cached artifacts were restored before navigation.
	assert.True(t, handle.cleared)
	assert.True(t, handle.refreshed)
	assert.Equal(t, cachedArtifacts(), handle.installed)
	assert.Equal(t, "https://example.com/p/abc123", handle.navigatedTo)

	// The persisted snapshot is the freshly extracted, domain-filtered set.
	record, err := cache.Load("acct-1")
	require.NoError(t, err)
	require.Len(t, record.Artifacts, 1)
	assert.Equal(t, "fresh", record.Artifacts[0].Value)

	assert.Same(t, handle, lease.Surface().(*fakeHandle))
}

func TestAcquireFreshParticipantSkipsRestore(t *testing.T) {
	handle := &fakeHandle{
		authOK:    true,
		extracted: []session.Artifact{{Name: "sessionid", Value: "new", Domain: ".example.com"}},
	}
	open := &fakeOpener{handle: handle}
	provider, cache := newTestProvider(t, open, ProviderOptions{})

	_, err := provider.Acquire(context.Background(), "acct-9")
	require.NoError(t, err)

	assert.False(t, handle.cleared)
	assert.True(t, cache.Has("acct-9"))
}

func TestAcquireOpenFailure(t *testing.T) {
	open := &fakeOpener{openErr: fmt.Errorf("launch refused")}
	provider, _ := newTestProvider(t, open, ProviderOptions{})

	_, err := provider.Acquire(context.Background(), "acct-1")
	require.ErrorIs(t, err, scheduler.ErrSessionUnavailable)
	assert.Empty(t, open.closed)
}

func TestAcquireNavigateFailureClosesSession(t *testing.T) {
	open := &fakeOpener{handle: &fakeHandle{navigateErr: fmt.Errorf("dns failure")}}
	provider, _ := newTestProvider(t, open, ProviderOptions{})

	_, err := provider.Acquire(context.Background(), "acct-1")
	require.ErrorIs(t, err, scheduler.ErrSessionUnavailable)
	assert.Equal(t, []string{"acct-1"}, open.closed)
}

func TestLeaseRelease(t *testing.T) {
	open := &fakeOpener{}
	l := &lease{open: open, handle: &fakeHandle{}, participantID: "acct-1"}

	l.Release(true)
	assert.Equal(t, []string{"acct-1"}, open.parked)
	assert.Empty(t, open.closed)

	l.Release(false)
	assert.Equal(t, []string{"acct-1"}, open.closed)
}
