package browser

import (
	"context"
	"errors"
	"fmt"

	"github.com/entrhq/swarm/pkg/executor"
	"github.com/entrhq/swarm/pkg/logging"
	"github.com/entrhq/swarm/pkg/scheduler"
	"github.com/entrhq/swarm/pkg/session"
)

// Handle is the slice of a live browser session the provider drives:
// the executor's surface plus navigation, artifact transfer and the
// authentication probe.
type Handle interface {
	executor.Surface
	session.ArtifactSink

	Navigate(ctx context.Context, url string) error
	IsAuthenticated(ctx context.Context, markers []string) bool
	ExtractArtifacts(ctx context.Context) ([]session.Artifact, error)
}

var _ Handle = (*Session)(nil)

// opener is the part of the Manager the provider leases sessions from.
type opener interface {
	Open(participantID string) (Handle, error)
	Close(participantID string) error
	Park(participantID string)
}

// managerOpener adapts the concrete Manager to the opener interface.
type managerOpener struct {
	m *Manager
}

func (o managerOpener) Open(participantID string) (Handle, error) {
	s, err := o.m.Open(participantID)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (o managerOpener) Close(participantID string) error {
	return o.m.Close(participantID)
}

func (o managerOpener) Park(participantID string) {
	o.m.Park(participantID)
}

// ProviderOptions configures session acquisition for a run.
type ProviderOptions struct {
	// TargetResource is the URL every acquired session is left on.
	TargetResource string

	// AuthMarkers are selectors whose presence confirms a signed-in
	// identity. Empty skips the check.
	AuthMarkers []string

	// ArtifactDomains restricts which artifact domains are persisted
	// back to the cache. Empty keeps everything.
	ArtifactDomains []string
}

// Provider leases authenticated browser sessions to the scheduler,
// restoring cached auth artifacts before handing a session out and
// persisting fresh ones after a successful restore.
type Provider struct {
	open  opener
	cache *session.Cache
	opts  ProviderOptions
	log   *logging.Logger
}

// NewProvider wires a manager and session cache into a scheduler
// session provider.
func NewProvider(manager *Manager, cache *session.Cache, opts ProviderOptions, log *logging.Logger) *Provider {
	return &Provider{
		open:  managerOpener{m: manager},
		cache: cache,
		opts:  opts,
		log:   log,
	}
}

// Acquire opens (or reuses) the participant's browser, restores cached
// artifacts, verifies authentication on the target and returns a lease.
func (p *Provider) Acquire(ctx context.Context, participantID string) (scheduler.SessionLease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	handle, err := p.open.Open(participantID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", scheduler.ErrSessionUnavailable, participantID, err)
	}

	if p.cache.Has(participantID) {
		restored, err := p.cache.RestoreInto(ctx, handle, participantID)
		if err != nil {
			p.warnf("artifact restore for %s failed: %v", participantID, err)
		} else {
			p.debugf("restored %d artifacts for %s", restored, participantID)
		}
	}

	if err := handle.Navigate(ctx, p.opts.TargetResource); err != nil {
		p.open.Close(participantID)
		return nil, fmt.Errorf("%w: %s: %v", scheduler.ErrSessionUnavailable, participantID, err)
	}

	if !handle.IsAuthenticated(ctx, p.opts.AuthMarkers) {
		if err := p.cache.SetAuthStatus(participantID, session.AuthInvalid); err != nil && !errors.Is(err, session.ErrNotFound) {
			p.warnf("mark record invalid for %s failed: %v", participantID, err)
		}
		if err := p.cache.Invalidate(participantID); err != nil {
			p.warnf("invalidate record for %s failed: %v", participantID, err)
		}
		p.open.Close(participantID)
		return nil, fmt.Errorf("%w: %s", scheduler.ErrAuthenticationFailed, participantID)
	}

	p.persistArtifacts(ctx, handle, participantID)

	return &lease{open: p.open, handle: handle, participantID: participantID}, nil
}

// persistArtifacts snapshots the session's current artifacts back to
// the cache. Persistence failures never fail an acquisition.
func (p *Provider) persistArtifacts(ctx context.Context, handle Handle, participantID string) {
	artifacts, err := handle.ExtractArtifacts(ctx)
	if err != nil {
		p.warnf("artifact extraction for %s failed: %v", participantID, err)
		return
	}

	artifacts = session.FilterByDomain(artifacts, p.opts.ArtifactDomains)
	if len(artifacts) == 0 {
		return
	}

	if err := p.cache.Save(participantID, artifacts); err != nil {
		p.warnf("artifact persist for %s failed: %v", participantID, err)
	}
}

func (p *Provider) debugf(format string, args ...interface{}) {
	if p.log != nil {
		p.log.Debugf(format, args...)
	}
}

func (p *Provider) warnf(format string, args ...interface{}) {
	if p.log != nil {
		p.log.Warnf(format, args...)
	}
}

// lease hands one acquired session to the scheduler.
type lease struct {
	open          opener
	handle        Handle
	participantID string
}

func (l *lease) Surface() executor.Surface {
	return l.handle
}

// Release returns the session. Unless keepOpen is set, the browser is
// closed; kept-open sessions are parked in the manager for reuse or
// idle cleanup.
func (l *lease) Release(keepOpen bool) {
	if keepOpen {
		l.open.Park(l.participantID)
		return
	}
	l.open.Close(l.participantID)
}
