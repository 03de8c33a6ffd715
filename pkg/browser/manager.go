// Package browser owns the live browser sessions behind a run: a
// playwright-backed manager, the per-participant session, and the
// provider the scheduler leases sessions from.
package browser

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

const (
	// DefaultMaxSessions caps simultaneously open browsers.
	DefaultMaxSessions = 8

	// DefaultIdleTimeout is how long a parked session may sit unused
	// before idle cleanup closes it.
	DefaultIdleTimeout = 5 * time.Minute

	// DefaultTimeout is the page-level default timeout in milliseconds.
	DefaultTimeout = 30000.0

	defaultViewportWidth  = 1280
	defaultViewportHeight = 800
)

// ManagerOptions configures the browser manager.
type ManagerOptions struct {
	// Headless controls whether browsers run without a visible window.
	Headless bool

	// MaxSessions caps simultaneously open sessions (0 uses the default).
	MaxSessions int

	// IdleTimeout is the idle cleanup window (0 uses the default).
	IdleTimeout time.Duration
}

// Manager launches and tracks browser sessions, one per participant.
// A session is leased from Open until it is closed or parked; parked
// sessions stay warm for reuse but are reclaimed on demand when the
// session table is full, and by idle cleanup.
type Manager struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	parked      map[string]struct{}
	playwright  *playwright.Playwright
	opts        ManagerOptions
	initialized bool
}

// NewManager creates a manager. Initialize must be called before
// opening sessions.
func NewManager(opts ManagerOptions) *Manager {
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = DefaultMaxSessions
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	return &Manager{
		sessions: make(map[string]*Session),
		parked:   make(map[string]struct{}),
		opts:     opts,
	}
}

// Initialize installs and starts Playwright. Safe to call more than
// once; subsequent calls are no-ops.
func (m *Manager) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return nil
	}

	// Discard driver output so it does not interleave with run logging.
	runOpts := &playwright.RunOptions{
		Verbose: false,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}

	if err := playwright.Install(runOpts); err != nil {
		return fmt.Errorf("browser: install playwright: %w", err)
	}

	pw, err := playwright.Run(runOpts)
	if err != nil {
		return fmt.Errorf("browser: start playwright: %w", err)
	}

	m.playwright = pw
	m.initialized = true
	return nil
}

// Open launches a fresh browser, context and page for the participant.
// A parked session for the same participant is reused instead. When the
// session table is full, the least-recently-used parked session is
// closed to make room; Open fails only when every open session is
// actively leased.
func (m *Manager) Open(participantID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return nil, fmt.Errorf("browser: manager not initialized")
	}

	if existing, ok := m.sessions[participantID]; ok {
		delete(m.parked, participantID)
		existing.touch()
		return existing, nil
	}

	if len(m.sessions) >= m.opts.MaxSessions {
		if !m.evictParkedLocked() {
			return nil, fmt.Errorf("browser: maximum number of sessions (%d) reached", m.opts.MaxSessions)
		}
	}

	browser, err := m.playwright.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(m.opts.Headless),
	})
	if err != nil {
		return nil, fmt.Errorf("browser: launch: %w", err)
	}

	context, err := browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{
			Width:  defaultViewportWidth,
			Height: defaultViewportHeight,
		},
	})
	if err != nil {
		browser.Close()
		return nil, fmt.Errorf("browser: create context: %w", err)
	}

	page, err := context.NewPage()
	if err != nil {
		context.Close()
		browser.Close()
		return nil, fmt.Errorf("browser: create page: %w", err)
	}
	page.SetDefaultTimeout(DefaultTimeout)

	now := time.Now()
	session := &Session{
		ParticipantID: participantID,
		Browser:       browser,
		Context:       context,
		Page:          page,
		CreatedAt:     now,
		LastUsedAt:    now,
	}

	m.sessions[participantID] = session
	return session, nil
}

// evictParkedLocked closes the least-recently-used parked session.
// Returns false when no session is parked.
func (m *Manager) evictParkedLocked() bool {
	var victim string
	var oldest time.Time
	for id := range m.parked {
		session, ok := m.sessions[id]
		if !ok {
			delete(m.parked, id)
			continue
		}
		used := session.lastUsed()
		if victim == "" || used.Before(oldest) {
			victim = id
			oldest = used
		}
	}
	if victim == "" {
		return false
	}

	m.sessions[victim].close()
	delete(m.sessions, victim)
	delete(m.parked, victim)
	return true
}

// Park marks the participant's session as released but kept open.
func (m *Manager) Park(participantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[participantID]; ok {
		m.parked[participantID] = struct{}{}
	}
}

// Close shuts down the participant's session if one is open.
func (m *Manager) Close(participantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[participantID]
	if !ok {
		return nil
	}
	session.close()
	delete(m.sessions, participantID)
	delete(m.parked, participantID)
	return nil
}

// CleanupIdle closes parked sessions unused for longer than the idle
// timeout and returns how many were closed. Leased sessions are never
// touched.
func (m *Manager) CleanupIdle() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	closed := 0
	for id := range m.parked {
		session, ok := m.sessions[id]
		if !ok {
			delete(m.parked, id)
			continue
		}
		if now.Sub(session.lastUsed()) > m.opts.IdleTimeout {
			session.close()
			delete(m.sessions, id)
			delete(m.parked, id)
			closed++
		}
	}
	return closed
}

// OpenCount returns the number of currently open sessions.
func (m *Manager) OpenCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Shutdown closes every session and stops Playwright.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, session := range m.sessions {
		session.close()
		delete(m.sessions, id)
		delete(m.parked, id)
	}

	if m.initialized && m.playwright != nil {
		if err := m.playwright.Stop(); err != nil {
			return fmt.Errorf("browser: stop playwright: %w", err)
		}
		m.initialized = false
	}
	return nil
}
