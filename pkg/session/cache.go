// Package session persists lightweight authentication artifacts per
// participant so most browser sessions can skip interactive login.
//
// Each participant gets its own directory under the cache root:
//
//	<root>/<participantID>/artifacts.json   ordered list of artifacts
//	<root>/<participantID>/metadata.json    status and timestamps
//
// Both files are written atomically via a temporary file and rename, so
// a crash mid-save never leaves a record half-updated.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var ErrNotFound = errors.New("session: record not found")
var ErrPersist = errors.New("session: persist failed")

// AuthStatus describes the last known authentication state of a record.
type AuthStatus string

const (
	AuthUnknown       AuthStatus = "unknown"
	AuthAuthenticated AuthStatus = "authenticated"
	AuthStale         AuthStatus = "stale"
	AuthInvalid       AuthStatus = "invalid"
)

const (
	artifactsFile = "artifacts.json"
	metadataFile  = "metadata.json"
)

// Record is one participant's persisted session state.
type Record struct {
	ParticipantID   string
	Artifacts       []Artifact
	AuthStatus      AuthStatus
	LastExtractedAt time.Time
	LastAccessedAt  time.Time
}

type metadata struct {
	ParticipantID   string     `json:"participantId"`
	AuthStatus      AuthStatus `json:"authStatus"`
	LastExtractedAt time.Time  `json:"lastExtractedAt"`
	LastAccessedAt  time.Time  `json:"lastAccessedAt"`
	ArtifactCount   int        `json:"artifactCount"`
}

// EvictStats summarizes one eviction pass.
type EvictStats struct {
	Scanned        int
	Removed        int
	BytesReclaimed int64
}

// ArtifactSink is the part of a browser session the cache restores into.
type ArtifactSink interface {
	// ClearArtifacts removes the session's current artifacts.
	ClearArtifacts(ctx context.Context) error

	// InstallArtifacts installs artifacts one at a time and returns how
	// many were accepted. A rejected artifact must not abort the rest.
	InstallArtifacts(ctx context.Context, artifacts []Artifact) (int, error)

	// Refresh reloads the session so installed artifacts take effect.
	Refresh(ctx context.Context) error
}

// Cache is a file-system store of per-participant session records.
// A single coarse mutex guards all record access; concurrent save and
// evict for the same participant must not corrupt data.
type Cache struct {
	root string
	mu   sync.Mutex
	now  func() time.Time
}

// NewCache creates a cache rooted at the given directory, creating it
// if needed.
func NewCache(root string) (*Cache, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("session: init cache root %s: %w", root, err)
	}
	return &Cache{root: root, now: time.Now}, nil
}

// Root returns the cache root directory.
func (c *Cache) Root() string {
	return c.root
}

func (c *Cache) dirFor(participantID string) (string, error) {
	if participantID == "" {
		return "", fmt.Errorf("session: invalid participant id (empty)")
	}
	if strings.ContainsAny(participantID, "/\\") {
		return "", fmt.Errorf("session: invalid participant id %q (contains path separator)", participantID)
	}
	root, err := filepath.Abs(c.root)
	if err != nil {
		return "", fmt.Errorf("session: abs root: %w", err)
	}
	resolved := filepath.Join(root, participantID)
	if !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		return "", fmt.Errorf("session: path traversal detected for id %q", participantID)
	}
	return resolved, nil
}

// Has reports whether a record exists for the participant.
func (c *Cache) Has(participantID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	dir, err := c.dirFor(participantID)
	if err != nil {
		return false
	}
	_, err = os.Stat(filepath.Join(dir, artifactsFile))
	return err == nil
}

// Load reads the record for a participant. It returns ErrNotFound if
// the participant has no stored artifacts.
func (c *Cache) Load(participantID string) (*Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadLocked(participantID)
}

func (c *Cache) loadLocked(participantID string) (*Record, error) {
	dir, err := c.dirFor(participantID)
	if err != nil {
		return nil, err
	}

	b, err := os.ReadFile(filepath.Join(dir, artifactsFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session: read artifacts for %s: %w", participantID, err)
	}

	var artifacts []Artifact
	if err := json.Unmarshal(b, &artifacts); err != nil {
		return nil, fmt.Errorf("session: decode artifacts for %s: %w", participantID, err)
	}

	record := &Record{
		ParticipantID: participantID,
		Artifacts:     artifacts,
		AuthStatus:    AuthUnknown,
	}

	// Metadata is best-effort: a missing or corrupt metadata file does
	// not invalidate the artifacts themselves.
	mb, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err == nil {
		var meta metadata
		if err := json.Unmarshal(mb, &meta); err == nil {
			record.AuthStatus = meta.AuthStatus
			record.LastExtractedAt = meta.LastExtractedAt
			record.LastAccessedAt = meta.LastAccessedAt
		} else {
			slog.Debug("session: skipping corrupt metadata", "participant", participantID, "err", err)
		}
	}

	return record, nil
}

// Save overwrites the participant's record with the given artifacts and
// stamps LastExtractedAt with the current time. Write failures are
// reported as ErrPersist; callers should treat them as non-fatal and
// fall back to a fresh session next time.
func (c *Cache) Save(participantID string, artifacts []Artifact) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	dir, err := c.dirFor(participantID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("%w: create record dir: %v", ErrPersist, err)
	}

	ab, err := json.MarshalIndent(artifacts, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode artifacts: %v", ErrPersist, err)
	}
	if err := writeFileAtomic(filepath.Join(dir, artifactsFile), ab); err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}

	now := c.now()
	meta := metadata{
		ParticipantID:   participantID,
		AuthStatus:      AuthAuthenticated,
		LastExtractedAt: now,
		LastAccessedAt:  now,
		ArtifactCount:   len(artifacts),
	}
	if err := c.writeMetadataLocked(dir, meta); err != nil {
		return err
	}
	return nil
}

// Touch stamps the participant's LastAccessedAt with the current time.
// Eviction uses this timestamp, so any successful reuse of a record
// should touch it.
func (c *Cache) Touch(participantID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	dir, meta, err := c.readMetadataLocked(participantID)
	if err != nil {
		return err
	}
	meta.LastAccessedAt = c.now()
	return c.writeMetadataLocked(dir, meta)
}

// SetAuthStatus records the participant's authentication status.
func (c *Cache) SetAuthStatus(participantID string, status AuthStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	dir, meta, err := c.readMetadataLocked(participantID)
	if err != nil {
		return err
	}
	meta.AuthStatus = status
	return c.writeMetadataLocked(dir, meta)
}

func (c *Cache) readMetadataLocked(participantID string) (string, metadata, error) {
	dir, err := c.dirFor(participantID)
	if err != nil {
		return "", metadata{}, err
	}

	meta := metadata{ParticipantID: participantID, AuthStatus: AuthUnknown}
	b, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if errors.Is(err, os.ErrNotExist) {
		if _, statErr := os.Stat(filepath.Join(dir, artifactsFile)); statErr != nil {
			return "", metadata{}, ErrNotFound
		}
		return dir, meta, nil
	}
	if err != nil {
		return "", metadata{}, fmt.Errorf("session: read metadata for %s: %w", participantID, err)
	}
	if err := json.Unmarshal(b, &meta); err != nil {
		slog.Debug("session: resetting corrupt metadata", "participant", participantID, "err", err)
		meta = metadata{ParticipantID: participantID, AuthStatus: AuthUnknown}
	}
	return dir, meta, nil
}

func (c *Cache) writeMetadataLocked(dir string, meta metadata) error {
	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode metadata: %v", ErrPersist, err)
	}
	if err := writeFileAtomic(filepath.Join(dir, metadataFile), b); err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return nil
}

// RestoreInto clears the sink's current artifacts, installs the stored
// ones (skipping malformed entries), and triggers a refresh. It returns
// how many artifacts were installed. It does not verify authentication;
// that is the caller's job.
func (c *Cache) RestoreInto(ctx context.Context, sink ArtifactSink, participantID string) (int, error) {
	c.mu.Lock()
	record, err := c.loadLocked(participantID)
	c.mu.Unlock()
	if err != nil {
		return 0, err
	}

	valid := make([]Artifact, 0, len(record.Artifacts))
	skipped := 0
	for _, a := range record.Artifacts {
		if !a.Valid() {
			skipped++
			continue
		}
		valid = append(valid, a)
	}
	if skipped > 0 {
		slog.Debug("session: skipped malformed artifacts on restore",
			"participant", participantID, "skipped", skipped)
	}

	if err := sink.ClearArtifacts(ctx); err != nil {
		return 0, fmt.Errorf("session: clear artifacts for %s: %w", participantID, err)
	}

	installed, err := sink.InstallArtifacts(ctx, valid)
	if err != nil {
		return installed, fmt.Errorf("session: install artifacts for %s: %w", participantID, err)
	}

	if installed > 0 {
		if err := sink.Refresh(ctx); err != nil {
			return installed, fmt.Errorf("session: refresh after restore for %s: %w", participantID, err)
		}
		if err := c.Touch(participantID); err != nil && !errors.Is(err, ErrNotFound) {
			slog.Debug("session: touch after restore failed", "participant", participantID, "err", err)
		}
	}

	return installed, nil
}

// Invalidate removes the participant's record. Used after a restored
// session fails authentication.
func (c *Cache) Invalidate(participantID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	dir, err := c.dirFor(participantID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("session: invalidate %s: %w", participantID, err)
	}
	return nil
}

// Evict removes every record whose LastAccessedAt is older than the
// retention window. Records accessed within the window are never
// removed, even if their artifacts were extracted long ago.
func (c *Cache) Evict(retention time.Duration) (EvictStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var stats EvictStats

	entries, err := os.ReadDir(c.root)
	if err != nil {
		return stats, fmt.Errorf("session: scan cache root: %w", err)
	}

	cutoff := c.now().Add(-retention)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		stats.Scanned++

		dir := filepath.Join(c.root, e.Name())
		accessed := c.lastAccessed(dir)
		if !accessed.Before(cutoff) {
			continue
		}

		size := dirSize(dir)
		if err := os.RemoveAll(dir); err != nil {
			slog.Debug("session: evict failed", "participant", e.Name(), "err", err)
			continue
		}
		stats.Removed++
		stats.BytesReclaimed += size
	}

	return stats, nil
}

// lastAccessed resolves a record's last access time from its metadata,
// falling back to the metadata file's mtime, then the directory mtime.
func (c *Cache) lastAccessed(dir string) time.Time {
	metaPath := filepath.Join(dir, metadataFile)
	if b, err := os.ReadFile(metaPath); err == nil {
		var meta metadata
		if err := json.Unmarshal(b, &meta); err == nil && !meta.LastAccessedAt.IsZero() {
			return meta.LastAccessedAt
		}
	}
	if info, err := os.Stat(metaPath); err == nil {
		return info.ModTime()
	}
	if info, err := os.Stat(dir); err == nil {
		return info.ModTime()
	}
	return time.Time{}
}

func dirSize(dir string) int64 {
	var total int64
	_ = filepath.WalkDir(dir, func(_ string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp) // best-effort cleanup
		return fmt.Errorf("atomic rename %s: %w", path, err)
	}
	return nil
}

// HumanBytes renders a byte count the way eviction stats are logged.
func HumanBytes(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.2f GB", float64(n)/float64(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.2f MB", float64(n)/float64(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.2f KB", float64(n)/float64(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
