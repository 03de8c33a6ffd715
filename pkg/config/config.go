// Package config defines the run configuration consumed from the
// operator-facing shell: a YAML run file plus environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid indicates a run configuration that cannot be executed.
var ErrInvalid = errors.New("config: invalid run configuration")

// Duration wraps time.Duration so YAML can carry values like "2s".
type Duration time.Duration

// UnmarshalYAML parses either a duration string or a bare number of
// seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err == nil {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("config: invalid duration %q: %w", raw, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var seconds float64
	if err := value.Decode(&seconds); err != nil {
		return fmt.Errorf("config: invalid duration node: %w", err)
	}
	*d = Duration(time.Duration(seconds * float64(time.Second)))
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Run is one scheduler run's configuration.
type Run struct {
	// TargetResource is the URL every session navigates to before acting.
	TargetResource string `yaml:"target_resource"`

	// Payloads are the candidate payloads; one is chosen per attempt.
	Payloads []string `yaml:"payloads"`

	// Roster is the set of participant ids available to the run.
	Roster []string `yaml:"roster"`

	// Quota is the number of successful actions the run must reach.
	Quota int `yaml:"quota"`

	// ConcurrencyLimit bounds simultaneously open browser sessions.
	ConcurrencyLimit int `yaml:"concurrency_limit"`

	// InterAdmissionDelay is the pause between admissions (jittered ±20%).
	InterAdmissionDelay Duration `yaml:"inter_admission_delay"`

	// KeepSessionOpenOnSuccess leaves the browser open after a
	// successful action instead of closing it.
	KeepSessionOpenOnSuccess bool `yaml:"keep_session_open_on_success"`

	// MaxAttempts bounds full executor attempts per unit of work
	// (0 uses the executor default).
	MaxAttempts int `yaml:"max_attempts"`

	// Headless controls whether browsers run without a visible window.
	Headless bool `yaml:"headless"`

	// SuccessIndicators are glob patterns matched against page text as
	// an explicit success signal during verification.
	SuccessIndicators []string `yaml:"success_indicators"`

	// SurfaceSelectors and SubmitSelectors override the executor's
	// default locate patterns.
	SurfaceSelectors []string `yaml:"surface_selectors"`
	SubmitSelectors  []string `yaml:"submit_selectors"`

	// AuthMarkers are selectors whose presence indicates an
	// authenticated identity on the target.
	AuthMarkers []string `yaml:"auth_markers"`

	// ArtifactDomains restricts which artifact domains are persisted
	// to the session cache. Empty keeps everything.
	ArtifactDomains []string `yaml:"artifact_domains"`
}

// LoadRun reads and validates a run configuration from a YAML file.
func LoadRun(path string) (*Run, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var run Run
	if err := yaml.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := run.Validate(); err != nil {
		return nil, err
	}
	return &run, nil
}

// Validate checks the configuration for values the scheduler cannot run.
func (c *Run) Validate() error {
	if c.TargetResource == "" {
		return fmt.Errorf("%w: target_resource is required", ErrInvalid)
	}
	if len(c.Payloads) == 0 {
		return fmt.Errorf("%w: at least one payload is required", ErrInvalid)
	}
	if len(c.Roster) == 0 {
		return fmt.Errorf("%w: roster must not be empty", ErrInvalid)
	}
	if c.Quota <= 0 {
		return fmt.Errorf("%w: quota must be positive, got %d", ErrInvalid, c.Quota)
	}
	if c.ConcurrencyLimit <= 0 {
		return fmt.Errorf("%w: concurrency_limit must be positive, got %d", ErrInvalid, c.ConcurrencyLimit)
	}
	if c.InterAdmissionDelay < 0 {
		return fmt.Errorf("%w: inter_admission_delay must be non-negative", ErrInvalid)
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("%w: max_attempts must be non-negative", ErrInvalid)
	}
	return nil
}
