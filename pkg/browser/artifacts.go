package browser

import (
	"context"
	"fmt"

	"github.com/playwright-community/playwright-go"

	"github.com/entrhq/swarm/pkg/session"
)

// ExtractArtifacts returns the context's current cookies as cache
// artifacts.
func (s *Session) ExtractArtifacts(ctx context.Context) ([]session.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.touch()

	cookies, err := s.Context.Cookies()
	if err != nil {
		return nil, fmt.Errorf("browser: read cookies: %w", err)
	}

	artifacts := make([]session.Artifact, 0, len(cookies))
	for _, cookie := range cookies {
		artifacts = append(artifacts, artifactFromCookie(cookie))
	}
	return artifacts, nil
}

// ClearArtifacts removes all cookies from the context.
func (s *Session) ClearArtifacts(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.touch()

	if err := s.Context.ClearCookies(); err != nil {
		return fmt.Errorf("browser: clear cookies: %w", err)
	}
	return nil
}

// InstallArtifacts adds the artifacts to the context one at a time so a
// single malformed cookie does not sink the rest. Returns how many were
// installed.
func (s *Session) InstallArtifacts(ctx context.Context, artifacts []session.Artifact) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.touch()

	installed := 0
	for _, artifact := range artifacts {
		cookie := cookieFromArtifact(artifact)
		if err := s.Context.AddCookies([]playwright.OptionalCookie{cookie}); err != nil {
			continue
		}
		installed++
	}
	return installed, nil
}

// Refresh reloads the page so installed artifacts take effect.
func (s *Session) Refresh(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.touch()

	_, err := s.Page.Reload(playwright.PageReloadOptions{
		WaitUntil: playwright.WaitUntilStateLoad,
	})
	if err != nil {
		return fmt.Errorf("browser: reload: %w", err)
	}
	return nil
}

func artifactFromCookie(cookie playwright.Cookie) session.Artifact {
	return session.Artifact{
		Name:     cookie.Name,
		Value:    cookie.Value,
		Domain:   cookie.Domain,
		Path:     cookie.Path,
		Expires:  cookie.Expires,
		Secure:   cookie.Secure,
		HTTPOnly: cookie.HttpOnly,
	}
}

func cookieFromArtifact(artifact session.Artifact) playwright.OptionalCookie {
	cookie := playwright.OptionalCookie{
		Name:     artifact.Name,
		Value:    artifact.Value,
		Domain:   playwright.String(artifact.Domain),
		Path:     playwright.String(artifact.Path),
		Secure:   playwright.Bool(artifact.Secure),
		HttpOnly: playwright.Bool(artifact.HTTPOnly),
	}
	if artifact.Path == "" {
		cookie.Path = playwright.String("/")
	}
	if artifact.Expires > 0 {
		cookie.Expires = playwright.Float(artifact.Expires)
	}
	return cookie
}
