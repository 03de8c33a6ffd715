package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/entrhq/swarm/pkg/executor"
)

// Session is one participant's live browser: a dedicated browser
// instance, context and page. It implements the executor's Surface and
// the session cache's ArtifactSink.
type Session struct {
	ParticipantID string
	Browser       playwright.Browser
	Context       playwright.BrowserContext
	Page          playwright.Page
	CreatedAt     time.Time

	mu         sync.Mutex
	LastUsedAt time.Time
}

func (s *Session) touch() {
	s.mu.Lock()
	s.LastUsedAt = time.Now()
	s.mu.Unlock()
}

func (s *Session) lastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.LastUsedAt
}

func (s *Session) close() {
	if s.Page != nil {
		_ = s.Page.Close()
	}
	if s.Context != nil {
		_ = s.Context.Close()
	}
	if s.Browser != nil {
		_ = s.Browser.Close()
	}
}

// Navigate loads the URL and waits for the load event.
func (s *Session) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.touch()

	_, err := s.Page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateLoad,
	})
	if err != nil {
		return fmt.Errorf("browser: navigate to %s: %w", url, err)
	}
	return nil
}

// URL returns the page's current URL.
func (s *Session) URL() string {
	return s.Page.URL()
}

// IsAuthenticated probes the page for any of the given markers,
// elements only present for a signed-in identity.
func (s *Session) IsAuthenticated(ctx context.Context, markers []string) bool {
	if len(markers) == 0 {
		return true
	}
	_, err := s.WaitForAny(ctx, markers, 5*time.Second)
	return err == nil
}

// FirstVisible returns the first selector currently matching a visible
// element, or executor.ErrNoMatch.
func (s *Session) FirstVisible(ctx context.Context, selectors []string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.touch()

	for _, selector := range selectors {
		visible, err := s.Page.IsVisible(selector)
		if err != nil {
			continue
		}
		if visible {
			return selector, nil
		}
	}
	return "", executor.ErrNoMatch
}

// WaitForAny polls the selector list until one matches a visible
// element or the timeout elapses.
func (s *Session) WaitForAny(ctx context.Context, selectors []string, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		selector, err := s.FirstVisible(ctx, selectors)
		if err == nil {
			return selector, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if time.Now().After(deadline) {
			return "", executor.ErrNoMatch
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// Click clicks the first element matching the selector.
func (s *Session) Click(ctx context.Context, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.touch()

	if err := s.Page.Click(selector); err != nil {
		return fmt.Errorf("browser: click %s: %w", selector, err)
	}
	return nil
}

// ClearValue empties the matched input element.
func (s *Session) ClearValue(ctx context.Context, selector string) error {
	return s.Fill(ctx, selector, "")
}

// Fill sets the matched input element's value.
func (s *Session) Fill(ctx context.Context, selector, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.touch()

	if err := s.Page.Fill(selector, value); err != nil {
		return fmt.Errorf("browser: fill %s: %w", selector, err)
	}
	return nil
}

// Type enters the value one character at a time.
func (s *Session) Type(ctx context.Context, selector, value string, delay time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.touch()

	err := s.Page.Type(selector, value, playwright.PageTypeOptions{
		Delay: playwright.Float(float64(delay.Milliseconds())),
	})
	if err != nil {
		return fmt.Errorf("browser: type into %s: %w", selector, err)
	}
	return nil
}

// Press sends a key or key chord to the matched element.
func (s *Session) Press(ctx context.Context, selector, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.touch()

	if err := s.Page.Press(selector, key); err != nil {
		return fmt.Errorf("browser: press %s on %s: %w", key, selector, err)
	}
	return nil
}

// ReadValue returns the matched element's current value. Falls back to
// inner text for contenteditable surfaces that have no value property.
func (s *Session) ReadValue(ctx context.Context, selector string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.touch()

	value, err := s.Page.InputValue(selector)
	if err == nil {
		return value, nil
	}

	text, textErr := s.Page.InnerText(selector)
	if textErr != nil {
		return "", fmt.Errorf("browser: read value of %s: %w", selector, err)
	}
	return text, nil
}

// Evaluate runs a JavaScript expression in the page.
func (s *Session) Evaluate(ctx context.Context, script string, arg any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.touch()

	result, err := s.Page.Evaluate(script, arg)
	if err != nil {
		return nil, fmt.Errorf("browser: evaluate: %w", err)
	}
	return result, nil
}

// PageText returns the page's visible body text.
func (s *Session) PageText(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.touch()

	text, err := s.Page.InnerText("body")
	if err != nil {
		return "", fmt.Errorf("browser: read page text: %w", err)
	}
	return text, nil
}

// ScrollBy scrolls the page vertically by the given pixel offset.
func (s *Session) ScrollBy(ctx context.Context, pixels int) error {
	_, err := s.Evaluate(ctx, "(px) => window.scrollBy(0, px)", pixels)
	return err
}
