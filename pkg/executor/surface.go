package executor

import (
	"context"
	"errors"
	"time"
)

// ErrNoMatch is returned by surface lookups when no selector produced a
// visible, interactable element.
var ErrNoMatch = errors.New("executor: no matching element")

// Surface is the slice of a live browser session the executor drives.
// Implementations wrap one page; they are not safe for concurrent use
// and are owned by a single unit of work.
type Surface interface {
	// FirstVisible returns the first selector from the list that
	// currently matches a visible, enabled element. Returns ErrNoMatch
	// if none do.
	FirstVisible(ctx context.Context, selectors []string) (string, error)

	// WaitForAny waits up to timeout for any selector in the list to
	// match a visible element and returns the one that matched.
	WaitForAny(ctx context.Context, selectors []string, timeout time.Duration) (string, error)

	// Click clicks the first element matching the selector.
	Click(ctx context.Context, selector string) error

	// ClearValue empties the matched input element.
	ClearValue(ctx context.Context, selector string) error

	// Fill sets the matched input element's value using native text entry.
	Fill(ctx context.Context, selector, value string) error

	// Type enters the value one character at a time with the given delay.
	Type(ctx context.Context, selector, value string, delay time.Duration) error

	// Press sends a key or key chord (e.g. "Enter", "Control+v") to the
	// matched element.
	Press(ctx context.Context, selector, key string) error

	// ReadValue returns the matched input element's current value.
	ReadValue(ctx context.Context, selector string) (string, error)

	// Evaluate runs a JavaScript expression in the page with one
	// argument and returns its result.
	Evaluate(ctx context.Context, script string, arg any) (any, error)

	// PageText returns the page's visible body text.
	PageText(ctx context.Context) (string, error)

	// ScrollBy scrolls the page vertically by the given pixel offset.
	ScrollBy(ctx context.Context, pixels int) error
}
