package executor

import (
	"context"
	"strings"

	"github.com/atotto/clipboard"
)

// setValueScript assigns the value directly and fires a synthetic input
// event so framework-bound surfaces notice the change.
const setValueScript = `(args) => {
	const el = document.querySelector(args.sel);
	if (!el) return false;
	if ('value' in el) {
		el.value = args.value;
	} else {
		el.textContent = args.value;
	}
	el.dispatchEvent(new Event('input', { bubbles: true }));
	return true;
}`

type inputFn func(ctx context.Context, surface Surface, sel, payload string) error

// inject tries each input strategy in order until re-reading the
// surface shows it holds the payload. A strategy that returns no error
// but leaves the surface without the payload is treated as failed.
func (e *Executor) inject(ctx context.Context, surface Surface, sel, payload string) (InputStrategy, bool) {
	strategies := []struct {
		name InputStrategy
		fn   inputFn
	}{
		{InputFill, e.inputFill},
		{InputScript, e.inputScript},
		{InputCharwise, e.inputCharwise},
		{InputClipboard, e.inputClipboard},
	}

	for _, s := range strategies {
		if ctx.Err() != nil {
			return "", false
		}
		if err := s.fn(ctx, surface, sel, payload); err != nil {
			e.debugf("input strategy %s failed: %v", s.name, err)
			continue
		}
		if e.surfaceHolds(ctx, surface, sel, payload) {
			return s.name, true
		}
		e.debugf("input strategy %s left surface without payload", s.name)
	}
	return "", false
}

// surfaceHolds re-reads the surface content instead of trusting the
// strategy's own success claim.
func (e *Executor) surfaceHolds(ctx context.Context, surface Surface, sel, payload string) bool {
	value, err := surface.ReadValue(ctx, sel)
	if err != nil {
		return false
	}
	return strings.Contains(value, payload)
}

func (e *Executor) inputFill(ctx context.Context, surface Surface, sel, payload string) error {
	return surface.Fill(ctx, sel, payload)
}

func (e *Executor) inputScript(ctx context.Context, surface Surface, sel, payload string) error {
	result, err := surface.Evaluate(ctx, setValueScript, map[string]any{"sel": sel, "value": payload})
	if err != nil {
		return err
	}
	if ok, _ := result.(bool); !ok {
		return ErrNoMatch
	}
	return nil
}

func (e *Executor) inputCharwise(ctx context.Context, surface Surface, sel, payload string) error {
	if err := surface.ClearValue(ctx, sel); err != nil {
		return err
	}
	return surface.Type(ctx, sel, payload, e.opts.TypeDelay)
}

func (e *Executor) inputClipboard(ctx context.Context, surface Surface, sel, payload string) error {
	if err := clipboard.WriteAll(payload); err != nil {
		return err
	}
	if err := surface.ClearValue(ctx, sel); err != nil {
		return err
	}
	if err := surface.Click(ctx, sel); err != nil {
		return err
	}
	return surface.Press(ctx, sel, "Control+v")
}
