package executor

import (
	"context"
	"strings"
	"unicode/utf8"
)

// submitFormScript submits the form owning the input surface at the
// script level, bypassing any click interception on the control.
const submitFormScript = `(args) => {
	const el = document.querySelector(args.sel);
	const form = el && el.form;
	if (!form) return false;
	if (form.requestSubmit) {
		form.requestSubmit();
	} else {
		form.submit();
	}
	return true;
}`

type submitFn func(ctx context.Context, surface Surface, sel string) error

// submit walks the submission strategies in order. Each one is followed
// immediately by a verification check; the first verified strategy wins
// and input strategies are never re-run between them.
func (e *Executor) submit(ctx context.Context, surface Surface, sel, payload string) (SubmitStrategy, bool) {
	strategies := []struct {
		name SubmitStrategy
		fn   submitFn
	}{
		{StrategyEnterKey, e.submitEnter},
		{StrategyPublishControl, e.submitControl},
		{StrategyScriptSubmit, e.submitScript},
		{StrategyKeyChord, e.submitChord},
	}

	for _, s := range strategies {
		if ctx.Err() != nil {
			return StrategyNone, false
		}
		if err := s.fn(ctx, surface, sel); err != nil {
			e.debugf("submission strategy %s failed: %v", s.name, err)
			continue
		}
		e.sleep(ctx, e.opts.SettleDelay)
		if e.verify(ctx, surface, sel, payload) {
			return s.name, true
		}
		e.debugf("submission strategy %s unverified", s.name)
	}
	return StrategyNone, false
}

func (e *Executor) submitEnter(ctx context.Context, surface Surface, sel string) error {
	return surface.Press(ctx, sel, "Enter")
}

// submitControl activates the publish control: multiple locate
// patterns, first visible and enabled match wins.
func (e *Executor) submitControl(ctx context.Context, surface Surface, sel string) error {
	control, err := surface.FirstVisible(ctx, e.opts.SubmitSelectors)
	if err != nil {
		return err
	}
	return surface.Click(ctx, control)
}

func (e *Executor) submitScript(ctx context.Context, surface Surface, sel string) error {
	result, err := surface.Evaluate(ctx, submitFormScript, map[string]any{"sel": sel})
	if err != nil {
		return err
	}
	if ok, _ := result.(bool); !ok {
		return ErrNoMatch
	}
	return nil
}

func (e *Executor) submitChord(ctx context.Context, surface Surface, sel string) error {
	return surface.Press(ctx, sel, "Control+Enter")
}

// verify independently confirms the action's effect. Success requires
// at least one of: the input surface is empty post-submit, the payload's
// stable prefix is visible as page content, or an explicit success
// indicator matches. A submission that threw no error but fails all
// three is a failed attempt.
func (e *Executor) verify(ctx context.Context, surface Surface, sel, payload string) bool {
	if value, err := surface.ReadValue(ctx, sel); err == nil && strings.TrimSpace(value) == "" {
		return true
	}

	text, err := surface.PageText(ctx)
	if err != nil {
		return false
	}

	if prefix := stablePrefix(payload); prefix != "" && strings.Contains(text, prefix) {
		return true
	}

	for _, g := range e.patterns {
		if g.Match(text) {
			return true
		}
	}
	return false
}

// stablePrefix returns the leading slice of the payload used to find it
// in rendered content. Long payloads may be truncated or re-wrapped by
// the interface, so only the head is trusted.
func stablePrefix(payload string) string {
	const prefixLen = 20
	payload = strings.TrimSpace(payload)
	if len(payload) <= prefixLen {
		return payload
	}
	// Never cut inside a multi-byte rune; back up to the last start byte.
	cut := prefixLen
	for cut > 0 && !utf8.RuneStart(payload[cut]) {
		cut--
	}
	return payload[:cut]
}
