// Package prompt writes the generated prompt text into the target
// application's input field, with a clipboard fallback when the write cannot
// be confirmed.
package prompt

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pagepilot/pagepilot/internal/dom"
	"github.com/pagepilot/pagepilot/internal/notify"
	"github.com/pagepilot/pagepilot/internal/selectors"
)

const (
	// DefaultSettleDelay gives the host page's dynamic content a moment to
	// mount before we look for the field. Heuristic, not a guarantee.
	DefaultSettleDelay = time.Second
	// DefaultResolveTimeout bounds the wait for the prompt field.
	DefaultResolveTimeout = 10 * time.Second

	// verifyPrefixLen is how much of the text must survive host-side
	// normalization for the write to count as confirmed.
	verifyPrefixLen = 50
)

// Page is the slice of page capabilities the filler needs.
type Page interface {
	WaitReady(ctx context.Context) error
	WriteClipboard(ctx context.Context, text string) error
}

// Resolver finds the prompt field.
type Resolver interface {
	AwaitResolve(ctx context.Context, role selectors.Role, timeout time.Duration) (dom.Element, error)
}

// Filler implements the fill-or-fallback algorithm.
type Filler struct {
	page     Page
	resolver Resolver
	notifier notify.Notifier
	clock    dom.Clock
	logger   *zap.Logger

	settleDelay    time.Duration
	resolveTimeout time.Duration
}

// NewFiller creates a Filler. Zero durations select the defaults.
func NewFiller(page Page, resolver Resolver, notifier notify.Notifier, clock dom.Clock, settle, resolveTimeout time.Duration, logger *zap.Logger) *Filler {
	if settle <= 0 {
		settle = DefaultSettleDelay
	}
	if resolveTimeout <= 0 {
		resolveTimeout = DefaultResolveTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Filler{
		page:           page,
		resolver:       resolver,
		notifier:       notifier,
		clock:          clock,
		logger:         logger.Named("prompt"),
		settleDelay:    settle,
		resolveTimeout: resolveTimeout,
	}
}

// Fill writes text into the prompt field and verifies the write. It returns
// true when the field confirmably holds the text, false when the clipboard
// fallback was taken instead. The only hard errors are context ones; every
// page-side failure degrades to the fallback.
func (f *Filler) Fill(ctx context.Context, text string) (bool, error) {
	if err := f.page.WaitReady(ctx); err != nil {
		return false, err
	}
	if err := f.clock.Sleep(ctx, f.settleDelay); err != nil {
		return false, err
	}

	field, err := f.resolver.AwaitResolve(ctx, selectors.RolePromptField, f.resolveTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		f.logger.Warn("Prompt field not found, falling back to clipboard", zap.Error(err))
		return false, f.fallback(ctx, text)
	}

	if err := f.write(ctx, field, text); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		f.logger.Warn("Prompt write failed, falling back to clipboard", zap.Error(err))
		return false, f.fallback(ctx, text)
	}

	if !f.verify(ctx, field, text) {
		f.logger.Warn("Prompt write could not be verified, falling back to clipboard")
		return false, f.fallback(ctx, text)
	}
	return true, nil
}

func (f *Filler) write(ctx context.Context, field dom.Element, text string) error {
	// Clear first so a previously abandoned run's text never survives.
	if err := field.SetValue(ctx, ""); err != nil {
		return err
	}
	if err := field.SetValue(ctx, text); err != nil {
		return err
	}
	// Reactive frameworks only notice the write through events.
	return field.Fire(ctx, "focus", "input", "change", "blur")
}

// verify accepts an exact match or a value containing the leading slice of
// the text, which tolerates host-side trimming and decoration.
func (f *Filler) verify(ctx context.Context, field dom.Element, text string) bool {
	got, err := field.Value(ctx)
	if err != nil {
		return false
	}
	if got == text {
		return true
	}
	prefix := text
	if r := []rune(text); len(r) > verifyPrefixLen {
		prefix = string(r[:verifyPrefixLen])
	}
	return prefix != "" && strings.Contains(got, prefix)
}

// fallback copies the text to the clipboard and leaves a sticky instruction.
// A clipboard failure is its own, distinct notification; nothing here is
// fatal to the run.
func (f *Filler) fallback(ctx context.Context, text string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := f.page.WriteClipboard(ctx, text); err != nil {
		f.logger.Error("Clipboard write failed", zap.Error(err))
		if nerr := f.notifier.ShowSticky(ctx, notify.Error,
			"Automatic fill failed and the prompt could not be copied. Copy it from the task window and paste it manually."); nerr != nil {
			f.logger.Debug("Could not show clipboard-failure notice", zap.Error(nerr))
		}
		return nil
	}
	if nerr := f.notifier.ShowSticky(ctx, notify.Info,
		"The prompt was copied to your clipboard. Click the prompt field and paste it."); nerr != nil {
		f.logger.Debug("Could not show fallback notice", zap.Error(nerr))
	}
	return nil
}
