// Package assets fetches referenced media and injects it into the target
// application's upload control, one asset at a time. Failures are scoped to
// the item that caused them; the batch always runs to the end.
package assets

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pagepilot/pagepilot/api/schemas"
	"github.com/pagepilot/pagepilot/internal/dom"
	"github.com/pagepilot/pagepilot/internal/notify"
	"github.com/pagepilot/pagepilot/internal/selectors"
)

const (
	// DefaultSettleDelay follows each injection so the host page's upload
	// handling can catch up before the next item.
	DefaultSettleDelay = time.Second
	// DefaultInterItemDelay separates consecutive assets. The host owns the
	// upload pipeline; pacing is ours to respect.
	DefaultInterItemDelay = 2 * time.Second
	// DefaultResolveTimeout bounds the wait for the file input per item.
	DefaultResolveTimeout = 5 * time.Second
	// defaultFetchRate caps outbound asset fetches per second.
	defaultFetchRate = 2
)

// Doer issues HTTP requests; *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Resolver finds the upload control.
type Resolver interface {
	AwaitResolve(ctx context.Context, role selectors.Role, timeout time.Duration) (dom.Element, error)
}

// Loader injects assets sequentially with continue-on-error semantics.
type Loader struct {
	client   Doer
	limiter  *rate.Limiter
	resolver Resolver
	notifier notify.Notifier
	clock    dom.Clock
	logger   *zap.Logger

	settleDelay    time.Duration
	interItemDelay time.Duration
	resolveTimeout time.Duration
}

// NewLoader creates a Loader. Zero durations select the defaults; a nil
// client selects http.DefaultClient.
func NewLoader(client Doer, resolver Resolver, notifier notify.Notifier, clock dom.Clock, settle, interItem, resolveTimeout time.Duration, logger *zap.Logger) *Loader {
	if client == nil {
		client = http.DefaultClient
	}
	if settle <= 0 {
		settle = DefaultSettleDelay
	}
	if interItem <= 0 {
		interItem = DefaultInterItemDelay
	}
	if resolveTimeout <= 0 {
		resolveTimeout = DefaultResolveTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		client:         client,
		limiter:        rate.NewLimiter(rate.Limit(defaultFetchRate), 1),
		resolver:       resolver,
		notifier:       notifier,
		clock:          clock,
		logger:         logger.Named("assets"),
		settleDelay:    settle,
		interItemDelay: interItem,
		resolveTimeout: resolveTimeout,
	}
}

// Load processes every asset in order and returns how many succeeded. It is
// a no-op on empty input: no notifications, no delays. The only returned
// errors are context ones; per-item failures are notified and counted.
func (l *Loader) Load(ctx context.Context, assets []schemas.AssetDescriptor) (int, error) {
	if len(assets) == 0 {
		return 0, nil
	}

	succeeded := 0
	for i, asset := range assets {
		if err := ctx.Err(); err != nil {
			return succeeded, err
		}
		if err := l.loadOne(ctx, asset); err != nil {
			if ctx.Err() != nil {
				return succeeded, ctx.Err()
			}
			l.logger.Warn("Asset failed, continuing with the rest",
				zap.Int("index", i), zap.String("filename", asset.Filename), zap.Error(err))
			l.notifyErr(ctx, fmt.Sprintf("Asset %d of %d (%s) could not be loaded.", i+1, len(assets), asset.Filename))
		} else {
			succeeded++
		}
		// Inter-item pacing applies between items, not after the last.
		if i < len(assets)-1 {
			if err := l.clock.Sleep(ctx, l.interItemDelay); err != nil {
				return succeeded, err
			}
		}
	}

	if succeeded == len(assets) {
		l.notify(ctx, notify.Success, fmt.Sprintf("All %d assets loaded.", len(assets)))
	} else {
		l.notify(ctx, notify.Info, fmt.Sprintf("Loaded %d of %d assets.", succeeded, len(assets)))
	}
	return succeeded, nil
}

func (l *Loader) loadOne(ctx context.Context, asset schemas.AssetDescriptor) error {
	data, err := l.fetch(ctx, asset.URL)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", asset.URL, err)
	}

	input, err := l.resolver.AwaitResolve(ctx, selectors.RoleFileInput, l.resolveTimeout)
	if err != nil {
		return fmt.Errorf("file input: %w", err)
	}

	file := dom.File{
		Name: asset.Filename,
		MIME: mimeByExtension(asset.Filename),
		Data: data,
	}
	if err := input.SetFiles(ctx, []dom.File{file}); err != nil {
		return fmt.Errorf("inject %s: %w", asset.Filename, err)
	}
	if err := input.Fire(ctx, "input", "change"); err != nil {
		return fmt.Errorf("events for %s: %w", asset.Filename, err)
	}

	return l.clock.Sleep(ctx, l.settleDelay)
}

func (l *Loader) fetch(ctx context.Context, url string) ([]byte, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (l *Loader) notify(ctx context.Context, kind notify.Kind, text string) {
	if err := l.notifier.Show(ctx, kind, text); err != nil {
		l.logger.Debug("Could not show asset notification", zap.Error(err))
	}
}

func (l *Loader) notifyErr(ctx context.Context, text string) {
	if err := l.notifier.Show(ctx, notify.Error, text); err != nil {
		l.logger.Debug("Could not show asset error notification", zap.Error(err))
	}
}

// mimeByExtension tags content by filename extension alone; the descriptor
// carries no content type and sniffing bytes is not worth the ambiguity.
func mimeByExtension(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if t := mime.TypeByExtension(ext); t != "" {
		if i := strings.IndexByte(t, ';'); i >= 0 {
			t = t[:i]
		}
		return t
	}
	switch ext {
	case ".mp4":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	case ".webm":
		return "video/webm"
	case ".webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}
