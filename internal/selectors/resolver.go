package selectors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pagepilot/pagepilot/internal/dom"
)

var (
	// ErrNotFound means no candidate matched right now.
	ErrNotFound = errors.New("selectors: no element for role")
	// ErrResolveTimeout means no candidate matched within the bound. It is
	// non-fatal by design; callers fall back (clipboard, per-item skip).
	ErrResolveTimeout = errors.New("selectors: resolve timed out")
	// ErrNoCandidates means the role has no selectors at all. This must
	// never degrade into an unbounded wait.
	ErrNoCandidates = errors.New("selectors: role has no candidates")
)

// DefaultPollInterval is the fixed re-check cadence for bounded waits.
const DefaultPollInterval = 100 * time.Millisecond

// Resolver finds elements for roles against a live document.
type Resolver struct {
	q       dom.Querier
	catalog *Catalog
	clock   dom.Clock
	poll    time.Duration
	logger  *zap.Logger
}

// New creates a Resolver. A poll of zero selects DefaultPollInterval.
func New(q dom.Querier, catalog *Catalog, clock dom.Clock, poll time.Duration, logger *zap.Logger) *Resolver {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		q:       q,
		catalog: catalog,
		clock:   clock,
		poll:    poll,
		logger:  logger.Named("resolver"),
	}
}

// Resolve returns the first element matched by the role's candidates, in
// priority order. Unsupported selector expressions are skipped, not fatal:
// the catalog carries guesses for several generations of the target UI and
// an engine may reject some of them.
func (r *Resolver) Resolve(ctx context.Context, role Role) (dom.Element, error) {
	candidates := r.catalog.Candidates(role)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoCandidates, role)
	}
	for _, sel := range candidates {
		el, err := r.q.Query(ctx, sel)
		if err == nil {
			return el, nil
		}
		if errors.Is(err, dom.ErrBadSelector) {
			r.logger.Debug("Skipping unsupported selector candidate",
				zap.String("role", string(role)), zap.String("selector", sel))
			continue
		}
		if !errors.Is(err, dom.ErrNoMatch) {
			r.logger.Debug("Selector query failed",
				zap.String("role", string(role)), zap.String("selector", sel), zap.Error(err))
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrNotFound, role)
}

// AwaitResolve polls Resolve at the fixed interval until a candidate matches
// or timeout elapses. Elements are not assumed to stay valid after return;
// callers re-resolve after known reflows.
func (r *Resolver) AwaitResolve(ctx context.Context, role Role, timeout time.Duration) (dom.Element, error) {
	deadline := r.clock.Now().Add(timeout)
	for {
		el, err := r.Resolve(ctx, role)
		if err == nil {
			return el, nil
		}
		if errors.Is(err, ErrNoCandidates) {
			return nil, err
		}
		if !r.clock.Now().Before(deadline) {
			return nil, fmt.Errorf("%w: role %q after %s", ErrResolveTimeout, role, timeout)
		}
		if err := r.clock.Sleep(ctx, r.poll); err != nil {
			return nil, err
		}
	}
}
