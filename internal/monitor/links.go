package monitor

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/pagepilot/pagepilot/api/schemas"
	"github.com/pagepilot/pagepilot/internal/dom"
	"github.com/pagepilot/pagepilot/internal/selectors"
)

// Extract takes one synchronous snapshot of the publication links currently
// on the page. It works whether or not monitoring is active; the messaging
// layer uses it to answer on-demand link queries.
func (m *Monitor) Extract(ctx context.Context) schemas.LinkSnapshot {
	snap := schemas.LinkSnapshot{
		ShareLink:    m.linkForRole(ctx, selectors.RoleShareLink),
		DownloadLink: m.linkForRole(ctx, selectors.RoleDownloadLink),
	}
	if snap.Empty() {
		snap = m.scanAnchors(ctx)
	}
	return snap
}

// linkForRole resolves the role and pulls a URL out of whatever shape the
// studio currently renders: a plain anchor, a button carrying the URL in a
// data attribute, or a wrapper with an anchor nested inside.
func (m *Monitor) linkForRole(ctx context.Context, role selectors.Role) string {
	el, err := m.resolver.Resolve(ctx, role)
	if err != nil {
		return ""
	}
	url, err := urlFromElement(ctx, el)
	if err != nil {
		m.logger.Debug("Could not read link element",
			zap.String("role", string(role)), zap.String("selector", el.Selector()), zap.Error(err))
		return ""
	}
	return url
}

func urlFromElement(ctx context.Context, el dom.Element) (string, error) {
	tag, err := el.Tag(ctx)
	if err != nil {
		return "", err
	}
	if tag == "a" {
		href, _, err := el.Attr(ctx, "href")
		return href, err
	}
	for _, attr := range []string{"data-share-url", "data-download-url", "data-url"} {
		if v, ok, err := el.Attr(ctx, attr); err != nil {
			return "", err
		} else if ok && v != "" {
			return v, nil
		}
	}
	nested, err := el.QueryAll(ctx, "a")
	if err != nil || len(nested) == 0 {
		return "", err
	}
	href, _, err := nested[0].Attr(ctx, "href")
	return href, err
}

// scanAnchors is the last-resort heuristic when no cataloged shape matches:
// walk every anchor and take the first whose href smells like a share or
// download URL. First match wins per kind, document order.
func (m *Monitor) scanAnchors(ctx context.Context) schemas.LinkSnapshot {
	anchors, err := m.page.QueryAll(ctx, "a")
	if err != nil {
		return schemas.LinkSnapshot{}
	}
	var snap schemas.LinkSnapshot
	for _, a := range anchors {
		href, ok, err := a.Attr(ctx, "href")
		if err != nil || !ok || href == "" {
			continue
		}
		lower := strings.ToLower(href)
		if snap.ShareLink == "" && strings.Contains(lower, "share") {
			snap.ShareLink = href
		}
		if snap.DownloadLink == "" && strings.Contains(lower, "download") {
			snap.DownloadLink = href
		}
		if snap.ShareLink != "" && snap.DownloadLink != "" {
			break
		}
	}
	return snap
}
