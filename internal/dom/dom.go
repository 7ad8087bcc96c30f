// Package dom defines the narrow capability surface the automation core
// needs from a live document. The algorithms above it (resolution, filling,
// monitoring) never touch a rendering engine directly; they run equally
// against the chromedp-backed implementation in dom/cdp and the in-memory
// one in dom/memdom.
package dom

import (
	"context"
	"errors"
)

var (
	// ErrNoMatch means the selector was valid but matched nothing.
	ErrNoMatch = errors.New("dom: no element matches selector")
	// ErrBadSelector means the selector expression is not supported by the
	// engine. Resolvers skip these candidates rather than failing the role.
	ErrBadSelector = errors.New("dom: unsupported selector expression")
	// ErrDetached means the element no longer exists in the document. The
	// DOM may mutate between resolution and use; callers re-resolve.
	ErrDetached = errors.New("dom: element detached from document")
)

// File carries in-memory file content for synthetic file-selection.
type File struct {
	Name string
	MIME string
	Data []byte
}

// Querier finds elements by selector expression.
type Querier interface {
	// Query returns the first match in document order, ErrNoMatch if the
	// selector matches nothing, or ErrBadSelector for unsupported syntax.
	Query(ctx context.Context, selector string) (Element, error)
	// QueryAll returns every match in document order. A valid selector with
	// no matches yields an empty slice, not an error.
	QueryAll(ctx context.Context, selector string) ([]Element, error)
}

// Injector adds markup to the live document.
type Injector interface {
	// InsertHTML parses html and appends the resulting element to the first
	// element matching containerSelector, returning the inserted element.
	InsertHTML(ctx context.Context, containerSelector, html string) (Element, error)
}

// Observer exposes subtree childList mutation batches. The channel carries
// one (coalesced) signal per batch; stop tears the subscription down and
// closes the channel.
type Observer interface {
	Observe(ctx context.Context) (ticks <-chan struct{}, stop func(), err error)
}

// SessionStorage is the page-session-scoped key-value store.
type SessionStorage interface {
	SessionGet(ctx context.Context, key string) (value string, ok bool, err error)
	SessionSet(ctx context.Context, key, value string) error
	SessionRemove(ctx context.Context, key string) error
	SessionKeys(ctx context.Context) ([]string, error)
}

// Page is the full capability set of one attached document.
type Page interface {
	Querier
	Injector
	Observer
	SessionStorage

	// WaitReady blocks until the document has finished loading.
	WaitReady(ctx context.Context) error
	// Location returns the document's current URL. Same-document navigation
	// changes it without a reload.
	Location(ctx context.Context) (string, error)
	// OnCall exposes fn to page scripts under the given binding name.
	// Page-injected affordances (the manual save button) call back through
	// these bindings.
	OnCall(name string, fn func(payload string)) error
	// WriteClipboard places text on the system clipboard.
	WriteClipboard(ctx context.Context, text string) error
}

// Element is one resolved node. Nothing about it is assumed to stay valid
// after control returns to the caller.
type Element interface {
	// Selector reports the expression that resolved this element, for logs
	// and re-resolution after a known reflow.
	Selector() string

	Tag(ctx context.Context) (string, error)
	Text(ctx context.Context) (string, error)
	SetText(ctx context.Context, text string) error
	Attr(ctx context.Context, name string) (value string, ok bool, err error)
	SetAttr(ctx context.Context, name, value string) error

	// Value and SetValue address form-control values. SetValue writes the
	// raw value only; callers fire synthetic events themselves.
	Value(ctx context.Context) (string, error)
	SetValue(ctx context.Context, value string) error

	// Fire dispatches synthetic events ("input", "change", "focus", "blur")
	// so the host page's reactive listeners observe the write.
	Fire(ctx context.Context, events ...string) error
	Click(ctx context.Context) error

	// SetFiles assigns a synthetic file list to a file input control.
	SetFiles(ctx context.Context, files []File) error

	// QueryAll searches beneath this element (nested-anchor link shapes).
	QueryAll(ctx context.Context, selector string) ([]Element, error)

	// Remove detaches the element from the document.
	Remove(ctx context.Context) error
}
