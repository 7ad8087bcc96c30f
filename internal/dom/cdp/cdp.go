// Package cdp implements the dom capability set against a live Chrome tab
// over the DevTools protocol. Elements are addressed by selector and match
// index and re-located on every operation; the page mutates underneath us
// and holding protocol node handles across mutations is how you get stale
// references.
package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/pagepilot/pagepilot/internal/dom"
)

const mutationBinding = "__pagepilotMutation"

// installObserverJS arms one coalescing MutationObserver per document. The
// 50ms debounce mirrors how fast the studio re-renders in bursts.
const installObserverJS = `(function() {
	if (window.__pagepilotObserver) { return true; }
	var scheduled = false;
	var mo = new MutationObserver(function() {
		if (scheduled) { return; }
		scheduled = true;
		setTimeout(function() {
			scheduled = false;
			if (window.` + mutationBinding + `) { window.` + mutationBinding + `(''); }
		}, 50);
	});
	mo.observe(document.documentElement, { childList: true, subtree: true });
	window.__pagepilotObserver = mo;
	return true;
})()`

// Page is a dom.Page bound to one tab context.
type Page struct {
	ctx    context.Context
	logger *zap.Logger

	mu       sync.Mutex
	bindings map[string]func(payload string)
	subs     map[int]chan struct{}
	nextSub  int
	observed bool
}

var _ dom.Page = (*Page)(nil)

// Attach wraps an established chromedp tab context. The caller owns the
// context's lifetime; canceling it detaches everything.
func Attach(ctx context.Context, logger *zap.Logger) *Page {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Page{
		ctx:      ctx,
		logger:   logger.Named("cdp"),
		bindings: make(map[string]func(string)),
		subs:     make(map[int]chan struct{}),
	}
	chromedp.ListenTarget(ctx, p.onTargetEvent)
	return p
}

func (p *Page) onTargetEvent(ev any) {
	call, ok := ev.(*runtime.EventBindingCalled)
	if !ok {
		return
	}
	if call.Name == mutationBinding {
		p.fanout()
		return
	}
	p.mu.Lock()
	fn := p.bindings[call.Name]
	p.mu.Unlock()
	if fn != nil {
		// Handlers query the page; never run them on the listener goroutine.
		go fn(call.Payload)
	}
}

func (p *Page) fanout() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subs {
		select {
		case ch <- struct{}{}:
		default: // batch coalesced with a pending tick
		}
	}
}

// jsStr renders s as a JavaScript string literal.
func jsStr(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// evalEnvelope is the uniform return shape of the injected snippets.
type evalEnvelope struct {
	Err   string          `json:"err,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

func envelopeErr(code, selector string) error {
	switch code {
	case "":
		return nil
	case "bad":
		return fmt.Errorf("%w: %q", dom.ErrBadSelector, selector)
	case "nomatch":
		return fmt.Errorf("%w: %q", dom.ErrNoMatch, selector)
	case "detached":
		return fmt.Errorf("%w: %q", dom.ErrDetached, selector)
	default:
		return fmt.Errorf("cdp: %s", code)
	}
}

// eval runs a snippet that returns an evalEnvelope and decodes value into
// out (when out is non-nil).
func (p *Page) eval(ctx context.Context, js, selector string, out any) error {
	var env evalEnvelope
	if err := p.run(ctx, chromedp.Evaluate(js, &env)); err != nil {
		return fmt.Errorf("cdp: evaluate: %w", err)
	}
	if err := envelopeErr(env.Err, selector); err != nil {
		return err
	}
	if out != nil && env.Value != nil {
		if err := json.Unmarshal(env.Value, out); err != nil {
			return fmt.Errorf("cdp: decode result: %w", err)
		}
	}
	return nil
}

// run executes actions bound to both the tab's lifetime and the caller's
// deadline.
func (p *Page) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := mergeContexts(p.ctx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

// mergeContexts keeps the tab context's chromedp machinery but adopts the
// caller's cancellation.
func mergeContexts(tab, call context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(tab)
	stop := context.AfterFunc(call, cancel)
	return merged, func() { stop(); cancel() }
}

// -- querying --

func (p *Page) Query(ctx context.Context, selector string) (dom.Element, error) {
	n, err := p.countMatches(ctx, selector)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: %q", dom.ErrNoMatch, selector)
	}
	return &element{p: p, sel: selector, idx: 0}, nil
}

func (p *Page) QueryAll(ctx context.Context, selector string) ([]dom.Element, error) {
	n, err := p.countMatches(ctx, selector)
	if err != nil {
		return nil, err
	}
	els := make([]dom.Element, 0, n)
	for i := 0; i < n; i++ {
		els = append(els, &element{p: p, sel: selector, idx: i})
	}
	return els, nil
}

func (p *Page) countMatches(ctx context.Context, selector string) (int, error) {
	js := `(function() {
		try { return { value: document.querySelectorAll(` + jsStr(selector) + `).length }; }
		catch (e) { return { err: "bad" }; }
	})()`
	var n int
	if err := p.eval(ctx, js, selector, &n); err != nil {
		return 0, err
	}
	return n, nil
}

// -- injection --

func (p *Page) InsertHTML(ctx context.Context, containerSelector, html string) (dom.Element, error) {
	js := `(function() {
		var c;
		try { c = document.querySelector(` + jsStr(containerSelector) + `); }
		catch (e) { return { err: "bad" }; }
		if (!c) { return { err: "nomatch" }; }
		c.insertAdjacentHTML('beforeend', ` + jsStr(html) + `);
		var el = c.lastElementChild;
		if (!el) { return { err: "fragment contains no element" }; }
		return { value: el.id ? ('#' + el.id) : el.tagName.toLowerCase() };
	})()`
	var sel string
	if err := p.eval(ctx, js, containerSelector, &sel); err != nil {
		return nil, err
	}
	return &element{p: p, sel: sel, idx: 0}, nil
}

// -- observation --

func (p *Page) Observe(ctx context.Context) (<-chan struct{}, func(), error) {
	if err := p.ensureObserver(ctx); err != nil {
		return nil, nil, err
	}

	p.mu.Lock()
	id := p.nextSub
	p.nextSub++
	ch := make(chan struct{}, 1)
	p.subs[id] = ch
	p.mu.Unlock()

	stop := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if _, ok := p.subs[id]; ok {
			delete(p.subs, id)
			close(ch)
		}
	}
	return ch, stop, nil
}

func (p *Page) ensureObserver(ctx context.Context) error {
	p.mu.Lock()
	installed := p.observed
	p.observed = true
	p.mu.Unlock()
	if installed {
		return nil
	}

	err := p.run(ctx,
		chromedp.ActionFunc(func(c context.Context) error {
			return runtime.AddBinding(mutationBinding).Do(c)
		}),
		chromedp.Evaluate(installObserverJS, nil),
	)
	if err != nil {
		p.mu.Lock()
		p.observed = false
		p.mu.Unlock()
		return fmt.Errorf("cdp: install mutation observer: %w", err)
	}
	return nil
}

// -- page state --

func (p *Page) WaitReady(ctx context.Context) error {
	if err := p.run(ctx, chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		return fmt.Errorf("cdp: wait ready: %w", err)
	}
	return nil
}

func (p *Page) Location(ctx context.Context) (string, error) {
	var loc string
	if err := p.run(ctx, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("cdp: location: %w", err)
	}
	return loc, nil
}

func (p *Page) OnCall(name string, fn func(payload string)) error {
	p.mu.Lock()
	p.bindings[name] = fn
	p.mu.Unlock()

	err := p.run(p.ctx, chromedp.ActionFunc(func(c context.Context) error {
		return runtime.AddBinding(name).Do(c)
	}))
	if err != nil {
		return fmt.Errorf("cdp: add binding %s: %w", name, err)
	}
	return nil
}

func (p *Page) WriteClipboard(ctx context.Context, text string) error {
	js := `navigator.clipboard.writeText(` + jsStr(text) + `).then(function() { return true; })`
	err := p.run(ctx, chromedp.Evaluate(js, nil, func(ep *runtime.EvaluateParams) *runtime.EvaluateParams {
		return ep.WithAwaitPromise(true)
	}))
	if err != nil {
		return fmt.Errorf("cdp: clipboard write: %w", err)
	}
	return nil
}

// -- session storage --

func (p *Page) SessionGet(ctx context.Context, key string) (string, bool, error) {
	js := `(function() {
		var v = sessionStorage.getItem(` + jsStr(key) + `);
		return { value: { has: v !== null, v: v === null ? "" : v } };
	})()`
	var out struct {
		Has bool   `json:"has"`
		V   string `json:"v"`
	}
	if err := p.eval(ctx, js, key, &out); err != nil {
		return "", false, err
	}
	return out.V, out.Has, nil
}

func (p *Page) SessionSet(ctx context.Context, key, value string) error {
	js := `(function() {
		sessionStorage.setItem(` + jsStr(key) + `, ` + jsStr(value) + `);
		return { value: true };
	})()`
	return p.eval(ctx, js, key, nil)
}

func (p *Page) SessionRemove(ctx context.Context, key string) error {
	js := `(function() {
		sessionStorage.removeItem(` + jsStr(key) + `);
		return { value: true };
	})()`
	return p.eval(ctx, js, key, nil)
}

func (p *Page) SessionKeys(ctx context.Context) ([]string, error) {
	js := `(function() {
		var keys = [];
		for (var i = 0; i < sessionStorage.length; i++) { keys.push(sessionStorage.key(i)); }
		keys.sort();
		return { value: keys };
	})()`
	var keys []string
	if err := p.eval(ctx, js, "", &keys); err != nil {
		return nil, err
	}
	return keys, nil
}
