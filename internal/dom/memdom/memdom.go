// Package memdom is an in-memory implementation of the dom capability set,
// built from HTML fixtures. It exists so the resolution and monitoring
// algorithms can be exercised without a rendering engine: mutations are
// explicit method calls, the clock is controllable, and synthetic events are
// recorded instead of dispatched.
package memdom

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/pagepilot/pagepilot/internal/dom"
)

type node struct {
	tag      string // empty for text nodes
	text     string // text nodes only
	attrs    map[string]string
	parent   *node
	children []*node

	value   string // form-control value
	fired   []string
	files   []dom.File
	removed bool
}

// Page is an in-memory dom.Page.
type Page struct {
	mu       sync.Mutex
	root     *node
	location string

	subs    map[int]chan struct{}
	nextSub int

	bindings  map[string]func(payload string)
	clipboard string
	clipErr   error

	session map[string]string
}

var _ dom.Page = (*Page)(nil)

// New parses pageHTML into a Page rooted at the resulting document.
func New(pageHTML string) (*Page, error) {
	doc, err := html.Parse(strings.NewReader(pageHTML))
	if err != nil {
		return nil, fmt.Errorf("memdom: parse page: %w", err)
	}
	p := &Page{
		location: "https://example.test/",
		subs:     make(map[int]chan struct{}),
		bindings: make(map[string]func(string)),
		session:  make(map[string]string),
	}
	p.root = convert(doc, nil)
	return p, nil
}

// MustNew is New for test fixtures that are known-good literals.
func MustNew(pageHTML string) *Page {
	p, err := New(pageHTML)
	if err != nil {
		panic(err)
	}
	return p
}

func convert(hn *html.Node, parent *node) *node {
	var n *node
	switch hn.Type {
	case html.DocumentNode:
		n = &node{tag: "#document", parent: parent}
	case html.ElementNode:
		n = &node{tag: strings.ToLower(hn.Data), attrs: map[string]string{}, parent: parent}
		for _, a := range hn.Attr {
			n.attrs[strings.ToLower(a.Key)] = a.Val
		}
		n.value = n.attrs["value"]
	case html.TextNode:
		return &node{tag: "", text: hn.Data, parent: parent}
	default:
		return nil
	}
	for c := hn.FirstChild; c != nil; c = c.NextSibling {
		if cn := convert(c, n); cn != nil {
			n.children = append(n.children, cn)
		}
	}
	if n.tag == "textarea" {
		n.value = collectText(n)
	}
	return n
}

func collectText(n *node) string {
	var b strings.Builder
	var walk func(*node)
	walk = func(x *node) {
		if x.tag == "" {
			b.WriteString(x.text)
			return
		}
		for _, c := range x.children {
			walk(c)
		}
	}
	for _, c := range n.children {
		walk(c)
	}
	return b.String()
}

// -- querying --

func (p *Page) Query(ctx context.Context, selector string) (dom.Element, error) {
	els, err := p.queryAll(selector, 1)
	if err != nil {
		return nil, err
	}
	if len(els) == 0 {
		return nil, fmt.Errorf("%w: %q", dom.ErrNoMatch, selector)
	}
	return els[0], nil
}

func (p *Page) QueryAll(ctx context.Context, selector string) ([]dom.Element, error) {
	return p.queryAll(selector, -1)
}

func (p *Page) queryAll(selector string, limit int) ([]dom.Element, error) {
	list, err := parseSelectorList(selector)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []dom.Element
	p.walk(p.root, func(n *node) bool {
		for _, sel := range list {
			if sel.matches(n) {
				out = append(out, &element{p: p, n: n, sel: selector})
				break
			}
		}
		return limit < 0 || len(out) < limit
	})
	return out, nil
}

// walk visits element nodes in document order until fn returns false.
func (p *Page) walk(n *node, fn func(*node) bool) bool {
	if n == nil || n.removed {
		return true
	}
	if n.tag != "" && n.tag != "#document" {
		if !fn(n) {
			return false
		}
	}
	for _, c := range n.children {
		if !p.walk(c, fn) {
			return false
		}
	}
	return true
}

// -- injection and mutation --

func (p *Page) InsertHTML(ctx context.Context, containerSelector, fragment string) (dom.Element, error) {
	container, err := p.Query(ctx, containerSelector)
	if err != nil {
		return nil, err
	}
	cn := container.(*element).n

	ctxNode := &html.Node{Type: html.ElementNode, DataAtom: atom.Div, Data: "div"}
	nodes, err := html.ParseFragment(strings.NewReader(fragment), ctxNode)
	if err != nil {
		return nil, fmt.Errorf("memdom: parse fragment: %w", err)
	}

	p.mu.Lock()
	var first *node
	for _, hn := range nodes {
		n := convert(hn, cn)
		if n == nil {
			continue
		}
		cn.children = append(cn.children, n)
		if first == nil && n.tag != "" {
			first = n
		}
	}
	p.mu.Unlock()
	if first == nil {
		return nil, fmt.Errorf("memdom: fragment %q contains no element", fragment)
	}
	p.notifyMutation()
	return &element{p: p, n: first, sel: syntheticSelector(first)}, nil
}

func syntheticSelector(n *node) string {
	if id := n.attrs["id"]; id != "" {
		return "#" + id
	}
	return n.tag
}

func (p *Page) notifyMutation() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subs {
		select {
		case ch <- struct{}{}:
		default: // batch coalesced with a pending tick
		}
	}
}

// -- observation --

func (p *Page) Observe(ctx context.Context) (<-chan struct{}, func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSub
	p.nextSub++
	ch := make(chan struct{}, 1)
	p.subs[id] = ch
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

// SubscriberCount reports the live mutation subscriptions; tests use it to
// prove the single-subscription invariant.
func (p *Page) SubscriberCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

// -- page state --

func (p *Page) WaitReady(ctx context.Context) error { return ctx.Err() }

func (p *Page) Location(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.location, nil
}

// SetLocation simulates a same-document navigation: the URL changes and the
// host app's re-render produces a mutation tick.
func (p *Page) SetLocation(url string) {
	p.mu.Lock()
	p.location = url
	p.mu.Unlock()
	p.notifyMutation()
}

func (p *Page) OnCall(name string, fn func(payload string)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bindings[name] = fn
	return nil
}

// Call invokes a registered binding directly, as a page script would.
func (p *Page) Call(name, payload string) error {
	p.mu.Lock()
	fn, ok := p.bindings[name]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("memdom: no binding %q", name)
	}
	fn(payload)
	return nil
}

func (p *Page) WriteClipboard(ctx context.Context, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.clipErr != nil {
		return p.clipErr
	}
	p.clipboard = text
	return nil
}

// Clipboard returns the last text written to the fake clipboard.
func (p *Page) Clipboard() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clipboard
}

// FailClipboard makes subsequent clipboard writes return err.
func (p *Page) FailClipboard(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clipErr = err
}

// -- session storage --

func (p *Page) SessionGet(ctx context.Context, key string) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.session[key]
	return v, ok, nil
}

func (p *Page) SessionSet(ctx context.Context, key, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.session[key] = value
	return nil
}

func (p *Page) SessionRemove(ctx context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.session, key)
	return nil
}

func (p *Page) SessionKeys(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.session))
	for k := range p.session {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// -- element --

type element struct {
	p   *Page
	n   *node
	sel string
}

var _ dom.Element = (*element)(nil)

func (e *element) Selector() string { return e.sel }

func (e *element) Tag(ctx context.Context) (string, error) {
	return e.n.tag, nil
}

func (e *element) Text(ctx context.Context) (string, error) {
	e.p.mu.Lock()
	defer e.p.mu.Unlock()
	return collectText(e.n), nil
}

func (e *element) SetText(ctx context.Context, text string) error {
	e.p.mu.Lock()
	e.n.children = []*node{{text: text, parent: e.n}}
	e.p.mu.Unlock()
	return nil
}

func (e *element) Attr(ctx context.Context, name string) (string, bool, error) {
	e.p.mu.Lock()
	defer e.p.mu.Unlock()
	v, ok := e.n.attrs[strings.ToLower(name)]
	return v, ok, nil
}

func (e *element) SetAttr(ctx context.Context, name, value string) error {
	e.p.mu.Lock()
	defer e.p.mu.Unlock()
	if e.n.attrs == nil {
		e.n.attrs = map[string]string{}
	}
	e.n.attrs[strings.ToLower(name)] = value
	return nil
}

func (e *element) Value(ctx context.Context) (string, error) {
	e.p.mu.Lock()
	defer e.p.mu.Unlock()
	return e.n.value, nil
}

func (e *element) SetValue(ctx context.Context, value string) error {
	e.p.mu.Lock()
	defer e.p.mu.Unlock()
	if e.n.removed {
		return dom.ErrDetached
	}
	e.n.value = value
	return nil
}

func (e *element) Fire(ctx context.Context, events ...string) error {
	e.p.mu.Lock()
	defer e.p.mu.Unlock()
	e.n.fired = append(e.n.fired, events...)
	return nil
}

// Click records the event and, when the element's onclick attribute names a
// registered binding, invokes it the way a page script would.
func (e *element) Click(ctx context.Context) error {
	e.p.mu.Lock()
	e.n.fired = append(e.n.fired, "click")
	onclick := e.n.attrs["onclick"]
	var fns []func(string)
	for name, fn := range e.p.bindings {
		if strings.Contains(onclick, name) {
			fns = append(fns, fn)
		}
	}
	e.p.mu.Unlock()
	// Callbacks run unlocked; handlers query the page.
	for _, fn := range fns {
		fn("")
	}
	return nil
}

func (e *element) SetFiles(ctx context.Context, files []dom.File) error {
	e.p.mu.Lock()
	defer e.p.mu.Unlock()
	if e.n.removed {
		return dom.ErrDetached
	}
	e.n.files = append([]dom.File(nil), files...)
	return nil
}

func (e *element) QueryAll(ctx context.Context, selector string) ([]dom.Element, error) {
	list, err := parseSelectorList(selector)
	if err != nil {
		return nil, err
	}
	e.p.mu.Lock()
	defer e.p.mu.Unlock()
	var out []dom.Element
	for _, c := range e.n.children {
		e.p.walk(c, func(n *node) bool {
			for _, sel := range list {
				if sel.matches(n) {
					out = append(out, &element{p: e.p, n: n, sel: selector})
					break
				}
			}
			return true
		})
	}
	return out, nil
}

func (e *element) Remove(ctx context.Context) error {
	e.p.mu.Lock()
	e.n.removed = true
	if par := e.n.parent; par != nil {
		for i, c := range par.children {
			if c == e.n {
				par.children = append(par.children[:i], par.children[i+1:]...)
				break
			}
		}
	}
	e.p.mu.Unlock()
	e.p.notifyMutation()
	return nil
}

// -- test helpers --

// FiredEvents lists the synthetic events recorded on el, in dispatch order.
func FiredEvents(el dom.Element) []string {
	e := el.(*element)
	e.p.mu.Lock()
	defer e.p.mu.Unlock()
	return append([]string(nil), e.n.fired...)
}

// Files returns the file list last assigned to el.
func Files(el dom.Element) []dom.File {
	e := el.(*element)
	e.p.mu.Lock()
	defer e.p.mu.Unlock()
	return append([]dom.File(nil), e.n.files...)
}
