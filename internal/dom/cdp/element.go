package cdp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/chromedp/chromedp"

	"github.com/pagepilot/pagepilot/internal/dom"
)

// element addresses a node by selector and match index, optionally scoped
// under another selector-addressed node. Every operation re-locates the node
// from scratch; a match that disappeared reports ErrDetached.
type element struct {
	p   *Page
	sel string
	idx int

	scoped   bool
	scopeSel string
	scopeIdx int
}

var _ dom.Element = (*element)(nil)

func (e *element) Selector() string { return e.sel }

// locatePrefix emits the JS that binds `el` to this element's current node,
// or returns the error envelope when it cannot.
func (e *element) locatePrefix() string {
	if e.scoped {
		return `
		var scope, els;
		try {
			scope = document.querySelectorAll(` + jsStr(e.scopeSel) + `)[` + strconv.Itoa(e.scopeIdx) + `];
			if (!scope) { return { err: "detached" }; }
			els = scope.querySelectorAll(` + jsStr(e.sel) + `);
		} catch (err) { return { err: "bad" }; }
		var el = els[` + strconv.Itoa(e.idx) + `];
		if (!el) { return { err: "detached" }; }`
	}
	return `
	var els;
	try { els = document.querySelectorAll(` + jsStr(e.sel) + `); }
	catch (err) { return { err: "bad" }; }
	var el = els[` + strconv.Itoa(e.idx) + `];
	if (!el) { return { err: "detached" }; }`
}

// evalOn runs body with `el` bound; body must return an envelope.
func (e *element) evalOn(ctx context.Context, body string, out any) error {
	js := `(function() {` + e.locatePrefix() + body + `
	})()`
	return e.p.eval(ctx, js, e.sel, out)
}

func (e *element) Tag(ctx context.Context) (string, error) {
	var tag string
	err := e.evalOn(ctx, `return { value: el.tagName.toLowerCase() };`, &tag)
	return tag, err
}

func (e *element) Text(ctx context.Context) (string, error) {
	var text string
	err := e.evalOn(ctx, `return { value: el.textContent || "" };`, &text)
	return text, err
}

func (e *element) SetText(ctx context.Context, text string) error {
	return e.evalOn(ctx, `el.textContent = `+jsStr(text)+`; return { value: true };`, nil)
}

func (e *element) Attr(ctx context.Context, name string) (string, bool, error) {
	var out struct {
		Has bool   `json:"has"`
		V   string `json:"v"`
	}
	body := `
	var v = el.getAttribute(` + jsStr(name) + `);
	return { value: { has: v !== null, v: v === null ? "" : v } };`
	if err := e.evalOn(ctx, body, &out); err != nil {
		return "", false, err
	}
	return out.V, out.Has, nil
}

func (e *element) SetAttr(ctx context.Context, name, value string) error {
	return e.evalOn(ctx, `el.setAttribute(`+jsStr(name)+`, `+jsStr(value)+`); return { value: true };`, nil)
}

func (e *element) Value(ctx context.Context) (string, error) {
	var v string
	err := e.evalOn(ctx, `return { value: el.value === undefined ? "" : String(el.value) };`, &v)
	return v, err
}

// SetValue writes through the prototype's value setter so framework-tracked
// controls (React's value tracker in particular) see the change.
func (e *element) SetValue(ctx context.Context, value string) error {
	body := `
	var proto = Object.getPrototypeOf(el);
	var desc = proto ? Object.getOwnPropertyDescriptor(proto, 'value') : null;
	if (desc && desc.set) { desc.set.call(el, ` + jsStr(value) + `); }
	else { el.value = ` + jsStr(value) + `; }
	return { value: true };`
	return e.evalOn(ctx, body, nil)
}

func (e *element) Fire(ctx context.Context, events ...string) error {
	for _, name := range events {
		body := `el.dispatchEvent(new Event(` + jsStr(name) + `, { bubbles: true })); return { value: true };`
		if err := e.evalOn(ctx, body, nil); err != nil {
			return err
		}
	}
	return nil
}

func (e *element) Click(ctx context.Context) error {
	return e.evalOn(ctx, `el.click(); return { value: true };`, nil)
}

// SetFiles materializes the synthetic files on disk and hands their paths to
// the browser. The protocol addresses the input by selector, so only the
// first match of an unscoped selector can receive files.
func (e *element) SetFiles(ctx context.Context, files []dom.File) error {
	if e.scoped || e.idx != 0 {
		return fmt.Errorf("cdp: file assignment needs a direct first-match selector, got %q[%d]", e.sel, e.idx)
	}

	dir, err := os.MkdirTemp("", "pagepilot-upload-*")
	if err != nil {
		return fmt.Errorf("cdp: stage upload files: %w", err)
	}
	defer os.RemoveAll(dir)

	paths := make([]string, 0, len(files))
	for i, f := range files {
		name := f.Name
		if name == "" {
			name = fmt.Sprintf("asset-%d", i)
		}
		path := filepath.Join(dir, filepath.Base(name))
		if err := os.WriteFile(path, f.Data, 0o600); err != nil {
			return fmt.Errorf("cdp: stage upload file %s: %w", name, err)
		}
		paths = append(paths, path)
	}

	if err := e.p.run(ctx, chromedp.SetUploadFiles(e.sel, paths, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("cdp: set files on %q: %w", e.sel, err)
	}
	return nil
}

func (e *element) QueryAll(ctx context.Context, selector string) ([]dom.Element, error) {
	scopeSel, scopeIdx, childSel := e.sel, e.idx, selector
	if e.scoped {
		// Deeper nesting folds into a descendant chain under the original
		// scope. Good enough for the link shapes we walk.
		scopeSel, scopeIdx = e.scopeSel, e.scopeIdx
		childSel = e.sel + " " + selector
	}

	body := `
	var n;
	try { n = el.querySelectorAll(` + jsStr(selector) + `).length; }
	catch (err) { return { err: "bad" }; }
	return { value: n };`
	var n int
	if err := e.evalOn(ctx, body, &n); err != nil {
		return nil, err
	}

	els := make([]dom.Element, 0, n)
	for i := 0; i < n; i++ {
		els = append(els, &element{
			p: e.p, sel: childSel, idx: i,
			scoped: true, scopeSel: scopeSel, scopeIdx: scopeIdx,
		})
	}
	return els, nil
}

func (e *element) Remove(ctx context.Context) error {
	return e.evalOn(ctx, `el.remove(); return { value: true };`, nil)
}
