package memdom

import (
	"context"
	"testing"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
)

// FuzzParseSelector throws arbitrary byte strings at the selector engine.
// Invalid expressions must come back as errors, never as panics; resolution
// treats bad candidates as skippable, which only works if parsing is total.
func FuzzParseSelector(f *testing.F) {
	f.Add("textarea#x")
	f.Add("div.panel a[href*='share']")
	f.Add("#a, .b, c[d=e]")
	f.Add("a:visited")
	f.Add("[[[")

	page := MustNew(`<html><body><div class="panel"><a href="https://s/share/1"></a></div></body></html>`)

	f.Fuzz(func(t *testing.T, selector string) {
		defer func() {
			if r := recover(); r != nil {
				t.Errorf("selector %q paniced: %v", selector, r)
			}
		}()
		if _, err := parseSelectorList(selector); err != nil {
			return
		}
		// Parseable selectors must also be matchable without panicking.
		_, _ = page.QueryAll(context.Background(), selector)
	})
}

// FuzzParseSelector_Structured drives the parser with consumer-shaped input
// so compound fragments get exercised together.
func FuzzParseSelector_Structured(f *testing.F) {
	f.Fuzz(func(t *testing.T, data []byte) {
		fuzzConsumer := fuzz.NewConsumer(data)
		var parts struct {
			Tag  string
			ID   string
			Attr string
			Val  string
		}
		if err := fuzzConsumer.GenerateStruct(&parts); err != nil {
			return
		}
		sel := parts.Tag + "#" + parts.ID + "[" + parts.Attr + "*=" + parts.Val + "]"
		defer func() {
			if r := recover(); r != nil {
				t.Errorf("selector %q paniced: %v", sel, r)
			}
		}()
		_, _ = parseSelectorList(sel)
	})
}
