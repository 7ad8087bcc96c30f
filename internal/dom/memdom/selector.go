package memdom

import (
	"fmt"
	"strings"

	"github.com/pagepilot/pagepilot/internal/dom"
)

// The selector engine supports the subset the catalogs actually use: type,
// #id, .class, [attr], [attr=v], [attr*=v], [attr^=v], [attr$=v], compounds
// of those, the descendant combinator, and comma-separated lists. Anything
// else (pseudo-classes, child/sibling combinators) is ErrBadSelector, which
// resolvers treat as a skippable candidate.

type condKind int

const (
	condID condKind = iota
	condClass
	condAttrExists
	condAttrEq
	condAttrContains
	condAttrPrefix
	condAttrSuffix
)

type cond struct {
	kind condKind
	name string
	val  string
}

// compound is one space-free simple selector sequence, e.g. "textarea#x".
type compound struct {
	tag   string
	conds []cond
}

// complexSel is a descendant chain; the last compound addresses the subject.
type complexSel []compound

func parseSelectorList(s string) ([]complexSel, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty selector", dom.ErrBadSelector)
	}
	var list []complexSel
	for _, part := range splitTopLevel(s, ',') {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("%w: empty selector in list %q", dom.ErrBadSelector, s)
		}
		sel, err := parseComplex(part)
		if err != nil {
			return nil, err
		}
		list = append(list, sel)
	}
	return list, nil
}

func parseComplex(s string) (complexSel, error) {
	if strings.ContainsAny(s, ">+~") {
		return nil, fmt.Errorf("%w: combinator in %q", dom.ErrBadSelector, s)
	}
	var sel complexSel
	for _, field := range strings.Fields(s) {
		c, err := parseCompound(field)
		if err != nil {
			return nil, err
		}
		sel = append(sel, c)
	}
	if len(sel) == 0 {
		return nil, fmt.Errorf("%w: %q", dom.ErrBadSelector, s)
	}
	return sel, nil
}

func parseCompound(s string) (compound, error) {
	var c compound
	i := 0
	// Leading type selector (or universal).
	for i < len(s) && isNameChar(s[i]) {
		i++
	}
	if i > 0 {
		c.tag = strings.ToLower(s[:i])
	} else if i < len(s) && s[i] == '*' {
		i++
	}
	for i < len(s) {
		switch s[i] {
		case '#':
			j := i + 1
			for j < len(s) && isNameChar(s[j]) {
				j++
			}
			if j == i+1 {
				return c, fmt.Errorf("%w: bare # in %q", dom.ErrBadSelector, s)
			}
			c.conds = append(c.conds, cond{kind: condID, val: s[i+1 : j]})
			i = j
		case '.':
			j := i + 1
			for j < len(s) && isNameChar(s[j]) {
				j++
			}
			if j == i+1 {
				return c, fmt.Errorf("%w: bare . in %q", dom.ErrBadSelector, s)
			}
			c.conds = append(c.conds, cond{kind: condClass, val: s[i+1 : j]})
			i = j
		case '[':
			end := strings.IndexByte(s[i:], ']')
			if end < 0 {
				return c, fmt.Errorf("%w: unterminated attribute in %q", dom.ErrBadSelector, s)
			}
			ac, err := parseAttrCond(s[i+1 : i+end])
			if err != nil {
				return c, err
			}
			c.conds = append(c.conds, ac)
			i += end + 1
		case ':':
			return c, fmt.Errorf("%w: pseudo-class in %q", dom.ErrBadSelector, s)
		default:
			return c, fmt.Errorf("%w: unexpected %q in %q", dom.ErrBadSelector, s[i], s)
		}
	}
	if c.tag == "" && len(c.conds) == 0 {
		return c, fmt.Errorf("%w: %q", dom.ErrBadSelector, s)
	}
	return c, nil
}

func parseAttrCond(body string) (cond, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return cond{}, fmt.Errorf("%w: empty attribute condition", dom.ErrBadSelector)
	}
	kind := condAttrExists
	name := body
	val := ""
	for _, op := range []struct {
		token string
		kind  condKind
	}{
		{"*=", condAttrContains},
		{"^=", condAttrPrefix},
		{"$=", condAttrSuffix},
		{"=", condAttrEq},
	} {
		if idx := strings.Index(body, op.token); idx >= 0 {
			kind = op.kind
			name = strings.TrimSpace(body[:idx])
			val = strings.TrimSpace(body[idx+len(op.token):])
			val = strings.Trim(val, `"'`)
			break
		}
	}
	if name == "" {
		return cond{}, fmt.Errorf("%w: attribute condition %q", dom.ErrBadSelector, body)
	}
	return cond{kind: kind, name: strings.ToLower(name), val: val}, nil
}

func isNameChar(b byte) bool {
	return b == '-' || b == '_' ||
		(b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// splitTopLevel splits on sep outside of [...] brackets and quotes.
func splitTopLevel(s string, sep byte) []string {
	var parts []string
	depth := 0
	var quote byte
	last := 0
	for i := 0; i < len(s); i++ {
		b := s[i]
		switch {
		case quote != 0:
			if b == quote {
				quote = 0
			}
		case b == '\'' || b == '"':
			quote = b
		case b == '[':
			depth++
		case b == ']':
			if depth > 0 {
				depth--
			}
		case b == sep && depth == 0:
			parts = append(parts, s[last:i])
			last = i + 1
		}
	}
	parts = append(parts, s[last:])
	return parts
}

// -- matching --

func (c compound) matches(n *node) bool {
	if n == nil || n.tag == "" {
		return false
	}
	if c.tag != "" && c.tag != n.tag {
		return false
	}
	for _, cd := range c.conds {
		switch cd.kind {
		case condID:
			if n.attrs["id"] != cd.val {
				return false
			}
		case condClass:
			if !hasClass(n.attrs["class"], cd.val) {
				return false
			}
		case condAttrExists:
			if _, ok := n.attrs[cd.name]; !ok {
				return false
			}
		case condAttrEq:
			if v, ok := n.attrs[cd.name]; !ok || v != cd.val {
				return false
			}
		case condAttrContains:
			if v, ok := n.attrs[cd.name]; !ok || !strings.Contains(v, cd.val) {
				return false
			}
		case condAttrPrefix:
			if v, ok := n.attrs[cd.name]; !ok || !strings.HasPrefix(v, cd.val) {
				return false
			}
		case condAttrSuffix:
			if v, ok := n.attrs[cd.name]; !ok || !strings.HasSuffix(v, cd.val) {
				return false
			}
		}
	}
	return true
}

func (sel complexSel) matches(n *node) bool {
	last := sel[len(sel)-1]
	if !last.matches(n) {
		return false
	}
	// Remaining compounds must match ancestors, outermost first.
	rest := sel[:len(sel)-1]
	anc := n.parent
	for i := len(rest) - 1; i >= 0; i-- {
		for anc != nil && !rest[i].matches(anc) {
			anc = anc.parent
		}
		if anc == nil {
			return false
		}
		anc = anc.parent
	}
	return true
}

func hasClass(classAttr, want string) bool {
	for _, c := range strings.Fields(classAttr) {
		if c == want {
			return true
		}
	}
	return false
}
