package sanitize

import (
	"regexp"
	"sort"
	"strings"
)

// safeTags is the markup safelist used when Options.AllowMarkup is true.
// The value lists the attributes allowed on that tag; anything else is
// dropped during the rewrite, never escaped-and-kept.
var safeTags = map[string][]string{
	"a":      {"href", "title"},
	"b":      nil,
	"br":     nil,
	"code":   nil,
	"em":     nil,
	"i":      nil,
	"li":     nil,
	"ol":     nil,
	"p":      nil,
	"pre":    nil,
	"strong": nil,
	"ul":     nil,
}

var (
	tagTokenRe  = regexp.MustCompile(`<\s*(/?)\s*([a-zA-Z][a-zA-Z0-9]*)((?:[^<>"']|"[^"]*"|'[^']*')*?)\s*(/?)\s*>`)
	attrTokenRe = regexp.MustCompile(`([a-zA-Z][a-zA-Z0-9-]*)\s*=\s*(?:"([^"]*)"|'([^']*)'|([^\s"'>]+))`)
)

// rewriteMarkup performs a structural rewrite of markup: tags on the safelist
// are rebuilt in a normalized form keeping only safelisted attributes; every
// other tag is removed. The rebuilt form re-parses to itself, which keeps the
// whole pass idempotent.
func rewriteMarkup(s string) string {
	out := tagTokenRe.ReplaceAllStringFunc(s, func(tok string) string {
		m := tagTokenRe.FindStringSubmatch(tok)
		closing := m[1] == "/"
		name := strings.ToLower(m[2])
		rawAttrs := m[3]
		selfClose := m[4] == "/"

		allowed, ok := safeTags[name]
		if !ok {
			return ""
		}

		if closing {
			return "</" + name + ">"
		}

		var b strings.Builder
		b.WriteString("<")
		b.WriteString(name)
		for _, attr := range parseAttrs(rawAttrs, allowed) {
			b.WriteString(" ")
			b.WriteString(attr.name)
			b.WriteString(`="`)
			b.WriteString(attr.value)
			b.WriteString(`"`)
		}
		if selfClose {
			b.WriteString("/")
		}
		b.WriteString(">")
		return b.String()
	})

	// A rewrite can butt leftover angle brackets together into new tag
	// shapes; strip anything that still looks like an unknown tag.
	return stripUnknownTags(out)
}

type attr struct {
	name  string
	value string
}

// parseAttrs extracts safelisted attributes in a stable (sorted) order,
// dropping anything with an unsafe value.
func parseAttrs(raw string, allowed []string) []attr {
	if len(allowed) == 0 {
		return nil
	}
	allowedSet := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		allowedSet[a] = true
	}

	var attrs []attr
	for _, m := range attrTokenRe.FindAllStringSubmatch(raw, -1) {
		name := strings.ToLower(m[1])
		if !allowedSet[name] {
			continue
		}
		value := m[2]
		if value == "" {
			value = m[3]
		}
		if value == "" {
			value = m[4]
		}
		if !safeAttrValue(name, value) {
			continue
		}
		attrs = append(attrs, attr{name: name, value: value})
	}

	sort.Slice(attrs, func(i, j int) bool { return attrs[i].name < attrs[j].name })
	return attrs
}

// safeAttrValue rejects values that smuggle scripts or quotes through an
// otherwise safelisted attribute. URLs must be http(s) or relative.
func safeAttrValue(name, value string) bool {
	if strings.ContainsAny(value, `"'<>`) {
		return false
	}
	lower := strings.ToLower(strings.TrimSpace(value))
	if strings.Contains(lower, "javascript:") || strings.Contains(lower, "vbscript:") || strings.Contains(lower, "data:") {
		return false
	}
	if name == "href" {
		return strings.HasPrefix(lower, "http://") ||
			strings.HasPrefix(lower, "https://") ||
			strings.HasPrefix(lower, "/") ||
			strings.HasPrefix(lower, "#")
	}
	return true
}

// stripUnknownTags removes residual tag-shaped sequences whose name is not on
// the safelist, looping until stable.
func stripUnknownTags(s string) string {
	for {
		next := tagTokenRe.ReplaceAllStringFunc(s, func(tok string) string {
			m := tagTokenRe.FindStringSubmatch(tok)
			if _, ok := safeTags[strings.ToLower(m[2])]; ok {
				return tok
			}
			return ""
		})
		if next == s {
			return s
		}
		s = next
	}
}
