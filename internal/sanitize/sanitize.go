// Package sanitize implements layered input sanitization with threat
// classification.
//
// Sanitize is a pure function: no I/O, no shared state, deterministic for the
// same input and options, and it never fails. Threat detection always runs on
// the original text, independent of the cleaning step, so stripping markup
// cannot hide what the caller originally submitted.
package sanitize

import (
	"regexp"
	"strings"
)

// Tag classifies a detected pattern in input text.
type Tag string

const (
	TagInjectionSQL     Tag = "injection_sql"
	TagInjectionScript  Tag = "injection_script"
	TagPathTraversal    Tag = "path_traversal"
	TagCommandInjection Tag = "command_injection"
	TagOther            Tag = "other"
)

// tagOrder fixes the reporting order of tags so results are deterministic.
var tagOrder = []Tag{
	TagInjectionSQL,
	TagInjectionScript,
	TagPathTraversal,
	TagCommandInjection,
	TagOther,
}

// Options controls the cleaning step. Threat detection is unaffected.
type Options struct {
	// AllowMarkup keeps a safelist of tags through a structural rewrite.
	// When false, all markup-like sequences are removed entirely.
	AllowMarkup bool
}

// Finding is a single pattern match in the original text.
type Finding struct {
	Tag    Tag    `json:"tag"`
	Detail string `json:"detail"`
}

// Result is the outcome of one Sanitize call.
type Result struct {
	Cleaned        string    `json:"cleaned"`
	Tags           []Tag     `json:"tags,omitempty"`
	Findings       []Finding `json:"findings,omitempty"`
	OriginalLength int       `json:"originalLength"`
	CleanedLength  int       `json:"cleanedLength"`
}

// HasTag reports whether the result contains the given threat tag.
func (r Result) HasTag(tag Tag) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Pre-compiled patterns — compiled once at startup, never during a request.
// Every matching family is reported, not just the first.
var threatPatterns = []struct {
	re     *regexp.Regexp
	tag    Tag
	detail string
}{
	// SQL injection
	{regexp.MustCompile(`(?i)\b(union\s+(all\s+)?select|select\s+[\w\s,*]+\s+from|insert\s+into|drop\s+(table|database)|delete\s+from|truncate\s+table|alter\s+table)\b`), TagInjectionSQL, "sql keyword sequence"},
	{regexp.MustCompile(`(?i)('|")\s*(or|and)\s+('|")?\d+('|")?\s*=\s*('|")?\d+`), TagInjectionSQL, "tautology clause"},
	{regexp.MustCompile(`(?i);\s*(drop|alter|truncate|shutdown|exec)\b`), TagInjectionSQL, "stacked statement"},
	{regexp.MustCompile(`(?i)\b(xp_cmdshell|information_schema|pg_sleep|sleep\s*\(\s*\d)`), TagInjectionSQL, "sql probe function"},
	{regexp.MustCompile(`('|")\s*;\s*--|--\s*$`), TagInjectionSQL, "quote-terminate-comment"},

	// Script / markup injection
	{regexp.MustCompile(`(?i)<\s*script\b`), TagInjectionScript, "script tag"},
	{regexp.MustCompile(`(?i)javascript\s*:`), TagInjectionScript, "javascript: URI"},
	{regexp.MustCompile(`(?i)vbscript\s*:`), TagInjectionScript, "vbscript: URI"},
	{regexp.MustCompile(`(?i)\bon(load|error|click|focus|blur|mouseover|submit)\s*=`), TagInjectionScript, "inline event handler"},
	{regexp.MustCompile(`(?i)<\s*(iframe|object|embed|form|base)\b`), TagInjectionScript, "embedding tag"},
	{regexp.MustCompile(`(?i)data\s*:\s*text/html`), TagInjectionScript, "data:text/html URI"},
	{regexp.MustCompile(`(?i)expression\s*\(`), TagInjectionScript, "css expression"},

	// Path traversal
	{regexp.MustCompile(`\.\./|\.\.\\`), TagPathTraversal, "dot-dot sequence"},
	{regexp.MustCompile(`(?i)%2e%2e(%2f|%5c)`), TagPathTraversal, "encoded dot-dot sequence"},
	{regexp.MustCompile(`(?i)(^|[\s"'=(])(/etc/(passwd|shadow|hosts)|/proc/self|c:\\windows\\)`), TagPathTraversal, "absolute system path"},

	// Command injection
	{regexp.MustCompile(`(?i)[;&|]\s*(cat|ls|rm|wget|curl|nc|ncat|bash|sh|zsh|powershell|cmd)\b`), TagCommandInjection, "chained shell command"},
	{regexp.MustCompile("`[^`]+`"), TagCommandInjection, "backtick substitution"},
	{regexp.MustCompile(`\$\([^)]+\)`), TagCommandInjection, "dollar-paren substitution"},
	{regexp.MustCompile(`(?i)\b(chmod|chown|mkfifo)\s+[\w/+.-]`), TagCommandInjection, "filesystem mutation command"},

	// Anything else suspicious enough to note
	{regexp.MustCompile(`(?i)<\?php`), TagOther, "php open tag"},
	{regexp.MustCompile(`\{\{[^}]*\}\}|\$\{[^}]*\}`), TagOther, "template expression"},
	{regexp.MustCompile(`(?i)\(\s*\)\s*\{\s*:\s*;\s*\}\s*;`), TagOther, "shellshock probe"},
}

// Detect classifies the raw text against every pattern family and returns
// all findings. Detection is independent of sanitization and always runs on
// the original input.
func Detect(raw string) []Finding {
	if raw == "" {
		return nil
	}

	byTag := make(map[Tag][]Finding)
	for _, p := range threatPatterns {
		if p.re.MatchString(raw) {
			byTag[p.tag] = append(byTag[p.tag], Finding{Tag: p.tag, Detail: p.detail})
		}
	}

	var findings []Finding
	for _, tag := range tagOrder {
		findings = append(findings, byTag[tag]...)
	}
	return findings
}

// Sanitize cleans the raw text per the options and classifies threats in the
// original input. Control characters and null bytes are always stripped.
// Idempotent: running the cleaned output through again changes nothing and
// yields no new findings for markup families.
func Sanitize(raw string, opts Options) Result {
	findings := Detect(raw)

	cleaned := stripControl(raw)
	if opts.AllowMarkup {
		cleaned = rewriteMarkup(cleaned)
	} else {
		cleaned = stripMarkup(cleaned)
	}
	cleaned = strings.TrimSpace(cleaned)

	result := Result{
		Cleaned:        cleaned,
		Findings:       findings,
		OriginalLength: len(raw),
		CleanedLength:  len(cleaned),
	}

	// Deduplicate tags preserving the fixed tag order.
	seen := make(map[Tag]bool)
	for _, f := range findings {
		if !seen[f.Tag] {
			seen[f.Tag] = true
			result.Tags = append(result.Tags, f.Tag)
		}
	}

	return result
}

// stripControl removes null bytes and control characters, keeping common
// whitespace (tab, newline, carriage return). Invalid UTF-8 bytes are dropped
// rather than replaced so binary garbage degrades to an empty string.
func stripControl(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\t' || r == '\n' || r == '\r':
			b.WriteRune(r)
		case r < 0x20 || r == 0x7f || r == 0xFFFD:
			// dropped
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

var markupTagRe = regexp.MustCompile(`<[^<>]*>`)

// stripMarkup removes every markup-like sequence, looping until stable so
// nested constructions like "<<b>b>" cannot reassemble into a tag after one
// pass.
func stripMarkup(s string) string {
	for {
		next := markupTagRe.ReplaceAllString(s, "")
		if next == s {
			return s
		}
		s = next
	}
}
