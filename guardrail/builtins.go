package guardrail

import (
	"context"
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxLength blocks text over a rune limit.
type MaxLength struct {
	Limit int
}

func (g *MaxLength) Name() string { return "max_length" }

func (g *MaxLength) check(text string) Result {
	if utf8.RuneCountInString(text) <= g.Limit {
		return Pass(g.Name())
	}
	return Block(g.Name(), "text exceeds the maximum length")
}

func (g *MaxLength) CheckInput(_ context.Context, text string) (Result, error) {
	return g.check(text), nil
}

func (g *MaxLength) CheckOutput(_ context.Context, text string) (Result, error) {
	return g.check(text), nil
}

// Blocklist blocks text containing any of the given substrings,
// case-insensitive.
type Blocklist struct {
	Patterns []string
}

func (g *Blocklist) Name() string { return "blocklist" }

func (g *Blocklist) check(text string) Result {
	lower := strings.ToLower(text)
	for _, pat := range g.Patterns {
		if pat != "" && strings.Contains(lower, strings.ToLower(pat)) {
			return Block(g.Name(), "blocked phrase detected: "+pat)
		}
	}
	return Pass(g.Name())
}

func (g *Blocklist) CheckInput(_ context.Context, text string) (Result, error) {
	return g.check(text), nil
}

func (g *Blocklist) CheckOutput(_ context.Context, text string) (Result, error) {
	return g.check(text), nil
}

// PIIRedactor replaces common personally identifiable patterns with markers.
type PIIRedactor struct{}

var piiPatterns = []struct {
	pattern *regexp.Regexp
	marker  string
}{
	{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "[ssn]"},
	{regexp.MustCompile(`\b(?:\d{4}[\s\-]?){3}\d{4}\b`), "[card]"},
	{regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`), "[email]"},
	{regexp.MustCompile(`\b(?:\+?1[\s\-]?)?\(?\d{3}\)?[\s\-]?\d{3}[\s\-]?\d{4}\b`), "[phone]"},
}

func (PIIRedactor) Name() string { return "pii_redactor" }

func (g PIIRedactor) check(text string) Result {
	redacted := text
	hit := false
	for _, p := range piiPatterns {
		if p.pattern.MatchString(redacted) {
			hit = true
			redacted = p.pattern.ReplaceAllString(redacted, p.marker)
		}
	}
	if !hit {
		return Pass(g.Name())
	}
	return Redact(g.Name(), "personal data redacted", redacted)
}

func (g PIIRedactor) CheckInput(_ context.Context, text string) (Result, error) {
	return g.check(text), nil
}

func (g PIIRedactor) CheckOutput(_ context.Context, text string) (Result, error) {
	return g.check(text), nil
}

// SecretRedactor strips credential-shaped strings before they reach the
// model or the user.
type SecretRedactor struct{}

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(AKIA|ASIA)[0-9A-Z]{16}`),
	regexp.MustCompile(`(ghp|gho|ghu|ghs|ghr)_[A-Za-z0-9_]{36,255}`),
	regexp.MustCompile(`-----BEGIN\s+(RSA|DSA|EC|OPENSSH|PGP|ENCRYPTED)?\s*PRIVATE KEY-----`),
	regexp.MustCompile(`eyJ[A-Za-z0-9\-_]+\.eyJ[A-Za-z0-9\-_]+\.[A-Za-z0-9\-_]+`),
	regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[=:]\s*["']?[^\s"',;}{)]{3,}["']?`),
	regexp.MustCompile(`(?i)(mongodb(\+srv)?|postgres(ql)?|mysql|redis|amqp)://[^:/?#\s]+:[^@/?#\s]+@`),
}

func (SecretRedactor) Name() string { return "secret_redactor" }

func (g SecretRedactor) check(text string) Result {
	redacted := text
	hit := false
	for _, p := range secretPatterns {
		if p.MatchString(redacted) {
			hit = true
			redacted = p.ReplaceAllString(redacted, "[secret]")
		}
	}
	if !hit {
		return Pass(g.Name())
	}
	return Redact(g.Name(), "credentials redacted", redacted)
}

func (g SecretRedactor) CheckInput(_ context.Context, text string) (Result, error) {
	return g.check(text), nil
}

func (g SecretRedactor) CheckOutput(_ context.Context, text string) (Result, error) {
	return g.check(text), nil
}
