// Package masking redacts credential material from tool results and
// journal payloads before they are persisted or broadcast.
package masking

import (
	"log/slog"
	"regexp"

	"github.com/massgen-ai/massgen/pkg/config"
)

// Marker replaces matched credential material.
const Marker = "***MASKED***"

// rule is one compiled masking pattern.
type rule struct {
	name  string
	regex *regexp.Regexp
	repl  string
}

// builtinRules are the credential shapes masked whenever masking is
// enabled. Replacements rewrite the match into a canonical form so the
// surrounding output stays readable.
var builtinRules = []struct {
	name    string
	pattern string
	repl    string
}{
	{
		name:    "api_key",
		pattern: `(?i)(?:api[_-]?key|apikey)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-]{16,})["']?`,
		repl:    "api_key: " + Marker,
	},
	{
		name:    "provider_key",
		pattern: `\bsk-[A-Za-z0-9_\-]{20,}\b`,
		repl:    Marker,
	},
	{
		name:    "password",
		pattern: `(?i)(?:password|passwd|pwd)["']?\s*[:=]\s*["']?([^"'\s\n]{6,})["']?`,
		repl:    "password: " + Marker,
	},
	{
		name:    "token",
		pattern: `(?i)(?:token|bearer|jwt)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-\.]{20,})["']?`,
		repl:    "token: " + Marker,
	},
	{
		name:    "authorization_header",
		pattern: `(?i)authorization:\s*bearer\s+[A-Za-z0-9_\-\.]+`,
		repl:    "Authorization: Bearer " + Marker,
	},
	{
		name:    "certificate",
		pattern: `(?s)-----BEGIN [A-Z ]+-----.*?-----END [A-Z ]+-----`,
		repl:    Marker,
	},
	{
		name:    "ssh_key",
		pattern: `ssh-(?:rsa|dss|ed25519|ecdsa)\s+[A-Za-z0-9+/=]+`,
		repl:    Marker,
	},
	{
		name:    "aws_access_key",
		pattern: `\bAKIA[A-Z0-9]{16}\b`,
		repl:    Marker,
	},
}

// Masker applies built-in and configured credential patterns. Patterns are
// compiled once at construction; the masker is stateless afterwards and
// safe for concurrent use.
type Masker struct {
	enabled bool
	rules   []rule
}

// New compiles a masker from configuration. Invalid custom patterns are
// logged and skipped rather than failing startup.
func New(cfg *config.MaskingConfig, logger *slog.Logger) *Masker {
	m := &Masker{}
	if cfg == nil || !cfg.Enabled {
		return m
	}
	m.enabled = true

	log := logger.With("component", "masking")

	for _, b := range builtinRules {
		compiled, err := regexp.Compile(b.pattern)
		if err != nil {
			log.Error("failed to compile built-in masking pattern, skipping",
				"pattern", b.name, "error", err)
			continue
		}
		m.rules = append(m.rules, rule{name: b.name, regex: compiled, repl: b.repl})
	}

	for i, p := range cfg.CustomPatterns {
		compiled, err := regexp.Compile(p.Pattern)
		if err != nil {
			log.Error("failed to compile custom masking pattern, skipping",
				"index", i, "error", err)
			continue
		}
		repl := p.Replacement
		if repl == "" {
			repl = Marker
		}
		m.rules = append(m.rules, rule{
			name:  "custom",
			regex: compiled,
			repl:  repl,
		})
	}

	log.Info("masking enabled",
		"builtin_patterns", len(builtinRules),
		"custom_patterns", len(cfg.CustomPatterns),
		"compiled", len(m.rules))
	return m
}

// Enabled reports whether any masking will occur.
func (m *Masker) Enabled() bool {
	return m != nil && m.enabled
}

// Mask rewrites credential material in content. Disabled or nil maskers
// pass content through unchanged.
func (m *Masker) Mask(content string) string {
	if !m.Enabled() || content == "" {
		return content
	}
	masked := content
	for _, r := range m.rules {
		masked = r.regex.ReplaceAllString(masked, r.repl)
	}
	return masked
}
