package config

import (
	"os"
	"strings"
)

// ExpandEnv expands ${VAR} and ${VAR:-default} references in YAML content
// from the process environment. Unset variables without a default expand to
// the empty string; validation catches required fields left empty.
//
// Only the braced form is recognized. Bare $ characters (shell snippets or
// regex anchors inside prompts) and $VAR without braces pass through
// untouched, so prompt text does not need escaping.
func ExpandEnv(data []byte) []byte {
	s := string(data)
	if !strings.Contains(s, "${") {
		return data
	}

	var b strings.Builder
	b.Grow(len(s))

	for {
		start := strings.Index(s, "${")
		if start < 0 {
			b.WriteString(s)
			break
		}
		end := strings.Index(s[start:], "}")
		if end < 0 {
			b.WriteString(s)
			break
		}
		end += start

		b.WriteString(s[:start])
		ref := s[start+2 : end]

		name, def, hasDefault := strings.Cut(ref, ":-")
		if !validEnvName(name) {
			// Not a variable reference; emit literally.
			b.WriteString(s[start : end+1])
		} else if v, ok := os.LookupEnv(name); ok && v != "" {
			b.WriteString(v)
		} else if hasDefault {
			b.WriteString(def)
		}

		s = s[end+1:]
	}

	return []byte(b.String())
}

// validEnvName reports whether s looks like an environment variable name.
// Anything else (regex fragments, shell arrays) is left unexpanded.
func validEnvName(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
