package mcp

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// charsPerToken is the approximate number of characters per token for
// English text, used for threshold estimation only.
const charsPerToken = 4

// DefaultResultMaxTokens caps tool output carried back into agent context
// and persisted with the session. Oversized results crowd out the rest of
// the conversation.
const DefaultResultMaxTokens = 8000

// EstimateTokens approximates the token count of text at ~4 characters per
// token. len counts bytes, so multi-byte content overestimates slightly,
// which errs toward truncating earlier.
func EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + charsPerToken - 1) / charsPerToken
}

// TruncateResult bounds one tool result before it re-enters the
// conversation and the store.
func TruncateResult(content string) string {
	return truncateAtLineBoundary(content, DefaultResultMaxTokens*charsPerToken,
		"output exceeded the tool result limit")
}

// truncateAtLineBoundary cuts at the last newline before the byte limit so
// indented JSON, YAML, and log output keep whole lines. The cut point
// backs up first so a multi-byte UTF-8 character is never split.
func truncateAtLineBoundary(content string, maxChars int, marker string) string {
	if maxChars <= 0 || len(content) <= maxChars {
		return content
	}
	cut := maxChars
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	truncated := content[:cut]
	if idx := strings.LastIndex(truncated, "\n"); idx > 0 {
		truncated = truncated[:idx]
	}
	return truncated + fmt.Sprintf(
		"\n\n[TRUNCATED: %s — Original size: %s, limit: %s]",
		marker, formatSize(len(content)), formatSize(maxChars),
	)
}

// formatSize returns a human-readable size. Bytes are used under 1KB to
// avoid "0KB" on small content.
func formatSize(bytes int) string {
	if bytes < 1024 {
		return fmt.Sprintf("%dB", bytes)
	}
	return fmt.Sprintf("%dKB", bytes/1024)
}
