// detail_level.go holds the detail toggle shared by the HTTP API, the MCP
// tools and the CLI, plus the footers appended to text responses.
//
// Retrieval answers at one of two levels:
//   - index: kind, id, type, title and epoch of each timeline entry
//   - full: the complete observation or summary as well
package memory

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Detail levels.
const (
	DetailIndex = "index"
	DetailFull  = "full"
)

// DetailLevelValues returns the enum values for MCP tool definitions.
func DetailLevelValues() []string {
	return []string{DetailIndex, DetailFull}
}

// ParseDetailLevel normalizes a detail string. Anything other than "full"
// (in any case) selects the index level.
func ParseDetailLevel(s string) string {
	if strings.EqualFold(strings.TrimSpace(s), DetailFull) {
		return DetailFull
	}
	return DetailIndex
}

// IndexFooter is appended to index-level responses to point at the full view.
const IndexFooter = "\n---\n💡 Use detail: full, or fetch a record by id, for the complete content."

// NavigationHint returns a one-line footer when a listing was capped.
// It is empty when everything was shown.
func NavigationHint(showing, total int, hint string) string {
	if total <= 0 || showing >= total {
		return ""
	}
	line := fmt.Sprintf("\n📊 Showing %d of %d.", showing, total)
	if hint != "" {
		line += " " + hint
	}
	return line
}

// ─── Token Estimation ───────────────────────────────────────────────────────

// EstimateTokens approximates the token count of text as one token per four
// characters, with a minimum of one for non-empty text.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return max(utf8.RuneCountInString(text)/4, 1)
}

// TokenFooter returns the footer reporting the estimated size of a response.
func TokenFooter(estimatedTokens int) string {
	return "\n📏 ~" + formatNumber(estimatedTokens) + " tokens"
}

// formatNumber groups the digits of n in thousands: 1234567 → "1,234,567".
func formatNumber(n int) string {
	s := strconv.Itoa(n)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	lead := len(s) % 3
	if lead == 0 {
		lead = 3
	}
	b.WriteString(s[:lead])
	for i := lead; i < len(s); i += 3 {
		b.WriteByte(',')
		b.WriteString(s[i : i+3])
	}
	return b.String()
}
