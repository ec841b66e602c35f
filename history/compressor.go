package history

import (
	"fmt"
	"slices"
	"strings"

	"github.com/GoCodeAlone/taskloop/provider"
)

// DefaultKeepRecent is the number of trailing messages kept verbatim.
const DefaultKeepRecent = 10

// summaryRoles fixes the order role counts appear in a summary.
var summaryRoles = []provider.Role{
	provider.RoleUser,
	provider.RoleAssistant,
	provider.RoleCapabilityResult,
	provider.RoleSystem,
}

// Compress collapses all but the last keepRecent messages into a single
// summary message. A leading system message is kept verbatim ahead of the
// summary. When len(messages) <= keepRecent+1 the input is returned as is.
// The input slice is never modified.
func Compress(messages []provider.Message, keepRecent int) []provider.Message {
	if keepRecent < 0 {
		keepRecent = 0
	}
	if len(messages) <= keepRecent+1 {
		return messages
	}

	out := make([]provider.Message, 0, keepRecent+2)
	rest := messages
	if rest[0].Role == provider.RoleSystem {
		out = append(out, rest[0])
		rest = rest[1:]
	}

	cut := len(rest) - keepRecent
	out = append(out, provider.Message{
		Role:    provider.RoleUser,
		Content: Summarize(rest[:cut]),
	})
	return append(out, rest[cut:]...)
}

// Summarize renders the deterministic summary of a compressed span: the
// number of messages, a count per role and the capabilities exercised.
func Summarize(span []provider.Message) string {
	counts := make(map[provider.Role]int, len(summaryRoles))
	seen := make(map[string]bool)
	var names []string
	for _, m := range span {
		counts[m.Role]++
		for _, inv := range m.Invocations {
			if !seen[inv.Name] {
				seen[inv.Name] = true
				names = append(names, inv.Name)
			}
		}
	}
	slices.Sort(names)

	parts := make([]string, 0, len(summaryRoles))
	for _, r := range summaryRoles {
		parts = append(parts, fmt.Sprintf("%s: %d", r, counts[r]))
	}
	used := "none"
	if len(names) > 0 {
		used = strings.Join(names, ", ")
	}
	return fmt.Sprintf("[Previous conversation summary: %d messages compressed (%s); capabilities used: %s]",
		len(span), strings.Join(parts, ", "), used)
}
