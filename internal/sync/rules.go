package sync

import (
	"fmt"
	"strings"
)

// ParseRules parses agent routing rules from their configuration form.
// Each entry reads "name=sender-substring", e.g. "invoices=billing@".
func ParseRules(entries []string) ([]AgentRule, error) {
	rules := make([]AgentRule, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		name, sender, ok := strings.Cut(entry, "=")
		name = strings.TrimSpace(name)
		sender = strings.TrimSpace(sender)
		if !ok || name == "" || sender == "" {
			return nil, fmt.Errorf("invalid agent rule %q, "+
				"want name=sender-substring", entry)
		}

		rules = append(rules, AgentRule{
			Name:           name,
			SenderContains: sender,
		})
	}
	return rules, nil
}
