package report

import (
	"sort"
	"strings"

	"github.com/rparke/inboxctl/internal/config"
)

// ApplyFixes returns a copy of the document with the batch developer fixes
// applied: addresses trimmed and lowercased, duplicates removed first-wins,
// and each rule's email list sorted case-insensitively. It is a pure
// Document -> Document transform; the output validates like any freshly
// loaded configuration.
func ApplyFixes(doc config.Document) config.Document {
	fixed := doc
	fixed.SenderRules = make(map[string][]config.Rule, len(doc.SenderRules))
	fixed.SenderOrder = append([]string(nil), doc.SenderOrder...)

	for _, label := range doc.SenderOrder {
		seen := map[string]struct{}{}
		rules := make([]config.Rule, 0, len(doc.SenderRules[label]))
		for _, rule := range doc.SenderRules[label] {
			out := rule
			out.Emails = fixEmails(rule.Emails, seen)
			rules = append(rules, out)
		}
		fixed.SenderRules[label] = rules
	}
	return fixed
}

func fixEmails(emails []string, seen map[string]struct{}) []string {
	out := make([]string, 0, len(emails))
	for _, email := range emails {
		folded := config.FoldAddress(email)
		if folded == "" {
			continue
		}
		if _, dup := seen[folded]; dup {
			continue
		}
		seen[folded] = struct{}{}
		out = append(out, folded)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i]) < strings.ToLower(out[j])
	})
	return out
}
