package config

import (
	"fmt"
	"strings"
)

// Kind classifies configuration validation failures.
type Kind int

const (
	// InvalidDocument means the file is not a usable JSON document.
	InvalidDocument Kind = iota
	// InvalidBoolean means a read_status-style field held something other
	// than a boolean or the strings "true"/"false".
	InvalidBoolean
	// InvalidDeleteWindow means delete_after_days was negative or
	// non-numeric.
	InvalidDeleteWindow
	// InvalidRule covers structural problems in a rule entry.
	InvalidRule
)

func (k Kind) String() string {
	switch k {
	case InvalidDocument:
		return "invalid-document"
	case InvalidBoolean:
		return "invalid-boolean"
	case InvalidDeleteWindow:
		return "invalid-delete-window"
	case InvalidRule:
		return "invalid-rule"
	default:
		return "unknown"
	}
}

// Error is a single configuration validation failure. Normalize collects
// every Error it finds before reporting, so one run surfaces all problems.
type Error struct {
	Kind   Kind
	Path   string // JSON location, e.g. SENDER_TO_LABELS.Finance[0].read_status
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Path, e.Detail)
}

// Rule is one behavior bundle attached to a label. Sender rules match on
// Emails; keyword rules match on Keywords. Original casing is retained for
// display; comparisons fold case.
type Rule struct {
	ReadStatus      bool
	DeleteAfterDays *int // nil means never delete via this rule
	Emails          []string
	Keywords        []string
	GroupIndex      int
}

// IgnoreActions are the side effects an ignore rule may request.
type IgnoreActions struct {
	SkipAnalysis    bool
	SkipImport      bool
	MarkAsRead      bool
	ApplyLabels     []string
	Archive         bool
	DeleteAfterDays *int // 0 deletes immediately, nil never deletes
}

// HasPipelineActions reports whether the rule does anything beyond
// suppressing classification.
func (a IgnoreActions) HasPipelineActions() bool {
	return a.MarkAsRead || a.Archive || len(a.ApplyLabels) > 0 || a.DeleteAfterDays != nil
}

// IgnoreRule preempts normal labeling for matching senders, domains, or
// subjects.
type IgnoreRule struct {
	Name            string
	Senders         []string
	Domains         []string
	SubjectContains []string
	Actions         IgnoreActions
}

// MatchesAddress reports whether a plain email address matches the rule's
// senders or domains. Comparison is case-insensitive.
func (r IgnoreRule) MatchesAddress(address string) bool {
	folded := FoldAddress(address)
	if folded == "" {
		return false
	}
	for _, s := range r.Senders {
		if FoldAddress(s) == folded {
			return true
		}
	}
	if len(r.Domains) == 0 {
		return false
	}
	domain := AddressDomain(folded)
	if domain == "" {
		return false
	}
	for _, d := range r.Domains {
		if cleanDomain(d) == domain {
			return true
		}
	}
	return false
}

// MatchesSubject reports whether the subject contains any configured
// substring, case-insensitively.
func (r IgnoreRule) MatchesSubject(subject string) bool {
	if len(r.SubjectContains) == 0 || subject == "" {
		return false
	}
	folded := strings.ToLower(subject)
	for _, token := range r.SubjectContains {
		if strings.Contains(folded, strings.ToLower(token)) {
			return true
		}
	}
	return false
}

// SelectedDeletion targets one specific message for deletion. Entries are
// operator-authored and never mutated by the engine.
type SelectedDeletion struct {
	ID          string
	Label       string // optional; must be present on the message if set
	RequireRead bool
	Reason      string
	Actor       string
	Rule        string // optional ignore-rule name whose actions run first
}

// Document is the normalized rule set for one run. Label iteration order is
// preserved from the source document because matching is order-sensitive.
type Document struct {
	SenderRules  map[string][]Rule
	SenderOrder  []string // label names in document order
	KeywordRules map[string][]Rule
	KeywordOrder []string

	IgnoreRules       []IgnoreRule
	ProtectedLabels   []string
	SelectedDeletions []SelectedDeletion

	// Warnings are non-fatal findings from normalization (duplicate
	// senders within or across labels). The run proceeds; callers log them.
	Warnings []string
}

// Senders returns every configured sender address in evaluation order,
// deduplicated case-insensitively with the first-seen casing kept.
func (d Document) Senders() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, label := range d.SenderOrder {
		for _, rule := range d.SenderRules[label] {
			for _, email := range rule.Emails {
				folded := FoldAddress(email)
				if folded == "" {
					continue
				}
				if _, ok := seen[folded]; ok {
					continue
				}
				seen[folded] = struct{}{}
				out = append(out, strings.TrimSpace(email))
			}
		}
	}
	return out
}

// IgnoreRuleByName returns the named ignore rule, if present.
func (d Document) IgnoreRuleByName(name string) (IgnoreRule, bool) {
	for _, r := range d.IgnoreRules {
		if r.Name == name {
			return r, true
		}
	}
	return IgnoreRule{}, false
}

// IsProtected reports whether the label is protected. Membership is exact
// and case-sensitive.
func (d Document) IsProtected(label string) bool {
	for _, p := range d.ProtectedLabels {
		if p == label {
			return true
		}
	}
	return false
}

// FoldAddress normalizes an email address for comparison: trimmed and
// lowercased. Display paths keep the original casing.
func FoldAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// AddressDomain returns the domain portion of an address, folded, or "".
func AddressDomain(address string) string {
	folded := FoldAddress(address)
	at := strings.LastIndex(folded, "@")
	if at == -1 || at == len(folded)-1 {
		return ""
	}
	return strings.Trim(folded[at+1:], ". ")
}

func cleanDomain(domain string) string {
	return strings.TrimPrefix(FoldAddress(domain), "@")
}
