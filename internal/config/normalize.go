package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// Top-level configuration keys. Absent sections default to empty; the
// document stays usable with partial configuration.
const (
	keySenderRules       = "SENDER_TO_LABELS"
	keyKeywordRules      = "KEYWORD_TO_LABELS"
	keyIgnoredEmails     = "IGNORED_EMAILS"
	keyProtectedLabels   = "PROTECTED_LABELS"
	keySelectedDeletions = "SELECTED_EMAIL_DELETIONS"
)

// Load reads and normalizes the rule document at path.
func Load(path string) (Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("read config %s: %w", path, err)
	}
	doc, err := Normalize(raw)
	if err != nil {
		return Document{}, fmt.Errorf("config %s: %w", path, err)
	}
	return doc, nil
}

// Normalize parses the raw JSON rule document into a Document. It is a pure
// transform: loosely-typed fields are coerced, structural invariants are
// checked, and every failure is collected so a single pass reports all of
// them. A non-nil error means the document must not be used.
func Normalize(raw []byte) (Document, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return Document{}, &Error{
			Kind:   InvalidDocument,
			Path:   "$",
			Detail: fmt.Sprintf("not a JSON object: %v", err),
		}
	}

	doc := Document{
		SenderRules:  map[string][]Rule{},
		KeywordRules: map[string][]Rule{},
	}
	var errs *multierror.Error

	if sec, ok := top[keySenderRules]; ok {
		doc.SenderOrder, doc.SenderRules = normalizeRuleSection(sec, keySenderRules, false, &errs)
	}
	if sec, ok := top[keyKeywordRules]; ok {
		doc.KeywordOrder, doc.KeywordRules = normalizeRuleSection(sec, keyKeywordRules, true, &errs)
	}
	if sec, ok := top[keyIgnoredEmails]; ok {
		doc.IgnoreRules = normalizeIgnoreRules(sec, &errs)
	}
	if sec, ok := top[keyProtectedLabels]; ok {
		doc.ProtectedLabels = normalizeProtectedLabels(sec, &errs)
	}
	if sec, ok := top[keySelectedDeletions]; ok {
		doc.SelectedDeletions = normalizeSelectedDeletions(sec, &errs)
	}

	if err := errs.ErrorOrNil(); err != nil {
		return Document{}, err
	}
	doc.Warnings = collectWarnings(doc)
	return doc, nil
}

// rawRule mirrors one loosely-typed rule entry before coercion.
type rawRule struct {
	ReadStatus      json.RawMessage `json:"read_status"`
	DeleteAfterDays json.RawMessage `json:"delete_after_days"`
	Emails          []string        `json:"emails"`
	Keywords        []string        `json:"keywords"`
	GroupIndex      int             `json:"group_index"`
}

func normalizeRuleSection(
	section json.RawMessage,
	sectionKey string,
	keyword bool,
	errs **multierror.Error,
) ([]string, map[string][]Rule) {
	order, entries, err := orderedObject(section)
	if err != nil {
		collect(errs, &Error{
			Kind:   InvalidDocument,
			Path:   sectionKey,
			Detail: err.Error(),
		})
		return nil, map[string][]Rule{}
	}

	rules := make(map[string][]Rule, len(entries))
	keptOrder := make([]string, 0, len(order))
	for _, label := range order {
		path := sectionKey + "." + label
		if strings.TrimSpace(label) == "" {
			collect(errs, &Error{
				Kind:   InvalidRule,
				Path:   sectionKey,
				Detail: "label names must be non-empty strings",
			})
			continue
		}
		var rawRules []rawRule
		if err := json.Unmarshal(entries[label], &rawRules); err != nil {
			collect(errs, &Error{
				Kind:   InvalidRule,
				Path:   path,
				Detail: fmt.Sprintf("must be a list of rule objects: %v", err),
			})
			continue
		}
		list := make([]Rule, 0, len(rawRules))
		for i, rr := range rawRules {
			rulePath := fmt.Sprintf("%s[%d]", path, i)
			rule := Rule{
				Emails:     cleanStrings(rr.Emails),
				Keywords:   cleanStrings(rr.Keywords),
				GroupIndex: rr.GroupIndex,
			}
			rule.ReadStatus = coerceBool(rr.ReadStatus, rulePath+".read_status", errs)
			rule.DeleteAfterDays = coerceDays(rr.DeleteAfterDays, rulePath+".delete_after_days", errs)
			if keyword && len(rule.Keywords) == 0 {
				collect(errs, &Error{
					Kind:   InvalidRule,
					Path:   rulePath,
					Detail: "keyword rules must list at least one keyword",
				})
				continue
			}
			list = append(list, rule)
		}
		// Evaluation within a label is group_index order; the sort is
		// stable so untagged rules keep document order.
		sort.SliceStable(list, func(a, b int) bool {
			return list[a].GroupIndex < list[b].GroupIndex
		})
		rules[label] = list
		keptOrder = append(keptOrder, label)
	}
	return keptOrder, rules
}

// rawIgnoreRule accepts both the nested match/actions schema and the legacy
// flat layout; string shorthand entries are handled by the caller.
type rawIgnoreRule struct {
	Name            string          `json:"name"`
	Senders         []string        `json:"senders"`
	Emails          []string        `json:"emails"`
	Domains         []string        `json:"domains"`
	SubjectContains []string        `json:"subject_contains"`
	Match           *rawIgnoreMatch `json:"match"`
	Actions         *rawIgnoreActs  `json:"actions"`
}

type rawIgnoreMatch struct {
	Senders         []string `json:"senders"`
	Emails          []string `json:"emails"`
	Domains         []string `json:"domains"`
	SubjectContains []string `json:"subject_contains"`
}

type rawIgnoreActs struct {
	SkipAnalysis    json.RawMessage `json:"skip_analysis"`
	SkipImport      json.RawMessage `json:"skip_import"`
	MarkAsRead      json.RawMessage `json:"mark_as_read"`
	ApplyLabels     []string        `json:"apply_labels"`
	Archive         json.RawMessage `json:"archive"`
	DeleteAfterDays json.RawMessage `json:"delete_after_days"`
}

func normalizeIgnoreRules(section json.RawMessage, errs **multierror.Error) []IgnoreRule {
	var entries []json.RawMessage
	if err := json.Unmarshal(section, &entries); err != nil {
		collect(errs, &Error{
			Kind:   InvalidDocument,
			Path:   keyIgnoredEmails,
			Detail: fmt.Sprintf("must be a list: %v", err),
		})
		return nil
	}

	out := make([]IgnoreRule, 0, len(entries))
	for i, entry := range entries {
		path := fmt.Sprintf("%s[%d]", keyIgnoredEmails, i)

		// Bare string shorthand: ignore this sender entirely.
		var shorthand string
		if err := json.Unmarshal(entry, &shorthand); err == nil {
			shorthand = strings.TrimSpace(shorthand)
			if shorthand == "" {
				collect(errs, &Error{Kind: InvalidRule, Path: path, Detail: "entries cannot be empty strings"})
				continue
			}
			out = append(out, IgnoreRule{
				Name:    shorthand,
				Senders: []string{shorthand},
				Actions: IgnoreActions{SkipAnalysis: true, SkipImport: true},
			})
			continue
		}

		var rr rawIgnoreRule
		if err := json.Unmarshal(entry, &rr); err != nil {
			collect(errs, &Error{
				Kind:   InvalidRule,
				Path:   path,
				Detail: fmt.Sprintf("must be a string or object: %v", err),
			})
			continue
		}

		rule := IgnoreRule{Name: strings.TrimSpace(rr.Name)}
		rule.Senders = cleanStrings(firstNonEmpty(rr.Senders, rr.Emails, matchSenders(rr.Match)))
		rule.SubjectContains = cleanStrings(firstNonEmpty(rr.SubjectContains, matchSubjects(rr.Match)))
		for _, d := range cleanStrings(firstNonEmpty(rr.Domains, matchDomains(rr.Match))) {
			if cd := cleanDomain(d); cd != "" {
				rule.Domains = append(rule.Domains, cd)
			}
		}
		rule.Senders = uniquePreserveOrder(rule.Senders)
		rule.Domains = uniquePreserveOrder(rule.Domains)
		rule.SubjectContains = uniquePreserveOrder(rule.SubjectContains)

		if rr.Actions != nil {
			rule.Actions = IgnoreActions{
				SkipAnalysis:    coerceBool(rr.Actions.SkipAnalysis, path+".actions.skip_analysis", errs),
				SkipImport:      coerceBool(rr.Actions.SkipImport, path+".actions.skip_import", errs),
				MarkAsRead:      coerceBool(rr.Actions.MarkAsRead, path+".actions.mark_as_read", errs),
				ApplyLabels:     cleanStrings(rr.Actions.ApplyLabels),
				Archive:         coerceBool(rr.Actions.Archive, path+".actions.archive", errs),
				DeleteAfterDays: coerceDays(rr.Actions.DeleteAfterDays, path+".actions.delete_after_days", errs),
			}
		}

		if len(rule.Senders) == 0 && len(rule.Domains) == 0 && len(rule.SubjectContains) == 0 {
			collect(errs, &Error{
				Kind:   InvalidRule,
				Path:   path,
				Detail: "ignore rules must define senders, domains, or subject filters",
			})
			continue
		}
		if (rule.Actions.SkipAnalysis || rule.Actions.SkipImport) &&
			len(rule.Senders) == 0 && len(rule.Domains) == 0 {
			collect(errs, &Error{
				Kind:   InvalidRule,
				Path:   path,
				Detail: "rules that skip analysis or import must specify senders or domains",
			})
			continue
		}
		if rule.Name == "" {
			rule.Name = defaultIgnoreName(rule, i)
		}
		out = append(out, rule)
	}
	return out
}

type rawSelectedDeletion struct {
	ID          string          `json:"id"`
	MessageID   string          `json:"message_id"`
	Label       string          `json:"label"`
	Labels      []string        `json:"labels"`
	RequireRead json.RawMessage `json:"require_read"`
	Reason      string          `json:"reason"`
	Actor       string          `json:"actor"`
	Rule        string          `json:"rule"`
}

func normalizeSelectedDeletions(section json.RawMessage, errs **multierror.Error) []SelectedDeletion {
	var entries []json.RawMessage
	if err := json.Unmarshal(section, &entries); err != nil {
		collect(errs, &Error{
			Kind:   InvalidDocument,
			Path:   keySelectedDeletions,
			Detail: fmt.Sprintf("must be a list: %v", err),
		})
		return nil
	}

	out := make([]SelectedDeletion, 0, len(entries))
	for i, entry := range entries {
		path := fmt.Sprintf("%s[%d]", keySelectedDeletions, i)

		var shorthand string
		if err := json.Unmarshal(entry, &shorthand); err == nil {
			shorthand = strings.TrimSpace(shorthand)
			if shorthand == "" {
				collect(errs, &Error{Kind: InvalidRule, Path: path, Detail: "entries cannot be empty strings"})
				continue
			}
			out = append(out, SelectedDeletion{ID: shorthand})
			continue
		}

		var rd rawSelectedDeletion
		if err := json.Unmarshal(entry, &rd); err != nil {
			collect(errs, &Error{
				Kind:   InvalidRule,
				Path:   path,
				Detail: fmt.Sprintf("must be a string or object: %v", err),
			})
			continue
		}
		id := strings.TrimSpace(rd.ID)
		if id == "" {
			id = strings.TrimSpace(rd.MessageID)
		}
		if id == "" {
			collect(errs, &Error{
				Kind:   InvalidRule,
				Path:   path,
				Detail: "entries must include an 'id' or 'message_id'",
			})
			continue
		}
		label := strings.TrimSpace(rd.Label)
		if label == "" && len(rd.Labels) > 0 {
			// Legacy configs store labels in a list; the first one wins.
			label = strings.TrimSpace(rd.Labels[0])
		}
		out = append(out, SelectedDeletion{
			ID:          id,
			Label:       label,
			RequireRead: coerceBool(rd.RequireRead, path+".require_read", errs),
			Reason:      strings.TrimSpace(rd.Reason),
			Actor:       strings.TrimSpace(rd.Actor),
			Rule:        strings.TrimSpace(rd.Rule),
		})
	}
	return out
}

func normalizeProtectedLabels(section json.RawMessage, errs **multierror.Error) []string {
	var labels []string
	if err := json.Unmarshal(section, &labels); err != nil {
		collect(errs, &Error{
			Kind:   InvalidDocument,
			Path:   keyProtectedLabels,
			Detail: fmt.Sprintf("must be a list of label names: %v", err),
		})
		return nil
	}
	return uniquePreserveOrder(cleanStrings(labels))
}

// coerceBool accepts a JSON boolean or the case-insensitive strings
// "true"/"false". Absent fields default to false; anything else is an
// InvalidBoolean failure.
func coerceBool(raw json.RawMessage, path string, errs **multierror.Error) bool {
	if len(raw) == 0 {
		return false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "true":
			return true
		case "false":
			return false
		}
	}
	collect(errs, &Error{
		Kind:   InvalidBoolean,
		Path:   path,
		Detail: fmt.Sprintf("cannot interpret %s as a boolean", compactJSON(raw)),
	})
	return false
}

// coerceDays accepts a non-negative integer, null, the empty string, or a
// numeric string. nil means "never delete".
func coerceDays(raw json.RawMessage, path string, errs **multierror.Error) *int {
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	var days int
	if err := json.Unmarshal(raw, &days); err == nil {
		return validDays(days, path, errs)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
		if days, err := strconv.Atoi(s); err == nil {
			return validDays(days, path, errs)
		}
	}
	collect(errs, &Error{
		Kind:   InvalidDeleteWindow,
		Path:   path,
		Detail: fmt.Sprintf("cannot interpret %s as a day count", compactJSON(raw)),
	})
	return nil
}

func validDays(days int, path string, errs **multierror.Error) *int {
	if days < 0 {
		collect(errs, &Error{
			Kind:   InvalidDeleteWindow,
			Path:   path,
			Detail: fmt.Sprintf("day count must be zero or greater, got %d", days),
		})
		return nil
	}
	return &days
}

// orderedObject decodes a JSON object while preserving key order, which Go
// maps discard. Matching precedence depends on document order.
func orderedObject(raw json.RawMessage) ([]string, map[string]json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, fmt.Errorf("decode section: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, nil, fmt.Errorf("must be a JSON object, got %v", tok)
	}
	var order []string
	entries := map[string]json.RawMessage{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, nil, fmt.Errorf("decode key: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, nil, fmt.Errorf("object key is not a string: %v", keyTok)
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, nil, fmt.Errorf("decode value for %q: %w", key, err)
		}
		if _, dup := entries[key]; !dup {
			order = append(order, key)
		}
		entries[key] = value
	}
	return order, entries, nil
}

// collectWarnings reports duplicate senders within a label and senders
// shared across labels. Both are advisory: matching is first-wins.
func collectWarnings(doc Document) []string {
	var warnings []string
	firstLabel := map[string]string{} // folded sender -> first label

	for _, label := range doc.SenderOrder {
		seenInLabel := map[string]struct{}{}
		for _, rule := range doc.SenderRules[label] {
			for _, email := range rule.Emails {
				folded := FoldAddress(email)
				if folded == "" {
					continue
				}
				if _, dup := seenInLabel[folded]; dup {
					warnings = append(warnings, fmt.Sprintf(
						"duplicate sender %q under label %q; first occurrence wins", folded, label))
				}
				seenInLabel[folded] = struct{}{}
				if prev, ok := firstLabel[folded]; ok {
					if prev != label {
						warnings = append(warnings, fmt.Sprintf(
							"sender %q appears under labels %q and %q; %q wins by document order",
							folded, prev, label, prev))
					}
					continue
				}
				firstLabel[folded] = label
			}
		}
	}
	return warnings
}

func collect(errs **multierror.Error, err error) {
	*errs = multierror.Append(*errs, err)
}

func cleanStrings(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func uniquePreserveOrder(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func firstNonEmpty(candidates ...[]string) []string {
	for _, c := range candidates {
		if len(c) > 0 {
			return c
		}
	}
	return nil
}

func matchSenders(m *rawIgnoreMatch) []string {
	if m == nil {
		return nil
	}
	if len(m.Senders) > 0 {
		return m.Senders
	}
	return m.Emails
}

func matchDomains(m *rawIgnoreMatch) []string {
	if m == nil {
		return nil
	}
	return m.Domains
}

func matchSubjects(m *rawIgnoreMatch) []string {
	if m == nil {
		return nil
	}
	return m.SubjectContains
}

func defaultIgnoreName(rule IgnoreRule, index int) string {
	switch {
	case len(rule.Senders) > 0:
		return rule.Senders[0]
	case len(rule.Domains) > 0:
		return "@" + rule.Domains[0]
	case len(rule.SubjectContains) > 0:
		return rule.SubjectContains[0]
	default:
		return fmt.Sprintf("Rule %d", index+1)
	}
}

func compactJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
