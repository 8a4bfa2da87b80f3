// Package rules classifies messages against the rule document: ignore
// rules first, then sender rules, then keyword rules, first decisive match
// wins.
package rules

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/rparke/inboxctl/internal/config"
	"github.com/rparke/inboxctl/internal/gmail"
)

// Outcome discriminates classification results.
type Outcome int

const (
	// Unmatched leaves the message untouched.
	Unmatched Outcome = iota
	// Ignored means an ignore rule preempted labeling; Actions carries its
	// side effects.
	Ignored
	// Labeled assigns the message to a label with the rule's read/delete
	// behavior.
	Labeled
)

func (o Outcome) String() string {
	switch o {
	case Ignored:
		return "ignored"
	case Labeled:
		return "labeled"
	default:
		return "unmatched"
	}
}

// Match is one classification decision.
type Match struct {
	Outcome  Outcome
	RuleName string

	// Ignored only.
	Actions config.IgnoreActions

	// Labeled only.
	Label           string
	ReadStatus      bool
	DeleteAfterDays *int
}

type senderEntry struct {
	label string
	rule  config.Rule
}

// Engine evaluates a normalized document against messages. Build one per
// run; the document snapshot is immutable.
type Engine struct {
	doc    config.Document
	logger *slog.Logger

	// folded sender address -> matching rules across labels, in
	// label-then-group_index order. Length > 1 flags an ambiguity.
	senderIndex map[string][]senderEntry
	warned      map[string]struct{}
}

// NewEngine compiles the document for classification.
func NewEngine(doc config.Document, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	e := &Engine{
		doc:         doc,
		logger:      logger,
		senderIndex: map[string][]senderEntry{},
		warned:      map[string]struct{}{},
	}
	for _, label := range doc.SenderOrder {
		for _, rule := range doc.SenderRules[label] {
			for _, email := range rule.Emails {
				folded := config.FoldAddress(email)
				if folded == "" {
					continue
				}
				e.senderIndex[folded] = append(e.senderIndex[folded], senderEntry{label: label, rule: rule})
			}
		}
	}
	return e
}

// InScope reports whether the message is newer than the sender's recorded
// last-run timestamp. Messages at or before it were already processed.
// Full-rescan passes bypass this gate.
func (e *Engine) InScope(msg gmail.Message, lastRun time.Time) bool {
	return msg.Date.After(lastRun)
}

// Classify evaluates the precedence chain for one message and returns the
// first decisive match.
func (e *Engine) Classify(msg gmail.Message) Match {
	sender := msg.Sender

	for _, rule := range e.doc.IgnoreRules {
		if rule.MatchesAddress(sender) || rule.MatchesSubject(msg.Subject) {
			return Match{Outcome: Ignored, RuleName: rule.Name, Actions: rule.Actions}
		}
	}

	folded := config.FoldAddress(sender)
	if entries := e.senderIndex[folded]; len(entries) > 0 {
		e.warnAmbiguity(folded, entries)
		first := entries[0]
		return Match{
			Outcome:         Labeled,
			RuleName:        "sender:" + folded,
			Label:           first.label,
			ReadStatus:      first.rule.ReadStatus,
			DeleteAfterDays: first.rule.DeleteAfterDays,
		}
	}

	if m, ok := e.matchKeyword(msg); ok {
		return m
	}
	return Match{Outcome: Unmatched}
}

func (e *Engine) matchKeyword(msg gmail.Message) (Match, bool) {
	subject := strings.ToLower(msg.Subject)
	snippet := strings.ToLower(msg.Snippet)
	for _, label := range e.doc.KeywordOrder {
		for _, rule := range e.doc.KeywordRules[label] {
			for _, keyword := range rule.Keywords {
				folded := strings.ToLower(keyword)
				if folded == "" {
					continue
				}
				if strings.Contains(subject, folded) || strings.Contains(snippet, folded) {
					return Match{
						Outcome:         Labeled,
						RuleName:        "keyword:" + folded,
						Label:           label,
						ReadStatus:      rule.ReadStatus,
						DeleteAfterDays: rule.DeleteAfterDays,
					}, true
				}
			}
		}
	}
	return Match{}, false
}

// warnAmbiguity logs a configuration ambiguity once per sender: the same
// address listed under more than one label. First match by document order
// wins; the run continues.
func (e *Engine) warnAmbiguity(folded string, entries []senderEntry) {
	if len(entries) < 2 {
		return
	}
	if _, done := e.warned[folded]; done {
		return
	}
	labels := make([]string, 0, len(entries))
	for _, entry := range entries {
		if len(labels) == 0 || labels[len(labels)-1] != entry.label {
			labels = append(labels, entry.label)
		}
	}
	if len(labels) < 2 {
		return
	}
	e.warned[folded] = struct{}{}
	e.logger.Warn("sender listed under multiple labels; first wins",
		"sender", folded,
		"labels", strings.Join(labels, ","),
		"winner", entries[0].label,
	)
}
