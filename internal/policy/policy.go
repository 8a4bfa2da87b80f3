// Package policy decides whether a classified message may be deleted now,
// deferred, or skipped. Protected labels override everything else.
package policy

import (
	"log/slog"
	"os"
	"time"

	"github.com/rparke/inboxctl/internal/config"
	"github.com/rparke/inboxctl/internal/gmail"
)

// DecisionKind is the outcome of a deletion evaluation.
type DecisionKind int

const (
	// Skip means the message is never deleted under current rules.
	Skip DecisionKind = iota
	// Defer means the message may be deleted later (still unread, or not
	// old enough yet).
	Defer
	// Delete means deletion may proceed now.
	Delete
)

func (k DecisionKind) String() string {
	switch k {
	case Delete:
		return "delete"
	case Defer:
		return "defer"
	default:
		return "skip"
	}
}

// Decision reasons.
const (
	ReasonProtected    = "protected"
	ReasonAwaitingRead = "awaiting_read"
	ReasonNoPolicy     = "no_policy"
	ReasonTooYoung     = "too_young"
)

// Decision is one deletion ruling, with the rule that governed it.
type Decision struct {
	Kind     DecisionKind
	Reason   string // set for Defer and Skip
	RuleName string
	// Selected is set when a SELECTED_EMAIL_DELETIONS entry matched; the
	// orchestrator runs its linked ignore-rule actions before deleting.
	Selected *config.SelectedDeletion
}

const hoursPerDay = 24

// Engine evaluates the deletion policy against an immutable document
// snapshot. Every decision is logged with enough detail to reproduce it.
type Engine struct {
	doc      config.Document
	logger   *slog.Logger
	clock    func() time.Time
	selected map[gmail.MessageID]config.SelectedDeletion
}

// NewEngine builds a policy engine for one run.
func NewEngine(doc config.Document, logger *slog.Logger, clock func() time.Time) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if clock == nil {
		clock = time.Now
	}
	selected := make(map[gmail.MessageID]config.SelectedDeletion, len(doc.SelectedDeletions))
	for _, entry := range doc.SelectedDeletions {
		if _, dup := selected[gmail.MessageID(entry.ID)]; dup {
			continue // first entry wins
		}
		selected[gmail.MessageID(entry.ID)] = entry
	}
	return &Engine{doc: doc, logger: logger, clock: clock, selected: selected}
}

// MayDelete rules on one message. governing is the delete_after_days value
// from whichever rule classified the message (nil when none applies) and
// ruleName identifies that rule for the audit trail.
func (e *Engine) MayDelete(msg gmail.Message, governing *int, ruleName string) Decision {
	for _, label := range msg.Labels {
		if e.doc.IsProtected(label) {
			// Unconditional: protected labels override selected
			// deletions and every delete_after_days policy.
			return e.logged(msg, Decision{Kind: Skip, Reason: ReasonProtected, RuleName: "protected:" + label})
		}
	}

	if entry, ok := e.selectedFor(msg); ok {
		if entry.RequireRead && msg.Unread {
			return e.logged(msg, Decision{
				Kind:     Defer,
				Reason:   ReasonAwaitingRead,
				RuleName: selectedRuleName(entry),
				Selected: &entry,
			})
		}
		return e.logged(msg, Decision{
			Kind:     Delete,
			RuleName: selectedRuleName(entry),
			Selected: &entry,
		})
	}

	if governing == nil {
		return e.logged(msg, Decision{Kind: Skip, Reason: ReasonNoPolicy, RuleName: ruleName})
	}
	if *governing == 0 {
		// Immediate deletion, after the rule's other actions apply.
		return e.logged(msg, Decision{Kind: Delete, RuleName: ruleName})
	}
	age := e.clock().Sub(msg.Date)
	if age >= time.Duration(*governing)*hoursPerDay*time.Hour {
		return e.logged(msg, Decision{Kind: Delete, RuleName: ruleName})
	}
	return e.logged(msg, Decision{Kind: Defer, Reason: ReasonTooYoung, RuleName: ruleName})
}

// selectedFor matches the message against SELECTED_EMAIL_DELETIONS by id,
// and by label when the entry specifies one.
func (e *Engine) selectedFor(msg gmail.Message) (config.SelectedDeletion, bool) {
	entry, ok := e.selected[msg.ID]
	if !ok {
		return config.SelectedDeletion{}, false
	}
	if entry.Label != "" && !msg.HasLabel(entry.Label) {
		return config.SelectedDeletion{}, false
	}
	return entry, true
}

func (e *Engine) logged(msg gmail.Message, d Decision) Decision {
	e.logger.Info("deletion decision",
		"message", string(msg.ID),
		"sender", msg.Sender,
		"date", msg.Date.Format(time.RFC3339),
		"decision", d.Kind.String(),
		"reason", d.Reason,
		"rule", d.RuleName,
	)
	return d
}

func selectedRuleName(entry config.SelectedDeletion) string {
	if entry.Rule != "" {
		return "selected:" + entry.Rule
	}
	return "selected:" + entry.ID
}
