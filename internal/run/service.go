// Package run drives one batch pass: fetch each configured sender's new
// mail, classify it, apply mutations, evaluate deletion policy, and advance
// per-sender state. Single-threaded and synchronous by design.
package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/rparke/inboxctl/internal/config"
	"github.com/rparke/inboxctl/internal/gmail"
	"github.com/rparke/inboxctl/internal/policy"
	"github.com/rparke/inboxctl/internal/rate"
	"github.com/rparke/inboxctl/internal/rules"
	"github.com/rparke/inboxctl/internal/state"
)

const defaultPageSize = 500

// Spec controls one run.
type Spec struct {
	// DryRun performs every classification and decision but suppresses
	// mailbox mutations and state writes.
	DryRun bool
	// FullRescan bypasses per-sender last-run gating and re-evaluates
	// historical mail.
	FullRescan bool
	// ConfirmDelete allows actual deletions. Without it, delete decisions
	// are logged and skipped.
	ConfirmDelete bool
	PageSize      int
}

// Summary counts the decisions taken during a run. Dry runs produce the
// same counts as the live run they preview.
type Summary struct {
	Processed int // messages classified
	Labeled   int
	Ignored   int
	Deleted   int // delete decisions (suppressed ones included)
	Deferred  int
	Skipped   int
	Errors    int // per-message transport failures
}

// Service wires the engines to the external collaborators for one run.
type Service struct {
	Client  gmail.Client
	Limiter rate.Limiter
	Logger  *slog.Logger
	Clock   func() time.Time

	Doc   config.Document
	State *state.Store
	Queue *policy.Queue
}

// NewService constructs a run service with sane defaults.
func NewService(client gmail.Client, limiter rate.Limiter, logger *slog.Logger,
	doc config.Document, st *state.Store, queue *policy.Queue,
) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Service{
		Client:  client,
		Limiter: limiter,
		Logger:  logger,
		Clock:   time.Now,
		Doc:     doc,
		State:   st,
		Queue:   queue,
	}
}

// Run executes one batch pass to completion. Per-message transport errors
// are logged and isolated; cancellation stops between senders so state
// never records partial progress within a sender's batch.
func (s *Service) Run(ctx context.Context, spec Spec) (Summary, error) {
	var sum Summary
	now := s.Clock()
	matcher := rules.NewEngine(s.Doc, s.Logger)
	pol := policy.NewEngine(s.Doc, s.Logger, s.Clock)

	for _, warning := range s.Doc.Warnings {
		s.Logger.Warn("configuration warning", "detail", warning)
	}

	if !spec.DryRun {
		s.ensureLabels(ctx)
	}

	// handled dedupes messages across overlapping sender queries; decided
	// tracks which selected-deletion targets already received a ruling.
	handled := map[gmail.MessageID]struct{}{}
	decided := map[gmail.MessageID]struct{}{}
	s.processDeferred(ctx, spec, &sum, decided)

	for _, sender := range s.Doc.Senders() {
		if ctx.Err() != nil {
			break
		}
		ok := s.processSender(ctx, spec, matcher, pol, sender, &sum, handled, decided)
		if ok && !spec.DryRun {
			// Atomic per sender: the timestamp advances only when every
			// qualifying message in the batch was processed.
			s.State.Advance(sender, now)
		}
	}

	if ctx.Err() == nil {
		s.processSelected(ctx, spec, pol, &sum, decided)
	}

	if !spec.DryRun {
		if err := s.State.Save(); err != nil {
			return sum, fmt.Errorf("save sender state: %w", err)
		}
		if err := s.Queue.Save(); err != nil {
			return sum, fmt.Errorf("save deferred deletions: %w", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return sum, fmt.Errorf("run interrupted: %w", err)
	}
	return sum, nil
}

// processSender fetches and classifies one sender's batch. Returns false
// when any message failed, which blocks that sender's state advancement.
func (s *Service) processSender(
	ctx context.Context,
	spec Spec,
	matcher *rules.Engine,
	pol *policy.Engine,
	sender string,
	sum *Summary,
	handled, decided map[gmail.MessageID]struct{},
) bool {
	lastRun := s.State.GetOrSeed(sender)
	since := lastRun
	if spec.FullRescan {
		since = state.Sentinel
	}
	q := gmail.Query{Raw: fmt.Sprintf("from:%s label:inbox after:%d", config.FoldAddress(sender), since.Unix())}

	ok := true
	token := ""
	for {
		if err := s.wait(ctx); err != nil {
			return false
		}
		page, err := s.Client.List(ctx, q, token, s.pageSize(spec))
		if err != nil {
			s.Logger.Error("list failed for sender", "sender", sender, "error", err)
			sum.Errors++
			return false
		}
		for _, id := range page.IDs {
			if !s.processMessage(ctx, spec, matcher, pol, id, sender, lastRun, sum, handled, decided) {
				ok = false
			}
		}
		if page.NextPageToken == "" {
			break
		}
		token = page.NextPageToken
	}
	return ok
}

func (s *Service) processMessage(
	ctx context.Context,
	spec Spec,
	matcher *rules.Engine,
	pol *policy.Engine,
	id gmail.MessageID,
	sender string,
	lastRun time.Time,
	sum *Summary,
	handled, decided map[gmail.MessageID]struct{},
) bool {
	if _, done := handled[id]; done {
		return true
	}
	if err := s.wait(ctx); err != nil {
		return false
	}
	msg, err := s.Client.Get(ctx, id)
	if err != nil {
		s.Logger.Error("fetch failed; skipping message",
			"message", string(id), "sender", sender, "error", err)
		sum.Errors++
		return false
	}
	if !spec.FullRescan && !matcher.InScope(msg, lastRun) {
		return true
	}
	handled[id] = struct{}{}
	sum.Processed++

	match := matcher.Classify(msg)
	switch match.Outcome {
	case rules.Ignored:
		sum.Ignored++
		if !s.applyIgnoreActions(ctx, spec, msg, match.RuleName, match.Actions) {
			sum.Errors++
			return false
		}
		if match.Actions.DeleteAfterDays != nil {
			return s.applyDecision(ctx, spec, sum, decided, msg,
				pol.MayDelete(msg, match.Actions.DeleteAfterDays, "ignore:"+match.RuleName))
		}
		return true
	case rules.Labeled:
		sum.Labeled++
		if !s.applyLabel(ctx, spec, msg, match) {
			sum.Errors++
			return false
		}
		return s.applyDecision(ctx, spec, sum, decided, msg,
			pol.MayDelete(msg, match.DeleteAfterDays, match.RuleName))
	default:
		// Unmatched: no label, no read-state change, no deletion.
		return true
	}
}

func (s *Service) applyLabel(ctx context.Context, spec Spec, msg gmail.Message, match rules.Match) bool {
	if msg.HasLabel(match.Label) {
		return true
	}
	if spec.DryRun {
		s.Logger.Info("would label message",
			"message", string(msg.ID), "sender", msg.Sender,
			"label", match.Label, "mark_read", match.ReadStatus)
		return true
	}
	ops := gmail.ModifyOps{
		AddLabels: []string{match.Label},
		MarkRead:  match.ReadStatus,
		Archive:   true,
	}
	if err := s.modify(ctx, msg.ID, ops); err != nil {
		s.Logger.Error("label failed", "message", string(msg.ID), "label", match.Label, "error", err)
		return false
	}
	s.Logger.Info("labeled message",
		"message", string(msg.ID), "sender", msg.Sender,
		"label", match.Label, "mark_read", match.ReadStatus)
	return true
}

func (s *Service) applyIgnoreActions(
	ctx context.Context, spec Spec, msg gmail.Message, ruleName string, actions config.IgnoreActions,
) bool {
	if !actions.MarkAsRead && !actions.Archive && len(actions.ApplyLabels) == 0 {
		return true
	}
	if spec.DryRun {
		s.Logger.Info("would apply ignore-rule actions",
			"message", string(msg.ID), "rule", ruleName,
			"mark_read", actions.MarkAsRead, "archive", actions.Archive,
			"labels", len(actions.ApplyLabels))
		return true
	}
	ops := gmail.ModifyOps{
		AddLabels: actions.ApplyLabels,
		MarkRead:  actions.MarkAsRead,
		Archive:   actions.Archive,
	}
	if err := s.modify(ctx, msg.ID, ops); err != nil {
		s.Logger.Error("ignore-rule actions failed",
			"message", string(msg.ID), "rule", ruleName, "error", err)
		return false
	}
	return true
}

// applyDecision carries out a deletion ruling. The decision itself was
// already logged by the policy engine.
func (s *Service) applyDecision(
	ctx context.Context,
	spec Spec,
	sum *Summary,
	decided map[gmail.MessageID]struct{},
	msg gmail.Message,
	d policy.Decision,
) bool {
	if d.Selected != nil {
		decided[gmail.MessageID(d.Selected.ID)] = struct{}{}
	}
	switch d.Kind {
	case policy.Delete:
		sum.Deleted++
		if d.Selected != nil && !s.applyLinkedRule(ctx, spec, msg, *d.Selected) {
			sum.Errors++
			return false
		}
		switch {
		case spec.DryRun:
			s.Logger.Info("would delete message", "message", string(msg.ID), "rule", d.RuleName)
		case !spec.ConfirmDelete:
			s.Logger.Info("deletion skipped (unconfirmed)", "message", string(msg.ID), "rule", d.RuleName)
		default:
			if err := s.wait(ctx); err != nil {
				return false
			}
			if err := s.Client.Delete(ctx, msg.ID); err != nil {
				s.Logger.Error("delete failed", "message", string(msg.ID), "rule", d.RuleName, "error", err)
				sum.Errors++
				return false
			}
			s.Logger.Info("deleted message", "message", string(msg.ID), "rule", d.RuleName)
		}
		return true
	case policy.Defer:
		sum.Deferred++
		if d.Reason == policy.ReasonAwaitingRead && d.Selected != nil && !spec.DryRun {
			s.Queue.Add(msg.ID, d.RuleName, s.Clock())
		}
		return true
	default:
		sum.Skipped++
		return true
	}
}

// applyLinkedRule runs the ignore-rule actions a SELECTED_EMAIL_DELETIONS
// entry links to, before the deletion itself.
func (s *Service) applyLinkedRule(ctx context.Context, spec Spec, msg gmail.Message, entry config.SelectedDeletion) bool {
	if entry.Rule == "" {
		return true
	}
	rule, ok := s.Doc.IgnoreRuleByName(entry.Rule)
	if !ok {
		s.Logger.Warn("selected deletion links unknown rule",
			"message", entry.ID, "rule", entry.Rule)
		return true
	}
	return s.applyIgnoreActions(ctx, spec, msg, rule.Name, rule.Actions)
}

// processDeferred retries deletions deferred in earlier runs: once the
// message has been read (and is still unprotected), it is deleted and
// dequeued. Messages that vanished are dequeued silently.
func (s *Service) processDeferred(
	ctx context.Context, spec Spec, sum *Summary, decided map[gmail.MessageID]struct{},
) {
	if s.Queue == nil || s.Queue.Len() == 0 {
		return
	}
	for _, id := range s.Queue.IDs() {
		if ctx.Err() != nil {
			return
		}
		entry, _ := s.Queue.Entry(id)
		if err := s.wait(ctx); err != nil {
			return
		}
		msg, err := s.Client.Get(ctx, id)
		if errors.Is(err, gmail.ErrNotFound) {
			s.Logger.Info("deferred message no longer exists; dequeuing", "message", string(id))
			decided[id] = struct{}{}
			if !spec.DryRun {
				s.Queue.Remove(id)
			}
			continue
		}
		if err != nil {
			s.Logger.Error("fetch deferred message failed", "message", string(id), "error", err)
			sum.Errors++
			continue
		}
		decided[id] = struct{}{}
		if msg.Unread {
			s.Logger.Info("deferred message still unread",
				"message", string(id), "rule", entry.RuleName)
			sum.Deferred++
			continue
		}
		if protected, label := s.protectedLabel(msg); protected {
			s.Logger.Info("deferred deletion blocked by protected label",
				"message", string(id), "label", label, "rule", entry.RuleName)
			sum.Skipped++
			continue
		}
		sum.Deleted++
		switch {
		case spec.DryRun:
			s.Logger.Info("would delete deferred message", "message", string(id), "rule", entry.RuleName)
		case !spec.ConfirmDelete:
			s.Logger.Info("deferred deletion skipped (unconfirmed)",
				"message", string(id), "rule", entry.RuleName)
		default:
			if err := s.wait(ctx); err != nil {
				return
			}
			if err := s.Client.Delete(ctx, id); err != nil {
				s.Logger.Error("deferred delete failed",
					"message", string(id), "rule", entry.RuleName, "error", err)
				sum.Errors++
				continue
			}
			s.Logger.Info("deleted deferred message", "message", string(id), "rule", entry.RuleName)
			s.Queue.Remove(id)
		}
	}
}

// processSelected evaluates SELECTED_EMAIL_DELETIONS entries that have not
// already received a ruling earlier in the run.
func (s *Service) processSelected(
	ctx context.Context, spec Spec, pol *policy.Engine, sum *Summary, decided map[gmail.MessageID]struct{},
) {
	for _, entry := range s.Doc.SelectedDeletions {
		if ctx.Err() != nil {
			return
		}
		id := gmail.MessageID(entry.ID)
		if _, done := decided[id]; done {
			continue
		}
		if err := s.wait(ctx); err != nil {
			return
		}
		msg, err := s.Client.Get(ctx, id)
		if errors.Is(err, gmail.ErrNotFound) {
			s.Logger.Info("selected deletion target no longer exists", "message", entry.ID)
			continue
		}
		if err != nil {
			s.Logger.Error("fetch selected deletion target failed", "message", entry.ID, "error", err)
			sum.Errors++
			continue
		}
		s.applyDecision(ctx, spec, sum, decided, msg, pol.MayDelete(msg, nil, ""))
	}
}

// ensureLabels creates every configured label that does not exist yet. A
// creation failure is not fatal; labeling that category fails per message.
func (s *Service) ensureLabels(ctx context.Context) {
	seen := map[string]struct{}{}
	ensure := func(label string) {
		if label == "" {
			return
		}
		if _, done := seen[label]; done {
			return
		}
		seen[label] = struct{}{}
		if err := s.wait(ctx); err != nil {
			return
		}
		if _, err := s.Client.EnsureLabel(ctx, label); err != nil {
			s.Logger.Error("ensure label failed", "label", label, "error", err)
		}
	}
	for _, label := range s.Doc.SenderOrder {
		ensure(label)
	}
	for _, label := range s.Doc.KeywordOrder {
		ensure(label)
	}
	for _, rule := range s.Doc.IgnoreRules {
		for _, label := range rule.Actions.ApplyLabels {
			ensure(label)
		}
	}
}

func (s *Service) modify(ctx context.Context, id gmail.MessageID, ops gmail.ModifyOps) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	return s.Client.Modify(ctx, id, ops)
}

func (s *Service) pageSize(spec Spec) int {
	if spec.PageSize <= 0 || spec.PageSize > defaultPageSize {
		return defaultPageSize
	}
	return spec.PageSize
}

func (s *Service) protectedLabel(msg gmail.Message) (bool, string) {
	for _, label := range msg.Labels {
		if s.Doc.IsProtected(label) {
			return true, label
		}
	}
	return false, ""
}

func (s *Service) wait(ctx context.Context) error {
	if s.Limiter == nil {
		return ctx.Err()
	}
	if err := s.Limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	return nil
}
