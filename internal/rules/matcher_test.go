package rules

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/rparke/inboxctl/internal/config"
	"github.com/rparke/inboxctl/internal/gmail"
)

func mustDoc(t *testing.T, raw string) config.Document {
	t.Helper()
	doc, err := config.Normalize([]byte(raw))
	if err != nil {
		t.Fatalf("normalize fixture: %v", err)
	}
	return doc
}

func slogDiscard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestClassifyPrecedence(t *testing.T) {
	doc := mustDoc(t, `{
		"SENDER_TO_LABELS": {
			"Finance": [{"read_status": true, "delete_after_days": 30, "emails": ["bank@example.com"]}]
		},
		"KEYWORD_TO_LABELS": {
			"Receipts": [{"keywords": ["receipt"]}]
		},
		"IGNORED_EMAILS": ["noreply@example.com"]
	}`)
	engine := NewEngine(doc, slogDiscard())

	tests := []struct {
		name        string
		msg         gmail.Message
		wantOutcome Outcome
		wantLabel   string
	}{
		{
			name:        "ignore-beats-sender",
			msg:         gmail.Message{ID: "1", Sender: "noreply@example.com", Subject: "your receipt"},
			wantOutcome: Ignored,
		},
		{
			name:        "sender-beats-keyword",
			msg:         gmail.Message{ID: "2", Sender: "bank@example.com", Subject: "receipt attached"},
			wantOutcome: Labeled,
			wantLabel:   "Finance",
		},
		{
			name:        "sender-case-insensitive",
			msg:         gmail.Message{ID: "3", Sender: "Bank@Example.COM"},
			wantOutcome: Labeled,
			wantLabel:   "Finance",
		},
		{
			name:        "keyword-on-subject",
			msg:         gmail.Message{ID: "4", Sender: "shop@other.com", Subject: "Your Receipt"},
			wantOutcome: Labeled,
			wantLabel:   "Receipts",
		},
		{
			name:        "keyword-on-snippet",
			msg:         gmail.Message{ID: "5", Sender: "shop@other.com", Snippet: "here is the receipt for"},
			wantOutcome: Labeled,
			wantLabel:   "Receipts",
		},
		{
			name:        "unmatched",
			msg:         gmail.Message{ID: "6", Sender: "stranger@nowhere.com", Subject: "hello"},
			wantOutcome: Unmatched,
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			got := engine.Classify(tc.msg)
			if got.Outcome != tc.wantOutcome {
				t.Fatalf("outcome: got %v want %v", got.Outcome, tc.wantOutcome)
			}
			if tc.wantLabel != "" && got.Label != tc.wantLabel {
				t.Fatalf("label: got %q want %q", got.Label, tc.wantLabel)
			}
		})
	}
}

func TestClassifyCrossLabelFirstWins(t *testing.T) {
	doc := mustDoc(t, `{
		"SENDER_TO_LABELS": {
			"Finance": [{"emails": ["shared@x.com"]}],
			"News": [{"emails": ["shared@x.com"]}]
		}
	}`)
	engine := NewEngine(doc, slogDiscard())

	got := engine.Classify(gmail.Message{ID: "1", Sender: "shared@x.com"})
	if got.Outcome != Labeled || got.Label != "Finance" {
		t.Fatalf("first label by document order must win: got %+v", got)
	}
	// Cross-label overlap is a warning, never an error; normalization
	// already flagged it.
	if len(doc.Warnings) != 1 {
		t.Fatalf("expected 1 warning, got %v", doc.Warnings)
	}
}

func TestClassifyGroupIndexWithinLabel(t *testing.T) {
	doc := mustDoc(t, `{
		"SENDER_TO_LABELS": {
			"Finance": [
				{"group_index": 2, "read_status": false, "emails": ["both@x.com"]},
				{"group_index": 1, "read_status": true, "emails": ["both@x.com"]}
			]
		}
	}`)
	engine := NewEngine(doc, slogDiscard())

	got := engine.Classify(gmail.Message{ID: "1", Sender: "both@x.com"})
	if !got.ReadStatus {
		t.Fatalf("lower group_index rule must win")
	}
}

func TestClassifyIgnoreCarriesActions(t *testing.T) {
	doc := mustDoc(t, `{
		"IGNORED_EMAILS": [
			{
				"name": "Promos",
				"domains": ["deals.example"],
				"actions": {"mark_as_read": true, "apply_labels": ["Promotions"], "delete_after_days": 7}
			}
		]
	}`)
	engine := NewEngine(doc, slogDiscard())

	got := engine.Classify(gmail.Message{ID: "1", Sender: "offer@deals.example"})
	if got.Outcome != Ignored {
		t.Fatalf("outcome: got %v", got.Outcome)
	}
	if got.RuleName != "Promos" {
		t.Fatalf("rule name: got %q", got.RuleName)
	}
	if !got.Actions.MarkAsRead || len(got.Actions.ApplyLabels) != 1 {
		t.Fatalf("actions: got %+v", got.Actions)
	}
	if got.Actions.DeleteAfterDays == nil || *got.Actions.DeleteAfterDays != 7 {
		t.Fatalf("delete window: got %v", got.Actions.DeleteAfterDays)
	}
}

func TestClassifyIgnoreSubjectMatch(t *testing.T) {
	doc := mustDoc(t, `{
		"IGNORED_EMAILS": [
			{"name": "Webinars", "subject_contains": ["webinar"], "actions": {"mark_as_read": true}}
		]
	}`)
	engine := NewEngine(doc, slogDiscard())

	got := engine.Classify(gmail.Message{ID: "1", Sender: "anyone@x.com", Subject: "Join our WEBINAR"})
	if got.Outcome != Ignored {
		t.Fatalf("subject ignore rule must match: got %v", got.Outcome)
	}
}

func TestInScope(t *testing.T) {
	engine := NewEngine(config.Document{}, slogDiscard())
	lastRun := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		date time.Time
		want bool
	}{
		{name: "after", date: lastRun.Add(time.Second), want: true},
		{name: "equal", date: lastRun, want: false},
		{name: "before", date: lastRun.Add(-time.Hour), want: false},
	}
	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			got := engine.InScope(gmail.Message{ID: "1", Date: tc.date}, lastRun)
			if got != tc.want {
				t.Fatalf("in scope: got %v want %v", got, tc.want)
			}
		})
	}
}
