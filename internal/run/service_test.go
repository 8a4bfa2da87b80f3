package run

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rparke/inboxctl/internal/config"
	"github.com/rparke/inboxctl/internal/gmail"
	"github.com/rparke/inboxctl/internal/policy"
	"github.com/rparke/inboxctl/internal/state"
)

type fakeClient struct {
	msgs     map[gmail.MessageID]gmail.Message
	bySender map[string][]gmail.MessageID
	getErr   map[gmail.MessageID]error

	listQueries []string
	modified    map[gmail.MessageID][]gmail.ModifyOps
	deleted     []gmail.MessageID
	ensured     []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		msgs:     map[gmail.MessageID]gmail.Message{},
		bySender: map[string][]gmail.MessageID{},
		getErr:   map[gmail.MessageID]error{},
		modified: map[gmail.MessageID][]gmail.ModifyOps{},
	}
}

func (f *fakeClient) add(msg gmail.Message) {
	f.msgs[msg.ID] = msg
	folded := config.FoldAddress(msg.Sender)
	f.bySender[folded] = append(f.bySender[folded], msg.ID)
}

func (f *fakeClient) List(ctx context.Context, q gmail.Query, pageToken string, pageSize int) (gmail.ListPage, error) {
	_ = ctx
	_ = pageToken
	_ = pageSize
	f.listQueries = append(f.listQueries, q.Raw)
	var sender string
	for _, field := range strings.Fields(q.Raw) {
		if strings.HasPrefix(field, "from:") {
			sender = strings.TrimPrefix(field, "from:")
		}
	}
	return gmail.ListPage{IDs: f.bySender[sender]}, nil
}

func (f *fakeClient) Get(ctx context.Context, id gmail.MessageID) (gmail.Message, error) {
	_ = ctx
	if err, ok := f.getErr[id]; ok {
		return gmail.Message{}, err
	}
	msg, ok := f.msgs[id]
	if !ok {
		return gmail.Message{}, fmt.Errorf("%w: %s", gmail.ErrNotFound, id)
	}
	return msg, nil
}

func (f *fakeClient) Modify(ctx context.Context, id gmail.MessageID, ops gmail.ModifyOps) error {
	_ = ctx
	f.modified[id] = append(f.modified[id], ops)
	return nil
}

func (f *fakeClient) Delete(ctx context.Context, id gmail.MessageID) error {
	_ = ctx
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeClient) ListLabels(ctx context.Context) (map[string]gmail.LabelID, map[gmail.LabelID]string, error) {
	_ = ctx
	return map[string]gmail.LabelID{}, map[gmail.LabelID]string{}, nil
}

func (f *fakeClient) EnsureLabel(ctx context.Context, name string) (gmail.LabelID, error) {
	_ = ctx
	f.ensured = append(f.ensured, name)
	return "Label1", nil
}

func slogDiscard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustDoc(t *testing.T, raw string) config.Document {
	t.Helper()
	doc, err := config.Normalize([]byte(raw))
	if err != nil {
		t.Fatalf("normalize fixture: %v", err)
	}
	return doc
}

func newTestService(t *testing.T, fake *fakeClient, doc config.Document, now time.Time) (*Service, string) {
	t.Helper()
	dir := t.TempDir()
	st, err := state.Open(dir)
	if err != nil {
		t.Fatalf("open state: %v", err)
	}
	queue, err := policy.OpenQueue(dir)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	svc := NewService(fake, nil, slogDiscard(), doc, st, queue)
	svc.Clock = func() time.Time { return now }
	return svc, dir
}

func TestRunLabelsNewMail(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	doc := mustDoc(t, `{
		"SENDER_TO_LABELS": {
			"Finance": [{"read_status": true, "emails": ["bank@x.com"]}]
		}
	}`)
	fake := newFakeClient()
	fake.add(gmail.Message{ID: "m1", Sender: "bank@x.com", Date: now.Add(-time.Hour), Unread: true})

	svc, dir := newTestService(t, fake, doc, now)
	sum, err := svc.Run(context.Background(), Spec{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Labeled != 1 || sum.Processed != 1 {
		t.Fatalf("summary: %+v", sum)
	}

	ops := fake.modified["m1"]
	if len(ops) != 1 {
		t.Fatalf("expected 1 modify call, got %d", len(ops))
	}
	if len(ops[0].AddLabels) != 1 || ops[0].AddLabels[0] != "Finance" {
		t.Fatalf("labels: got %v", ops[0].AddLabels)
	}
	if !ops[0].MarkRead || !ops[0].Archive {
		t.Fatalf("ops: got %+v", ops[0])
	}
	if len(fake.ensured) != 1 || fake.ensured[0] != "Finance" {
		t.Fatalf("ensured labels: got %v", fake.ensured)
	}

	// Sender timestamp advanced and persisted.
	reopened, err := state.Open(dir)
	if err != nil {
		t.Fatalf("reopen state: %v", err)
	}
	if got := reopened.GetOrSeed("bank@x.com"); !got.Equal(now) {
		t.Fatalf("advanced timestamp: got %v want %v", got, now)
	}
}

func TestRunDryRunIsSideEffectFree(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	doc := mustDoc(t, `{
		"SENDER_TO_LABELS": {
			"Finance": [{"delete_after_days": 0, "emails": ["bank@x.com"]}]
		}
	}`)
	fake := newFakeClient()
	fake.add(gmail.Message{ID: "m1", Sender: "bank@x.com", Date: now.Add(-time.Hour)})

	svc, dir := newTestService(t, fake, doc, now)
	sum, err := svc.Run(context.Background(), Spec{DryRun: true, ConfirmDelete: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// Decisions are still made and counted.
	if sum.Labeled != 1 || sum.Deleted != 1 {
		t.Fatalf("summary: %+v", sum)
	}
	if len(fake.modified) != 0 || len(fake.deleted) != 0 || len(fake.ensured) != 0 {
		t.Fatalf("dry run mutated the mailbox: %+v", fake)
	}
	if _, err := os.Stat(filepath.Join(dir, "sender_last_run.json")); !os.IsNotExist(err) {
		t.Fatalf("dry run must not write state")
	}
}

func TestRunDryRunRepeatable(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	doc := mustDoc(t, `{
		"SENDER_TO_LABELS": {
			"Finance": [{"read_status": true, "delete_after_days": 7, "emails": ["bank@x.com"]}],
			"News": [{"emails": ["daily@news.example"]}]
		},
		"SELECTED_EMAIL_DELETIONS": [{"id": "target", "require_read": true}]
	}`)
	fake := newFakeClient()
	fake.add(gmail.Message{ID: "m1", Sender: "bank@x.com", Date: now.Add(-10 * 24 * time.Hour), Unread: true})
	fake.add(gmail.Message{ID: "m2", Sender: "daily@news.example", Date: now.Add(-time.Hour)})
	fake.add(gmail.Message{ID: "target", Sender: "z@z.com", Date: now.Add(-time.Hour), Unread: true})

	svc, _ := newTestService(t, fake, doc, now)
	first, err := svc.Run(context.Background(), Spec{DryRun: true, ConfirmDelete: true})
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := svc.Run(context.Background(), Spec{DryRun: true, ConfirmDelete: true})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	// Dry runs leave no trace, so repeating one over the same feed must
	// reach every decision again.
	if first != second {
		t.Fatalf("dry run not repeatable: first %+v second %+v", first, second)
	}
	if first.Processed == 0 || first.Deleted == 0 || first.Deferred == 0 {
		t.Fatalf("fixture exercised no decisions: %+v", first)
	}
	if len(fake.modified) != 0 || len(fake.deleted) != 0 || svc.Queue.Len() != 0 {
		t.Fatalf("dry runs mutated shared state: %+v", fake)
	}
}

func TestRunTransportErrorBlocksAdvance(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	doc := mustDoc(t, `{
		"SENDER_TO_LABELS": {
			"A": [{"emails": ["flaky@x.com"]}],
			"B": [{"emails": ["steady@y.com"]}]
		}
	}`)
	fake := newFakeClient()
	fake.add(gmail.Message{ID: "bad", Sender: "flaky@x.com", Date: now.Add(-time.Hour)})
	fake.add(gmail.Message{ID: "ok1", Sender: "flaky@x.com", Date: now.Add(-time.Hour)})
	fake.add(gmail.Message{ID: "ok2", Sender: "steady@y.com", Date: now.Add(-time.Hour)})
	fake.getErr["bad"] = fmt.Errorf("transient 500")

	svc, dir := newTestService(t, fake, doc, now)
	sum, err := svc.Run(context.Background(), Spec{})
	if err != nil {
		t.Fatalf("run must isolate per-message failures: %v", err)
	}
	if sum.Errors != 1 {
		t.Fatalf("errors: got %d", sum.Errors)
	}
	// The healthy message in the failing batch was still processed.
	if len(fake.modified["ok1"]) != 1 {
		t.Fatalf("healthy sibling not processed")
	}

	reopened, openErr := state.Open(dir)
	if openErr != nil {
		t.Fatalf("reopen state: %v", openErr)
	}
	if got := reopened.GetOrSeed("flaky@x.com"); !got.Equal(state.Sentinel) {
		t.Fatalf("failed sender must not advance: got %v", got)
	}
	if got := reopened.GetOrSeed("steady@y.com"); !got.Equal(now) {
		t.Fatalf("healthy sender must advance: got %v", got)
	}
}

func TestRunLastRunGating(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	lastRun := now.Add(-24 * time.Hour)
	doc := mustDoc(t, `{
		"SENDER_TO_LABELS": {
			"Finance": [{"emails": ["bank@x.com"]}]
		}
	}`)
	fake := newFakeClient()
	fake.add(gmail.Message{ID: "old", Sender: "bank@x.com", Date: lastRun.Add(-time.Hour)})
	fake.add(gmail.Message{ID: "new", Sender: "bank@x.com", Date: lastRun.Add(time.Hour)})

	svc, _ := newTestService(t, fake, doc, now)
	svc.State.Advance("bank@x.com", lastRun)
	if err := svc.State.Save(); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	sum, err := svc.Run(context.Background(), Spec{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Processed != 1 {
		t.Fatalf("only mail newer than last run is processed: %+v", sum)
	}
	if len(fake.modified["old"]) != 0 {
		t.Fatalf("gated message must not be touched")
	}

	// A full rescan re-evaluates the historical message too.
	fake2 := newFakeClient()
	fake2.add(fake.msgs["old"])
	fake2.add(fake.msgs["new"])
	svc2, _ := newTestService(t, fake2, doc, now)
	svc2.State.Advance("bank@x.com", lastRun)
	sum2, err := svc2.Run(context.Background(), Spec{FullRescan: true})
	if err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if sum2.Processed != 2 {
		t.Fatalf("full rescan must revisit history: %+v", sum2)
	}
}

func TestRunIgnoreRuleActions(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	doc := mustDoc(t, `{
		"IGNORED_EMAILS": [
			{
				"name": "Promos",
				"domains": ["deals.example"],
				"actions": {"mark_as_read": true, "apply_labels": ["Promotions"], "archive": true}
			}
		],
		"SENDER_TO_LABELS": {
			"Promotions-src": [{"emails": ["offer@deals.example"]}]
		}
	}`)
	fake := newFakeClient()
	fake.add(gmail.Message{ID: "m1", Sender: "offer@deals.example", Date: now.Add(-time.Hour), Unread: true})

	svc, _ := newTestService(t, fake, doc, now)
	sum, err := svc.Run(context.Background(), Spec{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Ignored != 1 || sum.Labeled != 0 {
		t.Fatalf("ignore must preempt labeling: %+v", sum)
	}
	ops := fake.modified["m1"]
	if len(ops) != 1 {
		t.Fatalf("expected 1 modify call, got %d", len(ops))
	}
	if !ops[0].MarkRead || !ops[0].Archive || len(ops[0].AddLabels) != 1 {
		t.Fatalf("ops: got %+v", ops[0])
	}
}

func TestRunDeletionGates(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	doc := mustDoc(t, `{
		"SENDER_TO_LABELS": {
			"News": [{"delete_after_days": 7, "emails": ["daily@news.example"]}]
		}
	}`)

	makeFake := func() *fakeClient {
		fake := newFakeClient()
		fake.add(gmail.Message{
			ID: "expired", Sender: "daily@news.example",
			Date: now.Add(-8 * 24 * time.Hour), Labels: []string{"News"},
		})
		return fake
	}

	// Without --confirm-delete the decision is logged but not executed.
	fake := makeFake()
	svc, _ := newTestService(t, fake, doc, now)
	sum, err := svc.Run(context.Background(), Spec{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Deleted != 1 {
		t.Fatalf("summary: %+v", sum)
	}
	if len(fake.deleted) != 0 {
		t.Fatalf("unconfirmed run must not delete")
	}

	fake = makeFake()
	svc, _ = newTestService(t, fake, doc, now)
	if _, err := svc.Run(context.Background(), Spec{ConfirmDelete: true}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(fake.deleted) != 1 || fake.deleted[0] != "expired" {
		t.Fatalf("confirmed run must delete: %v", fake.deleted)
	}
}

func TestRunProtectedLabelBlocksDeletion(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	doc := mustDoc(t, `{
		"SENDER_TO_LABELS": {
			"News": [{"delete_after_days": 0, "emails": ["daily@news.example"]}]
		},
		"PROTECTED_LABELS": ["Keep"]
	}`)
	fake := newFakeClient()
	fake.add(gmail.Message{
		ID: "m1", Sender: "daily@news.example",
		Date: now.Add(-time.Hour), Labels: []string{"News", "Keep"},
	})

	svc, _ := newTestService(t, fake, doc, now)
	sum, err := svc.Run(context.Background(), Spec{ConfirmDelete: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(fake.deleted) != 0 {
		t.Fatalf("protected message deleted: %v", fake.deleted)
	}
	if sum.Skipped != 1 {
		t.Fatalf("summary: %+v", sum)
	}
}

func TestRunSelectedDeletionDefersUntilRead(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	doc := mustDoc(t, `{
		"SELECTED_EMAIL_DELETIONS": [
			{"id": "target", "require_read": true}
		]
	}`)
	fake := newFakeClient()
	fake.add(gmail.Message{ID: "target", Sender: "x@y.com", Date: now.Add(-time.Hour), Unread: true})

	svc, _ := newTestService(t, fake, doc, now)
	sum, err := svc.Run(context.Background(), Spec{ConfirmDelete: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Deferred != 1 {
		t.Fatalf("summary: %+v", sum)
	}
	if len(fake.deleted) != 0 {
		t.Fatalf("unread selected target deleted")
	}
	if svc.Queue.Len() != 1 {
		t.Fatalf("deferred deletion not queued: %d entries", svc.Queue.Len())
	}
}

func TestRunSelectedEvaluatedAfterBatchClassification(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	// The target surfaces in a sender batch where an ignore rule (with no
	// delete window) classifies it; the selected deletion must still run.
	doc := mustDoc(t, `{
		"SENDER_TO_LABELS": {
			"News": [{"emails": ["daily@news.example"]}]
		},
		"IGNORED_EMAILS": [
			{"name": "quiet", "senders": ["daily@news.example"], "actions": {"mark_as_read": true}}
		],
		"SELECTED_EMAIL_DELETIONS": [{"id": "target"}]
	}`)
	fake := newFakeClient()
	fake.add(gmail.Message{ID: "target", Sender: "daily@news.example", Date: now.Add(-time.Hour), Unread: true})

	svc, _ := newTestService(t, fake, doc, now)
	sum, err := svc.Run(context.Background(), Spec{ConfirmDelete: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Ignored != 1 {
		t.Fatalf("summary: %+v", sum)
	}
	if len(fake.deleted) != 1 || fake.deleted[0] != "target" {
		t.Fatalf("selected deletion skipped: %v", fake.deleted)
	}
}

func TestRunDeferredQueueDeletesOnceRead(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	doc := mustDoc(t, `{}`)
	fake := newFakeClient()
	fake.msgs["queued"] = gmail.Message{ID: "queued", Sender: "x@y.com", Date: now.Add(-48 * time.Hour), Unread: false}

	svc, _ := newTestService(t, fake, doc, now)
	svc.Queue.Add("queued", "selected:queued", now.Add(-24*time.Hour))

	if _, err := svc.Run(context.Background(), Spec{ConfirmDelete: true}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(fake.deleted) != 1 || fake.deleted[0] != "queued" {
		t.Fatalf("read queued message must delete: %v", fake.deleted)
	}
	if svc.Queue.Len() != 0 {
		t.Fatalf("deleted entry must leave the queue")
	}
}

func TestRunDeferredQueueDropsVanishedMessages(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	svc, _ := newTestService(t, newFakeClient(), mustDoc(t, `{}`), now)
	svc.Queue.Add("gone", "selected:gone", now.Add(-24*time.Hour))

	if _, err := svc.Run(context.Background(), Spec{ConfirmDelete: true}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if svc.Queue.Len() != 0 {
		t.Fatalf("vanished entry must be dequeued")
	}
}
