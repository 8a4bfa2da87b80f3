package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rparke/inboxctl/internal/gmail"
)

func TestQueueRoundTrip(t *testing.T) {
	dir := t.TempDir()
	queue, err := OpenQueue(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	at := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	queue.Add("m1", "selected:Promos", at)
	queue.Add("m2", "selected:m2", at.Add(time.Hour))
	if err := queue.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	reopened, err := OpenQueue(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Len() != 2 {
		t.Fatalf("len: got %d want 2", reopened.Len())
	}
	entry, ok := reopened.Entry("m1")
	if !ok || entry.RuleName != "selected:Promos" {
		t.Fatalf("entry m1: got %+v", entry)
	}
	if !entry.RequestedAt.Equal(at) {
		t.Fatalf("requested at: got %v want %v", entry.RequestedAt, at)
	}
}

func TestQueueAddKeepsOriginalTime(t *testing.T) {
	queue, err := OpenQueue(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	first := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	queue.Add("m1", "rule", first)
	queue.Add("m1", "rule", first.Add(48*time.Hour))
	entry, _ := queue.Entry("m1")
	if !entry.RequestedAt.Equal(first) {
		t.Fatalf("re-add must keep first request time: got %v", entry.RequestedAt)
	}
}

func TestQueueRemove(t *testing.T) {
	queue, err := OpenQueue(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	queue.Add("m1", "rule", time.Now())
	queue.Remove("m1")
	if queue.Len() != 0 {
		t.Fatalf("len after remove: got %d", queue.Len())
	}
}

func TestQueueIDsSorted(t *testing.T) {
	queue, err := OpenQueue(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, id := range []gmail.MessageID{"zz", "aa", "mm"} {
		queue.Add(id, "rule", time.Now())
	}
	ids := queue.IDs()
	want := []gmail.MessageID{"aa", "mm", "zz"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids: got %v want %v", ids, want)
		}
	}
}

func TestQueueMalformedFileRestartsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deferred_deletions.json")
	if err := os.WriteFile(path, []byte("not json"), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	queue, err := OpenQueue(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if queue.Len() != 0 {
		t.Fatalf("malformed queue must restart empty, got %d entries", queue.Len())
	}
}
