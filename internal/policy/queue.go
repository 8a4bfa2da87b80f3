package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rparke/inboxctl/internal/gmail"
)

const queueFileName = "deferred_deletions.json"

// QueueEntry records one deletion awaiting its read condition.
type QueueEntry struct {
	RuleName    string    `json:"rule_name"`
	RequestedAt time.Time `json:"requested_at"`
}

// Queue persists deferred selected deletions between runs. A malformed
// queue file is not fatal: the queue restarts empty, since entries are
// re-derivable from the configuration.
type Queue struct {
	path    string
	entries map[gmail.MessageID]QueueEntry
	dirty   bool
}

// OpenQueue loads the deferred-deletion queue from dir.
func OpenQueue(dir string) (*Queue, error) {
	q := &Queue{
		path:    filepath.Join(dir, queueFileName),
		entries: map[gmail.MessageID]QueueEntry{},
	}
	raw, err := os.ReadFile(q.path)
	if os.IsNotExist(err) {
		return q, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", q.path, err)
	}
	if err := json.Unmarshal(raw, &q.entries); err != nil {
		// Entries regenerate from config on the next pass; start fresh.
		q.entries = map[gmail.MessageID]QueueEntry{}
		q.dirty = true
	}
	return q, nil
}

// Add queues a deferred deletion. Re-adding an existing entry keeps the
// original request time.
func (q *Queue) Add(id gmail.MessageID, rule string, at time.Time) {
	if _, ok := q.entries[id]; ok {
		return
	}
	q.entries[id] = QueueEntry{RuleName: rule, RequestedAt: at.UTC()}
	q.dirty = true
}

// Remove drops an entry after deletion succeeded or the message vanished.
func (q *Queue) Remove(id gmail.MessageID) {
	if _, ok := q.entries[id]; !ok {
		return
	}
	delete(q.entries, id)
	q.dirty = true
}

// IDs returns the queued message IDs in stable order.
func (q *Queue) IDs() []gmail.MessageID {
	out := make([]gmail.MessageID, 0, len(q.entries))
	for id := range q.entries {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Entry returns the queued metadata for id.
func (q *Queue) Entry(id gmail.MessageID) (QueueEntry, bool) {
	e, ok := q.entries[id]
	return e, ok
}

// Len reports the number of queued deletions.
func (q *Queue) Len() int { return len(q.entries) }

// Save writes the queue atomically. A no-op when nothing changed.
func (q *Queue) Save() error {
	if !q.dirty {
		return nil
	}
	raw, err := json.MarshalIndent(q.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode deferred deletions: %w", err)
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, append(raw, '\n'), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, q.path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	q.dirty = false
	return nil
}
