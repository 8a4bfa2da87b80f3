// Package state persists the per-sender "last processed" timestamps that
// gate each run. The store refuses to proceed on a corrupt file rather than
// risk reprocessing mail.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	senderFileName = "sender_last_run.json"
	legacyFileName = "last_run.txt"
)

// SentinelISO is the epoch sentinel marking "never processed". First-time
// senders are seeded with it so historical mail is in scope on first run.
const SentinelISO = "2000-01-01T00:00:00Z"

// Sentinel is SentinelISO as a time.Time.
var Sentinel = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// ErrCorrupt marks an unreadable or malformed per-sender state file. The
// run must abort: advise the operator to restore the file, fall back to the
// legacy single-timestamp file, or reseed.
var ErrCorrupt = errors.New("sender state is corrupt")

// Store tracks last-run timestamps keyed by folded sender address.
// Not safe for concurrent use; runs are single-threaded.
type Store struct {
	path    string
	times   map[string]time.Time
	pending map[string]struct{}
	seed    time.Time // Sentinel, or the migrated legacy timestamp
	dirty   bool
}

// Open loads the per-sender state from dir. When the per-sender file is
// absent, a legacy single-timestamp file is consulted and its value becomes
// the seed for every sender; with neither file, seeding uses the epoch
// sentinel.
func Open(dir string) (*Store, error) {
	s := &Store{
		path:    filepath.Join(dir, senderFileName),
		times:   map[string]time.Time{},
		pending: map[string]struct{}{},
		seed:    Sentinel,
	}

	raw, err := os.ReadFile(s.path)
	switch {
	case err == nil:
		var entries map[string]string
		if jsonErr := json.Unmarshal(raw, &entries); jsonErr != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", ErrCorrupt, s.path, jsonErr)
		}
		for sender, stamp := range entries {
			ts, parseErr := parseTimestamp(stamp)
			if parseErr != nil {
				return nil, fmt.Errorf("%w: entry %q in %s: %v", ErrCorrupt, sender, s.path, parseErr)
			}
			s.times[foldSender(sender)] = ts
		}
		return s, nil
	case os.IsNotExist(err):
		if legacy, ok, legacyErr := readLegacy(filepath.Join(dir, legacyFileName)); legacyErr != nil {
			return nil, legacyErr
		} else if ok {
			s.seed = legacy
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: read %s: %v", ErrCorrupt, s.path, err)
	}
}

// GetOrSeed returns the recorded timestamp for sender, seeding a pending
// entry at the store's seed time when the sender is new.
func (s *Store) GetOrSeed(sender string) time.Time {
	key := foldSender(sender)
	if ts, ok := s.times[key]; ok {
		return ts
	}
	s.times[key] = s.seed
	s.pending[key] = struct{}{}
	s.dirty = true
	return s.seed
}

// Pending lists senders seeded during this run that have not advanced yet,
// for dashboard visibility. Sorted for stable output.
func (s *Store) Pending() []string {
	out := make([]string, 0, len(s.pending))
	for sender := range s.pending {
		out = append(out, sender)
	}
	sort.Strings(out)
	return out
}

// Advance records a new last-run timestamp for sender. Callers invoke it
// only after the sender's full batch completed in a non-dry-run pass.
func (s *Store) Advance(sender string, ts time.Time) {
	key := foldSender(sender)
	s.times[key] = ts.UTC()
	delete(s.pending, key)
	s.dirty = true
}

// Save writes the store atomically (temp file then rename) so a crash never
// leaves a partially-written state file. A no-op when nothing changed.
func (s *Store) Save() error {
	if !s.dirty {
		return nil
	}
	entries := make(map[string]string, len(s.times))
	for sender, ts := range s.times {
		if ts.Equal(Sentinel) {
			entries[sender] = SentinelISO
			continue
		}
		entries[sender] = ts.UTC().Format(time.RFC3339)
	}
	raw, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sender state: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, append(raw, '\n'), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	s.dirty = false
	return nil
}

// readLegacy parses the single-value fallback file: one scalar, either a
// unix timestamp (possibly fractional) or an ISO-8601 string.
func readLegacy(path string) (time.Time, bool, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: read %s: %v", ErrCorrupt, path, err)
	}
	ts, parseErr := parseTimestamp(strings.TrimSpace(string(raw)))
	if parseErr != nil {
		return time.Time{}, false, fmt.Errorf("%w: parse %s: %v", ErrCorrupt, path, parseErr)
	}
	return ts, true, nil
}

func parseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if unix, err := strconv.ParseFloat(value, 64); err == nil {
		sec := int64(unix)
		nsec := int64((unix - float64(sec)) * float64(time.Second))
		return time.Unix(sec, nsec).UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("not a unix or ISO-8601 timestamp: %q", value)
	}
	return ts.UTC(), nil
}

func foldSender(sender string) string {
	return strings.ToLower(strings.TrimSpace(sender))
}
