// Package report computes the per-label set difference between the senders
// the configuration implies and the senders actually observed in the
// mailbox, plus a projection of the diff after pending config fixes.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rparke/inboxctl/internal/config"
)

// Snapshot maps label name to the sender addresses observed on messages
// currently carrying that label, in originally-observed casing.
type Snapshot map[string][]string

// LabelDiff is the reconciliation result for one label.
type LabelDiff struct {
	ExpectedCount int      `json:"expected_count"`
	ObservedCount int      `json:"observed_count"`
	Missing       []string `json:"missing"`
	MatchRatio    float64  `json:"match_ratio"`
}

// Report is the artifact consumed by the dashboard; rebuilt fresh on every
// invocation, never updated incrementally.
type Report map[string]LabelDiff

// Compute builds the diff for every label carrying sender rules. Addresses
// compare case-insensitively; missing entries keep the config's original
// casing for display.
func Compute(doc config.Document, snap Snapshot) Report {
	skip := skipSet(doc)
	rep := make(Report, len(doc.SenderOrder))

	for _, label := range doc.SenderOrder {
		expected := map[string]string{} // folded -> display casing
		for _, rule := range doc.SenderRules[label] {
			for _, email := range rule.Emails {
				folded := config.FoldAddress(email)
				if folded == "" {
					continue
				}
				if _, skipped := skip[folded]; skipped {
					continue
				}
				if _, ok := expected[folded]; !ok {
					expected[folded] = strings.TrimSpace(email)
				}
			}
		}

		observed := map[string]struct{}{}
		for _, addr := range snap[label] {
			if folded := config.FoldAddress(addr); folded != "" {
				observed[folded] = struct{}{}
			}
		}

		matched := 0
		var missing []string
		for folded, display := range expected {
			if _, ok := observed[folded]; ok {
				matched++
				continue
			}
			missing = append(missing, display)
		}
		sort.Slice(missing, func(i, j int) bool {
			return strings.ToLower(missing[i]) < strings.ToLower(missing[j])
		})

		ratio := 0.0
		if len(expected) > 0 {
			ratio = float64(matched) / float64(len(expected))
			if ratio > 1.0 {
				ratio = 1.0
			}
		}
		rep[label] = LabelDiff{
			ExpectedCount: len(expected),
			ObservedCount: len(observed),
			Missing:       missing,
			MatchRatio:    ratio,
		}
	}
	return rep
}

// Project recomputes the diff as if the pending developer fixes (trim,
// lowercase, dedupe, sort) were already applied, previewing a fix-all
// action before committing it.
func Project(doc config.Document, snap Snapshot) Report {
	return Compute(ApplyFixes(doc), snap)
}

// skipSet folds every address excluded from analysis: senders whose
// matching ignore rule sets skip_analysis or skip_import.
func skipSet(doc config.Document) map[string]struct{} {
	skip := map[string]struct{}{}
	for _, rule := range doc.IgnoreRules {
		if !rule.Actions.SkipAnalysis && !rule.Actions.SkipImport {
			continue
		}
		for _, sender := range rule.Senders {
			if folded := config.FoldAddress(sender); folded != "" {
				skip[folded] = struct{}{}
			}
		}
	}
	// Domain-based skip rules are resolved per address.
	for _, label := range doc.SenderOrder {
		for _, r := range doc.SenderRules[label] {
			for _, email := range r.Emails {
				folded := config.FoldAddress(email)
				if folded == "" {
					continue
				}
				if _, done := skip[folded]; done {
					continue
				}
				for _, rule := range doc.IgnoreRules {
					if (rule.Actions.SkipAnalysis || rule.Actions.SkipImport) && rule.MatchesAddress(folded) {
						skip[folded] = struct{}{}
						break
					}
				}
			}
		}
	}
	return skip
}

// WriteJSON writes the report artifact under the working directory.
func WriteJSON(rep Report, path string) error {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return fmt.Errorf("path must not be empty")
	}
	clean = filepath.Clean(clean)
	if filepath.IsAbs(clean) {
		return fmt.Errorf("output path must be relative, got %s", clean)
	}
	if strings.HasPrefix(clean, "..") {
		return fmt.Errorf("output path %s escapes working directory", clean)
	}
	wd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("determine working directory: %w", err)
	}
	abs := filepath.Join(wd, clean)
	f, err := os.OpenFile(abs, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) // #nosec G304
	if err != nil {
		return fmt.Errorf("create %s: %w", abs, err)
	}
	defer func() { _ = f.Close() }()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if encodeErr := enc.Encode(rep); encodeErr != nil {
		return fmt.Errorf("encode report: %w", encodeErr)
	}
	return nil
}

// PrintHuman renders a readable summary, labels sorted by ascending match
// ratio so the worst drift prints first.
func PrintHuman(rep Report, w io.Writer) error {
	if w == nil {
		w = os.Stdout
	}
	labels := make([]string, 0, len(rep))
	for label := range rep {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		a, b := rep[labels[i]], rep[labels[j]]
		if a.MatchRatio == b.MatchRatio {
			return labels[i] < labels[j]
		}
		return a.MatchRatio < b.MatchRatio
	})

	var builder strings.Builder
	fmt.Fprintf(&builder, "inboxctl report — %d labels\n", len(labels))
	for _, label := range labels {
		diff := rep[label]
		fmt.Fprintf(&builder, "\n%s: %d/%d expected senders observed (%.0f%%)\n",
			label, diff.ExpectedCount-len(diff.Missing), diff.ExpectedCount, diff.MatchRatio*100)
		for _, addr := range diff.Missing {
			fmt.Fprintf(&builder, "  missing: %s\n", addr)
		}
	}
	if _, err := io.WriteString(w, builder.String()); err != nil {
		return fmt.Errorf("write human report: %w", err)
	}
	return nil
}
