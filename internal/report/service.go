package report

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/rparke/inboxctl/internal/gmail"
	"github.com/rparke/inboxctl/internal/rate"
)

const defaultPageSize = 500

// Service builds label snapshots from the live mailbox for reconciliation.
type Service struct {
	Client   gmail.Client
	Limiter  rate.Limiter
	Logger   *slog.Logger
	Clock    func() time.Time
	PageSize int
}

// NewService constructs a snapshot service with sane defaults.
func NewService(client gmail.Client, limiter rate.Limiter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Service{Client: client, Limiter: limiter, Logger: logger, Clock: time.Now}
}

// Snapshot collects the sender addresses currently observed under each of
// the given labels. Labels missing from the mailbox yield empty sets.
func (s *Service) Snapshot(ctx context.Context, labels []string) (Snapshot, error) {
	pageSize := s.PageSize
	if pageSize <= 0 || pageSize > defaultPageSize {
		pageSize = defaultPageSize
	}
	snap := make(Snapshot, len(labels))
	for _, label := range labels {
		senders, err := s.sendersForLabel(ctx, label, pageSize)
		if err != nil {
			return nil, fmt.Errorf("snapshot label %q: %w", label, err)
		}
		snap[label] = senders
	}
	return snap, nil
}

func (s *Service) sendersForLabel(ctx context.Context, label string, pageSize int) ([]string, error) {
	q := gmail.Query{Raw: fmt.Sprintf("label:%q", label)}
	var (
		senders []string
		token   string
	)
	for {
		if err := s.wait(ctx); err != nil {
			return nil, err
		}
		page, err := s.Client.List(ctx, q, token, pageSize)
		if err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}
		for _, id := range page.IDs {
			if err := s.wait(ctx); err != nil {
				return nil, err
			}
			msg, err := s.Client.Get(ctx, id)
			if err != nil {
				// One unreadable message does not invalidate the
				// snapshot; note it and move on.
				s.Logger.Warn("skipping message in snapshot", "message", string(id), "error", err)
				continue
			}
			if msg.Sender != "" {
				senders = append(senders, msg.Sender)
			}
		}
		if page.NextPageToken == "" {
			return senders, nil
		}
		token = page.NextPageToken
	}
}

func (s *Service) wait(ctx context.Context) error {
	if s.Limiter == nil {
		return nil
	}
	if err := s.Limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit snapshot: %w", err)
	}
	return nil
}
