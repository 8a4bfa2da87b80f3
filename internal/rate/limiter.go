package rate

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Limiter gates outbound Gmail API calls so batch runs stay inside quota.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Pacer spaces calls evenly at a fixed requests-per-second rate. The first
// call proceeds immediately; later calls sleep until their slot opens.
type Pacer struct {
	interval time.Duration

	mu   sync.Mutex
	next time.Time
}

// NewPacer returns a limiter releasing rps calls per second.
func NewPacer(rps int) *Pacer {
	if rps <= 0 {
		rps = 1
	}
	return &Pacer{interval: time.Second / time.Duration(rps)}
}

// Wait blocks until the next slot opens or the context is canceled.
func (p *Pacer) Wait(ctx context.Context) error {
	p.mu.Lock()
	now := time.Now()
	slot := p.next
	if slot.Before(now) {
		slot = now
	}
	p.next = slot.Add(p.interval)
	p.mu.Unlock()

	delay := time.Until(slot)
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("rate wait canceled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

var _ Limiter = (*Pacer)(nil)
