package camera

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

// Pacer spaces frame deliveries to a fixed rate the way a sensor clock would.
type Pacer struct {
	clock    clock.Clock
	interval time.Duration
	next     time.Time
}

// NewPacer returns a pacer for fps frames per second. A zero fps never waits.
func NewPacer(clk clock.Clock, fps int) *Pacer {
	p := &Pacer{clock: clk}
	if fps > 0 {
		p.interval = time.Second / time.Duration(fps)
	}
	return p
}

// Wait blocks until the next frame slot or until ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.interval == 0 {
		return nil
	}
	now := p.clock.Now()
	if p.next.IsZero() || p.next.Before(now) {
		p.next = now
	}
	if wait := p.next.Sub(now); wait > 0 {
		timer := p.clock.Timer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	p.next = p.next.Add(p.interval)
	return nil
}
