package beads

import (
	"context"
	"sync"
	"time"

	"github.com/beadsconsole/beadsconsole/internal/logging"
)

// Poller watches one work item for externally applied status changes.
// The console does not own the tracker — a human or the agent itself
// may close an item out from under a run, and the engine treats that
// the same as an explicit completion signal.
//
// Polling runs on a fixed interval, not backoff: the run engine wants
// a bounded detection latency while a run is live.
type Poller struct {
	store    Store
	id       string
	interval time.Duration
	onChange func(old, new Status)

	mu      sync.Mutex
	last    Status
	stopped bool
	cancel  context.CancelFunc
}

// NewPoller creates a poller for the given work item. onChange fires
// once per observed transition with the previous and new status.
func NewPoller(store Store, id string, initial Status, interval time.Duration, onChange func(old, new Status)) *Poller {
	return &Poller{
		store:    store,
		id:       id,
		interval: interval,
		onChange: onChange,
		last:     initial,
	}
}

// Start begins polling in a background goroutine until Stop is called
// or the context is cancelled.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.stopped || p.cancel != nil {
		p.mu.Unlock()
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	go p.loop(ctx)
}

// Stop halts polling. Safe to call multiple times.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	if p.cancel != nil {
		p.cancel()
	}
}

func (p *Poller) loop(ctx context.Context) {
	log := logging.Component("beads.poller")
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		item, err := p.store.Get(ctx, p.id)
		if err != nil {
			// Poll I/O errors are best effort: log and keep going.
			if ctx.Err() == nil {
				log.Warn().Err(err).Str("bead", p.id).Msg("status poll failed")
			}
			continue
		}

		p.mu.Lock()
		old := p.last
		changed := item.Status != old
		if changed {
			p.last = item.Status
		}
		stopped := p.stopped
		p.mu.Unlock()

		if changed && !stopped && p.onChange != nil {
			p.onChange(old, item.Status)
		}
	}
}
