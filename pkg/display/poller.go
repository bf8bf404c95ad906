package display

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Poller refreshes the latest frame of each display on its own goroutine,
// so a stalled capture on one screen never delays the other.
type Poller struct {
	manager *Manager
	rates   map[Display]float64
	logger  *slog.Logger

	mu     sync.RWMutex
	latest map[Display]Frame
}

// NewPoller polls each display in rates at the given frames per second.
func NewPoller(m *Manager, rates map[Display]float64, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		manager: m,
		rates:   rates,
		logger:  logger,
		latest:  make(map[Display]Frame),
	}
}

// Run polls until ctx is done and returns nil on cancellation.
func (p *Poller) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for d, fps := range p.rates {
		if fps <= 0 {
			continue
		}
		interval := time.Duration(float64(time.Second) / fps)
		g.Go(func() error {
			p.loop(ctx, d, interval)
			return nil
		})
	}
	return g.Wait()
}

func (p *Poller) loop(ctx context.Context, d Display, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		p.refresh(ctx, d, interval)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Poller) refresh(ctx context.Context, d Display, interval time.Duration) {
	// A capture may take longer than one tick but not much longer.
	cctx, cancel := context.WithTimeout(ctx, 4*interval+time.Second)
	defer cancel()

	f, err := p.manager.Next(cctx, d)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Debug("display poll failed", "display", d, "error", err)
		}
		return
	}
	p.mu.Lock()
	p.latest[d] = f
	p.mu.Unlock()
}

// Latest returns the most recent frame for d.
func (p *Poller) Latest(d Display) (Frame, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	f, ok := p.latest[d]
	return f, ok
}
