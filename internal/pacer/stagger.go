package pacer

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// StaggerGate throttles account connects at process level: at most burst
// connects per rolling window, with a randomized gap between consecutive
// ones. Many accounts reconnecting from one IP at the same instant is a
// primary ban signal, so the supervisor routes every connect through here.
type StaggerGate struct {
	window time.Duration
	burst  int
	gapMin time.Duration
	gapMax time.Duration
	logger *zap.Logger

	mu     sync.Mutex
	queue  *fifoQueue
	recent []time.Time

	now func() time.Time
}

func NewStaggerGate(window time.Duration, burst int, gapMin, gapMax time.Duration, logger *zap.Logger) *StaggerGate {
	return &StaggerGate{
		window: window,
		burst:  burst,
		gapMin: gapMin,
		gapMax: gapMax,
		logger: logger.Named("stagger"),
		queue:  newFIFOQueue(),
		now:    time.Now,
	}
}

// Wait blocks until a connect slot opens, then claims it. Connects queue in
// arrival order.
func (g *StaggerGate) Wait(ctx context.Context) error {
	release, err := g.queue.enter(ctx)
	if err != nil {
		return err
	}
	defer release()

	for {
		wait := g.nextWait()
		if wait <= 0 {
			return nil
		}
		g.logger.Info("deferring connect", zap.Duration("wait", wait))
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
}

// nextWait computes the delay before the next connect may proceed, claiming
// the slot when the answer is zero.
func (g *StaggerGate) nextWait() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	cutoff := now.Add(-g.window)
	keep := g.recent[:0]
	for _, ts := range g.recent {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	g.recent = keep

	if len(g.recent) >= g.burst {
		return g.recent[0].Add(g.window).Sub(now)
	}

	if n := len(g.recent); n > 0 {
		gap := g.gapMin
		if span := g.gapMax - g.gapMin; span > 0 {
			gap += time.Duration(rand.Int63n(int64(span)))
		}
		if since := now.Sub(g.recent[n-1]); since < gap {
			return gap - since
		}
	}

	g.recent = append(g.recent, now)
	return 0
}
