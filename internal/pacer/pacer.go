// Package pacer is the single source of truth for outbound timing: send
// admission (floor interval, hourly and daily caps), duplicate suppression,
// typing simulation, startup staggering, and the per-account browser
// fingerprint. Every outbound send goes through Admit — bypassing it is a
// correctness bug, because the network bans on exactly the patterns this
// package exists to break up.
package pacer

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chatwire-io/chatwire/internal/config"
	"github.com/chatwire-io/chatwire/internal/gateway"
)

// Pacer holds per-account rate state. State is in-process only and recreated
// on restart; the caps are camouflage, not accounting.
type Pacer struct {
	cfg    config.Pacing
	logger *zap.Logger
	guard  *duplicateGuard

	mu       sync.Mutex
	accounts map[uuid.UUID]*rateState

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(max time.Duration) time.Duration
}

// rateState is the per-account admission state: last send time, the
// rolling-hour timestamp window, and the date-keyed day bucket.
type rateState struct {
	queue *fifoQueue

	mu       sync.Mutex
	lastSend time.Time
	hour     []time.Time
	dayKey   string
	dayCount int
}

func New(cfg config.Pacing, logger *zap.Logger) *Pacer {
	return &Pacer{
		cfg:      cfg,
		logger:   logger.Named("pacer"),
		guard:    newDuplicateGuard(cfg.DuplicateTTL, maxGuardEntries),
		accounts: make(map[uuid.UUID]*rateState),
		now:      time.Now,
		sleep:    sleepCtx,
		jitter: func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return time.Duration(rand.Int63n(int64(max)))
		},
	}
}

func (p *Pacer) state(accountID uuid.UUID) *rateState {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.accounts[accountID]
	if !ok {
		s = &rateState{queue: newFIFOQueue()}
		p.accounts[accountID] = s
	}
	return s
}

// RequiredDelay computes the admission delay for the account right now, and
// the cap kind that produced it ("" when only the floor interval applies).
// Jitter is not included.
func (p *Pacer) RequiredDelay(accountID uuid.UUID) (time.Duration, gateway.Kind) {
	s := p.state(accountID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return p.requiredDelayLocked(s, p.now())
}

func (p *Pacer) requiredDelayLocked(s *rateState, now time.Time) (time.Duration, gateway.Kind) {
	s.rollover(now)

	if s.dayCount >= p.cfg.MaxPerDay {
		return untilNextMidnight(now), gateway.KindDailyCap
	}

	var delay time.Duration
	var kind gateway.Kind

	if len(s.hour) >= p.cfg.MaxPerHour {
		delay = time.Minute
		kind = gateway.KindHourlyCap
	}

	if !s.lastSend.IsZero() {
		if floor := p.cfg.MinInterval - now.Sub(s.lastSend); floor > delay {
			delay = floor
		}
	}

	return delay, kind
}

// rollover prunes the hour window and resets the day bucket on date change.
// Caller holds s.mu.
func (s *rateState) rollover(now time.Time) {
	cutoff := now.Add(-time.Hour)
	keep := s.hour[:0]
	for _, ts := range s.hour {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	s.hour = keep

	if key := now.Format("2006-01-02"); key != s.dayKey {
		s.dayKey = key
		s.dayCount = 0
	}
}

// Admit blocks until the send is allowed, then records it. Calls for one
// account are admitted strictly in arrival order.
//
// Floor-interval and hourly-cap delays are slept out (the hourly case
// re-checks once a minute until the window moves). The daily cap fails fast
// with a retry-after hint of the time to local midnight — nobody wants a
// request hanging for hours. A caller whose context deadline cannot cover an
// hourly-cap wait also fails fast with the hint instead of timing out mid
// sleep. Cancellation during a sleep surfaces as a shutdown error.
func (p *Pacer) Admit(ctx context.Context, accountID uuid.UUID, peer, body string) error {
	if retryIn, blocked := p.guard.check(accountID, peer, body); blocked {
		return &gateway.Error{
			Kind:       gateway.KindDuplicateBlocked,
			Message:    "identical message sent to this peer moments ago",
			RetryAfter: retryIn,
		}
	}

	s := p.state(accountID)
	release, err := s.queue.enter(ctx)
	if err != nil {
		return gateway.WrapError(gateway.KindShutdown, "send cancelled while queued", err)
	}
	defer release()

	for {
		now := p.now()
		s.mu.Lock()
		delay, kind := p.requiredDelayLocked(s, now)
		s.mu.Unlock()

		if kind == gateway.KindDailyCap {
			return &gateway.Error{
				Kind:       gateway.KindDailyCap,
				Message:    fmt.Sprintf("daily send cap of %d reached", p.cfg.MaxPerDay),
				RetryAfter: delay,
			}
		}
		if delay <= 0 {
			break
		}
		delay += p.jitter(p.cfg.JitterMax)

		if kind == gateway.KindHourlyCap {
			if deadline, ok := ctx.Deadline(); ok && now.Add(delay).After(deadline) {
				return &gateway.Error{
					Kind:       gateway.KindHourlyCap,
					Message:    fmt.Sprintf("hourly send cap of %d reached", p.cfg.MaxPerHour),
					RetryAfter: delay,
				}
			}
			p.logger.Debug("hourly cap reached, holding send",
				zap.String("account_id", accountID.String()),
				zap.Duration("delay", delay),
			)
		}

		if err := p.sleep(ctx, delay); err != nil {
			return gateway.WrapError(gateway.KindShutdown, "send cancelled while pacing", err)
		}
	}

	// Re-check under the guard window: an identical send may have been
	// admitted while this one waited in the queue.
	if retryIn, blocked := p.guard.check(accountID, peer, body); blocked {
		return &gateway.Error{
			Kind:       gateway.KindDuplicateBlocked,
			Message:    "identical message sent to this peer moments ago",
			RetryAfter: retryIn,
		}
	}

	now := p.now()
	s.mu.Lock()
	s.lastSend = now
	s.hour = append(s.hour, now)
	s.dayCount++
	s.mu.Unlock()
	p.guard.record(accountID, peer, body, now)

	return nil
}

// DaySent returns the account's day-bucket count. Exposed for status
// reporting.
func (p *Pacer) DaySent(accountID uuid.UUID) int {
	s := p.state(accountID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollover(p.now())
	return s.dayCount
}

func untilNextMidnight(now time.Time) time.Duration {
	y, m, d := now.Date()
	midnight := time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
	return midnight.Sub(now)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fifoQueue admits waiters strictly in arrival order. sync.Mutex makes no
// ordering promise, and send ordering within an account is a contract here.
type fifoQueue struct {
	mu   sync.Mutex
	tail chan struct{}
}

func newFIFOQueue() *fifoQueue {
	return &fifoQueue{}
}

// enter waits for every earlier entrant to release, then returns a release
// function. On cancellation the baton is still passed down the chain.
func (q *fifoQueue) enter(ctx context.Context) (release func(), err error) {
	q.mu.Lock()
	prev := q.tail
	done := make(chan struct{})
	q.tail = done
	q.mu.Unlock()

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			go func() {
				<-prev
				close(done)
			}()
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }, nil
}
