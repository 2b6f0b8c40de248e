package supervisor

import (
	"context"
	"math/rand"
	"net/http"
	gort "runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chatwire-io/chatwire/internal/protocol"
	"github.com/chatwire-io/chatwire/internal/runtime"
)

// Presence refresh interval bounds. Each account gets its own independently
// drawn interval so the fleet never announces presence in lockstep.
const (
	presenceMin = 30 * time.Minute
	presenceMax = 60 * time.Minute
)

// schedule registers the periodic housekeeping jobs.
func (s *Supervisor) schedule() error {
	jobs := []struct {
		name  string
		every time.Duration
		task  func()
	}{
		{"auth-sync", s.cfg.Lifecycle.AuthSyncInterval, s.authSync},
		{"runtime-cleanup", time.Minute, s.cleanupTerminated},
		{"presence-refresh", time.Minute, s.presenceRefresh},
		{"retention-reclaim", time.Hour, s.retentionReclaim},
		{"memory-probe", 30 * time.Second, s.memory.probe},
	}
	if s.cfg.Lifecycle.KeepaliveURL != "" {
		jobs = append(jobs, struct {
			name  string
			every time.Duration
			task  func()
		}{"keepalive", s.cfg.Lifecycle.KeepaliveEvery, s.keepalive})
	}

	for _, j := range jobs {
		_, err := s.cron.NewJob(
			gocron.DurationJob(j.every),
			gocron.NewTask(j.task),
			gocron.WithName(j.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// authSync posts a debounced save request for every ready runtime, so
// rotated key material never sits only on local disk for long.
func (s *Supervisor) authSync() {
	for id, state := range s.Statuses() {
		if state == runtime.StateReady {
			s.deps.Saver.Request(id)
		}
	}
}

// cleanupTerminated drops runtimes whose Run has returned, so the map does
// not accumulate dead entries for logged-out accounts.
func (s *Supervisor) cleanupTerminated() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, m := range s.runtimes {
		select {
		case <-m.rt.Done():
			delete(s.runtimes, id)
		default:
		}
	}
}

// presenceRefresh nudges each ready account's presence to available on its
// own randomized cadence.
func (s *Supervisor) presenceRefresh() {
	now := time.Now()

	s.mu.Lock()
	due := make([]*runtime.Runtime, 0)
	for id, m := range s.runtimes {
		if m.rt.State() != runtime.StateReady {
			continue
		}
		next, ok := s.nextPresence(id)
		if !ok || now.After(next) {
			due = append(due, m.rt)
			s.schedulePresence(id, now)
		}
	}
	s.mu.Unlock()

	for _, rt := range due {
		ctx, cancel := context.WithTimeout(s.rootCtx, 10*time.Second)
		if err := rt.SendPresence(ctx, protocol.PresenceAvailable); err != nil {
			s.logger.Debug("presence refresh failed",
				zap.String("account_id", rt.AccountID().String()), zap.Error(err))
		}
		cancel()
	}
}

func (s *Supervisor) nextPresence(id uuid.UUID) (time.Time, bool) {
	s.presenceMu.Lock()
	defer s.presenceMu.Unlock()
	next, ok := s.presenceNext[id]
	return next, ok
}

func (s *Supervisor) schedulePresence(id uuid.UUID, from time.Time) {
	s.presenceMu.Lock()
	defer s.presenceMu.Unlock()
	interval := presenceMin + time.Duration(rand.Int63n(int64(presenceMax-presenceMin)))
	s.presenceNext[id] = from.Add(interval)
}

// retentionReclaim deletes wire-message rows past retention and terminal
// delivery jobs past the inspection window.
func (s *Supervisor) retentionReclaim() {
	ctx, cancel := context.WithTimeout(s.rootCtx, time.Minute)
	defer cancel()

	if n, err := s.frames.Reclaim(ctx, s.cfg.Retry.Retention); err != nil {
		s.logger.Error("wire-message reclaim failed", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("reclaimed wire messages", zap.Int64("rows", n))
	}

	cutoff := time.Now().UTC().Add(-terminalJobRetention)
	if n, err := s.jobs.DeleteTerminalOlderThan(ctx, cutoff); err != nil {
		s.logger.Error("delivery-job reclaim failed", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("reclaimed terminal delivery jobs", zap.Int64("rows", n))
	}
}

// keepalive pings the configured URL so hosting platforms that sleep idle
// processes keep this one awake.
func (s *Supervisor) keepalive() {
	ctx, cancel := context.WithTimeout(s.rootCtx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.Lifecycle.KeepaliveURL, nil)
	if err != nil {
		s.logger.Warn("invalid keepalive url", zap.Error(err))
		return
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		s.logger.Debug("keepalive ping failed", zap.Error(err))
		return
	}
	resp.Body.Close()
}

// memoryProbe watches RSS-adjacent heap numbers and flags critical pressure.
// Above critical it also asks the runtime to return memory to the OS.
type memoryProbe struct {
	warnBytes     uint64
	criticalBytes uint64
	logger        *zap.Logger
	isCritical    atomic.Bool
}

func newMemoryProbe(warnMB, criticalMB uint64, logger *zap.Logger) *memoryProbe {
	return &memoryProbe{
		warnBytes:     warnMB << 20,
		criticalBytes: criticalMB << 20,
		logger:        logger.Named("memory"),
	}
}

func (p *memoryProbe) critical() bool {
	return p.isCritical.Load()
}

func (p *memoryProbe) probe() {
	var stats gort.MemStats
	gort.ReadMemStats(&stats)
	used := stats.HeapInuse + stats.StackInuse

	switch {
	case used > p.criticalBytes:
		p.isCritical.Store(true)
		p.logger.Warn("critical memory pressure, forcing gc and deferring connects",
			zap.Uint64("in_use_mb", used>>20))
		debug.FreeOSMemory()
	case used > p.warnBytes:
		p.isCritical.Store(false)
		p.logger.Warn("elevated memory usage", zap.Uint64("in_use_mb", used>>20))
	default:
		p.isCritical.Store(false)
	}
}
