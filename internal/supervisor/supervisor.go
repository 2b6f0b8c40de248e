// Package supervisor owns the set of account runtimes: startup partitioning
// and staggering, runtime start/stop/replace, periodic housekeeping, and
// graceful shutdown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chatwire-io/chatwire/internal/config"
	"github.com/chatwire-io/chatwire/internal/db"
	"github.com/chatwire-io/chatwire/internal/gateway"
	"github.com/chatwire-io/chatwire/internal/pacer"
	"github.com/chatwire-io/chatwire/internal/repositories"
	"github.com/chatwire-io/chatwire/internal/retrystore"
	"github.com/chatwire-io/chatwire/internal/runtime"
	"github.com/chatwire-io/chatwire/internal/webhook"
)

// terminalJobRetention is how long success/dead_letter delivery rows are kept
// for inspection before the reclaim job deletes them.
const terminalJobRetention = 14 * 24 * time.Hour

// managed pairs a runtime with its cancel handle.
type managed struct {
	rt     *runtime.Runtime
	cancel context.CancelFunc
}

// Supervisor owns every account runtime in this process.
type Supervisor struct {
	cfg    config.Config
	deps   runtime.Deps
	gate   *pacer.StaggerGate
	queue  *webhook.Queue
	frames *retrystore.Store
	jobs   repositories.DeliveryRepository
	cron   gocron.Scheduler
	logger *zap.Logger

	mu       sync.Mutex
	runtimes map[uuid.UUID]*managed

	presenceMu   sync.Mutex
	presenceNext map[uuid.UUID]time.Time

	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	memory *memoryProbe
}

func New(cfg config.Config, deps runtime.Deps, queue *webhook.Queue, frames *retrystore.Store, jobs repositories.DeliveryRepository, logger *zap.Logger) (*Supervisor, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	lc := cfg.Lifecycle
	return &Supervisor{
		cfg:          cfg,
		deps:         deps,
		gate:         pacer.NewStaggerGate(lc.StaggerWindow, lc.StaggerBurst, lc.StaggerGapMin, lc.StaggerGapMax, logger),
		queue:        queue,
		frames:       frames,
		jobs:         jobs,
		cron:         cron,
		logger:       logger.Named("supervisor"),
		runtimes:     make(map[uuid.UUID]*managed),
		presenceNext: make(map[uuid.UUID]time.Time),
		memory:       newMemoryProbe(lc.MemoryWarnMB, lc.MemoryCriticalMB, logger),
	}, nil
}

// Start loads all accounts, partitions them into "has auth" and "needs
// pairing", connects the former through the stagger gate, and launches the
// housekeeping jobs. Returns once startup is initiated; connects proceed in
// the background at the gate's pace.
func (s *Supervisor) Start(ctx context.Context) error {
	s.rootCtx, s.cancel = context.WithCancel(context.Background())

	accounts, _, err := s.deps.Accounts.List(ctx, repositories.ListOptions{})
	if err != nil {
		return fmt.Errorf("supervisor: load accounts: %w", err)
	}

	var withAuth, needsQR []db.Account
	for _, account := range accounts {
		blob, err := s.deps.Accounts.GetSession(ctx, account.ID)
		if err != nil || blob == "" {
			needsQR = append(needsQR, account)
			continue
		}
		withAuth = append(withAuth, account)
	}

	s.logger.Info("startup partition",
		zap.Int("with_auth", len(withAuth)),
		zap.Int("needs_pairing", len(needsQR)),
	)

	for _, account := range needsQR {
		if err := s.deps.Accounts.UpdateStatus(ctx, account.ID, db.StatusNeedsQR); err != nil {
			s.logger.Warn("failed to mark account needs_qr",
				zap.String("account_id", account.ID.String()), zap.Error(err))
		}
	}

	for _, account := range withAuth {
		s.StartAccount(account.ID)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.queue.Run(s.rootCtx)
	}()

	if err := s.schedule(); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// StartAccount launches a runtime for the account if none is live. Connects
// pass the stagger gate and wait out memory pressure first.
func (s *Supervisor) StartAccount(accountID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startLocked(accountID)
}

func (s *Supervisor) startLocked(accountID uuid.UUID) {
	if m, ok := s.runtimes[accountID]; ok {
		select {
		case <-m.rt.Done():
			// Terminated; replace below.
		default:
			return
		}
	}

	ctx, cancel := context.WithCancel(s.rootCtx)
	rt := runtime.New(accountID, s.deps)
	s.runtimes[accountID] = &managed{rt: rt, cancel: cancel}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for s.memory.critical() {
			// Connecting more accounts under critical RSS digs the hole
			// deeper; hold until the probe clears.
			if err := sleepCtx(ctx, 30*time.Second); err != nil {
				return
			}
		}
		if err := s.gate.Wait(ctx); err != nil {
			return
		}
		rt.Run(ctx)
	}()
}

// Runtime returns the live runtime for an account.
func (s *Supervisor) Runtime(accountID uuid.UUID) (*runtime.Runtime, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.runtimes[accountID]
	if !ok {
		return nil, gateway.NewError(gateway.KindNotConnected, "no runtime for this account")
	}
	return m.rt, nil
}

// RequestQR makes sure a runtime is running so pairing can begin. An account
// already connected keeps its session.
func (s *Supervisor) RequestQR(accountID uuid.UUID) {
	s.StartAccount(accountID)
}

// Reconnect tears down the account's runtime and starts a fresh one.
func (s *Supervisor) Reconnect(ctx context.Context, accountID uuid.UUID) error {
	s.stopAccount(ctx, accountID)
	s.StartAccount(accountID)
	return nil
}

// RemoveAccount logs the account out of the network, clears its auth state,
// and stops its runtime. Called by account deletion after the row cascade.
func (s *Supervisor) RemoveAccount(ctx context.Context, accountID uuid.UUID) error {
	s.mu.Lock()
	m, ok := s.runtimes[accountID]
	s.mu.Unlock()

	var err error
	if ok {
		err = m.rt.Logout(ctx)
	} else {
		err = s.deps.Auth.Clear(ctx, accountID)
	}

	s.stopAccount(ctx, accountID)
	return err
}

func (s *Supervisor) stopAccount(ctx context.Context, accountID uuid.UUID) {
	s.mu.Lock()
	m, ok := s.runtimes[accountID]
	if ok {
		delete(s.runtimes, accountID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	m.cancel()
	select {
	case <-m.rt.Done():
	case <-ctx.Done():
	case <-time.After(10 * time.Second):
		s.logger.Warn("runtime did not stop in time",
			zap.String("account_id", accountID.String()))
	}
}

// Statuses returns each managed account's runtime state.
func (s *Supervisor) Statuses() map[uuid.UUID]runtime.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uuid.UUID]runtime.State, len(s.runtimes))
	for id, m := range s.runtimes {
		out[id] = m.rt.State()
	}
	return out
}

// Shutdown stops everything: housekeeping, runtimes, queue. Auth state for
// every live runtime is flushed under one combined deadline before sockets
// close; the caller enforces a hard exit timer above this.
func (s *Supervisor) Shutdown() {
	s.logger.Info("shutting down")

	if err := s.cron.Shutdown(); err != nil {
		s.logger.Warn("scheduler shutdown failed", zap.Error(err))
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.mu.Lock()
	live := make([]*managed, 0, len(s.runtimes))
	for _, m := range s.runtimes {
		live = append(live, m)
	}
	s.mu.Unlock()

	var flushWG sync.WaitGroup
	for _, m := range live {
		if m.rt.State() != runtime.StateReady {
			continue
		}
		flushWG.Add(1)
		go func(rt *runtime.Runtime) {
			defer flushWG.Done()
			if err := s.deps.Saver.Flush(flushCtx, rt.AccountID()); err != nil && !errors.Is(err, context.DeadlineExceeded) {
				s.logger.Warn("shutdown flush failed",
					zap.String("account_id", rt.AccountID().String()), zap.Error(err))
			}
		}(m.rt)
	}
	flushWG.Wait()

	s.cancel()
	s.wg.Wait()
	s.deps.Saver.Close()
	s.logger.Info("shutdown complete")
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
