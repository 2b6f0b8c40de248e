package authstate

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultQuietWindow = 15 * time.Second
	defaultWriteFloor  = 30 * time.Second
)

// Saver coalesces high-frequency save requests per account. The protocol
// library rewrites key files constantly during active sessions; persisting on
// every creds.update would hammer the store. Instead, save requests post a
// token to a per-account actor, a quiet window absorbs bursts, and a floor
// spaces out actual writes. Flush bypasses both gates and drains any pending
// request — used on ready, on shutdown, and by the periodic auth sync.
type Saver struct {
	manager *Manager
	quiet   time.Duration
	floor   time.Duration
	logger  *zap.Logger

	mu     sync.Mutex
	actors map[uuid.UUID]*saveActor
	closed bool
}

// NewSaver creates a Saver with the production quiet window and write floor.
func NewSaver(manager *Manager, logger *zap.Logger) *Saver {
	return newSaver(manager, defaultQuietWindow, defaultWriteFloor, logger)
}

func newSaver(manager *Manager, quiet, floor time.Duration, logger *zap.Logger) *Saver {
	return &Saver{
		manager: manager,
		quiet:   quiet,
		floor:   floor,
		logger:  logger.Named("authsaver"),
		actors:  make(map[uuid.UUID]*saveActor),
	}
}

// Request posts a debounced save request. Never blocks.
func (s *Saver) Request(accountID uuid.UUID) {
	a := s.actor(accountID)
	if a == nil {
		return
	}
	select {
	case a.requests <- struct{}{}:
	default:
		// A request is already pending; the quiet timer will pick it up.
	}
}

// Flush forces an immediate save, draining any pending debounced request.
// Blocks until the write completes or ctx is done.
func (s *Saver) Flush(ctx context.Context, accountID uuid.UUID) error {
	a := s.actor(accountID)
	if a == nil {
		return s.manager.Save(ctx, accountID)
	}

	reply := make(chan error, 1)
	select {
	case a.force <- reply:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops all actors. Pending debounced requests are dropped; callers
// are expected to Flush accounts that matter before closing.
func (s *Saver) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, a := range s.actors {
		close(a.stop)
	}
}

func (s *Saver) actor(accountID uuid.UUID) *saveActor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	a, ok := s.actors[accountID]
	if !ok {
		a = &saveActor{
			requests: make(chan struct{}, 1),
			force:    make(chan chan error),
			stop:     make(chan struct{}),
		}
		s.actors[accountID] = a
		go s.run(accountID, a)
	}
	return a
}

type saveActor struct {
	requests chan struct{}
	force    chan chan error
	stop     chan struct{}
}

// run is the per-account actor loop. Timer states: quiet is armed while a
// debounced request waits out the quiet window; it is re-armed with the floor
// remainder when the last actual write was too recent.
func (s *Saver) run(accountID uuid.UUID, a *saveActor) {
	var (
		quiet     <-chan time.Time
		lastWrite time.Time
	)

	save := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		err := s.manager.Save(ctx, accountID)
		if err != nil {
			s.logger.Warn("debounced save failed",
				zap.String("account_id", accountID.String()),
				zap.Error(err),
			)
		}
		lastWrite = time.Now()
		return err
	}

	for {
		select {
		case <-a.requests:
			quiet = time.After(s.quiet)

		case <-quiet:
			quiet = nil
			if wait := s.floor - time.Since(lastWrite); !lastWrite.IsZero() && wait > 0 {
				quiet = time.After(wait)
				continue
			}
			_ = save()

		case reply := <-a.force:
			// Forced saves drain the mailbox and reset the quiet timer: the
			// state just written already includes anything a pending request
			// wanted persisted.
			select {
			case <-a.requests:
			default:
			}
			quiet = nil
			reply <- save()

		case <-a.stop:
			return
		}
	}
}
