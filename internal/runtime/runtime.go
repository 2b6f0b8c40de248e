// Package runtime drives one account's protocol lifecycle: ownership and auth
// restore, pairing, the connected session, reconnect policy, and teardown.
// Each runtime owns exactly one socket at a time; transport events are
// consumed by a single goroutine so state transitions never race.
package runtime

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chatwire-io/chatwire/internal/authstate"
	"github.com/chatwire-io/chatwire/internal/db"
	"github.com/chatwire-io/chatwire/internal/gateway"
	"github.com/chatwire-io/chatwire/internal/metrics"
	"github.com/chatwire-io/chatwire/internal/pacer"
	"github.com/chatwire-io/chatwire/internal/protocol"
	"github.com/chatwire-io/chatwire/internal/repositories"
	"github.com/chatwire-io/chatwire/internal/retrystore"
	"github.com/chatwire-io/chatwire/internal/router"
)

// State is the runtime's lifecycle state. Disconnected, LoggedOut, and Error
// are terminal within one run; the supervisor may start a fresh run.
type State string

const (
	StateInitializing State = "initializing"
	StateNeedsQR      State = "needs_qr"
	StateQRReady      State = "qr_ready"
	StateReady        State = "ready"
	StateReconnecting State = "reconnecting"
	StateDisconnected State = "disconnected"
	StateLoggedOut    State = "logged_out"
	StateError        State = "error"
)

// replacedAttemptsPerHour caps reconnects after connection_replaced. The
// network interprets a tug-of-war over a session as automation.
const replacedAttemptsPerHour = 2

// Notifier receives the runtime's observable lifecycle events. No callback
// carries raw protocol-library types.
type Notifier interface {
	AccountQR(accountID uuid.UUID, dataURL string)
	AccountReady(accountID uuid.UUID, phoneNumber string)
	AccountDisconnected(accountID uuid.UUID, reason, message string)
}

// Deps are the collaborators a runtime needs. All are shared across runtimes
// except the per-account identity.
type Deps struct {
	Accounts repositories.AccountRepository
	Auth     *authstate.Manager
	Saver    *authstate.Saver
	Dialer   protocol.Dialer
	Router   *router.Router
	Frames   *retrystore.Store
	Pacer    *pacer.Pacer
	Notifier Notifier
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// Runtime is one account's lifecycle driver. Run owns all state transitions;
// the send methods only read the current socket.
type Runtime struct {
	accountID uuid.UUID
	deps      Deps
	logger    *zap.Logger

	mu          sync.Mutex
	state       State
	qrDataURL   string
	phoneNumber string
	lastMessage string
	sock        protocol.Socket

	replacedMu       sync.Mutex
	replacedAttempts []time.Time

	done chan struct{}

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(min, max time.Duration) time.Duration
}

func New(accountID uuid.UUID, deps Deps) *Runtime {
	return &Runtime{
		accountID: accountID,
		deps:      deps,
		logger:    deps.Logger.Named("runtime").With(zap.String("account_id", accountID.String())),
		state:     StateInitializing,
		done:      make(chan struct{}),
		now:       time.Now,
		sleep:     sleepCtx,
		jitter: func(min, max time.Duration) time.Duration {
			if max <= min {
				return min
			}
			return min + time.Duration(rand.Int63n(int64(max-min)))
		},
	}
}

func (r *Runtime) AccountID() uuid.UUID { return r.accountID }

// State returns the current lifecycle state.
func (r *Runtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// QR returns the latest pairing code data URL, empty outside QRReady.
func (r *Runtime) QR() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateQRReady {
		return ""
	}
	return r.qrDataURL
}

// PhoneNumber returns the account's network phone digits once known.
func (r *Runtime) PhoneNumber() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phoneNumber
}

// LastMessage returns the user-visible note attached to the last terminal
// transition.
func (r *Runtime) LastMessage() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastMessage
}

// Done is closed when Run has returned.
func (r *Runtime) Done() <-chan struct{} { return r.done }

func (r *Runtime) setState(ctx context.Context, state State, dbStatus string) {
	r.mu.Lock()
	r.state = state
	r.mu.Unlock()

	if dbStatus != "" {
		if err := r.deps.Accounts.UpdateStatus(ctx, r.accountID, dbStatus); err != nil {
			r.logger.Warn("failed to persist account status",
				zap.String("status", dbStatus), zap.Error(err))
		}
	}
}

// Run drives the account until a terminal state or ctx cancellation. It
// always closes the socket and flushes pending auth state on the way out.
func (r *Runtime) Run(ctx context.Context) {
	defer close(r.done)
	defer r.teardown()

	skipRestore := false
	for {
		if ctx.Err() != nil {
			r.setState(context.Background(), StateDisconnected, db.StatusDisconnected)
			return
		}

		if !skipRestore {
			result, err := r.deps.Auth.Restore(ctx, r.accountID)
			if err != nil {
				if gateway.KindOf(err) == gateway.KindLockedByOther {
					r.logger.Warn("account locked by another instance", zap.Error(err))
					r.fail(ctx, "locked by another instance")
					return
				}
				if errors.Is(err, repositories.ErrNotFound) {
					r.fail(ctx, "account no longer exists")
					return
				}
				r.logger.Error("auth restore failed", zap.Error(err))
				r.fail(ctx, "auth restore failed: "+err.Error())
				return
			}
			if result == authstate.NeedsPairing {
				r.setState(ctx, StateNeedsQR, db.StatusNeedsQR)
			}
		}
		skipRestore = false

		reason, again := r.session(ctx)
		if !again {
			return
		}
		if reason == protocol.ReasonRestartRequired || reason == protocol.ReasonConnectionClosed {
			// Pairing scratch on disk must survive the reconnect.
			skipRestore = true
		}
	}
}

// session opens one socket and consumes its events until close. Returns the
// close reason and whether the runtime should connect again.
func (r *Runtime) session(ctx context.Context) (protocol.CloseReason, bool) {
	sock, events, err := r.deps.Dialer.Dial(ctx, protocol.DialConfig{
		AuthDir:             r.deps.Auth.AuthDir(r.accountID),
		Identity:            pacer.Fingerprint(r.accountID),
		GetMessage:          r.deps.Frames.GetMessageFunc(r.accountID),
		MarkOnlineOnConnect: false,
	})
	if err != nil {
		r.logger.Error("dial failed", zap.Error(err))
		return protocol.ReasonUnknown, r.backoffReconnect(ctx, protocol.ReasonUnknown)
	}

	r.mu.Lock()
	r.sock = sock
	r.mu.Unlock()

	closeEv := protocol.CloseEvent{Reason: protocol.ReasonUnknown}
	for {
		select {
		case <-ctx.Done():
			r.setState(context.Background(), StateDisconnected, db.StatusDisconnected)
			return protocol.ReasonUnknown, false
		case ev, ok := <-events:
			if !ok {
				return r.handleClose(ctx, closeEv)
			}
			if ce, isClose := ev.(protocol.CloseEvent); isClose {
				closeEv = ce
				continue
			}
			r.handleEvent(ctx, ev)
		}
	}
}

func (r *Runtime) handleEvent(ctx context.Context, ev protocol.Event) {
	switch e := ev.(type) {
	case protocol.QREvent:
		r.mu.Lock()
		r.qrDataURL = e.DataURL
		r.mu.Unlock()
		r.setState(ctx, StateQRReady, db.StatusQRReady)
		if r.deps.Notifier != nil {
			r.deps.Notifier.AccountQR(r.accountID, e.DataURL)
		}
		r.logger.Info("pairing code rotated")

	case protocol.OpenEvent:
		r.onReady(ctx, e)

	case protocol.CredsUpdateEvent:
		r.deps.Saver.Request(r.accountID)

	case protocol.MessageEvent:
		r.deps.Frames.Put(r.accountID, retrystore.DirectionIn,
			protocol.UserPart(e.Msg.Key.RemoteID), e.Msg.Wire)
		r.deps.Metrics.MessagesReceived.WithLabelValues(r.accountID.String()).Inc()
		r.deps.Router.HandleMessage(ctx, r.accountID, r.PhoneNumber(), e.Msg)

	case protocol.ReceiptEvent:
		r.deps.Router.HandleReceipt(ctx, r.accountID, e.Key, e.Level, e.Timestamp)

	case protocol.ContactUpdateEvent:
		r.deps.Router.HandleContactUpdate(e.LID, e.PhoneNumber)
	}
}

// onReady performs the Ready entry work: phone id (first time only),
// stabilization save, attempt-counter reset, notification.
func (r *Runtime) onReady(ctx context.Context, e protocol.OpenEvent) {
	phone := e.PhoneNumber
	if phone == "" {
		phone = protocol.UserPart(e.SelfID)
	}

	r.mu.Lock()
	r.phoneNumber = phone
	r.qrDataURL = ""
	r.mu.Unlock()

	if err := r.deps.Accounts.SetPhoneNumber(ctx, r.accountID, phone); err != nil {
		r.logger.Warn("failed to record phone number", zap.Error(err))
	}
	r.setState(ctx, StateReady, db.StatusReady)

	// The stabilization save is mandatory: key finalization and history sync
	// depend on this snapshot for crash recovery. It also stamps this
	// instance's ownership lock.
	saveCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := r.deps.Saver.Flush(saveCtx, r.accountID); err != nil {
		r.logger.Error("stabilization save failed", zap.Error(err))
	}

	r.replacedMu.Lock()
	r.replacedAttempts = nil
	r.replacedMu.Unlock()

	if r.deps.Notifier != nil {
		r.deps.Notifier.AccountReady(r.accountID, phone)
	}
	r.logger.Info("session open", zap.String("phone_number", phone))
}

func (r *Runtime) teardown() {
	r.mu.Lock()
	sock := r.sock
	r.sock = nil
	r.mu.Unlock()
	if sock != nil {
		_ = sock.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.deps.Saver.Flush(ctx, r.accountID); err != nil {
		r.logger.Warn("final auth flush failed", zap.Error(err))
	}
}

func (r *Runtime) fail(ctx context.Context, message string) {
	r.mu.Lock()
	r.lastMessage = message
	r.mu.Unlock()
	r.setState(ctx, StateError, db.StatusError)
	if r.deps.Notifier != nil {
		r.deps.Notifier.AccountDisconnected(r.accountID, "error", message)
	}
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
