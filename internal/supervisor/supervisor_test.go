package supervisor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chatwire-io/chatwire/internal/authstate"
	"github.com/chatwire-io/chatwire/internal/config"
	"github.com/chatwire-io/chatwire/internal/db"
	"github.com/chatwire-io/chatwire/internal/gateway"
	"github.com/chatwire-io/chatwire/internal/metrics"
	"github.com/chatwire-io/chatwire/internal/pacer"
	"github.com/chatwire-io/chatwire/internal/protocol"
	"github.com/chatwire-io/chatwire/internal/protocol/protocoltest"
	"github.com/chatwire-io/chatwire/internal/repositories"
	"github.com/chatwire-io/chatwire/internal/retrystore"
	"github.com/chatwire-io/chatwire/internal/router"
	"github.com/chatwire-io/chatwire/internal/runtime"
	"github.com/chatwire-io/chatwire/internal/webhook"
)

// ---------------------------------------------------------------------------
// fakes
// ---------------------------------------------------------------------------

type fakeAccounts struct {
	mu       sync.Mutex
	rows     []db.Account
	sessions map[uuid.UUID]string
	statuses map[uuid.UUID][]string
}

func newFakeAccounts() *fakeAccounts {
	return &fakeAccounts{
		sessions: make(map[uuid.UUID]string),
		statuses: make(map[uuid.UUID][]string),
	}
}

func (f *fakeAccounts) seed(id uuid.UUID, blob string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, db.Account{ID: id})
	if blob != "" {
		f.sessions[id] = blob
	}
}

func (f *fakeAccounts) Create(context.Context, *db.Account) error { return nil }
func (f *fakeAccounts) GetByID(context.Context, uuid.UUID) (*db.Account, error) {
	return nil, repositories.ErrNotFound
}
func (f *fakeAccounts) GetByAPIKey(context.Context, string) (*db.Account, error) {
	return nil, repositories.ErrNotFound
}
func (f *fakeAccounts) Update(context.Context, *db.Account) error { return nil }

func (f *fakeAccounts) List(context.Context, repositories.ListOptions) ([]db.Account, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]db.Account(nil), f.rows...), int64(len(f.rows)), nil
}

func (f *fakeAccounts) UpdateStatus(_ context.Context, id uuid.UUID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = append(f.statuses[id], status)
	return nil
}

func (f *fakeAccounts) SetPhoneNumber(context.Context, uuid.UUID, string) error { return nil }

func (f *fakeAccounts) UpsertSession(_ context.Context, id uuid.UUID, blob string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[id] = blob
	return nil
}

func (f *fakeAccounts) GetSession(_ context.Context, id uuid.UUID) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[id], nil
}

func (f *fakeAccounts) ClearSession(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, id)
	return nil
}

func (f *fakeAccounts) Delete(context.Context, uuid.UUID) error { return nil }

func (f *fakeAccounts) session(id uuid.UUID) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[id]
}

func (f *fakeAccounts) statusHistory(id uuid.UUID) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.statuses[id]...)
}

type fakeWireRepo struct {
	mu            sync.Mutex
	rows          map[string]*db.WireMessage
	reclaimCutoff time.Time
}

func newFakeWireRepo() *fakeWireRepo {
	return &fakeWireRepo{rows: make(map[string]*db.WireMessage)}
}

func (f *fakeWireRepo) Upsert(_ context.Context, msg *db.WireMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[msg.AccountID.String()+"/"+msg.MessageID] = msg
	return nil
}

func (f *fakeWireRepo) Get(_ context.Context, accountID uuid.UUID, messageID string) (*db.WireMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[accountID.String()+"/"+messageID]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return row, nil
}

func (f *fakeWireRepo) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reclaimCutoff = cutoff
	return 0, nil
}

type fakeWebhooks struct{}

func (fakeWebhooks) Create(context.Context, *db.Webhook) error { return nil }
func (fakeWebhooks) GetByID(context.Context, uuid.UUID) (*db.Webhook, error) {
	return nil, repositories.ErrNotFound
}
func (fakeWebhooks) Update(context.Context, *db.Webhook) error { return nil }
func (fakeWebhooks) Delete(context.Context, uuid.UUID) error   { return nil }
func (fakeWebhooks) ListByAccount(context.Context, uuid.UUID) ([]db.Webhook, error) {
	return nil, nil
}
func (fakeWebhooks) ListActiveByAccount(context.Context, uuid.UUID) ([]db.Webhook, error) {
	return nil, nil
}
func (fakeWebhooks) DeleteByAccount(context.Context, uuid.UUID) error { return nil }

type fakeJobs struct {
	mu             sync.Mutex
	terminalCutoff time.Time
}

func (f *fakeJobs) Insert(context.Context, *db.DeliveryJob) error { return nil }
func (f *fakeJobs) GetByID(context.Context, uuid.UUID) (*db.DeliveryJob, error) {
	return nil, repositories.ErrNotFound
}
func (f *fakeJobs) Due(context.Context, time.Time, int) ([]db.DeliveryJob, error) {
	return nil, nil
}
func (f *fakeJobs) Claim(context.Context, uuid.UUID) (bool, error)    { return false, nil }
func (f *fakeJobs) MarkSuccess(context.Context, uuid.UUID, int) error { return nil }
func (f *fakeJobs) MarkFailed(context.Context, uuid.UUID, time.Time, string) error {
	return nil
}
func (f *fakeJobs) MarkDeadLetter(context.Context, uuid.UUID, *int, string) error { return nil }
func (f *fakeJobs) RecoverStuck(context.Context, time.Time) (int64, error)        { return 0, nil }

func (f *fakeJobs) DeleteTerminalOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminalCutoff = cutoff
	return 0, nil
}

func (f *fakeJobs) cutoff() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.terminalCutoff
}

// ---------------------------------------------------------------------------
// harness
// ---------------------------------------------------------------------------

type supEnv struct {
	accounts *fakeAccounts
	frames   *fakeWireRepo
	jobs     *fakeJobs
	dialer   *protocoltest.Dialer
	auth     *authstate.Manager
	sup      *Supervisor
}

func newSupEnv(t *testing.T, sessions ...*protocoltest.Session) *supEnv {
	t.Helper()
	logger := zap.NewNop()

	cfg := config.Config{
		Pacing: config.Pacing{
			MinInterval:    time.Millisecond,
			MaxPerHour:     1000,
			MaxPerDay:      10000,
			DuplicateTTL:   time.Minute,
			TypingCharsSec: 1000,
			TypingMin:      time.Millisecond,
			TypingMax:      2 * time.Millisecond,
		},
		Webhook: config.Webhook{
			TickInterval: 50 * time.Millisecond,
			BatchSize:    10,
			MaxRetries:   3,
			BackoffBase:  2 * time.Second,
			BackoffMax:   60 * time.Second,
			Staleness:    time.Minute,
			MaxPayload:   1 << 20,
		},
		Retry: config.Retry{
			CacheSize: 16,
			CacheTTL:  time.Minute,
			Retention: time.Hour,
		},
		Lifecycle: config.Lifecycle{
			StaggerWindow:    time.Minute,
			StaggerBurst:     100,
			AuthSyncInterval: time.Hour,
			KeepaliveEvery:   time.Hour,
			MemoryWarnMB:     1 << 20,
			MemoryCriticalMB: 1 << 20,
			OwnershipStale:   2 * time.Minute,
		},
	}

	accounts := newFakeAccounts()
	wires := newFakeWireRepo()
	jobs := &fakeJobs{}
	auth := authstate.NewManager(accounts, t.TempDir(), "inst-1", 2*time.Minute, logger)
	saver := authstate.NewSaver(auth, logger)
	dialer := protocoltest.NewDialer(sessions...)
	m := metrics.New()
	frames := retrystore.New(cfg.Retry, wires, logger)
	queue := webhook.NewQueue(cfg.Webhook, fakeWebhooks{}, jobs, m, "test", logger)

	deps := runtime.Deps{
		Accounts: accounts,
		Auth:     auth,
		Saver:    saver,
		Dialer:   dialer,
		Router:   router.New(queue, nil, router.NewLIDMap(), logger),
		Frames:   frames,
		Pacer:    pacer.New(cfg.Pacing, logger),
		Metrics:  m,
		Logger:   logger,
	}

	sup, err := New(cfg, deps, queue, frames, jobs, logger)
	require.NoError(t, err)

	return &supEnv{
		accounts: accounts,
		frames:   wires,
		jobs:     jobs,
		dialer:   dialer,
		auth:     auth,
		sup:      sup,
	}
}

func encodedBlob(t *testing.T, phone string) string {
	t.Helper()
	blob := &authstate.Blob{
		Version: authstate.CurrentVersion,
		Creds:   json.RawMessage(`{"me":{"id":"` + phone + `:5@s.net"}}`),
		Keys:    map[string][]byte{"pre-key-1.json": []byte(`{"k":1}`)},
	}
	encoded, err := authstate.Encode(blob)
	require.NoError(t, err)
	return encoded
}

func (e *supEnv) pairOnDisk(t *testing.T, id uuid.UUID, phone string) {
	t.Helper()
	dir := e.auth.AuthDir(id)
	require.NoError(t, os.MkdirAll(dir, 0o700))
	creds := `{"me":{"id":"` + phone + `:5@s.net"}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "creds.json"), []byte(creds), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pre-key-1.json"), []byte(`{"k":1}`), 0o600))
}

func waitDials(t *testing.T, d *protocoltest.Dialer, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for d.DialCount() < want && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, want, d.DialCount())
}

func waitRuntimeState(t *testing.T, rt *runtime.Runtime, want runtime.State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if rt.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("runtime never reached %s, stuck at %s", want, rt.State())
}

// ---------------------------------------------------------------------------
// tests
// ---------------------------------------------------------------------------

func TestStart_PartitionsAccounts(t *testing.T) {
	sess := protocoltest.NewSession()
	e := newSupEnv(t, sess)

	withAuth := uuid.New()
	needsQR := uuid.New()
	e.accounts.seed(withAuth, encodedBlob(t, "15551234567"))
	e.accounts.seed(needsQR, "")

	require.NoError(t, e.sup.Start(context.Background()))
	defer e.sup.Shutdown()

	// Only the account with stored auth connects at startup.
	waitDials(t, e.dialer, 1)
	_, err := e.sup.Runtime(withAuth)
	assert.NoError(t, err)

	_, err = e.sup.Runtime(needsQR)
	require.Error(t, err)
	assert.Equal(t, gateway.KindNotConnected, gateway.KindOf(err))
	assert.Contains(t, e.accounts.statusHistory(needsQR), db.StatusNeedsQR)
}

func TestStartAccount_SecondStartIsNoop(t *testing.T) {
	e := newSupEnv(t, protocoltest.NewSession())
	require.NoError(t, e.sup.Start(context.Background()))
	defer e.sup.Shutdown()

	id := uuid.New()
	e.sup.StartAccount(id)
	e.sup.StartAccount(id)

	waitDials(t, e.dialer, 1)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, e.dialer.DialCount(), "a live runtime must not be replaced")
}

func TestReconnect_ReplacesRuntime(t *testing.T) {
	e := newSupEnv(t, protocoltest.NewSession(), protocoltest.NewSession())
	require.NoError(t, e.sup.Start(context.Background()))
	defer e.sup.Shutdown()

	id := uuid.New()
	e.sup.StartAccount(id)
	waitDials(t, e.dialer, 1)
	first, err := e.sup.Runtime(id)
	require.NoError(t, err)

	require.NoError(t, e.sup.Reconnect(context.Background(), id))
	waitDials(t, e.dialer, 2)

	second, err := e.sup.Runtime(id)
	require.NoError(t, err)
	assert.NotSame(t, first, second)

	select {
	case <-first.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("old runtime still running after reconnect")
	}
}

func TestRemoveAccount_LogsOutLiveRuntime(t *testing.T) {
	sess := protocoltest.NewSession()
	e := newSupEnv(t, sess)
	require.NoError(t, e.sup.Start(context.Background()))
	defer e.sup.Shutdown()

	id := uuid.New()
	e.accounts.seed(id, "")
	e.sup.StartAccount(id)
	waitDials(t, e.dialer, 1)

	rt, err := e.sup.Runtime(id)
	require.NoError(t, err)
	e.pairOnDisk(t, id, "15559990000")
	sess.Events <- protocol.OpenEvent{SelfID: "15559990000:5@s.net", PhoneNumber: "15559990000"}
	waitRuntimeState(t, rt, runtime.StateReady)

	require.NoError(t, e.sup.RemoveAccount(context.Background(), id))

	assert.True(t, sess.Sock.LoggedOut(), "a live runtime must log out of the network")
	assert.Empty(t, e.accounts.session(id))
	_, err = e.sup.Runtime(id)
	assert.Error(t, err)
}

func TestRemoveAccount_WithoutRuntimeClearsAuth(t *testing.T) {
	e := newSupEnv(t)
	require.NoError(t, e.sup.Start(context.Background()))
	defer e.sup.Shutdown()

	id := uuid.New()
	e.accounts.seed(id, encodedBlob(t, "15551230000"))

	require.NoError(t, e.sup.RemoveAccount(context.Background(), id))
	assert.Empty(t, e.accounts.session(id))
}

func TestCleanupTerminated_DropsDeadRuntimes(t *testing.T) {
	sess := protocoltest.NewSession()
	e := newSupEnv(t, sess)
	require.NoError(t, e.sup.Start(context.Background()))
	defer e.sup.Shutdown()

	id := uuid.New()
	e.accounts.seed(id, "")
	e.sup.StartAccount(id)
	waitDials(t, e.dialer, 1)
	rt, err := e.sup.Runtime(id)
	require.NoError(t, err)

	sess.Events <- protocol.CloseEvent{Reason: protocol.ReasonLoggedOut}
	close(sess.Events)
	select {
	case <-rt.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("runtime did not terminate on logout")
	}

	e.sup.cleanupTerminated()
	_, err = e.sup.Runtime(id)
	require.Error(t, err)
	assert.Equal(t, gateway.KindNotConnected, gateway.KindOf(err))
}

func TestStatuses(t *testing.T) {
	e := newSupEnv(t, protocoltest.NewSession())
	require.NoError(t, e.sup.Start(context.Background()))
	defer e.sup.Shutdown()

	id := uuid.New()
	e.sup.StartAccount(id)
	waitDials(t, e.dialer, 1)

	statuses := e.sup.Statuses()
	require.Contains(t, statuses, id)
}

func TestShutdown_StopsEverything(t *testing.T) {
	e := newSupEnv(t, protocoltest.NewSession())
	require.NoError(t, e.sup.Start(context.Background()))

	id := uuid.New()
	e.sup.StartAccount(id)
	waitDials(t, e.dialer, 1)
	rt, err := e.sup.Runtime(id)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		e.sup.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not complete")
	}

	select {
	case <-rt.Done():
	default:
		t.Fatal("runtime still running after shutdown")
	}
}

func TestPresenceRefresh_RefreshesOncePerInterval(t *testing.T) {
	sess := protocoltest.NewSession()
	e := newSupEnv(t, sess)
	require.NoError(t, e.sup.Start(context.Background()))
	defer e.sup.Shutdown()

	id := uuid.New()
	e.accounts.seed(id, "")
	e.sup.StartAccount(id)
	waitDials(t, e.dialer, 1)

	rt, err := e.sup.Runtime(id)
	require.NoError(t, err)
	e.pairOnDisk(t, id, "15558880000")
	sess.Events <- protocol.OpenEvent{SelfID: "15558880000:5@s.net", PhoneNumber: "15558880000"}
	waitRuntimeState(t, rt, runtime.StateReady)

	e.sup.presenceRefresh()
	require.Len(t, sess.Sock.Presences(), 1)
	assert.Equal(t, protocol.PresenceAvailable, sess.Sock.Presences()[0].Presence)

	// A second sweep inside the randomized interval must not send again.
	e.sup.presenceRefresh()
	assert.Len(t, sess.Sock.Presences(), 1)
}

func TestRetentionReclaim_CutsBothStores(t *testing.T) {
	e := newSupEnv(t)
	require.NoError(t, e.sup.Start(context.Background()))
	defer e.sup.Shutdown()

	before := time.Now().UTC()
	e.sup.retentionReclaim()

	e.frames.mu.Lock()
	wireCutoff := e.frames.reclaimCutoff
	e.frames.mu.Unlock()
	assert.WithinDuration(t, before.Add(-time.Hour), wireCutoff, 5*time.Second)
	assert.WithinDuration(t, before.Add(-terminalJobRetention), e.jobs.cutoff(), 5*time.Second)
}

func TestMemoryProbe_Thresholds(t *testing.T) {
	hot := newMemoryProbe(0, 0, zap.NewNop())
	hot.probe()
	assert.True(t, hot.critical(), "zero thresholds put any live process over critical")

	cold := newMemoryProbe(1<<20, 1<<20, zap.NewNop())
	cold.probe()
	assert.False(t, cold.critical())
}
