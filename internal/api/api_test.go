package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chatwire-io/chatwire/internal/db"
	"github.com/chatwire-io/chatwire/internal/gateway"
	"github.com/chatwire-io/chatwire/internal/metrics"
	"github.com/chatwire-io/chatwire/internal/protocol"
	"github.com/chatwire-io/chatwire/internal/repositories"
	"github.com/chatwire-io/chatwire/internal/runtime"
	"github.com/chatwire-io/chatwire/internal/websocket"
)

// ---------------------------------------------------------------------------
// fakes
// ---------------------------------------------------------------------------

type fakeRuntime struct {
	mu      sync.Mutex
	sent    []string
	sendErr error
	state   runtime.State
	qr      string
	seq     int
}

func (f *fakeRuntime) SendText(_ context.Context, number, text string) (*protocol.WireMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.seq++
	f.sent = append(f.sent, number+":"+text)
	return &protocol.WireMessage{
		Key:       protocol.MessageKey{ID: "MSG-" + string(rune('0'+f.seq)), RemoteID: number, FromMe: true},
		Timestamp: time.Now(),
	}, nil
}

func (f *fakeRuntime) SendMedia(ctx context.Context, number string, media protocol.Media) (*protocol.WireMessage, error) {
	return f.SendText(ctx, number, media.Caption)
}

func (f *fakeRuntime) State() runtime.State { return f.state }
func (f *fakeRuntime) QR() string           { return f.qr }

func (f *fakeRuntime) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeGateway struct {
	mu       sync.Mutex
	runtimes map[uuid.UUID]*fakeRuntime
	qrCalls  []uuid.UUID
	removed  []uuid.UUID
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{runtimes: make(map[uuid.UUID]*fakeRuntime)}
}

func (f *fakeGateway) Runtime(id uuid.UUID) (AccountRuntime, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rt, ok := f.runtimes[id]
	if !ok {
		return nil, gateway.NewError(gateway.KindNotConnected, "no runtime for this account")
	}
	return rt, nil
}

func (f *fakeGateway) RequestQR(id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.qrCalls = append(f.qrCalls, id)
}

func (f *fakeGateway) Reconnect(_ context.Context, _ uuid.UUID) error { return nil }

func (f *fakeGateway) RemoveAccount(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

type fakeAccounts struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*db.Account
	gone map[uuid.UUID]bool
}

func newFakeAccounts() *fakeAccounts {
	return &fakeAccounts{rows: make(map[uuid.UUID]*db.Account), gone: make(map[uuid.UUID]bool)}
}

func (f *fakeAccounts) Create(_ context.Context, a *db.Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a.ID == (uuid.UUID{}) {
		a.ID = uuid.New()
	}
	a.CreatedAt = time.Now()
	f.rows[a.ID] = a
	return nil
}

func (f *fakeAccounts) GetByID(_ context.Context, id uuid.UUID) (*db.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.rows[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return a, nil
}

func (f *fakeAccounts) GetByAPIKey(_ context.Context, key string) (*db.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.rows {
		if a.APIKey == key {
			return a, nil
		}
	}
	return nil, repositories.ErrNotFound
}

func (f *fakeAccounts) Update(context.Context, *db.Account) error { return nil }

func (f *fakeAccounts) List(context.Context, repositories.ListOptions) ([]db.Account, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []db.Account
	for _, a := range f.rows {
		out = append(out, *a)
	}
	return out, int64(len(out)), nil
}

func (f *fakeAccounts) UpdateStatus(context.Context, uuid.UUID, string) error { return nil }
func (f *fakeAccounts) SetPhoneNumber(context.Context, uuid.UUID, string) error {
	return nil
}
func (f *fakeAccounts) UpsertSession(context.Context, uuid.UUID, string, time.Time) error {
	return nil
}
func (f *fakeAccounts) GetSession(context.Context, uuid.UUID) (string, error) { return "", nil }
func (f *fakeAccounts) ClearSession(context.Context, uuid.UUID) error         { return nil }

func (f *fakeAccounts) Delete(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, id)
	f.gone[id] = true
	return nil
}

type fakeWebhooks struct {
	mu      sync.Mutex
	rows    map[uuid.UUID]*db.Webhook
	cascade []uuid.UUID
}

func newFakeWebhooks() *fakeWebhooks {
	return &fakeWebhooks{rows: make(map[uuid.UUID]*db.Webhook)}
}

func (f *fakeWebhooks) Create(_ context.Context, wh *db.Webhook) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if wh.ID == (uuid.UUID{}) {
		wh.ID = uuid.New()
	}
	wh.CreatedAt = time.Now()
	f.rows[wh.ID] = wh
	return nil
}

func (f *fakeWebhooks) GetByID(_ context.Context, id uuid.UUID) (*db.Webhook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wh, ok := f.rows[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return wh, nil
}

func (f *fakeWebhooks) Update(_ context.Context, wh *db.Webhook) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[wh.ID] = wh
	return nil
}

func (f *fakeWebhooks) Delete(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, id)
	return nil
}

func (f *fakeWebhooks) ListByAccount(_ context.Context, accountID uuid.UUID) ([]db.Webhook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []db.Webhook
	for _, wh := range f.rows {
		if wh.AccountID == accountID {
			out = append(out, *wh)
		}
	}
	return out, nil
}

func (f *fakeWebhooks) ListActiveByAccount(ctx context.Context, accountID uuid.UUID) ([]db.Webhook, error) {
	all, _ := f.ListByAccount(ctx, accountID)
	var out []db.Webhook
	for _, wh := range all {
		if wh.IsActive {
			out = append(out, wh)
		}
	}
	return out, nil
}

func (f *fakeWebhooks) DeleteByAccount(_ context.Context, accountID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cascade = append(f.cascade, accountID)
	for id, wh := range f.rows {
		if wh.AccountID == accountID {
			delete(f.rows, id)
		}
	}
	return nil
}

type fakeQueue struct {
	mu          sync.Mutex
	invalidated []uuid.UUID
	tested      []uuid.UUID
	testErr     error
}

func (f *fakeQueue) Invalidate(id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, id)
}

func (f *fakeQueue) SendTest(_ context.Context, wh *db.Webhook, _ uuid.UUID, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tested = append(f.tested, wh.ID)
	return f.testErr
}

// ---------------------------------------------------------------------------
// harness
// ---------------------------------------------------------------------------

type apiEnv struct {
	gw       *fakeGateway
	accounts *fakeAccounts
	webhooks *fakeWebhooks
	queue    *fakeQueue
	handler  http.Handler

	accountID uuid.UUID
	apiKey    string
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()

	e := &apiEnv{
		gw:       newFakeGateway(),
		accounts: newFakeAccounts(),
		webhooks: newFakeWebhooks(),
		queue:    &fakeQueue{},
	}
	e.handler = NewRouter(RouterConfig{
		Gateway:  e.gw,
		Accounts: e.accounts,
		Webhooks: e.webhooks,
		Queue:    e.queue,
		Hub:      websocket.NewHub(),
		Metrics:  metrics.New(),
		Logger:   zap.NewNop(),
	})

	e.accountID = uuid.New()
	e.apiKey = apiKeyPrefix + strings.Repeat("ab", 24)
	account := &db.Account{
		Name:   "test",
		Status: db.StatusReady,
		APIKey: e.apiKey,
	}
	account.ID = e.accountID
	account.CreatedAt = time.Now()
	e.accounts.rows[e.accountID] = account
	e.gw.runtimes[e.accountID] = &fakeRuntime{state: runtime.StateReady}
	return e
}

func (e *apiEnv) do(t *testing.T, method, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

// ---------------------------------------------------------------------------
// tests
// ---------------------------------------------------------------------------

func TestHealthEndpoints(t *testing.T) {
	e := newAPIEnv(t)
	for _, path := range []string{"/health", "/ready", "/ping"} {
		rec := e.do(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestSend_HappyPath(t *testing.T) {
	e := newAPIEnv(t)

	rec := e.do(t, http.MethodPost, "/api/send", e.apiKey, map[string]string{
		"number":  "918000000000",
		"message": "hello",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.NotEmpty(t, body["messageId"])
	assert.NotZero(t, body["timestamp"])
	assert.Equal(t, 1, e.gw.runtimes[e.accountID].sentCount())
}

func TestSend_RequiresAPIKey(t *testing.T) {
	e := newAPIEnv(t)

	rec := e.do(t, http.MethodPost, "/api/send", "", map[string]string{
		"number": "918000000000", "message": "hello",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/send", "cw_wrongkey", map[string]string{
		"number": "918000000000", "message": "hello",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSend_AccountMismatchForbidden(t *testing.T) {
	e := newAPIEnv(t)

	rec := e.do(t, http.MethodPost, "/api/send", e.apiKey, map[string]string{
		"account_id": uuid.NewString(),
		"number":     "918000000000",
		"message":    "hello",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSend_CapErrorsCarryRetryAfter(t *testing.T) {
	e := newAPIEnv(t)
	e.gw.runtimes[e.accountID].sendErr = &gateway.Error{
		Kind:       gateway.KindDailyCap,
		Message:    "daily send cap reached",
		RetryAfter: 2 * time.Hour,
	}

	rec := e.do(t, http.MethodPost, "/api/send", e.apiKey, map[string]string{
		"number": "918000000000", "message": "hello",
	})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "7200", rec.Header().Get("Retry-After"))

	body := decodeBody(t, rec)
	assert.Equal(t, "daily_cap", body["error"])
	assert.Equal(t, float64(7200), body["retryAfter"])
}

func TestSend_DuplicateBlockedIsConflict(t *testing.T) {
	e := newAPIEnv(t)
	e.gw.runtimes[e.accountID].sendErr = gateway.NewError(gateway.KindDuplicateBlocked, "duplicate")

	rec := e.do(t, http.MethodPost, "/api/send", e.apiKey, map[string]string{
		"number": "918000000000", "message": "hello",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRequestQR(t *testing.T) {
	e := newAPIEnv(t)

	rec := e.do(t, http.MethodPost, "/api/accounts/"+e.accountID.String()+"/request-qr", "", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []uuid.UUID{e.accountID}, e.gw.qrCalls)
}

func TestQR_CodeAvailable(t *testing.T) {
	e := newAPIEnv(t)
	e.gw.runtimes[e.accountID].state = runtime.StateQRReady
	e.gw.runtimes[e.accountID].qr = "data:image/png;base64,AAA"

	rec := e.do(t, http.MethodGet, "/api/accounts/"+e.accountID.String()+"/qr", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "data:image/png;base64,AAA", body["qr_code"])
	assert.Equal(t, "qr_ready", body["status"])
}

func TestQR_PendingReturns202(t *testing.T) {
	e := newAPIEnv(t)
	e.gw.runtimes[e.accountID].state = runtime.StateInitializing

	rec := e.do(t, http.MethodGet, "/api/accounts/"+e.accountID.String()+"/qr", "", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "initializing", body["status"])
}

func TestDeleteAccount_Cascades(t *testing.T) {
	e := newAPIEnv(t)

	rec := e.do(t, http.MethodDelete, "/api/accounts/"+e.accountID.String(), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []uuid.UUID{e.accountID}, e.gw.removed)
	assert.Equal(t, []uuid.UUID{e.accountID}, e.webhooks.cascade)
	assert.True(t, e.accounts.gone[e.accountID])
}

func TestCreateAccount_ReturnsAPIKeyOnce(t *testing.T) {
	e := newAPIEnv(t)

	rec := e.do(t, http.MethodPost, "/api/accounts/", "", map[string]string{"name": "support line"})
	require.Equal(t, http.StatusCreated, rec.Code)

	body := decodeBody(t, rec)
	key, _ := body["api_key"].(string)
	assert.True(t, strings.HasPrefix(key, apiKeyPrefix))
	assert.Len(t, key, len(apiKeyPrefix)+48)

	account, _ := body["account"].(map[string]any)
	require.NotNil(t, account)
	assert.Equal(t, "support line", account["name"])
	assert.Equal(t, db.StatusNeedsQR, account["status"])
}

func TestWebhookCreate_DefaultsAndInvalidation(t *testing.T) {
	e := newAPIEnv(t)

	rec := e.do(t, http.MethodPost, "/api/accounts/"+e.accountID.String()+"/webhooks", "", map[string]any{
		"url":    "https://example.com/hook",
		"secret": "s3cret",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	wh, _ := body["webhook"].(map[string]any)
	require.NotNil(t, wh)
	assert.Equal(t, []any{"message"}, wh["events"], "events default to message")
	assert.Equal(t, true, wh["is_active"])
	assert.NotContains(t, wh, "secret", "the secret is write-only")

	assert.Equal(t, []uuid.UUID{e.accountID}, e.queue.invalidated)
}

func TestWebhookReply_SecretAuth(t *testing.T) {
	e := newAPIEnv(t)
	require.NoError(t, e.webhooks.Create(context.Background(), &db.Webhook{
		AccountID: e.accountID,
		URL:       "https://example.com/hook",
		Secret:    db.EncryptedString("reply-secret"),
		Events:    `["message"]`,
		IsActive:  true,
	}))

	rec := e.do(t, http.MethodPost, "/api/webhook-reply", "", map[string]string{
		"account_id":     e.accountID.String(),
		"number":         "918000000000",
		"webhook_secret": "reply-secret",
		"message":        "auto response",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, e.gw.runtimes[e.accountID].sentCount())

	rec = e.do(t, http.MethodPost, "/api/webhook-reply", "", map[string]string{
		"account_id":     e.accountID.String(),
		"number":         "918000000000",
		"webhook_secret": "wrong",
		"message":        "auto response",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookReply_LoopGuard(t *testing.T) {
	e := newAPIEnv(t)
	require.NoError(t, e.webhooks.Create(context.Background(), &db.Webhook{
		AccountID: e.accountID,
		URL:       "https://example.com/hook",
		Secret:    db.EncryptedString("reply-secret"),
		Events:    `["message"]`,
		IsActive:  true,
	}))

	payload := func(n string) map[string]string {
		return map[string]string{
			"account_id":     e.accountID.String(),
			"number":         n,
			"webhook_secret": "reply-secret",
			"message":        "echo",
		}
	}

	for i := 0; i < replyGuardLimit; i++ {
		rec := e.do(t, http.MethodPost, "/api/webhook-reply", "", payload("918000000000"))
		require.Equal(t, http.StatusOK, rec.Code, "reply %d should pass", i+1)
	}

	rec := e.do(t, http.MethodPost, "/api/webhook-reply", "", payload("918000000000"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code, "the 11th reply in a minute is guarded")
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// A different peer has its own budget.
	rec = e.do(t, http.MethodPost, "/api/webhook-reply", "", payload("918000000001"))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookTest_FiresImmediateDelivery(t *testing.T) {
	e := newAPIEnv(t)
	wh := &db.Webhook{
		AccountID: e.accountID,
		URL:       "https://example.com/hook",
		Events:    `["message"]`,
		IsActive:  true,
	}
	require.NoError(t, e.webhooks.Create(context.Background(), wh))

	rec := e.do(t, http.MethodPost,
		"/api/accounts/"+e.accountID.String()+"/webhooks/"+wh.ID.String()+"/test", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []uuid.UUID{wh.ID}, e.queue.tested)
}
