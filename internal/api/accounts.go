package api

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/chatwire-io/chatwire/internal/db"
	"github.com/chatwire-io/chatwire/internal/repositories"
	"github.com/chatwire-io/chatwire/internal/runtime"
)

// apiKeyPrefix marks gateway API keys so leaked keys are identifiable in
// secret scanners.
const apiKeyPrefix = "cw_"

// generateAPIKey returns a new account API key: prefix plus 48 hex chars.
func generateAPIKey() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return apiKeyPrefix + hex.EncodeToString(raw), nil
}

type accountHandler struct {
	gateway  Gateway
	accounts repositories.AccountRepository
	webhooks repositories.WebhookRepository
	logger   *zap.Logger
}

func newAccountHandler(gw Gateway, accounts repositories.AccountRepository, webhooks repositories.WebhookRepository, logger *zap.Logger) *accountHandler {
	return &accountHandler{gateway: gw, accounts: accounts, webhooks: webhooks, logger: logger}
}

// accountView is the account shape returned to callers. The API key appears
// only in the create response; the session blob never leaves the store.
type accountView struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`
	PhoneNumber string `json:"phone_number,omitempty"`
	CreatedAt   string `json:"created_at"`
}

func viewOf(a *db.Account) accountView {
	return accountView{
		ID:          a.ID.String(),
		Name:        a.Name,
		Description: a.Description,
		Status:      a.Status,
		PhoneNumber: a.PhoneNumber,
		CreatedAt:   a.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func (h *accountHandler) list(w http.ResponseWriter, r *http.Request) {
	accounts, total, err := h.accounts.List(r.Context(), repositories.ListOptions{})
	if err != nil {
		ErrGateway(w, err)
		return
	}
	views := make([]accountView, 0, len(accounts))
	for i := range accounts {
		views = append(views, viewOf(&accounts[i]))
	}
	Ok(w, envelope{"accounts": views, "total": total})
}

func (h *accountHandler) create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		ErrBadRequest(w, "name is required")
		return
	}

	key, err := generateAPIKey()
	if err != nil {
		ErrGateway(w, err)
		return
	}

	account := &db.Account{
		Name:        req.Name,
		Description: req.Description,
		Status:      db.StatusNeedsQR,
		APIKey:      key,
	}
	if err := h.accounts.Create(r.Context(), account); err != nil {
		ErrGateway(w, err)
		return
	}

	h.logger.Info("account created", zap.String("account_id", account.ID.String()))
	Created(w, envelope{"account": viewOf(account), "api_key": key})
}

func (h *accountHandler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(r, "id")
	if !ok {
		ErrBadRequest(w, "invalid account id")
		return
	}
	account, err := h.accounts.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		ErrGateway(w, err)
		return
	}
	Ok(w, envelope{"account": viewOf(account)})
}

// remove deletes the account: network logout + auth wipe through the
// supervisor, then the row and its subscriptions.
func (h *accountHandler) remove(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(r, "id")
	if !ok {
		ErrBadRequest(w, "invalid account id")
		return
	}
	if _, err := h.accounts.GetByID(r.Context(), id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		ErrGateway(w, err)
		return
	}

	if err := h.gateway.RemoveAccount(r.Context(), id); err != nil {
		h.logger.Warn("runtime removal failed during account delete",
			zap.String("account_id", id.String()), zap.Error(err))
	}
	if err := h.webhooks.DeleteByAccount(r.Context(), id); err != nil {
		ErrGateway(w, err)
		return
	}
	if err := h.accounts.Delete(r.Context(), id); err != nil {
		ErrGateway(w, err)
		return
	}
	Ok(w, envelope{"success": true})
}

func (h *accountHandler) requestQR(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(r, "id")
	if !ok {
		ErrBadRequest(w, "invalid account id")
		return
	}
	if _, err := h.accounts.GetByID(r.Context(), id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		ErrGateway(w, err)
		return
	}

	h.gateway.RequestQR(id)
	Accepted(w, "pairing_requested")
}

// qr returns the current pairing code, or a 202 with the lifecycle status
// while no code is available yet.
func (h *accountHandler) qr(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(r, "id")
	if !ok {
		ErrBadRequest(w, "invalid account id")
		return
	}

	rt, err := h.gateway.Runtime(id)
	if err != nil {
		ErrGateway(w, err)
		return
	}
	if code := rt.QR(); code != "" {
		Ok(w, envelope{"qr_code": code, "status": string(rt.State())})
		return
	}
	Accepted(w, string(rt.State()))
}

func (h *accountHandler) reconnect(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(r, "id")
	if !ok {
		ErrBadRequest(w, "invalid account id")
		return
	}
	if err := h.gateway.Reconnect(r.Context(), id); err != nil {
		ErrGateway(w, err)
		return
	}
	Ok(w, envelope{"status": string(runtime.StateReconnecting)})
}
