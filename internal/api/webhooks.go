package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/chatwire-io/chatwire/internal/db"
	"github.com/chatwire-io/chatwire/internal/repositories"
)

type webhookHandler struct {
	accounts repositories.AccountRepository
	webhooks repositories.WebhookRepository
	queue    WebhookQueue
	logger   *zap.Logger
}

func newWebhookHandler(accounts repositories.AccountRepository, webhooks repositories.WebhookRepository, queue WebhookQueue, logger *zap.Logger) *webhookHandler {
	return &webhookHandler{accounts: accounts, webhooks: webhooks, queue: queue, logger: logger}
}

// webhookView omits the secret: it is write-only through the API.
type webhookView struct {
	ID         string   `json:"id"`
	AccountID  string   `json:"account_id"`
	URL        string   `json:"url"`
	Events     []string `json:"events"`
	IsActive   bool     `json:"is_active"`
	MaxRetries int      `json:"max_retries,omitempty"`
	CreatedAt  string   `json:"created_at"`
}

func webhookViewOf(wh *db.Webhook) webhookView {
	var events []string
	_ = json.Unmarshal([]byte(wh.Events), &events)
	return webhookView{
		ID:         wh.ID.String(),
		AccountID:  wh.AccountID.String(),
		URL:        wh.URL,
		Events:     events,
		IsActive:   wh.IsActive,
		MaxRetries: wh.MaxRetries,
		CreatedAt:  wh.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func (h *webhookHandler) list(w http.ResponseWriter, r *http.Request) {
	accountID, ok := urlUUID(r, "id")
	if !ok {
		ErrBadRequest(w, "invalid account id")
		return
	}
	subs, err := h.webhooks.ListByAccount(r.Context(), accountID)
	if err != nil {
		ErrGateway(w, err)
		return
	}
	views := make([]webhookView, 0, len(subs))
	for i := range subs {
		views = append(views, webhookViewOf(&subs[i]))
	}
	Ok(w, envelope{"webhooks": views})
}

func (h *webhookHandler) create(w http.ResponseWriter, r *http.Request) {
	accountID, ok := urlUUID(r, "id")
	if !ok {
		ErrBadRequest(w, "invalid account id")
		return
	}
	if _, err := h.accounts.GetByID(r.Context(), accountID); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		ErrGateway(w, err)
		return
	}

	var req struct {
		URL        string   `json:"url"`
		Secret     string   `json:"secret"`
		IsActive   *bool    `json:"is_active"`
		Events     []string `json:"events"`
		MaxRetries int      `json:"max_retries"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.URL == "" {
		ErrBadRequest(w, "url is required")
		return
	}
	if len(req.Events) == 0 {
		req.Events = []string{"message"}
	}
	events, err := json.Marshal(req.Events)
	if err != nil {
		ErrBadRequest(w, "invalid events list")
		return
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	wh := &db.Webhook{
		AccountID:  accountID,
		URL:        req.URL,
		Secret:     db.EncryptedString(req.Secret),
		Events:     string(events),
		IsActive:   active,
		MaxRetries: req.MaxRetries,
	}
	if err := h.webhooks.Create(r.Context(), wh); err != nil {
		ErrGateway(w, err)
		return
	}

	h.queue.Invalidate(accountID)
	Created(w, envelope{"webhook": webhookViewOf(wh)})
}

func (h *webhookHandler) update(w http.ResponseWriter, r *http.Request) {
	accountID, ok := urlUUID(r, "id")
	if !ok {
		ErrBadRequest(w, "invalid account id")
		return
	}
	webhookID, ok := urlUUID(r, "webhookID")
	if !ok {
		ErrBadRequest(w, "invalid webhook id")
		return
	}

	wh, err := h.webhooks.GetByID(r.Context(), webhookID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		ErrGateway(w, err)
		return
	}
	if wh.AccountID != accountID {
		ErrNotFound(w)
		return
	}

	var req struct {
		URL        *string  `json:"url"`
		Secret     *string  `json:"secret"`
		IsActive   *bool    `json:"is_active"`
		Events     []string `json:"events"`
		MaxRetries *int     `json:"max_retries"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.URL != nil {
		wh.URL = *req.URL
	}
	if req.Secret != nil {
		wh.Secret = db.EncryptedString(*req.Secret)
	}
	if req.IsActive != nil {
		wh.IsActive = *req.IsActive
	}
	if req.MaxRetries != nil {
		wh.MaxRetries = *req.MaxRetries
	}
	if len(req.Events) > 0 {
		events, err := json.Marshal(req.Events)
		if err != nil {
			ErrBadRequest(w, "invalid events list")
			return
		}
		wh.Events = string(events)
	}

	if err := h.webhooks.Update(r.Context(), wh); err != nil {
		ErrGateway(w, err)
		return
	}
	h.queue.Invalidate(accountID)
	Ok(w, envelope{"webhook": webhookViewOf(wh)})
}

func (h *webhookHandler) remove(w http.ResponseWriter, r *http.Request) {
	accountID, ok := urlUUID(r, "id")
	if !ok {
		ErrBadRequest(w, "invalid account id")
		return
	}
	webhookID, ok := urlUUID(r, "webhookID")
	if !ok {
		ErrBadRequest(w, "invalid webhook id")
		return
	}

	wh, err := h.webhooks.GetByID(r.Context(), webhookID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		ErrGateway(w, err)
		return
	}
	if wh.AccountID != accountID {
		ErrNotFound(w)
		return
	}

	if err := h.webhooks.Delete(r.Context(), webhookID); err != nil {
		ErrGateway(w, err)
		return
	}
	h.queue.Invalidate(accountID)
	Ok(w, envelope{"success": true})
}

// test fires a signed synthetic event at the subscription, bypassing the
// queue, so a caller can verify their endpoint before real traffic arrives.
func (h *webhookHandler) test(w http.ResponseWriter, r *http.Request) {
	accountID, ok := urlUUID(r, "id")
	if !ok {
		ErrBadRequest(w, "invalid account id")
		return
	}
	webhookID, ok := urlUUID(r, "webhookID")
	if !ok {
		ErrBadRequest(w, "invalid webhook id")
		return
	}

	wh, err := h.webhooks.GetByID(r.Context(), webhookID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		ErrGateway(w, err)
		return
	}
	if wh.AccountID != accountID {
		ErrNotFound(w)
		return
	}

	payload := envelope{
		"event":      "test",
		"account_id": accountID.String(),
		"timestamp":  time.Now().Unix(),
	}
	if err := h.queue.SendTest(r.Context(), wh, accountID, payload); err != nil {
		ErrJSON(w, http.StatusBadGateway, "delivery_failed", err.Error())
		return
	}
	Ok(w, envelope{"success": true})
}
