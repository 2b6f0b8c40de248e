package api

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chatwire-io/chatwire/internal/gateway"
	"github.com/chatwire-io/chatwire/internal/protocol"
	"github.com/chatwire-io/chatwire/internal/repositories"
)

const (
	// maxMediaUpload bounds the multipart body on /api/send-media.
	maxMediaUpload = 32 << 20

	// replyGuardLimit caps webhook replies per (account, number) per minute.
	// A subscriber that echoes every inbound message back would otherwise
	// converse with itself forever.
	replyGuardLimit  = 10
	replyGuardWindow = time.Minute
)

type sendHandler struct {
	gateway  Gateway
	webhooks repositories.WebhookRepository
	logger   *zap.Logger

	guardMu sync.Mutex
	guard   map[string][]time.Time
	now     func() time.Time
}

func newSendHandler(gw Gateway, webhooks repositories.WebhookRepository, logger *zap.Logger) *sendHandler {
	return &sendHandler{
		gateway:  gw,
		webhooks: webhooks,
		logger:   logger,
		guard:    make(map[string][]time.Time),
		now:      time.Now,
	}
}

// sendResult is the success shape for all send endpoints.
type sendResult struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId"`
	Timestamp int64  `json:"timestamp"`
}

func sendOK(w http.ResponseWriter, frame *protocol.WireMessage) {
	ts := frame.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	Ok(w, sendResult{Success: true, MessageID: frame.Key.ID, Timestamp: ts.Unix()})
}

func (h *sendHandler) sendText(w http.ResponseWriter, r *http.Request) {
	account := accountFromCtx(r.Context())
	if account == nil {
		ErrUnauthorized(w)
		return
	}

	var req struct {
		AccountID string `json:"account_id"`
		Number    string `json:"number"`
		Message   string `json:"message"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Number == "" || req.Message == "" {
		ErrBadRequest(w, "number and message are required")
		return
	}
	if req.AccountID != "" && req.AccountID != account.ID.String() {
		ErrJSON(w, http.StatusForbidden, "forbidden", "api key does not match account_id")
		return
	}

	rt, err := h.gateway.Runtime(account.ID)
	if err != nil {
		ErrGateway(w, err)
		return
	}
	frame, err := rt.SendText(r.Context(), req.Number, req.Message)
	if err != nil {
		ErrGateway(w, err)
		return
	}
	sendOK(w, frame)
}

func (h *sendHandler) sendMedia(w http.ResponseWriter, r *http.Request) {
	account := accountFromCtx(r.Context())
	if account == nil {
		ErrUnauthorized(w)
		return
	}

	if err := r.ParseMultipartForm(maxMediaUpload); err != nil {
		ErrBadRequest(w, "invalid multipart body: "+err.Error())
		return
	}

	number := r.FormValue("number")
	if number == "" {
		ErrBadRequest(w, "number is required")
		return
	}
	if id := r.FormValue("account_id"); id != "" && id != account.ID.String() {
		ErrJSON(w, http.StatusForbidden, "forbidden", "api key does not match account_id")
		return
	}

	media := protocol.Media{
		URL:      r.FormValue("media_url"),
		MimeType: r.FormValue("mimetype"),
		Filename: r.FormValue("filename"),
		Caption:  r.FormValue("caption"),
	}
	if file, header, err := r.FormFile("media"); err == nil {
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			ErrBadRequest(w, "failed to read media part")
			return
		}
		media.Data = data
		if media.Filename == "" {
			media.Filename = header.Filename
		}
		if media.MimeType == "" {
			media.MimeType = header.Header.Get("Content-Type")
		}
	}
	if len(media.Data) == 0 && media.URL == "" {
		ErrBadRequest(w, "either a media file part or media_url is required")
		return
	}

	rt, err := h.gateway.Runtime(account.ID)
	if err != nil {
		ErrGateway(w, err)
		return
	}
	frame, err := rt.SendMedia(r.Context(), number, media)
	if err != nil {
		ErrGateway(w, err)
		return
	}
	sendOK(w, frame)
}

// webhookReply lets a subscriber answer an inbound message without an API
// key: it authenticates by presenting the secret of any active subscription
// on the account. The loop guard caps replies per peer so a subscriber that
// echoes inbound messages cannot converse with itself indefinitely.
func (h *sendHandler) webhookReply(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID     string          `json:"account_id"`
		Number        string          `json:"number"`
		WebhookSecret string          `json:"webhook_secret"`
		Message       string          `json:"message"`
		Media         json.RawMessage `json:"media"`
		Buttons       json.RawMessage `json:"buttons"`
		List          json.RawMessage `json:"list"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	accountID, err := uuid.Parse(req.AccountID)
	if err != nil {
		ErrBadRequest(w, "invalid account_id")
		return
	}
	if req.Number == "" || req.WebhookSecret == "" {
		ErrBadRequest(w, "number and webhook_secret are required")
		return
	}

	if !h.secretMatches(r, accountID, req.WebhookSecret) {
		ErrUnauthorized(w)
		return
	}

	if !h.allowReply(accountID, req.Number) {
		err := &gateway.Error{
			Kind:       gateway.KindHourlyCap,
			Message:    "reply loop guard: too many replies to this number",
			RetryAfter: replyGuardWindow,
		}
		ErrGateway(w, err)
		return
	}

	if req.Message == "" {
		// Interactive shapes ride through the library's raw composer, which
		// this gateway does not expose. Media replies must carry a caption or
		// use /api/send-media.
		ErrBadRequest(w, "message is required")
		return
	}

	rt, err := h.gateway.Runtime(accountID)
	if err != nil {
		ErrGateway(w, err)
		return
	}
	frame, err := rt.SendText(r.Context(), req.Number, req.Message)
	if err != nil {
		ErrGateway(w, err)
		return
	}
	sendOK(w, frame)
}

// secretMatches checks the presented secret against every active
// subscription for the account.
func (h *sendHandler) secretMatches(r *http.Request, accountID uuid.UUID, secret string) bool {
	subs, err := h.webhooks.ListActiveByAccount(r.Context(), accountID)
	if err != nil {
		h.logger.Warn("failed to load subscriptions for webhook-reply",
			zap.String("account_id", accountID.String()), zap.Error(err))
		return false
	}
	for i := range subs {
		if string(subs[i].Secret) != "" && string(subs[i].Secret) == secret {
			return true
		}
	}
	return false
}

// allowReply applies the per-(account, number) rolling-minute budget.
func (h *sendHandler) allowReply(accountID uuid.UUID, number string) bool {
	key := accountID.String() + "/" + number
	now := h.now()
	cutoff := now.Add(-replyGuardWindow)

	h.guardMu.Lock()
	defer h.guardMu.Unlock()

	kept := h.guard[key][:0]
	for _, ts := range h.guard[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= replyGuardLimit {
		h.guard[key] = kept
		return false
	}
	h.guard[key] = append(kept, now)
	return true
}
