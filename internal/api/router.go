package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chatwire-io/chatwire/internal/db"
	"github.com/chatwire-io/chatwire/internal/metrics"
	"github.com/chatwire-io/chatwire/internal/protocol"
	"github.com/chatwire-io/chatwire/internal/repositories"
	"github.com/chatwire-io/chatwire/internal/runtime"
	"github.com/chatwire-io/chatwire/internal/websocket"
)

// AccountRuntime is the per-account surface the handlers touch: sends and
// lifecycle reads. Satisfied by the runtime package's Runtime.
type AccountRuntime interface {
	SendText(ctx context.Context, number, text string) (*protocol.WireMessage, error)
	SendMedia(ctx context.Context, number string, media protocol.Media) (*protocol.WireMessage, error)
	State() runtime.State
	QR() string
}

// Gateway is the runtime control surface the handlers drive. Implemented by
// a thin adapter over the supervisor.
type Gateway interface {
	Runtime(accountID uuid.UUID) (AccountRuntime, error)
	RequestQR(accountID uuid.UUID)
	Reconnect(ctx context.Context, accountID uuid.UUID) error
	RemoveAccount(ctx context.Context, accountID uuid.UUID) error
}

// WebhookQueue is the slice of the delivery queue the handlers need:
// cache invalidation after subscription changes and signed test pings.
type WebhookQueue interface {
	Invalidate(accountID uuid.UUID)
	SendTest(ctx context.Context, sub *db.Webhook, accountID uuid.UUID, payload any) error
}

// RouterConfig holds the dependencies for the HTTP router, populated in main
// after all components are initialized.
type RouterConfig struct {
	Gateway  Gateway
	Accounts repositories.AccountRepository
	Webhooks repositories.WebhookRepository
	Queue    WebhookQueue
	Hub      *websocket.Hub
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// NewRouter builds the fully configured chi router. The liveness endpoints
// and /metrics sit outside the rate-limited /api subtree; they must answer
// even when a caller is hammering the API.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	accountHandler := newAccountHandler(cfg.Gateway, cfg.Accounts, cfg.Webhooks, cfg.Logger)
	sendHandler := newSendHandler(cfg.Gateway, cfg.Webhooks, cfg.Logger)
	webhookHandler := newWebhookHandler(cfg.Accounts, cfg.Webhooks, cfg.Queue, cfg.Logger)
	wsHandler := newWSHandler(cfg.Hub, cfg.Logger)

	r.Get("/health", liveness)
	r.Get("/ready", liveness)
	r.Get("/ping", pong)
	r.Handle("/metrics", cfg.Metrics.Handler())
	r.Get("/ws", wsHandler.serve)

	r.Route("/api", func(r chi.Router) {
		r.Use(httprate.LimitByIP(120, time.Minute))

		// Authenticated by matching a subscription secret, not an API key.
		r.Post("/webhook-reply", sendHandler.webhookReply)

		r.Group(func(r chi.Router) {
			r.Use(RequireAPIKey(cfg.Accounts))
			r.Post("/send", sendHandler.sendText)
			r.Post("/send-media", sendHandler.sendMedia)
		})

		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", accountHandler.list)
			r.Post("/", accountHandler.create)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", accountHandler.get)
				r.Delete("/", accountHandler.remove)
				r.Post("/request-qr", accountHandler.requestQR)
				r.Get("/qr", accountHandler.qr)
				r.Post("/reconnect", accountHandler.reconnect)

				r.Get("/webhooks", webhookHandler.list)
				r.Post("/webhooks", webhookHandler.create)
				r.Patch("/webhooks/{webhookID}", webhookHandler.update)
				r.Delete("/webhooks/{webhookID}", webhookHandler.remove)
				r.Post("/webhooks/{webhookID}/test", webhookHandler.test)
			})
		})
	})

	return r
}

func liveness(w http.ResponseWriter, _ *http.Request) {
	Ok(w, envelope{"status": "ok"})
}

func pong(w http.ResponseWriter, _ *http.Request) {
	Ok(w, envelope{"status": "pong"})
}

// urlUUID parses the {id}-style chi URL parameter as a UUID.
func urlUUID(r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	return id, err == nil
}
