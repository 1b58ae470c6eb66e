// Package api provides the HTTP surface of the bot: health, status, pairing
// QR and stored message lookup.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/replybot/internal/governor"
	"github.com/ashureev/replybot/internal/msglog"
	"github.com/ashureev/replybot/internal/store"
	"github.com/ashureev/replybot/internal/transport"
)

// Session reports the messaging session state.
type Session interface {
	Ready() bool
	QR() string
}

// BridgeStatus is implemented by transports that can describe their connection.
type BridgeStatus interface {
	Status() transport.Status
}

// DispatchStats exposes governor counters.
type DispatchStats interface {
	Stats() governor.Stats
}

// LedgerSize exposes the number of tracked recipients.
type LedgerSize interface {
	Len() int
}

// SinkStats exposes conversation log counters.
type SinkStats interface {
	Stats() msglog.Stats
}

// Deps are the components the handlers read from. Only Session is required.
type Deps struct {
	Session  Session
	Repo     store.Repository
	Governor DispatchStats
	Ledger   LedgerSize
	Sink     SinkStats
	Logger   *slog.Logger
}

// Handler serves the HTTP endpoints.
type Handler struct {
	deps   Deps
	logger *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(deps Deps) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{deps: deps, logger: logger}
}

// RegisterRoutes registers all routes on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Get("/qr.png", h.QRCode)
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", h.Status)
		r.Get("/messages/{number}", h.Messages)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

func (h *Handler) pingDatabase(ctx context.Context) string {
	if h.deps.Repo == nil {
		return "disabled"
	}
	if err := h.deps.Repo.Ping(ctx); err != nil {
		h.logger.Error("Health check failed", "error", err)
		return "unreachable"
	}
	return "ok"
}
