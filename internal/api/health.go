package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/skip2/go-qrcode"

	"github.com/ashureev/replybot/internal/domain"
	"github.com/ashureev/replybot/internal/governor"
	"github.com/ashureev/replybot/internal/msglog"
	"github.com/ashureev/replybot/internal/transport"
)

const (
	healthCheckTimeout  = 5 * time.Second
	defaultMessageLimit = 50
	maxMessageLimit     = 500
	qrSize              = 256
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	BotReady bool   `json:"bot_ready"`
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	BotReady         bool              `json:"bot_ready"`
	Bridge           *transport.Status `json:"bridge,omitempty"`
	Dispatch         *governor.Stats   `json:"dispatch,omitempty"`
	LedgerRecipients int               `json:"ledger_recipients"`
	Database         string            `json:"database"`
	MessagesStored   int64             `json:"messages_stored"`
	ConversationLog  *msglog.Stats     `json:"conversation_log,omitempty"`
}

// Health reports whether the messaging session is ready. It always answers
// 200 so deployment probes keep the process alive during pairing.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	if h.deps.Session.Ready() {
		JSON(w, http.StatusOK, HealthResponse{Status: "ok", BotReady: true})
		return
	}
	JSON(w, http.StatusOK, HealthResponse{Status: "initializing", BotReady: false})
}

// Status reports counters from every component.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := StatusResponse{
		BotReady: h.deps.Session.Ready(),
		Database: h.pingDatabase(ctx),
	}
	if bs, ok := h.deps.Session.(BridgeStatus); ok {
		st := bs.Status()
		resp.Bridge = &st
	}
	if h.deps.Governor != nil {
		st := h.deps.Governor.Stats()
		resp.Dispatch = &st
	}
	if h.deps.Ledger != nil {
		resp.LedgerRecipients = h.deps.Ledger.Len()
	}
	if h.deps.Sink != nil {
		st := h.deps.Sink.Stats()
		resp.ConversationLog = &st
	}
	if resp.Database == "ok" {
		n, err := h.deps.Repo.CountMessages(ctx)
		if err != nil {
			h.logger.Warn("Failed to count messages", "error", err)
		}
		resp.MessagesStored = n
	}

	JSON(w, http.StatusOK, resp)
}

// QRCode renders the current pairing code as a PNG.
func (h *Handler) QRCode(w http.ResponseWriter, _ *http.Request) {
	if h.deps.Session.Ready() {
		Error(w, http.StatusNotFound, "session already paired")
		return
	}
	code := h.deps.Session.QR()
	if code == "" {
		Error(w, http.StatusNotFound, "no pairing code available")
		return
	}

	png, err := qrcode.Encode(code, qrcode.Medium, qrSize)
	if err != nil {
		h.logger.Error("Failed to render pairing code", "error", err)
		Error(w, http.StatusInternalServerError, "failed to render pairing code")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(png); err != nil {
		h.logger.Debug("Failed to write pairing code", "error", err)
	}
}

// Messages lists the stored messages of one recipient, newest first.
func (h *Handler) Messages(w http.ResponseWriter, r *http.Request) {
	if h.deps.Repo == nil {
		Error(w, http.StatusServiceUnavailable, "message store disabled")
		return
	}

	number := chi.URLParam(r, "number")
	limit := defaultMessageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxMessageLimit)
	}

	msgs, err := h.deps.Repo.RecentMessages(r.Context(), domain.Recipient(number), limit)
	if err != nil {
		h.logger.Error("Failed to load messages", "recipient", number, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	if msgs == nil {
		msgs = []*domain.LoggedMessage{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"number":   number,
		"messages": msgs,
	})
}
