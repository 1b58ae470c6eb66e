package transport

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/coder/websocket"

	"github.com/ashureev/replybot/internal/domain"
)

const maxFrameBytes = 1 << 20

// ServeHTTP upgrades the bridge connection and runs its read loop until the
// bridge disconnects.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.logger.Info("Bridge connection request", "ip", r.RemoteAddr)

	if !b.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !b.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		b.logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	ws.SetReadLimit(maxFrameBytes)
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "bridge session ended"); closeErr != nil {
			b.logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	b.attach(ws)
	defer b.detach(ws)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-b.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	b.readLoop(ctx, ws)
}

func (b *Bridge) authorized(r *http.Request) bool {
	if b.cfg.Token == "" {
		return true
	}
	presented := r.URL.Query().Get("token")
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		presented = strings.TrimPrefix(auth, "Bearer ")
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(b.cfg.Token)) == 1 {
		return true
	}
	b.logger.Warn("Bridge token rejected", "ip", r.RemoteAddr)
	return false
}

func (b *Bridge) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || b.cfg.AllowedOrigin == "" || b.cfg.AllowedOrigin == "*" {
		return true
	}
	if origin == b.cfg.AllowedOrigin {
		return true
	}
	b.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", b.cfg.AllowedOrigin)
	return false
}

func (b *Bridge) readLoop(ctx context.Context, ws *websocket.Conn) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				b.logger.Debug("Bridge websocket closed")
			} else {
				b.logger.Warn("Bridge websocket read error", "error", err)
			}
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			b.logger.Warn("Malformed bridge frame", "error", err)
			continue
		}
		b.handleFrame(ctx, ws, f)
	}
}

func (b *Bridge) handleFrame(ctx context.Context, ws *websocket.Conn, f frame) {
	switch f.Type {
	case frameMessage:
		if strings.TrimSpace(f.From) == "" {
			b.logger.Warn("Bridge message without sender", "id", f.ID)
			return
		}
		b.logger.Debug("Incoming message", "recipient", f.From, "msg_type", f.MsgType)
		b.deliver(ctx, domain.InboundEvent{
			ID:          f.ID,
			From:        domain.Recipient(f.From),
			Body:        f.Body,
			Type:        f.MsgType,
			SelectionID: f.SelectedButtonID,
			ReceivedAt:  b.now(),
		})
	case frameQR:
		b.setQR(ws, f.QR)
		b.logger.Info("Pairing code received")
	case frameReady:
		b.setReady(ws, f.WID)
		b.logger.Info("Messaging session ready", "wid", f.WID)
	case frameDisconnected:
		b.setDisconnected(ws)
		b.logger.Warn("Messaging session disconnected", "reason", f.Reason)
	case frameAck:
		b.resolve(f.ID, f.Error)
	case framePing:
		if err := writeFrame(ctx, ws, frame{Type: framePong}); err != nil {
			b.logger.Debug("Failed to send pong", "error", err)
		}
	default:
		b.logger.Debug("Unknown bridge frame", "type", f.Type)
	}
}
