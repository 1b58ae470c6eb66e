// Package transport connects the bot to the messaging session. The session
// itself lives in an external bridge process that dials in over a websocket,
// forwards inbound messages and pairing state, and acknowledges every send.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/ashureev/replybot/internal/domain"
)

var (
	// ErrNotConnected is returned by Send when no bridge is attached or the
	// bridge dropped before acknowledging.
	ErrNotConnected = errors.New("bridge not connected")
	// ErrRejected is returned by Send when the bridge acknowledged with an error.
	ErrRejected = errors.New("bridge rejected message")
)

// Frame types exchanged with the bridge.
const (
	frameMessage      = "message"
	frameQR           = "qr"
	frameReady        = "ready"
	frameDisconnected = "disconnected"
	frameAck          = "ack"
	frameSend         = "send"
	framePing         = "ping"
	framePong         = "pong"
)

const defaultEventBuffer = 256

// frame is the JSON envelope used in both directions.
type frame struct {
	Type             string `json:"type"`
	ID               string `json:"id,omitempty"`
	From             string `json:"from,omitempty"`
	To               string `json:"to,omitempty"`
	Body             string `json:"body,omitempty"`
	Text             string `json:"text,omitempty"`
	MsgType          string `json:"msg_type,omitempty"`
	SelectedButtonID string `json:"selected_button_id,omitempty"`
	QR               string `json:"qr,omitempty"`
	WID              string `json:"wid,omitempty"`
	Reason           string `json:"reason,omitempty"`
	Error            string `json:"error,omitempty"`
}

// Config controls bridge authentication.
type Config struct {
	// Token, when set, must be presented as a bearer token or ?token= query.
	Token         string
	AllowedOrigin string
	EventBuffer   int
}

// Status is a snapshot of the bridge state.
type Status struct {
	Connected bool   `json:"connected"`
	Ready     bool   `json:"ready"`
	WID       string `json:"wid,omitempty"`
	QRPending bool   `json:"qr_pending"`
}

type pendingSend struct {
	conn *websocket.Conn
	ack  chan error
}

// Bridge is the transport backed by a single attached bridge connection.
// A newly attached bridge replaces the previous one.
type Bridge struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	events    chan domain.InboundEvent
	done      chan struct{}
	closeOnce sync.Once

	mu    sync.RWMutex
	conn  *websocket.Conn
	ready bool
	wid   string
	qr    string

	pendingMu sync.Mutex
	pending   map[string]pendingSend
}

// New creates a bridge transport with no connection attached.
func New(cfg Config, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	return &Bridge{
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		events:  make(chan domain.InboundEvent, cfg.EventBuffer),
		done:    make(chan struct{}),
		pending: make(map[string]pendingSend),
	}
}

// Events returns the stream of inbound messages.
func (b *Bridge) Events() <-chan domain.InboundEvent {
	return b.events
}

// Ready reports whether the bridge has an authenticated messaging session.
func (b *Bridge) Ready() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.conn != nil && b.ready
}

// QR returns the latest pairing code, or "" once the session is ready.
func (b *Bridge) QR() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.qr
}

// Status returns a snapshot of the connection state.
func (b *Bridge) Status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Status{
		Connected: b.conn != nil,
		Ready:     b.conn != nil && b.ready,
		WID:       b.wid,
		QRPending: b.qr != "",
	}
}

// Send delivers text to recipient and waits for the bridge acknowledgement.
func (b *Bridge) Send(ctx context.Context, recipient domain.Recipient, text string) error {
	b.mu.RLock()
	conn := b.conn
	b.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	id := uuid.NewString()
	ack := make(chan error, 1)
	b.pendingMu.Lock()
	b.pending[id] = pendingSend{conn: conn, ack: ack}
	b.pendingMu.Unlock()
	defer func() {
		b.pendingMu.Lock()
		delete(b.pending, id)
		b.pendingMu.Unlock()
	}()

	err := writeFrame(ctx, conn, frame{Type: frameSend, ID: id, To: recipient.String(), Text: text})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("write send frame: %w", err)
	}

	select {
	case err := <-ack:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close detaches the current bridge and stops event delivery.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() { close(b.done) })

	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.ready = false
	b.mu.Unlock()

	if conn == nil {
		return nil
	}
	b.failPending(conn)
	return conn.Close(websocket.StatusGoingAway, "server shutting down")
}

func (b *Bridge) attach(conn *websocket.Conn) {
	b.mu.Lock()
	previous := b.conn
	b.conn = conn
	b.ready = false
	b.wid = ""
	b.mu.Unlock()

	if previous != nil && previous != conn {
		b.failPending(previous)
		go func() { _ = previous.Close(websocket.StatusNormalClosure, "bridge replaced") }()
		b.logger.Info("Bridge replaced")
	}
	b.logger.Info("Bridge attached")
}

func (b *Bridge) detach(conn *websocket.Conn) {
	b.mu.Lock()
	current := b.conn == conn
	if current {
		b.conn = nil
		b.ready = false
	}
	b.mu.Unlock()

	b.failPending(conn)
	if current {
		b.logger.Info("Bridge detached")
	}
}

func (b *Bridge) failPending(conn *websocket.Conn) {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	for id, p := range b.pending {
		if p.conn != conn {
			continue
		}
		select {
		case p.ack <- ErrNotConnected:
		default:
		}
		delete(b.pending, id)
	}
}

func (b *Bridge) resolve(id, errText string) {
	b.pendingMu.Lock()
	p, ok := b.pending[id]
	delete(b.pending, id)
	b.pendingMu.Unlock()
	if !ok {
		b.logger.Debug("Ack for unknown send", "id", id)
		return
	}

	var err error
	if errText != "" {
		err = fmt.Errorf("%w: %s", ErrRejected, errText)
	}
	p.ack <- err
}

func (b *Bridge) setQR(conn *websocket.Conn, qr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != conn {
		return
	}
	b.qr = qr
	b.ready = false
}

func (b *Bridge) setReady(conn *websocket.Conn, wid string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != conn {
		return
	}
	b.ready = true
	b.wid = wid
	b.qr = ""
}

func (b *Bridge) setDisconnected(conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != conn {
		return
	}
	b.ready = false
	b.wid = ""
}

func (b *Bridge) deliver(ctx context.Context, ev domain.InboundEvent) {
	select {
	case b.events <- ev:
	case <-ctx.Done():
	case <-b.done:
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
