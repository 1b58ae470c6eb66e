package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/replybot/internal/domain"
)

func startBridge(t *testing.T, cfg Config) (*Bridge, *httptest.Server) {
	t.Helper()
	b := New(cfg, nil)
	srv := httptest.NewServer(b)
	t.Cleanup(func() {
		_ = b.Close()
		srv.Close()
	})
	return b, srv
}

func dial(t *testing.T, srv *httptest.Server, opts *websocket.DialOptions) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, conn, v))
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var f frame
	require.NoError(t, wsjson.Read(ctx, conn, &f))
	return f
}

func TestBridgeForwardsInboundMessages(t *testing.T) {
	t.Parallel()

	b, srv := startBridge(t, Config{})
	conn := dial(t, srv, nil)

	writeJSON(t, conn, map[string]string{
		"type":               "message",
		"id":                 "m1",
		"from":               "919876543210@c.us",
		"body":               "About",
		"msg_type":           "buttons_response",
		"selected_button_id": "1",
	})

	select {
	case ev := <-b.Events():
		assert.Equal(t, domain.Recipient("919876543210@c.us"), ev.From)
		assert.Equal(t, "About", ev.Body)
		assert.Equal(t, "1", ev.SelectionID)
		assert.True(t, ev.IsButtonResponse())
		assert.False(t, ev.ReceivedAt.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
}

func TestBridgeTracksPairingAndReadiness(t *testing.T) {
	t.Parallel()

	b, srv := startBridge(t, Config{})
	require.False(t, b.Ready())

	conn := dial(t, srv, nil)
	writeJSON(t, conn, map[string]string{"type": "qr", "qr": "2@abc"})
	require.Eventually(t, func() bool { return b.QR() == "2@abc" }, 2*time.Second, 10*time.Millisecond)
	require.False(t, b.Ready())

	writeJSON(t, conn, map[string]string{"type": "ready", "wid": "911234567890@c.us"})
	require.Eventually(t, b.Ready, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, b.QR())
	assert.Equal(t, Status{Connected: true, Ready: true, WID: "911234567890@c.us"}, b.Status())

	writeJSON(t, conn, map[string]string{"type": "disconnected", "reason": "LOGOUT"})
	require.Eventually(t, func() bool { return !b.Ready() }, 2*time.Second, 10*time.Millisecond)
}

func TestBridgeSendWaitsForAck(t *testing.T) {
	t.Parallel()

	b, srv := startBridge(t, Config{})
	conn := dial(t, srv, nil)
	require.Eventually(t, func() bool { return b.Status().Connected }, 2*time.Second, 10*time.Millisecond)

	errCh := make(chan error, 1)
	go func() {
		errCh <- b.Send(context.Background(), "alice", "hello")
	}()

	f := readFrame(t, conn)
	require.Equal(t, frameSend, f.Type)
	require.Equal(t, "alice", f.To)
	require.Equal(t, "hello", f.Text)
	require.NotEmpty(t, f.ID)

	writeJSON(t, conn, frame{Type: frameAck, ID: f.ID})
	require.NoError(t, <-errCh)
}

func TestBridgeSendReportsRejection(t *testing.T) {
	t.Parallel()

	b, srv := startBridge(t, Config{})
	conn := dial(t, srv, nil)
	require.Eventually(t, func() bool { return b.Status().Connected }, 2*time.Second, 10*time.Millisecond)

	errCh := make(chan error, 1)
	go func() {
		errCh <- b.Send(context.Background(), "alice", "hello")
	}()

	f := readFrame(t, conn)
	writeJSON(t, conn, frame{Type: frameAck, ID: f.ID, Error: "chat not found"})
	err := <-errCh
	require.ErrorIs(t, err, ErrRejected)
	require.Contains(t, err.Error(), "chat not found")
}

func TestBridgeSendWithoutConnection(t *testing.T) {
	t.Parallel()

	b := New(Config{}, nil)
	require.ErrorIs(t, b.Send(context.Background(), "alice", "hi"), ErrNotConnected)
}

func TestBridgeSendFailsWhenBridgeDrops(t *testing.T) {
	t.Parallel()

	b, srv := startBridge(t, Config{})
	conn := dial(t, srv, nil)
	require.Eventually(t, func() bool { return b.Status().Connected }, 2*time.Second, 10*time.Millisecond)

	errCh := make(chan error, 1)
	go func() {
		errCh <- b.Send(context.Background(), "alice", "hello")
	}()

	readFrame(t, conn)
	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "bye"))

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrNotConnected)
	case <-time.After(2 * time.Second):
		t.Fatal("send did not fail after bridge dropped")
	}
	require.False(t, b.Ready())
}

func TestBridgeSendHonoursContext(t *testing.T) {
	t.Parallel()

	b, srv := startBridge(t, Config{})
	dial(t, srv, nil)
	require.Eventually(t, func() bool { return b.Status().Connected }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, b.Send(ctx, "alice", "hello"), context.DeadlineExceeded)
}

func TestBridgeReplacesPreviousConnection(t *testing.T) {
	t.Parallel()

	b, srv := startBridge(t, Config{})
	first := dial(t, srv, nil)
	writeJSON(t, first, map[string]string{"type": "ready", "wid": "a"})
	require.Eventually(t, b.Ready, 2*time.Second, 10*time.Millisecond)

	second := dial(t, srv, nil)
	require.Eventually(t, func() bool { return !b.Ready() }, 2*time.Second, 10*time.Millisecond)

	writeJSON(t, second, map[string]string{"type": "ready", "wid": "b"})
	require.Eventually(t, func() bool { return b.Status().WID == "b" }, 2*time.Second, 10*time.Millisecond)
	require.True(t, b.Ready())
}

func TestBridgeRequiresToken(t *testing.T) {
	t.Parallel()

	_, srv := startBridge(t, Config{Token: "s3cret"})
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	dial(t, srv, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer s3cret"}},
	})
}

func TestBridgeChecksOrigin(t *testing.T) {
	t.Parallel()

	_, srv := startBridge(t, Config{AllowedOrigin: "https://bridge.example"})
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{"https://evil.example"}},
	})
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}
