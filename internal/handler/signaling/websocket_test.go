package signaling

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	relayclient "github.com/zhouzirui/birddrop/backend/internal/client/signaling"
	"github.com/zhouzirui/birddrop/backend/internal/model/signal"
	"github.com/zhouzirui/birddrop/backend/internal/service/relay"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func setupServer(t *testing.T, limits relay.Limits) (*httptest.Server, *relay.Service) {
	t.Helper()
	logger := quietLogger()
	svc := relay.NewService(relay.Options{Limits: limits, Logger: logger})

	r := chi.NewRouter()
	New(svc, []string{"http://localhost:5173"}, logger).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, svc
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, srv *httptest.Server) *relayclient.Client {
	t.Helper()
	client, err := relayclient.Dial(context.Background(), wsURL(srv), relayclient.Options{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("Dial returned error: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func next(t *testing.T, client *relayclient.Client) signal.Outbound {
	t.Helper()
	select {
	case ev, ok := <-client.Events():
		if !ok {
			t.Fatal("connection closed while waiting for event")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return signal.Outbound{}
}

func waitClosed(t *testing.T, client *relayclient.Client) {
	t.Helper()
	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not closed by the relay")
	}
}

func TestPairingOverWebsocket(t *testing.T) {
	srv, svc := setupServer(t, relay.DefaultLimits())
	x, y := dial(t, srv), dial(t, srv)

	if err := x.Join("session-abc"); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if ev := next(t, x); ev.Type != signal.TypeWaiting {
		t.Fatalf("expected waiting, got %+v", ev)
	}

	if err := y.Join("session-abc"); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if ev := next(t, x); ev.Type != signal.TypeReady || ev.Role != signal.RoleOfferer {
		t.Fatalf("expected ready/offerer, got %+v", ev)
	}
	if ev := next(t, y); ev.Type != signal.TypeReady || ev.Role != signal.RoleAnswerer {
		t.Fatalf("expected ready/answerer, got %+v", ev)
	}

	if err := x.Signal(map[string]string{"type": "offer", "sdp": "v=0"}); err != nil {
		t.Fatalf("signal failed: %v", err)
	}
	ev := next(t, y)
	if ev.Type != signal.TypeSignal || string(ev.Payload) != `{"sdp":"v=0","type":"offer"}` {
		t.Fatalf("unexpected relayed signal %+v", ev)
	}

	if err := x.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if ev := next(t, y); ev.Type != signal.TypeSessionDestroyed {
		t.Fatalf("expected session-destroyed, got %+v", ev)
	}
	waitClosed(t, y)

	deadline := time.Now().Add(2 * time.Second)
	for svc.Stats().Connections != 0 || svc.Stats().Sessions != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("relay tables not cleaned up: %+v", svc.Stats())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRoomFullClosesThirdConnection(t *testing.T) {
	srv, _ := setupServer(t, relay.DefaultLimits())
	a, b, c := dial(t, srv), dial(t, srv), dial(t, srv)

	_ = a.Join("room")
	next(t, a)
	_ = b.Join("room")
	next(t, b)

	_ = c.Join("room")
	if ev := next(t, c); ev.Type != signal.TypeError || ev.Message != "Room full. Only two users allowed." {
		t.Fatalf("expected room full error, got %+v", ev)
	}
	waitClosed(t, c)
}

func TestRateLimitedConnectionIsClosed(t *testing.T) {
	srv, _ := setupServer(t, relay.DefaultLimits())
	client := dial(t, srv)

	for i := 0; i < 51; i++ {
		if err := client.Ping(); err != nil {
			break
		}
	}

	pongs := 0
	for ev := range client.Events() {
		switch ev.Type {
		case signal.TypePong:
			pongs++
		case signal.TypeError:
			if ev.Message != "Rate limit exceeded" {
				t.Fatalf("unexpected error %+v", ev)
			}
		}
	}
	if pongs != 50 {
		t.Fatalf("expected 50 pongs before the cut-off, got %d", pongs)
	}
}

func TestOversizedFrameDroppedWithoutClosing(t *testing.T) {
	limits := relay.DefaultLimits()
	limits.MaxMessageBytes = 128
	srv, _ := setupServer(t, limits)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	big := `{"type":"ping","pad":"` + strings.Repeat("x", 4096) + `"}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(big)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev signal.Outbound
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if ev.Type != signal.TypePong {
		t.Fatalf("expected a single pong for the small frame, got %+v", ev)
	}

	_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if err := conn.ReadJSON(&ev); err == nil {
		t.Fatalf("oversized frame produced a reply: %+v", ev)
	}
}

func TestUpgradeRejectsUnknownOrigin(t *testing.T) {
	srv, _ := setupServer(t, relay.DefaultLimits())

	header := http.Header{}
	header.Set("Origin", "https://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
	if err == nil {
		t.Fatal("expected handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %+v", resp)
	}

	header.Set("Origin", "http://localhost:5173")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
	if err != nil {
		t.Fatalf("allowed origin rejected: %v", err)
	}
	_ = conn.Close()
}

func TestConnSendAfterClose(t *testing.T) {
	conn := newConn("c1", nil, quietLogger())
	conn.Close()
	conn.Close()

	if err := conn.Send(signal.Outbound{Type: signal.TypePong}); err != ErrConnClosed {
		t.Fatalf("expected ErrConnClosed, got %v", err)
	}
	if err := conn.Ping(); err != ErrConnClosed {
		t.Fatalf("expected ErrConnClosed from Ping, got %v", err)
	}
}

func TestConnSendQueueFull(t *testing.T) {
	conn := newConn("c1", nil, quietLogger())
	for i := 0; i < sendQueueSize; i++ {
		if err := conn.Send(signal.Outbound{Type: signal.TypePong}); err != nil {
			t.Fatalf("send %d failed: %v", i, err)
		}
	}
	if err := conn.Send(signal.Outbound{Type: signal.TypePong}); err != ErrSendQueueFull {
		t.Fatalf("expected ErrSendQueueFull, got %v", err)
	}
}
