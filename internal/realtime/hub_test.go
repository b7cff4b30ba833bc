package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

type headerAuth struct{}

func (headerAuth) Authenticate(r *http.Request) (Identity, error) {
	actor := r.Header.Get("X-Actor")
	if actor == "" {
		return Identity{}, errors.New("missing actor")
	}
	return Identity{ActorID: actor, Role: r.Header.Get("X-Role")}, nil
}

func newTestHub(t *testing.T) (*Registry, *Router, string) {
	t.Helper()
	registry := NewRegistry()
	router := NewRouter(registry, RouterOptions{})
	hub := NewHub(registry, headerAuth{}, HubConfig{PingInterval: 50 * time.Millisecond}, nil)
	server := httptest.NewServer(hub)
	t.Cleanup(func() {
		registry.Close()
		server.Close()
	})
	return registry, router, "ws" + strings.TrimPrefix(server.URL, "http")
}

func dialAs(t *testing.T, url, actor, role string, subprotocols ...string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	header := http.Header{}
	header.Set("X-Actor", actor)
	header.Set("X-Role", role)
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header, Subprotocols: subprotocols})
	if err != nil {
		t.Fatalf("dial as %s: %v", actor, err)
	}
	t.Cleanup(func() { _ = c.Close(websocket.StatusNormalClosure, "") })
	return c
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func readEnvelope(t *testing.T, c *websocket.Conn) Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	env, err := DecodeEnvelope(c.Subprotocol(), data)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return env
}

func TestHubRejectsUnauthenticatedUpgrade(t *testing.T) {
	registry, _, url := newTestHub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, url, nil)
	if err == nil {
		t.Fatalf("expected dial without credentials to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
	if registry.Len() != 0 {
		t.Fatalf("expected rejected connection to stay out of the registry")
	}
}

func TestHubDeliversRoutedEvents(t *testing.T) {
	registry, router, url := newTestHub(t)
	c := dialAs(t, url, "alice", "Sales")
	waitUntil(t, "alice registered", func() bool { return registry.IsConnected("alice") })
	if c.Subprotocol() == SubprotocolMsgpack {
		t.Fatalf("expected json frames when no subprotocol is offered")
	}

	if !router.EmitToActor(context.Background(), "alice", Message{
		Event:    "inquiry:created",
		EntityID: "inq-1",
		Payload:  map[string]any{"code": "INQ-20250131-0001"},
	}) {
		t.Fatalf("expected alice to be reached")
	}
	env := readEnvelope(t, c)
	if env.Event != "inquiry:created" || env.EntityID != "inq-1" || env.Timestamp == "" {
		t.Fatalf("unexpected envelope %+v", env)
	}

	if got := router.EmitToRoles(context.Background(), []string{"sales"}, Message{Event: "lead:claimed"}); got != 1 {
		t.Fatalf("expected role emit to reach alice, got %d", got)
	}
	if env := readEnvelope(t, c); env.Event != "lead:claimed" {
		t.Fatalf("expected lead:claimed, got %+v", env)
	}
}

func TestHubAnswersPingAndSubscribe(t *testing.T) {
	registry, _, url := newTestHub(t)
	c := dialAs(t, url, "alice", "sales")
	waitUntil(t, "alice registered", func() bool { return registry.IsConnected("alice") })
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := c.Write(ctx, websocket.MessageText, []byte(`{"type":"ping","id":"p1"}`)); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	pong := readEnvelope(t, c)
	payload, _ := pong.Payload.(map[string]any)
	if pong.Event != "pong" || payload["id"] != "p1" {
		t.Fatalf("unexpected pong %+v", pong)
	}

	if err := c.Write(ctx, websocket.MessageText, []byte(`{"type":"subscribe","channel":"leads"}`)); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	ack := readEnvelope(t, c)
	payload, _ = ack.Payload.(map[string]any)
	if ack.Event != "subscribed" || payload["channel"] != "leads" {
		t.Fatalf("unexpected subscribe ack %+v", ack)
	}
}

func TestHubNegotiatesMsgpack(t *testing.T) {
	registry, router, url := newTestHub(t)
	c := dialAs(t, url, "bob", "admin", SubprotocolMsgpack)
	waitUntil(t, "bob registered", func() bool { return registry.IsConnected("bob") })
	if c.Subprotocol() != SubprotocolMsgpack {
		t.Fatalf("expected msgpack subprotocol, got %q", c.Subprotocol())
	}
	router.Broadcast(context.Background(), Message{Event: "notification:new", Payload: map[string]any{"unreadCount": 3}})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	typ, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if typ != websocket.MessageBinary {
		t.Fatalf("expected binary frame, got %v", typ)
	}
	env, err := DecodeEnvelope(SubprotocolMsgpack, data)
	if err != nil || env.Event != "notification:new" {
		t.Fatalf("unexpected msgpack envelope %+v (err=%v)", env, err)
	}
}

func TestHubUnregistersOnDisconnect(t *testing.T) {
	registry, router, url := newTestHub(t)
	c := dialAs(t, url, "alice", "sales")
	waitUntil(t, "alice registered", func() bool { return registry.IsConnected("alice") })

	if err := c.Close(websocket.StatusNormalClosure, "bye"); err != nil {
		t.Fatalf("close: %v", err)
	}
	waitUntil(t, "alice unregistered", func() bool { return !registry.IsConnected("alice") })
	if router.EmitToActor(context.Background(), "alice", Message{Event: "inquiry:created"}) {
		t.Fatalf("expected emit to a disconnected actor to report false")
	}
}

func TestHubKeepsIdleConnectionAlive(t *testing.T) {
	registry, _, url := newTestHub(t)
	c := dialAs(t, url, "alice", "sales")
	waitUntil(t, "alice registered", func() bool { return registry.IsConnected("alice") })

	// Keepalive pings are answered by the client's read loop.
	readCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for {
			if _, _, err := c.Read(readCtx); err != nil {
				return
			}
		}
	}()
	time.Sleep(200 * time.Millisecond)
	if !registry.IsConnected("alice") {
		t.Fatalf("expected a responsive connection to survive several ping rounds")
	}
}
