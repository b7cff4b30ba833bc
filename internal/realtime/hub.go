package realtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// Identity is what an Authenticator vouches for.
type Identity struct {
	ActorID string
	Role    string
}

// Authenticator verifies the upgrade request. A connection that fails it is
// answered with 401 and never reaches the Registry.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

type HubConfig struct {
	PingInterval   time.Duration
	PingTimeout    time.Duration
	WriteTimeout   time.Duration
	SendBuffer     int
	ReadLimit      int64
	OriginPatterns []string
}

func (c HubConfig) withDefaults() HubConfig {
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 32 << 10
	}
	return c
}

// Hub upgrades authenticated requests to websockets and keeps the Registry in
// step with the connections it holds.
type Hub struct {
	registry *Registry
	auth     Authenticator
	cfg      HubConfig
	logger   *slog.Logger
	now      func() time.Time
}

func NewHub(registry *Registry, auth Authenticator, cfg HubConfig, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		registry: registry,
		auth:     auth,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		now:      time.Now,
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.auth == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	identity, err := h.auth.Authenticate(r)
	if err != nil || strings.TrimSpace(identity.ActorID) == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{SubprotocolMsgpack, SubprotocolJSON},
		OriginPatterns: h.cfg.OriginPatterns,
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", "actor_id", identity.ActorID, "error", err)
		return
	}
	c.SetReadLimit(h.cfg.ReadLimit)

	conn := &wsConn{
		id:     uuid.NewString(),
		c:      c,
		codec:  CodecFor(c.Subprotocol()),
		out:    make(chan Envelope, h.cfg.SendBuffer),
		done:   make(chan struct{}),
		logger: h.logger,
	}
	if err := h.registry.Register(Session{
		ConnectionID: conn.id,
		ActorID:      identity.ActorID,
		Role:         identity.Role,
		Sender:       conn,
		ConnectedAt:  h.now().UTC(),
	}); err != nil {
		_ = c.Close(websocket.StatusTryAgainLater, "registry unavailable")
		return
	}
	log := h.logger.With("actor_id", identity.ActorID, "connection_id", conn.id)
	log.Info("connection opened", "role", identity.Role, "subprotocol", conn.codec.Subprotocol())

	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		h.registry.Unregister(conn.id)
		conn.Close("")
		log.Info("connection closed")
	}()

	go conn.writeLoop(ctx, h.cfg)
	h.readLoop(ctx, conn, log)
}

func (h *Hub) readLoop(ctx context.Context, conn *wsConn, log *slog.Logger) {
	for {
		_, data, err := conn.c.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
				log.Debug("connection read ended", "error", err)
			}
			return
		}
		in, err := conn.codec.Decode(data)
		if err != nil {
			log.Debug("ignoring undecodable frame", "error", err)
			continue
		}
		switch in.Type {
		case "ping":
			conn.Send(h.reply("pong", in))
		case "subscribe", "unsubscribe":
			conn.Send(h.reply(in.Type+"d", in))
		default:
			log.Debug("ignoring unknown frame", "type", in.Type)
		}
	}
}

func (h *Hub) reply(event string, in Inbound) Envelope {
	payload := map[string]any{}
	if in.Channel != "" {
		payload["channel"] = in.Channel
	}
	if in.ID != "" {
		payload["id"] = in.ID
	}
	return Envelope{Event: event, Payload: payload, Timestamp: h.now().UTC().Format(time.RFC3339Nano)}
}

type wsConn struct {
	id     string
	c      *websocket.Conn
	codec  Codec
	out    chan Envelope
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func (w *wsConn) Send(env Envelope) bool {
	select {
	case <-w.done:
		return false
	default:
	}
	select {
	case w.out <- env:
		return true
	default:
		return false
	}
}

func (w *wsConn) Close(reason string) {
	w.once.Do(func() {
		close(w.done)
		if reason == "" {
			_ = w.c.Close(websocket.StatusNormalClosure, "")
			return
		}
		_ = w.c.Close(websocket.StatusGoingAway, reason)
	})
}

// writeLoop owns every write on the connection, including keepalive pings. A
// ping that is not answered within PingTimeout closes the connection, which
// ends the read loop and unregisters it.
func (w *wsConn) writeLoop(ctx context.Context, cfg HubConfig) {
	ticker := time.NewTicker(cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case env := <-w.out:
			data, err := w.codec.Encode(env)
			if err != nil {
				w.logger.Warn("encode envelope failed", "event", env.Event, "error", err)
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, cfg.WriteTimeout)
			err = w.c.Write(writeCtx, w.codec.MessageType(), data)
			cancel()
			if err != nil {
				w.Close("write failed")
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
			err := w.c.Ping(pingCtx)
			cancel()
			if err != nil {
				w.logger.Info("closing unresponsive connection", "connection_id", w.id, "error", err)
				w.Close("ping timeout")
				return
			}
		}
	}
}
