package realtime

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	RouteActors    = "actors"
	RouteRoles     = "roles"
	RouteBroadcast = "broadcast"

	defaultBackplaneChannel = "claimrelay_events"
	// Postgres rejects NOTIFY payloads at 8000 bytes.
	maxNotifyPayload = 7900
)

var ErrPayloadTooLarge = errors.New("backplane payload too large")

// Route is an emit as it travels between processes.
type Route struct {
	Origin   string   `json:"origin"`
	Kind     string   `json:"kind"`
	ActorIDs []string `json:"actorIds,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	Envelope Envelope `json:"envelope"`
}

type Backplane interface {
	Publish(ctx context.Context, route Route) error
	// Subscribe registers handler until ctx is done. It does not block.
	Subscribe(ctx context.Context, handler func(Route)) error
	Close() error
}

// MemoryBackplane connects routers living in one process. Tests use it to
// stand in for separate server instances.
type MemoryBackplane struct {
	mu       sync.RWMutex
	next     int
	handlers map[int]func(Route)
}

func NewMemoryBackplane() *MemoryBackplane {
	return &MemoryBackplane{handlers: map[int]func(Route){}}
}

func (b *MemoryBackplane) Publish(_ context.Context, route Route) error {
	b.mu.RLock()
	handlers := make([]func(Route), 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()
	for _, h := range handlers {
		h(route)
	}
	return nil
}

func (b *MemoryBackplane) Subscribe(ctx context.Context, handler func(Route)) error {
	if handler == nil {
		return errors.New("nil backplane handler")
	}
	b.mu.Lock()
	id := b.next
	b.next++
	b.handlers[id] = handler
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}()
	return nil
}

func (b *MemoryBackplane) Close() error {
	b.mu.Lock()
	b.handlers = map[int]func(Route){}
	b.mu.Unlock()
	return nil
}

// PostgresBackplane fans routes out with NOTIFY and receives them through a
// lib/pq listener connection.
type PostgresBackplane struct {
	dsn     string
	channel string
	logger  *slog.Logger

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	mu        sync.Mutex
	listeners []*pq.Listener
}

func NewPostgresBackplane(dsn, channel string, logger *slog.Logger) (*PostgresBackplane, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("backplane dsn is required")
	}
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = defaultBackplaneChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresBackplane{dsn: dsn, channel: channel, logger: logger}, nil
}

func (b *PostgresBackplane) ensureReady() error {
	b.initOnce.Do(func() {
		db, err := sql.Open("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func (b *PostgresBackplane) Publish(ctx context.Context, route Route) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(route)
	if err != nil {
		return err
	}
	if len(payload) > maxNotifyPayload {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = b.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", b.channel, string(payload))
	return err
}

func (b *PostgresBackplane) Subscribe(ctx context.Context, handler func(Route)) error {
	if handler == nil {
		return errors.New("nil backplane handler")
	}
	listener := pq.NewListener(b.dsn, 100*time.Millisecond, 10*time.Second, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			b.logger.Warn("backplane listener event", "event", ev, "error", err)
		}
	})
	if err := listener.Listen(b.channel); err != nil {
		_ = listener.Close()
		return err
	}
	b.mu.Lock()
	b.listeners = append(b.listeners, listener)
	b.mu.Unlock()

	go func() {
		defer listener.Close()
		health := time.NewTicker(90 * time.Second)
		defer health.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-listener.Notify:
				if !ok {
					return
				}
				// A nil notification follows a reconnect; anything sent
				// while disconnected is gone.
				if n == nil {
					continue
				}
				var route Route
				if err := json.Unmarshal([]byte(n.Extra), &route); err != nil {
					b.logger.Warn("undecodable backplane payload", "error", err)
					continue
				}
				handler(route)
			case <-health.C:
				if err := listener.Ping(); err != nil {
					b.logger.Warn("backplane listener ping failed", "error", err)
				}
			}
		}
	}()
	return nil
}

func (b *PostgresBackplane) Close() error {
	b.mu.Lock()
	listeners := b.listeners
	b.listeners = nil
	b.mu.Unlock()
	for _, l := range listeners {
		_ = l.Close()
	}
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}
