package realtime

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message is what callers hand to the Router. The Router adds the timestamp.
type Message struct {
	Event     string
	EntityID  string
	EntityIDs []string
	Payload   any
}

// Envelope is the frame written to every connection.
type Envelope struct {
	Event     string   `json:"event" msgpack:"event"`
	EntityID  string   `json:"entityId,omitempty" msgpack:"entityId,omitempty"`
	EntityIDs []string `json:"entityIds,omitempty" msgpack:"entityIds,omitempty"`
	Payload   any      `json:"payload,omitempty" msgpack:"payload,omitempty"`
	Timestamp string   `json:"timestamp" msgpack:"timestamp"`
}

type RouterOptions struct {
	Backplane Backplane
	// Origin identifies this process on the backplane; defaults to a random id.
	Origin string
	Now    func() time.Time
	Logger *slog.Logger
}

// Router delivers events to live connections. Every emit is best effort: the
// return value counts local deliveries and nothing is ever retried.
type Router struct {
	registry  *Registry
	backplane Backplane
	origin    string
	now       func() time.Time
	logger    *slog.Logger
}

func NewRouter(registry *Registry, opts RouterOptions) *Router {
	origin := strings.TrimSpace(opts.Origin)
	if origin == "" {
		origin = uuid.NewString()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry:  registry,
		backplane: opts.Backplane,
		origin:    origin,
		now:       now,
		logger:    logger,
	}
}

// Start subscribes to the backplane, if any, so that emits made by other
// processes reach connections held here.
func (r *Router) Start(ctx context.Context) error {
	if r.backplane == nil {
		return nil
	}
	return r.backplane.Subscribe(ctx, func(route Route) {
		if route.Origin == r.origin {
			return
		}
		r.deliver(route)
	})
}

func (r *Router) EmitToActor(ctx context.Context, actorID string, msg Message) bool {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return false
	}
	return r.EmitToActors(ctx, []string{actorID}, msg) > 0
}

// EmitToActors returns the number of distinct actors that received the event
// on at least one local connection.
func (r *Router) EmitToActors(ctx context.Context, actorIDs []string, msg Message) int {
	ids := dedupe(actorIDs, strings.TrimSpace)
	if len(ids) == 0 || msg.Event == "" {
		return 0
	}
	route := Route{Origin: r.origin, Kind: RouteActors, ActorIDs: ids, Envelope: r.envelope(msg)}
	r.publish(ctx, route)
	return r.deliver(route)
}

// EmitToRoles returns the number of local connections whose role matched.
func (r *Router) EmitToRoles(ctx context.Context, roles []string, msg Message) int {
	normalized := dedupe(roles, normalizeRole)
	if len(normalized) == 0 || msg.Event == "" {
		return 0
	}
	route := Route{Origin: r.origin, Kind: RouteRoles, Roles: normalized, Envelope: r.envelope(msg)}
	r.publish(ctx, route)
	return r.deliver(route)
}

func (r *Router) Broadcast(ctx context.Context, msg Message) int {
	if msg.Event == "" {
		return 0
	}
	route := Route{Origin: r.origin, Kind: RouteBroadcast, Envelope: r.envelope(msg)}
	r.publish(ctx, route)
	return r.deliver(route)
}

func (r *Router) envelope(msg Message) Envelope {
	return Envelope{
		Event:     msg.Event,
		EntityID:  msg.EntityID,
		EntityIDs: append([]string(nil), msg.EntityIDs...),
		Payload:   msg.Payload,
		Timestamp: r.now().UTC().Format(time.RFC3339Nano),
	}
}

func (r *Router) publish(ctx context.Context, route Route) {
	if r.backplane == nil {
		return
	}
	if err := r.backplane.Publish(ctx, route); err != nil {
		r.logger.Warn("backplane publish failed", "event", route.Envelope.Event, "kind", route.Kind, "error", err)
	}
}

func (r *Router) deliver(route Route) int {
	if r.registry == nil {
		return 0
	}
	switch route.Kind {
	case RouteActors:
		reached := 0
		for _, actorID := range route.ActorIDs {
			if r.sendAll(r.registry.sessionsForActor(actorID), route.Envelope) > 0 {
				reached++
			}
		}
		return reached
	case RouteRoles:
		wanted := make(map[string]struct{}, len(route.Roles))
		for _, role := range route.Roles {
			wanted[role] = struct{}{}
		}
		return r.sendAll(r.registry.sessionsMatching(func(s Session) bool {
			_, ok := wanted[s.Role]
			return ok
		}), route.Envelope)
	case RouteBroadcast:
		return r.sendAll(r.registry.sessionsMatching(func(Session) bool { return true }), route.Envelope)
	default:
		r.logger.Warn("unknown route kind", "kind", route.Kind)
		return 0
	}
}

func (r *Router) sendAll(sessions []Session, env Envelope) int {
	sent := 0
	for _, s := range sessions {
		if s.Sender.Send(env) {
			sent++
			continue
		}
		r.logger.Warn("dropped event for slow connection",
			"event", env.Event, "actor_id", s.ActorID, "connection_id", s.ConnectionID)
	}
	return sent
}

func dedupe(values []string, normalize func(string) string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = normalize(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
