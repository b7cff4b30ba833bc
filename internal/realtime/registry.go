package realtime

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrRegistryClosed  = errors.New("connection registry closed")
	ErrInvalidSession  = errors.New("invalid session")
	ErrDuplicateSocket = errors.New("connection already registered")
)

// Sender is the outbound half of a live connection. Send must not block: it
// reports false when the frame could not be queued.
type Sender interface {
	Send(env Envelope) bool
	Close(reason string)
}

type Session struct {
	ConnectionID string
	ActorID      string
	Role         string
	Sender       Sender
	ConnectedAt  time.Time
}

// SessionInfo is the exported view of a Session without its Sender.
type SessionInfo struct {
	ConnectionID string    `json:"connectionId"`
	ActorID      string    `json:"actorId"`
	Role         string    `json:"role"`
	ConnectedAt  time.Time `json:"connectedAt"`
}

// Registry maps actors to their live connections. It is process-local; a
// Backplane carries emits between processes.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Session
	byActor  map[string]map[string]struct{}
	closed   bool
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: map[string]Session{},
		byActor:  map[string]map[string]struct{}{},
	}
}

func (r *Registry) Register(s Session) error {
	s.ConnectionID = strings.TrimSpace(s.ConnectionID)
	s.ActorID = strings.TrimSpace(s.ActorID)
	s.Role = normalizeRole(s.Role)
	if s.ConnectionID == "" || s.ActorID == "" || s.Sender == nil {
		return ErrInvalidSession
	}
	if s.ConnectedAt.IsZero() {
		s.ConnectedAt = time.Now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}
	if _, exists := r.sessions[s.ConnectionID]; exists {
		return ErrDuplicateSocket
	}
	r.sessions[s.ConnectionID] = s
	set, ok := r.byActor[s.ActorID]
	if !ok {
		set = map[string]struct{}{}
		r.byActor[s.ActorID] = set
	}
	set[s.ConnectionID] = struct{}{}
	return nil
}

// Unregister drops a connection and, with its last connection, the actor.
// Unknown ids are ignored.
func (r *Registry) Unregister(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[connectionID]
	if !ok {
		return
	}
	delete(r.sessions, connectionID)
	if set, ok := r.byActor[s.ActorID]; ok {
		delete(set, connectionID)
		if len(set) == 0 {
			delete(r.byActor, s.ActorID)
		}
	}
}

func (r *Registry) IsConnected(actorID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byActor[strings.TrimSpace(actorID)]
	return ok
}

func (r *Registry) ConnectionsFor(actorID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byActor[strings.TrimSpace(actorID)]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) ConnectedActors() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byActor))
	for actorID := range r.byActor {
		out = append(out, actorID)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) Snapshot() []SessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, SessionInfo{
			ConnectionID: s.ConnectionID,
			ActorID:      s.ActorID,
			Role:         s.Role,
			ConnectedAt:  s.ConnectedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ActorID != out[j].ActorID {
			return out[i].ActorID < out[j].ActorID
		}
		return out[i].ConnectionID < out[j].ConnectionID
	})
	return out
}

// Close disconnects every session and rejects further registrations.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	sessions := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = map[string]Session{}
	r.byActor = map[string]map[string]struct{}{}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Sender.Close("server shutting down")
	}
}

func (r *Registry) sessionsForActor(actorID string) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byActor[actorID]
	out := make([]Session, 0, len(set))
	for id := range set {
		out = append(out, r.sessions[id])
	}
	return out
}

// sessionsMatching scans every live connection; fine at the connection counts
// a single process holds.
func (r *Registry) sessionsMatching(match func(Session) bool) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0)
	for _, s := range r.sessions {
		if match(s) {
			out = append(out, s)
		}
	}
	return out
}

func normalizeRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}
