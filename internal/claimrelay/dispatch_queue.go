package claimrelay

import (
	"context"
	"strings"
	"time"
)

const (
	DispatchKindEvent        = "event"
	DispatchKindNotification = "notification"

	defaultDispatchQueueCapacity = 1024
)

// DispatchItem is one unit of deferred delivery. Event items are pushed to
// live connections; notification items are persisted for every actor in
// ActorIDs and then pushed. Items are plain JSON so durable queues can hold
// them across restarts.
type DispatchItem struct {
	ID           string             `json:"id"`
	Kind         string             `json:"kind"`
	Event        string             `json:"event,omitempty"`
	EntityID     string             `json:"entityId,omitempty"`
	EntityIDs    []string           `json:"entityIds,omitempty"`
	ActorIDs     []string           `json:"actorIds,omitempty"`
	Roles        []string           `json:"roles,omitempty"`
	Broadcast    bool               `json:"broadcast,omitempty"`
	Payload      map[string]any     `json:"payload,omitempty"`
	Notification *NotificationInput `json:"notification,omitempty"`
	EnqueuedAt   time.Time          `json:"enqueuedAt"`
}

func (i DispatchItem) valid() bool {
	if strings.TrimSpace(i.ID) == "" {
		return false
	}
	switch i.Kind {
	case DispatchKindEvent:
		return i.Event != ""
	case DispatchKindNotification:
		return i.Notification != nil && len(i.ActorIDs) > 0
	default:
		return false
	}
}

type DispatchQueue interface {
	TryEnqueue(item DispatchItem) bool
	Enqueue(ctx context.Context, item DispatchItem) bool
	Dequeue(ctx context.Context) (DispatchItem, bool)
	Depth() int
	Capacity() int
	Close() error
}

type inMemoryDispatchQueue struct {
	ch chan DispatchItem
}

func NewInMemoryDispatchQueue(capacity int) DispatchQueue {
	if capacity <= 0 {
		capacity = defaultDispatchQueueCapacity
	}
	return &inMemoryDispatchQueue{
		ch: make(chan DispatchItem, capacity),
	}
}

func (q *inMemoryDispatchQueue) TryEnqueue(item DispatchItem) bool {
	if q == nil || !item.valid() {
		return false
	}
	select {
	case q.ch <- item:
		return true
	default:
		return false
	}
}

func (q *inMemoryDispatchQueue) Enqueue(ctx context.Context, item DispatchItem) bool {
	if q == nil || !item.valid() {
		return false
	}
	select {
	case q.ch <- item:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *inMemoryDispatchQueue) Dequeue(ctx context.Context) (DispatchItem, bool) {
	if q == nil {
		return DispatchItem{}, false
	}
	select {
	case item := <-q.ch:
		return item, true
	case <-ctx.Done():
		return DispatchItem{}, false
	}
}

func (q *inMemoryDispatchQueue) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

func (q *inMemoryDispatchQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}

func (q *inMemoryDispatchQueue) Close() error {
	return nil
}
