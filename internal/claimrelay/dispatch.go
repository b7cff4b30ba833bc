package claimrelay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/claimrelay/internal/realtime"
)

// Emitter is the live delivery side of the dispatcher.
type Emitter interface {
	EmitToActors(ctx context.Context, actorIDs []string, msg realtime.Message) int
	EmitToRoles(ctx context.Context, roles []string, msg realtime.Message) int
	Broadcast(ctx context.Context, msg realtime.Message) int
}

// RecipientRules names the roles that receive role-addressed events.
type RecipientRules interface {
	RolesFor(event string) []string
}

var defaultEventRoles = map[string][]string{
	EventLeadCreated: {"admin", "sales"},
	EventLeadClaimed: {"admin", "sales"},
}

const defaultDispatchBacklog = 1024

type DispatcherOptions struct {
	Queue     DispatchQueue
	QueueSize int
	// Backlog caps items held while the queue is full; past it items are
	// dropped and counted.
	Backlog int
	Emitter Emitter
	Rules   RecipientRules
	Now     func() time.Time
	Logger  *slog.Logger
}

type DispatchStatus struct {
	Depth     int    `json:"depth"`
	Capacity  int    `json:"capacity"`
	Workers   int    `json:"workers"`
	Backlog   int    `json:"backlog"`
	Processed uint64 `json:"processed"`
	Dropped   uint64 `json:"dropped"`
}

// Dispatcher decouples request handlers from delivery. Callers publish items
// and return immediately; workers persist notifications and push events. A
// delivery failure is logged and never reaches the caller.
type Dispatcher struct {
	queue         DispatchQueue
	emitter       Emitter
	rules         RecipientRules
	notifications *NotificationStore
	now           func() time.Time
	logger        *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	workers   int
	closed    chan struct{}
	closeOnce sync.Once

	backlogMu      sync.Mutex
	backlog        []DispatchItem
	backlogMax     int
	backlogStopped bool
	backlogReady   chan struct{}

	processed atomic.Uint64
	dropped   atomic.Uint64
}

func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	queue := opts.Queue
	if queue == nil {
		queue = NewInMemoryDispatchQueue(opts.QueueSize)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	backlogMax := opts.Backlog
	if backlogMax <= 0 {
		backlogMax = defaultDispatchBacklog
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		queue:        queue,
		emitter:      opts.Emitter,
		rules:        opts.Rules,
		now:          now,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
		closed:       make(chan struct{}),
		backlogMax:   backlogMax,
		backlogReady: make(chan struct{}, 1),
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.flushBacklog()
	}()
	return d
}

// Start launches n workers. It is called once, after the notification store
// is attached.
func (d *Dispatcher) Start(n int) {
	if n <= 0 {
		n = 1
	}
	d.workers = n
	d.wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer d.wg.Done()
			d.worker()
		}()
	}
}

func (d *Dispatcher) attach(store *NotificationStore) {
	d.notifications = store
}

func (d *Dispatcher) Status() DispatchStatus {
	return DispatchStatus{
		Depth:     d.queue.Depth(),
		Capacity:  d.queue.Capacity(),
		Workers:   d.workers,
		Backlog:   d.backlogLen(),
		Processed: d.processed.Load(),
		Dropped:   d.dropped.Load(),
	}
}

// Publish never blocks. When the queue is full the item joins a bounded
// backlog that a single goroutine feeds into the queue in publish order; once
// the backlog is full the item is dropped.
func (d *Dispatcher) Publish(item DispatchItem) {
	select {
	case <-d.closed:
		d.dropped.Add(1)
		return
	default:
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = d.now().UTC()
	}
	if !item.valid() {
		d.dropped.Add(1)
		d.logger.Warn("dropping invalid dispatch item", "kind", item.Kind, "event", item.Event)
		return
	}

	d.backlogMu.Lock()
	defer d.backlogMu.Unlock()
	if d.backlogStopped {
		d.dropped.Add(1)
		return
	}
	// Items behind a non-empty backlog wait their turn.
	if len(d.backlog) == 0 && d.queue.TryEnqueue(item) {
		return
	}
	if len(d.backlog) >= d.backlogMax {
		d.dropped.Add(1)
		d.logger.Warn("dispatch backlog full, item dropped", "id", item.ID, "kind", item.Kind, "event", item.Event)
		return
	}
	d.backlog = append(d.backlog, item)
	select {
	case d.backlogReady <- struct{}{}:
	default:
	}
}

// flushBacklog moves backlog items into the queue, blocking on the queue as
// needed, until the dispatcher closes. Whatever is left then counts as
// dropped.
func (d *Dispatcher) flushBacklog() {
	for {
		select {
		case <-d.ctx.Done():
			d.stopBacklog()
			return
		case <-d.backlogReady:
		}
		for {
			d.backlogMu.Lock()
			if len(d.backlog) == 0 {
				d.backlogMu.Unlock()
				break
			}
			item := d.backlog[0]
			d.backlogMu.Unlock()

			if !d.queue.Enqueue(d.ctx, item) {
				if d.ctx.Err() != nil {
					d.stopBacklog()
					return
				}
				d.dropped.Add(1)
				d.logger.Warn("dispatch item dropped", "id", item.ID, "kind", item.Kind, "event", item.Event)
			}
			d.backlogMu.Lock()
			d.backlog[0] = DispatchItem{}
			d.backlog = d.backlog[1:]
			d.backlogMu.Unlock()
		}
	}
}

func (d *Dispatcher) stopBacklog() {
	d.backlogMu.Lock()
	defer d.backlogMu.Unlock()
	d.backlogStopped = true
	if n := len(d.backlog); n > 0 {
		d.dropped.Add(uint64(n))
		d.logger.Warn("dispatch backlog discarded on close", "items", n)
	}
	d.backlog = nil
}

func (d *Dispatcher) backlogLen() int {
	d.backlogMu.Lock()
	defer d.backlogMu.Unlock()
	return len(d.backlog)
}

func (d *Dispatcher) AnnounceClaim(_ context.Context, a ClaimAnnouncement) {
	claimedAt := ""
	if a.Lead.ClaimedAt != nil {
		claimedAt = a.Lead.ClaimedAt.UTC().Format(time.RFC3339Nano)
	}
	if roles := d.rolesFor(EventLeadClaimed); len(roles) > 0 {
		d.Publish(DispatchItem{
			Kind:      DispatchKindEvent,
			Event:     EventLeadClaimed,
			EntityID:  a.Lead.ID,
			EntityIDs: []string{a.Lead.ID, a.Inquiry.ID},
			Roles:     roles,
			Payload: map[string]any{
				"leadId":    a.Lead.ID,
				"inquiryId": a.Inquiry.ID,
				"code":      a.Inquiry.Code,
				"claimedBy": a.ActorID,
				"claimedAt": claimedAt,
			},
		})
	}
	d.Publish(DispatchItem{
		Kind:     DispatchKindEvent,
		Event:    EventInquiryCreated,
		EntityID: a.Inquiry.ID,
		ActorIDs: []string{a.Inquiry.OwnerID},
		Payload:  toPayload(a.Inquiry),
	})
	d.Publish(DispatchItem{
		Kind:     DispatchKindNotification,
		ActorIDs: []string{a.Inquiry.OwnerID},
		Notification: &NotificationInput{
			Type:              NotificationInquiryCreated,
			Title:             "Inquiry " + a.Inquiry.Code + " created",
			Message:           fmt.Sprintf("You claimed the lead for %s.", a.Lead.ContactName),
			RelatedEntityType: EntityInquiry,
			RelatedEntityID:   a.Inquiry.ID,
			Metadata:          map[string]any{"code": a.Inquiry.Code, "leadId": a.Lead.ID},
		},
	})
	if a.Lead.CreatedBy != "" && a.Lead.CreatedBy != a.ActorID {
		d.Publish(DispatchItem{
			Kind:     DispatchKindNotification,
			ActorIDs: []string{a.Lead.CreatedBy},
			Notification: &NotificationInput{
				Type:              NotificationLeadClaimed,
				Title:             "Lead claimed",
				Message:           fmt.Sprintf("Your lead for %s was claimed as %s.", a.Lead.ContactName, a.Inquiry.Code),
				RelatedEntityType: EntityLead,
				RelatedEntityID:   a.Lead.ID,
				Metadata:          map[string]any{"code": a.Inquiry.Code, "claimedBy": a.ActorID},
			},
		})
	}
}

func (d *Dispatcher) AnnounceLead(_ context.Context, lead Lead) {
	roles := d.rolesFor(EventLeadCreated)
	if len(roles) == 0 {
		return
	}
	d.Publish(DispatchItem{
		Kind:     DispatchKindEvent,
		Event:    EventLeadCreated,
		EntityID: lead.ID,
		Roles:    roles,
		Payload:  toPayload(lead),
	})
}

func (d *Dispatcher) PushNotification(_ context.Context, n Notification, unread int) {
	payload := map[string]any{"notification": toPayload(n)}
	if unread >= 0 {
		payload["unreadCount"] = unread
	}
	d.Publish(DispatchItem{
		Kind:     DispatchKindEvent,
		Event:    EventNotificationNew,
		EntityID: n.ID,
		ActorIDs: []string{n.ActorID},
		Payload:  payload,
	})
}

func (d *Dispatcher) PushReadState(_ context.Context, actorID string, ids []string, unread int) {
	payload := map[string]any{"all": len(ids) == 0}
	if len(ids) > 0 {
		payload["ids"] = ids
	}
	if unread >= 0 {
		payload["unreadCount"] = unread
	}
	d.Publish(DispatchItem{
		Kind:      DispatchKindEvent,
		Event:     EventNotificationsRead,
		EntityIDs: ids,
		ActorIDs:  []string{actorID},
		Payload:   payload,
	})
}

func (d *Dispatcher) rolesFor(event string) []string {
	if d.rules != nil {
		return d.rules.RolesFor(event)
	}
	return append([]string(nil), defaultEventRoles[event]...)
}

func (d *Dispatcher) worker() {
	for {
		item, ok := d.queue.Dequeue(d.ctx)
		if !ok {
			return
		}
		d.process(item)
		d.processed.Add(1)
	}
}

func (d *Dispatcher) process(item DispatchItem) {
	ctx, cancel := context.WithTimeout(d.ctx, 10*time.Second)
	defer cancel()
	switch item.Kind {
	case DispatchKindNotification:
		if d.notifications == nil || item.Notification == nil {
			d.logger.Warn("notification item without a store", "id", item.ID)
			return
		}
		if _, err := d.notifications.CreateBulk(ctx, item.ActorIDs, *item.Notification); err != nil {
			d.logger.Error("persist notification failed",
				"id", item.ID, "type", item.Notification.Type, "actors", len(item.ActorIDs), "error", err)
		}
	case DispatchKindEvent:
		if d.emitter == nil {
			return
		}
		msg := realtime.Message{
			Event:     item.Event,
			EntityID:  item.EntityID,
			EntityIDs: item.EntityIDs,
			Payload:   item.Payload,
		}
		reached := 0
		if item.Broadcast {
			reached += d.emitter.Broadcast(ctx, msg)
		}
		if len(item.ActorIDs) > 0 {
			reached += d.emitter.EmitToActors(ctx, item.ActorIDs, msg)
		}
		if len(item.Roles) > 0 {
			reached += d.emitter.EmitToRoles(ctx, item.Roles, msg)
		}
		if reached == 0 {
			d.logger.Debug("event reached no live connection", "event", item.Event, "entity_id", item.EntityID)
		}
	default:
		d.logger.Warn("unknown dispatch item kind", "id", item.ID, "kind", item.Kind)
	}
}

// Close stops the workers and the backlog feeder. Items still queued in a durable queue are picked
// up by the next process; in-memory items are lost.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.closed)
		d.cancel()
		d.wg.Wait()
		_ = d.queue.Close()
	})
}

// toPayload flattens v to its JSON object form so that every queue, durable
// or not, carries the same shape.
func toPayload(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
