package claimrelay

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryBackend keeps every table in process memory behind one mutex. It is
// the default for tests and single-process development; its guarantees hold
// only within the process.
type MemoryBackend struct {
	mu            sync.Mutex
	counters      map[string]int64
	leads         map[string]Lead
	inquiries     map[string]Inquiry
	inquiryByCode map[string]string
	notifications map[string]Notification
	activity      []ActivityEntry
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		counters:      map[string]int64{},
		leads:         map[string]Lead{},
		inquiries:     map[string]Inquiry{},
		inquiryByCode: map[string]string{},
		notifications: map[string]Notification{},
	}
}

func (b *MemoryBackend) Name() string {
	return "memory"
}

func (b *MemoryBackend) Close() error {
	return nil
}

func (b *MemoryBackend) NextCounterValue(_ context.Context, category, dateKey string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := category + "|" + dateKey
	b.counters[key]++
	return b.counters[key], nil
}

func (b *MemoryBackend) CreateLead(_ context.Context, lead Lead) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.leads[lead.ID]; exists {
		return fmt.Errorf("%w: lead %s already exists", ErrInvalidInput, lead.ID)
	}
	b.leads[lead.ID] = lead
	return nil
}

func (b *MemoryBackend) GetLead(_ context.Context, id string) (Lead, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	lead, ok := b.leads[id]
	if !ok {
		return Lead{}, ErrNotFound
	}
	return lead, nil
}

func (b *MemoryBackend) ListLeads(_ context.Context, filter LeadFilter) ([]Lead, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Lead, 0, len(b.leads))
	for _, lead := range b.leads {
		if filter.UnclaimedOnly && lead.IsClaimed {
			continue
		}
		out = append(out, lead)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (b *MemoryBackend) InsertInquiry(_ context.Context, inquiry Inquiry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.insertInquiryLocked(inquiry)
}

func (b *MemoryBackend) insertInquiryLocked(inquiry Inquiry) error {
	if _, exists := b.inquiries[inquiry.ID]; exists {
		return fmt.Errorf("%w: inquiry %s already exists", ErrInvalidInput, inquiry.ID)
	}
	if _, exists := b.inquiryByCode[inquiry.Code]; exists {
		return fmt.Errorf("%w: inquiry code %s already issued", ErrInvalidInput, inquiry.Code)
	}
	inquiry.Extra = copyAnyMap(inquiry.Extra)
	b.inquiries[inquiry.ID] = inquiry
	b.inquiryByCode[inquiry.Code] = inquiry.ID
	return nil
}

func (b *MemoryBackend) DeleteInquiry(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleteInquiryLocked(id)
	return nil
}

func (b *MemoryBackend) deleteInquiryLocked(id string) {
	inquiry, ok := b.inquiries[id]
	if !ok {
		return
	}
	delete(b.inquiries, id)
	delete(b.inquiryByCode, inquiry.Code)
}

func (b *MemoryBackend) GetInquiry(_ context.Context, id string) (Inquiry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	inquiry, ok := b.inquiries[id]
	if !ok {
		return Inquiry{}, ErrNotFound
	}
	inquiry.Extra = copyAnyMap(inquiry.Extra)
	return inquiry, nil
}

func (b *MemoryBackend) GetInquiryByCode(ctx context.Context, code string) (Inquiry, error) {
	b.mu.Lock()
	id, ok := b.inquiryByCode[code]
	b.mu.Unlock()
	if !ok {
		return Inquiry{}, ErrNotFound
	}
	return b.GetInquiry(ctx, id)
}

func (b *MemoryBackend) ListInquiriesByLead(_ context.Context, leadID string) ([]Inquiry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Inquiry, 0)
	for _, inquiry := range b.inquiries {
		if inquiry.LeadID == leadID {
			out = append(out, inquiry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (b *MemoryBackend) ListOrphanCandidates(_ context.Context, cutoff time.Time, limit int) ([]Inquiry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Inquiry, 0)
	for _, inquiry := range b.inquiries {
		if !inquiry.CreatedAt.Before(cutoff) {
			continue
		}
		if lead, ok := b.leads[inquiry.LeadID]; ok && backsClaim(inquiry, lead) {
			continue
		}
		inquiry.Extra = copyAnyMap(inquiry.Extra)
		out = append(out, inquiry)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (b *MemoryBackend) ConditionalUpdate(_ context.Context, t Transition) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ok, _, err := b.conditionalUpdateLocked(t)
	return ok, err
}

// conditionalUpdateLocked returns the previous row so a transaction can undo
// the update.
func (b *MemoryBackend) conditionalUpdateLocked(t Transition) (bool, Lead, error) {
	if t.Entity != EntityLead {
		return false, Lead{}, fmt.Errorf("%w: conditional update on %q", ErrNotImplemented, t.Entity)
	}
	lead, ok := b.leads[t.ID]
	if !ok {
		return false, Lead{}, nil
	}
	for field, want := range t.Expect {
		got, err := leadField(lead, field)
		if err != nil {
			return false, Lead{}, err
		}
		if !fieldEqual(got, want) {
			return false, Lead{}, nil
		}
	}
	previous := lead
	for field, value := range t.Set {
		if err := setLeadField(&lead, field, value); err != nil {
			return false, Lead{}, err
		}
	}
	b.leads[t.ID] = lead
	return true, previous, nil
}

func (b *MemoryBackend) AppendActivity(_ context.Context, entry ActivityEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry.Details = copyAnyMap(entry.Details)
	b.activity = append(b.activity, entry)
	return nil
}

func (b *MemoryBackend) ListActivity(_ context.Context, filter ActivityFilter) ([]ActivityEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ActivityEntry, 0)
	for i := len(b.activity) - 1; i >= 0; i-- {
		entry := b.activity[i]
		if filter.EntityType != "" && entry.EntityType != filter.EntityType {
			continue
		}
		if filter.EntityID != "" && entry.EntityID != filter.EntityID {
			continue
		}
		if filter.ActorID != "" && entry.ActorID != filter.ActorID {
			continue
		}
		out = append(out, entry)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (b *MemoryBackend) InsertNotification(_ context.Context, n Notification) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.notifications[n.ID]; exists {
		return fmt.Errorf("%w: notification %s already exists", ErrInvalidInput, n.ID)
	}
	n.Metadata = copyAnyMap(n.Metadata)
	b.notifications[n.ID] = n
	return nil
}

func (b *MemoryBackend) ListNotifications(_ context.Context, actorID string, opts NotificationListOptions) ([]Notification, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Notification, 0)
	for _, n := range b.notifications {
		if n.ActorID != actorID {
			continue
		}
		if opts.UnreadOnly && n.IsRead {
			continue
		}
		if !opts.Before.IsZero() && !n.CreatedAt.Before(opts.Before) {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (b *MemoryBackend) CountUnread(_ context.Context, actorID string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	count := 0
	for _, n := range b.notifications {
		if n.ActorID == actorID && !n.IsRead {
			count++
		}
	}
	return count, nil
}

func (b *MemoryBackend) MarkNotificationRead(_ context.Context, actorID, id string, at time.Time) (Notification, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, ok := b.notifications[id]
	if !ok || n.ActorID != actorID {
		return Notification{}, ErrNotFound
	}
	if n.IsRead {
		return n, nil
	}
	readAt := at
	n.IsRead = true
	n.ReadAt = &readAt
	b.notifications[id] = n
	return n, nil
}

func (b *MemoryBackend) MarkAllNotificationsRead(_ context.Context, actorID string, at time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	updated := 0
	for id, n := range b.notifications {
		if n.ActorID != actorID || n.IsRead {
			continue
		}
		readAt := at
		n.IsRead = true
		n.ReadAt = &readAt
		b.notifications[id] = n
		updated++
	}
	return updated, nil
}

func (b *MemoryBackend) DeleteReadNotificationsBefore(_ context.Context, cutoff time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	deleted := 0
	for id, n := range b.notifications {
		if n.IsRead && n.CreatedAt.Before(cutoff) {
			delete(b.notifications, id)
			deleted++
		}
	}
	return deleted, nil
}

func (b *MemoryBackend) WithinTx(_ context.Context, fn func(tx ClaimTx) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	tx := &memoryTx{backend: b}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

type memoryTx struct {
	backend *MemoryBackend
	undo    []func()
}

func (tx *memoryTx) NextCounterValue(_ context.Context, category, dateKey string) (int64, error) {
	key := category + "|" + dateKey
	tx.backend.counters[key]++
	tx.undo = append(tx.undo, func() { tx.backend.counters[key]-- })
	return tx.backend.counters[key], nil
}

func (tx *memoryTx) ConditionalUpdate(_ context.Context, t Transition) (bool, error) {
	ok, previous, err := tx.backend.conditionalUpdateLocked(t)
	if err != nil || !ok {
		return ok, err
	}
	tx.undo = append(tx.undo, func() { tx.backend.leads[previous.ID] = previous })
	return true, nil
}

func (tx *memoryTx) InsertInquiry(_ context.Context, inquiry Inquiry) error {
	if err := tx.backend.insertInquiryLocked(inquiry); err != nil {
		return err
	}
	id := inquiry.ID
	tx.undo = append(tx.undo, func() { tx.backend.deleteInquiryLocked(id) })
	return nil
}

func (tx *memoryTx) AppendActivity(_ context.Context, entry ActivityEntry) error {
	entry.Details = copyAnyMap(entry.Details)
	tx.backend.activity = append(tx.backend.activity, entry)
	tx.undo = append(tx.undo, func() {
		tx.backend.activity = tx.backend.activity[:len(tx.backend.activity)-1]
	})
	return nil
}

func (tx *memoryTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

func leadField(lead Lead, field string) (any, error) {
	switch field {
	case FieldIsClaimed:
		return lead.IsClaimed, nil
	case FieldClaimedBy:
		if lead.ClaimedBy == "" {
			return nil, nil
		}
		return lead.ClaimedBy, nil
	case FieldClaimedAt:
		if lead.ClaimedAt == nil {
			return nil, nil
		}
		return *lead.ClaimedAt, nil
	default:
		return nil, fmt.Errorf("%w: lead field %q", ErrInvalidInput, field)
	}
}

func setLeadField(lead *Lead, field string, value any) error {
	switch field {
	case FieldIsClaimed:
		v, ok := value.(bool)
		if !ok {
			return fmt.Errorf("%w: %s expects bool", ErrInvalidInput, field)
		}
		lead.IsClaimed = v
	case FieldClaimedBy:
		v, ok := value.(string)
		if !ok {
			return fmt.Errorf("%w: %s expects string", ErrInvalidInput, field)
		}
		lead.ClaimedBy = v
	case FieldClaimedAt:
		switch v := value.(type) {
		case nil:
			lead.ClaimedAt = nil
		case time.Time:
			at := v
			lead.ClaimedAt = &at
		default:
			return fmt.Errorf("%w: %s expects time", ErrInvalidInput, field)
		}
	default:
		return fmt.Errorf("%w: lead field %q", ErrInvalidInput, field)
	}
	return nil
}

func fieldEqual(got, want any) bool {
	if gt, ok := got.(time.Time); ok {
		wt, ok := want.(time.Time)
		return ok && gt.Equal(wt)
	}
	return got == want
}
