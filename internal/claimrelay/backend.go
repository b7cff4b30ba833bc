package claimrelay

import (
	"context"
	"time"
)

// CounterStore issues per-(category, dateKey) sequence values. An
// implementation must do the insert-or-increment in one atomic step.
type CounterStore interface {
	NextCounterValue(ctx context.Context, category, dateKey string) (int64, error)
}

type LeadRepository interface {
	CreateLead(ctx context.Context, lead Lead) error
	GetLead(ctx context.Context, id string) (Lead, error)
	ListLeads(ctx context.Context, filter LeadFilter) ([]Lead, error)
}

type InquiryRepository interface {
	InsertInquiry(ctx context.Context, inquiry Inquiry) error
	DeleteInquiry(ctx context.Context, id string) error
	GetInquiry(ctx context.Context, id string) (Inquiry, error)
	GetInquiryByCode(ctx context.Context, code string) (Inquiry, error)
	ListInquiriesByLead(ctx context.Context, leadID string) ([]Inquiry, error)
	// ListOrphanCandidates returns up to limit inquiries created before
	// cutoff that their lead's claim does not account for, oldest first.
	ListOrphanCandidates(ctx context.Context, cutoff time.Time, limit int) ([]Inquiry, error)
}

// ConditionalUpdater is the first-writer-wins primitive: it reports whether the
// transition's expectations held and the row was updated.
type ConditionalUpdater interface {
	ConditionalUpdate(ctx context.Context, t Transition) (bool, error)
}

type ActivityLog interface {
	AppendActivity(ctx context.Context, entry ActivityEntry) error
	ListActivity(ctx context.Context, filter ActivityFilter) ([]ActivityEntry, error)
}

type NotificationRepository interface {
	InsertNotification(ctx context.Context, n Notification) error
	ListNotifications(ctx context.Context, actorID string, opts NotificationListOptions) ([]Notification, error)
	CountUnread(ctx context.Context, actorID string) (int, error)
	// MarkNotificationRead returns the notification in its read state. A
	// notification that is already read is returned unchanged.
	MarkNotificationRead(ctx context.Context, actorID, id string, at time.Time) (Notification, error)
	MarkAllNotificationsRead(ctx context.Context, actorID string, at time.Time) (int, error)
	DeleteReadNotificationsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// ClaimTx is the slice of the backend available inside a claim transaction.
// A counter value drawn through it is released again if the transaction
// rolls back.
type ClaimTx interface {
	CounterStore
	ConditionalUpdater
	InsertInquiry(ctx context.Context, inquiry Inquiry) error
	AppendActivity(ctx context.Context, entry ActivityEntry) error
}

type Backend interface {
	CounterStore
	LeadRepository
	InquiryRepository
	ConditionalUpdater
	ActivityLog
	NotificationRepository
	// WithinTx runs fn atomically: either every write fn made is kept or none.
	WithinTx(ctx context.Context, fn func(tx ClaimTx) error) error
	Name() string
	Close() error
}
