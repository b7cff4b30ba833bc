package claimrelay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultNotificationLimit = 50
	maxNotificationLimit     = 200
)

// Pusher delivers notification state to live connections. Both calls are
// fire-and-forget; unread is -1 when the count could not be read.
type Pusher interface {
	PushNotification(ctx context.Context, n Notification, unread int)
	PushReadState(ctx context.Context, actorID string, ids []string, unread int)
}

type NotificationStoreOptions struct {
	Pusher Pusher
	Now    func() time.Time
	NewID  func() string
	Logger *slog.Logger
}

// NotificationStore is the durable record of what each actor was told. Rows
// are written before any push is attempted, so an offline actor finds them on
// the next List.
type NotificationStore struct {
	repo   NotificationRepository
	pusher Pusher
	now    func() time.Time
	newID  func() string
	logger *slog.Logger
}

func NewNotificationStore(repo NotificationRepository, opts NotificationStoreOptions) *NotificationStore {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &NotificationStore{
		repo:   repo,
		pusher: opts.Pusher,
		now:    now,
		newID:  newID,
		logger: logger,
	}
}

func (s *NotificationStore) Create(ctx context.Context, actorID string, in NotificationInput) (Notification, error) {
	created, err := s.CreateBulk(ctx, []string{actorID}, in)
	if err != nil {
		return Notification{}, err
	}
	return created[0], nil
}

// CreateBulk writes one row per distinct actor. A failed write for one actor
// does not stop the others; the rows that were written are returned with the
// joined errors.
func (s *NotificationStore) CreateBulk(ctx context.Context, actorIDs []string, in NotificationInput) ([]Notification, error) {
	targets := distinctActors(actorIDs)
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: at least one actor id is required", ErrInvalidInput)
	}
	if err := validateNotificationInput(in); err != nil {
		return nil, err
	}

	now := s.now().UTC().Truncate(time.Microsecond)
	created := make([]Notification, 0, len(targets))
	var errs []error
	for _, actorID := range targets {
		n := Notification{
			ID:                s.newID(),
			ActorID:           actorID,
			Type:              strings.TrimSpace(in.Type),
			Title:             strings.TrimSpace(in.Title),
			Message:           in.Message,
			RelatedEntityType: in.RelatedEntityType,
			RelatedEntityID:   in.RelatedEntityID,
			Metadata:          copyAnyMap(in.Metadata),
			CreatedAt:         now,
		}
		if err := s.repo.InsertNotification(ctx, n); err != nil {
			s.logger.Error("insert notification failed", "actor_id", actorID, "type", n.Type, "error", err)
			errs = append(errs, storageErr("insert notification", err))
			continue
		}
		created = append(created, n)
	}
	s.pushCreated(ctx, created)
	return created, errors.Join(errs...)
}

func (s *NotificationStore) pushCreated(ctx context.Context, created []Notification) {
	if s.pusher == nil {
		return
	}
	for _, n := range created {
		s.pusher.PushNotification(ctx, n, s.unreadOrUnknown(ctx, n.ActorID))
	}
}

func (s *NotificationStore) List(ctx context.Context, actorID string, opts NotificationListOptions) ([]Notification, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return nil, fmt.Errorf("%w: actor id is required", ErrInvalidInput)
	}
	if opts.Limit <= 0 {
		opts.Limit = defaultNotificationLimit
	}
	if opts.Limit > maxNotificationLimit {
		opts.Limit = maxNotificationLimit
	}
	out, err := s.repo.ListNotifications(ctx, actorID, opts)
	if err != nil {
		return nil, storageErr("list notifications", err)
	}
	return out, nil
}

func (s *NotificationStore) UnreadCount(ctx context.Context, actorID string) (int, error) {
	count, err := s.repo.CountUnread(ctx, strings.TrimSpace(actorID))
	if err != nil {
		return 0, storageErr("count unread", err)
	}
	return count, nil
}

// MarkAsRead is idempotent. A notification owned by someone else reads as
// missing.
func (s *NotificationStore) MarkAsRead(ctx context.Context, actorID, id string) (Notification, error) {
	actorID = strings.TrimSpace(actorID)
	id = strings.TrimSpace(id)
	if actorID == "" || id == "" {
		return Notification{}, fmt.Errorf("%w: actor id and notification id are required", ErrInvalidInput)
	}
	at := s.now().UTC().Truncate(time.Microsecond)
	n, err := s.repo.MarkNotificationRead(ctx, actorID, id, at)
	if err != nil {
		return Notification{}, storageErr("mark notification read", err)
	}
	changed := n.ReadAt != nil && n.ReadAt.Equal(at)
	if changed && s.pusher != nil {
		s.pusher.PushReadState(ctx, actorID, []string{id}, s.unreadOrUnknown(ctx, actorID))
	}
	return n, nil
}

func (s *NotificationStore) MarkAllAsRead(ctx context.Context, actorID string) (int, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return 0, fmt.Errorf("%w: actor id is required", ErrInvalidInput)
	}
	count, err := s.repo.MarkAllNotificationsRead(ctx, actorID, s.now().UTC().Truncate(time.Microsecond))
	if err != nil {
		return 0, storageErr("mark all notifications read", err)
	}
	if count > 0 && s.pusher != nil {
		s.pusher.PushReadState(ctx, actorID, nil, s.unreadOrUnknown(ctx, actorID))
	}
	return count, nil
}

// Sweep deletes read notifications created more than olderThan ago. Unread
// rows are never removed.
func (s *NotificationStore) Sweep(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("%w: retention must be positive", ErrInvalidInput)
	}
	cutoff := s.now().UTC().Add(-olderThan)
	deleted, err := s.repo.DeleteReadNotificationsBefore(ctx, cutoff)
	if err != nil {
		return 0, storageErr("sweep notifications", err)
	}
	if deleted > 0 {
		s.logger.Info("swept read notifications", "deleted", deleted, "cutoff", cutoff.Format(time.RFC3339))
	}
	return deleted, nil
}

func (s *NotificationStore) unreadOrUnknown(ctx context.Context, actorID string) int {
	count, err := s.repo.CountUnread(ctx, actorID)
	if err != nil {
		s.logger.Warn("count unread for push failed", "actor_id", actorID, "error", err)
		return -1
	}
	return count
}

func validateNotificationInput(in NotificationInput) error {
	if strings.TrimSpace(in.Type) == "" {
		return fmt.Errorf("%w: notification type is required", ErrInvalidInput)
	}
	if strings.TrimSpace(in.Title) == "" {
		return fmt.Errorf("%w: notification title is required", ErrInvalidInput)
	}
	return nil
}

func distinctActors(actorIDs []string) []string {
	seen := make(map[string]struct{}, len(actorIDs))
	out := make([]string, 0, len(actorIDs))
	for _, id := range actorIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
