package claimrelay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

type ServiceOptions struct {
	Backend           Backend
	DispatchQueue     DispatchQueue
	DispatchQueueSize int
	DispatchBacklog   int
	DispatchWorkers   int
	Emitter           Emitter
	Rules             RecipientRules
	ClaimStrategy     string
	Location          *time.Location
	Formatter         *IdentifierFormatter
	Now               func() time.Time
	NewID             func() string
	Logger            *slog.Logger
	// DisableWorkers leaves dispatch items queued; tests drain them by hand.
	DisableWorkers bool
}

type LeadInput struct {
	ContactName string `json:"contactName"`
	Email       string `json:"email,omitempty"`
	Phone       string `json:"phone,omitempty"`
	Company     string `json:"company,omitempty"`
	Source      string `json:"source,omitempty"`
	Message     string `json:"message,omitempty"`
}

// Service wires the backend, the claim coordinator, the notification store and
// the dispatcher into the operations the HTTP layer exposes.
type Service struct {
	backend       Backend
	formatter     *IdentifierFormatter
	Claims        *Coordinator
	Notifications *NotificationStore
	Dispatcher    *Dispatcher
	now           func() time.Time
	newID         func() string
	logger        *slog.Logger
}

func NewService(opts ServiceOptions) (*Service, error) {
	backend := opts.Backend
	if backend == nil {
		backend = NewMemoryBackend()
	}
	formatter := opts.Formatter
	if formatter == nil {
		formatter = NewIdentifierFormatter()
	}
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

	dispatcher := NewDispatcher(DispatcherOptions{
		Queue:     opts.DispatchQueue,
		QueueSize: opts.DispatchQueueSize,
		Backlog:   opts.DispatchBacklog,
		Emitter:   opts.Emitter,
		Rules:     opts.Rules,
		Now:       now,
		Logger:    logger.With("component", "dispatcher"),
	})
	notifications := NewNotificationStore(backend, NotificationStoreOptions{
		Pusher: dispatcher,
		Now:    now,
		NewID:  newID,
		Logger: logger.With("component", "notifications"),
	})
	dispatcher.attach(notifications)

	coordinator, err := NewCoordinator(backend, CoordinatorOptions{
		Strategy:  opts.ClaimStrategy,
		Location:  opts.Location,
		Formatter: formatter,
		Announcer: dispatcher,
		Now:       now,
		NewID:     newID,
		Logger:    logger.With("component", "claims"),
	})
	if err != nil {
		dispatcher.Close()
		return nil, err
	}
	if !opts.DisableWorkers {
		dispatcher.Start(opts.DispatchWorkers)
	}
	return &Service{
		backend:       backend,
		formatter:     formatter,
		Claims:        coordinator,
		Notifications: notifications,
		Dispatcher:    dispatcher,
		now:           now,
		newID:         newID,
		logger:        logger,
	}, nil
}

func (s *Service) Backend() Backend {
	return s.backend
}

func (s *Service) CreateLead(ctx context.Context, actorID string, in LeadInput) (Lead, error) {
	in.ContactName = strings.TrimSpace(in.ContactName)
	if in.ContactName == "" {
		return Lead{}, fmt.Errorf("%w: contact name is required", ErrInvalidInput)
	}
	now := s.now().UTC().Truncate(time.Microsecond)
	lead := Lead{
		ID:          s.newID(),
		ContactName: in.ContactName,
		Email:       strings.TrimSpace(in.Email),
		Phone:       strings.TrimSpace(in.Phone),
		Company:     strings.TrimSpace(in.Company),
		Source:      strings.TrimSpace(in.Source),
		Message:     in.Message,
		CreatedBy:   strings.TrimSpace(actorID),
		CreatedAt:   now,
	}
	if err := s.backend.CreateLead(ctx, lead); err != nil {
		return Lead{}, storageErr("create lead", err)
	}
	if err := s.backend.AppendActivity(ctx, ActivityEntry{
		ID:         s.newID(),
		ActorID:    lead.CreatedBy,
		Action:     ActionLeadCreated,
		EntityType: EntityLead,
		EntityID:   lead.ID,
		Details:    map[string]any{"source": lead.Source},
		At:         now,
	}); err != nil {
		s.logger.Error("append lead activity failed", "lead_id", lead.ID, "error", err)
	}
	s.Dispatcher.AnnounceLead(ctx, lead)
	return lead, nil
}

func (s *Service) GetLead(ctx context.Context, id string) (Lead, error) {
	lead, err := s.backend.GetLead(ctx, strings.TrimSpace(id))
	if err != nil {
		return Lead{}, storageErr("get lead", err)
	}
	return lead, nil
}

func (s *Service) ListLeads(ctx context.Context, filter LeadFilter) ([]Lead, error) {
	filter.Limit = clampLimit(filter.Limit)
	leads, err := s.backend.ListLeads(ctx, filter)
	if err != nil {
		return nil, storageErr("list leads", err)
	}
	return leads, nil
}

func (s *Service) Claim(ctx context.Context, req ClaimRequest) (Inquiry, error) {
	return s.Claims.Claim(ctx, req)
}

func (s *Service) ReconcileOrphans(ctx context.Context, grace time.Duration) (int, error) {
	return s.Claims.ReconcileOrphans(ctx, grace)
}

func (s *Service) GetInquiry(ctx context.Context, id string) (Inquiry, error) {
	inquiry, err := s.backend.GetInquiry(ctx, strings.TrimSpace(id))
	if err != nil {
		return Inquiry{}, storageErr("get inquiry", err)
	}
	return inquiry, nil
}

// GetInquiryByCode rejects malformed codes before touching storage.
func (s *Service) GetInquiryByCode(ctx context.Context, code string) (Inquiry, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	category, _, _, err := s.formatter.Parse(code)
	if err != nil {
		return Inquiry{}, err
	}
	if category != CategoryInquiry {
		return Inquiry{}, fmt.Errorf("%w: %s is not an inquiry code", ErrInvalidInput, code)
	}
	inquiry, err := s.backend.GetInquiryByCode(ctx, code)
	if err != nil {
		return Inquiry{}, storageErr("get inquiry by code", err)
	}
	return inquiry, nil
}

func (s *Service) ListInquiriesByLead(ctx context.Context, leadID string) ([]Inquiry, error) {
	inquiries, err := s.backend.ListInquiriesByLead(ctx, strings.TrimSpace(leadID))
	if err != nil {
		return nil, storageErr("list inquiries", err)
	}
	return inquiries, nil
}

func (s *Service) ListActivity(ctx context.Context, filter ActivityFilter) ([]ActivityEntry, error) {
	filter.Limit = clampLimit(filter.Limit)
	entries, err := s.backend.ListActivity(ctx, filter)
	if err != nil {
		return nil, storageErr("list activity", err)
	}
	return entries, nil
}

// Close stops dispatch workers before releasing the backend they write to.
func (s *Service) Close() error {
	s.Dispatcher.Close()
	return s.backend.Close()
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
