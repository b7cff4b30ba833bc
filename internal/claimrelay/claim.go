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
	// StrategyTransactional runs the conditional update first and inserts the
	// inquiry in the same transaction. A lost race writes nothing.
	StrategyTransactional = "transactional"
	// StrategyCompensating inserts the inquiry, then runs the conditional
	// update, and deletes the inquiry again when the update loses.
	StrategyCompensating = "compensating"
)

type ClaimRequest struct {
	LeadID  string
	ActorID string
	Extra   map[string]any
	// BusinessDate overrides the date encoded in the inquiry code. Zero means
	// today in the coordinator's location.
	BusinessDate time.Time
}

type ClaimAnnouncement struct {
	Lead    Lead
	Inquiry Inquiry
	ActorID string
}

// Announcer is told about successful claims after they are durable. It must
// not block the caller.
type Announcer interface {
	AnnounceClaim(ctx context.Context, a ClaimAnnouncement)
}

// CompensationError reports an inquiry that could not be deleted after its
// claim failed. The row needs manual reconciliation.
type CompensationError struct {
	InquiryID string
	Code      string
	Cause     error
	Err       error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("compensating delete of inquiry %s (%s) failed after %v: %v", e.InquiryID, e.Code, e.Cause, e.Err)
}

func (e *CompensationError) Is(target error) bool {
	return target == ErrCompensationFailed
}

func (e *CompensationError) Unwrap() []error {
	return []error{e.Cause, e.Err}
}

type CoordinatorOptions struct {
	Strategy  string
	Location  *time.Location
	Formatter *IdentifierFormatter
	Announcer Announcer
	Now       func() time.Time
	NewID     func() string
	Logger    *slog.Logger
}

// Coordinator turns a Lead into an Inquiry for exactly one actor, however many
// try at once.
type Coordinator struct {
	backend   Backend
	strategy  string
	location  *time.Location
	formatter *IdentifierFormatter
	announcer Announcer
	now       func() time.Time
	newID     func() string
	logger    *slog.Logger
}

func NewCoordinator(backend Backend, opts CoordinatorOptions) (*Coordinator, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: coordinator needs a backend", ErrInvalidInput)
	}
	strategy := strings.ToLower(strings.TrimSpace(opts.Strategy))
	switch strategy {
	case "":
		strategy = StrategyTransactional
	case StrategyTransactional, StrategyCompensating:
	default:
		return nil, fmt.Errorf("%w: unknown claim strategy %q", ErrInvalidInput, opts.Strategy)
	}
	location := opts.Location
	if location == nil {
		location = time.UTC
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
	return &Coordinator{
		backend:   backend,
		strategy:  strategy,
		location:  location,
		formatter: formatter,
		announcer: opts.Announcer,
		now:       now,
		newID:     newID,
		logger:    logger,
	}, nil
}

func (c *Coordinator) Strategy() string {
	return c.strategy
}

// MintIdentifier draws the next sequence for category on date and formats it.
// A value drawn here is never handed out again, whether or not the caller
// ends up using it.
func (c *Coordinator) MintIdentifier(ctx context.Context, category string, date time.Time) (string, error) {
	if date.IsZero() {
		date = c.now().In(c.location)
	}
	seq, err := c.backend.NextCounterValue(ctx, category, DateKey(date))
	if err != nil {
		return "", storageErr("next counter value", err)
	}
	return c.formatter.Format(category, date, seq)
}

func (c *Coordinator) Claim(ctx context.Context, req ClaimRequest) (Inquiry, error) {
	req.LeadID = strings.TrimSpace(req.LeadID)
	req.ActorID = strings.TrimSpace(req.ActorID)
	if req.LeadID == "" || req.ActorID == "" {
		return Inquiry{}, fmt.Errorf("%w: lead id and actor id are required", ErrInvalidInput)
	}

	lead, err := c.backend.GetLead(ctx, req.LeadID)
	if err != nil {
		return Inquiry{}, storageErr("load lead", err)
	}
	if lead.IsClaimed {
		return Inquiry{}, ErrAlreadyClaimed
	}

	at := c.now().UTC().Truncate(time.Microsecond)
	date := req.BusinessDate
	if date.IsZero() {
		date = at.In(c.location)
	}
	draft := claimDraft{
		lead:    lead,
		actorID: req.ActorID,
		at:      at,
		date:    date,
		extra:   copyAnyMap(req.Extra),
	}

	var inquiry Inquiry
	switch c.strategy {
	case StrategyCompensating:
		inquiry, err = c.claimCompensating(ctx, draft)
	default:
		inquiry, err = c.claimTransactional(ctx, draft)
	}
	if err != nil {
		if errors.Is(err, ErrClaimConflict) && !errors.Is(err, ErrCompensationFailed) {
			c.logger.Info("claim lost race", "lead_id", lead.ID, "actor_id", req.ActorID, "strategy", c.strategy)
		}
		return Inquiry{}, err
	}

	lead.IsClaimed = true
	lead.ClaimedBy = req.ActorID
	lead.ClaimedAt = &at
	c.logger.Info("lead claimed",
		"lead_id", lead.ID, "inquiry_id", inquiry.ID, "code", inquiry.Code, "actor_id", req.ActorID, "strategy", c.strategy)
	if c.announcer != nil {
		c.announcer.AnnounceClaim(ctx, ClaimAnnouncement{Lead: lead, Inquiry: inquiry, ActorID: req.ActorID})
	}
	return inquiry, nil
}

type claimDraft struct {
	lead    Lead
	actorID string
	at      time.Time
	date    time.Time
	extra   map[string]any
}

func (c *Coordinator) inquiryFor(d claimDraft, code string) Inquiry {
	return Inquiry{
		ID:          c.newID(),
		LeadID:      d.lead.ID,
		Code:        code,
		ContactName: d.lead.ContactName,
		Email:       d.lead.Email,
		Phone:       d.lead.Phone,
		Company:     d.lead.Company,
		Source:      d.lead.Source,
		Message:     d.lead.Message,
		OwnerID:     d.actorID,
		Extra:       d.extra,
		CreatedAt:   d.at,
	}
}

func (c *Coordinator) activityFor(d claimDraft, inquiry Inquiry) []ActivityEntry {
	return []ActivityEntry{
		{
			ID:         c.newID(),
			ActorID:    d.actorID,
			Action:     ActionLeadClaimed,
			EntityType: EntityLead,
			EntityID:   d.lead.ID,
			Details:    map[string]any{"inquiryId": inquiry.ID, "code": inquiry.Code},
			At:         d.at,
		},
		{
			ID:         c.newID(),
			ActorID:    d.actorID,
			Action:     ActionInquiryCreated,
			EntityType: EntityInquiry,
			EntityID:   inquiry.ID,
			Details:    map[string]any{"leadId": d.lead.ID, "code": inquiry.Code},
			At:         d.at,
		},
	}
}

// claimTransactional wins the lead before drawing a sequence, so a lost race
// neither materializes an inquiry nor consumes a code.
func (c *Coordinator) claimTransactional(ctx context.Context, d claimDraft) (Inquiry, error) {
	var inquiry Inquiry
	err := c.backend.WithinTx(ctx, func(tx ClaimTx) error {
		ok, err := tx.ConditionalUpdate(ctx, claimTransition(d.lead.ID, d.actorID, d.at))
		if err != nil {
			return storageErr("claim lead", err)
		}
		if !ok {
			return ErrClaimConflict
		}
		seq, err := tx.NextCounterValue(ctx, CategoryInquiry, DateKey(d.date))
		if err != nil {
			return storageErr("next counter value", err)
		}
		code, err := c.formatter.Format(CategoryInquiry, d.date, seq)
		if err != nil {
			return err
		}
		inquiry = c.inquiryFor(d, code)
		if err := tx.InsertInquiry(ctx, inquiry); err != nil {
			return storageErr("insert inquiry", err)
		}
		for _, entry := range c.activityFor(d, inquiry) {
			if err := tx.AppendActivity(ctx, entry); err != nil {
				return storageErr("append activity", err)
			}
		}
		return nil
	})
	if err != nil {
		return Inquiry{}, storageErr("commit claim", err)
	}
	return inquiry, nil
}

// claimCompensating materializes the inquiry first and takes the lead second.
// Losing the lead deletes the inquiry again; the drawn code stays burned.
func (c *Coordinator) claimCompensating(ctx context.Context, d claimDraft) (Inquiry, error) {
	code, err := c.MintIdentifier(ctx, CategoryInquiry, d.date)
	if err != nil {
		return Inquiry{}, err
	}
	inquiry := c.inquiryFor(d, code)
	if err := c.backend.InsertInquiry(ctx, inquiry); err != nil {
		return Inquiry{}, storageErr("insert inquiry", err)
	}

	ok, casErr := c.backend.ConditionalUpdate(ctx, claimTransition(d.lead.ID, d.actorID, d.at))
	if casErr != nil {
		// The update may have landed before the error surfaced; the lead row
		// is the only authority on who holds it.
		current, readErr := c.backend.GetLead(ctx, d.lead.ID)
		if readErr == nil && current.IsClaimed && current.ClaimedBy == d.actorID &&
			current.ClaimedAt != nil && current.ClaimedAt.Equal(d.at) {
			ok, casErr = true, nil
		}
	}
	if casErr != nil {
		return Inquiry{}, c.compensate(ctx, inquiry, storageErr("claim lead", casErr))
	}
	if !ok {
		return Inquiry{}, c.compensate(ctx, inquiry, ErrClaimConflict)
	}

	// The claim is durable from here on; a missing audit row does not undo it.
	for _, entry := range c.activityFor(d, inquiry) {
		if err := c.backend.AppendActivity(ctx, entry); err != nil {
			c.logger.Error("append activity after claim failed",
				"action", entry.Action, "entity_id", entry.EntityID, "error", err)
		}
	}
	return inquiry, nil
}

func (c *Coordinator) compensate(ctx context.Context, inquiry Inquiry, cause error) error {
	// The caller's context may already be done; the delete still has to run.
	delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sqlOperationTimeout)
	defer cancel()
	if err := c.backend.DeleteInquiry(delCtx, inquiry.ID); err != nil {
		c.logger.Error("compensating delete failed; inquiry needs manual reconciliation",
			"inquiry_id", inquiry.ID, "code", inquiry.Code, "lead_id", inquiry.LeadID, "cause", cause, "error", err)
		return &CompensationError{InquiryID: inquiry.ID, Code: inquiry.Code, Cause: cause, Err: err}
	}
	return cause
}

const reconcileBatch = 500

// backsClaim reports whether inquiry is the one the lead's claim produced.
// A claim writes claimed_at and the inquiry's created_at from one instant.
func backsClaim(inquiry Inquiry, lead Lead) bool {
	return lead.IsClaimed && lead.ClaimedBy == inquiry.OwnerID &&
		lead.ClaimedAt != nil && lead.ClaimedAt.Equal(inquiry.CreatedAt)
}

// ReconcileOrphans deletes inquiries older than grace that no claim accounts
// for. They are left behind when a compensating claim dies between inserting
// the inquiry and settling the lead. Each candidate is checked against a
// fresh read of its lead before it is removed.
func (c *Coordinator) ReconcileOrphans(ctx context.Context, grace time.Duration) (int, error) {
	if grace <= 0 {
		return 0, fmt.Errorf("%w: orphan grace period must be positive", ErrInvalidInput)
	}
	cutoff := c.now().UTC().Add(-grace)
	candidates, err := c.backend.ListOrphanCandidates(ctx, cutoff, reconcileBatch)
	if err != nil {
		return 0, storageErr("list orphan inquiries", err)
	}
	deleted := 0
	for _, inquiry := range candidates {
		lead, err := c.backend.GetLead(ctx, inquiry.LeadID)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return deleted, storageErr("reconcile inquiry", err)
		case backsClaim(inquiry, lead):
			continue
		}
		if err := c.backend.DeleteInquiry(ctx, inquiry.ID); err != nil {
			return deleted, storageErr("delete orphan inquiry", err)
		}
		deleted++
		c.logger.Warn("deleted orphaned inquiry",
			"inquiry_id", inquiry.ID, "code", inquiry.Code, "lead_id", inquiry.LeadID, "owner_id", inquiry.OwnerID)
		if err := c.backend.AppendActivity(ctx, ActivityEntry{
			ID:         c.newID(),
			ActorID:    inquiry.OwnerID,
			Action:     ActionInquiryReconciled,
			EntityType: EntityInquiry,
			EntityID:   inquiry.ID,
			Details:    map[string]any{"code": inquiry.Code, "leadId": inquiry.LeadID},
			At:         c.now().UTC().Truncate(time.Microsecond),
		}); err != nil {
			c.logger.Error("append reconcile activity failed", "inquiry_id", inquiry.ID, "error", err)
		}
	}
	return deleted, nil
}
