package claimrelay

import (
	"time"
)

const (
	CategoryInquiry  = "inquiry"
	CategoryLead     = "lead"
	CategoryTicket   = "ticket"
	CategoryProposal = "proposal"
	CategoryContract = "contract"
)

const (
	EntityLead         = "lead"
	EntityInquiry      = "inquiry"
	EntityNotification = "notification"
)

const (
	ActionLeadClaimed    = "lead.claimed"
	ActionInquiryCreated = "inquiry.created"
	ActionLeadCreated    = "lead.created"

	ActionInquiryReconciled = "inquiry.reconciled"
)

const (
	EventLeadClaimed       = "lead:claimed"
	EventLeadCreated       = "lead:created"
	EventInquiryCreated    = "inquiry:created"
	EventNotificationNew   = "notification:new"
	EventNotificationsRead = "notification:read"
)

const (
	NotificationInquiryCreated = "inquiry_created"
	NotificationLeadClaimed    = "lead_claimed"
	NotificationSystem         = "system"
)

type Lead struct {
	ID          string     `json:"id"`
	ContactName string     `json:"contactName"`
	Email       string     `json:"email,omitempty"`
	Phone       string     `json:"phone,omitempty"`
	Company     string     `json:"company,omitempty"`
	Source      string     `json:"source,omitempty"`
	Message     string     `json:"message,omitempty"`
	CreatedBy   string     `json:"createdBy,omitempty"`
	IsClaimed   bool       `json:"isClaimed"`
	ClaimedBy   string     `json:"claimedBy,omitempty"`
	ClaimedAt   *time.Time `json:"claimedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

type Inquiry struct {
	ID          string         `json:"id"`
	LeadID      string         `json:"leadId"`
	Code        string         `json:"code"`
	ContactName string         `json:"contactName"`
	Email       string         `json:"email,omitempty"`
	Phone       string         `json:"phone,omitempty"`
	Company     string         `json:"company,omitempty"`
	Source      string         `json:"source,omitempty"`
	Message     string         `json:"message,omitempty"`
	OwnerID     string         `json:"ownerId"`
	AssignedTo  string         `json:"assignedTo,omitempty"`
	IsAssigned  bool           `json:"isAssigned"`
	IsComplete  bool           `json:"isComplete"`
	Extra       map[string]any `json:"extra,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

type Notification struct {
	ID                string         `json:"id"`
	ActorID           string         `json:"actorId"`
	Type              string         `json:"type"`
	Title             string         `json:"title"`
	Message           string         `json:"message"`
	RelatedEntityType string         `json:"relatedEntityType,omitempty"`
	RelatedEntityID   string         `json:"relatedEntityId,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	IsRead            bool           `json:"isRead"`
	ReadAt            *time.Time     `json:"readAt,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
}

// NotificationInput is the caller-supplied part of a Notification; identity,
// read state and timestamps are assigned by the store.
type NotificationInput struct {
	Type              string         `json:"type"`
	Title             string         `json:"title"`
	Message           string         `json:"message"`
	RelatedEntityType string         `json:"relatedEntityType,omitempty"`
	RelatedEntityID   string         `json:"relatedEntityId,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

type ActivityEntry struct {
	ID         string         `json:"id"`
	ActorID    string         `json:"actorId"`
	Action     string         `json:"action"`
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId"`
	Details    map[string]any `json:"details,omitempty"`
	At         time.Time      `json:"at"`
}

type LeadFilter struct {
	UnclaimedOnly bool
	Limit         int
}

type ActivityFilter struct {
	EntityType string
	EntityID   string
	ActorID    string
	Limit      int
}

type NotificationListOptions struct {
	UnreadOnly bool
	Limit      int
	Before     time.Time
}

// Transition describes a compare-and-swap on a single row: the columns in
// Expect must hold the given values for the columns in Set to be written.
type Transition struct {
	Entity string
	ID     string
	Expect map[string]any
	Set    map[string]any
}

const (
	FieldIsClaimed = "is_claimed"
	FieldClaimedBy = "claimed_by"
	FieldClaimedAt = "claimed_at"
)

func claimTransition(leadID, actorID string, at time.Time) Transition {
	return Transition{
		Entity: EntityLead,
		ID:     leadID,
		Expect: map[string]any{FieldIsClaimed: false},
		Set: map[string]any{
			FieldIsClaimed: true,
			FieldClaimedBy: actorID,
			FieldClaimedAt: at,
		},
	}
}

func copyAnyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
