package models

import (
	"time"

	"github.com/google/uuid"
)

// CustomerStatus is the lifecycle state of a Customer. StatusMerged is a
// tombstone: a merged record is never returned by a live lookup again.
type CustomerStatus string

const (
	CustomerNew    CustomerStatus = "new"
	CustomerActive CustomerStatus = "active"
	// CustomerReview marks a candidate created because the inbound
	// identifiers pointed at different customers.
	CustomerReview CustomerStatus = "review"
	CustomerMerged CustomerStatus = "merged"
)

// ChannelIdentity is one per-platform slot on a Customer.
type ChannelIdentity struct {
	ID        string `json:"id,omitempty"`
	Username  string `json:"username,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// IsZero reports whether the slot holds no identifier.
func (ci ChannelIdentity) IsZero() bool {
	return ci.ID == ""
}

// Customer is the canonical record for one real customer of one tenant.
//
// Identifier columns are plain strings; "" means unset. The per-platform slots
// live on the row (not in a side table) so each channel lookup is a single
// indexed equality match.
type Customer struct {
	ID              uuid.UUID       `json:"id"`
	TenantID        uuid.UUID       `json:"tenant_id"`
	DisplayName     string          `json:"display_name,omitempty"`
	Phone           string          `json:"phone,omitempty"`
	PhoneNormalized string          `json:"phone_normalized,omitempty"`
	Email           string          `json:"email,omitempty"`
	AvatarURL       string          `json:"avatar_url,omitempty"`
	Instagram       ChannelIdentity `json:"instagram"`
	Facebook        ChannelIdentity `json:"facebook"`
	TikTok          ChannelIdentity `json:"tiktok"`
	Status          CustomerStatus  `json:"status"`
	MergedIntoID    *uuid.UUID      `json:"merged_into_id,omitempty"`
	DeletedAt       *time.Time      `json:"deleted_at,omitempty"`

	LastInteractionAt *time.Time `json:"last_interaction_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// IsLive reports whether the record can take part in resolution.
func (c *Customer) IsLive() bool {
	return c != nil && c.Status != CustomerMerged && c.DeletedAt == nil
}

// Identifier returns the stored value for kind ("" when unset).
func (c *Customer) Identifier(kind IdentifierKind) string {
	switch kind {
	case KindPhone:
		return c.PhoneNormalized
	case KindEmail:
		return c.Email
	}
	if slot := c.Slot(kind); slot != nil {
		return slot.ID
	}
	return ""
}

// Slot returns the channel identity slot for a platform kind, or nil for
// phone and email which are plain columns.
func (c *Customer) Slot(kind IdentifierKind) *ChannelIdentity {
	switch kind {
	case KindInstagram:
		return &c.Instagram
	case KindFacebook:
		return &c.Facebook
	case KindTikTok:
		return &c.TikTok
	}
	return nil
}

// ConversationStatus is a state of the conversation state machine.
type ConversationStatus string

const (
	ConversationActive    ConversationStatus = "active"
	ConversationPending   ConversationStatus = "pending"
	ConversationEscalated ConversationStatus = "escalated"
	ConversationResolved  ConversationStatus = "resolved"
	ConversationArchived  ConversationStatus = "archived"
)

// Valid reports whether s is a known conversation status.
func (s ConversationStatus) Valid() bool {
	switch s {
	case ConversationActive, ConversationPending, ConversationEscalated, ConversationResolved, ConversationArchived:
		return true
	}
	return false
}

// Conversation is one timeline between a customer and the tenant on a channel.
type Conversation struct {
	ID            uuid.UUID          `json:"id"`
	TenantID      uuid.UUID          `json:"tenant_id"`
	CustomerID    uuid.UUID          `json:"customer_id"`
	Channel       Channel            `json:"channel"`
	Status        ConversationStatus `json:"status"`
	MessageCount  int64              `json:"message_count"`
	LastMessageAt *time.Time         `json:"last_message_at,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type SenderType string

const (
	SenderCustomer  SenderType = "customer"
	SenderAgent     SenderType = "agent"
	SenderAutomated SenderType = "automated"
)

type MessageType string

const (
	MessageText      MessageType = "text"
	MessageImage     MessageType = "image"
	MessageAudio     MessageType = "audio"
	MessageVideo     MessageType = "video"
	MessageFile      MessageType = "file"
	MessageLocation  MessageType = "location"
	MessageVoiceCall MessageType = "voice_call"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageAudio, MessageVideo, MessageFile, MessageLocation, MessageVoiceCall:
		return true
	}
	return false
}

type DeliveryStatus string

const (
	DeliveryReceived  DeliveryStatus = "received"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryRead      DeliveryStatus = "read"
	DeliveryFailed    DeliveryStatus = "failed"
)

// Message is one inbound or outbound communication unit.
//
// ExternalID is the upstream delivery id. When set it is unique across all
// messages and is the idempotency key for ingestion.
type Message struct {
	ID             int64          `json:"id"`
	TenantID       uuid.UUID      `json:"tenant_id"`
	ConversationID uuid.UUID      `json:"conversation_id"`
	CustomerID     uuid.UUID      `json:"customer_id"`
	Direction      Direction      `json:"direction"`
	SenderType     SenderType     `json:"sender_type"`
	MessageType    MessageType    `json:"message_type"`
	Body           string         `json:"body"`
	Channel        Channel        `json:"channel"`
	ExternalID     *string        `json:"external_id,omitempty"`
	DeliveryStatus DeliveryStatus `json:"delivery_status"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Appointment is owned by the scheduling subsystem; the core only re-points
// CustomerID during a merge.
type Appointment struct {
	ID         uuid.UUID `json:"id"`
	TenantID   uuid.UUID `json:"tenant_id"`
	CustomerID uuid.UUID `json:"customer_id"`
	StartsAt   time.Time `json:"starts_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// LoyaltyRedemption is owned by the loyalty subsystem; re-pointed on merge.
type LoyaltyRedemption struct {
	ID         uuid.UUID `json:"id"`
	CustomerID uuid.UUID `json:"customer_id"`
	ProgramID  uuid.UUID `json:"program_id"`
	Points     int64     `json:"points"`
	CreatedAt  time.Time `json:"created_at"`
}

// LoyaltyBalance is the running point total of one customer in one program.
// At most one row exists per (CustomerID, ProgramID).
type LoyaltyBalance struct {
	ID            uuid.UUID `json:"id"`
	CustomerID    uuid.UUID `json:"customer_id"`
	ProgramID     uuid.UUID `json:"program_id"`
	CurrentPoints int64     `json:"current_points"`
	EarnedPoints  int64     `json:"earned_points"`
	SpentPoints   int64     `json:"spent_points"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type LoyaltyTransaction struct {
	ID         uuid.UUID `json:"id"`
	BalanceID  uuid.UUID `json:"balance_id"`
	CustomerID uuid.UUID `json:"customer_id"`
	Points     int64     `json:"points"`
	Kind       string    `json:"kind"`
	CreatedAt  time.Time `json:"created_at"`
}

// MergeAudit is the insert-only record of one successful merge.
type MergeAudit struct {
	ID                    uuid.UUID `json:"id"`
	TenantID              uuid.UUID `json:"tenant_id"`
	PrimaryID             uuid.UUID `json:"primary_id"`
	SecondaryID           uuid.UUID `json:"secondary_id"`
	ConversationsMoved    int       `json:"conversations_moved"`
	MessagesMoved         int       `json:"messages_moved"`
	AppointmentsMoved     int       `json:"appointments_moved"`
	RedemptionsMoved      int       `json:"redemptions_moved"`
	LoyaltyProgramsMerged int       `json:"loyalty_programs_merged"`
	LoyaltyMerged         bool      `json:"loyalty_merged"`
	Outcome               string    `json:"outcome"`
	PerformedBy           string    `json:"performed_by,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
}

// IdentityReview flags a candidate customer created instead of guessing
// between conflicting matches. Support staff reconcile it, usually by merge.
type IdentityReview struct {
	ID             uuid.UUID         `json:"id"`
	TenantID       uuid.UUID         `json:"tenant_id"`
	CandidateID    uuid.UUID         `json:"candidate_id"`
	ConflictingIDs []uuid.UUID       `json:"conflicting_ids"`
	Identifiers    map[string]string `json:"identifiers"`
	CreatedAt      time.Time         `json:"created_at"`
}
