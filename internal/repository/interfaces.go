package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/echocore/internal/models"
)

// Every method takes ctx first: a cancelled request cancels the query and,
// inside InTx, rolls the whole unit back.
//
// Lookups follow one convention: a missing row is (nil, nil). Methods whose
// name says Live only ever return records that are neither merged nor
// soft-deleted, so callers never filter tombstones themselves.

// Store hands out atomic units of work over the shared tables.
type Store interface {
	// InTx runs fn in one transaction. A non-nil error from fn (or a
	// cancelled ctx) rolls back every write fn made.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// View runs fn against a read-only snapshot.
	View(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the set of repositories bound to one transaction.
type Tx interface {
	CustomerRepository
	ConversationRepository
	MessageRepository
	LoyaltyRepository
	AuditRepository
	Locker
}

// Locker provides named mutual exclusion scoped to the transaction.
type Locker interface {
	// LockKey blocks until the named lock is held; it is released when the
	// transaction ends.
	LockKey(ctx context.Context, key string) error
}

// CustomerRepository owns the identity store.
type CustomerRepository interface {
	// GetCustomer returns a record in any status.
	GetCustomer(ctx context.Context, id uuid.UUID) (*models.Customer, error)

	// LockCustomers locks the given rows for the rest of the transaction,
	// always in ascending id order, and returns those that exist.
	LockCustomers(ctx context.Context, ids ...uuid.UUID) ([]*models.Customer, error)

	// FindLiveByIdentifier matches one normalised identifier within a tenant.
	FindLiveByIdentifier(ctx context.Context, tenantID uuid.UUID, kind models.IdentifierKind, value string) (*models.Customer, error)

	// CreateCustomer inserts c and fills ID/CreatedAt/UpdatedAt. It returns
	// errs.ErrAlreadyClaimed when an identifier is already owned.
	CreateCustomer(ctx context.Context, c *models.Customer) error

	// UpdateCustomerProfile writes identifier and profile columns of c.
	// It returns errs.ErrAlreadyClaimed when an identifier is already owned.
	UpdateCustomerProfile(ctx context.Context, c *models.Customer) error

	// MarkCustomerMerged tombstones id and points it at survivorID.
	MarkCustomerMerged(ctx context.Context, id, survivorID uuid.UUID, at time.Time) error

	// TouchCustomer records an interaction and promotes new records to active.
	TouchCustomer(ctx context.Context, id uuid.UUID, at time.Time) error
}

// ConversationRepository owns conversation threads.
type ConversationRepository interface {
	// GetConversationForUpdate locks and returns a thread of the tenant.
	GetConversationForUpdate(ctx context.Context, tenantID, id uuid.UUID) (*models.Conversation, error)

	// LatestConversationForUpdate locks and returns the most recently active
	// thread of a customer on a channel, whatever its status.
	LatestConversationForUpdate(ctx context.Context, customerID uuid.UUID, channel models.Channel) (*models.Conversation, error)

	CreateConversation(ctx context.Context, conv *models.Conversation) error

	SetConversationStatus(ctx context.Context, id uuid.UUID, status models.ConversationStatus, at time.Time) error

	// RecordConversationMessage bumps the counter and last-message time.
	RecordConversationMessage(ctx context.Context, id uuid.UUID, at time.Time) error

	// ReassignConversations re-points every thread of from to to.
	ReassignConversations(ctx context.Context, from, to uuid.UUID) (int, error)

	// ArchiveResolvedBefore moves resolved threads idle since before cutoff
	// to archived.
	ArchiveResolvedBefore(ctx context.Context, tenantID uuid.UUID, cutoff time.Time) (int, error)

	ListConversationsByCustomer(ctx context.Context, customerID uuid.UUID) ([]models.Conversation, error)
}

// MessageRepository owns messages and the other customer-owned history rows
// a merge re-points.
type MessageRepository interface {
	GetMessageByExternalID(ctx context.Context, externalID string) (*models.Message, error)

	// InsertMessage stores m unless its ExternalID already exists. inserted
	// is false on such a duplicate and nothing is written.
	InsertMessage(ctx context.Context, m *models.Message) (inserted bool, err error)

	CountMessages(ctx context.Context, conversationID uuid.UUID) (int64, error)

	ReassignMessages(ctx context.Context, from, to uuid.UUID) (int, error)
	ReassignAppointments(ctx context.Context, from, to uuid.UUID) (int, error)
	ReassignLoyaltyRedemptions(ctx context.Context, from, to uuid.UUID) (int, error)
}

// LoyaltyRepository owns per-program balances and their transactions.
type LoyaltyRepository interface {
	// ListLoyaltyBalancesForUpdate locks and returns every balance of a customer.
	ListLoyaltyBalancesForUpdate(ctx context.Context, customerID uuid.UUID) ([]models.LoyaltyBalance, error)

	// AddLoyaltyTotals adds the given totals into an existing balance row.
	AddLoyaltyTotals(ctx context.Context, balanceID uuid.UUID, current, earned, spent int64) error

	// MoveLoyaltyTransactions moves every transaction of one balance to another.
	MoveLoyaltyTransactions(ctx context.Context, fromBalanceID, toBalanceID, toCustomerID uuid.UUID) (int, error)

	DeleteLoyaltyBalance(ctx context.Context, balanceID uuid.UUID) error

	// ReassignLoyaltyBalance hands a whole balance row (and its
	// transactions) to another customer.
	ReassignLoyaltyBalance(ctx context.Context, balanceID, toCustomerID uuid.UUID) error
}

// AuditRepository owns the insert-only merge and review logs.
type AuditRepository interface {
	InsertMergeAudit(ctx context.Context, a *models.MergeAudit) error

	// ListMergeAudits returns audits naming customerID on either side, newest first.
	ListMergeAudits(ctx context.Context, tenantID, customerID uuid.UUID) ([]models.MergeAudit, error)

	InsertIdentityReview(ctx context.Context, r *models.IdentityReview) error

	// OpenReviewCandidate returns the newest candidate flagged for exactly
	// this identifier set that is still live and awaiting review, or
	// uuid.Nil when there is none.
	OpenReviewCandidate(ctx context.Context, tenantID uuid.UUID, identifiers map[string]string) (uuid.UUID, error)
}
