// Package memory is an in-process implementation of repository.Store.
//
// Transactions are serialised through a single slot and run against a copy
// of the state that replaces the live state only when fn succeeds, which
// gives the same all-or-nothing behaviour as the Postgres store. Named locks
// and row locks are therefore satisfied by construction.
package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/echocore/internal/errs"
	"github.com/lalith-99/echocore/internal/models"
	"github.com/lalith-99/echocore/internal/repository"
)

type state struct {
	customers     map[uuid.UUID]models.Customer
	conversations map[uuid.UUID]models.Conversation
	messages      map[int64]models.Message
	externalIndex map[string]int64
	nextMessageID int64
	appointments  map[uuid.UUID]models.Appointment
	redemptions   map[uuid.UUID]models.LoyaltyRedemption
	balances      map[uuid.UUID]models.LoyaltyBalance
	loyaltyTxns   map[uuid.UUID]models.LoyaltyTransaction
	audits        []models.MergeAudit
	reviews       []models.IdentityReview
}

func newState() *state {
	return &state{
		customers:     map[uuid.UUID]models.Customer{},
		conversations: map[uuid.UUID]models.Conversation{},
		messages:      map[int64]models.Message{},
		externalIndex: map[string]int64{},
		appointments:  map[uuid.UUID]models.Appointment{},
		redemptions:   map[uuid.UUID]models.LoyaltyRedemption{},
		balances:      map[uuid.UUID]models.LoyaltyBalance{},
		loyaltyTxns:   map[uuid.UUID]models.LoyaltyTransaction{},
	}
}

func (s *state) clone() *state {
	out := &state{
		customers:     make(map[uuid.UUID]models.Customer, len(s.customers)),
		conversations: make(map[uuid.UUID]models.Conversation, len(s.conversations)),
		messages:      make(map[int64]models.Message, len(s.messages)),
		externalIndex: make(map[string]int64, len(s.externalIndex)),
		nextMessageID: s.nextMessageID,
		appointments:  make(map[uuid.UUID]models.Appointment, len(s.appointments)),
		redemptions:   make(map[uuid.UUID]models.LoyaltyRedemption, len(s.redemptions)),
		balances:      make(map[uuid.UUID]models.LoyaltyBalance, len(s.balances)),
		loyaltyTxns:   make(map[uuid.UUID]models.LoyaltyTransaction, len(s.loyaltyTxns)),
		audits:        append([]models.MergeAudit(nil), s.audits...),
		reviews:       append([]models.IdentityReview(nil), s.reviews...),
	}
	for k, v := range s.customers {
		out.customers[k] = copyCustomer(v)
	}
	for k, v := range s.conversations {
		out.conversations[k] = v
	}
	for k, v := range s.messages {
		out.messages[k] = v
	}
	for k, v := range s.externalIndex {
		out.externalIndex[k] = v
	}
	for k, v := range s.appointments {
		out.appointments[k] = v
	}
	for k, v := range s.redemptions {
		out.redemptions[k] = v
	}
	for k, v := range s.balances {
		out.balances[k] = v
	}
	for k, v := range s.loyaltyTxns {
		out.loyaltyTxns[k] = v
	}
	return out
}

// Store is safe for concurrent use.
type Store struct {
	slot  chan struct{}
	state *state
	now   func() time.Time
}

var (
	_ repository.Store = (*Store)(nil)
	_ repository.Tx    = (*tx)(nil)
)

func New() *Store {
	return &Store{
		slot:  make(chan struct{}, 1),
		state: newState(),
		now:   time.Now,
	}
}

func (s *Store) acquire(ctx context.Context) error {
	select {
	case s.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for transaction slot: %w: %w", errs.ErrConcurrencyConflict, ctx.Err())
	}
}

func (s *Store) release() {
	<-s.slot
}

func (s *Store) InTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	working := s.state.clone()
	if err := fn(&tx{st: working, now: s.now}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return errs.Storage("commit", err)
	}
	s.state = working
	return nil
}

func (s *Store) View(ctx context.Context, fn func(tx repository.Tx) error) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	return fn(&tx{st: s.state.clone(), now: s.now, readOnly: true})
}

// The Put helpers write rows owned by subsystems outside this module
// (loyalty, scheduling) and fixture customers. They bypass transactions.

func (s *Store) PutCustomer(c models.Customer) {
	s.slot <- struct{}{}
	defer s.release()
	if c.Status == "" {
		c.Status = models.CustomerActive
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
		c.UpdatedAt = c.CreatedAt
	}
	s.state.customers[c.ID] = copyCustomer(c)
}

func (s *Store) PutConversation(c models.Conversation) {
	s.slot <- struct{}{}
	defer s.release()
	s.state.conversations[c.ID] = c
}

func (s *Store) PutAppointment(a models.Appointment) {
	s.slot <- struct{}{}
	defer s.release()
	s.state.appointments[a.ID] = a
}

func (s *Store) PutLoyaltyRedemption(r models.LoyaltyRedemption) {
	s.slot <- struct{}{}
	defer s.release()
	s.state.redemptions[r.ID] = r
}

func (s *Store) PutLoyaltyBalance(b models.LoyaltyBalance) {
	s.slot <- struct{}{}
	defer s.release()
	s.state.balances[b.ID] = b
}

func (s *Store) PutLoyaltyTransaction(t models.LoyaltyTransaction) {
	s.slot <- struct{}{}
	defer s.release()
	s.state.loyaltyTxns[t.ID] = t
}

// LoyaltyTransactions returns the transactions attached to a balance row.
func (s *Store) LoyaltyTransactions(balanceID uuid.UUID) []models.LoyaltyTransaction {
	s.slot <- struct{}{}
	defer s.release()
	var out []models.LoyaltyTransaction
	for _, t := range s.state.loyaltyTxns {
		if t.BalanceID == balanceID {
			out = append(out, t)
		}
	}
	return out
}

// IdentityReviews returns every review flag recorded so far.
func (s *Store) IdentityReviews() []models.IdentityReview {
	s.slot <- struct{}{}
	defer s.release()
	return append([]models.IdentityReview(nil), s.state.reviews...)
}

// CustomerCount returns how many customer rows exist in a tenant, tombstones included.
func (s *Store) CustomerCount(tenantID uuid.UUID) int {
	s.slot <- struct{}{}
	defer s.release()
	n := 0
	for _, c := range s.state.customers {
		if c.TenantID == tenantID {
			n++
		}
	}
	return n
}

func copyCustomer(c models.Customer) models.Customer {
	if c.MergedIntoID != nil {
		id := *c.MergedIntoID
		c.MergedIntoID = &id
	}
	if c.DeletedAt != nil {
		t := *c.DeletedAt
		c.DeletedAt = &t
	}
	if c.LastInteractionAt != nil {
		t := *c.LastInteractionAt
		c.LastInteractionAt = &t
	}
	return c
}
