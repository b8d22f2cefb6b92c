// Package merge consolidates two customer records and everything that
// references them into one surviving record.
package merge

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/echocore/internal/errs"
	"github.com/lalith-99/echocore/internal/events"
	"github.com/lalith-99/echocore/internal/identity"
	"github.com/lalith-99/echocore/internal/models"
	"github.com/lalith-99/echocore/internal/repository"
	"go.uber.org/zap"
)

const OutcomeMerged = "merged"

type Request struct {
	TenantID     uuid.UUID
	PrimaryID    uuid.UUID
	SecondaryID  uuid.UUID
	MergeLoyalty bool
	PerformedBy  string
}

// Result summarises what one merge moved.
type Result struct {
	AuditID               uuid.UUID `json:"audit_id"`
	PrimaryID             uuid.UUID `json:"primary_id"`
	SecondaryID           uuid.UUID `json:"secondary_id"`
	ConversationsMoved    int       `json:"conversations_moved"`
	MessagesMoved         int       `json:"messages_moved"`
	AppointmentsMoved     int       `json:"appointments_moved"`
	RedemptionsMoved      int       `json:"redemptions_moved"`
	LoyaltyProgramsMerged int       `json:"loyalty_programs_merged"`
	LoyaltyMerged         bool      `json:"loyalty_merged"`
}

type Engine struct {
	store     repository.Store
	publisher events.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

func NewEngine(store repository.Store, publisher events.Publisher, logger *zap.Logger) *Engine {
	return &Engine{store: store, publisher: publisher, logger: logger, now: time.Now}
}

// PairKey names the lock shared by every merge of the same two records,
// whichever side is primary.
//
// Why a named pair lock on top of the row locks?
//   - merge(A,B) and merge(B,A) must queue behind each other. Sorting the
//     two ids makes both calls ask for the same key, so the second one
//     waits and then fails validation because its partner is a tombstone.
//   - Merges of unrelated pairs hash to different keys and never block
//     each other or ingestion.
func PairKey(a, b uuid.UUID) string {
	x, y := a.String(), b.String()
	if y < x {
		x, y = y, x
	}
	return "merge:" + x + ":" + y
}

// Merge folds SecondaryID into PrimaryID in one transaction. Validation
// failures return before any write; any later failure rolls everything back.
func (e *Engine) Merge(ctx context.Context, req Request) (*Result, error) {
	if req.PrimaryID == uuid.Nil || req.SecondaryID == uuid.Nil {
		return nil, &errs.MergePairError{Reason: "both customer ids are required"}
	}
	if req.PrimaryID == req.SecondaryID {
		return nil, &errs.MergePairError{Reason: "primary and secondary are the same customer"}
	}

	var res Result
	err := e.store.InTx(ctx, func(tx repository.Tx) error {
		if err := tx.LockKey(ctx, PairKey(req.PrimaryID, req.SecondaryID)); err != nil {
			return fmt.Errorf("acquire merge lock: %w", err)
		}
		primary, secondary, err := lockPair(ctx, tx, req)
		if err != nil {
			return err
		}

		res = Result{PrimaryID: primary.ID, SecondaryID: secondary.ID}
		if res.ConversationsMoved, err = tx.ReassignConversations(ctx, secondary.ID, primary.ID); err != nil {
			return fmt.Errorf("reassign conversations: %w", err)
		}
		if res.MessagesMoved, err = tx.ReassignMessages(ctx, secondary.ID, primary.ID); err != nil {
			return fmt.Errorf("reassign messages: %w", err)
		}
		if res.AppointmentsMoved, err = tx.ReassignAppointments(ctx, secondary.ID, primary.ID); err != nil {
			return fmt.Errorf("reassign appointments: %w", err)
		}
		if res.RedemptionsMoved, err = tx.ReassignLoyaltyRedemptions(ctx, secondary.ID, primary.ID); err != nil {
			return fmt.Errorf("reassign loyalty redemptions: %w", err)
		}
		if req.MergeLoyalty {
			if res.LoyaltyProgramsMerged, err = mergeLoyalty(ctx, tx, primary.ID, secondary.ID); err != nil {
				return err
			}
			res.LoyaltyMerged = true
		}

		// Tombstone first, then copy. The live-identifier indexes only cover
		// records that are not merged, so once the secondary is a tombstone
		// its phone or email can be copied onto the primary inside the same
		// transaction. Copying first would trip the unique index against
		// the secondary itself. The tombstone keeps its identifiers for the
		// audit trail, and resolution never returns it.
		if err := tx.MarkCustomerMerged(ctx, secondary.ID, primary.ID, e.now()); err != nil {
			return fmt.Errorf("mark customer merged: %w", err)
		}
		if identity.FillIfEmpty(primary, secondary) {
			if err := tx.UpdateCustomerProfile(ctx, primary); err != nil {
				return fmt.Errorf("copy identifiers to primary: %w", err)
			}
		}

		audit := &models.MergeAudit{
			TenantID:              req.TenantID,
			PrimaryID:             primary.ID,
			SecondaryID:           secondary.ID,
			ConversationsMoved:    res.ConversationsMoved,
			MessagesMoved:         res.MessagesMoved,
			AppointmentsMoved:     res.AppointmentsMoved,
			RedemptionsMoved:      res.RedemptionsMoved,
			LoyaltyProgramsMerged: res.LoyaltyProgramsMerged,
			LoyaltyMerged:         res.LoyaltyMerged,
			Outcome:               OutcomeMerged,
			PerformedBy:           req.PerformedBy,
		}
		if err := tx.InsertMergeAudit(ctx, audit); err != nil {
			return fmt.Errorf("insert merge audit: %w", err)
		}
		res.AuditID = audit.ID
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("customers merged",
		zap.String("tenant_id", req.TenantID.String()),
		zap.String("primary_id", res.PrimaryID.String()),
		zap.String("secondary_id", res.SecondaryID.String()),
		zap.Int("conversations_moved", res.ConversationsMoved),
		zap.Int("messages_moved", res.MessagesMoved),
		zap.Bool("loyalty_merged", res.LoyaltyMerged),
	)

	ev := events.New(events.KindCustomerMerged, req.TenantID, res.PrimaryID).
		WithData("secondary_id", res.SecondaryID.String()).
		WithData("audit_id", res.AuditID.String())
	if err := e.publisher.Publish(ctx, ev); err != nil {
		e.logger.Warn("failed to publish merge event", zap.String("audit_id", res.AuditID.String()), zap.Error(err))
	}
	return &res, nil
}

// lockPair locks both rows in id order and checks they can be merged.
func lockPair(ctx context.Context, tx repository.Tx, req Request) (primary, secondary *models.Customer, err error) {
	rows, err := tx.LockCustomers(ctx, req.PrimaryID, req.SecondaryID)
	if err != nil {
		return nil, nil, fmt.Errorf("lock customers: %w", err)
	}
	for _, c := range rows {
		switch c.ID {
		case req.PrimaryID:
			primary = c
		case req.SecondaryID:
			secondary = c
		}
	}

	if primary == nil {
		return nil, nil, fmt.Errorf("primary customer %s: %w", req.PrimaryID, errs.ErrNotFound)
	}
	if secondary == nil {
		return nil, nil, fmt.Errorf("secondary customer %s: %w", req.SecondaryID, errs.ErrNotFound)
	}
	if primary.TenantID != secondary.TenantID {
		return nil, nil, &errs.MergePairError{Reason: "customers belong to different tenants"}
	}
	if primary.TenantID != req.TenantID {
		return nil, nil, fmt.Errorf("customers %s, %s: %w", req.PrimaryID, req.SecondaryID, errs.ErrNotFound)
	}
	if !primary.IsLive() {
		return nil, nil, &errs.MergePairError{Reason: fmt.Sprintf("primary %s is already merged", primary.ID)}
	}
	if !secondary.IsLive() {
		return nil, nil, &errs.MergePairError{Reason: fmt.Sprintf("secondary %s is already merged", secondary.ID)}
	}
	return primary, secondary, nil
}

// mergeLoyalty folds every secondary balance into the primary's balance for
// the same program, or hands the row over when the primary has none. Point
// totals are conserved. It returns how many programs were touched.
func mergeLoyalty(ctx context.Context, tx repository.Tx, primaryID, secondaryID uuid.UUID) (int, error) {
	primaryBalances, err := tx.ListLoyaltyBalancesForUpdate(ctx, primaryID)
	if err != nil {
		return 0, fmt.Errorf("list primary loyalty balances: %w", err)
	}
	secondaryBalances, err := tx.ListLoyaltyBalancesForUpdate(ctx, secondaryID)
	if err != nil {
		return 0, fmt.Errorf("list secondary loyalty balances: %w", err)
	}

	byProgram := make(map[uuid.UUID]models.LoyaltyBalance, len(primaryBalances))
	for _, b := range primaryBalances {
		byProgram[b.ProgramID] = b
	}

	for _, sb := range secondaryBalances {
		pb, ok := byProgram[sb.ProgramID]
		if !ok {
			if err := tx.ReassignLoyaltyBalance(ctx, sb.ID, primaryID); err != nil {
				return 0, fmt.Errorf("reassign loyalty balance %s: %w", sb.ID, err)
			}
			continue
		}
		if err := tx.AddLoyaltyTotals(ctx, pb.ID, sb.CurrentPoints, sb.EarnedPoints, sb.SpentPoints); err != nil {
			return 0, fmt.Errorf("add loyalty totals: %w", err)
		}
		if _, err := tx.MoveLoyaltyTransactions(ctx, sb.ID, pb.ID, primaryID); err != nil {
			return 0, fmt.Errorf("move loyalty transactions: %w", err)
		}
		if err := tx.DeleteLoyaltyBalance(ctx, sb.ID); err != nil {
			return 0, fmt.Errorf("delete loyalty balance: %w", err)
		}
	}
	return len(secondaryBalances), nil
}

// History returns the merge audits naming customerID on either side, newest
// first.
func (e *Engine) History(ctx context.Context, tenantID, customerID uuid.UUID) ([]models.MergeAudit, error) {
	var audits []models.MergeAudit
	err := e.store.View(ctx, func(tx repository.Tx) error {
		var err error
		audits, err = tx.ListMergeAudits(ctx, tenantID, customerID)
		if err != nil {
			return fmt.Errorf("list merge audits: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return audits, nil
}
