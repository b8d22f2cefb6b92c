package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/lalith-99/echocore/internal/errs"
	"github.com/lalith-99/echocore/internal/models"
)

type LoyaltyStore struct {
	db querier
}

func NewLoyaltyStore(db querier) *LoyaltyStore {
	return &LoyaltyStore{db: db}
}

func (s *LoyaltyStore) ListLoyaltyBalancesForUpdate(ctx context.Context, customerID uuid.UUID) ([]models.LoyaltyBalance, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, customer_id, program_id, current_points, earned_points, spent_points, updated_at
		FROM loyalty_balances
		WHERE customer_id = $1
		ORDER BY program_id
		FOR UPDATE`, customerID)
	if err != nil {
		return nil, mapError("list loyalty balances", err)
	}
	defer rows.Close()

	balances := make([]models.LoyaltyBalance, 0)
	for rows.Next() {
		var b models.LoyaltyBalance
		if err := rows.Scan(&b.ID, &b.CustomerID, &b.ProgramID,
			&b.CurrentPoints, &b.EarnedPoints, &b.SpentPoints, &b.UpdatedAt); err != nil {
			return nil, mapError("scan loyalty balance", err)
		}
		balances = append(balances, b)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("iterate loyalty balances", err)
	}
	return balances, nil
}

func (s *LoyaltyStore) AddLoyaltyTotals(ctx context.Context, balanceID uuid.UUID, current, earned, spent int64) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE loyalty_balances
		SET current_points = current_points + $2,
			earned_points = earned_points + $3,
			spent_points = spent_points + $4,
			updated_at = now()
		WHERE id = $1`, balanceID, current, earned, spent)
	if err != nil {
		return mapError("add loyalty totals", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("loyalty balance %s: %w", balanceID, errs.ErrNotFound)
	}
	return nil
}

func (s *LoyaltyStore) MoveLoyaltyTransactions(ctx context.Context, fromBalanceID, toBalanceID, toCustomerID uuid.UUID) (int, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE loyalty_transactions
		SET balance_id = $2, customer_id = $3
		WHERE balance_id = $1`, fromBalanceID, toBalanceID, toCustomerID)
	if err != nil {
		return 0, mapError("move loyalty transactions", err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteLoyaltyBalance fails on the foreign key if transactions still
// reference the row.
func (s *LoyaltyStore) DeleteLoyaltyBalance(ctx context.Context, balanceID uuid.UUID) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM loyalty_balances WHERE id = $1`, balanceID); err != nil {
		return mapError("delete loyalty balance", err)
	}
	return nil
}

func (s *LoyaltyStore) ReassignLoyaltyBalance(ctx context.Context, balanceID, toCustomerID uuid.UUID) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE loyalty_balances SET customer_id = $2, updated_at = now() WHERE id = $1`, balanceID, toCustomerID)
	if err != nil {
		return mapError("reassign loyalty balance", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("loyalty balance %s: %w", balanceID, errs.ErrNotFound)
	}
	if _, err := s.db.Exec(ctx,
		`UPDATE loyalty_transactions SET customer_id = $2 WHERE balance_id = $1`, balanceID, toCustomerID); err != nil {
		return mapError("reassign loyalty transactions", err)
	}
	return nil
}
