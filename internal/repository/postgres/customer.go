package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/lalith-99/echocore/internal/errs"
	"github.com/lalith-99/echocore/internal/models"
)

// Identifier columns are NULL when unset so the partial unique indexes
// ignore them; reads COALESCE back to "".
const customerColumns = `
	id, tenant_id, display_name, phone, COALESCE(phone_normalized, ''), COALESCE(email, ''), avatar_url,
	COALESCE(instagram_id, ''), instagram_username, instagram_avatar_url,
	COALESCE(facebook_id, ''), facebook_username, facebook_avatar_url,
	COALESCE(tiktok_id, ''), tiktok_username, tiktok_avatar_url,
	status, merged_into_id, deleted_at, last_interaction_at, created_at, updated_at`

// liveFilter matches the predicate of the live-identifier indexes.
const liveFilter = `status <> 'merged' AND deleted_at IS NULL`

type CustomerStore struct {
	db querier
}

func NewCustomerStore(db querier) *CustomerStore {
	return &CustomerStore{db: db}
}

func scanCustomer(row pgx.Row) (*models.Customer, error) {
	var c models.Customer
	err := row.Scan(
		&c.ID, &c.TenantID, &c.DisplayName, &c.Phone, &c.PhoneNormalized, &c.Email, &c.AvatarURL,
		&c.Instagram.ID, &c.Instagram.Username, &c.Instagram.AvatarURL,
		&c.Facebook.ID, &c.Facebook.Username, &c.Facebook.AvatarURL,
		&c.TikTok.ID, &c.TikTok.Username, &c.TikTok.AvatarURL,
		&c.Status, &c.MergedIntoID, &c.DeletedAt, &c.LastInteractionAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *CustomerStore) GetCustomer(ctx context.Context, id uuid.UUID) (*models.Customer, error) {
	c, err := scanCustomer(s.db.QueryRow(ctx, `SELECT `+customerColumns+` FROM customers WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("get customer", err)
	}
	return c, nil
}

func (s *CustomerStore) LockCustomers(ctx context.Context, ids ...uuid.UUID) ([]*models.Customer, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	sorted := append([]uuid.UUID(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].String() < sorted[j].String() })

	// ORDER BY sits below the row-lock step, so rows are locked in id order
	// and two transactions locking the same pair cannot deadlock.
	rows, err := s.db.Query(ctx,
		`SELECT `+customerColumns+` FROM customers WHERE id = ANY($1) ORDER BY id FOR UPDATE`, sorted)
	if err != nil {
		return nil, mapError("lock customers", err)
	}
	defer rows.Close()

	var out []*models.Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, mapError("scan customer", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("lock customers", err)
	}
	return out, nil
}

// identifierColumn maps a kind to its column. Only closed-set values reach
// the query text.
func identifierColumn(kind models.IdentifierKind) (string, error) {
	switch kind {
	case models.KindPhone:
		return "phone_normalized", nil
	case models.KindEmail:
		return "email", nil
	case models.KindInstagram:
		return "instagram_id", nil
	case models.KindFacebook:
		return "facebook_id", nil
	case models.KindTikTok:
		return "tiktok_id", nil
	}
	return "", fmt.Errorf("%w: unknown identifier kind %q", errs.ErrInvalidInput, kind)
}

func (s *CustomerStore) FindLiveByIdentifier(ctx context.Context, tenantID uuid.UUID, kind models.IdentifierKind, value string) (*models.Customer, error) {
	col, err := identifierColumn(kind)
	if err != nil {
		return nil, err
	}
	if value == "" {
		return nil, nil
	}
	query := `SELECT ` + customerColumns + ` FROM customers
		WHERE tenant_id = $1 AND ` + col + ` = $2 AND ` + liveFilter
	c, err := scanCustomer(s.db.QueryRow(ctx, query, tenantID, value))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("find customer by "+string(kind), err)
	}
	return c, nil
}

func (s *CustomerStore) CreateCustomer(ctx context.Context, c *models.Customer) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Status == "" {
		c.Status = models.CustomerNew
	}
	query := `
		INSERT INTO customers (
			id, tenant_id, display_name, phone, phone_normalized, email, avatar_url,
			instagram_id, instagram_username, instagram_avatar_url,
			facebook_id, facebook_username, facebook_avatar_url,
			tiktok_id, tiktok_username, tiktok_avatar_url,
			status, last_interaction_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7,
			NULLIF($8, ''), $9, $10,
			NULLIF($11, ''), $12, $13,
			NULLIF($14, ''), $15, $16,
			$17, $18)
		RETURNING created_at, updated_at`

	err := s.db.QueryRow(ctx, query,
		c.ID, c.TenantID, c.DisplayName, c.Phone, c.PhoneNormalized, c.Email, c.AvatarURL,
		c.Instagram.ID, c.Instagram.Username, c.Instagram.AvatarURL,
		c.Facebook.ID, c.Facebook.Username, c.Facebook.AvatarURL,
		c.TikTok.ID, c.TikTok.Username, c.TikTok.AvatarURL,
		c.Status, c.LastInteractionAt,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return mapCustomerWriteError("insert customer", err)
	}
	return nil
}

func (s *CustomerStore) UpdateCustomerProfile(ctx context.Context, c *models.Customer) error {
	query := `
		UPDATE customers SET
			display_name = $2, phone = $3, phone_normalized = NULLIF($4, ''), email = NULLIF($5, ''), avatar_url = $6,
			instagram_id = NULLIF($7, ''), instagram_username = $8, instagram_avatar_url = $9,
			facebook_id = NULLIF($10, ''), facebook_username = $11, facebook_avatar_url = $12,
			tiktok_id = NULLIF($13, ''), tiktok_username = $14, tiktok_avatar_url = $15,
			updated_at = now()
		WHERE id = $1
		RETURNING updated_at`

	err := s.db.QueryRow(ctx, query,
		c.ID, c.DisplayName, c.Phone, c.PhoneNormalized, c.Email, c.AvatarURL,
		c.Instagram.ID, c.Instagram.Username, c.Instagram.AvatarURL,
		c.Facebook.ID, c.Facebook.Username, c.Facebook.AvatarURL,
		c.TikTok.ID, c.TikTok.Username, c.TikTok.AvatarURL,
	).Scan(&c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("update customer %s: %w", c.ID, errs.ErrNotFound)
	}
	if err != nil {
		return mapCustomerWriteError("update customer", err)
	}
	return nil
}

func (s *CustomerStore) MarkCustomerMerged(ctx context.Context, id, survivorID uuid.UUID, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE customers
		SET status = 'merged', merged_into_id = $2, deleted_at = $3, updated_at = $3
		WHERE id = $1`, id, survivorID, at)
	if err != nil {
		return mapError("mark customer merged", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark customer %s merged: %w", id, errs.ErrNotFound)
	}
	return nil
}

func (s *CustomerStore) TouchCustomer(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE customers
		SET last_interaction_at = $2,
			status = CASE WHEN status = 'new' THEN 'active' ELSE status END,
			updated_at = $2
		WHERE id = $1`, id, at)
	if err != nil {
		return mapError("touch customer", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("touch customer %s: %w", id, errs.ErrNotFound)
	}
	return nil
}
