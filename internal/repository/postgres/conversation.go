package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/lalith-99/echocore/internal/errs"
	"github.com/lalith-99/echocore/internal/models"
)

const conversationColumns = `id, tenant_id, customer_id, channel, status, message_count, last_message_at, created_at, updated_at`

type ConversationStore struct {
	db querier
}

func NewConversationStore(db querier) *ConversationStore {
	return &ConversationStore{db: db}
}

func scanConversation(row pgx.Row) (*models.Conversation, error) {
	var c models.Conversation
	if err := row.Scan(&c.ID, &c.TenantID, &c.CustomerID, &c.Channel, &c.Status,
		&c.MessageCount, &c.LastMessageAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *ConversationStore) GetConversationForUpdate(ctx context.Context, tenantID, id uuid.UUID) (*models.Conversation, error) {
	c, err := scanConversation(s.db.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1 AND tenant_id = $2 FOR UPDATE`,
		id, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("get conversation", err)
	}
	return c, nil
}

func (s *ConversationStore) LatestConversationForUpdate(ctx context.Context, customerID uuid.UUID, channel models.Channel) (*models.Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE customer_id = $1 AND channel = $2
		ORDER BY COALESCE(last_message_at, created_at) DESC, id DESC
		LIMIT 1
		FOR UPDATE`
	c, err := scanConversation(s.db.QueryRow(ctx, query, customerID, channel))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("latest conversation", err)
	}
	return c, nil
}

func (s *ConversationStore) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	if conv.ID == uuid.Nil {
		conv.ID = uuid.New()
	}
	if conv.Status == "" {
		conv.Status = models.ConversationActive
	}
	err := s.db.QueryRow(ctx, `
		INSERT INTO conversations (id, tenant_id, customer_id, channel, status, message_count, last_message_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		conv.ID, conv.TenantID, conv.CustomerID, conv.Channel, conv.Status, conv.MessageCount, conv.LastMessageAt,
	).Scan(&conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		return mapError("insert conversation", err)
	}
	return nil
}

func (s *ConversationStore) SetConversationStatus(ctx context.Context, id uuid.UUID, status models.ConversationStatus, at time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE conversations SET status = $2, updated_at = $3 WHERE id = $1`, id, status, at)
	if err != nil {
		return mapError("update conversation status", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversation %s: %w", id, errs.ErrNotFound)
	}
	return nil
}

func (s *ConversationStore) RecordConversationMessage(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE conversations
		SET message_count = message_count + 1, last_message_at = $2, updated_at = $2
		WHERE id = $1`, id, at)
	if err != nil {
		return mapError("record conversation message", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversation %s: %w", id, errs.ErrNotFound)
	}
	return nil
}

func (s *ConversationStore) ReassignConversations(ctx context.Context, from, to uuid.UUID) (int, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE conversations SET customer_id = $2, updated_at = now() WHERE customer_id = $1`, from, to)
	if err != nil {
		return 0, mapError("reassign conversations", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *ConversationStore) ArchiveResolvedBefore(ctx context.Context, tenantID uuid.UUID, cutoff time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE conversations
		SET status = 'archived', updated_at = now()
		WHERE tenant_id = $1
		  AND status = 'resolved'
		  AND GREATEST(updated_at, COALESCE(last_message_at, updated_at)) < $2`, tenantID, cutoff)
	if err != nil {
		return 0, mapError("archive conversations", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *ConversationStore) ListConversationsByCustomer(ctx context.Context, customerID uuid.UUID) ([]models.Conversation, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE customer_id = $1 ORDER BY created_at`, customerID)
	if err != nil {
		return nil, mapError("list conversations", err)
	}
	defer rows.Close()

	convs := make([]models.Conversation, 0)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, mapError("scan conversation", err)
		}
		convs = append(convs, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("iterate conversations", err)
	}
	return convs, nil
}
