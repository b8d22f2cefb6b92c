package postgres

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/lalith-99/echocore/internal/models"
)

type MessageStore struct {
	db querier
}

func NewMessageStore(db querier) *MessageStore {
	return &MessageStore{db: db}
}

func (s *MessageStore) GetMessageByExternalID(ctx context.Context, externalID string) (*models.Message, error) {
	query := `
		SELECT id, tenant_id, conversation_id, customer_id, direction, sender_type,
			message_type, body, channel, external_id, delivery_status, created_at
		FROM messages
		WHERE external_id = $1`

	var msg models.Message
	err := s.db.QueryRow(ctx, query, externalID).Scan(
		&msg.ID,
		&msg.TenantID,
		&msg.ConversationID,
		&msg.CustomerID,
		&msg.Direction,
		&msg.SenderType,
		&msg.MessageType,
		&msg.Body,
		&msg.Channel,
		&msg.ExternalID,
		&msg.DeliveryStatus,
		&msg.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("get message by external id", err)
	}
	return &msg, nil
}

func (s *MessageStore) InsertMessage(ctx context.Context, m *models.Message) (bool, error) {
	// A concurrent insert of the same external id waits for the other
	// transaction and then hits the conflict, so exactly one row wins.
	query := `
		INSERT INTO messages (tenant_id, conversation_id, customer_id, direction, sender_type,
			message_type, body, channel, external_id, delivery_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (external_id) DO NOTHING
		RETURNING id, created_at`

	err := s.db.QueryRow(ctx, query,
		m.TenantID, m.ConversationID, m.CustomerID, m.Direction, m.SenderType,
		m.MessageType, m.Body, m.Channel, m.ExternalID, m.DeliveryStatus,
	).Scan(&m.ID, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, mapError("insert message", err)
	}
	return true, nil
}

func (s *MessageStore) CountMessages(ctx context.Context, conversationID uuid.UUID) (int64, error) {
	var n int64
	if err := s.db.QueryRow(ctx,
		`SELECT count(*) FROM messages WHERE conversation_id = $1`, conversationID).Scan(&n); err != nil {
		return 0, mapError("count messages", err)
	}
	return n, nil
}

func (s *MessageStore) ReassignMessages(ctx context.Context, from, to uuid.UUID) (int, error) {
	return s.reassign(ctx, "reassign messages",
		`UPDATE messages SET customer_id = $2 WHERE customer_id = $1`, from, to)
}

func (s *MessageStore) ReassignAppointments(ctx context.Context, from, to uuid.UUID) (int, error) {
	return s.reassign(ctx, "reassign appointments",
		`UPDATE appointments SET customer_id = $2 WHERE customer_id = $1`, from, to)
}

func (s *MessageStore) ReassignLoyaltyRedemptions(ctx context.Context, from, to uuid.UUID) (int, error) {
	return s.reassign(ctx, "reassign redemptions",
		`UPDATE loyalty_redemptions SET customer_id = $2 WHERE customer_id = $1`, from, to)
}

func (s *MessageStore) reassign(ctx context.Context, op, query string, from, to uuid.UUID) (int, error) {
	tag, err := s.db.Exec(ctx, query, from, to)
	if err != nil {
		return 0, mapError(op, err)
	}
	return int(tag.RowsAffected()), nil
}
