package conversation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/echocore/internal/errs"
	"github.com/lalith-99/echocore/internal/events"
	"github.com/lalith-99/echocore/internal/models"
	"github.com/lalith-99/echocore/internal/repository"
	"go.uber.org/zap"
)

type Service struct {
	store     repository.Store
	publisher events.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

func NewService(store repository.Store, publisher events.Publisher, logger *zap.Logger) *Service {
	return &Service{store: store, publisher: publisher, logger: logger, now: time.Now}
}

// Transition moves a thread on behalf of actor.
func (s *Service) Transition(ctx context.Context, tenantID, id uuid.UUID, to models.ConversationStatus, actor Actor) (*models.Conversation, error) {
	var (
		conv *models.Conversation
		from models.ConversationStatus
	)
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		conv, err = tx.GetConversationForUpdate(ctx, tenantID, id)
		if err != nil {
			return fmt.Errorf("get conversation: %w", err)
		}
		if conv == nil {
			return fmt.Errorf("conversation %s: %w", id, errs.ErrNotFound)
		}
		if err := Transition(actor, conv.Status, to); err != nil {
			return err
		}
		from = conv.Status
		now := s.now()
		if err := tx.SetConversationStatus(ctx, id, to, now); err != nil {
			return fmt.Errorf("set conversation status: %w", err)
		}
		conv.Status = to
		conv.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	ev := events.New(events.KindConversationUpdated, tenantID, conv.CustomerID).
		WithConversation(conv.ID).
		WithData("from", string(from)).
		WithData("to", string(to)).
		WithData("actor", string(actor))
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warn("failed to publish conversation update", zap.String("conversation_id", id.String()), zap.Error(err))
	}
	return conv, nil
}

// ArchiveResolved retires every resolved thread of the tenant idle for
// longer than olderThan. It returns how many threads were archived.
func (s *Service) ArchiveResolved(ctx context.Context, tenantID uuid.UUID, olderThan time.Duration) (int, error) {
	if olderThan < 0 {
		return 0, fmt.Errorf("archive resolved: negative age: %w", errs.ErrInvalidInput)
	}
	if !CanTransition(ActorArchiver, models.ConversationResolved, models.ConversationArchived) {
		return 0, errs.ErrInvalidTransition
	}

	cutoff := s.now().Add(-olderThan)
	var n int
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		n, err = tx.ArchiveResolvedBefore(ctx, tenantID, cutoff)
		if err != nil {
			return fmt.Errorf("archive conversations: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.logger.Info("archived resolved conversations",
		zap.String("tenant_id", tenantID.String()),
		zap.Int("count", n),
		zap.Time("cutoff", cutoff),
	)
	return n, nil
}
