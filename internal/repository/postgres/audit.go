package postgres

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/lalith-99/echocore/internal/models"
)

// AuditStore writes the insert-only merge and review logs. Nothing here
// updates or deletes a row.
type AuditStore struct {
	db querier
}

func NewAuditStore(db querier) *AuditStore {
	return &AuditStore{db: db}
}

func (s *AuditStore) InsertMergeAudit(ctx context.Context, a *models.MergeAudit) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	err := s.db.QueryRow(ctx, `
		INSERT INTO merge_audits (id, tenant_id, primary_id, secondary_id,
			conversations_moved, messages_moved, appointments_moved, redemptions_moved,
			loyalty_programs_merged, loyalty_merged, outcome, performed_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at`,
		a.ID, a.TenantID, a.PrimaryID, a.SecondaryID,
		a.ConversationsMoved, a.MessagesMoved, a.AppointmentsMoved, a.RedemptionsMoved,
		a.LoyaltyProgramsMerged, a.LoyaltyMerged, a.Outcome, a.PerformedBy,
	).Scan(&a.CreatedAt)
	if err != nil {
		return mapError("insert merge audit", err)
	}
	return nil
}

func (s *AuditStore) ListMergeAudits(ctx context.Context, tenantID, customerID uuid.UUID) ([]models.MergeAudit, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, tenant_id, primary_id, secondary_id,
			conversations_moved, messages_moved, appointments_moved, redemptions_moved,
			loyalty_programs_merged, loyalty_merged, outcome, performed_by, created_at
		FROM merge_audits
		WHERE tenant_id = $1 AND (primary_id = $2 OR secondary_id = $2)
		ORDER BY created_at DESC, id DESC`, tenantID, customerID)
	if err != nil {
		return nil, mapError("list merge audits", err)
	}
	defer rows.Close()

	audits := make([]models.MergeAudit, 0)
	for rows.Next() {
		var a models.MergeAudit
		if err := rows.Scan(&a.ID, &a.TenantID, &a.PrimaryID, &a.SecondaryID,
			&a.ConversationsMoved, &a.MessagesMoved, &a.AppointmentsMoved, &a.RedemptionsMoved,
			&a.LoyaltyProgramsMerged, &a.LoyaltyMerged, &a.Outcome, &a.PerformedBy, &a.CreatedAt); err != nil {
			return nil, mapError("scan merge audit", err)
		}
		audits = append(audits, a)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("iterate merge audits", err)
	}
	return audits, nil
}

func (s *AuditStore) InsertIdentityReview(ctx context.Context, r *models.IdentityReview) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	err := s.db.QueryRow(ctx, `
		INSERT INTO identity_reviews (id, tenant_id, candidate_id, conflicting_ids, identifiers)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		r.ID, r.TenantID, r.CandidateID, r.ConflictingIDs, r.Identifiers,
	).Scan(&r.CreatedAt)
	if err != nil {
		return mapError("insert identity review", err)
	}
	return nil
}

// OpenReviewCandidate matches the recorded identifier set as jsonb, so key
// order does not matter.
func (s *AuditStore) OpenReviewCandidate(ctx context.Context, tenantID uuid.UUID, identifiers map[string]string) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.db.QueryRow(ctx, `
		SELECT r.candidate_id
		FROM identity_reviews r
		JOIN customers c ON c.id = r.candidate_id
		WHERE r.tenant_id = $1 AND r.identifiers = $2::jsonb
		  AND c.status = 'review' AND c.deleted_at IS NULL
		ORDER BY r.created_at DESC, r.id DESC
		LIMIT 1`, tenantID, identifiers,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, nil
	}
	if err != nil {
		return uuid.Nil, mapError("find open review candidate", err)
	}
	return id, nil
}
