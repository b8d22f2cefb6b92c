// Package ingest accepts inbound channel messages exactly once: it resolves
// or creates the sender's customer record, opens or reopens the thread and
// stores the message in one transaction.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/echocore/internal/conversation"
	"github.com/lalith-99/echocore/internal/errs"
	"github.com/lalith-99/echocore/internal/events"
	"github.com/lalith-99/echocore/internal/identity"
	"github.com/lalith-99/echocore/internal/models"
	"github.com/lalith-99/echocore/internal/repository"
	"go.uber.org/zap"
)

const (
	// maxAttempts bounds retries of identity races: another ingest created
	// or claimed the same identifier between our lookup and our write.
	maxAttempts = 3
	// maxMergeHops bounds how far a merged record's survivor chain is followed.
	maxMergeHops = 8
)

var (
	// errDuplicateDelivery rolls back a transaction whose message insert hit
	// an existing external id.
	errDuplicateDelivery = errors.New("duplicate delivery")
	// errStaleMatch means the resolved record stopped being live before it
	// could be locked and has no survivor to follow.
	errStaleMatch = errors.New("resolved customer no longer live")
)

type Request struct {
	TenantID         uuid.UUID
	Channel          models.Channel
	SenderIdentifier string
	Content          string
	MessageType      models.MessageType
	// ExternalID is the upstream delivery id; "" disables duplicate detection.
	ExternalID string
	Profile    identity.Profile
}

type Result struct {
	MessageID            int64     `json:"message_id"`
	CustomerID           uuid.UUID `json:"customer_id"`
	ConversationID       uuid.UUID `json:"conversation_id"`
	WasDuplicate         bool      `json:"was_duplicate"`
	ConversationReopened bool      `json:"conversation_reopened"`
	CustomerCreated      bool      `json:"customer_created"`
	ReviewRequired       bool      `json:"review_required"`
}

type Pipeline struct {
	store      repository.Store
	resolver   *identity.Resolver
	normalizer identity.Normalizer
	publisher  events.Publisher
	logger     *zap.Logger
	now        func() time.Time
}

func NewPipeline(store repository.Store, resolver *identity.Resolver, normalizer identity.Normalizer, publisher events.Publisher, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		store:      store,
		resolver:   resolver,
		normalizer: normalizer,
		publisher:  publisher,
		logger:     logger,
		now:        time.Now,
	}
}

// Ingest stores one inbound message. Redelivery of an external id already
// stored is a success with WasDuplicate set and has no side effects.
func (p *Pipeline) Ingest(ctx context.Context, req Request) (*Result, error) {
	if err := validate(&req); err != nil {
		return nil, err
	}
	kind := req.Channel.IdentifierKind()
	sender, err := p.normalizer.Normalize(kind, req.SenderIdentifier)
	if err != nil {
		return nil, err
	}
	ids := p.profileIdentifiers(req.Profile)
	ids.Set(kind, sender)

	if req.ExternalID != "" {
		dup, err := p.findDuplicate(ctx, req.TenantID, req.ExternalID)
		if err != nil {
			return nil, err
		}
		if dup != nil {
			return dup, nil
		}
	}

	for attempt := 1; ; attempt++ {
		res, err := p.ingestOnce(ctx, req, kind, ids)
		if err == nil {
			p.publish(ctx, req, res)
			return res, nil
		}
		if errors.Is(err, errDuplicateDelivery) {
			dup, ferr := p.findDuplicate(ctx, req.TenantID, req.ExternalID)
			if ferr != nil {
				return nil, ferr
			}
			if dup == nil {
				return nil, errs.Storage("find duplicate", fmt.Errorf("message %q vanished", req.ExternalID))
			}
			return dup, nil
		}
		retryable := errors.Is(err, errs.ErrAlreadyClaimed) || errors.Is(err, errStaleMatch)
		if !retryable || attempt >= maxAttempts {
			if errors.Is(err, errStaleMatch) {
				return nil, fmt.Errorf("ingest: %w: %w", errs.ErrConcurrencyConflict, err)
			}
			return nil, err
		}
		p.logger.Debug("retrying ingest after identity race",
			zap.String("tenant_id", req.TenantID.String()),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}

func validate(req *Request) error {
	if req.TenantID == uuid.Nil {
		return fmt.Errorf("ingest: tenant required: %w", errs.ErrInvalidInput)
	}
	if !req.Channel.Valid() {
		return fmt.Errorf("ingest: channel %q: %w", req.Channel, errs.ErrInvalidInput)
	}
	if req.MessageType == "" {
		req.MessageType = models.MessageText
	}
	if !req.MessageType.Valid() {
		return fmt.Errorf("ingest: message type %q: %w", req.MessageType, errs.ErrInvalidInput)
	}
	if req.MessageType == models.MessageText && req.Content == "" {
		return fmt.Errorf("ingest: empty text message: %w", errs.ErrInvalidInput)
	}
	return nil
}

// profileIdentifiers keeps the profile phone and email that normalise; bad
// profile metadata never fails an ingest.
func (p *Pipeline) profileIdentifiers(profile identity.Profile) identity.Identifiers {
	var ids identity.Identifiers
	if profile.Phone != "" {
		if v, err := p.normalizer.Phone(profile.Phone); err == nil {
			ids.Phone = v
		} else {
			p.logger.Debug("ignoring profile phone", zap.Error(err))
		}
	}
	if profile.Email != "" {
		if v, err := identity.Email(profile.Email); err == nil {
			ids.Email = v
		} else {
			p.logger.Debug("ignoring profile email", zap.Error(err))
		}
	}
	return ids
}

// findDuplicate reports a stored message with externalID. External ids are
// unique across tenants, so an id stored by another tenant is a conflict and
// none of that tenant's ids are echoed back.
func (p *Pipeline) findDuplicate(ctx context.Context, tenantID uuid.UUID, externalID string) (*Result, error) {
	var msg *models.Message
	err := p.store.View(ctx, func(tx repository.Tx) error {
		var err error
		msg, err = tx.GetMessageByExternalID(ctx, externalID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("check duplicate delivery: %w", err)
	}
	if msg == nil {
		return nil, nil
	}
	if msg.TenantID != tenantID {
		return nil, fmt.Errorf("ingest: external id %q used by another tenant: %w", externalID, errs.ErrAlreadyClaimed)
	}
	return &Result{
		MessageID:      msg.ID,
		CustomerID:     msg.CustomerID,
		ConversationID: msg.ConversationID,
		WasDuplicate:   true,
	}, nil
}

func (p *Pipeline) ingestOnce(ctx context.Context, req Request, kind models.IdentifierKind, ids identity.Identifiers) (*Result, error) {
	res := &Result{}
	err := p.store.InTx(ctx, func(tx repository.Tx) error {
		customer, err := p.resolveCustomer(ctx, tx, req, kind, ids, res)
		if err != nil {
			return err
		}
		res.CustomerID = customer.ID

		conv, reopened, err := p.openConversation(ctx, tx, req.TenantID, customer.ID, req.Channel)
		if err != nil {
			return err
		}
		res.ConversationID = conv.ID
		res.ConversationReopened = reopened

		msg := &models.Message{
			TenantID:       req.TenantID,
			ConversationID: conv.ID,
			CustomerID:     customer.ID,
			Direction:      models.DirectionInbound,
			SenderType:     models.SenderCustomer,
			MessageType:    req.MessageType,
			Body:           req.Content,
			Channel:        req.Channel,
			DeliveryStatus: models.DeliveryReceived,
		}
		if req.ExternalID != "" {
			externalID := req.ExternalID
			msg.ExternalID = &externalID
		}
		inserted, err := tx.InsertMessage(ctx, msg)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		if !inserted {
			return errDuplicateDelivery
		}
		res.MessageID = msg.ID

		now := p.now()
		if err := tx.RecordConversationMessage(ctx, conv.ID, now); err != nil {
			return fmt.Errorf("record conversation message: %w", err)
		}
		if err := tx.TouchCustomer(ctx, customer.ID, now); err != nil {
			return fmt.Errorf("touch customer: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// resolveCustomer returns the locked, live customer the message belongs to,
// creating one when needed.
func (p *Pipeline) resolveCustomer(ctx context.Context, tx repository.Tx, req Request, kind models.IdentifierKind, ids identity.Identifiers, res *Result) (*models.Customer, error) {
	hits, err := p.resolver.Lookup(ctx, tx, req.TenantID, ids)
	if err != nil {
		return nil, err
	}
	match, err := identity.Decide(hits)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		c, err := p.createCustomer(ctx, tx, req, ids, models.CustomerNew)
		if err != nil {
			return nil, err
		}
		res.CustomerCreated = true
		return c, nil

	case errors.Is(err, errs.ErrManualReviewRequired):
		res.ReviewRequired = true
		c, err := p.openReviewCandidate(ctx, tx, req.TenantID, ids)
		if err != nil || c != nil {
			return c, err
		}
		c, err = p.createReviewCandidate(ctx, tx, req, ids, hits)
		if err != nil {
			return nil, err
		}
		res.CustomerCreated = true
		return c, nil

	case err != nil:
		return nil, err
	}

	c, err := lockLive(ctx, tx, match.Customer.ID)
	if err != nil {
		return nil, err
	}
	changed, err := identity.Enrich(ctx, tx, c, ids, kind, req.Profile)
	if err != nil {
		return nil, err
	}
	if changed {
		if err := tx.UpdateCustomerProfile(ctx, c); err != nil {
			return nil, fmt.Errorf("update customer profile: %w", err)
		}
	}
	return c, nil
}

// lockLive locks id and, if a merge retired it after it was resolved,
// follows merged_into_id to the survivor so the message lands on the
// record that now owns the history.
//
// Why re-check after locking? Resolution reads without locks. A merge can
// commit between that read and this lock, and it re-points every thread of
// the secondary in the same transaction. If ingest kept using the retired
// id it would open a new thread on a tombstone that no merge will ever
// move again. Holding the row lock means the merge has either finished
// (we see the tombstone and follow it) or has not started (it waits for us
// and then moves our thread along with the rest).
func lockLive(ctx context.Context, tx repository.Tx, id uuid.UUID) (*models.Customer, error) {
	for hop := 0; hop < maxMergeHops; hop++ {
		rows, err := tx.LockCustomers(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("lock customer: %w", err)
		}
		if len(rows) == 0 {
			return nil, errStaleMatch
		}
		c := rows[0]
		if c.IsLive() {
			return c, nil
		}
		if c.MergedIntoID == nil {
			return nil, errStaleMatch
		}
		id = *c.MergedIntoID
	}
	return nil, fmt.Errorf("follow merge chain from %s: %w", id, errStaleMatch)
}

func (p *Pipeline) createCustomer(ctx context.Context, tx repository.Tx, req Request, ids identity.Identifiers, status models.CustomerStatus) (*models.Customer, error) {
	c := &models.Customer{
		TenantID:    req.TenantID,
		DisplayName: req.Profile.DisplayName,
		AvatarURL:   req.Profile.AvatarURL,
		Status:      status,
	}
	for _, kind := range models.IdentifierKinds {
		value := ids.Get(kind)
		if value == "" {
			continue
		}
		raw := value
		if kind == models.KindPhone {
			raw = req.Profile.Phone
			if req.Channel.IdentifierKind() == models.KindPhone {
				raw = req.SenderIdentifier
			}
		}
		if _, err := identity.Attach(c, kind, value, raw); err != nil {
			return nil, err
		}
	}
	if slot := c.Slot(req.Channel.IdentifierKind()); slot != nil && !slot.IsZero() {
		slot.Username = req.Profile.Username
		slot.AvatarURL = req.Profile.AvatarURL
	}
	if err := tx.CreateCustomer(ctx, c); err != nil {
		return nil, fmt.Errorf("create customer: %w", err)
	}
	return c, nil
}

// openReviewCandidate returns the candidate an earlier message with the same
// conflicting identifiers created, locked, if staff have not reconciled it
// yet. A candidate holds none of the claimed identifiers, so resolution alone
// can never find it again; without this every further message from the
// sender would start another fragment for staff to merge.
func (p *Pipeline) openReviewCandidate(ctx context.Context, tx repository.Tx, tenantID uuid.UUID, ids identity.Identifiers) (*models.Customer, error) {
	id, err := tx.OpenReviewCandidate(ctx, tenantID, ids.Map())
	if err != nil {
		return nil, fmt.Errorf("find review candidate: %w", err)
	}
	if id == uuid.Nil {
		return nil, nil
	}
	rows, err := tx.LockCustomers(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("lock review candidate: %w", err)
	}
	if len(rows) == 0 || !rows[0].IsLive() || rows[0].Status != models.CustomerReview {
		return nil, nil
	}
	return rows[0], nil
}

// createReviewCandidate handles identifiers that point at different
// customers. Rather than guess, the message goes to a new candidate record
// holding only identifiers nobody owns, and the conflict is logged for staff.
func (p *Pipeline) createReviewCandidate(ctx context.Context, tx repository.Tx, req Request, ids identity.Identifiers, hits []identity.Hit) (*models.Customer, error) {
	free := ids
	for _, h := range hits {
		free.Set(h.Kind, "")
	}
	c, err := p.createCustomer(ctx, tx, req, free, models.CustomerReview)
	if err != nil {
		return nil, err
	}

	review := &models.IdentityReview{
		TenantID:       req.TenantID,
		CandidateID:    c.ID,
		ConflictingIDs: identity.Candidates(hits),
		Identifiers:    ids.Map(),
	}
	if err := tx.InsertIdentityReview(ctx, review); err != nil {
		return nil, fmt.Errorf("insert identity review: %w", err)
	}

	p.logger.Warn("conflicting identity matches, created review candidate",
		zap.String("tenant_id", req.TenantID.String()),
		zap.String("candidate_id", c.ID.String()),
		zap.Int("conflicts", len(review.ConflictingIDs)),
	)
	return c, nil
}

// openConversation returns the customer's latest thread on channel, locked,
// creating or reopening it as needed. Because the row is locked, a second
// concurrent ingest sees the thread already active and does not reopen it.
func (p *Pipeline) openConversation(ctx context.Context, tx repository.Tx, tenantID, customerID uuid.UUID, channel models.Channel) (*models.Conversation, bool, error) {
	conv, err := tx.LatestConversationForUpdate(ctx, customerID, channel)
	if err != nil {
		return nil, false, fmt.Errorf("get latest conversation: %w", err)
	}
	if conv == nil {
		conv = &models.Conversation{
			TenantID:   tenantID,
			CustomerID: customerID,
			Channel:    channel,
			Status:     models.ConversationActive,
		}
		if err := tx.CreateConversation(ctx, conv); err != nil {
			return nil, false, fmt.Errorf("create conversation: %w", err)
		}
		return conv, false, nil
	}

	next, reopen := conversation.OnInbound(conv.Status)
	if !reopen {
		return conv, false, nil
	}
	if err := conversation.Transition(conversation.ActorIngestion, conv.Status, next); err != nil {
		return nil, false, err
	}
	if err := tx.SetConversationStatus(ctx, conv.ID, next, p.now()); err != nil {
		return nil, false, fmt.Errorf("reopen conversation: %w", err)
	}
	conv.Status = next
	return conv, true, nil
}

// publish runs after commit. Failures are logged; the message is stored.
func (p *Pipeline) publish(ctx context.Context, req Request, res *Result) {
	if res.CustomerCreated {
		ev := events.New(events.KindCustomerCreated, req.TenantID, res.CustomerID).
			WithData("channel", string(req.Channel)).
			WithData("review_required", res.ReviewRequired)
		if err := p.publisher.Publish(ctx, ev); err != nil {
			p.logger.Warn("failed to publish customer event", zap.String("customer_id", res.CustomerID.String()), zap.Error(err))
		}
	}

	ev := events.New(events.KindMessageIngested, req.TenantID, res.CustomerID).
		WithConversation(res.ConversationID).
		WithMessage(res.MessageID).
		WithData("channel", string(req.Channel)).
		WithData("conversation_reopened", res.ConversationReopened)
	if err := p.publisher.Publish(ctx, ev); err != nil {
		p.logger.Warn("failed to publish message event", zap.Int64("message_id", res.MessageID), zap.Error(err))
	}

	p.logger.Info("message ingested",
		zap.String("tenant_id", req.TenantID.String()),
		zap.String("customer_id", res.CustomerID.String()),
		zap.String("conversation_id", res.ConversationID.String()),
		zap.Int64("message_id", res.MessageID),
		zap.String("channel", string(req.Channel)),
		zap.Bool("reopened", res.ConversationReopened),
	)
}
