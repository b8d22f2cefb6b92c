package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/echocore/internal/errs"
	"github.com/lalith-99/echocore/internal/events"
	"github.com/lalith-99/echocore/internal/identity"
	"github.com/lalith-99/echocore/internal/models"
	"github.com/lalith-99/echocore/internal/repository"
	"github.com/lalith-99/echocore/internal/repository/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var tenant = uuid.MustParse("00000000-0000-0000-0000-00000000c001")

type fixture struct {
	store    *memory.Store
	rec      *events.Recorder
	pipeline *Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	return newFixtureWithStore(t, store, store)
}

func newFixtureWithStore(t *testing.T, mem *memory.Store, store repository.Store) *fixture {
	t.Helper()
	rec := &events.Recorder{}
	p := NewPipeline(store, identity.NewResolver(identity.DefaultRanking()), identity.Normalizer{DefaultCountryCode: "1"}, rec, zap.NewNop())
	return &fixture{store: mem, rec: rec, pipeline: p}
}

func (f *fixture) conversation(t *testing.T, id uuid.UUID) *models.Conversation {
	t.Helper()
	var conv *models.Conversation
	require.NoError(t, f.store.InTx(context.Background(), func(tx repository.Tx) error {
		var err error
		conv, err = tx.GetConversationForUpdate(context.Background(), tenant, id)
		return err
	}))
	require.NotNil(t, conv)
	return conv
}

func (f *fixture) customer(t *testing.T, id uuid.UUID) *models.Customer {
	t.Helper()
	var c *models.Customer
	require.NoError(t, f.store.View(context.Background(), func(tx repository.Tx) error {
		var err error
		c, err = tx.GetCustomer(context.Background(), id)
		return err
	}))
	require.NotNil(t, c)
	return c
}

func (f *fixture) messageCount(t *testing.T, conversationID uuid.UUID) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.store.View(context.Background(), func(tx repository.Tx) error {
		var err error
		n, err = tx.CountMessages(context.Background(), conversationID)
		return err
	}))
	return n
}

func TestIngestIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := Request{
		TenantID:         tenant,
		Channel:          models.ChannelWhatsApp,
		SenderIdentifier: "+15550001111",
		Content:          "Hi",
		ExternalID:       "wamid.1",
	}

	first, err := f.pipeline.Ingest(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.WasDuplicate)
	assert.True(t, first.CustomerCreated)

	for i := 0; i < 3; i++ {
		again, err := f.pipeline.Ingest(ctx, req)
		require.NoError(t, err)
		assert.True(t, again.WasDuplicate)
		assert.Equal(t, first.MessageID, again.MessageID)
		assert.Equal(t, first.ConversationID, again.ConversationID)
		assert.Equal(t, first.CustomerID, again.CustomerID)
	}

	assert.Equal(t, int64(1), f.messageCount(t, first.ConversationID))
	assert.Equal(t, int64(1), f.conversation(t, first.ConversationID).MessageCount)
	assert.Equal(t, []events.Kind{events.KindCustomerCreated, events.KindMessageIngested}, f.rec.Kinds())
}

func TestIngestConcurrentRedeliveryStoresOnce(t *testing.T) {
	f := newFixture(t)
	req := Request{TenantID: tenant, Channel: models.ChannelTikTok, SenderIdentifier: "tt_1", Content: "yo", ExternalID: "tt-evt-1"}

	var (
		wg         sync.WaitGroup
		duplicates atomic.Int32
		ids        sync.Map
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.pipeline.Ingest(context.Background(), req)
			if !assert.NoError(t, err) {
				return
			}
			if res.WasDuplicate {
				duplicates.Add(1)
			}
			ids.Store(res.MessageID, true)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(7), duplicates.Load())
	n := 0
	ids.Range(func(_, _ any) bool { n++; return true })
	assert.Equal(t, 1, n, "every caller sees the same message id")
}

func TestEndToEndScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Event 1: first contact over WhatsApp.
	r1, err := f.pipeline.Ingest(ctx, Request{
		TenantID:         tenant,
		Channel:          models.ChannelWhatsApp,
		SenderIdentifier: "+15550001111",
		Content:          "Hi",
		ExternalID:       "evt-1",
	})
	require.NoError(t, err)
	assert.True(t, r1.CustomerCreated)
	assert.False(t, r1.ConversationReopened)
	d1 := f.conversation(t, r1.ConversationID)
	assert.Equal(t, models.ConversationActive, d1.Status)

	// Event 2: same person on Instagram, phone known from profile metadata.
	r2, err := f.pipeline.Ingest(ctx, Request{
		TenantID:         tenant,
		Channel:          models.ChannelInstagram,
		SenderIdentifier: "ig:999",
		Content:          "it's me again",
		ExternalID:       "evt-2",
		Profile:          identity.Profile{Phone: "+1 555 000 1111", Username: "ana.ig"},
	})
	require.NoError(t, err)
	assert.Equal(t, r1.CustomerID, r2.CustomerID)
	assert.False(t, r2.CustomerCreated)
	assert.NotEqual(t, r1.ConversationID, r2.ConversationID)

	c1 := f.customer(t, r1.CustomerID)
	assert.Equal(t, "ig:999", c1.Instagram.ID)
	assert.Equal(t, "ana.ig", c1.Instagram.Username)
	assert.Equal(t, "+15550001111", c1.PhoneNormalized)
	assert.Equal(t, models.CustomerActive, c1.Status)
	require.NotNil(t, c1.LastInteractionAt)

	// Event 3: Event 1 redelivered.
	r3, err := f.pipeline.Ingest(ctx, Request{
		TenantID:         tenant,
		Channel:          models.ChannelWhatsApp,
		SenderIdentifier: "+15550001111",
		Content:          "Hi",
		ExternalID:       "evt-1",
	})
	require.NoError(t, err)
	assert.True(t, r3.WasDuplicate)
	assert.Equal(t, r1.MessageID, r3.MessageID)
	assert.Equal(t, int64(1), f.messageCount(t, r1.ConversationID))
	assert.Equal(t, 1, f.store.CustomerCount(tenant))
}

func TestIngestAppendsToOpenThread(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var convID uuid.UUID
	for i := 0; i < 3; i++ {
		res, err := f.pipeline.Ingest(ctx, Request{
			TenantID:         tenant,
			Channel:          models.ChannelWeb,
			SenderIdentifier: "Visitor@Example.com",
			Content:          fmt.Sprintf("message %d", i),
		})
		require.NoError(t, err)
		if i == 0 {
			convID = res.ConversationID
		}
		assert.Equal(t, convID, res.ConversationID)
	}
	conv := f.conversation(t, convID)
	assert.Equal(t, int64(3), conv.MessageCount)
	require.NotNil(t, conv.LastMessageAt)
}

func TestIngestReopensResolvedThreadOnce(t *testing.T) {
	for _, status := range []models.ConversationStatus{models.ConversationResolved, models.ConversationArchived} {
		t.Run(string(status), func(t *testing.T) {
			f := newFixture(t)
			customer := models.Customer{ID: uuid.New(), TenantID: tenant, PhoneNormalized: "+15552223333"}
			f.store.PutCustomer(customer)
			conv := models.Conversation{ID: uuid.New(), TenantID: tenant, CustomerID: customer.ID, Channel: models.ChannelWhatsApp, Status: status, CreatedAt: time.Now()}
			f.store.PutConversation(conv)

			var (
				wg       sync.WaitGroup
				reopened atomic.Int32
			)
			for i := 0; i < 2; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					res, err := f.pipeline.Ingest(context.Background(), Request{
						TenantID:         tenant,
						Channel:          models.ChannelWhatsApp,
						SenderIdentifier: "+15552223333",
						Content:          "still broken",
						ExternalID:       fmt.Sprintf("reopen-%d", i),
					})
					if !assert.NoError(t, err) {
						return
					}
					assert.Equal(t, conv.ID, res.ConversationID)
					if res.ConversationReopened {
						reopened.Add(1)
					}
				}(i)
			}
			wg.Wait()

			assert.Equal(t, int32(1), reopened.Load())
			got := f.conversation(t, conv.ID)
			assert.Equal(t, models.ConversationActive, got.Status)
			assert.Equal(t, int64(2), got.MessageCount)
		})
	}
}

func TestIngestLeavesWorkingStatesAlone(t *testing.T) {
	f := newFixture(t)
	customer := models.Customer{ID: uuid.New(), TenantID: tenant, Facebook: models.ChannelIdentity{ID: "fb_7"}}
	f.store.PutCustomer(customer)
	conv := models.Conversation{ID: uuid.New(), TenantID: tenant, CustomerID: customer.ID, Channel: models.ChannelFacebook, Status: models.ConversationEscalated}
	f.store.PutConversation(conv)

	res, err := f.pipeline.Ingest(context.Background(), Request{TenantID: tenant, Channel: models.ChannelFacebook, SenderIdentifier: "fb_7", Content: "any news?"})
	require.NoError(t, err)
	assert.False(t, res.ConversationReopened)
	assert.Equal(t, models.ConversationEscalated, f.conversation(t, conv.ID).Status)
}

func TestIngestConflictingIdentifiersCreatesReviewCandidate(t *testing.T) {
	f := newFixture(t)
	byPhone := models.Customer{ID: uuid.New(), TenantID: tenant, PhoneNormalized: "+15554445555"}
	byIG := models.Customer{ID: uuid.New(), TenantID: tenant, Instagram: models.ChannelIdentity{ID: "ig_1"}}
	f.store.PutCustomer(byPhone)
	f.store.PutCustomer(byIG)

	res, err := f.pipeline.Ingest(context.Background(), Request{
		TenantID:         tenant,
		Channel:          models.ChannelInstagram,
		SenderIdentifier: "ig_1",
		Content:          "hello",
		Profile:          identity.Profile{Phone: "+15554445555", Email: "new@example.com"},
	})
	require.NoError(t, err)
	assert.True(t, res.ReviewRequired)
	assert.True(t, res.CustomerCreated)
	assert.NotEqual(t, byPhone.ID, res.CustomerID)
	assert.NotEqual(t, byIG.ID, res.CustomerID)

	candidate := f.customer(t, res.CustomerID)
	assert.Equal(t, models.CustomerReview, candidate.Status)
	assert.Empty(t, candidate.PhoneNormalized, "claimed identifiers stay with their owners")
	assert.Empty(t, candidate.Instagram.ID)
	assert.Equal(t, "new@example.com", candidate.Email)

	reviews := f.store.IdentityReviews()
	require.Len(t, reviews, 1)
	assert.Equal(t, res.CustomerID, reviews[0].CandidateID)
	assert.Equal(t, []uuid.UUID{byPhone.ID, byIG.ID}, reviews[0].ConflictingIDs)
	assert.Equal(t, "ig_1", reviews[0].Identifiers["instagram"])
}

func TestIngestReusesOpenReviewCandidate(t *testing.T) {
	f := newFixture(t)
	byPhone := models.Customer{ID: uuid.New(), TenantID: tenant, PhoneNormalized: "+15554445555"}
	byIG := models.Customer{ID: uuid.New(), TenantID: tenant, Instagram: models.ChannelIdentity{ID: "ig_1"}}
	f.store.PutCustomer(byPhone)
	f.store.PutCustomer(byIG)
	req := Request{
		TenantID:         tenant,
		Channel:          models.ChannelInstagram,
		SenderIdentifier: "ig_1",
		Content:          "hello",
		Profile:          identity.Profile{Phone: "+15554445555", Email: "new@example.com"},
	}

	first, err := f.pipeline.Ingest(context.Background(), req)
	require.NoError(t, err)
	require.True(t, first.CustomerCreated)

	for i := 0; i < 2; i++ {
		res, err := f.pipeline.Ingest(context.Background(), req)
		require.NoError(t, err)
		assert.True(t, res.ReviewRequired)
		assert.False(t, res.CustomerCreated)
		assert.Equal(t, first.CustomerID, res.CustomerID)
		assert.Equal(t, first.ConversationID, res.ConversationID)
	}

	assert.Equal(t, 3, f.store.CustomerCount(tenant))
	assert.Len(t, f.store.IdentityReviews(), 1)
	assert.Equal(t, int64(3), f.messageCount(t, first.ConversationID))

	// Once staff reconcile the candidate, the next conflict starts a new one.
	require.NoError(t, f.store.InTx(context.Background(), func(tx repository.Tx) error {
		return tx.MarkCustomerMerged(context.Background(), first.CustomerID, byPhone.ID, time.Now())
	}))
	res, err := f.pipeline.Ingest(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.CustomerCreated)
	assert.NotEqual(t, first.CustomerID, res.CustomerID)
	assert.Len(t, f.store.IdentityReviews(), 2)
}

func TestIngestExternalIDOfAnotherTenant(t *testing.T) {
	other := uuid.MustParse("00000000-0000-0000-0000-00000000c002")
	mem := memory.New()
	seed := newFixtureWithStore(t, mem, mem)
	_, err := seed.pipeline.Ingest(context.Background(), Request{
		TenantID: tenant, Channel: models.ChannelWhatsApp, SenderIdentifier: "+15550001111", Content: "a", ExternalID: "shared.1",
	})
	require.NoError(t, err)
	req := Request{
		TenantID: other, Channel: models.ChannelWhatsApp, SenderIdentifier: "+15550002222", Content: "b", ExternalID: "shared.1",
	}

	t.Run("lookup", func(t *testing.T) {
		res, err := seed.pipeline.Ingest(context.Background(), req)
		assert.ErrorIs(t, err, errs.ErrAlreadyClaimed)
		assert.Nil(t, res)
	})

	t.Run("insert", func(t *testing.T) {
		f := newFixtureWithStore(t, mem, &hidingStore{Store: mem})
		res, err := f.pipeline.Ingest(context.Background(), req)
		assert.ErrorIs(t, err, errs.ErrAlreadyClaimed)
		assert.Nil(t, res)
		assert.Empty(t, f.rec.Events())
	})

	assert.Zero(t, mem.CustomerCount(other))
}

func TestIngestIgnoresBadProfileMetadata(t *testing.T) {
	f := newFixture(t)
	res, err := f.pipeline.Ingest(context.Background(), Request{
		TenantID:         tenant,
		Channel:          models.ChannelTikTok,
		SenderIdentifier: "tt_2",
		Content:          "hey",
		Profile:          identity.Profile{Phone: "call me", Email: "nope", DisplayName: "Tik"},
	})
	require.NoError(t, err)
	c := f.customer(t, res.CustomerID)
	assert.Equal(t, "tt_2", c.TikTok.ID)
	assert.Equal(t, "Tik", c.DisplayName)
	assert.Empty(t, c.PhoneNormalized)
}

func TestIngestValidation(t *testing.T) {
	f := newFixture(t)
	base := Request{TenantID: tenant, Channel: models.ChannelWhatsApp, SenderIdentifier: "+15550001111", Content: "x"}

	tests := []struct {
		name string
		edit func(r *Request)
	}{
		{name: "no tenant", edit: func(r *Request) { r.TenantID = uuid.Nil }},
		{name: "unknown channel", edit: func(r *Request) { r.Channel = "sms" }},
		{name: "bad phone", edit: func(r *Request) { r.SenderIdentifier = "12" }},
		{name: "empty text", edit: func(r *Request) { r.Content = "" }},
		{name: "unknown type", edit: func(r *Request) { r.MessageType = "sticker" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base
			tt.edit(&req)
			_, err := f.pipeline.Ingest(context.Background(), req)
			assert.ErrorIs(t, err, errs.ErrInvalidInput)
		})
	}

	res, err := f.pipeline.Ingest(context.Background(), Request{
		TenantID: tenant, Channel: models.ChannelWhatsApp, SenderIdentifier: "+15550001111", MessageType: models.MessageImage,
	})
	require.NoError(t, err, "media without caption is fine")
	assert.NotZero(t, res.MessageID)
}

func TestLockLiveFollowsMergedSurvivor(t *testing.T) {
	store := memory.New()
	survivor := models.Customer{ID: uuid.New(), TenantID: tenant}
	middle := models.Customer{ID: uuid.New(), TenantID: tenant, Status: models.CustomerMerged, MergedIntoID: &survivor.ID}
	retired := models.Customer{ID: uuid.New(), TenantID: tenant, Status: models.CustomerMerged, MergedIntoID: &middle.ID}
	now := time.Now()
	deleted := models.Customer{ID: uuid.New(), TenantID: tenant, DeletedAt: &now}
	for _, c := range []models.Customer{survivor, middle, retired, deleted} {
		store.PutCustomer(c)
	}

	require.NoError(t, store.InTx(context.Background(), func(tx repository.Tx) error {
		c, err := lockLive(context.Background(), tx, retired.ID)
		require.NoError(t, err)
		assert.Equal(t, survivor.ID, c.ID)

		_, err = lockLive(context.Background(), tx, deleted.ID)
		assert.ErrorIs(t, err, errStaleMatch)

		_, err = lockLive(context.Background(), tx, uuid.New())
		assert.ErrorIs(t, err, errStaleMatch)
		return nil
	}))
}

// hidingStore makes the pre-transaction duplicate check miss once, the way a
// concurrent delivery committing between the check and the insert would.
type hidingStore struct {
	*memory.Store
	hidden atomic.Bool
}

type hidingTx struct {
	repository.Tx
}

func (hidingTx) GetMessageByExternalID(context.Context, string) (*models.Message, error) {
	return nil, nil
}

func (s *hidingStore) View(ctx context.Context, fn func(tx repository.Tx) error) error {
	if s.hidden.CompareAndSwap(false, true) {
		return s.Store.View(ctx, func(tx repository.Tx) error { return fn(hidingTx{Tx: tx}) })
	}
	return s.Store.View(ctx, fn)
}

func TestIngestDuplicateDetectedByInsertRollsBack(t *testing.T) {
	mem := memory.New()
	seed := newFixtureWithStore(t, mem, mem)
	first, err := seed.pipeline.Ingest(context.Background(), Request{
		TenantID: tenant, Channel: models.ChannelWhatsApp, SenderIdentifier: "+15550009999", Content: "a", ExternalID: "dup-1",
	})
	require.NoError(t, err)

	f := newFixtureWithStore(t, mem, &hidingStore{Store: mem})
	// A different sender carrying the same delivery id must not leave a
	// customer or thread behind.
	res, err := f.pipeline.Ingest(context.Background(), Request{
		TenantID: tenant, Channel: models.ChannelWhatsApp, SenderIdentifier: "+15550008888", Content: "a", ExternalID: "dup-1",
	})
	require.NoError(t, err)
	assert.True(t, res.WasDuplicate)
	assert.Equal(t, first.MessageID, res.MessageID)
	assert.Equal(t, 1, mem.CustomerCount(tenant))
	assert.Empty(t, f.rec.Events())
}

// claimRaceStore fails the first customer insert the way a unique index
// does when a concurrent ingest created the same identifier first.
type claimRaceStore struct {
	*memory.Store
	attempts atomic.Int32
}

type claimRaceTx struct {
	repository.Tx
	fail bool
}

func (t claimRaceTx) CreateCustomer(ctx context.Context, c *models.Customer) error {
	if t.fail {
		return &errs.ClaimError{Kind: "phone", ConflictingCustomerID: uuid.New()}
	}
	return t.Tx.CreateCustomer(ctx, c)
}

func (s *claimRaceStore) InTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	n := s.attempts.Add(1)
	return s.Store.InTx(ctx, func(tx repository.Tx) error {
		return fn(claimRaceTx{Tx: tx, fail: n == 1})
	})
}

func TestIngestRetriesIdentityRace(t *testing.T) {
	mem := memory.New()
	racy := &claimRaceStore{Store: mem}
	f := newFixtureWithStore(t, mem, racy)

	res, err := f.pipeline.Ingest(context.Background(), Request{
		TenantID: tenant, Channel: models.ChannelVoice, SenderIdentifier: "+15557778888", MessageType: models.MessageVoiceCall,
	})
	require.NoError(t, err)
	assert.True(t, res.CustomerCreated)
	assert.Equal(t, int32(2), racy.attempts.Load())
	assert.Equal(t, 1, mem.CustomerCount(tenant))
}

type alwaysClaimedStore struct {
	*memory.Store
}

func (s alwaysClaimedStore) InTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	return s.Store.InTx(ctx, func(tx repository.Tx) error {
		return fn(claimRaceTx{Tx: tx, fail: true})
	})
}

func TestIngestGivesUpAfterRepeatedRaces(t *testing.T) {
	mem := memory.New()
	f := newFixtureWithStore(t, mem, alwaysClaimedStore{Store: mem})

	_, err := f.pipeline.Ingest(context.Background(), Request{
		TenantID: tenant, Channel: models.ChannelWhatsApp, SenderIdentifier: "+15557778888", Content: "x",
	})
	var claim *errs.ClaimError
	assert.True(t, errors.As(err, &claim))
	assert.Zero(t, mem.CustomerCount(tenant))
}
