package memory

import (
	"context"
	"errors"
	"maps"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/echocore/internal/errs"
	"github.com/lalith-99/echocore/internal/models"
)

var errReadOnly = errors.New("write in read-only transaction")

type tx struct {
	st       *state
	now      func() time.Time
	readOnly bool
}

func (t *tx) writable(op string) error {
	if t.readOnly {
		return errs.Storage(op, errReadOnly)
	}
	return nil
}

// LockKey is satisfied by transaction serialisation.
func (t *tx) LockKey(ctx context.Context, key string) error {
	return ctx.Err()
}

// ---------------------------------------------------------------
// Customers
// ---------------------------------------------------------------

func (t *tx) GetCustomer(ctx context.Context, id uuid.UUID) (*models.Customer, error) {
	c, ok := t.st.customers[id]
	if !ok {
		return nil, nil
	}
	out := copyCustomer(c)
	return &out, nil
}

func (t *tx) LockCustomers(ctx context.Context, ids ...uuid.UUID) ([]*models.Customer, error) {
	sorted := append([]uuid.UUID(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].String() < sorted[j].String() })

	out := make([]*models.Customer, 0, len(sorted))
	for _, id := range sorted {
		c, ok := t.st.customers[id]
		if !ok {
			continue
		}
		cp := copyCustomer(c)
		out = append(out, &cp)
	}
	return out, nil
}

func (t *tx) FindLiveByIdentifier(ctx context.Context, tenantID uuid.UUID, kind models.IdentifierKind, value string) (*models.Customer, error) {
	if value == "" {
		return nil, nil
	}
	owner := t.ownerOf(tenantID, kind, value, uuid.Nil)
	if owner == nil {
		return nil, nil
	}
	out := copyCustomer(*owner)
	return &out, nil
}

func (t *tx) ownerOf(tenantID uuid.UUID, kind models.IdentifierKind, value string, except uuid.UUID) *models.Customer {
	for _, c := range t.st.customers {
		if c.ID == except || c.TenantID != tenantID || !c.IsLive() {
			continue
		}
		if c.Identifier(kind) == value {
			return &c
		}
	}
	return nil
}

// checkClaims enforces the live-identifier uniqueness the Postgres partial
// unique indexes provide.
func (t *tx) checkClaims(c *models.Customer) error {
	if !c.IsLive() {
		return nil
	}
	for _, kind := range models.IdentifierKinds {
		value := c.Identifier(kind)
		if value == "" {
			continue
		}
		if owner := t.ownerOf(c.TenantID, kind, value, c.ID); owner != nil {
			return &errs.ClaimError{Kind: string(kind), ConflictingCustomerID: owner.ID}
		}
	}
	return nil
}

func (t *tx) CreateCustomer(ctx context.Context, c *models.Customer) error {
	if err := t.writable("insert customer"); err != nil {
		return err
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Status == "" {
		c.Status = models.CustomerNew
	}
	if err := t.checkClaims(c); err != nil {
		return err
	}
	now := t.now()
	c.CreatedAt = now
	c.UpdatedAt = now
	t.st.customers[c.ID] = copyCustomer(*c)
	return nil
}

func (t *tx) UpdateCustomerProfile(ctx context.Context, c *models.Customer) error {
	if err := t.writable("update customer"); err != nil {
		return err
	}
	existing, ok := t.st.customers[c.ID]
	if !ok {
		return errs.ErrNotFound
	}
	if err := t.checkClaims(c); err != nil {
		return err
	}
	existing.DisplayName = c.DisplayName
	existing.Phone = c.Phone
	existing.PhoneNormalized = c.PhoneNormalized
	existing.Email = c.Email
	existing.AvatarURL = c.AvatarURL
	existing.Instagram = c.Instagram
	existing.Facebook = c.Facebook
	existing.TikTok = c.TikTok
	existing.UpdatedAt = t.now()
	c.UpdatedAt = existing.UpdatedAt
	t.st.customers[c.ID] = existing
	return nil
}

func (t *tx) MarkCustomerMerged(ctx context.Context, id, survivorID uuid.UUID, at time.Time) error {
	if err := t.writable("mark customer merged"); err != nil {
		return err
	}
	c, ok := t.st.customers[id]
	if !ok {
		return errs.ErrNotFound
	}
	c.Status = models.CustomerMerged
	c.MergedIntoID = &survivorID
	c.DeletedAt = &at
	c.UpdatedAt = at
	t.st.customers[id] = c
	return nil
}

func (t *tx) TouchCustomer(ctx context.Context, id uuid.UUID, at time.Time) error {
	if err := t.writable("touch customer"); err != nil {
		return err
	}
	c, ok := t.st.customers[id]
	if !ok {
		return errs.ErrNotFound
	}
	c.LastInteractionAt = &at
	if c.Status == models.CustomerNew {
		c.Status = models.CustomerActive
	}
	c.UpdatedAt = at
	t.st.customers[id] = c
	return nil
}

// ---------------------------------------------------------------
// Conversations
// ---------------------------------------------------------------

func (t *tx) GetConversationForUpdate(ctx context.Context, tenantID, id uuid.UUID) (*models.Conversation, error) {
	conv, ok := t.st.conversations[id]
	if !ok || conv.TenantID != tenantID {
		return nil, nil
	}
	return &conv, nil
}

func (t *tx) LatestConversationForUpdate(ctx context.Context, customerID uuid.UUID, channel models.Channel) (*models.Conversation, error) {
	var latest *models.Conversation
	for _, conv := range t.st.conversations {
		if conv.CustomerID != customerID || conv.Channel != channel {
			continue
		}
		if latest == nil || conversationAfter(conv, *latest) {
			c := conv
			latest = &c
		}
	}
	return latest, nil
}

func conversationAfter(a, b models.Conversation) bool {
	at, bt := a.CreatedAt, b.CreatedAt
	if a.LastMessageAt != nil {
		at = *a.LastMessageAt
	}
	if b.LastMessageAt != nil {
		bt = *b.LastMessageAt
	}
	if at.Equal(bt) {
		return a.ID.String() > b.ID.String()
	}
	return at.After(bt)
}

func (t *tx) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	if err := t.writable("insert conversation"); err != nil {
		return err
	}
	if conv.ID == uuid.Nil {
		conv.ID = uuid.New()
	}
	now := t.now()
	conv.CreatedAt = now
	conv.UpdatedAt = now
	t.st.conversations[conv.ID] = *conv
	return nil
}

func (t *tx) SetConversationStatus(ctx context.Context, id uuid.UUID, status models.ConversationStatus, at time.Time) error {
	if err := t.writable("update conversation status"); err != nil {
		return err
	}
	conv, ok := t.st.conversations[id]
	if !ok {
		return errs.ErrNotFound
	}
	conv.Status = status
	conv.UpdatedAt = at
	t.st.conversations[id] = conv
	return nil
}

func (t *tx) RecordConversationMessage(ctx context.Context, id uuid.UUID, at time.Time) error {
	if err := t.writable("record conversation message"); err != nil {
		return err
	}
	conv, ok := t.st.conversations[id]
	if !ok {
		return errs.ErrNotFound
	}
	conv.MessageCount++
	conv.LastMessageAt = &at
	conv.UpdatedAt = at
	t.st.conversations[id] = conv
	return nil
}

func (t *tx) ReassignConversations(ctx context.Context, from, to uuid.UUID) (int, error) {
	if err := t.writable("reassign conversations"); err != nil {
		return 0, err
	}
	n := 0
	for id, conv := range t.st.conversations {
		if conv.CustomerID == from {
			conv.CustomerID = to
			conv.UpdatedAt = t.now()
			t.st.conversations[id] = conv
			n++
		}
	}
	return n, nil
}

func (t *tx) ArchiveResolvedBefore(ctx context.Context, tenantID uuid.UUID, cutoff time.Time) (int, error) {
	if err := t.writable("archive conversations"); err != nil {
		return 0, err
	}
	n := 0
	for id, conv := range t.st.conversations {
		if conv.TenantID != tenantID || conv.Status != models.ConversationResolved {
			continue
		}
		last := conv.UpdatedAt
		if conv.LastMessageAt != nil && conv.LastMessageAt.After(last) {
			last = *conv.LastMessageAt
		}
		if last.Before(cutoff) {
			conv.Status = models.ConversationArchived
			conv.UpdatedAt = t.now()
			t.st.conversations[id] = conv
			n++
		}
	}
	return n, nil
}

func (t *tx) ListConversationsByCustomer(ctx context.Context, customerID uuid.UUID) ([]models.Conversation, error) {
	out := make([]models.Conversation, 0)
	for _, conv := range t.st.conversations {
		if conv.CustomerID == customerID {
			out = append(out, conv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ---------------------------------------------------------------
// Messages and customer-owned history
// ---------------------------------------------------------------

func (t *tx) GetMessageByExternalID(ctx context.Context, externalID string) (*models.Message, error) {
	id, ok := t.st.externalIndex[externalID]
	if !ok {
		return nil, nil
	}
	m := t.st.messages[id]
	return &m, nil
}

func (t *tx) InsertMessage(ctx context.Context, m *models.Message) (bool, error) {
	if err := t.writable("insert message"); err != nil {
		return false, err
	}
	if m.ExternalID != nil {
		if _, exists := t.st.externalIndex[*m.ExternalID]; exists {
			return false, nil
		}
	}
	t.st.nextMessageID++
	m.ID = t.st.nextMessageID
	m.CreatedAt = t.now()
	t.st.messages[m.ID] = *m
	if m.ExternalID != nil {
		t.st.externalIndex[*m.ExternalID] = m.ID
	}
	return true, nil
}

func (t *tx) CountMessages(ctx context.Context, conversationID uuid.UUID) (int64, error) {
	var n int64
	for _, m := range t.st.messages {
		if m.ConversationID == conversationID {
			n++
		}
	}
	return n, nil
}

func (t *tx) ReassignMessages(ctx context.Context, from, to uuid.UUID) (int, error) {
	if err := t.writable("reassign messages"); err != nil {
		return 0, err
	}
	n := 0
	for id, m := range t.st.messages {
		if m.CustomerID == from {
			m.CustomerID = to
			t.st.messages[id] = m
			n++
		}
	}
	return n, nil
}

func (t *tx) ReassignAppointments(ctx context.Context, from, to uuid.UUID) (int, error) {
	if err := t.writable("reassign appointments"); err != nil {
		return 0, err
	}
	n := 0
	for id, a := range t.st.appointments {
		if a.CustomerID == from {
			a.CustomerID = to
			t.st.appointments[id] = a
			n++
		}
	}
	return n, nil
}

func (t *tx) ReassignLoyaltyRedemptions(ctx context.Context, from, to uuid.UUID) (int, error) {
	if err := t.writable("reassign redemptions"); err != nil {
		return 0, err
	}
	n := 0
	for id, r := range t.st.redemptions {
		if r.CustomerID == from {
			r.CustomerID = to
			t.st.redemptions[id] = r
			n++
		}
	}
	return n, nil
}

// ---------------------------------------------------------------
// Loyalty
// ---------------------------------------------------------------

func (t *tx) ListLoyaltyBalancesForUpdate(ctx context.Context, customerID uuid.UUID) ([]models.LoyaltyBalance, error) {
	out := make([]models.LoyaltyBalance, 0)
	for _, b := range t.st.balances {
		if b.CustomerID == customerID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProgramID.String() < out[j].ProgramID.String() })
	return out, nil
}

func (t *tx) AddLoyaltyTotals(ctx context.Context, balanceID uuid.UUID, current, earned, spent int64) error {
	if err := t.writable("add loyalty totals"); err != nil {
		return err
	}
	b, ok := t.st.balances[balanceID]
	if !ok {
		return errs.ErrNotFound
	}
	b.CurrentPoints += current
	b.EarnedPoints += earned
	b.SpentPoints += spent
	b.UpdatedAt = t.now()
	t.st.balances[balanceID] = b
	return nil
}

func (t *tx) MoveLoyaltyTransactions(ctx context.Context, fromBalanceID, toBalanceID, toCustomerID uuid.UUID) (int, error) {
	if err := t.writable("move loyalty transactions"); err != nil {
		return 0, err
	}
	n := 0
	for id, lt := range t.st.loyaltyTxns {
		if lt.BalanceID == fromBalanceID {
			lt.BalanceID = toBalanceID
			lt.CustomerID = toCustomerID
			t.st.loyaltyTxns[id] = lt
			n++
		}
	}
	return n, nil
}

func (t *tx) DeleteLoyaltyBalance(ctx context.Context, balanceID uuid.UUID) error {
	if err := t.writable("delete loyalty balance"); err != nil {
		return err
	}
	for _, lt := range t.st.loyaltyTxns {
		if lt.BalanceID == balanceID {
			return errs.Storage("delete loyalty balance", errors.New("balance still has transactions"))
		}
	}
	delete(t.st.balances, balanceID)
	return nil
}

func (t *tx) ReassignLoyaltyBalance(ctx context.Context, balanceID, toCustomerID uuid.UUID) error {
	if err := t.writable("reassign loyalty balance"); err != nil {
		return err
	}
	b, ok := t.st.balances[balanceID]
	if !ok {
		return errs.ErrNotFound
	}
	for _, other := range t.st.balances {
		if other.CustomerID == toCustomerID && other.ProgramID == b.ProgramID {
			return errs.Storage("reassign loyalty balance", errors.New("target already holds a balance for program"))
		}
	}
	b.CustomerID = toCustomerID
	b.UpdatedAt = t.now()
	t.st.balances[balanceID] = b
	for id, lt := range t.st.loyaltyTxns {
		if lt.BalanceID == balanceID {
			lt.CustomerID = toCustomerID
			t.st.loyaltyTxns[id] = lt
		}
	}
	return nil
}

// ---------------------------------------------------------------
// Audit
// ---------------------------------------------------------------

func (t *tx) InsertMergeAudit(ctx context.Context, a *models.MergeAudit) error {
	if err := t.writable("insert merge audit"); err != nil {
		return err
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.CreatedAt = t.now()
	t.st.audits = append(t.st.audits, *a)
	return nil
}

func (t *tx) ListMergeAudits(ctx context.Context, tenantID, customerID uuid.UUID) ([]models.MergeAudit, error) {
	out := make([]models.MergeAudit, 0)
	for i := len(t.st.audits) - 1; i >= 0; i-- {
		a := t.st.audits[i]
		if a.TenantID != tenantID {
			continue
		}
		if a.PrimaryID == customerID || a.SecondaryID == customerID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (t *tx) InsertIdentityReview(ctx context.Context, r *models.IdentityReview) error {
	if err := t.writable("insert identity review"); err != nil {
		return err
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	r.CreatedAt = t.now()
	t.st.reviews = append(t.st.reviews, *r)
	return nil
}

func (t *tx) OpenReviewCandidate(ctx context.Context, tenantID uuid.UUID, identifiers map[string]string) (uuid.UUID, error) {
	for i := len(t.st.reviews) - 1; i >= 0; i-- {
		r := t.st.reviews[i]
		if r.TenantID != tenantID || !maps.Equal(r.Identifiers, identifiers) {
			continue
		}
		c, ok := t.st.customers[r.CandidateID]
		if ok && c.IsLive() && c.Status == models.CustomerReview {
			return c.ID, nil
		}
	}
	return uuid.Nil, nil
}
