package identity

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/lalith-99/echocore/internal/errs"
	"github.com/lalith-99/echocore/internal/models"
	"github.com/lalith-99/echocore/internal/repository"
)

// Identifiers is the set of identifiers known for one inbound sender. At most
// one value per kind; "" means not supplied.
type Identifiers struct {
	Phone     string `json:"phone,omitempty"`
	Email     string `json:"email,omitempty"`
	Instagram string `json:"instagram,omitempty"`
	Facebook  string `json:"facebook,omitempty"`
	TikTok    string `json:"tiktok,omitempty"`
}

func (ids Identifiers) Get(kind models.IdentifierKind) string {
	switch kind {
	case models.KindPhone:
		return ids.Phone
	case models.KindEmail:
		return ids.Email
	case models.KindInstagram:
		return ids.Instagram
	case models.KindFacebook:
		return ids.Facebook
	case models.KindTikTok:
		return ids.TikTok
	}
	return ""
}

func (ids *Identifiers) Set(kind models.IdentifierKind, value string) {
	switch kind {
	case models.KindPhone:
		ids.Phone = value
	case models.KindEmail:
		ids.Email = value
	case models.KindInstagram:
		ids.Instagram = value
	case models.KindFacebook:
		ids.Facebook = value
	case models.KindTikTok:
		ids.TikTok = value
	}
}

// IsEmpty reports whether no identifier is set.
func (ids Identifiers) IsEmpty() bool {
	for _, kind := range models.IdentifierKinds {
		if ids.Get(kind) != "" {
			return false
		}
	}
	return true
}

// Map returns the set identifiers keyed by kind name.
func (ids Identifiers) Map() map[string]string {
	out := make(map[string]string)
	for _, kind := range models.IdentifierKinds {
		if v := ids.Get(kind); v != "" {
			out[string(kind)] = v
		}
	}
	return out
}

// Normalize returns a copy with every set identifier in stored form.
func (ids Identifiers) Normalize(n Normalizer) (Identifiers, error) {
	var out Identifiers
	for _, kind := range models.IdentifierKinds {
		raw := ids.Get(kind)
		if raw == "" {
			continue
		}
		v, err := n.Normalize(kind, raw)
		if err != nil {
			return Identifiers{}, err
		}
		out.Set(kind, v)
	}
	return out, nil
}

// Match is a resolved customer together with the identifier that found it.
type Match struct {
	Customer   *models.Customer      `json:"customer"`
	MatchType  models.IdentifierKind `json:"match_type"`
	Confidence float64               `json:"confidence"`
}

// Hit is one identifier that matched a live customer.
type Hit struct {
	Kind       models.IdentifierKind
	Confidence float64
	Customer   *models.Customer
}

// Resolver maps identifiers to a live customer using a ranking table.
type Resolver struct {
	ranking Ranking
}

func NewResolver(ranking Ranking) *Resolver {
	return &Resolver{ranking: ranking}
}

func (r *Resolver) Ranking() Ranking {
	return r.ranking
}

// Lookup returns every identifier that matched a live customer, in ranking
// order. ids must already be normalised.
func (r *Resolver) Lookup(ctx context.Context, repo repository.CustomerRepository, tenantID uuid.UUID, ids Identifiers) ([]Hit, error) {
	var hits []Hit
	for _, row := range r.ranking {
		value := ids.Get(row.Kind)
		if value == "" {
			continue
		}
		c, err := repo.FindLiveByIdentifier(ctx, tenantID, row.Kind, value)
		if err != nil {
			return nil, fmt.Errorf("lookup %s: %w", row.Kind, err)
		}
		if c == nil {
			continue
		}
		hits = append(hits, Hit{Kind: row.Kind, Confidence: row.Confidence, Customer: c})
	}
	return hits, nil
}

// Resolve picks the highest-ranked hit. It returns errs.ErrNotFound when
// nothing matches and a *errs.ReviewError when hits disagree on the customer.
func (r *Resolver) Resolve(ctx context.Context, repo repository.CustomerRepository, tenantID uuid.UUID, ids Identifiers) (*Match, error) {
	hits, err := r.Lookup(ctx, repo, tenantID, ids)
	if err != nil {
		return nil, err
	}
	return Decide(hits)
}

// Decide applies the resolution rule to hits returned by Lookup.
func Decide(hits []Hit) (*Match, error) {
	if len(hits) == 0 {
		return nil, errs.ErrNotFound
	}
	if candidates := Candidates(hits); len(candidates) > 1 {
		return nil, &errs.ReviewError{Candidates: candidates}
	}
	best := hits[0]
	return &Match{Customer: best.Customer, MatchType: best.Kind, Confidence: best.Confidence}, nil
}

// Candidates returns the distinct customer ids among hits, in ranking order.
func Candidates(hits []Hit) []uuid.UUID {
	var out []uuid.UUID
	seen := make(map[uuid.UUID]bool, len(hits))
	for _, h := range hits {
		if seen[h.Customer.ID] {
			continue
		}
		seen[h.Customer.ID] = true
		out = append(out, h.Customer.ID)
	}
	return out
}
