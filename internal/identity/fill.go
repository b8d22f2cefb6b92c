package identity

import (
	"context"
	"fmt"

	"github.com/lalith-99/echocore/internal/errs"
	"github.com/lalith-99/echocore/internal/models"
	"github.com/lalith-99/echocore/internal/repository"
)

// Profile is the optional sender metadata a channel adapter supplies with an
// identifier. Phone and Email are raw; they are normalised before use.
type Profile struct {
	DisplayName string `json:"display_name,omitempty"`
	Username    string `json:"username,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Phone       string `json:"phone,omitempty"`
	Email       string `json:"email,omitempty"`
}

// Identifiers returns the profile's phone and email in stored form.
func (p Profile) Identifiers(n Normalizer) (Identifiers, error) {
	return Identifiers{Phone: p.Phone, Email: p.Email}.Normalize(n)
}

// Attach sets the identifier of kind on c. raw is kept as the display phone.
// It is a no-op when c already holds value and fails with errs.ErrSlotOccupied
// when c holds a different one.
func Attach(c *models.Customer, kind models.IdentifierKind, value, raw string) (bool, error) {
	current := c.Identifier(kind)
	if current == value {
		return false, nil
	}
	if current != "" {
		return false, fmt.Errorf("attach %s: %w", kind, errs.ErrSlotOccupied)
	}
	switch kind {
	case models.KindPhone:
		c.PhoneNormalized = value
		c.Phone = raw
	case models.KindEmail:
		c.Email = value
	default:
		slot := c.Slot(kind)
		if slot == nil {
			return false, fmt.Errorf("attach %q: %w", kind, errs.ErrInvalidInput)
		}
		slot.ID = value
	}
	return true, nil
}

// FillIfEmpty copies every identifier and profile field src holds and dst
// lacks. Fields dst already holds are never overwritten.
func FillIfEmpty(dst, src *models.Customer) bool {
	changed := false
	fill := func(d *string, s string) {
		if *d == "" && s != "" {
			*d = s
			changed = true
		}
	}

	fill(&dst.DisplayName, src.DisplayName)
	if dst.PhoneNormalized == "" && src.PhoneNormalized != "" {
		dst.PhoneNormalized = src.PhoneNormalized
		dst.Phone = src.Phone
		changed = true
	}
	fill(&dst.Email, src.Email)
	fill(&dst.AvatarURL, src.AvatarURL)

	for _, kind := range models.IdentifierKinds {
		if !kind.IsPlatform() {
			continue
		}
		d, s := dst.Slot(kind), src.Slot(kind)
		switch {
		case s.IsZero():
		case d.IsZero():
			*d = *s
			changed = true
		case d.ID == s.ID:
			fill(&d.Username, s.Username)
			fill(&d.AvatarURL, s.AvatarURL)
		}
	}
	return changed
}

// Enrich fills c from ids and p wherever c is empty. An identifier owned by
// another live customer is skipped, not stolen. slotKind names the platform
// slot p's username and avatar belong to. The caller persists c.
func Enrich(ctx context.Context, repo repository.CustomerRepository, c *models.Customer, ids Identifiers, slotKind models.IdentifierKind, p Profile) (bool, error) {
	changed := false
	for _, kind := range models.IdentifierKinds {
		value := ids.Get(kind)
		if value == "" || c.Identifier(kind) != "" {
			continue
		}
		owner, err := repo.FindLiveByIdentifier(ctx, c.TenantID, kind, value)
		if err != nil {
			return false, fmt.Errorf("check %s owner: %w", kind, err)
		}
		if owner != nil && owner.ID != c.ID {
			continue
		}
		raw := value
		if kind == models.KindPhone && p.Phone != "" {
			raw = p.Phone
		}
		if _, err := Attach(c, kind, value, raw); err != nil {
			return false, err
		}
		changed = true
	}

	src := &models.Customer{DisplayName: p.DisplayName, AvatarURL: p.AvatarURL}
	if slotKind.IsPlatform() {
		if slot := c.Slot(slotKind); !slot.IsZero() {
			*src.Slot(slotKind) = models.ChannelIdentity{ID: slot.ID, Username: p.Username, AvatarURL: p.AvatarURL}
		}
	}
	if FillIfEmpty(c, src) {
		changed = true
	}
	return changed, nil
}
