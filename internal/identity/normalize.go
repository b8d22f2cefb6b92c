package identity

import (
	"fmt"
	"strings"

	"github.com/lalith-99/echocore/internal/errs"
	"github.com/lalith-99/echocore/internal/models"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

const (
	minPhoneDigits = 7
	maxPhoneDigits = 15
)

// Normalizer turns raw channel identifiers into the form stored and matched
// in the identity store.
type Normalizer struct {
	// DefaultCountryCode is prefixed to ten-digit national numbers that
	// arrive without one. Digits only, e.g. "1".
	DefaultCountryCode string
}

// Normalize dispatches on kind.
func (n Normalizer) Normalize(kind models.IdentifierKind, raw string) (string, error) {
	switch kind {
	case models.KindPhone:
		return n.Phone(raw)
	case models.KindEmail:
		return Email(raw)
	case models.KindInstagram, models.KindFacebook, models.KindTikTok:
		return PlatformID(raw)
	}
	return "", fmt.Errorf("normalize %q: unknown identifier kind: %w", kind, errs.ErrInvalidInput)
}

// Phone returns an E.164-like "+<digits>" form.
//
// NFKC folds full-width digits and plus signs that some chat platforms pass
// through from user profiles. Common separators are dropped; anything else
// makes the number invalid.
func (n Normalizer) Phone(raw string) (string, error) {
	s := strings.TrimSpace(norm.NFKC.String(raw))
	if s == "" {
		return "", fmt.Errorf("normalize phone: empty: %w", errs.ErrInvalidInput)
	}

	international := false
	switch {
	case strings.HasPrefix(s, "+"):
		international = true
		s = s[1:]
	case strings.HasPrefix(s, "00"):
		international = true
		s = s[2:]
	}

	var digits strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits.WriteRune(r)
		case r == ' ' || r == '-' || r == '.' || r == '(' || r == ')' || r == '/':
		default:
			return "", fmt.Errorf("normalize phone %q: unexpected %q: %w", raw, r, errs.ErrInvalidInput)
		}
	}

	d := digits.String()
	if !international && len(d) == 10 && n.DefaultCountryCode != "" {
		d = n.DefaultCountryCode + d
	}
	if len(d) < minPhoneDigits || len(d) > maxPhoneDigits {
		return "", fmt.Errorf("normalize phone %q: %d digits: %w", raw, len(d), errs.ErrInvalidInput)
	}
	return "+" + d, nil
}

// Email returns the case-folded address. Matching on the folded form makes
// email resolution case-insensitive.
func Email(raw string) (string, error) {
	s := strings.TrimSpace(norm.NFKC.String(raw))
	s = cases.Fold().String(s)

	local, domain, ok := strings.Cut(s, "@")
	if !ok || local == "" || domain == "" || strings.Contains(domain, "@") || strings.ContainsAny(s, " \t\r\n") {
		return "", fmt.Errorf("normalize email %q: %w", raw, errs.ErrInvalidInput)
	}
	return s, nil
}

// PlatformID trims an opaque platform user id. Platform ids are compared
// exactly: they are case-sensitive on some platforms.
func PlatformID(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("normalize platform id: empty: %w", errs.ErrInvalidInput)
	}
	return s, nil
}
