package identity

import (
	"testing"

	"github.com/lalith-99/echocore/internal/errs"
	"github.com/lalith-99/echocore/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizerPhone(t *testing.T) {
	n := Normalizer{DefaultCountryCode: "1"}

	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "e164", raw: "+15551234567", want: "+15551234567"},
		{name: "formatted", raw: "+1 (555) 123-4567", want: "+15551234567"},
		{name: "double zero prefix", raw: "0044 20 7946 0958", want: "+442079460958"},
		{name: "national ten digits", raw: "555.123.4567", want: "+15551234567"},
		{name: "full width", raw: "＋１５５５１２３４５６７", want: "+15551234567"},
		{name: "surrounding space", raw: "  +34 600 000 000 ", want: "+34600000000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := n.Phone(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizerPhoneRejects(t *testing.T) {
	n := Normalizer{DefaultCountryCode: "1"}
	for _, raw := range []string{"", "   ", "12345", "+1234567890123456", "555-CALL-NOW", "+1 555 123 4567 ext 9"} {
		_, err := n.Phone(raw)
		assert.ErrorIs(t, err, errs.ErrInvalidInput, "raw=%q", raw)
	}
}

func TestNormalizerPhoneWithoutDefaultCountry(t *testing.T) {
	got, err := Normalizer{}.Phone("5551234567")
	require.NoError(t, err)
	assert.Equal(t, "+5551234567", got)
}

func TestEmail(t *testing.T) {
	got, err := Email("  Ana.Perez@Example.COM ")
	require.NoError(t, err)
	assert.Equal(t, "ana.perez@example.com", got)

	for _, raw := range []string{"", "ana", "@example.com", "ana@", "a@b@c", "ana perez@example.com"} {
		_, err := Email(raw)
		assert.ErrorIs(t, err, errs.ErrInvalidInput, "raw=%q", raw)
	}
}

func TestNormalizeDispatch(t *testing.T) {
	n := Normalizer{DefaultCountryCode: "1"}

	v, err := n.Normalize(models.KindInstagram, " ig_123 ")
	require.NoError(t, err)
	assert.Equal(t, "ig_123", v)

	v, err = n.Normalize(models.KindEmail, "X@Y.io")
	require.NoError(t, err)
	assert.Equal(t, "x@y.io", v)

	_, err = n.Normalize(models.IdentifierKind("fax"), "1")
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestIdentifiersNormalize(t *testing.T) {
	ids, err := Identifiers{Phone: "555 123 4567", Email: "A@B.co", TikTok: " tt "}.Normalize(Normalizer{DefaultCountryCode: "1"})
	require.NoError(t, err)
	assert.Equal(t, Identifiers{Phone: "+15551234567", Email: "a@b.co", TikTok: "tt"}, ids)
	assert.Equal(t, map[string]string{"phone": "+15551234567", "email": "a@b.co", "tiktok": "tt"}, ids.Map())

	_, err = Identifiers{Phone: "nope"}.Normalize(Normalizer{})
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
	assert.True(t, Identifiers{}.IsEmpty())
}
