package models

// Channel is a communication surface a customer can reach the tenant through.
type Channel string

const (
	ChannelWhatsApp  Channel = "whatsapp"
	ChannelInstagram Channel = "instagram"
	ChannelFacebook  Channel = "facebook"
	ChannelTikTok    Channel = "tiktok"
	ChannelVoice     Channel = "voice"
	ChannelWeb       Channel = "web"
)

// Channels lists every supported channel.
var Channels = []Channel{ChannelWhatsApp, ChannelInstagram, ChannelFacebook, ChannelTikTok, ChannelVoice, ChannelWeb}

// Valid reports whether c is a supported channel.
func (c Channel) Valid() bool {
	return c.IdentifierKind() != ""
}

// IdentifierKind is the kind of identifier a channel's sender id carries.
func (c Channel) IdentifierKind() IdentifierKind {
	switch c {
	case ChannelWhatsApp, ChannelVoice:
		return KindPhone
	case ChannelWeb:
		return KindEmail
	case ChannelInstagram:
		return KindInstagram
	case ChannelFacebook:
		return KindFacebook
	case ChannelTikTok:
		return KindTikTok
	}
	return ""
}

// IdentifierKind names one identifier column of a Customer.
type IdentifierKind string

const (
	KindPhone     IdentifierKind = "phone"
	KindEmail     IdentifierKind = "email"
	KindInstagram IdentifierKind = "instagram"
	KindFacebook  IdentifierKind = "facebook"
	KindTikTok    IdentifierKind = "tiktok"
)

// IdentifierKinds lists every identifier kind.
var IdentifierKinds = []IdentifierKind{KindPhone, KindEmail, KindInstagram, KindFacebook, KindTikTok}

// Valid reports whether k is a known identifier kind.
func (k IdentifierKind) Valid() bool {
	switch k {
	case KindPhone, KindEmail, KindInstagram, KindFacebook, KindTikTok:
		return true
	}
	return false
}

// IsPlatform reports whether k is stored in a ChannelIdentity slot.
func (k IdentifierKind) IsPlatform() bool {
	return k == KindInstagram || k == KindFacebook || k == KindTikTok
}
