// Package channel normalizes heterogeneous inbound channel events into the
// canonical message record consumed by the ingestion pipeline.
package channel

import "strings"

// Identity kinds.
const (
	IdentityPhone  = "phone"  // identifier resolves to a dialable number
	IdentityLinked = "linked" // opaque linked identity, no recoverable phone
)

// Identity is the sender identifier at the normalization boundary. The two
// WhatsApp transports disagree about identifier formats: one reports bare
// phone numbers, the other JIDs that may be opaque linked ids. Representing
// the variant explicitly keeps ad hoc string parsing out of the pipeline.
type Identity struct {
	Kind string
	Raw  string // channel-native identifier as received

	// Phone is the dialable number for phone-kind identities. For linked
	// identities it MUST stay empty: displaying a fabricated number is a
	// correctness bug, not a convenience.
	Phone string
}

// PhoneIdentity builds an identity from a bare phone number.
func PhoneIdentity(number string) Identity {
	return Identity{Kind: IdentityPhone, Raw: number, Phone: digitsOf(number)}
}

// LinkedIdentity builds an identity from an opaque channel-native id.
func LinkedIdentity(raw string) Identity {
	return Identity{Kind: IdentityLinked, Raw: raw}
}

// WhatsApp JID suffixes. The s.whatsapp.net form carries the phone number in
// its user part; the lid form is an opaque linked id.
const (
	jidSuffixUser   = "@s.whatsapp.net"
	jidSuffixLinked = "@lid"
)

// ParseWhatsAppJID classifies a WhatsApp socket-transport identifier. A full
// user JID or a bare number yields a phone identity; a linked-id JID yields
// a linked identity with no phone.
func ParseWhatsAppJID(jid string) Identity {
	switch {
	case strings.HasSuffix(jid, jidSuffixUser):
		user := strings.TrimSuffix(jid, jidSuffixUser)
		// Drop a device suffix like "9665xxxx:12".
		if i := strings.IndexByte(user, ':'); i >= 0 {
			user = user[:i]
		}
		return Identity{Kind: IdentityPhone, Raw: jid, Phone: digitsOf(user)}
	case strings.HasSuffix(jid, jidSuffixLinked):
		return LinkedIdentity(jid)
	case strings.ContainsRune(jid, '@'):
		// Unknown JID namespace: keep it opaque rather than guess a number.
		return LinkedIdentity(jid)
	default:
		return PhoneIdentity(jid)
	}
}

// BareForm returns the digits-only normalized form of the identifier, used
// to match conversations created before the identifier format changed.
// Linked identities have no meaningful bare form and return "".
func (id Identity) BareForm() string {
	if id.Kind != IdentityPhone {
		return ""
	}
	return digitsOf(id.Raw)
}

// IsZero reports whether the identity is unset.
func (id Identity) IsZero() bool {
	return id.Raw == ""
}

func digitsOf(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
