package protocol

import "strings"

// JID suffixes used on the wire.
const (
	ServerSuffix = "@s.net" // direct chats, user-part is E.164 digits
	GroupSuffix  = "@g.net" // group chats
	LIDSuffix    = "@lid"   // linked ids, opaque user-part

	// StatusBroadcastJID is the pseudo-chat carrying status updates. The
	// gateway drops everything addressed from it.
	StatusBroadcastJID = "status@broadcast"
)

// ToJID builds a direct-chat JID from E.164 digits.
func ToJID(number string) string {
	return strings.TrimPrefix(number, "+") + ServerSuffix
}

// UserPart returns the JID's user part with any device suffix stripped:
// "15551234567:3@s.net" → "15551234567".
func UserPart(jid string) string {
	user := jid
	if i := strings.IndexByte(user, '@'); i >= 0 {
		user = user[:i]
	}
	if i := strings.IndexByte(user, ':'); i >= 0 {
		user = user[:i]
	}
	return user
}

// IsGroupJID reports whether the JID addresses a group chat.
func IsGroupJID(jid string) bool {
	return strings.HasSuffix(jid, GroupSuffix)
}

// IsLIDJID reports whether the JID carries a linked id instead of a phone
// number.
func IsLIDJID(jid string) bool {
	return strings.HasSuffix(jid, LIDSuffix)
}
