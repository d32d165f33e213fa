package deletion

import "strings"

// Callback data prefixes. Telegram limits callback data to 64 bytes.
const (
	prefixPropose = "del:"
	prefixConfirm = "dok:"
	prefixCancel  = "dno:"
)

// ProposeData is the button payload for an offer token.
func ProposeData(token string) string { return prefixPropose + token }

// ConfirmData is the button payload confirming a session.
func ConfirmData(sessionID string) string { return prefixConfirm + sessionID }

// CancelData is the button payload cancelling a session.
func CancelData(sessionID string) string { return prefixCancel + sessionID }

// ParseCallback decodes button data for conversation. ok is false for data
// this package does not own.
func ParseCallback(conversation, data string) (Event, bool) {
	for prefix, kind := range map[string]Kind{
		prefixPropose: KindPropose,
		prefixConfirm: KindConfirm,
		prefixCancel:  KindCancel,
	} {
		if ref, ok := strings.CutPrefix(data, prefix); ok && ref != "" {
			return Event{Conversation: conversation, Kind: kind, Ref: ref}, true
		}
	}
	return Event{}, false
}
