package protocol

import (
	"encoding/json"
	"fmt"
)

// Server → client response frames.
const (
	RespAuthSuccess       = "auth-success"
	RespAuthFailure       = "auth-failure"
	RespUnauthorized      = "unauthorized"
	RespUsernameExists    = "username-exists"
	RespUsernameAvailable = "username-available"
	RespRegisterSuccess   = "register-success"
)

// FormatChallenge frames a freshly issued challenge.
func FormatChallenge(challengeHex string) string {
	return "challenge:" + challengeHex
}

// FormatRegisterFailure frames a registration failure with a human-readable
// reason.
func FormatRegisterFailure(reason string) string {
	return "register-failure:" + reason
}

// FormatChatInitSuccess confirms a chat-init request for the given partner.
func FormatChatInitSuccess(partner string) string {
	return "chat-init-success:" + partner
}

// FormatChatInitFailure frames a chat-init failure with a reason.
func FormatChatInitFailure(reason string) string {
	return "chat-init-failure:" + reason
}

// FormatPublicKey frames a partner's verification key for end-to-end use.
func FormatPublicKey(username, modulusHex, exponentHex string) string {
	return fmt.Sprintf("public-key:%s:%s:%s", username, modulusHex, exponentHex)
}

// FormatDelivered confirms direct delivery to the sender.
func FormatDelivered(recipient string) string {
	return "message-delivered:" + recipient
}

// FormatMessageFailed reports a direct-delivery failure to the sender.
func FormatMessageFailed(reason string) string {
	return "message-failed:" + reason
}

// FormatOnlineUsers frames a presence snapshot: the full set of usernames
// with a live connection, as a JSON array. Always a snapshot, never a diff.
func FormatOnlineUsers(usernames []string) (string, error) {
	if usernames == nil {
		usernames = []string{}
	}
	data, err := json.Marshal(usernames)
	if err != nil {
		return "", fmt.Errorf("encode online users: %w", err)
	}
	return "online-users:" + string(data), nil
}
