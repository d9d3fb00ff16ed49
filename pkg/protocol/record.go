package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMissingSender indicates a chat record without a sender.
	ErrMissingSender = errors.New("chat record has no sender")
	// ErrMissingContent indicates a chat record without content.
	ErrMissingContent = errors.New("chat record has no content")
)

// ChatRecord is the structured message clients exchange. Recipient set means
// direct delivery to exactly one user; empty means broadcast to every open
// connection. Timestamp is server-assigned (unix milliseconds) on broadcast
// and left as the client sent it on direct delivery.
type ChatRecord struct {
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Recipient string `json:"recipient,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// DecodeRecord parses a chat record frame. Anything that is not a JSON
// object with a sender and content is malformed.
func DecodeRecord(frame string) (*ChatRecord, error) {
	var rec ChatRecord
	if err := json.Unmarshal([]byte(frame), &rec); err != nil {
		return nil, fmt.Errorf("decode chat record: %w", err)
	}
	if strings.TrimSpace(rec.Sender) == "" {
		return nil, ErrMissingSender
	}
	if rec.Content == "" {
		return nil, ErrMissingContent
	}
	return &rec, nil
}

// Encode serializes the record to a single text frame.
func (r *ChatRecord) Encode() (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encode chat record: %w", err)
	}
	return string(data), nil
}
