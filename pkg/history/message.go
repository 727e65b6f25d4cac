// Package history holds the visitor session and the capped, append-only
// message log behind the chat widget.
package history

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	RoleUser = "user"
	RoleBot  = "bot"
)

// DefaultLimit is the maximum number of messages a store retains.
const DefaultLimit = 200

// Message is one exchanged chat turn. Timestamp is an ISO-8601 string so
// persisted history round-trips byte-for-byte.
type Message struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
	Extra     *Extra `json:"extra,omitempty"`
}

// Extra is optional rich bot content beyond plain text: a card or a row of
// quick-reply buttons.
type Extra struct {
	Card    *Card    `json:"card,omitempty"`
	Buttons []Button `json:"buttons,omitempty"`
}

type Card struct {
	Title   string   `json:"title"`
	Body    string   `json:"body"`
	Actions []string `json:"actions,omitempty"`
}

type Button struct {
	Label   string `json:"label"`
	Text    string `json:"text,omitempty"`
	Payload string `json:"payload,omitempty"`
}

// NewMessage builds a message with a fresh id and the current UTC time.
func NewMessage(role, text string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Text:      text,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// NewSessionID generates a visitor session identifier in the persisted
// sess-<random>-<timestamp> form.
func NewSessionID() string {
	return fmt.Sprintf("sess-%s-%d", uuid.NewString()[:8], time.Now().UnixMilli())
}

// truncate keeps the most recent limit messages in original order.
func truncate(msgs []Message, limit int) []Message {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if len(msgs) <= limit {
		return msgs
	}
	return msgs[len(msgs)-limit:]
}
