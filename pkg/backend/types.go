package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/embedkit/embedkit/pkg/history"
)

// Sentinel errors for the two status codes with dedicated widget behavior.
var (
	ErrDemoLimit   = errors.New("demo message limit reached")
	ErrRateLimited = errors.New("rate limited")
)

// APIError is an application-level failure: an HTTP response arrived but
// carried an error status and (usually) a JSON error body. It is never
// retried.
type APIError struct {
	Status     int
	Code       string
	Message    string
	UpgradeURL string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("server error %d", e.Status)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrDemoLimit:
		return e.Status == http.StatusPaymentRequired || e.Code == "demo_limit_reached"
	case ErrRateLimited:
		return e.Status == http.StatusTooManyRequests
	}
	return false
}

// ChatRequest is the /chat payload. Context is the capped page snippet the
// embed script scrapes for retrieval purposes.
type ChatRequest struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
	PageURL   string `json:"pageUrl,omitempty"`
	Context   string `json:"context,omitempty"`
	Site      string `json:"site,omitempty"`
}

type ReplyKind int

const (
	KindText ReplyKind = iota
	KindRich
)

// ChatReply is the tagged result of a successful chat turn. Remaining is
// the server's demo counter when present.
type ChatReply struct {
	Kind      ReplyKind
	Text      string
	Extra     *history.Extra
	Remaining *int
}

// rawChatReply mirrors the loose wire shapes the backend has shipped over
// time. The probing stays inside parseChatReply; everything downstream
// sees the tagged ChatReply.
type rawChatReply struct {
	Reply     string         `json:"reply"`
	Text      string         `json:"text"`
	Message   string         `json:"message"`
	Extra     *history.Extra `json:"extra"`
	Remaining *int           `json:"remaining"`
}

type rawAPIError struct {
	Message string `json:"message"`
	Error   string `json:"error"`
	Upgrade struct {
		URL string `json:"url"`
	} `json:"upgrade"`
}

// parseChatReply converts a received /chat response into the tagged reply
// type, or a typed error for non-2xx statuses.
func parseChatReply(status int, body []byte) (*ChatReply, error) {
	if status < 200 || status > 299 {
		return nil, parseAPIError(status, body)
	}

	var raw rawChatReply
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("malformed chat response: %w", err)
	}

	text := raw.Reply
	if text == "" {
		text = raw.Text
	}
	if text == "" {
		text = raw.Message
	}

	reply := &ChatReply{Kind: KindText, Text: text, Remaining: raw.Remaining}
	if raw.Extra != nil && (raw.Extra.Card != nil || len(raw.Extra.Buttons) > 0) {
		reply.Kind = KindRich
		reply.Extra = raw.Extra
	}
	return reply, nil
}

func parseAPIError(status int, body []byte) *APIError {
	var raw rawAPIError
	// A non-JSON error body still maps to a generic status error.
	_ = json.Unmarshal(body, &raw)
	return &APIError{
		Status:     status,
		Code:       raw.Error,
		Message:    raw.Message,
		UpgradeURL: raw.Upgrade.URL,
	}
}

// Activation is the token-gated plan state fetched on panel open.
type Activation struct {
	Plan      string
	Site      string
	DemoLimit int
	DemoUsed  int
}

// DemoRemaining is the derived count of demo turns left.
func (a *Activation) DemoRemaining() int {
	return a.DemoLimit - a.DemoUsed
}

type rawActivation struct {
	Site struct {
		Status           string `json:"status"`
		Plan             string `json:"plan"`
		Domain           string `json:"domain"`
		DemoMessageLimit int    `json:"demo_message_limit"`
		DemoMessageUsed  int    `json:"demo_message_used"`
	} `json:"site"`
}

// Lead is the /lead capture payload.
type Lead struct {
	Site    string `json:"site"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Message string `json:"message"`
	PageURL string `json:"pageUrl,omitempty"`
}

type rawConversations struct {
	Messages []struct {
		Role  string         `json:"role"`
		Text  string         `json:"text"`
		TS    string         `json:"ts"`
		Extra *history.Extra `json:"extra"`
	} `json:"messages"`
}
