// Package backend is the typed client for the hosted chat service: chat,
// activation, mascot upload, conversation restore and lead capture. Wire
// probing and status-code mapping happen here so the widget layer matches
// on tagged results instead of optional fields.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/h2non/filetype"

	"github.com/embedkit/embedkit/pkg/history"
	"github.com/embedkit/embedkit/pkg/logger"
	"github.com/embedkit/embedkit/pkg/netclient"
)

const (
	pathChat          = "/chat"
	pathActivate      = "/site/activate"
	pathUpload        = "/mascot/upload"
	pathConversations = "/conversations"
	pathLead          = "/lead"
)

type Client struct {
	http *netclient.Client
}

func New(http *netclient.Client) *Client {
	return &Client{http: http}
}

// Chat sends one visitor turn and returns the tagged reply. Transport
// failures have already been retried by the network client; application
// errors come back as *APIError.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatReply, error) {
	resp, err := c.http.PostJSON(ctx, pathChat, req)
	if err != nil {
		return nil, err
	}
	return parseChatReply(resp.StatusCode(), resp.Body())
}

// ChatStream is the streaming variant: the reply body is a plain byte
// stream appended chunk by chunk. Text delivered to onChunk before a
// mid-stream failure is the caller's to keep.
func (c *Client) ChatStream(ctx context.Context, req ChatRequest, onChunk func(text string)) error {
	err := c.http.PostStream(ctx, pathChat, req, func(chunk []byte) {
		onChunk(string(chunk))
	})
	if err == nil {
		return nil
	}

	var he *netclient.HTTPError
	if errors.As(err, &he) {
		return parseAPIError(he.Status, he.Body)
	}
	return err
}

// Activate exchanges the embed token for the site's plan state.
func (c *Client) Activate(ctx context.Context, token string) (*Activation, error) {
	resp, err := c.http.PostJSON(ctx, pathActivate, map[string]string{"token": token})
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, parseAPIError(resp.StatusCode(), resp.Body())
	}

	var raw rawActivation
	if err := json.Unmarshal(resp.Body(), &raw); err != nil {
		return nil, fmt.Errorf("malformed activation response: %w", err)
	}

	plan := raw.Site.Plan
	if plan == "" {
		plan = raw.Site.Status
	}
	return &Activation{
		Plan:      plan,
		Site:      raw.Site.Domain,
		DemoLimit: raw.Site.DemoMessageLimit,
		DemoUsed:  raw.Site.DemoMessageUsed,
	}, nil
}

// UploadMascot sends an image as the multipart "mascot" field and returns
// the hosted URL. Non-image payloads are rejected before any bytes leave.
func (c *Client) UploadMascot(ctx context.Context, filename string, data []byte) (string, error) {
	if !filetype.IsImage(data) {
		return "", fmt.Errorf("mascot upload: %s is not an image", filename)
	}

	resp, err := c.http.PostForm(ctx, pathUpload, nil, "mascot", filename, data)
	if err != nil {
		return "", err
	}
	if resp.IsError() {
		return "", parseAPIError(resp.StatusCode(), resp.Body())
	}

	var out struct {
		URL   string `json:"url"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return "", fmt.Errorf("malformed upload response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("mascot upload: %s", out.Error)
	}
	return out.URL, nil
}

// Conversations fetches the server-held history for a session. An empty
// list means the server has nothing authoritative to say.
func (c *Client) Conversations(ctx context.Context, site, sessionID string) ([]history.Message, error) {
	resp, err := c.http.Get(ctx, pathConversations, map[string]string{
		"site":      site,
		"sessionId": sessionID,
	})
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, parseAPIError(resp.StatusCode(), resp.Body())
	}

	var raw rawConversations
	if err := json.Unmarshal(resp.Body(), &raw); err != nil {
		return nil, fmt.Errorf("malformed conversations response: %w", err)
	}

	msgs := make([]history.Message, 0, len(raw.Messages))
	for _, m := range raw.Messages {
		msgs = append(msgs, history.Message{
			ID:        uuid.NewString(),
			Role:      m.Role,
			Text:      m.Text,
			Timestamp: m.TS,
			Extra:     m.Extra,
		})
	}
	return msgs, nil
}

// Lead submits a captured lead.
func (c *Client) Lead(ctx context.Context, lead Lead) error {
	resp, err := c.http.PostJSON(ctx, pathLead, lead)
	if err != nil {
		return err
	}
	if resp.IsError() {
		apiErr := parseAPIError(resp.StatusCode(), resp.Body())
		logger.WarnCF("backend", "lead submission rejected", map[string]interface{}{
			"status": apiErr.Status,
		})
		return apiErr
	}
	return nil
}
