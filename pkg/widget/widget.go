// Package widget implements the chat widget core: one instance per
// visitor, owning the session, the capped history, the backend client and
// the send state machine. No globals; every instance is independently
// testable.
package widget

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/embedkit/embedkit/pkg/backend"
	"github.com/embedkit/embedkit/pkg/config"
	"github.com/embedkit/embedkit/pkg/history"
	"github.com/embedkit/embedkit/pkg/logger"
	"github.com/embedkit/embedkit/pkg/netclient"
)

// User-facing copy for the failure taxonomy. Errors never escape the
// widget; they become bot-style bubbles.
const (
	msgTimeout     = "Request timed out."
	msgNetwork     = "Network error. Please try again."
	msgDemoLimit   = "You've reached the demo message limit."
	msgDailyLimit  = "Daily message limit reached. Please try again tomorrow."
	msgLeadFailed  = "Could not submit your details. Please try again."
	msgLeadThanks  = "Thanks! We'll be in touch."
	msgUploadError = "Upload failed."
)

// ContextProvider supplies the page snippet sent with chat requests. The
// widget caps it to the configured limit.
type ContextProvider func() string

type Widget struct {
	site         string
	pageURL      string
	token        string
	plan         string
	contextLimit int

	store history.Store
	api   *backend.Client
	ui    UI

	contextFn ContextProvider

	sending  atomic.Bool
	disabled atomic.Bool

	mu         sync.Mutex
	activation *backend.Activation
}

func New(cfg *config.Config, store history.Store, api *backend.Client, ui UI) *Widget {
	if ui == nil {
		ui = NopUI{}
	}
	return &Widget{
		site:         cfg.Site(),
		pageURL:      cfg.Widget.PageURL,
		token:        cfg.Widget.Token,
		plan:         cfg.Widget.Plan,
		contextLimit: cfg.Widget.ContextLimit,
		store:        store,
		api:          api,
		ui:           ui,
	}
}

// SetContextProvider installs the page-context source.
func (w *Widget) SetContextProvider(fn ContextProvider) {
	w.contextFn = fn
}

// SetPageURL overrides the page URL reported with each send, as when the
// gateway relays it per request.
func (w *Widget) SetPageURL(url string) {
	w.pageURL = url
}

// SessionID exposes the underlying session identifier.
func (w *Widget) SessionID() string { return w.store.SessionID() }

// Plan returns the effective plan: the activated one when known,
// otherwise the configured default.
func (w *Widget) Plan() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.activation != nil && w.activation.Plan != "" {
		return w.activation.Plan
	}
	return w.plan
}

// Disabled reports whether the send control has been shut off.
func (w *Widget) Disabled() bool { return w.disabled.Load() }

// History returns the current transcript.
func (w *Widget) History() []history.Message { return w.store.Load() }

// Open runs the panel-open sequence: activation when a token is
// configured, then server-side conversation restore. A non-empty server
// history wholesale-replaces the local one; every failure here degrades to
// whatever is stored locally.
func (w *Widget) Open(ctx context.Context) {
	if w.token != "" {
		act, err := w.api.Activate(ctx, w.token)
		if err != nil {
			logger.WarnCF("widget", "activation failed", map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			w.mu.Lock()
			w.activation = act
			w.mu.Unlock()
			w.ui.UpdateRemaining(act.DemoRemaining())
			if act.DemoRemaining() <= 0 {
				w.disable()
			}
		}
	}

	msgs, err := w.api.Conversations(ctx, w.site, w.store.SessionID())
	if err != nil {
		logger.DebugCF("widget", "conversation restore skipped", map[string]interface{}{
			"error": err.Error(),
		})
	} else if len(msgs) > 0 {
		w.store.Replace(msgs)
	}

	w.ui.ResetTranscript(w.store.Load())
}

// Send runs one chat turn. It reports whether a send was actually
// initiated: empty input, a disabled widget, or an in-flight send all
// count as no-ops (overlapping input is dropped, not queued).
func (w *Widget) Send(ctx context.Context, text string) bool {
	text = strings.TrimSpace(text)
	if text == "" || w.disabled.Load() {
		return false
	}
	if !w.sending.CompareAndSwap(false, true) {
		return false
	}
	defer w.sending.Store(false)

	w.appendUser(text)
	w.ui.ShowTyping()
	defer w.ui.HideTyping()

	reply, err := w.api.Chat(ctx, w.chatRequest(text))
	if err != nil {
		w.handleSendError(err)
		return true
	}

	bot := history.NewMessage(history.RoleBot, reply.Text)
	bot.Extra = reply.Extra
	w.store.Append(bot)
	w.ui.AppendMessage(bot)

	if reply.Remaining != nil {
		w.ui.UpdateRemaining(*reply.Remaining)
		if *reply.Remaining <= 0 {
			w.disable()
		}
	}
	return true
}

// SendStreaming is the streaming variant of Send: the reply grows one
// bubble chunk by chunk. Whatever text arrived before a mid-stream failure
// is kept and persisted.
func (w *Widget) SendStreaming(ctx context.Context, text string) bool {
	text = strings.TrimSpace(text)
	if text == "" || w.disabled.Load() {
		return false
	}
	if !w.sending.CompareAndSwap(false, true) {
		return false
	}
	defer w.sending.Store(false)

	w.appendUser(text)
	w.ui.ShowTyping()

	var b strings.Builder
	started := false
	err := w.api.ChatStream(ctx, w.chatRequest(text), func(chunk string) {
		if !started {
			started = true
			w.ui.HideTyping()
			w.ui.StreamStart()
		}
		b.WriteString(chunk)
		w.ui.StreamChunk(chunk)
	})
	if !started {
		w.ui.HideTyping()
	}

	if b.Len() > 0 {
		bot := history.NewMessage(history.RoleBot, b.String())
		w.store.Append(bot)
		w.ui.StreamEnd(bot)
		if err != nil {
			logger.WarnCF("widget", "stream interrupted, partial reply kept", map[string]interface{}{
				"error": err.Error(),
			})
		}
		return true
	}

	if err != nil {
		w.handleSendError(err)
	}
	return true
}

// SubmitLead sends a lead-capture form and reports success. Failures
// surface as an inline bubble.
func (w *Widget) SubmitLead(ctx context.Context, name, email, message string) bool {
	err := w.api.Lead(ctx, backend.Lead{
		Site:    w.site,
		Name:    name,
		Email:   email,
		Message: message,
		PageURL: w.pageURL,
	})
	if err != nil {
		w.botNotice(msgLeadFailed)
		return false
	}
	w.botNotice(msgLeadThanks)
	return true
}

// UploadMascot uploads a mascot image and returns its hosted URL. Failures
// surface as an inline failed-upload bubble.
func (w *Widget) UploadMascot(ctx context.Context, filename string, data []byte) (string, bool) {
	url, err := w.api.UploadMascot(ctx, filename, data)
	if err != nil {
		w.botNotice(fmt.Sprintf("%s %s", msgUploadError, filename))
		return "", false
	}
	return url, true
}

func (w *Widget) appendUser(text string) {
	msg := history.NewMessage(history.RoleUser, text)
	w.store.Append(msg)
	w.ui.AppendMessage(msg)
}

func (w *Widget) chatRequest(text string) backend.ChatRequest {
	var pageContext string
	if w.contextFn != nil {
		pageContext = capRunes(w.contextFn(), w.contextLimit)
	}
	return backend.ChatRequest{
		SessionID: w.store.SessionID(),
		Message:   text,
		PageURL:   w.pageURL,
		Context:   pageContext,
		Site:      w.site,
	}
}

// handleSendError maps the failure taxonomy onto user-facing bubbles.
// Only the two limit statuses disable the input; everything else leaves
// the widget interactive.
func (w *Widget) handleSendError(err error) {
	var apiErr *backend.APIError

	switch {
	case errors.Is(err, backend.ErrDemoLimit):
		msg := msgDemoLimit
		if errors.As(err, &apiErr) {
			if apiErr.Message != "" {
				msg = apiErr.Message
			}
			if apiErr.UpgradeURL != "" {
				msg += "\nUpgrade: " + apiErr.UpgradeURL
			}
		}
		w.botNotice(msg)
		w.disable()

	case errors.Is(err, backend.ErrRateLimited):
		msg := msgDailyLimit
		if errors.As(err, &apiErr) && apiErr.Message != "" {
			msg = apiErr.Message
		}
		w.botNotice(msg)
		w.disable()

	case errors.As(err, &apiErr):
		msg := apiErr.Message
		if msg == "" {
			msg = fmt.Sprintf("Server error %d", apiErr.Status)
		}
		w.botNotice(msg)

	case netclient.IsTimeout(err):
		w.botNotice(msgTimeout)

	default:
		logger.WarnCF("widget", "chat request failed", map[string]interface{}{
			"error": err.Error(),
		})
		w.botNotice(msgNetwork)
	}
}

func (w *Widget) botNotice(text string) {
	msg := history.NewMessage(history.RoleBot, text)
	w.store.Append(msg)
	w.ui.AppendMessage(msg)
}

// disable permanently shuts off the send control for this session. There
// is no re-enable path; the server stays the authority on limits.
func (w *Widget) disable() {
	w.disabled.Store(true)
	w.ui.SetInputEnabled(false)
}

func capRunes(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
