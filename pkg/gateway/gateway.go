// Package gateway exposes the widget core to an embedded page as a small
// JSON API: boot, send, history, lead and upload. Each visitor session
// gets its own widget instance over the shared sqlite history store.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/embedkit/embedkit/pkg/backend"
	"github.com/embedkit/embedkit/pkg/config"
	"github.com/embedkit/embedkit/pkg/history"
	"github.com/embedkit/embedkit/pkg/logger"
	"github.com/embedkit/embedkit/pkg/render"
	"github.com/embedkit/embedkit/pkg/widget"
)

const maxUploadBytes = 5 << 20

// Idle widget instances are evicted from memory; their history stays in
// sqlite, so a returning visitor just gets a fresh instance.
const sessionIdleTTL = 24 * time.Hour

type Gateway struct {
	cfg    *config.Config
	api    *backend.Client
	store  *history.SQLiteStore
	server *http.Server

	idleTTL time.Duration

	mu       sync.Mutex
	sessions map[string]*visitorSession
}

// visitorSession pairs one widget instance with its capture UI and rate
// limiter. lastSeen is guarded by the gateway mutex, not the session's.
type visitorSession struct {
	mu          sync.Mutex
	widget      *widget.Widget
	ui          *captureUI
	limiter     *rate.Limiter
	lastContext string
	opened      bool
	lastSeen    time.Time
}

func New(cfg *config.Config, api *backend.Client, store *history.SQLiteStore) *Gateway {
	return &Gateway{
		cfg:      cfg,
		api:      api,
		store:    store,
		idleTTL:  sessionIdleTTL,
		sessions: make(map[string]*visitorSession),
	}
}

func (g *Gateway) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", g.cfg.Gateway.Host, g.cfg.Gateway.Port)
	g.server = &http.Server{Addr: addr, Handler: g.Handler()}

	logger.InfoCF("gateway", "widget gateway started", map[string]interface{}{
		"addr":   addr,
		"prefix": g.cfg.Gateway.PathPrefix,
	})

	go func() {
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.ErrorCF("gateway", "server error", map[string]interface{}{"error": err.Error()})
		}
	}()

	return nil
}

func (g *Gateway) Stop(ctx context.Context) error {
	if g.server != nil {
		return g.server.Shutdown(ctx)
	}
	return nil
}

// Handler builds the route table. Exposed for tests.
func (g *Gateway) Handler() http.Handler {
	prefix := g.cfg.Gateway.PathPrefix
	mux := http.NewServeMux()
	mux.HandleFunc(prefix+"/boot", g.handleBoot)
	mux.HandleFunc(prefix+"/send", g.handleSend)
	mux.HandleFunc(prefix+"/history", g.handleHistory)
	mux.HandleFunc(prefix+"/lead", g.handleLead)
	mux.HandleFunc(prefix+"/upload", g.handleUpload)
	return mux
}

// session returns the widget instance for a session id, creating it on
// first contact. Sessions idle past the TTL are evicted on the way so
// unauthenticated traffic cannot grow the map without bound.
func (g *Gateway) session(id string) *visitorSession {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	for sid, s := range g.sessions {
		if sid != id && now.Sub(s.lastSeen) > g.idleTTL {
			delete(g.sessions, sid)
		}
	}

	if s, ok := g.sessions[id]; ok {
		s.lastSeen = now
		return s
	}

	ui := &captureUI{inputEnabled: true}
	w := widget.New(g.cfg, g.store.Session(id), g.api, ui)
	s := &visitorSession{widget: w, ui: ui, lastSeen: now}
	if perMin := g.cfg.Gateway.RatePerMinute; perMin > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(float64(perMin)/60.0), 5)
	}
	w.SetContextProvider(func() string {
		return s.lastContext
	})

	g.sessions[id] = s
	return s
}

type bootResponse struct {
	SessionID string `json:"session_id"`
	Site      string `json:"site"`
	Plan      string `json:"plan"`
	AutoOpen  bool   `json:"auto_open"`
}

// handleBoot hands the embed script its session id and display settings,
// minting a fresh session when the page has none stored.
func (g *Gateway) handleBoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("session_id")
	if id == "" {
		id = history.NewSessionID()
	}
	s := g.session(id)

	s.mu.Lock()
	if !s.opened {
		s.widget.Open(r.Context())
		s.opened = true
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, bootResponse{
		SessionID: id,
		Site:      g.cfg.Site(),
		Plan:      s.widget.Plan(),
		AutoOpen:  g.cfg.Widget.AutoOpen,
	})
}

type sendRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
	PageURL   string `json:"page_url"`
	Context   string `json:"context"`
}

type sendResponse struct {
	Messages     []messageView `json:"messages"`
	Remaining    *int          `json:"remaining,omitempty"`
	InputEnabled bool          `json:"input_enabled"`
	Accepted     bool          `json:"accepted"`
}

func (g *Gateway) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request"})
		return
	}
	if req.SessionID == "" {
		req.SessionID = history.NewSessionID()
	}

	s := g.session(req.SessionID)

	if s.limiter != nil && !s.limiter.Allow() {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error":   "rate_limited",
			"message": "Too many messages, slow down.",
		})
		return
	}

	s.mu.Lock()
	s.lastContext = req.Context
	if req.PageURL != "" {
		s.widget.SetPageURL(req.PageURL)
	}
	accepted := s.widget.Send(r.Context(), req.Message)
	bubbles, remaining, inputEnabled := s.ui.drain()
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, sendResponse{
		Messages:     views(bubbles),
		Remaining:    remaining,
		InputEnabled: inputEnabled,
		Accepted:     accepted,
	})
}

type historyResponse struct {
	SessionID string        `json:"session_id"`
	Messages  []messageView `json:"messages"`
}

func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("session_id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing session_id"})
		return
	}

	s := g.session(id)
	writeJSON(w, http.StatusOK, historyResponse{
		SessionID: id,
		Messages:  views(s.widget.History()),
	})
}

type leadRequest struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Message string `json:"message"`
	PageURL string `json:"page_url"`
}

func (g *Gateway) handleLead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req leadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request"})
		return
	}

	err := g.api.Lead(r.Context(), backend.Lead{
		Site:    g.cfg.Site(),
		Name:    req.Name,
		Email:   req.Email,
		Message: req.Message,
		PageURL: req.PageURL,
	})
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "lead_failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{})
}

func (g *Gateway) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_upload"})
		return
	}
	file, header, err := r.FormFile("mascot")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing mascot field"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_upload"})
		return
	}

	url, err := g.api.UploadMascot(r.Context(), header.Filename, data)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// messageView is a transcript entry with its pre-rendered safe HTML so the
// embed script never interprets raw text.
type messageView struct {
	ID        string         `json:"id"`
	Role      string         `json:"role"`
	Text      string         `json:"text"`
	HTML      string         `json:"html"`
	Timestamp string         `json:"timestamp"`
	Extra     *history.Extra `json:"extra,omitempty"`
}

func views(msgs []history.Message) []messageView {
	out := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageView{
			ID:        m.ID,
			Role:      m.Role,
			Text:      m.Text,
			HTML:      render.Render(m.Text),
			Timestamp: m.Timestamp,
			Extra:     m.Extra,
		})
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.ErrorCF("gateway", "encode response", map[string]interface{}{"error": err.Error()})
	}
}

// captureUI collects the bubbles a widget emits during one request so the
// handler can return them to the page.
type captureUI struct {
	mu           sync.Mutex
	bubbles      []history.Message
	remaining    *int
	inputEnabled bool
}

func (u *captureUI) drain() ([]history.Message, *int, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := u.bubbles
	u.bubbles = nil
	return out, u.remaining, u.inputEnabled
}

func (u *captureUI) ResetTranscript([]history.Message) {}

func (u *captureUI) AppendMessage(msg history.Message) {
	u.mu.Lock()
	u.bubbles = append(u.bubbles, msg)
	u.mu.Unlock()
}

func (u *captureUI) ShowTyping() {}
func (u *captureUI) HideTyping() {}

func (u *captureUI) SetInputEnabled(enabled bool) {
	u.mu.Lock()
	u.inputEnabled = enabled
	u.mu.Unlock()
}

func (u *captureUI) UpdateRemaining(remaining int) {
	u.mu.Lock()
	r := remaining
	u.remaining = &r
	u.mu.Unlock()
}

func (u *captureUI) StreamStart()       {}
func (u *captureUI) StreamChunk(string) {}

func (u *captureUI) StreamEnd(msg history.Message) {
	u.AppendMessage(msg)
}

var _ widget.UI = (*captureUI)(nil)
