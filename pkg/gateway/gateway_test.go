package gateway

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embedkit/embedkit/pkg/backend"
	"github.com/embedkit/embedkit/pkg/config"
	"github.com/embedkit/embedkit/pkg/history"
	"github.com/embedkit/embedkit/pkg/netclient"
)

var pngHeader = []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 0, 0, 0, 0}

// fakeBackend is the hosted chat service the gateway proxies to.
func fakeBackend(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/chat", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"reply":"Here is **bold** advice."}`))
	})
	mux.HandleFunc("/conversations", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"messages":[]}`))
	})
	mux.HandleFunc("/lead", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	mux.HandleFunc("/mascot/upload", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseMultipartForm(1<<20))
		w.Write([]byte(`{"url":"https://cdn.embedkit.dev/m.png"}`))
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func newGateway(t *testing.T, tweak func(cfg *config.Config)) *Gateway {
	t.Helper()
	upstream := fakeBackend(t)

	cfg := config.DefaultConfig()
	cfg.Widget.Site = "acme.io"
	cfg.Backend.BaseURL = upstream.URL
	cfg.Gateway.RatePerMinute = 0
	if tweak != nil {
		tweak(cfg)
	}

	api := backend.New(netclient.New(upstream.URL, netclient.Policy{
		MaxRetries: 0,
		Timeout:    5 * time.Second,
	}))

	store, err := history.NewSQLiteStore(filepath.Join(t.TempDir(), "gateway.db"), cfg.History.Limit)
	require.NoError(t, err)

	return New(cfg, api, store)
}

func newTestGateway(t *testing.T, tweak func(cfg *config.Config)) http.Handler {
	t.Helper()
	return newGateway(t, tweak).Handler()
}

func getJSON(t *testing.T, h http.Handler, path string, out any) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if out != nil && rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec
}

func postJSON(t *testing.T, h http.Handler, path string, body, out any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if out != nil && rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec
}

func TestBootMintsSession(t *testing.T) {
	h := newTestGateway(t, nil)

	var boot bootResponse
	rec := getJSON(t, h, "/api/widget/boot", &boot)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.True(t, strings.HasPrefix(boot.SessionID, "sess-"))
	assert.Equal(t, "acme.io", boot.Site)
	assert.Equal(t, "basic", boot.Plan)
}

func TestBootKeepsProvidedSession(t *testing.T) {
	h := newTestGateway(t, nil)

	var boot bootResponse
	getJSON(t, h, "/api/widget/boot?session_id=sess-known-1", &boot)
	assert.Equal(t, "sess-known-1", boot.SessionID)
}

func TestSendReturnsRenderedBubbles(t *testing.T) {
	h := newTestGateway(t, nil)

	var resp sendResponse
	rec := postJSON(t, h, "/api/widget/send", sendRequest{
		SessionID: "sess-r-1",
		Message:   "hello",
	}, &resp)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.True(t, resp.Accepted)
	assert.True(t, resp.InputEnabled)
	require.Len(t, resp.Messages, 2)

	assert.Equal(t, "user", resp.Messages[0].Role)
	assert.Equal(t, "hello", resp.Messages[0].Text)

	assert.Equal(t, "bot", resp.Messages[1].Role)
	assert.Contains(t, resp.Messages[1].HTML, "<strong>bold</strong>")
	assert.NotContains(t, resp.Messages[1].HTML, "**")
}

func TestSendEmptyMessageNotAccepted(t *testing.T) {
	h := newTestGateway(t, nil)

	var resp sendResponse
	postJSON(t, h, "/api/widget/send", sendRequest{SessionID: "sess-e-1", Message: "  "}, &resp)
	assert.False(t, resp.Accepted)
	assert.Empty(t, resp.Messages)
}

func TestSendRateLimited(t *testing.T) {
	h := newTestGateway(t, func(cfg *config.Config) {
		cfg.Gateway.RatePerMinute = 1
	})

	// Burst allows a handful; keep sending until the limiter trips.
	var sawLimit bool
	for i := 0; i < 10; i++ {
		rec := postJSON(t, h, "/api/widget/send", sendRequest{SessionID: "sess-rl-1", Message: "spam"}, nil)
		if rec.Code == http.StatusTooManyRequests {
			sawLimit = true
			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, "rate_limited", body["error"])
			break
		}
		require.Equal(t, http.StatusOK, rec.Code)
	}
	assert.True(t, sawLimit, "limiter never tripped")
}

func TestHistoryPersistsAcrossHandlers(t *testing.T) {
	h := newTestGateway(t, nil)

	postJSON(t, h, "/api/widget/send", sendRequest{SessionID: "sess-h-1", Message: "hello"}, nil)

	var hist historyResponse
	rec := getJSON(t, h, "/api/widget/history?session_id=sess-h-1", &hist)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, hist.Messages, 2)
	assert.Equal(t, "hello", hist.Messages[0].Text)
	assert.NotEmpty(t, hist.Messages[1].HTML)
}

func TestHistoryRequiresSession(t *testing.T) {
	h := newTestGateway(t, nil)
	rec := getJSON(t, h, "/api/widget/history", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLeadForwarded(t *testing.T) {
	h := newTestGateway(t, nil)

	rec := postJSON(t, h, "/api/widget/lead", leadRequest{
		Name:  "Ada",
		Email: "ada@acme.io",
	}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUpload(t *testing.T) {
	h := newTestGateway(t, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("mascot", "mascot.png")
	require.NoError(t, err)
	_, err = fw.Write(pngHeader)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/widget/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "https://cdn.embedkit.dev/m.png", body["url"])
}

func TestUploadRejectsNonImage(t *testing.T) {
	h := newTestGateway(t, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("mascot", "notes.txt")
	require.NoError(t, err)
	_, err = fw.Write([]byte("plain text"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/widget/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestMethodGuards(t *testing.T) {
	h := newTestGateway(t, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/widget/boot", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/widget/send", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/widget/history?session_id=sess-x-1", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestIdleSessionsEvicted(t *testing.T) {
	g := newGateway(t, nil)
	g.idleTTL = 10 * time.Millisecond

	g.session("sess-old-1")
	g.mu.Lock()
	g.sessions["sess-old-1"].lastSeen = time.Now().Add(-time.Minute)
	g.mu.Unlock()

	g.session("sess-new-1")

	g.mu.Lock()
	_, oldKept := g.sessions["sess-old-1"]
	_, newKept := g.sessions["sess-new-1"]
	g.mu.Unlock()
	assert.False(t, oldKept, "idle session should be evicted")
	assert.True(t, newKept)
}

func TestActiveSessionNotEvicted(t *testing.T) {
	g := newGateway(t, nil)
	g.idleTTL = time.Hour

	g.session("sess-a-1")
	g.session("sess-b-1")

	g.mu.Lock()
	defer g.mu.Unlock()
	assert.Len(t, g.sessions, 2)
}
