// Package agentproxy forwards chat calls from the front end to the external
// agent platform, adding the platform API key so it never reaches browsers.
//
//	POST /api/chat/{app_id}/{agent_id}/call   -> {base}/public/v1/app/{app_id}/chat/{agent_id}/call
//	POST /api/chat/{app_id}/{agent_id}/reset  -> {base}/public/v1/app/{app_id}/chat/{agent_id}/reset
//
// Successful upstream JSON is returned unchanged. Upstream HTTP errors keep
// their status code; transport failures become 500. The upstream calls go
// through platform.Client. Error bodies use the
// {"detail":"..."} shape of the REST API.
package agentproxy

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/techday/satbridge/internal/logctx"
	"github.com/techday/satbridge/platform"
)

const (
	// DefaultBasePath is where the proxy routes are mounted.
	DefaultBasePath = "/api/chat"

	maxBodyBytes = 1 << 20
)

// Option configures the Handler.
type Option func(*Handler)

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// Handler is the chat proxy.
type Handler struct {
	client *platform.Client
	log    *slog.Logger
	mux    *http.ServeMux
}

// New builds the proxy over client.
func New(client *platform.Client, opts ...Option) *Handler {
	h := &Handler{
		client: client,
		log:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.log == nil {
		h.log = slog.New(slog.DiscardHandler)
	}
	h.log = slog.New(logctx.Handler{Handler: h.log.Handler()})

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+DefaultBasePath+"/{app_id}/{agent_id}/call", h.handleCall)
	mux.HandleFunc("POST "+DefaultBasePath+"/{app_id}/{agent_id}/reset", h.handleReset)
	h.mux = mux
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

func (h *Handler) handleCall(w http.ResponseWriter, r *http.Request) {
	appID, agentID, ok := pathIDs(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeDetail(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeDetail(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if !json.Valid(body) {
		writeDetail(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	h.forward(w, r, appID, agentID, "call", body)
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	appID, agentID, ok := pathIDs(w, r)
	if !ok {
		return
	}
	h.forward(w, r, appID, agentID, "reset", nil)
}

// forward relays one chat action and its JSON answer.
func (h *Handler) forward(w http.ResponseWriter, r *http.Request, appID, agentID int, action string, body []byte) {
	start := time.Now()
	ctx := r.Context()
	target := h.client.ChatURL(appID, agentID, action)

	out, err := h.client.Chat(ctx, appID, agentID, action, body)
	if err != nil {
		var se *platform.StatusError
		if errors.As(err, &se) {
			h.log.WarnContext(ctx, "agent.upstream.status",
				slog.String("url", target),
				slog.Int("status", se.StatusCode),
			)
			writeDetail(w, se.StatusCode, se.Error())
			return
		}
		h.log.ErrorContext(ctx, "agent.upstream.fail", slog.String("url", target), slog.String("err", err.Error()))
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	if out == nil {
		out = []byte("null")
	}

	h.log.InfoContext(ctx, "agent.upstream.ok",
		slog.String("url", target),
		slog.Int64("dur_ms", time.Since(start).Milliseconds()),
	)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

func pathIDs(w http.ResponseWriter, r *http.Request) (int, int, bool) {
	appID, err := strconv.Atoi(r.PathValue("app_id"))
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "app_id must be an integer")
		return 0, 0, false
	}
	agentID, err := strconv.Atoi(r.PathValue("agent_id"))
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "agent_id must be an integer")
		return 0, 0, false
	}
	return appID, agentID, true
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}
