package ssehttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/techday/satbridge/internal/engine"
	"github.com/techday/satbridge/internal/jsonrpc"
	"github.com/techday/satbridge/internal/logctx"
	"github.com/techday/satbridge/sessions"
)

var (
	_ http.Handler = (*Handler)(nil)
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	// DefaultBasePath is where the SSE and message endpoints are mounted.
	DefaultBasePath = "/api/mcp/sat"

	sessionIDParam      = "session_id"
	defaultMaxBodyBytes = 1 << 20
)

// writeJSONError emits a minimal JSON body for HTTP-layer rejections. This is
// transport level, not JSON-RPC framing.
// Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	logger        *slog.Logger
	basePath      string
	publicBaseURL string
	keepAlive     time.Duration
	maxBodyBytes  int64
}

// WithLogger sets the logger used by the handler. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithBasePath mounts the endpoints under p (default DefaultBasePath).
func WithBasePath(p string) Option {
	return func(c *newConfig) { c.basePath = p }
}

// WithPublicBaseURL makes the endpoint event carry an absolute URL rooted at
// u (scheme, host and optional path prefix) instead of a relative path. Use
// it when clients reach the bridge through a proxy that rewrites paths.
func WithPublicBaseURL(u string) Option {
	return func(c *newConfig) { c.publicBaseURL = strings.TrimSpace(u) }
}

// WithKeepAlive sends an SSE comment every d while a stream is idle. Zero
// disables keep-alives.
func WithKeepAlive(d time.Duration) Option {
	return func(c *newConfig) { c.keepAlive = d }
}

// WithMaxBodyBytes limits the size of POSTed messages.
func WithMaxBodyBytes(n int64) Option {
	return func(c *newConfig) {
		if n > 0 {
			c.maxBodyBytes = n
		}
	}
}

// Handler serves the legacy MCP HTTP+SSE transport:
//
//	GET  <base>/sse                       opens a session stream
//	POST <base>/messages?session_id=<id>  delivers one JSON-RPC message
//
// Responses to POSTed requests are never written to the POST response; they
// are queued on the session and delivered as "message" events on its stream.
type Handler struct {
	log      *slog.Logger
	registry *sessions.Registry
	eng      *engine.Engine

	basePath     string
	publicBase   *url.URL
	keepAlive    time.Duration
	maxBodyBytes int64

	mux *http.ServeMux
}

// New constructs a Handler. The registry must be the one the engine
// dispatches against.
func New(registry *sessions.Registry, eng *engine.Engine, opts ...Option) (*Handler, error) {
	if registry == nil {
		return nil, fmt.Errorf("session registry is required")
	}
	if eng == nil {
		return nil, fmt.Errorf("engine is required")
	}

	cfg := &newConfig{
		logger:       slog.New(slog.DiscardHandler),
		basePath:     DefaultBasePath,
		maxBodyBytes: defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.DiscardHandler)
	}

	base := "/" + strings.Trim(cfg.basePath, "/")
	if base == "/" {
		base = ""
	}

	var publicBase *url.URL
	if cfg.publicBaseURL != "" {
		u, err := url.Parse(cfg.publicBaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid public base URL %q: %w", cfg.publicBaseURL, err)
		}
		if u.Scheme != "https" && u.Scheme != "http" {
			return nil, fmt.Errorf("public base URL must use HTTP or HTTPS scheme, got %q", u.Scheme)
		}
		publicBase = u
	}

	h := &Handler{
		log:          slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		registry:     registry,
		eng:          eng,
		basePath:     base,
		publicBase:   publicBase,
		keepAlive:    cfg.keepAlive,
		maxBodyBytes: cfg.maxBodyBytes,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("GET %s/sse", base), h.handleGetSSE)
	mux.HandleFunc(fmt.Sprintf("POST %s/messages", base), h.handlePostMessage)
	h.mux = mux
	return h, nil
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

// endpointURL is the POST target announced to the client for sessionID.
func (h *Handler) endpointURL(sessionID string) string {
	q := url.Values{sessionIDParam: []string{sessionID}}.Encode()
	if h.publicBase == nil {
		return h.basePath + "/messages?" + q
	}
	u := *h.publicBase
	u.Path = path.Join("/", u.Path, h.basePath, "messages")
	u.RawPath = ""
	u.RawQuery = q
	u.Fragment = ""
	return u.String()
}

// handleGetSSE opens a session and streams its queue until the client
// disconnects or the session is closed by the server.
func (h *Handler) handleGetSSE(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		h.log.WarnContext(ctx, "http.get.not_acceptable", slog.String("accept", r.Header.Get("Accept")))
		writeJSONError(w, http.StatusNotAcceptable, "client must accept text/event-stream")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	sess := h.registry.Open()
	// Runs on every exit path, including write failures and cancellation.
	defer h.registry.Close(sess.ID())

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID(), State: sess.State().String()})

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	endpoint := h.endpointURL(sess.ID())
	if err := writeSSEEvent(wf, "endpoint", []byte(endpoint)); err != nil {
		h.log.InfoContext(ctx, "sse.endpoint.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "sse.stream.start", slog.String("endpoint", endpoint))

	var keepAlive <-chan time.Time
	if h.keepAlive > 0 {
		ticker := time.NewTicker(h.keepAlive)
		defer ticker.Stop()
		keepAlive = ticker.C
	}

	delivered := 0
	reason := "client_disconnect"
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-sess.Done():
			reason = "session_closed"
			break loop
		case msg := <-sess.Messages():
			if err := writeSSEEvent(wf, "message", msg); err != nil {
				reason = "write_error"
				h.log.InfoContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
				break loop
			}
			delivered++
			h.log.DebugContext(ctx, "sse.message.deliver")
		case <-keepAlive:
			if err := writeSSEComment(wf, "keepalive"); err != nil {
				reason = "write_error"
				h.log.InfoContext(ctx, "sse.keepalive.fail", slog.String("err", err.Error()))
				break loop
			}
		}
	}

	h.log.InfoContext(ctx, "sse.stream.end",
		slog.String("reason", reason),
		slog.Int("delivered", delivered),
		slog.Duration("dur", time.Since(start)),
	)
}

// handlePostMessage hands the body to the engine, which owns the session
// lookup.
// The JSON-RPC answer, if any, travels over the session's stream.
func (h *Handler) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	sessionID := r.URL.Query().Get(sessionIDParam)
	if sessionID == "" {
		h.log.InfoContext(ctx, "session.id.missing")
		writeJSONError(w, http.StatusBadRequest, "Invalid or missing session_id")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "message too large")
			return
		}
		h.log.InfoContext(ctx, "http.body.read.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if err := h.eng.Dispatch(ctx, sessionID, body); err != nil {
		switch {
		case errors.Is(err, sessions.ErrSessionNotFound):
			h.log.InfoContext(ctx, "session.load.miss", slog.String("session_id", sessionID))
			writeJSONError(w, http.StatusBadRequest, "Invalid or missing session_id")
		case errors.Is(err, jsonrpc.ErrInvalidJSON):
			writeJSONError(w, http.StatusBadRequest, "Invalid JSON")
		case errors.Is(err, sessions.ErrQueueFull):
			w.Header().Set("Retry-After", "1")
			writeJSONError(w, http.StatusServiceUnavailable, "session queue full")
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			h.log.InfoContext(ctx, "http.post.cancelled", slog.String("err", err.Error()))
			writeJSONError(w, http.StatusServiceUnavailable, "request cancelled")
		default:
			h.log.ErrorContext(ctx, "http.post.fail", slog.String("err", err.Error()))
			writeJSONError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	w.WriteHeader(http.StatusAccepted)
	h.log.DebugContext(ctx, "http.post.accepted", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
}

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an optional context.
// It serializes concurrent writes/flushes and avoids writing after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// Re-check after acquiring the lock to minimize races with cancellation
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// writeSSEEvent writes one named Server-Sent Event and flushes it. Payloads
// are single-line (compact JSON or a URL) so one data field suffices.
func writeSSEEvent(wf *lockedWriteFlusher, event string, payload []byte) error {
	if _, err := fmt.Fprintf(wf, "event: %s\ndata: ", event); err != nil {
		return fmt.Errorf("failed to write SSE event header: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}

func writeSSEComment(wf *lockedWriteFlusher, comment string) error {
	if _, err := fmt.Fprintf(wf, ": %s\n\n", comment); err != nil {
		return fmt.Errorf("failed to write SSE comment: %w", err)
	}
	wf.Flush()
	return nil
}
