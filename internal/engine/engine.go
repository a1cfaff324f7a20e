package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/techday/satbridge/internal/jsonrpc"
	"github.com/techday/satbridge/internal/logctx"
	"github.com/techday/satbridge/mcp"
	"github.com/techday/satbridge/mcpservice"
	"github.com/techday/satbridge/sessions"
	"golang.org/x/sync/semaphore"
)

const (
	defaultToolConcurrency = 16
	defaultToolTimeout     = 30 * time.Second
)

// DefaultServerInfo is the identity announced in the initialize result.
var DefaultServerInfo = mcp.ImplementationInfo{Name: "LKS SAT MCP", Version: "1.0.0"}

// handlerFunc handles one classified method. A nil response means nothing is
// enqueued. A non-nil error aborts the dispatch and is reported to the POST
// caller.
type handlerFunc func(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error)

// Engine is the dispatcher of the SSE bridge. It validates the session,
// decodes the JSON-RPC envelope, advances the session's protocol state and
// enqueues the response for the stream handler to deliver.
type Engine struct {
	registry *sessions.Registry
	tools    *mcpservice.ToolsContainer
	log      *slog.Logger

	serverInfo      mcp.ImplementationInfo
	strictHandshake bool
	silentUnknown   bool
	toolConcurrency int64
	toolTimeout     time.Duration
	toolSem         *semaphore.Weighted

	handlers [methodCount]handlerFunc
}

// EngineOption configures a Engine.
type EngineOption func(*Engine)

// WithLogger sets a custom logger for the Engine.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithServerInfo overrides the server identity sent in the initialize result.
func WithServerInfo(info mcp.ImplementationInfo) EngineOption {
	return func(e *Engine) { e.serverInfo = info }
}

// WithStrictHandshake makes tools/list and tools/call fail with
// -32600 until the session has been initialized.
func WithStrictHandshake(strict bool) EngineOption {
	return func(e *Engine) { e.strictHandshake = strict }
}

// WithSilentUnknownMethods drops requests for unsupported methods without a
// response instead of answering -32601.
func WithSilentUnknownMethods(silent bool) EngineOption {
	return func(e *Engine) { e.silentUnknown = silent }
}

// WithToolConcurrency bounds the number of tool calls executing at once
// across all sessions.
func WithToolConcurrency(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.toolConcurrency = int64(n)
		}
	}
}

// WithToolTimeout bounds a single tool execution. Zero disables the bound.
func WithToolTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d >= 0 {
			e.toolTimeout = d
		}
	}
}

func NewEngine(registry *sessions.Registry, tools *mcpservice.ToolsContainer, opts ...EngineOption) *Engine {
	e := &Engine{
		registry:        registry,
		tools:           tools,
		log:             slog.New(slog.DiscardHandler),
		serverInfo:      DefaultServerInfo,
		toolConcurrency: defaultToolConcurrency,
		toolTimeout:     defaultToolTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.tools == nil {
		e.tools = mcpservice.NewToolsContainer()
	}
	e.toolSem = semaphore.NewWeighted(e.toolConcurrency)

	e.handlers = [methodCount]handlerFunc{
		methodUnknown:     e.handleUnknown,
		methodInitialize:  e.handleInitialize,
		methodInitialized: e.handleInitialized,
		methodPing:        e.handlePing,
		methodToolsList:   e.handleToolsList,
		methodToolsCall:   e.handleToolCall,
	}
	return e
}

// Dispatch handles one inbound POST body for sessionID. The returned error is
// transport level only:
//
//	sessions.ErrSessionNotFound   unknown, missing or closed session
//	jsonrpc.ErrInvalidJSON        body is not JSON
//	sessions.ErrQueueFull         no queue slot for the response; nothing ran
//
// JSON-RPC level failures, including malformed envelopes, travel as error
// responses over the session queue. A queue slot is reserved before any
// handler runs, so a request is either rejected untouched or answered.
func (e *Engine) Dispatch(ctx context.Context, sessionID string, body []byte) error {
	sess, err := e.registry.Get(sessionID)
	if err != nil {
		e.log.InfoContext(ctx, "engine.session.load.miss", slog.String("session_id", sessionID))
		return err
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID(), State: sess.State().String()})

	msg, err := jsonrpc.Decode(body)
	switch {
	case errors.Is(err, jsonrpc.ErrInvalidJSON):
		e.log.InfoContext(ctx, "engine.decode.invalid_json")
		return err
	case err != nil:
		return e.rejectMessage(ctx, sess, msg, err)
	}

	req := msg.AsRequest()
	if req == nil {
		// The bridge never issues server-to-client requests, so there is
		// nothing a client response could correlate with.
		e.log.InfoContext(ctx, "engine.client_response.ignored", slog.String("id", msg.ID.String()))
		return nil
	}

	m := classify(req.Method)
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, ID: req.ID.String(), Type: msg.Type()})

	if m.isNotification() {
		_, err := e.handlers[m](ctx, sess, req)
		return err
	}
	if req.IsNotification() {
		if m == methodUnknown {
			e.log.DebugContext(ctx, "engine.handle_notification.unsupported")
		} else {
			e.log.InfoContext(ctx, "engine.handle_notification.ignored", slog.String("err", "request method sent without id"))
		}
		return nil
	}

	slot, err := e.reserve(ctx, sess)
	if err != nil {
		return err
	}
	defer slot.Release()

	var res *jsonrpc.Response
	if e.strictHandshake && m.requiresInitialized() && sess.State() != sessions.StateInitialized {
		e.log.InfoContext(ctx, "engine.handle_request.not_initialized")
		res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "session not initialized", nil)
	} else {
		if m.requiresInitialized() && sess.State() != sessions.StateInitialized {
			e.log.InfoContext(ctx, "engine.handle_request.before_initialize")
		}
		res, err = e.handlers[m](ctx, sess, req)
		if err != nil {
			return err
		}
	}
	if res == nil {
		return nil
	}
	e.send(ctx, sess, slot, res)
	return nil
}

// rejectMessage answers a well-formed JSON body that is not a valid JSON-RPC
// message. With a usable id the client gets -32600 over the stream; without
// one there is nobody to address and the message is dropped.
func (e *Engine) rejectMessage(ctx context.Context, sess *sessions.Session, msg *jsonrpc.AnyMessage, cause error) error {
	if msg == nil || msg.ID.IsNil() {
		e.log.InfoContext(ctx, "engine.decode.invalid.dropped", slog.String("err", cause.Error()))
		return nil
	}
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: msg.Method, ID: msg.ID.String(), Type: msg.Type()})
	e.log.InfoContext(ctx, "engine.decode.invalid", slog.String("err", cause.Error()))

	slot, err := e.reserve(ctx, sess)
	if err != nil {
		return err
	}
	defer slot.Release()
	e.send(ctx, sess, slot, jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInvalidRequest, "Invalid Request", nil))
	return nil
}

func (e *Engine) reserve(ctx context.Context, sess *sessions.Session) (*sessions.Reservation, error) {
	slot, err := sess.Reserve()
	switch {
	case err == nil:
		return slot, nil
	case errors.Is(err, sessions.ErrSessionClosed):
		// Closed between lookup and reservation.
		e.log.InfoContext(ctx, "engine.session.closed")
		return nil, sessions.ErrSessionNotFound
	case errors.Is(err, sessions.ErrQueueFull):
		e.log.WarnContext(ctx, "engine.enqueue.queue_full", slog.Int("pending", sess.Pending()))
		return nil, err
	default:
		return nil, fmt.Errorf("reserve queue slot: %w", err)
	}
}

func (e *Engine) send(ctx context.Context, sess *sessions.Session, slot *sessions.Reservation, res *jsonrpc.Response) {
	b, err := json.Marshal(res)
	if err != nil {
		e.log.ErrorContext(ctx, "engine.response.encode.fail", slog.String("err", err.Error()))
		b, _ = json.Marshal(jsonrpc.NewErrorResponse(res.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil))
	}

	dropped := sess.Dropped()
	if err := slot.Send(b); err != nil {
		// The stream went away while the request was in flight.
		e.log.InfoContext(ctx, "engine.enqueue.orphaned", slog.String("err", err.Error()))
		return
	}
	if n := sess.Dropped() - dropped; n > 0 {
		e.log.WarnContext(ctx, "engine.enqueue.drop_oldest", slog.Int64("dropped", n))
	}
}

func (e *Engine) handleInitialize(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()

	var params mcp.InitializeRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			// initialize succeeds regardless of what the client announces.
			e.log.InfoContext(ctx, "engine.initialize.params_ignored", slog.String("err", err.Error()))
		}
	}

	first := sess.MarkInitialized()
	e.log.InfoContext(ctx, "engine.session.initialized",
		slog.Bool("first", first),
		slog.String("client_name", params.ClientInfo.Name),
		slog.String("client_version", params.ClientInfo.Version),
		slog.String("client_protocol_version", params.ProtocolVersion),
		slog.Int64("dur_ms", time.Since(start).Milliseconds()),
	)

	return jsonrpc.NewResultResponse(req.ID, &mcp.InitializeResult{
		ProtocolVersion: mcp.ProtocolVersion,
		Capabilities:    mcp.ServerCapabilities{Tools: &mcp.ToolsCapability{}},
		ServerInfo:      e.serverInfo,
	})
}

func (e *Engine) handleInitialized(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	e.log.DebugContext(ctx, "engine.handle_notification.ok")
	return nil, nil
}

func (e *Engine) handlePing(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	return jsonrpc.NewResultResponse(req.ID, &mcp.EmptyResult{})
}

func (e *Engine) handleToolsList(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	tools := e.tools.Tools()
	e.log.InfoContext(ctx, "engine.handle_request.ok", slog.Int("tool_count", len(tools)))
	return jsonrpc.NewResultResponse(req.ID, &mcp.ListToolsResult{Tools: tools})
}

func (e *Engine) handleToolCall(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()

	var params mcp.CallToolRequestReceived
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			e.log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
		}
	}

	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: params.Name})

	if err := e.toolSem.Acquire(ctx, 1); err != nil {
		e.log.InfoContext(ctx, "engine.handle_request.cancelled", slog.String("err", err.Error()))
		return nil, err
	}
	defer e.toolSem.Release(1)

	// The tool runs to completion even if the POST caller goes away, so a
	// half-applied write is never abandoned; only the timeout bounds it.
	toolCtx := context.WithoutCancel(ctx)
	if e.toolTimeout > 0 {
		var cancel context.CancelFunc
		toolCtx, cancel = context.WithTimeout(toolCtx, e.toolTimeout)
		defer cancel()
	}

	res, err := e.tools.Call(toolCtx, &params)
	if err != nil {
		if errors.Is(err, mcpservice.ErrToolNotFound) {
			e.log.InfoContext(ctx, "engine.handle_request.unknown_tool", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "Unknown tool: "+params.Name, nil), nil
		}
		var pe *mcpservice.PanicError
		if errors.As(err, &pe) {
			e.log.ErrorContext(ctx, "engine.handle_request.panic", slog.String("err", err.Error()), slog.String("stack", string(pe.Stack)))
		} else {
			e.log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		}
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, err.Error(), nil), nil
	}

	e.log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return jsonrpc.NewResultResponse(req.ID, res)
}

func (e *Engine) handleUnknown(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	if e.silentUnknown {
		e.log.InfoContext(ctx, "engine.handle_request.unsupported", slog.Bool("silent", true))
		return nil, nil
	}
	e.log.InfoContext(ctx, "engine.handle_request.unsupported")
	return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "Method not found: "+req.Method, nil), nil
}
