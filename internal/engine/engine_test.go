package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/techday/satbridge/internal/jsonrpc"
	"github.com/techday/satbridge/mcpservice"
	"github.com/techday/satbridge/sessions"
)

type nameArgs struct {
	Name string `json:"name"`
}

func testTools() *mcpservice.ToolsContainer {
	return mcpservice.NewToolsContainer(
		mcpservice.NewTool("greet", func(ctx context.Context, r *mcpservice.ToolRequest[nameArgs]) (any, error) {
			if r.Args().Name == "nobody" {
				return mcpservice.Errorf("Person %s not found.", r.Args().Name), nil
			}
			return map[string]string{"greeting": "hola " + r.Args().Name}, nil
		}, mcpservice.WithToolDescription("Greets someone.")),
		mcpservice.NewTool("explode", func(ctx context.Context, r *mcpservice.ToolRequest[struct{}]) (any, error) {
			return nil, errors.New("database is on fire")
		}),
		mcpservice.NewTool("panic", func(ctx context.Context, r *mcpservice.ToolRequest[struct{}]) (any, error) {
			panic("unreachable state")
		}),
	)
}

func newTestEngine(t *testing.T, opts ...EngineOption) (*Engine, *sessions.Registry, *sessions.Session) {
	t.Helper()
	reg := sessions.NewRegistry(sessions.WithQueueSize(16))
	sess := reg.Open()
	t.Cleanup(func() { reg.Close(sess.ID()) })
	return NewEngine(reg, testTools(), opts...), reg, sess
}

type wireResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func mustDispatch(t *testing.T, e *Engine, sess *sessions.Session, body string) {
	t.Helper()
	if err := e.Dispatch(context.Background(), sess.ID(), []byte(body)); err != nil {
		t.Fatalf("dispatch %s: %v", body, err)
	}
}

func nextResponse(t *testing.T, sess *sessions.Session) wireResponse {
	t.Helper()
	select {
	case b := <-sess.Messages():
		var res wireResponse
		if err := json.Unmarshal(b, &res); err != nil {
			t.Fatalf("decode response %s: %v", string(b), err)
		}
		return res
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a queued response")
		return wireResponse{}
	}
}

func assertNoResponse(t *testing.T, sess *sessions.Session) {
	t.Helper()
	if n := sess.Pending(); n != 0 {
		t.Fatalf("expected empty queue, found %d messages", n)
	}
}

func toolText(t *testing.T, res wireResponse) string {
	t.Helper()
	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(res.Result, &result); err != nil {
		t.Fatalf("decode tool result: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Type != "text" {
		t.Fatalf("expected one text block, got %s", string(res.Result))
	}
	return result.Content[0].Text
}

func TestHandlerTableIsExhaustive(t *testing.T) {
	e, _, _ := newTestEngine(t)
	for m := method(0); m < methodCount; m++ {
		if e.handlers[m] == nil {
			t.Fatalf("no handler registered for method %d (%s)", m, m)
		}
	}
}

func TestInitialize(t *testing.T) {
	e, _, sess := newTestEngine(t)

	mustDispatch(t, e, sess, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	res := nextResponse(t, sess)
	if string(res.ID) != "1" || res.Error != nil {
		t.Fatalf("unexpected response %+v", res)
	}
	if want, got := `{"protocolVersion":"2024-11-05","capabilities":{"tools":{}},"serverInfo":{"name":"LKS SAT MCP","version":"1.0.0"}}`, string(res.Result); want != got {
		t.Fatalf("want %s\n got %s", want, got)
	}
	if sess.State() != sessions.StateInitialized {
		t.Fatalf("expected initialized state, got %s", sess.State())
	}

	// Idempotent: re-confirms the handshake.
	mustDispatch(t, e, sess, `{"jsonrpc":"2.0","id":"again","method":"initialize"}`)
	res = nextResponse(t, sess)
	if string(res.ID) != `"again"` || res.Error != nil {
		t.Fatalf("unexpected response %+v", res)
	}
	if sess.State() != sessions.StateInitialized {
		t.Fatalf("expected initialized state, got %s", sess.State())
	}
}

func TestNotificationsNeverProduceResponses(t *testing.T) {
	e, _, sess := newTestEngine(t)
	for _, body := range []string{
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized","params":[1,2,3]}`,
		`{"jsonrpc":"2.0","id":5,"method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":1}}`,
		`{"jsonrpc":"2.0","method":"tools/call","params":{"name":"greet","arguments":{"name":"x"}}}`,
		`{"jsonrpc":"2.0","method":"tools/list"}`,
		`{"jsonrpc":"2.0","id":null,"method":"ping"}`,
	} {
		mustDispatch(t, e, sess, body)
	}
	assertNoResponse(t, sess)
}

func TestToolsList(t *testing.T) {
	e, _, sess := newTestEngine(t)
	mustDispatch(t, e, sess, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	res := nextResponse(t, sess)

	var result struct {
		Tools []struct {
			Name        string         `json:"name"`
			Description string         `json:"description"`
			InputSchema map[string]any `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(res.Result, &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(result.Tools) != 3 || result.Tools[0].Name != "greet" {
		t.Fatalf("unexpected tools %s", string(res.Result))
	}
	if result.Tools[0].InputSchema["type"] != "object" {
		t.Fatalf("expected object schema, got %v", result.Tools[0].InputSchema)
	}
}

func TestToolsCall(t *testing.T) {
	e, _, sess := newTestEngine(t)
	mustDispatch(t, e, sess, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	_ = nextResponse(t, sess)

	t.Run("success echoes id", func(t *testing.T) {
		mustDispatch(t, e, sess, `{"jsonrpc":"2.0","id":42,"method":"tools/call","params":{"name":"greet","arguments":{"name":"ane"}}}`)
		res := nextResponse(t, sess)
		if string(res.ID) != "42" || res.Error != nil {
			t.Fatalf("unexpected response %+v", res)
		}
		if want, got := `{"greeting":"hola ane"}`, toolText(t, res); want != got {
			t.Fatalf("want %s got %s", want, got)
		}
		assertNoResponse(t, sess)
	})

	t.Run("domain error is a success response", func(t *testing.T) {
		mustDispatch(t, e, sess, `{"jsonrpc":"2.0","id":43,"method":"tools/call","params":{"name":"greet","arguments":{"name":"nobody"}}}`)
		res := nextResponse(t, sess)
		if res.Error != nil {
			t.Fatalf("expected result, got error %+v", res.Error)
		}
		if want, got := `{"error":"Person nobody not found."}`, toolText(t, res); want != got {
			t.Fatalf("want %s got %s", want, got)
		}
	})

	cases := []struct {
		name    string
		body    string
		code    int
		message string
	}{
		{"unknown tool", `{"jsonrpc":"2.0","id":44,"method":"tools/call","params":{"name":"nope"}}`, -32603, "Unknown tool: nope"},
		{"handler error", `{"jsonrpc":"2.0","id":45,"method":"tools/call","params":{"name":"explode"}}`, -32603, "database is on fire"},
		{"handler panic", `{"jsonrpc":"2.0","id":46,"method":"tools/call","params":{"name":"panic"}}`, -32603, "tool panic panicked: unreachable state"},
		{"invalid params", `{"jsonrpc":"2.0","id":47,"method":"tools/call","params":"greet"}`, -32602, "invalid params"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mustDispatch(t, e, sess, tc.body)
			res := nextResponse(t, sess)
			if res.Error == nil {
				t.Fatalf("expected error response, got %s", string(res.Result))
			}
			if res.Error.Code != tc.code || res.Error.Message != tc.message {
				t.Fatalf("want %d %q got %d %q", tc.code, tc.message, res.Error.Code, res.Error.Message)
			}
			assertNoResponse(t, sess)
		})
	}
}

func TestUnknownMethod(t *testing.T) {
	t.Run("method not found by default", func(t *testing.T) {
		e, _, sess := newTestEngine(t)
		mustDispatch(t, e, sess, `{"jsonrpc":"2.0","id":9,"method":"resources/list"}`)
		res := nextResponse(t, sess)
		if res.Error == nil || res.Error.Code != int(jsonrpc.ErrorCodeMethodNotFound) {
			t.Fatalf("expected -32601, got %+v", res)
		}
	})

	t.Run("silent when configured", func(t *testing.T) {
		e, _, sess := newTestEngine(t, WithSilentUnknownMethods(true))
		mustDispatch(t, e, sess, `{"jsonrpc":"2.0","id":9,"method":"resources/list"}`)
		assertNoResponse(t, sess)
	})
}

func TestStrictHandshake(t *testing.T) {
	t.Run("lenient by default", func(t *testing.T) {
		e, _, sess := newTestEngine(t)
		mustDispatch(t, e, sess, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
		if res := nextResponse(t, sess); res.Error != nil {
			t.Fatalf("expected tools/list to be served before initialize, got %+v", res.Error)
		}
	})

	t.Run("strict rejects before initialize", func(t *testing.T) {
		e, _, sess := newTestEngine(t, WithStrictHandshake(true))
		mustDispatch(t, e, sess, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"greet","arguments":{"name":"a"}}}`)
		res := nextResponse(t, sess)
		if res.Error == nil || res.Error.Code != int(jsonrpc.ErrorCodeInvalidRequest) || res.Error.Message != "session not initialized" {
			t.Fatalf("expected -32600, got %+v", res)
		}

		mustDispatch(t, e, sess, `{"jsonrpc":"2.0","id":2,"method":"initialize"}`)
		_ = nextResponse(t, sess)
		mustDispatch(t, e, sess, `{"jsonrpc":"2.0","id":3,"method":"tools/list"}`)
		if res := nextResponse(t, sess); res.Error != nil {
			t.Fatalf("expected tools/list after initialize, got %+v", res.Error)
		}
	})
}

func TestPing(t *testing.T) {
	e, _, sess := newTestEngine(t)
	mustDispatch(t, e, sess, `{"jsonrpc":"2.0","id":"p","method":"ping"}`)
	res := nextResponse(t, sess)
	if string(res.Result) != "{}" {
		t.Fatalf("expected empty result, got %s", string(res.Result))
	}
}

func TestTransportErrors(t *testing.T) {
	e, reg, sess := newTestEngine(t)
	other := reg.Open()
	defer reg.Close(other.ID())

	if err := e.Dispatch(context.Background(), "", []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound for missing id, got %v", err)
	}
	if err := e.Dispatch(context.Background(), "unknown", []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound for unknown id, got %v", err)
	}
	if err := e.Dispatch(context.Background(), sess.ID(), []byte(`{not json`)); !errors.Is(err, jsonrpc.ErrInvalidJSON) {
		t.Fatalf("expected ErrInvalidJSON, got %v", err)
	}
	assertNoResponse(t, sess)
	assertNoResponse(t, other)
}

func TestInvalidEnvelopes(t *testing.T) {
	t.Run("answered with invalid request when the id is readable", func(t *testing.T) {
		e, _, sess := newTestEngine(t)
		for _, tc := range []struct {
			body   string
			wantID string
		}{
			{`{"jsonrpc":"1.0","id":1,"method":"ping"}`, `1`},
			{`{"jsonrpc":"2.0","id":3}`, `3`},
			{`{"jsonrpc":"2.0","id":"x","method":42}`, `"x"`},
		} {
			mustDispatch(t, e, sess, tc.body)
			res := nextResponse(t, sess)
			if string(res.ID) != tc.wantID || res.Error == nil || res.Error.Code != int(jsonrpc.ErrorCodeInvalidRequest) {
				t.Fatalf("%s: expected -32600 for id %s, got %+v", tc.body, tc.wantID, res)
			}
		}
		assertNoResponse(t, sess)
	})

	t.Run("dropped without an id", func(t *testing.T) {
		e, _, sess := newTestEngine(t)
		for _, body := range []string{`[]`, `[{"jsonrpc":"2.0","id":1,"method":"ping"}]`, `"ping"`, `{"jsonrpc":"1.0","method":"ping"}`} {
			mustDispatch(t, e, sess, body)
		}
		assertNoResponse(t, sess)
	})

	t.Run("missing version is served", func(t *testing.T) {
		e, _, sess := newTestEngine(t)
		mustDispatch(t, e, sess, `{"id":1,"method":"initialize","params":{}}`)
		res := nextResponse(t, sess)
		if res.Error != nil || len(res.Result) == 0 || res.JSONRPC != "2.0" {
			t.Fatalf("expected initialize result, got %+v", res)
		}
		if sess.State() != sessions.StateInitialized {
			t.Fatalf("expected initialized session")
		}
	})
}

func TestClientResponsesAreIgnored(t *testing.T) {
	e, _, sess := newTestEngine(t)
	mustDispatch(t, e, sess, `{"jsonrpc":"2.0","id":1,"result":{}}`)
	assertNoResponse(t, sess)
}

func TestSessionIsolation(t *testing.T) {
	e, reg, a := newTestEngine(t)
	b := reg.Open()
	defer reg.Close(b.ID())

	mustDispatch(t, e, a, `{"jsonrpc":"2.0","id":"a1","method":"ping"}`)
	mustDispatch(t, e, b, `{"jsonrpc":"2.0","id":"b1","method":"ping"}`)

	if res := nextResponse(t, a); string(res.ID) != `"a1"` {
		t.Fatalf("session a received %s", string(res.ID))
	}
	if res := nextResponse(t, b); string(res.ID) != `"b1"` {
		t.Fatalf("session b received %s", string(res.ID))
	}
	assertNoResponse(t, a)
	assertNoResponse(t, b)
}

func TestOrderingFollowsDispatchOrder(t *testing.T) {
	e, _, sess := newTestEngine(t)
	for i := 0; i < 10; i++ {
		mustDispatch(t, e, sess, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"ping"}`, i))
	}
	for i := 0; i < 10; i++ {
		if res := nextResponse(t, sess); string(res.ID) != fmt.Sprint(i) {
			t.Fatalf("position %d: got id %s", i, string(res.ID))
		}
	}
}

func TestQueueFullIsATransportError(t *testing.T) {
	reg := sessions.NewRegistry(sessions.WithQueueSize(1), sessions.WithOverflowPolicy(sessions.OverflowReject))
	sess := reg.Open()
	defer reg.Close(sess.ID())
	e := NewEngine(reg, testTools())

	mustDispatch(t, e, sess, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	err := e.Dispatch(context.Background(), sess.ID(), []byte(`{"jsonrpc":"2.0","id":2,"method":"ping"}`))
	if !errors.Is(err, sessions.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestFullQueueRejectsBeforeToolRuns(t *testing.T) {
	reg := sessions.NewRegistry(sessions.WithQueueSize(1), sessions.WithOverflowPolicy(sessions.OverflowReject))
	sess := reg.Open()
	defer reg.Close(sess.ID())

	var (
		mu    sync.Mutex
		calls int
	)
	tools := mcpservice.NewToolsContainer(
		mcpservice.NewTool("record", func(ctx context.Context, r *mcpservice.ToolRequest[struct{}]) (any, error) {
			mu.Lock()
			calls++
			mu.Unlock()
			return "stored", nil
		}),
	)
	e := NewEngine(reg, tools)
	callBody := func(id int) []byte {
		return []byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"tools/call","params":{"name":"record"}}`, id))
	}
	callCount := func() int {
		mu.Lock()
		defer mu.Unlock()
		return calls
	}

	mustDispatch(t, e, sess, string(callBody(1)))
	if got := callCount(); got != 1 {
		t.Fatalf("expected 1 call, got %d", got)
	}

	if err := e.Dispatch(context.Background(), sess.ID(), callBody(2)); !errors.Is(err, sessions.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if got := callCount(); got != 1 {
		t.Fatalf("tool ran although its response could not be queued: %d calls", got)
	}

	if res := nextResponse(t, sess); string(res.ID) != "1" {
		t.Fatalf("unexpected response id %s", string(res.ID))
	}
	mustDispatch(t, e, sess, string(callBody(3)))
	if got := callCount(); got != 2 {
		t.Fatalf("expected retry to run the tool once, got %d calls", got)
	}
	if res := nextResponse(t, sess); string(res.ID) != "3" {
		t.Fatalf("unexpected response id %s", string(res.ID))
	}
}

func TestInFlightCallHoldsItsQueueSlot(t *testing.T) {
	reg := sessions.NewRegistry(sessions.WithQueueSize(1), sessions.WithOverflowPolicy(sessions.OverflowReject))
	sess := reg.Open()
	defer reg.Close(sess.ID())

	started := make(chan struct{})
	release := make(chan struct{})
	tools := mcpservice.NewToolsContainer(
		mcpservice.NewTool("slow", func(ctx context.Context, r *mcpservice.ToolRequest[struct{}]) (any, error) {
			close(started)
			<-release
			return "done", nil
		}),
	)
	e := NewEngine(reg, tools)

	done := make(chan error, 1)
	go func() {
		done <- e.Dispatch(context.Background(), sess.ID(), []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"slow"}}`))
	}()
	<-started

	if err := e.Dispatch(context.Background(), sess.ID(), []byte(`{"jsonrpc":"2.0","id":2,"method":"ping"}`)); !errors.Is(err, sessions.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull while the slot is reserved, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res := nextResponse(t, sess); string(res.ID) != "1" {
		t.Fatalf("unexpected response id %s", string(res.ID))
	}
}

func TestDispatchAfterCloseDiscardsResult(t *testing.T) {
	reg := sessions.NewRegistry()
	sess := reg.Open()

	started := make(chan struct{})
	release := make(chan struct{})
	tools := mcpservice.NewToolsContainer(
		mcpservice.NewTool("slow", func(ctx context.Context, r *mcpservice.ToolRequest[struct{}]) (any, error) {
			close(started)
			<-release
			return "done", nil
		}),
	)
	e := NewEngine(reg, tools)

	var wg sync.WaitGroup
	wg.Add(1)
	var dispatchErr error
	go func() {
		defer wg.Done()
		dispatchErr = e.Dispatch(context.Background(), sess.ID(), []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"slow"}}`))
	}()

	<-started
	reg.Close(sess.ID())
	close(release)
	wg.Wait()

	if dispatchErr != nil {
		t.Fatalf("expected orphaned result to be discarded silently, got %v", dispatchErr)
	}
	assertNoResponse(t, sess)
}

func TestToolConcurrencyIsBounded(t *testing.T) {
	reg := sessions.NewRegistry(sessions.WithQueueSize(16))
	sess := reg.Open()
	defer reg.Close(sess.ID())

	var (
		mu      sync.Mutex
		running int
		peak    int
	)
	tools := mcpservice.NewToolsContainer(
		mcpservice.NewTool("work", func(ctx context.Context, r *mcpservice.ToolRequest[struct{}]) (any, error) {
			mu.Lock()
			running++
			if running > peak {
				peak = running
			}
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			mu.Lock()
			running--
			mu.Unlock()
			return "ok", nil
		}),
	)
	e := NewEngine(reg, tools, WithToolConcurrency(2))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body := fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"tools/call","params":{"name":"work"}}`, i)
			if err := e.Dispatch(context.Background(), sess.ID(), []byte(body)); err != nil {
				t.Errorf("dispatch: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if peak > 2 {
		t.Fatalf("expected at most 2 concurrent tool calls, saw %d", peak)
	}
	if sess.Pending() != 8 {
		t.Fatalf("expected 8 responses, got %d", sess.Pending())
	}
}

func TestToolTimeout(t *testing.T) {
	reg := sessions.NewRegistry()
	sess := reg.Open()
	defer reg.Close(sess.ID())

	tools := mcpservice.NewToolsContainer(
		mcpservice.NewTool("hang", func(ctx context.Context, r *mcpservice.ToolRequest[struct{}]) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	)
	e := NewEngine(reg, tools, WithToolTimeout(20*time.Millisecond))

	mustDispatch(t, e, sess, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"hang"}}`)
	res := nextResponse(t, sess)
	if res.Error == nil || res.Error.Code != int(jsonrpc.ErrorCodeInternalError) {
		t.Fatalf("expected -32603 after the timeout, got %+v", res)
	}
}
