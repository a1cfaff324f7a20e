package ssehttp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/techday/satbridge/sat"
	"github.com/techday/satbridge/sattools"
)

// TestInterop_GoSDKClient drives the bridge with the reference MCP client
// over its legacy SSE transport.
func TestInterop_GoSDKClient(t *testing.T) {
	srv := mustServer(t, testOption{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := sdk.NewClient(&sdk.Implementation{Name: "interop-test", Version: "1.0.0"}, nil)
	cs, err := client.Connect(ctx, &sdk.SSEClientTransport{
		Endpoint:   srv.URL + DefaultBasePath + "/sse",
		HTTPClient: srv.Client(),
	}, nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer cs.Close()

	ir := cs.InitializeResult()
	if ir == nil || ir.ServerInfo == nil {
		t.Fatalf("missing initialize result")
	}
	if ir.ServerInfo.Name != "LKS SAT MCP" || ir.ProtocolVersion != "2024-11-05" {
		t.Fatalf("unexpected initialize result %+v / %s", ir.ServerInfo, ir.ProtocolVersion)
	}

	tools, err := cs.ListTools(ctx, &sdk.ListToolsParams{})
	if err != nil {
		t.Fatalf("tools/list: %v", err)
	}
	names := map[string]bool{}
	for _, tool := range tools.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{sattools.GetMachineTypes, sattools.GetMachineModels, sattools.CreateIncident} {
		if !names[want] {
			t.Fatalf("tool %q missing from %v", want, names)
		}
	}

	res, err := cs.CallTool(ctx, &sdk.CallToolParams{
		Name:      sattools.GetMachineModels,
		Arguments: map[string]any{"machine_type": "Lavadora"},
	})
	if err != nil {
		t.Fatalf("tools/call: %v", err)
	}
	var models []sat.MachineModel
	decodeText(t, res, &models)
	if len(models) != 1 || models[0].ID != "APP001" {
		t.Fatalf("unexpected models %+v", models)
	}

	res, err = cs.CallTool(ctx, &sdk.CallToolParams{
		Name:      sattools.CreateIncident,
		Arguments: map[string]any{"machine_id": "APP005", "title": "Fuga", "description": "Pierde agua por la puerta."},
	})
	if err != nil {
		t.Fatalf("tools/call: %v", err)
	}
	var created sattools.Created
	decodeText(t, res, &created)
	if !created.Success || created.IncidentID == "" {
		t.Fatalf("unexpected create result %+v", created)
	}
	if _, err := srv.store.GetIncident(ctx, created.IncidentID); err != nil {
		t.Fatalf("incident %s not persisted: %v", created.IncidentID, err)
	}
}

func decodeText(t *testing.T, res *sdk.CallToolResult, v any) {
	t.Helper()
	if res.IsError || len(res.Content) != 1 {
		t.Fatalf("unexpected tool result %+v", res)
	}
	text, ok := res.Content[0].(*sdk.TextContent)
	if !ok {
		t.Fatalf("expected text content, got %T", res.Content[0])
	}
	if err := json.Unmarshal([]byte(text.Text), v); err != nil {
		t.Fatalf("decode %q: %v", text.Text, err)
	}
}
