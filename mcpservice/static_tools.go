package mcpservice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/invopop/jsonschema"
	"github.com/techday/satbridge/mcp"
)

// ErrToolNotFound is returned by ToolsContainer.Call for unregistered names.
var ErrToolNotFound = errors.New("tool not found")

// ToolHandler is the function signature used to handle a tool invocation.
type ToolHandler func(ctx context.Context, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error)

// StaticTool pairs an MCP tool descriptor with its handler.
type StaticTool struct {
	Descriptor mcp.Tool
	Handler    ToolHandler
}

// ToolRequest is the container for tool call input and request metadata.
// It is generic over the typed argument struct A.
type ToolRequest[A any] struct {
	name string
	raw  json.RawMessage
	args A
}

func (r *ToolRequest[A]) Name() string                  { return r.name }
func (r *ToolRequest[A]) RawArguments() json.RawMessage { return r.raw }
func (r *ToolRequest[A]) Args() A                       { return r.args }

// ToolOption configures NewTool behavior.
type ToolOption func(*toolConfig)

type toolConfig struct {
	description string
}

// WithToolDescription sets the tool description used in listings.
func WithToolDescription(desc string) ToolOption {
	return func(c *toolConfig) { c.description = desc }
}

// NewTool constructs a StaticTool from a typed args struct A. Domain failures
// should be returned by fn as values (see ErrorResult) so that callers parse
// every outcome the same way; a non-nil error is reserved for unexpected
// failures. NewTool:
//   - reflects a JSON Schema from A using invopop/jsonschema
//   - down-converts it to MCP's simplified ToolInputSchema
//   - checks that every required key is present before calling fn
//   - encodes fn's value as a single JSON text content block
//
// Argument decoding is lenient: unknown keys are ignored and only the
// presence of required keys is enforced. The schema is advertised to the
// caller as description, not used as a full validator.
func NewTool[A any](name string, fn func(ctx context.Context, r *ToolRequest[A]) (any, error), opts ...ToolOption) StaticTool {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	input := reflectToMCPInputSchema[A]()
	desc := mcp.Tool{
		Name:        name,
		Description: cfg.description,
		InputSchema: input,
	}

	handler := func(ctx context.Context, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
		var present map[string]json.RawMessage
		if args := bytes.TrimSpace(req.Arguments); len(args) > 0 && !bytes.Equal(args, []byte("null")) {
			if err := json.Unmarshal(args, &present); err != nil {
				return JSONResult(Errorf("Invalid arguments: expected an object"))
			}
		}
		for _, key := range input.Required {
			if _, ok := present[key]; !ok {
				return JSONResult(Errorf("Missing required argument: %s", key))
			}
		}

		var a A
		if len(present) > 0 {
			if err := json.Unmarshal(req.Arguments, &a); err != nil {
				return JSONResult(Errorf("Invalid arguments: %v", err))
			}
		}

		v, err := fn(ctx, &ToolRequest[A]{name: req.Name, raw: req.Arguments, args: a})
		if err != nil {
			return nil, err
		}
		return JSONResult(v)
	}

	return StaticTool{Descriptor: desc, Handler: handler}
}

// reflectToMCPInputSchema reflects a Go type A into a jsonschema.Schema, and
// converts it to the simplified mcp.ToolInputSchema.
func reflectToMCPInputSchema[A any]() mcp.ToolInputSchema {
	r := &jsonschema.Reflector{
		DoNotReference:            true, // inline defs
		ExpandedStruct:            true, // put struct at root
		AllowAdditionalProperties: true,
	}
	// Reflect from a zero value pointer to capture struct tags consistently
	s := r.Reflect(new(A))

	props := make(map[string]mcp.SchemaProperty)
	required := []string{}
	if s == nil || s.Type != "object" {
		return mcp.ToolInputSchema{Type: "object", Properties: props, Required: required}
	}

	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			props[el.Key] = toMCPProperty(el.Value)
		}
	}
	required = append(required, s.Required...)

	return mcp.ToolInputSchema{
		Type:       "object",
		Properties: props,
		Required:   required,
	}
}

// toMCPProperty recursively maps a jsonschema.Schema to the simplified MCP SchemaProperty.
func toMCPProperty(s *jsonschema.Schema) mcp.SchemaProperty {
	if s == nil {
		return mcp.SchemaProperty{}
	}
	p := mcp.SchemaProperty{
		Type:        s.Type,
		Description: s.Description,
	}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	// Arrays
	if s.Type == "array" && s.Items != nil {
		item := toMCPProperty(s.Items)
		p.Items = &item
	}
	// Objects
	if s.Type == "object" && s.Properties != nil {
		m := make(map[string]mcp.SchemaProperty, s.Properties.Len())
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			m[el.Key] = toMCPProperty(el.Value)
		}
		p.Properties = m
	}
	return p
}

// ToolsContainer is an immutable catalog of tool descriptors and handlers,
// built once at startup and shared by every session.
type ToolsContainer struct {
	tools    []mcp.Tool             // descriptors for listing, in registration order
	handlers map[string]ToolHandler // name -> handler
}

// NewToolsContainer constructs a ToolsContainer. On duplicate names the last
// definition wins.
func NewToolsContainer(defs ...StaticTool) *ToolsContainer {
	st := &ToolsContainer{
		tools:    make([]mcp.Tool, 0, len(defs)),
		handlers: make(map[string]ToolHandler, len(defs)),
	}
	for _, d := range defs {
		name := d.Descriptor.Name
		if _, dup := st.handlers[name]; dup {
			for i := range st.tools {
				if st.tools[i].Name == name {
					st.tools[i] = d.Descriptor
				}
			}
		} else {
			st.tools = append(st.tools, d.Descriptor)
		}
		st.handlers[name] = d.Handler
	}
	return st
}

// Tools returns a copy of the tool descriptors.
func (st *ToolsContainer) Tools() []mcp.Tool {
	out := make([]mcp.Tool, len(st.tools))
	copy(out, st.tools)
	return out
}

// Call dispatches a request to the named tool. Unknown names wrap
// ErrToolNotFound; a panicking handler is reported as an error.
func (st *ToolsContainer) Call(ctx context.Context, req *mcp.CallToolRequestReceived) (res *mcp.CallToolResult, err error) {
	if req == nil || req.Name == "" {
		return nil, fmt.Errorf("%w: missing name", ErrToolNotFound)
	}
	h := st.handlers[req.Name]
	if h == nil {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, req.Name)
	}

	defer func() {
		if p := recover(); p != nil {
			res = nil
			err = &PanicError{Tool: req.Name, Value: p, Stack: debug.Stack()}
		}
	}()
	return h(ctx, req)
}

// PanicError is returned by Call when a tool handler panicked.
type PanicError struct {
	Tool  string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("tool %s panicked: %v", e.Tool, e.Value)
}

// ErrorResult is the value a tool returns for a domain level failure.
type ErrorResult struct {
	Error string `json:"error"`
}

// Errorf builds an ErrorResult.
func Errorf(format string, a ...any) ErrorResult {
	return ErrorResult{Error: fmt.Sprintf(format, a...)}
}

// TextResult is a small helper to build a text CallToolResult.
func TextResult(s string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: s}}}
}

// JSONResult encodes v as JSON into a single text block. HTML characters are
// left unescaped so the text reads as the caller's own data.
func JSONResult(v any) (*mcp.CallToolResult, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("failed to encode tool result: %w", err)
	}
	return TextResult(string(bytes.TrimRight(buf.Bytes(), "\n"))), nil
}
