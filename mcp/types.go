package mcp

// Capabilities
// ClientCapabilities advertises client features. The bridge records them for
// logging only; it never issues server-to-client requests.
type ClientCapabilities struct {
	Roots *struct {
		ListChanged bool `json:"listChanged"`
	} `json:"roots,omitempty"`
	Sampling    *struct{} `json:"sampling,omitempty"`
	Elicitation *struct{} `json:"elicitation,omitempty"`
}

// ServerCapabilities advertises server features.
type ServerCapabilities struct {
	Tools *ToolsCapability `json:"tools,omitempty"`
}

// ToolsCapability is advertised as an empty object unless list change
// notifications are supported.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitzero"`
}

// ImplementationInfo describes the implementation name and version.
type ImplementationInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Title   string `json:"title,omitzero"`
}

// Content types
const ContentTypeText = "text"

// ContentBlock is a typed content part of a message.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Tools
// Tool describes a callable tool and its input schema.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema ToolInputSchema `json:"inputSchema"`
}

// ToolInputSchema is a JSON-schema-like description of tool input. Properties
// and Required are always serialized, as empty containers for tools that take
// no arguments.
type ToolInputSchema struct {
	Type       string                    `json:"type"`
	Properties map[string]SchemaProperty `json:"properties"`
	Required   []string                  `json:"required"`
}

// SchemaProperty is a simplified schema node used in tool schemas.
type SchemaProperty struct {
	Type        string                    `json:"type,omitempty"`
	Description string                    `json:"description,omitzero"`
	Items       *SchemaProperty           `json:"items,omitempty"`
	Properties  map[string]SchemaProperty `json:"properties,omitempty"`
	Enum        []any                     `json:"enum,omitempty"`
}

// ProtocolVersion is the protocol revision spoken by the SSE bridge. The
// legacy HTTP+SSE transport was retired after this revision.
const ProtocolVersion = "2024-11-05"
