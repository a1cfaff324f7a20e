// Package mcp contains the Model Context Protocol payload types and method
// names used by the SAT bridge. It mirrors the wire representation of the
// 2024-11-05 protocol revision for the subset the bridge speaks: the
// initialize handshake, ping, tools/list and tools/call.
//
// The package is free of transport logic. The ssehttp package frames these
// types as SSE events and the engine package wraps them in JSON-RPC
// envelopes.
//
// # Method Names
//
// JSON-RPC method and notification names are enumerated as Method constants
// (e.g. ToolsListMethod). The engine classifies inbound method strings
// against these constants before dispatch.
//
// # Tool Results
//
// Tool output always travels as a single text content block whose text is
// the JSON encoding of the tool's value:
//
//	res := &mcp.CallToolResult{
//	    Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: `["Lavadora"]`}},
//	}
package mcp
