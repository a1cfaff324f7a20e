// Package ssehttp exposes the SAT tool catalog over the MCP HTTP+SSE
// transport (protocol revision 2024-11-05).
//
// A client opens a stream with GET <base>/sse. The first event names the URL
// it must POST JSON-RPC messages to:
//
//	event: endpoint
//	data: /api/mcp/sat/messages?session_id=6f0c...
//
// Every POST is acknowledged with 202 Accepted once the message has been
// dispatched. The JSON-RPC response, if the message warrants one, arrives
// later on the stream:
//
//	event: message
//	data: {"jsonrpc":"2.0","id":1,"result":{...}}
//
// POSTs that cannot be attributed to a live session, or whose body is not a
// JSON-RPC object, are rejected with 400 and never reach a session queue.
// When a session's queue is full under the reject overflow policy the POST
// answers 503 so the caller can retry.
//
// The session lives exactly as long as its stream. Closing the stream, from
// either side, removes the session; POSTs for it then fail with 400.
// Because streams never go idle, servers should register the registry's
// CloseAll with http.Server.RegisterOnShutdown.
package ssehttp
