package engine

import "github.com/techday/satbridge/mcp"

// method is the closed set of JSON-RPC methods the engine understands.
// Every value below methodCount must have an entry in the handler table.
type method int

const (
	methodUnknown method = iota
	methodInitialize
	methodInitialized
	methodPing
	methodToolsList
	methodToolsCall

	methodCount
)

func classify(name string) method {
	switch mcp.Method(name) {
	case mcp.InitializeMethod:
		return methodInitialize
	case mcp.InitializedNotificationMethod:
		return methodInitialized
	case mcp.PingMethod:
		return methodPing
	case mcp.ToolsListMethod:
		return methodToolsList
	case mcp.ToolsCallMethod:
		return methodToolsCall
	default:
		return methodUnknown
	}
}

// requiresInitialized reports whether the method is a protocol violation
// before the initialize handshake.
func (m method) requiresInitialized() bool {
	return m == methodToolsList || m == methodToolsCall
}

// isNotification reports whether the method is defined as a notification,
// i.e. it never produces a response even when the peer sends an id.
func (m method) isNotification() bool {
	return m == methodInitialized
}

func (m method) String() string {
	switch m {
	case methodInitialize:
		return string(mcp.InitializeMethod)
	case methodInitialized:
		return string(mcp.InitializedNotificationMethod)
	case methodPing:
		return string(mcp.PingMethod)
	case methodToolsList:
		return string(mcp.ToolsListMethod)
	case methodToolsCall:
		return string(mcp.ToolsCallMethod)
	default:
		return "unknown"
	}
}
