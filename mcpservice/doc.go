// Package mcpservice provides the tool catalog and tool executor plumbing used
// by the dispatcher. Tools are declared with a typed argument struct; the
// input schema advertised through tools/list is reflected from that struct.
//
// Quick start:
//
//	type ModelsArgs struct {
//	    Type string `json:"type" jsonschema:"required" jsonschema_description:"The type of the machine"`
//	}
//	tools := mcpservice.NewToolsContainer(
//	    mcpservice.NewTool("get_machine_models",
//	        func(ctx context.Context, r *mcpservice.ToolRequest[ModelsArgs]) (any, error) {
//	            return catalog.ListMachineModels(ctx, r.Args().Type)
//	        },
//	        mcpservice.WithToolDescription("Get a list of available models for a specific machine type."),
//	    ),
//	)
//
// A tool's value, whether a success payload or an ErrorResult, is encoded as
// JSON into a single text content block. Only unexpected failures (a returned
// error, a panic, an unknown tool name) leave this package as Go errors; the
// dispatcher turns those into JSON-RPC errors.
package mcpservice
