// Package sattools binds the SAT catalog to the MCP tools offered to the
// call-center agent: browsing machine types and models, and opening
// incidents.
package sattools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/techday/satbridge/mcpservice"
	"github.com/techday/satbridge/sat"
)

const (
	GetMachineTypes  = "get_machine_types"
	GetMachineModels = "get_machine_models"
	CreateIncident   = "create_incident"
)

type machineTypesArgs struct{}

type machineModelsArgs struct {
	Type string `json:"type" jsonschema_description:"The type of the machine (e.g., Lavadora)"`
}

type createIncidentArgs struct {
	MachineID   string `json:"machine_id" jsonschema_description:"The unique ID of the machine model (e.g., WASHER-001). Get this from get_machine_models."`
	Title       string `json:"title" jsonschema_description:"Short title of the incident."`
	Description string `json:"description" jsonschema_description:"Detailed description of the problem."`
}

// Created is the value returned by create_incident on success.
type Created struct {
	Success    bool   `json:"success"`
	IncidentID string `json:"incident_id"`
	Status     string `json:"status"`
}

// Option configures the tool set.
type Option func(*config)

type config struct {
	log *slog.Logger
}

// WithLogger sets the logger used to record incidents opened by agents.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.log = l }
}

// New returns the SAT tools bound to catalog.
func New(catalog sat.Catalog, opts ...Option) *mcpservice.ToolsContainer {
	cfg := config{log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.log == nil {
		cfg.log = slog.New(slog.DiscardHandler)
	}
	return mcpservice.NewToolsContainer(Tools(catalog, cfg.log)...)
}

// Tools returns the individual tool definitions, in listing order.
func Tools(catalog sat.Catalog, log *slog.Logger) []mcpservice.StaticTool {
	return []mcpservice.StaticTool{
		mcpservice.NewTool(GetMachineTypes,
			func(ctx context.Context, r *mcpservice.ToolRequest[machineTypesArgs]) (any, error) {
				types, err := catalog.ListMachineTypes(ctx)
				if err != nil {
					return nil, fmt.Errorf("failed to list machine types: %w", err)
				}
				if types == nil {
					types = []string{}
				}
				return types, nil
			},
			mcpservice.WithToolDescription("Get a list of all available appliance/machine types (e.g., Lavadora, Frigorífico)."),
		),
		mcpservice.NewTool(GetMachineModels,
			func(ctx context.Context, r *mcpservice.ToolRequest[machineModelsArgs]) (any, error) {
				models, err := catalog.ListMachineModels(ctx, r.Args().Type)
				if err != nil {
					return nil, fmt.Errorf("failed to list machine models: %w", err)
				}
				if models == nil {
					models = []sat.MachineModel{}
				}
				return models, nil
			},
			mcpservice.WithToolDescription("Get a list of available models for a specific machine type."),
		),
		mcpservice.NewTool(CreateIncident,
			func(ctx context.Context, r *mcpservice.ToolRequest[createIncidentArgs]) (any, error) {
				args := r.Args()
				inc, err := catalog.CreateIncident(ctx, sat.NewIncident{
					MachineID:   args.MachineID,
					Title:       args.Title,
					Description: sat.Ptr(args.Description),
					Status:      sat.StatusOpen,
					Priority:    sat.PriorityMedium,
				}, sat.AgentLog)
				if errors.Is(err, sat.ErrMachineNotFound) {
					return mcpservice.Errorf("Machine with ID %s not found.", args.MachineID), nil
				}
				if err != nil {
					return nil, fmt.Errorf("failed to create incident: %w", err)
				}
				log.InfoContext(ctx, "incident.create.ok",
					slog.String("incident_id", inc.ID),
					slog.String("machine_id", inc.MachineID),
				)
				return Created{Success: true, IncidentID: inc.ID, Status: "created"}, nil
			},
			mcpservice.WithToolDescription("Creates a new technical support incident in the system."),
		),
	}
}
