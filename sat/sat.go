// Package sat holds the technical assistance (SAT) domain: the appliance
// catalog, incidents and their activity logs, and the interfaces the storage
// backends implement.
//
// Catalog is the narrow view the agent tools depend on. Repository extends it
// with the CRUD operations behind the REST API. Both are implemented by
// storage/memstore and storage/sqlstore and can be wrapped by
// storage/catalogcache.
package sat

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrMachineNotFound is returned when a machine id does not resolve.
	ErrMachineNotFound = errors.New("machine not found")
	// ErrIncidentNotFound is returned when an incident id does not resolve.
	ErrIncidentNotFound = errors.New("incident not found")
	// ErrInvalidMachine is returned for machines that cannot be stored as
	// given (empty id, duplicate id or serial).
	ErrInvalidMachine = errors.New("invalid machine")
	// ErrInvalidIncident is returned for incidents with unknown enumerated
	// values or a duplicate id.
	ErrInvalidIncident = errors.New("invalid incident")
)

func invalidIncident(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidIncident, fmt.Sprintf(format, a...))
}

// Catalog is what the agent tools need from storage.
type Catalog interface {
	// ListMachineTypes returns the distinct non-empty machine types, sorted.
	ListMachineTypes(ctx context.Context) ([]string, error)
	// ListMachineModels returns every machine of the given type, available
	// or not, ordered by id.
	ListMachineModels(ctx context.Context, machineType string) ([]MachineModel, error)
	// CreateIncident stores a new incident together with its first log
	// entry. It fails with ErrMachineNotFound when the machine is unknown.
	CreateIncident(ctx context.Context, in NewIncident, initial LogEntry) (*Incident, error)
}

// Repository is the full storage contract behind the REST API.
type Repository interface {
	Catalog

	// ListMachines returns machines ordered by id. With availableOnly set,
	// soft-deleted machines are omitted.
	ListMachines(ctx context.Context, availableOnly bool) ([]Machine, error)
	GetMachine(ctx context.Context, id string) (*Machine, error)
	CreateMachine(ctx context.Context, m Machine) (*Machine, error)
	UpdateMachine(ctx context.Context, id string, patch MachinePatch) (*Machine, error)
	// DeleteMachine marks the machine unavailable. Its incidents are kept.
	DeleteMachine(ctx context.Context, id string) error

	// ListIncidents returns every incident with its logs, newest first.
	ListIncidents(ctx context.Context) ([]Incident, error)
	GetIncident(ctx context.Context, id string) (*Incident, error)
	UpdateIncident(ctx context.Context, id string, patch IncidentPatch) (*Incident, error)
	// DeleteIncident removes the incident and its logs.
	DeleteIncident(ctx context.Context, id string) error
	// AddIncidentLog appends entry to the incident's trail. An open incident
	// moves to in_progress first, recorded by a system log entry.
	AddIncidentLog(ctx context.Context, incidentID string, entry LogEntry) (*IncidentLog, error)

	Close() error
}

// Importer loads fixtures with their identifiers and timestamps intact.
type Importer interface {
	// Empty reports whether the store holds no machines.
	Empty(ctx context.Context) (bool, error)
	// Import stores machines and incidents, including incident logs.
	Import(ctx context.Context, machines []Machine, incidents []Incident) error
}

// Seed loads the demo fixtures into imp unless it already holds data. It
// reports whether anything was written.
func Seed(ctx context.Context, imp Importer) (bool, error) {
	empty, err := imp.Empty(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to inspect store: %w", err)
	}
	if !empty {
		return false, nil
	}
	machines, incidents := SeedData()
	if err := imp.Import(ctx, machines, incidents); err != nil {
		return false, fmt.Errorf("failed to import seed data: %w", err)
	}
	return true, nil
}
