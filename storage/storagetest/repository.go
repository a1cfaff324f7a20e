// Package storagetest holds conformance suites shared by the storage
// implementations: RunRepositoryTests for sat.Repository backends and
// RunCacheTests for storage.Cache backends.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/techday/satbridge/sat"
)

// Repository is what a backend under test must implement.
type Repository interface {
	sat.Repository
	sat.Importer
}

// RepositoryFactory creates an empty repository whose timestamps come from
// now.
type RepositoryFactory func(t *testing.T, now func() time.Time) Repository

// Clock is a deterministic time source that advances one minute per reading.
type Clock struct {
	mu  sync.Mutex
	cur time.Time
}

// NewClock starts a Clock at start.
func NewClock(start time.Time) *Clock { return &Clock{cur: start} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = c.cur.Add(time.Minute)
	return c.cur
}

// RunRepositoryTests runs the complete repository suite against factory.
func RunRepositoryTests(t *testing.T, factory RepositoryFactory) {
	t.Run("Seed_ImportsFixturesOnce", func(t *testing.T) { testSeed(t, factory) })
	t.Run("Catalog_DistinctSortedTypes", func(t *testing.T) { testMachineTypes(t, factory) })
	t.Run("Catalog_ModelsIncludeUnavailable", func(t *testing.T) { testMachineModels(t, factory) })
	t.Run("Catalog_CreateIncidentWithInitialLog", func(t *testing.T) { testCreateIncident(t, factory) })
	t.Run("Catalog_CreateIncidentUnknownMachine", func(t *testing.T) { testCreateIncidentUnknownMachine(t, factory) })
	t.Run("Machines_CRUDAndSoftDelete", func(t *testing.T) { testMachinesCRUD(t, factory) })
	t.Run("Machines_RejectInvalid", func(t *testing.T) { testMachinesInvalid(t, factory) })
	t.Run("Incidents_NewestFirstWithLogs", func(t *testing.T) { testListIncidents(t, factory) })
	t.Run("Incidents_PatchAndDelete", func(t *testing.T) { testIncidentPatchDelete(t, factory) })
	t.Run("Incidents_LogAdvancesOpenStatus", func(t *testing.T) { testAddLog(t, factory) })
}

func newSeeded(t *testing.T, factory RepositoryFactory) (Repository, *Clock) {
	t.Helper()
	clock := NewClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	repo := factory(t, clock.Now)
	wrote, err := sat.Seed(context.Background(), repo)
	require.NoError(t, err)
	require.True(t, wrote)
	return repo, clock
}

func testSeed(t *testing.T, factory RepositoryFactory) {
	ctx := context.Background()
	repo, _ := newSeeded(t, factory)

	empty, err := repo.Empty(ctx)
	require.NoError(t, err)
	require.False(t, empty)

	wrote, err := sat.Seed(ctx, repo)
	require.NoError(t, err)
	require.False(t, wrote, "second seed must be a no-op")

	all, err := repo.ListMachines(ctx, false)
	require.NoError(t, err)
	require.Len(t, all, 5)

	inc, err := repo.GetIncident(ctx, "INC-003")
	require.NoError(t, err)
	require.Equal(t, sat.StatusResolved, inc.Status)
	require.NotNil(t, inc.ClosedAt)
	require.True(t, inc.ClosedAt.Equal(time.Date(2024, time.May, 9, 11, 5, 0, 0, time.UTC)))
	require.Len(t, inc.Logs, 2)
	require.Equal(t, sat.AuthorSystem, inc.Logs[0].Author)
	require.Equal(t, "Desagüe desatascado.", inc.Logs[1].Text)
}

func testMachineTypes(t *testing.T, factory RepositoryFactory) {
	ctx := context.Background()
	repo, _ := newSeeded(t, factory)

	_, err := repo.CreateMachine(ctx, sat.Machine{ID: "APP006", Type: "Lavadora", Brand: "Balay", Model: "3TS", Serial: "BLY-1", Available: true})
	require.NoError(t, err)

	types, err := repo.ListMachineTypes(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"Frigorífico", "Horno", "Lavadora", "Lavavajillas", "Secadora"}, types)
}

func testMachineModels(t *testing.T, factory RepositoryFactory) {
	ctx := context.Background()
	repo, _ := newSeeded(t, factory)

	models, err := repo.ListMachineModels(ctx, "Horno")
	require.NoError(t, err)
	require.Equal(t, []sat.MachineModel{{ID: "APP004", Model: "BIE22300", Type: "Horno"}}, models)

	none, err := repo.ListMachineModels(ctx, "Tostadora")
	require.NoError(t, err)
	require.NotNil(t, none)
	require.Empty(t, none)
}

func testCreateIncident(t *testing.T, factory RepositoryFactory) {
	ctx := context.Background()
	repo, _ := newSeeded(t, factory)

	inc, err := repo.CreateIncident(ctx, sat.NewIncident{
		MachineID:   "APP001",
		Title:       "No centrifuga",
		Description: sat.Ptr("El tambor no gira."),
	}, sat.AgentLog)
	require.NoError(t, err)
	require.Regexp(t, `^INC-[0-9A-F]{8}$`, inc.ID)
	require.Equal(t, sat.StatusOpen, inc.Status)
	require.Equal(t, sat.PriorityMedium, inc.Priority)
	require.Len(t, inc.Logs, 1)
	require.Equal(t, sat.AuthorAgent, inc.Logs[0].Author)
	require.Equal(t, sat.TextCreatedByAgent, inc.Logs[0].Text)

	got, err := repo.GetIncident(ctx, inc.ID)
	require.NoError(t, err)
	require.Equal(t, "El tambor no gira.", *got.Description)

	_, err = repo.CreateIncident(ctx, sat.NewIncident{ID: inc.ID, MachineID: "APP001", Title: "dup"}, sat.SystemLog)
	require.ErrorIs(t, err, sat.ErrInvalidIncident)
}

func testCreateIncidentUnknownMachine(t *testing.T, factory RepositoryFactory) {
	ctx := context.Background()
	repo, _ := newSeeded(t, factory)

	before, err := repo.ListIncidents(ctx)
	require.NoError(t, err)

	_, err = repo.CreateIncident(ctx, sat.NewIncident{MachineID: "DOES-NOT-EXIST", Title: "t"}, sat.AgentLog)
	require.ErrorIs(t, err, sat.ErrMachineNotFound)

	after, err := repo.ListIncidents(ctx)
	require.NoError(t, err)
	require.Len(t, after, len(before), "failed create must not leave rows behind")
}

func testMachinesCRUD(t *testing.T, factory RepositoryFactory) {
	ctx := context.Background()
	repo, _ := newSeeded(t, factory)

	available, err := repo.ListMachines(ctx, true)
	require.NoError(t, err)
	require.Len(t, available, 4, "APP004 is seeded unavailable")

	created, err := repo.CreateMachine(ctx, sat.Machine{ID: "APP010", Type: "Microondas", Brand: "LG", Model: "MS20", Serial: "LG-M-20", Available: true})
	require.NoError(t, err)
	require.Nil(t, created.Location)

	updated, err := repo.UpdateMachine(ctx, "APP010", sat.MachinePatch{Location: sat.Ptr("Office"), Model: sat.Ptr("MS23")})
	require.NoError(t, err)
	require.Equal(t, "MS23", updated.Model)
	require.Equal(t, "Office", *updated.Location)
	require.Equal(t, "LG", updated.Brand)

	require.NoError(t, repo.DeleteMachine(ctx, "APP010"))
	m, err := repo.GetMachine(ctx, "APP010")
	require.NoError(t, err)
	require.False(t, m.Available)

	available, err = repo.ListMachines(ctx, true)
	require.NoError(t, err)
	require.Len(t, available, 4)

	_, err = repo.UpdateMachine(ctx, "NOPE", sat.MachinePatch{})
	require.ErrorIs(t, err, sat.ErrMachineNotFound)
	require.ErrorIs(t, repo.DeleteMachine(ctx, "NOPE"), sat.ErrMachineNotFound)
	_, err = repo.GetMachine(ctx, "NOPE")
	require.ErrorIs(t, err, sat.ErrMachineNotFound)
}

func testMachinesInvalid(t *testing.T, factory RepositoryFactory) {
	ctx := context.Background()
	repo, _ := newSeeded(t, factory)

	_, err := repo.CreateMachine(ctx, sat.Machine{ID: "  ", Type: "Horno"})
	require.ErrorIs(t, err, sat.ErrInvalidMachine)

	_, err = repo.CreateMachine(ctx, sat.Machine{ID: "APP001", Type: "Horno", Serial: "NEW"})
	require.ErrorIs(t, err, sat.ErrInvalidMachine)

	_, err = repo.CreateMachine(ctx, sat.Machine{ID: "APP099", Type: "Horno", Serial: "FGR-W-8800-01"})
	require.ErrorIs(t, err, sat.ErrInvalidMachine)

	_, err = repo.UpdateMachine(ctx, "APP002", sat.MachinePatch{Serial: sat.Ptr("FGR-W-8800-01")})
	require.ErrorIs(t, err, sat.ErrInvalidMachine)
}

func testListIncidents(t *testing.T, factory RepositoryFactory) {
	ctx := context.Background()
	repo, _ := newSeeded(t, factory)

	first, err := repo.CreateIncident(ctx, sat.NewIncident{MachineID: "APP002", Title: "first"}, sat.SystemLog)
	require.NoError(t, err)
	second, err := repo.CreateIncident(ctx, sat.NewIncident{MachineID: "APP003", Title: "second"}, sat.SystemLog)
	require.NoError(t, err)

	all, err := repo.ListIncidents(ctx)
	require.NoError(t, err)
	var ids []string
	for _, inc := range all {
		ids = append(ids, inc.ID)
		require.NotEmpty(t, inc.Logs, "incident %s listed without logs", inc.ID)
	}
	require.Equal(t, []string{second.ID, first.ID, "INC-002", "INC-001", "INC-003"}, ids)
}

func testIncidentPatchDelete(t *testing.T, factory RepositoryFactory) {
	ctx := context.Background()
	repo, _ := newSeeded(t, factory)

	closedAt := time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC)
	inc, err := repo.UpdateIncident(ctx, "INC-001", sat.IncidentPatch{
		Status:   sat.Ptr(sat.StatusResolved),
		ClosedAt: &closedAt,
		MattinID: sat.Ptr("doc-42"),
	})
	require.NoError(t, err)
	require.Equal(t, sat.StatusResolved, inc.Status)
	require.Equal(t, "Centrifugado ruidoso", inc.Title)
	require.Equal(t, "doc-42", *inc.MattinID)

	got, err := repo.GetIncident(ctx, "INC-001")
	require.NoError(t, err)
	require.True(t, got.ClosedAt.Equal(closedAt))
	require.Equal(t, sat.PriorityHigh, got.Priority)

	_, err = repo.UpdateIncident(ctx, "INC-001", sat.IncidentPatch{Status: sat.Ptr(sat.IncidentStatus("lost"))})
	require.ErrorIs(t, err, sat.ErrInvalidIncident)
	_, err = repo.UpdateIncident(ctx, "NOPE", sat.IncidentPatch{})
	require.ErrorIs(t, err, sat.ErrIncidentNotFound)

	require.NoError(t, repo.DeleteIncident(ctx, "INC-001"))
	_, err = repo.GetIncident(ctx, "INC-001")
	require.ErrorIs(t, err, sat.ErrIncidentNotFound)
	require.ErrorIs(t, repo.DeleteIncident(ctx, "INC-001"), sat.ErrIncidentNotFound)
}

func testAddLog(t *testing.T, factory RepositoryFactory) {
	ctx := context.Background()
	repo, _ := newSeeded(t, factory)

	l, err := repo.AddIncidentLog(ctx, "INC-001", sat.LogEntry{Author: "Téc. Ane", Text: "Rodamiento sustituido."})
	require.NoError(t, err)
	require.Equal(t, "INC-001", l.IncidentID)
	require.NotZero(t, l.ID)

	inc, err := repo.GetIncident(ctx, "INC-001")
	require.NoError(t, err)
	require.Equal(t, sat.StatusInProgress, inc.Status)
	require.Len(t, inc.Logs, 4)
	require.Equal(t, sat.LogEntry{Author: sat.AuthorSystem, Text: sat.TextStatusInProcess}, sat.LogEntry{Author: inc.Logs[2].Author, Text: inc.Logs[2].Text})
	require.Equal(t, "Rodamiento sustituido.", inc.Logs[3].Text)

	// Already in progress: no extra status entry.
	_, err = repo.AddIncidentLog(ctx, "INC-001", sat.LogEntry{Author: "Téc. Ane", Text: "Prueba OK."})
	require.NoError(t, err)
	inc, err = repo.GetIncident(ctx, "INC-001")
	require.NoError(t, err)
	require.Len(t, inc.Logs, 5)

	_, err = repo.AddIncidentLog(ctx, "NOPE", sat.LogEntry{Author: "x", Text: "y"})
	require.True(t, errors.Is(err, sat.ErrIncidentNotFound))
}
