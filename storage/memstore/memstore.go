// Package memstore provides an in-memory sat.Repository suitable for tests,
// demos and single-process deployments. All state is discarded on exit.
//
// Characteristics
//
//	Durability        : none (RAM only)
//	Horizontal scale  : no (process local)
//	Concurrency       : safe (single RWMutex)
//	Returned values   : deep copies; callers may mutate them freely
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/techday/satbridge/sat"
)

// Store is an in-memory implementation of sat.Repository.
type Store struct {
	mu        sync.RWMutex
	machines  map[string]sat.Machine
	incidents map[string]*sat.Incident
	nextLogID int64
	now       func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for created_at and log dates.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		machines:  make(map[string]sat.Machine),
		incidents: make(map[string]*sat.Incident),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// --- Catalog ---

func (s *Store) ListMachineTypes(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	out := []string{}
	for _, m := range s.machines {
		if m.Type == "" {
			continue
		}
		if _, ok := seen[m.Type]; ok {
			continue
		}
		seen[m.Type] = struct{}{}
		out = append(out, m.Type)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) ListMachineModels(ctx context.Context, machineType string) ([]sat.MachineModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []sat.MachineModel{}
	for _, m := range s.sortedMachinesLocked() {
		if m.Type == machineType {
			out = append(out, sat.MachineModel{ID: m.ID, Model: m.Model, Type: m.Type})
		}
	}
	return out, nil
}

func (s *Store) CreateIncident(ctx context.Context, in sat.NewIncident, initial sat.LogEntry) (*sat.Incident, error) {
	if err := in.Normalize(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.machines[in.MachineID]; !ok {
		return nil, fmt.Errorf("%w: %s", sat.ErrMachineNotFound, in.MachineID)
	}
	if _, dup := s.incidents[in.ID]; dup {
		return nil, fmt.Errorf("%w: incident %s already exists", sat.ErrInvalidIncident, in.ID)
	}

	now := s.now()
	inc := &sat.Incident{
		ID:          in.ID,
		MachineID:   in.MachineID,
		Title:       in.Title,
		Description: in.Description,
		Status:      in.Status,
		Priority:    in.Priority,
		ReportedBy:  in.ReportedBy,
		CreatedAt:   now,
	}
	s.appendLogLocked(inc, initial, now)
	s.incidents[inc.ID] = inc
	return cloneIncident(inc), nil
}

// --- Machines ---

func (s *Store) ListMachines(ctx context.Context, availableOnly bool) ([]sat.Machine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []sat.Machine{}
	for _, m := range s.sortedMachinesLocked() {
		if availableOnly && !m.Available {
			continue
		}
		out = append(out, cloneMachine(m))
	}
	return out, nil
}

func (s *Store) GetMachine(ctx context.Context, id string) (*sat.Machine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.machines[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", sat.ErrMachineNotFound, id)
	}
	c := cloneMachine(m)
	return &c, nil
}

func (s *Store) CreateMachine(ctx context.Context, m sat.Machine) (*sat.Machine, error) {
	if strings.TrimSpace(m.ID) == "" {
		return nil, fmt.Errorf("%w: empty id", sat.ErrInvalidMachine)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.machines[m.ID]; dup {
		return nil, fmt.Errorf("%w: machine %s already exists", sat.ErrInvalidMachine, m.ID)
	}
	if err := s.checkSerialLocked(m.ID, m.Serial); err != nil {
		return nil, err
	}
	s.machines[m.ID] = cloneMachine(m)
	c := cloneMachine(m)
	return &c, nil
}

func (s *Store) UpdateMachine(ctx context.Context, id string, patch sat.MachinePatch) (*sat.Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.machines[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", sat.ErrMachineNotFound, id)
	}
	patch.Apply(&m)
	if err := s.checkSerialLocked(id, m.Serial); err != nil {
		return nil, err
	}
	s.machines[id] = cloneMachine(m)
	c := cloneMachine(m)
	return &c, nil
}

func (s *Store) DeleteMachine(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.machines[id]
	if !ok {
		return fmt.Errorf("%w: %s", sat.ErrMachineNotFound, id)
	}
	m.Available = false
	s.machines[id] = m
	return nil
}

// --- Incidents ---

func (s *Store) ListIncidents(ctx context.Context) ([]sat.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]sat.Incident, 0, len(s.incidents))
	for _, inc := range s.incidents {
		out = append(out, *cloneIncident(inc))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) GetIncident(ctx context.Context, id string) (*sat.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inc, ok := s.incidents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", sat.ErrIncidentNotFound, id)
	}
	return cloneIncident(inc), nil
}

func (s *Store) UpdateIncident(ctx context.Context, id string, patch sat.IncidentPatch) (*sat.Incident, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	inc, ok := s.incidents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", sat.ErrIncidentNotFound, id)
	}
	patch.Apply(inc)
	return cloneIncident(inc), nil
}

func (s *Store) DeleteIncident(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.incidents[id]; !ok {
		return fmt.Errorf("%w: %s", sat.ErrIncidentNotFound, id)
	}
	delete(s.incidents, id)
	return nil
}

func (s *Store) AddIncidentLog(ctx context.Context, incidentID string, entry sat.LogEntry) (*sat.IncidentLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inc, ok := s.incidents[incidentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", sat.ErrIncidentNotFound, incidentID)
	}

	now := s.now()
	if inc.Status == sat.StatusOpen {
		inc.Status = sat.StatusInProgress
		s.appendLogLocked(inc, sat.LogEntry{Author: sat.AuthorSystem, Text: sat.TextStatusInProcess}, now)
	}
	l := s.appendLogLocked(inc, entry, now)
	return &l, nil
}

// Close is a no-op; it satisfies sat.Repository.
func (s *Store) Close() error { return nil }

// --- Importer ---

func (s *Store) Empty(ctx context.Context) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.machines) == 0, nil
}

func (s *Store) Import(ctx context.Context, machines []sat.Machine, incidents []sat.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range machines {
		s.machines[m.ID] = cloneMachine(m)
	}
	for i := range incidents {
		inc := cloneIncident(&incidents[i])
		logs := inc.Logs
		inc.Logs = nil
		for _, l := range logs {
			s.appendLogLocked(inc, sat.LogEntry{Author: l.Author, Text: l.Text}, l.Date)
		}
		s.incidents[inc.ID] = inc
	}
	return nil
}

// --- helpers ---

func (s *Store) appendLogLocked(inc *sat.Incident, entry sat.LogEntry, at time.Time) sat.IncidentLog {
	s.nextLogID++
	l := sat.IncidentLog{
		ID:         s.nextLogID,
		IncidentID: inc.ID,
		Author:     entry.Author,
		Text:       entry.Text,
		Date:       at,
	}
	inc.Logs = append(inc.Logs, l)
	return l
}

func (s *Store) checkSerialLocked(id, serial string) error {
	if serial == "" {
		return nil
	}
	for otherID, other := range s.machines {
		if otherID != id && other.Serial == serial {
			return fmt.Errorf("%w: serial %s already used by %s", sat.ErrInvalidMachine, serial, otherID)
		}
	}
	return nil
}

func (s *Store) sortedMachinesLocked() []sat.Machine {
	out := make([]sat.Machine, 0, len(s.machines))
	for _, m := range s.machines {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func cloneMachine(m sat.Machine) sat.Machine {
	if m.Location != nil {
		m.Location = sat.Ptr(*m.Location)
	}
	return m
}

func cloneIncident(inc *sat.Incident) *sat.Incident {
	c := *inc
	if inc.Description != nil {
		c.Description = sat.Ptr(*inc.Description)
	}
	if inc.ReportedBy != nil {
		c.ReportedBy = sat.Ptr(*inc.ReportedBy)
	}
	if inc.ClosedAt != nil {
		c.ClosedAt = sat.Ptr(*inc.ClosedAt)
	}
	if inc.MattinID != nil {
		c.MattinID = sat.Ptr(*inc.MattinID)
	}
	c.Logs = slices.Clone(inc.Logs)
	if c.Logs == nil {
		c.Logs = []sat.IncidentLog{}
	}
	return &c
}

var (
	_ sat.Repository = (*Store)(nil)
	_ sat.Importer   = (*Store)(nil)
)
