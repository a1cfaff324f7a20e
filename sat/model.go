package sat

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Machine is an appliance model the support desk can open incidents against.
type Machine struct {
	ID        string  `json:"id"`
	Type      string  `json:"type"`
	Brand     string  `json:"brand"`
	Model     string  `json:"model"`
	Serial    string  `json:"serial"`
	Location  *string `json:"location"`
	Available bool    `json:"available"`
}

// MachineModel is the projection of a Machine returned to agents browsing
// the catalog.
type MachineModel struct {
	ID    string `json:"id"`
	Model string `json:"model"`
	Type  string `json:"type"`
}

// MachinePatch carries a partial machine update. Nil fields are left as is.
type MachinePatch struct {
	Type      *string `json:"type,omitempty"`
	Brand     *string `json:"brand,omitempty"`
	Model     *string `json:"model,omitempty"`
	Serial    *string `json:"serial,omitempty"`
	Location  *string `json:"location,omitempty"`
	Available *bool   `json:"available,omitempty"`
}

// Apply writes the non-nil fields of p onto m.
func (p MachinePatch) Apply(m *Machine) {
	if p.Type != nil {
		m.Type = *p.Type
	}
	if p.Brand != nil {
		m.Brand = *p.Brand
	}
	if p.Model != nil {
		m.Model = *p.Model
	}
	if p.Serial != nil {
		m.Serial = *p.Serial
	}
	if p.Location != nil {
		m.Location = p.Location
	}
	if p.Available != nil {
		m.Available = *p.Available
	}
}

// IncidentStatus is the lifecycle stage of an incident.
type IncidentStatus string

const (
	StatusOpen       IncidentStatus = "open"
	StatusInProgress IncidentStatus = "in_progress"
	StatusResolved   IncidentStatus = "resolved"
	StatusClosed     IncidentStatus = "closed"
)

// Valid reports whether s is a known status.
func (s IncidentStatus) Valid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusResolved, StatusClosed:
		return true
	}
	return false
}

// Priority ranks incidents for the technicians' queue.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Incident is a technical support ticket raised against a machine.
type Incident struct {
	ID          string         `json:"id"`
	MachineID   string         `json:"machine_id"`
	Title       string         `json:"title"`
	Description *string        `json:"description"`
	Status      IncidentStatus `json:"status"`
	Priority    Priority       `json:"priority"`
	ReportedBy  *string        `json:"reported_by"`
	CreatedAt   time.Time      `json:"created_at"`
	ClosedAt    *time.Time     `json:"closed_at"`
	MattinID    *string        `json:"mattin_id"`
	Logs        []IncidentLog  `json:"logs"`
}

// IncidentLog is one entry of an incident's activity trail.
type IncidentLog struct {
	ID         int64     `json:"id"`
	IncidentID string    `json:"incident_id"`
	Author     string    `json:"author"`
	Text       string    `json:"text"`
	Date       time.Time `json:"date"`
}

// LogEntry is the author and text of a log entry about to be recorded.
type LogEntry struct {
	Author string `json:"author"`
	Text   string `json:"text"`
}

// NewIncident describes an incident to create. An empty ID is replaced by
// NewIncidentID; empty Status and Priority default to open and medium.
type NewIncident struct {
	ID          string         `json:"id,omitempty"`
	MachineID   string         `json:"machine_id"`
	Title       string         `json:"title"`
	Description *string        `json:"description,omitempty"`
	Status      IncidentStatus `json:"status,omitempty"`
	Priority    Priority       `json:"priority,omitempty"`
	ReportedBy  *string        `json:"reported_by,omitempty"`
}

// Normalize fills defaults and validates n.
func (n *NewIncident) Normalize() error {
	if n.ID == "" {
		n.ID = NewIncidentID()
	}
	if n.Status == "" {
		n.Status = StatusOpen
	}
	if n.Priority == "" {
		n.Priority = PriorityMedium
	}
	if !n.Status.Valid() {
		return invalidIncident("unknown status %q", n.Status)
	}
	if !n.Priority.Valid() {
		return invalidIncident("unknown priority %q", n.Priority)
	}
	return nil
}

// IncidentPatch carries a partial incident update. Nil fields are left as is.
type IncidentPatch struct {
	Title       *string         `json:"title,omitempty"`
	Description *string         `json:"description,omitempty"`
	Status      *IncidentStatus `json:"status,omitempty"`
	Priority    *Priority       `json:"priority,omitempty"`
	ClosedAt    *time.Time      `json:"closed_at,omitempty"`
	MattinID    *string         `json:"mattin_id,omitempty"`
}

// Validate checks the enumerated fields of p.
func (p IncidentPatch) Validate() error {
	if p.Status != nil && !p.Status.Valid() {
		return invalidIncident("unknown status %q", *p.Status)
	}
	if p.Priority != nil && !p.Priority.Valid() {
		return invalidIncident("unknown priority %q", *p.Priority)
	}
	return nil
}

// Apply writes the non-nil fields of p onto inc.
func (p IncidentPatch) Apply(inc *Incident) {
	if p.Title != nil {
		inc.Title = *p.Title
	}
	if p.Description != nil {
		inc.Description = p.Description
	}
	if p.Status != nil {
		inc.Status = *p.Status
	}
	if p.Priority != nil {
		inc.Priority = *p.Priority
	}
	if p.ClosedAt != nil {
		inc.ClosedAt = p.ClosedAt
	}
	if p.MattinID != nil {
		inc.MattinID = p.MattinID
	}
}

// Authors and texts of the log entries the system writes on its own.
const (
	AuthorSystem = "Sistema"
	AuthorAgent  = "Agente Call Center"

	TextCreated         = "Incidencia creada."
	TextCreatedByAgent  = "Incidencia creada automáticamente por agente IA."
	TextStatusInProcess = "Estado cambiado a: EN PROCESO"
)

// AgentLog is the initial log entry of incidents opened through the agent
// tools.
var AgentLog = LogEntry{Author: AuthorAgent, Text: TextCreatedByAgent}

// SystemLog is the initial log entry of incidents opened through the API.
var SystemLog = LogEntry{Author: AuthorSystem, Text: TextCreated}

// NewIncidentID returns "INC-" followed by 8 random upper-case hex digits.
func NewIncidentID() string {
	u := uuid.New()
	return "INC-" + strings.ToUpper(strings.ReplaceAll(u.String(), "-", "")[:8])
}

// Ptr returns a pointer to v. Handy for optional model fields.
func Ptr[T any](v T) *T { return &v }
