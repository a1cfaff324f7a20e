// Package sqlstore implements sat.Repository on database/sql. Two dialects
// are supported: PostgreSQL through the pgx stdlib driver, and SQLite through
// mattn/go-sqlite3.
//
// Queries are written once with '?' placeholders and rebound to '$n' for
// PostgreSQL. The schema is applied with CREATE ... IF NOT EXISTS on open.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/techday/satbridge/sat"
)

// Dialect selects the SQL flavor and driver.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

func (d Dialect) driver() (string, error) {
	switch d {
	case Postgres:
		return "pgx", nil
	case SQLite:
		return "sqlite3", nil
	}
	return "", fmt.Errorf("unsupported dialect %q", string(d))
}

func (d Dialect) schema() string {
	if d == Postgres {
		return schemaPostgres
	}
	return schemaSQLite
}

// PostgresDSN assembles a connection URL from discrete settings.
func PostgresDSN(host, port, user, password, name string) string {
	u := url.URL{
		Scheme: "postgresql",
		User:   url.UserPassword(user, password),
		Host:   net.JoinHostPort(host, port),
		Path:   "/" + name,
	}
	return u.String()
}

// SQLiteDSN returns a DSN for the database file at path with foreign keys
// enforced.
func SQLiteDSN(path string) string {
	return "file:" + path + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithClock overrides the time source used for created_at and log dates.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is a database/sql backed sat.Repository.
type Store struct {
	db      *sql.DB
	dialect Dialect
	log     *slog.Logger
	now     func() time.Time
}

// Open connects to dsn, verifies the connection and applies the schema.
func Open(ctx context.Context, dialect Dialect, dsn string, opts ...Option) (*Store, error) {
	driver, err := dialect.driver()
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dialect, err)
	}
	if dialect == SQLite {
		// One writer at a time; avoids SQLITE_BUSY under concurrent tool calls.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", dialect, err)
	}
	s, err := New(ctx, db, dialect, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database and applies the schema.
func New(ctx context.Context, db *sql.DB, dialect Dialect, opts ...Option) (*Store, error) {
	if _, err := dialect.driver(); err != nil {
		return nil, err
	}
	s := &Store{
		db:      db,
		dialect: dialect,
		log:     slog.New(slog.DiscardHandler),
		now:     func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.New(slog.DiscardHandler)
	}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	start := time.Now()
	for _, stmt := range strings.Split(s.dialect.schema(), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	s.log.Info("sqlstore.migrate.ok", slog.String("dialect", string(s.dialect)), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return nil
}

// rebind rewrites '?' placeholders into the dialect's form.
func (s *Store) rebind(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// --- Catalog ---

func (s *Store) ListMachineTypes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT type FROM machines WHERE type <> '' ORDER BY type`)
	if err != nil {
		return nil, fmt.Errorf("failed to query machine types: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("failed to scan machine type: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) ListMachineModels(ctx context.Context, machineType string) ([]sat.MachineModel, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, model, type FROM machines WHERE type = ? ORDER BY id`), machineType)
	if err != nil {
		return nil, fmt.Errorf("failed to query machine models: %w", err)
	}
	defer rows.Close()

	out := []sat.MachineModel{}
	for rows.Next() {
		var m sat.MachineModel
		if err := rows.Scan(&m.ID, &m.Model, &m.Type); err != nil {
			return nil, fmt.Errorf("failed to scan machine model: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) CreateIncident(ctx context.Context, in sat.NewIncident, initial sat.LogEntry) (*sat.Incident, error) {
	if err := in.Normalize(); err != nil {
		return nil, err
	}
	now := s.now()

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.machineExists(ctx, tx, in.MachineID); err != nil {
			return err
		}
		var n int
		if err := tx.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM incidents WHERE id = ?`), in.ID).Scan(&n); err != nil {
			return fmt.Errorf("failed to check incident id: %w", err)
		}
		if n > 0 {
			return fmt.Errorf("%w: incident %s already exists", sat.ErrInvalidIncident, in.ID)
		}
		_, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO incidents (id, machine_id, title, description, status, priority, reported_by, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			in.ID, in.MachineID, in.Title, in.Description, string(in.Status), string(in.Priority), in.ReportedBy, now)
		if err != nil {
			return fmt.Errorf("failed to insert incident: %w", err)
		}
		_, err = s.insertLog(ctx, tx, in.ID, initial, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.GetIncident(ctx, in.ID)
}

// --- Machines ---

const machineColumns = `id, type, brand, model, serial, location, available`

func scanMachine(row interface{ Scan(...any) error }) (sat.Machine, error) {
	var (
		m        sat.Machine
		serial   sql.NullString
		location sql.NullString
	)
	if err := row.Scan(&m.ID, &m.Type, &m.Brand, &m.Model, &serial, &location, &m.Available); err != nil {
		return sat.Machine{}, err
	}
	m.Serial = serial.String
	if location.Valid {
		m.Location = sat.Ptr(location.String)
	}
	return m, nil
}

func (s *Store) ListMachines(ctx context.Context, availableOnly bool) ([]sat.Machine, error) {
	query := `SELECT ` + machineColumns + ` FROM machines`
	var args []any
	if availableOnly {
		query += ` WHERE available = ?`
		args = append(args, true)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query machines: %w", err)
	}
	defer rows.Close()

	out := []sat.Machine{}
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan machine: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) GetMachine(ctx context.Context, id string) (*sat.Machine, error) {
	return s.getMachine(ctx, s.db, id)
}

func (s *Store) getMachine(ctx context.Context, q querier, id string) (*sat.Machine, error) {
	m, err := scanMachine(q.QueryRowContext(ctx, s.rebind(`SELECT `+machineColumns+` FROM machines WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", sat.ErrMachineNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load machine %s: %w", id, err)
	}
	return &m, nil
}

func (s *Store) machineExists(ctx context.Context, q querier, id string) error {
	var n int
	if err := q.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM machines WHERE id = ?`), id).Scan(&n); err != nil {
		return fmt.Errorf("failed to check machine %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", sat.ErrMachineNotFound, id)
	}
	return nil
}

func (s *Store) serialTaken(ctx context.Context, q querier, id, serial string) error {
	if serial == "" {
		return nil
	}
	var owner string
	err := q.QueryRowContext(ctx, s.rebind(`SELECT id FROM machines WHERE serial = ? AND id <> ?`), serial, id).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to check serial: %w", err)
	}
	return fmt.Errorf("%w: serial %s already used by %s", sat.ErrInvalidMachine, serial, owner)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (s *Store) CreateMachine(ctx context.Context, m sat.Machine) (*sat.Machine, error) {
	if strings.TrimSpace(m.ID) == "" {
		return nil, fmt.Errorf("%w: empty id", sat.ErrInvalidMachine)
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.machineExists(ctx, tx, m.ID); err == nil {
			return fmt.Errorf("%w: machine %s already exists", sat.ErrInvalidMachine, m.ID)
		} else if !errors.Is(err, sat.ErrMachineNotFound) {
			return err
		}
		if err := s.serialTaken(ctx, tx, m.ID, m.Serial); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO machines (`+machineColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`),
			m.ID, m.Type, m.Brand, m.Model, nullString(m.Serial), m.Location, m.Available)
		if err != nil {
			return fmt.Errorf("failed to insert machine: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetMachine(ctx, m.ID)
}

func (s *Store) UpdateMachine(ctx context.Context, id string, patch sat.MachinePatch) (*sat.Machine, error) {
	var out *sat.Machine
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		m, err := s.getMachine(ctx, tx, id)
		if err != nil {
			return err
		}
		patch.Apply(m)
		if err := s.serialTaken(ctx, tx, id, m.Serial); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.rebind(`
			UPDATE machines SET type = ?, brand = ?, model = ?, serial = ?, location = ?, available = ?
			WHERE id = ?`),
			m.Type, m.Brand, m.Model, nullString(m.Serial), m.Location, m.Available, id)
		if err != nil {
			return fmt.Errorf("failed to update machine: %w", err)
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) DeleteMachine(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE machines SET available = ? WHERE id = ?`), false, id)
	if err != nil {
		return fmt.Errorf("failed to delete machine: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", sat.ErrMachineNotFound, id)
	}
	return nil
}

// --- Incidents ---

const incidentColumns = `id, machine_id, title, description, status, priority, reported_by, created_at, closed_at, mattin_id`

func scanIncident(row interface{ Scan(...any) error }) (sat.Incident, error) {
	var (
		inc                                          sat.Incident
		machineID, description, reportedBy, mattinID sql.NullString
		status, priority                             string
		closedAt                                     sql.NullTime
	)
	if err := row.Scan(&inc.ID, &machineID, &inc.Title, &description, &status, &priority, &reportedBy, &inc.CreatedAt, &closedAt, &mattinID); err != nil {
		return sat.Incident{}, err
	}
	inc.MachineID = machineID.String
	inc.Status = sat.IncidentStatus(status)
	inc.Priority = sat.Priority(priority)
	inc.CreatedAt = inc.CreatedAt.UTC()
	if description.Valid {
		inc.Description = sat.Ptr(description.String)
	}
	if reportedBy.Valid {
		inc.ReportedBy = sat.Ptr(reportedBy.String)
	}
	if closedAt.Valid {
		inc.ClosedAt = sat.Ptr(closedAt.Time.UTC())
	}
	if mattinID.Valid {
		inc.MattinID = sat.Ptr(mattinID.String)
	}
	inc.Logs = []sat.IncidentLog{}
	return inc, nil
}

func (s *Store) ListIncidents(ctx context.Context) ([]sat.Incident, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+incidentColumns+` FROM incidents ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query incidents: %w", err)
	}
	defer rows.Close()

	out := []sat.Incident{}
	index := map[string]int{}
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		index[inc.ID] = len(out)
		out = append(out, inc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Release the connection before the second query; SQLite runs with one.
	rows.Close()

	logs, err := s.queryLogs(ctx, s.db, `SELECT id, incident_id, author, text, date FROM incident_logs ORDER BY incident_id, date, id`)
	if err != nil {
		return nil, err
	}
	for _, l := range logs {
		if i, ok := index[l.IncidentID]; ok {
			out[i].Logs = append(out[i].Logs, l)
		}
	}
	return out, nil
}

func (s *Store) GetIncident(ctx context.Context, id string) (*sat.Incident, error) {
	return s.getIncident(ctx, s.db, id)
}

func (s *Store) getIncident(ctx context.Context, q querier, id string) (*sat.Incident, error) {
	inc, err := scanIncident(q.QueryRowContext(ctx, s.rebind(`SELECT `+incidentColumns+` FROM incidents WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", sat.ErrIncidentNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load incident %s: %w", id, err)
	}
	logs, err := s.queryLogs(ctx, q, s.rebind(`SELECT id, incident_id, author, text, date FROM incident_logs WHERE incident_id = ? ORDER BY date, id`), id)
	if err != nil {
		return nil, err
	}
	inc.Logs = append(inc.Logs, logs...)
	return &inc, nil
}

func (s *Store) queryLogs(ctx context.Context, q querier, query string, args ...any) ([]sat.IncidentLog, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query incident logs: %w", err)
	}
	defer rows.Close()

	var out []sat.IncidentLog
	for rows.Next() {
		var l sat.IncidentLog
		if err := rows.Scan(&l.ID, &l.IncidentID, &l.Author, &l.Text, &l.Date); err != nil {
			return nil, fmt.Errorf("failed to scan incident log: %w", err)
		}
		l.Date = l.Date.UTC()
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) UpdateIncident(ctx context.Context, id string, patch sat.IncidentPatch) (*sat.Incident, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}
	var out *sat.Incident
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		inc, err := s.getIncident(ctx, tx, id)
		if err != nil {
			return err
		}
		patch.Apply(inc)
		_, err = tx.ExecContext(ctx, s.rebind(`
			UPDATE incidents SET title = ?, description = ?, status = ?, priority = ?, closed_at = ?, mattin_id = ?
			WHERE id = ?`),
			inc.Title, inc.Description, string(inc.Status), string(inc.Priority), inc.ClosedAt, inc.MattinID, id)
		if err != nil {
			return fmt.Errorf("failed to update incident: %w", err)
		}
		out = inc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) DeleteIncident(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM incident_logs WHERE incident_id = ?`), id); err != nil {
			return fmt.Errorf("failed to delete incident logs: %w", err)
		}
		res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM incidents WHERE id = ?`), id)
		if err != nil {
			return fmt.Errorf("failed to delete incident: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("%w: %s", sat.ErrIncidentNotFound, id)
		}
		return nil
	})
}

func (s *Store) AddIncidentLog(ctx context.Context, incidentID string, entry sat.LogEntry) (*sat.IncidentLog, error) {
	var out *sat.IncidentLog
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx, s.rebind(`SELECT status FROM incidents WHERE id = ?`), incidentID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", sat.ErrIncidentNotFound, incidentID)
		}
		if err != nil {
			return fmt.Errorf("failed to load incident %s: %w", incidentID, err)
		}

		now := s.now()
		if sat.IncidentStatus(status) == sat.StatusOpen {
			if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE incidents SET status = ? WHERE id = ?`), string(sat.StatusInProgress), incidentID); err != nil {
				return fmt.Errorf("failed to advance incident status: %w", err)
			}
			if _, err := s.insertLog(ctx, tx, incidentID, sat.LogEntry{Author: sat.AuthorSystem, Text: sat.TextStatusInProcess}, now); err != nil {
				return err
			}
		}
		l, err := s.insertLog(ctx, tx, incidentID, entry, now)
		if err != nil {
			return err
		}
		out = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) insertLog(ctx context.Context, q querier, incidentID string, entry sat.LogEntry, at time.Time) (*sat.IncidentLog, error) {
	var id int64
	err := q.QueryRowContext(ctx, s.rebind(`INSERT INTO incident_logs (incident_id, author, text, date) VALUES (?, ?, ?, ?) RETURNING id`),
		incidentID, entry.Author, entry.Text, at).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("failed to insert incident log: %w", err)
	}
	return &sat.IncidentLog{ID: id, IncidentID: incidentID, Author: entry.Author, Text: entry.Text, Date: at}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- Importer ---

func (s *Store) Empty(ctx context.Context) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM machines`).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to count machines: %w", err)
	}
	return n == 0, nil
}

func (s *Store) Import(ctx context.Context, machines []sat.Machine, incidents []sat.Incident) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, m := range machines {
			_, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO machines (`+machineColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`),
				m.ID, m.Type, m.Brand, m.Model, nullString(m.Serial), m.Location, m.Available)
			if err != nil {
				return fmt.Errorf("failed to import machine %s: %w", m.ID, err)
			}
		}
		for _, inc := range incidents {
			_, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO incidents (`+incidentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
				inc.ID, inc.MachineID, inc.Title, inc.Description, string(inc.Status), string(inc.Priority),
				inc.ReportedBy, inc.CreatedAt, inc.ClosedAt, inc.MattinID)
			if err != nil {
				return fmt.Errorf("failed to import incident %s: %w", inc.ID, err)
			}
			for _, l := range inc.Logs {
				if _, err := s.insertLog(ctx, tx, inc.ID, sat.LogEntry{Author: l.Author, Text: l.Text}, l.Date); err != nil {
					return err
				}
			}
		}
		s.log.InfoContext(ctx, "sqlstore.import.ok", slog.Int("machines", len(machines)), slog.Int("incidents", len(incidents)))
		return nil
	})
}

var (
	_ sat.Repository = (*Store)(nil)
	_ sat.Importer   = (*Store)(nil)
)
