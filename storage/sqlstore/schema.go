package sqlstore

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS machines (
    id        TEXT PRIMARY KEY,
    type      TEXT NOT NULL,
    brand     TEXT NOT NULL,
    model     TEXT NOT NULL,
    serial    TEXT UNIQUE,
    location  TEXT,
    available BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS incidents (
    id          TEXT PRIMARY KEY,
    machine_id  TEXT REFERENCES machines(id),
    title       TEXT NOT NULL,
    description TEXT,
    status      TEXT NOT NULL DEFAULT 'open',
    priority    TEXT NOT NULL DEFAULT 'medium',
    reported_by TEXT,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    closed_at   TIMESTAMPTZ,
    mattin_id   TEXT
);

CREATE INDEX IF NOT EXISTS idx_incidents_created ON incidents(created_at);

CREATE TABLE IF NOT EXISTS incident_logs (
    id          BIGSERIAL PRIMARY KEY,
    incident_id TEXT NOT NULL REFERENCES incidents(id) ON DELETE CASCADE,
    author      TEXT NOT NULL,
    text        TEXT NOT NULL,
    date        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_incident_logs_incident ON incident_logs(incident_id);
`

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS machines (
    id        TEXT PRIMARY KEY,
    type      TEXT NOT NULL,
    brand     TEXT NOT NULL,
    model     TEXT NOT NULL,
    serial    TEXT UNIQUE,
    location  TEXT,
    available BOOLEAN NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS incidents (
    id          TEXT PRIMARY KEY,
    machine_id  TEXT REFERENCES machines(id),
    title       TEXT NOT NULL,
    description TEXT,
    status      TEXT NOT NULL DEFAULT 'open',
    priority    TEXT NOT NULL DEFAULT 'medium',
    reported_by TEXT,
    created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    closed_at   DATETIME,
    mattin_id   TEXT
);

CREATE INDEX IF NOT EXISTS idx_incidents_created ON incidents(created_at);

CREATE TABLE IF NOT EXISTS incident_logs (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    incident_id TEXT NOT NULL REFERENCES incidents(id) ON DELETE CASCADE,
    author      TEXT NOT NULL,
    text        TEXT NOT NULL,
    date        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_incident_logs_incident ON incident_logs(incident_id);
`
