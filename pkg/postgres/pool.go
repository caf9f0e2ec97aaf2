// Package postgres provides PostgreSQL connection pooling and the durable
// incident store
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sentinelx/dispatch/pkg/engine"
	"github.com/sentinelx/dispatch/pkg/messages"
)

// Pool wraps pgxpool.Pool with domain-specific query methods
type Pool struct {
	*pgxpool.Pool
}

// Config holds PostgreSQL connection configuration
type Config struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string

	// Pool settings
	MaxConns    int32
	MinConns    int32
	MaxConnLife time.Duration
	MaxConnIdle time.Duration
	HealthCheck time.Duration
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		Host:        "localhost",
		Port:        5432,
		Database:    "dispatch",
		User:        "dispatch",
		Password:    "dispatch",
		SSLMode:     "disable",
		MaxConns:    25,
		MinConns:    5,
		MaxConnLife: time.Hour,
		MaxConnIdle: 30 * time.Minute,
		HealthCheck: time.Minute,
	}
}

// ConnectionString builds a PostgreSQL connection string
func (c Config) ConnectionString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

// NewPool creates a new PostgreSQL connection pool
func NewPool(ctx context.Context, cfg Config) (*Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLife
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdle
	poolCfg.HealthCheckPeriod = cfg.HealthCheck

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	p := &Pool{Pool: pool}
	if err := p.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// NewPoolFromURL creates a pool from a connection URL
func NewPoolFromURL(ctx context.Context, url string) (*Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	p := &Pool{Pool: pool}
	if err := p.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// Schema applied on startup. Idempotent, so every service can run it against
// a shared database without coordination.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS incidents (
		incident_id   TEXT PRIMARY KEY,
		fingerprint   TEXT NOT NULL,
		state         TEXT NOT NULL,
		severity      TEXT NOT NULL DEFAULT '',
		degraded      BOOLEAN NOT NULL DEFAULT FALSE,
		source_id     TEXT NOT NULL,
		location_lat  DOUBLE PRECISION NOT NULL,
		location_lon  DOUBLE PRECISION NOT NULL,
		confidence    DOUBLE PRECISION NOT NULL,
		vehicle_count INTEGER NOT NULL DEFAULT 0,
		doc           JSONB NOT NULL,
		first_seen    TIMESTAMPTZ NOT NULL,
		last_seen     TIMESTAMPTZ NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL,
		expires_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_incidents_fingerprint ON incidents (fingerprint)`,
	`CREATE INDEX IF NOT EXISTS idx_incidents_state ON incidents (state)`,
	`CREATE INDEX IF NOT EXISTS idx_incidents_last_seen ON incidents (last_seen DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_incidents_expires_at ON incidents (expires_at)`,
	`CREATE TABLE IF NOT EXISTS rejections (
		message_id   TEXT PRIMARY KEY,
		source_id    TEXT NOT NULL,
		reason       TEXT NOT NULL,
		confidence   DOUBLE PRECISION NOT NULL,
		location_lat DOUBLE PRECISION NOT NULL,
		location_lon DOUBLE PRECISION NOT NULL,
		captured_at  TIMESTAMPTZ,
		payload      JSONB NOT NULL,
		rejected_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rejections_source ON rejections (source_id)`,
}

func (p *Pool) ensureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := p.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// Lifecycle states that keep an incident out of terminal queries.
var terminalStates = []string{
	string(messages.StateResolved),
	string(messages.StateDispatchDeadLetter),
	string(messages.StateCancelled),
}

// PutIncident inserts or updates an incident. The full document is stored as
// JSONB next to the queryable columns. expires_at is written once at insert
// and never moved by later updates.
func (p *Pool) PutIncident(ctx context.Context, inc *messages.Incident) error {
	doc, err := json.Marshal(inc)
	if err != nil {
		return fmt.Errorf("failed to marshal incident: %w", err)
	}

	query := `
		INSERT INTO incidents (
			incident_id, fingerprint, state, severity, degraded,
			source_id, location_lat, location_lon, confidence, vehicle_count,
			doc, first_seen, last_seen,
			created_at, updated_at, expires_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13,
			$14, $15, $16
		)
		ON CONFLICT (incident_id) DO UPDATE SET
			state = EXCLUDED.state,
			severity = EXCLUDED.severity,
			degraded = EXCLUDED.degraded,
			confidence = EXCLUDED.confidence,
			vehicle_count = EXCLUDED.vehicle_count,
			doc = EXCLUDED.doc,
			last_seen = EXCLUDED.last_seen,
			updated_at = EXCLUDED.updated_at
	`

	_, err = p.Exec(ctx, query,
		inc.ID,
		inc.Fingerprint,
		string(inc.State),
		string(inc.Severity()),
		inc.Degraded,
		inc.Snapshot.SourceID,
		inc.Snapshot.Location.Lat,
		inc.Snapshot.Location.Lon,
		inc.Snapshot.Confidence,
		inc.Snapshot.VehicleCount,
		doc,
		inc.Snapshot.FirstSeen,
		inc.Snapshot.LastSeen,
		inc.CreatedAt,
		inc.UpdatedAt,
		inc.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert incident: %w", err)
	}

	return nil
}

// GetIncident retrieves a single incident by ID
func (p *Pool) GetIncident(ctx context.Context, incidentID string) (*messages.Incident, error) {
	var doc []byte
	err := p.QueryRow(ctx,
		"SELECT doc FROM incidents WHERE incident_id = $1", incidentID,
	).Scan(&doc)
	if err == pgx.ErrNoRows {
		return nil, engine.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get incident: %w", err)
	}

	var inc messages.Incident
	if err := json.Unmarshal(doc, &inc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal incident: %w", err)
	}
	return &inc, nil
}

// GetByFingerprint retrieves the live incident holding a dedup fingerprint.
// Acknowledged and terminal incidents no longer hold theirs.
func (p *Pool) GetByFingerprint(ctx context.Context, fingerprint string) (*messages.Incident, error) {
	query := `
		SELECT doc FROM incidents
		WHERE fingerprint = $1
		  AND expires_at > NOW()
		  AND state NOT IN ($2, $3, $4, $5)
		ORDER BY created_at DESC
		LIMIT 1
	`
	var doc []byte
	err := p.QueryRow(ctx, query, fingerprint,
		terminalStates[0], terminalStates[1], terminalStates[2],
		string(messages.StateAcknowledged),
	).Scan(&doc)
	if err == pgx.ErrNoRows {
		return nil, engine.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get incident by fingerprint: %w", err)
	}

	var inc messages.Incident
	if err := json.Unmarshal(doc, &inc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal incident: %w", err)
	}
	return &inc, nil
}

// ListActive retrieves non-terminal, non-expired incidents with optional
// filtering
func (p *Pool) ListActive(ctx context.Context, since time.Time, severity messages.SeverityTier) ([]*messages.Incident, error) {
	query := `
		SELECT doc FROM incidents
		WHERE expires_at > NOW()
		  AND state NOT IN ($1, $2, $3)
	`
	args := []interface{}{terminalStates[0], terminalStates[1], terminalStates[2]}
	argNum := 4

	if !since.IsZero() {
		query += fmt.Sprintf(" AND last_seen >= $%d", argNum)
		args = append(args, since)
		argNum++
	}

	if severity != "" {
		query += fmt.Sprintf(" AND severity = $%d", argNum)
		args = append(args, string(severity))
		argNum++
	}

	query += " ORDER BY last_seen DESC"

	rows, err := p.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query active incidents: %w", err)
	}
	defer rows.Close()

	return scanIncidents(rows)
}

// IncidentFilter defines filter options for incident queries
type IncidentFilter struct {
	State    string
	Severity string
	SourceID string
	Since    *time.Time
	Limit    int
	Offset   int
}

// ListIncidents retrieves incidents for the query API with optional filtering
func (p *Pool) ListIncidents(ctx context.Context, filter IncidentFilter) ([]*messages.Incident, error) {
	query := `
		SELECT doc FROM incidents
		WHERE 1=1
	`
	args := []interface{}{}
	argNum := 1

	if filter.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argNum)
		args = append(args, filter.State)
		argNum++
	}

	if filter.Severity != "" {
		query += fmt.Sprintf(" AND severity = $%d", argNum)
		args = append(args, filter.Severity)
		argNum++
	}

	if filter.SourceID != "" {
		query += fmt.Sprintf(" AND source_id = $%d", argNum)
		args = append(args, filter.SourceID)
		argNum++
	}

	if filter.Since != nil {
		query += fmt.Sprintf(" AND last_seen >= $%d", argNum)
		args = append(args, *filter.Since)
		argNum++
	}

	query += " ORDER BY last_seen DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argNum)
		args = append(args, filter.Limit)
		argNum++
	}

	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argNum)
		args = append(args, filter.Offset)
	}

	rows, err := p.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query incidents: %w", err)
	}
	defer rows.Close()

	return scanIncidents(rows)
}

func scanIncidents(rows pgx.Rows) ([]*messages.Incident, error) {
	var incidents []*messages.Incident
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		var inc messages.Incident
		if err := json.Unmarshal(doc, &inc); err != nil {
			return nil, fmt.Errorf("failed to unmarshal incident: %w", err)
		}
		incidents = append(incidents, &inc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating incidents: %w", err)
	}
	return incidents, nil
}

// ExpireOlderThan removes incidents whose retention deadline has passed and
// returns the number removed
func (p *Pool) ExpireOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := p.Exec(ctx, "DELETE FROM incidents WHERE expires_at <= $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to expire incidents: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// RecordRejection writes an audit row for a detection refused at admission
func (p *Pool) RecordRejection(ctx context.Context, ev *messages.DetectionEvent, reason string) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal rejected detection: %w", err)
	}

	query := `
		INSERT INTO rejections (
			message_id, source_id, reason, confidence,
			location_lat, location_lon, captured_at, payload
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (message_id) DO NOTHING
	`
	_, err = p.Exec(ctx, query,
		ev.Envelope.MessageID,
		ev.SourceID,
		reason,
		ev.Confidence,
		ev.Location.Lat,
		ev.Location.Lon,
		ev.CapturedAt,
		payload,
	)
	if err != nil {
		return fmt.Errorf("failed to record rejection: %w", err)
	}
	return nil
}

// Summary aggregates incident counts for the status endpoint
type Summary struct {
	Total      int64            `json:"total"`
	Active     int64            `json:"active"`
	Rejections int64            `json:"rejections"`
	BySeverity map[string]int64 `json:"by_severity"`
	ByState    map[string]int64 `json:"by_state"`
}

// GetSummary computes incident counts by severity and state
func (p *Pool) GetSummary(ctx context.Context) (*Summary, error) {
	s := &Summary{
		BySeverity: make(map[string]int64),
		ByState:    make(map[string]int64),
	}

	rows, err := p.Query(ctx, `
		SELECT state, severity, COUNT(*)
		FROM incidents
		GROUP BY state, severity
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query summary: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var state, severity string
		var count int64
		if err := rows.Scan(&state, &severity, &count); err != nil {
			return nil, fmt.Errorf("failed to scan summary row: %w", err)
		}
		s.Total += count
		s.ByState[state] += count
		if severity != "" {
			s.BySeverity[severity] += count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating summary: %w", err)
	}

	err = p.QueryRow(ctx, `
		SELECT COUNT(*) FROM incidents
		WHERE expires_at > NOW() AND state NOT IN ($1, $2, $3)
	`, terminalStates[0], terminalStates[1], terminalStates[2]).Scan(&s.Active)
	if err != nil {
		return nil, fmt.Errorf("failed to count active incidents: %w", err)
	}

	err = p.QueryRow(ctx, "SELECT COUNT(*) FROM rejections").Scan(&s.Rejections)
	if err != nil {
		return nil, fmt.Errorf("failed to count rejections: %w", err)
	}

	return s, nil
}

// Health checks if the database connection is healthy
func (p *Pool) Health(ctx context.Context) error {
	return p.Ping(ctx)
}
