package audit

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/devlongs/mev-searcher/pkg/types"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresLog stores records in the audit_log table. Rows are only ever inserted.
type PostgresLog struct {
	pool *pgxpool.Pool

	mu     sync.RWMutex
	closed bool
}

// OpenPostgres connects to dsn and applies the embedded migrations
func OpenPostgres(ctx context.Context, dsn string) (*PostgresLog, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresLog{pool: pool}, nil
}

// migrate applies all embedded SQL files in lexical order. Files are idempotent.
func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("read embedded migrations: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	for _, file := range files {
		data, err := fs.ReadFile(migrationsFS, "migrations/"+file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", file, err)
		}
	}
	return nil
}

// Append implements Log
func (p *PostgresLog) Append(ctx context.Context, entry types.AuditLog) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	var oppID *string
	if entry.OpportunityID != "" {
		oppID = &entry.OpportunityID
	}
	payload := entry.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	_, err := p.pool.Exec(ctx,
		`INSERT INTO audit_log (ts, entry_type, opportunity_id, payload, severity) VALUES ($1, $2, $3, $4, $5)`,
		entry.Timestamp, entry.EntryType, oppID, payload, string(entry.Severity))
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// ForOpportunity returns every record for an opportunity, oldest first
func (p *PostgresLog) ForOpportunity(ctx context.Context, id string) ([]types.AuditLog, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT ts, entry_type, payload, severity FROM audit_log WHERE opportunity_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	var out []types.AuditLog
	for rows.Next() {
		e := types.AuditLog{OpportunityID: id}
		var severity string
		if err := rows.Scan(&e.Timestamp, &e.EntryType, &e.Payload, &severity); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		e.Severity = types.Severity(severity)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close waits for in-flight appends and closes the pool
func (p *PostgresLog) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		p.pool.Close()
	}
	return nil
}
