// Package catalog provides the optional SQLite surfaces of the gateway: a
// read-only agent catalog consulted at startup when the YAML config does not
// inline agent profiles, and a sink for periodic stats snapshots.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"agentgate/internal/domain"
	"agentgate/internal/stats"
)

// Store wraps a SQLite database holding the agent catalog and, optionally,
// stats snapshots.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at dbPath and runs the schema
// migration.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open catalog db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate catalog db: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS agents (
			id              TEXT PRIMARY KEY,
			provider        TEXT NOT NULL,
			fallbacks       TEXT NOT NULL DEFAULT '[]',
			model           TEXT NOT NULL DEFAULT '',
			specialized_for TEXT NOT NULL DEFAULT '[]'
		)
	`); err != nil {
		return err
	}
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS stats_snapshots (
			taken_at TEXT PRIMARY KEY,
			snapshot TEXT NOT NULL
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadProfiles reads every agent profile from the catalog. Each profile is
// validated; a bad row fails the whole load so a misconfigured catalog is
// caught at startup, not at dispatch time.
func (s *Store) LoadProfiles(ctx context.Context) ([]domain.AgentProviderProfile, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, provider, fallbacks, model, specialized_for FROM agents ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	var profiles []domain.AgentProviderProfile
	for rows.Next() {
		var p domain.AgentProviderProfile
		var fallbacksJSON, specializedJSON string
		if err := rows.Scan(&p.AgentID, &p.PrimaryProvider, &fallbacksJSON, &p.Model, &specializedJSON); err != nil {
			return nil, fmt.Errorf("scan agent row: %w", err)
		}
		if err := json.Unmarshal([]byte(fallbacksJSON), &p.FallbackProviders); err != nil {
			return nil, fmt.Errorf("agent %q: unmarshal fallbacks: %w", p.AgentID, err)
		}
		if err := json.Unmarshal([]byte(specializedJSON), &p.SpecializedFor); err != nil {
			return nil, fmt.Errorf("agent %q: unmarshal specialized_for: %w", p.AgentID, err)
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("agent %q: %w", p.AgentID, err)
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

// SaveProfile inserts or replaces one agent profile. Used by provisioning
// tooling; the gateway itself only reads.
func (s *Store) SaveProfile(ctx context.Context, p domain.AgentProviderProfile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	fallbacksJSON, err := json.Marshal(p.FallbackProviders)
	if err != nil {
		return fmt.Errorf("marshal fallbacks: %w", err)
	}
	specializedJSON, err := json.Marshal(p.SpecializedFor)
	if err != nil {
		return fmt.Errorf("marshal specialized_for: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO agents (id, provider, fallbacks, model, specialized_for) VALUES (?, ?, ?, ?, ?)",
		p.AgentID, p.PrimaryProvider, string(fallbacksJSON), p.Model, string(specializedJSON),
	)
	return err
}

// WriteSnapshot persists one aggregate stats snapshot. Only counters are
// stored, never request content.
func (s *Store) WriteSnapshot(ctx context.Context, snap stats.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO stats_snapshots (taken_at, snapshot) VALUES (?, ?)",
		snap.TakenAt.UTC().Format(time.RFC3339Nano), string(payload),
	)
	return err
}

// LatestSnapshot returns the most recent persisted snapshot, or sql.ErrNoRows
// wrapped if none exists.
func (s *Store) LatestSnapshot(ctx context.Context) (stats.Snapshot, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		"SELECT snapshot FROM stats_snapshots ORDER BY taken_at DESC LIMIT 1").Scan(&payload)
	if err != nil {
		return stats.Snapshot{}, fmt.Errorf("query latest snapshot: %w", err)
	}
	var snap stats.Snapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return stats.Snapshot{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return snap, nil
}
