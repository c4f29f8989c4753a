// Package database is the durable local interaction history, backed by
// sqlite. It survives restarts and works with server sync fully disabled.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"jobtrack/internal/models"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

type DB struct {
	db     *sql.DB
	logger zerolog.Logger

	// Rows beyond this are evicted oldest-first on insert.
	historyLimit int
}

func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %v", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %v", err)
	}

	if err := createTables(db); err != nil {
		return nil, fmt.Errorf("failed to create tables: %v", err)
	}

	l := logger.With().Str("component", "database").Logger()
	l.Info().Str("path", path).Msg("interaction history initialized")
	return &DB{db: db, logger: l, historyLimit: models.HistoryLimit}, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS interactions (
            id TEXT PRIMARY KEY,
            timestamp DATETIME NOT NULL,
            session_id TEXT NOT NULL,
            type TEXT NOT NULL,
            entity_type TEXT,
            entity_id TEXT,
            status TEXT NOT NULL DEFAULT 'pending',
            metadata TEXT,
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP
        )`,

		`CREATE INDEX IF NOT EXISTS idx_interactions_type ON interactions(type)`,
		`CREATE INDEX IF NOT EXISTS idx_interactions_timestamp ON interactions(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_interactions_session_id ON interactions(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_interactions_created_at ON interactions(created_at)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %v", query, err)
		}
	}
	return nil
}

// Insert stores an interaction. A record with the same timestamp and session
// id is treated as a duplicate delivery and skipped; the bool reports whether
// a row was actually written.
func (db *DB) Insert(ctx context.Context, interaction *models.Interaction) (bool, error) {
	var exists int
	err := db.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM interactions WHERE timestamp = ? AND session_id = ?`,
		interaction.Timestamp, interaction.SessionID,
	).Scan(&exists)
	if err != nil {
		return false, err
	}
	if exists > 0 {
		db.logger.Debug().Str("id", interaction.ID).Msg("duplicate interaction skipped")
		return false, nil
	}

	metadata, err := encodeMetadata(interaction.Metadata)
	if err != nil {
		return false, fmt.Errorf("encode metadata: %v", err)
	}

	query := `
        INSERT INTO interactions (id, timestamp, session_id, type, entity_type, entity_id, status, metadata)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
    `
	_, err = db.db.ExecContext(ctx, query,
		interaction.ID,
		interaction.Timestamp,
		interaction.SessionID,
		interaction.Type,
		interaction.EntityType,
		interaction.EntityID,
		interaction.Status,
		metadata,
	)
	if err != nil {
		return false, err
	}

	if err := db.trim(ctx); err != nil {
		db.logger.Warn().Err(err).Msg("history trim failed")
	}
	return true, nil
}

// trim evicts the oldest rows beyond the history limit.
func (db *DB) trim(ctx context.Context) error {
	query := `
        DELETE FROM interactions WHERE id IN (
            SELECT id FROM interactions
            ORDER BY timestamp DESC, created_at DESC
            LIMIT -1 OFFSET ?
        )
    `
	_, err := db.db.ExecContext(ctx, query, db.historyLimit)
	return err
}

// Recent returns the newest interactions, newest first, up to limit.
func (db *DB) Recent(ctx context.Context, limit int) ([]models.Interaction, error) {
	if limit <= 0 || limit > db.historyLimit {
		limit = db.historyLimit
	}

	query := `
        SELECT id, timestamp, session_id, type, entity_type, entity_id, status, metadata
        FROM interactions
        ORDER BY timestamp DESC, created_at DESC
        LIMIT ?
    `
	rows, err := db.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanInteractions(rows)
}

// BySession returns all interactions recorded under a session id, newest first.
func (db *DB) BySession(ctx context.Context, sessionID string) ([]models.Interaction, error) {
	query := `
        SELECT id, timestamp, session_id, type, entity_type, entity_id, status, metadata
        FROM interactions
        WHERE session_id = ?
        ORDER BY timestamp DESC, created_at DESC
    `
	rows, err := db.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanInteractions(rows)
}

// Stats summarizes the stored history.
type Stats struct {
	Total          int            `json:"total"`
	ByType         map[string]int `json:"by_type"`
	UniqueSessions int            `json:"unique_sessions"`
	Oldest         *time.Time     `json:"oldest,omitempty"`
	Newest         *time.Time     `json:"newest,omitempty"`
}

// GetStats computes counts, per-type breakdown, session count, and date range.
func (db *DB) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ByType: make(map[string]int)}

	err := db.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT session_id) FROM interactions`,
	).Scan(&stats.Total, &stats.UniqueSessions)
	if err != nil {
		return nil, err
	}

	rows, err := db.db.QueryContext(ctx,
		`SELECT type, COUNT(*) FROM interactions GROUP BY type`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, err
		}
		stats.ByType[t] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if stats.Total > 0 {
		var oldest, newest time.Time
		err = db.db.QueryRowContext(ctx,
			`SELECT MIN(timestamp), MAX(timestamp) FROM interactions`,
		).Scan(&oldest, &newest)
		if err != nil {
			return nil, err
		}
		stats.Oldest = &oldest
		stats.Newest = &newest
	}

	return stats, nil
}

// Cleanup deletes interactions older than the given number of days and
// returns how many rows were removed.
func (db *DB) Cleanup(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		days = models.HistoryRetentionDays
	}
	cutoff := time.Now().AddDate(0, 0, -days)

	result, err := db.db.ExecContext(ctx,
		`DELETE FROM interactions WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}

	removed, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		db.logger.Info().Int64("removed", removed).Int("days", days).Msg("history cleanup complete")
	}
	return removed, nil
}

func scanInteractions(rows *sql.Rows) ([]models.Interaction, error) {
	var interactions []models.Interaction
	for rows.Next() {
		var in models.Interaction
		var entityType, entityID, metadata sql.NullString
		err := rows.Scan(
			&in.ID,
			&in.Timestamp,
			&in.SessionID,
			&in.Type,
			&entityType,
			&entityID,
			&in.Status,
			&metadata,
		)
		if err != nil {
			return nil, err
		}
		in.EntityType = entityType.String
		in.EntityID = entityID.String
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &in.Metadata); err != nil {
				// A broken metadata blob does not invalidate the row.
				in.Metadata = nil
			}
		}
		interactions = append(interactions, in)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return interactions, nil
}

func encodeMetadata(metadata map[string]interface{}) (sql.NullString, error) {
	if len(metadata) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}
