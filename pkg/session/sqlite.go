package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// SQLiteStore is a durable drop-in replacement for MemoryStore. State is
// serialized to JSON columns; the read-modify-write in Update runs inside
// an immediate transaction so concurrent writers serialize on the row.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the session database at path
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}

	schema := `CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		completed_steps TEXT NOT NULL,
		data TEXT NOT NULL,
		metadata TEXT NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create sessions table: %w", err)
	}

	log.Info().Str("path", path).Msg("SQLite session store initialized")

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database
func (ss *SQLiteStore) Close() error {
	return ss.db.Close()
}

// Create generates a new session row
func (ss *SQLiteStore) Create(ctx context.Context) (*State, error) {
	now := time.Now()
	state := &State{
		ID:             uuid.New().String(),
		CreatedAt:      now,
		UpdatedAt:      now,
		CompletedSteps: []string{},
		Data:           make(map[string]interface{}),
		Metadata:       make(map[string]interface{}),
	}

	steps, data, meta, err := marshalState(state)
	if err != nil {
		return nil, err
	}

	_, err = ss.db.ExecContext(ctx,
		`INSERT INTO sessions (id, created_at, updated_at, completed_steps, data, metadata) VALUES (?, ?, ?, ?, ?, ?)`,
		state.ID, now.UnixMilli(), now.UnixMilli(), steps, data, meta)
	if err != nil {
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}

	return state, nil
}

// Get loads a session row
func (ss *SQLiteStore) Get(ctx context.Context, id string) (*State, error) {
	return scanState(ss.db.QueryRowContext(ctx,
		`SELECT id, created_at, updated_at, completed_steps, data, metadata FROM sessions WHERE id = ?`, id), id)
}

// Update merges a delta into the stored state inside a transaction
func (ss *SQLiteStore) Update(ctx context.Context, id string, delta Delta) (*State, error) {
	tx, err := ss.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	state, err := scanState(tx.QueryRowContext(ctx,
		`SELECT id, created_at, updated_at, completed_steps, data, metadata FROM sessions WHERE id = ?`, id), id)
	if err != nil {
		return nil, err
	}

	applyDelta(state, delta)

	steps, data, meta, err := marshalState(state)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ?, completed_steps = ?, data = ?, metadata = ? WHERE id = ?`,
		state.UpdatedAt.UnixMilli(), steps, data, meta, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit session update: %w", err)
	}

	return state, nil
}

// Delete removes a session row
func (ss *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := ss.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	return nil
}

// List returns all session identifiers
func (ss *SQLiteStore) List(ctx context.Context) ([]string, error) {
	rows, err := ss.db.QueryContext(ctx, `SELECT id FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

func marshalState(state *State) (steps, data, meta string, err error) {
	stepsB, err := json.Marshal(state.CompletedSteps)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to marshal completed steps: %w", err)
	}
	dataB, err := json.Marshal(state.Data)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to marshal data: %w", err)
	}
	metaB, err := json.Marshal(state.Metadata)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return string(stepsB), string(dataB), string(metaB), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanState(row rowScanner, id string) (*State, error) {
	var (
		state                      State
		created, updated           int64
		stepsRaw, dataRaw, metaRaw string
	)

	err := row.Scan(&state.ID, &created, &updated, &stepsRaw, &dataRaw, &metaRaw)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	state.CreatedAt = time.UnixMilli(created)
	state.UpdatedAt = time.UnixMilli(updated)

	if err := json.Unmarshal([]byte(stepsRaw), &state.CompletedSteps); err != nil {
		return nil, fmt.Errorf("corrupt completed_steps for session %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(dataRaw), &state.Data); err != nil {
		return nil, fmt.Errorf("corrupt data for session %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(metaRaw), &state.Metadata); err != nil {
		return nil, fmt.Errorf("corrupt metadata for session %s: %w", id, err)
	}

	return &state, nil
}
