// Package store implements durable position persistence on SQLite.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/diamondsteel259/trading-bot/internal/core"
	apperrors "github.com/diamondsteel259/trading-bot/pkg/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS positions (
	id             TEXT PRIMARY KEY,
	pair           TEXT NOT NULL,
	status         TEXT NOT NULL,
	entry_order_id TEXT NOT NULL DEFAULT '',
	exit_order_id  TEXT NOT NULL DEFAULT '',
	closed_at      INTEGER,
	data           TEXT NOT NULL,
	checksum       BLOB NOT NULL,
	updated_at     INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_entry_order
	ON positions(entry_order_id) WHERE entry_order_id != '';
CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_exit_order
	ON positions(exit_order_id) WHERE exit_order_id != '';
CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);
`

// SQLiteStore is the durable core.PositionStore. Each position is one row
// holding the full JSON record plus a SHA-256 checksum; WAL mode keeps
// commits atomic across crashes.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if needed initializes) the position database
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Enable WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Save atomically upserts a position. A commit error leaves the previous
// record intact, and an exchange order id already referenced by a different
// position is rejected with ErrDuplicateOrder.
func (s *SQLiteStore) Save(ctx context.Context, p *core.Position) error {
	if p.ID == "" {
		return fmt.Errorf("position id is required")
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal position: %w", err)
	}

	// Validate JSON (round-trip test)
	var testPosition core.Position
	if err := json.Unmarshal(data, &testPosition); err != nil {
		return fmt.Errorf("position validation failed: %w", err)
	}

	var entryOrderID, exitOrderID string
	if p.EntryOrder != nil {
		entryOrderID = p.EntryOrder.ID
	}
	if p.ExitOrder != nil {
		exitOrderID = p.ExitOrder.ID
	}
	var closedAt sql.NullInt64
	if p.ClosedAt != nil {
		closedAt = sql.NullInt64{Int64: p.ClosedAt.UnixNano(), Valid: true}
	}

	checksum := sha256.Sum256(data)
	query := `INSERT OR REPLACE INTO positions
		(id, pair, status, entry_order_id, exit_order_id, closed_at, data, checksum, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, query,
		p.ID, p.Pair, string(p.Status), entryOrderID, exitOrderID, closedAt,
		string(data), checksum[:], time.Now().UnixNano())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: order id already tracked by another position", apperrors.ErrDuplicateOrder)
		}
		return fmt.Errorf("failed to write position to db: %w", err)
	}

	return tx.Commit()
}

// Load returns a single position by id
func (s *SQLiteStore) Load(ctx context.Context, id string) (*core.Position, error) {
	query := `SELECT data, checksum FROM positions WHERE id = ?`
	var data string
	var storedChecksum []byte
	err := s.db.QueryRowContext(ctx, query, id).Scan(&data, &storedChecksum)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrPositionNotFound, id)
		}
		return nil, fmt.Errorf("failed to read position from db: %w", err)
	}

	return decodeRecord(data, storedChecksum)
}

// LoadAll returns every stored position
func (s *SQLiteStore) LoadAll(ctx context.Context) ([]*core.Position, error) {
	query := `SELECT data, checksum FROM positions ORDER BY updated_at`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var positions []*core.Position
	for rows.Next() {
		var data string
		var storedChecksum []byte
		if err := rows.Scan(&data, &storedChecksum); err != nil {
			return nil, fmt.Errorf("failed to scan position row: %w", err)
		}
		p, err := decodeRecord(data, storedChecksum)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// PurgeClosedBefore deletes terminal positions closed before the cutoff,
// returning how many rows were removed
func (s *SQLiteStore) PurgeClosedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	query := `DELETE FROM positions
		WHERE status IN (?, ?, ?) AND closed_at IS NOT NULL AND closed_at < ?`
	res, err := s.db.ExecContext(ctx, query,
		string(core.PositionClosed), string(core.PositionCancelled), string(core.PositionFailed),
		cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to purge positions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged positions: %w", err)
	}
	return int(n), nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func decodeRecord(data string, storedChecksum []byte) (*core.Position, error) {
	computed := sha256.Sum256([]byte(data))
	if len(storedChecksum) != len(computed) {
		return nil, fmt.Errorf("checksum length mismatch: expected %d, got %d", len(computed), len(storedChecksum))
	}
	for i := range computed {
		if storedChecksum[i] != computed[i] {
			return nil, fmt.Errorf("checksum verification failed: data corruption detected")
		}
	}

	var p core.Position
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal position: %w", err)
	}
	return &p, nil
}
