// Package history is the pipeline's only durable state: rolling
// per-user exchange windows for the classifier prompt, the task-creation
// dedup ledger, and the processed-update marks that keep channel
// redeliveries idempotent. Task and project records never land here.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"
)

const currentSchemaVersion = 2

const defaultWindow = 5

// Exchange is one user/assistant turn pair.
type Exchange struct {
	UserLine      string
	AssistantLine string
	At            time.Time
}

// Store wraps the SQLite database. All methods are safe for concurrent
// use; the driver serializes writers.
type Store struct {
	conn   *sql.DB
	path   string
	window int
}

type migrationError struct {
	backupPath string
	cause      error
}

func (e *migrationError) Error() string { return e.cause.Error() }

func (e *migrationError) Unwrap() error { return e.cause }

// NewStore opens (or creates) the database under dataDir and migrates
// the schema to the current version. window bounds the per-user
// exchange history; values below 1 get the default.
func NewStore(dataDir string, window int) (*Store, error) {
	if window <= 0 {
		window = defaultWindow
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "elias.db")
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	store := &Store{conn: conn, path: dbPath, window: window}
	if err := store.initSchema(); err != nil {
		_ = conn.Close()

		var migrateErr *migrationError
		if errors.As(err, &migrateErr) && migrateErr.backupPath != "" {
			if rollbackErr := restoreFromBackup(migrateErr.backupPath, dbPath); rollbackErr != nil {
				return nil, fmt.Errorf("failed to init schema: %w; rollback from %s also failed: %v", migrateErr.cause, migrateErr.backupPath, rollbackErr)
			}
			return nil, fmt.Errorf("failed to init schema (rolled back from %s): %w", migrateErr.backupPath, migrateErr.cause)
		}
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.conn.Close()
}

// AppendExchange records one completed turn and prunes anything beyond
// the per-user window in the same transaction.
func (s *Store) AppendExchange(ctx context.Context, userID, userLine, assistantLine string) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO exchanges (user_id, user_line, assistant_line, created_at) VALUES (?, ?, ?, ?)`,
		userID, userLine, assistantLine, time.Now().Unix()); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
DELETE FROM exchanges
WHERE user_id = ?
  AND id NOT IN (
    SELECT id FROM exchanges
    WHERE user_id = ?
    ORDER BY created_at DESC, id DESC
    LIMIT ?
  )`, userID, userID, s.window); err != nil {
		return err
	}

	return tx.Commit()
}

// RecentExchanges returns up to the window of turns for one user,
// oldest first so the slice reads chronologically in a prompt.
func (s *Store) RecentExchanges(ctx context.Context, userID string) ([]Exchange, error) {
	rows, err := s.conn.QueryContext(ctx, `
SELECT user_line, assistant_line, created_at
FROM exchanges
WHERE user_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ?`, userID, s.window)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Exchange
	for rows.Next() {
		var ex Exchange
		var at int64
		if err := rows.Scan(&ex.UserLine, &ex.AssistantLine, &at); err != nil {
			return nil, err
		}
		ex.At = time.Unix(at, 0)
		out = append(out, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Lookup returns the task ID recorded for a dedup key, when present.
func (s *Store) Lookup(ctx context.Context, key string) (string, bool, error) {
	var taskID string
	err := s.conn.QueryRowContext(ctx,
		`SELECT task_id FROM dedup_keys WHERE key = ?`, key).Scan(&taskID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return taskID, true, nil
}

// Record stores a dedup key. The first writer wins; replayed keys keep
// the originally recorded task.
func (s *Store) Record(ctx context.Context, key, taskID string) error {
	_, err := s.conn.ExecContext(ctx, `
INSERT INTO dedup_keys (key, task_id, created_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO NOTHING`, key, taskID, time.Now().Unix())
	return err
}

// MarkUpdateProcessed marks one channel update as handled. It reports
// true on first sight and false for a redelivery.
func (s *Store) MarkUpdateProcessed(ctx context.Context, channelID string, updateID int64) (bool, error) {
	res, err := s.conn.ExecContext(ctx, `
INSERT INTO processed_updates (channel_id, update_id, created_at) VALUES (?, ?, ?)
ON CONFLICT(channel_id, update_id) DO NOTHING`, channelID, updateID, time.Now().Unix())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// PruneProcessedUpdates drops marks at or past the retention age so the
// table stays bounded. Channels re-deliver within minutes, not days.
func (s *Store) PruneProcessedUpdates(ctx context.Context, retention time.Duration) error {
	cutoff := time.Now().Add(-retention).Unix()
	_, err := s.conn.ExecContext(ctx,
		`DELETE FROM processed_updates WHERE created_at <= ?`, cutoff)
	return err
}

func (s *Store) initSchema() error {
	tx, err := s.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_meta (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		return err
	}

	version, err := readSchemaVersion(tx)
	if err != nil {
		return err
	}

	if version > currentSchemaVersion {
		return fmt.Errorf("db schema version %d is newer than runtime version %d", version, currentSchemaVersion)
	}

	var backupPath string
	if version > 0 && version < currentSchemaVersion {
		backupPath, err = s.createMigrationBackup()
		if err != nil {
			return fmt.Errorf("create migration backup: %w", err)
		}
	}

	if err := applyMigrations(tx, version); err != nil {
		if backupPath != "" {
			return &migrationError{backupPath: backupPath, cause: err}
		}
		return err
	}

	return tx.Commit()
}

func readSchemaVersion(tx *sql.Tx) (int, error) {
	var versionText string
	err := tx.QueryRow(`SELECT value FROM schema_meta WHERE key = 'schema_version'`).Scan(&versionText)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	version, parseErr := strconv.Atoi(versionText)
	if parseErr != nil {
		return 0, fmt.Errorf("parse schema version %q: %w", versionText, parseErr)
	}
	if version < 0 {
		return 0, fmt.Errorf("invalid schema version %d", version)
	}
	return version, nil
}

func applyMigrations(tx *sql.Tx, version int) error {
	for version < currentSchemaVersion {
		nextVersion, err := applyNextMigration(tx, version)
		if err != nil {
			return err
		}
		if err := writeSchemaVersion(tx, nextVersion); err != nil {
			return err
		}
		version = nextVersion
	}
	return nil
}

func applyNextMigration(tx *sql.Tx, version int) (int, error) {
	switch version {
	case 0:
		if err := migrateToConversationSchema(tx); err != nil {
			return version, fmt.Errorf("migrate schema 0 -> 1: %w", err)
		}
		return 1, nil
	case 1:
		if err := migrateToProcessedUpdates(tx); err != nil {
			return version, fmt.Errorf("migrate schema 1 -> 2: %w", err)
		}
		return 2, nil
	default:
		return version, fmt.Errorf("unsupported schema migration source version %d", version)
	}
}

func migrateToConversationSchema(tx *sql.Tx) error {
	createExchanges := `
CREATE TABLE IF NOT EXISTS exchanges (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	user_line TEXT NOT NULL,
	assistant_line TEXT NOT NULL,
	created_at INTEGER NOT NULL
);`
	if _, err := tx.Exec(createExchanges); err != nil {
		return err
	}

	createDedup := `
CREATE TABLE IF NOT EXISTS dedup_keys (
	key TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	created_at INTEGER NOT NULL
);`
	if _, err := tx.Exec(createDedup); err != nil {
		return err
	}

	if _, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_exchanges_user_created ON exchanges(user_id, created_at DESC)`); err != nil {
		return err
	}
	return nil
}

func migrateToProcessedUpdates(tx *sql.Tx) error {
	createProcessed := `
CREATE TABLE IF NOT EXISTS processed_updates (
	channel_id TEXT NOT NULL,
	update_id INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (channel_id, update_id)
);`
	if _, err := tx.Exec(createProcessed); err != nil {
		return err
	}
	if _, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_processed_updates_created ON processed_updates(created_at)`); err != nil {
		return err
	}
	return nil
}

func writeSchemaVersion(tx *sql.Tx, version int) error {
	if _, err := tx.Exec(`
INSERT INTO schema_meta (key, value) VALUES ('schema_version', ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value`, strconv.Itoa(version)); err != nil {
		return err
	}
	return nil
}

func (s *Store) createMigrationBackup() (string, error) {
	if _, err := s.conn.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return "", fmt.Errorf("checkpoint wal: %w", err)
	}

	backupPath := fmt.Sprintf("%s.migration-%d.bak", s.path, time.Now().Unix())
	if err := copyFile(s.path, backupPath); err != nil {
		return "", err
	}
	return backupPath, nil
}

func restoreFromBackup(backupPath, dbPath string) error {
	if err := copyFile(backupPath, dbPath); err != nil {
		return err
	}
	_ = os.Remove(dbPath + "-wal")
	_ = os.Remove(dbPath + "-shm")
	return nil
}

func copyFile(src, dst string) error {
	source, err := os.Open(src)
	if err != nil {
		return err
	}
	defer source.Close()

	target, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer target.Close()

	if _, err := io.Copy(target, source); err != nil {
		return err
	}
	return target.Sync()
}
