package backup

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/meow-io/go-seal/internal/db"
	"github.com/meow-io/go-seal/migration"
)

type backupKeyRow struct {
	ID        int    `db:"id"`
	Algorithm string `db:"algorithm"`
	Key       []byte `db:"key"`
	Version   string `db:"version"`
}

type missingKeyRow struct {
	RoomID        string `db:"room_id"`
	SessionID     string `db:"session_id"`
	LastCheckedMs uint64 `db:"last_checked_ms"`
}

type database struct {
	*db.Database
}

func newDatabase(internalDB *db.Database) (*database, error) {
	d := &database{internalDB}

	if err := internalDB.MigrateNoLock("_backup", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _backup_key (
						id INTEGER PRIMARY KEY CHECK (id = 0),
						algorithm STRING NOT NULL,
						key BLOB NOT NULL,
						version STRING NOT NULL DEFAULT ''
					);

					CREATE TABLE _backup_missing (
						room_id STRING NOT NULL,
						session_id STRING NOT NULL,
						last_checked_ms INTEGER NOT NULL,
						PRIMARY KEY (room_id, session_id)
					);
					`)
				return err
			},
		},
	}); err != nil {
		return nil, fmt.Errorf("backup: error migrating %w", err)
	}

	return d, nil
}

func (db *database) backupKey() (*backupKeyRow, error) {
	r := &backupKeyRow{}
	if err := db.Tx.Get(r, "SELECT * FROM _backup_key WHERE id = 0"); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("backup: error getting backup key: %w", err)
	}
	return r, nil
}

func (db *database) saveBackupKey(r *backupKeyRow) error {
	if _, err := db.Tx.NamedExec(`
		INSERT INTO _backup_key (id, algorithm, key, version) VALUES (0, :algorithm, :key, :version)
		ON CONFLICT (id) DO UPDATE SET algorithm = :algorithm, key = :key, version = :version`, r); err != nil {
		return fmt.Errorf("backup: error saving backup key: %w", err)
	}
	return nil
}

func (db *database) saveTrustedVersion(version string) error {
	if _, err := db.Tx.Exec("UPDATE _backup_key SET version = $1 WHERE id = 0", version); err != nil {
		return fmt.Errorf("backup: error saving trusted version: %w", err)
	}
	return nil
}

func (db *database) missingSince(roomID, sessionID string) (uint64, bool, error) {
	r := &missingKeyRow{}
	if err := db.Tx.Get(r, "SELECT * FROM _backup_missing WHERE room_id = $1 AND session_id = $2", roomID, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("backup: error getting missing key: %w", err)
	}
	return r.LastCheckedMs, true, nil
}

func (db *database) markMissing(roomID, sessionID string, nowMs uint64) error {
	if _, err := db.Tx.Exec(`
		INSERT INTO _backup_missing (room_id, session_id, last_checked_ms) VALUES ($1, $2, $3)
		ON CONFLICT (room_id, session_id) DO UPDATE SET last_checked_ms = $3`, roomID, sessionID, nowMs); err != nil {
		return fmt.Errorf("backup: error marking missing key: %w", err)
	}
	return nil
}
