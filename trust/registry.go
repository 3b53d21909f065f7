// This package holds the device and cross-signing trust registry shared by the verification
// engine, the group session manager and the backup manager. Each call runs in a transaction
// of its own, so the background loops can use it concurrently; callers already inside a
// transaction go through Ambient.
package trust

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/meow-io/go-seal/config"
	"github.com/meow-io/go-seal/internal/db"
	"github.com/meow-io/go-seal/migration"
	"go.uber.org/zap"
)

type Device struct {
	UserID       string `db:"user_id"`
	DeviceID     string `db:"device_id"`
	Curve25519   []byte `db:"curve25519_key"`
	Ed25519      []byte `db:"ed25519_key"`
	DisplayName  string `db:"display_name"`
	Verified     bool   `db:"verified"`
	Blocked      bool   `db:"blocked"`
	FirstSeenSec uint64 `db:"first_seen_sec"`
}

type Identity struct {
	UserID    string `db:"user_id"`
	MasterKey []byte `db:"master_key"`
	Verified  bool   `db:"verified"`
}

type Registry struct {
	db      *db.Database
	log     *zap.SugaredLogger
	ambient bool
}

func NewRegistry(c *config.Config, d *db.Database) (*Registry, error) {
	if err := d.MigrateNoLock("_trust", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _devices (
						user_id STRING NOT NULL,
						device_id STRING NOT NULL,
						curve25519_key BLOB NOT NULL,
						ed25519_key BLOB NOT NULL,
						display_name STRING NOT NULL DEFAULT '',
						verified INTEGER NOT NULL DEFAULT 0,
						blocked INTEGER NOT NULL DEFAULT 0,
						first_seen_sec INTEGER NOT NULL,
						PRIMARY KEY (user_id, device_id)
					);
					CREATE INDEX devices_curve_idx on _devices (curve25519_key);

					CREATE TABLE _identities (
						user_id STRING PRIMARY KEY,
						master_key BLOB NOT NULL,
						verified INTEGER NOT NULL DEFAULT 0
					);
					`)
				return err
			},
		},
	}); err != nil {
		return nil, fmt.Errorf("trust: error migrating %w", err)
	}

	return &Registry{db: d, log: c.Logger("trust/registry")}, nil
}

// Ambient returns a view of the registry that runs queries on the caller's
// open transaction instead of opening one per call. Only use inside a db.Run
// or db.RunReadOnly closure: inspecting db.Tx from here would be a data race,
// since another goroutine's transaction is visible on that field.
func (r *Registry) Ambient() *Registry {
	return &Registry{db: r.db, log: r.log, ambient: true}
}

func (r *Registry) read(label string, f func() error) error {
	if r.ambient {
		return f()
	}
	return r.db.RunReadOnly(label, f)
}

func (r *Registry) write(label string, f func() error) error {
	if r.ambient {
		return f()
	}
	return r.db.Run(label, f)
}

func (r *Registry) UpsertDevice(d *Device) error {
	return r.write("upsert device", func() error {
		if _, err := r.db.Tx.NamedExec(`
			INSERT INTO _devices (user_id, device_id, curve25519_key, ed25519_key, display_name, verified, blocked, first_seen_sec)
			VALUES (:user_id, :device_id, :curve25519_key, :ed25519_key, :display_name, :verified, :blocked, :first_seen_sec)
			ON CONFLICT (user_id, device_id) DO UPDATE SET
				curve25519_key = :curve25519_key, ed25519_key = :ed25519_key,
				display_name = :display_name, verified = :verified, blocked = :blocked`, d); err != nil {
			return fmt.Errorf("trust: error upserting device %s:%s: %w", d.UserID, d.DeviceID, err)
		}
		return nil
	})
}

func (r *Registry) Device(userID, deviceID string) (*Device, error) {
	var found *Device
	err := r.read("get device", func() error {
		d := &Device{}
		if err := r.db.Tx.Get(d, "SELECT * FROM _devices WHERE user_id = $1 AND device_id = $2", userID, deviceID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("trust: error getting device %s:%s: %w", userID, deviceID, err)
		}
		found = d
		return nil
	})
	return found, err
}

func (r *Registry) DeviceByCurve25519(key []byte) (*Device, error) {
	var found *Device
	err := r.read("get device by curve key", func() error {
		d := &Device{}
		if err := r.db.Tx.Get(d, "SELECT * FROM _devices WHERE curve25519_key = $1", key); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("trust: error getting device by key: %w", err)
		}
		found = d
		return nil
	})
	return found, err
}

// Find a device for a user whose ed25519 key matches. Used when checking backup
// auth-data signatures.
func (r *Registry) DeviceByEd25519(userID string, key []byte) (*Device, error) {
	var found *Device
	err := r.read("get device by ed25519 key", func() error {
		d := &Device{}
		if err := r.db.Tx.Get(d, "SELECT * FROM _devices WHERE user_id = $1 AND ed25519_key = $2", userID, key); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("trust: error getting device by ed25519: %w", err)
		}
		found = d
		return nil
	})
	return found, err
}

func (r *Registry) DevicesForUser(userID string) ([]*Device, error) {
	var ds []*Device
	err := r.read("get devices for user", func() error {
		if err := r.db.Tx.Select(&ds, "SELECT * FROM _devices WHERE user_id = $1", userID); err != nil {
			return fmt.Errorf("trust: error getting devices for %s: %w", userID, err)
		}
		return nil
	})
	return ds, err
}

func (r *Registry) SetDeviceVerified(userID, deviceID string, verified bool) error {
	return r.write("set device verified", func() error {
		if _, err := r.db.Tx.Exec("UPDATE _devices SET verified = $1 WHERE user_id = $2 AND device_id = $3", verified, userID, deviceID); err != nil {
			return fmt.Errorf("trust: error setting verified for %s:%s: %w", userID, deviceID, err)
		}
		return nil
	})
}

func (r *Registry) SetDeviceBlocked(userID, deviceID string, blocked bool) error {
	return r.write("set device blocked", func() error {
		if _, err := r.db.Tx.Exec("UPDATE _devices SET blocked = $1 WHERE user_id = $2 AND device_id = $3", blocked, userID, deviceID); err != nil {
			return fmt.Errorf("trust: error setting blocked for %s:%s: %w", userID, deviceID, err)
		}
		return nil
	})
}

func (r *Registry) UpsertIdentity(i *Identity) error {
	return r.write("upsert identity", func() error {
		if _, err := r.db.Tx.NamedExec(`
			INSERT INTO _identities (user_id, master_key, verified)
			VALUES (:user_id, :master_key, :verified)
			ON CONFLICT (user_id) DO UPDATE SET master_key = :master_key, verified = :verified`, i); err != nil {
			return fmt.Errorf("trust: error upserting identity %s: %w", i.UserID, err)
		}
		return nil
	})
}

func (r *Registry) Identity(userID string) (*Identity, error) {
	var found *Identity
	err := r.read("get identity", func() error {
		i := &Identity{}
		if err := r.db.Tx.Get(i, "SELECT * FROM _identities WHERE user_id = $1", userID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("trust: error getting identity %s: %w", userID, err)
		}
		found = i
		return nil
	})
	return found, err
}
