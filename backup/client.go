// Package backup implements server-side key backup: trust negotiation over
// backup versions, background upload of group session keys, and a
// rate-limited per-session download pipeline.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a version or room key does not exist on
	// the server.
	ErrNotFound = errors.New("backup: not found")
	// ErrWrongVersion is returned by writes against a superseded backup
	// version.
	ErrWrongVersion = errors.New("backup: wrong version")
	// ErrStopped is returned when the downloader is shut down; callers
	// abandon the request silently.
	ErrStopped = errors.New("backup: stopped")
	// ErrNoRecoveryKey is returned when the backup is usable for upload
	// but no local recovery key can decrypt its entries. Downloads halt
	// until the configuration changes.
	ErrNoRecoveryKey = errors.New("backup: no recovery key cached")
)

// RateLimitedError carries the retry delay the server asked for. It is
// always retried, never surfaced as a terminal failure.
type RateLimitedError struct {
	RetryAfterMs uint64
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("backup: rate limited, retry after %dms", e.RetryAfterMs)
}

// Version is the server-side backup descriptor.
type Version struct {
	Version    string                       `json:"version"`
	Algorithm  string                       `json:"algorithm"`
	AuthData   json.RawMessage              `json:"auth_data"`
	Count      int64                        `json:"count"`
	Etag       string                       `json:"etag"`
	Signatures map[string]map[string]string `json:"signatures,omitempty"`
}

// KeyBackupData is one encrypted session as stored server-side.
type KeyBackupData struct {
	FirstMessageIndex uint32          `json:"first_message_index"`
	ForwardedCount    int             `json:"forwarded_count"`
	IsVerified        bool            `json:"is_verified"`
	SessionData       json.RawMessage `json:"session_data"`
}

// RoomKeysRequest is the bulk upload body, keyed room id then session id.
type RoomKeysRequest struct {
	Rooms map[string]map[string]*KeyBackupData `json:"rooms"`
}

// Client is the REST surface the backup pipeline consumes.
type Client interface {
	// GetBackupInfo fetches the current backup version descriptor, or
	// ErrNotFound when no backup exists.
	GetBackupInfo(ctx context.Context) (*Version, error)
	// GetRoomKey fetches a single backed-up session, or ErrNotFound.
	GetRoomKey(ctx context.Context, version, roomID, sessionID string) (*KeyBackupData, error)
	// PutRoomKeys uploads sessions in bulk. Returns ErrWrongVersion when
	// version is no longer current.
	PutRoomKeys(ctx context.Context, version string, req *RoomKeysRequest) error
	// DeleteVersion removes a backup version entirely.
	DeleteVersion(ctx context.Context, version string) error
}
