package megolm

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/meow-io/go-seal/internal/db"
	"github.com/meow-io/go-seal/migration"
)

type outboundSession struct {
	SessionID     string `db:"session_id"`
	RoomID        string `db:"room_id"`
	SigningPub    []byte `db:"signing_pub"`
	SigningPriv   []byte `db:"signing_priv"`
	ChainKey      []byte `db:"chain_key"`
	ChainIndex    uint32 `db:"chain_index"`
	CreationMs    uint64 `db:"creation_ms"`
	UseCount      uint32 `db:"use_count"`
	SharedHistory bool   `db:"shared_history"`
	Visibility    string `db:"visibility"`
	Active        bool   `db:"active"`
}

type sharedWithDevice struct {
	SessionID  string `db:"session_id"`
	UserID     string `db:"user_id"`
	DeviceID   string `db:"device_id"`
	DeviceKey  []byte `db:"device_key"`
	ChainIndex uint32 `db:"chain_index"`
}

type notifiedDevice struct {
	SessionID string `db:"session_id"`
	UserID    string `db:"user_id"`
	DeviceID  string `db:"device_id"`
	Code      string `db:"code"`
}

type inboundSession struct {
	RoomID           string `db:"room_id"`
	SenderKey        []byte `db:"sender_key"`
	SessionID        string `db:"session_id"`
	SigningKey       []byte `db:"signing_key"`
	ChainKey         []byte `db:"chain_key"`
	ChainIndex       uint32 `db:"chain_index"`
	SharedHistory    bool   `db:"shared_history"`
	Untrusted        bool   `db:"untrusted"`
	NeedsBackup      bool   `db:"needs_backup"`
	ForwardingChain  string `db:"forwarding_chain"`
	ReceivedAtMs     uint64 `db:"received_at_ms"`
}

type pendingEvent struct {
	ID        []byte `db:"id"`
	RoomID    string `db:"room_id"`
	SenderKey []byte `db:"sender_key"`
	SessionID string `db:"session_id"`
	Payload   []byte `db:"payload"`
	CtimeMs   uint64 `db:"ctime_ms"`
}

type withheldNotice struct {
	SenderKey []byte `db:"sender_key"`
	SessionID string `db:"session_id"`
	RoomID    string `db:"room_id"`
	Code      string `db:"code"`
}

type pairwiseSession struct {
	DeviceKey   []byte `db:"device_key"`
	SessionID   []byte `db:"session_id"`
	UserID      string `db:"user_id"`
	DeviceID    string `db:"device_id"`
	InitPub     []byte `db:"init_pub"`
	OtkID       string `db:"otk_id"`
	Established bool   `db:"established"`
}

type oneTimeKey struct {
	ID      string `db:"id"`
	PubKey  []byte `db:"pub_key"`
	PrivKey []byte `db:"priv_key"`
	Claimed bool   `db:"claimed"`
}

type doubleratchetKey struct {
	PublicKey      []byte `db:"pub_key"`
	MessageKey     []byte `db:"message_key"`
	MessageNumber  uint   `db:"msg_num"`
	SessionID      []byte `db:"session_id"`
	SequenceNumber uint   `db:"seq_num"`
}

type doubleratchetState struct {
	ID                       []byte `db:"id"`
	Dhr                      []byte `db:"dhr"`
	DhsPub                   []byte `db:"dhs_pub"`
	DhsPriv                  []byte `db:"dhs_priv"`
	RootChKey                []byte `db:"root_ch_key"`
	SendChKey                []byte `db:"send_ch_key"`
	SendChCount              uint32 `db:"send_ch_count"`
	RecvChKey                []byte `db:"recv_ch_key"`
	RecvChCount              uint32 `db:"recv_ch_count"`
	PN                       uint32 `db:"pn"`
	MaxSkip                  uint   `db:"max_skip"`
	HKr                      []byte `db:"hkr"`
	NHKr                     []byte `db:"nhkr"`
	HKs                      []byte `db:"hks"`
	NHKs                     []byte `db:"nhks"`
	MaxKeep                  uint   `db:"max_keep"`
	MaxMessageKeysPerSession int    `db:"mmk_per_session"`
	Step                     uint   `db:"step"`
	KeysCount                uint   `db:"keys_count"`
}

type database struct {
	*db.Database
}

func newDatabase(internalDB *db.Database) (*database, error) {
	d := &database{internalDB}

	if err := internalDB.MigrateNoLock("_megolm", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _outbound_sessions (
						session_id STRING PRIMARY KEY,
						room_id STRING NOT NULL,
						signing_pub BLOB NOT NULL,
						signing_priv BLOB NOT NULL,
						chain_key BLOB NOT NULL,
						chain_index INTEGER NOT NULL,
						creation_ms INTEGER NOT NULL,
						use_count INTEGER NOT NULL,
						shared_history INTEGER NOT NULL,
						visibility STRING NOT NULL,
						active INTEGER NOT NULL
					);
					CREATE INDEX outbound_sessions_room_idx on _outbound_sessions (room_id, active);

					CREATE TABLE _shared_with (
						session_id STRING NOT NULL,
						user_id STRING NOT NULL,
						device_id STRING NOT NULL,
						device_key BLOB NOT NULL,
						chain_index INTEGER NOT NULL,
						PRIMARY KEY (session_id, user_id, device_id),
						FOREIGN KEY(session_id) REFERENCES _outbound_sessions(session_id) ON DELETE CASCADE
					);

					CREATE TABLE _notified (
						session_id STRING NOT NULL,
						user_id STRING NOT NULL,
						device_id STRING NOT NULL,
						code STRING NOT NULL,
						PRIMARY KEY (session_id, user_id, device_id),
						FOREIGN KEY(session_id) REFERENCES _outbound_sessions(session_id) ON DELETE CASCADE
					);

					CREATE TABLE _inbound_sessions (
						room_id STRING NOT NULL,
						sender_key BLOB NOT NULL,
						session_id STRING NOT NULL,
						signing_key BLOB NOT NULL,
						chain_key BLOB NOT NULL,
						chain_index INTEGER NOT NULL,
						shared_history INTEGER NOT NULL,
						untrusted INTEGER NOT NULL,
						needs_backup INTEGER NOT NULL,
						forwarding_chain STRING NOT NULL DEFAULT '',
						received_at_ms INTEGER NOT NULL,
						PRIMARY KEY (room_id, sender_key, session_id)
					);
					CREATE INDEX inbound_sessions_backup_idx on _inbound_sessions (needs_backup);

					CREATE TABLE _pending_events (
						id BLOB PRIMARY KEY,
						room_id STRING NOT NULL,
						sender_key BLOB NOT NULL,
						session_id STRING NOT NULL,
						payload BLOB NOT NULL,
						ctime_ms INTEGER NOT NULL
					);
					CREATE INDEX pending_events_session_idx on _pending_events (sender_key, session_id);
					CREATE INDEX pending_events_ctime_idx on _pending_events (ctime_ms);

					CREATE TABLE _withheld (
						sender_key BLOB NOT NULL,
						session_id STRING NOT NULL,
						room_id STRING NOT NULL DEFAULT '',
						code STRING NOT NULL,
						PRIMARY KEY (sender_key, session_id)
					);

					CREATE TABLE _pairwise_sessions (
						device_key BLOB PRIMARY KEY,
						session_id BLOB NOT NULL,
						user_id STRING NOT NULL,
						device_id STRING NOT NULL,
						init_pub BLOB NOT NULL DEFAULT x'',
						otk_id STRING NOT NULL DEFAULT '',
						established INTEGER NOT NULL DEFAULT 0
					);

					CREATE TABLE _one_time_keys (
						id STRING PRIMARY KEY,
						pub_key BLOB NOT NULL,
						priv_key BLOB NOT NULL,
						claimed INTEGER NOT NULL DEFAULT 0
					);

					CREATE TABLE _key_requests (
						request_id STRING PRIMARY KEY,
						room_id STRING NOT NULL,
						sender_key BLOB NOT NULL,
						session_id STRING NOT NULL,
						ctime_ms INTEGER NOT NULL
					);
					CREATE INDEX key_requests_session_idx on _key_requests (sender_key, session_id);

					CREATE TABLE _doubleratchet_keys (
						pub_key BLOB NOT NULL,
						message_key BLOB NOT NULL,
						msg_num INTEGER NOT NULL,
						session_id BLOB NOT NULL,
						seq_num INTEGER NOT NULL
					);
					CREATE UNIQUE INDEX doubleratchet_keys_pubkey_msg_num on _doubleratchet_keys (pub_key, msg_num);
					CREATE UNIQUE INDEX doubleratchet_keys_session_id_seq_num on _doubleratchet_keys (session_id, seq_num);

					CREATE TABLE _doubleratchet_states (
						id BLOB NOT NULL PRIMARY KEY,
						dhr BLOB,
						dhs_pub BLOB NOT NULL,
						dhs_priv BLOB NOT NULL,
						root_ch_key BLOB NOT NULL,
						send_ch_key BLOB NOT NULL,
						send_ch_count INTEGER NOT NULL,
						recv_ch_key BLOB NOT NULL,
						recv_ch_count INTEGER NOT NULL,
						pn INTEGER NOT NULL,
						max_skip INTEGER NOT NULL,
						hkr BLOB,
						nhkr BLOB,
						hks BLOB,
						nhks BLOB,
						max_keep INTEGER NOT NULL,
						mmk_per_session INTEGER NOT NULL,
						step INTEGER NOT NULL,
						keys_count INTEGER NOT NULL
					);
					`)
				return err
			},
		},
	}); err != nil {
		return nil, fmt.Errorf("megolm: error migrating %w", err)
	}

	return d, nil
}

func (db *database) activeOutboundSession(roomID string) (*outboundSession, error) {
	s := &outboundSession{}
	if err := db.Tx.Get(s, "SELECT * FROM _outbound_sessions WHERE room_id = $1 AND active = 1", roomID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("megolm: error getting outbound session for %s: %w", roomID, err)
	}
	return s, nil
}

func (db *database) outboundSession(sessionID string) (*outboundSession, error) {
	s := &outboundSession{}
	if err := db.Tx.Get(s, "SELECT * FROM _outbound_sessions WHERE session_id = $1", sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("megolm: error getting outbound session %s: %w", sessionID, err)
	}
	return s, nil
}

func (db *database) upsertOutboundSession(s *outboundSession) error {
	if _, err := db.Tx.NamedExec(`
		INSERT INTO _outbound_sessions (session_id, room_id, signing_pub, signing_priv, chain_key, chain_index, creation_ms, use_count, shared_history, visibility, active)
		VALUES (:session_id, :room_id, :signing_pub, :signing_priv, :chain_key, :chain_index, :creation_ms, :use_count, :shared_history, :visibility, :active)
		ON CONFLICT (session_id) DO UPDATE SET
			chain_key = :chain_key, chain_index = :chain_index, use_count = :use_count, active = :active`, s); err != nil {
		return fmt.Errorf("megolm: error upserting outbound session: %w", err)
	}
	return nil
}

func (db *database) retireOutboundSession(sessionID string) error {
	if _, err := db.Tx.Exec("UPDATE _outbound_sessions SET active = 0 WHERE session_id = $1", sessionID); err != nil {
		return fmt.Errorf("megolm: error retiring outbound session %s: %w", sessionID, err)
	}
	return nil
}

func (db *database) sharedWith(sessionID string) ([]*sharedWithDevice, error) {
	var ds []*sharedWithDevice
	if err := db.Tx.Select(&ds, "SELECT * FROM _shared_with WHERE session_id = $1", sessionID); err != nil {
		return nil, fmt.Errorf("megolm: error getting shared-with for %s: %w", sessionID, err)
	}
	return ds, nil
}

func (db *database) sharedWithDevice(sessionID, userID, deviceID string) (*sharedWithDevice, error) {
	d := &sharedWithDevice{}
	if err := db.Tx.Get(d, "SELECT * FROM _shared_with WHERE session_id = $1 AND user_id = $2 AND device_id = $3", sessionID, userID, deviceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("megolm: error getting shared-with device: %w", err)
	}
	return d, nil
}

func (db *database) upsertSharedWith(d *sharedWithDevice) error {
	if _, err := db.Tx.NamedExec(`
		INSERT INTO _shared_with (session_id, user_id, device_id, device_key, chain_index)
		VALUES (:session_id, :user_id, :device_id, :device_key, :chain_index)
		ON CONFLICT (session_id, user_id, device_id) DO UPDATE SET chain_index = :chain_index`, d); err != nil {
		return fmt.Errorf("megolm: error upserting shared-with: %w", err)
	}
	return nil
}

func (db *database) notified(sessionID, userID, deviceID string) (bool, error) {
	var count int
	if err := db.Tx.Get(&count, "SELECT count(*) FROM _notified WHERE session_id = $1 AND user_id = $2 AND device_id = $3", sessionID, userID, deviceID); err != nil {
		return false, fmt.Errorf("megolm: error checking notified: %w", err)
	}
	return count > 0, nil
}

func (db *database) insertNotified(n *notifiedDevice) error {
	if _, err := db.Tx.NamedExec(`
		INSERT INTO _notified (session_id, user_id, device_id, code)
		VALUES (:session_id, :user_id, :device_id, :code)
		ON CONFLICT (session_id, user_id, device_id) DO NOTHING`, n); err != nil {
		return fmt.Errorf("megolm: error inserting notified: %w", err)
	}
	return nil
}

func (db *database) inboundSession(roomID string, senderKey []byte, sessionID string) (*inboundSession, error) {
	s := &inboundSession{}
	if err := db.Tx.Get(s, "SELECT * FROM _inbound_sessions WHERE room_id = $1 AND sender_key = $2 AND session_id = $3", roomID, senderKey, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("megolm: error getting inbound session %s: %w", sessionID, err)
	}
	return s, nil
}

func (db *database) upsertInboundSession(s *inboundSession) error {
	// keep the lowest chain index we know and never downgrade trust
	existing, err := db.inboundSession(s.RoomID, s.SenderKey, s.SessionID)
	if err != nil {
		return err
	}
	if existing != nil {
		// a trusted copy at the same index still replaces an untrusted one
		upgrade := existing.Untrusted && !s.Untrusted && existing.ChainIndex == s.ChainIndex
		if existing.ChainIndex <= s.ChainIndex && !upgrade {
			return nil
		}
	}
	if _, err := db.Tx.NamedExec(`
		INSERT INTO _inbound_sessions (room_id, sender_key, session_id, signing_key, chain_key, chain_index, shared_history, untrusted, needs_backup, forwarding_chain, received_at_ms)
		VALUES (:room_id, :sender_key, :session_id, :signing_key, :chain_key, :chain_index, :shared_history, :untrusted, :needs_backup, :forwarding_chain, :received_at_ms)
		ON CONFLICT (room_id, sender_key, session_id) DO UPDATE SET
			chain_key = :chain_key, chain_index = :chain_index, untrusted = :untrusted, needs_backup = :needs_backup`, s); err != nil {
		return fmt.Errorf("megolm: error upserting inbound session: %w", err)
	}
	return nil
}

func (db *database) pendingBackupSessions(limit int) ([]*inboundSession, error) {
	var ss []*inboundSession
	if err := db.Tx.Select(&ss, "SELECT * FROM _inbound_sessions WHERE needs_backup = 1 ORDER BY received_at_ms LIMIT $1", limit); err != nil {
		return nil, fmt.Errorf("megolm: error getting pending backup sessions: %w", err)
	}
	return ss, nil
}

func (db *database) markBackedUp(roomID string, senderKey []byte, sessionID string) error {
	if _, err := db.Tx.Exec("UPDATE _inbound_sessions SET needs_backup = 0 WHERE room_id = $1 AND sender_key = $2 AND session_id = $3", roomID, senderKey, sessionID); err != nil {
		return fmt.Errorf("megolm: error marking backed up: %w", err)
	}
	return nil
}

func (db *database) insertPendingEvent(p *pendingEvent, cap int) error {
	if _, err := db.Tx.NamedExec(`
		INSERT INTO _pending_events (id, room_id, sender_key, session_id, payload, ctime_ms)
		VALUES (:id, :room_id, :sender_key, :session_id, :payload, :ctime_ms)`, p); err != nil {
		return fmt.Errorf("megolm: error inserting pending event: %w", err)
	}
	// bounded table, evict oldest first
	if _, err := db.Tx.Exec(`
		DELETE FROM _pending_events WHERE id IN (
			SELECT id FROM _pending_events ORDER BY ctime_ms DESC LIMIT -1 OFFSET $1
		)`, cap); err != nil {
		return fmt.Errorf("megolm: error evicting pending events: %w", err)
	}
	return nil
}

func (db *database) pendingEvents(senderKey []byte, sessionID string) ([]*pendingEvent, error) {
	var ps []*pendingEvent
	if err := db.Tx.Select(&ps, "SELECT * FROM _pending_events WHERE sender_key = $1 AND session_id = $2 ORDER BY ctime_ms", senderKey, sessionID); err != nil {
		return nil, fmt.Errorf("megolm: error getting pending events: %w", err)
	}
	return ps, nil
}

func (db *database) deletePendingEvent(id []byte) error {
	if _, err := db.Tx.Exec("DELETE FROM _pending_events WHERE id = $1", id); err != nil {
		return fmt.Errorf("megolm: error deleting pending event: %w", err)
	}
	return nil
}

func (db *database) upsertWithheld(w *withheldNotice) error {
	if _, err := db.Tx.NamedExec(`
		INSERT INTO _withheld (sender_key, session_id, room_id, code)
		VALUES (:sender_key, :session_id, :room_id, :code)
		ON CONFLICT (sender_key, session_id) DO UPDATE SET code = :code`, w); err != nil {
		return fmt.Errorf("megolm: error upserting withheld: %w", err)
	}
	return nil
}

func (db *database) withheldFor(senderKey []byte, sessionID string) (*withheldNotice, error) {
	w := &withheldNotice{}
	if err := db.Tx.Get(w, "SELECT * FROM _withheld WHERE sender_key = $1 AND session_id = $2", senderKey, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("megolm: error getting withheld: %w", err)
	}
	return w, nil
}

func (db *database) pairwiseSession(deviceKey []byte) (*pairwiseSession, error) {
	s := &pairwiseSession{}
	if err := db.Tx.Get(s, "SELECT * FROM _pairwise_sessions WHERE device_key = $1", deviceKey); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("megolm: error getting pairwise session: %w", err)
	}
	return s, nil
}

func (db *database) insertPairwiseSession(s *pairwiseSession) error {
	if _, err := db.Tx.NamedExec(`
		INSERT INTO _pairwise_sessions (device_key, session_id, user_id, device_id, init_pub, otk_id, established)
		VALUES (:device_key, :session_id, :user_id, :device_id, :init_pub, :otk_id, :established)
		ON CONFLICT (device_key) DO UPDATE SET
			session_id = :session_id, init_pub = :init_pub, otk_id = :otk_id, established = :established`, s); err != nil {
		return fmt.Errorf("megolm: error inserting pairwise session: %w", err)
	}
	return nil
}

func (db *database) markPairwiseEstablished(deviceKey []byte) error {
	if _, err := db.Tx.Exec("UPDATE _pairwise_sessions SET established = 1 WHERE device_key = $1", deviceKey); err != nil {
		return fmt.Errorf("megolm: error marking pairwise established: %w", err)
	}
	return nil
}

func (db *database) insertOneTimeKey(k *oneTimeKey) error {
	if _, err := db.Tx.NamedExec(`
		INSERT INTO _one_time_keys (id, pub_key, priv_key, claimed) VALUES (:id, :pub_key, :priv_key, :claimed)`, k); err != nil {
		return fmt.Errorf("megolm: error inserting one-time key: %w", err)
	}
	return nil
}

func (db *database) claimLocalOneTimeKey(id string) (*oneTimeKey, error) {
	k := &oneTimeKey{}
	if err := db.Tx.Get(k, "SELECT * FROM _one_time_keys WHERE id = $1 AND claimed = 0", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("megolm: error getting one-time key %s: %w", id, err)
	}
	if _, err := db.Tx.Exec("UPDATE _one_time_keys SET claimed = 1 WHERE id = $1", id); err != nil {
		return nil, fmt.Errorf("megolm: error claiming one-time key %s: %w", id, err)
	}
	return k, nil
}

func (db *database) recentKeyRequest(senderKey []byte, sessionID string, sinceMs uint64) (bool, error) {
	var count int
	if err := db.Tx.Get(&count, "SELECT count(*) FROM _key_requests WHERE sender_key = $1 AND session_id = $2 AND ctime_ms >= $3", senderKey, sessionID, sinceMs); err != nil {
		return false, fmt.Errorf("megolm: error checking key requests: %w", err)
	}
	return count > 0, nil
}

func (db *database) insertKeyRequest(requestID, roomID string, senderKey []byte, sessionID string, ctimeMs uint64) error {
	if _, err := db.Tx.Exec(`
		INSERT INTO _key_requests (request_id, room_id, sender_key, session_id, ctime_ms)
		VALUES ($1, $2, $3, $4, $5)`, requestID, roomID, senderKey, sessionID, ctimeMs); err != nil {
		return fmt.Errorf("megolm: error inserting key request: %w", err)
	}
	return nil
}

func (db *database) doubleratchetState(id []byte) (*doubleratchetState, error) {
	s := &doubleratchetState{}
	if err := db.Tx.Get(s, "SELECT * FROM _doubleratchet_states WHERE id = $1", id); err != nil {
		return nil, fmt.Errorf("megolm: error getting doubleratchet state %x: %w", id, err)
	}
	return s, nil
}

func (db *database) upsertDoubleratchetState(s *doubleratchetState) error {
	if _, err := db.Tx.NamedExec(`
		INSERT INTO _doubleratchet_states (id, dhr, dhs_pub, dhs_priv, root_ch_key, send_ch_key, send_ch_count, recv_ch_key, recv_ch_count, pn, max_skip, hkr, nhkr, hks, nhks, max_keep, mmk_per_session, step, keys_count)
		VALUES (:id, :dhr, :dhs_pub, :dhs_priv, :root_ch_key, :send_ch_key, :send_ch_count, :recv_ch_key, :recv_ch_count, :pn, :max_skip, :hkr, :nhkr, :hks, :nhks, :max_keep, :mmk_per_session, :step, :keys_count)
		ON CONFLICT (id) DO UPDATE SET
			dhr = :dhr, dhs_pub = :dhs_pub, dhs_priv = :dhs_priv, root_ch_key = :root_ch_key,
			send_ch_key = :send_ch_key, send_ch_count = :send_ch_count, recv_ch_key = :recv_ch_key,
			recv_ch_count = :recv_ch_count, pn = :pn, step = :step, keys_count = :keys_count`, s); err != nil {
		return fmt.Errorf("megolm: error upserting doubleratchet state: %w", err)
	}
	return nil
}

func (db *database) keyByMsgNum(sessionID []byte, k []byte, msgNum uint) (*doubleratchetKey, bool, error) {
	dk := &doubleratchetKey{}
	if err := db.Tx.Get(dk, "SELECT * FROM _doubleratchet_keys WHERE pub_key = $1 AND msg_num = $2", k, msgNum); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("megolm: error getting ratchet key: %w", err)
	}
	return dk, true, nil
}

func (db *database) upsertKeyByMsgNum(sessionID, k []byte, msgNum uint, mk []byte, keySeqNum uint) error {
	if _, err := db.Tx.Exec(`
		INSERT INTO _doubleratchet_keys (pub_key, message_key, msg_num, session_id, seq_num)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (pub_key, msg_num) DO UPDATE SET message_key = $2`, k, mk, msgNum, sessionID, keySeqNum); err != nil {
		return fmt.Errorf("megolm: error upserting ratchet key: %w", err)
	}
	return nil
}

func (db *database) deleteKeyByMsgNum(sessionID, k []byte, msgNum uint) error {
	if _, err := db.Tx.Exec("DELETE FROM _doubleratchet_keys WHERE pub_key = $1 AND msg_num = $2", k, msgNum); err != nil {
		return fmt.Errorf("megolm: error deleting ratchet key: %w", err)
	}
	return nil
}

func (db *database) deleteOldMks(sessionID []byte, deleteUntilSeqKey uint) error {
	if _, err := db.Tx.Exec("DELETE FROM _doubleratchet_keys WHERE session_id = $1 AND seq_num <= $2", sessionID, deleteUntilSeqKey); err != nil {
		return fmt.Errorf("megolm: error deleting old ratchet keys: %w", err)
	}
	return nil
}

func (db *database) truncateMks(sessionID []byte, maxKeys int) error {
	if _, err := db.Tx.Exec(`
		DELETE FROM _doubleratchet_keys WHERE session_id = $1 AND seq_num NOT IN (
			SELECT seq_num FROM _doubleratchet_keys WHERE session_id = $1 ORDER BY seq_num DESC LIMIT $2
		)`, sessionID, maxKeys); err != nil {
		return fmt.Errorf("megolm: error truncating ratchet keys: %w", err)
	}
	return nil
}

func (db *database) countKeys(k []byte) (uint, error) {
	var count uint
	if err := db.Tx.Get(&count, "SELECT count(*) FROM _doubleratchet_keys WHERE pub_key = $1", k); err != nil {
		return 0, fmt.Errorf("megolm: error counting ratchet keys: %w", err)
	}
	return count, nil
}
