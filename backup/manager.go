package backup

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/meow-io/go-seal/clock"
	"github.com/meow-io/go-seal/config"
	"github.com/meow-io/go-seal/crypto"
	"github.com/meow-io/go-seal/event"
	"github.com/meow-io/go-seal/internal/db"
	"github.com/meow-io/go-seal/megolm"
	"github.com/meow-io/go-seal/trust"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// InvalidConfigurationError halts background backup activity until an
// explicit status-change re-evaluation. It is never retried blindly.
type InvalidConfigurationError struct {
	Reason string
}

func (e *InvalidConfigurationError) Error() string {
	return fmt.Sprintf("backup: configuration invalid: %s", e.Reason)
}

// TrustInfo is the outcome of the two-track backup trust check.
type TrustInfo struct {
	// Usable means at least one trusted track vouches for the backup.
	Usable bool
	// MatchesDecryptionKey means the locally cached key decrypts this
	// backup.
	MatchesDecryptionKey bool
}

// Configuration is the client-local view of a trusted backup version.
type Configuration struct {
	Version   *Version
	AuthData  *AuthData
	Decryptor Decryptor
	Encryptor Encryptor
}

// StatusUpdate is emitted when the backup configuration is invalidated or
// re-established.
type StatusUpdate struct {
	Valid  bool
	Reason string
}

// Manager negotiates backup trust and runs the background upload loop.
type Manager struct {
	config     *config.Config
	log        *zap.SugaredLogger
	db         *database
	internalDB *db.Database
	clock      clock.Clock
	crypto     *crypto.Provider
	registry   *trust.Registry
	client     Client
	megolm     *megolm.Manager
	userID     string

	group   singleflight.Group
	lock    sync.Mutex
	current *Configuration

	updates    chan interface{}
	uploadWake chan struct{}
	statusWake chan struct{}
	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

func NewManager(c *config.Config, internalDB *db.Database, clk clock.Clock, provider *crypto.Provider, registry *trust.Registry, client Client, megolmManager *megolm.Manager, userID string) (*Manager, error) {
	d, err := newDatabase(internalDB)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config:     c,
		log:        c.Logger("backup/manager"),
		db:         d,
		internalDB: internalDB,
		clock:      clk,
		crypto:     provider,
		registry:   registry,
		client:     client,
		megolm:     megolmManager,
		userID:     userID,
		updates:    make(chan interface{}, 100),
		uploadWake: make(chan struct{}, 1),
		statusWake: make(chan struct{}, 1),
		ctx:        ctx,
		cancelFunc: cancel,
	}, nil
}

func (m *Manager) Start() {
	m.wg.Add(1)
	go m.runUpload()
}

func (m *Manager) Shutdown() {
	m.cancelFunc()
	m.wg.Wait()
}

func (m *Manager) Updates() chan interface{} {
	return m.updates
}

// SaveRecoveryKey caches the private backup key locally and invalidates the
// current configuration so the next check recomputes trust with it.
func (m *Manager) SaveRecoveryKey(algorithm string, key []byte) error {
	if algorithm != AlgorithmAsymmetric && algorithm != AlgorithmSymmetric {
		return fmt.Errorf("backup: unsupported algorithm %s", algorithm)
	}
	err := m.internalDB.Run("save recovery key", func() error {
		return m.db.saveBackupKey(&backupKeyRow{Algorithm: algorithm, Key: key})
	})
	if err != nil {
		return err
	}
	m.OnBackupStatusChanged()
	return nil
}

// RecoveryKeyFromPassphrase derives the recovery key from a user
// passphrase.
func (m *Manager) RecoveryKeyFromPassphrase(passphrase string, salt []byte) []byte {
	return m.crypto.KeyFromPassphrase(passphrase, salt)
}

// OnBackupStatusChanged invalidates the cached configuration and wakes every
// halted loop for a recheck.
func (m *Manager) OnBackupStatusChanged() {
	m.lock.Lock()
	m.current = nil
	m.lock.Unlock()
	m.wake(m.uploadWake)
	m.wake(m.statusWake)
}

func (m *Manager) wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Configuration resolves the current backup configuration. The result is
// cached; concurrent callers are coalesced onto one in-flight server check
// so two version checks never run at once.
func (m *Manager) Configuration(ctx context.Context) (*Configuration, error) {
	m.lock.Lock()
	if m.current != nil {
		c := m.current
		m.lock.Unlock()
		return c, nil
	}
	m.lock.Unlock()

	v, err, _ := m.group.Do("configuration", func() (interface{}, error) {
		c, err := m.checkBackupVersion(ctx)
		if err != nil {
			return nil, err
		}
		m.lock.Lock()
		m.current = c
		m.lock.Unlock()
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Configuration), nil
}

// checkBackupVersion fetches the server descriptor and cross-checks it
// against the locally cached decryption key and signature trust.
func (m *Manager) checkBackupVersion(ctx context.Context) (*Configuration, error) {
	info, err := m.client.GetBackupInfo(ctx)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, &InvalidConfigurationError{Reason: "no backup exists"}
		}
		return nil, fmt.Errorf("backup: error fetching backup info: %w", err)
	}

	authData := &AuthData{}
	if err := json.Unmarshal(info.AuthData, authData); err != nil {
		return nil, &InvalidConfigurationError{Reason: "malformed auth data"}
	}

	var keyRow *backupKeyRow
	err = m.internalDB.RunReadOnly("load backup key", func() error {
		var err error
		keyRow, err = m.db.backupKey()
		return err
	})
	if err != nil {
		return nil, err
	}

	var decryptor Decryptor
	var encryptor Encryptor
	if keyRow != nil {
		if keyRow.Algorithm != info.Algorithm {
			return nil, &InvalidConfigurationError{Reason: fmt.Sprintf("cached key is for %s, backup uses %s", keyRow.Algorithm, info.Algorithm)}
		}
		switch info.Algorithm {
		case AlgorithmAsymmetric:
			decryptor = NewAsymmetricDecryptor(m.crypto, keyRow.Key)
		case AlgorithmSymmetric:
			decryptor = NewSymmetricDecryptor(m.crypto, keyRow.Key)
		default:
			return nil, &InvalidConfigurationError{Reason: fmt.Sprintf("unsupported algorithm %s", info.Algorithm)}
		}
		if !decryptor.Matches(authData) {
			return nil, &InvalidConfigurationError{Reason: "cached key does not match backup"}
		}
		if keyRow.Version != "" && keyRow.Version != info.Version {
			return nil, &InvalidConfigurationError{Reason: fmt.Sprintf("trusted version %s superseded by %s", keyRow.Version, info.Version)}
		}
	}

	ti, err := m.isKeyBackupTrusted(info, authData, decryptor)
	if err != nil {
		return nil, err
	}
	if !ti.Usable {
		return nil, &InvalidConfigurationError{Reason: "no trusted signature and no matching decryption key"}
	}

	switch info.Algorithm {
	case AlgorithmAsymmetric:
		pub, err := base64.StdEncoding.DecodeString(authData.PublicKey)
		if err != nil {
			return nil, &InvalidConfigurationError{Reason: "malformed public key"}
		}
		encryptor = NewAsymmetricEncryptor(m.crypto, pub)
	case AlgorithmSymmetric:
		if keyRow == nil {
			return nil, &InvalidConfigurationError{Reason: "symmetric backup requires the cached key"}
		}
		encryptor = NewSymmetricEncryptor(m.crypto, keyRow.Key)
	default:
		return nil, &InvalidConfigurationError{Reason: fmt.Sprintf("unsupported algorithm %s", info.Algorithm)}
	}

	if keyRow != nil && keyRow.Version == "" {
		if err := m.internalDB.Run("save trusted version", func() error {
			return m.db.saveTrustedVersion(info.Version)
		}); err != nil {
			return nil, err
		}
	}

	m.enqueueUpdate(&StatusUpdate{Valid: true})
	return &Configuration{Version: info, AuthData: authData, Decryptor: decryptor, Encryptor: encryptor}, nil
}

// isKeyBackupTrusted runs the two-track trust check: decrypt-test against
// the locally cached key, then signature verification against cross-signing
// identities and known devices. The backup is usable iff either the local
// key matches or at least one verified signer vouches for it.
func (m *Manager) isKeyBackupTrusted(info *Version, authData *AuthData, decryptor Decryptor) (*TrustInfo, error) {
	ti := &TrustInfo{}
	if decryptor != nil && decryptor.Matches(authData) {
		ti.MatchesDecryptionKey = true
		ti.Usable = true
	}

	canonical, err := canonicalAuthData(authData)
	if err != nil {
		return nil, err
	}
	for userID, sigs := range authData.Signatures {
		for keyID, sigB64 := range sigs {
			keyName, ok := strings.CutPrefix(keyID, "ed25519:")
			if !ok {
				continue
			}
			sig, err := base64.StdEncoding.DecodeString(sigB64)
			if err != nil {
				continue
			}
			identity, err := m.registry.Identity(userID)
			if err != nil {
				return nil, err
			}
			if identity != nil && base64.StdEncoding.EncodeToString(identity.MasterKey) == keyName {
				if m.crypto.Verify(identity.MasterKey, canonical, sig) && identity.Verified {
					ti.Usable = true
				}
				continue
			}
			device, err := m.registry.Device(userID, keyName)
			if err != nil {
				return nil, err
			}
			if device == nil {
				continue
			}
			if m.crypto.Verify(device.Ed25519, canonical, sig) && device.Verified && !device.Blocked {
				ti.Usable = true
			}
		}
	}
	return ti, nil
}

// canonicalAuthData is the byte string signatures cover: the auth data with
// its signatures stripped.
func canonicalAuthData(authData *AuthData) ([]byte, error) {
	stripped := *authData
	stripped.Signatures = nil
	b, err := json.Marshal(&stripped)
	if err != nil {
		return nil, fmt.Errorf("backup: error marshalling auth data: %w", err)
	}
	return b, nil
}

// WakeUpload nudges the upload loop, typically after new sessions arrive.
func (m *Manager) WakeUpload() {
	m.wake(m.uploadWake)
}

func (m *Manager) runUpload() {
	defer m.wg.Done()
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = time.Duration(m.config.UploadMaxBackoffMs) * time.Millisecond
	bo.MaxElapsedTime = 0

	for {
		uploaded, err := m.uploadBatch()
		switch {
		case err == nil && uploaded > 0:
			bo.Reset()
			continue
		case err == nil:
			// drained, wait for more work
			select {
			case <-m.ctx.Done():
				return
			case <-m.uploadWake:
			}
			continue
		}

		var rateLimited *RateLimitedError
		var invalid *InvalidConfigurationError
		var wait time.Duration
		switch {
		case errors.As(err, &invalid):
			m.log.Infof("backup halted: %v", err)
			m.enqueueUpdate(&StatusUpdate{Valid: false, Reason: invalid.Reason})
			// halt until a status change re-triggers evaluation
			select {
			case <-m.ctx.Done():
				return
			case <-m.uploadWake:
			}
			bo.Reset()
			continue
		case errors.As(err, &rateLimited):
			wait = time.Duration(rateLimited.RetryAfterMs) * time.Millisecond
		default:
			wait = bo.NextBackOff()
			m.log.Warnf("upload batch failed, retrying in %s: %v", wait, err)
		}
		select {
		case <-m.ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// uploadBatch uploads one bounded batch of pending sessions, returning how
// many were uploaded.
func (m *Manager) uploadBatch() (int, error) {
	cfg, err := m.Configuration(m.ctx)
	if err != nil {
		return 0, err
	}
	pending, err := m.megolm.PendingBackupSessions(m.config.UploadBatchSize)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	req := &RoomKeysRequest{Rooms: make(map[string]map[string]*KeyBackupData)}
	for _, c := range pending {
		data, err := cfg.Encryptor.Encrypt(c.SessionID, &SessionData{
			Algorithm:          event.MegolmAlgorithm,
			SenderKey:          c.SenderKey,
			SessionKey:         c.SessionKey,
			ChainIndex:         c.ChainIndex,
			ForwardingKeyChain: c.ForwardingChain,
			SharedHistory:      c.SharedHistory,
		})
		if err != nil {
			return 0, err
		}
		data.IsVerified = !c.Untrusted
		if req.Rooms[c.RoomID] == nil {
			req.Rooms[c.RoomID] = make(map[string]*KeyBackupData)
		}
		req.Rooms[c.RoomID][c.SessionID] = data
	}

	if err := m.client.PutRoomKeys(m.ctx, cfg.Version.Version, req); err != nil {
		if errors.Is(err, ErrWrongVersion) || errors.Is(err, ErrNotFound) {
			// recheck the whole configuration rather than retrying blindly
			m.OnBackupStatusChanged()
			return 0, &InvalidConfigurationError{Reason: "server rejected the backup version"}
		}
		return 0, err
	}

	for _, c := range pending {
		if err := m.megolm.MarkBackedUp(c.RoomID, c.SenderKey, c.SessionID); err != nil {
			return 0, err
		}
	}
	m.log.Debugf("uploaded %d sessions to backup version %s", len(pending), cfg.Version.Version)
	return len(pending), nil
}

func (m *Manager) enqueueUpdate(u interface{}) {
	select {
	case m.updates <- u:
	default:
		m.log.Warnf("updates channel full, dropping update")
	}
}
