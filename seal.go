// Package seal is an end-to-end-encrypted session engine: interactive device
// verification, group session management with automatic key sharing, and
// server-side key backup. Transports are supplied by the application; seal
// owns the protocol state and an encrypted local store.
package seal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/meow-io/go-seal/backup"
	"github.com/meow-io/go-seal/clock"
	"github.com/meow-io/go-seal/config"
	"github.com/meow-io/go-seal/crypto"
	"github.com/meow-io/go-seal/event"
	"github.com/meow-io/go-seal/internal/db"
	"github.com/meow-io/go-seal/megolm"
	"github.com/meow-io/go-seal/migration"
	"github.com/meow-io/go-seal/trust"
	"github.com/meow-io/go-seal/verification"
	"go.uber.org/zap"
)

const (
	// Constants for application state.
	StateNew = iota
	StateInitialized
	StateRunning
	StateClosing
	StateClosed
)

type account struct {
	ID        int    `db:"id"`
	UserID    string `db:"user_id"`
	DeviceID  string `db:"device_id"`
	CurvePub  []byte `db:"curve_pub"`
	CurvePriv []byte `db:"curve_priv"`
	EdPub     []byte `db:"ed_pub"`
	EdPriv    []byte `db:"ed_priv"`
}

// Transport delivers to-device events for us. Room events travel through
// whatever timeline the application maintains; seal only produces and
// consumes their payloads.
type Transport interface {
	SendToDevice(userID, deviceID, eventType string, content interface{}) error
}

// Seal is the top-level engine owning every component and their shared
// update channel.
type Seal struct {
	DB *db.Database

	config       *config.Config
	log          *zap.SugaredLogger
	state        int
	clock        clock.Clock
	crypto       *crypto.Provider
	transport    Transport
	claimer      megolm.KeyClaimer
	backupClient backup.Client

	account      *account
	registry     *trust.Registry
	verification *verification.Engine
	megolm       *megolm.Manager
	backup       *backup.Manager
	downloader   *backup.Downloader

	updates    chan interface{}
	cancelFunc context.CancelFunc
	finished   sync.WaitGroup
}

// Create a seal instance.
func NewSeal(c *config.Config, transport Transport, claimer megolm.KeyClaimer, backupClient backup.Client) (*Seal, error) {
	log := c.Logger("")
	absRootPath, err := filepath.Abs(c.RootDir)
	if err != nil {
		return nil, err
	}
	c.RootDir = absRootPath
	log.Debugf("making seal, using root path of %s", c.RootDir)

	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, err
	}
	database, err := db.NewDatabase(c, path.Join(c.RootDir, "data"))
	if err != nil {
		return nil, err
	}

	state := StateNew
	if database.Initialized() {
		state = StateInitialized
	}

	return &Seal{
		DB:           database,
		config:       c,
		log:          log,
		state:        state,
		clock:        clock.NewSystemClock(),
		crypto:       crypto.NewProvider(),
		transport:    transport,
		claimer:      claimer,
		backupClient: backupClient,
		updates:      make(chan interface{}, 100),
	}, nil
}

// Makes a key from a password.
func (s *Seal) NewKey(password string) ([]byte, error) {
	return newKey(s.crypto, password, s.config.RootDir, "salt")
}

// Gets various updates which must be dealt with. This will produce
// *verification.PhaseUpdate, *verification.RequestUpdate,
// *megolm.DecryptedEvent, *megolm.KeyShareReport, *backup.StatusUpdate and
// *backup.KeyImported values.
func (s *Seal) Updates() chan interface{} {
	return s.updates
}

// Returns true if seal is in NEW state.
func (s *Seal) New() bool {
	return s.state == StateNew
}

// Returns true if seal is in INITIALIZED state.
func (s *Seal) Initialized() bool {
	return s.state == StateInitialized
}

// Returns true if seal is in RUNNING state.
func (s *Seal) Running() bool {
	return s.state == StateRunning
}

// Initialize seal with a given key, creating the local account identity.
func (s *Seal) Initialize(key []byte, userID, deviceID string) error {
	if s.state != StateNew {
		return errors.New("cannot initialize unless in state new")
	}
	if err := s.DB.Initialize(key); err != nil {
		return err
	}
	s.setState(StateInitialized)
	return s.open(key, userID, deviceID)
}

// Open an existing seal with a given key.
func (s *Seal) Open(key []byte) error {
	return s.open(key, "", "")
}

func (s *Seal) open(key []byte, userID, deviceID string) error {
	if s.state != StateInitialized {
		return errors.New("cannot open unless in state initialized")
	}

	if err := s.DB.Open(key); err != nil {
		return err
	}

	if err := s.DB.Migrate("_seal", []*migration.Migration{
		{
			Name: "Create account table",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _account (
						id INTEGER PRIMARY KEY CHECK (id = 0),
						user_id STRING NOT NULL,
						device_id STRING NOT NULL,
						curve_pub BLOB NOT NULL,
						curve_priv BLOB NOT NULL,
						ed_pub BLOB NOT NULL,
						ed_priv BLOB NOT NULL
					);
					`)
				return err
			},
		},
	}); err != nil {
		return err
	}

	if err := s.loadOrCreateAccount(userID, deviceID); err != nil {
		return err
	}

	registry, err := trust.NewRegistry(s.config, s.DB)
	if err != nil {
		return err
	}
	s.registry = registry

	s.verification = verification.NewEngine(s.config, s.clock, s.crypto, s.registry, s.account.UserID, s.account.DeviceID, verification.DefaultMethods())

	megolmManager, err := megolm.NewManager(s.config, s.DB, s.clock, s.crypto, s.registry, s.transport, s.claimer, s.account.UserID, s.account.DeviceID, s.account.CurvePub, s.account.CurvePriv)
	if err != nil {
		return err
	}
	s.megolm = megolmManager

	backupManager, err := backup.NewManager(s.config, s.DB, s.clock, s.crypto, s.registry, s.backupClient, s.megolm, s.account.UserID)
	if err != nil {
		return err
	}
	s.backup = backupManager

	downloader, err := backup.NewDownloader(s.config, s.DB, s.clock, s.backup, s.megolm)
	if err != nil {
		return err
	}
	s.downloader = downloader

	ctx, cancel := context.WithCancel(context.Background())
	s.cancelFunc = cancel
	s.megolm.Start()
	s.backup.Start()
	s.downloader.Start()
	s.startUpdatePassing(ctx)

	// register our own device so fan-out and trust checks can see it
	if err := s.registry.UpsertDevice(&trust.Device{
		UserID:       s.account.UserID,
		DeviceID:     s.account.DeviceID,
		Curve25519:   s.account.CurvePub,
		Ed25519:      s.account.EdPub,
		Verified:     true,
		FirstSeenSec: s.clock.CurrentTimeSec(),
	}); err != nil {
		return err
	}

	s.setState(StateRunning)
	return nil
}

func (s *Seal) loadOrCreateAccount(userID, deviceID string) error {
	return s.DB.Run("load account", func() error {
		a := &account{}
		err := s.DB.Tx.Get(a, "SELECT * FROM _account WHERE id = 0")
		if err == nil {
			s.account = a
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("seal: error loading account: %w", err)
		}
		if userID == "" || deviceID == "" {
			return errors.New("seal: no account present, initialize first")
		}
		curvePub, curvePriv, err := s.crypto.NewDHKey()
		if err != nil {
			return err
		}
		edPub, edPriv, err := s.crypto.NewSigningKey()
		if err != nil {
			return err
		}
		a = &account{UserID: userID, DeviceID: deviceID, CurvePub: curvePub, CurvePriv: curvePriv, EdPub: edPub, EdPriv: edPriv}
		if _, err := s.DB.Tx.NamedExec(`
			INSERT INTO _account (id, user_id, device_id, curve_pub, curve_priv, ed_pub, ed_priv)
			VALUES (0, :user_id, :device_id, :curve_pub, :curve_priv, :ed_pub, :ed_priv)`, a); err != nil {
			return fmt.Errorf("seal: error creating account: %w", err)
		}
		s.account = a
		return nil
	})
}

// Shutdown the seal engine.
func (s *Seal) Shutdown() error {
	if s.state != StateRunning {
		return nil
	}
	s.setState(StateClosing)

	errs := make([]string, 0)
	s.cancelFunc()
	s.finished.Wait()

	s.downloader.Stop()
	s.backup.Shutdown()
	s.megolm.Shutdown()
	if err := s.DB.Shutdown(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) != 0 {
		return fmt.Errorf("error during shutdown: %s", strings.Join(errs, ", "))
	}

	s.cancelFunc = nil
	s.downloader = nil
	s.backup = nil
	s.megolm = nil
	s.verification = nil

	s.setState(StateInitialized)

	close(s.updates)
	s.updates = make(chan interface{}, 100)

	return nil
}

// UserID of the local account.
func (s *Seal) UserID() string {
	return s.account.UserID
}

// DeviceID of the local account.
func (s *Seal) DeviceID() string {
	return s.account.DeviceID
}

// Registry exposes the device/trust registry shared by every component.
func (s *Seal) Registry() *trust.Registry {
	return s.registry
}

// NewVerification starts a verification request over a channel.
func (s *Seal) NewVerification(channel verification.Channel) (*verification.Request, error) {
	if s.state != StateRunning {
		return nil, errors.New("seal: not running")
	}
	r := s.verification.NewRequest(channel)
	if err := r.SendRequest(); err != nil {
		return nil, err
	}
	return r, nil
}

// Verification looks up an in-flight request by transaction id.
func (s *Seal) Verification(transactionID string) *verification.Request {
	return s.verification.Request(transactionID)
}

// HandleVerificationEvent feeds a verification wire event to the engine.
func (s *Seal) HandleVerificationEvent(channel verification.Channel, ev *event.Event, isLive, isRemoteEcho bool) error {
	if s.state != StateRunning {
		return errors.New("seal: not running")
	}
	return s.verification.HandleIncoming(channel, ev, isLive, isRemoteEcho)
}

// WaitForVerification blocks until the request satisfies pred or is
// cancelled.
func (s *Seal) WaitForVerification(ctx context.Context, r *verification.Request, pred func(verification.Phase) bool) error {
	return s.verification.WaitFor(ctx, r, func(req *verification.Request) bool {
		return pred(req.Phase())
	})
}

// EncryptRoomEvent encrypts a room payload for a device set, handling
// session rotation and key fan-out.
func (s *Seal) EncryptRoomEvent(roomID string, plaintext []byte, devices []*trust.Device, visibility string, blockUnverified bool) (*event.EncryptedPayload, error) {
	if s.state != StateRunning {
		return nil, errors.New("seal: not running")
	}
	return s.megolm.Encrypt(roomID, plaintext, devices, visibility, blockUnverified)
}

// DecryptRoomEvent decrypts a room payload. A missing session key kicks off
// backup recovery in the background; the payload stays queued and is
// surfaced as a *megolm.DecryptedEvent once a key arrives.
func (s *Seal) DecryptRoomEvent(roomID string, payload *event.EncryptedPayload) ([]byte, error) {
	if s.state != StateRunning {
		return nil, errors.New("seal: not running")
	}
	plaintext, err := s.megolm.Decrypt(roomID, payload)
	if err != nil && (errors.Is(err, megolm.ErrUnknownSession) || isWithheld(err)) {
		if dlErr := s.downloader.OnDecryptionKeyMissing(roomID, payload.SessionID); dlErr != nil && !errors.Is(dlErr, backup.ErrStopped) {
			s.log.Warnf("error queueing backup download: %v", dlErr)
		}
	}
	return plaintext, err
}

func isWithheld(err error) bool {
	var w *megolm.WithheldError
	return errors.As(err, &w)
}

// HandleToDevice decrypts and routes an incoming encrypted to-device event.
// Key-sharing events are consumed internally; anything else, verification
// events included, is returned to the caller for channel-aware routing.
func (s *Seal) HandleToDevice(senderUserID string, env []byte) (eventType string, content []byte, err error) {
	if s.state != StateRunning {
		return "", nil, errors.New("seal: not running")
	}
	return s.megolm.HandleToDeviceRaw(senderUserID, env)
}

// GenerateOneTimeKeys mints one-time keys for publication.
func (s *Seal) GenerateOneTimeKeys(count int) (map[string][]byte, error) {
	if s.state != StateRunning {
		return nil, errors.New("seal: not running")
	}
	return s.megolm.GenerateOneTimeKeys(count)
}

// SaveRecoveryKey caches the backup recovery key and re-evaluates backup
// trust.
func (s *Seal) SaveRecoveryKey(algorithm string, key []byte) error {
	if s.state != StateRunning {
		return errors.New("seal: not running")
	}
	return s.backup.SaveRecoveryKey(algorithm, key)
}

// RecoveryKeyFromPassphrase derives a backup recovery key from a
// passphrase.
func (s *Seal) RecoveryKeyFromPassphrase(passphrase string, salt []byte) []byte {
	return s.crypto.KeyFromPassphrase(passphrase, salt)
}

// OnBackupStatusChanged re-triggers backup configuration evaluation after a
// server-side change.
func (s *Seal) OnBackupStatusChanged() {
	if s.state == StateRunning {
		s.backup.OnBackupStatusChanged()
	}
}

// ExportSessions exports every inbound group session.
func (s *Seal) ExportSessions() ([]*megolm.ExportedSession, error) {
	if s.state != StateRunning {
		return nil, errors.New("seal: not running")
	}
	return s.megolm.ExportSessions()
}

// ImportSessions imports previously exported group sessions.
func (s *Seal) ImportSessions(sessions []*megolm.ExportedSession) (int, error) {
	if s.state != StateRunning {
		return 0, errors.New("seal: not running")
	}
	n, err := s.megolm.ImportSessions(sessions)
	if err == nil && n > 0 {
		s.backup.WakeUpload()
	}
	return n, err
}

func (s *Seal) startUpdatePassing(ctx context.Context) {
	s.finished.Add(1)
	go func() {
		defer s.finished.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case e := <-s.verification.Updates():
				s.log.Debugf("passing update: verification %#v", e)
				s.updates <- e
			case e := <-s.megolm.Updates():
				s.log.Debugf("passing update: megolm %#v", e)
				if _, ok := e.(*megolm.DecryptedEvent); ok {
					s.backup.WakeUpload()
				}
				s.updates <- e
			case e := <-s.backup.Updates():
				s.log.Debugf("passing update: backup %#v", e)
				s.updates <- e
			}
		}
	}()
}

func (s *Seal) setState(state int) {
	s.log.Debugf("updating state %d -> %d", s.state, state)
	s.state = state
}
