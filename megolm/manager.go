package megolm

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/meow-io/go-seal/clock"
	"github.com/meow-io/go-seal/config"
	"github.com/meow-io/go-seal/crypto"
	"github.com/meow-io/go-seal/event"
	"github.com/meow-io/go-seal/ids"
	"github.com/meow-io/go-seal/internal/db"
	"github.com/meow-io/go-seal/trust"
	"go.uber.org/zap"
)

var (
	ErrUnknownSession    = errors.New("megolm: unknown session")
	ErrNoPairwiseSession = errors.New("megolm: no pairwise session for sender")
)

// UnknownIndexError indicates a message ratcheted earlier than the earliest
// chain index we hold for the session.
type UnknownIndexError struct {
	SessionID string
	HaveIndex uint32
	WantIndex uint32
}

func (e *UnknownIndexError) Error() string {
	return fmt.Sprintf("megolm: session %s known from index %d, message at %d", e.SessionID, e.HaveIndex, e.WantIndex)
}

// WithheldError indicates the sender told us it deliberately withheld the
// session key.
type WithheldError struct {
	Code   string
	Reason string
}

func (e *WithheldError) Error() string {
	return fmt.Sprintf("megolm: key withheld (%s) %s", e.Code, e.Reason)
}

// ClaimedKey is a one-time key claimed from a remote device.
type ClaimedKey struct {
	UserID   string
	DeviceID string
	KeyID    string
	Key      []byte
}

// KeyClaimer claims one-time keys for devices we have no pairwise session
// with. It returns the keys it obtained plus the homeservers that failed to
// answer within the timeout.
type KeyClaimer interface {
	ClaimKeys(ctx context.Context, devices []*trust.Device, timeout time.Duration) ([]*ClaimedKey, []string, error)
}

// ToDeviceSender delivers a to-device event.
type ToDeviceSender interface {
	SendToDevice(userID, deviceID, eventType string, content interface{}) error
}

// DecryptedEvent is emitted on the updates channel when a queued event
// becomes decryptable after its key arrives.
type DecryptedEvent struct {
	RoomID    string
	SenderKey string
	SessionID string
	Plaintext []byte
	Untrusted bool
}

// KeyShareReport collects per-device share failures for one fan-out. The
// fan-out itself never aborts on an individual device.
type KeyShareReport struct {
	SessionID string
	Failures  map[string]error
}

type secondPassJob struct {
	roomID     string
	sessionID  string
	devices    []*trust.Device
	chainIndex uint32
}

type toDevicePlaintext struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// Manager owns group sessions for rooms: outbound session rotation and
// fan-out, inbound session import and decryption, pending-event retry and
// key requests.
type Manager struct {
	config     *config.Config
	log        *zap.SugaredLogger
	db         *database
	internalDB *db.Database
	clock      clock.Clock
	crypto     *crypto.Provider
	registry   *trust.Registry
	sender     ToDeviceSender
	claimer    KeyClaimer

	userID       string
	deviceID     string
	identityPub  []byte
	identityPriv []byte

	lock      sync.Mutex
	roomLocks map[string]*sync.Mutex

	updates    chan interface{}
	secondPass chan *secondPassJob
	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

func NewManager(c *config.Config, internalDB *db.Database, clk clock.Clock, provider *crypto.Provider, registry *trust.Registry, sender ToDeviceSender, claimer KeyClaimer, userID, deviceID string, identityPub, identityPriv []byte) (*Manager, error) {
	d, err := newDatabase(internalDB)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config:       c,
		log:          c.Logger("megolm/manager"),
		db:           d,
		internalDB:   internalDB,
		clock:        clk,
		crypto:       provider,
		registry:     registry,
		sender:       sender,
		claimer:      claimer,
		userID:       userID,
		deviceID:     deviceID,
		identityPub:  identityPub,
		identityPriv: identityPriv,
		roomLocks:    make(map[string]*sync.Mutex),
		updates:      make(chan interface{}, 100),
		secondPass:   make(chan *secondPassJob, 100),
		ctx:          ctx,
		cancelFunc:   cancel,
	}, nil
}

func (m *Manager) Start() {
	m.wg.Add(1)
	go m.runSecondPass()
}

func (m *Manager) Shutdown() {
	m.cancelFunc()
	m.wg.Wait()
}

func (m *Manager) Updates() chan interface{} {
	return m.updates
}

// SenderKey is the curve25519 identity key group payloads are attributed to.
func (m *Manager) SenderKey() []byte {
	return m.identityPub
}

func (m *Manager) roomLock(roomID string) *sync.Mutex {
	m.lock.Lock()
	defer m.lock.Unlock()
	l, ok := m.roomLocks[roomID]
	if !ok {
		l = &sync.Mutex{}
		m.roomLocks[roomID] = l
	}
	return l
}

// Encrypt encrypts a room payload for the given devices, rotating and
// sharing the outbound session as needed. Calls for the same room are
// serialized so session state advances in a total order.
func (m *Manager) Encrypt(roomID string, plaintext []byte, devices []*trust.Device, visibility string, blockUnverified bool) (*event.EncryptedPayload, error) {
	l := m.roomLock(roomID)
	l.Lock()
	defer l.Unlock()

	session, err := m.ensureOutboundSession(roomID, devices, visibility, blockUnverified)
	if err != nil {
		return nil, err
	}

	var payload *event.EncryptedPayload
	err = m.internalDB.Run("encrypt room payload", func() error {
		s, err := m.db.outboundSession(session.SessionID)
		if err != nil {
			return err
		}
		payload, err = s.encryptPayload(m.crypto, m.identityPub, roomID, plaintext)
		if err != nil {
			return err
		}
		return m.db.upsertOutboundSession(s)
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// ensureOutboundSession returns the active session for a room, rotating it
// first when the rotation policy demands it, and fans the session key out to
// any entitled device that does not have it yet. Callers hold the room lock.
func (m *Manager) ensureOutboundSession(roomID string, devices []*trust.Device, visibility string, blockUnverified bool) (*outboundSession, error) {
	var (
		session      *outboundSession
		created      bool
		needShare    []*trust.Device
		needWithheld = make(map[*trust.Device]string)
	)

	entitled := make([]*trust.Device, 0, len(devices))
	for _, d := range devices {
		switch {
		case d.Blocked:
			needWithheld[d] = event.WithheldCodeBlacklisted
		case blockUnverified && !d.Verified:
			needWithheld[d] = event.WithheldCodeUnverified
		default:
			entitled = append(entitled, d)
		}
	}

	err := m.internalDB.Run("ensure outbound session", func() error {
		needShare = needShare[:0]
		s, err := m.db.activeOutboundSession(roomID)
		if err != nil {
			return err
		}
		if s != nil {
			rotate := s.needsRotation(m.config, m.clock.CurrentTimeMs(), visibility)
			if !rotate {
				rotate, err = m.sharedSetShrunk(s, entitled)
				if err != nil {
					return err
				}
			}
			if rotate {
				m.log.Debugf("rotating outbound session %s for room %s", s.SessionID, roomID)
				if err := m.db.retireOutboundSession(s.SessionID); err != nil {
					return err
				}
				s = nil
			}
		}
		if s == nil {
			if s, err = newOutboundSession(m.crypto, roomID, m.clock.CurrentTimeMs(), visibility, !blockUnverified); err != nil {
				return err
			}
			if err := m.db.upsertOutboundSession(s); err != nil {
				return err
			}
			// keep our own inbound copy so we can decrypt, re-share and back up
			if err := m.db.upsertInboundSession(&inboundSession{
				RoomID:        roomID,
				SenderKey:     m.identityPub,
				SessionID:     s.SessionID,
				SigningKey:    s.SigningPub,
				ChainKey:      s.ChainKey,
				ChainIndex:    s.ChainIndex,
				SharedHistory: s.SharedHistory,
				NeedsBackup:   true,
				ReceivedAtMs:  m.clock.CurrentTimeMs(),
			}); err != nil {
				return err
			}
			created = true
		}
		session = s
		for _, d := range entitled {
			shared, err := m.db.sharedWithDevice(s.SessionID, d.UserID, d.DeviceID)
			if err != nil {
				return err
			}
			if shared == nil {
				needShare = append(needShare, d)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if created {
		m.log.Debugf("created outbound session %s for room %s", session.SessionID, roomID)
	}

	if err := m.sendWithheld(session, needWithheld); err != nil {
		return nil, err
	}
	if len(needShare) != 0 {
		if err := m.shareSession(session, needShare, m.config.KeyClaimFirstPassTimeoutMs, true); err != nil {
			return nil, err
		}
	}
	return session, nil
}

// sharedSetShrunk reports whether the session has been shared with a device
// that is no longer entitled to it.
func (m *Manager) sharedSetShrunk(s *outboundSession, entitled []*trust.Device) (bool, error) {
	shared, err := m.db.sharedWith(s.SessionID)
	if err != nil {
		return false, err
	}
	keep := make(map[string]bool, len(entitled))
	for _, d := range entitled {
		keep[d.UserID+"|"+d.DeviceID] = true
	}
	for _, sw := range shared {
		if !keep[sw.UserID+"|"+sw.DeviceID] {
			return true, nil
		}
	}
	return false, nil
}

// shareSession fans the session key out to the given devices. Devices with
// no pairwise session get one established first; when firstPass is set,
// devices on homeservers that failed to answer are parked for a longer
// background second pass instead of being written off.
func (m *Manager) shareSession(s *outboundSession, devices []*trust.Device, claimTimeoutMs uint64, firstPass bool) error {
	var havePairwise, needPairwise []*trust.Device
	err := m.internalDB.RunReadOnly("partition devices", func() error {
		for _, d := range devices {
			ps, err := m.db.pairwiseSession(d.Curve25519)
			if err != nil {
				return err
			}
			if ps == nil {
				needPairwise = append(needPairwise, d)
			} else {
				havePairwise = append(havePairwise, d)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	report := &KeyShareReport{SessionID: s.SessionID, Failures: make(map[string]error)}

	if len(needPairwise) != 0 {
		claimed, failedServers, err := m.claimer.ClaimKeys(m.ctx, needPairwise, time.Duration(claimTimeoutMs)*time.Millisecond)
		if err != nil {
			return fmt.Errorf("megolm: error claiming keys: %w", err)
		}
		claimedFor := make(map[string]*ClaimedKey, len(claimed))
		for _, ck := range claimed {
			claimedFor[ck.UserID+"|"+ck.DeviceID] = ck
		}
		failed := make(map[string]bool, len(failedServers))
		for _, server := range failedServers {
			failed[server] = true
		}
		var stragglers []*trust.Device
		for _, d := range needPairwise {
			ck, ok := claimedFor[d.UserID+"|"+d.DeviceID]
			if !ok {
				if firstPass && failed[homeserver(d.UserID)] {
					stragglers = append(stragglers, d)
					continue
				}
				// no key available, tell them there is no secure channel
				if err := m.withholdFrom(s, d, event.WithheldCodeNoOlm); err != nil {
					return err
				}
				continue
			}
			err := m.internalDB.Run("establish pairwise session", func() error {
				_, err := m.establishPairwiseSession(d.UserID, d.DeviceID, d.Curve25519, ck)
				return err
			})
			if err != nil {
				report.Failures[d.UserID+"/"+d.DeviceID] = err
				continue
			}
			havePairwise = append(havePairwise, d)
		}
		if len(stragglers) != 0 {
			job := &secondPassJob{roomID: s.RoomID, sessionID: s.SessionID, devices: stragglers, chainIndex: s.ChainIndex}
			select {
			case m.secondPass <- job:
			default:
				m.log.Warnf("second-pass queue full, dropping job for session %s", s.SessionID)
			}
		}
	}

	for _, d := range havePairwise {
		if err := m.sendRoomKey(s, d); err != nil {
			report.Failures[d.UserID+"/"+d.DeviceID] = err
		}
	}
	if len(report.Failures) != 0 {
		m.log.Warnf("session %s not shared with %d devices", s.SessionID, len(report.Failures))
		m.enqueueUpdate(report)
	}
	return nil
}

func (m *Manager) sendRoomKey(s *outboundSession, d *trust.Device) error {
	rk := &event.RoomKey{
		Algorithm:     event.MegolmAlgorithm,
		RoomID:        s.RoomID,
		SessionID:     s.SessionID,
		SessionKey:    sessionKeyBlob(s.SigningPub, s.ChainKey, s.ChainIndex),
		ChainIndex:    s.ChainIndex,
		SharedHistory: s.SharedHistory,
	}
	if err := m.sendEncryptedToDevice(d, event.TypeRoomKey, rk); err != nil {
		return err
	}
	return m.internalDB.Run("record shared-with", func() error {
		return m.db.upsertSharedWith(&sharedWithDevice{
			SessionID:  s.SessionID,
			UserID:     d.UserID,
			DeviceID:   d.DeviceID,
			DeviceKey:  d.Curve25519,
			ChainIndex: s.ChainIndex,
		})
	})
}

func (m *Manager) sendEncryptedToDevice(d *trust.Device, eventType string, content interface{}) error {
	raw, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("megolm: error marshalling to-device content: %w", err)
	}
	plaintext, err := json.Marshal(&toDevicePlaintext{Type: eventType, Content: raw})
	if err != nil {
		return fmt.Errorf("megolm: error marshalling to-device plaintext: %w", err)
	}
	var env *pairwiseEnvelope
	err = m.internalDB.Run("encrypt to device", func() error {
		ps, err := m.db.pairwiseSession(d.Curve25519)
		if err != nil {
			return err
		}
		if ps == nil {
			return ErrNoPairwiseSession
		}
		env, err = m.encryptToDevice(ps, plaintext)
		return err
	})
	if err != nil {
		return err
	}
	return m.sender.SendToDevice(d.UserID, d.DeviceID, event.TypeEncrypted, env)
}

func (m *Manager) sendWithheld(s *outboundSession, codes map[*trust.Device]string) error {
	for d, code := range codes {
		if err := m.withholdFrom(s, d, code); err != nil {
			return err
		}
	}
	return nil
}

// withholdFrom notifies one device that the session key is being withheld,
// at most once per session and device.
func (m *Manager) withholdFrom(s *outboundSession, d *trust.Device, code string) error {
	already := false
	err := m.internalDB.Run("record withheld notice", func() error {
		var err error
		already, err = m.db.notified(s.SessionID, d.UserID, d.DeviceID)
		if err != nil || already {
			return err
		}
		return m.db.insertNotified(&notifiedDevice{SessionID: s.SessionID, UserID: d.UserID, DeviceID: d.DeviceID, Code: code})
	})
	if err != nil || already {
		return err
	}
	w := &event.RoomKeyWithheld{
		Algorithm: event.MegolmAlgorithm,
		Code:      code,
		RoomID:    s.RoomID,
		SessionID: s.SessionID,
		SenderKey: hex.EncodeToString(m.identityPub),
	}
	if err := m.sender.SendToDevice(d.UserID, d.DeviceID, event.TypeRoomKeyWithheld, w); err != nil {
		m.log.Warnf("error sending withheld to %s/%s: %v", d.UserID, d.DeviceID, err)
	}
	return nil
}

func (m *Manager) runSecondPass() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case job := <-m.secondPass:
			if err := m.processSecondPass(job); err != nil {
				m.log.Warnf("second pass for session %s: %v", job.sessionID, err)
			}
		}
	}
}

func (m *Manager) processSecondPass(job *secondPassJob) error {
	l := m.roomLock(job.roomID)
	l.Lock()
	defer l.Unlock()

	var s *outboundSession
	err := m.internalDB.RunReadOnly("load session for second pass", func() error {
		var err error
		s, err = m.db.outboundSession(job.sessionID)
		if err != nil || s == nil {
			return err
		}
		// stragglers are entitled from the chain index recorded when they were
		// first fanned out to, which our own inbound copy can still reach
		in, err := m.db.inboundSession(s.RoomID, m.identityPub, s.SessionID)
		if err != nil || in == nil {
			return err
		}
		blob, err := in.exportAt(m.crypto, job.chainIndex)
		if err != nil {
			return err
		}
		_, chainKey, _, err := parseSessionKeyBlob(blob)
		if err != nil {
			return err
		}
		rewound := *s
		rewound.ChainKey = chainKey
		rewound.ChainIndex = job.chainIndex
		s = &rewound
		return nil
	})
	if err != nil {
		return err
	}
	if s == nil {
		return nil
	}
	return m.shareSession(s, job.devices, m.config.KeyClaimSecondPassTimeoutMs, false)
}

// Decrypt decrypts a group payload. Unknown sessions queue the payload for
// retry when the key arrives, and a too-early chain index triggers a key
// request subject to the suppression window.
func (m *Manager) Decrypt(roomID string, payload *event.EncryptedPayload) ([]byte, error) {
	if payload.Algorithm != event.MegolmAlgorithm {
		return nil, fmt.Errorf("megolm: unsupported algorithm %s", payload.Algorithm)
	}
	senderKey, err := hex.DecodeString(payload.SenderKey)
	if err != nil {
		return nil, fmt.Errorf("megolm: error decoding sender key: %w", err)
	}

	var plaintext []byte
	err = m.internalDB.Run("decrypt room payload", func() error {
		s, err := m.db.inboundSession(roomID, senderKey, payload.SessionID)
		if err != nil {
			return err
		}
		if s == nil {
			raw, err := json.Marshal(payload)
			if err != nil {
				return fmt.Errorf("megolm: error marshalling pending event: %w", err)
			}
			id := ids.NewID()
			if err := m.db.insertPendingEvent(&pendingEvent{
				ID:        id[:],
				RoomID:    roomID,
				SenderKey: senderKey,
				SessionID: payload.SessionID,
				Payload:   raw,
				CtimeMs:   m.clock.CurrentTimeMs(),
			}, m.config.PendingEventCap); err != nil {
				return err
			}
			w, err := m.db.withheldFor(senderKey, payload.SessionID)
			if err != nil {
				return err
			}
			if w != nil {
				return &WithheldError{Code: w.Code}
			}
			return ErrUnknownSession
		}
		plaintext, err = s.decryptPayload(m.crypto, payload)
		return err
	})
	var unknownIndex *UnknownIndexError
	if errors.As(err, &unknownIndex) {
		if reqErr := m.requestKey(roomID, senderKey, payload.SessionID); reqErr != nil {
			m.log.Warnf("error requesting key for session %s: %v", payload.SessionID, reqErr)
		}
	}
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

// OnRoomKey imports a session key delivered directly by its creator over a
// pairwise channel, then retries any events queued against it.
func (m *Manager) OnRoomKey(senderKey []byte, rk *event.RoomKey) error {
	if rk.Algorithm != event.MegolmAlgorithm {
		return fmt.Errorf("megolm: unsupported algorithm %s", rk.Algorithm)
	}
	signingPub, chainKey, chainIndex, err := parseSessionKeyBlob(rk.SessionKey)
	if err != nil {
		return err
	}
	return m.internalDB.Run("import room key", func() error {
		if err := m.db.upsertInboundSession(&inboundSession{
			RoomID:        rk.RoomID,
			SenderKey:     senderKey,
			SessionID:     rk.SessionID,
			SigningKey:    signingPub,
			ChainKey:      chainKey,
			ChainIndex:    chainIndex,
			SharedHistory: rk.SharedHistory,
			NeedsBackup:   true,
			ReceivedAtMs:  m.clock.CurrentTimeMs(),
		}); err != nil {
			return err
		}
		return m.retryPending(senderKey, rk.SessionID)
	})
}

// OnForwardedRoomKey imports a session forwarded by a third party. Forwarded
// keys are always marked untrusted; forwarderKey is appended to the chain.
func (m *Manager) OnForwardedRoomKey(forwarderKey []byte, fk *event.ForwardedRoomKey) error {
	if fk.Algorithm != event.MegolmAlgorithm {
		return fmt.Errorf("megolm: unsupported algorithm %s", fk.Algorithm)
	}
	senderKey, err := hex.DecodeString(fk.SenderKey)
	if err != nil {
		return fmt.Errorf("megolm: error decoding sender key: %w", err)
	}
	signingPub, chainKey, chainIndex, err := parseSessionKeyBlob(fk.SessionKey)
	if err != nil {
		return err
	}
	chain := append(append([]string{}, fk.ForwardingKeyChain...), hex.EncodeToString(forwarderKey))
	return m.internalDB.Run("import forwarded room key", func() error {
		if err := m.db.upsertInboundSession(&inboundSession{
			RoomID:          fk.RoomID,
			SenderKey:       senderKey,
			SessionID:       fk.SessionID,
			SigningKey:      signingPub,
			ChainKey:        chainKey,
			ChainIndex:      chainIndex,
			SharedHistory:   fk.SharedHistory,
			Untrusted:       true,
			NeedsBackup:     true,
			ForwardingChain: encodeForwardingChain(chain),
			ReceivedAtMs:    m.clock.CurrentTimeMs(),
		}); err != nil {
			return err
		}
		return m.retryPending(senderKey, fk.SessionID)
	})
}

// ImportBackupSession imports a session recovered from key backup. Backup
// imports are untrusted and never re-uploaded.
func (m *Manager) ImportBackupSession(roomID, sessionID, senderKeyHex, sessionKey string, sharedHistory bool, forwardingChain []string) error {
	senderKey, err := hex.DecodeString(senderKeyHex)
	if err != nil {
		return fmt.Errorf("megolm: error decoding sender key: %w", err)
	}
	signingPub, chainKey, chainIndex, err := parseSessionKeyBlob(sessionKey)
	if err != nil {
		return err
	}
	return m.internalDB.Run("import backup session", func() error {
		if err := m.db.upsertInboundSession(&inboundSession{
			RoomID:          roomID,
			SenderKey:       senderKey,
			SessionID:       sessionID,
			SigningKey:      signingPub,
			ChainKey:        chainKey,
			ChainIndex:      chainIndex,
			SharedHistory:   sharedHistory,
			Untrusted:       true,
			NeedsBackup:     false,
			ForwardingChain: encodeForwardingChain(forwardingChain),
			ReceivedAtMs:    m.clock.CurrentTimeMs(),
		}); err != nil {
			return err
		}
		return m.retryPending(senderKey, sessionID)
	})
}

// retryPending re-attempts every queued event for a sender key and session.
// Successes are removed and emitted; residual failures stay queued for the
// next key delivery. Callers hold a write transaction.
func (m *Manager) retryPending(senderKey []byte, sessionID string) error {
	pending, err := m.db.pendingEvents(senderKey, sessionID)
	if err != nil {
		return err
	}
	for _, p := range pending {
		var payload event.EncryptedPayload
		if err := json.Unmarshal(p.Payload, &payload); err != nil {
			m.log.Warnf("dropping malformed pending event %x: %v", p.ID, err)
			if err := m.db.deletePendingEvent(p.ID); err != nil {
				return err
			}
			continue
		}
		s, err := m.db.inboundSession(p.RoomID, senderKey, sessionID)
		if err != nil {
			return err
		}
		if s == nil {
			continue
		}
		plaintext, err := s.decryptPayload(m.crypto, &payload)
		if err != nil {
			m.log.Debugf("pending event %x still undecryptable: %v", p.ID, err)
			continue
		}
		if err := m.db.deletePendingEvent(p.ID); err != nil {
			return err
		}
		m.enqueueUpdate(&DecryptedEvent{
			RoomID:    p.RoomID,
			SenderKey: hex.EncodeToString(senderKey),
			SessionID: sessionID,
			Plaintext: plaintext,
			Untrusted: s.Untrusted,
		})
	}
	return nil
}

// OnWithheld records a withheld notice so later decrypt failures can be
// classified. An m.no_olm notice triggers pairwise re-establishment only
// when no session exists for that sender, so a burst of notices for old
// messages cannot cause an establishment storm.
func (m *Manager) OnWithheld(w *event.RoomKeyWithheld) error {
	senderKey, err := hex.DecodeString(w.SenderKey)
	if err != nil {
		return fmt.Errorf("megolm: error decoding sender key: %w", err)
	}
	var havePairwise bool
	err = m.internalDB.Run("record withheld", func() error {
		if err := m.db.upsertWithheld(&withheldNotice{
			SenderKey: senderKey,
			SessionID: w.SessionID,
			RoomID:    w.RoomID,
			Code:      w.Code,
		}); err != nil {
			return err
		}
		ps, err := m.db.pairwiseSession(senderKey)
		if err != nil {
			return err
		}
		havePairwise = ps != nil
		return nil
	})
	if err != nil {
		return err
	}
	if w.Code != event.WithheldCodeNoOlm || havePairwise {
		return nil
	}
	device, err := m.registry.DeviceByCurve25519(senderKey)
	if err != nil {
		return err
	}
	if device == nil {
		m.log.Debugf("no device known for withheld sender %s", w.SenderKey)
		return nil
	}
	return m.reestablishPairwise(device)
}

// ensurePairwiseWith claims a one-time key for a device and opens a pairwise
// session when none exists yet.
func (m *Manager) ensurePairwiseWith(d *trust.Device) error {
	var have bool
	err := m.internalDB.RunReadOnly("check pairwise session", func() error {
		ps, err := m.db.pairwiseSession(d.Curve25519)
		if err != nil {
			return err
		}
		have = ps != nil
		return nil
	})
	if err != nil || have {
		return err
	}
	claimed, _, err := m.claimer.ClaimKeys(m.ctx, []*trust.Device{d}, time.Duration(m.config.KeyClaimFirstPassTimeoutMs)*time.Millisecond)
	if err != nil {
		return fmt.Errorf("megolm: error claiming key: %w", err)
	}
	if len(claimed) == 0 {
		return fmt.Errorf("megolm: no one-time key available for %s/%s", d.UserID, d.DeviceID)
	}
	return m.internalDB.Run("establish pairwise session", func() error {
		_, err := m.establishPairwiseSession(d.UserID, d.DeviceID, d.Curve25519, claimed[0])
		return err
	})
}

// reestablishPairwise opens a fresh pairwise session with a device and
// announces it with an empty probe message.
func (m *Manager) reestablishPairwise(d *trust.Device) error {
	if err := m.ensurePairwiseWith(d); err != nil {
		return err
	}
	return m.sendEncryptedToDevice(d, event.TypeDummy, struct{}{})
}

// OnRoomKeyRequest answers a re-share request for one of our own sessions.
// Only requests from our own user's verified devices are honored.
func (m *Manager) OnRoomKeyRequest(fromUserID string, req *event.RoomKeyRequest) error {
	if req.Action != event.KeyRequestActionRequest || req.Body == nil {
		return nil
	}
	if fromUserID != m.userID {
		return nil
	}
	device, err := m.registry.Device(fromUserID, req.RequestingDeviceID)
	if err != nil {
		return err
	}
	if device == nil || !device.Verified || device.Blocked {
		return nil
	}

	var (
		s          *inboundSession
		shareIndex uint32
	)
	err = m.internalDB.RunReadOnly("load session for re-share", func() error {
		os, err := m.db.outboundSession(req.Body.SessionID)
		if err != nil {
			return err
		}
		if os == nil || os.RoomID != req.Body.RoomID {
			return nil
		}
		s, err = m.db.inboundSession(os.RoomID, m.identityPub, os.SessionID)
		if err != nil {
			return err
		}
		if s == nil {
			return nil
		}
		shareIndex = s.ChainIndex
		if !s.SharedHistory {
			sw, err := m.db.sharedWithDevice(os.SessionID, fromUserID, req.RequestingDeviceID)
			if err != nil {
				return err
			}
			if sw != nil && sw.ChainIndex > shareIndex {
				shareIndex = sw.ChainIndex
			}
		}
		return nil
	})
	if err != nil || s == nil {
		return err
	}

	blob, err := s.exportAt(m.crypto, shareIndex)
	if err != nil {
		return err
	}
	fk := &event.ForwardedRoomKey{
		Algorithm:          event.MegolmAlgorithm,
		RoomID:             s.RoomID,
		SessionID:          s.SessionID,
		SessionKey:         blob,
		ChainIndex:         shareIndex,
		SenderKey:          hex.EncodeToString(m.identityPub),
		ForwardingKeyChain: s.forwardingChain(),
		SharedHistory:      s.SharedHistory,
	}
	if err := m.ensurePairwiseWith(device); err != nil {
		return err
	}
	return m.sendEncryptedToDevice(device, event.TypeForwardedRoomKey, fk)
}

// requestKey asks our own other devices for a session key, suppressed within
// the configured window so repeated decrypt failures cannot storm.
func (m *Manager) requestKey(roomID string, senderKey []byte, sessionID string) error {
	requestID := ids.NewString()
	send := false
	err := m.internalDB.Run("record key request", func() error {
		nowMs := m.clock.CurrentTimeMs()
		var since uint64
		if nowMs > m.config.MissingKeySuppressMs {
			since = nowMs - m.config.MissingKeySuppressMs
		}
		recent, err := m.db.recentKeyRequest(senderKey, sessionID, since)
		if err != nil || recent {
			return err
		}
		send = true
		return m.db.insertKeyRequest(requestID, roomID, senderKey, sessionID, nowMs)
	})
	if err != nil || !send {
		return err
	}
	req := &event.RoomKeyRequest{
		Action:             event.KeyRequestActionRequest,
		RequestingDeviceID: m.deviceID,
		RequestID:          requestID,
		Body: &event.RoomKeyRequestBody{
			Algorithm: event.MegolmAlgorithm,
			RoomID:    roomID,
			SenderKey: hex.EncodeToString(senderKey),
			SessionID: sessionID,
		},
	}
	return m.sender.SendToDevice(m.userID, "*", event.TypeRoomKeyRequest, req)
}

// HandleToDeviceRaw unmarshals an incoming envelope and hands it to
// HandleToDevice.
func (m *Manager) HandleToDeviceRaw(senderUserID string, raw []byte) (string, []byte, error) {
	env := &pairwiseEnvelope{}
	if err := json.Unmarshal(raw, env); err != nil {
		return "", nil, fmt.Errorf("megolm: error unmarshalling envelope: %w", err)
	}
	eventType, content, err := m.HandleToDevice(senderUserID, env)
	return eventType, content, err
}

// HandleToDevice decrypts an incoming pairwise envelope and dispatches key
// events internally. Events it does not consume are returned to the caller
// for routing.
func (m *Manager) HandleToDevice(senderUserID string, env *pairwiseEnvelope) (eventType string, content json.RawMessage, err error) {
	var plaintext []byte
	err = m.internalDB.Run("decrypt to-device event", func() error {
		var err error
		plaintext, err = m.decryptFromDevice(env)
		return err
	})
	if err != nil {
		return "", nil, err
	}
	var inner toDevicePlaintext
	if err := json.Unmarshal(plaintext, &inner); err != nil {
		return "", nil, fmt.Errorf("megolm: error unmarshalling to-device plaintext: %w", err)
	}
	switch inner.Type {
	case event.TypeRoomKey:
		var rk event.RoomKey
		if err := json.Unmarshal(inner.Content, &rk); err != nil {
			return "", nil, fmt.Errorf("megolm: error unmarshalling room key: %w", err)
		}
		return "", nil, m.OnRoomKey(env.SenderKey, &rk)
	case event.TypeForwardedRoomKey:
		var fk event.ForwardedRoomKey
		if err := json.Unmarshal(inner.Content, &fk); err != nil {
			return "", nil, fmt.Errorf("megolm: error unmarshalling forwarded room key: %w", err)
		}
		return "", nil, m.OnForwardedRoomKey(env.SenderKey, &fk)
	case event.TypeDummy:
		return "", nil, nil
	default:
		return inner.Type, inner.Content, nil
	}
}

// BackupCandidate is an inbound session awaiting upload to key backup.
type BackupCandidate struct {
	RoomID          string
	SenderKey       string
	SessionID       string
	SessionKey      string
	ChainIndex      uint32
	SharedHistory   bool
	ForwardingChain []string
	Untrusted       bool
}

// PendingBackupSessions returns up to limit sessions not yet backed up,
// oldest first.
func (m *Manager) PendingBackupSessions(limit int) ([]*BackupCandidate, error) {
	var out []*BackupCandidate
	err := m.internalDB.RunReadOnly("pending backup sessions", func() error {
		sessions, err := m.db.pendingBackupSessions(limit)
		if err != nil {
			return err
		}
		for _, s := range sessions {
			blob, err := s.exportAt(m.crypto, s.ChainIndex)
			if err != nil {
				return err
			}
			out = append(out, &BackupCandidate{
				RoomID:          s.RoomID,
				SenderKey:       hex.EncodeToString(s.SenderKey),
				SessionID:       s.SessionID,
				SessionKey:      blob,
				ChainIndex:      s.ChainIndex,
				SharedHistory:   s.SharedHistory,
				ForwardingChain: s.forwardingChain(),
				Untrusted:       s.Untrusted,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ExportedSession is the import/export record for an inbound session.
// Backup recovery, forwarded keys and file export all funnel through this
// one shape.
type ExportedSession struct {
	Algorithm          string   `json:"algorithm"`
	RoomID             string   `json:"room_id"`
	SenderKey          string   `json:"sender_key"`
	SessionID          string   `json:"session_id"`
	SessionKey         string   `json:"session_key"`
	ChainIndex         uint32   `json:"chain_index"`
	ForwardingKeyChain []string `json:"forwarding_curve25519_key_chain"`
	SharedHistory      bool     `json:"org.matrix.msc3061.shared_history,omitempty"`
}

// ExportSessions serializes every inbound session at its earliest known
// index.
func (m *Manager) ExportSessions() ([]*ExportedSession, error) {
	var out []*ExportedSession
	err := m.internalDB.RunReadOnly("export sessions", func() error {
		var sessions []*inboundSession
		if err := m.db.Tx.Select(&sessions, "SELECT * FROM _inbound_sessions ORDER BY received_at_ms"); err != nil {
			return fmt.Errorf("megolm: error selecting inbound sessions: %w", err)
		}
		for _, s := range sessions {
			blob, err := s.exportAt(m.crypto, s.ChainIndex)
			if err != nil {
				return err
			}
			out = append(out, &ExportedSession{
				Algorithm:          event.MegolmAlgorithm,
				RoomID:             s.RoomID,
				SenderKey:          hex.EncodeToString(s.SenderKey),
				SessionID:          s.SessionID,
				SessionKey:         blob,
				ChainIndex:         s.ChainIndex,
				ForwardingKeyChain: s.forwardingChain(),
				SharedHistory:      s.SharedHistory,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ImportSessions imports previously exported sessions, skipping records it
// cannot parse. Imported sessions are untrusted and retried against any
// pending events, like a backup recovery.
func (m *Manager) ImportSessions(sessions []*ExportedSession) (int, error) {
	imported := 0
	for _, s := range sessions {
		if s.Algorithm != event.MegolmAlgorithm {
			continue
		}
		if err := m.ImportBackupSession(s.RoomID, s.SessionID, s.SenderKey, s.SessionKey, s.SharedHistory, s.ForwardingKeyChain); err != nil {
			m.log.Warnf("skipping session %s on import: %v", s.SessionID, err)
			continue
		}
		imported++
	}
	return imported, nil
}

func (m *Manager) MarkBackedUp(roomID, senderKeyHex, sessionID string) error {
	senderKey, err := hex.DecodeString(senderKeyHex)
	if err != nil {
		return fmt.Errorf("megolm: error decoding sender key: %w", err)
	}
	return m.internalDB.Run("mark backed up", func() error {
		return m.db.markBackedUp(roomID, senderKey, sessionID)
	})
}

func (m *Manager) enqueueUpdate(u interface{}) {
	select {
	case m.updates <- u:
	default:
		m.log.Warnf("updates channel full, dropping update")
	}
}

// homeserver extracts the server name from a user id of the form
// @localpart:server.
func homeserver(userID string) string {
	for i := 0; i < len(userID); i++ {
		if userID[i] == ':' {
			return userID[i+1:]
		}
	}
	return ""
}
