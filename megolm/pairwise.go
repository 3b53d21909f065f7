package megolm

import (
	"bytes"
	crypto_rand "crypto/rand"
	"errors"
	"fmt"

	"github.com/kevinburke/nacl/box"
	"github.com/meow-io/go-seal/crypto"
	"github.com/meow-io/go-seal/ids"
	"github.com/status-im/doubleratchet"
)

// envelope for an encrypted to-device message. SessionInit rides along on
// every message from the initiator until the responder has answered once.
type pairwiseEnvelope struct {
	SenderKey    []byte               `json:"sender_key"`
	SessionInit  *pairwiseSessionInit `json:"session_init,omitempty"`
	Dh           []byte               `json:"dh"`
	N            uint32               `json:"n"`
	Pn           uint32               `json:"pn"`
	Ciphertext   []byte               `json:"ciphertext"`
}

type pairwiseSessionInit struct {
	InitialKey   []byte `json:"initial_key"`
	OneTimeKeyID string `json:"one_time_key_id"`
}

type dhPairImpl struct {
	privateKey [32]byte
	publicKey  [32]byte
}

func (pair dhPairImpl) PrivateKey() doubleratchet.Key {
	return pair.privateKey[:]
}

func (pair dhPairImpl) PublicKey() doubleratchet.Key {
	return pair.publicKey[:]
}

type sessionStorageImpl struct {
	db     *database
	crypto *crypto.Provider
}

func (ss *sessionStorageImpl) Load(id []byte) (*doubleratchet.State, error) {
	s, err := ss.db.doubleratchetState(id)
	if err != nil {
		return nil, err
	}

	drc := &cryptoImpl{crypto: ss.crypto}

	return &doubleratchet.State{
		Crypto: drc,
		DHr:    s.Dhr,
		DHs:    dhPairImpl{privateKey: *crypto.SliceToKey(s.DhsPriv), publicKey: *crypto.SliceToKey(s.DhsPub)},
		RootCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
		}{Crypto: drc, CK: s.RootChKey},
		SendCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
			N      uint32
		}{Crypto: drc, CK: s.SendChKey, N: s.SendChCount},
		RecvCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
			N      uint32
		}{Crypto: drc, CK: s.RecvChKey, N: s.RecvChCount},
		PN:                       s.PN,
		MkSkipped:                keysStorageImpl{sessionID: id, db: ss.db},
		MaxSkip:                  s.MaxSkip,
		HKr:                      s.HKr,
		NHKr:                     s.NHKr,
		HKs:                      s.HKs,
		NHKs:                     s.NHKs,
		MaxKeep:                  s.MaxKeep,
		MaxMessageKeysPerSession: s.MaxMessageKeysPerSession,
		Step:                     s.Step,
		KeysCount:                s.KeysCount,
	}, nil
}

func (ss *sessionStorageImpl) Save(id []byte, state *doubleratchet.State) error {
	s := &doubleratchetState{
		ID:                       id,
		Dhr:                      state.DHr,
		DhsPub:                   state.DHs.PublicKey(),
		DhsPriv:                  state.DHs.PrivateKey(),
		RootChKey:                state.RootCh.CK,
		SendChKey:                state.SendCh.CK,
		SendChCount:              state.SendCh.N,
		RecvChKey:                state.RecvCh.CK,
		RecvChCount:              state.RecvCh.N,
		PN:                       state.PN,
		MaxSkip:                  state.MaxSkip,
		HKr:                      state.HKr,
		NHKr:                     state.NHKr,
		HKs:                      state.HKs,
		NHKs:                     state.NHKs,
		MaxKeep:                  state.MaxKeep,
		MaxMessageKeysPerSession: state.MaxMessageKeysPerSession,
		Step:                     state.Step,
		KeysCount:                state.KeysCount,
	}
	return ss.db.upsertDoubleratchetState(s)
}

type cryptoImpl struct {
	crypto        *crypto.Provider
	defaultCrypto doubleratchet.DefaultCrypto
}

func (c *cryptoImpl) GenerateDH() (doubleratchet.DHPair, error) {
	pubk, privk, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, err
	}

	return dhPairImpl{privateKey: *privk, publicKey: *pubk}, nil
}

func (c *cryptoImpl) DH(dhPair doubleratchet.DHPair, dhPub doubleratchet.Key) (doubleratchet.Key, error) {
	return c.crypto.DH(dhPub, dhPair.PrivateKey()), nil
}

func (c *cryptoImpl) Encrypt(mk doubleratchet.Key, plaintext, ad []byte) ([]byte, error) {
	return c.crypto.EncryptWithKey(mk, plaintext, ad)
}

func (c *cryptoImpl) Decrypt(mk doubleratchet.Key, ciphertext, ad []byte) ([]byte, error) {
	return c.crypto.DecryptWithKey(mk, ciphertext, ad)
}

func (c *cryptoImpl) KdfRK(rk, dhOut doubleratchet.Key) (doubleratchet.Key, doubleratchet.Key, doubleratchet.Key) {
	return c.defaultCrypto.KdfRK(rk, dhOut)
}

func (c *cryptoImpl) KdfCK(ck doubleratchet.Key) (doubleratchet.Key, doubleratchet.Key) {
	return c.defaultCrypto.KdfCK(ck)
}

type keysStorageImpl struct {
	sessionID []byte
	db        *database
}

func (ks keysStorageImpl) Get(k doubleratchet.Key, msgNum uint) (doubleratchet.Key, bool, error) {
	kr, ok, err := ks.db.keyByMsgNum(ks.sessionID, k, msgNum)
	if !ok || err != nil {
		return doubleratchet.Key{}, ok, err
	}
	return kr.MessageKey, ok, err
}

func (ks keysStorageImpl) Put(sessionID []byte, k doubleratchet.Key, msgNum uint, mk doubleratchet.Key, keySeqNum uint) error {
	if !bytes.Equal(sessionID, ks.sessionID) {
		return fmt.Errorf("expected %x to equal %x", sessionID, ks.sessionID)
	}
	return ks.db.upsertKeyByMsgNum(sessionID, k, msgNum, mk, keySeqNum)
}

func (ks keysStorageImpl) DeleteMk(k doubleratchet.Key, msgNum uint) error {
	return ks.db.deleteKeyByMsgNum(ks.sessionID, k, msgNum)
}

func (ks keysStorageImpl) DeleteOldMks(sessionID []byte, deleteUntilSeqKey uint) error {
	if !bytes.Equal(sessionID, ks.sessionID) {
		return fmt.Errorf("expected %x to equal %x", sessionID, ks.sessionID)
	}
	return ks.db.deleteOldMks(sessionID, deleteUntilSeqKey)
}

func (ks keysStorageImpl) TruncateMks(sessionID []byte, maxKeys int) error {
	if !bytes.Equal(sessionID, ks.sessionID) {
		return fmt.Errorf("expected %x to equal %x", sessionID, ks.sessionID)
	}
	return ks.db.truncateMks(sessionID, maxKeys)
}

func (ks keysStorageImpl) Count(k doubleratchet.Key) (uint, error) {
	return ks.db.countKeys(k)
}

func (ks keysStorageImpl) All() (map[string]map[uint]doubleratchet.Key, error) {
	return nil, errors.New("not implemented")
}

func (m *Manager) drSessionStorage() doubleratchet.SessionStorage {
	return &sessionStorageImpl{db: m.db, crypto: m.crypto}
}

func (m *Manager) drCrypto() doubleratchet.Crypto {
	return &cryptoImpl{crypto: m.crypto}
}

func (m *Manager) drKeysStorage(sessionID []byte) doubleratchet.KeysStorage {
	return &keysStorageImpl{sessionID: sessionID, db: m.db}
}

// establishPairwiseSession creates an initiator-side ratchet with a device
// using a one-time key claimed from its homeserver.
func (m *Manager) establishPairwiseSession(userID, deviceID string, deviceKey []byte, otk *ClaimedKey) (*pairwiseSession, error) {
	initPub, initPriv, err := m.crypto.NewDHKey()
	if err != nil {
		return nil, fmt.Errorf("megolm: error making initial key: %w", err)
	}
	secret := m.crypto.DH(otk.Key, initPriv)
	sessionID := ids.NewID()
	// we send first, so we ratchet against the remote one-time key
	if _, err := doubleratchet.NewWithRemoteKey(sessionID[:], secret, otk.Key, m.drSessionStorage(), doubleratchet.WithCrypto(m.drCrypto()), doubleratchet.WithKeysStorage(m.drKeysStorage(sessionID[:]))); err != nil {
		return nil, fmt.Errorf("megolm: error initializing doubleratchet: %w", err)
	}
	s := &pairwiseSession{
		DeviceKey: deviceKey,
		SessionID: sessionID[:],
		UserID:    userID,
		DeviceID:  deviceID,
		InitPub:   initPub,
		OtkID:     otk.KeyID,
	}
	if err := m.db.insertPairwiseSession(s); err != nil {
		return nil, err
	}
	return s, nil
}

// acceptPairwiseSession creates the responder-side ratchet from the session
// init carried on an incoming envelope.
func (m *Manager) acceptPairwiseSession(senderKey []byte, init *pairwiseSessionInit) (*pairwiseSession, error) {
	otk, err := m.db.claimLocalOneTimeKey(init.OneTimeKeyID)
	if err != nil {
		return nil, err
	}
	if otk == nil {
		return nil, fmt.Errorf("megolm: one-time key %s already used or unknown", init.OneTimeKeyID)
	}
	secret := m.crypto.DH(init.InitialKey, otk.PrivKey)
	sessionID := ids.NewID()
	dhPair := dhPairImpl{privateKey: *crypto.SliceToKey(otk.PrivKey), publicKey: *crypto.SliceToKey(otk.PubKey)}
	if _, err := doubleratchet.New(sessionID[:], secret, dhPair, m.drSessionStorage(), doubleratchet.WithCrypto(m.drCrypto()), doubleratchet.WithKeysStorage(m.drKeysStorage(sessionID[:]))); err != nil {
		return nil, fmt.Errorf("megolm: error initializing doubleratchet: %w", err)
	}
	device, err := m.registry.Ambient().DeviceByCurve25519(senderKey)
	if err != nil {
		return nil, err
	}
	s := &pairwiseSession{DeviceKey: senderKey, SessionID: sessionID[:], InitPub: []byte{}, Established: true}
	if device != nil {
		s.UserID = device.UserID
		s.DeviceID = device.DeviceID
	}
	if err := m.db.insertPairwiseSession(s); err != nil {
		return nil, err
	}
	return s, nil
}

func (m *Manager) encryptToDevice(s *pairwiseSession, plaintext []byte) (*pairwiseEnvelope, error) {
	drSession, err := doubleratchet.Load(s.SessionID, m.drSessionStorage(), doubleratchet.WithCrypto(m.drCrypto()), doubleratchet.WithKeysStorage(m.drKeysStorage(s.SessionID)))
	if err != nil {
		return nil, fmt.Errorf("megolm: error loading session: %w", err)
	}
	msg, err := drSession.RatchetEncrypt(plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("megolm: error encrypting to device: %w", err)
	}
	env := &pairwiseEnvelope{
		SenderKey:  m.identityPub,
		Dh:         msg.Header.DH,
		N:          msg.Header.N,
		Pn:         msg.Header.PN,
		Ciphertext: msg.Ciphertext,
	}
	if !s.Established && len(s.InitPub) != 0 {
		env.SessionInit = &pairwiseSessionInit{InitialKey: s.InitPub, OneTimeKeyID: s.OtkID}
	}
	return env, nil
}

func (m *Manager) decryptFromDevice(env *pairwiseEnvelope) ([]byte, error) {
	s, err := m.db.pairwiseSession(env.SenderKey)
	if err != nil {
		return nil, err
	}
	if s == nil {
		if env.SessionInit == nil {
			return nil, ErrNoPairwiseSession
		}
		if s, err = m.acceptPairwiseSession(env.SenderKey, env.SessionInit); err != nil {
			return nil, err
		}
	}
	drSession, err := doubleratchet.Load(s.SessionID, m.drSessionStorage(), doubleratchet.WithCrypto(m.drCrypto()), doubleratchet.WithKeysStorage(m.drKeysStorage(s.SessionID)))
	if err != nil {
		return nil, fmt.Errorf("megolm: error loading session: %w", err)
	}
	plaintext, err := drSession.RatchetDecrypt(doubleratchet.Message{
		Header: doubleratchet.MessageHeader{
			DH: env.Dh,
			N:  env.N,
			PN: env.Pn,
		},
		Ciphertext: env.Ciphertext,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("megolm: error decrypting from device: %w", err)
	}
	if !s.Established {
		if err := m.db.markPairwiseEstablished(s.DeviceKey); err != nil {
			return nil, err
		}
	}
	return plaintext, nil
}

// GenerateOneTimeKeys mints count fresh one-time keys, stores the private
// halves and returns the public halves for publication.
func (m *Manager) GenerateOneTimeKeys(count int) (map[string][]byte, error) {
	out := make(map[string][]byte, count)
	err := m.internalDB.Run("generate one-time keys", func() error {
		for i := 0; i != count; i++ {
			pub, priv, err := m.crypto.NewDHKey()
			if err != nil {
				return fmt.Errorf("megolm: error making one-time key: %w", err)
			}
			id := ids.NewString()
			if err := m.db.insertOneTimeKey(&oneTimeKey{ID: id, PubKey: pub, PrivKey: priv}); err != nil {
				return err
			}
			out[id] = pub
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
