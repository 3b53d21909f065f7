package backup

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/meow-io/go-seal/crypto"
)

// Supported backup encryption algorithms: an asymmetric one where the upload
// side only holds the public key, and a symmetric one with an integrity
// check built into the AEAD.
const (
	AlgorithmAsymmetric = "m.megolm_backup.v1.curve25519-aes-sha2"
	AlgorithmSymmetric  = "m.megolm_backup.v1.aes-hmac-sha2"
)

// SessionData is the plaintext session record held inside a backup entry.
type SessionData struct {
	Algorithm          string   `json:"algorithm"`
	SenderKey          string   `json:"sender_key"`
	SessionKey         string   `json:"session_key"`
	ChainIndex         uint32   `json:"chain_index"`
	ForwardingKeyChain []string `json:"forwarding_curve25519_key_chain"`
	SharedHistory      bool     `json:"org.matrix.msc3061.shared_history,omitempty"`
}

type encryptedSessionData struct {
	Ciphertext string `json:"ciphertext"`
}

// AuthData is the auth_data carried on a backup version descriptor.
type AuthData struct {
	PublicKey  string                       `json:"public_key,omitempty"`
	Commitment string                       `json:"commitment,omitempty"`
	Signatures map[string]map[string]string `json:"signatures,omitempty"`
}

// Decryptor decrypts backup entries and can prove it holds the right key
// for a version's auth data.
type Decryptor interface {
	Algorithm() string
	// Matches reports whether this decryptor's key material corresponds to
	// the version's auth data.
	Matches(authData *AuthData) bool
	Decrypt(sessionID string, data *KeyBackupData) (*SessionData, error)
}

// Encryptor encrypts sessions for upload.
type Encryptor interface {
	Algorithm() string
	Encrypt(sessionID string, session *SessionData) (*KeyBackupData, error)
}

// asymmetric variant: uploads encrypt to a public key, only the recovery
// key holder can decrypt.

type asymmetricDecryptor struct {
	crypto  *crypto.Provider
	privKey []byte
	pubKey  []byte
}

func NewAsymmetricDecryptor(provider *crypto.Provider, privKey []byte) Decryptor {
	return &asymmetricDecryptor{crypto: provider, privKey: privKey, pubKey: provider.PublicDHKey(privKey)}
}

func (d *asymmetricDecryptor) Algorithm() string {
	return AlgorithmAsymmetric
}

func (d *asymmetricDecryptor) Matches(authData *AuthData) bool {
	pub, err := base64.StdEncoding.DecodeString(authData.PublicKey)
	if err != nil {
		return false
	}
	return bytes.Equal(pub, d.pubKey)
}

func (d *asymmetricDecryptor) Decrypt(sessionID string, data *KeyBackupData) (*SessionData, error) {
	var enc encryptedSessionData
	if err := json.Unmarshal(data.SessionData, &enc); err != nil {
		return nil, fmt.Errorf("backup: error unmarshalling session data: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(enc.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("backup: error decoding ciphertext: %w", err)
	}
	plaintext, err := d.crypto.DecryptWithPrivate(d.privKey, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("backup: error decrypting session data: %w", err)
	}
	session := &SessionData{}
	if err := json.Unmarshal(plaintext, session); err != nil {
		return nil, fmt.Errorf("backup: error unmarshalling session: %w", err)
	}
	return session, nil
}

type asymmetricEncryptor struct {
	crypto *crypto.Provider
	pubKey []byte
}

func NewAsymmetricEncryptor(provider *crypto.Provider, pubKey []byte) Encryptor {
	return &asymmetricEncryptor{crypto: provider, pubKey: pubKey}
}

func (e *asymmetricEncryptor) Algorithm() string {
	return AlgorithmAsymmetric
}

func (e *asymmetricEncryptor) Encrypt(sessionID string, session *SessionData) (*KeyBackupData, error) {
	plaintext, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("backup: error marshalling session: %w", err)
	}
	ciphertext, err := e.crypto.EncryptToPublic(e.pubKey, plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("backup: error encrypting session: %w", err)
	}
	raw, err := json.Marshal(&encryptedSessionData{Ciphertext: base64.StdEncoding.EncodeToString(ciphertext)})
	if err != nil {
		return nil, fmt.Errorf("backup: error marshalling session data: %w", err)
	}
	return &KeyBackupData{
		FirstMessageIndex: session.ChainIndex,
		ForwardedCount:    len(session.ForwardingKeyChain),
		SessionData:       raw,
	}, nil
}

// symmetric variant: both sides hold the same key, auth data carries a
// commitment derived from it.

const commitmentInfo = "backup-commitment"

type symmetricCodec struct {
	crypto *crypto.Provider
	key    []byte
}

func NewSymmetricDecryptor(provider *crypto.Provider, key []byte) Decryptor {
	return &symmetricCodec{crypto: provider, key: key}
}

func NewSymmetricEncryptor(provider *crypto.Provider, key []byte) Encryptor {
	return &symmetricCodec{crypto: provider, key: key}
}

func (c *symmetricCodec) Algorithm() string {
	return AlgorithmSymmetric
}

func (c *symmetricCodec) commitment() string {
	out, err := c.crypto.DeriveKey(c.key, commitmentInfo, 32)
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(out)
}

func (c *symmetricCodec) Matches(authData *AuthData) bool {
	return authData.Commitment != "" && authData.Commitment == c.commitment()
}

// sessionKey derives a per-entry key; the AEAD runs with a fixed nonce so
// the key must never repeat across entries.
func (c *symmetricCodec) sessionKey(sessionID string) ([]byte, error) {
	return c.crypto.DeriveKey(c.key, "backup-session|"+sessionID, 32)
}

func (c *symmetricCodec) Decrypt(sessionID string, data *KeyBackupData) (*SessionData, error) {
	var enc encryptedSessionData
	if err := json.Unmarshal(data.SessionData, &enc); err != nil {
		return nil, fmt.Errorf("backup: error unmarshalling session data: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(enc.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("backup: error decoding ciphertext: %w", err)
	}
	key, err := c.sessionKey(sessionID)
	if err != nil {
		return nil, err
	}
	plaintext, err := c.crypto.DecryptWithKey(key, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("backup: error decrypting session data: %w", err)
	}
	session := &SessionData{}
	if err := json.Unmarshal(plaintext, session); err != nil {
		return nil, fmt.Errorf("backup: error unmarshalling session: %w", err)
	}
	return session, nil
}

func (c *symmetricCodec) Encrypt(sessionID string, session *SessionData) (*KeyBackupData, error) {
	plaintext, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("backup: error marshalling session: %w", err)
	}
	key, err := c.sessionKey(sessionID)
	if err != nil {
		return nil, err
	}
	ciphertext, err := c.crypto.EncryptWithKey(key, plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("backup: error encrypting session: %w", err)
	}
	raw, err := json.Marshal(&encryptedSessionData{Ciphertext: base64.StdEncoding.EncodeToString(ciphertext)})
	if err != nil {
		return nil, fmt.Errorf("backup: error marshalling session data: %w", err)
	}
	return &KeyBackupData{
		FirstMessageIndex: session.ChainIndex,
		ForwardedCount:    len(session.ForwardingKeyChain),
		SessionData:       raw,
	}, nil
}
