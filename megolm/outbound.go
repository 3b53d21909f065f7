package megolm

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/meow-io/go-seal/config"
	"github.com/meow-io/go-seal/crypto"
	"github.com/meow-io/go-seal/event"
	"github.com/meow-io/go-seal/ids"
)

const sessionKeyVersion = 1

// Room history visibility values an outbound session can be bound to. A
// visibility change always forces rotation.
const (
	VisibilityShared = "shared"
	VisibilityJoined = "joined"
)

func (s *outboundSession) needsRotation(c *config.Config, nowMs uint64, visibility string) bool {
	if s.Visibility != visibility {
		return true
	}
	if s.UseCount >= c.RotationMessageCount {
		return true
	}
	if nowMs-s.CreationMs >= c.RotationPeriodMs {
		return true
	}
	return false
}

func newOutboundSession(c *crypto.Provider, roomID string, nowMs uint64, visibility string, sharedHistory bool) (*outboundSession, error) {
	signingPub, signingPriv, err := c.NewSigningKey()
	if err != nil {
		return nil, fmt.Errorf("megolm: error making signing key: %w", err)
	}
	return &outboundSession{
		SessionID:     ids.NewString(),
		RoomID:        roomID,
		SigningPub:    signingPub,
		SigningPriv:   signingPriv,
		ChainKey:      c.RandomBytes(32),
		ChainIndex:    0,
		CreationMs:    nowMs,
		UseCount:      0,
		SharedHistory: sharedHistory,
		Visibility:    visibility,
		Active:        true,
	}, nil
}

// encryptPayload consumes the message key at the current chain index and
// steps the session forward one message.
func (s *outboundSession) encryptPayload(c *crypto.Provider, senderKey []byte, roomID string, plaintext []byte) (*event.EncryptedPayload, error) {
	messageKey := c.MessageKey(s.ChainKey)
	ad := []byte(roomID + "|" + s.SessionID)
	ciphertext, err := c.EncryptWithKey(messageKey, plaintext, ad)
	if err != nil {
		return nil, fmt.Errorf("megolm: error encrypting payload: %w", err)
	}
	payload := &event.EncryptedPayload{
		Algorithm:  event.MegolmAlgorithm,
		SenderKey:  hex.EncodeToString(senderKey),
		SessionID:  s.SessionID,
		ChainIndex: s.ChainIndex,
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}
	payload.Signature = base64.StdEncoding.EncodeToString(c.Sign(s.SigningPriv, signable(payload)))
	s.ChainKey = c.ChainStep(s.ChainKey)
	s.ChainIndex++
	s.UseCount++
	return payload, nil
}

// signable is the byte string covered by a payload signature.
func signable(p *event.EncryptedPayload) []byte {
	return []byte(fmt.Sprintf("%s|%s|%d|%s", p.SenderKey, p.SessionID, p.ChainIndex, p.Ciphertext))
}

// sessionKeyBlob serializes the ratchet at its current index for sharing.
func sessionKeyBlob(signingPub, chainKey []byte, chainIndex uint32) string {
	buf := make([]byte, 0, 1+4+len(chainKey)+len(signingPub))
	buf = append(buf, sessionKeyVersion)
	buf = binary.BigEndian.AppendUint32(buf, chainIndex)
	buf = append(buf, chainKey...)
	buf = append(buf, signingPub...)
	return base64.StdEncoding.EncodeToString(buf)
}

func parseSessionKeyBlob(blob string) (signingPub, chainKey []byte, chainIndex uint32, err error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("megolm: error decoding session key: %w", err)
	}
	if len(raw) != 1+4+32+32 || raw[0] != sessionKeyVersion {
		return nil, nil, 0, fmt.Errorf("megolm: malformed session key")
	}
	chainIndex = binary.BigEndian.Uint32(raw[1:5])
	chainKey = raw[5:37]
	signingPub = raw[37:69]
	return signingPub, chainKey, chainIndex, nil
}
