package megolm

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/meow-io/go-seal/crypto"
	"github.com/meow-io/go-seal/event"
)

// decryptPayload decrypts a group payload against this inbound session. The
// stored ratchet is never advanced, so any message at or past the earliest
// known index stays decryptable.
func (s *inboundSession) decryptPayload(c *crypto.Provider, payload *event.EncryptedPayload) ([]byte, error) {
	if payload.ChainIndex < s.ChainIndex {
		return nil, &UnknownIndexError{SessionID: s.SessionID, HaveIndex: s.ChainIndex, WantIndex: payload.ChainIndex}
	}
	sig, err := base64.StdEncoding.DecodeString(payload.Signature)
	if err != nil {
		return nil, fmt.Errorf("megolm: error decoding signature: %w", err)
	}
	if !c.Verify(s.SigningKey, signable(payload), sig) {
		return nil, fmt.Errorf("megolm: bad signature on session %s", s.SessionID)
	}
	chainKey := s.ChainKey
	for i := s.ChainIndex; i < payload.ChainIndex; i++ {
		chainKey = c.ChainStep(chainKey)
	}
	messageKey := c.MessageKey(chainKey)
	ciphertext, err := base64.StdEncoding.DecodeString(payload.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("megolm: error decoding ciphertext: %w", err)
	}
	ad := []byte(s.RoomID + "|" + s.SessionID)
	plaintext, err := c.DecryptWithKey(messageKey, ciphertext, ad)
	if err != nil {
		return nil, fmt.Errorf("megolm: error decrypting payload: %w", err)
	}
	return plaintext, nil
}

// exportAt returns a session key blob at the requested index, stepping
// forward from the earliest known index as needed.
func (s *inboundSession) exportAt(c *crypto.Provider, index uint32) (string, error) {
	if index < s.ChainIndex {
		return "", fmt.Errorf("megolm: cannot export session %s at index %d, earliest known is %d", s.SessionID, index, s.ChainIndex)
	}
	chainKey := s.ChainKey
	for i := s.ChainIndex; i < index; i++ {
		chainKey = c.ChainStep(chainKey)
	}
	return sessionKeyBlob(s.SigningKey, chainKey, index), nil
}

func (s *inboundSession) forwardingChain() []string {
	if s.ForwardingChain == "" {
		return nil
	}
	var chain []string
	if err := json.Unmarshal([]byte(s.ForwardingChain), &chain); err != nil {
		return nil
	}
	return chain
}

func encodeForwardingChain(chain []string) string {
	if len(chain) == 0 {
		return ""
	}
	b, err := json.Marshal(chain)
	if err != nil {
		return ""
	}
	return string(b)
}
