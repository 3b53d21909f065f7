// This package wraps the cryptographic primitives used by seal behind a Provider which is
// passed explicitly to every component that needs one. Nothing in here is protocol-aware.
package crypto

import (
	"crypto/ed25519"
	"crypto/hmac"
	crypto_rand "crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/kevinburke/nacl"
	"github.com/kevinburke/nacl/box"
	"github.com/kevinburke/nacl/scalarmult"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var zeroNonce12 = []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}

type Provider struct{}

func NewProvider() *Provider {
	return &Provider{}
}

func SliceToKey(b []byte) nacl.Key {
	return nacl.Key(b)
}

func (p *Provider) NewSigningKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(crypto_rand.Reader)
}

func (p *Provider) Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

func (p *Provider) Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

func (p *Provider) NewDHKey() (pub, priv []byte, err error) {
	pubk, privk, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return pubk[:], privk[:], nil
}

// PublicDHKey derives the public half of a DH private key.
func (p *Provider) PublicDHKey(priv []byte) []byte {
	pub := scalarmult.Base(SliceToKey(priv))
	return pub[:]
}

func (p *Provider) DH(pub, priv []byte) []byte {
	out := box.Precompute(SliceToKey(pub), SliceToKey(priv))
	return out[:]
}

func (p *Provider) EncryptWithKey(key, msg, ad []byte) ([]byte, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("crypto: expected key of length 32, got %d", len(key))
	}
	cipher, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return cipher.Seal(nil, zeroNonce12, msg, ad), nil
}

func (p *Provider) DecryptWithKey(key, enc, ad []byte) ([]byte, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("crypto: expected key of length 32, got %d", len(key))
	}
	cipher, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return cipher.Open(nil, zeroNonce12, enc, ad)
}

// Encrypt to a public key using an ephemeral keypair. The result carries the
// ephemeral public key in its first 32 bytes.
func (p *Provider) EncryptToPublic(pub, msg, ad []byte) ([]byte, error) {
	epub, epriv, err := p.NewDHKey()
	if err != nil {
		return nil, err
	}
	enc, err := p.EncryptWithKey(p.DH(pub, epriv), msg, ad)
	if err != nil {
		return nil, err
	}
	return append(epub, enc...), nil
}

func (p *Provider) DecryptWithPrivate(priv, enc, ad []byte) ([]byte, error) {
	if len(enc) < 32 {
		return nil, fmt.Errorf("crypto: ciphertext too short")
	}
	return p.DecryptWithKey(p.DH(enc[:32], priv), enc[32:], ad)
}

// Derive a key of the given length from input key material and an info label.
func (p *Provider) DeriveKey(ikm []byte, info string, length int) ([]byte, error) {
	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, nil, []byte(info)), out); err != nil {
		return nil, err
	}
	return out, nil
}

// One ratchet step over a chain key.
func (p *Provider) ChainStep(chainKey []byte) []byte {
	mac := hmac.New(sha256.New, chainKey)
	mac.Write([]byte{0x02})
	return mac.Sum(nil)
}

// The message key for the current ratchet step.
func (p *Provider) MessageKey(chainKey []byte) []byte {
	mac := hmac.New(sha256.New, chainKey)
	mac.Write([]byte{0x01})
	return mac.Sum(nil)
}

func (p *Provider) KeyFromPassphrase(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

func (p *Provider) RandomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := io.ReadFull(crypto_rand.Reader, b); err != nil {
		panic("short read from random source")
	}
	return b
}
