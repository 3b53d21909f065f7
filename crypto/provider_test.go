package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignVerify(t *testing.T) {
	require := require.New(t)
	p := NewProvider()
	pub, priv, err := p.NewSigningKey()
	require.Nil(err)

	msg := []byte("the quick brown fox")
	sig := p.Sign(priv, msg)
	require.True(p.Verify(pub, msg, sig))
	require.False(p.Verify(pub, []byte("another message"), sig))

	sig[0] ^= 0xff
	require.False(p.Verify(pub, msg, sig))
	require.False(p.Verify(pub[:16], msg, sig))
	require.False(p.Verify(pub, msg, sig[:10]))
}

func TestDHAgreement(t *testing.T) {
	require := require.New(t)
	p := NewProvider()
	aPub, aPriv, err := p.NewDHKey()
	require.Nil(err)
	bPub, bPriv, err := p.NewDHKey()
	require.Nil(err)

	require.Equal(aPub, p.PublicDHKey(aPriv))
	require.Equal(p.DH(bPub, aPriv), p.DH(aPub, bPriv))
	require.NotEqual(p.DH(bPub, aPriv), p.DH(aPub, aPriv))
}

func TestEncryptWithKey(t *testing.T) {
	require := require.New(t)
	p := NewProvider()
	key := p.RandomBytes(32)
	ad := []byte("context")

	enc, err := p.EncryptWithKey(key, []byte("payload"), ad)
	require.Nil(err)
	dec, err := p.DecryptWithKey(key, enc, ad)
	require.Nil(err)
	require.Equal([]byte("payload"), dec)

	_, err = p.DecryptWithKey(key, enc, []byte("other context"))
	require.NotNil(err)
	enc[len(enc)-1] ^= 0xff
	_, err = p.DecryptWithKey(key, enc, ad)
	require.NotNil(err)

	_, err = p.EncryptWithKey(key[:16], []byte("payload"), nil)
	require.NotNil(err)
}

func TestEncryptToPublic(t *testing.T) {
	require := require.New(t)
	p := NewProvider()
	pub, priv, err := p.NewDHKey()
	require.Nil(err)

	enc, err := p.EncryptToPublic(pub, []byte("sealed"), nil)
	require.Nil(err)
	dec, err := p.DecryptWithPrivate(priv, enc, nil)
	require.Nil(err)
	require.Equal([]byte("sealed"), dec)

	// a fresh ephemeral key every time
	enc2, err := p.EncryptToPublic(pub, []byte("sealed"), nil)
	require.Nil(err)
	require.NotEqual(enc[:32], enc2[:32])

	_, err = p.DecryptWithPrivate(priv, enc[:20], nil)
	require.NotNil(err)
	otherPub, _, err := p.NewDHKey()
	require.Nil(err)
	_, err = p.DecryptWithPrivate(priv, append(append([]byte{}, otherPub...), enc[32:]...), nil)
	require.NotNil(err)
}

func TestDeriveKey(t *testing.T) {
	require := require.New(t)
	p := NewProvider()
	ikm := p.RandomBytes(32)

	k1, err := p.DeriveKey(ikm, "label-a", 32)
	require.Nil(err)
	k2, err := p.DeriveKey(ikm, "label-a", 32)
	require.Nil(err)
	require.Equal(k1, k2)

	k3, err := p.DeriveKey(ikm, "label-b", 32)
	require.Nil(err)
	require.NotEqual(k1, k3)

	short, err := p.DeriveKey(ikm, "label-a", 6)
	require.Nil(err)
	require.Len(short, 6)
	require.Equal(k1[:6], short)
}

func TestChainRatchet(t *testing.T) {
	require := require.New(t)
	p := NewProvider()
	chain := p.RandomBytes(32)

	next := p.ChainStep(chain)
	require.Len(next, 32)
	require.Equal(next, p.ChainStep(chain))
	require.NotEqual(chain, next)

	// message keys branch off, stepping never reveals them
	mk := p.MessageKey(chain)
	require.Equal(mk, p.MessageKey(chain))
	require.NotEqual(mk, next)
	require.NotEqual(mk, p.MessageKey(next))
}

func TestKeyFromPassphrase(t *testing.T) {
	require := require.New(t)
	p := NewProvider()
	salt := p.RandomBytes(16)

	k1 := p.KeyFromPassphrase("hunter2", salt)
	require.Len(k1, 32)
	require.Equal(k1, p.KeyFromPassphrase("hunter2", salt))
	require.NotEqual(k1, p.KeyFromPassphrase("hunter3", salt))
	require.NotEqual(k1, p.KeyFromPassphrase("hunter2", p.RandomBytes(16)))
}
