package backup

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/meow-io/go-seal/config"
	"github.com/meow-io/go-seal/crypto"
	"github.com/meow-io/go-seal/internal/test"
	"github.com/meow-io/go-seal/megolm"
	"github.com/meow-io/go-seal/trust"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

type nopSender struct{}

func (nopSender) SendToDevice(userID, deviceID, eventType string, content interface{}) error {
	return nil
}

type nopClaimer struct{}

func (nopClaimer) ClaimKeys(_ context.Context, _ []*trust.Device, _ time.Duration) ([]*megolm.ClaimedKey, []string, error) {
	return nil, nil, nil
}

type fakeClient struct {
	lock      sync.Mutex
	info      *Version
	infoErr   error
	infoCalls int
	keys      map[string]*KeyBackupData
	getKeyErr error
	putErr    error
	puts      []*RoomKeysRequest
}

func (c *fakeClient) GetBackupInfo(_ context.Context) (*Version, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.infoCalls++
	if c.infoErr != nil {
		return nil, c.infoErr
	}
	if c.info == nil {
		return nil, ErrNotFound
	}
	return c.info, nil
}

func (c *fakeClient) GetRoomKey(_ context.Context, _, roomID, sessionID string) (*KeyBackupData, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.getKeyErr != nil {
		return nil, c.getKeyErr
	}
	k := c.keys[roomID+"|"+sessionID]
	if k == nil {
		return nil, ErrNotFound
	}
	return k, nil
}

func (c *fakeClient) PutRoomKeys(_ context.Context, _ string, req *RoomKeysRequest) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.putErr != nil {
		return c.putErr
	}
	c.puts = append(c.puts, req)
	return nil
}

func (c *fakeClient) DeleteVersion(_ context.Context, _ string) error {
	return nil
}

type fixture struct {
	config     *config.Config
	clock      *test.Clock
	crypto     *crypto.Provider
	registry   *trust.Registry
	megolm     *megolm.Manager
	client     *fakeClient
	manager    *Manager
	downloader *Downloader
	senderKey  []byte
}

func newFixture(t *testing.T) *fixture {
	require := require.New(t)
	c := config.NewConfig(config.WithLoggingPrefix("test"))
	clk := test.NewClock()
	provider := crypto.NewProvider()
	dbase := test.NewTestDatabase(c)
	registry, err := trust.NewRegistry(c, dbase)
	require.Nil(err)
	identityPub, identityPriv, err := provider.NewDHKey()
	require.Nil(err)
	mm, err := megolm.NewManager(c, dbase, clk, provider, registry, nopSender{}, nopClaimer{}, "@alice:one.example.com", "ALICE1", identityPub, identityPriv)
	require.Nil(err)
	client := &fakeClient{keys: map[string]*KeyBackupData{}}
	m, err := NewManager(c, dbase, clk, provider, registry, client, mm, "@alice:one.example.com")
	require.Nil(err)
	d, err := NewDownloader(c, dbase, clk, m, mm)
	require.Nil(err)
	return &fixture{
		config:     c,
		clock:      clk,
		crypto:     provider,
		registry:   registry,
		megolm:     mm,
		client:     client,
		manager:    m,
		downloader: d,
		senderKey:  identityPub,
	}
}

func symmetricVersion(t *testing.T, p *crypto.Provider, key []byte, version string) *Version {
	codec := &symmetricCodec{crypto: p, key: key}
	raw, err := json.Marshal(&AuthData{Commitment: codec.commitment()})
	require.Nil(t, err)
	return &Version{Version: version, Algorithm: AlgorithmSymmetric, AuthData: raw}
}

func signedAsymmetricVersion(t *testing.T, p *crypto.Provider, pub []byte, signerUserID, signerKeyName string, signPriv []byte, version string) *Version {
	ad := &AuthData{PublicKey: base64.StdEncoding.EncodeToString(pub)}
	canonical, err := canonicalAuthData(ad)
	require.Nil(t, err)
	sig := p.Sign(signPriv, canonical)
	ad.Signatures = map[string]map[string]string{
		signerUserID: {"ed25519:" + signerKeyName: base64.StdEncoding.EncodeToString(sig)},
	}
	raw, err := json.Marshal(ad)
	require.Nil(t, err)
	return &Version{Version: version, Algorithm: AlgorithmAsymmetric, AuthData: raw}
}

func drainUpdates(m *Manager) []interface{} {
	var out []interface{}
	for {
		select {
		case u := <-m.Updates():
			out = append(out, u)
		default:
			return out
		}
	}
}

func importedUpdates(m *Manager) []*KeyImported {
	var out []*KeyImported
	for _, u := range drainUpdates(m) {
		if ki, ok := u.(*KeyImported); ok {
			out = append(out, ki)
		}
	}
	return out
}

func TestSymmetricCodecRoundtrip(t *testing.T) {
	require := require.New(t)
	p := crypto.NewProvider()
	key := p.RandomBytes(32)
	enc := NewSymmetricEncryptor(p, key)
	dec := NewSymmetricDecryptor(p, key)

	session := &SessionData{
		Algorithm:  "m.megolm.v1.aes-sha2",
		SenderKey:  "00aa",
		SessionKey: "blob",
		ChainIndex: 4,
	}
	data, err := enc.Encrypt("sess1", session)
	require.Nil(err)
	require.Equal(uint32(4), data.FirstMessageIndex)

	got, err := dec.Decrypt("sess1", data)
	require.Nil(err)
	require.Equal(session, got)

	// keys are derived per session, an entry cannot be replayed under
	// another session id
	_, err = dec.Decrypt("sess2", data)
	require.NotNil(err)

	_, err = NewSymmetricDecryptor(p, p.RandomBytes(32)).Decrypt("sess1", data)
	require.NotNil(err)

	codec := &symmetricCodec{crypto: p, key: key}
	require.True(codec.Matches(&AuthData{Commitment: codec.commitment()}))
	require.False(codec.Matches(&AuthData{Commitment: "bogus"}))
	require.False(codec.Matches(&AuthData{}))
}

func TestAsymmetricCodecRoundtrip(t *testing.T) {
	require := require.New(t)
	p := crypto.NewProvider()
	pub, priv, err := p.NewDHKey()
	require.Nil(err)
	enc := NewAsymmetricEncryptor(p, pub)
	dec := NewAsymmetricDecryptor(p, priv)

	session := &SessionData{
		Algorithm:          "m.megolm.v1.aes-sha2",
		SenderKey:          "00bb",
		SessionKey:         "blob",
		ChainIndex:         0,
		ForwardingKeyChain: []string{"00cc"},
	}
	data, err := enc.Encrypt("sess1", session)
	require.Nil(err)
	require.Equal(1, data.ForwardedCount)

	got, err := dec.Decrypt("sess1", data)
	require.Nil(err)
	require.Equal(session, got)

	require.True(dec.Matches(&AuthData{PublicKey: base64.StdEncoding.EncodeToString(pub)}))
	otherPub, _, err := p.NewDHKey()
	require.Nil(err)
	require.False(dec.Matches(&AuthData{PublicKey: base64.StdEncoding.EncodeToString(otherPub)}))
}

func TestConfigurationWithCachedKey(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	key := f.crypto.RandomBytes(32)
	f.client.info = symmetricVersion(t, f.crypto, key, "1")
	require.Nil(f.manager.SaveRecoveryKey(AlgorithmSymmetric, key))

	cfg, err := f.manager.Configuration(context.Background())
	require.Nil(err)
	require.Equal("1", cfg.Version.Version)
	require.NotNil(cfg.Encryptor)
	require.NotNil(cfg.Decryptor)
	require.True(cfg.Decryptor.Matches(cfg.AuthData))

	// resolved configurations are cached
	calls := f.client.infoCalls
	_, err = f.manager.Configuration(context.Background())
	require.Nil(err)
	require.Equal(calls, f.client.infoCalls)

	// the trusted version was pinned; a superseding version is not silently
	// adopted even with an unchanged key
	f.client.info = symmetricVersion(t, f.crypto, key, "2")
	f.manager.OnBackupStatusChanged()
	_, err = f.manager.Configuration(context.Background())
	var invalid *InvalidConfigurationError
	require.True(errors.As(err, &invalid))
}

func TestConfigurationRejectsMismatchedKey(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	f.client.info = symmetricVersion(t, f.crypto, f.crypto.RandomBytes(32), "1")
	require.Nil(f.manager.SaveRecoveryKey(AlgorithmSymmetric, f.crypto.RandomBytes(32)))

	var invalid *InvalidConfigurationError
	_, err := f.manager.Configuration(context.Background())
	require.True(errors.As(err, &invalid))
}

func TestConfigurationAlgorithmMismatch(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	key := f.crypto.RandomBytes(32)
	f.client.info = symmetricVersion(t, f.crypto, key, "1")
	require.Nil(f.manager.SaveRecoveryKey(AlgorithmAsymmetric, key))

	var invalid *InvalidConfigurationError
	_, err := f.manager.Configuration(context.Background())
	require.True(errors.As(err, &invalid))
}

func TestConfigurationNoBackup(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)

	var invalid *InvalidConfigurationError
	_, err := f.manager.Configuration(context.Background())
	require.True(errors.As(err, &invalid))
	require.Equal("no backup exists", invalid.Reason)
}

func TestSignatureTrust(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	edPub, edPriv, err := f.crypto.NewSigningKey()
	require.Nil(err)
	require.Nil(f.registry.UpsertDevice(&trust.Device{
		UserID:       "@alice:one.example.com",
		DeviceID:     "SIGNER",
		Curve25519:   f.crypto.RandomBytes(32),
		Ed25519:      edPub,
		Verified:     true,
		FirstSeenSec: 1,
	}))

	backupPub, _, err := f.crypto.NewDHKey()
	require.Nil(err)
	f.client.info = signedAsymmetricVersion(t, f.crypto, backupPub, "@alice:one.example.com", "SIGNER", edPriv, "1")

	// no cached key, but a verified device vouches for the backup
	cfg, err := f.manager.Configuration(context.Background())
	require.Nil(err)
	require.NotNil(cfg.Encryptor)
	require.Nil(cfg.Decryptor)

	// a corrupted signature vouches for nothing
	_, otherPriv, err := f.crypto.NewSigningKey()
	require.Nil(err)
	f.client.info = signedAsymmetricVersion(t, f.crypto, backupPub, "@alice:one.example.com", "SIGNER", otherPriv, "1")
	f.manager.OnBackupStatusChanged()
	var invalid *InvalidConfigurationError
	_, err = f.manager.Configuration(context.Background())
	require.True(errors.As(err, &invalid))

	// an unverified signer does not count either
	require.Nil(f.registry.SetDeviceVerified("@alice:one.example.com", "SIGNER", false))
	f.client.info = signedAsymmetricVersion(t, f.crypto, backupPub, "@alice:one.example.com", "SIGNER", edPriv, "1")
	f.manager.OnBackupStatusChanged()
	_, err = f.manager.Configuration(context.Background())
	require.True(errors.As(err, &invalid))
}

func TestUploadBatch(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	key := f.crypto.RandomBytes(32)
	f.client.info = symmetricVersion(t, f.crypto, key, "1")
	require.Nil(f.manager.SaveRecoveryKey(AlgorithmSymmetric, key))

	p1, err := f.megolm.Encrypt("!r1:one.example.com", []byte("a"), nil, megolm.VisibilityShared, false)
	require.Nil(err)
	p2, err := f.megolm.Encrypt("!r2:one.example.com", []byte("b"), nil, megolm.VisibilityShared, false)
	require.Nil(err)

	n, err := f.manager.uploadBatch()
	require.Nil(err)
	require.Equal(2, n)
	require.Len(f.client.puts, 1)
	require.Len(f.client.puts[0].Rooms, 2)

	data := f.client.puts[0].Rooms["!r1:one.example.com"][p1.SessionID]
	require.NotNil(data)
	require.True(data.IsVerified)
	session, err := NewSymmetricDecryptor(f.crypto, key).Decrypt(p1.SessionID, data)
	require.Nil(err)
	require.Equal(hex.EncodeToString(f.senderKey), session.SenderKey)
	require.NotNil(f.client.puts[0].Rooms["!r2:one.example.com"][p2.SessionID])

	// everything uploaded was marked, the next batch drains nothing
	n, err = f.manager.uploadBatch()
	require.Nil(err)
	require.Equal(0, n)
	require.Len(f.client.puts, 1)
}

func TestUploadWrongVersionInvalidates(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	key := f.crypto.RandomBytes(32)
	f.client.info = symmetricVersion(t, f.crypto, key, "1")
	require.Nil(f.manager.SaveRecoveryKey(AlgorithmSymmetric, key))

	_, err := f.megolm.Encrypt("!r1:one.example.com", []byte("a"), nil, megolm.VisibilityShared, false)
	require.Nil(err)

	f.client.putErr = ErrWrongVersion
	var invalid *InvalidConfigurationError
	_, err = f.manager.uploadBatch()
	require.True(errors.As(err, &invalid))

	// the cached configuration was dropped, the next resolution goes back
	// to the server
	calls := f.client.infoCalls
	f.client.putErr = nil
	n, err := f.manager.uploadBatch()
	require.Nil(err)
	require.Equal(1, n)
	require.Greater(f.client.infoCalls, calls)
}

func TestDownloaderImportsSession(t *testing.T) {
	require := require.New(t)
	source := newFixture(t)
	f := newFixture(t)
	key := f.crypto.RandomBytes(32)
	f.client.info = symmetricVersion(t, f.crypto, key, "1")
	require.Nil(f.manager.SaveRecoveryKey(AlgorithmSymmetric, key))

	roomID := "!r1:one.example.com"
	payload, err := source.megolm.Encrypt(roomID, []byte("restored"), nil, megolm.VisibilityShared, false)
	require.Nil(err)
	exported, err := source.megolm.ExportSessions()
	require.Nil(err)
	require.Len(exported, 1)
	e := exported[0]

	enc := NewSymmetricEncryptor(f.crypto, key)
	data, err := enc.Encrypt(e.SessionID, &SessionData{
		Algorithm:          e.Algorithm,
		SenderKey:          e.SenderKey,
		SessionKey:         e.SessionKey,
		ChainIndex:         e.ChainIndex,
		ForwardingKeyChain: e.ForwardingKeyChain,
		SharedHistory:      e.SharedHistory,
	})
	require.Nil(err)
	f.client.keys[roomID+"|"+e.SessionID] = data

	require.Nil(f.downloader.OnDecryptionKeyMissing(roomID, e.SessionID))
	req, ok := f.downloader.head()
	require.True(ok)
	require.Nil(f.downloader.processRequest(req))
	_, ok = f.downloader.head()
	require.False(ok)

	imported := importedUpdates(f.manager)
	require.Len(imported, 1)
	require.Equal(e.SessionID, imported[0].SessionID)

	got, err := f.megolm.Decrypt(roomID, payload)
	require.Nil(err)
	require.Equal([]byte("restored"), got)
}

func TestDownloaderCoalescesRequests(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	require.Nil(f.downloader.OnDecryptionKeyMissing("!r1:x", "sess1"))
	require.Nil(f.downloader.OnDecryptionKeyMissing("!r1:x", "sess1"))
	require.Nil(f.downloader.OnDecryptionKeyMissing("!r1:x", "sess2"))
	f.downloader.lock.Lock()
	defer f.downloader.lock.Unlock()
	require.Len(f.downloader.queue, 2)
}

func TestDownloaderNotFoundIsSuppressed(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	key := f.crypto.RandomBytes(32)
	f.client.info = symmetricVersion(t, f.crypto, key, "1")
	require.Nil(f.manager.SaveRecoveryKey(AlgorithmSymmetric, key))

	require.Nil(f.downloader.OnDecryptionKeyMissing("!r1:x", "sess1"))
	req, ok := f.downloader.head()
	require.True(ok)
	require.Nil(f.downloader.processRequest(req))
	_, ok = f.downloader.head()
	require.False(ok)
	require.Empty(importedUpdates(f.manager))

	// absent from backup, asking again inside the window is pointless
	require.Nil(f.downloader.OnDecryptionKeyMissing("!r1:x", "sess1"))
	_, ok = f.downloader.head()
	require.False(ok)

	f.clock.AdvanceMs(f.config.MissingKeySuppressMs + 1000)
	require.Nil(f.downloader.OnDecryptionKeyMissing("!r1:x", "sess1"))
	_, ok = f.downloader.head()
	require.True(ok)
}

func TestDownloaderUndecryptableEntryIsTerminal(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	key := f.crypto.RandomBytes(32)
	f.client.info = symmetricVersion(t, f.crypto, key, "1")
	require.Nil(f.manager.SaveRecoveryKey(AlgorithmSymmetric, key))

	f.client.keys["!r1:x|sess1"] = &KeyBackupData{SessionData: json.RawMessage(`{"ciphertext":"!!not base64!!"}`)}
	require.Nil(f.downloader.OnDecryptionKeyMissing("!r1:x", "sess1"))
	req, ok := f.downloader.head()
	require.True(ok)
	require.Nil(f.downloader.processRequest(req))
	_, ok = f.downloader.head()
	require.False(ok)
	require.Empty(importedUpdates(f.manager))
}

func TestDownloaderNeedsRecoveryKey(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)

	// backup trusted by a verified signature, but no recovery key cached
	edPub, edPriv, err := f.crypto.NewSigningKey()
	require.Nil(err)
	require.Nil(f.registry.UpsertDevice(&trust.Device{
		UserID:       "@alice:one.example.com",
		DeviceID:     "SIGNER",
		Curve25519:   f.crypto.RandomBytes(32),
		Ed25519:      edPub,
		Verified:     true,
		FirstSeenSec: 1,
	}))
	backupPub, _, err := f.crypto.NewDHKey()
	require.Nil(err)
	f.client.info = signedAsymmetricVersion(t, f.crypto, backupPub, "@alice:one.example.com", "SIGNER", edPriv, "1")

	require.Nil(f.downloader.OnDecryptionKeyMissing("!r1:x", "sess1"))
	req, ok := f.downloader.head()
	require.True(ok)
	require.True(errors.Is(f.downloader.processRequest(req), ErrNoRecoveryKey))

	// the request is kept until a key shows up
	_, ok = f.downloader.head()
	require.True(ok)
}

func TestDownloaderTransientFailureKeepsRequest(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	key := f.crypto.RandomBytes(32)
	f.client.info = symmetricVersion(t, f.crypto, key, "1")
	require.Nil(f.manager.SaveRecoveryKey(AlgorithmSymmetric, key))

	f.client.getKeyErr = &RateLimitedError{RetryAfterMs: 100}
	require.Nil(f.downloader.OnDecryptionKeyMissing("!r1:x", "sess1"))
	req, ok := f.downloader.head()
	require.True(ok)

	var rateLimited *RateLimitedError
	err := f.downloader.processRequest(req)
	require.True(errors.As(err, &rateLimited))

	// still at the head for retry
	head, ok := f.downloader.head()
	require.True(ok)
	require.Equal(req, head)
}
