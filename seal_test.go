package seal

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/meow-io/go-seal/backup"
	"github.com/meow-io/go-seal/config"
	"github.com/meow-io/go-seal/event"
	"github.com/meow-io/go-seal/ids"
	"github.com/meow-io/go-seal/internal/test"
	"github.com/meow-io/go-seal/megolm"
	"github.com/meow-io/go-seal/trust"
	"github.com/meow-io/go-seal/verification"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	test.DeleteAll("s1")
	test.DeleteAll("s2")
	os.Exit(m.Run())
}

type recordingTransport struct {
	sent []string
}

func (t *recordingTransport) SendToDevice(userID, deviceID, eventType string, content interface{}) error {
	t.sent = append(t.sent, eventType)
	return nil
}

type emptyClaimer struct{}

func (emptyClaimer) ClaimKeys(_ context.Context, _ []*trust.Device, _ time.Duration) ([]*megolm.ClaimedKey, []string, error) {
	return nil, nil, nil
}

type noBackupClient struct{}

func (noBackupClient) GetBackupInfo(_ context.Context) (*backup.Version, error) {
	return nil, backup.ErrNotFound
}

func (noBackupClient) GetRoomKey(_ context.Context, _, _, _ string) (*backup.KeyBackupData, error) {
	return nil, backup.ErrNotFound
}

func (noBackupClient) PutRoomKeys(_ context.Context, _ string, _ *backup.RoomKeysRequest) error {
	return nil
}

func (noBackupClient) DeleteVersion(_ context.Context, _ string) error {
	return nil
}

func newSeal(p string) *Seal {
	c := config.NewConfig(
		config.WithRootDir(p),
		config.WithLoggingPrefix(p),
	)
	s, err := NewSeal(c, &recordingTransport{}, emptyClaimer{}, noBackupClient{})
	if err != nil {
		panic(err)
	}
	return s
}

func teardownSeal(s *Seal) {
	if err := s.Shutdown(); err != nil {
		panic(err)
	}
	test.DeleteAll(s.config.RootDir)
}

func TestSealLifecycle(t *testing.T) {
	require := require.New(t)

	s1 := newSeal("s1")
	defer teardownSeal(s1)

	require.True(s1.New())
	require.False(s1.Running())
	key, err := s1.NewKey("lifecycle password")
	require.Nil(err)
	require.Nil(s1.Initialize(key, "@alice:example.com", "AAAA"))
	require.True(s1.Running())
	require.Equal("@alice:example.com", s1.UserID())
	require.Equal("AAAA", s1.DeviceID())

	// our own device is registered and trusted
	d, err := s1.Registry().Device("@alice:example.com", "AAAA")
	require.Nil(err)
	require.NotNil(d)
	require.True(d.Verified)

	keys, err := s1.GenerateOneTimeKeys(2)
	require.Nil(err)
	require.Len(keys, 2)

	// a payload we encrypted is decryptable from our own session copy
	roomID := "!room:example.com"
	payload, err := s1.EncryptRoomEvent(roomID, []byte("note to self"), nil, megolm.VisibilityShared, false)
	require.Nil(err)
	plaintext, err := s1.DecryptRoomEvent(roomID, payload)
	require.Nil(err)
	require.Equal([]byte("note to self"), plaintext)

	require.Nil(s1.Shutdown())
	require.True(s1.Initialized())
	_, err = s1.EncryptRoomEvent(roomID, []byte("nope"), nil, megolm.VisibilityShared, false)
	require.NotNil(err)

	// reopening restores the same account and sessions
	require.Nil(s1.Open(key))
	require.True(s1.Running())
	require.Equal("@alice:example.com", s1.UserID())
	plaintext, err = s1.DecryptRoomEvent(roomID, payload)
	require.Nil(err)
	require.Equal([]byte("note to self"), plaintext)
}

func TestSealRejectsWrongKey(t *testing.T) {
	require := require.New(t)

	s2 := newSeal("s2")
	defer teardownSeal(s2)

	key, err := s2.NewKey("right password")
	require.Nil(err)
	require.Nil(s2.Initialize(key, "@bob:example.com", "BBBB"))
	require.Nil(s2.Shutdown())

	wrong, err := s2.NewKey("wrong password")
	require.Nil(err)
	require.NotEqual(key, wrong)
	require.NotNil(s2.Open(wrong))
	require.Nil(s2.Open(key))
}

type loopChannel struct {
	seal *Seal
	txn  string
	peer string
}

func (ch *loopChannel) TransactionID() string { return ch.txn }
func (ch *loopChannel) RoomID() string        { return "" }
func (ch *loopChannel) UserID() string        { return ch.peer }
func (ch *loopChannel) DeviceID() string      { return "" }

func (ch *loopChannel) Send(eventType string, content *event.Content) error {
	return nil
}

func (ch *loopChannel) Timestamp(e *event.Event) uint64 {
	return e.TimestampMs
}

func (ch *loopChannel) CanCreateRequest(eventType string) bool {
	return eventType == event.TypeVerificationRequest || eventType == event.TypeVerificationStart
}

func (ch *loopChannel) ReceiveStartFromOtherDevices() bool { return false }

func TestSealVerificationSurface(t *testing.T) {
	require := require.New(t)

	s1 := newSeal("s1")
	defer teardownSeal(s1)
	key, err := s1.NewKey("verification password")
	require.Nil(err)
	require.Nil(s1.Initialize(key, "@alice:example.com", "AAAA"))

	ch := &loopChannel{seal: s1, txn: ids.NewString(), peer: "@bob:example.com"}
	r, err := s1.NewVerification(ch)
	require.Nil(err)
	require.Equal(verification.PhaseRequested, r.Phase())
	require.Equal(r, s1.Verification(ch.TransactionID()))
	require.Nil(s1.Verification("no-such-transaction"))

	// an already-satisfied wait returns immediately
	require.Nil(s1.WaitForVerification(context.Background(), r, func(p verification.Phase) bool {
		return p >= verification.PhaseRequested
	}))

	// an unsatisfied wait blocks until the context runs out
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err = s1.WaitForVerification(ctx, r, func(p verification.Phase) bool {
		return p >= verification.PhaseReady
	})
	require.True(errors.Is(err, context.DeadlineExceeded))
}
