package verification

import (
	"os"
	"testing"

	"github.com/meow-io/go-seal/config"
	"github.com/meow-io/go-seal/crypto"
	"github.com/meow-io/go-seal/event"
	"github.com/meow-io/go-seal/internal/test"
	"github.com/meow-io/go-seal/trust"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

func testConfig() *config.Config {
	return config.NewConfig(config.WithLoggingPrefix("test"))
}

func testEngine(clk *test.Clock, userID, deviceID string) *Engine {
	c := testConfig()
	registry, err := trust.NewRegistry(c, test.NewTestDatabase(c))
	if err != nil {
		panic(err)
	}
	return NewEngine(c, clk, crypto.NewProvider(), registry, userID, deviceID, DefaultMethods())
}

type sentEvent struct {
	eventType string
	content   event.Content
}

// loopChannel records sends without delivering them anywhere.
type loopChannel struct {
	txn         string
	otherUser   string
	otherDevice string
	sent        []sentEvent
}

func (c *loopChannel) TransactionID() string { return c.txn }
func (c *loopChannel) RoomID() string        { return "" }
func (c *loopChannel) UserID() string        { return c.otherUser }
func (c *loopChannel) DeviceID() string      { return c.otherDevice }

func (c *loopChannel) Send(eventType string, content *event.Content) error {
	c.sent = append(c.sent, sentEvent{eventType, *content})
	return nil
}

func (c *loopChannel) Timestamp(e *event.Event) uint64 { return e.TimestampMs }

func (c *loopChannel) CanCreateRequest(t string) bool {
	return t == event.TypeVerificationRequest || t == event.TypeVerificationStart
}

func (c *loopChannel) ReceiveStartFromOtherDevices() bool { return false }

func (c *loopChannel) lastSent() sentEvent {
	return c.sent[len(c.sent)-1]
}

func incoming(clk *test.Clock, eventType, sender string, content event.Content) *event.Event {
	return &event.Event{
		Type:        eventType,
		Sender:      sender,
		TimestampMs: clk.CurrentTimeMs(),
		Content:     content,
	}
}

func drainUpdates(e *Engine) (phases []Phase, requests int) {
	for {
		select {
		case u := <-e.Updates():
			switch t := u.(type) {
			case *PhaseUpdate:
				phases = append(phases, t.Phase)
			case *RequestUpdate:
				requests++
			}
		default:
			return phases, requests
		}
	}
}

func TestIncomingRequestIdempotent(t *testing.T) {
	require := require.New(t)
	clk := test.NewClock()
	e := testEngine(clk, "@bob:example.com", "BOBDEV")
	ch := &loopChannel{txn: "txn1", otherUser: "@alice:example.com", otherDevice: "ALICEDEV"}

	ev := incoming(clk, event.TypeVerificationRequest, "@alice:example.com", event.Content{
		FromDevice: "ALICEDEV",
		Methods:    []string{MethodSAS},
	})
	require.Nil(e.HandleIncoming(ch, ev, true, false))
	require.Nil(e.HandleIncoming(ch, ev, true, false))

	r := e.Request("txn1")
	require.NotNil(r)
	require.Equal(PhaseRequested, r.Phase())
	require.Equal("@alice:example.com", r.OtherUserID())
	require.Equal("ALICEDEV", r.OtherDeviceID())

	phases, requests := drainUpdates(e)
	require.Equal(1, requests)
	require.Equal([]Phase{PhaseRequested}, phases)
}

func TestPhaseMonotonicityOutOfOrder(t *testing.T) {
	require := require.New(t)
	clk := test.NewClock()
	e := testEngine(clk, "@bob:example.com", "BOBDEV")
	ch := &loopChannel{txn: "txn1", otherUser: "@alice:example.com", otherDevice: "ALICEDEV"}

	r := e.NewRequest(ch)
	require.Nil(r.SendRequest())
	require.Equal(PhaseRequested, r.Phase())

	// the peer's start overtook its ready in transit
	start := incoming(clk, event.TypeVerificationStart, "@alice:example.com", event.Content{
		FromDevice: "ALICEDEV",
		Method:     MethodSAS,
	})
	require.Nil(e.HandleIncoming(ch, start, true, false))
	require.Equal(PhaseStarted, r.Phase())
	require.Equal(MethodSAS, r.ChosenMethod())
	v := r.Verifier()
	require.NotNil(v)

	ready := incoming(clk, event.TypeVerificationReady, "@alice:example.com", event.Content{
		FromDevice: "ALICEDEV",
		Methods:    []string{MethodSAS},
	})
	require.Nil(e.HandleIncoming(ch, ready, true, false))

	// the late ready never moves the phase backward, replaces the verifier
	// or cancels the request
	require.Equal(PhaseStarted, r.Phase())
	require.Equal(v, r.Verifier())
	for _, s := range ch.sent {
		require.NotEqual(event.TypeVerificationCancel, s.eventType)
	}
	for i := 1; i < len(r.applied); i++ {
		require.LessOrEqual(r.applied[i-1].phase, r.applied[i].phase)
	}
}

func startedWinner(r *Request) *event.Event {
	for i := len(r.applied) - 1; i >= 0; i-- {
		if r.applied[i].phase == PhaseStarted {
			return r.applied[i].event
		}
	}
	return nil
}

func TestStartRaceSelfVerification(t *testing.T) {
	require := require.New(t)

	// regardless of which device we are and which start arrives last, the lower
	// from_device always wins
	deliverRemoteLast := func(localDevice, remoteDevice string) *Request {
		clk := test.NewClock()
		e := testEngine(clk, "@alice:example.com", localDevice)
		ch := &loopChannel{txn: "txn1", otherUser: "@alice:example.com", otherDevice: remoteDevice}

		r := e.NewRequest(ch)
		require.Nil(r.SendRequest())
		ready := incoming(clk, event.TypeVerificationReady, "@alice:example.com", event.Content{
			FromDevice: remoteDevice,
			Methods:    []string{MethodSAS},
		})
		require.Nil(e.HandleIncoming(ch, ready, true, false))

		_, err := r.BeginKeyVerification(MethodSAS, remoteDevice)
		require.Nil(err)
		require.Equal(PhaseStarted, r.Phase())

		theirStart := incoming(clk, event.TypeVerificationStart, "@alice:example.com", event.Content{
			FromDevice: remoteDevice,
			Method:     MethodSAS,
		})
		require.Nil(e.HandleIncoming(ch, theirStart, true, false))
		return r
	}

	r := deliverRemoteLast("AAAA", "BBBB")
	winner := startedWinner(r)
	require.NotNil(winner)
	require.Equal("AAAA", winner.Content.FromDevice)
	require.NotNil(r.Verifier())

	r = deliverRemoteLast("BBBB", "AAAA")
	winner = startedWinner(r)
	require.NotNil(winner)
	require.Equal("AAAA", winner.Content.FromDevice)
	require.NotNil(r.Verifier())
	require.Equal(PhaseStarted, r.Phase())
}

func TestStartRaceRemoteArrivesFirst(t *testing.T) {
	require := require.New(t)
	clk := test.NewClock()
	e := testEngine(clk, "@alice:example.com", "BBBB")
	ch := &loopChannel{txn: "txn1", otherUser: "@alice:example.com", otherDevice: "AAAA"}

	r := e.NewRequest(ch)
	require.Nil(r.SendRequest())
	ready := incoming(clk, event.TypeVerificationReady, "@alice:example.com", event.Content{
		FromDevice: "AAAA",
		Methods:    []string{MethodSAS},
	})
	require.Nil(e.HandleIncoming(ch, ready, true, false))

	theirStart := incoming(clk, event.TypeVerificationStart, "@alice:example.com", event.Content{
		FromDevice: "AAAA",
		Method:     MethodSAS,
	})
	require.Nil(e.HandleIncoming(ch, theirStart, true, false))
	require.Equal(PhaseStarted, r.Phase())

	// their start already won, a local attempt is rejected
	_, err := r.BeginKeyVerification(MethodSAS, "AAAA")
	require.NotNil(err)

	winner := startedWinner(r)
	require.Equal("AAAA", winner.Content.FromDevice)
}

func TestPeerRequestTimeout(t *testing.T) {
	require := require.New(t)
	clk := test.NewClock()
	e := testEngine(clk, "@bob:example.com", "BOBDEV")
	ch := &loopChannel{txn: "txn1", otherUser: "@alice:example.com", otherDevice: "ALICEDEV"}

	ev := incoming(clk, event.TypeVerificationRequest, "@alice:example.com", event.Content{
		FromDevice: "ALICEDEV",
		Methods:    []string{MethodSAS},
	})
	require.Nil(e.HandleIncoming(ch, ev, true, false))
	r := e.Request("txn1")

	// the receipt window of two minutes tightens the ten minute wire expiry
	remaining := r.timeoutMs()
	require.InDelta(120000, float64(remaining), 2000)

	clk.AdvanceMs(121000)
	require.Equal(PhaseCancelled, r.Phase())
	require.Equal(event.CancelCodeTimeout, r.CancelCode())
	require.Equal(uint64(0), r.timeoutMs())

	last := ch.lastSent()
	require.Equal(event.TypeVerificationCancel, last.eventType)
	require.Equal(event.CancelCodeTimeout, last.content.Code)
	require.Equal("User didn't accept in time", last.content.Reason)
}

func TestOwnRequestTimeout(t *testing.T) {
	require := require.New(t)
	clk := test.NewClock()
	e := testEngine(clk, "@bob:example.com", "BOBDEV")
	ch := &loopChannel{txn: "txn1", otherUser: "@alice:example.com", otherDevice: "ALICEDEV"}

	r := e.NewRequest(ch)
	require.Nil(r.SendRequest())
	require.InDelta(600000, float64(r.timeoutMs()), 2000)

	clk.AdvanceMs(150000)
	require.Equal(PhaseRequested, r.Phase())

	clk.AdvanceMs(460000)
	require.Equal(PhaseCancelled, r.Phase())
	require.Equal(event.CancelCodeTimeout, r.CancelCode())
	require.Equal("Other party didn't accept in time", ch.lastSent().content.Reason)
}

func TestNonLiveRequestIsObserveOnly(t *testing.T) {
	require := require.New(t)
	clk := test.NewClock()
	e := testEngine(clk, "@bob:example.com", "BOBDEV")
	ch := &loopChannel{txn: "txn1", otherUser: "@alice:example.com", otherDevice: "ALICEDEV"}

	ev := incoming(clk, event.TypeVerificationRequest, "@alice:example.com", event.Content{
		FromDevice: "ALICEDEV",
		Methods:    []string{MethodSAS},
	})
	require.Nil(e.HandleIncoming(ch, ev, false, false))
	r := e.Request("txn1")
	require.True(r.ObserveOnly())
	require.NotNil(r.Accept())
	require.NotNil(r.Cancel(event.CancelCodeUser, "nope"))

	// no timer was armed, nothing fires later
	clk.AdvanceMs(700000)
	require.Equal(PhaseRequested, r.Phase())
	require.Empty(ch.sent)
}

func TestUnknownMethodStartCancels(t *testing.T) {
	require := require.New(t)
	clk := test.NewClock()
	e := testEngine(clk, "@bob:example.com", "BOBDEV")
	ch := &loopChannel{txn: "txn1", otherUser: "@alice:example.com", otherDevice: "ALICEDEV"}

	r := e.NewRequest(ch)
	require.Nil(r.SendRequest())

	start := incoming(clk, event.TypeVerificationStart, "@alice:example.com", event.Content{
		FromDevice: "ALICEDEV",
		Method:     "m.bogus.v1",
	})
	require.Nil(e.HandleIncoming(ch, start, true, false))
	require.Equal(PhaseCancelled, r.Phase())
	require.Equal(event.CancelCodeUnknownMethod, r.CancelCode())
	require.Equal(event.TypeVerificationCancel, ch.lastSent().eventType)
}

func TestInvalidEventsRejected(t *testing.T) {
	require := require.New(t)
	clk := test.NewClock()
	e := testEngine(clk, "@bob:example.com", "BOBDEV")
	ch := &loopChannel{txn: "txn1", otherUser: "@alice:example.com", otherDevice: "ALICEDEV"}

	// a request without methods never creates a request
	ev := incoming(clk, event.TypeVerificationRequest, "@alice:example.com", event.Content{
		FromDevice: "ALICEDEV",
	})
	require.Nil(e.HandleIncoming(ch, ev, true, false))
	require.Nil(e.Request("txn1"))

	// nor does one without a from_device
	ev = incoming(clk, event.TypeVerificationRequest, "@alice:example.com", event.Content{
		Methods: []string{MethodSAS},
	})
	require.Nil(e.HandleIncoming(ch, ev, true, false))
	require.Nil(e.Request("txn1"))
}

// a pair of engines joined by an in-memory to-device transport. Sends are queued
// and only delivered by pump, mirroring the asynchrony of a real transport.
type enginePair struct {
	clk   *test.Clock
	txn   string
	queue []*queuedDelivery
	a, b  *pairEndpoint
}

type queuedDelivery struct {
	to *pairEndpoint
	ev *event.Event
}

type pairEndpoint struct {
	pair     *enginePair
	engine   *Engine
	userID   string
	deviceID string
	remote   *pairEndpoint
}

func (e *pairEndpoint) TransactionID() string { return e.pair.txn }
func (e *pairEndpoint) RoomID() string        { return "" }
func (e *pairEndpoint) UserID() string        { return e.remote.userID }
func (e *pairEndpoint) DeviceID() string      { return e.remote.deviceID }

func (e *pairEndpoint) Send(eventType string, content *event.Content) error {
	e.pair.queue = append(e.pair.queue, &queuedDelivery{to: e.remote, ev: &event.Event{
		Type:        eventType,
		Sender:      e.userID,
		TimestampMs: e.pair.clk.CurrentTimeMs(),
		Content:     *content,
	}})
	return nil
}

func (e *pairEndpoint) Timestamp(ev *event.Event) uint64 { return ev.TimestampMs }

func (e *pairEndpoint) CanCreateRequest(t string) bool {
	return t == event.TypeVerificationRequest || t == event.TypeVerificationStart
}

func (e *pairEndpoint) ReceiveStartFromOtherDevices() bool { return false }

func newEnginePair(clk *test.Clock, userA, deviceA, userB, deviceB string) *enginePair {
	p := &enginePair{clk: clk, txn: "txn1"}
	p.a = &pairEndpoint{pair: p, engine: testEngine(clk, userA, deviceA), userID: userA, deviceID: deviceA}
	p.b = &pairEndpoint{pair: p, engine: testEngine(clk, userB, deviceB), userID: userB, deviceID: deviceB}
	p.a.remote = p.b
	p.b.remote = p.a
	return p
}

func (p *enginePair) pump(t *testing.T) {
	for len(p.queue) > 0 {
		d := p.queue[0]
		p.queue = p.queue[1:]
		require.Nil(t, d.to.engine.HandleIncoming(d.to, d.ev, true, false))
	}
}

func upsertPairDevices(t *testing.T, p *enginePair, provider *crypto.Provider) {
	for _, ep := range []*pairEndpoint{p.a, p.b} {
		pub, _, err := provider.NewSigningKey()
		require.Nil(t, err)
		for _, reg := range []*trust.Registry{p.a.engine.registry, p.b.engine.registry} {
			require.Nil(t, reg.UpsertDevice(&trust.Device{
				UserID:     ep.userID,
				DeviceID:   ep.deviceID,
				Curve25519: provider.RandomBytes(32),
				Ed25519:    pub,
			}))
		}
	}
}

func TestFullSASSelfVerification(t *testing.T) {
	require := require.New(t)
	clk := test.NewClock()
	provider := crypto.NewProvider()
	p := newEnginePair(clk, "@alice:example.com", "AAAA", "@alice:example.com", "BBBB")
	upsertPairDevices(t, p, provider)

	reqA := p.a.engine.NewRequest(p.a)
	require.Nil(reqA.SendRequest())
	p.pump(t)

	reqB := p.b.engine.Request("txn1")
	require.NotNil(reqB)
	require.Equal(PhaseRequested, reqB.Phase())
	require.False(reqB.ObserveOnly())

	require.Nil(reqB.Accept())
	p.pump(t)
	require.Equal(PhaseReady, reqA.Phase())
	require.Equal([]string{MethodSAS}, reqA.CommonMethods())

	vA, err := reqA.BeginKeyVerification(MethodSAS, "BBBB")
	require.Nil(err)
	require.NotNil(vA)
	p.pump(t)

	require.Equal(PhaseStarted, reqB.Phase())
	require.Equal(MethodSAS, reqB.ChosenMethod())
	vB := reqB.Verifier()
	require.NotNil(vB)
	require.Equal(vA, reqA.Verifier())

	// the accepter moves first with its key commitment
	require.Nil(vB.Start())
	p.pump(t)

	sasA, ok := vA.(*sasVerifier).SASBytes()
	require.True(ok)
	sasB, ok := vB.(*sasVerifier).SASBytes()
	require.True(ok)
	require.Len(sasA, 6)
	require.Equal(sasA, sasB)

	require.Nil(vA.(*sasVerifier).ConfirmMatch())
	p.pump(t)
	require.Nil(vB.(*sasVerifier).ConfirmMatch())
	p.pump(t)

	require.Equal(PhaseDone, reqA.Phase())
	require.Equal(PhaseDone, reqB.Phase())
	require.True(vA.Finished())
	require.True(vB.Finished())

	devB, err := p.a.engine.registry.Device("@alice:example.com", "BBBB")
	require.Nil(err)
	require.True(devB.Verified)
	devA, err := p.b.engine.registry.Device("@alice:example.com", "AAAA")
	require.Nil(err)
	require.True(devA.Verified)

	// terminal requests are forgotten by their engines
	require.Nil(p.a.engine.Request("txn1"))
	require.Nil(p.b.engine.Request("txn1"))

	// no timer survived to fire late
	clk.AdvanceMs(700000)
	require.Empty(p.queue)
	require.Equal(PhaseDone, reqA.Phase())
	require.Equal(PhaseDone, reqB.Phase())
}

func TestCorruptedMacCancels(t *testing.T) {
	require := require.New(t)
	clk := test.NewClock()
	provider := crypto.NewProvider()
	p := newEnginePair(clk, "@alice:example.com", "AAAA", "@bob:example.com", "BOBDEV")
	upsertPairDevices(t, p, provider)

	reqA := p.a.engine.NewRequest(p.a)
	require.Nil(reqA.SendRequest())
	p.pump(t)
	reqB := p.b.engine.Request("txn1")
	require.Nil(reqB.Accept())
	p.pump(t)
	vA, err := reqA.BeginKeyVerification(MethodSAS, "BOBDEV")
	require.Nil(err)
	p.pump(t)
	vB := reqB.Verifier()
	require.Nil(vB.Start())
	p.pump(t)

	require.Nil(vA.(*sasVerifier).ConfirmMatch())
	// tamper with the mac in transit
	require.Len(p.queue, 1)
	for keyID := range p.queue[0].ev.Content.Mac {
		p.queue[0].ev.Content.Mac[keyID] = "AAAA" + p.queue[0].ev.Content.Mac[keyID][4:]
	}
	p.pump(t)

	require.Equal(PhaseCancelled, reqB.Phase())
	require.Equal(event.CancelCodeKeyMismatch, reqB.CancelCode())

	devA, err := p.b.engine.registry.Device("@alice:example.com", "AAAA")
	require.Nil(err)
	require.False(devA.Verified)
}
