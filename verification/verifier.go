package verification

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/meow-io/go-seal/crypto"
	"github.com/meow-io/go-seal/event"
	"github.com/meow-io/go-seal/trust"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const MethodSAS = "m.sas.v1"

// A Verifier executes the interactive cryptographic part of an agreed method. One is
// created exactly once per request, when the Started phase is entered.
type Verifier interface {
	Method() string
	// Send this side's first method event. Called by the application after Started.
	Start() error
	HandleEvent(ev *event.Event) error
	Cancel(code, reason string) error
	Finished() bool
}

// A VerifierFactory builds a Verifier for a request. The factory table is fixed at
// engine construction; unknown method names never reach a factory.
type VerifierFactory func(r *Request, channel Channel, provider *crypto.Provider, registry *trust.Registry, startedByUs bool) Verifier

// DefaultMethods returns the built-in method table.
func DefaultMethods() map[string]VerifierFactory {
	return map[string]VerifierFactory{
		MethodSAS: NewSASVerifier,
	}
}

const (
	sasStateCreated = iota
	sasStateAccepted
	sasStateKeysExchanged
	sasStateMacReceived
	sasStateFinished
)

// A short-authentication-string verifier. Both sides exchange ephemeral DH keys, derive
// a short shared code for the users to compare out of band and then exchange MACs over
// their device keys.
type sasVerifier struct {
	request     *Request
	channel     Channel
	provider    *crypto.Provider
	registry    *trust.Registry
	startedByUs bool

	state          int
	ourPub         []byte
	ourPriv        []byte
	theirPub       []byte
	commitment     string
	sharedSecret   []byte
	sasBytes       []byte
	theirMac       map[string]string
	theirKeysMac   string
	ourMacSent     bool
	userConfirmed  bool
	ourDoneSent    bool
}

func NewSASVerifier(r *Request, channel Channel, provider *crypto.Provider, registry *trust.Registry, startedByUs bool) Verifier {
	return &sasVerifier{
		request:     r,
		channel:     channel,
		provider:    provider,
		registry:    registry,
		startedByUs: startedByUs,
	}
}

func (v *sasVerifier) Method() string {
	return MethodSAS
}

func (v *sasVerifier) Finished() bool {
	return v.state == sasStateFinished
}

// The short code for the users to compare, available once keys are exchanged.
func (v *sasVerifier) SASBytes() ([]byte, bool) {
	if v.sasBytes == nil {
		return nil, false
	}
	return v.sasBytes, true
}

func (v *sasVerifier) Start() error {
	if v.startedByUs {
		// the accepter moves first with its commitment
		return nil
	}
	pub, priv, err := v.provider.NewDHKey()
	if err != nil {
		return err
	}
	v.ourPub, v.ourPriv = pub, priv
	commitment := v.commitmentFor(base64.StdEncoding.EncodeToString(pub))
	return v.channel.Send(event.TypeVerificationAccept, &event.Content{Commitment: commitment})
}

func (v *sasVerifier) Cancel(code, reason string) error {
	return v.request.sendCancel(code, reason)
}

func (v *sasVerifier) HandleEvent(ev *event.Event) error {
	switch ev.Type {
	case event.TypeVerificationAccept:
		return v.onAccept(ev)
	case event.TypeVerificationKey:
		return v.onKey(ev)
	case event.TypeVerificationMac:
		return v.onMac(ev)
	case event.TypeVerificationDone:
		return nil
	case event.TypeVerificationCancel:
		return nil
	default:
		return nil
	}
}

func (v *sasVerifier) onAccept(ev *event.Event) error {
	if !v.startedByUs || v.state != sasStateCreated {
		return v.Cancel(event.CancelCodeUnexpectedMessage, "accept out of order")
	}
	v.commitment = ev.Content.Commitment
	v.state = sasStateAccepted

	pub, priv, err := v.provider.NewDHKey()
	if err != nil {
		return err
	}
	v.ourPub, v.ourPriv = pub, priv
	return v.channel.Send(event.TypeVerificationKey, &event.Content{Key: base64.StdEncoding.EncodeToString(pub)})
}

func (v *sasVerifier) onKey(ev *event.Event) error {
	theirPub, err := base64.StdEncoding.DecodeString(ev.Content.Key)
	if err != nil || len(theirPub) != 32 {
		return v.Cancel(event.CancelCodeKeyMismatch, "malformed key")
	}
	v.theirPub = theirPub

	if v.startedByUs {
		if v.state != sasStateAccepted {
			return v.Cancel(event.CancelCodeUnexpectedMessage, "key out of order")
		}
		// the accepter committed to its key before seeing ours
		if v.commitmentFor(ev.Content.Key) != v.commitment {
			return v.Cancel(event.CancelCodeKeyMismatch, "commitment mismatch")
		}
	} else {
		if v.state != sasStateCreated {
			return v.Cancel(event.CancelCodeUnexpectedMessage, "key out of order")
		}
		if err := v.channel.Send(event.TypeVerificationKey, &event.Content{Key: base64.StdEncoding.EncodeToString(v.ourPub)}); err != nil {
			return err
		}
	}

	v.sharedSecret = v.provider.DH(v.theirPub, v.ourPriv)
	sas, err := v.provider.DeriveKey(v.sharedSecret, "SAS|"+v.channel.TransactionID(), 6)
	if err != nil {
		return err
	}
	v.sasBytes = sas
	v.state = sasStateKeysExchanged
	return nil
}

// ConfirmMatch is called when the user confirms the short codes match; it sends our MAC
// over the local device keys.
func (v *sasVerifier) ConfirmMatch() error {
	if v.state < sasStateKeysExchanged {
		return fmt.Errorf("verification: sas not ready to confirm")
	}
	v.userConfirmed = true
	if err := v.sendMac(); err != nil {
		return err
	}
	return v.maybeFinish()
}

func (v *sasVerifier) onMac(ev *event.Event) error {
	if v.state < sasStateKeysExchanged {
		return v.Cancel(event.CancelCodeUnexpectedMessage, "mac out of order")
	}
	v.theirMac = ev.Content.Mac
	v.theirKeysMac = ev.Content.Keys
	if err := v.checkTheirMac(); err != nil {
		return v.Cancel(event.CancelCodeKeyMismatch, err.Error())
	}
	v.state = sasStateMacReceived
	return v.maybeFinish()
}

func (v *sasVerifier) maybeFinish() error {
	if !v.userConfirmed || v.state != sasStateMacReceived {
		return nil
	}
	if err := v.registry.SetDeviceVerified(v.request.otherUserID, v.request.otherDeviceID, true); err != nil {
		return err
	}
	v.state = sasStateFinished
	if !v.ourDoneSent {
		v.ourDoneSent = true
		return v.request.sendDone()
	}
	return nil
}

func (v *sasVerifier) sendMac() error {
	if v.ourMacSent {
		return nil
	}
	device, err := v.registry.Device(v.request.engine.userID, v.request.engine.deviceID)
	if err != nil {
		return err
	}
	mac := map[string]string{}
	keyID := fmt.Sprintf("ed25519:%s", v.request.engine.deviceID)
	if device != nil {
		mac[keyID] = v.macFor(keyID, base64.StdEncoding.EncodeToString(device.Ed25519))
	}
	keyIDs := maps.Keys(mac)
	slices.Sort(keyIDs)
	if err := v.channel.Send(event.TypeVerificationMac, &event.Content{
		Mac:  mac,
		Keys: v.macFor("KEY_IDS", strings.Join(keyIDs, ",")),
	}); err != nil {
		return err
	}
	v.ourMacSent = true
	return nil
}

func (v *sasVerifier) checkTheirMac() error {
	keyIDs := maps.Keys(v.theirMac)
	slices.Sort(keyIDs)
	if !hmac.Equal([]byte(v.macFor("KEY_IDS", strings.Join(keyIDs, ","))), []byte(v.theirKeysMac)) {
		return fmt.Errorf("key list mac mismatch")
	}
	for keyID, theirMac := range v.theirMac {
		var deviceID string
		if _, err := fmt.Sscanf(keyID, "ed25519:%s", &deviceID); err != nil {
			return fmt.Errorf("malformed key id %s", keyID)
		}
		device, err := v.registry.Device(v.request.otherUserID, deviceID)
		if err != nil {
			return err
		}
		if device == nil {
			return fmt.Errorf("unknown device %s", deviceID)
		}
		expected := v.macFor(keyID, base64.StdEncoding.EncodeToString(device.Ed25519))
		if !hmac.Equal([]byte(expected), []byte(theirMac)) {
			return fmt.Errorf("mac mismatch for %s", keyID)
		}
	}
	return nil
}

func (v *sasVerifier) commitmentFor(keyB64 string) string {
	sum := sha256.Sum256([]byte(keyB64 + v.channel.TransactionID()))
	return base64.StdEncoding.EncodeToString(sum[:])
}

func (v *sasVerifier) macFor(keyID, value string) string {
	macKey, err := v.provider.DeriveKey(v.sharedSecret, "MAC|"+v.channel.TransactionID()+"|"+keyID, 32)
	if err != nil {
		return ""
	}
	mac := hmac.New(sha256.New, macKey)
	mac.Write([]byte(value))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
