// This package defines the wire-level protocol events seal consumes and produces. Events
// arrive either from a room timeline or as direct to-device messages; the distinction is
// handled by the transport, not here.
package event

import (
	"encoding/json"
	"strings"
)

const (
	// interactive verification, namespaced m.key.verification.*
	TypeVerificationRequest = "m.key.verification.request"
	TypeVerificationReady   = "m.key.verification.ready"
	TypeVerificationStart   = "m.key.verification.start"
	TypeVerificationAccept  = "m.key.verification.accept"
	TypeVerificationKey     = "m.key.verification.key"
	TypeVerificationMac     = "m.key.verification.mac"
	TypeVerificationCancel  = "m.key.verification.cancel"
	TypeVerificationDone    = "m.key.verification.done"

	// key sharing
	TypeRoomKey          = "m.room_key"
	TypeForwardedRoomKey = "m.forwarded_room_key"
	TypeRoomKeyRequest   = "m.room_key_request"
	TypeRoomKeyWithheld  = "m.room_key.withheld"

	// encrypted room payloads
	TypeEncrypted = "m.room.encrypted"

	// empty probe sent to confirm a freshly established pairwise channel
	TypeDummy = "m.dummy"

	verificationPrefix = "m.key.verification."
)

// cancel codes
const (
	CancelCodeUser              = "m.user"
	CancelCodeTimeout           = "m.timeout"
	CancelCodeUnexpectedMessage = "m.unexpected_message"
	CancelCodeUnknownMethod     = "m.unknown_method"
	CancelCodeAccepted          = "m.accepted"
	CancelCodeKeyMismatch       = "m.key_mismatch"
	CancelCodeMismatchedSAS     = "m.mismatched_sas"
)

// withheld codes; WithheldCodeNoOlm is the sentinel for "no secure channel established"
const (
	WithheldCodeNoOlm       = "m.no_olm"
	WithheldCodeBlacklisted = "m.blacklisted"
	WithheldCodeUnverified  = "m.unverified"
	WithheldCodeUnavailable = "m.unavailable"
)

const (
	KeyRequestActionRequest = "request"
	KeyRequestActionCancel  = "request_cancellation"
)

const MegolmAlgorithm = "m.megolm.v1.aes-sha2"

// A verification event. Content is the already-decoded verification content; Raw
// carries any method-specific fields a Verifier needs.
type Event struct {
	Type        string          `json:"type"`
	Sender      string          `json:"sender"`
	TimestampMs uint64          `json:"origin_server_ts,omitempty"`
	Content     Content         `json:"content"`
	Raw         json.RawMessage `json:"-"`
}

type Content struct {
	FromDevice    string   `json:"from_device,omitempty"`
	Methods       []string `json:"methods,omitempty"`
	Method        string   `json:"method,omitempty"`
	Code          string   `json:"code,omitempty"`
	Reason        string   `json:"reason,omitempty"`
	TransactionID string   `json:"transaction_id,omitempty"`

	// method-specific fields used by the short-authentication-string flow
	Commitment string            `json:"commitment,omitempty"`
	Key        string            `json:"key,omitempty"`
	Mac        map[string]string `json:"mac,omitempty"`
	Keys       string            `json:"keys,omitempty"`
}

type RoomKey struct {
	Algorithm     string `json:"algorithm"`
	RoomID        string `json:"room_id"`
	SessionID     string `json:"session_id"`
	SessionKey    string `json:"session_key"`
	ChainIndex    uint32 `json:"chain_index"`
	SharedHistory bool   `json:"org.matrix.msc3061.shared_history,omitempty"`
}

type ForwardedRoomKey struct {
	Algorithm               string   `json:"algorithm"`
	RoomID                  string   `json:"room_id"`
	SessionID               string   `json:"session_id"`
	SessionKey              string   `json:"session_key"`
	ChainIndex              uint32   `json:"chain_index"`
	SenderKey               string   `json:"sender_key"`
	SenderClaimedEd25519Key string   `json:"sender_claimed_ed25519_key"`
	ForwardingKeyChain      []string `json:"forwarding_curve25519_key_chain"`
	SharedHistory           bool     `json:"org.matrix.msc3061.shared_history,omitempty"`
}

type RoomKeyRequestBody struct {
	Algorithm string `json:"algorithm"`
	RoomID    string `json:"room_id"`
	SenderKey string `json:"sender_key"`
	SessionID string `json:"session_id"`
}

type RoomKeyRequest struct {
	Action             string              `json:"action"`
	RequestingDeviceID string              `json:"requesting_device_id"`
	RequestID          string              `json:"request_id"`
	Body               *RoomKeyRequestBody `json:"body,omitempty"`
}

type RoomKeyWithheld struct {
	Algorithm string `json:"algorithm"`
	Code      string `json:"code"`
	RoomID    string `json:"room_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	SenderKey string `json:"sender_key"`
	Reason    string `json:"reason,omitempty"`
}

// An encrypted group payload as carried by m.room.encrypted.
type EncryptedPayload struct {
	Algorithm  string `json:"algorithm"`
	SenderKey  string `json:"sender_key"`
	SessionID  string `json:"session_id"`
	ChainIndex uint32 `json:"chain_index"`
	Ciphertext string `json:"ciphertext"`
	Signature  string `json:"signature"`
	DeviceID   string `json:"device_id,omitempty"`
}

func IsVerificationType(t string) bool {
	return strings.HasPrefix(t, verificationPrefix)
}

// Validate is the pure predicate guarding the verification engine. Events which fail
// validation are never handed to the state machine.
func Validate(eventType string, content *Content) bool {
	if !IsVerificationType(eventType) {
		return false
	}
	switch eventType {
	case TypeVerificationRequest, TypeVerificationReady:
		if len(content.Methods) == 0 {
			return false
		}
		if content.FromDevice == "" {
			return false
		}
	case TypeVerificationStart:
		if content.FromDevice == "" {
			return false
		}
	}
	return true
}
