package event

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsVerificationType(t *testing.T) {
	require := require.New(t)
	require.True(IsVerificationType(TypeVerificationRequest))
	require.True(IsVerificationType(TypeVerificationDone))
	require.False(IsVerificationType(TypeRoomKey))
	require.False(IsVerificationType(TypeEncrypted))
	require.False(IsVerificationType(""))
}

func TestValidate(t *testing.T) {
	require := require.New(t)

	require.False(Validate(TypeRoomKey, &Content{}))

	// request and ready must carry methods and a device
	require.True(Validate(TypeVerificationRequest, &Content{FromDevice: "AAAA", Methods: []string{"m.sas.v1"}}))
	require.False(Validate(TypeVerificationRequest, &Content{FromDevice: "AAAA"}))
	require.False(Validate(TypeVerificationRequest, &Content{Methods: []string{"m.sas.v1"}}))
	require.True(Validate(TypeVerificationReady, &Content{FromDevice: "BBBB", Methods: []string{"m.sas.v1"}}))
	require.False(Validate(TypeVerificationReady, &Content{FromDevice: "BBBB"}))

	// start only needs a device
	require.True(Validate(TypeVerificationStart, &Content{FromDevice: "AAAA", Method: "m.sas.v1"}))
	require.False(Validate(TypeVerificationStart, &Content{Method: "m.sas.v1"}))

	// the remaining verification types carry no required fields
	require.True(Validate(TypeVerificationAccept, &Content{}))
	require.True(Validate(TypeVerificationCancel, &Content{Code: CancelCodeUser}))
	require.True(Validate(TypeVerificationDone, &Content{}))
}
