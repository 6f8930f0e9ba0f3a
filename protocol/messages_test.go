package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapabilityType_RoundTrip(t *testing.T) {
	for _, op := range Operations() {
		got, ok := CapabilityType(op).Capability()
		require.True(t, ok, op)
		assert.Equal(t, op, got)
		assert.True(t, got.Gated())
	}

	_, ok := SessionQueryType.Capability()
	assert.False(t, ok)
	_, ok = Type("capability.").Capability()
	assert.False(t, ok)

	op, ok := Type("capability.ping").Capability()
	require.True(t, ok)
	assert.False(t, op.Gated(), "operations outside the set are not gated")
}

func TestDecision(t *testing.T) {
	assert.True(t, AllowOnce.Allows())
	assert.True(t, AllowAlways.Allows())
	assert.False(t, DenyOnce.Allows())
	assert.False(t, Decision("").Allows())
	assert.True(t, DenyAlways.Persistent())
	assert.False(t, AllowOnce.Persistent())
}

func TestError_UnwrapsKindAndCause(t *testing.T) {
	cause := errors.New("relay unreachable")
	err := WrapError(ErrSignerFailure, "", cause)

	assert.ErrorIs(t, err, ErrSignerFailure)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "relay unreachable", err.Error())

	denied := NewError(ErrPermissionDenied, MsgDenied)
	assert.ErrorIs(t, denied, ErrPermissionDenied)
	assert.NotErrorIs(t, denied, ErrNotConnected)
	assert.Equal(t, ErrorResponse{Error: MsgDenied}, Errorf(denied))
}

func TestPendingPayload_NullWhenAbsent(t *testing.T) {
	b, err := json.Marshal(PendingPayload{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":null}`, string(b))
}

func TestSchemas(t *testing.T) {
	s := Schemas()
	require.Contains(t, s, "Message")
	b, err := json.Marshal(s["Message"])
	require.NoError(t, err)
	assert.Contains(t, string(b), "requestId")
}
