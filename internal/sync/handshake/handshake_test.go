package handshake

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/graphdb-core/internal/clock"
	"github.com/cuemby/graphdb-core/internal/common"
)

func TestEncodeDecodeGreeting_Roundtrip(t *testing.T) {
	summary := clock.New().Increment("actor-a").Increment("actor-b").Increment("actor-a")
	g := Greeting{Topic: [32]byte{1, 2, 3}, Actor: "actor-a", ClockSummary: summary}

	decoded, err := Decode(Encode(g))
	require.NoError(t, err)

	assert.Equal(t, g.Topic, decoded.Topic)
	assert.Equal(t, g.Actor, decoded.Actor)
	assert.True(t, g.ClockSummary.Equal(decoded.ClockSummary))
}

func TestDecode_RejectsUnsupportedVersion(t *testing.T) {
	g := Greeting{Topic: [32]byte{9}, Actor: "a", ClockSummary: clock.New()}
	encoded := Encode(g)
	encoded[0] = 0x02

	_, err := Decode(encoded)
	assert.Error(t, err)
}

func TestDecode_RejectsTruncatedFrame(t *testing.T) {
	_, err := Decode([]byte{0x01, 0x02})
	assert.Error(t, err)
}

func TestDeviceAuthenticator_IssueAndVerify(t *testing.T) {
	auth := NewDeviceAuthenticator([]byte("secret"), time.Minute)
	topic := [32]byte{7, 7}

	token, err := auth.IssueToken("actor-a", topic)
	require.NoError(t, err)

	err = auth.VerifyToken(token, "actor-a", topic)
	assert.NoError(t, err)
}

func TestDeviceAuthenticator_RejectsActorMismatch(t *testing.T) {
	auth := NewDeviceAuthenticator([]byte("secret"), time.Minute)
	topic := [32]byte{7, 7}

	token, err := auth.IssueToken("actor-a", topic)
	require.NoError(t, err)

	err = auth.VerifyToken(token, "actor-b", topic)
	assert.Error(t, err)
	assert.True(t, common.Is(err, common.ErrAuthFailed))
}

func TestDeviceAuthenticator_RejectsTopicMismatch(t *testing.T) {
	auth := NewDeviceAuthenticator([]byte("secret"), time.Minute)

	token, err := auth.IssueToken("actor-a", [32]byte{1})
	require.NoError(t, err)

	err = auth.VerifyToken(token, "actor-a", [32]byte{2})
	assert.Error(t, err)
}

func TestDeviceAuthenticator_RejectsExpiredToken(t *testing.T) {
	auth := NewDeviceAuthenticator([]byte("secret"), -time.Minute)
	topic := [32]byte{3}

	token, err := auth.IssueToken("actor-a", topic)
	require.NoError(t, err)

	err = auth.VerifyToken(token, "actor-a", topic)
	assert.Error(t, err)
}
