package mcm3000

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func simPoll(t *testing.T, s *SimPort, idx ChannelIndex) int32 {
	t.Helper()
	_, err := s.Write(EncodeGetPosition(idx))
	require.NoError(t, err)
	resp := make([]byte, PositionResponseLength)
	n, err := s.Read(resp)
	require.NoError(t, err)
	require.Equal(t, PositionResponseLength, n)
	counts, err := DecodePositionResponse(resp, idx)
	require.NoError(t, err)
	return counts
}

func TestSimPortMotionModel(t *testing.T) {
	s := NewSimPort(100)

	_, err := s.Write(EncodeMoveTo(0, 250))
	require.NoError(t, err)

	// Each poll advances by the step, then lands exactly on the target.
	assert.Equal(t, int32(100), simPoll(t, s, 0))
	assert.Equal(t, int32(200), simPoll(t, s, 0))
	assert.Equal(t, int32(250), simPoll(t, s, 0))
	assert.Equal(t, int32(250), simPoll(t, s, 0))
}

func TestSimPortZeroEncoder(t *testing.T) {
	s := NewSimPort(0)
	s.SetEncoder(1, 4000)

	_, err := s.Write(EncodeZeroEncoder(1))
	require.NoError(t, err)
	assert.Equal(t, int32(0), simPoll(t, s, 1))
}

func TestSimPortChannelsAreIndependent(t *testing.T) {
	s := NewSimPort(0)
	s.SetEncoder(0, 10)
	s.SetEncoder(2, -10)

	assert.Equal(t, int32(10), simPoll(t, s, 0))
	assert.Equal(t, int32(0), simPoll(t, s, 1))
	assert.Equal(t, int32(-10), simPoll(t, s, 2))
}

func TestSimPortEmptyReadIsTimeout(t *testing.T) {
	s := NewSimPort(0)
	n, err := s.Read(make([]byte, 8))
	require.NoError(t, err)
	assert.Zero(t, n)
}
