package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUnicastSendRecvRoundTrip(t *testing.T) {
	a, err := Open(0)
	require.NoError(t, err)
	defer a.Close()

	b, err := Open(0)
	require.NoError(t, err)
	defer b.Close()

	a.SendUnicast([]byte("hello"), net.IPv4(127, 0, 0, 1), b.LocalPort())

	dg, err := b.Recv(context.Background(), time.Second)
	require.NoError(t, err)
	require.Equal(t, "hello", string(dg.Payload))
}

func TestRecvTimesOut(t *testing.T) {
	a, err := Open(0)
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Recv(context.Background(), 50*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestJoinLeaveGroupIdempotent(t *testing.T) {
	s, err := Open(0)
	require.NoError(t, err)
	defer s.Close()

	group := net.IPv4(239, 1, 1, 0)

	changed, err := s.JoinGroup(group)
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = s.JoinGroup(group)
	require.NoError(t, err)
	require.False(t, changed, "joining twice must be a no-op")

	changed, err = s.LeaveGroup(group)
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = s.LeaveGroup(group)
	require.NoError(t, err)
	require.False(t, changed, "leaving an un-joined group must be a no-op")
}
