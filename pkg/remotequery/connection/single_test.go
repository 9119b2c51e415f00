package connection

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cortexproject/remotequery/pkg/remotequery/packet"
)

func TestSingle_HasActiveConnectionsFlipsFalseAfterEndOfStream(t *testing.T) {
	c := newFakeClient("host1", packet.Data(&packet.Block{NumRows: 1}), packet.EndOfStream())
	s := newSingle(c)

	require.True(t, s.HasActiveConnections())

	p, err := s.ReceivePacket(context.Background())
	require.NoError(t, err)
	require.Equal(t, packet.KindData, p.Kind)
	require.True(t, s.HasActiveConnections())

	p, err = s.ReceivePacket(context.Background())
	require.NoError(t, err)
	require.Equal(t, packet.KindEndOfStream, p.Kind)
	require.False(t, s.HasActiveConnections())

	require.Equal(t, 1, s.Size())
}

func TestSingle_HasActiveConnectionsFlipsFalseOnError(t *testing.T) {
	c := newFakeClient("host1")
	c.recvErr = errBoom("replica down")
	s := newSingle(c)

	_, err := s.ReceivePacket(context.Background())
	require.Error(t, err)
	require.False(t, s.HasActiveConnections())
}

func TestSingle_HasActiveConnectionsFlipsFalseOnEOF(t *testing.T) {
	c := newFakeClient("host1")
	s := newSingle(c)

	_, err := s.ReceivePacket(context.Background())
	require.Equal(t, io.EOF, err)
	require.False(t, s.HasActiveConnections())
}

func TestSingle_DisconnectClosesClient(t *testing.T) {
	c := newFakeClient("host1")
	s := newSingle(c)

	require.NoError(t, s.Disconnect())
	require.True(t, c.isClosed())
}

func TestSingle_DumpAddresses(t *testing.T) {
	c := newFakeClient("host1")
	s := newSingle(c)
	require.Equal(t, []string{"host1"}, s.DumpAddresses())
}
