package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/pairdb-core/internal/transport/wire"
)

func TestServerClientRoundTrip(t *testing.T) {
	handler := func(kind wire.Kind, payload []byte) []byte {
		return append([]byte("echo:"), payload...)
	}
	srv := NewServer(ServerConfig{Addr: "127.0.0.1:0", MaxWorkersPerConn: 2}, handler, zap.NewNop())

	// Bind manually so we know the ephemeral port before Listen's accept loop.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv.listener = ln
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.handleConnection(conn)
		}
	}()
	defer srv.Close()

	client := NewPeerClient(ln.Addr().String(), 2*time.Second, zap.NewNop())
	defer client.Close()

	resp, err := client.Send(wire.KindGet, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, "echo:hello", string(resp))
}

func TestPoolRegistersAndLooksUpClients(t *testing.T) {
	p := NewPool(time.Second, zap.NewNop())
	p.SetAddr("n1", "127.0.0.1:9999")
	require.NotNil(t, p.Client("n1"))
	require.Nil(t, p.Client("missing"))
	p.Close()
}
