// Package brokertest starts throwaway JetStream servers for tests.
package brokertest

import (
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"
)

// StartServer starts an embedded JetStream server that is shut down when
// the test ends.
func StartServer(tb testing.TB) *natsserver.Server {
	tb.Helper()
	opts := &natsserver.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		NoLog:     true,
		NoSigs:    true,
		JetStream: true,
		StoreDir:  tb.TempDir(),
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(tb, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		tb.Fatal("NATS server not ready")
	}

	tb.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

// Connect starts a server and returns a connection and JetStream handle to it.
func Connect(tb testing.TB) (*nats.Conn, jetstream.JetStream) {
	tb.Helper()
	server := StartServer(tb)

	nc, err := nats.Connect(server.ClientURL())
	require.NoError(tb, err)
	tb.Cleanup(nc.Close)

	js, err := jetstream.New(nc)
	require.NoError(tb, err)
	return nc, js
}
