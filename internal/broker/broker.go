// Package broker connects to NATS, optionally starting an embedded
// JetStream-enabled server first.
package broker

import (
	"errors"
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/loopforge/internal/config"
)

// Broker holds the NATS connection and its JetStream handle.
type Broker struct {
	Conn      *nats.Conn
	JetStream jetstream.JetStream

	embedded *natsserver.Server
	logger   *zap.Logger
}

// Open connects to the configured NATS server. With cfg.Embedded set it
// starts an in-process server on a random loopback port first.
func Open(cfg config.NATSConfig, logger *zap.Logger) (*Broker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Broker{logger: logger}

	url := cfg.URL
	if cfg.Embedded {
		srv, err := StartEmbedded(cfg.StoreDir)
		if err != nil {
			return nil, err
		}
		b.embedded = srv
		url = srv.ClientURL()
		logger.Info("started embedded NATS server", zap.String("url", url))
	}

	nc, err := nats.Connect(url,
		nats.Name("loopforged"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait.Duration()),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		b.shutdownEmbedded()
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		b.shutdownEmbedded()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	b.Conn = nc
	b.JetStream = js
	logger.Info("connected to NATS", zap.String("url", url))
	return b, nil
}

// StartEmbedded starts a JetStream server listening on a random loopback
// port. An empty storeDir uses a temporary directory.
func StartEmbedded(storeDir string) (*natsserver.Server, error) {
	opts := &natsserver.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		NoLog:     true,
		NoSigs:    true,
		JetStream: true,
		StoreDir:  storeDir,
	}
	srv, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("creating embedded NATS server: %w", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		srv.Shutdown()
		return nil, errors.New("embedded NATS server not ready")
	}
	return srv, nil
}

// Close drains the connection and stops the embedded server, if any.
func (b *Broker) Close() error {
	var err error
	if b.Conn != nil {
		err = b.Conn.Drain()
	}
	b.shutdownEmbedded()
	return err
}

func (b *Broker) shutdownEmbedded() {
	if b.embedded == nil {
		return
	}
	b.embedded.Shutdown()
	b.embedded.WaitForShutdown()
}
