package main

import (
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// embeddedNATS runs an in-process NATS server with JetStream enabled, for
// single-binary distributed-mode demos where no external NATS deployment
// is available. Real deployments should point KV_URL at an external
// cluster instead and skip this entirely.
type embeddedNATS struct {
	srv *server.Server
}

func startEmbeddedNATS(port int, dataDir string) (*embeddedNATS, error) {
	opts := &server.Options{
		Host:       "127.0.0.1",
		Port:       port,
		NoSigs:     true,
		MaxPayload: 1024 * 1024,
		JetStream:  true,
		StoreDir:   dataDir,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("embedded nats: create server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		return nil, fmt.Errorf("embedded nats: not ready for connections")
	}

	return &embeddedNATS{srv: ns}, nil
}

func (e *embeddedNATS) URL() string {
	return e.srv.ClientURL()
}

func (e *embeddedNATS) Shutdown() {
	e.srv.Shutdown()
	e.srv.WaitForShutdown()
}
