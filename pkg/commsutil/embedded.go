package commsutil

import (
	"fmt"
	"time"

	commsserver "github.com/nats-io/nats-server/v2/server"
)

const embeddedLogPrefix = "commsutil:embedded"

// StartEmbeddedServer boots an in-process COMMS server and waits until it
// accepts connections. The bridge embeds its broker so event subscribers and
// external invoke clients need no separate deployment.
func StartEmbeddedServer(host string, port int) (*commsserver.Server, error) {
	opts := &commsserver.Options{
		Host:   host,
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	}
	ns, err := commsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to create COMMS server: %w", embeddedLogPrefix, err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("%s - COMMS server failed to start on %s:%d", embeddedLogPrefix, host, port)
	}
	return ns, nil
}
