package broker

import (
	"net"
	"time"

	"github.com/charmbracelet/log"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

// StartEmbeddedServer runs a NATS server with JetStream inside this
// process. StoreDir must be writable: work queues survive restarts
// through it. Pass port -1 to pick a free port (tests).
func StartEmbeddedServer(logger *log.Logger, storeDir string, port int) (*server.Server, error) {
	opts := &server.Options{
		JetStream: true,
		StoreDir:  storeDir,
		Port:      port,
	}

	s, err := server.NewServer(opts)
	if err != nil {
		return nil, err
	}

	go s.Start()

	if !s.ReadyForConnections(10 * time.Second) {
		return nil, errors.New("NATS server not ready in time")
	}

	addr := s.Addr()
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return nil, errors.New("unexpected address type")
	}

	logger.Info("Started NATS server", "port", tcpAddr.Port, "store_dir", storeDir)
	return s, nil
}

// NewClient connects to a NATS server with sane reconnect behavior for
// a long-lived worker process.
func NewClient(url string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name("engram"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
}
