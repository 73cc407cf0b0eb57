package zkutils

import (
	"time"

	log "github.com/nickbruun/election/logging"
	"github.com/samuel/go-zookeeper/zk"
)

// ZooKeeper connection manager.
//
// ZooKeeper connection wrapper that provides multiplexed access to session
// events as well as information about the session timeout.
type ConnMan struct {
	Conn           *zk.Conn
	SessionTimeout time.Duration
	RecvTimeout    time.Duration
	PingInterval   time.Duration
	em             *EventMultiplexer
}

// Connect as connection manager.
func Connect(servers []string, sessionTimeout time.Duration) (*ConnMan, error) {
	conn, ec, err := zk.Connect(servers, sessionTimeout, zk.WithLogger(log.WithField("component", "zookeeper")))
	if err != nil {
		return nil, err
	}

	recvTimeout := sessionTimeout * 2 / 3 // Hardcoded in zk.

	return &ConnMan{
		Conn:           conn,
		SessionTimeout: sessionTimeout,
		RecvTimeout:    recvTimeout,
		PingInterval:   recvTimeout / 2, // Hardcoded in zk.
		em:             NewEventMultiplexer(ec),
	}, nil
}

// Close connection.
//
// Closing the connection ends the session, which removes every ephemeral node
// created through it.
func (m *ConnMan) Close() {
	m.Conn.Close()
}

// Subscribe to all events for the connection.
func (m *ConnMan) Subscribe() <-chan zk.Event {
	return m.em.Subscribe()
}
