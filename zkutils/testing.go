package zkutils

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/samuel/go-zookeeper/zk"
)

// Environment variable holding a comma separated list of ZooKeeper servers
// for integration tests.
const TestServersEnv = "ZOOKEEPER_SERVERS"

// Get the ZooKeeper servers for integration tests.
//
// Skips the test if no servers are configured.
func TestServers(t *testing.T) []string {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv(TestServersEnv))
	if raw == "" {
		t.Skipf("%s not set, skipping ZooKeeper integration test", TestServersEnv)
	}

	return strings.Split(raw, ",")
}

// Connect to the integration test servers.
func CreateTestConn(t *testing.T) *zk.Conn {
	t.Helper()

	conn, _, err := zk.Connect(TestServers(t), 10*time.Second)
	if err != nil {
		t.Fatalf("Failed to connect to test servers: %v", err)
	}

	t.Cleanup(conn.Close)

	return conn
}

// Connect a connection manager to the integration test servers.
func CreateTestConnMan(t *testing.T) *ConnMan {
	t.Helper()

	cm, err := Connect(TestServers(t), 10*time.Second)
	if err != nil {
		t.Fatalf("Failed to connect to test servers: %v", err)
	}

	t.Cleanup(cm.Close)

	return cm
}
