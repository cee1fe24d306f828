package oxia

import (
	"os"
	"testing"

	"github.com/oxia-db/oxia/oxiad/dataserver"
)

// ExternalAddrEnv points tests at an already running Oxia instead of an
// embedded one.
const ExternalAddrEnv = "SCAVD_TEST_OXIA_ADDR"

// TestServer is an Oxia endpoint for tests.
type TestServer struct {
	standalone *dataserver.Standalone
	addr       string
}

// Addr returns the service address of the test server.
func (s *TestServer) Addr() string {
	return s.addr
}

// StartTestServer returns the external server named by ExternalAddrEnv, or
// starts an embedded standalone server whose data lives in t.TempDir. The
// embedded server is closed when the test ends.
func StartTestServer(t *testing.T) *TestServer {
	t.Helper()

	if addr := os.Getenv(ExternalAddrEnv); addr != "" {
		t.Logf("using external Oxia at %s", addr)
		return &TestServer{addr: addr}
	}

	standalone, err := dataserver.NewStandalone(dataserver.NewTestConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("start embedded Oxia: %v", err)
	}
	t.Cleanup(func() {
		if err := standalone.Close(); err != nil {
			t.Logf("close embedded Oxia: %v", err)
		}
	})

	return &TestServer{standalone: standalone, addr: standalone.ServiceAddr()}
}
