package ipcclient

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/veritas/spark/internal/backend"
	"github.com/veritas/spark/internal/modelpool"
	"github.com/veritas/spark/internal/runtime"
)

func newTestRuntime(t *testing.T) (*runtime.Runtime, string) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "spark.sock")
	rt := runtime.New(runtime.Config{
		SocketPath:     socketPath,
		SharedSecret:   "shared-secret",
		SessionTimeout: time.Minute,
		MaxPending:     8,
		Workers:        1,
		Pool: modelpool.Config{
			MaxModels:      2,
			MaxMemoryBytes: 1 << 30,
		},
		Backend:            backend.Config{MockMemoryPerModel: 1 << 20},
		MaxProtocolVersion: 1,
		ShutdownTimeout:    time.Second,
	})
	if err := rt.Start(); err != nil {
		t.Fatalf("start runtime: %v", err)
	}
	return rt, socketPath
}

func TestDialAndHealthRoundTrip(t *testing.T) {
	rt, socketPath := newTestRuntime(t)

	var client *Client
	var err error
	for i := 0; i < 50; i++ {
		client, err = Dial(socketPath, "shared-secret", time.Second)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	report, err := client.Health(time.Second)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if !report.Alive {
		t.Fatal("expected alive true")
	}

	_ = rt
}

func TestDialRejectsWrongToken(t *testing.T) {
	_, socketPath := newTestRuntime(t)

	var err error
	for i := 0; i < 50; i++ {
		_, err = Dial(socketPath, "wrong-secret", time.Second)
		if err != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err == nil {
		t.Fatal("expected dial with wrong token to fail")
	}
}
