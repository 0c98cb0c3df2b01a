package runtime

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/veritas/spark/internal/backend"
	"github.com/veritas/spark/internal/modelpool"
	"github.com/veritas/spark/internal/wire"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		SocketPath:     filepath.Join(t.TempDir(), "spark.sock"),
		SharedSecret:   "shared-secret",
		SessionTimeout: time.Minute,
		MaxPending:     8,
		Workers:        2,
		Pool: modelpool.Config{
			MaxModels:      4,
			MaxMemoryBytes: 1 << 30,
		},
		Backend:            backend.Config{MockMemoryPerModel: 1 << 20},
		MaxProtocolVersion: 1,
		ShutdownTimeout:    2 * time.Second,
	}
}

func dial(t *testing.T, socketPath string) *wire.FrameCodec {
	t.Helper()
	var c net.Conn
	var err error
	for i := 0; i < 50; i++ {
		c, err = net.Dial("unix", socketPath)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return wire.NewFrameCodec(c, 0)
}

func TestStartAcceptsHandshakeAndHealthCheck(t *testing.T) {
	r := New(testConfig(t))
	if err := r.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		r.Shutdown(ctx)
	}()

	codec := dial(t, r.cfg.SocketPath)

	if err := codec.WriteMessage(&wire.Message{Type: wire.TypeHandshake, AuthToken: "shared-secret"}); err != nil {
		t.Fatal(err)
	}
	ack, err := codec.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if ack.Type != wire.TypeHandshakeAck {
		t.Fatalf("expected handshake_ack, got %s", ack.Type)
	}

	if err := codec.WriteMessage(&wire.Message{Type: wire.TypeHealthCheck, Kind: "status"}); err != nil {
		t.Fatal(err)
	}
	report, err := codec.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if report.Type != wire.TypeHealthReport {
		t.Fatalf("expected health_report, got %s", report.Type)
	}
	// No models preloaded, so the daemon reports unhealthy/not-ready even
	// though it is alive and accepting the connection.
	if !report.Report.Alive {
		t.Fatal("expected alive true")
	}
	if report.Report.Ready {
		t.Fatal("expected ready false with zero models loaded")
	}
}

func TestPreloadModelWithoutStoreSkipsStaging(t *testing.T) {
	r := New(testConfig(t))
	if err := r.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		r.Shutdown(ctx)
	}()

	// No ModelStore configured, and the source is not an s3:// URI, so
	// PreloadModel must go straight to the backend without staging.
	if err := r.PreloadModel(context.Background(), "demo-model", "local://demo-model", modelpool.Default); err != nil {
		t.Fatalf("PreloadModel: %v", err)
	}
	if r.pool.Count() != 1 {
		t.Fatalf("expected 1 loaded model, got %d", r.pool.Count())
	}
}

func TestShutdownStopsAcceptingAndDrains(t *testing.T) {
	r := New(testConfig(t))
	if err := r.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result := r.Shutdown(ctx)

	if result.InFlightAtExit != 0 {
		t.Fatalf("expected zero in-flight at exit, got %d", result.InFlightAtExit)
	}
	if _, err := net.Dial("unix", r.cfg.SocketPath); err == nil {
		t.Fatal("expected dial to fail after shutdown")
	}
}
