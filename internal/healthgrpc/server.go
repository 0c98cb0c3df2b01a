// Package healthgrpc exposes the daemon's health state over the standard
// grpc.health.v1 service on a loopback TCP port, strictly for an
// orchestrator's liveness/readiness probes. It is an ambient ops surface
// alongside the socket IPC protocol, not a second inference transport:
// nothing in this package ever sees an InferenceRequest.
package healthgrpc

import (
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	sparkhealth "github.com/veritas/spark/internal/health"
	"github.com/veritas/spark/internal/logging"
)

// serviceName is the empty string, matching grpc.health.v1's convention
// that an empty service name reports the overall server's status; a
// probe need not name "spark" explicitly.
const serviceName = ""

// Server runs the standard gRPC health service on a loopback TCP port.
type Server struct {
	grpcServer *grpc.Server
	healthSrv  *health.Server
	listener   net.Listener
}

// New constructs a Server bound to addr (e.g. "127.0.0.1:9090"). It does
// not start serving until Start is called.
func New(addr string) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("healthgrpc: listen on %s: %w", addr, err)
	}

	healthSrv := health.NewServer()
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)

	return &Server{grpcServer: grpcServer, healthSrv: healthSrv, listener: ln}, nil
}

// Start begins serving in its own goroutine.
func (s *Server) Start() {
	logging.Op().Info("health gRPC service listening", "addr", s.listener.Addr().String())
	go func() {
		if err := s.grpcServer.Serve(s.listener); err != nil {
			logging.Op().Debug("health gRPC server stopped", "error", err)
		}
	}()
}

// Update pushes the daemon's current health.Report into the gRPC health
// service's serving-status table, translating report.Ready into the
// binary SERVING/NOT_SERVING vocabulary the standard health check
// protocol speaks.
func (s *Server) Update(report sparkhealth.Report) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if report.Ready {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.healthSrv.SetServingStatus(serviceName, status)
}

// Stop gracefully stops the gRPC server and closes its listener.
func (s *Server) Stop() {
	s.grpcServer.GracefulStop()
}
