// Package clientapi is Ledger's network-facing surface: a gRPC server
// exposing standard health checking and reflection, instrumented with the
// same logging/metrics interceptor pattern the container manager's API
// server uses for every unary call. Page mutation (open/snapshot/put/
// delete/watch) is not exposed here — it is an in-process Go interface in
// pkg/repository, the same way the original Ledger exposed pages to
// collaborating processes over FIDL rather than a public network API.
package clientapi

import (
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/cuemby/ledger/internal/log"
)

// Server is Ledger's client-facing gRPC listener. It carries no
// Ledger-specific RPCs of its own; it exists so a remote operator or
// sidecar can health-check and introspect a running engine process.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
}

// New builds a Server bound to addr, registering the standard gRPC health
// and reflection services.
func New(addr string) (*Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("clientapi: listen on %s: %w", addr, err)
	}

	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(UnaryLoggingInterceptor()),
	)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	return &Server{grpcServer: grpcServer, health: healthServer, listener: lis}, nil
}

// SetServing updates the health status reported for service (empty string
// means the overall server status).
func (s *Server) SetServing(service string, serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(service, status)
}

// Serve blocks, accepting connections until Stop is called.
func (s *Server) Serve() error {
	log.WithComponent("clientapi").Info().Str("addr", s.listener.Addr().String()).Msg("client api listening")
	s.SetServing("", true)
	return s.grpcServer.Serve(s.listener)
}

// Stop gracefully shuts down the server, marking it not-serving first so
// in-flight health checks observe the transition.
func (s *Server) Stop() {
	s.SetServing("", false)
	s.grpcServer.GracefulStop()
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}
