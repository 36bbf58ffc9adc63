package healthsrv

import (
	"net"

	"github.com/golang/glog"
	"github.com/lainio/err2"
	"github.com/lainio/err2/try"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Server is the engine's admin/health gRPC surface, registered the way
// grpc/server.Serve registers the agency's operational services next to its
// protocol service: one *grpc.Server, one net.Listener, a handful of
// services bolted on before Serve blocks.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
}

// New builds a Server with the health service registered and its unary RPCs
// (Check) gated by validate; streaming RPCs such as Watch are not passed
// through the auth interceptor. Callers report readiness via SetServing/SetNotServing as the
// engine's dependencies (RecordStore, ledger connectivity, ...) come up or
// degrade.
func New(validate TokenValidator) *Server {
	h := health.NewServer()
	s := grpc.NewServer(grpc.UnaryInterceptor(UnaryAuthInterceptor(validate)))
	healthpb.RegisterHealthServer(s, h)
	return &Server{grpcServer: s, health: h}
}

// GRPCServer exposes the underlying *grpc.Server so callers can register
// further admin services on it before calling Serve.
func (s *Server) GRPCServer() *grpc.Server {
	return s.grpcServer
}

// SetServing marks service as healthy for the health check.
func (s *Server) SetServing(service string) {
	s.health.SetServingStatus(service, healthpb.HealthCheckResponse_SERVING)
}

// SetNotServing marks service as unhealthy for the health check.
func (s *Server) SetNotServing(service string) {
	s.health.SetServingStatus(service, healthpb.HealthCheckResponse_NOT_SERVING)
}

// Serve blocks accepting connections on addr.
func (s *Server) Serve(addr string) (err error) {
	defer err2.Annotate("serve admin grpc", &err)

	lis := try.To1(net.Listen("tcp", addr))
	glog.V(1).Infof("healthsrv: listening on %s", addr)
	try.To(s.grpcServer.Serve(lis))
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() {
	s.grpcServer.GracefulStop()
}
