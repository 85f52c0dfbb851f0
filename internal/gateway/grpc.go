// ABOUTME: gRPC health service for load balancers and orchestrators
// ABOUTME: Reports SERVING while the gateway runs and NOT_SERVING during shutdown

package gateway

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// healthService is the service name health checks may ask about in addition to "".
const healthService = "chat.Gateway"

// registerHealth attaches a health server that starts out NOT_SERVING.
func registerHealth(s *grpc.Server) *health.Server {
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	setServing(hs, false)
	return hs
}

func setServing(hs *health.Server, serving bool) {
	if hs == nil {
		return
	}
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	hs.SetServingStatus("", st)
	hs.SetServingStatus(healthService, st)
}
