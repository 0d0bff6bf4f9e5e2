package health

import (
	"context"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/baaaht/netlinkd/internal/logger"
)

// ServiceName is the service whose status tracks the connection manager
const ServiceName = "netlinkd"

// HealthServer implements the gRPC health checking protocol
// See https://github.com/grpc/grpc/blob/master/doc/health-checking.md
type HealthServer struct {
	grpc_health_v1.UnimplementedHealthServer
	logger   *logger.Logger
	mu       sync.RWMutex
	statuses map[string]grpc_health_v1.HealthCheckResponse_ServingStatus
	watchers map[string]map[chan grpc_health_v1.HealthCheckResponse_ServingStatus]struct{}
	shutdown bool
	done     chan struct{}
}

// NewHealthServer creates a health server. The overall status ("") and
// ServiceName start as NOT_SERVING until the daemon reports otherwise.
func NewHealthServer(log *logger.Logger) *HealthServer {
	if log == nil {
		log = logger.NewNop()
	}

	return &HealthServer{
		logger: log.With("component", "health_server"),
		statuses: map[string]grpc_health_v1.HealthCheckResponse_ServingStatus{
			"":          grpc_health_v1.HealthCheckResponse_NOT_SERVING,
			ServiceName: grpc_health_v1.HealthCheckResponse_NOT_SERVING,
		},
		watchers: make(map[string]map[chan grpc_health_v1.HealthCheckResponse_ServingStatus]struct{}),
		done:     make(chan struct{}),
	}
}

// Check implements the health check RPC
func (s *HealthServer) Check(ctx context.Context, req *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.shutdown {
		return &grpc_health_v1.HealthCheckResponse{
			Status: grpc_health_v1.HealthCheckResponse_NOT_SERVING,
		}, nil
	}

	servingStatus, exists := s.statuses[req.Service]
	if !exists {
		return nil, status.Error(codes.NotFound, "unknown service")
	}
	return &grpc_health_v1.HealthCheckResponse{Status: servingStatus}, nil
}

// Watch implements the health watch RPC. It sends the current status and then
// every change until the client goes away or the server shuts down. Unknown
// services report SERVICE_UNKNOWN.
func (s *HealthServer) Watch(req *grpc_health_v1.HealthCheckRequest, stream grpc_health_v1.Health_WatchServer) error {
	service := req.Service
	updates := make(chan grpc_health_v1.HealthCheckResponse_ServingStatus, 1)

	s.mu.Lock()
	current := s.watchStatusLocked(service)
	if s.watchers[service] == nil {
		s.watchers[service] = make(map[chan grpc_health_v1.HealthCheckResponse_ServingStatus]struct{})
	}
	s.watchers[service][updates] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.watchers[service], updates)
		s.mu.Unlock()
	}()

	last := current
	if err := stream.Send(&grpc_health_v1.HealthCheckResponse{Status: current}); err != nil {
		return err
	}

	for {
		select {
		case st := <-updates:
			if st == last {
				continue
			}
			last = st
			if err := stream.Send(&grpc_health_v1.HealthCheckResponse{Status: st}); err != nil {
				return err
			}
		case <-s.done:
			if last != grpc_health_v1.HealthCheckResponse_NOT_SERVING {
				return stream.Send(&grpc_health_v1.HealthCheckResponse{
					Status: grpc_health_v1.HealthCheckResponse_NOT_SERVING,
				})
			}
			return nil
		case <-stream.Context().Done():
			return status.FromContextError(stream.Context().Err()).Err()
		}
	}
}

// SetServingStatus sets the serving status of service and notifies its watchers
func (s *HealthServer) SetServingStatus(service string, st grpc_health_v1.HealthCheckResponse_ServingStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		s.logger.Debug("Ignoring status change after shutdown", "service", service)
		return
	}

	old := s.statuses[service]
	s.statuses[service] = st
	s.notifyLocked(service, st)

	if old != st {
		s.logger.Info("Health status updated",
			"service", service,
			"old_status", old.String(),
			"new_status", st.String())
	}
}

// SetServing marks both the overall status and ServiceName as SERVING
func (s *HealthServer) SetServing() {
	s.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	s.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
}

// Shutdown reports NOT_SERVING for every service from now on and ends all
// watch streams after delivering that status
func (s *HealthServer) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return
	}
	for service := range s.statuses {
		s.statuses[service] = grpc_health_v1.HealthCheckResponse_NOT_SERVING
		s.notifyLocked(service, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	}
	s.shutdown = true
	close(s.done)
	s.logger.Info("Health server shutdown")
}

// GetStatus returns the current serving status of service
func (s *HealthServer) GetStatus(service string) grpc_health_v1.HealthCheckResponse_ServingStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.watchStatusLocked(service)
}

// IsServing returns true if service is currently SERVING
func (s *HealthServer) IsServing(service string) bool {
	return s.GetStatus(service) == grpc_health_v1.HealthCheckResponse_SERVING
}

// watchStatusLocked must be called with the lock held
func (s *HealthServer) watchStatusLocked(service string) grpc_health_v1.HealthCheckResponse_ServingStatus {
	if s.shutdown {
		return grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	st, exists := s.statuses[service]
	if !exists {
		return grpc_health_v1.HealthCheckResponse_SERVICE_UNKNOWN
	}
	return st
}

// notifyLocked hands st to every watcher of service, replacing a status the
// watcher has not consumed yet
func (s *HealthServer) notifyLocked(service string, st grpc_health_v1.HealthCheckResponse_ServingStatus) {
	for ch := range s.watchers[service] {
		select {
		case <-ch:
		default:
		}
		ch <- st
	}
}
