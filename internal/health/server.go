// Package health serves the standard gRPC health checking protocol for the
// daemon on its own TCP address.
package health

import (
	"context"
	"errors"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/baaaht/netlinkd/internal/logger"
	"github.com/baaaht/netlinkd/pkg/types"
)

// Server is a gRPC server exposing only the health service
type Server struct {
	addr   string
	server *grpc.Server
	health *HealthServer
	logger *logger.Logger
	ln     net.Listener
}

// NewServer creates a health endpoint for addr
func NewServer(addr string, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewNop()
	}

	hs := NewHealthServer(log)
	server := grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(log)))
	grpc_health_v1.RegisterHealthServer(server, hs)

	return &Server{
		addr:   addr,
		server: server,
		health: hs,
		logger: log.With("component", "health_endpoint"),
	}
}

// Health returns the health service so the daemon can report its status
func (s *Server) Health() *HealthServer {
	return s.health
}

// Addr returns the bound address once Start has succeeded
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Start listens on the configured address and serves in the background. The
// returned channel receives the serve error, if any.
func (s *Server) Start(ctx context.Context) (<-chan error, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeUnavailable, "failed to listen on health address", err)
	}
	s.ln = ln

	s.logger.Info("Health endpoint listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh, nil
}

// Stop marks every service NOT_SERVING and stops the server, waiting for
// in-flight RPCs until ctx is done
func (s *Server) Stop(ctx context.Context) {
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		s.logger.Warn("Graceful stop timed out, forcing")
		s.server.Stop()
		<-stopped
	}
	s.logger.Info("Health endpoint stopped")
}

func loggingInterceptor(log *logger.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		if err != nil {
			log.Debug("Health RPC failed", "method", info.FullMethod, "error", err)
		}
		return resp, err
	}
}
