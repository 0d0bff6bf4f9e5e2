package health

import (
	"context"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/baaaht/netlinkd/internal/logger"
)

func TestHealthServer(t *testing.T) {
	t.Run("starts not serving", func(t *testing.T) {
		hs := NewHealthServer(logger.NewNop())

		resp, err := hs.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{})
		if err != nil {
			t.Fatalf("Check failed: %v", err)
		}
		if resp.Status != grpc_health_v1.HealthCheckResponse_NOT_SERVING {
			t.Errorf("Expected NOT_SERVING, got %v", resp.Status)
		}
	})

	t.Run("serving after SetServing", func(t *testing.T) {
		hs := NewHealthServer(nil)
		hs.SetServing()

		for _, service := range []string{"", ServiceName} {
			resp, err := hs.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{Service: service})
			if err != nil {
				t.Fatalf("Check(%q) failed: %v", service, err)
			}
			if resp.Status != grpc_health_v1.HealthCheckResponse_SERVING {
				t.Errorf("Check(%q) = %v, want SERVING", service, resp.Status)
			}
		}
		if !hs.IsServing(ServiceName) {
			t.Error("Expected IsServing to be true")
		}
	})

	t.Run("unknown service", func(t *testing.T) {
		hs := NewHealthServer(nil)

		_, err := hs.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{Service: "other"})
		if status.Code(err) != codes.NotFound {
			t.Errorf("Expected NotFound, got %v", err)
		}
		if st := hs.GetStatus("other"); st != grpc_health_v1.HealthCheckResponse_SERVICE_UNKNOWN {
			t.Errorf("Expected SERVICE_UNKNOWN, got %v", st)
		}
	})

	t.Run("shutdown is final", func(t *testing.T) {
		hs := NewHealthServer(nil)
		hs.SetServing()
		hs.Shutdown()
		hs.Shutdown()
		hs.SetServing()

		if hs.IsServing(ServiceName) {
			t.Error("Expected NOT_SERVING after shutdown")
		}
		resp, err := hs.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{Service: "other"})
		if err != nil {
			t.Fatalf("Check failed: %v", err)
		}
		if resp.Status != grpc_health_v1.HealthCheckResponse_NOT_SERVING {
			t.Errorf("Expected NOT_SERVING, got %v", resp.Status)
		}
	})
}

func startServer(t *testing.T) (*Server, grpc_health_v1.HealthClient) {
	t.Helper()

	srv := NewServer("127.0.0.1:0", logger.NewNop())
	if _, err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}

	conn, err := grpc.NewClient(srv.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return srv, grpc_health_v1.NewHealthClient(conn)
}

func TestServerCheck(t *testing.T) {
	srv, client := startServer(t)
	defer srv.Stop(context.Background())
	srv.Health().SetServing()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if resp.Status != grpc_health_v1.HealthCheckResponse_SERVING {
		t.Errorf("Expected SERVING, got %v", resp.Status)
	}
}

func TestServerWatch(t *testing.T) {
	srv, client := startServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.Watch(ctx, &grpc_health_v1.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	expect := func(want grpc_health_v1.HealthCheckResponse_ServingStatus) {
		t.Helper()
		resp, err := stream.Recv()
		if err != nil {
			t.Fatalf("Recv failed: %v", err)
		}
		if resp.Status != want {
			t.Fatalf("Expected %v, got %v", want, resp.Status)
		}
	}

	expect(grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	srv.Health().SetServing()
	expect(grpc_health_v1.HealthCheckResponse_SERVING)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	srv.Stop(stopCtx)
	expect(grpc_health_v1.HealthCheckResponse_NOT_SERVING)
}
