// Package probe exposes the session state through the standard gRPC health
// service so orchestrators can route on it.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/ashureev/lelo-bot/internal/domain"
	"github.com/ashureev/lelo-bot/internal/events"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// SessionService is the health service name that tracks the session. The
// empty name reports the same status.
const SessionService = "lelo.session"

// EventSource streams lifecycle events until ctx is done.
type EventSource interface {
	Subscribe(ctx context.Context) (<-chan events.Event, error)
}

// Server is a gRPC server carrying only the health service.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	logger *slog.Logger
}

// NewServer creates a health server reporting NOT_SERVING until told otherwise.
func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	gs := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    2 * time.Minute,
			Timeout: 10 * time.Second,
		}),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	s := &Server{grpc: gs, health: hs, logger: logger}
	s.SetState(domain.StateInitializing)
	return s
}

// SetState maps a session state onto the health status. Only a connected
// session is SERVING.
func (s *Server) SetState(state domain.SessionState) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if state == domain.StateConnected {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(SessionService, status)
}

// Follow applies state changes from src until ctx is done. Events older than
// the last applied one are skipped.
func (s *Server) Follow(ctx context.Context, src EventSource) error {
	stream, err := src.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("follow session state: %w", err)
	}

	go func() {
		var applied string
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-stream:
				if !ok {
					return
				}
				if ev.Type != events.StateChanged || ev.State == "" {
					continue
				}
				// IDs are ULIDs; a lower one was stamped before the state
				// already applied.
				if ev.ID != "" && ev.ID <= applied {
					continue
				}
				applied = ev.ID
				s.logger.Debug("Health status follows session", "state", ev.State)
				s.SetState(ev.State)
			}
		}
	}()
	return nil
}

// Serve blocks serving on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("gRPC health service listening", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve grpc health: %w", err)
	}
	return nil
}

// Stop reports NOT_SERVING to watchers and stops the server.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
