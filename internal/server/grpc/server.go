// Package grpcserver exposes the standard gRPC health service for the reconciliation engine.
//
// The overall status ("") reports process liveness. The ReconcilerService status turns
// NOT_SERVING after an aborted cycle or when no cycle finished within the staleness window.
package grpcserver

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/itbali/vpn-validator-bot/internal/service"
)

// ReconcilerService is the health service name tracking reconciliation cycles.
const ReconcilerService = "vpnguard.Reconciler"

const healthCheckMethod = "/grpc.health.v1.Health/Check"

// Config holds listener settings.
type Config struct {
	Addr       string
	CertFile   string // TLS is enabled when both files are set
	KeyFile    string
	Reflection bool
}

// Health tracks reconciliation outcomes.
type Health struct {
	hs         *health.Server
	staleAfter time.Duration
	log        *zap.Logger

	mu   sync.Mutex
	last time.Time // last completed cycle
	now  func() time.Time
}

// NewHealth starts with the reconciler NOT_SERVING until the first cycle completes.
// staleAfter <= 0 disables the staleness check.
func NewHealth(staleAfter time.Duration, log *zap.Logger) *Health {
	if log == nil {
		log = zap.NewNop()
	}
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ReconcilerService, healthpb.HealthCheckResponse_NOT_SERVING)
	return &Health{hs: hs, staleAfter: staleAfter, log: log, now: time.Now}
}

// Observe is meant to be registered with Reconciler.OnCycle.
func (h *Health) Observe(rep service.CycleReport, err error) {
	if errors.Is(err, service.ErrCycleRunning) {
		return
	}
	if err != nil || rep.Aborted {
		h.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return
	}
	h.mu.Lock()
	h.last = rep.FinishedAt
	h.mu.Unlock()
	h.set(healthpb.HealthCheckResponse_SERVING)
}

// CheckStale flips the reconciler to NOT_SERVING when no cycle completed recently.
func (h *Health) CheckStale() {
	if h.staleAfter <= 0 {
		return
	}
	h.mu.Lock()
	last := h.last
	h.mu.Unlock()
	if !last.IsZero() && h.now().Sub(last) > h.staleAfter {
		h.log.Warn("reconciler stale", zap.Time("last_cycle", last))
		h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	}
}

// Shutdown marks every service NOT_SERVING.
func (h *Health) Shutdown() { h.hs.Shutdown() }

func (h *Health) set(st healthpb.HealthCheckResponse_ServingStatus) {
	h.hs.SetServingStatus(ReconcilerService, st)
}

// New builds a gRPC server with interceptors and the health service registered.
func New(cfg Config, h *Health, log *zap.Logger) (*grpc.Server, error) {
	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			RecoverUnary(log),
			LoggingUnary(log),
		),
		grpc.ChainStreamInterceptor(LoggingStream(log)),
	}
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		creds, err := credentials.NewServerTLSFromFile(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, grpc.Creds(creds))
	}

	s := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(s, h.hs)
	if cfg.Reflection {
		reflection.Register(s)
	}
	return s, nil
}

// Serve listens on addr until ctx is done, then stops gracefully with a five second cap.
func Serve(ctx context.Context, s *grpc.Server, addr string, h *Health, log *zap.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("grpc listening", zap.String("addr", lis.Addr().String()))
		errCh <- s.Serve(lis)
	}()

	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			h.CheckStale()
		case err := <-errCh:
			return err
		case <-ctx.Done():
			h.Shutdown()
			done := make(chan struct{})
			go func() {
				s.GracefulStop()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				s.Stop()
			}
			return nil
		}
	}
}
