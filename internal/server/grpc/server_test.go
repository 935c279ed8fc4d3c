package grpcserver

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/itbali/vpn-validator-bot/internal/service"
)

const bufSize = 1 << 20

func startBufGRPC(t *testing.T, h *Health) (healthpb.HealthClient, func()) {
	t.Helper()
	lis := bufconn.Listen(bufSize)
	gs, err := New(Config{}, h, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	go func() { _ = gs.Serve(lis) }()
	dialer := func(context.Context, string) (net.Conn, error) { return lis.Dial() }
	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(dialer), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	stop := func() { _ = cc.Close(); gs.Stop(); _ = lis.Close() }
	return healthpb.NewHealthClient(cc), stop
}

func check(t *testing.T, c healthpb.HealthClient, svc string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := c.Check(ctx, &healthpb.HealthCheckRequest{Service: svc})
	if err != nil {
		t.Fatalf("check %q: %v", svc, err)
	}
	return resp.GetStatus()
}

func TestHealth_FollowsCycles(t *testing.T) {
	t.Parallel()

	h := NewHealth(0, zaptest.NewLogger(t))
	c, stop := startBufGRPC(t, h)
	defer stop()

	if got := check(t, c, ""); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("process status: %v", got)
	}
	if got := check(t, c, ReconcilerService); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("before first cycle: %v", got)
	}

	h.Observe(service.CycleReport{FinishedAt: time.Now()}, nil)
	if got := check(t, c, ReconcilerService); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("after good cycle: %v", got)
	}

	// an overlapping trigger says nothing about health
	h.Observe(service.CycleReport{}, service.ErrCycleRunning)
	if got := check(t, c, ReconcilerService); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("after overlap: %v", got)
	}

	h.Observe(service.CycleReport{Aborted: true}, errors.New("list keys"))
	if got := check(t, c, ReconcilerService); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("after aborted cycle: %v", got)
	}
}

func TestHealth_Stale(t *testing.T) {
	t.Parallel()

	h := NewHealth(time.Hour, zaptest.NewLogger(t))
	c, stop := startBufGRPC(t, h)
	defer stop()

	done := time.Now()
	h.Observe(service.CycleReport{FinishedAt: done}, nil)

	h.now = func() time.Time { return done.Add(30 * time.Minute) }
	h.CheckStale()
	if got := check(t, c, ReconcilerService); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("fresh cycle reported stale: %v", got)
	}

	h.now = func() time.Time { return done.Add(2 * time.Hour) }
	h.CheckStale()
	if got := check(t, c, ReconcilerService); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("stale cycle still serving: %v", got)
	}
}

func TestHealth_Shutdown(t *testing.T) {
	t.Parallel()

	h := NewHealth(0, zaptest.NewLogger(t))
	c, stop := startBufGRPC(t, h)
	defer stop()

	h.Shutdown()
	if got := check(t, c, ""); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("after shutdown: %v", got)
	}
}

func TestServe_StopsOnCancel(t *testing.T) {
	t.Parallel()

	log := zaptest.NewLogger(t)
	h := NewHealth(0, log)
	gs, err := New(Config{}, h, log)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- Serve(ctx, gs, "127.0.0.1:0", h, log) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(6 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestNew_BadTLSFiles(t *testing.T) {
	t.Parallel()

	_, err := New(Config{CertFile: "missing.pem", KeyFile: "missing.key"}, NewHealth(0, nil), zaptest.NewLogger(t))
	if err == nil {
		t.Fatal("want error for missing TLS files")
	}
}
