package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/pipeline-works/contentflow/internal/config"
)

func testConfig() config.ServerConfig {
	return config.ServerConfig{
		Host:         "127.0.0.1",
		Port:         0,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

func TestServesHandler(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("pong"))
	})
	s := New(testConfig(), handler, nil, zaptest.NewLogger(t))
	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.Stop(context.Background()) }()

	assert.Empty(t, s.GRPCAddr())

	resp, err := http.Get("http://" + s.HTTPAddr() + "/ping")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(body))
}

func TestStartFailsOnBusyPort(t *testing.T) {
	first := New(testConfig(), http.NotFoundHandler(), nil, zaptest.NewLogger(t))
	require.NoError(t, first.Start(context.Background()))
	defer func() { _ = first.Stop(context.Background()) }()

	cfg := testConfig()
	_, port := splitPort(t, first.HTTPAddr())
	cfg.Port = port
	second := New(cfg, http.NotFoundHandler(), nil, zaptest.NewLogger(t))
	assert.Error(t, second.Start(context.Background()))
}

func TestGRPCHealthFollowsReadiness(t *testing.T) {
	var ready atomic.Bool
	s := New(testConfig(), http.NotFoundHandler(), ready.Load, zaptest.NewLogger(t),
		WithGRPCAddr("127.0.0.1:0"),
		WithHealthInterval(10*time.Millisecond))
	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.Stop(context.Background()) }()

	conn, err := grpc.NewClient(s.GRPCAddr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	check := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			return healthpb.HealthCheckResponse_UNKNOWN
		}
		return resp.GetStatus()
	}

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(""))

	ready.Store(true)
	require.Eventually(t, func() bool {
		return check(ServiceName) == healthpb.HealthCheckResponse_SERVING
	}, 2*time.Second, 10*time.Millisecond)

	ready.Store(false)
	require.Eventually(t, func() bool {
		return check("") == healthpb.HealthCheckResponse_NOT_SERVING
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStopIsIdempotent(t *testing.T) {
	s := New(testConfig(), http.NotFoundHandler(), nil, zaptest.NewLogger(t), WithGRPCAddr("127.0.0.1:0"))
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
}

func splitPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}
