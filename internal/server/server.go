// Package server hosts the HTTP API and the gRPC health service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/pipeline-works/contentflow/internal/config"
)

// ServiceName is the gRPC health service name reported alongside the
// overall ("") status.
const ServiceName = "contentflow.Engine"

// Server owns the listeners of the process.
type Server struct {
	config  config.ServerConfig
	handler http.Handler
	ready   func() bool
	logger  *zap.Logger

	grpcAddr       string
	healthInterval time.Duration

	httpServer *http.Server
	httpLis    net.Listener
	grpcServer *grpc.Server
	grpcLis    net.Listener
	health     *health.Server

	wg       sync.WaitGroup
	shutdown chan struct{}
	stopOnce sync.Once
}

// Option configures a Server.
type Option func(*Server)

// WithGRPCAddr overrides the gRPC listen address derived from the config.
func WithGRPCAddr(addr string) Option {
	return func(s *Server) { s.grpcAddr = addr }
}

// WithHealthInterval sets how often readiness is copied into the health service.
func WithHealthInterval(d time.Duration) Option {
	return func(s *Server) { s.healthInterval = d }
}

// New returns a server for handler. ready feeds both /ready and the gRPC
// health status; a nil ready always reports ready.
func New(cfg config.ServerConfig, handler http.Handler, ready func() bool, logger *zap.Logger, opts ...Option) *Server {
	if ready == nil {
		ready = func() bool { return true }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		config:         cfg,
		handler:        handler,
		ready:          ready,
		logger:         logger.Named("server"),
		healthInterval: time.Second,
		shutdown:       make(chan struct{}),
	}
	if cfg.GRPCPort > 0 {
		s.grpcAddr = fmt.Sprintf("%s:%d", cfg.Host, cfg.GRPCPort)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start binds every listener before serving so address errors are returned.
func (s *Server) Start(ctx context.Context) error {
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if s.grpcAddr != "" {
		if err := s.startGRPCServer(); err != nil {
			_ = s.httpServer.Close()
			return fmt.Errorf("failed to start gRPC server: %w", err)
		}
	}

	s.logger.Info("Server started",
		zap.String("http_addr", s.HTTPAddr()),
		zap.String("grpc_addr", s.GRPCAddr()))
	return nil
}

// Stop drains the HTTP server and stops gRPC gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping server")

	var errs []error
	s.stopOnce.Do(func() {
		close(s.shutdown)

		if s.health != nil {
			s.health.Shutdown()
		}
		if s.httpServer != nil {
			if err := s.httpServer.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("failed to shutdown HTTP server: %w", err))
			}
		}
		if s.grpcServer != nil {
			stopped := make(chan struct{})
			go func() {
				s.grpcServer.GracefulStop()
				close(stopped)
			}()
			select {
			case <-stopped:
			case <-ctx.Done():
				s.grpcServer.Stop()
			}
		}
		s.wg.Wait()
	})

	s.logger.Info("Server stopped")
	return errors.Join(errs...)
}

// HTTPAddr returns the bound HTTP address, or "" before Start.
func (s *Server) HTTPAddr() string {
	if s.httpLis == nil {
		return ""
	}
	return s.httpLis.Addr().String()
}

// GRPCAddr returns the bound gRPC address, or "" when gRPC is off.
func (s *Server) GRPCAddr() string {
	if s.grpcLis == nil {
		return ""
	}
	return s.grpcLis.Addr().String()
}

func (s *Server) startHTTPServer() error {
	lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.config.Host, s.config.Port))
	if err != nil {
		return err
	}
	s.httpLis = lis

	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadTimeout:       s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) startGRPCServer() error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on gRPC address: %w", err)
	}
	s.grpcLis = lis

	s.grpcServer = grpc.NewServer(grpc.UnaryInterceptor(loggingInterceptor(s.logger)))
	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.syncHealth()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error("gRPC server error", zap.Error(err))
		}
	}()
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.healthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.shutdown:
				return
			case <-ticker.C:
				s.syncHealth()
			}
		}
	}()
	return nil
}

// syncHealth copies engine readiness into the health service.
func (s *Server) syncHealth() {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if s.ready() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.Duration("duration", time.Since(start)),
		}
		if err != nil {
			logger.Warn("gRPC request failed", append(fields, zap.Error(err))...)
		} else {
			logger.Debug("gRPC request", fields...)
		}
		return resp, err
	}
}
