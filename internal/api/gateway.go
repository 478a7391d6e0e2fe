// Package api exposes the workflow engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pipeline-works/contentflow/internal/logging"
	"github.com/pipeline-works/contentflow/internal/models"
	"github.com/pipeline-works/contentflow/internal/scheduler"
	"github.com/pipeline-works/contentflow/internal/store"
	"github.com/pipeline-works/contentflow/internal/workflow"
)

// Engine is the part of the workflow engine the API drives.
type Engine interface {
	StartWorkflow(ctx context.Context, kind string, opts models.RunOptions) (*models.WorkflowInstance, error)
	GetWorkflow(ctx context.Context, id string) (*models.WorkflowInstance, error)
	ListWorkflows(ctx context.Context, filter *store.ListFilter) ([]*models.WorkflowInstance, error)
	Metrics(ctx context.Context, id string) (*workflow.WorkflowMetrics, error)
	CancelWorkflow(ctx context.Context, id string) error
	GetApproval(ctx context.Context, id string) (*models.ApprovalRequest, error)
	Decide(ctx context.Context, approvalID string, approved bool, by string) (*models.ApprovalRequest, error)
	Ready() bool
}

// Schedules lists the cron schedules of the process.
type Schedules interface {
	Entries() []scheduler.Entry
}

// Gateway routes HTTP requests to the engine.
type Gateway struct {
	router    *mux.Router
	engine    Engine
	schedules Schedules
	logger    logging.Logger
	limiter   *RateLimiter
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithRateLimit allows perSecond requests per client with the given burst.
// A non-positive rate disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(g *Gateway) {
		if perSecond <= 0 {
			g.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		g.limiter = NewRateLimiter(rate.Limit(perSecond), burst)
	}
}

func WithSchedules(s Schedules) Option {
	return func(g *Gateway) { g.schedules = s }
}

func WithLogger(l logging.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// NewGateway builds the router.
func NewGateway(engine Engine, opts ...Option) *Gateway {
	g := &Gateway{
		router:  mux.NewRouter(),
		engine:  engine,
		logger:  logging.NewNop(),
		limiter: NewRateLimiter(rate.Limit(5), 20),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.Named("api")
	g.setupRoutes()
	return g
}

func (g *Gateway) setupRoutes() {
	g.router.HandleFunc("/health", g.health).Methods(http.MethodGet)
	g.router.HandleFunc("/ready", g.ready).Methods(http.MethodGet)

	r := g.router.PathPrefix("/").Subrouter()
	r.Use(g.corsMiddleware, g.rateLimitMiddleware, g.loggingMiddleware)

	r.HandleFunc("/workflow/start", g.startWorkflow).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/workflows", g.listWorkflows).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/workflow/{id}", g.getWorkflow).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/workflow/{id}/metrics", g.workflowMetrics).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/workflow/{id}/cancel", g.cancelWorkflow).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/approval/{id}", g.getApproval).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/approval/{id}", g.decide).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/schedules", g.listSchedules).Methods(http.MethodGet, http.MethodOptions)

	// Mismatches inside the subrouter never reach the parent's handlers.
	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	})
	notAllowed := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	g.router.NotFoundHandler = notFound
	g.router.MethodNotAllowedHandler = notAllowed
	r.NotFoundHandler = notFound
	r.MethodNotAllowedHandler = notAllowed
}

// ServeHTTP lets the gateway be mounted directly on an http.Server.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

// Router exposes the underlying router so the server can mount extra routes.
func (g *Gateway) Router() *mux.Router {
	return g.router
}

// RateLimiter keeps one token bucket per client.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

func NewRateLimiter(r rate.Limit, b int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    b,
	}
}

// Allow reports whether client may make another request now.
func (rl *RateLimiter) Allow(client string) bool {
	rl.mu.Lock()
	limiter, exists := rl.limiters[client]
	if !exists {
		limiter = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[client] = limiter
	}
	rl.mu.Unlock()

	return limiter.Allow()
}

func (g *Gateway) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.limiter != nil && !g.limiter.Allow(clientIP(r)) {
			g.writeError(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "Rate limit exceeded", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Reviewer")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (g *Gateway) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		g.logger.Debug(r.Context(), "HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)))
	})
}

// clientIP prefers proxy headers over the socket address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	ip := r.RemoteAddr
	if colon := strings.LastIndex(ip, ":"); colon != -1 {
		ip = ip[:colon]
	}
	return ip
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		g.logger.Error(context.Background(), "Failed to encode JSON response", zap.Error(err))
	}
}

func (g *Gateway) writeError(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	g.writeJSON(w, status, ErrorResponse{Code: code, Message: message, Details: details})
}
