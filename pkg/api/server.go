package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/tokenmeter/pkg/billing"
	"github.com/platinummonkey/tokenmeter/pkg/entitlements"
	"github.com/platinummonkey/tokenmeter/pkg/httputil"
	"github.com/platinummonkey/tokenmeter/pkg/ledger"
	"github.com/platinummonkey/tokenmeter/pkg/middleware"
	"github.com/platinummonkey/tokenmeter/pkg/observability"
	"github.com/platinummonkey/tokenmeter/pkg/webhooks"
)

// MaxBodyBytes caps every request body, webhook payloads included
const MaxBodyBytes = 1 << 20

// WebhookIngestor handles one verified provider delivery
type WebhookIngestor interface {
	Handle(ctx context.Context, provider string, payload []byte, header http.Header) (webhooks.Result, error)
}

// EntitlementService reads and changes a user's entitlement
type EntitlementService interface {
	Entitlement(ctx context.Context, userID string) (entitlements.Entitlement, error)
	Cancel(ctx context.Context, userID string) (entitlements.ChangeResult, error)
	Reactivate(ctx context.Context, userID string) (entitlements.ChangeResult, error)
}

// QuotaGate admits and records token consumption
type QuotaGate interface {
	CheckAndConsume(ctx context.Context, req ledger.ConsumeRequest) (ledger.Decision, error)
	ResetForNewPeriod(ctx context.Context, userID string, periodStart, periodEnd time.Time) (*billing.Subscription, error)
	GetUsageStats(ctx context.Context, userID string) (billing.UsageStats, error)
	ListUsage(ctx context.Context, userID string, limit int) ([]*billing.UsageEntry, error)
}

// PaymentHistory lists recorded payments
type PaymentHistory interface {
	History(ctx context.Context, userID string, limit int) ([]*billing.Payment, error)
}

// Deps are the engine components the API fronts
type Deps struct {
	Webhooks     WebhookIngestor
	Entitlements EntitlementService
	Gate         QuotaGate
	Payments     PaymentHistory
	Logger       *observability.Logger
	Metrics      *observability.Metrics

	// WebhookLimiter throttles deliveries per client IP; nil disables it
	WebhookLimiter *middleware.RateLimiter
}

// Server represents our API server
type Server struct {
	router       *mux.Router
	webhooks     WebhookIngestor
	entitlements EntitlementService
	gate         QuotaGate
	payments     PaymentHistory
	logger       *observability.Logger
	metrics      *observability.Metrics
	limiter      *middleware.RateLimiter
	now          func() time.Time
}

// NewServer creates a new API server
func NewServer(deps Deps) *Server {
	s := &Server{
		router:       mux.NewRouter(),
		webhooks:     deps.Webhooks,
		entitlements: deps.Entitlements,
		gate:         deps.Gate,
		payments:     deps.Payments,
		logger:       deps.Logger,
		metrics:      deps.Metrics,
		limiter:      deps.WebhookLimiter,
		now:          func() time.Time { return time.Now().UTC() },
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	var webhook http.Handler = http.HandlerFunc(s.handleWebhook)
	if s.limiter != nil {
		webhook = middleware.RateLimitMiddleware(s.limiter)(webhook)
	}
	s.router.Handle("/webhooks/{provider}", webhook).Methods("POST")

	s.router.HandleFunc("/entitlement/{userId}", s.getEntitlement).Methods("GET")
	s.router.HandleFunc("/entitlement/{userId}/cancel", s.cancelEntitlement).Methods("POST")
	s.router.HandleFunc("/entitlement/{userId}/reactivate", s.reactivateEntitlement).Methods("POST")

	s.router.HandleFunc("/usage/consume", s.consumeUsage).Methods("POST")
	s.router.HandleFunc("/usage/{userId}", s.getUsageStats).Methods("GET")
	s.router.HandleFunc("/usage/{userId}/entries", s.listUsage).Methods("GET")
	s.router.HandleFunc("/usage/{userId}/reset", s.resetUsage).Methods("POST")

	s.router.HandleFunc("/payments/{userId}", s.listPayments).Methods("GET")

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteNotFound(w, "not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteErrorMessage(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	if s.metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(s.metrics))
	}
}

// Router exposes the mux for tests and extra routes
func (s *Server) Router() *mux.Router {
	return s.router
}

// Handler returns the router wrapped in the request middleware and OTel
// instrumentation
func (s *Server) Handler() http.Handler {
	chain := httputil.Chain(
		httputil.RequestIDMiddleware(s.logger),
		httputil.RecoveryMiddleware,
		httputil.LoggingMiddleware,
		httputil.MaxBytesMiddleware(MaxBodyBytes),
	)
	return otelhttp.NewHandler(chain(s.router), "tokenmeter.api")
}
