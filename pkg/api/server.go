package api

import (
	"log/slog"
	"net/http"

	"github.com/rezilient-labs/authplane/pkg/audit"
	"github.com/rezilient-labs/authplane/pkg/enrollment"
	"github.com/rezilient-labs/authplane/pkg/observability"
	"github.com/rezilient-labs/authplane/pkg/registry"
	"github.com/rezilient-labs/authplane/pkg/rotation"
	"github.com/rezilient-labs/authplane/pkg/state"
	"github.com/rezilient-labs/authplane/pkg/token"
)

// Server routes the control-plane HTTP API onto the domain services.
type Server struct {
	store      state.Store
	registry   *registry.Service
	enrollment *enrollment.Service
	rotation   *rotation.Service
	token      *token.Service
	recorder   *audit.Recorder

	limiter  Limiter
	uploader audit.Uploader
	obs      *observability.Provider
	logger   *slog.Logger
}

// Deps carries everything the server needs. Limiter, Uploader, and
// Observability are optional.
type Deps struct {
	Store      state.Store
	Registry   *registry.Service
	Enrollment *enrollment.Service
	Rotation   *rotation.Service
	Token      *token.Service
	Recorder   *audit.Recorder

	Limiter       Limiter
	Uploader      audit.Uploader
	Observability *observability.Provider
	Logger        *slog.Logger
}

// NewServer builds the server.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:      deps.Store,
		registry:   deps.Registry,
		enrollment: deps.Enrollment,
		rotation:   deps.Rotation,
		token:      deps.Token,
		recorder:   deps.Recorder,
		limiter:    deps.Limiter,
		uploader:   deps.Uploader,
		obs:        deps.Observability,
		logger:     logger.With("component", "api"),
	}
}

// Handler returns the fully wired HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/tenants", s.handleCreateTenant)
	mux.HandleFunc("GET /v1/tenants", s.handleListTenants)
	mux.HandleFunc("GET /v1/tenants/{tenantID}", s.handleGetTenant)
	mux.HandleFunc("PUT /v1/tenants/{tenantID}/state", s.handleSetTenantState)
	mux.HandleFunc("PUT /v1/tenants/{tenantID}/entitlement", s.handleSetTenantEntitlement)

	mux.HandleFunc("POST /v1/instances", s.handleCreateInstance)
	mux.HandleFunc("GET /v1/instances", s.handleListInstances)
	mux.HandleFunc("GET /v1/instances/{instanceID}", s.handleGetInstance)
	mux.HandleFunc("PUT /v1/instances/{instanceID}/state", s.handleSetInstanceState)
	mux.HandleFunc("PUT /v1/instances/{instanceID}/services", s.handleSetInstanceServices)

	mux.HandleFunc("POST /v1/enrollment/codes", s.handleIssueEnrollmentCode)
	mux.HandleFunc("POST /v1/enrollment/exchange", s.handleExchangeEnrollmentCode)

	mux.HandleFunc("POST /oauth/token", s.handleMintToken)
	mux.HandleFunc("POST /v1/tokens/validate", s.handleValidateToken)
	mux.HandleFunc("POST /v1/tokens/refresh-evaluation", s.handleRefreshEvaluation)

	mux.HandleFunc("POST /v1/instances/{instanceID}/rotations", s.handleStartRotation)
	mux.HandleFunc("POST /v1/instances/{instanceID}/rotations/complete", s.handleCompleteRotation)
	mux.HandleFunc("POST /v1/instances/{instanceID}/secrets/{versionID}/revoke", s.handleRevokeSecret)
	mux.HandleFunc("POST /v1/instances/{instanceID}/inflight-evaluation", s.handleInFlightEvaluation)

	mux.HandleFunc("GET /v1/admin/outage-mode", s.handleGetOutageMode)
	mux.HandleFunc("PUT /v1/admin/outage-mode", s.handleSetOutageMode)

	mux.HandleFunc("GET /v1/audit/events", s.handleListAuditEvents)
	mux.HandleFunc("GET /v1/audit/cross-service", s.handleListCrossServiceEvents)
	mux.HandleFunc("POST /v1/audit/export", s.handleExportAudit)
	mux.HandleFunc("POST /v1/analytics/onboarding", s.handleRecordOnboardingEvent)

	mux.HandleFunc("GET /healthz", s.handleHealthz)

	return WithRequestID(WithAccessLog(s.logger, s.obs, mux))
}
