package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rezilient-labs/authplane/pkg/audit"
	"github.com/rezilient-labs/authplane/pkg/enrollment"
	"github.com/rezilient-labs/authplane/pkg/registry"
	"github.com/rezilient-labs/authplane/pkg/rotation"
	"github.com/rezilient-labs/authplane/pkg/state"
	"github.com/rezilient-labs/authplane/pkg/token"
)

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteBadRequest(w, "invalid JSON request body")
		return false
	}
	return true
}

// writeServiceError maps domain sentinel errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrTenantNotFound),
		errors.Is(err, registry.ErrInstanceNotFound),
		errors.Is(err, registry.ErrSecretVersionMissing):
		WriteNotFound(w, err.Error())
	case errors.Is(err, registry.ErrTenantExists),
		errors.Is(err, registry.ErrInstanceExists),
		errors.Is(err, registry.ErrSourceMappingExists),
		errors.Is(err, registry.ErrClientIDBound),
		errors.Is(err, registry.ErrCredentialsConflict),
		errors.Is(err, registry.ErrSecretVersionExists),
		errors.Is(err, registry.ErrRotationInProgress),
		errors.Is(err, registry.ErrRotationNotAdopted):
		WriteConflict(w, err.Error())
	case errors.Is(err, registry.ErrInvalidState),
		errors.Is(err, registry.ErrInvalidService),
		errors.Is(err, registry.ErrNoServices),
		errors.Is(err, registry.ErrNoNextSecret),
		errors.Is(err, registry.ErrCredentialsMissing),
		errors.Is(err, enrollment.ErrInstanceNotLinked):
		WriteBadRequest(w, err.Error())
	default:
		WriteInternal(w, err)
	}
}

// tenantView strips nothing today but keeps the external shape decoupled
// from the snapshot document.
type tenantView struct {
	TenantID         string `json:"tenant_id"`
	Name             string `json:"name,omitempty"`
	State            string `json:"state"`
	EntitlementState string `json:"entitlement_state"`
	CreatedAt        string `json:"created_at"`
	UpdatedAt        string `json:"updated_at"`
}

func toTenantView(t *state.Tenant) tenantView {
	return tenantView{
		TenantID:         t.TenantID,
		Name:             t.Name,
		State:            string(t.State),
		EntitlementState: string(t.EntitlementState),
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
	}
}

// instanceView is the external instance shape. Credentials appear only as
// version metadata; secret hashes never leave the store.
type instanceView struct {
	InstanceID      string              `json:"instance_id"`
	TenantID        string              `json:"tenant_id"`
	Source          string              `json:"source,omitempty"`
	State           string              `json:"state"`
	AllowedServices []string            `json:"allowed_services"`
	ClientID        string              `json:"client_id,omitempty"`
	SecretVersions  []secretVersionView `json:"secret_versions,omitempty"`
	CreatedAt       string              `json:"created_at"`
	UpdatedAt       string              `json:"updated_at"`
}

type secretVersionView struct {
	SecretVersionID string `json:"secret_version_id"`
	Current         bool   `json:"current"`
	Next            bool   `json:"next"`
	CreatedAt       string `json:"created_at"`
	AdoptedAt       string `json:"adopted_at,omitempty"`
	ValidUntil      string `json:"valid_until,omitempty"`
	RevokedAt       string `json:"revoked_at,omitempty"`
}

func toInstanceView(inst *state.Instance) instanceView {
	v := instanceView{
		InstanceID:      inst.InstanceID,
		TenantID:        inst.TenantID,
		Source:          inst.Source,
		State:           string(inst.State),
		AllowedServices: inst.AllowedServices,
		CreatedAt:       inst.CreatedAt,
		UpdatedAt:       inst.UpdatedAt,
	}
	if inst.Credentials == nil {
		return v
	}
	v.ClientID = inst.Credentials.ClientID
	for _, sv := range inst.Credentials.SecretVersions {
		v.SecretVersions = append(v.SecretVersions, secretVersionView{
			SecretVersionID: sv.VersionID,
			Current:         sv.VersionID == inst.Credentials.CurrentSecretVersionID,
			Next:            sv.VersionID == inst.Credentials.NextSecretVersionID,
			CreatedAt:       sv.CreatedAt,
			AdoptedAt:       sv.AdoptedAt,
			ValidUntil:      sv.ValidUntil,
			RevokedAt:       sv.RevokedAt,
		})
	}
	return v
}

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TenantID         string `json:"tenant_id"`
		Name             string `json:"name"`
		State            string `json:"state"`
		EntitlementState string `json:"entitlement_state"`
		Actor            string `json:"actor"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	tenant, err := s.registry.CreateTenant(r.Context(), registry.CreateTenantInput{
		TenantID:         body.TenantID,
		Name:             body.Name,
		State:            state.LifecycleState(body.State),
		EntitlementState: state.LifecycleState(body.EntitlementState),
		Actor:            body.Actor,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, toTenantView(tenant))
}

func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := s.registry.ListTenants(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	views := make([]tenantView, 0, len(tenants))
	for _, t := range tenants {
		views = append(views, toTenantView(t))
	}
	WriteJSON(w, http.StatusOK, map[string]any{"tenants": views})
}

func (s *Server) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	tenant, err := s.registry.GetTenant(r.Context(), r.PathValue("tenantID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, toTenantView(tenant))
}

func (s *Server) handleSetTenantState(w http.ResponseWriter, r *http.Request) {
	var body struct {
		State string `json:"state"`
		Actor string `json:"actor"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	tenant, err := s.registry.SetTenantState(r.Context(), r.PathValue("tenantID"), state.LifecycleState(body.State), body.Actor)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, toTenantView(tenant))
}

func (s *Server) handleSetTenantEntitlement(w http.ResponseWriter, r *http.Request) {
	var body struct {
		EntitlementState string `json:"entitlement_state"`
		Actor            string `json:"actor"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	tenant, err := s.registry.SetTenantEntitlement(r.Context(), r.PathValue("tenantID"), state.LifecycleState(body.EntitlementState), body.Actor)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, toTenantView(tenant))
}

func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var body struct {
		InstanceID      string   `json:"instance_id"`
		TenantID        string   `json:"tenant_id"`
		Source          string   `json:"source"`
		State           string   `json:"state"`
		AllowedServices []string `json:"allowed_services"`
		Actor           string   `json:"actor"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	instance, err := s.registry.CreateInstance(r.Context(), registry.CreateInstanceInput{
		InstanceID:      body.InstanceID,
		TenantID:        body.TenantID,
		Source:          body.Source,
		State:           state.LifecycleState(body.State),
		AllowedServices: body.AllowedServices,
		Actor:           body.Actor,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, toInstanceView(instance))
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := s.registry.ListInstances(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	views := make([]instanceView, 0, len(instances))
	for _, inst := range instances {
		views = append(views, toInstanceView(inst))
	}
	WriteJSON(w, http.StatusOK, map[string]any{"instances": views})
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	instance, err := s.registry.GetInstance(r.Context(), r.PathValue("instanceID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, toInstanceView(instance))
}

func (s *Server) handleSetInstanceState(w http.ResponseWriter, r *http.Request) {
	var body struct {
		State string `json:"state"`
		Actor string `json:"actor"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	instance, err := s.registry.SetInstanceState(r.Context(), r.PathValue("instanceID"), state.LifecycleState(body.State), body.Actor)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, toInstanceView(instance))
}

func (s *Server) handleSetInstanceServices(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AllowedServices []string `json:"allowed_services"`
		Actor           string   `json:"actor"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	instance, err := s.registry.SetInstanceAllowedServices(r.Context(), r.PathValue("instanceID"), body.AllowedServices, body.Actor)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, toInstanceView(instance))
}

func (s *Server) handleIssueEnrollmentCode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TenantID    string `json:"tenant_id"`
		InstanceID  string `json:"instance_id"`
		TTLSeconds  int64  `json:"ttl_seconds"`
		RequestedBy string `json:"requested_by"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	result, err := s.enrollment.Issue(r.Context(), enrollment.IssueInput{
		TenantID:    body.TenantID,
		InstanceID:  body.InstanceID,
		TTLSeconds:  body.TTLSeconds,
		RequestedBy: body.RequestedBy,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, result)
}

func (s *Server) handleExchangeEnrollmentCode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		EnrollmentCode string `json:"enrollment_code"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	result, err := s.enrollment.Exchange(r.Context(), body.EnrollmentCode)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if !result.Success {
		WriteDenial(w, http.StatusBadRequest, "Enrollment Denied", "the enrollment code was rejected", result.ReasonCode)
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

// mintDenialStatus picks the HTTP status for a mint denial reason.
func mintDenialStatus(reasonCode string) int {
	switch reasonCode {
	case token.ReasonInvalidGrant:
		return http.StatusBadRequest
	case token.ReasonInvalidClient, token.ReasonInvalidSecret:
		return http.StatusUnauthorized
	case token.ReasonOutage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusForbidden
	}
}

func (s *Server) handleMintToken(w http.ResponseWriter, r *http.Request) {
	var body token.MintRequest
	if !decodeBody(w, r, &body) {
		return
	}

	if s.limiter != nil && body.ClientID != "" {
		allowed, err := s.limiter.Allow(r.Context(), body.ClientID)
		if err != nil {
			s.logger.Warn("mint limiter unavailable, allowing request", "error", err)
		} else if !allowed {
			WriteTooManyRequests(w, 5)
			return
		}
	}

	result, err := s.token.Mint(r.Context(), body)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if s.obs != nil {
		s.obs.RecordMint(r.Context(), result.Success, result.ReasonCode)
	}
	if !result.Success {
		WriteDenial(w, mintDenialStatus(result.ReasonCode), "Token Mint Denied", "the token request was denied", result.ReasonCode)
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

func (s *Server) handleValidateToken(w http.ResponseWriter, r *http.Request) {
	var body token.ValidateRequest
	if !decodeBody(w, r, &body) {
		return
	}
	result, err := s.token.Validate(r.Context(), body)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if s.obs != nil {
		s.obs.RecordValidate(r.Context(), result.Success, result.ReasonCode)
	}
	WriteJSON(w, http.StatusOK, result)
}

func (s *Server) handleStartRotation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OverlapSeconds int64  `json:"overlap_seconds"`
		RequestedBy    string `json:"requested_by"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	result, err := s.rotation.Start(r.Context(), rotation.StartInput{
		InstanceID:     r.PathValue("instanceID"),
		OverlapSeconds: body.OverlapSeconds,
		RequestedBy:    body.RequestedBy,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, result)
}

func (s *Server) handleCompleteRotation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RequestedBy string `json:"requested_by"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	result, err := s.rotation.Complete(r.Context(), r.PathValue("instanceID"), body.RequestedBy)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

func (s *Server) handleRevokeSecret(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason      string `json:"reason"`
		RequestedBy string `json:"requested_by"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	err := s.rotation.Revoke(r.Context(), rotation.RevokeInput{
		InstanceID:  r.PathValue("instanceID"),
		VersionID:   r.PathValue("versionID"),
		Reason:      body.Reason,
		RequestedBy: body.RequestedBy,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"revoked": true})
}

func (s *Server) handleGetOutageMode(w http.ResponseWriter, r *http.Request) {
	active, err := s.token.IsOutageModeActive(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"outage_active": active})
}

func (s *Server) handleSetOutageMode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OutageActive bool   `json:"outage_active"`
		Actor        string `json:"actor"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.token.SetOutageMode(r.Context(), body.OutageActive, body.Actor); err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"outage_active": body.OutageActive})
}

func (s *Server) handleRefreshEvaluation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TokenExpiresAt string `json:"token_expires_at"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	eval, err := s.token.EvaluateRefreshDuringOutage(r.Context(), body.TokenExpiresAt)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, eval)
}

func (s *Server) handleInFlightEvaluation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AtChunkBoundary bool `json:"at_chunk_boundary"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	eval, err := s.token.EvaluateInFlightEntitlement(r.Context(), r.PathValue("instanceID"), body.AtChunkBoundary)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, eval)
}

func (s *Server) handleListAuditEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.recorder.List(r.Context(), queryLimit(r))
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleListCrossServiceEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.recorder.ListCrossService(r.Context(), queryLimit(r))
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleExportAudit(w http.ResponseWriter, r *http.Request) {
	if s.uploader == nil {
		WriteBadRequest(w, "audit export is not configured")
		return
	}
	bundle, err := s.recorder.Export(r.Context(), s.uploader)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"bundle_hash": bundle.BundleHash,
		"event_count": len(bundle.Events),
	})
}

func (s *Server) handleRecordOnboardingEvent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TenantID   string         `json:"tenant_id"`
		InstanceID string         `json:"instance_id"`
		Actor      string         `json:"actor"`
		Metadata   map[string]any `json:"metadata"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	event, err := s.recorder.Record(r.Context(), audit.Input{
		EventType:  audit.EventOnboarding,
		TenantID:   body.TenantID,
		InstanceID: body.InstanceID,
		Actor:      body.Actor,
		Metadata:   body.Metadata,
	})
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, event)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	version, err := s.store.Version(r.Context())
	if err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unhealthy"})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"snapshot_version": version,
	})
}

func queryLimit(r *http.Request) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
