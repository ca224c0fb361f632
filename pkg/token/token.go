// Package token is the mint/validate gate in front of REG and RRS. Mint
// walks a strict decision matrix inside one store transaction so secret
// matching, rotation-adoption detection, and the audit trail commit
// atomically; validate is pure except for its audit events.
package token

import (
	"fmt"
	"time"

	"github.com/rezilient-labs/authplane/pkg/audit"
	"github.com/rezilient-labs/authplane/pkg/clock"
	"github.com/rezilient-labs/authplane/pkg/rotation"
	"github.com/rezilient-labs/authplane/pkg/state"
)

// Denial reason codes. These strings are wire contract; downstream
// services branch on them byte-for-byte.
const (
	ReasonInvalidGrant      = "denied_invalid_grant"
	ReasonServiceNotAllowed = "denied_service_not_allowed"
	ReasonOutage            = "denied_auth_control_plane_outage"
	ReasonInvalidClient     = "denied_invalid_client"
	ReasonTenantSuspended   = "denied_tenant_suspended"
	ReasonTenantDisabled    = "denied_tenant_disabled"
	ReasonTenantNotEntitled = "denied_tenant_not_entitled"
	ReasonInstanceSuspended = "denied_instance_suspended"
	ReasonInstanceDisabled  = "denied_instance_disabled"
	ReasonInvalidSecret     = "denied_invalid_secret"

	ReasonTokenMalformed        = "denied_token_malformed"
	ReasonTokenInvalidSignature = "denied_token_invalid_signature"
	ReasonTokenExpired          = "denied_token_expired"
	ReasonTokenWrongScope       = "denied_token_wrong_service_scope"
)

// Refresh/in-flight evaluation actions and reasons.
const (
	ActionRefreshAllowed   = "refresh_allowed"
	ActionRetryWithinGrace = "retry_within_grace"
	ActionPauseInFlight    = "pause_in_flight"

	ActionContinue           = "continue"
	ActionPause              = "pause"
	ActionContinueUntilChunk = "continue_until_chunk_boundary"

	ReasonNone                  = "none"
	ReasonBlockedOutage         = "blocked_auth_control_plane_outage"
	ReasonRefreshGraceExhausted = "paused_token_refresh_grace_exhausted"
	ReasonPausedInstance        = "paused_instance_disabled"
	ReasonPausedEntitlement     = "paused_entitlement_disabled"
)

// Config pins the token service parameters.
type Config struct {
	Issuer                   string
	SigningKey               string
	TokenTTLSeconds          int64
	ClockSkewSeconds         int64
	OutageGraceWindowSeconds int64
}

const minSigningKeyLen = 32

// Service mints and validates bearer tokens.
type Service struct {
	store    state.Store
	rec      *audit.Recorder
	clock    clock.Clock
	rotation *rotation.Service
	cfg      Config
}

// NewService validates the configuration and wires the token service.
func NewService(store state.Store, rec *audit.Recorder, clk clock.Clock, rot *rotation.Service, cfg Config) (*Service, error) {
	if len(cfg.SigningKey) < minSigningKeyLen {
		return nil, fmt.Errorf("signing key must be at least %d characters", minSigningKeyLen)
	}
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer must not be empty")
	}
	if cfg.TokenTTLSeconds <= 0 {
		return nil, fmt.Errorf("token ttl must be positive, got %d", cfg.TokenTTLSeconds)
	}
	if cfg.ClockSkewSeconds < 0 || cfg.OutageGraceWindowSeconds < 0 {
		return nil, fmt.Errorf("clock skew and grace window must not be negative")
	}
	return &Service{store: store, rec: rec, clock: clk, rotation: rot, cfg: cfg}, nil
}

// Audience returns the fixed "rezilient:<scope>" audience string.
func Audience(scope string) string { return "rezilient:" + scope }

func secondsDuration(n int64) time.Duration { return time.Duration(n) * time.Second }
