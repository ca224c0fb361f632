package token

import (
	"context"
	"errors"

	"github.com/rezilient-labs/authplane/pkg/audit"
	"github.com/rezilient-labs/authplane/pkg/crypto"
	"github.com/rezilient-labs/authplane/pkg/state"
)

// ValidateRequest checks an access token, optionally pinning the scope
// the caller expects to serve.
type ValidateRequest struct {
	AccessToken          string `json:"access_token"`
	ExpectedServiceScope string `json:"expected_service_scope,omitempty"`
}

// Claims are the strictly-typed token claims.
type Claims struct {
	Issuer       string `json:"iss"`
	Subject      string `json:"sub"`
	Audience     string `json:"aud"`
	TokenID      string `json:"jti"`
	IssuedAt     int64  `json:"iat"`
	ExpiresAt    int64  `json:"exp"`
	ServiceScope string `json:"service_scope"`
	TenantID     string `json:"tenant_id,omitempty"`
	InstanceID   string `json:"instance_id,omitempty"`
	Source       string `json:"source,omitempty"`
}

// ValidateResult is the tagged validation outcome.
type ValidateResult struct {
	Success    bool    `json:"success"`
	ReasonCode string  `json:"reason_code,omitempty"`
	Claims     *Claims `json:"claims,omitempty"`
}

// Validate verifies structure, signature, issuer, expiry (with clock
// skew), and scope, in that order. Every failure path is audited as
// token_validate_denied with the returned reason code.
func (s *Service) Validate(ctx context.Context, req ValidateRequest) (*ValidateResult, error) {
	claims, reason := s.checkToken(req)

	if reason != "" {
		_, err := s.rec.Record(ctx, audit.Input{
			EventType:  audit.EventTokenValidateDenied,
			ReasonCode: reason,
			Metadata:   denyMetadata(claims, req.ExpectedServiceScope),
		})
		if err != nil {
			return nil, err
		}
		return &ValidateResult{Success: false, ReasonCode: reason}, nil
	}

	_, err := s.rec.Record(ctx, audit.Input{
		EventType:    audit.EventTokenValidated,
		TenantID:     claims.TenantID,
		InstanceID:   claims.InstanceID,
		ClientID:     claims.Subject,
		ServiceScope: claims.ServiceScope,
	})
	if err != nil {
		return nil, err
	}
	return &ValidateResult{Success: true, Claims: claims}, nil
}

// checkToken runs the pure validation pipeline; a non-empty reason means
// denial. Claims may be partially populated on denial for audit context.
func (s *Service) checkToken(req ValidateRequest) (*Claims, string) {
	raw, err := crypto.VerifyCompact([]byte(s.cfg.SigningKey), req.AccessToken)
	if err != nil {
		if errors.Is(err, crypto.ErrTokenInvalidSignature) {
			return nil, ReasonTokenInvalidSignature
		}
		return nil, ReasonTokenMalformed
	}

	claims, ok := extractClaims(raw)
	if !ok {
		return nil, ReasonTokenMalformed
	}
	if claims.Issuer != s.cfg.Issuer {
		return claims, ReasonTokenMalformed
	}

	nowSeconds := s.clock.Now().Unix()
	if nowSeconds > claims.ExpiresAt+s.cfg.ClockSkewSeconds {
		return claims, ReasonTokenExpired
	}

	if req.ExpectedServiceScope != "" && req.ExpectedServiceScope != claims.ServiceScope {
		return claims, ReasonTokenWrongScope
	}
	return claims, ""
}

// extractClaims enforces strict claim types: iss/sub/aud/jti strings,
// iat/exp numbers, service_scope a known scope.
func extractClaims(raw map[string]any) (*Claims, bool) {
	iss, ok1 := raw["iss"].(string)
	sub, ok2 := raw["sub"].(string)
	aud, ok3 := raw["aud"].(string)
	jti, ok4 := raw["jti"].(string)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil, false
	}
	iat, ok5 := raw["iat"].(float64)
	exp, ok6 := raw["exp"].(float64)
	if !ok5 || !ok6 {
		return nil, false
	}
	scope, ok7 := raw["service_scope"].(string)
	if !ok7 || !state.KnownServiceScope(scope) {
		return nil, false
	}

	claims := &Claims{
		Issuer:       iss,
		Subject:      sub,
		Audience:     aud,
		TokenID:      jti,
		IssuedAt:     int64(iat),
		ExpiresAt:    int64(exp),
		ServiceScope: scope,
	}
	if tenantID, ok := raw["tenant_id"].(string); ok {
		claims.TenantID = tenantID
	}
	if instanceID, ok := raw["instance_id"].(string); ok {
		claims.InstanceID = instanceID
	}
	if source, ok := raw["source"].(string); ok {
		claims.Source = source
	}
	return claims, true
}

func denyMetadata(claims *Claims, expectedScope string) map[string]any {
	md := map[string]any{}
	if expectedScope != "" {
		md["expected_service_scope"] = expectedScope
	}
	if claims != nil {
		if claims.Subject != "" {
			md["sub"] = claims.Subject
		}
		if claims.ServiceScope != "" {
			md["claimed_service_scope"] = claims.ServiceScope
		}
	}
	if len(md) == 0 {
		return nil
	}
	return md
}
