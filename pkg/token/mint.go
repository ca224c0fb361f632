package token

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rezilient-labs/authplane/pkg/audit"
	"github.com/rezilient-labs/authplane/pkg/clock"
	"github.com/rezilient-labs/authplane/pkg/crypto"
	"github.com/rezilient-labs/authplane/pkg/state"
)

// Mint flows.
const (
	FlowMint    = "mint"
	FlowRefresh = "refresh"
)

// MintRequest is a client-credentials token request.
type MintRequest struct {
	GrantType    string `json:"grant_type,omitempty"`
	Flow         string `json:"flow,omitempty"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	ServiceScope string `json:"service_scope"`
}

// MintResult is the tagged mint outcome. Denials carry only ReasonCode.
type MintResult struct {
	Success     bool   `json:"success"`
	ReasonCode  string `json:"reason_code,omitempty"`
	AccessToken string `json:"access_token,omitempty"`
	ExpiresIn   int64  `json:"expires_in,omitempty"`
	Scope       string `json:"scope,omitempty"`
	IssuedAt    string `json:"issued_at,omitempty"`
	ExpiresAt   string `json:"expires_at,omitempty"`
	TenantID    string `json:"tenant_id,omitempty"`
	InstanceID  string `json:"instance_id,omitempty"`
	Source      string `json:"source,omitempty"`
}

// secretMatch reports which version a supplied secret matched.
type secretMatch struct {
	versionID     string
	isNextVersion bool
}

// Mint evaluates the decision matrix in strict order; the first failing
// rule wins and is both returned and audited as token_mint_denied.
func (s *Service) Mint(ctx context.Context, req MintRequest) (*MintResult, error) {
	out, err := s.store.Mutate(ctx, func(snap *state.Snapshot) (any, error) {
		deny := func(reason string, instance *state.Instance) (*MintResult, error) {
			in := audit.Input{
				EventType:    audit.EventTokenMintDenied,
				ClientID:     req.ClientID,
				ServiceScope: req.ServiceScope,
				ReasonCode:   reason,
			}
			if instance != nil {
				in.TenantID = instance.TenantID
				in.InstanceID = instance.InstanceID
			}
			s.rec.Append(snap, in)
			return &MintResult{Success: false, ReasonCode: reason}, nil
		}

		if req.GrantType != "" && req.GrantType != "client_credentials" {
			return deny(ReasonInvalidGrant, nil)
		}
		if !state.KnownServiceScope(req.ServiceScope) {
			return deny(ReasonServiceNotAllowed, nil)
		}
		if snap.OutageActive {
			return deny(ReasonOutage, nil)
		}

		instanceID, ok := snap.ClientIDIndex[req.ClientID]
		if !ok {
			return deny(ReasonInvalidClient, nil)
		}
		instance, ok := snap.Instances[instanceID]
		if !ok || instance.Credentials == nil {
			return deny(ReasonInvalidClient, nil)
		}
		tenant, ok := snap.Tenants[instance.TenantID]
		if !ok {
			return deny(ReasonInvalidClient, nil)
		}

		switch tenant.State {
		case state.StateSuspended:
			return deny(ReasonTenantSuspended, instance)
		case state.StateDisabled:
			return deny(ReasonTenantDisabled, instance)
		}
		if tenant.EntitlementState == state.StateSuspended || tenant.EntitlementState == state.StateDisabled {
			return deny(ReasonTenantNotEntitled, instance)
		}
		switch instance.State {
		case state.StateSuspended:
			return deny(ReasonInstanceSuspended, instance)
		case state.StateDisabled:
			return deny(ReasonInstanceDisabled, instance)
		}
		if !contains(instance.AllowedServices, req.ServiceScope) {
			return deny(ReasonServiceNotAllowed, instance)
		}

		now := s.clock.Now()
		match := matchSecret(instance.Credentials, req.ClientSecret, clock.ISO(now))
		if match == nil {
			return deny(ReasonInvalidSecret, instance)
		}

		result, err := s.issue(instance, req.ServiceScope)
		if err != nil {
			return nil, err
		}

		// First successful mint against the next version is adoption.
		if match.isNextVersion {
			if err := s.rotation.Adopt(snap, instance.InstanceID, match.versionID); err != nil {
				return nil, err
			}
		}

		eventType := audit.EventTokenMinted
		if req.Flow == FlowRefresh {
			eventType = audit.EventTokenRefreshed
		}
		s.rec.Append(snap, audit.Input{
			EventType:    eventType,
			TenantID:     instance.TenantID,
			InstanceID:   instance.InstanceID,
			ClientID:     req.ClientID,
			ServiceScope: req.ServiceScope,
			Metadata: map[string]any{
				"matched_secret_version_id": match.versionID,
				"expires_at":                result.ExpiresAt,
			},
		})
		return result, nil
	})
	if err != nil {
		return nil, err
	}
	return out.(*MintResult), nil
}

// issue builds and signs the compact token for an eligible request.
func (s *Service) issue(instance *state.Instance, scope string) (*MintResult, error) {
	now := s.clock.Now()
	iat := now.UnixMilli() / 1000
	exp := iat + s.cfg.TokenTTLSeconds

	claims := jwt.MapClaims{
		"iss":           s.cfg.Issuer,
		"sub":           instance.Credentials.ClientID,
		"aud":           Audience(scope),
		"jti":           "tok_" + crypto.MustRandomToken(24),
		"iat":           iat,
		"exp":           exp,
		"service_scope": scope,
		"tenant_id":     instance.TenantID,
		"instance_id":   instance.InstanceID,
		"source":        instance.Source,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.SigningKey))
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	return &MintResult{
		Success:     true,
		AccessToken: signed,
		ExpiresIn:   s.cfg.TokenTTLSeconds,
		Scope:       scope,
		IssuedAt:    clock.ISO(now),
		ExpiresAt:   clock.ISO(now.Add(secondsDuration(s.cfg.TokenTTLSeconds))),
		TenantID:    instance.TenantID,
		InstanceID:  instance.InstanceID,
		Source:      instance.Source,
	}, nil
}

// matchSecret walks every version: revoked versions and versions past
// their overlap deadline are skipped; the supplied secret is hashed once
// and compared in constant time. During the overlap window both the
// current and next versions can match, which is what makes adoption
// observable.
func matchSecret(creds *state.ClientCredentials, clientSecret, nowISO string) *secretMatch {
	suppliedHash := crypto.SHA256Hex(clientSecret)
	var found *secretMatch
	for i := range creds.SecretVersions {
		v := &creds.SecretVersions[i]
		if v.RevokedAt != "" {
			continue
		}
		if v.ValidUntil != "" && nowISO > v.ValidUntil {
			continue
		}
		if crypto.ConstantTimeHexEqual(v.SecretHash, suppliedHash) && found == nil {
			found = &secretMatch{
				versionID:     v.VersionID,
				isNextVersion: v.VersionID == creds.NextSecretVersionID,
			}
		}
	}
	return found
}

func contains(list []string, want string) bool {
	for _, item := range list {
		if item == want {
			return true
		}
	}
	return false
}
