package token

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezilient-labs/authplane/pkg/audit"
	"github.com/rezilient-labs/authplane/pkg/crypto"
	"github.com/rezilient-labs/authplane/pkg/registry"
	"github.com/rezilient-labs/authplane/pkg/rotation"
	"github.com/rezilient-labs/authplane/pkg/state"
)

func TestMintSuccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	result, err := f.svc.Mint(ctx, validMintRequest())
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.NotEmpty(t, result.AccessToken)
	assert.Equal(t, int64(300), result.ExpiresIn)
	assert.Equal(t, state.ScopeREG, result.Scope)
	assert.Equal(t, "2025-06-01T12:00:00Z", result.IssuedAt)
	assert.Equal(t, "2025-06-01T12:05:00Z", result.ExpiresAt)
	assert.Equal(t, "t1", result.TenantID)
	assert.Equal(t, "i1", result.InstanceID)
	assert.Equal(t, "us-east/prod-1", result.Source)

	claims, err := crypto.VerifyCompact([]byte(testSigningKey), result.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, testIssuer, claims["iss"])
	assert.Equal(t, "cli_abc", claims["sub"])
	assert.Equal(t, "rezilient:reg", claims["aud"])
	assert.Equal(t, state.ScopeREG, claims["service_scope"])
	assert.Equal(t, "t1", claims["tenant_id"])
	jti, ok := claims["jti"].(string)
	require.True(t, ok)
	assert.Contains(t, jti, "tok_")
	assert.Equal(t, float64(testEpoch.Unix()), claims["iat"])
	assert.Equal(t, float64(testEpoch.Unix()+300), claims["exp"])

	event := f.lastEvent(t)
	assert.Equal(t, audit.EventTokenMinted, event.EventType)
	assert.Equal(t, "sv_1", event.Metadata["matched_secret_version_id"])
}

func TestMintRefreshFlowEmitsTokenRefreshed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	req := validMintRequest()
	req.Flow = FlowRefresh
	result, err := f.svc.Mint(ctx, req)
	require.NoError(t, err)
	require.True(t, result.Success)

	event := f.lastEvent(t)
	assert.Equal(t, audit.EventTokenRefreshed, event.EventType)
}

// The decision matrix is ordered; each case arranges the snapshot so two
// rules could fire and asserts the earlier one wins.
func TestMintDecisionMatrix(t *testing.T) {
	cases := []struct {
		name    string
		arrange func(t *testing.T, f *fixture)
		request func() MintRequest
		reason  string
	}{
		{
			name:    "unknown grant type",
			arrange: func(t *testing.T, f *fixture) {},
			request: func() MintRequest {
				req := validMintRequest()
				req.GrantType = "password"
				return req
			},
			reason: ReasonInvalidGrant,
		},
		{
			name: "bad grant beats outage",
			arrange: func(t *testing.T, f *fixture) {
				f.mutate(t, func(snap *state.Snapshot) (any, error) {
					snap.OutageActive = true
					return nil, nil
				})
			},
			request: func() MintRequest {
				req := validMintRequest()
				req.GrantType = "password"
				return req
			},
			reason: ReasonInvalidGrant,
		},
		{
			name:    "unknown service scope",
			arrange: func(t *testing.T, f *fixture) {},
			request: func() MintRequest {
				req := validMintRequest()
				req.ServiceScope = "billing"
				return req
			},
			reason: ReasonServiceNotAllowed,
		},
		{
			name: "unknown scope beats outage",
			arrange: func(t *testing.T, f *fixture) {
				f.mutate(t, func(snap *state.Snapshot) (any, error) {
					snap.OutageActive = true
					return nil, nil
				})
			},
			request: func() MintRequest {
				req := validMintRequest()
				req.ServiceScope = "billing"
				return req
			},
			reason: ReasonServiceNotAllowed,
		},
		{
			name: "outage beats invalid client",
			arrange: func(t *testing.T, f *fixture) {
				f.mutate(t, func(snap *state.Snapshot) (any, error) {
					snap.OutageActive = true
					return nil, nil
				})
			},
			request: func() MintRequest {
				req := validMintRequest()
				req.ClientID = "cli_unknown"
				return req
			},
			reason: ReasonOutage,
		},
		{
			name:    "unknown client",
			arrange: func(t *testing.T, f *fixture) {},
			request: func() MintRequest {
				req := validMintRequest()
				req.ClientID = "cli_unknown"
				return req
			},
			reason: ReasonInvalidClient,
		},
		{
			name: "tenant suspended beats bad secret",
			arrange: func(t *testing.T, f *fixture) {
				f.mutate(t, func(snap *state.Snapshot) (any, error) {
					snap.Tenants["t1"].State = state.StateSuspended
					return nil, nil
				})
			},
			request: func() MintRequest {
				req := validMintRequest()
				req.ClientSecret = "sec_wrong"
				return req
			},
			reason: ReasonTenantSuspended,
		},
		{
			name: "tenant disabled",
			arrange: func(t *testing.T, f *fixture) {
				f.mutate(t, func(snap *state.Snapshot) (any, error) {
					snap.Tenants["t1"].State = state.StateDisabled
					return nil, nil
				})
			},
			request: validMintRequest,
			reason:  ReasonTenantDisabled,
		},
		{
			name: "tenant not entitled",
			arrange: func(t *testing.T, f *fixture) {
				f.mutate(t, func(snap *state.Snapshot) (any, error) {
					snap.Tenants["t1"].EntitlementState = state.StateSuspended
					return nil, nil
				})
			},
			request: validMintRequest,
			reason:  ReasonTenantNotEntitled,
		},
		{
			name: "tenant state beats entitlement",
			arrange: func(t *testing.T, f *fixture) {
				f.mutate(t, func(snap *state.Snapshot) (any, error) {
					snap.Tenants["t1"].State = state.StateSuspended
					snap.Tenants["t1"].EntitlementState = state.StateDisabled
					return nil, nil
				})
			},
			request: validMintRequest,
			reason:  ReasonTenantSuspended,
		},
		{
			name: "instance suspended",
			arrange: func(t *testing.T, f *fixture) {
				f.mutate(t, func(snap *state.Snapshot) (any, error) {
					snap.Instances["i1"].State = state.StateSuspended
					return nil, nil
				})
			},
			request: validMintRequest,
			reason:  ReasonInstanceSuspended,
		},
		{
			name: "instance disabled",
			arrange: func(t *testing.T, f *fixture) {
				f.mutate(t, func(snap *state.Snapshot) (any, error) {
					snap.Instances["i1"].State = state.StateDisabled
					return nil, nil
				})
			},
			request: validMintRequest,
			reason:  ReasonInstanceDisabled,
		},
		{
			name: "scope not in allowed set",
			arrange: func(t *testing.T, f *fixture) {
				f.mutate(t, func(snap *state.Snapshot) (any, error) {
					snap.Instances["i1"].AllowedServices = []string{state.ScopeRRS}
					return nil, nil
				})
			},
			request: validMintRequest,
			reason:  ReasonServiceNotAllowed,
		},
		{
			name:    "wrong secret",
			arrange: func(t *testing.T, f *fixture) {},
			request: func() MintRequest {
				req := validMintRequest()
				req.ClientSecret = "sec_wrong"
				return req
			},
			reason: ReasonInvalidSecret,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			tc.arrange(t, f)

			result, err := f.svc.Mint(ctx, tc.request())
			require.NoError(t, err)
			assert.False(t, result.Success)
			assert.Equal(t, tc.reason, result.ReasonCode)
			assert.Empty(t, result.AccessToken)

			event := f.lastEvent(t)
			assert.Equal(t, audit.EventTokenMintDenied, event.EventType)
			assert.Equal(t, tc.reason, event.ReasonCode)
		})
	}
}

func TestMintEmptyGrantTypeIsAccepted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	req := validMintRequest()
	req.GrantType = ""
	result, err := f.svc.Mint(ctx, req)
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestMintAgainstNextSecretAdoptsRotation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	started, err := f.rotation.Start(ctx, rotation.StartInput{InstanceID: "i1", OverlapSeconds: 3600})
	require.NoError(t, err)

	// Old secret still works during the overlap, no adoption.
	result, err := f.svc.Mint(ctx, validMintRequest())
	require.NoError(t, err)
	require.True(t, result.Success)
	snap, err := f.store.Read(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.Instances["i1"].Credentials.Version("sv_2").AdoptedAt)

	// First mint with the next secret marks adoption.
	req := validMintRequest()
	req.ClientSecret = started.NextClientSecret
	result, err = f.svc.Mint(ctx, req)
	require.NoError(t, err)
	require.True(t, result.Success)

	snap, err = f.store.Read(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, snap.Instances["i1"].Credentials.Version("sv_2").AdoptedAt)

	var sawAdopted bool
	for _, event := range snap.AuditEvents {
		if event.EventType == audit.EventSecretRotationAdopted {
			sawAdopted = true
		}
	}
	assert.True(t, sawAdopted)

	// Completion now succeeds.
	_, err = f.rotation.Complete(ctx, "i1", "admin")
	require.NoError(t, err)
}

func TestMintNextSecretPastOverlapDeadlineFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	started, err := f.rotation.Start(ctx, rotation.StartInput{InstanceID: "i1", OverlapSeconds: 600})
	require.NoError(t, err)

	f.clk.AdvanceSeconds(601)
	req := validMintRequest()
	req.ClientSecret = started.NextClientSecret
	result, err := f.svc.Mint(ctx, req)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, ReasonInvalidSecret, result.ReasonCode)

	// The old secret still mints.
	result, err = f.svc.Mint(ctx, validMintRequest())
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestMintRevokedSecretFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.mutate(t, func(snap *state.Snapshot) (any, error) {
		return nil, registry.RevokeSecretVersion(snap, "i1", "sv_1", "2025-06-01T12:00:00Z")
	})

	result, err := f.svc.Mint(ctx, validMintRequest())
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, ReasonInvalidSecret, result.ReasonCode)
}

func TestMintDenialMetadataNeverCarriesSecret(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	req := validMintRequest()
	req.ClientSecret = "sec_wrong"
	_, err := f.svc.Mint(ctx, req)
	require.NoError(t, err)

	snap, err := f.store.Read(ctx)
	require.NoError(t, err)
	for _, event := range snap.AuditEvents {
		for k, v := range event.Metadata {
			if s, ok := v.(string); ok && k != "matched_secret_version_id" {
				assert.NotContains(t, s, "sec_wrong")
				assert.NotContains(t, s, testSecret)
			}
		}
	}
}
