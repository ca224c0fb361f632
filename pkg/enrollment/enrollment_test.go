package enrollment

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezilient-labs/authplane/pkg/audit"
	"github.com/rezilient-labs/authplane/pkg/clock"
	"github.com/rezilient-labs/authplane/pkg/crypto"
	"github.com/rezilient-labs/authplane/pkg/registry"
	"github.com/rezilient-labs/authplane/pkg/state"
)

var testEpoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *registry.Service, state.Store, *clock.Fixed) {
	t.Helper()
	store := state.NewMemoryStore()
	clk := clock.NewFixed(testEpoch)
	rec := audit.NewRecorder(store, clk)
	reg := registry.NewService(store, rec, clk)
	return NewService(store, rec, clk), reg, store, clk
}

func seedInstance(t *testing.T, reg *registry.Service) {
	t.Helper()
	ctx := context.Background()
	_, err := reg.CreateTenant(ctx, registry.CreateTenantInput{TenantID: "t1", Name: "Acme"})
	require.NoError(t, err)
	_, err = reg.CreateInstance(ctx, registry.CreateInstanceInput{
		InstanceID: "i1", TenantID: "t1", Source: "us-east/prod-1",
	})
	require.NoError(t, err)
}

func TestIssueReturnsPlaintextOnceAndStoresOnlyHash(t *testing.T) {
	ctx := context.Background()
	svc, reg, store, _ := newTestService(t)
	seedInstance(t, reg)

	result, err := svc.Issue(ctx, IssueInput{
		TenantID: "t1", InstanceID: "i1", TTLSeconds: 600, RequestedBy: "admin",
	})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(result.CodeID, "enr_"))
	assert.True(t, strings.HasPrefix(result.EnrollmentCode, "enroll_"))
	assert.Equal(t, "2025-06-01T12:10:00Z", result.ExpiresAt)

	snap, err := store.Read(ctx)
	require.NoError(t, err)
	record := snap.EnrollmentCodes[result.CodeID]
	require.NotNil(t, record)
	assert.Equal(t, crypto.SHA256Hex(result.EnrollmentCode), record.CodeHash)
	assert.NotContains(t, record.CodeHash, result.EnrollmentCode)
	assert.Equal(t, result.CodeID, snap.CodeHashIndex[record.CodeHash])

	// The issue event carries the code id, never the plaintext.
	event := snap.AuditEvents[len(snap.AuditEvents)-1]
	assert.Equal(t, audit.EventEnrollmentCodeIssued, event.EventType)
	assert.Equal(t, result.CodeID, event.Metadata["code_id"])
}

func TestIssueValidation(t *testing.T) {
	ctx := context.Background()
	svc, reg, _, _ := newTestService(t)
	seedInstance(t, reg)

	_, err := svc.Issue(ctx, IssueInput{TenantID: "t1", InstanceID: "i1", TTLSeconds: 0})
	assert.Error(t, err)

	_, err = svc.Issue(ctx, IssueInput{TenantID: "missing", InstanceID: "i1", TTLSeconds: 60})
	assert.ErrorIs(t, err, registry.ErrTenantNotFound)

	_, err = svc.Issue(ctx, IssueInput{TenantID: "t1", InstanceID: "missing", TTLSeconds: 60})
	assert.ErrorIs(t, err, registry.ErrInstanceNotFound)
}

func TestIssueRejectsInstanceOfAnotherTenant(t *testing.T) {
	ctx := context.Background()
	svc, reg, _, _ := newTestService(t)
	seedInstance(t, reg)
	_, err := reg.CreateTenant(ctx, registry.CreateTenantInput{TenantID: "t2"})
	require.NoError(t, err)

	_, err = svc.Issue(ctx, IssueInput{TenantID: "t2", InstanceID: "i1", TTLSeconds: 60})
	assert.ErrorIs(t, err, ErrInstanceNotLinked)
}

func TestExchangeInstallsInitialCredentials(t *testing.T) {
	ctx := context.Background()
	svc, reg, store, _ := newTestService(t)
	seedInstance(t, reg)

	issued, err := svc.Issue(ctx, IssueInput{TenantID: "t1", InstanceID: "i1", TTLSeconds: 600})
	require.NoError(t, err)

	result, err := svc.Exchange(ctx, issued.EnrollmentCode)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.True(t, strings.HasPrefix(result.ClientID, "cli_"))
	assert.True(t, strings.HasPrefix(result.ClientSecret, "sec_"))
	assert.Equal(t, "sv_1", result.SecretVersionID)
	assert.Equal(t, "t1", result.TenantID)
	assert.Equal(t, "i1", result.InstanceID)

	snap, err := store.Read(ctx)
	require.NoError(t, err)
	creds := snap.Instances["i1"].Credentials
	require.NotNil(t, creds)
	assert.Equal(t, result.ClientID, creds.ClientID)
	assert.Equal(t, "sv_1", creds.CurrentSecretVersionID)
	assert.Equal(t, crypto.SHA256Hex(result.ClientSecret), creds.Version("sv_1").SecretHash)
	assert.NotEmpty(t, snap.EnrollmentCodes[issued.CodeID].UsedAt)

	event := snap.AuditEvents[len(snap.AuditEvents)-1]
	assert.Equal(t, audit.EventEnrollmentCodeExchanged, event.EventType)
	assert.Equal(t, result.ClientID, event.ClientID)
}

func TestExchangeReplayIsDenied(t *testing.T) {
	ctx := context.Background()
	svc, reg, store, _ := newTestService(t)
	seedInstance(t, reg)

	issued, err := svc.Issue(ctx, IssueInput{TenantID: "t1", InstanceID: "i1", TTLSeconds: 600})
	require.NoError(t, err)

	first, err := svc.Exchange(ctx, issued.EnrollmentCode)
	require.NoError(t, err)
	require.True(t, first.Success)

	second, err := svc.Exchange(ctx, issued.EnrollmentCode)
	require.NoError(t, err)
	assert.False(t, second.Success)
	assert.Equal(t, ReasonCodeUsed, second.ReasonCode)
	assert.Empty(t, second.ClientSecret)

	// Credentials from the first exchange are untouched.
	snap, err := store.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ClientID, snap.Instances["i1"].Credentials.ClientID)

	// The replay denial is audited as a mint denial in the exchange phase.
	event := snap.AuditEvents[len(snap.AuditEvents)-1]
	assert.Equal(t, audit.EventTokenMintDenied, event.EventType)
	assert.Equal(t, ReasonCodeUsed, event.ReasonCode)
	assert.Equal(t, "enrollment_exchange", event.Metadata["phase"])
}

func TestExchangeExpiredCode(t *testing.T) {
	ctx := context.Background()
	svc, reg, _, clk := newTestService(t)
	seedInstance(t, reg)

	issued, err := svc.Issue(ctx, IssueInput{TenantID: "t1", InstanceID: "i1", TTLSeconds: 600})
	require.NoError(t, err)

	// Exactly at expiry the code still works; advance one past first.
	clk.AdvanceSeconds(601)
	result, err := svc.Exchange(ctx, issued.EnrollmentCode)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, ReasonCodeExpired, result.ReasonCode)
}

func TestExchangeAtExactExpiryBoundarySucceeds(t *testing.T) {
	ctx := context.Background()
	svc, reg, _, clk := newTestService(t)
	seedInstance(t, reg)

	issued, err := svc.Issue(ctx, IssueInput{TenantID: "t1", InstanceID: "i1", TTLSeconds: 600})
	require.NoError(t, err)

	clk.AdvanceSeconds(600)
	result, err := svc.Exchange(ctx, issued.EnrollmentCode)
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestExchangeUnknownCode(t *testing.T) {
	ctx := context.Background()
	svc, reg, _, _ := newTestService(t)
	seedInstance(t, reg)

	result, err := svc.Exchange(ctx, "enroll_never-issued")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, ReasonInvalidCode, result.ReasonCode)
}

func TestExchangeDeniedWhenInstanceAlreadyCredentialed(t *testing.T) {
	ctx := context.Background()
	svc, reg, store, _ := newTestService(t)
	seedInstance(t, reg)

	// Two codes for the same instance; the second exchange loses even
	// though its own code was never used.
	first, err := svc.Issue(ctx, IssueInput{TenantID: "t1", InstanceID: "i1", TTLSeconds: 600})
	require.NoError(t, err)
	second, err := svc.Issue(ctx, IssueInput{TenantID: "t1", InstanceID: "i1", TTLSeconds: 600})
	require.NoError(t, err)

	winner, err := svc.Exchange(ctx, first.EnrollmentCode)
	require.NoError(t, err)
	require.True(t, winner.Success)

	loser, err := svc.Exchange(ctx, second.EnrollmentCode)
	require.NoError(t, err)
	assert.False(t, loser.Success)
	assert.Equal(t, ReasonCodeUsed, loser.ReasonCode)

	snap, err := store.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, winner.ClientID, snap.Instances["i1"].Credentials.ClientID)
}
