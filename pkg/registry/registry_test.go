package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezilient-labs/authplane/pkg/audit"
	"github.com/rezilient-labs/authplane/pkg/clock"
	"github.com/rezilient-labs/authplane/pkg/state"
)

var testEpoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestService() (*Service, *state.MemoryStore, *clock.Fixed) {
	store := state.NewMemoryStore()
	clk := clock.NewFixed(testEpoch)
	rec := audit.NewRecorder(store, clk)
	return NewService(store, rec, clk), store, clk
}

func lastEvent(t *testing.T, store state.Store) state.AuditEvent {
	t.Helper()
	snap, err := store.Read(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, snap.AuditEvents)
	return snap.AuditEvents[len(snap.AuditEvents)-1]
}

func TestCreateTenantDefaultsToActive(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService()

	tenant, err := svc.CreateTenant(ctx, CreateTenantInput{TenantID: "t1", Name: "Acme", Actor: "admin"})
	require.NoError(t, err)
	assert.Equal(t, state.StateActive, tenant.State)
	assert.Equal(t, state.StateActive, tenant.EntitlementState)
	assert.Equal(t, "2025-06-01T12:00:00Z", tenant.CreatedAt)

	event := lastEvent(t, store)
	assert.Equal(t, audit.EventTenantCreated, event.EventType)
	assert.Equal(t, "admin", event.Actor)
	assert.Equal(t, "t1", event.TenantID)
}

func TestCreateTenantRejectsDuplicateAndBadState(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService()

	_, err := svc.CreateTenant(ctx, CreateTenantInput{TenantID: "t1"})
	require.NoError(t, err)

	_, err = svc.CreateTenant(ctx, CreateTenantInput{TenantID: "t1"})
	assert.ErrorIs(t, err, ErrTenantExists)

	_, err = svc.CreateTenant(ctx, CreateTenantInput{TenantID: "t2", State: "frozen"})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestSetTenantStateRecordsTransition(t *testing.T) {
	ctx := context.Background()
	svc, store, clk := newTestService()

	_, err := svc.CreateTenant(ctx, CreateTenantInput{TenantID: "t1"})
	require.NoError(t, err)

	clk.AdvanceSeconds(60)
	tenant, err := svc.SetTenantState(ctx, "t1", state.StateSuspended, "admin")
	require.NoError(t, err)
	assert.Equal(t, state.StateSuspended, tenant.State)
	assert.Equal(t, "2025-06-01T12:01:00Z", tenant.UpdatedAt)

	event := lastEvent(t, store)
	assert.Equal(t, audit.EventTenantStateChanged, event.EventType)
	assert.Equal(t, "active", event.Metadata["previous"])
	assert.Equal(t, "suspended", event.Metadata["new"])

	_, err = svc.SetTenantState(ctx, "missing", state.StateActive, "admin")
	assert.ErrorIs(t, err, ErrTenantNotFound)
}

func TestSetTenantEntitlementIsIndependentOfState(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService()

	_, err := svc.CreateTenant(ctx, CreateTenantInput{TenantID: "t1"})
	require.NoError(t, err)

	tenant, err := svc.SetTenantEntitlement(ctx, "t1", state.StateDisabled, "billing")
	require.NoError(t, err)
	assert.Equal(t, state.StateActive, tenant.State)
	assert.Equal(t, state.StateDisabled, tenant.EntitlementState)

	event := lastEvent(t, store)
	assert.Equal(t, audit.EventTenantEntitlementChanged, event.EventType)
}

func TestCreateInstanceDefaultsToFullServiceSet(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService()

	_, err := svc.CreateTenant(ctx, CreateTenantInput{TenantID: "t1"})
	require.NoError(t, err)

	instance, err := svc.CreateInstance(ctx, CreateInstanceInput{
		InstanceID: "i1", TenantID: "t1", Source: "us-east/prod-1", Actor: "admin",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{state.ScopeREG, state.ScopeRRS}, instance.AllowedServices)
	assert.Equal(t, state.StateActive, instance.State)

	event := lastEvent(t, store)
	assert.Equal(t, audit.EventInstanceCreated, event.EventType)
	assert.Equal(t, "us-east/prod-1", event.Metadata["source"])
}

func TestCreateInstanceEnforcesUniqueness(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService()

	_, err := svc.CreateTenant(ctx, CreateTenantInput{TenantID: "t1"})
	require.NoError(t, err)
	_, err = svc.CreateInstance(ctx, CreateInstanceInput{InstanceID: "i1", TenantID: "t1", Source: "src-1"})
	require.NoError(t, err)

	_, err = svc.CreateInstance(ctx, CreateInstanceInput{InstanceID: "i1", TenantID: "t1", Source: "src-2"})
	assert.ErrorIs(t, err, ErrInstanceExists)

	_, err = svc.CreateInstance(ctx, CreateInstanceInput{InstanceID: "i2", TenantID: "t1", Source: "src-1"})
	assert.ErrorIs(t, err, ErrSourceMappingExists)

	_, err = svc.CreateInstance(ctx, CreateInstanceInput{InstanceID: "i3", TenantID: "missing", Source: "src-3"})
	assert.ErrorIs(t, err, ErrTenantNotFound)
}

func TestSetInstanceAllowedServicesNormalizes(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService()

	_, err := svc.CreateTenant(ctx, CreateTenantInput{TenantID: "t1"})
	require.NoError(t, err)
	_, err = svc.CreateInstance(ctx, CreateInstanceInput{InstanceID: "i1", TenantID: "t1", Source: "src-1"})
	require.NoError(t, err)

	instance, err := svc.SetInstanceAllowedServices(ctx, "i1", []string{state.ScopeRRS, state.ScopeREG, state.ScopeRRS}, "admin")
	require.NoError(t, err)
	assert.Equal(t, []string{state.ScopeREG, state.ScopeRRS}, instance.AllowedServices)

	event := lastEvent(t, store)
	assert.Equal(t, audit.EventInstanceAllowedServicesChanged, event.EventType)
}

func TestNormalizeServicesRejectsUnknownAndEmpty(t *testing.T) {
	_, err := NormalizeServices([]string{"reg", "bogus"})
	assert.ErrorIs(t, err, ErrInvalidService)

	_, err = NormalizeServices(nil)
	assert.ErrorIs(t, err, ErrNoServices)
}

func TestSetInstanceStateTransitions(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService()

	_, err := svc.CreateTenant(ctx, CreateTenantInput{TenantID: "t1"})
	require.NoError(t, err)
	_, err = svc.CreateInstance(ctx, CreateInstanceInput{InstanceID: "i1", TenantID: "t1", Source: "src-1"})
	require.NoError(t, err)

	instance, err := svc.SetInstanceState(ctx, "i1", state.StateDisabled, "admin")
	require.NoError(t, err)
	assert.Equal(t, state.StateDisabled, instance.State)

	_, err = svc.SetInstanceState(ctx, "missing", state.StateActive, "admin")
	assert.ErrorIs(t, err, ErrInstanceNotFound)
}

func TestListTenantsAndInstancesSorted(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService()

	for _, id := range []string{"t3", "t1", "t2"} {
		_, err := svc.CreateTenant(ctx, CreateTenantInput{TenantID: id})
		require.NoError(t, err)
	}
	tenants, err := svc.ListTenants(ctx)
	require.NoError(t, err)
	require.Len(t, tenants, 3)
	assert.Equal(t, "t1", tenants[0].TenantID)
	assert.Equal(t, "t3", tenants[2].TenantID)

	for i, id := range []string{"i2", "i1"} {
		_, err := svc.CreateInstance(ctx, CreateInstanceInput{
			InstanceID: id, TenantID: "t1", Source: "src-" + tenants[i].TenantID,
		})
		require.NoError(t, err)
	}
	instances, err := svc.ListInstances(ctx)
	require.NoError(t, err)
	require.Len(t, instances, 2)
	assert.Equal(t, "i1", instances[0].InstanceID)
}

func TestGetInstanceByClientID(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService()

	_, err := svc.CreateTenant(ctx, CreateTenantInput{TenantID: "t1"})
	require.NoError(t, err)
	_, err = svc.CreateInstance(ctx, CreateInstanceInput{InstanceID: "i1", TenantID: "t1", Source: "src-1"})
	require.NoError(t, err)

	_, err = store.Mutate(ctx, func(snap *state.Snapshot) (any, error) {
		return nil, SetInitialCredentials(snap, "i1", "cli_abc", "sv_1", "hash", "2025-06-01T12:00:00Z")
	})
	require.NoError(t, err)

	instance, err := svc.GetInstanceByClientID(ctx, "cli_abc")
	require.NoError(t, err)
	assert.Equal(t, "i1", instance.InstanceID)

	_, err = svc.GetInstanceByClientID(ctx, "cli_missing")
	assert.ErrorIs(t, err, ErrInstanceNotFound)
}
