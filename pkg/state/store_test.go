package state

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreMutateCommits(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	out, err := store.Mutate(ctx, func(s *Snapshot) (any, error) {
		s.Tenants["t1"] = &Tenant{
			TenantID: "t1", Name: "Acme",
			State: StateActive, EntitlementState: StateActive,
			CreatedAt: "2025-06-01T00:00:00Z", UpdatedAt: "2025-06-01T00:00:00Z",
		}
		return "done", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "done", out)

	snap, err := store.Read(ctx)
	require.NoError(t, err)
	assert.Contains(t, snap.Tenants, "t1")

	version, err := store.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)
}

func TestMemoryStoreMutateRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	boom := errors.New("boom")
	_, err := store.Mutate(ctx, func(s *Snapshot) (any, error) {
		s.OutageActive = true
		s.Tenants["t1"] = &Tenant{TenantID: "t1"}
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	snap, err := store.Read(ctx)
	require.NoError(t, err)
	assert.False(t, snap.OutageActive)
	assert.Empty(t, snap.Tenants)

	version, err := store.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), version)
}

func TestMemoryStoreReadReturnsIndependentCopy(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Mutate(ctx, func(s *Snapshot) (any, error) {
		s.Tenants["t1"] = &Tenant{TenantID: "t1", Name: "Acme", State: StateActive, EntitlementState: StateActive}
		return nil, nil
	})
	require.NoError(t, err)

	first, err := store.Read(ctx)
	require.NoError(t, err)
	first.Tenants["t1"].Name = "mutated"
	first.OutageActive = true

	second, err := store.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Acme", second.Tenants["t1"].Name)
	assert.False(t, second.OutageActive)
}

func TestSnapshotCloneIsDeep(t *testing.T) {
	snap := NewSnapshot()
	snap.Instances["i1"] = &Instance{
		InstanceID:      "i1",
		TenantID:        "t1",
		State:           StateActive,
		AllowedServices: []string{ScopeREG, ScopeRRS},
		Credentials: &ClientCredentials{
			ClientID:               "cli_x",
			CurrentSecretVersionID: "sv_1",
			SecretVersions: []SecretVersion{
				{VersionID: "sv_1", SecretHash: "abc", CreatedAt: "2025-06-01T00:00:00Z"},
			},
		},
	}
	snap.AuditEvents = append(snap.AuditEvents, AuditEvent{
		EventID:  "e1",
		Metadata: map[string]any{"nested": map[string]any{"k": "v"}},
	})

	clone := snap.Clone()
	clone.Instances["i1"].Credentials.SecretVersions[0].SecretHash = "changed"
	clone.Instances["i1"].AllowedServices[0] = "zzz"
	clone.AuditEvents[0].Metadata["nested"].(map[string]any)["k"] = "changed"

	assert.Equal(t, "abc", snap.Instances["i1"].Credentials.SecretVersions[0].SecretHash)
	assert.Equal(t, ScopeREG, snap.Instances["i1"].AllowedServices[0])
	assert.Equal(t, "v", snap.AuditEvents[0].Metadata["nested"].(map[string]any)["k"])
}

func TestMemoryStoreMutationsAreTotallyOrdered(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	for range 10 {
		_, err := store.Mutate(ctx, func(s *Snapshot) (any, error) {
			s.AuditEvents = append(s.AuditEvents, AuditEvent{EventID: "e"})
			return nil, nil
		})
		require.NoError(t, err)
	}

	snap, err := store.Read(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.AuditEvents, 10)

	version, err := store.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), version)
}
