// Package registry owns tenant, instance, and credential lifecycle. Every
// mutation runs inside one state-store transaction and appends exactly one
// audit event atomically with the change.
package registry

import (
	"context"
	"sort"

	"github.com/rezilient-labs/authplane/pkg/audit"
	"github.com/rezilient-labs/authplane/pkg/clock"
	"github.com/rezilient-labs/authplane/pkg/state"
)

// Service exposes registry operations over a state store.
type Service struct {
	store state.Store
	rec   *audit.Recorder
	clock clock.Clock
}

// NewService wires a registry over explicit dependencies.
func NewService(store state.Store, rec *audit.Recorder, clk clock.Clock) *Service {
	return &Service{store: store, rec: rec, clock: clk}
}

// CreateTenantInput carries admin input for tenant creation. State and
// EntitlementState default to active when empty.
type CreateTenantInput struct {
	TenantID         string
	Name             string
	State            state.LifecycleState
	EntitlementState state.LifecycleState
	Actor            string
}

// CreateTenant registers a new tenant and emits tenant_created.
func (s *Service) CreateTenant(ctx context.Context, in CreateTenantInput) (*state.Tenant, error) {
	if in.State == "" {
		in.State = state.StateActive
	}
	if in.EntitlementState == "" {
		in.EntitlementState = state.StateActive
	}
	if !state.ValidLifecycleState(in.State) || !state.ValidLifecycleState(in.EntitlementState) {
		return nil, ErrInvalidState
	}

	out, err := s.store.Mutate(ctx, func(snap *state.Snapshot) (any, error) {
		if _, ok := snap.Tenants[in.TenantID]; ok {
			return nil, ErrTenantExists
		}
		now := clock.ISO(s.clock.Now())
		tenant := &state.Tenant{
			TenantID:         in.TenantID,
			Name:             in.Name,
			State:            in.State,
			EntitlementState: in.EntitlementState,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		snap.Tenants[in.TenantID] = tenant
		s.rec.Append(snap, audit.Input{
			EventType: audit.EventTenantCreated,
			Actor:     in.Actor,
			TenantID:  in.TenantID,
			Metadata:  map[string]any{"name": in.Name, "state": string(in.State)},
		})
		return tenant.Clone(), nil
	})
	if err != nil {
		return nil, err
	}
	return out.(*state.Tenant), nil
}

// SetTenantState transitions a tenant's state (any-to-any within the enum)
// and emits tenant_state_changed.
func (s *Service) SetTenantState(ctx context.Context, tenantID string, newState state.LifecycleState, actor string) (*state.Tenant, error) {
	return s.mutateTenant(ctx, tenantID, newState, actor, audit.EventTenantStateChanged, func(t *state.Tenant) state.LifecycleState {
		prev := t.State
		t.State = newState
		return prev
	})
}

// SetTenantEntitlement transitions a tenant's entitlement state and emits
// tenant_entitlement_changed.
func (s *Service) SetTenantEntitlement(ctx context.Context, tenantID string, newState state.LifecycleState, actor string) (*state.Tenant, error) {
	return s.mutateTenant(ctx, tenantID, newState, actor, audit.EventTenantEntitlementChanged, func(t *state.Tenant) state.LifecycleState {
		prev := t.EntitlementState
		t.EntitlementState = newState
		return prev
	})
}

func (s *Service) mutateTenant(ctx context.Context, tenantID string, newState state.LifecycleState, actor, eventType string, apply func(*state.Tenant) state.LifecycleState) (*state.Tenant, error) {
	if !state.ValidLifecycleState(newState) {
		return nil, ErrInvalidState
	}
	out, err := s.store.Mutate(ctx, func(snap *state.Snapshot) (any, error) {
		tenant, ok := snap.Tenants[tenantID]
		if !ok {
			return nil, ErrTenantNotFound
		}
		prev := apply(tenant)
		tenant.UpdatedAt = clock.ISO(s.clock.Now())
		s.rec.Append(snap, audit.Input{
			EventType: eventType,
			Actor:     actor,
			TenantID:  tenantID,
			Metadata:  map[string]any{"previous": string(prev), "new": string(newState)},
		})
		return tenant.Clone(), nil
	})
	if err != nil {
		return nil, err
	}
	return out.(*state.Tenant), nil
}

// CreateInstanceInput carries admin input for instance creation.
// AllowedServices defaults to the full service set.
type CreateInstanceInput struct {
	InstanceID      string
	TenantID        string
	Source          string
	State           state.LifecycleState
	AllowedServices []string
	Actor           string
}

// CreateInstance registers an instance under an existing tenant and emits
// instance_created. The source mapping is globally unique.
func (s *Service) CreateInstance(ctx context.Context, in CreateInstanceInput) (*state.Instance, error) {
	if in.State == "" {
		in.State = state.StateActive
	}
	if !state.ValidLifecycleState(in.State) {
		return nil, ErrInvalidState
	}
	services := in.AllowedServices
	if len(services) == 0 {
		services = state.AllServiceScopes()
	}
	services, err := NormalizeServices(services)
	if err != nil {
		return nil, err
	}

	out, err := s.store.Mutate(ctx, func(snap *state.Snapshot) (any, error) {
		if _, ok := snap.Tenants[in.TenantID]; !ok {
			return nil, ErrTenantNotFound
		}
		if _, ok := snap.Instances[in.InstanceID]; ok {
			return nil, ErrInstanceExists
		}
		for _, existing := range snap.Instances {
			if existing.Source == in.Source {
				return nil, ErrSourceMappingExists
			}
		}
		now := clock.ISO(s.clock.Now())
		instance := &state.Instance{
			InstanceID:      in.InstanceID,
			TenantID:        in.TenantID,
			Source:          in.Source,
			State:           in.State,
			AllowedServices: services,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		snap.Instances[in.InstanceID] = instance
		s.rec.Append(snap, audit.Input{
			EventType:  audit.EventInstanceCreated,
			Actor:      in.Actor,
			TenantID:   in.TenantID,
			InstanceID: in.InstanceID,
			Metadata:   map[string]any{"source": in.Source, "allowed_services": services},
		})
		return instance.Clone(), nil
	})
	if err != nil {
		return nil, err
	}
	return out.(*state.Instance), nil
}

// SetInstanceState transitions an instance's state and emits
// instance_state_changed.
func (s *Service) SetInstanceState(ctx context.Context, instanceID string, newState state.LifecycleState, actor string) (*state.Instance, error) {
	if !state.ValidLifecycleState(newState) {
		return nil, ErrInvalidState
	}
	out, err := s.store.Mutate(ctx, func(snap *state.Snapshot) (any, error) {
		instance, ok := snap.Instances[instanceID]
		if !ok {
			return nil, ErrInstanceNotFound
		}
		prev := instance.State
		instance.State = newState
		instance.UpdatedAt = clock.ISO(s.clock.Now())
		s.rec.Append(snap, audit.Input{
			EventType:  audit.EventInstanceStateChanged,
			Actor:      actor,
			TenantID:   instance.TenantID,
			InstanceID: instanceID,
			Metadata:   map[string]any{"previous": string(prev), "new": string(newState)},
		})
		return instance.Clone(), nil
	})
	if err != nil {
		return nil, err
	}
	return out.(*state.Instance), nil
}

// SetInstanceAllowedServices replaces the instance's allowed service set
// (deduplicated and sorted) and emits instance_allowed_services_changed.
func (s *Service) SetInstanceAllowedServices(ctx context.Context, instanceID string, services []string, actor string) (*state.Instance, error) {
	normalized, err := NormalizeServices(services)
	if err != nil {
		return nil, err
	}
	out, err := s.store.Mutate(ctx, func(snap *state.Snapshot) (any, error) {
		instance, ok := snap.Instances[instanceID]
		if !ok {
			return nil, ErrInstanceNotFound
		}
		prev := instance.AllowedServices
		instance.AllowedServices = normalized
		instance.UpdatedAt = clock.ISO(s.clock.Now())
		s.rec.Append(snap, audit.Input{
			EventType:  audit.EventInstanceAllowedServicesChanged,
			Actor:      actor,
			TenantID:   instance.TenantID,
			InstanceID: instanceID,
			Metadata:   map[string]any{"previous": prev, "new": normalized},
		})
		return instance.Clone(), nil
	})
	if err != nil {
		return nil, err
	}
	return out.(*state.Instance), nil
}

// NormalizeServices deduplicates and sorts a service scope list,
// rejecting unknown scopes and empty results.
func NormalizeServices(services []string) ([]string, error) {
	seen := make(map[string]struct{}, len(services))
	out := make([]string, 0, len(services))
	for _, svc := range services {
		if !state.KnownServiceScope(svc) {
			return nil, ErrInvalidService
		}
		if _, dup := seen[svc]; dup {
			continue
		}
		seen[svc] = struct{}{}
		out = append(out, svc)
	}
	if len(out) == 0 {
		return nil, ErrNoServices
	}
	sort.Strings(out)
	return out, nil
}

// GetTenant returns a copy of the tenant.
func (s *Service) GetTenant(ctx context.Context, tenantID string) (*state.Tenant, error) {
	snap, err := s.store.Read(ctx)
	if err != nil {
		return nil, err
	}
	tenant, ok := snap.Tenants[tenantID]
	if !ok {
		return nil, ErrTenantNotFound
	}
	return tenant, nil
}

// GetInstance returns a copy of the instance.
func (s *Service) GetInstance(ctx context.Context, instanceID string) (*state.Instance, error) {
	snap, err := s.store.Read(ctx)
	if err != nil {
		return nil, err
	}
	instance, ok := snap.Instances[instanceID]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	return instance, nil
}

// GetInstanceByClientID resolves the reverse index.
func (s *Service) GetInstanceByClientID(ctx context.Context, clientID string) (*state.Instance, error) {
	snap, err := s.store.Read(ctx)
	if err != nil {
		return nil, err
	}
	instanceID, ok := snap.ClientIDIndex[clientID]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	instance, ok := snap.Instances[instanceID]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	return instance, nil
}

// ListTenants returns all tenants sorted by id.
func (s *Service) ListTenants(ctx context.Context) ([]*state.Tenant, error) {
	snap, err := s.store.Read(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*state.Tenant, 0, len(snap.Tenants))
	for _, t := range snap.Tenants {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}

// ListInstances returns all instances sorted by id.
func (s *Service) ListInstances(ctx context.Context) ([]*state.Instance, error) {
	snap, err := s.store.Read(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*state.Instance, 0, len(snap.Instances))
	for _, inst := range snap.Instances {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out, nil
}
