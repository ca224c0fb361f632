package token

import (
	"context"

	"github.com/rezilient-labs/authplane/pkg/state"
)

// InFlightEvaluation tells a running workload whether it may continue.
type InFlightEvaluation struct {
	Action string `json:"action"`
	Reason string `json:"reason"`
}

// EvaluateInFlightEntitlement checks the instance and its tenant. Fully
// active instances continue; otherwise the action depends only on whether
// the workload sits at a safe preemption point, and the reason names
// whichever of instance or entitlement is the problem. A missing instance
// is treated as the instance-disabled case.
func (s *Service) EvaluateInFlightEntitlement(ctx context.Context, instanceID string, atChunkBoundary bool) (*InFlightEvaluation, error) {
	snap, err := s.store.Read(ctx)
	if err != nil {
		return nil, err
	}

	reason := inFlightReason(snap, instanceID)
	if reason == ReasonNone {
		return &InFlightEvaluation{Action: ActionContinue, Reason: ReasonNone}, nil
	}
	if atChunkBoundary {
		return &InFlightEvaluation{Action: ActionPause, Reason: reason}, nil
	}
	return &InFlightEvaluation{Action: ActionContinueUntilChunk, Reason: reason}, nil
}

func inFlightReason(snap *state.Snapshot, instanceID string) string {
	instance, ok := snap.Instances[instanceID]
	if !ok {
		return ReasonPausedInstance
	}
	tenant, ok := snap.Tenants[instance.TenantID]
	if !ok || tenant.State != state.StateActive || tenant.EntitlementState != state.StateActive {
		return ReasonPausedEntitlement
	}
	if instance.State != state.StateActive {
		return ReasonPausedInstance
	}
	return ReasonNone
}
