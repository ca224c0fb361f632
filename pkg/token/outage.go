package token

import (
	"context"

	"github.com/rezilient-labs/authplane/pkg/audit"
	"github.com/rezilient-labs/authplane/pkg/clock"
	"github.com/rezilient-labs/authplane/pkg/state"
)

// SetOutageMode flips the fail-closed mint switch and emits
// control_plane_outage_mode_changed carrying the new value.
func (s *Service) SetOutageMode(ctx context.Context, active bool, actor string) error {
	_, err := s.store.Mutate(ctx, func(snap *state.Snapshot) (any, error) {
		snap.OutageActive = active
		s.rec.Append(snap, audit.Input{
			EventType: audit.EventOutageModeChanged,
			Actor:     actor,
			Metadata:  map[string]any{"outage_active": active},
		})
		return nil, nil
	})
	return err
}

// IsOutageModeActive reads the switch.
func (s *Service) IsOutageModeActive(ctx context.Context) (bool, error) {
	snap, err := s.store.Read(ctx)
	if err != nil {
		return false, err
	}
	return snap.OutageActive, nil
}

// RefreshEvaluation tells an in-flight workload what to do about an
// expiring token during an outage.
type RefreshEvaluation struct {
	Action string `json:"action"`
	Reason string `json:"reason"`
}

// EvaluateRefreshDuringOutage grants in-flight work a bounded grace
// window past token expiry while the mint path is failed closed. At
// exactly expiry + grace the caller may still retry; one second later it
// must pause.
func (s *Service) EvaluateRefreshDuringOutage(ctx context.Context, tokenExpiresAt string) (*RefreshEvaluation, error) {
	snap, err := s.store.Read(ctx)
	if err != nil {
		return nil, err
	}
	if !snap.OutageActive {
		return &RefreshEvaluation{Action: ActionRefreshAllowed, Reason: ReasonNone}, nil
	}

	nowMillis := s.clock.Now().UnixMilli()
	expiresMillis := clock.ParseISO(tokenExpiresAt).UnixMilli()
	graceMillis := s.cfg.OutageGraceWindowSeconds * 1000

	if nowMillis <= expiresMillis+graceMillis {
		return &RefreshEvaluation{Action: ActionRetryWithinGrace, Reason: ReasonBlockedOutage}, nil
	}
	return &RefreshEvaluation{Action: ActionPauseInFlight, Reason: ReasonRefreshGraceExhausted}, nil
}
