// Package rotation orchestrates the dual-secret overlap protocol. Per
// instance the credential moves STABLE → ROTATING (next version written
// with an overlap deadline) → ADOPTED_PENDING_PROMOTION (first successful
// mint against the next version) → STABLE (promotion revokes the old
// current). All preconditions are checked inside the transaction, so
// concurrent starts race deterministically and the loser fails.
package rotation

import (
	"context"
	"fmt"
	"time"

	"github.com/rezilient-labs/authplane/pkg/audit"
	"github.com/rezilient-labs/authplane/pkg/clock"
	"github.com/rezilient-labs/authplane/pkg/crypto"
	"github.com/rezilient-labs/authplane/pkg/registry"
	"github.com/rezilient-labs/authplane/pkg/state"
)

const secretRandLen = 40

// Service runs the rotation lifecycle.
type Service struct {
	store state.Store
	rec   *audit.Recorder
	clock clock.Clock
}

// NewService wires rotation over explicit dependencies.
func NewService(store state.Store, rec *audit.Recorder, clk clock.Clock) *Service {
	return &Service{store: store, rec: rec, clock: clk}
}

// StartInput opens an overlap window of OverlapSeconds on an instance's
// credentials.
type StartInput struct {
	InstanceID     string
	OverlapSeconds int64
	RequestedBy    string
}

// StartResult returns the next secret exactly once.
type StartResult struct {
	InstanceID          string `json:"instance_id"`
	NextSecretVersionID string `json:"next_secret_version_id"`
	NextClientSecret    string `json:"next_client_secret"`
	OverlapExpiresAt    string `json:"overlap_expires_at"`
}

// Start allocates the next sv_<N+1> version with a fresh secret and an
// overlap deadline, and emits secret_rotation_started.
func (s *Service) Start(ctx context.Context, in StartInput) (*StartResult, error) {
	if in.OverlapSeconds <= 0 {
		return nil, fmt.Errorf("overlap_seconds must be positive, got %d", in.OverlapSeconds)
	}
	nextSecret := "sec_" + crypto.MustRandomToken(secretRandLen)

	out, err := s.store.Mutate(ctx, func(snap *state.Snapshot) (any, error) {
		instance, ok := snap.Instances[in.InstanceID]
		if !ok {
			return nil, registry.ErrInstanceNotFound
		}
		if instance.Credentials == nil {
			return nil, registry.ErrCredentialsMissing
		}

		now := s.clock.Now()
		versionID := registry.NextVersionID(instance.Credentials)
		validUntil := clock.ISO(now.Add(time.Duration(in.OverlapSeconds) * time.Second))

		if err := registry.AddNextSecretVersion(snap, in.InstanceID, versionID,
			crypto.SHA256Hex(nextSecret), validUntil, clock.ISO(now)); err != nil {
			return nil, err
		}

		s.rec.Append(snap, audit.Input{
			EventType:  audit.EventSecretRotationStarted,
			Actor:      in.RequestedBy,
			TenantID:   instance.TenantID,
			InstanceID: in.InstanceID,
			ClientID:   instance.Credentials.ClientID,
			Metadata: map[string]any{
				"next_secret_version_id": versionID,
				"overlap_expires_at":     validUntil,
			},
		})
		return &StartResult{
			InstanceID:          in.InstanceID,
			NextSecretVersionID: versionID,
			NextClientSecret:    nextSecret,
			OverlapExpiresAt:    validUntil,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return out.(*StartResult), nil
}

// Adopt marks a version adopted inside an in-progress snapshot, emitting
// secret_rotation_adopted only on the first transition. Token calls this
// from its mint transaction; RecordAdoption wraps it for external callers.
func (s *Service) Adopt(snap *state.Snapshot, instanceID, versionID string) error {
	adopted, err := registry.MarkSecretAdopted(snap, instanceID, versionID, clock.ISO(s.clock.Now()))
	if err != nil {
		return err
	}
	if !adopted {
		return nil
	}
	instance := snap.Instances[instanceID]
	s.rec.Append(snap, audit.Input{
		EventType:  audit.EventSecretRotationAdopted,
		TenantID:   instance.TenantID,
		InstanceID: instanceID,
		ClientID:   instance.Credentials.ClientID,
		Metadata:   map[string]any{"secret_version_id": versionID},
	})
	return nil
}

// RecordAdoption is the idempotent external entry point for adoption.
func (s *Service) RecordAdoption(ctx context.Context, instanceID, versionID string) error {
	_, err := s.store.Mutate(ctx, func(snap *state.Snapshot) (any, error) {
		return nil, s.Adopt(snap, instanceID, versionID)
	})
	return err
}

// CompleteResult reports the promotion outcome.
type CompleteResult struct {
	InstanceID         string `json:"instance_id"`
	OldSecretVersionID string `json:"old_secret_version_id"`
	NewSecretVersionID string `json:"new_secret_version_id"`
}

// Complete promotes the adopted next version to current and emits
// secret_rotation_completed. Fails with secret_rotation_not_adopted when
// the client has not yet minted against the next secret.
func (s *Service) Complete(ctx context.Context, instanceID, requestedBy string) (*CompleteResult, error) {
	out, err := s.store.Mutate(ctx, func(snap *state.Snapshot) (any, error) {
		promoted, err := registry.PromoteNextSecret(snap, instanceID, clock.ISO(s.clock.Now()))
		if err != nil {
			return nil, err
		}
		s.rec.Append(snap, audit.Input{
			EventType:  audit.EventSecretRotationCompleted,
			Actor:      requestedBy,
			TenantID:   promoted.Instance.TenantID,
			InstanceID: instanceID,
			ClientID:   promoted.Instance.Credentials.ClientID,
			Metadata: map[string]any{
				"old_secret_version_id": promoted.OldSecretVersionID,
				"new_secret_version_id": promoted.NewSecretVersionID,
			},
		})
		return &CompleteResult{
			InstanceID:         instanceID,
			OldSecretVersionID: promoted.OldSecretVersionID,
			NewSecretVersionID: promoted.NewSecretVersionID,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return out.(*CompleteResult), nil
}

// RevokeInput names a secret version to revoke immediately.
type RevokeInput struct {
	InstanceID  string
	VersionID   string
	Reason      string
	RequestedBy string
}

// Revoke marks the version revoked (clearing the next pointer when the
// pending next version is revoked) and emits secret_revoked.
func (s *Service) Revoke(ctx context.Context, in RevokeInput) error {
	_, err := s.store.Mutate(ctx, func(snap *state.Snapshot) (any, error) {
		instance, ok := snap.Instances[in.InstanceID]
		if !ok {
			return nil, registry.ErrInstanceNotFound
		}
		if err := registry.RevokeSecretVersion(snap, in.InstanceID, in.VersionID, clock.ISO(s.clock.Now())); err != nil {
			return nil, err
		}
		metadata := map[string]any{"secret_version_id": in.VersionID}
		if in.Reason != "" {
			metadata["reason"] = in.Reason
		}
		s.rec.Append(snap, audit.Input{
			EventType:  audit.EventSecretRevoked,
			Actor:      in.RequestedBy,
			TenantID:   instance.TenantID,
			InstanceID: in.InstanceID,
			ClientID:   instance.Credentials.ClientID,
			Metadata:   metadata,
		})
		return nil, nil
	})
	return err
}
