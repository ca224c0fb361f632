// Package enrollment issues one-time bootstrap codes and exchanges them
// atomically for an instance's initial client credential. The plaintext
// code exists only in the issue response; everything persisted is a
// SHA-256 hex hash.
package enrollment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rezilient-labs/authplane/pkg/audit"
	"github.com/rezilient-labs/authplane/pkg/clock"
	"github.com/rezilient-labs/authplane/pkg/crypto"
	"github.com/rezilient-labs/authplane/pkg/registry"
	"github.com/rezilient-labs/authplane/pkg/state"
)

// Exchange denial reason codes.
const (
	ReasonInvalidCode = "denied_invalid_enrollment_code"
	ReasonCodeUsed    = "denied_enrollment_code_used"
	ReasonCodeExpired = "denied_enrollment_code_expired"
)

// ErrInstanceNotLinked is raised when the instance exists but belongs to
// a different tenant than the issue request names.
var ErrInstanceNotLinked = errors.New("instance not linked to tenant")

const (
	codeIDRandLen    = 16
	plaintextRandLen = 32
	clientIDRandLen  = 20
	secretRandLen    = 40

	// clientIDRetries bounds index-collision retries before failing loudly.
	clientIDRetries = 10
)

// Service issues and exchanges enrollment codes.
type Service struct {
	store state.Store
	rec   *audit.Recorder
	clock clock.Clock
}

// NewService wires enrollment over explicit dependencies.
func NewService(store state.Store, rec *audit.Recorder, clk clock.Clock) *Service {
	return &Service{store: store, rec: rec, clock: clk}
}

// IssueInput names the tenant/instance pair a code bootstraps.
type IssueInput struct {
	TenantID    string
	InstanceID  string
	TTLSeconds  int64
	RequestedBy string
}

// IssueResult returns the plaintext code exactly once.
type IssueResult struct {
	CodeID         string `json:"code_id"`
	EnrollmentCode string `json:"enrollment_code"`
	ExpiresAt      string `json:"expires_at"`
}

// Issue persists a new one-time code and emits enrollment_code_issued.
func (s *Service) Issue(ctx context.Context, in IssueInput) (*IssueResult, error) {
	if in.TTLSeconds <= 0 {
		return nil, fmt.Errorf("ttl_seconds must be positive, got %d", in.TTLSeconds)
	}

	plaintext := "enroll_" + crypto.MustRandomToken(plaintextRandLen)
	codeID := "enr_" + crypto.MustRandomToken(codeIDRandLen)

	out, err := s.store.Mutate(ctx, func(snap *state.Snapshot) (any, error) {
		if _, ok := snap.Tenants[in.TenantID]; !ok {
			return nil, registry.ErrTenantNotFound
		}
		instance, ok := snap.Instances[in.InstanceID]
		if !ok {
			return nil, registry.ErrInstanceNotFound
		}
		if instance.TenantID != in.TenantID {
			return nil, ErrInstanceNotLinked
		}

		now := s.clock.Now()
		record := &state.EnrollmentCode{
			CodeID:     codeID,
			CodeHash:   crypto.SHA256Hex(plaintext),
			TenantID:   in.TenantID,
			InstanceID: in.InstanceID,
			IssuedAt:   clock.ISO(now),
			ExpiresAt:  clock.ISO(now.Add(time.Duration(in.TTLSeconds) * time.Second)),
			IssuedBy:   in.RequestedBy,
		}
		snap.EnrollmentCodes[record.CodeID] = record
		snap.CodeHashIndex[record.CodeHash] = record.CodeID

		s.rec.Append(snap, audit.Input{
			EventType:  audit.EventEnrollmentCodeIssued,
			Actor:      in.RequestedBy,
			TenantID:   in.TenantID,
			InstanceID: in.InstanceID,
			Metadata:   map[string]any{"code_id": record.CodeID, "expires_at": record.ExpiresAt},
		})
		return &IssueResult{
			CodeID:         record.CodeID,
			EnrollmentCode: plaintext,
			ExpiresAt:      record.ExpiresAt,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return out.(*IssueResult), nil
}

// ExchangeResult is the tagged outcome of an exchange. Denials carry a
// ReasonCode; successes carry the credential material exactly once.
type ExchangeResult struct {
	Success         bool   `json:"success"`
	ReasonCode      string `json:"reason_code,omitempty"`
	TenantID        string `json:"tenant_id,omitempty"`
	InstanceID      string `json:"instance_id,omitempty"`
	ClientID        string `json:"client_id,omitempty"`
	ClientSecret    string `json:"client_secret,omitempty"`
	SecretVersionID string `json:"secret_version_id,omitempty"`
}

// Exchange turns a one-time code into an installed initial credential in
// a single transaction. Concurrent exchanges for the same code serialize
// on the store; exactly one succeeds, the rest fail as "used".
func (s *Service) Exchange(ctx context.Context, enrollmentCode string) (*ExchangeResult, error) {
	codeHash := crypto.SHA256Hex(enrollmentCode)

	out, err := s.store.Mutate(ctx, func(snap *state.Snapshot) (any, error) {
		codeID, ok := snap.CodeHashIndex[codeHash]
		if !ok {
			return s.deny(snap, nil, ReasonInvalidCode), nil
		}
		record, ok := snap.EnrollmentCodes[codeID]
		if !ok {
			return s.deny(snap, nil, ReasonInvalidCode), nil
		}

		instance, ok := snap.Instances[record.InstanceID]
		if !ok {
			return s.deny(snap, record, ReasonInvalidCode), nil
		}
		// A credentialed instance means some exchange already won the
		// race even if used_at did not commit; treat it as used.
		if record.UsedAt != "" || instance.Credentials != nil {
			return s.deny(snap, record, ReasonCodeUsed), nil
		}
		now := clock.ISO(s.clock.Now())
		if now > record.ExpiresAt {
			return s.deny(snap, record, ReasonCodeExpired), nil
		}

		clientID, err := allocateClientID(snap)
		if err != nil {
			return nil, err
		}
		clientSecret := "sec_" + crypto.MustRandomToken(secretRandLen)
		const versionID = "sv_1"

		if err := registry.SetInitialCredentials(snap, record.InstanceID, clientID, versionID, crypto.SHA256Hex(clientSecret), now); err != nil {
			return nil, err
		}
		record.UsedAt = now

		s.rec.Append(snap, audit.Input{
			EventType:  audit.EventEnrollmentCodeExchanged,
			TenantID:   record.TenantID,
			InstanceID: record.InstanceID,
			ClientID:   clientID,
			Metadata:   map[string]any{"code_id": record.CodeID, "secret_version_id": versionID},
		})
		return &ExchangeResult{
			Success:         true,
			TenantID:        record.TenantID,
			InstanceID:      record.InstanceID,
			ClientID:        clientID,
			ClientSecret:    clientSecret,
			SecretVersionID: versionID,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return out.(*ExchangeResult), nil
}

// deny appends the denial audit event and builds the failure result.
// Exchange denials surface in the audit stream as mint denials in the
// enrollment_exchange phase.
func (s *Service) deny(snap *state.Snapshot, record *state.EnrollmentCode, reason string) *ExchangeResult {
	in := audit.Input{
		EventType:  audit.EventTokenMintDenied,
		ReasonCode: reason,
		Metadata:   map[string]any{"phase": "enrollment_exchange"},
	}
	if record != nil {
		in.TenantID = record.TenantID
		in.InstanceID = record.InstanceID
		in.Metadata["code_id"] = record.CodeID
	}
	s.rec.Append(snap, in)
	return &ExchangeResult{Success: false, ReasonCode: reason}
}

// allocateClientID draws fresh cli_ identifiers, retrying a bounded
// number of times on index collision before failing loudly.
func allocateClientID(snap *state.Snapshot) (string, error) {
	for range clientIDRetries {
		clientID := "cli_" + crypto.MustRandomToken(clientIDRandLen)
		if _, taken := snap.ClientIDIndex[clientID]; !taken {
			return clientID, nil
		}
	}
	return "", fmt.Errorf("client_id allocation failed after %d attempts", clientIDRetries)
}
