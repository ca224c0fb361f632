package registry

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rezilient-labs/authplane/pkg/state"
)

// Credential operations are snapshot-level functions rather than Service
// methods: enrollment, rotation, and token all invoke them inside their
// own transactions so the credential change, its audit event, and the
// caller's bookkeeping commit as one unit.

// SetInitialCredentials installs the first secret version on an instance
// and marks it current. The client_id must be unused and the instance
// must not already carry credentials for a different client_id.
func SetInitialCredentials(snap *state.Snapshot, instanceID, clientID, versionID, secretHash, now string) error {
	instance, ok := snap.Instances[instanceID]
	if !ok {
		return ErrInstanceNotFound
	}
	if boundTo, ok := snap.ClientIDIndex[clientID]; ok && boundTo != instanceID {
		return ErrClientIDBound
	}
	if instance.Credentials != nil && instance.Credentials.ClientID != clientID {
		return ErrCredentialsConflict
	}

	instance.Credentials = &state.ClientCredentials{
		ClientID:               clientID,
		CurrentSecretVersionID: versionID,
		SecretVersions: []state.SecretVersion{{
			VersionID:  versionID,
			SecretHash: secretHash,
			CreatedAt:  now,
		}},
	}
	instance.UpdatedAt = now
	snap.ClientIDIndex[clientID] = instanceID
	return nil
}

// AddNextSecretVersion appends a new version and points
// next_secret_version_id at it. Fails when credentials are missing, a
// rotation is already in progress, or the version id is taken.
func AddNextSecretVersion(snap *state.Snapshot, instanceID, versionID, secretHash, validUntil, now string) error {
	creds, err := credentialsOf(snap, instanceID)
	if err != nil {
		return err
	}
	if creds.NextSecretVersionID != "" {
		return ErrRotationInProgress
	}
	if creds.Version(versionID) != nil {
		return ErrSecretVersionExists
	}

	creds.SecretVersions = append(creds.SecretVersions, state.SecretVersion{
		VersionID:  versionID,
		SecretHash: secretHash,
		CreatedAt:  now,
		ValidUntil: validUntil,
	})
	creds.NextSecretVersionID = versionID
	snap.Instances[instanceID].UpdatedAt = now
	return nil
}

// MarkSecretAdopted sets adopted_at once. It is idempotent: repeat calls
// return adopted=false without changing the first timestamp.
func MarkSecretAdopted(snap *state.Snapshot, instanceID, versionID, now string) (bool, error) {
	creds, err := credentialsOf(snap, instanceID)
	if err != nil {
		return false, err
	}
	version := creds.Version(versionID)
	if version == nil {
		return false, ErrSecretVersionMissing
	}
	if version.AdoptedAt != "" {
		return false, nil
	}
	version.AdoptedAt = now
	return true, nil
}

// PromoteResult reports a completed promotion.
type PromoteResult struct {
	Instance           *state.Instance
	OldSecretVersionID string
	NewSecretVersionID string
}

// PromoteNextSecret finishes a rotation: the adopted next version becomes
// current (its overlap deadline cleared) and the previous current version
// is revoked.
func PromoteNextSecret(snap *state.Snapshot, instanceID, now string) (*PromoteResult, error) {
	creds, err := credentialsOf(snap, instanceID)
	if err != nil {
		return nil, err
	}
	if creds.NextSecretVersionID == "" {
		return nil, ErrNoNextSecret
	}
	next := creds.Version(creds.NextSecretVersionID)
	if next == nil {
		return nil, ErrSecretVersionMissing
	}
	if next.AdoptedAt == "" {
		return nil, ErrRotationNotAdopted
	}
	current := creds.Version(creds.CurrentSecretVersionID)
	if current == nil {
		return nil, ErrSecretVersionMissing
	}

	oldID := creds.CurrentSecretVersionID
	current.RevokedAt = now
	next.ValidUntil = ""
	creds.CurrentSecretVersionID = next.VersionID
	creds.NextSecretVersionID = ""

	instance := snap.Instances[instanceID]
	instance.UpdatedAt = now
	return &PromoteResult{
		Instance:           instance.Clone(),
		OldSecretVersionID: oldID,
		NewSecretVersionID: next.VersionID,
	}, nil
}

// RevokeSecretVersion marks a version revoked; revoked_at is monotonic
// and never cleared. Revoking the pending next version also abandons the
// rotation by clearing the next pointer.
func RevokeSecretVersion(snap *state.Snapshot, instanceID, versionID, now string) error {
	creds, err := credentialsOf(snap, instanceID)
	if err != nil {
		return err
	}
	version := creds.Version(versionID)
	if version == nil {
		return ErrSecretVersionMissing
	}
	if version.RevokedAt == "" {
		version.RevokedAt = now
	}
	if creds.NextSecretVersionID == versionID {
		creds.NextSecretVersionID = ""
	}
	snap.Instances[instanceID].UpdatedAt = now
	return nil
}

// NextVersionID allocates the monotonic sv_<N> id: max existing N plus
// one.
func NextVersionID(creds *state.ClientCredentials) string {
	max := 0
	for _, v := range creds.SecretVersions {
		n, ok := parseVersionNumber(v.VersionID)
		if ok && n > max {
			max = n
		}
	}
	return fmt.Sprintf("sv_%d", max+1)
}

func parseVersionNumber(versionID string) (int, bool) {
	rest, found := strings.CutPrefix(versionID, "sv_")
	if !found {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func credentialsOf(snap *state.Snapshot, instanceID string) (*state.ClientCredentials, error) {
	instance, ok := snap.Instances[instanceID]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	if instance.Credentials == nil {
		return nil, ErrCredentialsMissing
	}
	return instance.Credentials, nil
}
