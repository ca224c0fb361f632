package registry

import "errors"

// Precondition failures raised by registry mutations. The HTTP layer maps
// these to stable reason codes.
var (
	ErrTenantNotFound       = errors.New("tenant_not_found")
	ErrTenantExists         = errors.New("tenant_already_exists")
	ErrInstanceNotFound     = errors.New("instance_not_found")
	ErrInstanceExists       = errors.New("instance_already_exists")
	ErrSourceMappingExists  = errors.New("source_mapping_already_exists")
	ErrInvalidState         = errors.New("invalid lifecycle state")
	ErrInvalidService       = errors.New("unknown service scope")
	ErrNoServices           = errors.New("allowed_services must not be empty")
	ErrCredentialsMissing   = errors.New("instance has no client credentials")
	ErrClientIDBound        = errors.New("client_id already bound to another instance")
	ErrCredentialsConflict  = errors.New("instance already has credentials for a different client_id")
	ErrRotationInProgress   = errors.New("rotation already in progress")
	ErrSecretVersionExists  = errors.New("secret version already exists")
	ErrSecretVersionMissing = errors.New("secret version not found")
	ErrNoNextSecret         = errors.New("no next secret version")
	ErrRotationNotAdopted   = errors.New("secret_rotation_not_adopted")
)
