// Package audit records the append-only audit stream. Every event is
// written twice: the legacy form consumed by operators and a normalized
// cross-service projection replayed by REG and RRS. Metadata is sanitized
// before persistence so secret material can never reach the log.
package audit

// Event types form a closed set; anything else is a programming error.
const (
	EventTenantCreated            = "tenant_created"
	EventTenantStateChanged       = "tenant_state_changed"
	EventTenantEntitlementChanged = "tenant_entitlement_changed"

	EventInstanceCreated                = "instance_created"
	EventInstanceStateChanged           = "instance_state_changed"
	EventInstanceAllowedServicesChanged = "instance_allowed_services_changed"

	EventEnrollmentCodeIssued    = "enrollment_code_issued"
	EventEnrollmentCodeExchanged = "enrollment_code_exchanged"

	EventTokenMinted         = "token_minted"
	EventTokenRefreshed      = "token_refreshed"
	EventTokenMintDenied     = "token_mint_denied"
	EventTokenValidated      = "token_validated"
	EventTokenValidateDenied = "token_validate_denied"

	EventSecretRotationStarted   = "secret_rotation_started"
	EventSecretRotationAdopted   = "secret_rotation_adopted"
	EventSecretRotationCompleted = "secret_rotation_completed"
	EventSecretRevoked           = "secret_revoked"

	EventOutageModeChanged = "control_plane_outage_mode_changed"

	EventOnboarding = "onboarding_event"
)

// categoryFor maps an event type to the normalized projection category.
func categoryFor(eventType string) string {
	switch eventType {
	case EventTenantCreated, EventTenantStateChanged, EventTenantEntitlementChanged,
		EventInstanceCreated, EventInstanceStateChanged, EventInstanceAllowedServicesChanged:
		return "registry"
	case EventEnrollmentCodeIssued, EventEnrollmentCodeExchanged:
		return "enrollment"
	case EventTokenMinted, EventTokenRefreshed, EventTokenMintDenied,
		EventTokenValidated, EventTokenValidateDenied:
		return "token"
	case EventSecretRotationStarted, EventSecretRotationAdopted,
		EventSecretRotationCompleted, EventSecretRevoked:
		return "rotation"
	case EventOutageModeChanged:
		return "control_plane"
	default:
		return "system"
	}
}
