// Package state holds the control-plane data model and the single-snapshot
// durable store. The whole registry lives in one ControlPlaneSnapshot that
// is read as a deep copy and mutated only through serializable
// read-modify-write transactions.
package state

// LifecycleState is shared by tenant state, tenant entitlement, and
// instance state.
type LifecycleState string

const (
	StateActive    LifecycleState = "active"
	StateSuspended LifecycleState = "suspended"
	StateDisabled  LifecycleState = "disabled"
)

// ValidLifecycleState reports whether s is one of the closed enum values.
func ValidLifecycleState(s LifecycleState) bool {
	switch s {
	case StateActive, StateSuspended, StateDisabled:
		return true
	}
	return false
}

// Service scopes for the two downstream services.
const (
	ScopeREG = "reg"
	ScopeRRS = "rrs"
)

// AllServiceScopes lists every known scope, sorted.
func AllServiceScopes() []string { return []string{ScopeREG, ScopeRRS} }

// KnownServiceScope reports whether scope names a downstream service.
func KnownServiceScope(scope string) bool {
	return scope == ScopeREG || scope == ScopeRRS
}

// Tenant is a customer organization. Tenants are never destroyed; only
// their state and entitlement transition.
type Tenant struct {
	TenantID         string         `json:"tenant_id"`
	Name             string         `json:"name"`
	State            LifecycleState `json:"state"`
	EntitlementState LifecycleState `json:"entitlement_state"`
	CreatedAt        string         `json:"created_at"`
	UpdatedAt        string         `json:"updated_at"`
}

// SecretVersion is one entry in a credential's ordered version list.
// SecretHash is the SHA-256 hex of the raw secret and is never disclosed
// on any external surface.
type SecretVersion struct {
	VersionID  string `json:"version_id"`
	SecretHash string `json:"secret_hash"`
	CreatedAt  string `json:"created_at"`
	AdoptedAt  string `json:"adopted_at,omitempty"`
	RevokedAt  string `json:"revoked_at,omitempty"`
	ValidUntil string `json:"valid_until,omitempty"`
}

// ClientCredentials binds a client_id to an instance together with its
// secret version history. CurrentSecretVersionID always resolves into
// SecretVersions; NextSecretVersionID, when set, resolves and differs
// from current.
type ClientCredentials struct {
	ClientID               string          `json:"client_id"`
	CurrentSecretVersionID string          `json:"current_secret_version_id"`
	NextSecretVersionID    string          `json:"next_secret_version_id,omitempty"`
	SecretVersions         []SecretVersion `json:"secret_versions"`
}

// Version returns the secret version with the given id, or nil.
func (c *ClientCredentials) Version(versionID string) *SecretVersion {
	for i := range c.SecretVersions {
		if c.SecretVersions[i].VersionID == versionID {
			return &c.SecretVersions[i]
		}
	}
	return nil
}

// Instance is an enrolled customer system owned by exactly one tenant.
// Source is the external origin string, globally unique across instances.
type Instance struct {
	InstanceID      string             `json:"instance_id"`
	TenantID        string             `json:"tenant_id"`
	Source          string             `json:"source"`
	State           LifecycleState     `json:"state"`
	AllowedServices []string           `json:"allowed_services"`
	Credentials     *ClientCredentials `json:"client_credentials,omitempty"`
	CreatedAt       string             `json:"created_at"`
	UpdatedAt       string             `json:"updated_at"`
}

// EnrollmentCode is the persisted record of a one-time bootstrap code.
// Only the SHA-256 hex of the plaintext is stored.
type EnrollmentCode struct {
	CodeID     string `json:"code_id"`
	CodeHash   string `json:"code_hash"`
	TenantID   string `json:"tenant_id"`
	InstanceID string `json:"instance_id"`
	IssuedAt   string `json:"issued_at"`
	ExpiresAt  string `json:"expires_at"`
	UsedAt     string `json:"used_at,omitempty"`
	IssuedBy   string `json:"issued_by,omitempty"`
}

// AuditEvent is one append-only entry in the legacy audit stream.
type AuditEvent struct {
	EventID        string         `json:"event_id"`
	EventType      string         `json:"event_type"`
	OccurredAt     string         `json:"occurred_at"`
	Actor          string         `json:"actor,omitempty"`
	TenantID       string         `json:"tenant_id,omitempty"`
	InstanceID     string         `json:"instance_id,omitempty"`
	ClientID       string         `json:"client_id,omitempty"`
	ServiceScope   string         `json:"service_scope,omitempty"`
	ReasonCode     string         `json:"reason_code,omitempty"`
	InFlightReason string         `json:"in_flight_reason,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// CrossServiceEvent is the normalized projection of an audit event that
// REG and RRS consume; replay order is (occurred_at, event_id).
type CrossServiceEvent struct {
	EventID      string         `json:"event_id"`
	OccurredAt   string         `json:"occurred_at"`
	Category     string         `json:"category"`
	Action       string         `json:"action"`
	TenantID     string         `json:"tenant_id,omitempty"`
	InstanceID   string         `json:"instance_id,omitempty"`
	ServiceScope string         `json:"service_scope,omitempty"`
	Attributes   map[string]any `json:"attributes,omitempty"`
}

// Snapshot is the single serializable unit of control-plane state.
type Snapshot struct {
	Tenants            map[string]*Tenant        `json:"tenants"`
	Instances          map[string]*Instance      `json:"instances"`
	ClientIDIndex      map[string]string         `json:"client_id_index"`
	EnrollmentCodes    map[string]*EnrollmentCode `json:"enrollment_codes"`
	CodeHashIndex      map[string]string         `json:"enrollment_code_hash_index"`
	AuditEvents        []AuditEvent              `json:"audit_events"`
	CrossServiceEvents []CrossServiceEvent       `json:"cross_service_events"`
	OutageActive       bool                      `json:"outage_active"`
}

// NewSnapshot returns an empty bootstrap snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Tenants:         make(map[string]*Tenant),
		Instances:       make(map[string]*Instance),
		ClientIDIndex:   make(map[string]string),
		EnrollmentCodes: make(map[string]*EnrollmentCode),
		CodeHashIndex:   make(map[string]string),
	}
}

// normalize re-creates nil maps after JSON decoding so mutators never
// write into a nil map.
func (s *Snapshot) normalize() {
	if s.Tenants == nil {
		s.Tenants = make(map[string]*Tenant)
	}
	if s.Instances == nil {
		s.Instances = make(map[string]*Instance)
	}
	if s.ClientIDIndex == nil {
		s.ClientIDIndex = make(map[string]string)
	}
	if s.EnrollmentCodes == nil {
		s.EnrollmentCodes = make(map[string]*EnrollmentCode)
	}
	if s.CodeHashIndex == nil {
		s.CodeHashIndex = make(map[string]string)
	}
}
