package state

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// snapshotSchema pins the shape of the persisted snapshot document. The
// durable stores validate on load so a corrupted or foreign row fails
// loudly instead of decoding into a half-empty snapshot.
const snapshotSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["tenants", "instances", "client_id_index", "enrollment_codes", "enrollment_code_hash_index", "outage_active"],
  "properties": {
    "tenants": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["tenant_id", "name", "state", "entitlement_state", "created_at", "updated_at"],
        "properties": {
          "tenant_id": {"type": "string"},
          "name": {"type": "string"},
          "state": {"enum": ["active", "suspended", "disabled"]},
          "entitlement_state": {"enum": ["active", "suspended", "disabled"]},
          "created_at": {"type": "string"},
          "updated_at": {"type": "string"}
        }
      }
    },
    "instances": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["instance_id", "tenant_id", "source", "state", "allowed_services"],
        "properties": {
          "instance_id": {"type": "string"},
          "tenant_id": {"type": "string"},
          "source": {"type": "string"},
          "state": {"enum": ["active", "suspended", "disabled"]},
          "allowed_services": {"type": "array", "items": {"enum": ["reg", "rrs"]}},
          "client_credentials": {
            "type": "object",
            "required": ["client_id", "current_secret_version_id", "secret_versions"],
            "properties": {
              "client_id": {"type": "string"},
              "current_secret_version_id": {"type": "string"},
              "next_secret_version_id": {"type": "string"},
              "secret_versions": {
                "type": "array",
                "items": {
                  "type": "object",
                  "required": ["version_id", "secret_hash", "created_at"],
                  "properties": {
                    "version_id": {"type": "string"},
                    "secret_hash": {"type": "string"}
                  }
                }
              }
            }
          }
        }
      }
    },
    "client_id_index": {"type": "object", "additionalProperties": {"type": "string"}},
    "enrollment_codes": {"type": "object"},
    "enrollment_code_hash_index": {"type": "object", "additionalProperties": {"type": "string"}},
    "audit_events": {"type": "array"},
    "cross_service_events": {"type": "array"},
    "outage_active": {"type": "boolean"}
  }
}`

var compiledSnapshotSchema = jsonschema.MustCompileString("snapshot.schema.json", snapshotSchema)

// decodeSnapshot validates and decodes a persisted snapshot document.
func decodeSnapshot(document []byte) (*Snapshot, error) {
	var generic any
	if err := json.Unmarshal(document, &generic); err != nil {
		return nil, fmt.Errorf("decode snapshot document: %w", err)
	}
	if err := compiledSnapshotSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("snapshot document failed schema validation: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(document, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot document: %w", err)
	}
	snap.normalize()
	return &snap, nil
}

// encodeSnapshot serializes a snapshot for persistence.
func encodeSnapshot(s *Snapshot) ([]byte, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot document: %w", err)
	}
	return raw, nil
}
