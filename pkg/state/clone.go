package state

import "encoding/json"

// Clone returns a deep copy of the snapshot. Callers outside a mutation
// always receive clones so shared maps can never be mutated in place.
func (s *Snapshot) Clone() *Snapshot {
	out := NewSnapshot()
	for id, t := range s.Tenants {
		out.Tenants[id] = t.Clone()
	}
	for id, inst := range s.Instances {
		out.Instances[id] = inst.Clone()
	}
	for k, v := range s.ClientIDIndex {
		out.ClientIDIndex[k] = v
	}
	for id, c := range s.EnrollmentCodes {
		out.EnrollmentCodes[id] = c.Clone()
	}
	for k, v := range s.CodeHashIndex {
		out.CodeHashIndex[k] = v
	}
	if len(s.AuditEvents) > 0 {
		out.AuditEvents = make([]AuditEvent, len(s.AuditEvents))
		for i := range s.AuditEvents {
			out.AuditEvents[i] = s.AuditEvents[i].Clone()
		}
	}
	if len(s.CrossServiceEvents) > 0 {
		out.CrossServiceEvents = make([]CrossServiceEvent, len(s.CrossServiceEvents))
		for i := range s.CrossServiceEvents {
			out.CrossServiceEvents[i] = s.CrossServiceEvents[i].Clone()
		}
	}
	out.OutageActive = s.OutageActive
	return out
}

// Clone returns a copy of the tenant.
func (t *Tenant) Clone() *Tenant {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

// Clone returns a deep copy of the instance, credentials included.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	cp := *i
	cp.AllowedServices = append([]string(nil), i.AllowedServices...)
	cp.Credentials = i.Credentials.Clone()
	return &cp
}

// Clone returns a deep copy of the credentials.
func (c *ClientCredentials) Clone() *ClientCredentials {
	if c == nil {
		return nil
	}
	cp := *c
	cp.SecretVersions = append([]SecretVersion(nil), c.SecretVersions...)
	return &cp
}

// Clone returns a copy of the enrollment code record.
func (c *EnrollmentCode) Clone() *EnrollmentCode {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// Clone returns a copy of the event with its metadata deep-copied.
func (e AuditEvent) Clone() AuditEvent {
	e.Metadata = cloneJSONMap(e.Metadata)
	return e
}

// Clone returns a copy of the event with its attributes deep-copied.
func (e CrossServiceEvent) Clone() CrossServiceEvent {
	e.Attributes = cloneJSONMap(e.Attributes)
	return e
}

// cloneJSONMap deep-copies metadata maps. Values are JSON-shaped
// (maps, slices, scalars) so a marshal round trip is exact.
func cloneJSONMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		// Metadata is sanitized before storage; a non-serializable value
		// cannot reach here. Fall back to a shallow copy.
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
