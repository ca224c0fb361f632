package audit

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/rezilient-labs/authplane/pkg/clock"
	"github.com/rezilient-labs/authplane/pkg/state"
)

// Input describes an event before the recorder fills in identity and
// occurrence time.
type Input struct {
	EventType      string
	Actor          string
	TenantID       string
	InstanceID     string
	ClientID       string
	ServiceScope   string
	ReasonCode     string
	InFlightReason string
	Metadata       map[string]any
}

// Recorder appends audit events. Producers that already hold a mutation
// call Append so the event commits atomically with the state change;
// Record opens its own transaction for standalone events.
type Recorder struct {
	store    state.Store
	clock    clock.Clock
	redactor *Redactor
}

// NewRecorder creates a recorder over the given store and clock.
func NewRecorder(store state.Store, clk clock.Clock) *Recorder {
	return &Recorder{store: store, clock: clk, redactor: NewRedactor()}
}

// Append writes the event (legacy and normalized forms) into an
// in-progress snapshot and returns the filled-in event.
func (r *Recorder) Append(s *state.Snapshot, in Input) state.AuditEvent {
	event := state.AuditEvent{
		EventID:        uuid.New().String(),
		EventType:      in.EventType,
		OccurredAt:     clock.ISO(r.clock.Now()),
		Actor:          in.Actor,
		TenantID:       in.TenantID,
		InstanceID:     in.InstanceID,
		ClientID:       in.ClientID,
		ServiceScope:   in.ServiceScope,
		ReasonCode:     in.ReasonCode,
		InFlightReason: in.InFlightReason,
		Metadata:       r.redactor.Sanitize(in.Metadata),
	}
	s.AuditEvents = append(s.AuditEvents, event)
	s.CrossServiceEvents = append(s.CrossServiceEvents, normalize(event))
	return event
}

// Record appends the event in its own transaction. A store failure
// propagates; there is no silent drop.
func (r *Recorder) Record(ctx context.Context, in Input) (state.AuditEvent, error) {
	out, err := r.store.Mutate(ctx, func(s *state.Snapshot) (any, error) {
		return r.Append(s, in), nil
	})
	if err != nil {
		return state.AuditEvent{}, err
	}
	return out.(state.AuditEvent), nil
}

// normalize projects a legacy event into the cross-service form.
func normalize(event state.AuditEvent) state.CrossServiceEvent {
	attrs := map[string]any{}
	if event.Actor != "" {
		attrs["actor"] = event.Actor
	}
	if event.ClientID != "" {
		attrs["client_id"] = event.ClientID
	}
	if event.ReasonCode != "" {
		attrs["reason_code"] = event.ReasonCode
	}
	if event.InFlightReason != "" {
		attrs["in_flight_reason"] = event.InFlightReason
	}
	for k, v := range event.Metadata {
		attrs[k] = v
	}
	if len(attrs) == 0 {
		attrs = nil
	}
	return state.CrossServiceEvent{
		EventID:      event.EventID,
		OccurredAt:   event.OccurredAt,
		Category:     categoryFor(event.EventType),
		Action:       event.EventType,
		TenantID:     event.TenantID,
		InstanceID:   event.InstanceID,
		ServiceScope: event.ServiceScope,
		Attributes:   attrs,
	}
}

// List returns events sorted ascending by occurred_at; when limit > 0
// only the last limit events are returned.
func (r *Recorder) List(ctx context.Context, limit int) ([]state.AuditEvent, error) {
	snap, err := r.store.Read(ctx)
	if err != nil {
		return nil, err
	}
	events := snap.AuditEvents
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].OccurredAt < events[j].OccurredAt
	})
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

// ListCrossService returns the normalized projection in replay order:
// occurred_at first, event_id as tiebreaker.
func (r *Recorder) ListCrossService(ctx context.Context, limit int) ([]state.CrossServiceEvent, error) {
	snap, err := r.store.Read(ctx)
	if err != nil {
		return nil, err
	}
	events := snap.CrossServiceEvents
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].OccurredAt != events[j].OccurredAt {
			return events[i].OccurredAt < events[j].OccurredAt
		}
		return events[i].EventID < events[j].EventID
	})
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}
