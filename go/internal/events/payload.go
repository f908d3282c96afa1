// Package events defines the credit-domain events carried by the outbox.
package events

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

type EventType string

const (
	ObligationDue     EventType = "obligation_due"
	ObligationOverdue EventType = "obligation_overdue"
	FacilityActivated EventType = "facility_activated"
	DisbursalSettled  EventType = "disbursal_settled"
	PaymentRecorded   EventType = "payment_recorded"
)

var (
	ErrUnknownEventType = errors.New("unknown event type")
	ErrEmptyPayload     = errors.New("payload has no data")
)

// Payload is the tagged union stored in the outbox, encoded as
// {"type": ..., "data": {...}}.
type Payload struct {
	Type EventType
	Data any
}

type wirePayload struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

func NewObligationDue(p ObligationDuePayload) Payload {
	return Payload{Type: ObligationDue, Data: p}
}

func NewObligationOverdue(p ObligationOverduePayload) Payload {
	return Payload{Type: ObligationOverdue, Data: p}
}

func NewFacilityActivated(p FacilityActivatedPayload) Payload {
	return Payload{Type: FacilityActivated, Data: p}
}

func NewDisbursalSettled(p DisbursalSettledPayload) Payload {
	return Payload{Type: DisbursalSettled, Data: p}
}

func NewPaymentRecorded(p PaymentRecordedPayload) Payload {
	return Payload{Type: PaymentRecorded, Data: p}
}

func (p Payload) MarshalJSON() ([]byte, error) {
	if p.Data == nil {
		return nil, ErrEmptyPayload
	}
	if _, err := newData(p.Type); err != nil {
		return nil, err
	}
	data, err := json.Marshal(p.Data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wirePayload{Type: p.Type, Data: data})
}

func (p *Payload) UnmarshalJSON(b []byte) error {
	var w wirePayload
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	data, err := newData(w.Type)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(w.Data, data); err != nil {
		return fmt.Errorf("decode %s payload: %w", w.Type, err)
	}
	p.Type = w.Type
	p.Data = deref(data)
	return nil
}

// FacilityID returns the facility the event belongs to.
func (p Payload) FacilityID() uuid.UUID {
	switch d := p.Data.(type) {
	case ObligationDuePayload:
		return d.FacilityID
	case ObligationOverduePayload:
		return d.FacilityID
	case FacilityActivatedPayload:
		return d.FacilityID
	case DisbursalSettledPayload:
		return d.FacilityID
	case PaymentRecordedPayload:
		return d.FacilityID
	default:
		return uuid.Nil
	}
}

// Subject is the message subject the event is relayed on.
func (p Payload) Subject(prefix string) string {
	return fmt.Sprintf("%s.%s", prefix, p.Type)
}

func newData(t EventType) (any, error) {
	switch t {
	case ObligationDue:
		return &ObligationDuePayload{}, nil
	case ObligationOverdue:
		return &ObligationOverduePayload{}, nil
	case FacilityActivated:
		return &FacilityActivatedPayload{}, nil
	case DisbursalSettled:
		return &DisbursalSettledPayload{}, nil
	case PaymentRecorded:
		return &PaymentRecordedPayload{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, t)
	}
}

func deref(v any) any {
	switch d := v.(type) {
	case *ObligationDuePayload:
		return *d
	case *ObligationOverduePayload:
		return *d
	case *FacilityActivatedPayload:
		return *d
	case *DisbursalSettledPayload:
		return *d
	case *PaymentRecordedPayload:
		return *d
	default:
		return v
	}
}
