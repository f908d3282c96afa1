package events

import (
	"time"

	"github.com/google/uuid"
)

// Event payload types published through the outbox

// ObligationDuePayload is the payload for an ObligationDue event
type ObligationDuePayload struct {
	ObligationID uuid.UUID `json:"obligation_id"`
	FacilityID   uuid.UUID `json:"facility_id"`
	AmountCents  int64     `json:"amount_cents"`
	DueAt        time.Time `json:"due_at"`
}

// ObligationOverduePayload is the payload for an ObligationOverdue event
type ObligationOverduePayload struct {
	ObligationID     uuid.UUID `json:"obligation_id"`
	FacilityID       uuid.UUID `json:"facility_id"`
	OutstandingCents int64     `json:"outstanding_cents"`
	OverdueAt        time.Time `json:"overdue_at"`
	DaysPastDue      int       `json:"days_past_due"`
}

// FacilityActivatedPayload is the payload for a FacilityActivated event
type FacilityActivatedPayload struct {
	FacilityID  uuid.UUID `json:"facility_id"`
	CustomerID  uuid.UUID `json:"customer_id"`
	AmountCents int64     `json:"amount_cents"`
	ActivatedAt time.Time `json:"activated_at"`
}

// DisbursalSettledPayload is the payload for a DisbursalSettled event
type DisbursalSettledPayload struct {
	DisbursalID  uuid.UUID `json:"disbursal_id"`
	FacilityID   uuid.UUID `json:"facility_id"`
	ObligationID uuid.UUID `json:"obligation_id"`
	AmountCents  int64     `json:"amount_cents"`
	SettledAt    time.Time `json:"settled_at"`
}

// PaymentRecordedPayload is the payload for a PaymentRecorded event
type PaymentRecordedPayload struct {
	PaymentID   uuid.UUID `json:"payment_id"`
	FacilityID  uuid.UUID `json:"facility_id"`
	AmountCents int64     `json:"amount_cents"`
	RecordedAt  time.Time `json:"recorded_at"`
}
