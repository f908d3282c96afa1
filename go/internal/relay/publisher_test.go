package relay

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/backbone/go/internal/events"
	"github.com/mcdev12/backbone/go/internal/outbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildMsg(t *testing.T) {
	facility := uuid.New()
	recordedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	event := &outbox.PersistentEvent[events.Payload]{
		Sequence: 42,
		Payload: events.NewPaymentRecorded(events.PaymentRecordedPayload{
			PaymentID:   uuid.New(),
			FacilityID:  facility,
			AmountCents: 12_500,
		}),
		RecordedAt: recordedAt,
	}

	msg, err := buildMsg("credit.events", event)
	require.NoError(t, err)

	assert.Equal(t, "credit.events.payment_recorded", msg.Subject)
	assert.Equal(t, "42", msg.Header.Get("Outbox-Sequence"))
	assert.Equal(t, "payment_recorded", msg.Header.Get("Event-Type"))
	assert.Equal(t, facility.String(), msg.Header.Get("Facility-ID"))

	var env envelope
	require.NoError(t, json.Unmarshal(msg.Data, &env))
	assert.Equal(t, uint64(42), env.Sequence)
	assert.True(t, recordedAt.Equal(env.RecordedAt))

	var data events.PaymentRecordedPayload
	require.NoError(t, json.Unmarshal(env.Payload, &data))
	assert.Equal(t, int64(12_500), data.AmountCents)
}

func TestIsStreamConfigEqual(t *testing.T) {
	p := &JetStreamPublisher{config: DefaultJetStreamConfig()}
	a := p.streamConfig()
	b := p.streamConfig()
	assert.True(t, isStreamConfigEqual(a, b))

	b.MaxAge = time.Hour
	assert.False(t, isStreamConfigEqual(a, b))
}
