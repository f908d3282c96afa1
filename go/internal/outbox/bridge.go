package outbox

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

type syncer interface {
	Sync(ctx context.Context) (int, error)
	HighestKnownSequence() EventSequence
}

// NotifyBridge turns database notifications about committed events into
// broadcasts on the local outbox, so listeners in this process learn about
// events published by other processes.
type NotifyBridge struct {
	outbox syncer
}

func NewNotifyBridge[P any](o *Outbox[P]) *NotifyBridge {
	return &NotifyBridge{outbox: o}
}

// HandleNotification receives the sequence carried by a NOTIFY payload.
func (b *NotifyBridge) HandleNotification(ctx context.Context, payload string) error {
	seq, err := ParseEventSequence(payload)
	if err != nil {
		return fmt.Errorf("invalid outbox notification %q: %w", payload, err)
	}
	if seq <= b.outbox.HighestKnownSequence() {
		return nil
	}
	n, err := b.outbox.Sync(ctx)
	if err != nil {
		return err
	}
	log.Debug().Uint64("sequence", uint64(seq)).Int("synced", n).Msg("Outbox notification handled")
	return nil
}

// Fallback catches up on notifications missed while disconnected.
func (b *NotifyBridge) Fallback(ctx context.Context) error {
	n, err := b.outbox.Sync(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Info().Int("synced", n).Msg("Outbox fallback sync found new events")
	}
	return nil
}
