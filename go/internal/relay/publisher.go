package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mcdev12/backbone/go/internal/events"
	"github.com/mcdev12/backbone/go/internal/outbox"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// Publisher delivers outbox events to an external broker.
type Publisher interface {
	Publish(ctx context.Context, event *outbox.PersistentEvent[events.Payload]) error
}

type JetStreamConfig struct {
	URL             string        `yaml:"url"`
	StreamName      string        `yaml:"stream_name"`
	SubjectPrefix   string        `yaml:"subject_prefix"`
	MaxReconnects   int           `yaml:"max_reconnects"`
	ReconnectWait   time.Duration `yaml:"reconnect_wait"`
	MaxAge          time.Duration `yaml:"max_age"`          // How long to keep messages
	MaxMsgs         int64         `yaml:"max_msgs"`         // Max number of messages to keep
	Replicas        int           `yaml:"replicas"`         // Number of replicas for the stream
	DuplicateWindow time.Duration `yaml:"duplicate_window"` // Window for duplicate detection
}

func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		URL:             nats.DefaultURL,
		StreamName:      "CREDIT_EVENTS",
		SubjectPrefix:   "credit.events",
		MaxReconnects:   -1, // Infinite
		ReconnectWait:   2 * time.Second,
		MaxAge:          7 * 24 * time.Hour, // 7 days
		MaxMsgs:         -1,                 // No limit
		Replicas:        1,
		DuplicateWindow: 2 * time.Hour,
	}
}

// envelope is the message body consumers receive.
type envelope struct {
	Sequence   uint64          `json:"sequence"`
	EventType  string          `json:"eventType"`
	FacilityID string          `json:"facilityId"`
	RecordedAt time.Time       `json:"recordedAt"`
	Payload    json.RawMessage `json:"payload"`
}

type JetStreamPublisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	config JetStreamConfig
}

func NewJetStreamPublisher(ctx context.Context, cfg JetStreamConfig) (*JetStreamPublisher, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	p := &JetStreamPublisher{nc: nc, js: js, config: cfg}

	if err := p.ensureStream(ctx); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}

	return p, nil
}

func (p *JetStreamPublisher) streamConfig() jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:        p.config.StreamName,
		Description: "Credit events relayed from the transactional outbox",
		Subjects:    []string{fmt.Sprintf("%s.>", p.config.SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      p.config.MaxAge,
		MaxMsgs:     p.config.MaxMsgs,
		Storage:     jetstream.FileStorage,
		Replicas:    p.config.Replicas,
		Duplicates:  p.config.DuplicateWindow,
	}
}

func (p *JetStreamPublisher) ensureStream(ctx context.Context) error {
	sc := p.streamConfig()

	stream, err := p.js.Stream(ctx, p.config.StreamName)
	if err != nil {
		if _, err = p.js.CreateStream(ctx, sc); err != nil {
			return fmt.Errorf("create stream: %w", err)
		}
		log.Info().
			Str("stream", p.config.StreamName).
			Msg("created JetStream stream")
		return nil
	}

	info, err := stream.Info(ctx)
	if err != nil {
		return fmt.Errorf("get stream info: %w", err)
	}
	if !isStreamConfigEqual(info.Config, sc) {
		if _, err = p.js.UpdateStream(ctx, sc); err != nil {
			return fmt.Errorf("update stream: %w", err)
		}
		log.Info().
			Str("stream", p.config.StreamName).
			Msg("updated JetStream stream")
	}
	return nil
}

// Publish sends event with the outbox sequence as message id, so a replay
// after a crash is dropped by the stream's duplicate window.
func (p *JetStreamPublisher) Publish(ctx context.Context, event *outbox.PersistentEvent[events.Payload]) error {
	msg, err := buildMsg(p.config.SubjectPrefix, event)
	if err != nil {
		return err
	}

	ack, err := p.js.PublishMsg(ctx, msg,
		jetstream.WithMsgID(event.Sequence.String()),
		jetstream.WithExpectStream(p.config.StreamName),
	)
	if err != nil {
		return fmt.Errorf("publish to JetStream: %w", err)
	}

	log.Debug().
		Str("subject", msg.Subject).
		Uint64("outbox_sequence", uint64(event.Sequence)).
		Uint64("stream_sequence", ack.Sequence).
		Bool("duplicate", ack.Duplicate).
		Msg("published to JetStream")

	return nil
}

func buildMsg(prefix string, event *outbox.PersistentEvent[events.Payload]) (*nats.Msg, error) {
	payload, err := json.Marshal(event.Payload.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	facilityID := event.Payload.FacilityID().String()
	data, err := json.Marshal(envelope{
		Sequence:   uint64(event.Sequence),
		EventType:  string(event.Payload.Type),
		FacilityID: facilityID,
		RecordedAt: event.RecordedAt,
		Payload:    payload,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}

	return &nats.Msg{
		Subject: event.Payload.Subject(prefix),
		Data:    data,
		Header: nats.Header{
			"Event-Type":      []string{string(event.Payload.Type)},
			"Facility-ID":     []string{facilityID},
			"Outbox-Sequence": []string{event.Sequence.String()},
		},
	}, nil
}

// Connected reports whether the NATS connection is up.
func (p *JetStreamPublisher) Connected() bool {
	return p.nc != nil && p.nc.IsConnected()
}

func (p *JetStreamPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}

func isStreamConfigEqual(a, b jetstream.StreamConfig) bool {
	return a.Name == b.Name &&
		a.MaxAge == b.MaxAge &&
		a.MaxMsgs == b.MaxMsgs &&
		a.Replicas == b.Replicas &&
		a.Duplicates == b.Duplicates
}
