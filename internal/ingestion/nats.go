// Package ingestion moves encrypted intent envelopes from NATS JetStream
// into the engine. JetStream is the durable intake surface: submissions
// survive an engine restart and are redelivered until acked.
package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	StreamName = "CIPHER_INTENTS"

	// Trade and close submissions arrive on separate subjects so the two
	// pipelines can be paused or scaled independently.
	SubjectTrades = "cipher.intents.trade"
	SubjectCloses = "cipher.intents.close"

	consumerTrades = "settle-trades"
	consumerCloses = "settle-closes"
)

// ConnectNATS establishes a NATS connection with infinite reconnects and
// returns a JetStream context.
func ConnectNATS(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}

// EnsureStream creates the intent stream if it does not exist.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{"cipher.intents.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", StreamName, err)
	}
	return nil
}

// Sink accepts one raw envelope. A nil return means the submission was
// handled (accepted or finally rejected) and the message is acked. A non-nil
// return signals a transient failure and the message is naked for redelivery.
type Sink func(ctx context.Context, data []byte) error

// Subscriber runs durable JetStream consumers for the trade and close
// subjects, handing every message to the appropriate sink.
type Subscriber struct {
	js        jetstream.JetStream
	log       zerolog.Logger
	consumers []jetstream.ConsumeContext
}

func NewSubscriber(js jetstream.JetStream, log zerolog.Logger) *Subscriber {
	return &Subscriber{js: js, log: log}
}

// Start creates the consumers. Explicit ack, max_deliver=5, ack_wait=30s:
// a submission that fails transiently five times is parked, not looped.
func (s *Subscriber) Start(ctx context.Context, trades, closes Sink) error {
	specs := []struct {
		subject  string
		consumer string
		sink     Sink
	}{
		{SubjectTrades, consumerTrades, trades},
		{SubjectCloses, consumerCloses, closes},
	}

	for _, spec := range specs {
		consumer, err := s.js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
			Durable:       spec.consumer,
			FilterSubject: spec.subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", spec.consumer, err)
		}

		sink := spec.sink
		cc, err := consumer.Consume(func(msg jetstream.Msg) {
			if err := sink(ctx, msg.Data()); err != nil {
				s.log.Warn().Err(err).Str("subject", msg.Subject()).
					Msg("intent handling failed, requesting redelivery")
				msg.Nak()
				return
			}
			msg.Ack()
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", spec.consumer, err)
		}

		s.consumers = append(s.consumers, cc)
		s.log.Info().Str("subject", spec.subject).Str("consumer", spec.consumer).
			Msg("intent consumer started")
	}
	return nil
}

// Stop halts all consumers.
func (s *Subscriber) Stop() {
	for _, cc := range s.consumers {
		cc.Stop()
	}
	s.log.Info().Msg("intent consumers stopped")
}
