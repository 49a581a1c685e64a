package services

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"vocetra/internal/core/domain"
	"vocetra/internal/core/ports"
)

type mediaController struct {
	arbiter ports.SpeakerArbiter
	log     *zap.SugaredLogger
}

func NewMediaController(arbiter ports.SpeakerArbiter, log *zap.SugaredLogger) ports.MediaController {
	return &mediaController{arbiter: arbiter, log: log}
}

// StartProducing creates a producer on the client's upstream transport.
// Audio kinds enter the room's speaker ordering, which notifies the rest
// of the room about the new stream.
func (m *mediaController) StartProducing(ctx context.Context, client *domain.Client, kind domain.StreamKind, rtp webrtc.RTPParameters) (string, error) {
	upstream, ok := client.UpstreamTransport()
	if !ok {
		return "", domain.ErrNoUpstreamTransport
	}

	producer, err := upstream.Produce(ctx, kind.MediaKind(), rtp)
	if err != nil {
		return "", err
	}
	client.AddProducer(kind, producer)

	m.log.Infow("producer started",
		"client", client.UserName(),
		"kind", kind,
		"producer_id", producer.ID(),
	)

	if kind.IsAudio() {
		if room := client.Room(); room != nil {
			m.arbiter.RegisterProducer(room, producer.ID())
		}
	}
	return producer.ID(), nil
}

// ConsumeMedia subscribes the client to a remote producer. The consumer
// starts paused; the client acknowledges setup with an unpause. The wire
// kind may be stale for screen-share streams, so the owning producer's
// actual kind wins over the requested one.
func (m *mediaController) ConsumeMedia(ctx context.Context, client *domain.Client, kind domain.StreamKind, producerID string, caps webrtc.RTPCapabilities) (*ports.ConsumeResponse, error) {
	room := client.Room()
	if room == nil {
		return nil, domain.ErrNotAttachedToRoom
	}
	kind = detectKind(room, kind, producerID)
	if !room.Router().CanConsume(producerID, caps) {
		return nil, domain.ErrCannotConsume
	}

	dt, ok := client.DownstreamForConsume(kind, producerID)
	if !ok {
		return nil, domain.ErrTransportNotFound
	}

	consumer, err := dt.Transport.Consume(ctx, producerID, caps, true)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConsumeFailed, err)
	}
	if err := client.AddConsumer(kind, consumer, dt); err != nil {
		consumer.Close()
		return nil, err
	}

	return &ports.ConsumeResponse{
		ProducerID:    producerID,
		ID:            consumer.ID(),
		Kind:          string(consumer.Kind()),
		RtpParameters: consumer.RtpParameters(),
	}, nil
}

func (m *mediaController) UnpauseConsumer(ctx context.Context, client *domain.Client, kind domain.StreamKind, producerID string) error {
	if room := client.Room(); room != nil {
		kind = detectKind(room, kind, producerID)
	}
	consumer, ok := client.ConsumerFor(kind, producerID)
	if !ok {
		return domain.ErrConsumerNotFound
	}
	return consumer.Resume()
}

// detectKind corrects a possibly stale requested kind by scanning the
// room roster for the producer and taking the kind its owner stores it
// under. An unknown producer keeps the requested kind; the lookup that
// follows reports the failure.
func detectKind(room *domain.Room, kind domain.StreamKind, producerID string) domain.StreamKind {
	for _, owner := range room.Clients() {
		if actual, _, ok := owner.ProducerByID(producerID); ok {
			return actual
		}
	}
	return kind
}

// AudioChange pauses or resumes the client's own microphone producer.
func (m *mediaController) AudioChange(ctx context.Context, client *domain.Client, action string) error {
	producer, ok := client.Producer(domain.KindAudio)
	if !ok {
		return domain.ErrProducerNotFound
	}
	switch action {
	case "mute":
		return producer.Pause()
	case "unmute":
		return producer.Resume()
	}
	return fmt.Errorf("unknown audio action %q", action)
}

// CloseProducers stops everything the client publishes and prunes its
// audio streams from the speaker ordering.
func (m *mediaController) CloseProducers(ctx context.Context, client *domain.Client) error {
	audioPids := client.CloseProducers()
	room := client.Room()
	if room == nil {
		return nil
	}
	for _, pid := range audioPids {
		m.arbiter.RemoveProducer(room, pid)
	}
	return nil
}
