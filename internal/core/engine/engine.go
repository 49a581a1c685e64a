// Package engine defines the capability contract of the media engine.
// The control plane treats the engine as an opaque collaborator: it can
// spawn workers, create routers and transports on them, produce and
// consume streams, and report resource usage. Everything behind these
// interfaces (ICE/DTLS/SRTP, RTP forwarding, codec negotiation) is the
// engine's business.
package engine

import (
	"context"
	"time"

	"github.com/pion/webrtc/v3"
)

// MediaKind is the engine-level media type of a stream.
type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

// WorkerSettings configures a worker process at spawn time.
type WorkerSettings struct {
	RTCMinPort uint16
	RTCMaxPort uint16
	LogLevel   string
}

// ResourceUsage is a cumulative CPU time sample for a worker process.
type ResourceUsage struct {
	CPUTime time.Duration
}

// MediaCodec describes one codec the router negotiates.
type MediaCodec struct {
	Kind       MediaKind
	MimeType   string
	ClockRate  uint32
	Channels   uint16
	Parameters map[string]interface{}
}

// TransportOptions configures a new WebRTC transport on a router.
type TransportOptions struct {
	ListenIP                        string
	AnnouncedIP                     string
	InitialAvailableOutgoingBitrate int
}

// Engine spawns worker processes.
type Engine interface {
	CreateWorker(ctx context.Context, settings WorkerSettings) (Worker, error)
}

// Worker is a handle to one media-engine worker process.
type Worker interface {
	// Pid is the process identity of the worker. A respawned worker has a
	// new pid even when it occupies the same slot.
	Pid() int
	CreateRouter(ctx context.Context, codecs []MediaCodec) (Router, error)
	GetResourceUsage(ctx context.Context) (ResourceUsage, error)
	// OnDied registers a callback fired once when the worker process dies.
	OnDied(fn func())
	Close() error
}

// Router scopes all transports, producers and consumers of one room.
type Router interface {
	ID() string
	RtpCapabilities() webrtc.RTPCapabilities
	CreateTransport(ctx context.Context, opts TransportOptions) (Transport, error)
	CanConsume(producerID string, caps webrtc.RTPCapabilities) bool
	CreateActiveSpeakerObserver(ctx context.Context, interval time.Duration) (ActiveSpeakerObserver, error)
	Close() error
}

// Transport is one ICE/DTLS session carrying producers or consumers.
type Transport interface {
	ID() string
	ICEParameters() webrtc.ICEParameters
	ICECandidates() []webrtc.ICECandidate
	DTLSParameters() webrtc.DTLSParameters
	Connect(ctx context.Context, dtls webrtc.DTLSParameters) error
	SetMaxIncomingBitrate(bitrate int) error
	Produce(ctx context.Context, kind MediaKind, rtp webrtc.RTPParameters) (Producer, error)
	Consume(ctx context.Context, producerID string, caps webrtc.RTPCapabilities, paused bool) (Consumer, error)
	Close() error
}

// Producer is an outbound media stream pushed by a participant.
type Producer interface {
	ID() string
	Kind() MediaKind
	Paused() bool
	Pause() error
	Resume() error
	Close() error
}

// Consumer is an inbound subscription to a remote producer.
type Consumer interface {
	ID() string
	ProducerID() string
	Kind() MediaKind
	RtpParameters() webrtc.RTPParameters
	Paused() bool
	Pause() error
	Resume() error
	Close() error
}

// ActiveSpeakerObserver reports the dominant audio producer of a router
// at a bounded interval.
type ActiveSpeakerObserver interface {
	AddProducer(producerID string) error
	RemoveProducer(producerID string) error
	// OnDominantSpeaker registers the callback invoked with the producer id
	// of the new dominant speaker.
	OnDominantSpeaker(fn func(producerID string))
	Close() error
}
