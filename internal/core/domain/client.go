package domain

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"vocetra/internal/core/engine"
)

// TransportParams is the payload handed back to a participant so it can
// complete ICE/DTLS negotiation for a freshly created transport.
type TransportParams struct {
	ID             string                `json:"id"`
	ICEParameters  webrtc.ICEParameters  `json:"iceParameters"`
	ICECandidates  []webrtc.ICECandidate `json:"iceCandidates"`
	DTLSParameters webrtc.DTLSParameters `json:"dtlsParameters"`
}

// TransportConfig carries the transport tuning applied at creation time.
type TransportConfig struct {
	ListenIP                        string
	AnnouncedIP                     string
	MaxIncomingBitrate              int
	InitialAvailableOutgoingBitrate int
}

// DownstreamTransport is one inbound ICE/DTLS session and the consumers
// riding on it. AssociatedAudioID/AssociatedVideoID are the legacy scalar
// association; Associations is the kind-keyed form. A transport may carry
// more than one consumer kind (an audio consumer plus its paired video).
type DownstreamTransport struct {
	Transport         engine.Transport
	AssociatedAudioID string
	AssociatedVideoID string
	Associations      map[StreamKind]string
	Consumers         map[StreamKind]engine.Consumer
}

// Client is the per-connection resource ledger: one optional upstream
// transport, N downstream transports, and at most one live producer per
// stream kind. All mutation goes through methods; the internal mutex
// serializes concurrent signaling events for the same client.
type Client struct {
	userName string
	peerID   string

	mu          sync.Mutex
	closed      bool
	room        *Room
	upstream    engine.Transport
	downstreams []*DownstreamTransport
	producers   map[StreamKind]engine.Producer

	log *zap.SugaredLogger
}

func NewClient(userName, peerID string, log *zap.SugaredLogger) *Client {
	return &Client{
		userName:  userName,
		peerID:    peerID,
		producers: make(map[StreamKind]engine.Producer),
		log:       log,
	}
}

func (c *Client) UserName() string { return c.userName }
func (c *Client) PeerID() string   { return c.peerID }

// SetRoom attaches the client to a room. Must happen before any
// transport or producer operation.
func (c *Client) SetRoom(r *Room) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.room = r
}

func (c *Client) Room() *Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// AddTransport asks the room's router for a new WebRTC transport. The
// producer role assigns the single upstream transport; the consumer role
// appends a DownstreamTransport seeded with the given association.
// Applying the max-incoming-bitrate is best effort: a failure is logged,
// not fatal.
func (c *Client) AddTransport(ctx context.Context, role TransportRole, assoc Association, cfg TransportConfig) (TransportParams, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return TransportParams{}, ErrClientClosed
	}
	if c.room == nil {
		return TransportParams{}, ErrNotAttachedToRoom
	}

	transport, err := c.room.Router().CreateTransport(ctx, engine.TransportOptions{
		ListenIP:                        cfg.ListenIP,
		AnnouncedIP:                     cfg.AnnouncedIP,
		InitialAvailableOutgoingBitrate: cfg.InitialAvailableOutgoingBitrate,
	})
	if err != nil {
		return TransportParams{}, err
	}

	if cfg.MaxIncomingBitrate > 0 {
		if err := transport.SetMaxIncomingBitrate(cfg.MaxIncomingBitrate); err != nil {
			c.log.Warnw("failed to set max incoming bitrate",
				"client", c.userName,
				"transport_id", transport.ID(),
				"error", err,
			)
		}
	}

	params := TransportParams{
		ID:             transport.ID(),
		ICEParameters:  transport.ICEParameters(),
		ICECandidates:  transport.ICECandidates(),
		DTLSParameters: transport.DTLSParameters(),
	}

	switch role {
	case RoleProducer:
		c.upstream = transport
	case RoleConsumer:
		dt := &DownstreamTransport{
			Transport:         transport,
			AssociatedAudioID: assoc.LegacyAudioID,
			AssociatedVideoID: assoc.LegacyVideoID,
			Associations:      make(map[StreamKind]string),
			Consumers:         make(map[StreamKind]engine.Consumer),
		}
		if assoc.Kind != "" && assoc.RemoteID != "" {
			dt.Associations[assoc.Kind] = assoc.RemoteID
		}
		c.downstreams = append(c.downstreams, dt)
	default:
		transport.Close()
		return TransportParams{}, ErrInvalidTransportRole
	}

	return params, nil
}

// ConnectUpstream applies DTLS parameters to the upstream transport.
func (c *Client) ConnectUpstream(ctx context.Context, dtls webrtc.DTLSParameters) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.upstream == nil {
		return ErrNoUpstreamTransport
	}
	return c.upstream.Connect(ctx, dtls)
}

// ConnectDownstreamByAudioID applies DTLS parameters to the downstream
// transport whose legacy audio association matches. This keying does not
// generalize to non-audio-keyed consumers; the association map exists for
// callers that outgrow it.
func (c *Client) ConnectDownstreamByAudioID(ctx context.Context, audioID string, dtls webrtc.DTLSParameters) error {
	c.mu.Lock()
	dt := c.findDownstreamByAudioIDLocked(audioID)
	c.mu.Unlock()
	if dt == nil {
		return ErrTransportNotFound
	}
	return dt.Transport.Connect(ctx, dtls)
}

// UpstreamTransport returns the transport the client pushes media over.
func (c *Client) UpstreamTransport() (engine.Transport, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.upstream, c.upstream != nil
}

// AddProducer stores the producer under its kind, replacing any previous
// one. Camera audio additionally registers with the room's dominant
// speaker observer so dominance events can reference it.
func (c *Client) AddProducer(kind StreamKind, p engine.Producer) {
	c.mu.Lock()
	room := c.room
	c.producers[kind] = p
	c.mu.Unlock()

	if kind == KindAudio && room != nil && room.Observer() != nil {
		if err := room.Observer().AddProducer(p.ID()); err != nil {
			c.log.Warnw("failed to register audio producer with speaker observer",
				"client", c.userName,
				"producer_id", p.ID(),
				"error", err,
			)
		}
	}
}

// Producer returns the live producer of the given kind, if any.
func (c *Client) Producer(kind StreamKind) (engine.Producer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.producers[kind]
	return p, ok
}

// ProducerID returns the id of the live producer of the given kind.
func (c *Client) ProducerID(kind StreamKind) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.producers[kind]; ok {
		return p.ID(), true
	}
	return "", false
}

// ProducerByID scans the producer set for the given producer id and
// reports which kind owns it.
func (c *Client) ProducerByID(pid string) (StreamKind, engine.Producer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for kind, p := range c.producers {
		if p.ID() == pid {
			return kind, p, true
		}
	}
	return "", nil, false
}

// AddConsumer stores the consumer under its kind on the given downstream
// transport. Each (kind, remote stream) pair holds at most one live
// consumer per client.
func (c *Client) AddConsumer(kind StreamKind, consumer engine.Consumer, dt *DownstreamTransport) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := dt.Consumers[kind]; ok && existing.ProducerID() == consumer.ProducerID() {
		return ErrDuplicateConsume
	}
	dt.Consumers[kind] = consumer
	return nil
}

// Downstreams returns a snapshot of the downstream transport list.
func (c *Client) Downstreams() []*DownstreamTransport {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*DownstreamTransport, len(c.downstreams))
	copy(out, c.downstreams)
	return out
}

// DownstreamForConsume finds the downstream transport that should carry a
// consumer of the given kind for the given remote producer. Audio kinds
// match on the legacy audio association, video kinds on the video one.
func (c *Client) DownstreamForConsume(kind StreamKind, pid string) (*DownstreamTransport, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, dt := range c.downstreams {
		if dt.Associations[kind] == pid {
			return dt, true
		}
		switch kind.MediaKind() {
		case engine.MediaKindAudio:
			if dt.AssociatedAudioID == pid {
				return dt, true
			}
		case engine.MediaKindVideo:
			if dt.AssociatedVideoID == pid {
				return dt, true
			}
		}
	}
	return nil, false
}

// ConsumerFor returns the consumer of the given kind subscribed to the
// given remote producer.
func (c *Client) ConsumerFor(kind StreamKind, pid string) (engine.Consumer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, dt := range c.downstreams {
		if consumer, ok := dt.Consumers[kind]; ok && consumer.ProducerID() == pid {
			return consumer, true
		}
	}
	return nil, false
}

// HasActiveProducers is a coarse liveness check.
func (c *Client) HasActiveProducers() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.producers) > 0
}

// TransportCount counts the upstream plus all downstream transports,
// used to settle worker accounting on disconnect.
func (c *Client) TransportCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.downstreams)
	if c.upstream != nil {
		n++
	}
	return n
}

// UpdateSpeakerSubscriptions reconciles this client against the current
// active/muted split. Audio only: demoted streams have their audio
// consumer (or the client's own producer) paused, promoted streams are
// resumed. Video is resumed opportunistically where a paired consumer is
// already present and paused, and is never paused here. Returns the
// subscription deficit: active stream ids this client has no audio
// subscription for and does not itself produce.
func (c *Client) UpdateSpeakerSubscriptions(active, muted []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	for _, pid := range muted {
		if p, ok := c.ownProducerLocked(pid); ok {
			if p.Kind() == engine.MediaKindAudio {
				c.pauseQuiet(p.Pause, pid)
			}
			continue
		}
		for _, dt := range c.downstreams {
			if consumer, ok := audioConsumerOn(dt, pid); ok {
				c.pauseQuiet(consumer.Pause, pid)
			}
		}
	}

	var deficit []string
	for _, pid := range active {
		if p, ok := c.ownProducerLocked(pid); ok {
			if p.Kind() == engine.MediaKindAudio {
				c.pauseQuiet(p.Resume, pid)
			}
			// Opportunistic video resume for the client's own paired video.
			if video, ok := c.producers[KindVideo]; ok && pid == c.producerIDLocked(KindAudio) && video.Paused() {
				c.pauseQuiet(video.Resume, video.ID())
			}
			continue
		}

		dt := c.findDownstreamByAudioIDLocked(pid)
		if dt == nil {
			deficit = append(deficit, pid)
			continue
		}
		audio, ok := audioConsumerOn(dt, pid)
		if !ok {
			deficit = append(deficit, pid)
			continue
		}
		c.pauseQuiet(audio.Resume, pid)

		for _, vk := range []StreamKind{KindVideo, KindScreenVideo} {
			if video, ok := dt.Consumers[vk]; ok && video.Paused() {
				c.pauseQuiet(video.Resume, pid)
			}
		}
	}

	return deficit
}

// CloseProducers closes every live producer, clears the producer map and
// returns the ids of the closed audio-kind producers so callers can prune
// the room's active-speaker list.
func (c *Client) CloseProducers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var audioPids []string
	for kind, p := range c.producers {
		if kind.IsAudio() {
			audioPids = append(audioPids, p.ID())
		}
		p.Close()
	}
	c.producers = make(map[StreamKind]engine.Producer)
	return audioPids
}

// Cleanup idempotently closes the upstream transport, every downstream
// transport and every producer, then clears all collections. Safe to call
// repeatedly and on a partially-initialized client.
func (c *Client) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.upstream != nil {
		c.upstream.Close()
		c.upstream = nil
	}
	for _, dt := range c.downstreams {
		dt.Transport.Close()
	}
	for _, p := range c.producers {
		p.Close()
	}
	c.downstreams = nil
	c.producers = make(map[StreamKind]engine.Producer)
	c.closed = true
}

func (c *Client) findDownstreamByAudioIDLocked(audioID string) *DownstreamTransport {
	for _, dt := range c.downstreams {
		if dt.AssociatedAudioID == audioID {
			return dt
		}
		if dt.Associations[KindAudio] == audioID || dt.Associations[KindScreenAudio] == audioID {
			return dt
		}
	}
	return nil
}

// audioConsumerOn finds the audio-family consumer for the given remote
// producer regardless of which audio kind it was stored under.
func audioConsumerOn(dt *DownstreamTransport, pid string) (engine.Consumer, bool) {
	for _, kind := range []StreamKind{KindAudio, KindScreenAudio} {
		if consumer, ok := dt.Consumers[kind]; ok && consumer.ProducerID() == pid {
			return consumer, true
		}
	}
	return nil, false
}

func (c *Client) ownProducerLocked(pid string) (engine.Producer, bool) {
	for _, p := range c.producers {
		if p.ID() == pid {
			return p, true
		}
	}
	return nil, false
}

func (c *Client) producerIDLocked(kind StreamKind) string {
	if p, ok := c.producers[kind]; ok {
		return p.ID()
	}
	return ""
}

func (c *Client) pauseQuiet(op func() error, pid string) {
	if err := op(); err != nil {
		c.log.Warnw("audio state change failed",
			"client", c.userName,
			"producer_id", pid,
			"error", err,
		)
	}
}
