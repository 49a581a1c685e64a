package services

import (
	"context"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"vocetra/internal/core/domain"
	"vocetra/internal/core/ports"
	"vocetra/pkg/config"
)

// callService is the facade the signaling gateway drives. It composes
// the room registry, the transport negotiator, the media controller and
// the worker pool into the per-event operations of a call.
type callService struct {
	rooms     ports.RoomRegistry
	transport ports.TransportNegotiator
	media     ports.MediaController
	arbiter   ports.SpeakerArbiter
	pool      ports.WorkerPool
	metrics   ports.Metrics
	cfg       *config.Config
	log       *zap.SugaredLogger
}

func NewCallService(
	rooms ports.RoomRegistry,
	transport ports.TransportNegotiator,
	media ports.MediaController,
	arbiter ports.SpeakerArbiter,
	pool ports.WorkerPool,
	cfg *config.Config,
	metrics ports.Metrics,
	log *zap.SugaredLogger,
) ports.CallOperations {
	return &callService{
		rooms:     rooms,
		transport: transport,
		media:     media,
		arbiter:   arbiter,
		pool:      pool,
		metrics:   metrics,
		cfg:       cfg,
		log:       log,
	}
}

// JoinRoom admits the client into the named room, creating it on first
// join, and returns the router capabilities plus the current speakers
// the client should start consuming.
func (s *callService) JoinRoom(ctx context.Context, client *domain.Client, roomName string) (*ports.JoinRoomResponse, error) {
	room, created, err := s.rooms.GetOrCreate(ctx, roomName)
	if err != nil {
		return nil, err
	}

	if err := room.AddClient(client); err != nil {
		if created {
			s.rooms.RemoveIfEmpty(roomName)
		}
		return nil, err
	}
	client.SetRoom(room)
	s.metrics.ClientJoined()

	active := room.ActiveSpeakers(s.cfg.Room.MaxActiveSpeakers)
	videoPids, userNames := room.PairProducers(active)

	s.log.Infow("client joined room",
		"client", client.UserName(),
		"room", roomName,
		"new_room", created,
		"members", room.ClientCount(),
	)

	return &ports.JoinRoomResponse{
		RouterRtpCapabilities: room.Router().RtpCapabilities(),
		NewRoom:               created,
		ClientCount:           room.ClientCount(),
		AudioPidsToCreate:     active,
		VideoPidsToCreate:     videoPids,
		AssociatedUserNames:   userNames,
	}, nil
}

func (s *callService) RequestTransport(ctx context.Context, client *domain.Client, role domain.TransportRole, assoc domain.Association) (domain.TransportParams, error) {
	return s.transport.RequestTransport(ctx, client, role, assoc)
}

func (s *callService) ConnectTransport(ctx context.Context, client *domain.Client, role domain.TransportRole, audioID string, dtls webrtc.DTLSParameters) error {
	switch role {
	case domain.RoleProducer:
		return s.transport.ConnectUpstream(ctx, client, dtls)
	case domain.RoleConsumer:
		return s.transport.ConnectDownstream(ctx, client, audioID, dtls)
	}
	return domain.ErrInvalidTransportRole
}

func (s *callService) StartProducing(ctx context.Context, client *domain.Client, kind domain.StreamKind, rtp webrtc.RTPParameters) (string, error) {
	return s.media.StartProducing(ctx, client, kind, rtp)
}

func (s *callService) ConsumeMedia(ctx context.Context, client *domain.Client, kind domain.StreamKind, producerID string, caps webrtc.RTPCapabilities) (*ports.ConsumeResponse, error) {
	return s.media.ConsumeMedia(ctx, client, kind, producerID, caps)
}

func (s *callService) UnpauseConsumer(ctx context.Context, client *domain.Client, kind domain.StreamKind, producerID string) error {
	return s.media.UnpauseConsumer(ctx, client, kind, producerID)
}

func (s *callService) AudioChange(ctx context.Context, client *domain.Client, action string) error {
	return s.media.AudioChange(ctx, client, action)
}

func (s *callService) CloseProducers(ctx context.Context, client *domain.Client) error {
	return s.media.CloseProducers(ctx, client)
}

// Disconnect tears the client down: producers leave the speaker
// ordering, transports are closed and released from worker accounting,
// and an emptied room is removed.
func (s *callService) Disconnect(ctx context.Context, client *domain.Client) error {
	room := client.Room()
	transports := client.TransportCount()

	audioPids := client.CloseProducers()
	if room != nil {
		for _, pid := range audioPids {
			s.arbiter.RemoveProducer(room, pid)
		}
	}

	client.Cleanup()

	if room == nil {
		return nil
	}
	for i := 0; i < transports; i++ {
		s.pool.DecTransports(room.WorkerPid())
	}
	empty := room.RemoveClient(client.PeerID())
	s.metrics.ClientLeft()

	s.log.Infow("client disconnected",
		"client", client.UserName(),
		"room", room.Name(),
		"room_empty", empty,
	)

	if empty {
		s.rooms.RemoveIfEmpty(room.Name())
	} else {
		s.arbiter.Refresh(room)
	}
	return nil
}
