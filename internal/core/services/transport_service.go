package services

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"vocetra/internal/core/domain"
	"vocetra/internal/core/ports"
	"vocetra/pkg/config"
)

type transportNegotiator struct {
	pool ports.WorkerPool
	cfg  *config.Config
	log  *zap.SugaredLogger
}

func NewTransportNegotiator(pool ports.WorkerPool, cfg *config.Config, log *zap.SugaredLogger) ports.TransportNegotiator {
	return &transportNegotiator{pool: pool, cfg: cfg, log: log}
}

// RequestTransport creates a transport for the client and books it
// against the room's worker. Consumer transports have their video
// association resolved up front so the later consume call can find the
// right transport by either pid.
func (n *transportNegotiator) RequestTransport(ctx context.Context, client *domain.Client, role domain.TransportRole, assoc domain.Association) (domain.TransportParams, error) {
	room := client.Room()
	if room == nil {
		return domain.TransportParams{}, domain.ErrNotAttachedToRoom
	}

	if role == domain.RoleConsumer {
		assoc = n.resolveConsumerAssociation(room, assoc)
	}

	params, err := client.AddTransport(ctx, role, assoc, domain.TransportConfig{
		ListenIP:                        n.cfg.Transport.ListenIP,
		AnnouncedIP:                     n.cfg.Transport.AnnouncedIP,
		MaxIncomingBitrate:              n.cfg.Transport.MaxIncomingBitrate,
		InitialAvailableOutgoingBitrate: n.cfg.Transport.InitialAvailableOutgoingBitrate,
	})
	if err != nil {
		return domain.TransportParams{}, err
	}

	n.pool.IncTransports(room.WorkerPid())
	return params, nil
}

// resolveConsumerAssociation normalizes the association to an explicit
// kind and remote id, then pairs it with the owner's matching video
// producer when one exists.
func (n *transportNegotiator) resolveConsumerAssociation(room *domain.Room, assoc domain.Association) domain.Association {
	kind, remoteID := domain.ResolveAssociation(assoc.Kind, assoc.RemoteID, assoc.LegacyAudioID)
	if remoteID == "" {
		return assoc
	}
	assoc.Kind = kind
	assoc.RemoteID = remoteID
	if kind.IsAudio() {
		assoc.LegacyAudioID = remoteID
	}

	pairKind := domain.KindVideo
	if kind == domain.KindScreenAudio {
		pairKind = domain.KindScreenVideo
	}
	for _, owner := range room.Clients() {
		if _, _, ok := owner.ProducerByID(remoteID); !ok {
			continue
		}
		if vid, ok := owner.ProducerID(pairKind); ok {
			assoc.LegacyVideoID = vid
		}
		break
	}
	return assoc
}

func (n *transportNegotiator) ConnectUpstream(ctx context.Context, client *domain.Client, dtls webrtc.DTLSParameters) error {
	if err := client.ConnectUpstream(ctx, dtls); err != nil {
		if err == domain.ErrNoUpstreamTransport {
			return err
		}
		return fmt.Errorf("%w: %v", domain.ErrConnectFailed, err)
	}
	return nil
}

func (n *transportNegotiator) ConnectDownstream(ctx context.Context, client *domain.Client, audioID string, dtls webrtc.DTLSParameters) error {
	if err := client.ConnectDownstreamByAudioID(ctx, audioID, dtls); err != nil {
		if err == domain.ErrTransportNotFound {
			return err
		}
		return fmt.Errorf("%w: %v", domain.ErrConnectFailed, err)
	}
	return nil
}
