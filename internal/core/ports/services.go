package ports

import (
	"context"

	"github.com/pion/webrtc/v3"

	"vocetra/internal/core/domain"
	"vocetra/internal/core/engine"
)

// WorkerStats is a point-in-time view of one worker slot.
type WorkerStats struct {
	Pid        int     `json:"pid"`
	Online     bool    `json:"online"`
	CPUPercent float64 `json:"cpuPercent"`
	Routers    int     `json:"routers"`
	Transports int     `json:"transports"`
	Score      float64 `json:"score"`
}

// WorkerPool owns the fixed set of media worker slots: sticky selection,
// load accounting and death handling.
type WorkerPool interface {
	// PickWorker selects the worker for a room key. Selection is sticky
	// over the online set unless the sticky choice is overloaded, in which
	// case the least loaded online worker wins.
	PickWorker(roomKey string) (engine.Worker, error)
	// PickLeastLoaded selects the online worker with the lowest score.
	PickLeastLoaded() (engine.Worker, error)

	IncRouters(pid int)
	DecRouters(pid int)
	IncTransports(pid int)
	DecTransports(pid int)

	Stats() []WorkerStats
	Close()
}

// RoomRegistry maps room names to live rooms. Creation is single-flight
// per name: concurrent joiners of a new room share one room.
type RoomRegistry interface {
	// GetOrCreate returns the room, creating it on first use. The bool
	// reports whether this call created it.
	GetOrCreate(ctx context.Context, name string) (*domain.Room, bool, error)
	Get(name string) (*domain.Room, error)
	// RemoveIfEmpty tears the room down when its last client has left.
	RemoveIfEmpty(name string)
	Rooms() []*domain.Room
}

// SpeakerArbiter maintains each room's active speaker ordering and fans
// the consequences out to clients.
type SpeakerArbiter interface {
	// HandleDominantSpeaker promotes the producer and, when the ordering
	// changed, reconciles every client in the room.
	HandleDominantSpeaker(room *domain.Room, producerID string)
	// Refresh re-runs reconciliation without changing the ordering.
	Refresh(room *domain.Room)
	// RegisterProducer enters a new audio producer at the tail of the
	// ordering.
	RegisterProducer(room *domain.Room, producerID string)
	// RemoveProducer prunes a closed audio producer from the ordering.
	RemoveProducer(room *domain.Room, producerID string)
}

// TransportNegotiator creates and connects WebRTC transports on behalf
// of clients.
type TransportNegotiator interface {
	RequestTransport(ctx context.Context, client *domain.Client, role domain.TransportRole, assoc domain.Association) (domain.TransportParams, error)
	ConnectUpstream(ctx context.Context, client *domain.Client, dtls webrtc.DTLSParameters) error
	ConnectDownstream(ctx context.Context, client *domain.Client, audioID string, dtls webrtc.DTLSParameters) error
}

// MediaController runs produce/consume and the pause/resume surface.
type MediaController interface {
	StartProducing(ctx context.Context, client *domain.Client, kind domain.StreamKind, rtp webrtc.RTPParameters) (string, error)
	ConsumeMedia(ctx context.Context, client *domain.Client, kind domain.StreamKind, producerID string, caps webrtc.RTPCapabilities) (*ConsumeResponse, error)
	UnpauseConsumer(ctx context.Context, client *domain.Client, kind domain.StreamKind, producerID string) error
	AudioChange(ctx context.Context, client *domain.Client, action string) error
	CloseProducers(ctx context.Context, client *domain.Client) error
}

// CallOperations is the full signaling surface the gateway drives. One
// client maps to one signaling connection; the gateway serializes events
// per connection.
type CallOperations interface {
	JoinRoom(ctx context.Context, client *domain.Client, roomName string) (*JoinRoomResponse, error)
	RequestTransport(ctx context.Context, client *domain.Client, role domain.TransportRole, assoc domain.Association) (domain.TransportParams, error)
	ConnectTransport(ctx context.Context, client *domain.Client, role domain.TransportRole, audioID string, dtls webrtc.DTLSParameters) error
	StartProducing(ctx context.Context, client *domain.Client, kind domain.StreamKind, rtp webrtc.RTPParameters) (string, error)
	ConsumeMedia(ctx context.Context, client *domain.Client, kind domain.StreamKind, producerID string, caps webrtc.RTPCapabilities) (*ConsumeResponse, error)
	UnpauseConsumer(ctx context.Context, client *domain.Client, kind domain.StreamKind, producerID string) error
	AudioChange(ctx context.Context, client *domain.Client, action string) error
	CloseProducers(ctx context.Context, client *domain.Client) error
	Disconnect(ctx context.Context, client *domain.Client) error
}

// AuthService issues and verifies the tokens presented at signaling
// connect time.
type AuthService interface {
	IssueToken(userName string) (string, error)
	VerifyToken(token string) (userName string, err error)
}
