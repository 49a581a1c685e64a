package services

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"vocetra/internal/core/domain"
	"vocetra/internal/core/engine"
	"vocetra/internal/core/ports"
	"vocetra/pkg/config"
)

// routerCodecs is the media profile every room router negotiates.
var routerCodecs = []engine.MediaCodec{
	{
		Kind:      engine.MediaKindAudio,
		MimeType:  "audio/opus",
		ClockRate: 48000,
		Channels:  2,
	},
	{
		Kind:      engine.MediaKindVideo,
		MimeType:  "video/VP8",
		ClockRate: 90000,
		Parameters: map[string]interface{}{
			"x-google-start-bitrate": 1000,
		},
	},
	{
		Kind:      engine.MediaKindVideo,
		MimeType:  "video/H264",
		ClockRate: 90000,
		Parameters: map[string]interface{}{
			"packetization-mode":      1,
			"profile-level-id":        "42e01f",
			"level-asymmetry-allowed": 1,
		},
	},
}

// creation tracks one in-flight room build so concurrent joiners of the
// same name share a single router instead of racing two into existence.
type creation struct {
	done chan struct{}
	room *domain.Room
	err  error
}

type roomRegistry struct {
	pool    ports.WorkerPool
	arbiter ports.SpeakerArbiter
	metrics ports.Metrics
	cfg     *config.Config
	log     *zap.SugaredLogger

	mu       sync.Mutex
	rooms    map[string]*domain.Room
	creating map[string]*creation
}

func NewRoomRegistry(pool ports.WorkerPool, arbiter ports.SpeakerArbiter, cfg *config.Config, metrics ports.Metrics, log *zap.SugaredLogger) ports.RoomRegistry {
	return &roomRegistry{
		pool:     pool,
		arbiter:  arbiter,
		metrics:  metrics,
		cfg:      cfg,
		log:      log,
		rooms:    make(map[string]*domain.Room),
		creating: make(map[string]*creation),
	}
}

func (r *roomRegistry) GetOrCreate(ctx context.Context, name string) (*domain.Room, bool, error) {
	r.mu.Lock()
	if room, ok := r.rooms[name]; ok {
		r.mu.Unlock()
		return room, false, nil
	}
	if c, ok := r.creating[name]; ok {
		r.mu.Unlock()
		select {
		case <-c.done:
			return c.room, false, c.err
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
	c := &creation{done: make(chan struct{})}
	r.creating[name] = c
	r.mu.Unlock()

	room, err := r.build(ctx, name)

	r.mu.Lock()
	delete(r.creating, name)
	if err == nil {
		r.rooms[name] = room
	}
	r.mu.Unlock()

	c.room, c.err = room, err
	close(c.done)

	if err != nil {
		return nil, false, err
	}
	r.metrics.RoomCreated()
	r.log.Infow("room created", "room", name, "worker_pid", room.WorkerPid())
	return room, true, nil
}

func (r *roomRegistry) build(ctx context.Context, name string) (*domain.Room, error) {
	worker, err := r.pool.PickWorker(name)
	if err != nil {
		return nil, err
	}

	router, err := worker.CreateRouter(ctx, routerCodecs)
	if err != nil {
		return nil, err
	}
	r.pool.IncRouters(worker.Pid())

	observer, err := router.CreateActiveSpeakerObserver(ctx, r.cfg.Room.ObserverInterval)
	if err != nil {
		r.pool.DecRouters(worker.Pid())
		router.Close()
		return nil, err
	}

	room := domain.NewRoom(name, worker, router, observer, r.cfg.Room.MaxMembers, r.log)
	observer.OnDominantSpeaker(func(pid string) {
		r.arbiter.HandleDominantSpeaker(room, pid)
	})
	room.StartRefresh(r.cfg.Room.RefreshInterval, func() {
		r.arbiter.Refresh(room)
	})
	return room, nil
}

func (r *roomRegistry) Get(name string) (*domain.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[name]
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	return room, nil
}

// RemoveIfEmpty tears the room down only when no client remains. A
// client joining between the emptiness check and the delete keeps the
// room alive because both run under the registry lock and admission goes
// through GetOrCreate first.
func (r *roomRegistry) RemoveIfEmpty(name string) {
	r.mu.Lock()
	room, ok := r.rooms[name]
	if !ok || room.ClientCount() > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.rooms, name)
	r.mu.Unlock()

	room.Cleanup()
	r.pool.DecRouters(room.WorkerPid())
	r.metrics.RoomClosed()
	r.log.Infow("room closed", "room", name)
}

func (r *roomRegistry) Rooms() []*domain.Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		out = append(out, room)
	}
	return out
}
