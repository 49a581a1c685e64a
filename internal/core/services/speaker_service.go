package services

import (
	"sync"

	"go.uber.org/zap"

	"vocetra/internal/core/domain"
	"vocetra/internal/core/ports"
	"vocetra/pkg/config"
)

// speakerArbiter turns dominant speaker events into a stable per-room
// ordering and reconciles every client's audio subscriptions against the
// head of that ordering.
type speakerArbiter struct {
	signaler ports.Signaler
	metrics  ports.Metrics
	cfg      *config.Config
	log      *zap.SugaredLogger
}

func NewSpeakerArbiter(signaler ports.Signaler, cfg *config.Config, metrics ports.Metrics, log *zap.SugaredLogger) ports.SpeakerArbiter {
	return &speakerArbiter{
		signaler: signaler,
		metrics:  metrics,
		cfg:      cfg,
		log:      log,
	}
}

func (a *speakerArbiter) HandleDominantSpeaker(room *domain.Room, producerID string) {
	if !room.PromoteSpeaker(producerID) {
		// Already dominant, nothing moved and nobody needs telling.
		return
	}
	a.metrics.DominantSpeakerEvent()
	a.log.Debugw("dominant speaker changed", "room", room.Name(), "producer_id", producerID)
	a.reconcile(room)
}

func (a *speakerArbiter) Refresh(room *domain.Room) {
	a.reconcile(room)
}

func (a *speakerArbiter) RegisterProducer(room *domain.Room, producerID string) {
	room.AppendSpeaker(producerID)
	a.reconcile(room)
}

func (a *speakerArbiter) RemoveProducer(room *domain.Room, producerID string) {
	if obs := room.Observer(); obs != nil {
		if err := obs.RemoveProducer(producerID); err != nil {
			a.log.Warnw("failed to deregister producer from observer",
				"room", room.Name(),
				"producer_id", producerID,
				"error", err,
			)
		}
	}
	if !room.RemoveSpeaker(producerID) {
		return
	}
	a.reconcile(room)
}

// reconcile splits the ordering at the active-speaker limit, updates
// every client's pause state against that split, then pushes the
// resulting events. Client updates run concurrently; emission happens
// only after every ledger has settled so no client observes a
// half-applied pass.
func (a *speakerArbiter) reconcile(room *domain.Room) {
	full := room.ActiveSpeakerList()
	limit := a.cfg.Room.MaxActiveSpeakers

	active := full
	var muted []string
	if len(full) > limit {
		active = full[:limit]
		muted = full[limit:]
	}

	clients := room.Clients()
	deficits := make([][]string, len(clients))

	var wg sync.WaitGroup
	for i, c := range clients {
		wg.Add(1)
		go func(i int, c *domain.Client) {
			defer wg.Done()
			deficits[i] = c.UpdateSpeakerSubscriptions(active, muted)
		}(i, c)
	}
	wg.Wait()

	caps := room.Router().RtpCapabilities()
	for i, c := range clients {
		if len(deficits[i]) == 0 {
			continue
		}
		videoPids, userNames := room.PairProducers(deficits[i])
		a.signaler.Emit(c.PeerID(), ports.EventNewProducersToConsume, &ports.NewProducersPayload{
			RouterRtpCapabilities: caps,
			AudioPidsToCreate:     deficits[i],
			VideoPidsToCreate:     videoPids,
			AssociatedUserNames:   userNames,
			ActiveSpeakerList:     active,
		})
	}

	a.signaler.Broadcast(room.Name(), ports.EventUpdateActiveSpeakers, active)
}
