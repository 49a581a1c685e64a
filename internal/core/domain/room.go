package domain

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"vocetra/internal/core/engine"
)

// Room groups the participants sharing one router. The router, the
// dominant speaker observer and the owning worker are fixed at creation;
// only the client set and the active speaker ordering mutate afterwards.
//
// Lock ordering: a Room method never calls into a Client while holding
// room state locked. Iterating methods snapshot the client set first.
type Room struct {
	name       string
	worker     engine.Worker
	workerPid  int
	router     engine.Router
	observer   engine.ActiveSpeakerObserver
	maxMembers int

	mu                sync.Mutex
	closed            bool
	clients           map[string]*Client
	activeSpeakerList []string

	refreshStop chan struct{}
	refreshDone chan struct{}

	log *zap.SugaredLogger
}

func NewRoom(name string, worker engine.Worker, router engine.Router, observer engine.ActiveSpeakerObserver, maxMembers int, log *zap.SugaredLogger) *Room {
	return &Room{
		name:       name,
		worker:     worker,
		workerPid:  worker.Pid(),
		router:     router,
		observer:   observer,
		maxMembers: maxMembers,
		clients:    make(map[string]*Client),
		log:        log,
	}
}

func (r *Room) Name() string                           { return r.name }
func (r *Room) Router() engine.Router                  { return r.router }
func (r *Room) Observer() engine.ActiveSpeakerObserver { return r.observer }
func (r *Room) Worker() engine.Worker                  { return r.worker }

// WorkerPid is the pid of the worker that hosted the router at room
// creation. Used for load accounting; a respawned worker keeps the slot
// but the room keeps referring to the pid it was booked against.
func (r *Room) WorkerPid() int { return r.workerPid }

// AddClient admits a participant, enforcing the member limit.
func (r *Room) AddClient(c *Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maxMembers > 0 && len(r.clients) >= r.maxMembers {
		return ErrRoomFull
	}
	r.clients[c.PeerID()] = c
	return nil
}

// RemoveClient drops a participant and reports whether the room is now
// empty.
func (r *Room) RemoveClient(peerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, peerID)
	return len(r.clients) == 0
}

func (r *Room) Client(peerID string) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[peerID]
	return c, ok
}

// Clients returns a snapshot of the current participant set.
func (r *Room) Clients() []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

func (r *Room) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// ActiveSpeakers returns the first limit entries of the speaker ordering.
func (r *Room) ActiveSpeakers(limit int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.activeSpeakerList)
	if limit > 0 && n > limit {
		n = limit
	}
	out := make([]string, n)
	copy(out, r.activeSpeakerList[:n])
	return out
}

// ActiveSpeakerList returns the full speaker ordering.
func (r *Room) ActiveSpeakerList() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.activeSpeakerList))
	copy(out, r.activeSpeakerList)
	return out
}

// PromoteSpeaker moves the producer id to the head of the ordering.
// Returns false when the id is already dominant, in which case the list
// is untouched and no fan-out is warranted. The list never holds
// duplicates.
func (r *Room) PromoteSpeaker(pid string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.activeSpeakerList) > 0 && r.activeSpeakerList[0] == pid {
		return false
	}
	r.removeSpeakerLocked(pid)
	r.activeSpeakerList = append([]string{pid}, r.activeSpeakerList...)
	return true
}

// AppendSpeaker adds a producer id to the tail of the ordering if absent.
// New audio producers enter here and rise through dominance events.
func (r *Room) AppendSpeaker(pid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.activeSpeakerList {
		if existing == pid {
			return
		}
	}
	r.activeSpeakerList = append(r.activeSpeakerList, pid)
}

// RemoveSpeaker prunes a closed producer from the ordering.
func (r *Room) RemoveSpeaker(pid string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeSpeakerLocked(pid)
}

func (r *Room) removeSpeakerLocked(pid string) bool {
	for i, existing := range r.activeSpeakerList {
		if existing == pid {
			r.activeSpeakerList = append(r.activeSpeakerList[:i], r.activeSpeakerList[i+1:]...)
			return true
		}
	}
	return false
}

// PairProducers resolves each audio producer id to its owner and returns
// the paired video producer id (nil when the owner has no matching video)
// and the owner's display name. Screen share audio pairs with the screen
// video and gets a " Sharing" suffix so clients can label the tile.
func (r *Room) PairProducers(audioPids []string) (videoPids []*string, userNames []string) {
	clients := r.Clients()

	videoPids = make([]*string, len(audioPids))
	userNames = make([]string, len(audioPids))

	for i, pid := range audioPids {
		for _, c := range clients {
			kind, _, ok := c.ProducerByID(pid)
			if !ok {
				continue
			}
			switch kind {
			case KindScreenAudio:
				if vid, ok := c.ProducerID(KindScreenVideo); ok {
					videoPids[i] = &vid
				}
				userNames[i] = c.UserName() + " Sharing"
			default:
				if vid, ok := c.ProducerID(KindVideo); ok {
					videoPids[i] = &vid
				}
				userNames[i] = c.UserName()
			}
			break
		}
	}
	return videoPids, userNames
}

// StartRefresh runs fn on a fixed interval until StopRefresh or Cleanup.
// The periodic pass re-reconciles subscriptions for clients whose earlier
// consume attempts raced the producer.
func (r *Room) StartRefresh(interval time.Duration, fn func()) {
	r.mu.Lock()
	if r.closed || r.refreshStop != nil {
		r.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	r.refreshStop = stop
	r.refreshDone = done
	r.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn()
			case <-stop:
				return
			}
		}
	}()
}

// StopRefresh halts the periodic pass and waits for it to exit.
func (r *Room) StopRefresh() {
	r.mu.Lock()
	stop, done := r.refreshStop, r.refreshDone
	r.refreshStop, r.refreshDone = nil, nil
	r.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Cleanup tears the room down: refresh loop, every remaining client, the
// observer and the router. Idempotent.
func (r *Room) Cleanup() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.clients = make(map[string]*Client)
	r.activeSpeakerList = nil
	r.mu.Unlock()

	r.StopRefresh()

	for _, c := range clients {
		c.Cleanup()
	}
	if r.observer != nil {
		if err := r.observer.Close(); err != nil {
			r.log.Warnw("failed to close speaker observer", "room", r.name, "error", err)
		}
	}
	if err := r.router.Close(); err != nil {
		r.log.Warnw("failed to close router", "room", r.name, "error", err)
	}
}
