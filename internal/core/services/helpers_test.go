package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vocetra/internal/core/engine"
	"vocetra/internal/core/ports"
	enginememory "vocetra/internal/infrastructure/engine/memory"
	"vocetra/pkg/config"
)

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Workers.Count = 2
	cfg.Workers.SampleInterval = 50 * time.Millisecond
	cfg.Workers.RespawnDelay = 10 * time.Millisecond
	cfg.Room.RefreshInterval = time.Hour // tests drive refresh explicitly
	return cfg
}

type sentEvent struct {
	PeerID  string
	Room    string
	Event   string
	Payload interface{}
}

// recordingSignaler captures pushes instead of writing to sockets.
type recordingSignaler struct {
	mu         sync.Mutex
	emits      []sentEvent
	broadcasts []sentEvent
}

func (r *recordingSignaler) Emit(peerID, event string, payload interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emits = append(r.emits, sentEvent{PeerID: peerID, Event: event, Payload: payload})
}

func (r *recordingSignaler) Broadcast(roomName, event string, payload interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcasts = append(r.broadcasts, sentEvent{Room: roomName, Event: event, Payload: payload})
}

func (r *recordingSignaler) emitted() []sentEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]sentEvent, len(r.emits))
	copy(out, r.emits)
	return out
}

func (r *recordingSignaler) broadcasted() []sentEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]sentEvent, len(r.broadcasts))
	copy(out, r.broadcasts)
	return out
}

func (r *recordingSignaler) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emits = nil
	r.broadcasts = nil
}

// countingMetrics tallies metric callbacks for assertions.
type countingMetrics struct {
	mu             sync.Mutex
	roomsCreated   int
	roomsClosed    int
	clientsJoined  int
	clientsLeft    int
	speakerEvents  int
	workerRespawns int
	errorsByCode   map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{errorsByCode: make(map[string]int)}
}

func (m *countingMetrics) RoomCreated()          { m.mu.Lock(); m.roomsCreated++; m.mu.Unlock() }
func (m *countingMetrics) RoomClosed()           { m.mu.Lock(); m.roomsClosed++; m.mu.Unlock() }
func (m *countingMetrics) ClientJoined()         { m.mu.Lock(); m.clientsJoined++; m.mu.Unlock() }
func (m *countingMetrics) ClientLeft()           { m.mu.Lock(); m.clientsLeft++; m.mu.Unlock() }
func (m *countingMetrics) DominantSpeakerEvent() { m.mu.Lock(); m.speakerEvents++; m.mu.Unlock() }
func (m *countingMetrics) WorkerRespawn()        { m.mu.Lock(); m.workerRespawns++; m.mu.Unlock() }
func (m *countingMetrics) SignalError(code string) {
	m.mu.Lock()
	m.errorsByCode[code]++
	m.mu.Unlock()
}

func (m *countingMetrics) respawns() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.workerRespawns
}

// stubEngine hands out stubWorkers with controllable resource usage and
// crash behavior for worker pool tests.
type stubEngine struct {
	mu      sync.Mutex
	nextPid int
	workers []*stubWorker
	failFor int // CreateWorker calls to fail before succeeding
}

func newStubEngine() *stubEngine {
	return &stubEngine{nextPid: 1000}
}

func (e *stubEngine) CreateWorker(ctx context.Context, settings engine.WorkerSettings) (engine.Worker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failFor > 0 {
		e.failFor--
		return nil, errors.New("spawn failed")
	}
	e.nextPid++
	w := &stubWorker{pid: e.nextPid}
	e.workers = append(e.workers, w)
	return w, nil
}

func (e *stubEngine) lastWorker() *stubWorker {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.workers[len(e.workers)-1]
}

type stubWorker struct {
	pid int

	mu       sync.Mutex
	usage    time.Duration
	usageErr error
	onDied   []func()
}

func (w *stubWorker) Pid() int { return w.pid }

func (w *stubWorker) CreateRouter(ctx context.Context, codecs []engine.MediaCodec) (engine.Router, error) {
	return nil, errors.New("not supported by stub")
}

func (w *stubWorker) GetResourceUsage(ctx context.Context) (engine.ResourceUsage, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.usageErr != nil {
		return engine.ResourceUsage{}, w.usageErr
	}
	return engine.ResourceUsage{CPUTime: w.usage}, nil
}

func (w *stubWorker) setUsageErr(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.usageErr = err
}

func (w *stubWorker) OnDied(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onDied = append(w.onDied, fn)
}

// crash fires the death handlers. Deliberately re-fireable so tests can
// deliver stale notifications from a replaced incarnation.
func (w *stubWorker) crash() {
	w.mu.Lock()
	handlers := make([]func(), len(w.onDied))
	copy(handlers, w.onDied)
	w.mu.Unlock()
	for _, fn := range handlers {
		fn()
	}
}

func (w *stubWorker) Close() error { return nil }

// callStack is the fully wired service graph over the in-memory engine.
type callStack struct {
	cfg      *config.Config
	signaler *recordingSignaler
	metrics  *countingMetrics
	pool     ports.WorkerPool
	rooms    ports.RoomRegistry
	arbiter  ports.SpeakerArbiter
	call     ports.CallOperations
}

func newCallStack(t *testing.T) *callStack {
	return newCallStackWith(t, nil)
}

func newCallStackWith(t *testing.T, mutate func(*config.Config)) *callStack {
	t.Helper()

	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	log := testLogger()
	signaler := &recordingSignaler{}
	metrics := newCountingMetrics()

	eng := enginememory.NewEngine(log)
	pool, err := NewWorkerManager(context.Background(), eng, cfg, metrics, log)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	arbiter := NewSpeakerArbiter(signaler, cfg, metrics, log)
	rooms := NewRoomRegistry(pool, arbiter, cfg, metrics, log)
	negotiator := NewTransportNegotiator(pool, cfg, log)
	media := NewMediaController(arbiter, log)
	call := NewCallService(rooms, negotiator, media, arbiter, pool, cfg, metrics, log)

	return &callStack{
		cfg:      cfg,
		signaler: signaler,
		metrics:  metrics,
		pool:     pool,
		rooms:    rooms,
		arbiter:  arbiter,
		call:     call,
	}
}
