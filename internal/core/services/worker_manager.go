package services

import (
	"context"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"vocetra/internal/core/domain"
	"vocetra/internal/core/engine"
	"vocetra/internal/core/ports"
	"vocetra/pkg/config"
	"vocetra/pkg/retry"
)

// workerSlot is one position in the pool. The slot survives worker
// deaths: a respawned worker occupies the same slot with a new pid and
// zeroed accounting.
type workerSlot struct {
	mu         sync.Mutex
	worker     engine.Worker
	pid        int
	online     bool
	routers    int
	transports int
	cpuPercent float64
	score      float64

	lastCPU    time.Duration
	lastSample time.Time
}

func (s *workerSlot) rescore(weightCPU, weightRouters, weightTransports float64) {
	s.score = weightCPU*s.cpuPercent +
		weightRouters*float64(s.routers) +
		weightTransports*float64(s.transports)
}

type candidate struct {
	worker engine.Worker
	score  float64
}

type workerManager struct {
	eng     engine.Engine
	cfg     *config.Config
	metrics ports.Metrics
	log     *zap.SugaredLogger

	slots []*workerSlot

	stop chan struct{}
	done chan struct{}

	// exitFn runs when a worker dies under the "exit" policy. Overridable
	// in tests; defaults to terminating the process.
	exitFn func()
}

// NewWorkerManager spawns the configured number of workers, registers
// death handlers and starts the sampling loop.
func NewWorkerManager(ctx context.Context, eng engine.Engine, cfg *config.Config, metrics ports.Metrics, log *zap.SugaredLogger) (ports.WorkerPool, error) {
	return newWorkerManager(ctx, eng, cfg, metrics, log)
}

func newWorkerManager(ctx context.Context, eng engine.Engine, cfg *config.Config, metrics ports.Metrics, log *zap.SugaredLogger) (*workerManager, error) {
	m := &workerManager{
		eng:     eng,
		cfg:     cfg,
		metrics: metrics,
		log:     log,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	m.exitFn = func() {
		log.Fatalw("media worker died, on_died policy is exit")
	}

	count := cfg.WorkerCount()
	for i := 0; i < count; i++ {
		slot := &workerSlot{}
		worker, err := m.spawn(ctx)
		if err != nil {
			m.closeSlots()
			return nil, err
		}
		m.attach(slot, worker)
		m.slots = append(m.slots, slot)
		log.Infow("media worker started", "slot", i, "pid", worker.Pid())
	}

	m.sampleAll(ctx)
	go m.sampleLoop()
	return m, nil
}

func (m *workerManager) spawn(ctx context.Context) (engine.Worker, error) {
	settings := engine.WorkerSettings{
		RTCMinPort: m.cfg.Workers.RTCMinPort,
		RTCMaxPort: m.cfg.Workers.RTCMaxPort,
		LogLevel:   m.cfg.Logging.Level,
	}
	return retry.RetryWithResult(ctx, retry.DefaultConfig(), func() (engine.Worker, error) {
		return m.eng.CreateWorker(ctx, settings)
	})
}

// attach binds a worker to a slot, resetting all accounting, and arms
// the death handler for the new incarnation.
func (m *workerManager) attach(slot *workerSlot, worker engine.Worker) {
	slot.mu.Lock()
	slot.worker = worker
	slot.pid = worker.Pid()
	slot.online = true
	slot.routers = 0
	slot.transports = 0
	slot.cpuPercent = 0
	slot.score = 0
	slot.lastCPU = 0
	slot.lastSample = time.Time{}
	slot.mu.Unlock()

	worker.OnDied(func() { m.handleDeath(slot, worker.Pid()) })
}

func (m *workerManager) handleDeath(slot *workerSlot, pid int) {
	slot.mu.Lock()
	// Ignore a stale death notification from a previous incarnation.
	if slot.pid != pid {
		slot.mu.Unlock()
		return
	}
	slot.online = false
	slot.score = math.Inf(1)
	slot.mu.Unlock()

	m.log.Warnw("media worker died", "pid", pid, "policy", m.cfg.Workers.OnDied)

	if m.cfg.Workers.OnDied == "exit" {
		m.exitFn()
		return
	}

	// Respawn after a short settle so a crash loop cannot spin hot.
	go func() {
		select {
		case <-time.After(m.cfg.Workers.RespawnDelay):
		case <-m.stop:
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		worker, err := m.spawn(ctx)
		if err != nil {
			m.log.Errorw("failed to respawn media worker", "old_pid", pid, "error", err)
			return
		}
		m.attach(slot, worker)
		m.sampleSlot(ctx, slot)
		m.metrics.WorkerRespawn()
		m.log.Infow("media worker respawned", "old_pid", pid, "new_pid", worker.Pid())
	}()
}

// PickWorker maps a room key onto the online workers with an FNV-1a
// hash, keeping room placement sticky while the online set is stable.
// An overloaded sticky choice falls back to the least loaded worker.
func (m *workerManager) PickWorker(roomKey string) (engine.Worker, error) {
	var online []candidate
	for _, slot := range m.slots {
		slot.mu.Lock()
		if slot.online {
			online = append(online, candidate{slot.worker, slot.score})
		}
		slot.mu.Unlock()
	}
	if len(online) == 0 {
		return nil, domain.ErrNoWorkersAvailable
	}

	h := fnv.New32a()
	h.Write([]byte(roomKey))
	pick := online[int(h.Sum32())%len(online)]
	// A score at the threshold already counts as overloaded.
	if pick.score < m.cfg.Workers.OverloadScoreThreshold {
		return pick.worker, nil
	}

	least := leastLoaded(online)
	m.log.Infow("sticky worker overloaded, failing over",
		"sticky_score", pick.score,
		"fallback_score", least.score,
		"threshold", m.cfg.Workers.OverloadScoreThreshold,
	)
	return least.worker, nil
}

// PickLeastLoaded returns the online worker with the lowest score.
func (m *workerManager) PickLeastLoaded() (engine.Worker, error) {
	var online []candidate
	for _, slot := range m.slots {
		slot.mu.Lock()
		if slot.online {
			online = append(online, candidate{slot.worker, slot.score})
		}
		slot.mu.Unlock()
	}
	if len(online) == 0 {
		return nil, domain.ErrNoWorkersAvailable
	}
	return leastLoaded(online).worker, nil
}

func leastLoaded(online []candidate) candidate {
	least := online[0]
	for _, c := range online[1:] {
		if c.score < least.score {
			least = c
		}
	}
	return least
}

func (m *workerManager) IncRouters(pid int)    { m.adjust(pid, 1, 0) }
func (m *workerManager) DecRouters(pid int)    { m.adjust(pid, -1, 0) }
func (m *workerManager) IncTransports(pid int) { m.adjust(pid, 0, 1) }
func (m *workerManager) DecTransports(pid int) { m.adjust(pid, 0, -1) }

// adjust updates the counters of the slot holding pid. Decrements clamp
// at zero; a release landing after a respawn reset must not go negative.
// Adjustments against a dead pid are dropped.
func (m *workerManager) adjust(pid, dRouters, dTransports int) {
	for _, slot := range m.slots {
		slot.mu.Lock()
		if slot.pid == pid && slot.online {
			slot.routers += dRouters
			if slot.routers < 0 {
				slot.routers = 0
			}
			slot.transports += dTransports
			if slot.transports < 0 {
				slot.transports = 0
			}
			slot.rescore(m.cfg.Workers.WeightCPU, m.cfg.Workers.WeightRouters, m.cfg.Workers.WeightTransports)
			slot.mu.Unlock()
			return
		}
		slot.mu.Unlock()
	}
}

func (m *workerManager) Stats() []ports.WorkerStats {
	out := make([]ports.WorkerStats, 0, len(m.slots))
	for _, slot := range m.slots {
		slot.mu.Lock()
		out = append(out, ports.WorkerStats{
			Pid:        slot.pid,
			Online:     slot.online,
			CPUPercent: slot.cpuPercent,
			Routers:    slot.routers,
			Transports: slot.transports,
			Score:      slot.score,
		})
		slot.mu.Unlock()
	}
	return out
}

func (m *workerManager) sampleLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.Workers.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Workers.SampleInterval)
			m.sampleAll(ctx)
			cancel()
		case <-m.stop:
			return
		}
	}
}

func (m *workerManager) sampleAll(ctx context.Context) {
	for _, slot := range m.slots {
		m.sampleSlot(ctx, slot)
	}
}

// sampleSlot refreshes a slot's CPU percentage from the cumulative CPU
// time delta over the wall clock delta. A failed sample scores the
// worker at +Inf so selection avoids it until it recovers.
func (m *workerManager) sampleSlot(ctx context.Context, slot *workerSlot) {
	slot.mu.Lock()
	worker := slot.worker
	online := slot.online
	slot.mu.Unlock()
	if !online || worker == nil {
		return
	}

	usage, err := worker.GetResourceUsage(ctx)
	now := time.Now()

	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.worker != worker {
		return
	}
	if err != nil {
		slot.score = math.Inf(1)
		m.log.Warnw("worker resource sample failed", "pid", slot.pid, "error", err)
		return
	}
	if !slot.lastSample.IsZero() {
		wall := now.Sub(slot.lastSample)
		if wall > 0 {
			// Ratio of CPU time to wall time; 1.0 is one saturated core,
			// the scale the overload threshold is calibrated against.
			slot.cpuPercent = float64(usage.CPUTime-slot.lastCPU) / float64(wall)
			if slot.cpuPercent < 0 {
				slot.cpuPercent = 0
			}
		}
	}
	slot.lastCPU = usage.CPUTime
	slot.lastSample = now
	slot.rescore(m.cfg.Workers.WeightCPU, m.cfg.Workers.WeightRouters, m.cfg.Workers.WeightTransports)
}

func (m *workerManager) Close() {
	close(m.stop)
	<-m.done
	m.closeSlots()
}

func (m *workerManager) closeSlots() {
	for _, slot := range m.slots {
		slot.mu.Lock()
		worker := slot.worker
		slot.online = false
		slot.mu.Unlock()
		if worker != nil {
			if err := worker.Close(); err != nil {
				m.log.Warnw("failed to close worker", "pid", slot.pid, "error", err)
			}
		}
	}
}
