package monitoring

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"vocetra/internal/core/ports"
)

// PrometheusCollector implements ports.Metrics on promauto instruments.
type PrometheusCollector struct {
	roomsActive          prometheus.Gauge
	roomsCreatedTotal    prometheus.Counter
	clientsConnected     prometheus.Gauge
	clientsJoinedTotal   prometheus.Counter
	dominantSpeakerTotal prometheus.Counter
	workerRespawnsTotal  prometheus.Counter
	signalErrorsTotal    *prometheus.CounterVec
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		roomsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vocetra_rooms_active",
			Help: "Number of live rooms",
		}),
		roomsCreatedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vocetra_rooms_created_total",
			Help: "Total number of rooms created",
		}),
		clientsConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vocetra_clients_connected",
			Help: "Number of clients currently in rooms",
		}),
		clientsJoinedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vocetra_clients_joined_total",
			Help: "Total number of room joins",
		}),
		dominantSpeakerTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vocetra_dominant_speaker_events_total",
			Help: "Total number of dominant speaker changes that moved the ordering",
		}),
		workerRespawnsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vocetra_worker_respawns_total",
			Help: "Total number of media worker respawns after a death",
		}),
		signalErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vocetra_signal_errors_total",
			Help: "Total signaling errors by wire code",
		}, []string{"code"}),
	}
}

func (c *PrometheusCollector) RoomCreated() {
	c.roomsActive.Inc()
	c.roomsCreatedTotal.Inc()
}

func (c *PrometheusCollector) RoomClosed() { c.roomsActive.Dec() }

func (c *PrometheusCollector) ClientJoined() {
	c.clientsConnected.Inc()
	c.clientsJoinedTotal.Inc()
}

func (c *PrometheusCollector) ClientLeft() { c.clientsConnected.Dec() }

func (c *PrometheusCollector) DominantSpeakerEvent() { c.dominantSpeakerTotal.Inc() }

func (c *PrometheusCollector) WorkerRespawn() { c.workerRespawnsTotal.Inc() }

func (c *PrometheusCollector) SignalError(code string) {
	c.signalErrorsTotal.WithLabelValues(code).Inc()
}

// WorkerStatsCollector exposes the live worker pool state at scrape
// time instead of keeping shadow gauges in step with the pool.
type WorkerStatsCollector struct {
	pool ports.WorkerPool

	scoreDesc      *prometheus.Desc
	cpuDesc        *prometheus.Desc
	routersDesc    *prometheus.Desc
	transportsDesc *prometheus.Desc
	onlineDesc     *prometheus.Desc
}

func NewWorkerStatsCollector(pool ports.WorkerPool) *WorkerStatsCollector {
	labels := []string{"pid"}
	return &WorkerStatsCollector{
		pool:           pool,
		scoreDesc:      prometheus.NewDesc("vocetra_worker_score", "Composite load score of a worker", labels, nil),
		cpuDesc:        prometheus.NewDesc("vocetra_worker_cpu_percent", "CPU usage of a worker since the last sample", labels, nil),
		routersDesc:    prometheus.NewDesc("vocetra_worker_routers", "Routers hosted by a worker", labels, nil),
		transportsDesc: prometheus.NewDesc("vocetra_worker_transports", "Transports hosted by a worker", labels, nil),
		onlineDesc:     prometheus.NewDesc("vocetra_worker_online", "Whether the worker slot is online", labels, nil),
	}
}

func (w *WorkerStatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- w.scoreDesc
	ch <- w.cpuDesc
	ch <- w.routersDesc
	ch <- w.transportsDesc
	ch <- w.onlineDesc
}

func (w *WorkerStatsCollector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range w.pool.Stats() {
		pid := strconv.Itoa(s.Pid)
		online := 0.0
		if s.Online {
			online = 1.0
		}
		ch <- prometheus.MustNewConstMetric(w.scoreDesc, prometheus.GaugeValue, s.Score, pid)
		ch <- prometheus.MustNewConstMetric(w.cpuDesc, prometheus.GaugeValue, s.CPUPercent, pid)
		ch <- prometheus.MustNewConstMetric(w.routersDesc, prometheus.GaugeValue, float64(s.Routers), pid)
		ch <- prometheus.MustNewConstMetric(w.transportsDesc, prometheus.GaugeValue, float64(s.Transports), pid)
		ch <- prometheus.MustNewConstMetric(w.onlineDesc, prometheus.GaugeValue, online, pid)
	}
}
