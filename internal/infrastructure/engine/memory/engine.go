// Package memory is an in-process media engine. It negotiates nothing
// and forwards nothing; it keeps the full worker/router/transport/
// producer/consumer object graph with correct lifecycle semantics so the
// control plane can run, and be tested, without native worker binaries.
package memory

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"vocetra/internal/core/engine"
)

// pidBase keeps synthetic worker pids out of the range of real ones the
// host is likely to hand out during a test run.
const pidBase = 100000

type Engine struct {
	log  *zap.SugaredLogger
	pids atomic.Int64
	proc *process.Process
}

func NewEngine(log *zap.SugaredLogger) *Engine {
	e := &Engine{log: log}
	e.pids.Store(pidBase)
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		e.proc = proc
	} else {
		log.Warnw("cpu sampling unavailable", "error", err)
	}
	return e
}

func (e *Engine) CreateWorker(ctx context.Context, settings engine.WorkerSettings) (engine.Worker, error) {
	w := &Worker{
		eng:      e,
		pid:      int(e.pids.Add(1)),
		settings: settings,
	}
	e.log.Debugw("worker created", "pid", w.pid, "rtc_min_port", settings.RTCMinPort, "rtc_max_port", settings.RTCMaxPort)
	return w, nil
}

type Worker struct {
	eng      *Engine
	pid      int
	settings engine.WorkerSettings

	mu     sync.Mutex
	dead   bool
	onDied []func()
}

func (w *Worker) Pid() int { return w.pid }

func (w *Worker) CreateRouter(ctx context.Context, codecs []engine.MediaCodec) (engine.Router, error) {
	w.mu.Lock()
	dead := w.dead
	w.mu.Unlock()
	if dead {
		return nil, fmt.Errorf("worker %d is dead", w.pid)
	}
	return &Router{
		id:        uuid.NewString(),
		caps:      capsFromCodecs(codecs),
		producers: make(map[string]*Producer),
	}, nil
}

// GetResourceUsage reports the cumulative CPU time of the hosting
// process. All in-process workers share the host's CPU accounting.
func (w *Worker) GetResourceUsage(ctx context.Context) (engine.ResourceUsage, error) {
	w.mu.Lock()
	dead := w.dead
	w.mu.Unlock()
	if dead {
		return engine.ResourceUsage{}, fmt.Errorf("worker %d is dead", w.pid)
	}
	if w.eng.proc == nil {
		return engine.ResourceUsage{}, fmt.Errorf("cpu sampling unavailable")
	}
	times, err := w.eng.proc.Times()
	if err != nil {
		return engine.ResourceUsage{}, err
	}
	cpu := time.Duration((times.User + times.System) * float64(time.Second))
	return engine.ResourceUsage{CPUTime: cpu}, nil
}

func (w *Worker) OnDied(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onDied = append(w.onDied, fn)
}

// SimulateCrash marks the worker dead and fires the death handlers once.
func (w *Worker) SimulateCrash() {
	w.mu.Lock()
	if w.dead {
		w.mu.Unlock()
		return
	}
	w.dead = true
	handlers := w.onDied
	w.onDied = nil
	w.mu.Unlock()
	for _, fn := range handlers {
		fn()
	}
}

func (w *Worker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dead = true
	w.onDied = nil
	return nil
}

type Router struct {
	id   string
	caps webrtc.RTPCapabilities

	mu        sync.Mutex
	closed    bool
	producers map[string]*Producer
}

func (r *Router) ID() string                              { return r.id }
func (r *Router) RtpCapabilities() webrtc.RTPCapabilities { return r.caps }

func (r *Router) CreateTransport(ctx context.Context, opts engine.TransportOptions) (engine.Transport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("router %s is closed", r.id)
	}
	return newTransport(r, opts), nil
}

func (r *Router) CanConsume(producerID string, caps webrtc.RTPCapabilities) bool {
	if len(caps.Codecs) == 0 {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[producerID]
	return ok && !p.closedState()
}

func (r *Router) CreateActiveSpeakerObserver(ctx context.Context, interval time.Duration) (engine.ActiveSpeakerObserver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("router %s is closed", r.id)
	}
	return &SpeakerObserver{
		interval:  interval,
		producers: make(map[string]struct{}),
	}, nil
}

func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.producers = make(map[string]*Producer)
	return nil
}

func (r *Router) registerProducer(p *Producer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.producers[p.id] = p
}

func (r *Router) unregisterProducer(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.producers, id)
}

type Transport struct {
	id     string
	router *Router
	ice    webrtc.ICEParameters
	cands  []webrtc.ICECandidate
	dtls   webrtc.DTLSParameters

	mu         sync.Mutex
	closed     bool
	connected  bool
	maxBitrate int
}

func newTransport(r *Router, opts engine.TransportOptions) *Transport {
	ip := opts.AnnouncedIP
	if ip == "" {
		ip = opts.ListenIP
	}
	if ip == "" {
		ip = "127.0.0.1"
	}
	return &Transport{
		id:     uuid.NewString(),
		router: r,
		ice: webrtc.ICEParameters{
			UsernameFragment: uuid.NewString()[:8],
			Password:         uuid.NewString(),
		},
		cands: []webrtc.ICECandidate{
			{Foundation: "udpcandidate", Priority: 1076302079, Address: ip, Protocol: webrtc.ICEProtocolUDP, Port: 40000, Typ: webrtc.ICECandidateTypeHost},
		},
		dtls: webrtc.DTLSParameters{
			Role: webrtc.DTLSRoleAuto,
			Fingerprints: []webrtc.DTLSFingerprint{
				{Algorithm: "sha-256", Value: uuid.NewString()},
			},
		},
	}
}

func (t *Transport) ID() string                            { return t.id }
func (t *Transport) ICEParameters() webrtc.ICEParameters   { return t.ice }
func (t *Transport) ICECandidates() []webrtc.ICECandidate  { return t.cands }
func (t *Transport) DTLSParameters() webrtc.DTLSParameters { return t.dtls }

func (t *Transport) Connect(ctx context.Context, dtls webrtc.DTLSParameters) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("transport %s is closed", t.id)
	}
	if len(dtls.Fingerprints) == 0 {
		return fmt.Errorf("missing dtls fingerprints")
	}
	t.connected = true
	return nil
}

func (t *Transport) SetMaxIncomingBitrate(bitrate int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if bitrate <= 0 {
		return fmt.Errorf("bitrate must be positive")
	}
	t.maxBitrate = bitrate
	return nil
}

func (t *Transport) Produce(ctx context.Context, kind engine.MediaKind, rtp webrtc.RTPParameters) (engine.Producer, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport %s is closed", t.id)
	}
	t.mu.Unlock()

	p := &Producer{
		id:     uuid.NewString(),
		kind:   kind,
		router: t.router,
	}
	t.router.registerProducer(p)
	return p, nil
}

func (t *Transport) Consume(ctx context.Context, producerID string, caps webrtc.RTPCapabilities, paused bool) (engine.Consumer, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport %s is closed", t.id)
	}
	t.mu.Unlock()

	t.router.mu.Lock()
	p, ok := t.router.producers[producerID]
	t.router.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("producer %s not found on router", producerID)
	}

	return &Consumer{
		id:         uuid.NewString(),
		producerID: producerID,
		kind:       p.kind,
		rtp: webrtc.RTPParameters{
			Codecs: capsToCodecParameters(caps, p.kind),
		},
		paused: paused,
	}, nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

type Producer struct {
	id     string
	kind   engine.MediaKind
	router *Router

	mu     sync.Mutex
	paused bool
	closed bool
}

func (p *Producer) ID() string             { return p.id }
func (p *Producer) Kind() engine.MediaKind { return p.kind }

func (p *Producer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *Producer) Pause() error  { return p.setPaused(true) }
func (p *Producer) Resume() error { return p.setPaused(false) }

func (p *Producer) setPaused(v bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("producer %s is closed", p.id)
	}
	p.paused = v
	return nil
}

func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	p.router.unregisterProducer(p.id)
	return nil
}

func (p *Producer) closedState() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type Consumer struct {
	id         string
	producerID string
	kind       engine.MediaKind
	rtp        webrtc.RTPParameters

	mu     sync.Mutex
	paused bool
	closed bool
}

func (c *Consumer) ID() string                          { return c.id }
func (c *Consumer) ProducerID() string                  { return c.producerID }
func (c *Consumer) Kind() engine.MediaKind              { return c.kind }
func (c *Consumer) RtpParameters() webrtc.RTPParameters { return c.rtp }

func (c *Consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Consumer) Pause() error  { return c.setPaused(true) }
func (c *Consumer) Resume() error { return c.setPaused(false) }

func (c *Consumer) setPaused(v bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("consumer %s is closed", c.id)
	}
	c.paused = v
	return nil
}

func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type SpeakerObserver struct {
	interval time.Duration

	mu        sync.Mutex
	closed    bool
	producers map[string]struct{}
	onSpeaker func(string)
}

func (o *SpeakerObserver) AddProducer(producerID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return fmt.Errorf("observer is closed")
	}
	o.producers[producerID] = struct{}{}
	return nil
}

func (o *SpeakerObserver) RemoveProducer(producerID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.producers, producerID)
	return nil
}

func (o *SpeakerObserver) OnDominantSpeaker(fn func(producerID string)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onSpeaker = fn
}

// SimulateDominantSpeaker fires the dominance callback for a registered
// producer, standing in for the audio level detection a real engine runs.
func (o *SpeakerObserver) SimulateDominantSpeaker(producerID string) {
	o.mu.Lock()
	_, registered := o.producers[producerID]
	fn := o.onSpeaker
	closed := o.closed
	o.mu.Unlock()
	if closed || !registered || fn == nil {
		return
	}
	fn(producerID)
}

func (o *SpeakerObserver) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	o.producers = make(map[string]struct{})
	return nil
}

func capsFromCodecs(codecs []engine.MediaCodec) webrtc.RTPCapabilities {
	caps := webrtc.RTPCapabilities{}
	for _, c := range codecs {
		caps.Codecs = append(caps.Codecs, webrtc.RTPCodecCapability{
			MimeType:  c.MimeType,
			ClockRate: c.ClockRate,
			Channels:  c.Channels,
		})
	}
	return caps
}

func capsToCodecParameters(caps webrtc.RTPCapabilities, kind engine.MediaKind) []webrtc.RTPCodecParameters {
	prefix := "audio/"
	if kind == engine.MediaKindVideo {
		prefix = "video/"
	}
	var out []webrtc.RTPCodecParameters
	for i, c := range caps.Codecs {
		if !strings.HasPrefix(strings.ToLower(c.MimeType), prefix) {
			continue
		}
		out = append(out, webrtc.RTPCodecParameters{
			RTPCodecCapability: c,
			PayloadType:        webrtc.PayloadType(96 + i),
		})
	}
	return out
}
