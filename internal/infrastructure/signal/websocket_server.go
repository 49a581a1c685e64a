package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"vocetra/internal/core/domain"
	"vocetra/internal/core/ports"
	"vocetra/pkg/config"
	"vocetra/pkg/validation"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Should be configured properly for production
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Message is one request or push frame on the signaling socket. Requests
// carry a client-chosen id that the ack echoes back.
type Message struct {
	ID    int64           `json:"id,omitempty"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Ack answers a request. Exactly one of Data or Error is set.
type Ack struct {
	ID    int64       `json:"id"`
	OK    bool        `json:"ok"`
	Data  interface{} `json:"data,omitempty"`
	Error *WireError  `json:"error,omitempty"`
}

type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type joinRoomRequest struct {
	RoomName string `json:"roomName"`
}

type requestTransportRequest struct {
	Type     string `json:"type"`
	AudioPid string `json:"audioPid,omitempty"`
	Kind     string `json:"kind,omitempty"`
	RemoteID string `json:"remoteId,omitempty"`
}

type connectTransportRequest struct {
	Type           string                `json:"type"`
	AudioPid       string                `json:"audioPid,omitempty"`
	DTLSParameters webrtc.DTLSParameters `json:"dtlsParameters"`
}

type startProducingRequest struct {
	Kind          string               `json:"kind"`
	RtpParameters webrtc.RTPParameters `json:"rtpParameters"`
}

type consumeMediaRequest struct {
	Kind            string                 `json:"kind"`
	Pid             string                 `json:"pid"`
	RtpCapabilities webrtc.RTPCapabilities `json:"rtpCapabilities"`
}

type unpauseConsumerRequest struct {
	Kind string `json:"kind"`
	Pid  string `json:"pid"`
}

type audioChangeRequest struct {
	TypeOfChange string `json:"typeOfChange"`
}

// peerConn is one connected participant: the socket, its write lock, the
// domain client and the per-connection message limiter.
type peerConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	client  *domain.Client
	limiter *rate.Limiter
}

func (p *peerConn) writeJSON(v interface{}, timeout time.Duration) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(timeout))
	return p.conn.WriteJSON(v)
}

// Gateway is the websocket signaling surface. It authenticates
// connections, serializes each connection's events into CallOperations
// calls, and implements ports.Signaler for server-initiated pushes.
type Gateway struct {
	cfg     *config.Config
	auth    ports.AuthService
	metrics ports.Metrics
	log     *zap.SugaredLogger

	ops ports.CallOperations

	connLimiter *rate.Limiter

	mu    sync.RWMutex
	peers map[string]*peerConn
}

func NewGateway(cfg *config.Config, auth ports.AuthService, metrics ports.Metrics, log *zap.SugaredLogger) *Gateway {
	g := &Gateway{
		cfg:     cfg,
		auth:    auth,
		metrics: metrics,
		log:     log,
		peers:   make(map[string]*peerConn),
	}
	if cfg.RateLimiting.Enabled && cfg.RateLimiting.ConnectionsPerMinute > 0 {
		g.connLimiter = rate.NewLimiter(
			rate.Limit(float64(cfg.RateLimiting.ConnectionsPerMinute)/60.0),
			cfg.RateLimiting.ConnectionsPerMinute,
		)
	}
	return g
}

// SetOperations wires the call facade in after construction. The gateway
// is built first because the services need it as their Signaler.
func (g *Gateway) SetOperations(ops ports.CallOperations) {
	g.ops = ops
}

func (g *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if g.connLimiter != nil && !g.connLimiter.Allow() {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	token := r.URL.Query().Get("token")
	userName, err := g.auth.VerifyToken(token)
	if err != nil {
		g.metrics.SignalError("UNAUTHORIZED")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	peerID := uuid.NewString()
	client := domain.NewClient(userName, peerID, g.log)

	var msgLimiter *rate.Limiter
	if g.cfg.RateLimiting.Enabled && g.cfg.RateLimiting.MessagesPerSecond > 0 {
		msgLimiter = rate.NewLimiter(rate.Limit(g.cfg.RateLimiting.MessagesPerSecond), g.cfg.RateLimiting.Burst)
	}
	if g.cfg.RateLimiting.Enabled && g.cfg.RateLimiting.MaxMessageSizeBytes > 0 {
		conn.SetReadLimit(g.cfg.RateLimiting.MaxMessageSizeBytes)
	}

	pc := &peerConn{conn: conn, client: client, limiter: msgLimiter}
	g.mu.Lock()
	g.peers[peerID] = pc
	g.mu.Unlock()

	g.log.Infow("peer connected", "peer_id", peerID, "user", userName)

	readTimeout := g.cfg.Signal.PongTimeout
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	pingTicker := time.NewTicker(g.cfg.Signal.PingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan Message, 16)
	errorChan := make(chan error, 1)

	go func() {
		for {
			var msg Message
			if err := conn.ReadJSON(&msg); err != nil {
				errorChan <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(readTimeout))
			messageChan <- msg
		}
	}()

loop:
	for {
		select {
		case msg := <-messageChan:
			g.handleMessage(pc, msg)

		case <-pingTicker.C:
			pc.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(g.cfg.Signal.PingInterval))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			pc.writeMu.Unlock()
			if err != nil {
				break loop
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				g.log.Infow("read error", "peer_id", peerID, "error", err)
			}
			break loop
		}
	}

	g.mu.Lock()
	delete(g.peers, peerID)
	g.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.Signal.CallTimeout)
	if err := g.ops.Disconnect(ctx, client); err != nil {
		g.log.Warnw("disconnect cleanup failed", "peer_id", peerID, "error", err)
	}
	cancel()

	g.log.Infow("peer disconnected", "peer_id", peerID, "user", userName)
}

func (g *Gateway) handleMessage(pc *peerConn, msg Message) {
	if pc.limiter != nil && !pc.limiter.Allow() {
		g.reply(pc, msg.ID, nil, errors.New("rate limited"), "RATE_LIMITED")
		return
	}
	if msg.Event == "" {
		g.reply(pc, msg.ID, nil, errors.New("event is required"), "BAD_REQUEST")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.Signal.CallTimeout)
	defer cancel()

	data, err := g.dispatch(ctx, pc, msg)
	g.reply(pc, msg.ID, data, err, "")
}

func (g *Gateway) dispatch(ctx context.Context, pc *peerConn, msg Message) (interface{}, error) {
	switch msg.Event {
	case "joinRoom":
		var req joinRoomRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return nil, err
		}
		if err := validation.ValidateRoomName(req.RoomName); err != nil {
			return nil, err
		}
		return g.ops.JoinRoom(ctx, pc.client, req.RoomName)

	case "requestTransport":
		var req requestTransportRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return nil, err
		}
		role, err := domain.ParseTransportRole(req.Type)
		if err != nil {
			return nil, err
		}
		assoc := domain.Association{LegacyAudioID: req.AudioPid}
		if req.Kind != "" {
			kind, err := domain.ParseStreamKind(req.Kind)
			if err != nil {
				return nil, err
			}
			assoc.Kind = kind
			assoc.RemoteID = req.RemoteID
		}
		return g.ops.RequestTransport(ctx, pc.client, role, assoc)

	case "connectTransport":
		var req connectTransportRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return nil, err
		}
		role, err := domain.ParseTransportRole(req.Type)
		if err != nil {
			return nil, err
		}
		if err := g.ops.ConnectTransport(ctx, pc.client, role, req.AudioPid, req.DTLSParameters); err != nil {
			return nil, err
		}
		return "success", nil

	case "startProducing":
		var req startProducingRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return nil, err
		}
		kind, err := domain.ParseStreamKind(req.Kind)
		if err != nil {
			return nil, err
		}
		id, err := g.ops.StartProducing(ctx, pc.client, kind, req.RtpParameters)
		if err != nil {
			return nil, err
		}
		return map[string]string{"id": id}, nil

	case "consumeMedia":
		var req consumeMediaRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return nil, err
		}
		kind, err := domain.ParseStreamKind(req.Kind)
		if err != nil {
			return nil, err
		}
		return g.ops.ConsumeMedia(ctx, pc.client, kind, req.Pid, req.RtpCapabilities)

	case "unpauseConsumer":
		var req unpauseConsumerRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return nil, err
		}
		kind, err := domain.ParseStreamKind(req.Kind)
		if err != nil {
			return nil, err
		}
		if err := g.ops.UnpauseConsumer(ctx, pc.client, kind, req.Pid); err != nil {
			return nil, err
		}
		return "success", nil

	case "audioChange":
		var req audioChangeRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return nil, err
		}
		if err := g.ops.AudioChange(ctx, pc.client, req.TypeOfChange); err != nil {
			return nil, err
		}
		return "success", nil

	case "closeProducers":
		if err := g.ops.CloseProducers(ctx, pc.client); err != nil {
			return nil, err
		}
		return "success", nil
	}

	return nil, errors.New("unknown event: " + msg.Event)
}

func (g *Gateway) reply(pc *peerConn, id int64, data interface{}, err error, code string) {
	ack := Ack{ID: id, OK: err == nil, Data: data}
	if err != nil {
		if code == "" {
			code = errorCode(err)
		}
		g.metrics.SignalError(code)
		ack.Error = &WireError{Code: code, Message: err.Error()}
		g.log.Infow("request failed",
			"peer_id", pc.client.PeerID(),
			"code", code,
			"error", err,
		)
	}
	if werr := pc.writeJSON(ack, g.cfg.Signal.PingInterval); werr != nil {
		g.log.Warnw("failed to write ack", "peer_id", pc.client.PeerID(), "error", werr)
	}
}

// errorCode maps domain sentinels onto stable wire codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrNoWorkersAvailable):
		return "NO_WORKERS_AVAILABLE"
	case errors.Is(err, domain.ErrRoomFull):
		return "ROOM_FULL"
	case errors.Is(err, domain.ErrRoomNotFound):
		return "ROOM_NOT_FOUND"
	case errors.Is(err, domain.ErrClientNotFound):
		return "CLIENT_NOT_FOUND"
	case errors.Is(err, domain.ErrTransportNotFound):
		return "TRANSPORT_NOT_FOUND"
	case errors.Is(err, domain.ErrProducerNotFound):
		return "PRODUCER_NOT_FOUND"
	case errors.Is(err, domain.ErrConsumerNotFound):
		return "CONSUMER_NOT_FOUND"
	case errors.Is(err, domain.ErrCannotConsume):
		return "CANNOT_CONSUME"
	case errors.Is(err, domain.ErrConsumeFailed):
		return "CONSUME_FAILED"
	case errors.Is(err, domain.ErrConnectFailed):
		return "CONNECT_FAILED"
	case errors.Is(err, domain.ErrDuplicateConsume):
		return "DUPLICATE_CONSUME"
	case errors.Is(err, domain.ErrClientClosed):
		return "CLIENT_CLOSED"
	case errors.Is(err, domain.ErrNoUpstreamTransport):
		return "NO_UPSTREAM_TRANSPORT"
	case errors.Is(err, domain.ErrNotAttachedToRoom):
		return "NOT_IN_ROOM"
	case errors.Is(err, domain.ErrInvalidStreamKind):
		return "INVALID_KIND"
	case errors.Is(err, domain.ErrInvalidTransportRole):
		return "INVALID_ROLE"
	case errors.Is(err, context.DeadlineExceeded):
		return "TIMEOUT"
	}
	return "INTERNAL"
}

// Emit implements ports.Signaler for a single peer. A missing peer is
// not an error; the client may have disconnected since the snapshot.
func (g *Gateway) Emit(peerID, event string, payload interface{}) {
	g.mu.RLock()
	pc, ok := g.peers[peerID]
	g.mu.RUnlock()
	if !ok {
		return
	}
	if err := pc.writeJSON(Message{Event: event, Data: marshal(payload)}, g.cfg.Signal.PingInterval); err != nil {
		g.log.Warnw("failed to emit event", "peer_id", peerID, "event", event, "error", err)
	}
}

// Broadcast implements ports.Signaler for a whole room.
func (g *Gateway) Broadcast(roomName, event string, payload interface{}) {
	g.mu.RLock()
	targets := make([]*peerConn, 0, len(g.peers))
	for _, pc := range g.peers {
		if room := pc.client.Room(); room != nil && room.Name() == roomName {
			targets = append(targets, pc)
		}
	}
	g.mu.RUnlock()

	data := marshal(payload)
	for _, pc := range targets {
		if err := pc.writeJSON(Message{Event: event, Data: data}, g.cfg.Signal.PingInterval); err != nil {
			g.log.Warnw("failed to broadcast event",
				"peer_id", pc.client.PeerID(),
				"event", event,
				"error", err,
			)
		}
	}
}

// ConnectedPeers reports the current connection count.
func (g *Gateway) ConnectedPeers() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.peers)
}

func marshal(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}
