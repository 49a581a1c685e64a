package ports

import (
	"github.com/pion/webrtc/v3"
)

// Signaler is the outbound half of the signaling plane: services push
// events to connected peers through it. The websocket gateway implements
// it.
type Signaler interface {
	// Emit sends an event to a single peer. Unknown peers are dropped
	// silently; the client may have disconnected between snapshot and send.
	Emit(peerID, event string, payload interface{})
	// Broadcast sends an event to every peer in a room.
	Broadcast(roomName, event string, payload interface{})
}

// Signaling event names pushed by the server.
const (
	EventUpdateActiveSpeakers  = "updateActiveSpeakers"
	EventNewProducersToConsume = "newProducersToConsume"
)

// JoinRoomResponse answers a join: the router capabilities the client
// needs to load its device, whether this join created the room, and the
// current producers the client should start consuming.
type JoinRoomResponse struct {
	RouterRtpCapabilities webrtc.RTPCapabilities `json:"routerRtpCapabilities"`
	NewRoom               bool                   `json:"newRoom"`
	ClientCount           int                    `json:"clientCount"`
	AudioPidsToCreate     []string               `json:"audioPidsToCreate"`
	VideoPidsToCreate     []*string              `json:"videoPidsToCreate"`
	AssociatedUserNames   []string               `json:"associatedUserNames"`
}

// NewProducersPayload tells a client about producers it is not yet
// consuming, paired with their video ids and owner names.
type NewProducersPayload struct {
	RouterRtpCapabilities webrtc.RTPCapabilities `json:"routerRtpCapabilities"`
	AudioPidsToCreate     []string               `json:"audioPidsToCreate"`
	VideoPidsToCreate     []*string              `json:"videoPidsToCreate"`
	AssociatedUserNames   []string               `json:"associatedUserNames"`
	ActiveSpeakerList     []string               `json:"activeSpeakerList"`
}

// ConsumeResponse carries everything the client needs to instantiate a
// consumer. The consumer starts paused; the client unpauses after local
// setup.
type ConsumeResponse struct {
	ProducerID    string               `json:"producerId"`
	ID            string               `json:"id"`
	Kind          string               `json:"kind"`
	RtpParameters webrtc.RTPParameters `json:"rtpParameters"`
}
