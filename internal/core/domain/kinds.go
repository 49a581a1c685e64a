package domain

import (
	"fmt"

	"vocetra/internal/core/engine"
)

// StreamKind is the application-level type of a produced stream. A client
// owns at most one live producer per kind.
type StreamKind string

const (
	KindAudio       StreamKind = "audio"
	KindVideo       StreamKind = "video"
	KindScreenAudio StreamKind = "screenAudio"
	KindScreenVideo StreamKind = "screenVideo"
	KindAR          StreamKind = "ar"
	KindDrawing     StreamKind = "drawing"
	KindDetection   StreamKind = "detection"
)

// StreamKinds lists every valid kind in a stable order.
var StreamKinds = []StreamKind{
	KindAudio, KindVideo, KindScreenAudio, KindScreenVideo,
	KindAR, KindDrawing, KindDetection,
}

// ParseStreamKind validates a wire-level kind string.
func ParseStreamKind(s string) (StreamKind, error) {
	k := StreamKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStreamKind, s)
	}
	return k, nil
}

func (k StreamKind) Valid() bool {
	switch k {
	case KindAudio, KindVideo, KindScreenAudio, KindScreenVideo, KindAR, KindDrawing, KindDetection:
		return true
	}
	return false
}

// MediaKind maps the application kind onto the engine media type. AR,
// drawing and detection streams ride video tracks.
func (k StreamKind) MediaKind() engine.MediaKind {
	switch k {
	case KindAudio, KindScreenAudio:
		return engine.MediaKindAudio
	default:
		return engine.MediaKindVideo
	}
}

// IsAudio reports whether the kind participates in active-speaker
// ordering (camera audio and screen-share audio).
func (k StreamKind) IsAudio() bool {
	return k == KindAudio || k == KindScreenAudio
}

// TransportRole distinguishes the single upstream transport from the
// per-remote-stream downstream transports.
type TransportRole string

const (
	RoleProducer TransportRole = "producer"
	RoleConsumer TransportRole = "consumer"
)

func ParseTransportRole(s string) (TransportRole, error) {
	switch TransportRole(s) {
	case RoleProducer:
		return RoleProducer, nil
	case RoleConsumer:
		return RoleConsumer, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransportRole, s)
}

// Association ties a downstream transport to the remote producer(s) it
// will consume. Explicit Kind+RemoteID is preferred; LegacyAudioID is the
// old audio-only call convention.
type Association struct {
	Kind          StreamKind
	RemoteID      string
	LegacyAudioID string
	LegacyVideoID string
}

// ResolveAssociation is the single legacy adapter: an explicit kind and
// remote id win, otherwise a bare audio pid implies an audio association.
func ResolveAssociation(kind StreamKind, remoteID, legacyAudioID string) (StreamKind, string) {
	if kind != "" && remoteID != "" {
		return kind, remoteID
	}
	if legacyAudioID != "" {
		return KindAudio, legacyAudioID
	}
	return "", ""
}
