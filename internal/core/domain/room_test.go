package domain

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vocetra/internal/core/engine"
	enginememory "vocetra/internal/infrastructure/engine/memory"
)

var testCodecs = []engine.MediaCodec{
	{Kind: engine.MediaKindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
	{Kind: engine.MediaKindVideo, MimeType: "video/VP8", ClockRate: 90000},
}

func testRoom(t *testing.T, maxMembers int) *Room {
	t.Helper()
	ctx := context.Background()
	log := zap.NewNop().Sugar()

	eng := enginememory.NewEngine(log)
	worker, err := eng.CreateWorker(ctx, engine.WorkerSettings{})
	require.NoError(t, err)
	router, err := worker.CreateRouter(ctx, testCodecs)
	require.NoError(t, err)
	observer, err := router.CreateActiveSpeakerObserver(ctx, 100*time.Millisecond)
	require.NoError(t, err)

	return NewRoom("test-room", worker, router, observer, maxMembers, log)
}

func testClient(name, peerID string) *Client {
	return NewClient(name, peerID, zap.NewNop().Sugar())
}

func TestAddClientEnforcesLimit(t *testing.T) {
	room := testRoom(t, 2)

	require.NoError(t, room.AddClient(testClient("a", "p1")))
	require.NoError(t, room.AddClient(testClient("b", "p2")))
	assert.ErrorIs(t, room.AddClient(testClient("c", "p3")), ErrRoomFull)
}

func TestRemoveClientReportsEmptiness(t *testing.T) {
	room := testRoom(t, 10)

	require.NoError(t, room.AddClient(testClient("a", "p1")))
	require.NoError(t, room.AddClient(testClient("b", "p2")))

	assert.False(t, room.RemoveClient("p1"))
	assert.True(t, room.RemoveClient("p2"))
	assert.True(t, room.RemoveClient("p2")) // removing a ghost keeps it empty
}

func TestPromoteSpeaker(t *testing.T) {
	room := testRoom(t, 10)

	room.AppendSpeaker("a")
	room.AppendSpeaker("b")
	room.AppendSpeaker("c")

	assert.True(t, room.PromoteSpeaker("c"))
	assert.Equal(t, []string{"c", "a", "b"}, room.ActiveSpeakerList())

	// Promoting the current head changes nothing.
	assert.False(t, room.PromoteSpeaker("c"))
	assert.Equal(t, []string{"c", "a", "b"}, room.ActiveSpeakerList())

	// Promoting an unknown id simply enters it at the head.
	assert.True(t, room.PromoteSpeaker("d"))
	assert.Equal(t, []string{"d", "c", "a", "b"}, room.ActiveSpeakerList())
}

func TestAppendSpeakerIgnoresDuplicates(t *testing.T) {
	room := testRoom(t, 10)

	room.AppendSpeaker("a")
	room.AppendSpeaker("a")
	assert.Equal(t, []string{"a"}, room.ActiveSpeakerList())
}

func TestRemoveSpeaker(t *testing.T) {
	room := testRoom(t, 10)

	room.AppendSpeaker("a")
	room.AppendSpeaker("b")

	assert.True(t, room.RemoveSpeaker("a"))
	assert.False(t, room.RemoveSpeaker("a"))
	assert.Equal(t, []string{"b"}, room.ActiveSpeakerList())
}

func TestActiveSpeakersHonorsLimit(t *testing.T) {
	room := testRoom(t, 10)

	for _, pid := range []string{"a", "b", "c", "d"} {
		room.AppendSpeaker(pid)
	}
	assert.Equal(t, []string{"a", "b"}, room.ActiveSpeakers(2))
	assert.Equal(t, []string{"a", "b", "c", "d"}, room.ActiveSpeakers(10))
}

func TestPairProducers(t *testing.T) {
	ctx := context.Background()
	room := testRoom(t, 10)

	alice := testClient("alice", "p1")
	alice.SetRoom(room)
	require.NoError(t, room.AddClient(alice))

	_, err := alice.AddTransport(ctx, RoleProducer, Association{}, TransportConfig{})
	require.NoError(t, err)
	upstream, ok := alice.UpstreamTransport()
	require.True(t, ok)

	audio, err := upstream.Produce(ctx, engine.MediaKindAudio, webrtc.RTPParameters{})
	require.NoError(t, err)
	alice.AddProducer(KindAudio, audio)
	video, err := upstream.Produce(ctx, engine.MediaKindVideo, webrtc.RTPParameters{})
	require.NoError(t, err)
	alice.AddProducer(KindVideo, video)

	videoPids, names := room.PairProducers([]string{audio.ID(), "unknown-pid"})
	require.Len(t, videoPids, 2)
	require.NotNil(t, videoPids[0])
	assert.Equal(t, video.ID(), *videoPids[0])
	assert.Equal(t, "alice", names[0])
	assert.Nil(t, videoPids[1])
	assert.Empty(t, names[1])
}

func TestPairProducersScreenShare(t *testing.T) {
	ctx := context.Background()
	room := testRoom(t, 10)

	alice := testClient("alice", "p1")
	alice.SetRoom(room)
	require.NoError(t, room.AddClient(alice))

	_, err := alice.AddTransport(ctx, RoleProducer, Association{}, TransportConfig{})
	require.NoError(t, err)
	upstream, _ := alice.UpstreamTransport()

	screenAudio, err := upstream.Produce(ctx, engine.MediaKindAudio, webrtc.RTPParameters{})
	require.NoError(t, err)
	alice.AddProducer(KindScreenAudio, screenAudio)
	screenVideo, err := upstream.Produce(ctx, engine.MediaKindVideo, webrtc.RTPParameters{})
	require.NoError(t, err)
	alice.AddProducer(KindScreenVideo, screenVideo)

	videoPids, names := room.PairProducers([]string{screenAudio.ID()})
	require.NotNil(t, videoPids[0])
	assert.Equal(t, screenVideo.ID(), *videoPids[0])
	assert.Equal(t, "alice Sharing", names[0])
}

func TestRefreshLoopRunsAndStops(t *testing.T) {
	room := testRoom(t, 10)

	ticks := make(chan struct{}, 16)
	room.StartRefresh(5*time.Millisecond, func() {
		select {
		case ticks <- struct{}{}:
		default:
		}
	})

	select {
	case <-ticks:
	case <-time.After(time.Second):
		t.Fatal("refresh never fired")
	}

	room.StopRefresh()
	// StopRefresh waits for the loop, so no tick can land after drain.
	for len(ticks) > 0 {
		<-ticks
	}
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, ticks)
}

func TestRoomCleanupIsIdempotent(t *testing.T) {
	room := testRoom(t, 10)

	alice := testClient("alice", "p1")
	alice.SetRoom(room)
	require.NoError(t, room.AddClient(alice))

	room.Cleanup()
	room.Cleanup()

	assert.Equal(t, 0, room.ClientCount())
	assert.Empty(t, room.ActiveSpeakerList())
}
