package domain

import (
	"context"
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vocetra/internal/core/engine"
)

var clientDTLS = webrtc.DTLSParameters{
	Fingerprints: []webrtc.DTLSFingerprint{{Algorithm: "sha-256", Value: "ca:fe"}},
}

func attachedClient(t *testing.T, room *Room, name, peerID string) *Client {
	t.Helper()
	c := testClient(name, peerID)
	c.SetRoom(room)
	require.NoError(t, room.AddClient(c))
	return c
}

func addUpstream(t *testing.T, c *Client) engine.Transport {
	t.Helper()
	_, err := c.AddTransport(context.Background(), RoleProducer, Association{}, TransportConfig{})
	require.NoError(t, err)
	up, ok := c.UpstreamTransport()
	require.True(t, ok)
	return up
}

func produceOn(t *testing.T, c *Client, transport engine.Transport, streamKind StreamKind) engine.Producer {
	t.Helper()
	p, err := transport.Produce(context.Background(), streamKind.MediaKind(), webrtc.RTPParameters{})
	require.NoError(t, err)
	c.AddProducer(streamKind, p)
	return p
}

func TestAddTransportRequiresRoom(t *testing.T) {
	c := testClient("alice", "p1")

	_, err := c.AddTransport(context.Background(), RoleProducer, Association{}, TransportConfig{})
	assert.ErrorIs(t, err, ErrNotAttachedToRoom)
}

func TestAddTransportRejectsUnknownRole(t *testing.T) {
	room := testRoom(t, 10)
	c := attachedClient(t, room, "alice", "p1")

	_, err := c.AddTransport(context.Background(), TransportRole("uplink"), Association{}, TransportConfig{})
	assert.ErrorIs(t, err, ErrInvalidTransportRole)
}

func TestAddTransportReturnsNegotiationParams(t *testing.T) {
	room := testRoom(t, 10)
	c := attachedClient(t, room, "alice", "p1")

	params, err := c.AddTransport(context.Background(), RoleProducer, Association{}, TransportConfig{MaxIncomingBitrate: 5_000_000})
	require.NoError(t, err)
	assert.NotEmpty(t, params.ID)
	assert.NotEmpty(t, params.ICEParameters.UsernameFragment)
	assert.NotEmpty(t, params.ICECandidates)
	assert.NotEmpty(t, params.DTLSParameters.Fingerprints)
}

func TestConnectUpstreamWithoutTransport(t *testing.T) {
	room := testRoom(t, 10)
	c := attachedClient(t, room, "alice", "p1")

	err := c.ConnectUpstream(context.Background(), clientDTLS)
	assert.ErrorIs(t, err, ErrNoUpstreamTransport)
}

func TestConnectDownstreamByAudioID(t *testing.T) {
	ctx := context.Background()
	room := testRoom(t, 10)
	c := attachedClient(t, room, "bob", "p1")

	_, err := c.AddTransport(ctx, RoleConsumer, Association{LegacyAudioID: "remote-audio"}, TransportConfig{})
	require.NoError(t, err)

	assert.ErrorIs(t, c.ConnectDownstreamByAudioID(ctx, "other-audio", clientDTLS), ErrTransportNotFound)
	assert.NoError(t, c.ConnectDownstreamByAudioID(ctx, "remote-audio", clientDTLS))
}

func TestDownstreamForConsumeMatchesAssociations(t *testing.T) {
	ctx := context.Background()
	room := testRoom(t, 10)
	c := attachedClient(t, room, "bob", "p1")

	_, err := c.AddTransport(ctx, RoleConsumer, Association{LegacyAudioID: "audio-1", LegacyVideoID: "video-1"}, TransportConfig{})
	require.NoError(t, err)

	dt, ok := c.DownstreamForConsume(KindAudio, "audio-1")
	require.True(t, ok)
	dt2, ok := c.DownstreamForConsume(KindVideo, "video-1")
	require.True(t, ok)
	assert.Same(t, dt, dt2)

	_, ok = c.DownstreamForConsume(KindAudio, "audio-2")
	assert.False(t, ok)
}

func TestDownstreamForConsumeMatchesKindKeyedAssociation(t *testing.T) {
	ctx := context.Background()
	room := testRoom(t, 10)
	c := attachedClient(t, room, "bob", "p1")

	_, err := c.AddTransport(ctx, RoleConsumer, Association{Kind: KindScreenAudio, RemoteID: "share-1"}, TransportConfig{})
	require.NoError(t, err)

	_, ok := c.DownstreamForConsume(KindScreenAudio, "share-1")
	assert.True(t, ok)
}

func TestAddConsumerRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	room := testRoom(t, 10)

	alice := attachedClient(t, room, "alice", "p1")
	upstream := addUpstream(t, alice)
	audio := produceOn(t, alice, upstream, KindAudio)

	bob := attachedClient(t, room, "bob", "p2")
	_, err := bob.AddTransport(ctx, RoleConsumer, Association{LegacyAudioID: audio.ID()}, TransportConfig{})
	require.NoError(t, err)
	dt, ok := bob.DownstreamForConsume(KindAudio, audio.ID())
	require.True(t, ok)
	require.NoError(t, dt.Transport.Connect(ctx, clientDTLS))

	consumer, err := dt.Transport.Consume(ctx, audio.ID(), room.Router().RtpCapabilities(), true)
	require.NoError(t, err)
	require.NoError(t, bob.AddConsumer(KindAudio, consumer, dt))
	assert.ErrorIs(t, bob.AddConsumer(KindAudio, consumer, dt), ErrDuplicateConsume)
}

func TestUpdateSpeakerSubscriptionsPausesOwnMutedProducer(t *testing.T) {
	room := testRoom(t, 10)
	alice := attachedClient(t, room, "alice", "p1")
	upstream := addUpstream(t, alice)
	audio := produceOn(t, alice, upstream, KindAudio)

	deficit := alice.UpdateSpeakerSubscriptions(nil, []string{audio.ID()})
	assert.Empty(t, deficit)
	assert.True(t, audio.Paused())

	deficit = alice.UpdateSpeakerSubscriptions([]string{audio.ID()}, nil)
	assert.Empty(t, deficit)
	assert.False(t, audio.Paused())
}

func TestUpdateSpeakerSubscriptionsResumesOwnPairedVideo(t *testing.T) {
	room := testRoom(t, 10)
	alice := attachedClient(t, room, "alice", "p1")
	upstream := addUpstream(t, alice)
	audio := produceOn(t, alice, upstream, KindAudio)
	video := produceOn(t, alice, upstream, KindVideo)
	require.NoError(t, video.Pause())

	alice.UpdateSpeakerSubscriptions([]string{audio.ID()}, nil)
	assert.False(t, video.Paused())
}

func TestUpdateSpeakerSubscriptionsConsumerPauseResume(t *testing.T) {
	ctx := context.Background()
	room := testRoom(t, 10)

	alice := attachedClient(t, room, "alice", "p1")
	audio := produceOn(t, alice, addUpstream(t, alice), KindAudio)

	bob := attachedClient(t, room, "bob", "p2")
	_, err := bob.AddTransport(ctx, RoleConsumer, Association{LegacyAudioID: audio.ID()}, TransportConfig{})
	require.NoError(t, err)
	dt, _ := bob.DownstreamForConsume(KindAudio, audio.ID())
	require.NoError(t, dt.Transport.Connect(ctx, clientDTLS))
	consumer, err := dt.Transport.Consume(ctx, audio.ID(), room.Router().RtpCapabilities(), true)
	require.NoError(t, err)
	require.NoError(t, bob.AddConsumer(KindAudio, consumer, dt))
	require.True(t, consumer.Paused())

	deficit := bob.UpdateSpeakerSubscriptions([]string{audio.ID()}, nil)
	assert.Empty(t, deficit)
	assert.False(t, consumer.Paused())

	bob.UpdateSpeakerSubscriptions(nil, []string{audio.ID()})
	assert.True(t, consumer.Paused())
}

func TestUpdateSpeakerSubscriptionsHandlesScreenAudioConsumer(t *testing.T) {
	ctx := context.Background()
	room := testRoom(t, 10)

	alice := attachedClient(t, room, "alice", "p1")
	screenAudio := produceOn(t, alice, addUpstream(t, alice), KindScreenAudio)

	bob := attachedClient(t, room, "bob", "p2")
	_, err := bob.AddTransport(ctx, RoleConsumer, Association{Kind: KindScreenAudio, RemoteID: screenAudio.ID()}, TransportConfig{})
	require.NoError(t, err)
	dt, ok := bob.DownstreamForConsume(KindScreenAudio, screenAudio.ID())
	require.True(t, ok)
	require.NoError(t, dt.Transport.Connect(ctx, clientDTLS))
	consumer, err := dt.Transport.Consume(ctx, screenAudio.ID(), room.Router().RtpCapabilities(), true)
	require.NoError(t, err)
	require.NoError(t, bob.AddConsumer(KindScreenAudio, consumer, dt))

	// The existing subscription satisfies the active entry, so it is
	// resumed rather than re-reported as missing.
	deficit := bob.UpdateSpeakerSubscriptions([]string{screenAudio.ID()}, nil)
	assert.Empty(t, deficit)
	assert.False(t, consumer.Paused())

	bob.UpdateSpeakerSubscriptions(nil, []string{screenAudio.ID()})
	assert.True(t, consumer.Paused())
}

func TestUpdateSpeakerSubscriptionsReportsDeficit(t *testing.T) {
	room := testRoom(t, 10)
	bob := attachedClient(t, room, "bob", "p1")

	deficit := bob.UpdateSpeakerSubscriptions([]string{"unseen-audio"}, nil)
	assert.Equal(t, []string{"unseen-audio"}, deficit)
}

func TestCloseProducersReturnsAudioPids(t *testing.T) {
	room := testRoom(t, 10)
	alice := attachedClient(t, room, "alice", "p1")
	upstream := addUpstream(t, alice)

	audio := produceOn(t, alice, upstream, KindAudio)
	screenAudio := produceOn(t, alice, upstream, KindScreenAudio)
	produceOn(t, alice, upstream, KindVideo)

	pids := alice.CloseProducers()
	assert.ElementsMatch(t, []string{audio.ID(), screenAudio.ID()}, pids)
	assert.False(t, alice.HasActiveProducers())
}

func TestTransportCount(t *testing.T) {
	ctx := context.Background()
	room := testRoom(t, 10)
	c := attachedClient(t, room, "alice", "p1")
	assert.Equal(t, 0, c.TransportCount())

	addUpstream(t, c)
	assert.Equal(t, 1, c.TransportCount())

	_, err := c.AddTransport(ctx, RoleConsumer, Association{LegacyAudioID: "x"}, TransportConfig{})
	require.NoError(t, err)
	assert.Equal(t, 2, c.TransportCount())
}

func TestClientCleanupIsIdempotent(t *testing.T) {
	room := testRoom(t, 10)
	c := attachedClient(t, room, "alice", "p1")
	upstream := addUpstream(t, c)
	produceOn(t, c, upstream, KindAudio)

	c.Cleanup()
	c.Cleanup()

	assert.Equal(t, 0, c.TransportCount())
	assert.False(t, c.HasActiveProducers())

	_, err := c.AddTransport(context.Background(), RoleProducer, Association{}, TransportConfig{})
	assert.ErrorIs(t, err, ErrClientClosed)
}
