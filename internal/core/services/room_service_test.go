package services

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vocetra/internal/core/domain"
)

func TestGetOrCreateReturnsSameRoom(t *testing.T) {
	stack := newCallStack(t)

	room1, created1, err := stack.rooms.GetOrCreate(context.Background(), "standup")
	require.NoError(t, err)
	assert.True(t, created1)

	room2, created2, err := stack.rooms.GetOrCreate(context.Background(), "standup")
	require.NoError(t, err)
	assert.False(t, created2)
	assert.Same(t, room1, room2)
}

func TestGetOrCreateSingleFlight(t *testing.T) {
	stack := newCallStack(t)

	const joiners = 16
	rooms := make([]*domain.Room, joiners)
	var wg sync.WaitGroup
	for i := 0; i < joiners; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			room, _, err := stack.rooms.GetOrCreate(context.Background(), "popular")
			require.NoError(t, err)
			rooms[i] = room
		}(i)
	}
	wg.Wait()

	for i := 1; i < joiners; i++ {
		assert.Same(t, rooms[0], rooms[i])
	}
	assert.Equal(t, 1, stack.metrics.roomsCreated)
}

func TestGetMissingRoom(t *testing.T) {
	stack := newCallStack(t)

	_, err := stack.rooms.Get("nope")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

func TestRemoveIfEmptyKeepsOccupiedRoom(t *testing.T) {
	stack := newCallStack(t)

	room, _, err := stack.rooms.GetOrCreate(context.Background(), "occupied")
	require.NoError(t, err)
	require.NoError(t, room.AddClient(domain.NewClient("alice", "peer-1", testLogger())))

	stack.rooms.RemoveIfEmpty("occupied")

	got, err := stack.rooms.Get("occupied")
	require.NoError(t, err)
	assert.Same(t, room, got)
}

func TestRemoveIfEmptyTearsDownEmptyRoom(t *testing.T) {
	stack := newCallStack(t)

	_, _, err := stack.rooms.GetOrCreate(context.Background(), "ghost")
	require.NoError(t, err)

	stack.rooms.RemoveIfEmpty("ghost")

	_, err = stack.rooms.Get("ghost")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
	assert.Equal(t, 1, stack.metrics.roomsClosed)

	// Worker accounting released the router.
	total := 0
	for _, s := range stack.pool.Stats() {
		total += s.Routers
	}
	assert.Equal(t, 0, total)
}

func TestRoomCreationBooksRouterOnWorker(t *testing.T) {
	stack := newCallStack(t)

	room, _, err := stack.rooms.GetOrCreate(context.Background(), "booked")
	require.NoError(t, err)

	var routers int
	for _, s := range stack.pool.Stats() {
		if s.Pid == room.WorkerPid() {
			routers = s.Routers
		}
	}
	assert.Equal(t, 1, routers)
}
