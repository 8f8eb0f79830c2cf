package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeboe/deep-research/pkg/research"
)

func newTestArchive(t *testing.T) (*RedisArchive, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisArchive(client, 100, time.Hour), mr
}

func TestRedisArchiveAppendAndReplay(t *testing.T) {
	archive, mr := newTestArchive(t)
	ctx := context.Background()

	events := []research.Event{
		{Type: research.EventInit, Topic: "fusion", MaxDepth: 2, TotalSteps: 10},
		{Type: research.EventDepth, Depth: 1, MaxDepth: 2, TotalSteps: 10},
		{Type: research.EventActivity, Activity: research.ActivitySearch, Status: research.StatusComplete, Message: "found", CompletedSteps: 1, TotalSteps: 10},
		{Type: research.EventSource, Source: &research.Source{URL: "https://a", Title: "A"}, CompletedSteps: 1, TotalSteps: 10},
	}
	for i, ev := range events {
		require.NoError(t, archive.Append(ctx, Message{RunID: "run-1", Seq: uint64(i + 1), Event: ev}))
	}

	all, err := archive.Replay(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "fusion", all[0].Event.Topic)
	assert.Equal(t, research.ActivitySearch, all[2].Event.Activity)
	require.NotNil(t, all[3].Event.Source)
	assert.Equal(t, "https://a", all[3].Event.Source.URL)

	tail, err := archive.Replay(ctx, "run-1", 2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, uint64(3), tail[0].Seq)

	assert.True(t, mr.Exists("research:events:run-1"))
	assert.Equal(t, time.Hour, mr.TTL("research:events:run-1"))
}

func TestRedisArchiveUnknownRun(t *testing.T) {
	archive, _ := newTestArchive(t)
	msgs, err := archive.Replay(context.Background(), "missing", 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestRedisArchiveThroughEmitter(t *testing.T) {
	archive, _ := newTestArchive(t)
	h := NewHub(4)
	em := &Emitter{Hub: h, RunID: "run-2", Archive: archive}

	for i := 0; i < 6; i++ {
		em.Emit(research.Event{Type: research.EventActivity, Activity: research.ActivityExtract, Status: research.StatusPending})
	}

	// The ring keeps only the newest four; the archive keeps everything.
	assert.Len(t, h.ReplaySince("run-2", 0), 4)
	msgs, err := archive.Replay(context.Background(), "run-2", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 6)
	assert.Equal(t, uint64(6), msgs[5].Seq)
}

func TestConnectBadURL(t *testing.T) {
	_, err := Connect(context.Background(), "not a url")
	assert.Error(t, err)
}

func TestConnect(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client, err := Connect(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	defer client.Close()
	assert.NoError(t, client.Ping(context.Background()).Err())
}
