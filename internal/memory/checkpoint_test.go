package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T, maxTurns int) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb, time.Hour, maxTurns), mr
}

func TestStore_LoadMissingIsEmpty(t *testing.T) {
	s, _ := setupStore(t, 0)
	cp, err := s.Load(context.Background(), "group_g1")
	require.NoError(t, err)
	assert.True(t, cp.Empty())
}

func TestStore_AppendLoadClear(t *testing.T) {
	s, mr := setupStore(t, 0)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "group_g1",
		Turn{Role: RoleUser, Content: "שלום"},
		Turn{Role: RoleAssistant, Content: "היי"},
	))
	require.NoError(t, s.Append(ctx, "group_g1", Turn{Role: RoleUser, Content: "עוד"}))

	cp, err := s.Load(ctx, "group_g1")
	require.NoError(t, err)
	require.Len(t, cp.Turns, 3)
	assert.Equal(t, int64(2), cp.Version)
	assert.Equal(t, "עוד", cp.Turns[2].Content)
	assert.Equal(t, time.Hour, mr.TTL("checkpoint:group_g1"))

	require.NoError(t, s.Clear(ctx, "group_g1"))
	cp, err = s.Load(ctx, "group_g1")
	require.NoError(t, err)
	assert.True(t, cp.Empty())
}

func TestStore_TrimsToMaxTurns(t *testing.T) {
	s, _ := setupStore(t, 2)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append(ctx, "t", Turn{Role: RoleUser, Content: fmt.Sprint(i)}))
	}
	cp, _ := s.Load(ctx, "t")
	require.Len(t, cp.Turns, 2)
	assert.Equal(t, "3", cp.Turns[0].Content)
	assert.Equal(t, "4", cp.Turns[1].Content)
}

func TestStore_ConcurrentAppendsKeepEveryTurn(t *testing.T) {
	s, _ := setupStore(t, 0)
	ctx := context.Background()

	const writers = 4
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- s.Append(ctx, "t", Turn{Role: RoleUser, Content: fmt.Sprint(i)})
		}(i)
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, ErrConflict)
		}
	}
	cp, err := s.Load(ctx, "t")
	require.NoError(t, err)
	assert.Len(t, cp.Turns, ok, "every successful append must be present")
	assert.Equal(t, int64(ok), cp.Version)
}

func TestStore_CorruptCheckpointIsAnError(t *testing.T) {
	s, mr := setupStore(t, 0)
	require.NoError(t, mr.Set("checkpoint:t", "{"))
	_, err := s.Load(context.Background(), "t")
	assert.Error(t, err)
}
