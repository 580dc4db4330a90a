package repository

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"GeoQuery-App/internal/domain/model"
	"GeoQuery-App/internal/domain/repository"
)

func newRedisStore(t *testing.T) (*RedisLocationStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLocationStore(client, "test", zap.NewNop()), mr
}

func TestRedisLocationStoreGetSetDelete(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	_, err := store.Get(ctx, "missing")
	assert.True(t, eris.Is(err, model.ErrNotFound))

	require.NoError(t, store.Set(ctx, "a", record("9q8yyk0000", 37.7, -122.4), false))
	data, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "9q8yyk0000", data[model.GeohashField])
	assert.Equal(t, []interface{}{37.7, -122.4}, data[model.LocationField])

	members, err := mr.ZMembers("test:idx")
	require.NoError(t, err)
	assert.Equal(t, []string{"9q8yyk0000\x00a"}, members)

	// 更新時は古いインデックスを差し替える
	require.NoError(t, store.Set(ctx, "a", record("9q8yyk0001", 37.7, -122.4), true))
	members, err = mr.ZMembers("test:idx")
	require.NoError(t, err)
	assert.Equal(t, []string{"9q8yyk0001\x00a"}, members)

	require.NoError(t, store.Delete(ctx, "a"))
	_, err = store.Get(ctx, "a")
	assert.True(t, eris.Is(err, model.ErrNotFound))
	assert.False(t, mr.Exists("test:idx"))
}

func TestRedisLocationStoreCorruptDocument(t *testing.T) {
	store, mr := newRedisStore(t)
	require.NoError(t, mr.Set("test:loc:bad", "{not json"))

	_, err := store.Get(context.Background(), "bad")
	assert.True(t, eris.Is(err, model.ErrCorruptRecord))
}

func TestRedisLocationStoreBatchWrite(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "gone", record("9q8yyk0000", 37.7, -122.4), false))
	a := record("9q8yyk0001", 37.7, -122.4)
	require.NoError(t, store.BatchWrite(ctx, []repository.Write{
		{Key: "a", Record: &a},
		{Key: "gone"},
	}))

	_, err := store.Get(ctx, "a")
	require.NoError(t, err)
	_, err = store.Get(ctx, "gone")
	assert.True(t, eris.Is(err, model.ErrNotFound))
}

func TestRedisLocationStoreSubscribeRange(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "inside", record("9q8yyk0000", 37.7, -122.4), false))
	require.NoError(t, store.Set(ctx, "outside", record("dr5reg0000", 40.7, -74.0), false))

	rec := &changeRecorder{}
	sub, err := store.SubscribeRange(ctx, model.GeohashField, "9q8yyh", "9q8yyn", rec.onChange, rec.onSnapshot)
	require.NoError(t, err)
	defer sub.Stop()

	changes := rec.waitFor(t, 1)
	assert.Equal(t, repository.ChangeAdded, changes[0].Type)
	assert.Equal(t, "inside", changes[0].Key)
	require.Eventually(t, func() bool {
		_, snaps := rec.snapshot()
		return snaps == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, store.Set(ctx, "outside", record("9q8yyj0000", 37.7, -122.4), true))
	require.NoError(t, store.Delete(ctx, "inside"))

	changes = rec.waitFor(t, 3)
	require.Len(t, changes, 3)
	assert.Equal(t, repository.ChangeAdded, changes[1].Type)
	assert.Equal(t, "outside", changes[1].Key)
	assert.Equal(t, repository.ChangeRemoved, changes[2].Type)
	assert.Equal(t, "inside", changes[2].Key)
	assert.Nil(t, changes[2].Data)
}

func TestIndexMember(t *testing.T) {
	member := indexMember("9q8yyk0000", "a:b")
	assert.Equal(t, "a:b", keyFromMember(member))
	assert.Less(t, member, "9q8yyk0001")
	assert.GreaterOrEqual(t, member, "9q8yyk0000")
}
