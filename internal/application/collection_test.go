package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"GeoQuery-App/internal/domain/model"
	"GeoQuery-App/internal/domain/query"
	"GeoQuery-App/internal/domain/repository"
	memstore "GeoQuery-App/internal/repository"
)

func newTestCollection(t *testing.T) (Collection, *memstore.MemoryLocationStore) {
	t.Helper()
	store := memstore.NewMemoryLocationStore(zap.NewNop())
	t.Cleanup(func() { store.Close() })
	return NewCollection(store, WithLogger(zap.NewNop())), store
}

func loc(lat, lon float64) *model.Location {
	l := model.NewLocation(lat, lon)
	return &l
}

func TestCollectionSetGetRemove(t *testing.T) {
	ctx := context.Background()
	c, store := newTestCollection(t)

	require.NoError(t, c.Set(ctx, "shibuya", loc(35.658, 139.7016)))
	got, err := c.Get(ctx, "shibuya")
	require.NoError(t, err)
	assert.Equal(t, model.NewLocation(35.658, 139.7016), got)

	data, err := store.Get(ctx, "shibuya")
	require.NoError(t, err)
	assert.Equal(t, "xn76fgrdgh", data[model.GeohashField])
	assert.Equal(t, data[model.GeohashField], data[model.PriorityField])

	require.NoError(t, c.Remove(ctx, "shibuya"))
	_, err = c.Get(ctx, "shibuya")
	assert.True(t, eris.Is(err, model.ErrNotFound))

	// 存在しないキーの削除はエラーにならない
	assert.NoError(t, c.Remove(ctx, "shibuya"))
}

func TestCollectionSetNilDeletes(t *testing.T) {
	ctx := context.Background()
	c, store := newTestCollection(t)

	require.NoError(t, c.Set(ctx, "a", loc(1, 2)))
	require.NoError(t, c.Set(ctx, "a", nil))
	assert.Equal(t, 0, store.Len())
}

func TestCollectionValidation(t *testing.T) {
	ctx := context.Background()
	c, store := newTestCollection(t)

	tests := []struct {
		name string
		run  func() error
	}{
		{"empty key", func() error { return c.Set(ctx, "", loc(0, 0)) }},
		{"key with slash", func() error { return c.Set(ctx, "a/b", loc(0, 0)) }},
		{"latitude out of range", func() error { return c.Set(ctx, "a", loc(91, 0)) }},
		{"longitude out of range", func() error { return c.Set(ctx, "a", loc(0, -181)) }},
		{"get invalid key", func() error { _, err := c.Get(ctx, "a.b"); return err }},
		{"batch with invalid location", func() error {
			return c.SetMany(ctx, map[string]*model.Location{"ok": loc(1, 1), "bad": loc(100, 0)})
		}},
		{"batch with invalid key", func() error {
			return c.SetMany(ctx, map[string]*model.Location{"ok": loc(1, 1), "a#b": loc(0, 0)})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, eris.Is(tt.run(), model.ErrInvalidArgument))
		})
	}
	// 検証に失敗したバッチは1件も書き込まない
	assert.Equal(t, 0, store.Len())
}

func TestCollectionSetMany(t *testing.T) {
	ctx := context.Background()
	c, store := newTestCollection(t)

	require.NoError(t, c.Set(ctx, "old", loc(10, 10)))
	require.NoError(t, c.SetMany(ctx, map[string]*model.Location{
		"a":   loc(1, 1),
		"b":   loc(2, 2),
		"old": nil,
	}))
	assert.Equal(t, 2, store.Len())

	got, err := c.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, model.NewLocation(2, 2), got)
	_, err = c.Get(ctx, "old")
	assert.True(t, eris.Is(err, model.ErrNotFound))

	assert.NoError(t, c.SetMany(ctx, nil))
}

func TestCollectionWrite(t *testing.T) {
	ctx := context.Background()
	c, store := newTestCollection(t)

	err := c.Write(ctx, model.SetLocationsRequest{
		Key:       "a",
		Location:  loc(1, 1),
		Locations: map[string]*model.Location{"b": loc(2, 2)},
	})
	assert.True(t, eris.Is(err, model.ErrInvalidArgument))
	assert.Equal(t, 0, store.Len())

	require.NoError(t, c.Write(ctx, model.SetLocationsRequest{Key: "a", Location: loc(1, 1)}))
	require.NoError(t, c.Write(ctx, model.SetLocationsRequest{
		Locations: map[string]*model.Location{"b": loc(2, 2), "c": loc(3, 3)},
	}))
	assert.Equal(t, 3, store.Len())

	require.NoError(t, c.Write(ctx, model.SetLocationsRequest{Key: "a"}))
	assert.Equal(t, 2, store.Len())
}

func TestCollectionGetCorruptRecord(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{data: map[string]interface{}{"g": "s000000000", "l": "broken"}}
	c := NewCollection(store, WithLogger(zap.NewNop()))

	_, err := c.Get(ctx, "a")
	assert.True(t, eris.Is(err, model.ErrCorruptRecord))
}

func TestCollectionPropagatesStorageErrors(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("connection reset")
	store := &failingStore{err: boom}
	c := NewCollection(store, WithLogger(zap.NewNop()))

	_, err := c.Get(ctx, "a")
	assert.Same(t, boom, err)
	assert.Same(t, boom, c.Set(ctx, "a", loc(1, 1)))
	assert.Same(t, boom, c.Remove(ctx, "a"))
	assert.Same(t, boom, c.SetMany(ctx, map[string]*model.Location{"a": loc(1, 1)}))
}

func TestCollectionQuery(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCollection(t)
	require.NoError(t, c.Set(ctx, "inside", loc(0.001, 0.001)))
	require.NoError(t, c.Set(ctx, "outside", loc(5, 5)))

	q, err := c.Query(model.NewQueryCriteria(model.NewLocation(0, 0), 1), query.WithCleanupInterval(time.Minute))
	require.NoError(t, err)
	defer q.Cancel()

	entered := make(chan string, 4)
	_, err = q.On(query.EventKeyEntered, func(ev query.Event) { entered <- ev.Key })
	require.NoError(t, err)

	select {
	case key := <-entered:
		assert.Equal(t, "inside", key)
	case <-time.After(time.Second):
		t.Fatal("no key entered")
	}

	_, err = c.Query(model.WithRadius(1))
	assert.True(t, eris.Is(err, model.ErrInvalidArgument))
}

func TestDistance(t *testing.T) {
	d, err := Distance(model.NewLocation(0, 0), model.NewLocation(0, 1))
	require.NoError(t, err)
	assert.InDelta(t, 111.19492664, d, 1e-6)

	_, err = Distance(model.NewLocation(0, 0), model.NewLocation(-91, 0))
	assert.True(t, eris.Is(err, model.ErrInvalidArgument))
}

type failingStore struct {
	err  error
	data map[string]interface{}
}

func (f *failingStore) Get(ctx context.Context, key string) (map[string]interface{}, error) {
	return f.data, f.err
}

func (f *failingStore) Set(ctx context.Context, key string, record model.Record, merge bool) error {
	return f.err
}

func (f *failingStore) Delete(ctx context.Context, key string) error {
	return f.err
}

func (f *failingStore) BatchWrite(ctx context.Context, writes []repository.Write) error {
	return f.err
}

func (f *failingStore) SubscribeRange(ctx context.Context, field, start, end string, onChange func(repository.Change), onSnapshot func()) (*repository.RangeSubscription, error) {
	return nil, f.err
}
