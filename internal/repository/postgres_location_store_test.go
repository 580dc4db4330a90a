package repository

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"GeoQuery-App/internal/domain/model"
	"GeoQuery-App/internal/domain/repository"
	"GeoQuery-App/internal/infrastructure/database"
)

func newMockPostgresStore(t *testing.T) (*PostgresLocationStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresLocationStore(&database.PostgreSQLClient{DB: db}, "", zap.NewNop()), mock
}

func TestPostgresLocationStoreGet(t *testing.T) {
	store, mock := newMockPostgresStore(t)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT data FROM geo_locations WHERE key = \$1`).
		WithArgs("a").
		WillReturnRows(sqlmock.NewRows([]string{"data"}).
			AddRow([]byte(`{"g":"9q8yyk0000",".priority":"9q8yyk0000","l":[37.7,-122.4]}`)))
	data, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "9q8yyk0000", data[model.GeohashField])
	assert.Equal(t, []interface{}{37.7, -122.4}, data[model.LocationField])

	mock.ExpectQuery(`SELECT data FROM geo_locations WHERE key = \$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"data"}))
	_, err = store.Get(ctx, "missing")
	assert.True(t, eris.Is(err, model.ErrNotFound))

	mock.ExpectQuery(`SELECT data FROM geo_locations WHERE key = \$1`).
		WithArgs("bad").
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow([]byte(`{oops`)))
	_, err = store.Get(ctx, "bad")
	assert.True(t, eris.Is(err, model.ErrCorruptRecord))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLocationStoreSetNotifies(t *testing.T) {
	store, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO geo_locations .* data = geo_locations.data \|\| EXCLUDED.data`).
		WithArgs("a", "9q8yyk0000", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`SELECT pg_notify\(\$1, \$2\)`).
		WithArgs(defaultPostgresChannel, "a").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.Set(context.Background(), "a", record("9q8yyk0000", 37.7, -122.4), true))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLocationStoreDeleteMissingSkipsNotify(t *testing.T) {
	store, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM geo_locations WHERE key = \$1`).
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, store.Delete(context.Background(), "missing"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLocationStoreBatchWriteRollsBack(t *testing.T) {
	store, mock := newMockPostgresStore(t)
	a := record("9q8yyk0000", 37.7, -122.4)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO geo_locations`).
		WithArgs("a", "9q8yyk0000", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`SELECT pg_notify`).
		WithArgs(defaultPostgresChannel, "a").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM geo_locations`).
		WithArgs("b").
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := store.BatchWrite(context.Background(), []repository.Write{
		{Key: "a", Record: &a},
		{Key: "b"},
	})
	require.Error(t, err)
	assert.Equal(t, "connection reset", err.Error())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLocationStoreLoadRange(t *testing.T) {
	store, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT key, data FROM geo_locations`).
		WithArgs("9q8yyh", "9q8yyn").
		WillReturnRows(sqlmock.NewRows([]string{"key", "data"}).
			AddRow("a", []byte(`{"g":"9q8yyk0000","l":[37.7,-122.4]}`)).
			AddRow("bad", []byte(`nope`)))

	docs, err := store.loadRange(context.Background(), "9q8yyh", "9q8yyn")
	require.NoError(t, err)
	assert.Len(t, docs, 1)
	assert.Contains(t, docs, "a")
	assert.NoError(t, mock.ExpectationsWereMet())
}

// fakeListener テストから通知を直接流し込めるリスナー
type fakeListener struct {
	notify   chan *pq.Notification
	channels []string
	closed   atomic.Bool
}

func (l *fakeListener) Listen(channel string) error {
	l.channels = append(l.channels, channel)
	return nil
}

func (l *fakeListener) Ping() error { return nil }

func (l *fakeListener) Close() error {
	if !l.closed.Swap(true) {
		close(l.notify)
	}
	return nil
}

func (l *fakeListener) NotificationChannel() <-chan *pq.Notification { return l.notify }

func withFakeListeners(store *PostgresLocationStore) func() []*fakeListener {
	var mu sync.Mutex
	var opened []*fakeListener
	store.newListener = func() changeListener {
		l := &fakeListener{notify: make(chan *pq.Notification, 4)}
		mu.Lock()
		opened = append(opened, l)
		mu.Unlock()
		return l
	}
	return func() []*fakeListener {
		mu.Lock()
		defer mu.Unlock()
		return append([]*fakeListener(nil), opened...)
	}
}

func waitSignal(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for initial snapshot")
	}
}

func TestPostgresLocationStoreSharesOneListener(t *testing.T) {
	store, mock := newMockPostgresStore(t)
	mock.MatchExpectationsInOrder(false)
	listeners := withFakeListeners(store)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT key, data FROM geo_locations`).
		WithArgs("9q8yyh", "9q8yyn").
		WillReturnRows(sqlmock.NewRows([]string{"key", "data"}))
	mock.ExpectQuery(`SELECT key, data FROM geo_locations`).
		WithArgs("dr5ru", "dr5rv").
		WillReturnRows(sqlmock.NewRows([]string{"key", "data"}))

	changesA := make(chan repository.Change, 4)
	changesB := make(chan repository.Change, 4)
	readyA := make(chan struct{}, 1)
	readyB := make(chan struct{}, 1)
	subA, err := store.SubscribeRange(ctx, model.GeohashField, "9q8yyh", "9q8yyn",
		func(c repository.Change) { changesA <- c }, func() { readyA <- struct{}{} })
	require.NoError(t, err)
	subB, err := store.SubscribeRange(ctx, model.GeohashField, "dr5ru", "dr5rv",
		func(c repository.Change) { changesB <- c }, func() { readyB <- struct{}{} })
	require.NoError(t, err)
	waitSignal(t, readyA)
	waitSignal(t, readyB)

	opened := listeners()
	require.Len(t, opened, 1)
	listener := opened[0]
	assert.Equal(t, []string{defaultPostgresChannel}, listener.channels)

	// 通知1件につきレコードは1度だけ読み、該当する範囲にだけ届く
	mock.ExpectQuery(`SELECT data FROM geo_locations WHERE key = \$1`).
		WithArgs("a").
		WillReturnRows(sqlmock.NewRows([]string{"data"}).
			AddRow([]byte(`{"g":"9q8yyk0000",".priority":"9q8yyk0000","l":[37.7,-122.4]}`)))
	listener.notify <- &pq.Notification{Channel: defaultPostgresChannel, Extra: "a"}

	select {
	case c := <-changesA:
		assert.Equal(t, repository.ChangeAdded, c.Type)
		assert.Equal(t, "a", c.Key)
	case <-time.After(time.Second):
		t.Fatal("no change delivered")
	}
	select {
	case c := <-changesB:
		t.Fatalf("unexpected change %v", c)
	case <-time.After(50 * time.Millisecond):
	}

	subA.Stop()
	assert.False(t, listener.closed.Load())
	subB.Stop()
	require.Eventually(t, listener.closed.Load, time.Second, 5*time.Millisecond)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLocationStoreClose(t *testing.T) {
	store, _ := newMockPostgresStore(t)
	listeners := withFakeListeners(store)

	require.NoError(t, store.Close())
	_, err := store.SubscribeRange(context.Background(), model.GeohashField, "0", "~",
		func(repository.Change) {}, func() {})
	assert.Error(t, err)
	assert.Empty(t, listeners())
}
