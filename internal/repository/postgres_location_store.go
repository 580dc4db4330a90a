package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"GeoQuery-App/internal/domain/model"
	"GeoQuery-App/internal/domain/repository"
	"GeoQuery-App/internal/infrastructure/database"
)

const locationsSchema = `
CREATE TABLE IF NOT EXISTS geo_locations (
	key  TEXT PRIMARY KEY,
	g    TEXT NOT NULL,
	data JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS geo_locations_g_idx ON geo_locations (g COLLATE "C");
`

const (
	upsertLocationSQL = `
		INSERT INTO geo_locations (key, g, data) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET g = EXCLUDED.g, data = EXCLUDED.data`
	mergeLocationSQL = `
		INSERT INTO geo_locations (key, g, data) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET g = EXCLUDED.g, data = geo_locations.data || EXCLUDED.data`
	deleteLocationSQL = `DELETE FROM geo_locations WHERE key = $1`
	selectLocationSQL = `SELECT data FROM geo_locations WHERE key = $1`
	selectRangeSQL    = `
		SELECT key, data FROM geo_locations
		WHERE g COLLATE "C" >= $1 AND g COLLATE "C" < $2`
	notifySQL = `SELECT pg_notify($1, $2)`

	defaultPostgresChannel = "geo_locations_changes"
	listenerPingInterval   = 90 * time.Second
)

// PostgresLocationStore PostgreSQLのテーブルとLISTEN/NOTIFYを使ったLocationStore実装
// 並び順は g 列（geohash）を "C" 照合順序で比較する
// 範囲購読は全てストアごとに1本の LISTEN 接続を共有する
type PostgresLocationStore struct {
	db          *sql.DB
	dsn         string
	channel     string
	logger      *zap.Logger
	newListener func() changeListener

	feedMu   sync.Mutex
	listener changeListener
	stopFeed context.CancelFunc
	watchers map[*rangeWatcher]struct{}
	closed   bool
}

// NewPostgresLocationStore 新しいPostgresLocationStoreインスタンスを作成
func NewPostgresLocationStore(client *database.PostgreSQLClient, channel string, logger *zap.Logger) *PostgresLocationStore {
	if logger == nil {
		logger = zap.L()
	}
	if channel == "" {
		channel = defaultPostgresChannel
	}
	s := &PostgresLocationStore{
		db:       client.DB,
		dsn:      client.DSN,
		channel:  channel,
		logger:   logger.Named("postgres_store"),
		watchers: make(map[*rangeWatcher]struct{}),
	}
	s.newListener = func() changeListener {
		return pq.NewListener(s.dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
			if err != nil {
				s.logger.Warn("⚠️ Listener event", zap.Int("event", int(ev)), zap.Error(err))
			}
		})
	}
	return s
}

var _ repository.LocationStore = (*PostgresLocationStore)(nil)

// EnsureSchema テーブルとインデックスを作成する
func (s *PostgresLocationStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, locationsSchema); err != nil {
		return eris.Wrap(err, "failed to create geo_locations table")
	}
	return nil
}

func (s *PostgresLocationStore) Get(ctx context.Context, key string) (map[string]interface{}, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, selectLocationSQL, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(model.ErrNotFound, "location %q", key)
	}
	if err != nil {
		return nil, err
	}
	return decodePostgresDoc(key, raw)
}

func decodePostgresDoc(key string, raw []byte) (map[string]interface{}, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, eris.Wrapf(model.ErrCorruptRecord, "location %q is not valid json: %v", key, err)
	}
	return doc, nil
}

func (s *PostgresLocationStore) Set(ctx context.Context, key string, record model.Record, merge bool) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return s.upsert(ctx, tx, key, record, merge)
	})
}

func (s *PostgresLocationStore) Delete(ctx context.Context, key string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return s.delete(ctx, tx, key)
	})
}

// BatchWrite 全件を1トランザクションで適用する
func (s *PostgresLocationStore) BatchWrite(ctx context.Context, writes []repository.Write) error {
	if len(writes) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, w := range writes {
			var err error
			if w.Record == nil {
				err = s.delete(ctx, tx, w.Key)
			} else {
				err = s.upsert(ctx, tx, w.Key, *w.Record, true)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresLocationStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *PostgresLocationStore) upsert(ctx context.Context, tx *sql.Tx, key string, record model.Record, merge bool) error {
	raw, err := json.Marshal(record.Map())
	if err != nil {
		return eris.Wrapf(err, "failed to encode location %q", key)
	}
	query := upsertLocationSQL
	if merge {
		query = mergeLocationSQL
	}
	if _, err := tx.ExecContext(ctx, query, key, record.Geohash, raw); err != nil {
		return err
	}
	return s.notify(ctx, tx, key)
}

func (s *PostgresLocationStore) delete(ctx context.Context, tx *sql.Tx, key string) error {
	result, err := tx.ExecContext(ctx, deleteLocationSQL, key)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return nil
	}
	return s.notify(ctx, tx, key)
}

// notify コミット時に配信される。ペイロードの上限を避けるためキーのみ送る
func (s *PostgresLocationStore) notify(ctx context.Context, tx *sql.Tx, key string) error {
	_, err := tx.ExecContext(ctx, notifySQL, s.channel, key)
	return err
}

func (s *PostgresLocationStore) loadRange(ctx context.Context, start, end string) (map[string]map[string]interface{}, error) {
	rows, err := s.db.QueryContext(ctx, selectRangeSQL, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	docs := make(map[string]map[string]interface{})
	for rows.Next() {
		var key string
		var raw []byte
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, err
		}
		doc, err := decodePostgresDoc(key, raw)
		if err != nil {
			s.logger.Warn("skipping corrupt location", zap.String("key", key), zap.Error(err))
			continue
		}
		docs[key] = doc
	}
	return docs, rows.Err()
}

// changeListener 通知チャンネルの受信側。*pq.Listener が満たす
type changeListener interface {
	Listen(channel string) error
	Ping() error
	Close() error
	NotificationChannel() <-chan *pq.Notification
}

// rangeWatcher 共有リスナーから通知を受け取る範囲購読1件
// 初回読み込みと通知の反映は work 上で順番に実行する
type rangeWatcher struct {
	ctx     context.Context
	tracker *rangeTracker
	sink    *subscriptionSink
	work    *noticeQueue
}

// SubscribeRange 共有リスナーに範囲を登録してから範囲内の現在値を読み込む
// 接続が切れて通知を取りこぼした可能性がある場合は範囲を読み直して差分を通知する
func (s *PostgresLocationStore) SubscribeRange(ctx context.Context, field, start, end string, onChange func(repository.Change), onSnapshot func()) (*repository.RangeSubscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	w := &rangeWatcher{
		ctx:     subCtx,
		tracker: newRangeTracker(field, start, end),
		sink:    newSubscriptionSink(onChange, onSnapshot),
		work:    newNoticeQueue(),
	}
	if err := s.addWatcher(w); err != nil {
		cancel()
		w.work.close()
		return nil, err
	}

	w.work.push(func() {
		if err := s.reload(w); err != nil {
			if subCtx.Err() == nil {
				s.logger.Error("❌ Failed to load range snapshot", zap.String("start", start), zap.String("end", end), zap.Error(err))
			}
			return
		}
		w.sink.snapshot()
	})

	return w.sink.subscription(func() {
		cancel()
		w.work.close()
		s.removeWatcher(w)
	}), nil
}

// reload 範囲を読み直し、前回からの差分を通知する
func (s *PostgresLocationStore) reload(w *rangeWatcher) error {
	docs, err := s.loadRange(w.ctx, w.tracker.start, w.tracker.end)
	if err != nil {
		return err
	}
	for _, change := range w.tracker.resync(docs) {
		w.sink.change(change)
	}
	return nil
}

// addWatcher 最初の購読でリスナーを開き、通知の振り分けを始める
func (s *PostgresLocationStore) addWatcher(w *rangeWatcher) error {
	s.feedMu.Lock()
	defer s.feedMu.Unlock()
	if s.closed {
		return eris.New("postgres store is closed")
	}
	if s.listener == nil {
		listener := s.newListener()
		if err := listener.Listen(s.channel); err != nil {
			listener.Close()
			return eris.Wrapf(err, "failed to listen on %s", s.channel)
		}
		feedCtx, stop := context.WithCancel(context.Background())
		s.listener = listener
		s.stopFeed = stop
		go s.dispatch(feedCtx, listener)
		s.logger.Info("📡 Listening for location changes", zap.String("channel", s.channel))
	}
	s.watchers[w] = struct{}{}
	return nil
}

// removeWatcher 最後の購読が外れたらリスナーを閉じる
func (s *PostgresLocationStore) removeWatcher(w *rangeWatcher) {
	s.feedMu.Lock()
	defer s.feedMu.Unlock()
	delete(s.watchers, w)
	if len(s.watchers) == 0 {
		s.stopListenerLocked()
	}
}

func (s *PostgresLocationStore) stopListenerLocked() {
	if s.stopFeed != nil {
		s.stopFeed()
	}
	s.listener = nil
	s.stopFeed = nil
}

// fanOut 登録中の全購読の work に処理を積む
func (s *PostgresLocationStore) fanOut(fn func(w *rangeWatcher)) {
	s.feedMu.Lock()
	watchers := make([]*rangeWatcher, 0, len(s.watchers))
	for w := range s.watchers {
		watchers = append(watchers, w)
	}
	s.feedMu.Unlock()

	for _, w := range watchers {
		w.work.push(func() { fn(w) })
	}
}

// dispatch 通知1件につきレコードを1度だけ読み、各範囲に振り分ける
func (s *PostgresLocationStore) dispatch(ctx context.Context, listener changeListener) {
	defer listener.Close()

	ticker := time.NewTicker(listenerPingInterval)
	defer ticker.Stop()
	notices := listener.NotificationChannel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := listener.Ping(); err != nil {
				s.logger.Warn("⚠️ Listener ping failed", zap.Error(err))
			}
		case n, ok := <-notices:
			if !ok {
				return
			}
			if n == nil {
				// 再接続後は取りこぼしがありうるため全件を突き合わせる
				s.fanOut(func(w *rangeWatcher) {
					if err := s.reload(w); err != nil && w.ctx.Err() == nil {
						s.logger.Error("❌ Failed to resync range", zap.Error(err))
					}
				})
				continue
			}
			doc, err := s.Get(ctx, n.Extra)
			if err != nil && !eris.Is(err, model.ErrNotFound) {
				if ctx.Err() == nil {
					s.logger.Error("❌ Failed to fetch changed location", zap.String("key", n.Extra), zap.Error(err))
				}
				continue
			}
			key := n.Extra
			s.fanOut(func(w *rangeWatcher) {
				if change, ok := w.tracker.classify(key, cloneData(doc)); ok {
					w.sink.change(change)
				}
			})
		}
	}
}

// Close 共有リスナーを閉じる。以降の SubscribeRange はエラーになる
func (s *PostgresLocationStore) Close() error {
	s.feedMu.Lock()
	defer s.feedMu.Unlock()
	s.closed = true
	s.stopListenerLocked()
	return nil
}
