package repository

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"GeoQuery-App/internal/codec"
	"GeoQuery-App/internal/domain/model"
	"GeoQuery-App/internal/domain/repository"
)

const (
	redisMaxTxRetries = 5
	// インデックスのメンバーは "<geohash>\x00<key>"。\x00 はどの文字よりも小さいため
	// geohash の文字列順がそのままメンバーの辞書順になる
	redisMemberSeparator = "\x00"
)

// RedisLocationStore Redisを使ったLocationStore実装
//
//	<ns>:loc:<key>  レコード本体（JSON）
//	<ns>:idx        geohash順のソート済みセット（ZRANGEBYLEX で範囲取得）
//	<ns>:changes    書き込み通知を流すPub/Subチャンネル
type RedisLocationStore struct {
	client    *redis.Client
	namespace string
	logger    *zap.Logger
}

type redisNotice struct {
	Key  string                 `json:"key"`
	Data map[string]interface{} `json:"data"`
}

// NewRedisLocationStore 新しいRedisLocationStoreインスタンスを作成
func NewRedisLocationStore(client *redis.Client, namespace string, logger *zap.Logger) *RedisLocationStore {
	if logger == nil {
		logger = zap.L()
	}
	if namespace == "" {
		namespace = "geoquery"
	}
	return &RedisLocationStore{
		client:    client,
		namespace: namespace,
		logger:    logger.Named("redis_store"),
	}
}

var _ repository.LocationStore = (*RedisLocationStore)(nil)

func (s *RedisLocationStore) docKey(key string) string {
	return s.namespace + ":loc:" + key
}

func (s *RedisLocationStore) indexKey() string {
	return s.namespace + ":idx"
}

func (s *RedisLocationStore) channel() string {
	return s.namespace + ":changes"
}

func indexMember(geohash, key string) string {
	return geohash + redisMemberSeparator + key
}

func keyFromMember(member string) string {
	if i := strings.Index(member, redisMemberSeparator); i >= 0 {
		return member[i+len(redisMemberSeparator):]
	}
	return member
}

func (s *RedisLocationStore) Get(ctx context.Context, key string) (map[string]interface{}, error) {
	raw, err := s.client.Get(ctx, s.docKey(key)).Bytes()
	if err == redis.Nil {
		return nil, eris.Wrapf(model.ErrNotFound, "location %q", key)
	}
	if err != nil {
		return nil, err
	}
	return decodeRedisDoc(key, raw)
}

func decodeRedisDoc(key string, raw []byte) (map[string]interface{}, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, eris.Wrapf(model.ErrCorruptRecord, "location %q is not valid json: %v", key, err)
	}
	return doc, nil
}

func (s *RedisLocationStore) Set(ctx context.Context, key string, record model.Record, merge bool) error {
	return s.apply(ctx, []pendingWrite{{key: key, record: &record, merge: merge}})
}

func (s *RedisLocationStore) Delete(ctx context.Context, key string) error {
	return s.apply(ctx, []pendingWrite{{key: key}})
}

// BatchWrite 全件を1つのMULTI/EXECで適用する
func (s *RedisLocationStore) BatchWrite(ctx context.Context, writes []repository.Write) error {
	if len(writes) == 0 {
		return nil
	}
	pending := make([]pendingWrite, 0, len(writes))
	for _, w := range writes {
		pending = append(pending, pendingWrite{key: w.Key, record: w.Record, merge: true})
	}
	return s.apply(ctx, pending)
}

type pendingWrite struct {
	key    string
	record *model.Record
	merge  bool
}

// apply 対象キーをWATCHして現在値を読み、本体・インデックス・通知をまとめて書き込む
// 競合した場合は再試行する
func (s *RedisLocationStore) apply(ctx context.Context, writes []pendingWrite) error {
	keys := make([]string, 0, len(writes))
	for _, w := range writes {
		keys = append(keys, s.docKey(w.key))
	}

	txf := func(tx *redis.Tx) error {
		current := make(map[string]map[string]interface{}, len(writes))
		for _, w := range writes {
			if _, ok := current[w.key]; ok {
				continue
			}
			raw, err := tx.Get(ctx, s.docKey(w.key)).Bytes()
			if err == redis.Nil {
				current[w.key] = nil
				continue
			}
			if err != nil {
				return err
			}
			doc, err := decodeRedisDoc(w.key, raw)
			if err != nil {
				return err
			}
			current[w.key] = doc
		}

		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, w := range writes {
				existing := current[w.key]
				if g, ok := codec.RecordGeohash(existing, model.GeohashField); ok {
					pipe.ZRem(ctx, s.indexKey(), indexMember(g, w.key))
				}

				if w.record == nil {
					if existing == nil {
						continue
					}
					pipe.Del(ctx, s.docKey(w.key))
					current[w.key] = nil
					if err := s.publish(ctx, pipe, w.key, nil); err != nil {
						return err
					}
					continue
				}

				doc := w.record.Map()
				if w.merge && existing != nil {
					merged := cloneData(existing)
					for k, v := range doc {
						merged[k] = v
					}
					doc = merged
				}
				raw, err := json.Marshal(doc)
				if err != nil {
					return eris.Wrapf(err, "failed to encode location %q", w.key)
				}
				pipe.Set(ctx, s.docKey(w.key), raw, 0)
				pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: 0, Member: indexMember(w.record.Geohash, w.key)})
				current[w.key] = doc
				if err := s.publish(ctx, pipe, w.key, doc); err != nil {
					return err
				}
			}
			return nil
		})
		return err
	}

	for i := 0; i < redisMaxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, keys...)
		if err == redis.TxFailedErr {
			s.logger.Debug("location write conflicted, retrying", zap.Int("attempt", i+1))
			continue
		}
		return err
	}
	return eris.Errorf("location write did not commit after %d attempts", redisMaxTxRetries)
}

func (s *RedisLocationStore) publish(ctx context.Context, pipe redis.Pipeliner, key string, doc map[string]interface{}) error {
	payload, err := json.Marshal(redisNotice{Key: key, Data: doc})
	if err != nil {
		return eris.Wrapf(err, "failed to encode change notice for %q", key)
	}
	pipe.Publish(ctx, s.channel(), payload)
	return nil
}

// SubscribeRange 通知チャンネルを購読してから範囲内の現在値を読み込む
// 購読後の書き込みは取りこぼさず、スナップショットと重複した分は modified として届く
func (s *RedisLocationStore) SubscribeRange(ctx context.Context, field, start, end string, onChange func(repository.Change), onSnapshot func()) (*repository.RangeSubscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	pubsub := s.client.Subscribe(subCtx, s.channel())
	if _, err := pubsub.Receive(subCtx); err != nil {
		pubsub.Close()
		cancel()
		return nil, eris.Wrap(err, "failed to subscribe to location changes")
	}

	tracker := newRangeTracker(field, start, end)
	sink := newSubscriptionSink(onChange, onSnapshot)
	messages := pubsub.Channel()

	go func() {
		defer pubsub.Close()

		if err := s.loadRange(subCtx, tracker, sink); err != nil {
			if subCtx.Err() == nil {
				s.logger.Error("❌ Failed to load range snapshot",
					zap.String("start", start),
					zap.String("end", end),
					zap.Error(err))
			}
			return
		}
		sink.snapshot()

		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var notice redisNotice
				if err := json.Unmarshal([]byte(msg.Payload), &notice); err != nil {
					s.logger.Warn("ignoring malformed change notice", zap.Error(err))
					continue
				}
				if change, ok := tracker.classify(notice.Key, notice.Data); ok {
					sink.change(change)
				}
			}
		}
	}()

	return sink.subscription(cancel), nil
}

func (s *RedisLocationStore) loadRange(ctx context.Context, tracker *rangeTracker, sink *subscriptionSink) error {
	members, err := s.client.ZRangeByLex(ctx, s.indexKey(), &redis.ZRangeBy{
		Min: "[" + tracker.start,
		Max: "(" + tracker.end,
	}).Result()
	if err != nil {
		return err
	}
	if len(members) == 0 {
		return nil
	}

	docKeys := make([]string, 0, len(members))
	keys := make([]string, 0, len(members))
	for _, m := range members {
		key := keyFromMember(m)
		keys = append(keys, key)
		docKeys = append(docKeys, s.docKey(key))
	}
	values, err := s.client.MGet(ctx, docKeys...).Result()
	if err != nil {
		return err
	}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		doc, err := decodeRedisDoc(keys[i], []byte(raw))
		if err != nil {
			s.logger.Warn("skipping corrupt location", zap.String("key", keys[i]), zap.Error(err))
			continue
		}
		if change, ok := tracker.classify(keys[i], doc); ok {
			sink.change(change)
		}
	}
	return nil
}
