package repository

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"GeoQuery-App/internal/domain/model"
	"GeoQuery-App/internal/domain/repository"
)

// MemoryLocationStore プロセス内で完結するLocationStore実装
// テストとローカル実行（store.driver=memory）で使う
type MemoryLocationStore struct {
	mu     sync.Mutex
	docs   map[string]map[string]interface{}
	subs   map[int]*memorySubscription
	nextID int
	logger *zap.Logger
}

type memorySubscription struct {
	tracker *rangeTracker
	sink    *subscriptionSink
}

// NewMemoryLocationStore 空のインメモリストアを作成
func NewMemoryLocationStore(logger *zap.Logger) *MemoryLocationStore {
	if logger == nil {
		logger = zap.L()
	}
	return &MemoryLocationStore{
		docs:   make(map[string]map[string]interface{}),
		subs:   make(map[int]*memorySubscription),
		logger: logger.Named("memory_store"),
	}
}

var _ repository.LocationStore = (*MemoryLocationStore)(nil)

func (s *MemoryLocationStore) Get(ctx context.Context, key string) (map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[key]
	if !ok {
		return nil, eris.Wrapf(model.ErrNotFound, "location %q", key)
	}
	return cloneData(doc), nil
}

func (s *MemoryLocationStore) Set(ctx context.Context, key string, record model.Record, merge bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.setLocked(key, record, merge)
	return nil
}

func (s *MemoryLocationStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deleteLocked(key)
	return nil
}

// BatchWrite 全件を1つのロック区間で適用する
func (s *MemoryLocationStore) BatchWrite(ctx context.Context, writes []repository.Write) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range writes {
		if w.Record == nil {
			s.deleteLocked(w.Key)
			continue
		}
		s.setLocked(w.Key, *w.Record, true)
	}
	return nil
}

func (s *MemoryLocationStore) setLocked(key string, record model.Record, merge bool) {
	doc := record.Map()
	if existing, ok := s.docs[key]; ok && merge {
		merged := cloneData(existing)
		for k, v := range doc {
			merged[k] = v
		}
		doc = merged
	}
	s.docs[key] = doc
	s.notifyLocked(key, doc)
}

func (s *MemoryLocationStore) deleteLocked(key string) {
	if _, ok := s.docs[key]; !ok {
		return
	}
	delete(s.docs, key)
	s.notifyLocked(key, nil)
}

func (s *MemoryLocationStore) notifyLocked(key string, doc map[string]interface{}) {
	for _, sub := range s.subs {
		if change, ok := sub.tracker.classify(key, doc); ok {
			change.Data = cloneData(change.Data)
			sub.sink.change(change)
		}
	}
}

// SubscribeRange 現時点の範囲内レコードを added として通知した後、以降の変更を通知する
func (s *MemoryLocationStore) SubscribeRange(ctx context.Context, field, start, end string, onChange func(repository.Change), onSnapshot func()) (*repository.RangeSubscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &memorySubscription{
		tracker: newRangeTracker(field, start, end),
		sink:    newSubscriptionSink(onChange, onSnapshot),
	}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = sub
	initial := sub.tracker.resync(s.docs)
	for _, change := range initial {
		change.Data = cloneData(change.Data)
		sub.sink.change(change)
	}
	sub.sink.snapshot()
	s.mu.Unlock()

	s.logger.Debug("range subscribed",
		zap.String("field", field),
		zap.String("start", start),
		zap.String("end", end),
		zap.Int("initial", len(initial)))

	release := func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
	subscription := sub.sink.subscription(release)
	context.AfterFunc(ctx, subscription.Stop)
	return subscription, nil
}

// Len 保存済みレコード数
func (s *MemoryLocationStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

// Close 全購読を停止する
func (s *MemoryLocationStore) Close() error {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[int]*memorySubscription)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.sink.stopChanges()
		sub.sink.stopSnapshot()
	}
	return nil
}
