package query

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rotisserie/eris"

	"GeoQuery-App/internal/codec"
	"GeoQuery-App/internal/domain/geo"
	"GeoQuery-App/internal/domain/model"
	"GeoQuery-App/internal/domain/repository"
)

// fakeSubscription テストから直接変更通知を流し込める範囲購読
type fakeSubscription struct {
	field           string
	rng             model.GeohashRange
	onChange        func(repository.Change)
	onSnapshot      func()
	changesStopped  atomic.Bool
	snapshotStopped atomic.Bool
}

func (s *fakeSubscription) stopped() bool {
	return s.changesStopped.Load() && s.snapshotStopped.Load()
}

type fakeStore struct {
	mu           sync.Mutex
	docs         map[string]map[string]interface{}
	subs         []*fakeSubscription
	subscribeErr error
	getCalls     atomic.Int32
}

func newFakeStore() *fakeStore {
	return &fakeStore{docs: make(map[string]map[string]interface{})}
}

func (f *fakeStore) Get(ctx context.Context, key string) (map[string]interface{}, error) {
	f.getCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[key]
	if !ok {
		return nil, eris.Wrapf(model.ErrNotFound, "location %q", key)
	}
	return doc, nil
}

func (f *fakeStore) Set(ctx context.Context, key string, record model.Record, merge bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[key] = record.Map()
	return nil
}

func (f *fakeStore) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.docs, key)
	return nil
}

func (f *fakeStore) BatchWrite(ctx context.Context, writes []repository.Write) error {
	for _, w := range writes {
		if w.Record == nil {
			f.Delete(ctx, w.Key)
			continue
		}
		f.Set(ctx, w.Key, *w.Record, true)
	}
	return nil
}

func (f *fakeStore) SubscribeRange(ctx context.Context, field, start, end string, onChange func(repository.Change), onSnapshot func()) (*repository.RangeSubscription, error) {
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	sub := &fakeSubscription{
		field:      field,
		rng:        model.GeohashRange{Start: start, End: end},
		onChange:   onChange,
		onSnapshot: onSnapshot,
	}
	f.mu.Lock()
	f.subs = append(f.subs, sub)
	f.mu.Unlock()
	return &repository.RangeSubscription{
		StopChanges:  func() { sub.changesStopped.Store(true) },
		StopSnapshot: func() { sub.snapshotStopped.Store(true) },
	}, nil
}

func (f *fakeStore) subscriptions() []*fakeSubscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeSubscription(nil), f.subs...)
}

// subscriptionFor geohash を含む購読を返す
func (f *fakeStore) subscriptionFor(geohash string) *fakeSubscription {
	for _, sub := range f.subscriptions() {
		if sub.rng.Contains(geohash) {
			return sub
		}
	}
	return nil
}

func (f *fakeStore) snapshotAll() {
	for _, sub := range f.subscriptions() {
		sub.onSnapshot()
	}
}

func recordData(location model.Location) map[string]interface{} {
	rec, err := codec.EncodeRecord(location, geo.MustEncodeGeohash(location))
	if err != nil {
		panic(err)
	}
	return rec.Map()
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *eventRecorder) count(t EventType) int {
	n := 0
	for _, ev := range r.all() {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func (r *eventRecorder) keys(t EventType) []string {
	var keys []string
	for _, ev := range r.all() {
		if ev.Type == t {
			keys = append(keys, ev.Key)
		}
	}
	return keys
}
