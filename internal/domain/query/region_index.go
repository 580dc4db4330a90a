package query

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"GeoQuery-App/internal/codec"
	"GeoQuery-App/internal/domain/geo"
	"GeoQuery-App/internal/domain/model"
	"GeoQuery-App/internal/domain/repository"
)

// trackedKey 購読範囲内で観測したキーの最新状態
// 円の外でも範囲内にある限り保持する（範囲は円より粗いため）
type trackedKey struct {
	location model.Location
	distance float64
	inQuery  bool
	geohash  string
}

// activeRange geohash範囲1つ分の購読
// 再計算で不要になっても active=false にするだけで、ストリームの停止はクリーンアップで行う
type activeRange struct {
	rng          model.GeohashRange
	active       bool
	sub          *repository.RangeSubscription
	snapshotDone bool
	failed       bool
}

type notification struct {
	event   Event
	entries []*callbackEntry
}

// RegionIndex 中心と半径で表される円の中にあるキーを追跡し、
// 出入り・移動のイベントを発火するライブクエリ
//
// 状態は mu で保護する。コールバックは mu を保持せずに1件ずつ順番に呼ばれるため、
// コールバックの中から Cancel・On・UpdateCriteria を呼んでもよい。
type RegionIndex struct {
	id        string
	store     repository.LocationStore
	opts      options
	logger    *zap.Logger
	ctx       context.Context
	cancelCtx context.CancelFunc
	cancelled atomic.Bool

	mu               sync.Mutex
	center           model.Location
	radius           float64
	tracked          map[string]*trackedKey
	ranges           map[string]*activeRange
	outstanding      map[string]struct{}
	ready            bool
	callbacks        map[EventType][]*callbackEntry
	cleanupScheduled bool
	pending          []notification
	draining         bool

	periodic  *scheduledTask
	debounced *scheduledTask
}

// New クエリを作成し、初回の範囲購読を開始する
// 中心と半径の両方が必要
func New(store repository.LocationStore, criteria model.QueryCriteria, opts ...Option) (*RegionIndex, error) {
	if err := codec.ValidateCriteria(criteria, true); err != nil {
		return nil, err
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	id := uuid.New().String()
	ctx, cancel := context.WithCancel(o.ctx)
	q := &RegionIndex{
		id:          id,
		store:       store,
		opts:        o,
		logger:      o.logger.Named("region_index").With(zap.String("query_id", id)),
		ctx:         ctx,
		cancelCtx:   cancel,
		center:      *criteria.Center,
		radius:      *criteria.Radius,
		tracked:     make(map[string]*trackedKey),
		ranges:      make(map[string]*activeRange),
		outstanding: make(map[string]struct{}),
		callbacks:   make(map[EventType][]*callbackEntry),
	}
	q.debounced = newScheduledTask(q.cleanupStaleRanges)
	q.periodic = newScheduledTask(q.periodicCleanup)

	q.mu.Lock()
	added, err := q.listenForNewGeohashesLocked()
	q.mu.Unlock()
	if err != nil {
		cancel()
		return nil, err
	}

	q.periodic.Schedule(o.cleanupInterval)
	context.AfterFunc(ctx, q.Cancel)
	q.logger.Info("🔍 Query created",
		zap.Stringer("center", q.center),
		zap.Float64("radius_km", q.radius),
		zap.Int("ranges", len(added)))

	q.openSubscriptions(added)
	q.drain()
	return q, nil
}

// ID ログ用のクエリID
func (q *RegionIndex) ID() string {
	return q.id
}

// Center 現在の中心
func (q *RegionIndex) Center() model.Location {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.center
}

// Radius 現在の半径（km）
func (q *RegionIndex) Radius() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.radius
}

// IsReady 直近の範囲計算で必要になった購読が全て初回スナップショットを受け取ったか
func (q *RegionIndex) IsReady() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready
}

// Ranges 現在有効な購読範囲
func (q *RegionIndex) Ranges() []model.GeohashRange {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]model.GeohashRange, 0, len(q.ranges))
	for _, ar := range q.ranges {
		if ar.active && !ar.failed {
			out = append(out, ar.rng)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// Cancelled Cancel 済みかどうか
func (q *RegionIndex) Cancelled() bool {
	return q.cancelled.Load()
}

// On イベントのコールバックを登録する
// key_entered は登録時点で円内にある全キーについて、ready は準備完了済みならその場で呼び出す。
// Cancel 後の登録は何もしないハンドルを返す。
func (q *RegionIndex) On(eventType EventType, fn func(Event)) (*CallbackRegistration, error) {
	if _, err := ParseEventType(string(eventType)); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, eris.Wrap(model.ErrInvalidArgument, "callback must be a function")
	}

	q.mu.Lock()
	if q.cancelled.Load() {
		q.mu.Unlock()
		return &CallbackRegistration{}, nil
	}
	entry := &callbackEntry{fn: fn, typ: eventType, index: q, replaying: true}
	q.callbacks[eventType] = append(q.callbacks[eventType], entry)

	var replay []Event
	switch eventType {
	case EventReady:
		if q.ready {
			replay = append(replay, Event{Type: EventReady})
		}
	case EventKeyEntered:
		for _, key := range q.sortedKeysLocked() {
			t := q.tracked[key]
			if t.inQuery {
				replay = append(replay, q.keyEventLocked(EventKeyEntered, key, &t.location))
			}
		}
	}
	q.mu.Unlock()

	q.replay(entry, replay)
	return &CallbackRegistration{entry: entry}, nil
}

// replay 登録直後のイベントを呼び出し元のゴルーチンで同期的に配信する
func (q *RegionIndex) replay(entry *callbackEntry, events []Event) {
	for {
		for _, ev := range events {
			if q.cancelled.Load() || entry.removed.Load() {
				break
			}
			q.call(entry, ev)
		}
		entry.stateMu.Lock()
		if len(entry.backlog) == 0 || q.cancelled.Load() {
			entry.replaying = false
			entry.backlog = nil
			entry.stateMu.Unlock()
			return
		}
		events = entry.backlog
		entry.backlog = nil
		entry.stateMu.Unlock()
	}
}

func (q *RegionIndex) removeCallback(entry *callbackEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	list := q.callbacks[entry.typ]
	for i, e := range list {
		if e == entry {
			q.callbacks[entry.typ] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// UpdateCriteria 中心・半径の一方または両方を変更する。省略したフィールドは前回値を使う
// 追跡中の全キーの距離を再計算して出入りを通知した後、範囲を再計算する
func (q *RegionIndex) UpdateCriteria(criteria model.QueryCriteria) error {
	if err := codec.ValidateCriteria(criteria, false); err != nil {
		return err
	}

	q.mu.Lock()
	if q.cancelled.Load() {
		q.mu.Unlock()
		return nil
	}
	if criteria.Center != nil {
		q.center = *criteria.Center
	}
	if criteria.Radius != nil {
		q.radius = *criteria.Radius
	}

	for _, key := range q.sortedKeysLocked() {
		t := q.tracked[key]
		wasInQuery := t.inQuery
		t.distance = geo.Distance(t.location, q.center)
		t.inQuery = t.distance <= q.radius
		switch {
		case t.inQuery && !wasInQuery:
			q.enqueueLocked(q.keyEventLocked(EventKeyEntered, key, &t.location))
		case !t.inQuery && wasInQuery:
			q.enqueueLocked(q.keyEventLocked(EventKeyExited, key, &t.location))
		}
	}

	q.ready = false
	added, err := q.listenForNewGeohashesLocked()
	q.mu.Unlock()
	q.logger.Debug("criteria updated", zap.Int("new_ranges", len(added)))

	q.drain()
	if err != nil {
		return err
	}
	q.openSubscriptions(added)
	q.drain()
	return nil
}

// Cancel 全購読と全コールバックを破棄する。以降このインスタンスは何もしない
func (q *RegionIndex) Cancel() {
	q.mu.Lock()
	if q.cancelled.Swap(true) {
		q.mu.Unlock()
		return
	}
	var subs []*repository.RangeSubscription
	for _, ar := range q.ranges {
		if ar.sub != nil {
			subs = append(subs, ar.sub)
		}
	}
	q.ranges = make(map[string]*activeRange)
	q.tracked = make(map[string]*trackedKey)
	q.callbacks = make(map[EventType][]*callbackEntry)
	q.outstanding = make(map[string]struct{})
	q.pending = nil
	q.mu.Unlock()

	q.periodic.Stop()
	q.debounced.Stop()
	q.cancelCtx()
	for _, sub := range subs {
		sub.Stop()
		rangeSubscriptionsActive.Dec()
	}
	q.logger.Info("🛑 Query cancelled", zap.Int("ranges_stopped", len(subs)))
}

// listenForNewGeohashesLocked 円を覆う範囲を再計算し、既存の購読を再利用・非活性化する
// 新たに必要になった範囲を返すので、呼び出し側は mu を外してから購読を開く
func (q *RegionIndex) listenForNewGeohashesLocked() ([]*activeRange, error) {
	ranges, err := geo.GeohashQueries(q.center, q.radius*1000)
	if err != nil {
		return nil, err
	}

	needed := make(map[string]model.GeohashRange, len(ranges))
	for _, r := range ranges {
		needed[r.String()] = r
	}
	for key, ar := range q.ranges {
		if _, ok := needed[key]; ok {
			ar.active = true
			delete(needed, key)
		} else {
			ar.active = false
		}
	}

	if !q.cleanupScheduled && len(q.ranges) > q.opts.maxRangesBeforeCleanup {
		q.cleanupScheduled = true
		q.debounced.Schedule(q.opts.cleanupDebounce)
	}

	q.outstanding = make(map[string]struct{}, len(needed))
	added := make([]*activeRange, 0, len(needed))
	for _, r := range ranges {
		key := r.String()
		if _, ok := needed[key]; !ok {
			continue
		}
		ar := &activeRange{rng: r, active: true}
		q.ranges[key] = ar
		q.outstanding[key] = struct{}{}
		added = append(added, ar)
	}

	if len(added) == 0 {
		q.markReadyLocked()
	}
	return added, nil
}

// openSubscriptions 新しい範囲の購読を開く。失敗した範囲は再試行せず、準備完了の判定上は完了扱いにする
func (q *RegionIndex) openSubscriptions(added []*activeRange) {
	for _, ar := range added {
		if q.cancelled.Load() {
			return
		}
		key := ar.rng.String()
		sub, err := q.store.SubscribeRange(q.ctx, q.opts.orderField, ar.rng.Start, ar.rng.End,
			func(c repository.Change) { q.handleChange(c) },
			func() { q.handleSnapshot(ar) },
		)

		q.mu.Lock()
		current := q.ranges[key]
		if err != nil {
			rangeSubscriptionsTotal.WithLabelValues("failed").Inc()
			if !q.cancelled.Load() && current == ar {
				ar.failed = true
				q.settleLocked(key)
			}
			q.mu.Unlock()
			q.logger.Error("❌ Failed to subscribe to range", zap.String("range", key), zap.Error(err))
			q.drain()
			continue
		}

		rangeSubscriptionsTotal.WithLabelValues("ok").Inc()
		rangeSubscriptionsActive.Inc()
		if q.cancelled.Load() || current != ar {
			q.mu.Unlock()
			sub.Stop()
			rangeSubscriptionsActive.Dec()
			continue
		}
		ar.sub = sub
		snapshotDone := ar.snapshotDone
		q.mu.Unlock()

		if snapshotDone {
			sub.StopSnapshot()
		}
	}
}

func (q *RegionIndex) handleSnapshot(ar *activeRange) {
	q.mu.Lock()
	if q.cancelled.Load() {
		q.mu.Unlock()
		return
	}
	ar.snapshotDone = true
	sub := ar.sub
	q.settleLocked(ar.rng.String())
	q.mu.Unlock()

	if sub != nil {
		sub.StopSnapshot()
	}
	q.drain()
}

// settleLocked 初回スナップショット待ちの範囲を1つ完了にする。全て揃ったら ready
func (q *RegionIndex) settleLocked(key string) {
	if _, ok := q.outstanding[key]; !ok {
		return
	}
	delete(q.outstanding, key)
	if len(q.outstanding) == 0 {
		q.markReadyLocked()
	}
}

func (q *RegionIndex) markReadyLocked() {
	q.ready = true
	q.enqueueLocked(Event{Type: EventReady})
}

func (q *RegionIndex) handleChange(c repository.Change) {
	q.mu.Lock()
	if q.cancelled.Load() {
		q.mu.Unlock()
		return
	}

	switch c.Type {
	case repository.ChangeAdded, repository.ChangeModified:
		location, err := codec.DecodeRecord(c.Data)
		if err == nil {
			err = codec.ValidateLocation(location)
		}
		if err != nil {
			q.mu.Unlock()
			corruptRecordsTotal.Inc()
			q.logger.Warn("⚠️ Skipping undecodable location", zap.String("key", c.Key), zap.Error(err))
			return
		}
		q.updateLocationLocked(c.Key, location, q.recordGeohash(c.Data, location))
	case repository.ChangeRemoved:
		if _, ok := q.tracked[c.Key]; ok {
			go q.reconcileRemoval(c.Key)
		}
	}
	q.mu.Unlock()
	q.drain()
}

func (q *RegionIndex) recordGeohash(data map[string]interface{}, location model.Location) string {
	if g, ok := codec.RecordGeohash(data, q.opts.orderField); ok {
		return g
	}
	return geo.MustEncodeGeohash(location)
}

// reconcileRemoval 範囲から外れたと通知されたキーを再取得し、他の有効な範囲にも
// 入っていない場合だけ削除として扱う。
// 再取得の完了までに書き換えられた場合は最新の状態で判定するため、厳密な保証ではない。
func (q *RegionIndex) reconcileRemoval(key string) {
	data, err := q.store.Get(q.ctx, key)
	var current *model.Location
	geohash := ""
	switch {
	case err == nil:
		location, derr := codec.DecodeRecord(data)
		if derr == nil {
			derr = codec.ValidateLocation(location)
		}
		if derr != nil {
			corruptRecordsTotal.Inc()
			q.logger.Warn("⚠️ Removed key has an undecodable record", zap.String("key", key), zap.Error(derr))
			break
		}
		current = &location
		geohash = q.recordGeohash(data, location)
	case eris.Is(err, model.ErrNotFound):
	default:
		if q.ctx.Err() == nil {
			q.logger.Warn("⚠️ Failed to re-fetch removed key", zap.String("key", key), zap.Error(err))
		}
		return
	}

	q.mu.Lock()
	if q.cancelled.Load() {
		q.mu.Unlock()
		return
	}
	if !q.geohashInSomeActiveRangeLocked(geohash) {
		q.removeLocationLocked(key, current)
	}
	q.mu.Unlock()
	q.drain()
}

func (q *RegionIndex) geohashInSomeActiveRangeLocked(geohash string) bool {
	if geohash == "" {
		return false
	}
	for _, ar := range q.ranges {
		if ar.active && ar.rng.Contains(geohash) {
			return true
		}
	}
	return false
}

// updateLocationLocked キーの最新位置を反映し、円への出入り・移動を通知する
func (q *RegionIndex) updateLocationLocked(key string, location model.Location, geohash string) {
	prev, had := q.tracked[key]
	wasInQuery := had && prev.inQuery
	distance := geo.Distance(location, q.center)
	isInQuery := distance <= q.radius

	q.tracked[key] = &trackedKey{
		location: location,
		distance: distance,
		inQuery:  isInQuery,
		geohash:  geohash,
	}

	switch {
	case isInQuery && !wasInQuery:
		q.enqueueLocked(q.keyEventLocked(EventKeyEntered, key, &location))
	case isInQuery && had && !prev.location.Equal(location):
		q.enqueueLocked(q.keyEventLocked(EventKeyMoved, key, &location))
	case !isInQuery && wasInQuery:
		q.enqueueLocked(q.keyEventLocked(EventKeyExited, key, &location))
	}
}

// removeLocationLocked 追跡をやめる。円内にあった場合は key_exited を通知する
// current が nil（削除済み）の場合、イベントの位置は nil になる
func (q *RegionIndex) removeLocationLocked(key string, current *model.Location) {
	prev, ok := q.tracked[key]
	delete(q.tracked, key)
	if !ok || !prev.inQuery {
		return
	}
	if current == nil {
		q.enqueueLocked(Event{Type: EventKeyExited, Key: key})
		return
	}
	q.enqueueLocked(q.keyEventLocked(EventKeyExited, key, current))
}

func (q *RegionIndex) updateLocation(key string, location model.Location) error {
	if err := codec.ValidateLocation(location); err != nil {
		return err
	}
	q.mu.Lock()
	if q.cancelled.Load() {
		q.mu.Unlock()
		return nil
	}
	q.updateLocationLocked(key, location, geo.MustEncodeGeohash(location))
	q.mu.Unlock()
	q.drain()
	return nil
}

func (q *RegionIndex) removeLocation(key string, current *model.Location) {
	q.mu.Lock()
	if q.cancelled.Load() {
		q.mu.Unlock()
		return
	}
	q.removeLocationLocked(key, current)
	q.mu.Unlock()
	q.drain()
}

func (q *RegionIndex) keyEventLocked(t EventType, key string, location *model.Location) Event {
	loc := *location
	distance := geo.Distance(loc, q.center)
	return Event{
		Type:     t,
		Key:      key,
		Location: &loc,
		Distance: &distance,
	}
}

func (q *RegionIndex) sortedKeysLocked() []string {
	keys := make([]string, 0, len(q.tracked))
	for key := range q.tracked {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// periodicCleanup 定期整理。debounce 済みの整理が待機中ならその回は見送る
func (q *RegionIndex) periodicCleanup() {
	q.mu.Lock()
	pending := q.cleanupScheduled
	q.mu.Unlock()
	if !pending {
		q.cleanupStaleRanges()
	}
	q.periodic.Schedule(q.opts.cleanupInterval)
}

// cleanupStaleRanges 非活性の購読を止めて取り除き、どの有効範囲にも入らなくなったキーの追跡をやめる
// 円内のキーが範囲を失っているのは内部状態の破綻なので panic する
func (q *RegionIndex) cleanupStaleRanges() {
	q.mu.Lock()
	if q.cancelled.Load() {
		q.mu.Unlock()
		return
	}
	cleanupRunsTotal.Inc()

	var stale []*repository.RangeSubscription
	for key, ar := range q.ranges {
		if ar.active {
			continue
		}
		if ar.sub != nil {
			stale = append(stale, ar.sub)
		}
		delete(q.ranges, key)
	}

	var violation error
	for _, key := range q.sortedKeysLocked() {
		t := q.tracked[key]
		if q.geohashInSomeActiveRangeLocked(t.geohash) {
			continue
		}
		if t.inQuery {
			if violation == nil {
				violation = eris.Wrapf(model.ErrInvalidState,
					"internal state error: key %q is in query but geohash %s is not covered by any active range", key, t.geohash)
			}
			continue
		}
		delete(q.tracked, key)
	}
	q.cleanupScheduled = false
	remaining := len(q.ranges)
	q.mu.Unlock()

	for _, sub := range stale {
		sub.Stop()
		rangeSubscriptionsActive.Dec()
	}
	if len(stale) > 0 {
		q.logger.Debug("🧹 Stale ranges cleaned up", zap.Int("stopped", len(stale)), zap.Int("remaining", remaining))
	}
	if violation != nil {
		q.logger.Error("💥 Region index invariant violated", zap.Error(violation))
		panic(violation)
	}
}

// enqueueLocked イベントをその時点で登録済みのコールバックに宛てて配信待ちに積む
func (q *RegionIndex) enqueueLocked(ev Event) {
	eventsFiredTotal.WithLabelValues(string(ev.Type)).Inc()
	list := q.callbacks[ev.Type]
	if len(list) == 0 {
		return
	}
	entries := make([]*callbackEntry, len(list))
	copy(entries, list)
	q.pending = append(q.pending, notification{event: ev, entries: entries})
}

// drain 配信待ちのイベントを順番に配信する。配信中のゴルーチンが他にあれば任せて戻る
// Cancel された時点で残りは破棄する
func (q *RegionIndex) drain() {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true
	for {
		if q.cancelled.Load() || len(q.pending) == 0 {
			q.pending = nil
			q.draining = false
			q.mu.Unlock()
			return
		}
		n := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		for _, entry := range n.entries {
			if q.cancelled.Load() {
				break
			}
			q.deliver(entry, n.event)
		}
		q.mu.Lock()
	}
}

func (q *RegionIndex) deliver(entry *callbackEntry, ev Event) {
	if entry.removed.Load() {
		return
	}
	entry.stateMu.Lock()
	if entry.replaying {
		entry.backlog = append(entry.backlog, ev)
		entry.stateMu.Unlock()
		return
	}
	entry.stateMu.Unlock()
	q.call(entry, ev)
}

// call コールバックを呼ぶ。panic はログに残して握りつぶし、他のコールバックの配信を続ける
func (q *RegionIndex) call(entry *callbackEntry, ev Event) {
	if entry.removed.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			callbackPanicsTotal.Inc()
			q.logger.Error("❌ Callback panicked",
				zap.String("event", string(ev.Type)),
				zap.String("key", ev.Key),
				zap.String("panic", fmt.Sprint(r)))
		}
	}()
	entry.fn(ev)
}
