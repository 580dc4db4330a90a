package repository

import (
	"sort"
	"sync"

	"GeoQuery-App/internal/codec"
	"GeoQuery-App/internal/domain/repository"
)

// rangeTracker 範囲購読ごとに「範囲内として通知済みのキー」を保持し、
// 生の書き込み通知を added / modified / removed に分類する
type rangeTracker struct {
	mu    sync.Mutex
	field string
	start string
	end   string
	seen  map[string]struct{}
}

func newRangeTracker(field, start, end string) *rangeTracker {
	return &rangeTracker{
		field: field,
		start: start,
		end:   end,
		seen:  make(map[string]struct{}),
	}
}

func (t *rangeTracker) inRange(data map[string]interface{}) bool {
	g, ok := codec.RecordGeohash(data, t.field)
	return ok && g >= t.start && g < t.end
}

// classify 書き込み後のデータから通知すべき変更を求める。data が nil なら削除
// 範囲と無関係な変更の場合は false を返す
func (t *rangeTracker) classify(key string, data map[string]interface{}) (repository.Change, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, wasSeen := t.seen[key]
	if data != nil && t.inRange(data) {
		t.seen[key] = struct{}{}
		if wasSeen {
			return repository.Change{Type: repository.ChangeModified, Key: key, Data: data}, true
		}
		return repository.Change{Type: repository.ChangeAdded, Key: key, Data: data}, true
	}
	if wasSeen {
		delete(t.seen, key)
		return repository.Change{Type: repository.ChangeRemoved, Key: key, Data: data}, true
	}
	return repository.Change{}, false
}

// resync 範囲内の全レコードを突き合わせ、取りこぼした変更を求める
// 通知が途切れた後の再接続時に使う
func (t *rangeTracker) resync(current map[string]map[string]interface{}) []repository.Change {
	keys := make([]string, 0, len(current))
	for key := range current {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var changes []repository.Change
	for _, key := range keys {
		if change, ok := t.classify(key, current[key]); ok {
			changes = append(changes, change)
		}
	}

	t.mu.Lock()
	var gone []string
	for key := range t.seen {
		if _, ok := current[key]; !ok {
			gone = append(gone, key)
		}
	}
	t.mu.Unlock()
	sort.Strings(gone)
	for _, key := range gone {
		if change, ok := t.classify(key, nil); ok {
			changes = append(changes, change)
		}
	}
	return changes
}

func cloneData(data map[string]interface{}) map[string]interface{} {
	if data == nil {
		return nil
	}
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		if l, ok := v.([]interface{}); ok {
			v = append([]interface{}(nil), l...)
		}
		out[k] = v
	}
	return out
}
