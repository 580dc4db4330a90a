package repository

import (
	"context"

	"GeoQuery-App/internal/domain/model"
)

// ChangeType 範囲購読で通知される変更の種類
type ChangeType int

const (
	ChangeAdded ChangeType = iota
	ChangeModified
	ChangeRemoved
)

func (t ChangeType) String() string {
	switch t {
	case ChangeAdded:
		return "added"
	case ChangeModified:
		return "modified"
	case ChangeRemoved:
		return "removed"
	}
	return "unknown"
}

// Change 購読範囲内のレコード変更通知
// ChangeRemoved の場合、Data は範囲外へ移動した後のデータか nil（削除）
type Change struct {
	Type ChangeType
	Key  string
	Data map[string]interface{}
}

// Write 一括書き込みの1件分。Record が nil なら削除
type Write struct {
	Key    string
	Record *model.Record
}

// RangeSubscription 範囲購読の停止関数。どちらも何度呼んでもよい
type RangeSubscription struct {
	StopChanges  func()
	StopSnapshot func()
}

// Stop 両方の購読を停止する
func (s *RangeSubscription) Stop() {
	if s == nil {
		return
	}
	if s.StopChanges != nil {
		s.StopChanges()
	}
	if s.StopSnapshot != nil {
		s.StopSnapshot()
	}
}

// LocationStore キーから位置レコードへのマッピングを保持するストレージ
//
// SubscribeRange は field の値が [start, end) に入るレコードの変更を onChange に通知し、
// 初回スナップショットの配信が終わった時点で onSnapshot を1度だけ呼ぶ。
// コールバックは SubscribeRange の呼び出し中には呼ばれず、常に別のゴルーチンから届く。
// 既存レコードは初回スナップショットで ChangeAdded として通知される。
type LocationStore interface {
	// Get レコードを取得する。存在しない場合は model.ErrNotFound
	Get(ctx context.Context, key string) (map[string]interface{}, error)
	Set(ctx context.Context, key string, record model.Record, merge bool) error
	Delete(ctx context.Context, key string) error
	// BatchWrite 複数の書き込みをまとめて適用する（merge 扱い）
	BatchWrite(ctx context.Context, writes []Write) error
	SubscribeRange(ctx context.Context, field, start, end string, onChange func(Change), onSnapshot func()) (*RangeSubscription, error)
}
