package query

import (
	"sync"
	"sync/atomic"

	"github.com/rotisserie/eris"

	"GeoQuery-App/internal/domain/model"
)

// EventType RegionIndex が発火するイベントの種類
type EventType string

const (
	EventReady      EventType = "ready"
	EventKeyEntered EventType = "key_entered"
	EventKeyExited  EventType = "key_exited"
	EventKeyMoved   EventType = "key_moved"
)

// ParseEventType 文字列からイベント種別を得る
func ParseEventType(s string) (EventType, error) {
	switch t := EventType(s); t {
	case EventReady, EventKeyEntered, EventKeyExited, EventKeyMoved:
		return t, nil
	}
	return "", eris.Wrapf(model.ErrInvalidArgument,
		"event type must be \"ready\", \"key_entered\", \"key_exited\", or \"key_moved\", got %q", s)
}

// Event コールバックに渡されるイベント
// ready では Key と Location は空。削除による key_exited では Location と Distance が nil
type Event struct {
	Type     EventType       `json:"type"`
	Key      string          `json:"key,omitempty"`
	Location *model.Location `json:"location,omitempty"`
	Distance *float64        `json:"distance,omitempty"`
}

// callbackEntry 登録済みコールバック1件
// 登録直後のリプレイ中に届いた通常配信は backlog に積み、リプレイ後に順番通り渡す
type callbackEntry struct {
	fn      func(Event)
	typ     EventType
	index   *RegionIndex
	removed atomic.Bool

	stateMu   sync.Mutex
	replaying bool
	backlog   []Event
}

// CallbackRegistration On が返す登録解除用ハンドル
type CallbackRegistration struct {
	entry *callbackEntry
	once  sync.Once
}

// Cancel このコールバックだけを登録解除する。2回目以降は何もしない
func (r *CallbackRegistration) Cancel() {
	if r == nil || r.entry == nil {
		return
	}
	r.once.Do(func() {
		r.entry.removed.Store(true)
		r.entry.index.removeCallback(r.entry)
	})
}
