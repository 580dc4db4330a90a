package query

import (
	"sync"
	"time"
)

// scheduledTask 取り消しと再スケジュールができる遅延実行タスク
// 発火前に Schedule し直した場合は古いタイマーを止め、新しい遅延で1回だけ実行する
type scheduledTask struct {
	mu         sync.Mutex
	fn         func()
	timer      *time.Timer
	generation uint64
	stopped    bool
}

func newScheduledTask(fn func()) *scheduledTask {
	return &scheduledTask{fn: fn}
}

// Schedule d 後に実行する。停止済みなら何もしない
func (t *scheduledTask) Schedule(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.generation++
	gen := t.generation
	t.timer = time.AfterFunc(d, func() { t.fire(gen) })
}

func (t *scheduledTask) fire(gen uint64) {
	t.mu.Lock()
	if t.stopped || gen != t.generation {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	t.mu.Unlock()
	t.fn()
}

// Pending 実行待ちかどうか
func (t *scheduledTask) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timer != nil
}

// Stop 以降の実行を止める。何度呼んでもよい
func (t *scheduledTask) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.generation++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
