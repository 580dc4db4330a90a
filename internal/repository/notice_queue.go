package repository

import (
	"sync"
	"sync/atomic"

	"GeoQuery-App/internal/domain/repository"
)

// noticeQueue 購読ごとの通知キュー。push した順に専用ゴルーチンで1件ずつ実行する
// push はブロックしないため、書き込み側のロックを保持したまま呼べる
type noticeQueue struct {
	mu        sync.Mutex
	items     []func()
	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newNoticeQueue() *noticeQueue {
	q := &noticeQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *noticeQueue) push(fn func()) {
	q.mu.Lock()
	select {
	case <-q.done:
		q.mu.Unlock()
		return
	default:
	}
	q.items = append(q.items, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *noticeQueue) run() {
	for {
		select {
		case <-q.done:
			return
		case <-q.wake:
		}
		for {
			q.mu.Lock()
			if len(q.items) == 0 {
				q.mu.Unlock()
				break
			}
			fn := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()

			select {
			case <-q.done:
				return
			default:
			}
			fn()
		}
	}
}

// close 以降の通知を破棄する。実行中の通知の完了は待たない
func (q *noticeQueue) close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.items = nil
		close(q.done)
		q.mu.Unlock()
	})
}

// subscriptionSink 変更通知とスナップショット完了通知を個別に停止できる配信先
type subscriptionSink struct {
	queue           *noticeQueue
	onChange        func(repository.Change)
	onSnapshot      func()
	changesStopped  atomic.Bool
	snapshotStopped atomic.Bool
	snapshotSent    atomic.Bool
}

func newSubscriptionSink(onChange func(repository.Change), onSnapshot func()) *subscriptionSink {
	return &subscriptionSink{
		queue:      newNoticeQueue(),
		onChange:   onChange,
		onSnapshot: onSnapshot,
	}
}

func (s *subscriptionSink) change(c repository.Change) {
	s.queue.push(func() {
		if !s.changesStopped.Load() {
			s.onChange(c)
		}
	})
}

// snapshot 初回スナップショットの完了を1度だけ通知する
func (s *subscriptionSink) snapshot() {
	if s.snapshotSent.Swap(true) {
		return
	}
	s.queue.push(func() {
		if !s.snapshotStopped.Load() {
			s.onSnapshot()
		}
	})
}

func (s *subscriptionSink) stopChanges() {
	s.changesStopped.Store(true)
	s.closeIfIdle()
}

func (s *subscriptionSink) stopSnapshot() {
	s.snapshotStopped.Store(true)
	s.closeIfIdle()
}

func (s *subscriptionSink) stopped() bool {
	return s.changesStopped.Load() && s.snapshotStopped.Load()
}

func (s *subscriptionSink) closeIfIdle() {
	if s.stopped() {
		s.queue.close()
	}
}

// subscription 停止関数を組み立てる。release は両方停止した時点で1度だけ呼ばれる
func (s *subscriptionSink) subscription(release func()) *repository.RangeSubscription {
	var once sync.Once
	finish := func() {
		if s.stopped() && release != nil {
			once.Do(release)
		}
	}
	return &repository.RangeSubscription{
		StopChanges: func() {
			s.stopChanges()
			finish()
		},
		StopSnapshot: func() {
			s.stopSnapshot()
			finish()
		},
	}
}
