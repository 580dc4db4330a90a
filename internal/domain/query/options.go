package query

import (
	"context"
	"time"

	"go.uber.org/zap"

	"GeoQuery-App/internal/domain/model"
)

const (
	DefaultCleanupInterval        = 10 * time.Second
	DefaultCleanupDebounce        = 10 * time.Millisecond
	DefaultMaxRangesBeforeCleanup = 25
)

type options struct {
	logger                 *zap.Logger
	cleanupInterval        time.Duration
	cleanupDebounce        time.Duration
	maxRangesBeforeCleanup int
	orderField             string
	ctx                    context.Context
}

// Option RegionIndex の設定
type Option func(*options)

func defaultOptions() options {
	return options{
		logger:                 zap.L(),
		cleanupInterval:        DefaultCleanupInterval,
		cleanupDebounce:        DefaultCleanupDebounce,
		maxRangesBeforeCleanup: DefaultMaxRangesBeforeCleanup,
		orderField:             model.GeohashField,
		ctx:                    context.Background(),
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithCleanupInterval 不要になった範囲購読を定期的に片付ける間隔
func WithCleanupInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.cleanupInterval = d
		}
	}
}

// WithCleanupDebounce 購読数が上限を超えたときに前倒しで片付けるまでの遅延
func WithCleanupDebounce(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.cleanupDebounce = d
		}
	}
}

func WithMaxRangesBeforeCleanup(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxRangesBeforeCleanup = n
		}
	}
}

// WithOrderField 範囲購読で並び順に使うフィールド（"g" または ".priority"）
func WithOrderField(field string) Option {
	return func(o *options) {
		if field != "" {
			o.orderField = field
		}
	}
}

// WithContext 購読と再取得に使う親コンテキスト。キャンセルされると購読も止まる
func WithContext(ctx context.Context) Option {
	return func(o *options) {
		if ctx != nil {
			o.ctx = ctx
		}
	}
}
