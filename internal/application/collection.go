package application

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"GeoQuery-App/internal/codec"
	"GeoQuery-App/internal/domain/geo"
	"GeoQuery-App/internal/domain/model"
	"GeoQuery-App/internal/domain/query"
	"GeoQuery-App/internal/domain/repository"
)

// Collection 位置レコードの読み書きと範囲クエリの作成を提供するサービス
type Collection interface {
	// Get キーの位置を取得。存在しない場合は model.ErrNotFound
	Get(ctx context.Context, key string) (model.Location, error)

	// Set キーの位置を保存。location が nil の場合は削除
	Set(ctx context.Context, key string, location *model.Location) error

	// SetMany 複数キーをまとめて保存。値が nil のキーは削除
	SetMany(ctx context.Context, locations map[string]*model.Location) error

	// Write 単一キー形式またはマッピング形式の書き込み要求を処理
	Write(ctx context.Context, req model.SetLocationsRequest) error

	// Remove キーを削除
	Remove(ctx context.Context, key string) error

	// Query 中心と半径で範囲クエリを作成
	Query(criteria model.QueryCriteria, opts ...query.Option) (*query.RegionIndex, error)
}

// collectionImpl Collectionの実装
type collectionImpl struct {
	store     repository.LocationStore
	logger    *zap.Logger
	queryOpts []query.Option
}

// CollectionOption Collectionの設定
type CollectionOption func(*collectionImpl)

func WithLogger(logger *zap.Logger) CollectionOption {
	return func(c *collectionImpl) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithQueryOptions Query で作成する全クエリに共通で渡すオプション
func WithQueryOptions(opts ...query.Option) CollectionOption {
	return func(c *collectionImpl) {
		c.queryOpts = append(c.queryOpts, opts...)
	}
}

// NewCollection Collectionの新しいインスタンスを作成
func NewCollection(store repository.LocationStore, opts ...CollectionOption) Collection {
	c := &collectionImpl{
		store:  store,
		logger: zap.L(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("collection")
	return c
}

// Distance 2地点間の距離（km）
func Distance(a, b model.Location) (float64, error) {
	if err := codec.ValidateLocation(a); err != nil {
		return 0, err
	}
	if err := codec.ValidateLocation(b); err != nil {
		return 0, err
	}
	return geo.Distance(a, b), nil
}

func (c *collectionImpl) Get(ctx context.Context, key string) (model.Location, error) {
	if err := codec.ValidateKey(key); err != nil {
		return model.Location{}, err
	}
	data, err := c.store.Get(ctx, key)
	if err != nil {
		return model.Location{}, err
	}
	location, err := codec.DecodeRecord(data)
	if err != nil {
		return model.Location{}, eris.Wrapf(err, "location %q", key)
	}
	return location, nil
}

func (c *collectionImpl) Set(ctx context.Context, key string, location *model.Location) error {
	if err := codec.ValidateKey(key); err != nil {
		return err
	}
	if location == nil {
		return c.store.Delete(ctx, key)
	}
	record, err := encode(*location)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, key, record, false)
}

// SetMany 全キー・全位置を検証してから1回のバッチ書き込みで反映する
func (c *collectionImpl) SetMany(ctx context.Context, locations map[string]*model.Location) error {
	if len(locations) == 0 {
		return nil
	}
	keys := make([]string, 0, len(locations))
	for key := range locations {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	writes := make([]repository.Write, 0, len(keys))
	for _, key := range keys {
		if err := codec.ValidateKey(key); err != nil {
			return err
		}
		w := repository.Write{Key: key}
		if loc := locations[key]; loc != nil {
			record, err := encode(*loc)
			if err != nil {
				return err
			}
			w.Record = &record
		}
		writes = append(writes, w)
	}

	if err := c.store.BatchWrite(ctx, writes); err != nil {
		return err
	}
	c.logger.Debug("batch written", zap.Int("writes", len(writes)))
	return nil
}

func (c *collectionImpl) Write(ctx context.Context, req model.SetLocationsRequest) error {
	hasSingle := req.Key != "" || req.Location != nil
	switch {
	case hasSingle && req.Locations != nil:
		return eris.Wrap(model.ErrInvalidArgument, "invalid request: key and location cannot be combined with a locations mapping")
	case req.Locations != nil:
		return c.SetMany(ctx, req.Locations)
	default:
		return c.Set(ctx, req.Key, req.Location)
	}
}

func (c *collectionImpl) Remove(ctx context.Context, key string) error {
	return c.Set(ctx, key, nil)
}

func (c *collectionImpl) Query(criteria model.QueryCriteria, opts ...query.Option) (*query.RegionIndex, error) {
	all := make([]query.Option, 0, len(c.queryOpts)+len(opts)+1)
	all = append(all, query.WithLogger(c.logger.Named("query")))
	all = append(all, c.queryOpts...)
	all = append(all, opts...)
	return query.New(c.store, criteria, all...)
}

func encode(location model.Location) (model.Record, error) {
	geohash, err := geo.EncodeGeohash(location, geo.DefaultPrecision)
	if err != nil {
		return model.Record{}, err
	}
	return codec.EncodeRecord(location, geohash)
}
