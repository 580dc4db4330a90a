package repository

import (
	"context"

	"cloud.google.com/go/firestore"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"GeoQuery-App/internal/domain/model"
	"GeoQuery-App/internal/domain/repository"
)

// FirestoreLocationStore Firestoreのコレクションを使ったLocationStore実装
// 範囲購読はクエリのスナップショットリスナーで実現する
type FirestoreLocationStore struct {
	client     *firestore.Client
	collection string
	logger     *zap.Logger
}

// NewFirestoreLocationStore 新しいFirestoreLocationStoreインスタンスを作成
func NewFirestoreLocationStore(client *firestore.Client, collection string, logger *zap.Logger) *FirestoreLocationStore {
	if logger == nil {
		logger = zap.L()
	}
	return &FirestoreLocationStore{
		client:     client,
		collection: collection,
		logger:     logger.Named("firestore_store"),
	}
}

var _ repository.LocationStore = (*FirestoreLocationStore)(nil)

func (s *FirestoreLocationStore) ref() *firestore.CollectionRef {
	return s.client.Collection(s.collection)
}

func (s *FirestoreLocationStore) Get(ctx context.Context, key string) (map[string]interface{}, error) {
	doc, err := s.ref().Doc(key).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, eris.Wrapf(model.ErrNotFound, "location %q", key)
		}
		return nil, err
	}
	return doc.Data(), nil
}

func (s *FirestoreLocationStore) Set(ctx context.Context, key string, record model.Record, merge bool) error {
	var err error
	if merge {
		_, err = s.ref().Doc(key).Set(ctx, record.Map(), firestore.MergeAll)
	} else {
		_, err = s.ref().Doc(key).Set(ctx, record.Map())
	}
	if err != nil {
		s.logger.Error("❌ Failed to save location", zap.String("key", key), zap.Error(err))
	}
	return err
}

func (s *FirestoreLocationStore) Delete(ctx context.Context, key string) error {
	_, err := s.ref().Doc(key).Delete(ctx)
	return err
}

// BatchWrite WriteBatch で1回のコミットにまとめる
func (s *FirestoreLocationStore) BatchWrite(ctx context.Context, writes []repository.Write) error {
	if len(writes) == 0 {
		return nil
	}
	batch := s.client.Batch()
	for _, w := range writes {
		doc := s.ref().Doc(w.Key)
		if w.Record == nil {
			batch.Delete(doc)
			continue
		}
		batch.Set(doc, w.Record.Map(), firestore.MergeAll)
	}
	if _, err := batch.Commit(ctx); err != nil {
		s.logger.Error("❌ Failed to commit location batch", zap.Int("writes", len(writes)), zap.Error(err))
		return err
	}
	return nil
}

// SubscribeRange field の昇順で [start, end) を購読する
// 最初のスナップショットの変更を全て通知した後に onSnapshot を呼ぶ
func (s *FirestoreLocationStore) SubscribeRange(ctx context.Context, field, start, end string, onChange func(repository.Change), onSnapshot func()) (*repository.RangeSubscription, error) {
	query := s.ref().
		OrderByPath(firestore.FieldPath{field}, firestore.Asc).
		StartAt(start).
		EndBefore(end)

	subCtx, cancel := context.WithCancel(ctx)
	sink := newSubscriptionSink(onChange, onSnapshot)
	iter := query.Snapshots(subCtx)

	go func() {
		defer iter.Stop()
		for {
			snap, err := iter.Next()
			if err != nil {
				if subCtx.Err() != nil || status.Code(err) == codes.Canceled {
					return
				}
				s.logger.Error("❌ Range listener failed",
					zap.String("start", start),
					zap.String("end", end),
					zap.Error(err))
				return
			}
			for _, change := range snap.Changes {
				sink.change(repository.Change{
					Type: changeTypeFromFirestore(change.Kind),
					Key:  change.Doc.Ref.ID,
					Data: change.Doc.Data(),
				})
			}
			sink.snapshot()
		}
	}()

	return sink.subscription(cancel), nil
}

func changeTypeFromFirestore(kind firestore.DocumentChangeKind) repository.ChangeType {
	switch kind {
	case firestore.DocumentAdded:
		return repository.ChangeAdded
	case firestore.DocumentModified:
		return repository.ChangeModified
	default:
		return repository.ChangeRemoved
	}
}
