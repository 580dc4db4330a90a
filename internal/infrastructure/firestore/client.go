package firestore

import (
	"context"
	"os"

	"cloud.google.com/go/firestore"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

type FirestoreClient struct {
	client *firestore.Client
}

// NewFirestoreClient Firestoreクライアントを作成
// credentialsFile が空または存在しない場合はデフォルト認証（Cloud Run・エミュレータ）を使う
func NewFirestoreClient(ctx context.Context, projectID, credentialsFile string, logger *zap.Logger) (*FirestoreClient, error) {
	if logger == nil {
		logger = zap.L()
	}
	if projectID == "" {
		return nil, eris.New("firestore project id is required")
	}

	var opts []option.ClientOption
	switch {
	case os.Getenv("FIRESTORE_EMULATOR_HOST") != "":
		logger.Info("🧪 Firestore emulator detected", zap.String("host", os.Getenv("FIRESTORE_EMULATOR_HOST")))
	case os.Getenv("K_SERVICE") != "":
		// Cloud Run環境ではデフォルト認証を使用
		logger.Info("☁️ Cloud Run environment: using default credentials")
	case credentialsFile != "":
		if _, err := os.Stat(credentialsFile); err != nil {
			logger.Warn("⚠️ Credentials file not found, trying with default authentication", zap.String("file", credentialsFile))
		} else {
			logger.Info("📄 Using credentials file", zap.String("file", credentialsFile))
			opts = append(opts, option.WithCredentialsFile(credentialsFile))
		}
	}

	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, eris.Wrap(err, "failed to create Firestore client")
	}
	logger.Info("✅ Firestore client initialized", zap.String("project", projectID))

	return &FirestoreClient{client: client}, nil
}

func (fc *FirestoreClient) Close() error {
	return fc.client.Close()
}

func (fc *FirestoreClient) GetClient() *firestore.Client {
	return fc.client
}
