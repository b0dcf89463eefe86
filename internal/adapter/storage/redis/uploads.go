package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/embedplan/embedplan/internal/core/domain"
	"github.com/embedplan/embedplan/internal/core/port"
	"github.com/gofiber/storage/redis/v3"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Uploaded images expire on their own; tasks referencing an expired upload
// fail with an image-resolution error rather than planning on stale pixels.
const uploadTTL = 30 * time.Minute

type uploadStore struct {
	storage *redis.Storage
	log     *zap.Logger
}

// NewUploadStore creates the Redis-backed store for raw uploaded image bytes.
func NewUploadStore(storage *redis.Storage, log *zap.Logger) port.UploadStore {
	return &uploadStore{
		storage: storage,
		log:     log,
	}
}

func (s *uploadStore) Put(ctx context.Context, content []byte) (string, error) {
	if len(content) == 0 {
		return "", fmt.Errorf("empty upload")
	}

	id := uuid.NewString()
	if err := s.storage.Set(uploadKey(id), content, uploadTTL); err != nil {
		return "", err
	}

	s.log.Debug("Stored upload", zap.String("upload_id", id), zap.Int("bytes", len(content)))
	return id, nil
}

func (s *uploadStore) Get(ctx context.Context, id string) ([]byte, error) {
	content, err := s.storage.Get(uploadKey(id))
	if err != nil {
		return nil, err
	}
	if len(content) == 0 {
		return nil, fmt.Errorf("%w: upload %s", domain.ErrImageResolution, id)
	}
	return content, nil
}

func uploadKey(id string) string {
	return "upload:" + id
}
