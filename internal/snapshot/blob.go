package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"altar/api/internal/blob"
)

// BlobStore keeps snapshots as JSON objects in a bucket.
type BlobStore struct {
	bucket blob.Bucket
}

func NewBlobStore(bucket blob.Bucket) *BlobStore {
	return &BlobStore{bucket: bucket}
}

func (s *BlobStore) Load(ctx context.Context, roomID string) ([]byte, error) {
	obj, err := s.bucket.Get(ctx, Key(roomID))
	if err != nil {
		return nil, err
	}
	defer obj.Body.Close()
	data, err := io.ReadAll(obj.Body)
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", roomID, err)
	}
	return data, nil
}

func (s *BlobStore) Save(ctx context.Context, roomID string, data []byte) error {
	return s.bucket.Put(ctx, Key(roomID), "application/json", bytes.NewReader(data), int64(len(data)))
}

func (s *BlobStore) Ping(ctx context.Context) error {
	return s.bucket.Ping(ctx)
}
