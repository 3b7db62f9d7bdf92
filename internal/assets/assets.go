// Package assets stores uploaded media content-addressed by its BLAKE3 hash.
package assets

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"

	"altar/api/internal/apperr"
	"altar/api/internal/blob"
)

const DefaultMaxBytes int64 = 10 << 20

// ErrTooLarge is an invalid-input error reported as 413 rather than 400.
var ErrTooLarge = fmt.Errorf("payload too large: %w", apperr.ErrInvalidInput)

var allowedTypes = map[string]struct{}{
	"image/jpeg":      {},
	"image/png":       {},
	"image/gif":       {},
	"image/svg+xml":   {},
	"image/webp":      {},
	"video/mp4":       {},
	"video/webm":      {},
	"video/quicktime": {},
}

type Asset struct {
	ID          string `json:"id"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	URL         string `json:"url"`
}

// ETag is the strong validator for the asset's bytes.
func (a Asset) ETag() string {
	return ETag(a.ID)
}

func ETag(id string) string {
	return `"` + id + `"`
}

type Service struct {
	bucket   blob.Bucket
	maxBytes int64
	log      zerolog.Logger
}

func NewService(bucket blob.Bucket, maxBytes int64, log zerolog.Logger) *Service {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Service{bucket: bucket, maxBytes: maxBytes, log: log.With().Str("component", "assets").Logger()}
}

func (s *Service) MaxBytes() int64 {
	return s.maxBytes
}

// NormalizeContentType returns the bare media type when it is allowed.
func NormalizeContentType(contentType string) (string, error) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", apperr.InvalidInput("unparseable content type %q", contentType)
	}
	mediaType = strings.ToLower(mediaType)
	if _, ok := allowedTypes[mediaType]; !ok {
		return "", apperr.InvalidInput("content type %s is not allowed", mediaType)
	}
	return mediaType, nil
}

// CheckDeclared validates what the caller declared before any of the body
// is read. size < 0 means unknown.
func (s *Service) CheckDeclared(contentType string, size int64) (string, error) {
	mediaType, err := NormalizeContentType(contentType)
	if err != nil {
		return "", err
	}
	if size > s.maxBytes {
		return "", fmt.Errorf("declared %d bytes, limit %d: %w", size, s.maxBytes, ErrTooLarge)
	}
	return mediaType, nil
}

// Store ingests body. Uploading bytes that are already stored returns the
// existing asset, with the content type recorded by the first upload.
func (s *Service) Store(ctx context.Context, contentType string, size int64, body io.Reader) (Asset, error) {
	mediaType, err := s.CheckDeclared(contentType, size)
	if err != nil {
		return Asset{}, err
	}

	data, err := io.ReadAll(io.LimitReader(body, s.maxBytes+1))
	if err != nil {
		return Asset{}, apperr.InvalidInput("read upload: %v", err)
	}
	if int64(len(data)) > s.maxBytes {
		return Asset{}, fmt.Errorf("body exceeds %d bytes: %w", s.maxBytes, ErrTooLarge)
	}
	if size >= 0 && int64(len(data)) != size {
		return Asset{}, apperr.InvalidInput("declared %d bytes, received %d", size, len(data))
	}
	if len(data) == 0 {
		return Asset{}, apperr.InvalidInput("upload is empty")
	}

	sum := blake3.Sum256(data)
	asset := Asset{
		ID:          hex.EncodeToString(sum[:]),
		ContentType: mediaType,
		Size:        int64(len(data)),
	}
	asset.URL = "/assets/" + asset.ID

	if existing, err := s.bucket.Stat(ctx, objectKey(asset.ID)); err == nil {
		if existing.ContentType != "" {
			asset.ContentType = existing.ContentType
		}
		s.log.Debug().Str("asset", asset.ID).Msg("asset already stored")
		return asset, nil
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return Asset{}, err
	}

	if err := s.bucket.Put(ctx, objectKey(asset.ID), mediaType, bytes.NewReader(data), asset.Size); err != nil {
		return Asset{}, err
	}
	s.log.Info().Str("asset", asset.ID).Str("content_type", mediaType).Int64("bytes", asset.Size).Msg("asset stored")
	return asset, nil
}

// Retrieve opens a stored asset. The caller closes the returned body.
func (s *Service) Retrieve(ctx context.Context, id string) (blob.Object, error) {
	if !validID(id) {
		return blob.Object{}, apperr.NotFound("asset %s", id)
	}
	return s.bucket.Get(ctx, objectKey(id))
}

func objectKey(id string) string {
	return "assets/" + id
}

func validID(id string) bool {
	if len(id) != 64 {
		return false
	}
	_, err := hex.DecodeString(id)
	return err == nil && strings.ToLower(id) == id
}
