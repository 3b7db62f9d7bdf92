package snapshot

import (
	"strings"

	"altar/api/internal/blob"
)

type Options struct {
	Backend  string
	Dir      string
	RedisURL string
	Bucket   blob.Bucket
}

// Open builds the configured backend. The s3 backend shares the asset bucket.
func Open(opts Options) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", "s3", "blob":
		if opts.Bucket == nil {
			return nil, unsupportedBackend("s3 (no bucket configured)")
		}
		return NewBlobStore(opts.Bucket), nil
	case "redis":
		return NewRedisStore(opts.RedisURL)
	case "git":
		return NewGitStore(opts.Dir)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, unsupportedBackend(opts.Backend)
	}
}
