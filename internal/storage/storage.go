// Package storage mirrors completed downloads to remote object storage.
package storage

import (
	"context"
	"time"
)

// ObjectInfo describes one mirrored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified *time.Time
}

// UploadOptions conveys the mirror destination.
type UploadOptions struct {
	Bucket    string
	KeyPrefix string
	// ProgressCallback fires with cumulative uploaded bytes, throttled so
	// large course trees do not flood the caller.
	ProgressCallback func(done, total int64)
}

// Service uploads finished course directories and exposes what was mirrored.
type Service interface {
	UploadDirectory(ctx context.Context, localPath string, opts UploadOptions) (string, error)
	ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)
	DeletePrefix(ctx context.Context, bucket, prefix string) error
	GetObjectURL(ctx context.Context, bucket, key string, expires time.Duration) (string, error)
}
