package objectstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // GCS driver
	_ "gocloud.dev/blob/memblob"  // mem:// driver
	_ "gocloud.dev/blob/s3blob"   // S3 driver
	"gocloud.dev/gcerrors"

	"github.com/withObsrvr/obsrvr-inventory-archiver/internal/command"
)

// BucketPlaceholder is replaced by the bucket name in a URL template.
const BucketPlaceholder = "{bucket}"

// S3URLTemplate builds an s3:// URL template. Works with AWS S3, Backblaze B2,
// Cloudflare R2, and MinIO.
func S3URLTemplate(region, endpoint string) string {
	template := "s3://" + BucketPlaceholder

	params := url.Values{}
	if region != "" {
		params.Set("region", region)
	}
	if endpoint != "" {
		params.Set("endpoint", endpoint)
		params.Set("s3ForcePathStyle", "true")
	}
	if len(params) > 0 {
		template = template + "?" + params.Encode()
	}
	return template
}

// BlobStore operates on buckets opened through gocloud.dev/blob. Buckets are
// opened on first use and cached by name.
type BlobStore struct {
	template string

	mu      sync.Mutex
	buckets map[string]*blob.Bucket
}

// NewBlobStore creates a store from a URL template containing {bucket}.
func NewBlobStore(template string) (*BlobStore, error) {
	if !strings.Contains(template, BucketPlaceholder) {
		return nil, fmt.Errorf("blob URL template %q has no %s placeholder", template, BucketPlaceholder)
	}
	return &BlobStore{
		template: template,
		buckets:  make(map[string]*blob.Bucket),
	}, nil
}

// Bucket returns the opened bucket named name.
func (s *BlobStore) Bucket(ctx context.Context, name string) (*blob.Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.buckets[name]; ok {
		return b, nil
	}

	bucketURL := strings.ReplaceAll(s.template, BucketPlaceholder, name)
	b, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, blobError("open bucket "+name, err)
	}
	s.buckets[name] = b
	return b, nil
}

// DeleteObjects deletes each key. Missing keys are ignored.
func (s *BlobStore) DeleteObjects(ctx context.Context, bucket string, keys []string) error {
	b, err := s.Bucket(ctx, bucket)
	if err != nil {
		return err
	}

	var failed []error
	for _, key := range keys {
		if err := b.Delete(ctx, key); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
			err = blobError("delete "+key, err)
			if command.IsFatal(err) {
				return err
			}
			failed = append(failed, err)
			if ctx.Err() != nil {
				break
			}
		}
	}
	return errors.Join(failed...)
}

// Exists reports whether key exists in bucket.
func (s *BlobStore) Exists(ctx context.Context, bucket, key string) (bool, error) {
	b, err := s.Bucket(ctx, bucket)
	if err != nil {
		return false, err
	}
	ok, err := b.Exists(ctx, key)
	if err != nil {
		return false, blobError("exists "+key, err)
	}
	return ok, nil
}

// Tag is not supported by the portable blob API.
func (s *BlobStore) Tag(context.Context, string, string, map[string]string) error {
	return ErrTaggingUnsupported
}

// Close closes every opened bucket.
func (s *BlobStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for name, b := range s.buckets {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close bucket %s: %w", name, err))
		}
		delete(s.buckets, name)
	}
	return errors.Join(errs...)
}

// blobError classifies a gocloud error.
func blobError(op string, err error) error {
	class := command.Transient
	if gcerrors.Code(err) == gcerrors.PermissionDenied {
		class = command.Fatal
	}
	return &command.Error{Op: op, Class: class, Err: err}
}
