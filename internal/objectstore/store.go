// Package objectstore deletes, checks and tags objects in the buckets an
// inventory describes.
//
// Two backends exist: CLIStore shells out to the aws CLI, BlobStore talks to
// buckets in-process through gocloud.dev/blob. Both report failures as
// *command.Error so callers can classify them with command.ClassOf.
package objectstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/withObsrvr/obsrvr-inventory-archiver/internal/command"
)

// ErrTaggingUnsupported is returned by backends that cannot tag objects.
var ErrTaggingUnsupported = errors.New("object tagging not supported by backend")

// Store abstracts the object operations used by the archive and cleanup phases.
type Store interface {
	// DeleteObjects removes keys from bucket. Deleting a missing key succeeds.
	DeleteObjects(ctx context.Context, bucket string, keys []string) error

	// Exists reports whether bucket/key exists.
	Exists(ctx context.Context, bucket, key string) (bool, error)

	// Tag replaces the tag set of bucket/key.
	Tag(ctx context.Context, bucket, key string, tags map[string]string) error

	// Close releases any resources.
	Close() error
}

// Config configures the object store backend.
type Config struct {
	Backend string // "cli" | "blob"

	// CLI backend
	AWSPath string // aws binary, default "aws"

	// Blob backend. URLTemplate holds a {bucket} placeholder, e.g.
	// "s3://{bucket}?region=us-east-1", "gs://{bucket}", "file:///srv/{bucket}".
	// When empty an s3:// URL is built from Region and Endpoint.
	URLTemplate string

	// Common
	Region   string
	Endpoint string // custom endpoint for MinIO/R2/B2
}

// New creates a Store based on configuration. runner is used by the CLI backend.
func New(cfg Config, runner command.Runner) (Store, error) {
	switch cfg.Backend {
	case "", "cli":
		if runner == nil {
			runner = command.ExecRunner{}
		}
		return NewCLIStore(cfg.AWSPath, cfg.Region, cfg.Endpoint, runner), nil
	case "blob":
		template := cfg.URLTemplate
		if template == "" {
			template = S3URLTemplate(cfg.Region, cfg.Endpoint)
		}
		return NewBlobStore(template)
	default:
		return nil, fmt.Errorf("unknown object store backend: %s", cfg.Backend)
	}
}
