// Package objectstore provides a readiness probe against the Object Store
// backing Pattern C offloads. The Router never reads or writes dataset
// bytes through this client (spec.md §4.5: "the Router never touches the
// bytes") — its only job is to answer "is the bucket reachable" for the
// liveness endpoint.
package objectstore

import (
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Client wraps a minio-go client scoped to one bucket.
type Client struct {
	mc     *minio.Client
	bucket string
}

// Config names the Object Store endpoint and bucket from spec.md §6's
// configuration table (object_store_url) plus the SPEC_FULL.md addition
// object_store_bucket.
type Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// New constructs a Client. It does not contact the endpoint; use Ready to
// probe liveness.
func New(cfg Config) (*Client, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore: construct client: %w", err)
	}
	return &Client{mc: mc, bucket: cfg.Bucket}, nil
}

// Ready reports whether the configured bucket exists and is reachable. It is
// the readiness check wired into the Router's /healthz handler
// (router.Options.Ready).
func (c *Client) Ready(ctx context.Context) error {
	ok, err := c.mc.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("objectstore: bucket check failed: %w", err)
	}
	if !ok {
		return fmt.Errorf("objectstore: bucket %q does not exist", c.bucket)
	}
	return nil
}
