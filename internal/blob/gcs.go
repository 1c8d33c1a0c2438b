package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
)

// GCS serves attachments from Google Cloud Storage buckets.
type GCS struct {
	client *storage.Client
}

// NewGCS builds a client from application default credentials.
func NewGCS(ctx context.Context) (*GCS, error) {
	creds, err := google.FindDefaultCredentials(ctx, storage.ScopeReadWrite)
	if err != nil {
		return nil, fmt.Errorf("resolve blob credentials: %w", err)
	}
	client, err := storage.NewClient(ctx, option.WithCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("create blob client: %w", err)
	}
	return &GCS{client: client}, nil
}

// NewGCSFromClient wraps an existing client, used by tests with a fake
// transport.
func NewGCSFromClient(client *storage.Client) *GCS {
	return &GCS{client: client}
}

// Put writes an object with the given content type.
func (g *GCS) Put(ctx context.Context, bucket, path, contentType string, r io.Reader) error {
	w := g.client.Bucket(bucket).Object(path).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return fmt.Errorf("write blob %s/%s: %w", bucket, path, err)
	}
	return w.Close()
}

// Delete removes an object; a missing object is treated as already deleted.
func (g *GCS) Delete(ctx context.Context, bucket, path string) error {
	err := g.client.Bucket(bucket).Object(path).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	return err
}

// SignedURL mints a V4 GET URL with the capped ttl.
func (g *GCS) SignedURL(_ context.Context, bucket, path string, ttl time.Duration) (string, error) {
	return g.client.Bucket(bucket).SignedURL(path, &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  http.MethodGet,
		Expires: time.Now().Add(clampTTL(ttl)),
	})
}

// Close releases the underlying client.
func (g *GCS) Close() error { return g.client.Close() }
