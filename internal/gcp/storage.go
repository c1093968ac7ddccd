package gcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GetEnv is a helper to read an environment variable or return a default value.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// resolveStorageCredentials walks the fixed credential priority chain and
// returns the client options for the first satisfied source:
//  1. GCS_CLIENT_EMAIL + GCS_PRIVATE_KEY (explicit key pair)
//  2. GCS_CREDENTIALS_JSON (inline service account JSON)
//  3. GCS_CREDENTIALS_FILE (path to a credentials file)
//  4. ambient application-default credentials
func resolveStorageCredentials() []option.ClientOption {
	email := os.Getenv("GCS_CLIENT_EMAIL")
	key := os.Getenv("GCS_PRIVATE_KEY")
	if email != "" && key != "" {
		creds, err := json.Marshal(map[string]string{
			"type":         "service_account",
			"client_email": email,
			"private_key":  key,
			"token_uri":    "https://oauth2.googleapis.com/token",
		})
		if err == nil {
			slog.Info("Storage credentials resolved from key-pair env vars.")
			return []option.ClientOption{option.WithCredentialsJSON(creds)}
		}
		slog.Warn("Failed to assemble key-pair credentials, falling through.", "error", err)
	}
	if blob := os.Getenv("GCS_CREDENTIALS_JSON"); blob != "" {
		slog.Info("Storage credentials resolved from inline JSON env var.")
		return []option.ClientOption{option.WithCredentialsJSON([]byte(blob))}
	}
	if path := os.Getenv("GCS_CREDENTIALS_FILE"); path != "" {
		slog.Info("Storage credentials resolved from credentials file.", "path", path)
		return []option.ClientOption{option.WithCredentialsFile(path)}
	}
	return nil
}

// NewStorageClient creates a Cloud Storage client using the credential chain.
func NewStorageClient(ctx context.Context) (*storage.Client, error) {
	client, err := storage.NewClient(ctx, resolveStorageCredentials()...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return client, nil
}

// Bridge exposes upload/download/delete of binary blobs against a single
// bucket. All paths are object names within that bucket.
type Bridge struct {
	client *storage.Client
	bucket string
}

// NewBridge wraps an existing storage client and bucket name.
func NewBridge(client *storage.Client, bucket string) *Bridge {
	return &Bridge{client: client, bucket: bucket}
}

// Bucket returns the bucket this bridge operates on.
func (b *Bridge) Bucket() string {
	return b.bucket
}

// URI returns the gs:// URI for an object in the bridge's bucket.
func (b *Bridge) URI(object string) string {
	return fmt.Sprintf("gs://%s/%s", b.bucket, object)
}

// Upload copies a local file to the bucket. Transient failures are retried
// with doubling backoff; each attempt has its own write deadline.
func (b *Bridge) Upload(ctx context.Context, localPath, object string) error {
	const maxRetries = 4
	var backoff = 1 * time.Second
	var lastErr error

	for i := 0; i < maxRetries; i++ {
		err := func() error {
			localFile, err := os.Open(localPath)
			if err != nil {
				return fmt.Errorf("could not open local file %s: %w", localPath, err)
			}
			defer localFile.Close()

			writeCtx, cancel := context.WithTimeout(ctx, 50*time.Second)
			defer cancel()

			w := b.client.Bucket(b.bucket).Object(object).NewWriter(writeCtx)
			if _, err := io.Copy(w, localFile); err != nil {
				_ = w.Close()
				return fmt.Errorf("io.Copy to GCS failed: %w", err)
			}
			if err := w.Close(); err != nil {
				return fmt.Errorf("failed to finalize upload: %w", err)
			}
			return nil
		}()

		if err == nil {
			return nil
		}
		lastErr = err
		slog.Warn("Upload failed, will retry.",
			"gcsObject", object,
			"attempt", i+1,
			"maxRetries", maxRetries,
			"backoff", backoff.String(),
			"error", err,
		)
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			slog.Error("Context cancelled during backoff. Aborting retries.", "gcsObject", object, "error", ctx.Err())
			return ctx.Err()
		}
	}
	return fmt.Errorf("upload for %s failed after all retries: %w", object, lastErr)
}

// Download streams an object from the bucket to a local file.
func (b *Bridge) Download(ctx context.Context, object, localPath string) error {
	r, err := b.client.Bucket(b.bucket).Object(object).NewReader(ctx)
	if err != nil {
		return fmt.Errorf("failed to get object reader for gs://%s/%s: %w", b.bucket, object, err)
	}
	defer r.Close()

	localFile, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create local file at %s: %w", localPath, err)
	}
	defer localFile.Close()

	if _, err := io.Copy(localFile, r); err != nil {
		return fmt.Errorf("failed to copy object to local file: %w", err)
	}
	return nil
}

// Delete removes an object from the bucket. An already-deleted object is an
// acceptable outcome; all other errors propagate.
func (b *Bridge) Delete(ctx context.Context, object string) error {
	err := b.client.Bucket(b.bucket).Object(object).Delete(ctx)
	if err == nil || errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == 404 {
		return nil
	}
	return fmt.Errorf("failed to delete gs://%s/%s: %w", b.bucket, object, err)
}
