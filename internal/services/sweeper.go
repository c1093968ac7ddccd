package services

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/el-tahir/audio-manga-sub000/internal/gcp"
)

// SweeperConfig holds configuration for the ephemeral-blob sweeper.
type SweeperConfig struct {
	ChapterBucket string
	TempPrefix    string
	MaxAge        time.Duration
}

// SweeperFunction garbage-collects packaged chapter archives that were left
// behind by partial failures (for example an enqueue failure after a
// successful upload) once they age past the threshold.
type SweeperFunction struct {
	client *storage.Client
	bridge *gcp.Bridge
	config SweeperConfig
}

// NewSweeper creates a SweeperFunction from the environment.
func NewSweeper(ctx context.Context) (*SweeperFunction, error) {
	chapterBucket := gcp.GetEnv("CHAPTER_BUCKET", "")
	if chapterBucket == "" {
		return nil, fmt.Errorf("CHAPTER_BUCKET environment variable must be set")
	}
	maxAgeHours, err := strconv.Atoi(gcp.GetEnv("SWEEP_MAX_AGE_HOURS", "24"))
	if err != nil || maxAgeHours <= 0 {
		return nil, fmt.Errorf("SWEEP_MAX_AGE_HOURS must be a positive integer")
	}

	client, err := gcp.NewStorageClient(ctx)
	if err != nil {
		return nil, err
	}

	return &SweeperFunction{
		client: client,
		bridge: gcp.NewBridge(client, chapterBucket),
		config: SweeperConfig{
			ChapterBucket: chapterBucket,
			TempPrefix:    gcp.GetEnv("TEMP_ARCHIVE_PREFIX", "tmp/chapters"),
			MaxAge:        time.Duration(maxAgeHours) * time.Hour,
		},
	}, nil
}

// Process scans the ephemeral namespace and deletes every object older than
// the configured age. Individual delete failures are logged and skipped so
// one stuck object cannot stall the sweep.
func (f *SweeperFunction) Process(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-f.config.MaxAge)
	logCtx := slog.With("bucket", f.config.ChapterBucket, "prefix", f.config.TempPrefix, "cutoff", cutoff)
	logCtx.Info("Sweep starting.")

	query := &storage.Query{Prefix: f.config.TempPrefix + "/"}
	it := f.client.Bucket(f.config.ChapterBucket).Objects(ctx, query)

	var swept int
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return swept, fmt.Errorf("failed to list ephemeral blobs: %w", err)
		}
		if attrs.Created.After(cutoff) {
			continue
		}
		if err := f.bridge.Delete(ctx, attrs.Name); err != nil {
			logCtx.Warn("Failed to delete aged blob, skipping.", "gcsObject", attrs.Name, "error", err)
			continue
		}
		swept++
	}

	logCtx.Info("Sweep complete.", "swept", swept)
	return swept, nil
}
