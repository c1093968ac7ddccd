package main

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/el-tahir/audio-manga-sub000/internal/services"
)

var (
	sweeperInstance *services.SweeperFunction
	once            sync.Once
	initErr         error
)

func init() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Register the CloudEvent function; Cloud Scheduler fires it via Pub/Sub.
	functions.CloudEvent("SweepEphemeralBlobs", sweepEphemeralBlobs)
}

// main is required by the Go Functions Framework.
func main() {}

func sweepEphemeralBlobs(ctx context.Context, e cloudevents.Event) error {
	// Use sync.Once for robust, one-time initialization of clients.
	once.Do(func() {
		sweeperInstance, initErr = services.NewSweeper(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		return initErr
	}

	swept, err := sweeperInstance.Process(ctx)
	if err != nil {
		slog.Error("Sweep failed", "error", err, "sweptBeforeFailure", swept)
		return err
	}
	return nil
}
