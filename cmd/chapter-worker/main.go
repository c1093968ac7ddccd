package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"

	"github.com/el-tahir/audio-manga-sub000/internal/models"
	"github.com/el-tahir/audio-manga-sub000/internal/services"
)

var (
	workerInstance *services.WorkerFunction
	once           sync.Once
	initErr        error
)

func init() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Register the HTTP function with the framework.
	// "HandleChapterTask" is the Cloud Tasks callback target.
	functions.HTTP("HandleChapterTask", handleChapterTask)
}

// main is required by the Go Functions Framework.
func main() {}

// handleChapterTask receives the queue's HTTP callback and runs the worker.
// A handled stage failure still returns 200: the chapter is marked failed in
// Firestore and redelivery would not help. Non-2xx is reserved for errors
// where a queue retry can succeed (initialization, transient status reads).
func handleChapterTask(w http.ResponseWriter, r *http.Request) {
	// Use sync.Once for robust, one-time initialization of clients.
	once.Do(func() {
		workerInstance, initErr = services.NewWorker(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical: Worker initialization failed", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}

	var payload models.TaskPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		slog.Warn("Could not decode task payload", "error", err)
		http.Error(w, "Bad Request: could not parse JSON", http.StatusBadRequest)
		return
	}
	if payload.ChapterNumber <= 0 || payload.SourceFilePath == "" {
		slog.Warn("Task payload missing required fields", "payload", payload)
		http.Error(w, "Bad Request: chapterNumber and sourceFilePath are required", http.StatusBadRequest)
		return
	}

	if err := workerInstance.Process(r.Context(), payload); err != nil {
		// Not yet attributable to the chapter; let the queue redeliver.
		slog.Error("Worker run failed before processing could start", "error", err, "chapterNumber", payload.ChapterNumber)
		http.Error(w, "Internal Server Error: processing failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]string{"status": "ok"}); err != nil {
		slog.Error("Failed to write response", "error", err, "chapterNumber", payload.ChapterNumber)
	}
}
