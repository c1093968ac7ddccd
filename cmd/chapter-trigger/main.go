package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"

	"github.com/el-tahir/audio-manga-sub000/internal/models"
	"github.com/el-tahir/audio-manga-sub000/internal/services"
)

var (
	acquisitionInstance *services.AcquisitionFunction
	once                sync.Once
	initErr             error
)

func init() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Register the HTTP function with the framework.
	// "HandleChapterTrigger" is the entry point name configured in GCP.
	functions.HTTP("HandleChapterTrigger", handleChapterTrigger)
}

// main is required by the Go Functions Framework.
func main() {}

// handleChapterTrigger serves the synchronous trigger path: POST starts
// acquisition for a chapter, GET returns the chapter read model for polling.
func handleChapterTrigger(w http.ResponseWriter, r *http.Request) {
	// Use sync.Once for robust, one-time initialization of clients.
	once.Do(func() {
		acquisitionInstance, initErr = services.NewAcquisition(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical: Acquisition initialization failed", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}

	switch r.Method {
	case http.MethodGet:
		handleChapterRead(w, r)
	case http.MethodPost:
		handleChapterSubmit(w, r)
	default:
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

func handleChapterSubmit(w http.ResponseWriter, r *http.Request) {
	chapterNumber, err := chapterNumberFromRequest(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
		return
	}

	res, err := acquisitionInstance.Process(r.Context(), chapterNumber)
	if err != nil {
		var busy *services.ChapterBusyError
		switch {
		case errors.As(err, &busy):
			writeJSON(w, http.StatusConflict, models.ConflictResponse{Message: busy.Error()})
		case errors.Is(err, services.ErrChapterNotFound):
			writeJSON(w, http.StatusNotFound, models.ErrorResponse{Error: err.Error()})
		default:
			// The specific error is already logged inside Process.
			writeJSON(w, http.StatusInternalServerError, models.ErrorResponse{Error: err.Error()})
		}
		return
	}

	writeJSON(w, http.StatusAccepted, res)
}

func handleChapterRead(w http.ResponseWriter, r *http.Request) {
	chapterNumber, err := chapterNumberFromRequest(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
		return
	}

	chapter, exists, err := acquisitionInstance.Chapter(r.Context(), chapterNumber)
	if err != nil {
		slog.Error("Failed to read chapter", "chapterNumber", chapterNumber, "error", err)
		writeJSON(w, http.StatusInternalServerError, models.ErrorResponse{Error: "failed to read chapter"})
		return
	}
	if !exists {
		writeJSON(w, http.StatusNotFound, models.ErrorResponse{Error: "chapter not found"})
		return
	}
	writeJSON(w, http.StatusOK, chapter)
}

// chapterNumberFromRequest reads the chapter number from the JSON body
// (POST) or the "chapter" query parameter.
func chapterNumberFromRequest(r *http.Request) (int, error) {
	if q := r.URL.Query().Get("chapter"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			return 0, errors.New("chapter must be a positive integer")
		}
		return n, nil
	}
	if r.Method == http.MethodPost && r.Body != nil {
		var req models.TriggerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return 0, errors.New("could not parse request body")
		}
		if req.ChapterNumber <= 0 {
			return 0, errors.New("chapterNumber must be a positive integer")
		}
		return req.ChapterNumber, nil
	}
	return 0, errors.New("chapter number is required")
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Failed to write response", "error", err)
	}
}
