package models

// These structs define the JSON payloads exchanged between the trigger
// function, the Cloud Tasks queue, and the worker function.

// TriggerRequest is the body accepted by the chapter-trigger function.
type TriggerRequest struct {
	ChapterNumber int `json:"chapterNumber"`
}

// TriggerResponse is returned with 202 Accepted once a chapter has been
// packaged and handed to the queue.
type TriggerResponse struct {
	ChapterNumber int    `json:"chapterNumber"`
	Status        Status `json:"status"`
}

// TaskPayload is the durable task message. It is created by the dispatcher
// after the packaged archive has been uploaded and delivered to the worker
// as an HTTP callback body. Delivery is at-least-once; the chapter status
// guard provides the idempotency, not the queue.
type TaskPayload struct {
	ChapterNumber  int    `json:"chapterNumber"`
	SourceFilePath string `json:"sourceFilePath"`
}

// ConflictResponse is returned with 409 when the chapter is already
// completed or mid-flight.
type ConflictResponse struct {
	Message string `json:"message"`
}

// ErrorResponse is returned with 404/500 on resolution or processing errors.
type ErrorResponse struct {
	Error string `json:"error"`
}
