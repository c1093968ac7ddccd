package gcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	"cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"

	"github.com/el-tahir/audio-manga-sub000/internal/models"
)

// TaskDispatcher enqueues durable chapter-processing tasks. The queue
// delivers each task as an HTTP POST to the worker function, at-least-once.
type TaskDispatcher struct {
	client    *cloudtasks.Client
	queuePath string
	workerURL string
}

// NewTaskDispatcher creates a Cloud Tasks client targeting the configured
// queue and worker endpoint.
func NewTaskDispatcher(ctx context.Context, projectID, location, queue, workerURL string) (*TaskDispatcher, error) {
	if projectID == "" || location == "" || queue == "" || workerURL == "" {
		return nil, fmt.Errorf("NewTaskDispatcher: projectID, location, queue and workerURL must all be set")
	}

	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Cloud Tasks client: %w", err)
	}

	return &TaskDispatcher{
		client:    client,
		queuePath: fmt.Sprintf("projects/%s/locations/%s/queues/%s", projectID, location, queue),
		workerURL: workerURL,
	}, nil
}

// Enqueue creates a task carrying the payload and returns the queue's task
// name as the task ID.
func (d *TaskDispatcher) Enqueue(ctx context.Context, payload models.TaskPayload) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal task payload: %w", err)
	}

	req := &cloudtaskspb.CreateTaskRequest{
		Parent: d.queuePath,
		Task: &cloudtaskspb.Task{
			MessageType: &cloudtaskspb.Task_HttpRequest{
				HttpRequest: &cloudtaskspb.HttpRequest{
					Url:        d.workerURL,
					HttpMethod: cloudtaskspb.HttpMethod_POST,
					Headers:    map[string]string{"Content-Type": "application/json"},
					Body:       body,
				},
			},
		},
	}

	task, err := d.client.CreateTask(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to create task: %w", err)
	}

	slog.Info("Task enqueued.", "taskName", task.GetName(), "chapterNumber", payload.ChapterNumber)
	return task.GetName(), nil
}

func (d *TaskDispatcher) Close() error {
	return d.client.Close()
}
