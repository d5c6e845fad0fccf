package services

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	cloudtaskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	"gerrit-slack-notifier/internal/log"
	"gerrit-slack-notifier/internal/models"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// TaskCreator is the part of the Cloud Tasks client the dispatcher uses.
type TaskCreator interface {
	CreateTask(ctx context.Context, req *cloudtaskspb.CreateTaskRequest, opts ...gax.CallOption) (*cloudtaskspb.Task, error)
	Close() error
}

// CloudTasksConfig locates the queue and the notifier instance that runs the job.
type CloudTasksConfig struct {
	ProjectID string
	Location  string
	QueueName string
	// ServiceURL is the public base URL of the notifier; tasks call its send-now endpoint.
	ServiceURL string
	// ServiceAccount signs the OIDC token attached to every task, Audience is its audience.
	ServiceAccount string
	Audience       string
}

// CloudTasksService hands scheduled runs to a Cloud Tasks queue instead of running them
// in-process. The queue delivers each task to POST /control/schedules/:id/send and retries it
// on failure.
type CloudTasksService struct {
	client TaskCreator
	config CloudTasksConfig
}

func NewCloudTasksService(ctx context.Context, config CloudTasksConfig) (*CloudTasksService, error) {
	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		log.Error(ctx, "Failed to create Cloud Tasks client",
			"error", err,
			"project_id", config.ProjectID,
			"location", config.Location,
			"queue_name", config.QueueName,
			"operation", "create_cloud_tasks_client",
		)
		return nil, fmt.Errorf("failed to create Cloud Tasks client: %w", err)
	}
	return NewCloudTasksServiceWithClient(client, config), nil
}

// NewCloudTasksServiceWithClient wraps an existing client.
func NewCloudTasksServiceWithClient(client TaskCreator, config CloudTasksConfig) *CloudTasksService {
	config.ServiceURL = strings.TrimRight(config.ServiceURL, "/")
	return &CloudTasksService{client: client, config: config}
}

func (cts *CloudTasksService) Close() error {
	return cts.client.Close()
}

func (cts *CloudTasksService) queuePath() string {
	return fmt.Sprintf("projects/%s/locations/%s/queues/%s",
		cts.config.ProjectID, cts.config.Location, cts.config.QueueName)
}

// EnqueueRun creates a task that runs the summary job for schedule.
func (cts *CloudTasksService) EnqueueRun(ctx context.Context, schedule *models.Schedule) error {
	if schedule.ID == "" {
		return fmt.Errorf("%w: %w", ErrValidation, models.ErrScheduleIDRequired)
	}

	request := &cloudtaskspb.HttpRequest{
		HttpMethod: cloudtaskspb.HttpMethod_POST,
		Url:        cts.config.ServiceURL + "/control/schedules/" + url.PathEscape(schedule.ID) + "/send",
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
	if traceID := log.TraceIDFromContext(ctx); traceID != "" {
		request.Headers["X-Trace-ID"] = traceID
	}
	if cts.config.ServiceAccount != "" {
		request.AuthorizationHeader = &cloudtaskspb.HttpRequest_OidcToken{
			OidcToken: &cloudtaskspb.OidcToken{
				ServiceAccountEmail: cts.config.ServiceAccount,
				Audience:            cts.config.Audience,
			},
		}
	}

	req := &cloudtaskspb.CreateTaskRequest{
		Parent: cts.queuePath(),
		Task: &cloudtaskspb.Task{
			MessageType:  &cloudtaskspb.Task_HttpRequest{HttpRequest: request},
			ScheduleTime: timestamppb.Now(),
		},
	}

	task, err := cts.client.CreateTask(ctx, req)
	if err != nil {
		log.Error(ctx, "Failed to create Cloud Tasks task",
			"error", err,
			"schedule_id", schedule.ID,
			"queue_path", req.GetParent(),
			"operation", "create_cloud_tasks_task",
		)
		return fmt.Errorf("failed to create task: %w", err)
	}

	log.Info(ctx, "Summary run queued",
		"schedule_id", schedule.ID,
		"task_name", task.GetName(),
	)
	return nil
}

// Trigger matches scheduler.TriggerFunc. Enqueue errors are logged; the next fire time
// is unaffected.
func (cts *CloudTasksService) Trigger(ctx context.Context, schedule *models.Schedule) {
	ctx = log.WithFields(ctx, log.LogFields{"schedule_id": schedule.ID, "channel_id": schedule.ChannelID})
	_ = cts.EnqueueRun(ctx, schedule)
}
