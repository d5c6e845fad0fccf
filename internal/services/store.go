package services

import (
	"context"
	"errors"

	"gerrit-slack-notifier/internal/models"
)

// Sentinel errors for not found cases.
var (
	ErrScheduleNotFound      = errors.New("schedule not found")
	ErrSentMessageNotFound   = errors.New("sent message not found")
	ErrReviewRequestNotFound = errors.New("review request not found")
)

// Store is the durable state shared by the scheduler, the summary job, the event listener and the toolbox.
// Lookups that find nothing return nil without an error unless documented otherwise.
type Store interface {
	ListSchedules(ctx context.Context) ([]*models.Schedule, error)
	// GetSchedule returns ErrScheduleNotFound for an unknown id.
	GetSchedule(ctx context.Context, id string) (*models.Schedule, error)
	CreateSchedule(ctx context.Context, schedule *models.Schedule) error
	// DeleteSchedule removes a schedule and clears the schedule id on its ledger rows.
	DeleteSchedule(ctx context.Context, id string) error
	FirstScheduleForChannel(ctx context.Context, channelID string) (*models.Schedule, error)

	ListSentMessages(ctx context.Context, scheduleID string) ([]*models.SentMessage, error)
	ListAllSentMessages(ctx context.Context) ([]*models.SentMessage, error)
	CreateSentMessage(ctx context.Context, message *models.SentMessage) error
	DeleteSentMessage(ctx context.Context, id string) error

	ListReviewRequestsByChannel(ctx context.Context, channelID string) ([]*models.ReviewRequest, error)
	ListAllReviewRequests(ctx context.Context) ([]*models.ReviewRequest, error)
	FindReviewRequestByURL(ctx context.Context, gerritURL string) (*models.ReviewRequest, error)
	// CreateReviewRequests inserts requests whose URL is not stored yet and reports how many were inserted.
	CreateReviewRequests(ctx context.Context, requests []*models.ReviewRequest) (int, error)
	DeleteReviewRequest(ctx context.Context, id string) error

	Close() error
}
