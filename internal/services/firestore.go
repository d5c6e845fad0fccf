package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"time"

	"gerrit-slack-notifier/internal/log"
	"gerrit-slack-notifier/internal/models"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	schedulesCollection      = "schedules"
	sentMessagesCollection   = "sent_messages"
	reviewRequestsCollection = "review_requests"
)

// FirestoreService provides database operations for Firestore.
type FirestoreService struct {
	client *firestore.Client
}

// NewFirestoreService creates a new FirestoreService with the provided client.
func NewFirestoreService(client *firestore.Client) *FirestoreService {
	return &FirestoreService{client: client}
}

// Close closes the Firestore client.
func (fs *FirestoreService) Close() error {
	return fs.client.Close()
}

// reviewRequestDocID derives the document id from the URL so that a URL can be stored only once.
func reviewRequestDocID(gerritURL string) string {
	return url.QueryEscape(gerritURL)
}

func (fs *FirestoreService) ListSchedules(ctx context.Context) ([]*models.Schedule, error) {
	iter := fs.client.Collection(schedulesCollection).Documents(ctx)
	schedules, err := collect[models.Schedule](ctx, iter, "list_schedules")
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	sort.SliceStable(schedules, func(i, j int) bool {
		return schedules[i].CreatedAt.Before(schedules[j].CreatedAt)
	})
	return schedules, nil
}

func (fs *FirestoreService) GetSchedule(ctx context.Context, id string) (*models.Schedule, error) {
	doc, err := fs.client.Collection(schedulesCollection).Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrScheduleNotFound
		}
		log.Error(ctx, "Failed to get schedule",
			"error", err,
			"schedule_id", id,
			"operation", "get_schedule",
		)
		return nil, fmt.Errorf("failed to get schedule %s: %w", id, err)
	}

	var schedule models.Schedule
	if err := doc.DataTo(&schedule); err != nil {
		return nil, fmt.Errorf("failed to unmarshal schedule %s: %w", id, err)
	}
	return &schedule, nil
}

func (fs *FirestoreService) CreateSchedule(ctx context.Context, schedule *models.Schedule) error {
	if schedule.ID == "" {
		schedule.ID = uuid.NewString()
	}
	now := time.Now()
	if schedule.CreatedAt.IsZero() {
		schedule.CreatedAt = now
	}
	schedule.UpdatedAt = now
	if err := schedule.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}

	_, err := fs.client.Collection(schedulesCollection).Doc(schedule.ID).Create(ctx, schedule)
	if err != nil {
		log.Error(ctx, "Failed to create schedule",
			"error", err,
			"schedule_id", schedule.ID,
			"channel_id", schedule.ChannelID,
			"operation", "create_schedule",
		)
		return fmt.Errorf("failed to create schedule %s: %w", schedule.ID, err)
	}
	return nil
}

// DeleteSchedule removes the schedule and clears schedule_id on its ledger documents in one transaction.
func (fs *FirestoreService) DeleteSchedule(ctx context.Context, id string) error {
	scheduleRef := fs.client.Collection(schedulesCollection).Doc(id)

	err := fs.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if _, err := tx.Get(scheduleRef); err != nil {
			if status.Code(err) == codes.NotFound {
				return ErrScheduleNotFound
			}
			return fmt.Errorf("failed to read schedule: %w", err)
		}

		var owned []*firestore.DocumentRef
		for _, collection := range []string{sentMessagesCollection, reviewRequestsCollection} {
			docs, err := tx.Documents(fs.client.Collection(collection).Where("schedule_id", "==", id)).GetAll()
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", collection, err)
			}
			for _, doc := range docs {
				owned = append(owned, doc.Ref)
			}
		}

		for _, ref := range owned {
			if err := tx.Update(ref, []firestore.Update{{Path: "schedule_id", Value: ""}}); err != nil {
				return fmt.Errorf("failed to orphan %s: %w", ref.Path, err)
			}
		}
		return tx.Delete(scheduleRef)
	})
	if err != nil {
		if !errors.Is(err, ErrScheduleNotFound) {
			log.Error(ctx, "Failed to delete schedule",
				"error", err,
				"schedule_id", id,
				"operation", "delete_schedule",
			)
		}
		return fmt.Errorf("failed to delete schedule %s: %w", id, err)
	}
	return nil
}

func (fs *FirestoreService) FirstScheduleForChannel(ctx context.Context, channelID string) (*models.Schedule, error) {
	iter := fs.client.Collection(schedulesCollection).Where("channel_id", "==", channelID).Documents(ctx)
	schedules, err := collect[models.Schedule](ctx, iter, "query_schedule_by_channel")
	if err != nil {
		return nil, fmt.Errorf("failed to find schedule for channel %s: %w", channelID, err)
	}
	if len(schedules) == 0 {
		return nil, nil
	}
	sort.SliceStable(schedules, func(i, j int) bool {
		return schedules[i].CreatedAt.Before(schedules[j].CreatedAt)
	})
	return schedules[0], nil
}

func (fs *FirestoreService) ListSentMessages(ctx context.Context, scheduleID string) ([]*models.SentMessage, error) {
	iter := fs.client.Collection(sentMessagesCollection).Where("schedule_id", "==", scheduleID).Documents(ctx)
	messages, err := collect[models.SentMessage](ctx, iter, "query_sent_messages")
	if err != nil {
		return nil, fmt.Errorf("failed to list sent messages for schedule %s: %w", scheduleID, err)
	}
	sortSentMessages(messages)
	return messages, nil
}

func (fs *FirestoreService) ListAllSentMessages(ctx context.Context) ([]*models.SentMessage, error) {
	iter := fs.client.Collection(sentMessagesCollection).Documents(ctx)
	messages, err := collect[models.SentMessage](ctx, iter, "list_sent_messages")
	if err != nil {
		return nil, fmt.Errorf("failed to list sent messages: %w", err)
	}
	sortSentMessages(messages)
	return messages, nil
}

func (fs *FirestoreService) CreateSentMessage(ctx context.Context, message *models.SentMessage) error {
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now()
	}
	if err := message.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}

	docRef := fs.client.Collection(sentMessagesCollection).NewDoc()
	if message.ID != "" {
		docRef = fs.client.Collection(sentMessagesCollection).Doc(message.ID)
	}
	message.ID = docRef.ID

	if _, err := docRef.Create(ctx, message); err != nil {
		log.Error(ctx, "Failed to record sent message",
			"error", err,
			"schedule_id", message.ScheduleID,
			"channel_id", message.ChannelID,
			"ts", message.TS,
			"operation", "create_sent_message",
		)
		return fmt.Errorf("failed to record sent message %s: %w", message.TS, err)
	}
	return nil
}

func (fs *FirestoreService) DeleteSentMessage(ctx context.Context, id string) error {
	_, err := fs.client.Collection(sentMessagesCollection).Doc(id).Delete(ctx, firestore.Exists)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return ErrSentMessageNotFound
		}
		log.Error(ctx, "Failed to delete sent message",
			"error", err,
			"sent_message_id", id,
			"operation", "delete_sent_message",
		)
		return fmt.Errorf("failed to delete sent message %s: %w", id, err)
	}
	return nil
}

func (fs *FirestoreService) ListReviewRequestsByChannel(ctx context.Context, channelID string) ([]*models.ReviewRequest, error) {
	iter := fs.client.Collection(reviewRequestsCollection).Where("channel_id", "==", channelID).Documents(ctx)
	requests, err := collect[models.ReviewRequest](ctx, iter, "query_review_requests")
	if err != nil {
		return nil, fmt.Errorf("failed to list review requests for channel %s: %w", channelID, err)
	}
	sortReviewRequests(requests)
	return requests, nil
}

func (fs *FirestoreService) ListAllReviewRequests(ctx context.Context) ([]*models.ReviewRequest, error) {
	iter := fs.client.Collection(reviewRequestsCollection).Documents(ctx)
	requests, err := collect[models.ReviewRequest](ctx, iter, "list_review_requests")
	if err != nil {
		return nil, fmt.Errorf("failed to list review requests: %w", err)
	}
	sortReviewRequests(requests)
	return requests, nil
}

func (fs *FirestoreService) FindReviewRequestByURL(ctx context.Context, gerritURL string) (*models.ReviewRequest, error) {
	doc, err := fs.client.Collection(reviewRequestsCollection).Doc(reviewRequestDocID(gerritURL)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		log.Error(ctx, "Failed to look up review request",
			"error", err,
			"gerrit_url", gerritURL,
			"operation", "get_review_request",
		)
		return nil, fmt.Errorf("failed to look up review request %s: %w", gerritURL, err)
	}

	var request models.ReviewRequest
	if err := doc.DataTo(&request); err != nil {
		return nil, fmt.Errorf("failed to unmarshal review request %s: %w", gerritURL, err)
	}
	return &request, nil
}

// CreateReviewRequests writes the requests with a BulkWriter. Documents that already exist are left alone.
func (fs *FirestoreService) CreateReviewRequests(ctx context.Context, requests []*models.ReviewRequest) (int, error) {
	if len(requests) == 0 {
		return 0, nil
	}

	now := time.Now()
	seen := make(map[string]bool, len(requests))
	bw := fs.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(requests))

	for _, r := range requests {
		if err := r.Validate(); err != nil {
			bw.End()
			return 0, fmt.Errorf("%w: %w", ErrValidation, err)
		}
		docID := reviewRequestDocID(r.GerritURL)
		if seen[docID] {
			continue
		}
		seen[docID] = true

		r.ID = docID
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		job, err := bw.Create(fs.client.Collection(reviewRequestsCollection).Doc(docID), r)
		if err != nil {
			bw.End()
			return 0, fmt.Errorf("failed to queue review request %s: %w", r.GerritURL, err)
		}
		jobs = append(jobs, job)
	}
	bw.End()

	created := 0
	var errs []error
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			if status.Code(err) == codes.AlreadyExists {
				continue
			}
			errs = append(errs, err)
			continue
		}
		created++
	}

	if len(errs) > 0 {
		err := errors.Join(errs...)
		log.Error(ctx, "Failed to save review requests",
			"error", err,
			"count", len(jobs),
			"created", created,
			"operation", "create_review_requests",
		)
		return created, fmt.Errorf("failed to save %d of %d review requests: %w", len(errs), len(jobs), err)
	}
	return created, nil
}

func (fs *FirestoreService) DeleteReviewRequest(ctx context.Context, id string) error {
	_, err := fs.client.Collection(reviewRequestsCollection).Doc(id).Delete(ctx, firestore.Exists)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return ErrReviewRequestNotFound
		}
		log.Error(ctx, "Failed to delete review request",
			"error", err,
			"review_request_id", id,
			"operation", "delete_review_request",
		)
		return fmt.Errorf("failed to delete review request %s: %w", id, err)
	}
	return nil
}

// collect drains a query iterator into typed values, skipping documents that do not decode.
func collect[T any](ctx context.Context, iter *firestore.DocumentIterator, operation string) ([]*T, error) {
	defer iter.Stop()

	var out []*T
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			log.Error(ctx, "Failed to query Firestore",
				"error", err,
				"operation", operation,
			)
			return nil, err
		}

		var v T
		if err := doc.DataTo(&v); err != nil {
			log.Error(ctx, "Failed to unmarshal document",
				"error", err,
				"doc_id", doc.Ref.ID,
				"operation", operation,
			)
			continue
		}
		out = append(out, &v)
	}
	return out, nil
}

func sortSentMessages(messages []*models.SentMessage) {
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})
}

func sortReviewRequests(requests []*models.ReviewRequest) {
	sort.SliceStable(requests, func(i, j int) bool {
		return requests[i].CreatedAt.Before(requests[j].CreatedAt)
	})
}
