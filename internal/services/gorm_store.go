package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gerrit-slack-notifier/internal/log"
	"gerrit-slack-notifier/internal/models"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// GormStore keeps schedules and the ledgers in SQLite or Postgres.
type GormStore struct {
	db *gorm.DB
}

// OpenSQLite opens (and migrates) a SQLite database. Use ":memory:" for a throwaway store.
func OpenSQLite(path string) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database %s: %w", path, err)
	}
	// A single connection keeps in-memory databases shared and serializes sqlite writers.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access sqlite connection pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	return NewGormStore(db)
}

// OpenPostgres opens (and migrates) a Postgres database.
func OpenPostgres(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}
	return NewGormStore(db)
}

// NewGormStore migrates the schema on db and wraps it.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&models.Schedule{}, &models.SentMessage{}, &models.ReviewRequest{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &GormStore{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) ListSchedules(ctx context.Context) ([]*models.Schedule, error) {
	var schedules []*models.Schedule
	if err := s.db.WithContext(ctx).Order("created_at, id").Find(&schedules).Error; err != nil {
		log.Error(ctx, "Failed to list schedules",
			"error", err,
			"operation", "list_schedules",
		)
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	return schedules, nil
}

func (s *GormStore) GetSchedule(ctx context.Context, id string) (*models.Schedule, error) {
	var schedule models.Schedule
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&schedule).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrScheduleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule %s: %w", id, err)
	}
	return &schedule, nil
}

func (s *GormStore) CreateSchedule(ctx context.Context, schedule *models.Schedule) error {
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

	if err := s.db.WithContext(ctx).Create(schedule).Error; err != nil {
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

func (s *GormStore) DeleteSchedule(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.SentMessage{}).Where("schedule_id = ?", id).Update("schedule_id", "").Error; err != nil {
			return fmt.Errorf("failed to orphan sent messages: %w", err)
		}
		if err := tx.Model(&models.ReviewRequest{}).Where("schedule_id = ?", id).Update("schedule_id", "").Error; err != nil {
			return fmt.Errorf("failed to orphan review requests: %w", err)
		}
		result := tx.Where("id = ?", id).Delete(&models.Schedule{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrScheduleNotFound
		}
		return nil
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

func (s *GormStore) FirstScheduleForChannel(ctx context.Context, channelID string) (*models.Schedule, error) {
	var schedules []*models.Schedule
	err := s.db.WithContext(ctx).Where("channel_id = ?", channelID).Order("created_at, id").Limit(1).Find(&schedules).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find schedule for channel %s: %w", channelID, err)
	}
	if len(schedules) == 0 {
		return nil, nil
	}
	return schedules[0], nil
}

func (s *GormStore) ListSentMessages(ctx context.Context, scheduleID string) ([]*models.SentMessage, error) {
	var messages []*models.SentMessage
	err := s.db.WithContext(ctx).Where("schedule_id = ?", scheduleID).Order("created_at, id").Find(&messages).Error
	if err != nil {
		log.Error(ctx, "Failed to list sent messages",
			"error", err,
			"schedule_id", scheduleID,
			"operation", "list_sent_messages",
		)
		return nil, fmt.Errorf("failed to list sent messages for schedule %s: %w", scheduleID, err)
	}
	return messages, nil
}

func (s *GormStore) ListAllSentMessages(ctx context.Context) ([]*models.SentMessage, error) {
	var messages []*models.SentMessage
	if err := s.db.WithContext(ctx).Order("created_at, id").Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("failed to list sent messages: %w", err)
	}
	return messages, nil
}

func (s *GormStore) CreateSentMessage(ctx context.Context, message *models.SentMessage) error {
	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now()
	}
	if err := message.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}

	if err := s.db.WithContext(ctx).Create(message).Error; err != nil {
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

func (s *GormStore) DeleteSentMessage(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Where("id = ?", id).Delete(&models.SentMessage{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete sent message %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrSentMessageNotFound
	}
	return nil
}

func (s *GormStore) ListReviewRequestsByChannel(ctx context.Context, channelID string) ([]*models.ReviewRequest, error) {
	var requests []*models.ReviewRequest
	err := s.db.WithContext(ctx).Where("channel_id = ?", channelID).Order("created_at, id").Find(&requests).Error
	if err != nil {
		log.Error(ctx, "Failed to list review requests",
			"error", err,
			"channel_id", channelID,
			"operation", "list_review_requests",
		)
		return nil, fmt.Errorf("failed to list review requests for channel %s: %w", channelID, err)
	}
	return requests, nil
}

func (s *GormStore) ListAllReviewRequests(ctx context.Context) ([]*models.ReviewRequest, error) {
	var requests []*models.ReviewRequest
	if err := s.db.WithContext(ctx).Order("created_at, id").Find(&requests).Error; err != nil {
		return nil, fmt.Errorf("failed to list review requests: %w", err)
	}
	return requests, nil
}

func (s *GormStore) FindReviewRequestByURL(ctx context.Context, gerritURL string) (*models.ReviewRequest, error) {
	var requests []*models.ReviewRequest
	if err := s.db.WithContext(ctx).Where("gerrit_url = ?", gerritURL).Limit(1).Find(&requests).Error; err != nil {
		return nil, fmt.Errorf("failed to look up review request %s: %w", gerritURL, err)
	}
	if len(requests) == 0 {
		return nil, nil
	}
	return requests[0], nil
}

func (s *GormStore) CreateReviewRequests(ctx context.Context, requests []*models.ReviewRequest) (int, error) {
	if len(requests) == 0 {
		return 0, nil
	}

	now := time.Now()
	for _, r := range requests {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		if err := r.Validate(); err != nil {
			return 0, fmt.Errorf("%w: %w", ErrValidation, err)
		}
	}

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "gerrit_url"}}, DoNothing: true}).
		Create(&requests)
	if result.Error != nil {
		log.Error(ctx, "Failed to save review requests",
			"error", result.Error,
			"count", len(requests),
			"operation", "create_review_requests",
		)
		return 0, fmt.Errorf("failed to save %d review requests: %w", len(requests), result.Error)
	}
	return int(result.RowsAffected), nil
}

func (s *GormStore) DeleteReviewRequest(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Where("id = ?", id).Delete(&models.ReviewRequest{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete review request %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrReviewRequestNotFound
	}
	return nil
}
