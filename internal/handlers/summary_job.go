package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"gerrit-slack-notifier/internal/log"
	"gerrit-slack-notifier/internal/models"
	"gerrit-slack-notifier/internal/services"
	"gerrit-slack-notifier/internal/ui"

	"github.com/google/uuid"
	"github.com/slack-go/slack"
)

// ChangeSource fetches changes from the review server.
type ChangeSource interface {
	GetChanges(ctx context.Context, query string) ([]models.Change, error)
	ChangesURL(query string) string
}

// SummarySink posts and deletes summary messages.
type SummarySink interface {
	PostSummary(ctx context.Context, channel, text string, attachments []slack.Attachment) (*services.PostedMessage, error)
	DeleteMessage(ctx context.Context, channel, ts string) error
}

// RecordedMessage is what a SentMessage keeps of the posted summary.
type RecordedMessage struct {
	Text        string             `json:"text"`
	Attachments []slack.Attachment `json:"attachments"`
}

// RunResult summarizes one job run.
type RunResult struct {
	RunID            string `json:"run_id"`
	Deleted          int    `json:"deleted"`
	DeleteFailed     int    `json:"delete_failed"`
	PrimaryChanges   int    `json:"primary_changes"`
	ExternalChanges  int    `json:"external_changes"`
	ResolvedRequests int    `json:"resolved_requests"`
	PendingRequests  int    `json:"pending_requests"`
	Posted           int    `json:"posted"`
}

// SummaryJob refreshes the summary messages of one schedule.
// Runs for the same schedule are serialized; different schedules run independently.
type SummaryJob struct {
	store   services.Store
	gerrit  ChangeSource
	slack   SummarySink
	builder *ui.SummaryBuilder

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	wg    sync.WaitGroup
}

// NewSummaryJob creates a new SummaryJob.
func NewSummaryJob(store services.Store, gerrit ChangeSource, sink SummarySink, builder *ui.SummaryBuilder) *SummaryJob {
	return &SummaryJob{
		store:   store,
		gerrit:  gerrit,
		slack:   sink,
		builder: builder,
		locks:   make(map[string]*sync.Mutex),
	}
}

func (j *SummaryJob) lockFor(scheduleID string) *sync.Mutex {
	j.mu.Lock()
	defer j.mu.Unlock()
	l, ok := j.locks[scheduleID]
	if !ok {
		l = &sync.Mutex{}
		j.locks[scheduleID] = l
	}
	return l
}

// Trigger runs the job on its own goroutine. It matches scheduler.TriggerFunc.
func (j *SummaryJob) Trigger(ctx context.Context, schedule *models.Schedule) {
	ctx = context.WithoutCancel(ctx)
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		if _, err := j.Run(ctx, schedule); err != nil {
			log.Error(ctx, "Summary job failed",
				"error", err,
				"schedule_id", schedule.ID,
				"operation", "summary_job",
			)
		}
	}()
}

// Wait blocks until every triggered run has finished.
func (j *SummaryJob) Wait() {
	j.wg.Wait()
}

// Run deletes the previous summaries, then posts fresh ones for the schedule query and for
// the review requests queued in its channel. Failures of individual calls are logged and
// skipped; only store failures that would leave the ledger inconsistent abort the run.
func (j *SummaryJob) Run(ctx context.Context, schedule *models.Schedule) (*RunResult, error) {
	lock := j.lockFor(schedule.ID)
	lock.Lock()
	defer lock.Unlock()

	result := &RunResult{RunID: uuid.NewString()}
	ctx = log.WithFields(ctx, log.LogFields{
		"schedule_id": schedule.ID,
		"channel_id":  schedule.ChannelID,
		"run_id":      result.RunID,
	})
	log.Debug(ctx, "Summary job started", "gerrit_query", schedule.GerritQuery)

	if err := j.deletePrevious(ctx, schedule, result); err != nil {
		return result, err
	}

	var primary []models.Change
	if schedule.GerritQuery != "" {
		changes, err := j.gerrit.GetChanges(ctx, schedule.GerritQuery)
		if err != nil {
			log.Error(ctx, "Failed to fetch changes for schedule",
				"error", err,
				"gerrit_query", schedule.GerritQuery,
				"operation", "fetch_primary_changes",
			)
		} else {
			primary = changes
		}
	}
	result.PrimaryChanges = len(primary)

	external := j.collectRequested(ctx, schedule, result)
	result.ExternalChanges = len(external)

	if len(primary) == 0 && len(external) == 0 {
		log.Info(ctx, "Nothing to report")
		return result, nil
	}

	if len(primary) > 0 {
		text := j.builder.SummaryText(len(primary), j.gerrit.ChangesURL(schedule.GerritQuery))
		if j.post(ctx, schedule, models.MessageKindPrimary, text, primary) {
			result.Posted++
		}
	}
	if len(external) > 0 {
		text := j.builder.ExternalSummaryText(len(external))
		if j.post(ctx, schedule, models.MessageKindExternal, text, external) {
			result.Posted++
		}
	}

	log.Info(ctx, "Summary job finished",
		"deleted", result.Deleted,
		"delete_failed", result.DeleteFailed,
		"primary_changes", result.PrimaryChanges,
		"external_changes", result.ExternalChanges,
		"resolved_requests", result.ResolvedRequests,
		"posted", result.Posted,
	)
	return result, nil
}

// deletePrevious removes every recorded summary of the schedule from the channel.
// A row is only removed from the ledger once the chat message is gone.
func (j *SummaryJob) deletePrevious(ctx context.Context, schedule *models.Schedule, result *RunResult) error {
	sent, err := j.store.ListSentMessages(ctx, schedule.ID)
	if err != nil {
		return fmt.Errorf("failed to list sent messages: %w", err)
	}

	for _, msg := range sent {
		if err := j.slack.DeleteMessage(ctx, msg.ChannelID, msg.TS); err != nil {
			result.DeleteFailed++
			log.Warn(ctx, "Leaving sent message in ledger for the next run",
				"error", err,
				"ts", msg.TS,
				"sent_channel_id", msg.ChannelID,
			)
			continue
		}
		if err := j.store.DeleteSentMessage(ctx, msg.ID); err != nil && !errors.Is(err, services.ErrSentMessageNotFound) {
			result.DeleteFailed++
			log.Error(ctx, "Failed to remove deleted message from ledger",
				"error", err,
				"sent_message_id", msg.ID,
				"operation", "delete_sent_message",
			)
			continue
		}
		result.Deleted++
	}
	return nil
}

// collectRequested fetches every review request queued in the schedule's channel. Requests
// whose changes are all Code-Review +2 are resolved and removed; a request whose query
// matches nothing is resolved too. Requests that fail to fetch stay queued. A failed listing
// yields no external changes and leaves the primary summary unaffected.
func (j *SummaryJob) collectRequested(ctx context.Context, schedule *models.Schedule, result *RunResult) []models.Change {
	requests, err := j.store.ListReviewRequestsByChannel(ctx, schedule.ChannelID)
	if err != nil {
		log.Error(ctx, "Failed to list review requests, posting without them",
			"error", err,
			"operation", "list_review_requests",
		)
		return nil
	}

	var external []models.Change
	seen := make(map[int]bool)

	for _, req := range requests {
		changes, err := j.gerrit.GetChanges(ctx, req.GerritQuery)
		if err != nil {
			result.PendingRequests++
			log.Warn(ctx, "Failed to fetch requested review, keeping it queued",
				"error", err,
				"gerrit_url", req.GerritURL,
				"gerrit_query", req.GerritQuery,
			)
			continue
		}

		if allApproved(changes) {
			if err := j.store.DeleteReviewRequest(ctx, req.ID); err != nil && !errors.Is(err, services.ErrReviewRequestNotFound) {
				log.Error(ctx, "Failed to remove approved review request",
					"error", err,
					"review_request_id", req.ID,
					"operation", "delete_review_request",
				)
				continue
			}
			result.ResolvedRequests++
			log.Info(ctx, "Review request approved and removed",
				"gerrit_url", req.GerritURL,
				"change_count", len(changes),
			)
			continue
		}

		result.PendingRequests++
		for _, c := range changes {
			if seen[c.Number] {
				continue
			}
			seen[c.Number] = true
			external = append(external, c)
		}
	}
	return external
}

// allApproved is true for an empty list.
func allApproved(changes []models.Change) bool {
	for _, c := range changes {
		if c.CodeReview != models.CodeReviewPlusTwo {
			return false
		}
	}
	return true
}

// post sends one summary and records it. It reports whether a ledger row was written.
func (j *SummaryJob) post(
	ctx context.Context, schedule *models.Schedule, kind models.MessageKind, text string, changes []models.Change,
) bool {
	attachments := j.builder.Attachments(changes)
	posted, err := j.slack.PostSummary(ctx, schedule.ChannelID, text, attachments)
	if err != nil {
		log.Warn(ctx, "Summary not posted, will retry on the next run",
			"error", err,
			"kind", string(kind),
		)
		return false
	}

	raw, err := json.Marshal(RecordedMessage{Text: text, Attachments: attachments})
	if err != nil {
		raw = []byte("{}")
	}

	channelID := posted.Channel
	if channelID == "" {
		channelID = schedule.ChannelID
	}
	msg := &models.SentMessage{
		ScheduleID: schedule.ID,
		ChannelID:  channelID,
		TS:         posted.TS,
		Kind:       kind,
		Message:    string(raw),
	}
	if err := j.store.CreateSentMessage(ctx, msg); err != nil {
		log.Error(ctx, "Failed to record posted summary",
			"error", err,
			"ts", posted.TS,
			"kind", string(kind),
			"operation", "create_sent_message",
		)
		return false
	}

	log.Info(ctx, "Summary posted",
		"kind", string(kind),
		"ts", posted.TS,
		"change_count", len(changes),
	)
	return true
}
