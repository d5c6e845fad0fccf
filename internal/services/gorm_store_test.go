package services

import (
	"context"
	"testing"
	"time"

	"gerrit-slack-notifier/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *GormStore {
	t.Helper()
	store, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestGormStore_Schedules(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	first := &models.Schedule{ChannelID: "C1", ChannelName: "reviews", GerritQuery: "status:open", Crontab: "0 9 * * *"}
	require.NoError(t, store.CreateSchedule(ctx, first))
	assert.NotEmpty(t, first.ID)

	second := &models.Schedule{ID: "s2", ChannelID: "C1", Crontab: "@hourly", CreatedAt: first.CreatedAt.Add(time.Second)}
	require.NoError(t, store.CreateSchedule(ctx, second))

	schedules, err := store.ListSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, schedules, 2)
	assert.Equal(t, first.ID, schedules[0].ID)

	got, err := store.GetSchedule(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, "@hourly", got.Crontab)

	_, err = store.GetSchedule(ctx, "missing")
	assert.ErrorIs(t, err, ErrScheduleNotFound)

	byChannel, err := store.FirstScheduleForChannel(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, byChannel.ID)

	none, err := store.FirstScheduleForChannel(ctx, "C9")
	require.NoError(t, err)
	assert.Nil(t, none)

	err = store.CreateSchedule(ctx, &models.Schedule{ChannelID: "C1"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestGormStore_DeleteScheduleOrphansLedgers(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	schedule := &models.Schedule{ID: "s1", ChannelID: "C1", Crontab: "* * * * *"}
	require.NoError(t, store.CreateSchedule(ctx, schedule))
	require.NoError(t, store.CreateSentMessage(ctx, &models.SentMessage{
		ScheduleID: "s1", ChannelID: "C1", TS: "1.1", Kind: models.MessageKindPrimary,
	}))
	_, err := store.CreateReviewRequests(ctx, []*models.ReviewRequest{
		{ScheduleID: "s1", ChannelID: "C1", GerritURL: "https://r/1", GerritQuery: "1"},
	})
	require.NoError(t, err)

	require.NoError(t, store.DeleteSchedule(ctx, "s1"))

	messages, err := store.ListAllSentMessages(ctx)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Empty(t, messages[0].ScheduleID)

	requests, err := store.ListAllReviewRequests(ctx)
	require.NoError(t, err)
	require.Len(t, requests, 1)
	assert.Empty(t, requests[0].ScheduleID)

	assert.ErrorIs(t, store.DeleteSchedule(ctx, "s1"), ErrScheduleNotFound)
}

func TestGormStore_SentMessages(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	msg := &models.SentMessage{ScheduleID: "s1", ChannelID: "C1", TS: "1.1", Kind: models.MessageKindPrimary, Message: `{"text":"x"}`}
	require.NoError(t, store.CreateSentMessage(ctx, msg))
	require.NoError(t, store.CreateSentMessage(ctx, &models.SentMessage{
		ScheduleID: "s2", ChannelID: "C2", TS: "2.2", Kind: models.MessageKindExternal,
	}))

	messages, err := store.ListSentMessages(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "1.1", messages[0].TS)
	assert.Equal(t, `{"text":"x"}`, messages[0].Message)

	require.NoError(t, store.DeleteSentMessage(ctx, msg.ID))
	assert.ErrorIs(t, store.DeleteSentMessage(ctx, msg.ID), ErrSentMessageNotFound)

	messages, err = store.ListSentMessages(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, messages)

	err = store.CreateSentMessage(ctx, &models.SentMessage{ChannelID: "C1", Kind: models.MessageKindPrimary})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestGormStore_ReviewRequestsAreUniqueByURL(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	created, err := store.CreateReviewRequests(ctx, []*models.ReviewRequest{
		{ChannelID: "C1", TS: "1.1", SlackUserID: "U1", GerritURL: "https://r/#/c/1/", GerritQuery: "1"},
		{ChannelID: "C1", TS: "1.1", SlackUserID: "U1", GerritURL: "https://r/#/c/2/", GerritQuery: "2"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, created)

	created, err = store.CreateReviewRequests(ctx, []*models.ReviewRequest{
		{ChannelID: "C2", TS: "3.3", SlackUserID: "U2", GerritURL: "https://r/#/c/1/", GerritQuery: "1"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, created)

	all, err := store.ListAllReviewRequests(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	found, err := store.FindReviewRequestByURL(ctx, "https://r/#/c/1/")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "C1", found.ChannelID)
	assert.Equal(t, "1.1", found.TS)

	missing, err := store.FindReviewRequestByURL(ctx, "https://r/#/c/9/")
	require.NoError(t, err)
	assert.Nil(t, missing)

	inChannel, err := store.ListReviewRequestsByChannel(ctx, "C1")
	require.NoError(t, err)
	assert.Len(t, inChannel, 2)

	require.NoError(t, store.DeleteReviewRequest(ctx, found.ID))
	assert.ErrorIs(t, store.DeleteReviewRequest(ctx, found.ID), ErrReviewRequestNotFound)

	created, err = store.CreateReviewRequests(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, created)
}
