package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"gerrit-slack-notifier/internal/config"
	"gerrit-slack-notifier/internal/handlers"
	"gerrit-slack-notifier/internal/models"
	"gerrit-slack-notifier/internal/services"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticResolver map[string]string

func (r staticResolver) ResolveChannelID(_ context.Context, name string) (string, error) {
	return r[name], nil
}

func seededStore(t *testing.T) (services.Store, *models.Schedule) {
	t.Helper()
	store, err := services.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := testContext(t)
	schedule := &models.Schedule{ChannelName: "reviews", ChannelID: "C1", GerritQuery: "status:open", Crontab: "0 9 * * 1-5"}
	require.NoError(t, store.CreateSchedule(ctx, schedule))

	recorded, err := json.Marshal(handlers.RecordedMessage{
		Text:        "3 changes waiting for review",
		Attachments: []slack.Attachment{{AuthorName: "Fix the build", AuthorLink: "https://review.example/c/1"}},
	})
	require.NoError(t, err)
	require.NoError(t, store.CreateSentMessage(ctx, &models.SentMessage{
		ScheduleID: schedule.ID, ChannelID: "C1", TS: "111.222", Kind: models.MessageKindPrimary, Message: string(recorded),
	}))

	_, err = store.CreateReviewRequests(ctx, []*models.ReviewRequest{{
		ScheduleID: schedule.ID, ChannelID: "C1", TS: "333.444", SlackUserID: "U1",
		GerritURL: "https://review.example/c/2", GerritQuery: "change:2",
	}})
	require.NoError(t, err)
	return store, schedule
}

func TestListSchedules(t *testing.T) {
	store, schedule := seededStore(t)

	var out bytes.Buffer
	require.NoError(t, listSchedules(testContext(t), store, &out))

	assert.Contains(t, out.String(), schedule.ID)
	assert.Contains(t, out.String(), "#reviews (C1)")
	assert.Contains(t, out.String(), "0 9 * * 1-5")
}

func TestAddSchedule(t *testing.T) {
	store, err := services.OpenSQLite(":memory:")
	require.NoError(t, err)
	defer store.Close()

	validator := services.NewValidationService(staticResolver{"team": "C42"}, "")

	schedule, err := addSchedule(testContext(t), store, validator, services.ScheduleRequest{
		ChannelName: "#team", GerritQuery: "is:open", Crontab: "@daily",
	})
	require.NoError(t, err)
	assert.Equal(t, "C42", schedule.ChannelID)

	schedules, err := store.ListSchedules(testContext(t))
	require.NoError(t, err)
	assert.Len(t, schedules, 1)

	_, err = addSchedule(testContext(t), store, validator, services.ScheduleRequest{ChannelID: "C1", Crontab: "every day"})
	require.ErrorIs(t, err, services.ErrValidation)
}

func TestRandomMessage(t *testing.T) {
	store, _ := seededStore(t)

	var out bytes.Buffer
	require.NoError(t, randomMessage(testContext(t), store, &out))

	assert.Contains(t, out.String(), "primary in C1")
	assert.Contains(t, out.String(), "3 changes waiting for review")
	assert.Contains(t, out.String(), "https://review.example/c/1")
}

func TestRandomMessage_Empty(t *testing.T) {
	store, err := services.OpenSQLite(":memory:")
	require.NoError(t, err)
	defer store.Close()

	var out bytes.Buffer
	require.NoError(t, randomMessage(testContext(t), store, &out))
	assert.Equal(t, "No messages recorded yet\n", out.String())
}

func TestDumpLedger(t *testing.T) {
	store, schedule := seededStore(t)

	dump, err := dumpLedger(testContext(t), store)
	require.NoError(t, err)

	require.Len(t, dump.Schedules, 1)
	assert.Equal(t, schedule.ID, dump.Schedules[0].ID)
	assert.Len(t, dump.SentMessages, 1)
	assert.Len(t, dump.ReviewRequests, 1)
}

func TestWipeLedger(t *testing.T) {
	store, _ := seededStore(t)
	ctx := testContext(t)

	messages, requests, err := wipeLedger(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, 1, messages)
	assert.Equal(t, 1, requests)

	dump, err := dumpLedger(ctx, store)
	require.NoError(t, err)
	assert.Len(t, dump.Schedules, 1, "schedules survive a wipe")
	assert.Empty(t, dump.SentMessages)
	assert.Empty(t, dump.ReviewRequests)
}

func TestConfirmWipe(t *testing.T) {
	cfg := &config.Config{StoreBackend: config.StoreSQLite}

	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{name: "confirmed", input: "DELETE\n"},
		{name: "confirmed without newline", input: "DELETE"},
		{name: "lowercase", input: "delete\n", wantErr: ErrOperationCancelled},
		{name: "empty", input: "", wantErr: ErrOperationCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := confirmWipe(cfg, strings.NewReader(tt.input), &out)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.Contains(t, out.String(), "Store: sqlite")
		})
	}
}
