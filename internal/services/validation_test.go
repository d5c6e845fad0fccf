package services

import (
	"context"
	"fmt"
	"testing"

	"gerrit-slack-notifier/internal/scheduler"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapResolver map[string]string

func (m mapResolver) ResolveChannelID(_ context.Context, name string) (string, error) {
	id, ok := m[name]
	if !ok {
		return "", fmt.Errorf("%w: %w: #%s", ErrValidation, ErrChannelNotFound, name)
	}
	return id, nil
}

func TestValidationService_BuildSchedule(t *testing.T) {
	vs := NewValidationService(mapResolver{"reviews": "C123"}, "")

	tests := []struct {
		name        string
		req         ScheduleRequest
		expectedID  string
		expectedErr []error
	}{
		{
			name:       "channel name is resolved",
			req:        ScheduleRequest{ChannelName: "#reviews", GerritQuery: " status:open ", Crontab: "0 9 * * 1-5"},
			expectedID: "C123",
		},
		{
			name:       "channel id is used as is",
			req:        ScheduleRequest{ChannelID: "C999", Crontab: "@hourly"},
			expectedID: "C999",
		},
		{
			name:        "no channel",
			req:         ScheduleRequest{Crontab: "@hourly"},
			expectedErr: []error{ErrValidation, ErrMissingChannel},
		},
		{
			name:        "bad cron",
			req:         ScheduleRequest{ChannelID: "C1", Crontab: "whenever"},
			expectedErr: []error{ErrValidation, scheduler.ErrInvalidCron},
		},
		{
			name:        "unknown channel",
			req:         ScheduleRequest{ChannelName: "nope", Crontab: "@daily"},
			expectedErr: []error{ErrValidation, ErrChannelNotFound},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			schedule, err := vs.BuildSchedule(context.Background(), tt.req)
			if len(tt.expectedErr) > 0 {
				for _, expected := range tt.expectedErr {
					assert.ErrorIs(t, err, expected)
				}
				assert.Nil(t, schedule)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expectedID, schedule.ChannelID)
			assert.Equal(t, tt.req.Crontab, schedule.Crontab)
		})
	}

	schedule, err := vs.BuildSchedule(context.Background(), ScheduleRequest{ChannelName: "#reviews", GerritQuery: " status:open ", Crontab: "0 9 * * 1-5"})
	require.NoError(t, err)
	assert.Equal(t, "reviews", schedule.ChannelName)
	assert.Equal(t, "status:open", schedule.GerritQuery)
}

func TestValidationService_DefaultChannel(t *testing.T) {
	resolver := mapResolver{"reviews": "C123", "team": "C777"}

	tests := []struct {
		name           string
		defaultChannel string
		req            ScheduleRequest
		expectedID     string
		expectedName   string
	}{
		{
			name:           "default channel name is resolved",
			defaultChannel: "#reviews",
			req:            ScheduleRequest{Crontab: "@daily"},
			expectedID:     "C123",
			expectedName:   "reviews",
		},
		{
			name:           "default channel id is used as is",
			defaultChannel: "C0DEFAULT1",
			req:            ScheduleRequest{Crontab: "@daily"},
			expectedID:     "C0DEFAULT1",
		},
		{
			name:           "explicit channel wins over default",
			defaultChannel: "#reviews",
			req:            ScheduleRequest{ChannelName: "team", Crontab: "@daily"},
			expectedID:     "C777",
			expectedName:   "team",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vs := NewValidationService(resolver, tt.defaultChannel)

			schedule, err := vs.BuildSchedule(context.Background(), tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.expectedID, schedule.ChannelID)
			assert.Equal(t, tt.expectedName, schedule.ChannelName)
		})
	}

	t.Run("no default and no channel", func(t *testing.T) {
		vs := NewValidationService(resolver, "  ")
		_, err := vs.BuildSchedule(context.Background(), ScheduleRequest{Crontab: "@daily"})
		require.ErrorIs(t, err, ErrMissingChannel)
	})
}
