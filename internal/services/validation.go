package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"gerrit-slack-notifier/internal/models"
	"gerrit-slack-notifier/internal/scheduler"
)

var ErrMissingChannel = errors.New("missing required field: channel_name or channel_id")

// ChannelResolver turns a channel name into its id.
type ChannelResolver interface {
	ResolveChannelID(ctx context.Context, name string) (string, error)
}

// ScheduleRequest is an unvalidated request to create a schedule.
type ScheduleRequest struct {
	ChannelName string `json:"channel_name"`
	ChannelID   string `json:"channel_id"`
	GerritQuery string `json:"gerrit_query"`
	Crontab     string `json:"crontab"`
}

var channelIDPattern = regexp.MustCompile(`^[CGD][A-Z0-9]{6,}$`)

// ValidationService checks schedule requests before they are stored.
type ValidationService struct {
	resolver       ChannelResolver
	defaultChannel string
}

// NewValidationService builds a validator. defaultChannel (a channel id or a name, with or
// without '#') is used for requests that name no channel; empty means a channel is required.
func NewValidationService(resolver ChannelResolver, defaultChannel string) *ValidationService {
	return &ValidationService{resolver: resolver, defaultChannel: strings.TrimSpace(defaultChannel)}
}

// BuildSchedule validates req and returns the schedule to store. A request without a channel
// falls back to the default channel. A channel given only by name is resolved to its id.
// All failures caused by the request wrap ErrValidation.
func (vs *ValidationService) BuildSchedule(ctx context.Context, req ScheduleRequest) (*models.Schedule, error) {
	name := strings.TrimPrefix(strings.TrimSpace(req.ChannelName), "#")
	channelID := strings.TrimSpace(req.ChannelID)
	crontab := strings.TrimSpace(req.Crontab)

	if name == "" && channelID == "" {
		if channelIDPattern.MatchString(vs.defaultChannel) {
			channelID = vs.defaultChannel
		} else {
			name = strings.TrimPrefix(vs.defaultChannel, "#")
		}
	}
	if name == "" && channelID == "" {
		return nil, fmt.Errorf("%w: %w", ErrValidation, ErrMissingChannel)
	}
	if err := scheduler.ValidateCron(crontab); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	if channelID == "" {
		id, err := vs.resolver.ResolveChannelID(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve channel #%s: %w", name, err)
		}
		channelID = id
	}

	return &models.Schedule{
		ChannelName: name,
		ChannelID:   channelID,
		GerritQuery: strings.TrimSpace(req.GerritQuery),
		Crontab:     crontab,
	}, nil
}
