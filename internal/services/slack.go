// Package services provides the Gerrit, Slack and storage clients used by the summary job and event listener.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gerrit-slack-notifier/internal/log"

	"github.com/slack-go/slack"
	"golang.org/x/time/rate"
)

// ErrChannelNotFound is returned when a channel name matches no conversation visible to the bot.
var ErrChannelNotFound = errors.New("slack channel not found")

const slackRateBurst = 3

// PostedMessage identifies a message the bot posted.
type PostedMessage struct {
	Channel string
	TS      string
}

// SlackService wraps the Slack Web API calls the notifier makes.
type SlackService struct {
	client  *slack.Client
	limiter *rate.Limiter
}

// NewSlackService creates a SlackService allowing requestsPerSecond calls on average.
func NewSlackService(client *slack.Client, requestsPerSecond float64) *SlackService {
	return &SlackService{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), slackRateBurst),
	}
}

func (s *SlackService) wait(ctx context.Context, method string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return &APIError{Kind: ErrTransport, Service: "slack", Method: method, Detail: "rate limiter", Err: err}
	}
	return nil
}

// PostSummary posts text with one attachment per change, as the bot user.
func (s *SlackService) PostSummary(
	ctx context.Context, channel, text string, attachments []slack.Attachment,
) (*PostedMessage, error) {
	const method = "chat.postMessage"
	if err := s.wait(ctx, method); err != nil {
		return nil, err
	}

	postedChannel, ts, err := s.client.PostMessageContext(ctx, channel,
		slack.MsgOptionText(text, false),
		slack.MsgOptionAttachments(attachments...),
		slack.MsgOptionAsUser(true),
	)
	if err != nil {
		apiErr := classifySlackError(method, err)
		log.Error(ctx, "Failed to post summary to Slack",
			"error", err,
			"error_kind", apiErr.Kind.Error(),
			"method", method,
			"status", apiErr.Status,
			"channel", channel,
			"text", text,
			"attachment_count", len(attachments),
			"operation", "post_summary",
		)
		return nil, apiErr
	}
	if ts == "" {
		log.Error(ctx, "Slack accepted summary without a timestamp",
			"method", method,
			"channel", channel,
			"operation", "post_summary",
		)
		return nil, &APIError{Kind: ErrProtocol, Service: "slack", Method: method, Detail: "response has no ts"}
	}

	return &PostedMessage{Channel: postedChannel, TS: ts}, nil
}

// DeleteMessage deletes a bot message. A message that no longer exists counts as deleted.
func (s *SlackService) DeleteMessage(ctx context.Context, channel, ts string) error {
	const method = "chat.delete"
	if err := s.wait(ctx, method); err != nil {
		return err
	}

	_, deletedTS, err := s.client.DeleteMessageContext(ctx, channel, ts)
	if err == nil {
		if deletedTS == "" {
			log.Error(ctx, "Slack delete response is missing its timestamp",
				"method", method,
				"channel", channel,
				"message_timestamp", ts,
				"operation", "delete_message",
			)
			return &APIError{Kind: ErrProtocol, Service: "slack", Method: method, Detail: "response has no ts"}
		}
		return nil
	}

	apiErr := classifySlackError(method, err)
	if apiErr.Detail == "message_not_found" {
		log.Info(ctx, "Slack message already gone",
			"channel", channel,
			"message_timestamp", ts,
		)
		return nil
	}

	log.Error(ctx, "Failed to delete Slack message",
		"error", err,
		"error_kind", apiErr.Kind.Error(),
		"method", method,
		"status", apiErr.Status,
		"channel", channel,
		"message_timestamp", ts,
		"operation", "delete_message",
	)
	return apiErr
}

// AddReaction adds an emoji reaction to a message. A reaction that is already there counts as added.
func (s *SlackService) AddReaction(ctx context.Context, channel, ts, emoji string) error {
	const method = "reactions.add"
	if err := s.wait(ctx, method); err != nil {
		return err
	}

	err := s.client.AddReactionContext(ctx, emoji, slack.NewRefToMessage(channel, ts))
	if err == nil {
		return nil
	}

	apiErr := classifySlackError(method, err)
	if apiErr.Detail == "already_reacted" {
		log.Info(ctx, "Reaction already exists on Slack message",
			"channel", channel,
			"message_timestamp", ts,
			"emoji", emoji,
		)
		return nil
	}

	log.Error(ctx, "Failed to add reaction to Slack message",
		"error", err,
		"error_kind", apiErr.Kind.Error(),
		"method", method,
		"channel", channel,
		"message_timestamp", ts,
		"emoji", emoji,
		"operation", "add_reaction",
	)
	return apiErr
}

// ReplyInThread posts text as a thread reply to the message at threadTS.
func (s *SlackService) ReplyInThread(ctx context.Context, channel, threadTS, text string) (*PostedMessage, error) {
	const method = "chat.postMessage"
	if err := s.wait(ctx, method); err != nil {
		return nil, err
	}

	postedChannel, ts, err := s.client.PostMessageContext(ctx, channel,
		slack.MsgOptionText(text, false),
		slack.MsgOptionTS(threadTS),
		slack.MsgOptionAsUser(true),
	)
	if err != nil {
		apiErr := classifySlackError(method, err)
		log.Error(ctx, "Failed to reply in Slack thread",
			"error", err,
			"error_kind", apiErr.Kind.Error(),
			"method", method,
			"channel", channel,
			"thread_ts", threadTS,
			"text", text,
			"operation", "reply_in_thread",
		)
		return nil, apiErr
	}
	return &PostedMessage{Channel: postedChannel, TS: ts}, nil
}

// Permalink returns the browser link of a message.
func (s *SlackService) Permalink(ctx context.Context, channel, ts string) (string, error) {
	const method = "chat.getPermalink"
	if err := s.wait(ctx, method); err != nil {
		return "", err
	}

	link, err := s.client.GetPermalinkContext(ctx, &slack.PermalinkParameters{Channel: channel, Ts: ts})
	if err != nil {
		apiErr := classifySlackError(method, err)
		log.Warn(ctx, "Failed to resolve Slack permalink",
			"error", err,
			"error_kind", apiErr.Kind.Error(),
			"channel", channel,
			"message_timestamp", ts,
		)
		return "", apiErr
	}
	return link, nil
}

// ResolveChannelID looks up a channel id by name. A leading '#' is ignored.
func (s *SlackService) ResolveChannelID(ctx context.Context, name string) (string, error) {
	const method = "conversations.list"
	name = strings.TrimPrefix(name, "#")

	cursor := ""
	for {
		if err := s.wait(ctx, method); err != nil {
			return "", err
		}
		channels, next, err := s.client.GetConversationsContext(ctx, &slack.GetConversationsParameters{
			Cursor:          cursor,
			ExcludeArchived: true,
			Limit:           200,
			Types:           []string{"public_channel", "private_channel"},
		})
		if err != nil {
			apiErr := classifySlackError(method, err)
			log.Error(ctx, "Failed to list Slack channels",
				"error", err,
				"error_kind", apiErr.Kind.Error(),
				"method", method,
				"operation", "resolve_channel_id",
			)
			return "", apiErr
		}

		for _, ch := range channels {
			if ch.Name == name {
				return ch.ID, nil
			}
		}

		if next == "" {
			break
		}
		cursor = next
	}

	return "", fmt.Errorf("%w: %w: #%s", ErrValidation, ErrChannelNotFound, name)
}

// BotUserID returns the user id the token authenticates as.
func (s *SlackService) BotUserID(ctx context.Context) (string, error) {
	const method = "auth.test"
	if err := s.wait(ctx, method); err != nil {
		return "", err
	}

	resp, err := s.client.AuthTestContext(ctx)
	if err != nil {
		apiErr := classifySlackError(method, err)
		log.Error(ctx, "Slack auth test failed",
			"error", err,
			"error_kind", apiErr.Kind.Error(),
			"operation", "auth_test",
		)
		return "", apiErr
	}
	return resp.UserID, nil
}
