package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"gerrit-slack-notifier/internal/config"
	"gerrit-slack-notifier/internal/log"
	"gerrit-slack-notifier/internal/models"
	"gerrit-slack-notifier/internal/services"
	"gerrit-slack-notifier/internal/ui"
	"gerrit-slack-notifier/internal/utils"
)

// EventStream delivers raw real-time events.
type EventStream interface {
	Next(ctx context.Context) ([]byte, error)
	SelfID() string
}

// ReactionSink is the part of the chat API the listener uses.
type ReactionSink interface {
	AddReaction(ctx context.Context, channel, ts, emoji string) error
	ReplyInThread(ctx context.Context, channel, threadTS, text string) (*services.PostedMessage, error)
	Permalink(ctx context.Context, channel, ts string) (string, error)
}

// ListenerOptions configures an EventListener.
type ListenerOptions struct {
	ReviewServerURL string
	BotUserID       string
	Emoji           config.EmojiConfig
}

// rtmEvent holds the fields of a real-time event the listener looks at.
type rtmEvent struct {
	OK      *bool  `json:"ok"`
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	Channel string `json:"channel"`
	User    string `json:"user"`
	Text    string `json:"text"`
	TS      string `json:"ts"`
}

type reviewLink struct {
	url   string
	query string
}

// EventListener queues review links posted in channels.
type EventListener struct {
	store   services.Store
	slack   ReactionSink
	builder *ui.SummaryBuilder
	opts    ListenerOptions

	botUserID string
	wg        sync.WaitGroup
}

// NewEventListener creates a new EventListener.
func NewEventListener(store services.Store, sink ReactionSink, builder *ui.SummaryBuilder, opts ListenerOptions) *EventListener {
	opts.ReviewServerURL = strings.TrimRight(opts.ReviewServerURL, "/")
	return &EventListener{
		store:     store,
		slack:     sink,
		builder:   builder,
		opts:      opts,
		botUserID: opts.BotUserID,
	}
}

// Listen handles events until the stream fails or the server says goodbye.
// A goodbye returns nil; the caller decides whether to reconnect.
func (l *EventListener) Listen(ctx context.Context, stream EventStream) error {
	if l.opts.BotUserID == "" {
		l.botUserID = stream.SelfID()
	}
	ctx = log.WithFields(ctx, log.LogFields{"component": "event_listener"})

	for {
		raw, err := stream.Next(ctx)
		if err != nil {
			return err
		}
		if l.HandleEvent(ctx, raw) {
			log.Info(ctx, "Slack closed the event stream")
			return nil
		}
	}
}

// Wait blocks until the side effects of every handled event have finished.
func (l *EventListener) Wait() {
	l.wg.Wait()
}

// HandleEvent classifies one raw event and starts its side effects in the background.
// It reports whether the event was a goodbye.
func (l *EventListener) HandleEvent(ctx context.Context, raw []byte) bool {
	var ev rtmEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		log.Warn(ctx, "Ignoring malformed event", "error", err, "size", len(raw))
		return false
	}

	// Replies to our own calls carry "ok".
	if ev.OK != nil {
		return false
	}
	if ev.Type == "goodbye" {
		return true
	}
	if ev.Type != "message" || ev.Subtype != "" {
		return false
	}
	if ev.User == "" || ev.User == l.botUserID {
		return false
	}

	links, invalid := l.extractLinks(ev.Text)
	if len(links) == 0 && len(invalid) == 0 {
		return false
	}

	ctx = log.WithFields(context.WithoutCancel(ctx), log.LogFields{
		"channel_id":    ev.Channel,
		"message_ts":    ev.TS,
		"slack_user_id": ev.User,
	})
	log.Info(ctx, "Found review links in message", "links", len(links), "invalid_links", len(invalid))

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.process(ctx, ev, links, invalid)
	}()
	return false
}

// extractLinks returns the distinct review server links in text, split into parseable ones
// and ones that point at the server but match no known shape.
func (l *EventListener) extractLinks(text string) ([]reviewLink, []string) {
	var links []reviewLink
	var invalid []string
	seen := make(map[string]bool)

	for _, link := range utils.ParseLinks(text) {
		if seen[link] || !utils.OnReviewServer(l.opts.ReviewServerURL, link) {
			continue
		}
		seen[link] = true

		query, err := utils.ParseReviewLink(l.opts.ReviewServerURL, link)
		if err != nil {
			invalid = append(invalid, link)
			continue
		}
		links = append(links, reviewLink{url: link, query: query})
	}
	return links, invalid
}

func (l *EventListener) process(ctx context.Context, ev rtmEvent, links []reviewLink, invalid []string) {
	if len(invalid) > 0 {
		log.Warn(ctx, "Message contains review server links that cannot be parsed", "invalid_links", invalid)
		if _, err := l.slack.ReplyInThread(ctx, ev.Channel, ev.TS, l.builder.InvalidLinkReply(invalid[0])); err != nil {
			log.Warn(ctx, "Failed to reply about invalid link", "error", err)
		}
	}
	if len(links) == 0 {
		return
	}

	var fresh []reviewLink
	var duplicates []*models.ReviewRequest
	for _, link := range links {
		existing, err := l.store.FindReviewRequestByURL(ctx, link.url)
		if err != nil {
			log.Error(ctx, "Failed to look up review request",
				"error", err,
				"gerrit_url", link.url,
				"operation", "find_review_request",
			)
			continue
		}
		if existing != nil {
			duplicates = append(duplicates, existing)
			continue
		}
		fresh = append(fresh, link)
	}

	if len(duplicates) > 0 {
		l.handleDuplicates(ctx, ev, duplicates)
	}
	if len(fresh) > 0 {
		l.queue(ctx, ev, fresh)
	}
}

// handleDuplicates reacts to the message and points the sender at the first existing request.
func (l *EventListener) handleDuplicates(ctx context.Context, ev rtmEvent, duplicates []*models.ReviewRequest) {
	if err := l.slack.AddReaction(ctx, ev.Channel, ev.TS, l.opts.Emoji.Duplicate); err != nil {
		log.Warn(ctx, "Failed to add duplicate reaction", "error", err)
	}

	first := duplicates[0]
	permalink := ""
	if first.ChannelID != "" && first.TS != "" {
		link, err := l.slack.Permalink(ctx, first.ChannelID, first.TS)
		if err != nil {
			log.Warn(ctx, "Could not resolve link to the original request", "error", err, "gerrit_url", first.GerritURL)
		} else {
			permalink = link
		}
	}

	if _, err := l.slack.ReplyInThread(ctx, ev.Channel, ev.TS, l.builder.DuplicateReply(permalink)); err != nil {
		log.Warn(ctx, "Failed to reply about duplicate review request", "error", err)
	}
	log.Info(ctx, "Skipped duplicate review requests", "count", len(duplicates))
}

// queue stores one request per link, owned by the first schedule of the channel if there is one.
func (l *EventListener) queue(ctx context.Context, ev rtmEvent, links []reviewLink) {
	scheduleID := ""
	schedule, err := l.store.FirstScheduleForChannel(ctx, ev.Channel)
	if err != nil {
		log.Warn(ctx, "Could not look up schedule for channel, queuing without one", "error", err)
	} else if schedule != nil {
		scheduleID = schedule.ID
	}

	requests := make([]*models.ReviewRequest, 0, len(links))
	for _, link := range links {
		requests = append(requests, &models.ReviewRequest{
			ScheduleID:  scheduleID,
			ChannelID:   ev.Channel,
			TS:          ev.TS,
			SlackUserID: ev.User,
			GerritURL:   link.url,
			GerritQuery: link.query,
		})
	}

	created, err := l.store.CreateReviewRequests(ctx, requests)
	if err != nil {
		log.Error(ctx, "Failed to save review requests",
			"error", err,
			"count", len(requests),
			"operation", "create_review_requests",
		)
		if created == 0 || errors.Is(err, services.ErrValidation) {
			return
		}
	}
	if created < len(requests) {
		log.Info(ctx, "Some review requests were queued concurrently", "requested", len(requests), "created", created)
	}

	if err := l.slack.AddReaction(ctx, ev.Channel, ev.TS, l.opts.Emoji.Queued); err != nil {
		log.Warn(ctx, "Failed to add queued reaction", "error", err)
	}
	log.Info(ctx, "Saved review requests", "count", created, "schedule_id", scheduleID)
}
