package models

import (
	"errors"
	"time"
)

var (
	ErrScheduleIDRequired  = errors.New("schedule ID is required")
	ErrChannelIDRequired   = errors.New("slack channel ID is required")
	ErrCrontabRequired     = errors.New("crontab is required")
	ErrMessageTSRequired   = errors.New("slack message timestamp is required")
	ErrInvalidMessageKind  = errors.New("message kind must be 'primary' or 'external'")
	ErrGerritURLRequired   = errors.New("gerrit URL is required")
	ErrGerritQueryRequired = errors.New("gerrit query is required")
)

// Schedule is one configured summary: which channel, which change query, and when.
// An empty GerritQuery means the schedule only flushes queued review requests.
type Schedule struct {
	ID          string    `firestore:"id"           gorm:"primaryKey;size:64"        json:"id"`
	ChannelName string    `firestore:"channel_name" json:"channel_name"`
	ChannelID   string    `firestore:"channel_id"   gorm:"index;not null"            json:"channel_id"`
	GerritQuery string    `firestore:"gerrit_query" json:"gerrit_query"`
	Crontab     string    `firestore:"crontab"      gorm:"not null"                  json:"crontab"`
	CreatedAt   time.Time `firestore:"created_at"   json:"created_at"`
	UpdatedAt   time.Time `firestore:"updated_at"   json:"updated_at"`
}

// Validate validates required fields for Schedule.
func (s *Schedule) Validate() error {
	if s.ID == "" {
		return ErrScheduleIDRequired
	}
	if s.ChannelID == "" {
		return ErrChannelIDRequired
	}
	if s.Crontab == "" {
		return ErrCrontabRequired
	}
	return nil
}

// MessageKind tells the primary summary apart from the review-request summary.
type MessageKind string

const (
	MessageKindPrimary  MessageKind = "primary"
	MessageKindExternal MessageKind = "external"
)

// SentMessage records a summary that is currently visible in a channel.
// ScheduleID is empty once the owning schedule has been deleted.
type SentMessage struct {
	ID         string      `firestore:"id"          gorm:"primaryKey;size:64" json:"id"`
	ScheduleID string      `firestore:"schedule_id" gorm:"index"              json:"schedule_id"`
	ChannelID  string      `firestore:"channel_id"  gorm:"not null"           json:"channel_id"`
	TS         string      `firestore:"ts"          gorm:"not null"           json:"ts"`
	Kind       MessageKind `firestore:"kind"        gorm:"size:16"            json:"kind"`
	Message    string      `firestore:"message"     json:"message"` // rendered text and attachments as JSON
	CreatedAt  time.Time   `firestore:"created_at"  json:"created_at"`
}

// Validate validates required fields for SentMessage.
func (m *SentMessage) Validate() error {
	if m.ChannelID == "" {
		return ErrChannelIDRequired
	}
	if m.TS == "" {
		return ErrMessageTSRequired
	}
	if m.Kind != MessageKindPrimary && m.Kind != MessageKindExternal {
		return ErrInvalidMessageKind
	}
	return nil
}

// ReviewRequest is a review link a user pasted into a channel, queued for the next summary.
type ReviewRequest struct {
	ID          string    `firestore:"id"           gorm:"primaryKey;size:64"                  json:"id"`
	ScheduleID  string    `firestore:"schedule_id"  gorm:"index"                               json:"schedule_id"`
	ChannelID   string    `firestore:"channel_id"   gorm:"index;not null"                      json:"channel_id"`
	TS          string    `firestore:"ts"           json:"ts"`
	SlackUserID string    `firestore:"slack_user_id" json:"slack_user_id"`
	GerritURL   string    `firestore:"gerrit_url"   gorm:"uniqueIndex;size:2048;not null"      json:"gerrit_url"`
	GerritQuery string    `firestore:"gerrit_query" gorm:"not null"                            json:"gerrit_query"`
	CreatedAt   time.Time `firestore:"created_at"   json:"created_at"`
}

// Validate validates required fields for ReviewRequest.
func (r *ReviewRequest) Validate() error {
	if r.ChannelID == "" {
		return ErrChannelIDRequired
	}
	if r.GerritURL == "" {
		return ErrGerritURLRequired
	}
	if r.GerritQuery == "" {
		return ErrGerritQueryRequired
	}
	return nil
}

// CodeReview is the aggregate Code-Review vote on a change.
type CodeReview int

const (
	CodeReviewNone CodeReview = iota
	CodeReviewPlusOne
	CodeReviewPlusTwo
	CodeReviewMinusOne
	CodeReviewMinusTwo
)

func (c CodeReview) String() string {
	switch c {
	case CodeReviewPlusOne:
		return "+1"
	case CodeReviewPlusTwo:
		return "+2"
	case CodeReviewMinusOne:
		return "-1"
	case CodeReviewMinusTwo:
		return "-2"
	default:
		return "none"
	}
}

// Verified is the aggregate Verified vote on a change.
type Verified int

const (
	VerifiedNone Verified = iota
	VerifiedOK
	VerifiedFailed
)

func (v Verified) String() string {
	switch v {
	case VerifiedOK:
		return "verified"
	case VerifiedFailed:
		return "failed"
	default:
		return "none"
	}
}

// Change is an open review fetched from the review server. It is never stored.
type Change struct {
	Number     int
	Subject    string
	Author     string
	URL        string
	CodeReview CodeReview
	Verified   Verified
}
