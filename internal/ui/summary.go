// Package ui renders review summaries as Slack messages.
package ui

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"gerrit-slack-notifier/internal/models"
	"gerrit-slack-notifier/internal/utils"

	"github.com/slack-go/slack"
)

// LineWidth is the number of columns Slack shows before wrapping an attachment author line.
const LineWidth = 80

const ellipsis = " …"

const (
	ColorGreen  = "#36a64f"
	ColorYellow = "#DBF32D"
	ColorRed    = "#EC1313"
)

const (
	iconPlusOne  = ":+1:"
	iconPoop     = ":poop:"
	iconJS       = ":js:"
	iconMissing  = ":exclamation:"
	iconVerified = ":white_check_mark:"
	iconFailed   = ":x:"
)

var reviewIcons = map[models.CodeReview]string{
	models.CodeReviewNone:     iconMissing,
	models.CodeReviewPlusOne:  iconPlusOne,
	models.CodeReviewPlusTwo:  iconPlusOne + iconPlusOne,
	models.CodeReviewMinusOne: iconPoop,
	models.CodeReviewMinusTwo: iconJS,
}

var verifiedIcons = map[models.Verified]string{
	models.VerifiedNone:   "",
	models.VerifiedOK:     iconVerified,
	models.VerifiedFailed: iconFailed,
}

// RenderedChange is the display form of one change.
type RenderedChange struct {
	ReviewIcon   string
	VerifiedIcon string
	Color        string
	Text         string // escaped, fits in LineWidth
}

// Color maps the two vote axes to an attachment color.
func Color(review models.CodeReview, verified models.Verified) string {
	switch {
	case review == models.CodeReviewPlusTwo:
		return ColorGreen
	case review == models.CodeReviewPlusOne && verified == models.VerifiedOK:
		return ColorYellow
	default:
		return ColorRed
	}
}

// SummaryBuilder renders changes and summary lines in one locale.
type SummaryBuilder struct {
	locale Locale
}

// NewSummaryBuilder creates a new summary builder.
func NewSummaryBuilder(locale Locale) *SummaryBuilder {
	return &SummaryBuilder{locale: locale}
}

// Locale returns the builder's locale.
func (b *SummaryBuilder) Locale() Locale {
	return b.locale
}

// Render turns a change into icons, color and a single line of text.
//
// The line reads "CR: <review> V: <verified> <author>: <subject>". Each icon counts as one
// column. The author and subject are shortened at a word boundary to fit, then the whole
// line is escaped.
func (b *SummaryBuilder) Render(change models.Change) RenderedChange {
	reviewIcon := reviewIcons[change.CodeReview]
	verifiedIcon := verifiedIcons[change.Verified]

	parts := []string{"CR:", reviewIcon, "V:"}
	width := len("CR: ") + reviewIconWidth(change.CodeReview) + len(" V:")
	if verifiedIcon != "" {
		parts = append(parts, verifiedIcon)
		width += 2
	}
	width++ // separator before the body

	body := shorten(change.Author+": "+change.Subject, LineWidth-width)
	line := strings.Join(parts, " ") + " " + body

	return RenderedChange{
		ReviewIcon:   reviewIcon,
		VerifiedIcon: verifiedIcon,
		Color:        Color(change.CodeReview, change.Verified),
		Text:         utils.Escape(line),
	}
}

// Attachment renders a change as a colored attachment whose author line links to the change.
func (b *SummaryBuilder) Attachment(change models.Change) slack.Attachment {
	r := b.Render(change)
	return slack.Attachment{
		Color:      r.Color,
		Fallback:   r.Text,
		AuthorName: r.Text,
		AuthorLink: change.URL,
	}
}

// Attachments renders every change, keeping order.
func (b *SummaryBuilder) Attachments(changes []models.Change) []slack.Attachment {
	attachments := make([]slack.Attachment, 0, len(changes))
	for _, c := range changes {
		attachments = append(attachments, b.Attachment(c))
	}
	return attachments
}

// SummaryText is the headline of a schedule summary, linking to the search view.
func (b *SummaryBuilder) SummaryText(count int, searchURL string) string {
	return utils.MakeLink(searchURL, fmt.Sprintf(b.locale.Summary, count))
}

// ExternalSummaryText is the headline of the summary of changes queued from chat.
func (b *SummaryBuilder) ExternalSummaryText(count int) string {
	return fmt.Sprintf(b.locale.External, count)
}

// DuplicateReply is posted in the thread of a message that repeats a queued link.
func (b *SummaryBuilder) DuplicateReply(permalink string) string {
	if permalink == "" {
		return b.locale.AlreadyQueued
	}
	return fmt.Sprintf(b.locale.QueuedAt, permalink)
}

// InvalidLinkReply tells the sender that a review server link could not be understood.
func (b *SummaryBuilder) InvalidLinkReply(link string) string {
	return fmt.Sprintf(b.locale.InvalidLink, link)
}

func reviewIconWidth(review models.CodeReview) int {
	if review == models.CodeReviewPlusTwo {
		return 2
	}
	return 1
}

// shorten collapses whitespace and, if text is wider than width, drops trailing words and
// appends an ellipsis. A first word that alone is too wide is cut mid-word.
func shorten(text string, width int) string {
	words := strings.Fields(text)
	full := strings.Join(words, " ")
	if utf8.RuneCountInString(full) <= width {
		return full
	}

	limit := width - utf8.RuneCountInString(ellipsis)
	if limit <= 0 {
		return strings.TrimLeft(ellipsis, " ")
	}

	var sb strings.Builder
	n := 0
	for _, w := range words {
		wl := utf8.RuneCountInString(w)
		if n == 0 && wl > limit {
			sb.WriteString(string([]rune(w)[:limit]))
			n = limit
			break
		}
		add := wl
		if n > 0 {
			add++
		}
		if n+add > limit {
			break
		}
		if n > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(w)
		n += add
	}
	return sb.String() + ellipsis
}
