package ui

import (
	"strings"
	"testing"
	"unicode/utf8"

	"gerrit-slack-notifier/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestColor_AllVoteCombinations(t *testing.T) {
	tests := []struct {
		name     string
		review   models.CodeReview
		verified models.Verified
		expected string
	}{
		{name: "+2 verified", review: models.CodeReviewPlusTwo, verified: models.VerifiedOK, expected: ColorGreen},
		{name: "+2 failed", review: models.CodeReviewPlusTwo, verified: models.VerifiedFailed, expected: ColorGreen},
		{name: "+2 unverified", review: models.CodeReviewPlusTwo, verified: models.VerifiedNone, expected: ColorGreen},
		{name: "+1 verified", review: models.CodeReviewPlusOne, verified: models.VerifiedOK, expected: ColorYellow},
		{name: "+1 failed", review: models.CodeReviewPlusOne, verified: models.VerifiedFailed, expected: ColorRed},
		{name: "+1 unverified", review: models.CodeReviewPlusOne, verified: models.VerifiedNone, expected: ColorRed},
		{name: "no review verified", review: models.CodeReviewNone, verified: models.VerifiedOK, expected: ColorRed},
		{name: "no review failed", review: models.CodeReviewNone, verified: models.VerifiedFailed, expected: ColorRed},
		{name: "no review unverified", review: models.CodeReviewNone, verified: models.VerifiedNone, expected: ColorRed},
		{name: "-1 verified", review: models.CodeReviewMinusOne, verified: models.VerifiedOK, expected: ColorRed},
		{name: "-1 failed", review: models.CodeReviewMinusOne, verified: models.VerifiedFailed, expected: ColorRed},
		{name: "-1 unverified", review: models.CodeReviewMinusOne, verified: models.VerifiedNone, expected: ColorRed},
		{name: "-2 verified", review: models.CodeReviewMinusTwo, verified: models.VerifiedOK, expected: ColorRed},
		{name: "-2 failed", review: models.CodeReviewMinusTwo, verified: models.VerifiedFailed, expected: ColorRed},
		{name: "-2 unverified", review: models.CodeReviewMinusTwo, verified: models.VerifiedNone, expected: ColorRed},
	}

	b := NewSummaryBuilder(DefaultLocale())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Color(tt.review, tt.verified))

			rendered := b.Render(models.Change{Author: "dev", Subject: "fix", CodeReview: tt.review, Verified: tt.verified})
			assert.Equal(t, tt.expected, rendered.Color)
		})
	}
}

func TestRender_Icons(t *testing.T) {
	tests := []struct {
		name     string
		change   models.Change
		expected string
	}{
		{
			name:     "+2 renders the +1 icon twice",
			change:   models.Change{Author: "alice", Subject: "Add parser", CodeReview: models.CodeReviewPlusTwo, Verified: models.VerifiedOK},
			expected: "CR: :+1::+1: V: :white_check_mark: alice: Add parser",
		},
		{
			name:     "missing verification renders nothing",
			change:   models.Change{Author: "bob", Subject: "Bump deps", CodeReview: models.CodeReviewNone, Verified: models.VerifiedNone},
			expected: "CR: :exclamation: V: bob: Bump deps",
		},
		{
			name:     "negative votes",
			change:   models.Change{Author: "carol", Subject: "WIP", CodeReview: models.CodeReviewMinusTwo, Verified: models.VerifiedFailed},
			expected: "CR: :js: V: :x: carol: WIP",
		},
		{
			name:     "-1",
			change:   models.Change{Author: "dave", Subject: "Refactor", CodeReview: models.CodeReviewMinusOne, Verified: models.VerifiedOK},
			expected: "CR: :poop: V: :white_check_mark: dave: Refactor",
		},
	}

	b := NewSummaryBuilder(DefaultLocale())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, b.Render(tt.change).Text)
		})
	}
}

func TestRender_Idempotent(t *testing.T) {
	b := NewSummaryBuilder(DefaultLocale())
	change := models.Change{
		Author:     "alice",
		Subject:    strings.Repeat("very long <subject> & more ", 10),
		CodeReview: models.CodeReviewPlusOne,
		Verified:   models.VerifiedOK,
	}

	assert.Equal(t, b.Render(change), b.Render(change))
}

// visibleWidth counts each icon as one column and each entity as one character.
func visibleWidth(text string) int {
	replacer := strings.NewReplacer(
		iconVerified, "V", iconFailed, "X", iconMissing, "!", iconPlusOne, "+", iconPoop, "P", iconJS, "J",
		"&amp;", "&", "&lt;", "<", "&gt;", ">",
	)
	return utf8.RuneCountInString(replacer.Replace(text))
}

func TestRender_TruncatesToLineWidth(t *testing.T) {
	b := NewSummaryBuilder(DefaultLocale())
	change := models.Change{
		Author:     "alice",
		Subject:    "Implement the new storage layer for sent messages and review requests with migrations",
		CodeReview: models.CodeReviewPlusTwo,
		Verified:   models.VerifiedOK,
	}

	text := b.Render(change).Text
	assert.True(t, strings.HasSuffix(text, " …"), text)
	assert.LessOrEqual(t, visibleWidth(text), LineWidth)
	assert.Greater(t, visibleWidth(text), LineWidth-15, "shortening should keep as many words as fit")
}

func TestRender_ShortTextIsNotTruncated(t *testing.T) {
	b := NewSummaryBuilder(DefaultLocale())
	text := b.Render(models.Change{Author: "a", Subject: "short"}).Text
	assert.NotContains(t, text, "…")
}

func TestRender_TruncationNeverSplitsEscapes(t *testing.T) {
	b := NewSummaryBuilder(DefaultLocale())

	for pad := 40; pad < 90; pad++ {
		for _, special := range []string{"<", ">", "&", "<&>", "a&b", "<x>"} {
			subject := strings.Repeat("x", pad%13) + " " + strings.Repeat("word ", pad/5) + special + " " + special + "tail"
			text := b.Render(models.Change{Author: "dev", Subject: subject, CodeReview: models.CodeReviewNone}).Text

			assert.NotContains(t, text, "<", "raw < in %q", text)
			assert.NotContains(t, text, ">", "raw > in %q", text)
			for i := strings.IndexByte(text, '&'); i >= 0; {
				rest := text[i:]
				require.True(t,
					strings.HasPrefix(rest, "&amp;") || strings.HasPrefix(rest, "&lt;") || strings.HasPrefix(rest, "&gt;"),
					"partial entity in %q", text)
				next := strings.IndexByte(rest[1:], '&')
				if next < 0 {
					break
				}
				i += next + 1
			}
			assert.LessOrEqual(t, visibleWidth(text), LineWidth, text)
		}
	}
}

func TestShorten(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		width    int
		expected string
	}{
		{name: "fits", text: "hello world", width: 11, expected: "hello world"},
		{name: "collapses whitespace", text: "hello   \n world", width: 20, expected: "hello world"},
		{name: "drops words", text: "hello big world", width: 12, expected: "hello big …"},
		{name: "cuts long first word", text: "abcdefghijkl", width: 8, expected: "abcdef …"},
		{name: "no room", text: "hello world", width: 2, expected: "…"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, shorten(tt.text, tt.width))
		})
	}
}

func TestAttachment(t *testing.T) {
	b := NewSummaryBuilder(DefaultLocale())
	change := models.Change{
		Number:     7,
		Author:     "alice",
		Subject:    "a < b",
		URL:        "https://review.example/#/c/7",
		CodeReview: models.CodeReviewPlusOne,
		Verified:   models.VerifiedOK,
	}

	attachment := b.Attachment(change)
	assert.Equal(t, ColorYellow, attachment.Color)
	assert.Equal(t, "https://review.example/#/c/7", attachment.AuthorLink)
	assert.Equal(t, "CR: :+1: V: :white_check_mark: alice: a &lt; b", attachment.AuthorName)
	assert.Equal(t, attachment.AuthorName, attachment.Fallback)

	assert.Len(t, b.Attachments([]models.Change{change, change}), 2)
}

func TestSummaryTexts(t *testing.T) {
	en := NewSummaryBuilder(DefaultLocale())
	assert.Equal(t, "<https://review.example/#/q/status:open|2 changes waiting for review:>",
		en.SummaryText(2, "https://review.example/#/q/status:open"))
	assert.Equal(t, "1 requested changes waiting for review:", en.ExternalSummaryText(1))
	assert.Equal(t, "This review is already queued.", en.DuplicateReply(""))
	assert.Equal(t, "This review is already queued: https://slack/p1", en.DuplicateReply("https://slack/p1"))
	assert.Equal(t, "I could not find a change or a search in this link: https://review.example/x", en.InvalidLinkReply("https://review.example/x"))

	huLocale, err := LookupLocale("hu")
	require.NoError(t, err)
	hu := NewSummaryBuilder(huLocale)
	assert.Equal(t, "<https://r/#/q/x|10 patch vár review-ra:>", hu.SummaryText(10, "https://r/#/q/x"))

	_, err = LookupLocale("de")
	assert.Error(t, err)
}
