package ui

import "fmt"

// Locale holds the user-facing strings of summaries and chat replies.
type Locale struct {
	Code          string
	Summary       string // count of changes from the schedule's query
	External      string // count of changes queued from chat links
	AlreadyQueued string
	QueuedAt      string // permalink of the message that first queued the link
	InvalidLink   string
}

var locales = map[string]Locale{
	"en": {
		Code:          "en",
		Summary:       "%d changes waiting for review:",
		External:      "%d requested changes waiting for review:",
		AlreadyQueued: "This review is already queued.",
		QueuedAt:      "This review is already queued: %s",
		InvalidLink:   "I could not find a change or a search in this link: %s",
	},
	"hu": {
		Code:          "hu",
		Summary:       "%d patch vár review-ra:",
		External:      "%d kért patch vár review-ra:",
		AlreadyQueued: "Ez a review már sorban van.",
		QueuedAt:      "Ez a review már sorban van: %s",
		InvalidLink:   "Ebben a linkben nem találtam patch-et vagy keresést: %s",
	},
}

// LookupLocale returns the locale for code, or an error for an unknown code.
func LookupLocale(code string) (Locale, error) {
	l, ok := locales[code]
	if !ok {
		return Locale{}, fmt.Errorf("unsupported locale %q", code)
	}
	return l, nil
}

// DefaultLocale is English.
func DefaultLocale() Locale {
	return locales["en"]
}
