package utils

import (
	"regexp"
	"strings"
)

var bracketLinkPattern = regexp.MustCompile(`<([^<>]+)>`)

// ParseLinks returns the targets of every <...> link in a Slack message, in order.
// Labels after '|' are dropped, and user, channel and special mentions are skipped.
func ParseLinks(text string) []string {
	matches := bracketLinkPattern.FindAllStringSubmatch(text, -1)
	links := make([]string, 0, len(matches))
	for _, m := range matches {
		target := m[1]
		if i := strings.IndexByte(target, '|'); i >= 0 {
			target = target[:i]
		}
		if target == "" || strings.ContainsAny(target[:1], "@#!") {
			continue
		}
		links = append(links, target)
	}
	return links
}

var slackEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// Escape encodes the three characters Slack treats as control characters in message text.
func Escape(text string) string {
	return slackEscaper.Replace(text)
}

// MakeLink formats a Slack hyperlink with a label.
func MakeLink(url, label string) string {
	return "<" + url + "|" + label + ">"
}
