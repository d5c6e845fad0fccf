package utils

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// ErrInvalidReviewLink is returned for links that do not point at a change or a search on the review server.
var ErrInvalidReviewLink = errors.New("not a review server link")

var (
	queryFragmentPattern  = regexp.MustCompile(`^/#/q/(.+)$`)
	changeFragmentPattern = regexp.MustCompile(`^/#/c/(\d+)(?:/.*)?$`)
	changePathPattern     = regexp.MustCompile(`^/(\d+)/?$`)
)

// OnReviewServer reports whether link has the scheme and host of baseURL and lies under its path.
func OnReviewServer(baseURL, link string) bool {
	_, ok := pathUnderBase(baseURL, link)
	return ok
}

// pathUnderBase returns the part of link after baseURL, fragment included, as "/path#fragment".
func pathUnderBase(baseURL, link string) (string, bool) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return "", false
	}
	u, err := url.Parse(link)
	if err != nil || !strings.EqualFold(u.Scheme, base.Scheme) || !strings.EqualFold(u.Host, base.Host) {
		return "", false
	}

	path := u.EscapedPath()
	if path != base.EscapedPath() && !strings.HasPrefix(path, base.EscapedPath()+"/") {
		return "", false
	}
	rest := strings.TrimPrefix(path, base.EscapedPath())
	if u.Fragment != "" {
		rest += "#" + u.EscapedFragment()
	}
	return rest, true
}

// ParseReviewLink extracts the search query from a pasted review server link.
// Accepted shapes, relative to baseURL:
//
//	{base}/#/q/<query>
//	{base}/#/c/<number>[/...]
//	{base}/<number>
//
// For change links the query is the bare change number. Search queries are URL-decoded, so the
// result is plain query text ("+" in the link is a space, "%2B" a plus).
func ParseReviewLink(baseURL, link string) (string, error) {
	rest, ok := pathUnderBase(baseURL, link)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidReviewLink, link)
	}

	if m := queryFragmentPattern.FindStringSubmatch(rest); m != nil {
		query, err := url.QueryUnescape(m[1])
		if err != nil || strings.TrimSpace(query) == "" {
			return "", fmt.Errorf("%w: %q", ErrInvalidReviewLink, link)
		}
		return query, nil
	}
	for _, pattern := range []*regexp.Regexp{changeFragmentPattern, changePathPattern} {
		if m := pattern.FindStringSubmatch(rest); m != nil {
			return m[1], nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidReviewLink, link)
}

// ChangeURL is the browser link for one change.
func ChangeURL(baseURL string, number int) string {
	return fmt.Sprintf("%s/#/c/%d", strings.TrimRight(baseURL, "/"), number)
}

// SearchURL is the browser link for a plain-text search query.
func SearchURL(baseURL, query string) string {
	return fmt.Sprintf("%s/#/q/%s", strings.TrimRight(baseURL, "/"), url.QueryEscape(query))
}
