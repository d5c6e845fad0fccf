package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"gerrit-slack-notifier/internal/log"
	"gerrit-slack-notifier/internal/models"
	"gerrit-slack-notifier/internal/utils"
)

// Gerrit prefixes every JSON response with this line to defeat cross-site script inclusion.
var xssiPrefix = []byte(")]}'")

const maxGerritResponseBytes = 16 << 20

// GerritService fetches open changes from a Gerrit server.
type GerritService struct {
	baseURL    string
	httpClient *http.Client
}

// NewGerritService creates a client for the Gerrit server at baseURL.
func NewGerritService(baseURL string, httpClient *http.Client) *GerritService {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &GerritService{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// BaseURL returns the server URL without a trailing slash.
func (g *GerritService) BaseURL() string {
	return g.baseURL
}

// ChangesURL is the browser link for the search results of query.
func (g *GerritService) ChangesURL(query string) string {
	return utils.SearchURL(g.baseURL, query)
}

type gerritAccount struct {
	Username string `json:"username"`
	Name     string `json:"name"`
}

type gerritChange struct {
	Number  int                                   `json:"_number"`
	Subject string                                `json:"subject"`
	Owner   gerritAccount                         `json:"owner"`
	Labels  map[string]map[string]json.RawMessage `json:"labels"`
}

// GetChanges runs query and returns the matching changes with their vote state.
func (g *GerritService) GetChanges(ctx context.Context, query string) ([]models.Change, error) {
	endpoint := g.baseURL + "/changes/?o=LABELS&o=DETAILED_ACCOUNTS&q=" + url.QueryEscape(query)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &APIError{Kind: ErrValidation, Service: "gerrit", Method: "changes", Detail: query, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		log.Error(ctx, "Failed to reach Gerrit",
			"error", err,
			"endpoint", endpoint,
			"query", query,
			"operation", "get_changes",
		)
		return nil, &APIError{Kind: ErrTransport, Service: "gerrit", Method: "changes", Detail: query, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxGerritResponseBytes))
	if err != nil {
		log.Error(ctx, "Failed to read Gerrit response",
			"error", err,
			"endpoint", endpoint,
			"status", resp.StatusCode,
			"operation", "get_changes",
		)
		return nil, &APIError{Kind: ErrTransport, Service: "gerrit", Method: "changes", Status: resp.StatusCode, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		kind := ErrApplicationRejection
		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
			kind = ErrTransport
		}
		log.Error(ctx, "Gerrit returned an error status",
			"endpoint", endpoint,
			"query", query,
			"status", resp.StatusCode,
			"body", truncateForLog(body),
			"operation", "get_changes",
		)
		return nil, &APIError{
			Kind:    kind,
			Service: "gerrit",
			Method:  "changes",
			Status:  resp.StatusCode,
			Detail:  strings.TrimSpace(truncateForLog(body)),
		}
	}

	changes, err := g.parseChanges(body)
	if err != nil {
		log.Error(ctx, "Failed to parse Gerrit response",
			"error", err,
			"endpoint", endpoint,
			"query", query,
			"status", resp.StatusCode,
			"operation", "get_changes",
		)
		return nil, &APIError{Kind: ErrProtocol, Service: "gerrit", Method: "changes", Status: resp.StatusCode, Err: err}
	}

	log.Debug(ctx, "Fetched changes from Gerrit",
		"query", query,
		"change_count", len(changes),
	)
	return changes, nil
}

func (g *GerritService) parseChanges(body []byte) ([]models.Change, error) {
	if !bytes.HasPrefix(body, xssiPrefix) {
		return nil, fmt.Errorf("response does not start with %q", xssiPrefix)
	}

	var raw []gerritChange
	if err := json.Unmarshal(body[len(xssiPrefix):], &raw); err != nil {
		return nil, fmt.Errorf("failed to decode changes: %w", err)
	}

	changes := make([]models.Change, 0, len(raw))
	for _, c := range raw {
		if c.Number <= 0 {
			return nil, fmt.Errorf("change %q has no number", c.Subject)
		}
		author := c.Owner.Username
		if author == "" {
			author = c.Owner.Name
		}
		changes = append(changes, models.Change{
			Number:     c.Number,
			Subject:    c.Subject,
			Author:     author,
			URL:        utils.ChangeURL(g.baseURL, c.Number),
			CodeReview: codeReviewFromLabel(c.Labels["Code-Review"]),
			Verified:   verifiedFromLabel(c.Labels["Verified"]),
		})
	}
	return changes, nil
}

// codeReviewFromLabel derives the Code-Review state. An "approved" account means +2 whatever
// the value says.
func codeReviewFromLabel(label map[string]json.RawMessage) models.CodeReview {
	if present(label, "approved") {
		return models.CodeReviewPlusTwo
	}
	if !present(label, "value") {
		return models.CodeReviewNone
	}

	var value int
	if err := json.Unmarshal(label["value"], &value); err != nil {
		return models.CodeReviewNone
	}
	switch value {
	case 2:
		return models.CodeReviewPlusTwo
	case 1:
		return models.CodeReviewPlusOne
	case -1:
		return models.CodeReviewMinusOne
	case -2:
		return models.CodeReviewMinusTwo
	default:
		return models.CodeReviewNone
	}
}

func verifiedFromLabel(label map[string]json.RawMessage) models.Verified {
	if len(label) == 0 {
		return models.VerifiedNone
	}
	if present(label, "approved") {
		return models.VerifiedOK
	}
	return models.VerifiedFailed
}

func present(label map[string]json.RawMessage, key string) bool {
	v, ok := label[key]
	return ok && !bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

func truncateForLog(body []byte) string {
	const limit = 512
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
