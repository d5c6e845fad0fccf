package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"gerrit-slack-notifier/internal/models"
	"gerrit-slack-notifier/internal/ui"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testGerritURL = "https://review.example"

func newTestGerrit(t *testing.T) (*GerritService, *httpmock.MockTransport) {
	t.Helper()
	transport := httpmock.NewMockTransport()
	return NewGerritService(testGerritURL+"/", &http.Client{Transport: transport}), transport
}

func gerritBody(changesJSON string) string {
	return ")]}'\n" + changesJSON
}

func TestGerritService_GetChanges(t *testing.T) {
	gerrit, transport := newTestGerrit(t)

	var rawQuery string
	transport.RegisterResponder(http.MethodGet, testGerritURL+"/changes/",
		func(req *http.Request) (*http.Response, error) {
			rawQuery = req.URL.RawQuery
			return httpmock.NewStringResponse(http.StatusOK, gerritBody(`[
				{
					"_number": 101,
					"subject": "Add parser",
					"owner": {"_account_id": 1, "name": "Alice Doe", "username": "alice"},
					"labels": {
						"Code-Review": {"approved": {"_account_id": 2}, "value": 2},
						"Verified": {"approved": {"_account_id": 3}, "value": 1}
					}
				},
				{
					"_number": 102,
					"subject": "Bump deps",
					"owner": {"_account_id": 4, "name": "Bob Roe"},
					"labels": {"Code-Review": {}, "Verified": {}}
				}
			]`)), nil
		})

	changes, err := gerrit.GetChanges(context.Background(), "status:open project:core")
	require.NoError(t, err)
	require.Len(t, changes, 2)

	assert.Equal(t, "o=LABELS&o=DETAILED_ACCOUNTS&q=status%3Aopen+project%3Acore", rawQuery)

	assert.Equal(t, models.Change{
		Number:     101,
		Subject:    "Add parser",
		Author:     "alice",
		URL:        "https://review.example/#/c/101",
		CodeReview: models.CodeReviewPlusTwo,
		Verified:   models.VerifiedOK,
	}, changes[0])

	assert.Equal(t, "Bob Roe", changes[1].Author, "falls back to display name without a username")
	assert.Equal(t, models.CodeReviewNone, changes[1].CodeReview)
	assert.Equal(t, models.VerifiedNone, changes[1].Verified)
	assert.Equal(t, 1, transport.GetTotalCallCount())
}

func TestGerritService_GetChanges_Empty(t *testing.T) {
	gerrit, transport := newTestGerrit(t)
	transport.RegisterResponder(http.MethodGet, testGerritURL+"/changes/",
		httpmock.NewStringResponder(http.StatusOK, gerritBody("[]\n")))

	changes, err := gerrit.GetChanges(context.Background(), "12345")
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestGerritService_GetChanges_Errors(t *testing.T) {
	tests := []struct {
		name      string
		responder httpmock.Responder
		expected  error
	}{
		{
			name:      "network failure",
			responder: httpmock.NewErrorResponder(errors.New("connection refused")),
			expected:  ErrTransport,
		},
		{
			name:      "server error",
			responder: httpmock.NewStringResponder(http.StatusBadGateway, "<html>bad gateway</html>"),
			expected:  ErrTransport,
		},
		{
			name:      "bad query",
			responder: httpmock.NewStringResponder(http.StatusBadRequest, "line 1:0 no viable alternative"),
			expected:  ErrApplicationRejection,
		},
		{
			name:      "missing anti-hijacking prefix",
			responder: httpmock.NewStringResponder(http.StatusOK, `[{"_number": 1}]`),
			expected:  ErrProtocol,
		},
		{
			name:      "malformed json",
			responder: httpmock.NewStringResponder(http.StatusOK, gerritBody(`[{"_number": `)),
			expected:  ErrProtocol,
		},
		{
			name:      "unexpected shape",
			responder: httpmock.NewStringResponder(http.StatusOK, gerritBody(`{"message": "not a list"}`)),
			expected:  ErrProtocol,
		},
		{
			name:      "change without number",
			responder: httpmock.NewStringResponder(http.StatusOK, gerritBody(`[{"subject": "x"}]`)),
			expected:  ErrProtocol,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gerrit, transport := newTestGerrit(t)
			transport.RegisterResponder(http.MethodGet, testGerritURL+"/changes/", tt.responder)

			changes, err := gerrit.GetChanges(context.Background(), "status:open")
			assert.Nil(t, changes)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.expected)

			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, "gerrit", apiErr.Service)
		})
	}
}

func TestGerritLabels_ColorMatrix(t *testing.T) {
	reviewLabels := []struct {
		name     string
		label    string
		expected models.CodeReview
	}{
		{name: "approved", label: `{"approved": {"_account_id": 1}, "value": 2}`, expected: models.CodeReviewPlusTwo},
		{name: "value 2 without approved", label: `{"value": 2}`, expected: models.CodeReviewPlusTwo},
		{name: "+1", label: `{"recommended": {"_account_id": 1}, "value": 1}`, expected: models.CodeReviewPlusOne},
		{name: "missing", label: `{}`, expected: models.CodeReviewNone},
		{name: "-1", label: `{"disliked": {"_account_id": 1}, "value": -1}`, expected: models.CodeReviewMinusOne},
		{name: "-2", label: `{"rejected": {"_account_id": 1}, "value": -2}`, expected: models.CodeReviewMinusTwo},
	}
	verifiedLabels := []struct {
		name     string
		label    string
		expected models.Verified
	}{
		{name: "verified", label: `{"approved": {"_account_id": 9}, "value": 1}`, expected: models.VerifiedOK},
		{name: "failed", label: `{"rejected": {"_account_id": 9}, "value": -1}`, expected: models.VerifiedFailed},
		{name: "missing", label: `{}`, expected: models.VerifiedNone},
	}

	for _, review := range reviewLabels {
		for _, verified := range verifiedLabels {
			t.Run(review.name+"/"+verified.name, func(t *testing.T) {
				gerrit, transport := newTestGerrit(t)
				body := fmt.Sprintf(`[{"_number": 5, "subject": "s", "owner": {"username": "u"},
					"labels": {"Code-Review": %s, "Verified": %s}}]`, review.label, verified.label)
				transport.RegisterResponder(http.MethodGet, testGerritURL+"/changes/",
					httpmock.NewStringResponder(http.StatusOK, gerritBody(body)))

				changes, err := gerrit.GetChanges(context.Background(), "5")
				require.NoError(t, err)
				require.Len(t, changes, 1)

				assert.Equal(t, review.expected, changes[0].CodeReview)
				assert.Equal(t, verified.expected, changes[0].Verified)

				expectedColor := ui.ColorRed
				switch {
				case review.expected == models.CodeReviewPlusTwo:
					expectedColor = ui.ColorGreen
				case review.expected == models.CodeReviewPlusOne && verified.expected == models.VerifiedOK:
					expectedColor = ui.ColorYellow
				}
				assert.Equal(t, expectedColor, ui.Color(changes[0].CodeReview, changes[0].Verified))
			})
		}
	}
}

func TestGerritLabels_AbsentLabels(t *testing.T) {
	assert.Equal(t, models.CodeReviewNone, codeReviewFromLabel(nil))
	assert.Equal(t, models.VerifiedNone, verifiedFromLabel(nil))
	assert.Equal(t, models.CodeReviewNone, codeReviewFromLabel(map[string]json.RawMessage{"approved": json.RawMessage("null")}))
	assert.Equal(t, models.VerifiedFailed, verifiedFromLabel(map[string]json.RawMessage{"value": json.RawMessage("0")}))
}

func TestGerritService_ChangesURL(t *testing.T) {
	gerrit, _ := newTestGerrit(t)
	assert.Equal(t, "https://review.example/#/q/status%3Aopen", gerrit.ChangesURL("status:open"))
	assert.Equal(t, "https://review.example/#/q/-label%3ACode-Review%2B2+is%3Aopen", gerrit.ChangesURL("-label:Code-Review+2 is:open"))
	assert.Equal(t, "https://review.example", gerrit.BaseURL())
}

func TestGerritService_GetChangesQueryEncoding(t *testing.T) {
	tests := []struct {
		name  string
		query string
	}{
		{name: "plus in label vote", query: "-label:Code-Review+2 status:open"},
		{name: "percent sign", query: "message:100%"},
		{name: "ampersand and hash", query: "topic:a&b message:#1"},
		{name: "parentheses", query: "status:open (owner:self OR reviewer:self)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gerrit, transport := newTestGerrit(t)

			var received string
			transport.RegisterResponder(http.MethodGet, testGerritURL+"/changes/",
				func(req *http.Request) (*http.Response, error) {
					received = req.URL.Query().Get("q")
					return httpmock.NewStringResponse(http.StatusOK, gerritBody("[]")), nil
				})

			_, err := gerrit.GetChanges(context.Background(), tt.query)
			require.NoError(t, err)
			assert.Equal(t, tt.query, received)
		})
	}
}
