package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"

	"github.com/slack-go/slack"
)

// Failure classes shared by every remote call. Match them with errors.Is.
var (
	ErrTransport            = errors.New("transport failure")
	ErrProtocol             = errors.New("protocol failure")
	ErrApplicationRejection = errors.New("rejected by remote service")
	ErrValidation           = errors.New("validation failure")
)

// APIError describes one failed remote call.
type APIError struct {
	Kind    error
	Service string
	Method  string
	Status  int
	Detail  string
	Err     error
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Service, e.Method, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *APIError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// SlackErrorCode returns the Slack "error" field carried by err, if any.
func SlackErrorCode(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) && errors.Is(apiErr.Kind, ErrApplicationRejection) {
		return apiErr.Detail
	}
	var slackErr slack.SlackErrorResponse
	if errors.As(err, &slackErr) {
		return slackErr.Err
	}
	return ""
}

func classifySlackError(method string, err error) *APIError {
	apiErr := &APIError{Service: "slack", Method: method, Err: err}

	var rateLimited *slack.RateLimitedError
	var statusErr slack.StatusCodeError
	var slackErr slack.SlackErrorResponse
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError

	switch {
	case errors.As(err, &slackErr):
		apiErr.Kind = ErrApplicationRejection
		apiErr.Detail = slackErr.Err
	case errors.As(err, &rateLimited):
		apiErr.Kind = ErrTransport
		apiErr.Status = 429
		apiErr.Detail = fmt.Sprintf("retry after %s", rateLimited.RetryAfter)
	case errors.As(err, &statusErr):
		apiErr.Status = statusErr.Code
		if statusErr.Retryable() {
			apiErr.Kind = ErrTransport
		} else {
			apiErr.Kind = ErrProtocol
		}
	case errors.As(err, &syntaxErr), errors.As(err, &typeErr):
		apiErr.Kind = ErrProtocol
		apiErr.Detail = "malformed response body"
	default:
		apiErr.Kind = classifyNetworkError(err)
	}
	return apiErr
}

func classifyNetworkError(err error) error {
	var netErr net.Error
	var urlErr *url.Error
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrTransport
	case errors.As(err, &netErr), errors.As(err, &urlErr):
		return ErrTransport
	default:
		return ErrProtocol
	}
}
