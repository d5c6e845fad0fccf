package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gerrit-slack-notifier/internal/log"

	"github.com/gorilla/websocket"
)

const rtmHandshakeTimeout = 15 * time.Second

// RTMStream is one real-time messaging websocket session. Events are returned raw.
type RTMStream struct {
	conn      *websocket.Conn
	selfID    string
	closeOnce sync.Once
	done      chan struct{}
}

// ConnectRTM opens a real-time messaging session. The session closes when ctx is done.
func (s *SlackService) ConnectRTM(ctx context.Context) (*RTMStream, error) {
	const method = "rtm.connect"
	if err := s.wait(ctx, method); err != nil {
		return nil, err
	}

	info, wsURL, err := s.client.ConnectRTMContext(ctx)
	if err != nil {
		apiErr := classifySlackError(method, err)
		log.Error(ctx, "Failed to start Slack RTM session",
			"error", err,
			"error_kind", apiErr.Kind.Error(),
			"operation", "rtm_connect",
		)
		return nil, apiErr
	}
	if wsURL == "" {
		return nil, &APIError{Kind: ErrProtocol, Service: "slack", Method: method, Detail: "response has no url"}
	}

	dialer := websocket.Dialer{HandshakeTimeout: rtmHandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		log.Error(ctx, "Failed to dial Slack RTM websocket",
			"error", err,
			"operation", "rtm_dial",
		)
		return nil, &APIError{Kind: ErrTransport, Service: "slack", Method: "rtm.websocket", Err: err}
	}

	selfID := ""
	if info != nil && info.User != nil {
		selfID = info.User.ID
	}
	log.Info(ctx, "Connected to Slack RTM", "self_id", selfID)

	return NewRTMStream(ctx, conn, selfID), nil
}

// NewRTMStream wraps an open websocket connection.
func NewRTMStream(ctx context.Context, conn *websocket.Conn, selfID string) *RTMStream {
	stream := &RTMStream{conn: conn, selfID: selfID, done: make(chan struct{})}
	go func() {
		select {
		case <-ctx.Done():
			_ = stream.Close()
		case <-stream.done:
		}
	}()
	return stream
}

// SelfID is the bot's own user id as reported when the session started.
func (r *RTMStream) SelfID() string {
	return r.selfID
}

// Next blocks until the next text frame arrives.
func (r *RTMStream) Next(ctx context.Context) ([]byte, error) {
	for {
		msgType, data, err := r.conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, fmt.Errorf("rtm session closed: %w", errors.Join(ErrTransport, err))
			}
			return nil, &APIError{Kind: ErrTransport, Service: "slack", Method: "rtm.websocket", Err: err}
		}
		if msgType == websocket.TextMessage {
			return data, nil
		}
	}
}

// Close ends the session.
func (r *RTMStream) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		err = r.conn.Close()
	})
	return err
}
