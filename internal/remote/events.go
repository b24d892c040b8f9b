package remote

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Remote collection names carried by change notifications.
const (
	CollectionDecks = "decks"
	CollectionCards = "cards"
	CollectionStats = "stats"
)

// EventChange is the server-sent event name of a change notification.
const EventChange = "change"

// Change announces rows written to the backend by any device of a user.
type Change struct {
	Collection string   `json:"collection"`
	IDs        []string `json:"ids,omitempty"`
}

// ChangeNotifier is implemented by backends that push change notifications.
// The channel is closed when the subscription ends; callers resubscribe.
type ChangeNotifier interface {
	Changes(ctx context.Context, userID string) (<-chan Change, error)
}

var _ ChangeNotifier = (*HTTPClient)(nil)

// Changes opens the server-sent event stream of the signed-in user.
func (c *HTTPClient) Changes(ctx context.Context, _ string) (<-chan Change, error) {
	request, err := c.newRequest(ctx, http.MethodGet, "/v1/events", nil, nil)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Accept", "text/event-stream")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("%w: GET /v1/events: %v", ErrUnavailable, err)
	}
	if err := checkStatus(response, http.MethodGet, "/v1/events"); err != nil {
		_ = response.Body.Close()
		return nil, err
	}

	changes := make(chan Change, 16)
	go func() {
		defer close(changes)
		defer response.Body.Close()
		err := readEvents(response.Body, func(event, data string) error {
			if event != EventChange {
				return nil
			}
			var change Change
			if err := json.Unmarshal([]byte(data), &change); err != nil || change.Collection == "" {
				return nil
			}
			select {
			case changes <- change:
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		})
		if err != nil && ctx.Err() == nil {
			c.logger.Debug("change stream closed", zap.Error(err))
		}
	}()
	return changes, nil
}

// readEvents parses a text/event-stream body and calls onEvent for every
// event that carries data. Comment lines are skipped.
func readEvents(r io.Reader, onEvent func(event, data string) error) error {
	reader := bufio.NewReader(r)
	var (
		eventName string
		dataLines []string
	)
	flush := func() error {
		if len(dataLines) == 0 {
			eventName = ""
			return nil
		}
		data := strings.Join(dataLines, "\n")
		event := eventName
		eventName, dataLines = "", nil
		if event == "" {
			event = "message"
		}
		return onEvent(event, data)
	}

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return flush()
			}
			return err
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if err := flush(); err != nil {
				return err
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
}
