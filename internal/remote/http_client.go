package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultRequestTimeout = 15 * time.Second

var (
	errMissingBaseURL = errors.New("remote: base url is required")
	errMissingToken   = errors.New("remote: access token is required")
)

// HTTPClientConfig configures the HTTP backend client.
type HTTPClientConfig struct {
	BaseURL     string
	AccessToken string
	// TokenSource overrides AccessToken when set.
	TokenSource func(ctx context.Context) (string, error)
	HTTPClient  *http.Client
	// Timeout bounds each request. The change stream is not bounded.
	Timeout time.Duration
	Logger  *zap.Logger
}

// HTTPClient implements Backend against the flashdeck API.
type HTTPClient struct {
	baseURL     string
	tokenSource func(ctx context.Context) (string, error)
	httpClient  *http.Client
	timeout     time.Duration
	logger      *zap.Logger
}

// NewHTTPClient validates cfg and returns a client.
func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	tokenSource := cfg.TokenSource
	if tokenSource == nil {
		token := strings.TrimSpace(cfg.AccessToken)
		if token == "" {
			return nil, errMissingToken
		}
		tokenSource = func(context.Context) (string, error) {
			return token, nil
		}
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{
		baseURL:     baseURL,
		tokenSource: tokenSource,
		httpClient:  httpClient,
		timeout:     timeout,
		logger:      logger,
	}, nil
}

type rowsPayload[T any] struct {
	Rows []T `json:"rows"`
}

type conflictsPayload[T any] struct {
	Conflicts []T `json:"conflicts"`
}

type idsPayload struct {
	IDs []string `json:"ids"`
}

type statsPayload struct {
	Stats StatsRow `json:"stats"`
}

func (c *HTTPClient) PullDecks(ctx context.Context, _ string, since time.Time, limit int) ([]DeckRow, error) {
	var response rowsPayload[DeckRow]
	err := c.do(ctx, http.MethodGet, "/v1/decks", pullQuery(since, limit), nil, &response)
	return response.Rows, err
}

func (c *HTTPClient) PullCards(ctx context.Context, _ string, since time.Time, limit int) ([]CardRow, error) {
	var response rowsPayload[CardRow]
	err := c.do(ctx, http.MethodGet, "/v1/cards", pullQuery(since, limit), nil, &response)
	return response.Rows, err
}

func (c *HTTPClient) UpsertDecks(ctx context.Context, _ string, rows []DeckRow) ([]DeckRow, error) {
	var response conflictsPayload[DeckRow]
	err := c.do(ctx, http.MethodPost, "/v1/decks", nil, rowsPayload[DeckRow]{Rows: rows}, &response)
	return response.Conflicts, err
}

func (c *HTTPClient) UpsertCards(ctx context.Context, _ string, rows []CardRow) ([]CardRow, error) {
	var response conflictsPayload[CardRow]
	err := c.do(ctx, http.MethodPost, "/v1/cards", nil, rowsPayload[CardRow]{Rows: rows}, &response)
	return response.Conflicts, err
}

func (c *HTTPClient) DeleteDecks(ctx context.Context, _ string, ids []string) error {
	return c.do(ctx, http.MethodPost, "/v1/decks/delete", nil, idsPayload{IDs: ids}, nil)
}

func (c *HTTPClient) DeleteCards(ctx context.Context, _ string, ids []string) error {
	return c.do(ctx, http.MethodPost, "/v1/cards/delete", nil, idsPayload{IDs: ids}, nil)
}

func (c *HTTPClient) ListDecks(ctx context.Context, _ string) ([]DeckRow, error) {
	var response rowsPayload[DeckRow]
	err := c.do(ctx, http.MethodGet, "/v1/decks/all", nil, nil, &response)
	return response.Rows, err
}

func (c *HTTPClient) ListCards(ctx context.Context, _ string, deckID string) ([]CardRow, error) {
	var response rowsPayload[CardRow]
	err := c.do(ctx, http.MethodGet, "/v1/cards", url.Values{"deck_id": {deckID}}, nil, &response)
	return response.Rows, err
}

func (c *HTTPClient) GetStats(ctx context.Context, _ string) (StatsRow, bool, error) {
	var response statsPayload
	err := c.do(ctx, http.MethodGet, "/v1/stats", nil, nil, &response)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
		return StatsRow{}, false, nil
	}
	if err != nil {
		return StatsRow{}, false, err
	}
	return response.Stats, true, nil
}

func (c *HTTPClient) PutStats(ctx context.Context, _ string, row StatsRow) (StatsRow, error) {
	var response statsPayload
	err := c.do(ctx, http.MethodPut, "/v1/stats", nil, statsPayload{Stats: row}, &response)
	return response.Stats, err
}

// StatusError carries an unexpected HTTP status.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote: unexpected status %d: %s", e.StatusCode, e.Message)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	request, err := c.newRequest(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
	}
	defer response.Body.Close()

	if err := checkStatus(response, method, path); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("remote: decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *HTTPClient) newRequest(ctx context.Context, method, path string, query url.Values, body any) (*http.Request, error) {
	token, err := c.tokenSource(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("remote: encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("remote: build request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	return request, nil
}

// checkStatus maps non-2xx responses to ErrUnauthorized, ErrUnavailable or
// a *StatusError.
func checkStatus(response *http.Response, method, path string) error {
	switch {
	case response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s %s", ErrUnauthorized, method, path)
	case response.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: %s %s: status %d", ErrUnavailable, method, path, response.StatusCode)
	case response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices:
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(response.Body).Decode(&payload)
		return &StatusError{StatusCode: response.StatusCode, Message: payload.Error}
	}
	return nil
}

func pullQuery(since time.Time, limit int) url.Values {
	query := url.Values{}
	if !since.IsZero() {
		query.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	return query
}
