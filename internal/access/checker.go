package access

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const defaultTimeout = 2 * time.Second

var (
	// ErrUnavailable indicates the domain service could not answer.
	ErrUnavailable = errors.New("access: domain service unavailable")
	// ErrInvalidConfig indicates a missing or malformed endpoint.
	ErrInvalidConfig = errors.New("access: invalid config")
)

// Checker answers the access questions the realtime core asks of the domain service.
type Checker interface {
	CanAccessBoard(ctx context.Context, userID string, boardID string) (bool, error)
	CanAccessDocument(ctx context.Context, userID string, documentID string, workspaceID string) (bool, error)
	BoardForCard(ctx context.Context, cardID string) (string, error)
}

// AllowAll grants every request. BoardForCard returns no board so callers use
// their own fallback. Intended for development without a domain service.
type AllowAll struct{}

func (AllowAll) CanAccessBoard(context.Context, string, string) (bool, error) { return true, nil }
func (AllowAll) CanAccessDocument(context.Context, string, string, string) (bool, error) {
	return true, nil
}
func (AllowAll) BoardForCard(context.Context, string) (string, error) { return "", nil }

// HTTPCheckerConfig describes the domain service endpoint.
type HTTPCheckerConfig struct {
	Endpoint string
	Timeout  time.Duration
	Client   *http.Client
	Logger   *zap.Logger
}

// HTTPChecker queries the domain service over HTTP. Identical in-flight
// questions share a single request.
type HTTPChecker struct {
	base    *url.URL
	client  *http.Client
	timeout time.Duration
	group   singleflight.Group
	logger  *zap.Logger
}

func NewHTTPChecker(cfg HTTPCheckerConfig) (*HTTPChecker, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		return nil, fmt.Errorf("%w: endpoint required", ErrInvalidConfig)
	}
	base, err := url.Parse(endpoint)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: endpoint %q", ErrInvalidConfig, cfg.Endpoint)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPChecker{base: base, client: client, timeout: timeout, logger: logger}, nil
}

type accessResponse struct {
	Allowed bool `json:"allowed"`
}

type cardBoardResponse struct {
	BoardID string `json:"boardId"`
}

// CanAccessBoard asks whether userID may observe boardID.
func (c *HTTPChecker) CanAccessBoard(ctx context.Context, userID string, boardID string) (bool, error) {
	query := url.Values{"userId": {userID}}
	var response accessResponse
	if err := c.get(ctx, []string{"access", "boards", boardID}, query, &response); errors.Is(err, errNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return response.Allowed, nil
}

// CanAccessDocument asks whether userID may edit documentID in workspaceID.
func (c *HTTPChecker) CanAccessDocument(ctx context.Context, userID string, documentID string, workspaceID string) (bool, error) {
	query := url.Values{"userId": {userID}}
	if workspaceID != "" {
		query.Set("workspaceId", workspaceID)
	}
	var response accessResponse
	if err := c.get(ctx, []string{"access", "documents", documentID}, query, &response); errors.Is(err, errNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return response.Allowed, nil
}

// BoardForCard resolves the board owning cardID. Unknown cards return "".
func (c *HTTPChecker) BoardForCard(ctx context.Context, cardID string) (string, error) {
	var response cardBoardResponse
	err := c.get(ctx, []string{"cards", cardID, "board"}, nil, &response)
	if errors.Is(err, errNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return response.BoardID, nil
}

var errNotFound = errors.New("access: not found")

func (c *HTTPChecker) get(ctx context.Context, segments []string, query url.Values, target interface{}) error {
	endpoint := c.base.JoinPath(segments...)
	endpoint.RawQuery = query.Encode()
	key := endpoint.String()

	body, err, _ := c.group.Do(key, func() (interface{}, error) {
		requestCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		return c.fetch(requestCtx, key)
	})
	if err != nil {
		if !errors.Is(err, errNotFound) {
			c.logger.Warn("access check failed", zap.String("url", key), zap.Error(err))
		}
		return err
	}
	if err := json.Unmarshal(body.([]byte), target); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	return nil
}

func (c *HTTPChecker) fetch(ctx context.Context, target string) ([]byte, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	request.Header.Set("Accept", "application/json")
	response, err := c.client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode == http.StatusNotFound:
		return nil, errNotFound
	case response.StatusCode == http.StatusForbidden:
		return []byte(`{"allowed":false}`), nil
	case response.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, response.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(response.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return body, nil
}
