package syncqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	pkgerrors "github.com/bricktally/bricktally-backend/internal/pkg/errors"
	"github.com/bricktally/bricktally-backend/internal/pkg/httpx"
	"github.com/bricktally/bricktally-backend/internal/pkg/logger"
)

// Wire types for the batch apply endpoint. These mirror what the backend
// accepts; the payload carries the full target state for one item so the
// server can apply rows last-write-wins.
type BatchPayload struct {
	SetNum        string `json:"set_num"`
	ItemKey       string `json:"item_key"`
	OwnedQuantity *int   `json:"owned_quantity,omitempty"`
	ClientID      string `json:"client_id"`
}

type BatchOp struct {
	ID        int64        `json:"id"`
	Table     string       `json:"table"`
	Operation string       `json:"operation"`
	Payload   BatchPayload `json:"payload"`
}

type BatchFailure struct {
	ID    int64  `json:"id"`
	Error string `json:"error"`
}

type BatchResult struct {
	Success   bool           `json:"success"`
	Processed int            `json:"processed"`
	Failed    []BatchFailure `json:"failed"`
}

type RemoteRow struct {
	ItemKey       string `json:"item_key"`
	OwnedQuantity int    `json:"owned_quantity"`
}

// RemoteClient is the transport the flusher and reconciler talk through.
type RemoteClient interface {
	ApplyBatch(ctx context.Context, ops []BatchOp) (*BatchResult, error)
	FetchPage(ctx context.Context, setNum string, offset, limit int) ([]RemoteRow, error)
}

// RateLimitError reports a server-side throttle along with how long the
// caller should back off before the next attempt.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error {
	return pkgerrors.ErrRateLimited
}

func (e *RateLimitError) HTTPStatusCode() int {
	return http.StatusTooManyRequests
}

const defaultRequestTimeout = 30 * time.Second

type httpRemoteClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        *logger.Logger
}

func NewHTTPRemoteClient(baseURL, token string, baseLog *logger.Logger) RemoteClient {
	return &httpRemoteClient{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
		log:        baseLog.With("component", "remote_client"),
	}
}

func (c *httpRemoteClient) ApplyBatch(ctx context.Context, ops []BatchOp) (*BatchResult, error) {
	body, err := json.Marshal(map[string]any{"operations": ops})
	if err != nil {
		return nil, fmt.Errorf("marshal batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sync/batch", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build batch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("apply batch: %w", err)
	}
	defer resp.Body.Close()
	if err := c.checkStatus(resp); err != nil {
		return nil, err
	}
	var result BatchResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode batch response: %w", err)
	}
	return &result, nil
}

func (c *httpRemoteClient) FetchPage(ctx context.Context, setNum string, offset, limit int) ([]RemoteRow, error) {
	q := url.Values{}
	q.Set("set_num", setNum)
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/sync/snapshot?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build snapshot request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot page: %w", err)
	}
	defer resp.Body.Close()
	if err := c.checkStatus(resp); err != nil {
		return nil, err
	}
	var page struct {
		Items []RemoteRow `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode snapshot response: %w", err)
	}
	return page.Items, nil
}

func (c *httpRemoteClient) checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	// Drain so the connection can be reused.
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: session expired", pkgerrors.ErrUnauthorized)
	case http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: httpx.RetryAfterDuration(resp, 30*time.Second, 5*time.Minute)}
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", pkgerrors.ErrInvalidArgument, string(detail))
	default:
		return httpx.StatusError(resp.StatusCode, string(detail))
	}
}
