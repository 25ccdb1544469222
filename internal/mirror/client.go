package mirror

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

	"github.com/google/uuid"

	"github.com/agentworkforce/relaydoc/internal/relaydoc"
)

// ErrResync marks server errors after which a replica has to reload the
// document snapshot instead of continuing from its own state.
var ErrResync = errors.New("replica must resync")

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
	Resync     bool
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrResync && e.Resync
}

// IsNotFound reports whether err is a 404 from the document server.
func IsNotFound(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound
}

// Client talks to the REST half of the document server. Transient failures
// (network errors, 429, 5xx) are retried with capped exponential backoff.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) ListDocuments(ctx context.Context) ([]relaydoc.DocumentInfo, error) {
	var out struct {
		Documents []relaydoc.DocumentInfo `json:"documents"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/v1/documents", nil, &out)
	return out.Documents, err
}

func (c *Client) CreateDocument(ctx context.Context, req relaydoc.CreateDocumentRequest) (relaydoc.DocumentSnapshot, error) {
	var out relaydoc.DocumentSnapshot
	err := c.doJSON(ctx, http.MethodPost, "/v1/documents", req, &out)
	return out, err
}

// GetDocument fetches the current snapshot. withState also returns the
// engine state a replica can be rebuilt from.
func (c *Client) GetDocument(ctx context.Context, documentID string, withState bool) (relaydoc.DocumentSnapshot, error) {
	requestPath := documentPath(documentID)
	if withState {
		requestPath += "?state=true"
	}
	var out relaydoc.DocumentSnapshot
	err := c.doJSON(ctx, http.MethodGet, requestPath, nil, &out)
	return out, err
}

func (c *Client) RenameDocument(ctx context.Context, documentID, title string) (relaydoc.DocumentSnapshot, error) {
	var out relaydoc.DocumentSnapshot
	err := c.doJSON(ctx, http.MethodPut, documentPath(documentID), map[string]string{"title": title}, &out)
	return out, err
}

// ListOps returns one page of the oplog after since. A zero NextCursor means
// the page reached the head.
func (c *Client) ListOps(ctx context.Context, documentID string, since uint64, limit int) (relaydoc.OpsPage, error) {
	q := url.Values{}
	if since > 0 {
		q.Set("since", strconv.FormatUint(since, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	requestPath := documentPath(documentID) + "/ops"
	if encoded := q.Encode(); encoded != "" {
		requestPath += "?" + encoded
	}
	var out relaydoc.OpsPage
	err := c.doJSON(ctx, http.MethodGet, requestPath, nil, &out)
	return out, err
}

func (c *Client) Sessions(ctx context.Context, documentID string) ([]relaydoc.Session, error) {
	var out struct {
		Sessions []relaydoc.Session `json:"sessions"`
	}
	err := c.doJSON(ctx, http.MethodGet, documentPath(documentID)+"/sessions", nil, &out)
	return out.Sessions, err
}

func (c *Client) Stats(ctx context.Context, documentID string) (relaydoc.DocumentStats, error) {
	var out relaydoc.DocumentStats
	err := c.doJSON(ctx, http.MethodGet, documentPath(documentID)+"/stats", nil, &out)
	return out, err
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}
		return decodeHTTPError(resp.StatusCode, payloadBytes)
	}
}

func decodeHTTPError(status int, payload []byte) *HTTPError {
	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Resync  bool   `json:"resync"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	return &HTTPError{
		StatusCode: status,
		Code:       errPayload.Code,
		Message:    errPayload.Message,
		Resync:     errPayload.Resync,
	}
}

func documentPath(documentID string) string {
	return "/v1/documents/" + url.PathEscape(documentID)
}

func correlationID() string {
	return "mirror_" + uuid.NewString()
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	return backoff(c.baseDelay, c.maxDelay, attempt, retryAfterHeader)
}

// backoff doubles base per attempt up to maxDelay. A usable Retry-After header
// takes precedence, still capped at maxDelay.
func backoff(base, maxDelay time.Duration, attempt int, retryAfterHeader string) time.Duration {
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := base
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
