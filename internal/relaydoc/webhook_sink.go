package relaydoc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/relaydoc/internal/document"
)

type WebhookOptions struct {
	BaseURL    string
	HTTPClient *http.Client
	UserAgent  string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// WebhookPersistence forwards accepted records and snapshots to an HTTP
// endpoint. It is write-only: loads report nothing stored, so documents
// backed by a webhook always start empty after a restart.
type WebhookPersistence struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewWebhookPersistence(opts WebhookOptions) *WebhookPersistence {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &WebhookPersistence{
		baseURL:    baseURL,
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

func (w *WebhookPersistence) LoadSnapshot(string) (*DocumentSnapshot, error) {
	return nil, nil
}

func (w *WebhookPersistence) LoadLog(string, uint64) ([]document.Record, error) {
	return nil, nil
}

func (w *WebhookPersistence) ListDocuments() ([]string, error) {
	return nil, nil
}

func (w *WebhookPersistence) SaveSnapshot(snapshot *DocumentSnapshot) error {
	if snapshot == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	return w.post(ctx, "/documents/"+url.PathEscape(snapshot.ID)+"/snapshot", snapshot)
}

func (w *WebhookPersistence) AppendToLog(documentID string, record document.Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	return w.post(ctx, "/documents/"+url.PathEscape(documentID)+"/ops", record)
}

func (w *WebhookPersistence) post(ctx context.Context, path string, payload any) error {
	if w == nil || w.baseURL == "" {
		return fmt.Errorf("webhook base url is required")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	endpoint := w.baseURL + path

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if w.userAgent != "" {
			req.Header.Set("User-Agent", w.userAgent)
		}

		resp, err := w.httpClient.Do(req)
		if err != nil {
			if attempt < w.maxRetries {
				if waitErr := sleepContext(ctx, w.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return nil
		}
		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < w.maxRetries {
			if waitErr := sleepContext(ctx, w.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}
		return fmt.Errorf("webhook %s failed: status=%d message=%s", path, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
}

func (w *WebhookPersistence) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > w.maxDelay {
			return w.maxDelay
		}
		return retryAfter
	}
	delay := w.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= w.maxDelay {
			return w.maxDelay
		}
	}
	if delay > w.maxDelay {
		return w.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
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
