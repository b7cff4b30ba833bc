package client

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

	"github.com/agentworkforce/claimrelay/internal/claimrelay"
)

var ErrConflict = errors.New("conflict")

// ConflictError is a 409 from the server. Code distinguishes a lead that was
// already claimed from a claim lost at the conditional update.
type ConflictError struct {
	Code    string
	Message string
}

func (e *ConflictError) Error() string {
	if e.Code == "" {
		return "conflict: " + e.Message
	}
	return fmt.Sprintf("conflict %s: %s", e.Code, e.Message)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

type listResponse[T any] struct {
	Items []T `json:"items"`
}

func (c *HTTPClient) CreateLead(ctx context.Context, in claimrelay.LeadInput) (claimrelay.Lead, error) {
	var out claimrelay.Lead
	err := c.doJSON(ctx, http.MethodPost, "/v1/leads", false, in, &out)
	return out, err
}

func (c *HTTPClient) ListLeads(ctx context.Context, unclaimedOnly bool, limit int) ([]claimrelay.Lead, error) {
	q := url.Values{}
	if unclaimedOnly {
		q.Set("unclaimed", "true")
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out listResponse[claimrelay.Lead]
	err := c.doJSON(ctx, http.MethodGet, withQuery("/v1/leads", q), true, nil, &out)
	return out.Items, err
}

// ClaimLead is safe to retry: a repeated attempt after a lost response can
// only come back as a conflict, never as a second inquiry.
func (c *HTTPClient) ClaimLead(ctx context.Context, leadID string, extra map[string]any) (claimrelay.Inquiry, error) {
	body := map[string]any{}
	if len(extra) > 0 {
		body["extra"] = extra
	}
	var out claimrelay.Inquiry
	err := c.doJSON(ctx, http.MethodPost, "/v1/leads/"+url.PathEscape(leadID)+"/claim", true, body, &out)
	return out, err
}

func (c *HTTPClient) GetInquiryByCode(ctx context.Context, code string) (claimrelay.Inquiry, error) {
	var out claimrelay.Inquiry
	err := c.doJSON(ctx, http.MethodGet, "/v1/inquiries/by-code/"+url.PathEscape(code), true, nil, &out)
	return out, err
}

func (c *HTTPClient) ListNotifications(ctx context.Context, unreadOnly bool, limit int) ([]claimrelay.Notification, error) {
	q := url.Values{}
	if unreadOnly {
		q.Set("unread", "true")
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out listResponse[claimrelay.Notification]
	err := c.doJSON(ctx, http.MethodGet, withQuery("/v1/notifications", q), true, nil, &out)
	return out.Items, err
}

func (c *HTTPClient) UnreadCount(ctx context.Context) (int, error) {
	var out struct {
		UnreadCount int `json:"unreadCount"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/v1/notifications/unread-count", true, nil, &out)
	return out.UnreadCount, err
}

func (c *HTTPClient) MarkRead(ctx context.Context, id string) (claimrelay.Notification, error) {
	var out claimrelay.Notification
	err := c.doJSON(ctx, http.MethodPost, "/v1/notifications/"+url.PathEscape(id)+"/read", true, nil, &out)
	return out, err
}

func (c *HTTPClient) MarkAllRead(ctx context.Context) (int, error) {
	var out struct {
		Updated int `json:"updated"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/v1/notifications/read-all", true, nil, &out)
	return out.Updated, err
}

// doJSON retries 429 always, and transport errors and 5xx only when
// idempotent is set.
func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, idempotent bool, body any, out any) error {
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
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Correlation-Id", "client_"+uuid.NewString())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if idempotent && attempt < c.maxRetries {
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

		retriable := resp.StatusCode == http.StatusTooManyRequests || (idempotent && resp.StatusCode >= 500 && resp.StatusCode <= 599)
		if retriable && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		if resp.StatusCode == http.StatusConflict {
			return &ConflictError{Code: errPayload.Code, Message: errPayload.Message}
		}
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
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
