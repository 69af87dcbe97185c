package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cyverse-de/notification-hub/model"
	"github.com/pkg/errors"
)

// restClient performs the durable calls of the notification interface. The
// push channel gives other live sessions low latency; these calls are what
// make a mutation stick.
type restClient struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

func newRestClient(baseURL, token string) *restClient {
	return &restClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
		token:      token,
	}
}

// doJSON sends one JSON request and decodes the response body into result,
// if one is wanted.
func (r *restClient) doJSON(ctx context.Context, method, path string, body, result interface{}) error {
	wrapMsg := fmt.Sprintf("%s %s failed", method, path)

	var bodyReader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, wrapMsg)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, bodyReader)
	if err != nil {
		return errors.Wrap(err, wrapMsg)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.token)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, wrapMsg)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return errors.Errorf("%s: status %d: %s", wrapMsg, resp.StatusCode, string(respBody))
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return errors.Wrap(err, wrapMsg)
		}
	}
	return nil
}

// FeedPage is one page of the historical feed returned by the durable
// interface.
type FeedPage struct {
	Notifications []*model.Notification `json:"notifications"`
	UnreadCount   int64                 `json:"unreadCount"`
	Page          uint64                `json:"page"`
	Limit         uint64                `json:"limit"`
}

// ListNotifications fetches one page of the historical feed.
func (r *restClient) ListNotifications(ctx context.Context, page, limit uint64) (*FeedPage, error) {
	var result FeedPage
	path := fmt.Sprintf("/notifications?page=%d&limit=%d", page, limit)
	if err := r.doJSON(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// MarkRead durably marks one notification as read.
func (r *restClient) MarkRead(ctx context.Context, notificationID string) error {
	return r.doJSON(ctx, http.MethodPut, "/notifications/"+notificationID+"/read", nil, nil)
}

// MarkAllRead durably marks every notification as read.
func (r *restClient) MarkAllRead(ctx context.Context) error {
	return r.doJSON(ctx, http.MethodPut, "/notifications/read/all", nil, nil)
}

// Archive durably archives one notification.
func (r *restClient) Archive(ctx context.Context, notificationID string) error {
	return r.doJSON(ctx, http.MethodPut, "/notifications/"+notificationID+"/archive", nil, nil)
}
