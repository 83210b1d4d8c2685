package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agridata/fieldsync/internal/models"
)

// HTTPStore talks to a REST-style remote authority:
//
//	POST   {base}/{table}        create, Idempotency-Key header set
//	PUT    {base}/{table}/{id}   update, returns current record
//	DELETE {base}/{table}/{id}
//	GET    {base}/{table}/{id}
//
// Responses carry the record as a JSON object with an "id" field holding
// the server-assigned identifier.
type HTTPStore struct {
	baseURL string
	client  *http.Client
	apiKey  string
}

// NewHTTPStore creates an HTTPStore against the given base URL.
func NewHTTPStore(baseURL string, timeout time.Duration, apiKey string) *HTTPStore {
	return &HTTPStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		apiKey:  apiKey,
	}
}

// Create implements Store.
func (s *HTTPStore) Create(ctx context.Context, table, idempotencyKey string, payload models.Payload) (*Record, error) {
	headers := map[string]string{"Idempotency-Key": idempotencyKey}
	body, err := s.do(ctx, http.MethodPost, s.url(table), payload, headers)
	if err != nil {
		return nil, err
	}
	return recordFromBody(body)
}

// Update implements Store.
func (s *HTTPStore) Update(ctx context.Context, table, remoteID string, payload models.Payload) (*Record, error) {
	body, err := s.do(ctx, http.MethodPut, s.url(table, remoteID), payload, nil)
	if err != nil {
		return nil, err
	}
	return recordFromBody(body)
}

// Delete implements Store.
func (s *HTTPStore) Delete(ctx context.Context, table, remoteID string) error {
	_, err := s.do(ctx, http.MethodDelete, s.url(table, remoteID), nil, nil)
	return err
}

// Fetch implements Store.
func (s *HTTPStore) Fetch(ctx context.Context, table, remoteID string) (*Record, error) {
	body, err := s.do(ctx, http.MethodGet, s.url(table, remoteID), nil, nil)
	if err != nil {
		return nil, err
	}
	return recordFromBody(body)
}

func (s *HTTPStore) url(parts ...string) string {
	return s.baseURL + "/" + strings.Join(parts, "/")
}

func (s *HTTPStore) do(ctx context.Context, method, url string, payload models.Payload, headers map[string]string) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := models.MarshalPayload(payload)
		if err != nil {
			return nil, Permanent("encoding request body", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, Permanent("building request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, Transient("request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Transient("reading response body", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return nil, Transient(fmt.Sprintf("%s %s returned %d", method, url, resp.StatusCode), nil)
	default:
		return nil, Permanent(fmt.Sprintf("%s %s returned %d: %s", method, url, resp.StatusCode, truncate(body, 200)), nil)
	}
}

func recordFromBody(body []byte) (*Record, error) {
	payload, err := models.UnmarshalPayload(body)
	if err != nil {
		return nil, Permanent("decoding response body", err)
	}
	rec := &Record{Payload: payload}
	if id, ok := payload["id"].(string); ok {
		rec.RemoteID = id
	}
	return rec, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

var _ Store = (*HTTPStore)(nil)

// ProbeURL returns a reachability target derived from the store's base URL,
// suitable for the connectivity monitor.
func (s *HTTPStore) ProbeURL() string {
	return s.baseURL
}
