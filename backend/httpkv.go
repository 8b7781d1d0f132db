package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPKVConfig holds settings for the HTTP key-value gateway client.
type HTTPKVConfig struct {
	// BaseURL is the gateway root, e.g. "https://dedup.example.com".
	BaseURL string

	// AuthToken is sent as a Bearer token when non-empty.
	AuthToken string

	// Client is the HTTP client to use. Defaults to http.DefaultClient.
	// Wrap its transport with telemetry.NewInstrumentedTransport for metrics.
	Client *http.Client
}

// HTTPKV is a Backend that talks to a remote key-value gateway over JSON/HTTP.
// This is the seam where a hosted store (DynamoDB behind an HTTP gateway in
// the original deployment) plugs in.
//
// Content hashes are Base64 and may contain '/' and '+', so keys travel in
// the query string rather than the URL path.
type HTTPKV struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPKV creates an HTTP gateway backend.
func NewHTTPKV(cfg HTTPKVConfig) *HTTPKV {
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPKV{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		token:   cfg.AuthToken,
		client:  client,
	}
}

type kvItem struct {
	Value      string `json:"value,omitempty"`
	TTLSeconds int64  `json:"ttl_seconds,omitempty"`
}

type kvBatchRequest struct {
	Keys       []string `json:"keys"`
	TTLSeconds int64    `json:"ttl_seconds,omitempty"`
}

type kvBatchResponse struct {
	Results map[string]bool `json:"results"`
}

func (h *HTTPKV) Get(ctx context.Context, key string) (*Item, error) {
	resp, err := h.do(ctx, http.MethodGet, h.itemURL(key), nil)
	if err != nil {
		return nil, NewError(classifyTransport(err), "httpkv get", err)
	}
	defer drainClose(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		var item kvItem
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&item); err != nil {
			return nil, NewError(KindUnknown, "httpkv get", fmt.Errorf("decoding response: %w", err))
		}
		out := &Item{Value: item.Value}
		if item.TTLSeconds > 0 {
			out.ExpiresAt = time.Now().Add(time.Duration(item.TTLSeconds) * time.Second)
		}
		return out, nil
	case http.StatusNotFound:
		return nil, ErrNotFound
	default:
		return nil, h.statusError("httpkv get", resp.StatusCode)
	}
}

func (h *HTTPKV) Put(ctx context.Context, key string, item Item) error {
	body := kvItem{Value: item.Value}
	if !item.ExpiresAt.IsZero() {
		body.TTLSeconds = int64(time.Until(item.ExpiresAt).Seconds())
	}
	resp, err := h.do(ctx, http.MethodPut, h.itemURL(key), body)
	if err != nil {
		return NewError(classifyTransport(err), "httpkv put", err)
	}
	defer drainClose(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return nil
	case http.StatusConflict:
		// The entry already exists. Idempotent put: same outcome as success.
		return nil
	default:
		return h.statusError("httpkv put", resp.StatusCode)
	}
}

func (h *HTTPKV) Delete(ctx context.Context, key string) error {
	resp, err := h.do(ctx, http.MethodDelete, h.itemURL(key), nil)
	if err != nil {
		return NewError(classifyTransport(err), "httpkv delete", err)
	}
	defer drainClose(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		// Deleting an absent key is success.
		return nil
	default:
		return h.statusError("httpkv delete", resp.StatusCode)
	}
}

func (h *HTTPKV) BatchGet(ctx context.Context, keys []string) (map[string]bool, error) {
	resp, err := h.do(ctx, http.MethodPost, h.baseURL+"/v1/items:batchGet", kvBatchRequest{Keys: keys})
	if err != nil {
		return nil, NewError(classifyTransport(err), "httpkv batch_get", err)
	}
	defer drainClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, h.statusError("httpkv batch_get", resp.StatusCode)
	}

	var out kvBatchResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&out); err != nil {
		return nil, NewError(KindUnknown, "httpkv batch_get", fmt.Errorf("decoding response: %w", err))
	}

	// Keys the gateway omitted are absent.
	results := make(map[string]bool, len(keys))
	for _, key := range keys {
		results[key] = out.Results[key]
	}
	return results, nil
}

func (h *HTTPKV) BatchPut(ctx context.Context, keys []string, ttl time.Duration) error {
	req := kvBatchRequest{Keys: keys}
	if ttl > 0 {
		req.TTLSeconds = int64(ttl.Seconds())
	}
	resp, err := h.do(ctx, http.MethodPost, h.baseURL+"/v1/items:batchPut", req)
	if err != nil {
		return NewError(classifyTransport(err), "httpkv batch_put", err)
	}
	defer drainClose(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	default:
		return h.statusError("httpkv batch_put", resp.StatusCode)
	}
}

func (h *HTTPKV) itemURL(key string) string {
	return h.baseURL + "/v1/item?key=" + url.QueryEscape(key)
}

func (h *HTTPKV) do(ctx context.Context, method, rawURL string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	return h.client.Do(req)
}

func (h *HTTPKV) statusError(op string, status int) error {
	kind := KindUnknown
	switch {
	case status == http.StatusTooManyRequests:
		kind = KindThrottled
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		kind = KindTimeout
	case status >= 500:
		kind = KindUnavailable
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = KindUnauthorized
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		kind = KindInvalidInput
	}
	return NewError(kind, op, fmt.Errorf("unexpected status %d", status))
}

// classifyTransport maps client-side transport failures into kinds.
func classifyTransport(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindUnknown
	default:
		// Connection refused, DNS failure, reset: the store is unreachable.
		return KindUnavailable
	}
}

// drainClose discards any unread body so the connection can be reused.
func drainClose(rc io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, 1<<16))
	rc.Close() //nolint:errcheck
}

var _ Backend = (*HTTPKV)(nil)
