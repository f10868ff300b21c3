package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Artfain/uav-ledger/service"
)

// Response is an envelope whose data is left undecoded.
type Response struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	// StatusCode is the HTTP status of the response.
	StatusCode int `json:"-"`
}

// Decode unmarshals the envelope data into v.
func (r *Response) Decode(v any) error {
	if len(r.Data) == 0 {
		return fmt.Errorf("response has no data")
	}
	return json.Unmarshal(r.Data, v)
}

type Client struct {
	base string
	http *http.Client
}

func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: httpClient}
}

func (c *Client) Register(ctx context.Context, req service.RegisterRequest) (*Response, error) {
	return c.do(ctx, http.MethodPost, "/api/v1/uav/register", req)
}

func (c *Client) Authenticate(ctx context.Context, req service.AuthenticateRequest) (*Response, error) {
	return c.do(ctx, http.MethodPost, "/api/v1/uav/authenticate", req)
}

func (c *Client) Status(ctx context.Context, deviceID string) (*Response, error) {
	return c.do(ctx, http.MethodGet, "/api/v1/uav/status/"+url.PathEscape(deviceID), nil)
}

func (c *Client) Stats(ctx context.Context) (*Response, error) {
	return c.do(ctx, http.MethodGet, "/api/v1/blockchain/stats", nil)
}

func (c *Client) Verify(ctx context.Context) (*Response, error) {
	return c.do(ctx, http.MethodGet, "/api/v1/blockchain/verify", nil)
}

// do returns an error only when no envelope could be obtained; rejected requests come
// back as a Response with Success false.
func (c *Client) do(ctx context.Context, method, path string, body any) (*Response, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	out := &Response{StatusCode: resp.StatusCode}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return nil, fmt.Errorf("%s %s: unexpected response (status %d): %w", method, path, resp.StatusCode, err)
	}
	return out, nil
}
