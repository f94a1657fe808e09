package testutil

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/bitflow/flowproxy/internal/flow"
	"github.com/bitflow/flowproxy/internal/history"
	"github.com/bitflow/flowproxy/internal/relay"
	"github.com/bitflow/flowproxy/internal/session"
)

// TestClient provides HTTP client utilities for testing
type TestClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewTestClient creates a new test HTTP client
func NewTestClient(baseURL string) *TestClient {
	return &TestClient{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// Response wraps HTTP response with helpers
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// JSON unmarshals response body into v
func (r *Response) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

// String returns response body as string
func (r *Response) String() string {
	return string(r.Body)
}

// IsSuccess returns true if status code is 2xx
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// ErrorCode returns the code of an error envelope, or "".
func (r *Response) ErrorCode() string {
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := r.JSON(&env); err != nil {
		return ""
	}
	return env.Error.Code
}

// Get performs HTTP GET request
func (c *TestClient) Get(ctx context.Context, path string) (*Response, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

// Put performs HTTP PUT request with JSON body
func (c *TestClient) Put(ctx context.Context, path string, body any) (*Response, error) {
	return c.do(ctx, http.MethodPut, path, body)
}

func (c *TestClient) do(ctx context.Context, method, path string, body any) (*Response, error) {
	req, err := newJSONRequest(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       respBody,
	}, nil
}

func newJSONRequest(ctx context.Context, method, fullURL string, body any) (*http.Request, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// FlowStream is an open NDJSON turn response.
type FlowStream struct {
	StatusCode int
	Headers    http.Header
	reader     *bufio.Reader
	body       io.ReadCloser
}

// StartFlow sends a streaming turn and returns the open response.
func (c *TestClient) StartFlow(ctx context.Context, sessionID, userPrompt string) (*FlowStream, error) {
	req, err := newJSONRequest(ctx, http.MethodPut, c.flowsURL(sessionID), map[string]any{"user_prompt": userPrompt})
	if err != nil {
		return nil, err
	}

	// Use client without timeout for streaming
	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	return &FlowStream{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		reader:     bufio.NewReader(resp.Body),
		body:       resp.Body,
	}, nil
}

// ReadEvent reads the next event. io.EOF marks the end of the stream.
func (fs *FlowStream) ReadEvent() (relay.Event, error) {
	for {
		line, err := fs.reader.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			var ev relay.Event
			if jerr := json.Unmarshal(line, &ev); jerr != nil {
				return relay.Event{}, fmt.Errorf("bad event line %q: %w", line, jerr)
			}
			return ev, nil
		}
		if err != nil {
			return relay.Event{}, err
		}
	}
}

// ReadAll reads events until the stream ends.
func (fs *FlowStream) ReadAll() ([]relay.Event, error) {
	var events []relay.Event
	for {
		ev, err := fs.ReadEvent()
		if err == io.EOF {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
}

// Close closes the stream.
func (fs *FlowStream) Close() error {
	if fs.body != nil {
		return fs.body.Close()
	}
	return nil
}

// RunFlow sends a streaming turn and collects every event.
func (c *TestClient) RunFlow(ctx context.Context, sessionID, userPrompt string) ([]relay.Event, error) {
	fs, err := c.StartFlow(ctx, sessionID, userPrompt)
	if err != nil {
		return nil, err
	}
	defer fs.Close()
	if fs.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(fs.reader)
		return nil, fmt.Errorf("unexpected status %d: %s", fs.StatusCode, body)
	}
	return fs.ReadAll()
}

// GenerateFlow sends a non-streaming turn.
func (c *TestClient) GenerateFlow(ctx context.Context, sessionID, userPrompt string) (*flow.GenerateResult, error) {
	resp, err := c.do(ctx, http.MethodPut, "/sessions/"+url.PathEscape(sessionID)+"/flows",
		map[string]any{"user_prompt": userPrompt, "streaming": false})
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("generate failed: %d - %s", resp.StatusCode, resp.String())
	}
	var res flow.GenerateResult
	if err := resp.JSON(&res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetSession retrieves the session snapshot.
func (c *TestClient) GetSession(ctx context.Context, sessionID string) (*session.Session, error) {
	resp, err := c.Get(ctx, "/sessions/"+url.PathEscape(sessionID))
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("failed to get session: %d - %s", resp.StatusCode, resp.String())
	}
	var snap session.Session
	if err := resp.JSON(&snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// ListFlows retrieves recorded turns.
func (c *TestClient) ListFlows(ctx context.Context, sessionID string, limit int) ([]history.Request, error) {
	path := "/sessions/" + url.PathEscape(sessionID) + "/flows"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	resp, err := c.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("failed to list flows: %d - %s", resp.StatusCode, resp.String())
	}
	var reqs []history.Request
	if err := resp.JSON(&reqs); err != nil {
		return nil, err
	}
	return reqs, nil
}

func (c *TestClient) flowsURL(sessionID string) string {
	return c.BaseURL + "/sessions/" + url.PathEscape(sessionID) + "/flows"
}
