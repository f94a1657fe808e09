package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// MockUpstream mimics the Anthropic messages API, streaming and
// non-streaming, for end-to-end tests.
type MockUpstream struct {
	server *httptest.Server
	config *UpstreamConfig

	mu       sync.Mutex
	requests []UpstreamRequest
}

// UpstreamRequest records one incoming messages call.
type UpstreamRequest struct {
	Timestamp time.Time
	Path      string
	Header    http.Header
	Model     string
	MaxTokens int
	System    string
	User      string
	Stream    bool
}

// NewMockUpstream starts a mock upstream answering from config. A nil
// config uses DefaultUpstreamConfig.
func NewMockUpstream(config *UpstreamConfig) *MockUpstream {
	if config == nil {
		config = DefaultUpstreamConfig()
	}
	m := &MockUpstream{config: config}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/messages", m.handleMessages)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	m.server = httptest.NewServer(mux)
	return m
}

// URL returns the mock server's base URL.
func (m *MockUpstream) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockUpstream) Close() {
	m.server.CloseClientConnections()
	m.server.Close()
}

// Requests returns a copy of all recorded requests.
func (m *MockUpstream) Requests() []UpstreamRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]UpstreamRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// LastRequest returns the most recent request.
func (m *MockUpstream) LastRequest() (UpstreamRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return UpstreamRequest{}, false
	}
	return m.requests[len(m.requests)-1], true
}

// Reset clears recorded requests.
func (m *MockUpstream) Reset() {
	m.mu.Lock()
	m.requests = nil
	m.mu.Unlock()
}

// messagesRequest accepts both string and content-block forms for system
// and message content.
type messagesRequest struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens"`
	System    json.RawMessage `json:"system"`
	Messages  []struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"messages"`
	Stream bool `json:"stream"`
}

func (m *MockUpstream) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var req messagesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	rec := UpstreamRequest{
		Timestamp: time.Now(),
		Path:      r.URL.Path,
		Header:    r.Header.Clone(),
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		System:    blockText(req.System),
		Stream:    req.Stream,
	}
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			rec.User = blockText(req.Messages[i].Content)
			break
		}
	}
	m.mu.Lock()
	m.requests = append(m.requests, rec)
	m.mu.Unlock()

	rule, _ := m.config.FindRule(rec.System, rec.User)

	if lag := m.config.Settings.LagMS; lag > 0 {
		time.Sleep(time.Duration(lag) * time.Millisecond)
	}

	if rule.Status != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(rule.Status)
		w.Write([]byte(rule.Response))
		return
	}

	if req.Stream {
		m.writeStream(w, rule)
		return
	}
	m.writeMessage(w, req.Model, rule.Response)
}

// blockText flattens a string or a list of text blocks.
func blockText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var b strings.Builder
	for _, block := range blocks {
		b.WriteString(block.Text)
	}
	return b.String()
}

func (m *MockUpstream) writeMessage(w http.ResponseWriter, model, text string) {
	response := map[string]any{
		"id":            "msg_mock_" + generateMockID(),
		"type":          "message",
		"role":          "assistant",
		"model":         model,
		"stop_reason":   "end_turn",
		"stop_sequence": nil,
		"content": []map[string]any{
			{"type": "text", "text": text},
		},
		"usage": map[string]any{
			"input_tokens":  100,
			"output_tokens": 50,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (m *MockUpstream) writeStream(w http.ResponseWriter, rule *ResponseRule) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	send := func(name string, payload map[string]any) {
		data, _ := json.Marshal(payload)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
		flusher.Flush()
	}

	send("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":    "msg_mock_" + generateMockID(),
			"type":  "message",
			"role":  "assistant",
			"usage": map[string]any{"input_tokens": 100, "output_tokens": 0},
		},
	})
	send("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         0,
		"content_block": map[string]any{"type": "text", "text": ""},
	})
	fmt.Fprint(w, "event: ping\ndata: {\"type\":\"ping\"}\n\n")

	delay := time.Duration(m.config.Settings.ChunkDelayMS) * time.Millisecond
	for i, chunk := range splitChunks(rule.Response, m.config.Settings.ChunkSize) {
		if rule.DropAfter > 0 && i == rule.DropAfter {
			dropConnection(w)
			return
		}
		send("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]any{"type": "text_delta", "text": chunk},
		})
		if delay > 0 {
			time.Sleep(delay)
		}
	}

	send("content_block_stop", map[string]any{"type": "content_block_stop", "index": 0})
	send("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": "end_turn"},
		"usage": map[string]any{"output_tokens": 50},
	})
	send("message_stop", map[string]any{"type": "message_stop"})
}

// splitChunks splits text into deltas of size runes, or per line when size
// is zero.
func splitChunks(text string, size int) []string {
	if size <= 0 {
		return strings.SplitAfter(text, "\n")
	}
	runes := []rune(text)
	var out []string
	for len(runes) > 0 {
		n := min(size, len(runes))
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	return out
}

// dropConnection closes the underlying connection mid-stream.
func dropConnection(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		return
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		return
	}
	conn.Close()
}

func generateMockID() string {
	return fmt.Sprintf("%d", time.Now().UnixNano())
}
