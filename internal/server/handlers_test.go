package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bitflow/flowproxy/internal/event"
	"github.com/bitflow/flowproxy/internal/flow"
	"github.com/bitflow/flowproxy/internal/history"
	"github.com/bitflow/flowproxy/internal/prompt"
	"github.com/bitflow/flowproxy/internal/provider"
	"github.com/bitflow/flowproxy/internal/relay"
	"github.com/bitflow/flowproxy/internal/session"
	"github.com/bitflow/flowproxy/pkg/types"
)

// anthropicStub streams reply as content deltas.
func anthropicStub(reply string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"message_start\"}\n\n")
		for _, part := range strings.SplitAfter(reply, ">") {
			if part == "" {
				continue
			}
			b, _ := json.Marshal(map[string]any{"type": "content_block_delta", "delta": map[string]string{"text": part}})
			fmt.Fprintf(w, "data: %s\n\n", b)
		}
		fmt.Fprint(w, "data: {\"type\":\"message_stop\"}\n\n")
	}
}

type stubSender struct{ content string }

func (s stubSender) Send(ctx context.Context, system, user string) (*provider.Result, error) {
	return &provider.Result{Content: s.content, Success: true}, nil
}

type testEnv struct {
	srv     *Server
	http    *httptest.Server
	history *history.Store
}

func setupTestServer(t *testing.T, upstream http.Handler, withHistory bool) *testEnv {
	t.Helper()
	up := httptest.NewServer(upstream)
	t.Cleanup(up.Close)

	r, err := relay.New(relay.Config{URL: up.URL, APIKey: "k", Model: "m"}, nil)
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	sel, err := prompt.NewSelector("generate", "modify {{ previous_drawio }}")
	if err != nil {
		t.Fatalf("selector: %v", err)
	}
	bus := event.NewBus()
	t.Cleanup(func() { bus.Close() })

	svc := flow.NewService(session.NewStore(session.Options{}), sel, r, stubSender{content: "<mxfile>sync</mxfile>"}, bus)

	env := &testEnv{}
	if withHistory {
		db, err := history.Open(filepath.Join(t.TempDir(), "h.db"))
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		env.history = history.NewStore(db)
		t.Cleanup(func() { env.history.Close() })
		rec := history.NewRecorder(env.history, bus)
		if err := rec.Start(context.Background()); err != nil {
			t.Fatalf("recorder: %v", err)
		}
		t.Cleanup(rec.Stop)
	}

	env.srv = New(DefaultConfig(), &types.Config{Upstream: types.UpstreamConfig{APIKey: "secret"}}, svc, env.history, bus)
	env.http = httptest.NewServer(env.srv.Handler())
	t.Cleanup(env.http.Close)
	return env
}

func putFlow(t *testing.T, env *testEnv, sessionID, body string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPut, env.http.URL+"/sessions/"+sessionID+"/flows", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT: %v", err)
	}
	return resp
}

func readEvents(t *testing.T, r io.Reader) []relay.Event {
	t.Helper()
	var events []relay.Event
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		var ev relay.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("bad line %q: %v", scanner.Text(), err)
		}
		events = append(events, ev)
	}
	return events
}

func TestHealth(t *testing.T) {
	env := setupTestServer(t, anthropicStub(""), false)

	resp, err := http.Get(env.http.URL + "/health")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var body HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if body.Status != "ok" || body.Service != ServiceName || body.Timestamp == "" {
		t.Errorf("Unexpected health body %+v", body)
	}
}

func TestPutFlow_Streams(t *testing.T) {
	env := setupTestServer(t, anthropicStub("<mxfile><a/></mxfile>"), false)

	resp := putFlow(t, env, "s1", `{"user_prompt":"draw"}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/plain; charset=utf-8" {
		t.Errorf("Unexpected Content-Type %q", ct)
	}

	events := readEvents(t, resp.Body)
	if len(events) < 3 {
		t.Fatalf("Expected start, content and complete, got %d events", len(events))
	}
	if events[0].Type != relay.EventStart {
		t.Errorf("Expected start first, got %s", events[0].Type)
	}
	last := events[len(events)-1]
	if last.Type != relay.EventComplete || last.FullText != "<mxfile><a/></mxfile>" {
		t.Errorf("Unexpected terminal event %+v", last)
	}
	for i, ev := range events[1 : len(events)-1] {
		if ev.Type != relay.EventContent || ev.Sequence != i+1 {
			t.Errorf("Event %d: unexpected %+v", i+1, ev)
		}
	}

	snap, err := http.Get(env.http.URL + "/sessions/s1")
	if err != nil {
		t.Fatalf("GET session: %v", err)
	}
	defer snap.Body.Close()
	var got session.Session
	json.NewDecoder(snap.Body).Decode(&got)
	if got.CachedArtifact != "<mxfile><a/></mxfile>" || got.TurnCount != 1 {
		t.Errorf("Unexpected snapshot %+v", got)
	}
}

func TestPutFlow_NonStreaming(t *testing.T) {
	env := setupTestServer(t, anthropicStub(""), false)

	resp := putFlow(t, env, "s1", `{"user_prompt":"draw","streaming":false}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var res flow.GenerateResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if !res.Success || res.Content != "<mxfile>sync</mxfile>" || res.ActualPrompt != "generate" {
		t.Errorf("Unexpected result %+v", res)
	}
}

func TestPutFlow_BadRequests(t *testing.T) {
	env := setupTestServer(t, anthropicStub(""), false)

	tests := []struct {
		name    string
		session string
		body    string
	}{
		{"empty prompt", "s1", `{"user_prompt":"  "}`},
		{"missing prompt", "s1", `{}`},
		{"invalid json", "s1", `{"user_prompt":`},
		{"blank session", "%20", `{"user_prompt":"x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := putFlow(t, env, tt.session, tt.body)
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("Expected 400, got %d", resp.StatusCode)
			}
			var body ErrorResponse
			json.NewDecoder(resp.Body).Decode(&body)
			if body.Error.Code != ErrCodeInvalidRequest {
				t.Errorf("Expected %s, got %s", ErrCodeInvalidRequest, body.Error.Code)
			}
		})
	}
}

func TestPutFlow_UpstreamFailureIsErrorEvent(t *testing.T) {
	env := setupTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}), false)

	resp := putFlow(t, env, "s1", `{"user_prompt":"draw"}`)
	defer resp.Body.Close()

	events := readEvents(t, resp.Body)
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}
	if events[1].Type != relay.EventError || !strings.Contains(events[1].Err, "HTTP 401") {
		t.Errorf("Unexpected error event %+v", events[1])
	}
}

func TestGetSession_NotFound(t *testing.T) {
	env := setupTestServer(t, anthropicStub(""), false)

	resp, err := http.Get(env.http.URL + "/sessions/unknown")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", resp.StatusCode)
	}
}

func TestListFlows(t *testing.T) {
	disabled := setupTestServer(t, anthropicStub(""), false)
	resp, err := http.Get(disabled.http.URL + "/sessions/s1/flows")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 with history disabled, got %d", resp.StatusCode)
	}

	env := setupTestServer(t, anthropicStub("<mxfile>\n<a/>\n</mxfile>"), true)
	flowResp := putFlow(t, env, "s1", `{"user_prompt":"draw"}`)
	io.Copy(io.Discard, flowResp.Body)
	flowResp.Body.Close()

	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(env.http.URL + "/sessions/s1/flows")
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		var reqs []history.Request
		json.NewDecoder(resp.Body).Decode(&reqs)
		resp.Body.Close()
		if len(reqs) == 1 {
			if reqs[0].UserPrompt != "draw" || !reqs[0].IsInitial {
				t.Errorf("Unexpected row %+v", reqs[0])
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("turn was not recorded")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestGetConfig_Redacted(t *testing.T) {
	env := setupTestServer(t, anthropicStub(""), false)

	resp, err := http.Get(env.http.URL + "/config")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	io.Copy(&buf, resp.Body)
	if strings.Contains(buf.String(), "secret") {
		t.Errorf("API key leaked: %s", buf.String())
	}
}
