package relay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/bitflow/flowproxy/internal/logging"
	"github.com/bitflow/flowproxy/pkg/types"
)

const (
	DefaultChunkTimeout   = 120 * time.Second
	DefaultConnectTimeout = 30 * time.Second
	DefaultVersion        = "2023-06-01"

	// headerGrace is added to the chunk timeout to bound the wait for
	// response headers.
	headerGrace = 30 * time.Second

	progressEvery = 10000
	maxErrorBody  = 64 << 10
)

// ConnectionInterruptedMessage replaces transport errors that look like a
// dropped connection.
const ConnectionInterruptedMessage = "upstream connection was interrupted; check the network and retry"

var (
	ErrChunkTimeout = errors.New("streaming timed out: upstream response is too slow")
	ErrMissingURL   = errors.New("relay: upstream URL is required")
	ErrMissingModel = errors.New("relay: model is required")
	// ErrUpstreamStatus matches every *StatusError with errors.Is.
	ErrUpstreamStatus = errors.New("upstream returned an error status")
)

// StatusError is returned for a non-2xx upstream response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrUpstreamStatus }

// ArtifactCache receives the accumulated text of a successful run.
type ArtifactCache interface {
	CacheArtifactIfPresent(sessionID, rawText string) (artifact string, cached bool)
}

// Config holds the upstream settings for a Relay.
type Config struct {
	URL            string
	APIKey         string
	Version        string
	Model          string
	MaxTokens      int
	ChunkTimeout   time.Duration
	ConnectTimeout time.Duration
}

// ConfigFrom builds a relay Config from the upstream section of the
// application config.
func ConfigFrom(u types.UpstreamConfig) Config {
	return Config{
		URL:            u.MessagesURL(),
		APIKey:         u.APIKey,
		Version:        u.Version,
		Model:          u.Model,
		MaxTokens:      u.MaxTokens,
		ChunkTimeout:   u.ChunkTimeout.Std(),
		ConnectTimeout: u.ConnectTimeout.Std(),
	}
}

// Request is the input of one relay run.
type Request struct {
	RunID        string // generated when empty
	SessionID    string
	SystemPrompt string
	UserPrompt   string
}

// Relay streams turns from the upstream messages API.
type Relay struct {
	cfg    Config
	client *http.Client
}

// New creates a Relay. A nil client gets a transport with the configured
// connect and header timeouts.
func New(cfg Config, client *http.Client) (*Relay, error) {
	if cfg.URL == "" {
		return nil, ErrMissingURL
	}
	if cfg.Model == "" {
		return nil, ErrMissingModel
	}
	if cfg.Version == "" {
		cfg.Version = DefaultVersion
	}
	if cfg.ChunkTimeout <= 0 {
		cfg.ChunkTimeout = DefaultChunkTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if client == nil {
		client = NewHTTPClient(cfg.ConnectTimeout, cfg.ChunkTimeout+headerGrace)
	}
	return &Relay{cfg: cfg, client: client}, nil
}

// NewHTTPClient returns a client for long-lived streaming responses. There
// is no overall timeout; reads are bounded per chunk by the relay.
func NewHTTPClient(connectTimeout, headerTimeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	transport.TLSHandshakeTimeout = connectTimeout
	transport.ResponseHeaderTimeout = headerTimeout
	return &http.Client{Transport: transport}
}

// Config returns the effective configuration.
func (r *Relay) Config() Config { return r.cfg }

type state int

const (
	stateIdle state = iota
	stateStarted
	stateAccumulating
	stateTerminal
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateStarted:
		return "started"
	case stateAccumulating:
		return "accumulating"
	default:
		return "terminal"
	}
}

// Stream runs one turn against the upstream API. The returned channel yields
// a start event, zero or more content events and exactly one terminal event,
// then closes. Cancelling ctx abandons the run: the upstream body is released,
// no cache write happens and the channel closes without a terminal event.
func (r *Relay) Stream(ctx context.Context, req Request, cache ArtifactCache) <-chan Event {
	out := make(chan Event)
	id := req.RunID
	if id == "" {
		id = ulid.Make().String()
	}
	rn := &run{
		relay: r,
		ctx:   ctx,
		req:   req,
		cache: cache,
		out:   out,
		log: logging.With().
			Str("runID", id).
			Str("sessionID", req.SessionID).
			Logger(),
	}
	go rn.run()
	return out
}

// run is the state of a single relay run.
type run struct {
	relay *Relay
	ctx   context.Context
	req   Request
	cache ArtifactCache
	out   chan<- Event
	log   zerolog.Logger

	state   state
	content strings.Builder
	chunks  int
}

func (rn *run) run() {
	defer close(rn.out)

	if !rn.emit(Event{Type: EventStart, Message: StartMessage}) {
		return
	}
	rn.state = stateStarted
	rn.log.Debug().Str("url", rn.relay.cfg.URL).Msg("relay started")

	body, err := rn.open()
	if err != nil {
		rn.finish(err)
		return
	}
	defer body.Close()

	rn.finish(rn.read(body))
}

// finish emits the terminal event for err.
func (rn *run) finish(err error) {
	if rn.ctx.Err() != nil {
		rn.log.Info().
			Int("chunks", rn.chunks).
			Str("state", rn.state.String()).
			Msg("relay cancelled")
		rn.state = stateTerminal
		return
	}
	if err != nil {
		rn.fail(err)
		return
	}
	rn.complete()
}

func (rn *run) complete() {
	full := rn.content.String()
	if rn.cache != nil {
		if _, ok := rn.cache.CacheArtifactIfPresent(rn.req.SessionID, full); !ok {
			rn.log.Debug().Msg("no artifact in response")
		}
	}
	rn.state = stateTerminal
	rn.log.Info().
		Int("chunks", rn.chunks).
		Int("length", len(full)).
		Msg("relay complete")
	rn.emit(Event{Type: EventComplete, FullText: full, TotalChunks: rn.chunks})
}

func (rn *run) fail(err error) {
	msg := describe(err)
	rn.state = stateTerminal
	// ContentLength counts characters, not bytes.
	length := utf8.RuneCountInString(rn.content.String())
	rn.log.Error().
		Err(err).
		Int("chunks", rn.chunks).
		Int("length", length).
		Msg("relay failed")
	rn.emit(Event{
		Type:              EventError,
		Err:               msg,
		ChunkCount:        rn.chunks,
		ContentLength:     length,
		HadPartialContent: length > 0,
	})
}

func (rn *run) emit(ev Event) bool {
	select {
	case rn.out <- ev:
		return true
	case <-rn.ctx.Done():
		return false
	}
}

type requestMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type requestPayload struct {
	Model     string           `json:"model"`
	MaxTokens int              `json:"max_tokens"`
	System    string           `json:"system"`
	Messages  []requestMessage `json:"messages"`
	Stream    bool             `json:"stream"`
}

func (rn *run) open() (io.ReadCloser, error) {
	cfg := rn.relay.cfg
	payload, err := json.Marshal(requestPayload{
		Model:     cfg.Model,
		MaxTokens: cfg.MaxTokens,
		System:    rn.req.SystemPrompt,
		Messages:  []requestMessage{{Role: "user", Content: rn.req.UserPrompt}},
		Stream:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(rn.ctx, http.MethodPost, cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("x-api-key", cfg.APIKey)
	req.Header.Set("anthropic-version", cfg.Version)

	resp, err := rn.relay.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	return resp.Body, nil
}

type lineResult struct {
	line string
	err  error
	eof  bool
}

// read consumes the event stream until message_stop, a clean close, an
// error or cancellation. A nil return means the run succeeded.
func (rn *run) read(body io.Reader) error {
	lines := make(chan lineResult)
	done := make(chan struct{})
	defer close(done)

	go func() {
		reader := bufio.NewReader(body)
		for {
			line, err := reader.ReadString('\n')
			if line != "" {
				select {
				case lines <- lineResult{line: line}:
				case <-done:
					return
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					err = nil
				}
				select {
				case lines <- lineResult{err: err, eof: true}:
				case <-done:
				}
				return
			}
		}
	}()

	timeout := rn.relay.cfg.ChunkTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-rn.ctx.Done():
			return rn.ctx.Err()
		case <-timer.C:
			return ErrChunkTimeout
		case lr := <-lines:
			if lr.eof {
				if lr.err == nil {
					rn.log.Debug().Msg("stream closed without message_stop")
				}
				return lr.err
			}
			// The timeout bounds the upstream read only, not the time the
			// caller takes to receive the event.
			timer.Stop()
			stop, err := rn.handle(lr.line)
			if err != nil || stop {
				return err
			}
			timer.Reset(timeout)
		}
	}
}

// handle processes one line of the stream. stop is true once message_stop
// has been seen.
func (rn *run) handle(line string) (stop bool, err error) {
	payload, ok := framePayload(line)
	if !ok {
		return false, nil
	}

	frame, err := DecodeFrame(payload)
	if err != nil {
		rn.log.Warn().Err(err).Str("line", line).Msg("skipping malformed frame")
		return false, nil
	}

	switch frame.Type {
	case FrameMessageStart:
		rn.log.Debug().Msg("message_start")
	case FrameContentDelta:
		if frame.Text == "" {
			return false, nil
		}
		rn.content.WriteString(frame.Text)
		rn.chunks++
		rn.state = stateAccumulating
		if !rn.emit(Event{Type: EventContent, Text: frame.Text, Sequence: rn.chunks}) {
			return true, rn.ctx.Err()
		}
		if rn.chunks%progressEvery == 0 {
			rn.log.Info().
				Int("chunks", rn.chunks).
				Int("length", rn.content.Len()).
				Msg("relay progress")
		}
	case FrameMessageStop:
		rn.log.Debug().Msg("message_stop")
		return true, nil
	default:
		rn.log.Debug().Str("frame", frame.Name).Msg("ignoring frame")
	}
	return false, nil
}

// describe turns a run failure into the message carried by the error event.
func describe(err error) string {
	var statusErr *StatusError
	if errors.As(err, &statusErr) || errors.Is(err, ErrChunkTimeout) {
		return err.Error()
	}
	if isConnectionInterrupted(err) {
		return ConnectionInterruptedMessage
	}
	return err.Error()
}

func isConnectionInterrupted(err error) bool {
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) {
		return true
	}
	// Broad on purpose: wrapped transport errors from net/http often carry
	// only a message, so the typed checks above miss them.
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"terminated", "closed", "connection reset"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
