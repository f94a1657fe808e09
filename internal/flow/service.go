package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/bitflow/flowproxy/internal/event"
	"github.com/bitflow/flowproxy/internal/logging"
	"github.com/bitflow/flowproxy/internal/prompt"
	"github.com/bitflow/flowproxy/internal/provider"
	"github.com/bitflow/flowproxy/internal/relay"
	"github.com/bitflow/flowproxy/internal/session"
)

var (
	ErrEmptySessionID = errors.New("session id is required")
	ErrEmptyPrompt    = errors.New("user_prompt is required")
	// ErrNonStreamingDisabled is returned by Generate when no Sender is set.
	ErrNonStreamingDisabled = errors.New("non-streaming generation is not configured")
)

// Sender performs a single-response upstream call.
type Sender interface {
	Send(ctx context.Context, system, user string) (*provider.Result, error)
}

// Service runs flow turns: it registers the turn, selects the system prompt
// and relays the upstream response while keeping the session cache current.
type Service struct {
	store    *session.Store
	selector *prompt.Selector
	relay    *relay.Relay
	sender   Sender
	bus      *event.Bus
	now      func() time.Time
}

// NewService wires a Service. sender may be nil, which disables Generate;
// bus may be nil, which disables turn events.
func NewService(store *session.Store, selector *prompt.Selector, r *relay.Relay, sender Sender, bus *event.Bus) *Service {
	return &Service{
		store:    store,
		selector: selector,
		relay:    r,
		sender:   sender,
		bus:      bus,
		now:      time.Now,
	}
}

// Store returns the session store.
func (s *Service) Store() *session.Store { return s.store }

// turn is the prepared state of one turn.
type turn struct {
	runID        string
	sessionID    string
	userPrompt   string
	isFirstTurn  bool
	previous     string
	number       int
	systemPrompt string
	kind         prompt.Kind
	streaming    bool
}

func (t *turn) data(now time.Time) event.TurnData {
	return event.TurnData{
		SessionID:   t.sessionID,
		RunID:       t.runID,
		TurnNumber:  t.number,
		IsFirstTurn: t.isFirstTurn,
		PromptKind:  string(t.kind),
		UserPrompt:  t.userPrompt,
		Streaming:   t.streaming,
		Time:        now,
	}
}

func (s *Service) prepare(sessionID, userPrompt string, streaming bool) (*turn, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, ErrEmptySessionID
	}
	if strings.TrimSpace(userPrompt) == "" {
		return nil, ErrEmptyPrompt
	}

	t := &turn{
		runID:      ulid.Make().String(),
		sessionID:  sessionID,
		userPrompt: userPrompt,
		streaming:  streaming,
	}
	reg := s.store.Register(sessionID)
	t.isFirstTurn, t.previous, t.number = reg.IsFirstTurn, reg.Previous, reg.Number

	system, kind, err := s.selector.Select(t.isFirstTurn, t.previous, sessionID)
	t.kind = kind
	if err != nil {
		s.failed(t, err)
		return nil, err
	}
	t.systemPrompt = system

	logging.Info().
		Str("sessionID", sessionID).
		Str("runID", t.runID).
		Str("promptKind", string(kind)).
		Bool("streaming", streaming).
		Msg("turn started")
	s.publish(event.TurnStarted, t.data(s.now()))
	return t, nil
}

// StartTurn begins a streaming turn. Input and configuration errors are
// returned before any event is produced; upstream failures arrive as the
// terminal error event on the channel.
func (s *Service) StartTurn(ctx context.Context, sessionID, userPrompt string) (<-chan relay.Event, error) {
	t, err := s.prepare(sessionID, userPrompt, true)
	if err != nil {
		return nil, err
	}

	in := s.relay.Stream(ctx, relay.Request{
		RunID:        t.runID,
		SessionID:    t.sessionID,
		SystemPrompt: t.systemPrompt,
		UserPrompt:   t.userPrompt,
	}, &turnCache{svc: s, turn: t})

	out := make(chan relay.Event)
	go func() {
		defer close(out)
		terminal := false
		for ev := range in {
			switch ev.Type {
			case relay.EventComplete:
				s.completed(t, ev.FullText, ev.TotalChunks)
			case relay.EventError:
				s.failed(t, errors.New(ev.Err))
			}
			terminal = terminal || ev.Terminal()
			select {
			case out <- ev:
			case <-ctx.Done():
			}
		}
		if !terminal {
			cause := context.Cause(ctx)
			if cause == nil {
				cause = errors.New("relay ended without a terminal event")
			}
			s.failed(t, cause)
		}
	}()
	return out, nil
}

// GenerateResult is the response of a non-streaming turn.
type GenerateResult struct {
	Content      string          `json:"content"`
	Usage        *provider.Usage `json:"usage,omitempty"`
	Success      bool            `json:"success"`
	ActualPrompt string          `json:"actualPrompt"`
}

// Generate runs a turn without streaming. The response is cached exactly as
// on the streaming path.
func (s *Service) Generate(ctx context.Context, sessionID, userPrompt string) (*GenerateResult, error) {
	if s.sender == nil {
		return nil, ErrNonStreamingDisabled
	}
	t, err := s.prepare(sessionID, userPrompt, false)
	if err != nil {
		return nil, err
	}

	res, err := s.sender.Send(ctx, t.systemPrompt, t.userPrompt)
	if err != nil {
		s.failed(t, err)
		return nil, fmt.Errorf("upstream: %w", err)
	}

	(&turnCache{svc: s, turn: t}).CacheArtifactIfPresent(t.sessionID, res.Content)
	s.completed(t, res.Content, 0)

	return &GenerateResult{
		Content:      res.Content,
		Usage:        res.Usage,
		Success:      res.Success,
		ActualPrompt: t.systemPrompt,
	}, nil
}

func (s *Service) completed(t *turn, content string, chunks int) {
	d := t.data(s.now())
	d.Content = content
	d.TotalChunks = chunks
	s.publish(event.TurnCompleted, d)
}

func (s *Service) failed(t *turn, err error) {
	logging.Warn().
		Err(err).
		Str("sessionID", t.sessionID).
		Str("runID", t.runID).
		Msg("turn failed")
	d := t.data(s.now())
	d.Error = err.Error()
	s.publish(event.TurnFailed, d)
}

func (s *Service) publish(typ event.EventType, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(event.Event{Type: typ, Data: data})
}

// turnCache forwards a run's cache write to the store and announces a
// replaced artifact.
type turnCache struct {
	svc  *Service
	turn *turn
}

func (c *turnCache) CacheArtifactIfPresent(sessionID, rawText string) (string, bool) {
	artifact, ok := c.svc.store.CacheArtifactIfPresent(sessionID, rawText)
	if ok {
		c.svc.publish(event.ArtifactCached, event.ArtifactCachedData{
			SessionID: sessionID,
			Artifact:  artifact,
			Previous:  c.turn.previous,
			Time:      c.svc.now(),
		})
	}
	return artifact, ok
}
