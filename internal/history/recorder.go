package history

import (
	"context"
	"sync"
	"time"

	"github.com/bitflow/flowproxy/internal/event"
	"github.com/bitflow/flowproxy/internal/logging"
	"github.com/bitflow/flowproxy/internal/session"
)

const writeTimeout = 5 * time.Second

// Recorder appends one row per completed turn by consuming the bus's
// mirrored event stream. Write failures are logged and dropped.
type Recorder struct {
	store *Store
	bus   *event.Bus

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewRecorder creates a recorder for store fed by bus.
func NewRecorder(store *Store, bus *event.Bus) *Recorder {
	return &Recorder{store: store, bus: bus}
}

// Start subscribes to the bus and begins recording.
func (r *Recorder) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	msgs, err := r.bus.Messages(ctx)
	if err != nil {
		cancel()
		return err
	}
	r.cancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for msg := range msgs {
			r.handle(msg.Payload)
			msg.Ack()
		}
	}()
	return nil
}

func (r *Recorder) handle(payload []byte) {
	ev, err := event.Decode(payload)
	if err != nil {
		logging.Warn().Err(err).Msg("history: undecodable event")
		return
	}
	if ev.Type != event.TurnCompleted {
		return
	}
	turn, ok := ev.Data.(event.TurnData)
	if !ok {
		return
	}

	artifact, _ := session.ExtractArtifact(turn.Content)
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	req, err := r.store.RecordTurn(ctx, Turn{
		SessionKey:  turn.SessionID,
		UserPrompt:  turn.UserPrompt,
		Artifact:    artifact,
		IsInitial:   turn.IsFirstTurn,
		PromptKind:  turn.PromptKind,
		TotalChunks: turn.TotalChunks,
		At:          turn.Time,
	})
	if err != nil {
		logging.Error().Err(err).Str("sessionID", turn.SessionID).Msg("history: record turn failed")
		return
	}
	logging.Debug().
		Str("sessionID", turn.SessionID).
		Int64("requestID", req.ID).
		Int("added", req.LinesAdded).
		Int("removed", req.LinesRemoved).
		Msg("history: turn recorded")
}

// Stop ends the subscription and waits for the consumer to drain.
func (r *Recorder) Stop() {
	r.once.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
		r.wg.Wait()
	})
}
