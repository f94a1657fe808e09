package event

import (
	"encoding/json"
	"time"
)

// TurnData is the payload of turn.* events.
type TurnData struct {
	SessionID   string    `json:"sessionID"`
	RunID       string    `json:"runID"`
	TurnNumber  int       `json:"turnNumber"`
	IsFirstTurn bool      `json:"isFirstTurn"`
	PromptKind  string    `json:"promptKind"`
	UserPrompt  string    `json:"userPrompt"`
	Streaming   bool      `json:"streaming"`
	Time        time.Time `json:"time"`

	// Set on turn.completed.
	Content     string `json:"content,omitempty"`
	TotalChunks int    `json:"totalChunks,omitempty"`

	// Set on turn.failed.
	Error string `json:"error,omitempty"`
}

// ArtifactCachedData is the payload of artifact.cached events.
type ArtifactCachedData struct {
	SessionID string    `json:"sessionID"`
	Artifact  string    `json:"artifact"`
	Previous  string    `json:"previous,omitempty"`
	Time      time.Time `json:"time"`
}

// PromptsReloadedData is the payload of prompts.reloaded events.
type PromptsReloadedData struct {
	Generation   bool   `json:"generation"`
	Modification bool   `json:"modification"`
	Error        string `json:"error,omitempty"`
}

// Decode parses a mirrored message payload, restoring the typed Data for
// known event types.
func Decode(payload []byte) (Event, error) {
	var raw struct {
		Type EventType       `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Event{}, err
	}

	ev := Event{Type: raw.Type}
	var err error
	switch raw.Type {
	case TurnStarted, TurnCompleted, TurnFailed:
		var d TurnData
		err = json.Unmarshal(raw.Data, &d)
		ev.Data = d
	case ArtifactCached:
		var d ArtifactCachedData
		err = json.Unmarshal(raw.Data, &d)
		ev.Data = d
	case PromptsReloaded:
		var d PromptsReloadedData
		err = json.Unmarshal(raw.Data, &d)
		ev.Data = d
	default:
		var d any
		if len(raw.Data) > 0 {
			err = json.Unmarshal(raw.Data, &d)
		}
		ev.Data = d
	}
	return ev, err
}
