package relay

import "encoding/json"

// EventType tags a relay Event.
type EventType string

const (
	EventStart    EventType = "start"
	EventContent  EventType = "content"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// StartMessage is carried by every start event.
const StartMessage = "upstream streaming started"

// Event is one normalized item of a relay run.
//
// Only the fields that belong to Type are meaningful:
//   - start: Message
//   - content: Text, Sequence
//   - complete: FullText, TotalChunks
//   - error: Err, ChunkCount, ContentLength, HadPartialContent
type Event struct {
	Type EventType

	Message string

	Text     string
	Sequence int

	FullText    string
	TotalChunks int

	Err               string
	ChunkCount        int
	ContentLength     int
	HadPartialContent bool
}

// Terminal reports whether e ends a relay run.
func (e Event) Terminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}

// ErrorDetails is the details object of an error event on the wire.
type ErrorDetails struct {
	ChunkCount     int  `json:"chunkCount"`
	ContentLength  int  `json:"contentLength"`
	PartialContent bool `json:"partialContent"`
}

type startWire struct {
	Type    EventType `json:"type"`
	Message string    `json:"message"`
}

type contentWire struct {
	Type  EventType `json:"type"`
	Text  string    `json:"text"`
	Chunk int       `json:"chunk"`
}

type completeWire struct {
	Type        EventType `json:"type"`
	FullContent string    `json:"fullContent"`
	TotalChunks int       `json:"totalChunks"`
}

type errorWire struct {
	Type    EventType    `json:"type"`
	Error   string       `json:"error"`
	Details ErrorDetails `json:"details"`
}

// MarshalJSON encodes the event in its line-delimited wire shape.
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case EventStart:
		return json.Marshal(startWire{Type: e.Type, Message: e.Message})
	case EventContent:
		return json.Marshal(contentWire{Type: e.Type, Text: e.Text, Chunk: e.Sequence})
	case EventComplete:
		return json.Marshal(completeWire{Type: e.Type, FullContent: e.FullText, TotalChunks: e.TotalChunks})
	case EventError:
		return json.Marshal(errorWire{
			Type:  e.Type,
			Error: e.Err,
			Details: ErrorDetails{
				ChunkCount:     e.ChunkCount,
				ContentLength:  e.ContentLength,
				PartialContent: e.HadPartialContent,
			},
		})
	default:
		return json.Marshal(map[string]any{"type": e.Type})
	}
}

// UnmarshalJSON decodes any of the wire shapes.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type        EventType     `json:"type"`
		Message     string        `json:"message"`
		Text        string        `json:"text"`
		Chunk       int           `json:"chunk"`
		FullContent string        `json:"fullContent"`
		TotalChunks int           `json:"totalChunks"`
		Error       string        `json:"error"`
		Details     *ErrorDetails `json:"details"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = Event{
		Type:        raw.Type,
		Message:     raw.Message,
		Text:        raw.Text,
		Sequence:    raw.Chunk,
		FullText:    raw.FullContent,
		TotalChunks: raw.TotalChunks,
		Err:         raw.Error,
	}
	if raw.Details != nil {
		e.ChunkCount = raw.Details.ChunkCount
		e.ContentLength = raw.Details.ContentLength
		e.HadPartialContent = raw.Details.PartialContent
	}
	return nil
}
