package relay

import (
	"encoding/json"
	"strings"
)

// FrameType is the decoded kind of an upstream stream frame.
type FrameType int

const (
	FrameUnknown FrameType = iota
	FrameMessageStart
	FrameContentDelta
	FrameMessageStop
)

const (
	dataPrefix = "data: "
	doneMarker = "[DONE]"
)

// Frame is one decoded unit of the upstream event stream.
type Frame struct {
	Type FrameType
	Text string // content delta text

	// Raw event name, kept for logging unknown frames.
	Name string
}

type wireFrame struct {
	Type    string          `json:"type"`
	Message json.RawMessage `json:"message,omitempty"`
	Delta   *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta,omitempty"`
}

// framePayload strips the data prefix from line. ok is false for lines that
// carry no frame: blank lines, other SSE fields and the [DONE] marker.
func framePayload(line string) (payload string, ok bool) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, dataPrefix) {
		return "", false
	}
	payload = line[len(dataPrefix):]
	if payload == doneMarker {
		return "", false
	}
	return payload, true
}

// DecodeFrame decodes one data payload.
func DecodeFrame(payload string) (Frame, error) {
	var w wireFrame
	if err := json.Unmarshal([]byte(payload), &w); err != nil {
		return Frame{}, err
	}

	f := Frame{Name: w.Type}
	switch w.Type {
	case "message_start":
		f.Type = FrameMessageStart
	case "content_block_delta":
		f.Type = FrameContentDelta
		if w.Delta != nil {
			f.Text = w.Delta.Text
		}
	case "message_stop":
		f.Type = FrameMessageStop
	default:
		f.Type = FrameUnknown
	}
	return f, nil
}
