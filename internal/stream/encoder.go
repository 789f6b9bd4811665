package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Encoder writes events in the unified relay format, one "data:" frame per
// event followed by a blank line.
type Encoder struct {
	w       io.Writer
	flusher http.Flusher
}

// NewEncoder creates an encoder. When w is an http.Flusher it is flushed
// after every frame.
func NewEncoder(w io.Writer) *Encoder {
	e := &Encoder{w: w}
	if f, ok := w.(http.Flusher); ok {
		e.flusher = f
	}
	return e
}

type unifiedFrame struct {
	Delta  *string `json:"delta,omitempty"`
	Status any     `json:"status,omitempty"`
	Error  string  `json:"error,omitempty"`
	Code   string  `json:"code,omitempty"`
}

// Encode writes one event.
func (e *Encoder) Encode(ev Event) error {
	switch ev.Type {
	case EventDelta:
		text := ev.Text
		return e.writeJSON(unifiedFrame{Delta: &text})
	case EventStatus:
		return e.writeJSON(unifiedFrame{Status: ev.Text})
	case EventError:
		frame := unifiedFrame{Error: "unknown error", Code: "unknown"}
		if ev.Err != nil {
			frame.Error = ev.Err.UserMessage
			frame.Code = string(ev.Err.Kind)
			if ev.Err.Detail != "" {
				frame.Code = ev.Err.Detail
			}
			frame.Status = ev.Err.HTTPStatusCode()
		}
		return e.writeJSON(frame)
	case EventDone:
		return e.write([]byte("data: [DONE]\n\n"))
	}
	return nil
}

// ModelStatusPrefix prefixes the status frame announcing the chosen model.
const ModelStatusPrefix = "model:"

// ModelEvent is the status event announcing the model chosen for the answer.
// It is the first event of every dispatch.
func ModelEvent(id string) Event {
	return Event{Type: EventStatus, Text: ModelStatusPrefix + id}
}

func (e *Encoder) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode stream frame: %w", err)
	}
	buf := make([]byte, 0, len(data)+8)
	buf = append(buf, "data: "...)
	buf = append(buf, data...)
	buf = append(buf, '\n', '\n')
	return e.write(buf)
}

func (e *Encoder) write(b []byte) error {
	if _, err := e.w.Write(b); err != nil {
		return err
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}
