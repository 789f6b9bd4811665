// Package stream decodes provider event streams into an ordered sequence of
// text deltas followed by exactly one terminal event.
package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"inferdispatch/internal/core"
)

// EventType identifies what an Event carries.
type EventType string

const (
	EventDelta  EventType = "delta"
	EventStatus EventType = "status"
	EventDone   EventType = "done"
	EventError  EventType = "error"
)

// Event is delivered to the caller in wire order.
type Event struct {
	Type EventType
	Text string // delta text, status text, or the full answer on done
	Err  *core.NormalizedError
}

// Emit receives events. It is called synchronously from the decoding goroutine.
type Emit func(Event)

var (
	dataPrefix = []byte("data:")
	doneMarker = []byte("[DONE]")
)

const readBufferSize = 4096

// MaxLineSize bounds one unterminated line. An upstream that streams more
// than this without a newline ends the session with an unknown error.
const MaxLineSize = 1 << 20

// Transcoder is the per-call decoding session. It must not be shared
// between calls.
type Transcoder struct {
	framing  Framing
	provider string

	buf        []byte
	full       strings.Builder
	usage      core.Usage
	lastStatus string

	cancelled bool
	finished  bool
}

// NewTranscoder creates a session decoding with framing. provider labels
// errors raised from in-stream error records.
func NewTranscoder(framing Framing, provider string) *Transcoder {
	return &Transcoder{framing: framing, provider: provider}
}

// Text returns the text accumulated so far.
func (t *Transcoder) Text() string {
	return t.full.String()
}

// Usage returns token usage reported in the stream, if any.
func (t *Transcoder) Usage() core.Usage {
	return t.usage
}

// Cancelled reports whether the session ended by cancellation.
func (t *Transcoder) Cancelled() bool {
	return t.cancelled
}

// Finished reports whether a terminal event has been emitted.
func (t *Transcoder) Finished() bool {
	return t.finished
}

// Feed appends a chunk and processes every complete line in it. A trailing
// partial line is kept for the next chunk. It returns done=true once a
// terminal event has been emitted; err is non-nil when that event was an error.
func (t *Transcoder) Feed(chunk []byte, emit Emit) (done bool, err error) {
	if t.finished {
		return true, nil
	}
	t.buf = append(t.buf, chunk...)

	start := 0
	for {
		i := bytes.IndexByte(t.buf[start:], '\n')
		if i < 0 {
			break
		}
		line := t.buf[start : start+i]
		start += i + 1

		if done, err := t.processLine(line, emit); done {
			t.buf = nil
			return true, err
		}
	}

	t.buf = append(t.buf[:0], t.buf[start:]...)
	if len(t.buf) > MaxLineSize {
		t.buf = nil
		nerr := core.NewError(core.KindUnknown, t.provider,
			fmt.Sprintf("stream line exceeds %d bytes", MaxLineSize))
		t.fail(nerr, emit)
		return true, nerr
	}
	return false, nil
}

// Finish handles end of input: a trailing unterminated line is processed and,
// when no terminal record was seen, the accumulated text becomes the answer.
func (t *Transcoder) Finish(emit Emit) (string, error) {
	if t.finished {
		return t.full.String(), nil
	}
	if len(t.buf) > 0 {
		line := t.buf
		t.buf = nil
		if done, err := t.processLine(line, emit); done {
			return t.full.String(), err
		}
	}
	t.complete(emit)
	return t.full.String(), nil
}

// Run reads r until a terminal event, EOF, a read error or cancellation of
// ctx. When r is an io.Closer it is closed on cancellation so a blocked read
// returns promptly.
func (t *Transcoder) Run(ctx context.Context, r io.Reader, emit Emit) (string, error) {
	if closer, ok := r.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { _ = closer.Close() })
		defer stop()
	}

	buf := make([]byte, readBufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return t.full.String(), t.Cancel(err, emit)
		}

		n, readErr := r.Read(buf)
		if n > 0 {
			if ctx.Err() != nil {
				return t.full.String(), t.Cancel(ctx.Err(), emit)
			}
			if done, err := t.Feed(buf[:n], emit); done {
				return t.full.String(), err
			}
		}

		if readErr == nil {
			continue
		}
		if ctx.Err() != nil {
			return t.full.String(), t.Cancel(ctx.Err(), emit)
		}
		if errors.Is(readErr, io.EOF) {
			return t.Finish(emit)
		}
		nerr := core.Normalize(readErr, t.provider)
		t.fail(nerr, emit)
		return t.full.String(), nerr
	}
}

// Cancel ends the session as cancelled. No further deltas are delivered.
func (t *Transcoder) Cancel(cause error, emit Emit) error {
	if cause == nil {
		cause = context.Canceled
	}
	nerr := core.Normalize(cause, t.provider)
	if t.finished {
		return nerr
	}
	t.cancelled = true
	t.fail(nerr, emit)
	return nerr
}

func (t *Transcoder) processLine(line []byte, emit Emit) (bool, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || !bytes.HasPrefix(line, dataPrefix) {
		return false, nil
	}
	payload := bytes.TrimSpace(line[len(dataPrefix):])
	if len(payload) == 0 {
		return false, nil
	}
	if bytes.Equal(payload, doneMarker) {
		t.complete(emit)
		return true, nil
	}

	for _, f := range t.framing.Parse(payload) {
		if f.Usage != nil {
			t.mergeUsage(*f.Usage)
		}
		switch f.Kind {
		case FrameDelta:
			if f.Text == "" {
				continue
			}
			t.full.WriteString(f.Text)
			t.lastStatus = ""
			emit(Event{Type: EventDelta, Text: f.Text})
		case FrameStatus:
			if f.Text == "" || f.Text == t.lastStatus {
				continue
			}
			t.lastStatus = f.Text
			emit(Event{Type: EventStatus, Text: f.Text})
		case FrameError:
			nerr := t.frameError(f, payload)
			t.fail(nerr, emit)
			return true, nerr
		case FrameDone:
			t.complete(emit)
			return true, nil
		}
	}
	return false, nil
}

func (t *Transcoder) frameError(f Frame, payload []byte) *core.NormalizedError {
	if f.Code == core.DetailTierRestricted {
		nerr := core.NewError(core.KindForbidden, t.provider, f.Text)
		nerr.Detail = core.DetailTierRestricted
		nerr.HTTPStatus = f.Status
		return nerr
	}
	if kind, ok := core.ParseKind(f.Code); ok {
		nerr := core.NewError(kind, t.provider, f.Text)
		nerr.HTTPStatus = f.Status
		return nerr
	}
	if f.Status != 0 {
		nerr := core.ParseHTTPError(t.provider, f.Status, nil, payload)
		if f.Text != "" {
			nerr.Message = f.Text
		}
		return nerr
	}
	return core.NewError(core.KindUnknown, t.provider, f.Text)
}

func (t *Transcoder) complete(emit Emit) {
	t.finished = true
	emit(Event{Type: EventDone, Text: t.full.String()})
}

func (t *Transcoder) fail(err *core.NormalizedError, emit Emit) {
	t.finished = true
	emit(Event{Type: EventError, Err: err})
}

func (t *Transcoder) mergeUsage(u core.Usage) {
	if u.PromptTokens > 0 {
		t.usage.PromptTokens = u.PromptTokens
	}
	if u.CompletionTokens > 0 {
		t.usage.CompletionTokens = u.CompletionTokens
	}
	if u.TotalTokens > 0 {
		t.usage.TotalTokens = u.TotalTokens
	} else if t.usage.PromptTokens+t.usage.CompletionTokens > t.usage.TotalTokens {
		t.usage.TotalTokens = t.usage.PromptTokens + t.usage.CompletionTokens
	}
}
