package ai

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

// maxPendingPayload bounds a payload held back while waiting for its continuation.
const maxPendingPayload = 64 * 1024

type DecoderOption func(*Decoder)

// WithDecodeErrorHook receives malformed lines the decoder skipped.
func WithDecodeErrorHook(fn func(*DecodeError)) DecoderOption {
	return func(d *Decoder) { d.onDecodeError = fn }
}

// Decoder incrementally turns a provider's streamed body into text deltas.
// One Decoder serves exactly one response; it is not safe for concurrent use.
//
// Only newline-terminated lines are consumed. The trailing fragment stays
// buffered until the next Feed, so the emitted deltas do not depend on how the
// transport chunks the body.
type Decoder struct {
	codec codec
	buf   []byte
	// pending holds an event payload that ended mid-JSON; the following
	// line(s) are appended to it before it is parsed again.
	pending       []byte
	total         int
	onDecodeError func(*DecodeError)
}

func NewDecoder(d Dialect, opts ...DecoderOption) *Decoder {
	dec := &Decoder{codec: codecFor(d)}
	for _, opt := range opts {
		opt(dec)
	}
	return dec
}

// Feed appends p and returns every delta completed by it, in order. A non-nil
// error is an in-band provider error and ends the stream.
func (d *Decoder) Feed(p []byte) ([]string, error) {
	d.buf = append(d.buf, p...)

	var out []string
	consumed := 0
	for {
		i := bytes.IndexByte(d.buf[consumed:], '\n')
		if i < 0 {
			break
		}
		line := d.buf[consumed : consumed+i]
		consumed += i + 1

		text, err := d.line(line)
		if err != nil {
			d.buf = d.buf[:0]
			return out, err
		}
		if text != "" {
			out = append(out, text)
			d.total += len(text)
		}
	}

	if consumed > 0 {
		rest := copy(d.buf, d.buf[consumed:])
		d.buf = d.buf[:rest]
	}
	return out, nil
}

// Flush decodes a final line that arrived without a trailing newline. Call it
// once the body reached EOF.
func (d *Decoder) Flush() ([]string, error) {
	var out []string
	if len(d.buf) > 0 {
		line := d.buf
		d.buf = nil
		text, err := d.line(line)
		if err != nil {
			return nil, err
		}
		if text != "" {
			out = append(out, text)
			d.total += len(text)
		}
	}
	if d.pending != nil {
		d.report(d.pending, io.ErrUnexpectedEOF)
		d.pending = nil
	}
	return out, nil
}

// Len is the total length in bytes of the text decoded so far.
func (d *Decoder) Len() int { return d.total }

func (d *Decoder) line(raw []byte) (string, error) {
	line := bytes.TrimRight(raw, "\r")
	prefix := []byte(d.codec.prefix())

	if d.pending != nil {
		pending := d.pending
		d.pending = nil
		if sep, cont, ok := d.continuation(line, prefix); ok {
			joined := make([]byte, 0, len(pending)+len(sep)+len(cont))
			joined = append(append(append(joined, pending...), sep...), cont...)
			text, err, bad := d.decode(joined)
			if bad == nil {
				return text, err
			}
			// the join did not help: drop the held fragment and read the
			// line as an event of its own
			d.report(pending, io.ErrUnexpectedEOF)
			return d.line(raw)
		}
		d.report(pending, io.ErrUnexpectedEOF)
	}

	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return "", nil
	}
	payload := trimmed
	if len(prefix) > 0 {
		// event:, id:, retry: and ": keep-alive" comments carry no text.
		if !bytes.HasPrefix(trimmed, prefix) {
			return "", nil
		}
		payload = bytes.TrimSpace(trimmed[len(prefix):])
	}
	if len(payload) == 0 || d.codec.terminal(payload) {
		return "", nil
	}
	return d.payload(payload)
}

// continuation reports whether line continues the pending payload and returns
// the separator and the part to append. A blank line ends an SSE event; a line
// that is a JSON document on its own starts a new event.
func (d *Decoder) continuation(line, prefix []byte) (string, []byte, bool) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return "", nil, false
	}
	if len(prefix) > 0 && bytes.HasPrefix(trimmed, prefix) {
		cont := bytes.TrimSpace(trimmed[len(prefix):])
		// a whole object is an event of its own, not the tail of a fragment
		if len(cont) > 0 && cont[0] == '{' && json.Valid(cont) {
			return "", nil, false
		}
		// multi-line SSE data: values join with "\n".
		return "\n", cont, true
	}
	if len(prefix) == 0 && json.Valid(trimmed) {
		return "", nil, false
	}
	// A bare fragment: the newline before it was a read artifact.
	return "", line, true
}

func (d *Decoder) payload(payload []byte) (string, error) {
	text, err, bad := d.decode(payload)
	if bad != nil {
		d.report(payload, bad)
	}
	return text, err
}

// decode parses one payload. err is an in-band provider error; bad is set when
// the payload is malformed. A truncated payload is held in d.pending.
func (d *Decoder) decode(payload []byte) (text string, err, bad error) {
	text, derr := d.codec.delta(payload)
	if derr == nil {
		return text, nil, nil
	}
	var te *TransportError
	if errors.As(derr, &te) {
		return "", te, nil
	}
	if truncated(payload) && len(payload) < maxPendingPayload {
		d.pending = append([]byte(nil), payload...)
		return "", nil, nil
	}
	return "", nil, derr
}

func (d *Decoder) report(payload []byte, err error) {
	if d.onDecodeError == nil {
		return
	}
	d.onDecodeError(&DecodeError{Line: string(payload), Err: err})
}

// truncated reports whether payload is a JSON value cut short, as opposed to
// one that is malformed.
func truncated(payload []byte) bool {
	var v json.RawMessage
	err := json.NewDecoder(bytes.NewReader(payload)).Decode(&v)
	return errors.Is(err, io.ErrUnexpectedEOF)
}
