package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
)

// HeaderLen is the size of the big-endian length prefix in front of every frame.
const HeaderLen = 4

var (
	ErrShortHeader      = errors.New("protocol: incomplete length prefix")
	ErrShortPayload     = errors.New("protocol: incomplete payload")
	ErrMalformedPayload = errors.New("protocol: malformed payload")
	ErrFrameTooLarge    = errors.New("protocol: frame too large")
)

// FramingError reports a frame that could not be read or parsed. It is
// fatal to the connection it was read from.
type FramingError struct {
	Kind  error // one of the Err* sentinels above
	Cause error
}

func (e *FramingError) Error() string {
	if e.Cause == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%v: %v", e.Kind, e.Cause)
}

func (e *FramingError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

func framingError(kind, cause error) error {
	return &FramingError{Kind: kind, Cause: cause}
}

var requiredFields = []string{"content", "sender_id", "message_type", "timestamp"}

// Marshal encodes msg into its structured-text payload, without the prefix.
// Content is written byte for byte, so a message read from a peer is
// forwarded exactly as it arrived. Strings are not HTML-escaped.
func Marshal(msg Message) ([]byte, error) {
	content := msg.Content
	if len(content) == 0 {
		content = nullContent
	} else if !json.Valid(content) {
		return nil, fmt.Errorf("failed to marshal message: invalid %s content", msg.MessageType)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	buf.WriteString(`{"content":`)
	buf.Write(content)
	for _, field := range []struct {
		name  string
		value any
	}{
		{"sender_id", msg.SenderID},
		{"message_type", msg.MessageType},
		{"timestamp", msg.Timestamp},
		{"signature", msg.Signature},
	} {
		buf.WriteString(`,"` + field.name + `":`)
		if err := enc.Encode(field.value); err != nil {
			return nil, fmt.Errorf("failed to marshal message %s: %w", field.name, err)
		}
		// Encode terminates each value with a newline.
		buf.Truncate(buf.Len() - 1)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Unmarshal parses a payload produced by Marshal. Every field except
// signature must be present, and sender_id, message_type and timestamp
// must not be null. Content may be any JSON value, null included. Unknown
// fields are ignored.
func Unmarshal(payload []byte) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return Message{}, framingError(ErrMalformedPayload, err)
	}
	for _, name := range requiredFields {
		if _, ok := fields[name]; !ok {
			return Message{}, framingError(ErrMalformedPayload, fmt.Errorf("missing field %q", name))
		}
	}

	msg := Message{Content: fields["content"]}
	for _, field := range []struct {
		name string
		dst  any
	}{
		{"sender_id", &msg.SenderID},
		{"message_type", &msg.MessageType},
		{"timestamp", &msg.Timestamp},
	} {
		raw := fields[field.name]
		if string(raw) == "null" {
			return Message{}, framingError(ErrMalformedPayload, fmt.Errorf("field %q is null", field.name))
		}
		if err := json.Unmarshal(raw, field.dst); err != nil {
			return Message{}, framingError(ErrMalformedPayload, fmt.Errorf("%s: %w", field.name, err))
		}
	}
	if raw, ok := fields["signature"]; ok {
		if err := json.Unmarshal(raw, &msg.Signature); err != nil {
			return Message{}, framingError(ErrMalformedPayload, fmt.Errorf("signature: %w", err))
		}
	}
	return msg, nil
}

// Encode returns the complete wire frame for msg: a 4-byte unsigned
// big-endian length followed by the payload.
func Encode(msg Message) ([]byte, error) {
	payload, err := Marshal(msg)
	if err != nil {
		return nil, err
	}
	if uint64(len(payload)) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}

	frame := make([]byte, HeaderLen+len(payload))
	binary.BigEndian.PutUint32(frame[:HeaderLen], uint32(len(payload)))
	copy(frame[HeaderLen:], payload)
	return frame, nil
}

// WriteMessage encodes msg and writes the frame with a single Write call.
func WriteMessage(w io.Writer, msg Message) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Decode reads exactly one frame from r. No frame size limit is applied.
func Decode(r io.Reader) (Message, error) {
	return DecodeLimit(r, 0)
}

// DecodeLimit reads exactly one frame from r, rejecting payloads longer
// than maxPayload bytes before reading them. A zero maxPayload disables the
// check. A stream that ends cleanly before the first header byte yields a
// FramingError that also matches io.EOF.
func DecodeLimit(r io.Reader, maxPayload uint32) (Message, error) {
	var header [HeaderLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Message{}, framingError(ErrShortHeader, err)
	}

	length := binary.BigEndian.Uint32(header[:])
	if maxPayload > 0 && length > maxPayload {
		return Message{}, framingError(ErrFrameTooLarge, fmt.Errorf("%d > %d bytes", length, maxPayload))
	}

	payload, err := readPayload(r, length)
	if err != nil {
		return Message{}, framingError(ErrShortPayload, err)
	}
	return Unmarshal(payload)
}

// readPayload grows the buffer as data arrives so a bogus length from a
// peer cannot force a single huge allocation.
func readPayload(r io.Reader, length uint32) ([]byte, error) {
	const chunk = 64 * 1024
	if length <= chunk {
		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
		return payload, nil
	}

	var buf bytes.Buffer
	n, err := io.CopyN(&buf, r, int64(length))
	if err != nil {
		if errors.Is(err, io.EOF) && n < int64(length) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf.Bytes(), nil
}
