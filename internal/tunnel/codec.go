package tunnel

import (
	"encoding/json"
	"errors"
	"fmt"
)

// DefaultMaxPayload is the per-frame data cap applied when a Codec does not
// set its own.
const DefaultMaxPayload = 16 << 20

// Decode failure reasons.
type DecodeReason string

const (
	Malformed       DecodeReason = "malformed"
	UnknownType     DecodeReason = "unknown_type"
	PayloadTooLarge DecodeReason = "payload_too_large"
)

// DecodeError describes why a frame was rejected. Malformed frames should
// tear down the connection; unknown types may be skipped and logged.
type DecodeError struct {
	Reason DecodeReason
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tunnel: %s frame: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("tunnel: %s frame", e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Codec encodes and decodes frames, enforcing the payload cap.
// The zero value uses DefaultMaxPayload.
type Codec struct {
	MaxPayload int64
}

func (c Codec) max() int64 {
	if c.MaxPayload > 0 {
		return c.MaxPayload
	}
	return DefaultMaxPayload
}

// MaxEncoded returns the largest encoded frame the codec accepts. It covers
// base64 inflation of a full data payload plus the JSON envelope and is the
// value to use for the transport read limit.
func (c Codec) MaxEncoded() int64 {
	m := c.max()
	return m + m/3 + 4096
}

// Encode validates f and returns its JSON encoding.
func (c Codec) Encode(f Frame) ([]byte, error) {
	if err := c.validate(f); err != nil {
		return nil, err
	}
	return json.Marshal(f)
}

// Decode parses data into a Frame. The raw length is checked against the
// encoded cap before parsing so oversized frames are rejected cheaply.
func (c Codec) Decode(data []byte) (Frame, error) {
	if int64(len(data)) > c.MaxEncoded() {
		return Frame{}, &DecodeError{Reason: PayloadTooLarge, Err: fmt.Errorf("%d bytes exceeds limit %d", len(data), c.MaxEncoded())}
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, &DecodeError{Reason: Malformed, Err: err}
	}
	if err := c.validate(f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

func (c Codec) validate(f Frame) error {
	if !knownTypes[f.Type] {
		return &DecodeError{Reason: UnknownType, Err: fmt.Errorf("type %q", f.Type)}
	}
	if int64(len(f.Data)) > c.max() {
		return &DecodeError{Reason: PayloadTooLarge, Err: fmt.Errorf("data %d bytes exceeds limit %d", len(f.Data), c.max())}
	}
	switch f.Type {
	case TypeHello:
		if f.Token == "" {
			return &DecodeError{Reason: Malformed, Err: errors.New("hello requires token")}
		}
	case TypeRequestOpen:
		if f.SessionID == "" || f.Method == "" || f.Path == "" {
			return &DecodeError{Reason: Malformed, Err: errors.New("request_open requires session_id, method and path")}
		}
	case TypeRequestChunk, TypeResponseChunk:
		if f.SessionID == "" {
			return &DecodeError{Reason: Malformed, Err: fmt.Errorf("%s requires session_id", f.Type)}
		}
		if f.Seq == 0 {
			return &DecodeError{Reason: Malformed, Err: fmt.Errorf("%s requires seq >= 1", f.Type)}
		}
	case TypeCancel:
		if f.SessionID == "" {
			return &DecodeError{Reason: Malformed, Err: errors.New("cancel requires session_id")}
		}
	case TypeError:
		if f.Code == "" {
			return &DecodeError{Reason: Malformed, Err: errors.New("error requires code")}
		}
	}
	return nil
}
