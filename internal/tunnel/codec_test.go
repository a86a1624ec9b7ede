package tunnel

import (
	"bytes"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	cases := []Frame{
		{Type: TypeHello, Token: "tok-123", Models: []string{"m1", "m2"}},
		{Type: TypeHelloAck},
		{Type: TypeRequestOpen, SessionID: "s1", Method: "POST", Path: "/v1/chat/completions", Headers: map[string]string{"Content-Type": "application/json"}},
		{Type: TypeRequestOpen, SessionID: "s2", Method: "GET", Path: "/v1/models", BodyComplete: true},
		{Type: TypeRequestChunk, SessionID: "s1", Seq: 1, Data: []byte(`{"model":"m1"}`)},
		{Type: TypeRequestChunk, SessionID: "s1", Seq: 2, Final: true},
		{Type: TypeResponseChunk, SessionID: "s1", Seq: 1, Status: 200, Headers: map[string]string{"Content-Type": "text/event-stream"}},
		{Type: TypeResponseChunk, SessionID: "s1", Seq: 2, Data: []byte("data: {}\n\n")},
		{Type: TypeResponseChunk, SessionID: "s1", Seq: 3, Final: true},
		{Type: TypeCancel, SessionID: "s1"},
		{Type: TypeError, SessionID: "s1", Code: CodeTimeout, Message: "request timed out"},
		{Type: TypeError, Code: CodeAuthRejected, Message: "bad token"},
		{Type: TypePing},
		{Type: TypePong},
	}
	var c Codec
	for _, f := range cases {
		b, err := c.Encode(f)
		if err != nil {
			t.Fatalf("encode %s: %v", f.Type, err)
		}
		got, err := c.Decode(b)
		if err != nil {
			t.Fatalf("decode %s: %v", f.Type, err)
		}
		if !reflect.DeepEqual(got, f) {
			t.Errorf("round trip %s: got %#v want %#v", f.Type, got, f)
		}
	}
}

func TestDecodeMalformed(t *testing.T) {
	var c Codec
	cases := []string{
		`not json`,
		`{"type":"hello"}`,
		`{"type":"request_open","session_id":"s1"}`,
		`{"type":"request_open","method":"GET","path":"/v1/models"}`,
		`{"type":"request_chunk","session_id":"s1"}`,
		`{"type":"request_chunk","seq":1}`,
		`{"type":"response_chunk","session_id":"s1"}`,
		`{"type":"cancel"}`,
		`{"type":"error","session_id":"s1"}`,
	}
	for _, raw := range cases {
		_, err := c.Decode([]byte(raw))
		var de *DecodeError
		if !errors.As(err, &de) || de.Reason != Malformed {
			t.Errorf("Decode(%s): expected malformed error, got %v", raw, err)
		}
	}
}

func TestDecodeUnknownType(t *testing.T) {
	var c Codec
	_, err := c.Decode([]byte(`{"type":"resume_session","session_id":"s1"}`))
	var de *DecodeError
	if !errors.As(err, &de) || de.Reason != UnknownType {
		t.Fatalf("expected unknown type error, got %v", err)
	}
	if !strings.Contains(err.Error(), "resume_session") {
		t.Fatalf("error should name the type: %v", err)
	}
}

func TestDecodePayloadTooLarge(t *testing.T) {
	c := Codec{MaxPayload: 64}

	big := Frame{Type: TypeRequestChunk, SessionID: "s1", Seq: 1, Data: bytes.Repeat([]byte("x"), 65)}
	if _, err := c.Encode(big); !isReason(err, PayloadTooLarge) {
		t.Fatalf("encode oversized data: expected payload error, got %v", err)
	}

	ok := Frame{Type: TypeRequestChunk, SessionID: "s1", Seq: 1, Data: bytes.Repeat([]byte("x"), 64)}
	b, err := Codec{}.Encode(ok)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := c.Decode(b); err != nil {
		t.Fatalf("decode at cap: %v", err)
	}

	raw := append([]byte(`{"type":"ping","pad":"`), bytes.Repeat([]byte("y"), int(c.MaxEncoded()))...)
	raw = append(raw, '"', '}')
	if _, err := c.Decode(raw); !isReason(err, PayloadTooLarge) {
		t.Fatalf("decode oversized raw: expected payload error, got %v", err)
	}
}

func TestDecodeIgnoresExtraFields(t *testing.T) {
	var c Codec
	f, err := c.Decode([]byte(`{"type":"ping","future_field":true}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Type != TypePing {
		t.Fatalf("type = %q; want ping", f.Type)
	}
}

func isReason(err error, r DecodeReason) bool {
	var de *DecodeError
	return errors.As(err, &de) && de.Reason == r
}
