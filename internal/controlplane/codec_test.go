package controlplane

import (
	"bytes"
	"testing"
)

func TestFrameRoundTripJSON(t *testing.T) {
	var buf bytes.Buffer
	in := wireRequest{Method: "poll", Params: "x"}
	if err := encodeFrame(&buf, JSONCodec{}, in); err != nil {
		t.Fatalf("encode: %v", err)
	}

	var out wireRequest
	if err := decodeFrame(&buf, JSONCodec{}, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Method != in.Method {
		t.Fatalf("got method %q, want %q", out.Method, in.Method)
	}
}

func TestFrameRoundTripMsgpack(t *testing.T) {
	var buf bytes.Buffer
	in := wireRequest{Method: "poll"}
	if err := encodeFrame(&buf, MsgpackCodec{}, in); err != nil {
		t.Fatalf("encode: %v", err)
	}

	var out wireRequest
	if err := decodeFrame(&buf, MsgpackCodec{}, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Method != in.Method {
		t.Fatalf("got method %q, want %q", out.Method, in.Method)
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF}) // huge length, no payload follows
	if _, err := readFrame(&buf); err == nil {
		t.Fatalf("expected error for oversized frame length")
	}
}

func TestStatusToKind(t *testing.T) {
	cases := map[string]ErrorKind{
		"access_denied": ErrAccessDenied,
		"integrity":     ErrIntegrity,
		"not_found":     ErrNotFound,
		"network":       ErrNetwork,
		"garbage":       ErrOther,
		"":              ErrOther,
	}
	for status, want := range cases {
		if got := statusToKind(status); got != want {
			t.Errorf("statusToKind(%q) = %q, want %q", status, got, want)
		}
	}
}
