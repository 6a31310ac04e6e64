package controlplane

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec encodes/decodes one control-plane message. A socket is bound to
// exactly one codec at construction time — there is no runtime sniffing of
// the wire format (data_port/file_port each run a MessagePack listener and
// a JSON listener side by side on the server).
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec implements Codec with encoding/json.
type JSONCodec struct{}

func (JSONCodec) Name() string                    { return "json" }
func (JSONCodec) Marshal(v any) ([]byte, error)    { return json.Marshal(v) }
func (JSONCodec) Unmarshal(d []byte, v any) error { return json.Unmarshal(d, v) }

// MsgpackCodec implements Codec with vmihailenco/msgpack.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string                 { return "msgpack" }
func (MsgpackCodec) Marshal(v any) ([]byte, error) { return msgpack.Marshal(v) }
func (MsgpackCodec) Unmarshal(d []byte, v any) error {
	return msgpack.Unmarshal(d, v)
}

const maxFrameSize = 64 << 20 // 64MiB guards against a corrupt length prefix

// writeFrame writes a 4-byte big-endian length prefix followed by payload.
func writeFrame(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readFrame reads one length-prefixed frame.
func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("frame size %d exceeds limit %d", n, maxFrameSize)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// encodeFrame marshals v with codec and writes it as one length-delimited frame.
func encodeFrame(w io.Writer, codec Codec, v any) error {
	payload, err := codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	return writeFrame(w, payload)
}

// decodeFrame reads one length-delimited frame and unmarshals it with codec.
func decodeFrame(r io.Reader, codec Codec, v any) error {
	payload, err := readFrame(r)
	if err != nil {
		return err
	}
	if err := codec.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decoding frame: %w", err)
	}
	return nil
}

// EncodeFrame and DecodeFrame are the exported framing primitives other
// packages bind local IPC sockets with (internal/ipcserver) — the same
// 4-byte length-delimited wire shape used between this agent and the
// remote control plane.
func EncodeFrame(w io.Writer, codec Codec, v any) error { return encodeFrame(w, codec, v) }
func DecodeFrame(r io.Reader, codec Codec, v any) error { return decodeFrame(r, codec, v) }
