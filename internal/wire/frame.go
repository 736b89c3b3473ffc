// Package wire implements the predictd frame codec and message schema.
//
// Every message travels as a frame: a 4-byte little-endian length prefix
// followed by that many bytes of UTF-8 JSON. A connection carries exactly one
// request frame and at most one response frame.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

// HeaderSize is the size of the length prefix in bytes.
const HeaderSize = 4

// DefaultChunkSize bounds each read while accumulating a frame payload.
const DefaultChunkSize = 4096

var (
	// ErrConnectionInterrupted reports that the peer went away before a frame
	// was fully read or written.
	ErrConnectionInterrupted = errors.New("wire: connection interrupted")
	// ErrProtocol reports a frame whose payload is not valid UTF-8 JSON.
	ErrProtocol = errors.New("wire: malformed frame payload")
)

// Encode serializes v as JSON and prefixes it with its length.
func Encode(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: encode: %w", err)
	}
	return EncodeRaw(body), nil
}

// EncodeRaw frames an already serialized payload.
func EncodeRaw(body []byte) []byte {
	out := make([]byte, HeaderSize+len(body))
	binary.LittleEndian.PutUint32(out[:HeaderSize], uint32(len(body)))
	copy(out[HeaderSize:], body)
	return out
}

// ReadFrame reads one frame from r and returns its payload. The payload is
// accumulated in reads of at most chunkSize bytes. It does not validate the
// payload.
func ReadFrame(r io.Reader, chunkSize int) ([]byte, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, interrupted("read length prefix", err)
	}
	// Sizes stay int64 so a prefix above MaxInt32 cannot wrap negative on
	// 32-bit platforms.
	size := int64(binary.LittleEndian.Uint32(header[:]))
	payload := make([]byte, 0, int(min(size, 1<<20)))
	chunk := make([]byte, int(min(int64(chunkSize), max(size, 1))))
	for int64(len(payload)) < size {
		want := int(min(size-int64(len(payload)), int64(len(chunk))))
		n, err := r.Read(chunk[:want])
		if n > 0 {
			payload = append(payload, chunk[:n]...)
			continue
		}
		if err == nil {
			err = io.ErrNoProgress
		}
		return nil, interrupted(fmt.Sprintf("read payload (%d of %d bytes)", len(payload), size), err)
	}
	return payload, nil
}

// Decode reads one frame from r and unmarshals it into v. A payload that is
// not UTF-8 JSON yields ErrProtocol.
func Decode(r io.Reader, chunkSize int, v any) error {
	payload, err := ReadFrame(r, chunkSize)
	if err != nil {
		return err
	}
	return Unmarshal(payload, v)
}

// Unmarshal validates payload as UTF-8 JSON and decodes it into v.
func Unmarshal(payload []byte, v any) error {
	if !utf8.Valid(payload) || !json.Valid(payload) {
		return ErrProtocol
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return nil
}

// Send writes data to w until every byte is written. A write that makes no
// progress yields ErrConnectionInterrupted.
func Send(w io.Writer, data []byte) error {
	sent := 0
	for sent < len(data) {
		n, err := w.Write(data[sent:])
		sent += n
		if err != nil {
			return interrupted(fmt.Sprintf("write (%d of %d bytes)", sent, len(data)), err)
		}
		if n == 0 {
			return interrupted(fmt.Sprintf("write (%d of %d bytes)", sent, len(data)), io.ErrShortWrite)
		}
	}
	return nil
}

// WriteMessage encodes v and sends it as one frame.
func WriteMessage(w io.Writer, v any) error {
	data, err := Encode(v)
	if err != nil {
		return err
	}
	return Send(w, data)
}

func interrupted(op string, cause error) error {
	return fmt.Errorf("%w: %s: %w", ErrConnectionInterrupted, op, cause)
}
