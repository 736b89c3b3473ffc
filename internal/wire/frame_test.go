package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"
	"testing/iotest"
)

func TestEncodePrefixesLittleEndianLength(t *testing.T) {
	data, err := Encode(Request{Request: RequestPredict, Logins: []string{"a"}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	size := binary.LittleEndian.Uint32(data[:HeaderSize])
	if int(size) != len(data)-HeaderSize {
		t.Fatalf("length prefix %d does not match payload %d", size, len(data)-HeaderSize)
	}
	want := `{"request":"predict","logins":["a"]}`
	if got := string(data[HeaderSize:]); got != want {
		t.Fatalf("payload=%s want %s", got, want)
	}
}

func TestRequestRoundTrip(t *testing.T) {
	cases := []Request{
		{Request: RequestPredict, Logins: []string{}},
		{Request: RequestPredict, Logins: []string{"alpha", "beta", "gamma"}},
		{Request: RequestPredict, Logins: []string{"ŝpëcïål", "日本語", "😀"}},
	}
	for _, want := range cases {
		data, err := Encode(want)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		var got Request
		if err := Decode(bytes.NewReader(data), 3, &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("round trip mismatch: got %#v want %#v", got, want)
		}
	}
}

func TestDecodeAccumulatesAcrossShortReads(t *testing.T) {
	want := Request{Request: RequestPredict, Logins: []string{strings.Repeat("x", 200)}}
	data, err := Encode(want)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var got Request
	if err := Decode(iotest.OneByteReader(bytes.NewReader(data)), 16, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v want %#v", got, want)
	}
}

type countingReader struct {
	r       io.Reader
	maxRead int
}

func (c *countingReader) Read(p []byte) (int, error) {
	if len(p) > c.maxRead {
		c.maxRead = len(p)
	}
	return c.r.Read(p)
}

func TestReadFrameBoundsReadsByChunkSize(t *testing.T) {
	payload := []byte(`"` + strings.Repeat("y", 100) + `"`)
	reader := &countingReader{r: bytes.NewReader(EncodeRaw(payload))}
	got, err := ReadFrame(reader, 8)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch")
	}
	if reader.maxRead > 8 {
		t.Fatalf("read buffer %d exceeds chunk size", reader.maxRead)
	}
}

func TestReadFrameInterruptedInPrefix(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{1, 0}), 16)
	if !errors.Is(err, ErrConnectionInterrupted) {
		t.Fatalf("expected ErrConnectionInterrupted, got %v", err)
	}
	_, err = ReadFrame(bytes.NewReader(nil), 16)
	if !errors.Is(err, ErrConnectionInterrupted) {
		t.Fatalf("expected ErrConnectionInterrupted on empty stream, got %v", err)
	}
}

func TestReadFrameInterruptedInPayload(t *testing.T) {
	frame := EncodeRaw([]byte(`{"request":"predict"}`))
	_, err := ReadFrame(bytes.NewReader(frame[:len(frame)-3]), 4)
	if !errors.Is(err, ErrConnectionInterrupted) {
		t.Fatalf("expected ErrConnectionInterrupted, got %v", err)
	}
}

func TestReadFrameHugePrefixIsInterruptedNotPanic(t *testing.T) {
	for _, size := range []uint32{1 << 31, 1<<32 - 1} {
		var header [HeaderSize]byte
		binary.LittleEndian.PutUint32(header[:], size)
		data := append(header[:], "partial"...)
		_, err := ReadFrame(bytes.NewReader(data), 0)
		if !errors.Is(err, ErrConnectionInterrupted) {
			t.Fatalf("size %d: expected ErrConnectionInterrupted, got %v", size, err)
		}
	}
}

func TestDecodeRejectsMalformedPayload(t *testing.T) {
	cases := map[string][]byte{
		"not json":     []byte(`{"request":`),
		"invalid utf8": {'"', 0xff, 0xfe, '"'},
		"empty":        {},
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			var v any
			err := Decode(bytes.NewReader(EncodeRaw(payload)), 16, &v)
			if !errors.Is(err, ErrProtocol) {
				t.Fatalf("expected ErrProtocol, got %v", err)
			}
		})
	}
}

type stallingWriter struct {
	accept int
	buf    bytes.Buffer
}

func (w *stallingWriter) Write(p []byte) (int, error) {
	n := min(len(p), w.accept)
	w.accept -= n
	w.buf.Write(p[:n])
	return n, nil
}

func TestSendStopsOnZeroWrite(t *testing.T) {
	w := &stallingWriter{accept: 3}
	err := Send(w, []byte("abcdef"))
	if !errors.Is(err, ErrConnectionInterrupted) {
		t.Fatalf("expected ErrConnectionInterrupted, got %v", err)
	}
	if got := w.buf.String(); got != "abc" {
		t.Fatalf("expected partial write abc, got %q", got)
	}
}

func TestSendWritesEverything(t *testing.T) {
	w := &stallingWriter{accept: 100}
	if err := Send(w, []byte("abcdef")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := w.buf.String(); got != "abcdef" {
		t.Fatalf("got %q", got)
	}
}
