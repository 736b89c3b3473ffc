package client

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"pkt.systems/predictd/internal/wire"
)

// serveOnce accepts one connection, hands the decoded request to fn and
// writes whatever fn returns as a raw frame body.
func serveOnce(t *testing.T, fn func(req map[string]any) []byte) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		var req map[string]any
		if err := wire.Decode(conn, wire.DefaultChunkSize, &req); err != nil {
			return
		}
		body := fn(req)
		if body == nil {
			return
		}
		_ = wire.Send(conn, wire.EncodeRaw(body))
	}()
	return ln.Addr().String()
}

func TestPredictRoundTrip(t *testing.T) {
	var got map[string]any
	addr := serveOnce(t, func(req map[string]any) []byte {
		got = req
		return []byte(`{"errno":0,"predictions":[{"login":"alice","success":true,"experienced":0.25,"beginner":0.75},{"login":"ghost","success":false,"error":"ghost not found."}]}`)
	})
	cli, err := New(addr)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	resp, err := cli.Predict(context.Background(), "alice", "ghost")
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if got["request"] != "predict" {
		t.Fatalf("unexpected request %v", got)
	}
	if logins, _ := got["logins"].([]any); len(logins) != 2 || logins[0] != "alice" || logins[1] != "ghost" {
		t.Fatalf("unexpected logins %v", got["logins"])
	}
	if len(resp.Predictions) != 2 {
		t.Fatalf("expected 2 predictions, got %+v", resp.Predictions)
	}
	if p := resp.Predictions[0]; !p.Success || p.Beginner != 0.75 || p.Experienced != 0.25 {
		t.Fatalf("unexpected first prediction %+v", p)
	}
	if p := resp.Predictions[1]; p.Success || p.Error != "ghost not found." {
		t.Fatalf("unexpected second prediction %+v", p)
	}
}

func TestPredictEmptyBatch(t *testing.T) {
	addr := serveOnce(t, func(req map[string]any) []byte {
		if logins, ok := req["logins"].([]any); !ok || len(logins) != 0 {
			return []byte(`{"errno":4,"error":"Invalid body."}`)
		}
		return []byte(`{"errno":0,"predictions":[]}`)
	})
	cli, err := New(addr)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	resp, err := cli.Predict(context.Background())
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if resp.Predictions == nil || len(resp.Predictions) != 0 {
		t.Fatalf("expected empty non-nil predictions, got %#v", resp.Predictions)
	}
}

func TestPredictServerError(t *testing.T) {
	addr := serveOnce(t, func(map[string]any) []byte {
		return []byte(`{"errno":8,"error":"Database error."}`)
	})
	cli, err := New(addr)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	resp, err := cli.Predict(context.Background(), "alice")
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if apiErr.Errno != ErrnoDatabase || apiErr.Message != "Database error." {
		t.Fatalf("unexpected error %+v", apiErr)
	}
	if resp == nil || resp.Errno != ErrnoDatabase {
		t.Fatalf("expected response alongside error, got %+v", resp)
	}
}

func TestPredictInterrupted(t *testing.T) {
	addr := serveOnce(t, func(map[string]any) []byte { return nil })
	cli, err := New(addr)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = cli.Predict(context.Background(), "alice")
	if !errors.Is(err, ErrConnectionInterrupted) {
		t.Fatalf("expected interrupted error, got %v", err)
	}
}

func TestPredictContextDeadline(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	held := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			held <- conn
		}
	}()
	cli, err := New(ln.Addr().String())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = cli.Predict(ctx, "alice")
	if err == nil {
		t.Fatal("expected deadline error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("predict did not honour deadline")
	}
	select {
	case conn := <-held:
		_ = conn.Close()
	default:
	}
}

func TestNewAddress(t *testing.T) {
	cases := map[string]string{
		"example.org":         "example.org:9342",
		"tcp://10.0.0.1:7000": "10.0.0.1:7000",
		" 127.0.0.1:9342 ":    "127.0.0.1:9342",
		"[::1]":               "[::1]:9342",
	}
	for in, want := range cases {
		cli, err := New(in)
		if err != nil {
			t.Fatalf("new %q: %v", in, err)
		}
		if cli.Addr() != want {
			t.Fatalf("New(%q).Addr() = %q, want %q", in, cli.Addr(), want)
		}
	}
	if _, err := New("  "); err == nil || !strings.Contains(err.Error(), "address") {
		t.Fatalf("expected address error, got %v", err)
	}
}
