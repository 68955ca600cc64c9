package wire

import (
	"io"
	"net"
	"strings"
	"sync"
	"syscall"
	"testing"

	"github.com/fanyer/passenger/internal/request"
)

func TestBuildHTTP1Head(t *testing.T) {
	req := &request.Request{
		Method: request.MethodPost,
		Path:   "/widgets?id=1",
		Headers: request.Headers{
			{Name: "Host", Value: "example.com"},
			{Name: "Content-Type", Value: "application/json"},
		},
		SecureHeaders:    request.Headers{{Name: "REMOTE_ADDR", Value: "10.0.0.1"}},
		HTTPS:            true,
		AnalyticsEnabled: true,
		TransactionID:    "txn-9",
	}

	bufs := BuildHTTP1Head(req)
	var sb strings.Builder
	for _, b := range bufs {
		sb.Write(b)
	}
	out := sb.String()

	if !strings.HasPrefix(out, "POST /widgets?id=1 HTTP/1.1\r\n") {
		t.Fatalf("unexpected request line: %q", out)
	}
	if !strings.Contains(out, "Host: example.com\r\n") {
		t.Fatalf("missing Host header: %q", out)
	}
	if !strings.Contains(out, "X-Forwarded-Proto: https\r\n") {
		t.Fatalf("missing X-Forwarded-Proto: %q", out)
	}
	if !strings.Contains(out, "X-Forwarded-For: 10.0.0.1\r\n") {
		t.Fatalf("missing X-Forwarded-For: %q", out)
	}
	if !strings.Contains(out, "Passenger-Txn-Id: txn-9\r\n") {
		t.Fatalf("missing Passenger-Txn-Id: %q", out)
	}
	if !strings.HasSuffix(out, "\r\n\r\n") {
		t.Fatalf("missing terminating blank line: %q", out)
	}
}

func TestSendHTTP1HeadFullWrite(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()
	defer srv.Close()

	req := &request.Request{Method: request.MethodGet, Path: "/"}
	bufs := BuildHTTP1Head(req)

	var wg sync.WaitGroup
	wg.Add(1)
	var received []byte
	go func() {
		defer wg.Done()
		received, _ = io.ReadAll(srv)
	}()

	queued, remainder, err := SendHTTP1Head(client, bufs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !queued {
		t.Fatalf("expected queued=true for a full write")
	}
	if remainder != nil {
		t.Fatalf("expected nil remainder, got %d bytes", len(remainder))
	}

	client.Close()
	wg.Wait()
	if !strings.HasPrefix(string(received), "GET / HTTP/1.1\r\n") {
		t.Fatalf("server received unexpected data: %q", received)
	}
}

func TestSendHTTP1HeadFatalError(t *testing.T) {
	client, srv := net.Pipe()
	srv.Close() // reader gone; writes to client now fail

	req := &request.Request{Method: request.MethodGet, Path: "/"}
	bufs := BuildHTTP1Head(req)

	_, _, err := SendHTTP1Head(client, bufs)
	if err == nil {
		t.Fatalf("expected an error writing to a closed pipe")
	}
}

// eagainConn is a minimal net.Conn whose Write always reports a recoverable,
// zero-byte short write, exercising SendHTTP1Head's coalesce fallback.
type eagainConn struct{ net.Conn }

func (eagainConn) Write(p []byte) (int, error) { return 0, syscall.EAGAIN }

func TestSendHTTP1HeadRecoverableShortWrite(t *testing.T) {
	req := &request.Request{Method: request.MethodGet, Path: "/x"}
	bufs := BuildHTTP1Head(req)
	total := totalLen(bufs)

	queued, remainder, err := SendHTTP1Head(eagainConn{}, bufs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if queued {
		t.Fatalf("expected queued=false on a recoverable short write")
	}
	if len(remainder) != total {
		t.Fatalf("remainder = %d bytes, want %d (written==0 case)", len(remainder), total)
	}
}
