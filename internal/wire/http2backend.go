package wire

import (
	"bytes"
	"fmt"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/fanyer/passenger/internal/request"
)

// BuildHTTP2Head encodes req as a single HTTP/2 HEADERS frame with
// END_HEADERS set (and END_STREAM set when the request carries no body),
// for application backends configured with the supplemental "http2"
// session protocol (SPEC_FULL.md §3/§6): cleartext HTTP/2 with prior
// knowledge. Only the HEADERS frame is produced: no connection preface or
// SETTINGS frame is written, and the frame is sent on the streamID the
// caller passes.
//
// Grounded on the teacher's pkg/http2/converter.go and frames.go, which
// drive the same golang.org/x/net/http2 Framer and hpack.Encoder to turn a
// parsed request into wire frames; this adapts that client-side encoder to
// a backend-facing one. req.Path is sent unsplit as :path, alongside the
// other pseudo-headers HTTP/2 requires (:method, :scheme, :authority).
func BuildHTTP2Head(req *request.Request, streamID uint32) ([]byte, error) {
	var hpackBuf bytes.Buffer
	enc := hpack.NewEncoder(&hpackBuf)

	scheme := "http"
	if req.HTTPS {
		scheme = "https"
	}
	authority, _ := req.Headers.Get("Host")

	pseudo := []hpack.HeaderField{
		{Name: ":method", Value: string(req.Method)},
		{Name: ":path", Value: req.Path},
		{Name: ":scheme", Value: scheme},
		{Name: ":authority", Value: authority},
	}
	for _, f := range pseudo {
		if err := enc.WriteField(f); err != nil {
			return nil, fmt.Errorf("encoding pseudo-header %s: %w", f.Name, err)
		}
	}

	for _, f := range req.Headers {
		if equalFoldHTTP2(f.Name, "host") || equalFoldHTTP2(f.Name, "connection") {
			continue
		}
		if err := enc.WriteField(hpack.HeaderField{Name: asciiLower(f.Name), Value: f.Value}); err != nil {
			return nil, fmt.Errorf("encoding header %s: %w", f.Name, err)
		}
	}
	if req.AnalyticsEnabled {
		if err := enc.WriteField(hpack.HeaderField{Name: "passenger-txn-id", Value: req.TransactionID}); err != nil {
			return nil, err
		}
	}

	var out bytes.Buffer
	framer := http2.NewFramer(&out, nil)
	endStream := !req.NeedsBodyForwarding()
	err := framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: hpackBuf.Bytes(),
		EndHeaders:    true,
		EndStream:     endStream,
	})
	if err != nil {
		return nil, fmt.Errorf("writing HEADERS frame: %w", err)
	}
	return out.Bytes(), nil
}

func equalFoldHTTP2(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func asciiLower(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}
