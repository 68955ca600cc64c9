package wire

import (
	"errors"
	"net"
	"syscall"

	"github.com/fanyer/passenger/internal/request"
)

// maxIovecCap mirrors the original's IOV_MAX cap (UIO_MAXIOV on Linux is
// 1024). It bounds only the up-front capacity of the vector BuildHTTP1Head
// allocates; net.Buffers.WriteTo chunks internally above any OS limit.
const maxIovecCap = 1024

// BuildHTTP1Head constructs the HTTP/1.1 request head (request line plus
// headers plus synthesized X-Forwarded-* / Passenger-Txn-Id headers plus
// the terminating blank line) as a net.Buffers scatter-gather vector, one
// slice per piece. Each slice is a []byte conversion of a Request string
// or literal, so every piece is copied once into its own allocation; the
// pieces are not coalesced into one buffer.
//
// The vector is built in a single pass, with no separate counting pass.
// Its initial capacity is the lesser of 4+4*len(headers)+4 and
// maxIovecCap; it grows past that capacity when more slices are needed, so
// its length is not capped.
func BuildHTTP1Head(req *request.Request) net.Buffers {
	maxBuffers := 4 + 4*len(req.Headers) + 4
	if maxBuffers > maxIovecCap {
		maxBuffers = maxIovecCap
	}

	bufs := make(net.Buffers, 0, maxBuffers)
	bufs = append(bufs, []byte(string(req.Method)), []byte(" "), []byte(req.Path), []byte(" HTTP/1.1\r\n"))

	for _, f := range req.Headers {
		bufs = append(bufs, []byte(f.Name), []byte(": "), []byte(f.Value), []byte("\r\n"))
	}

	if req.HTTPS {
		bufs = append(bufs, []byte("X-Forwarded-Proto: https\r\n"))
	}
	if remoteAddr, ok := req.SecureHeaders.Get("REMOTE_ADDR"); ok && remoteAddr != "" {
		bufs = append(bufs, []byte("X-Forwarded-For: "), []byte(remoteAddr), []byte("\r\n"))
	}
	if req.AnalyticsEnabled {
		bufs = append(bufs, []byte("Passenger-Txn-Id: "), []byte(req.TransactionID), []byte("\r\n"))
	}

	bufs = append(bufs, []byte("\r\n"))
	return bufs
}

func totalLen(bufs net.Buffers) int {
	n := 0
	for _, b := range bufs {
		n += len(b)
	}
	return n
}

// SendHTTP1Head attempts a single vectored write of the HTTP/1.1 head
// directly to the socket. If it writes everything, no bytes ever enter the
// Write Channel's buffer and queued is true. If it writes a prefix
// (including zero bytes on EAGAIN/EWOULDBLOCK), it coalesces the remainder
// into a contiguous buffer and returns it via remainder for the caller to
// feed into the Write Channel. Any other error is returned unmodified.
func SendHTTP1Head(conn net.Conn, bufs net.Buffers) (queued bool, remainder []byte, err error) {
	total := totalLen(bufs)

	written, werr := vectoredWrite(conn, bufs)
	if werr == nil && written == int64(total) {
		return true, nil, nil
	}
	if werr != nil && !errors.Is(werr, syscall.EAGAIN) && !errors.Is(werr, syscall.EWOULDBLOCK) {
		return false, nil, werr
	}

	// Recoverable short write (including zero bytes on EAGAIN): coalesce
	// everything and drop the already-written prefix. Per spec.md §9's
	// resolved open question, any value of written in [0, total] is
	// handled uniformly — no special case for written == 0.
	coalesced := make([]byte, total)
	pos := 0
	for _, b := range bufs {
		pos += copy(coalesced[pos:], b)
	}
	return false, coalesced[written:], nil
}

// vectoredWrite performs the actual scatter-gather write. net.Buffers.WriteTo
// issues a single writev(2) on platforms that support it (falling back to
// successive Write calls otherwise), which is the idiomatic Go realization
// of the vectored write described in spec.md §4.1 and §6 — see DESIGN.md
// for why no third-party vectored-I/O package is used instead.
func vectoredWrite(conn net.Conn, bufs net.Buffers) (int64, error) {
	cp := make(net.Buffers, len(bufs))
	copy(cp, bufs)
	return cp.WriteTo(conn)
}
