// Package session defines the collaborator interfaces the forwarding engine
// consumes: the checked-out application Session and the pausable client
// BodyChannel, per spec.md §6.
package session

import "net"

// Protocol identifies the wire protocol an application backend expects.
type Protocol string

const (
	// ProtocolSession is the length-prefixed, NUL-terminated name/value
	// protocol used by in-tree application runtimes.
	ProtocolSession Protocol = "session"
	// ProtocolHTTP is standard HTTP/1.1 request-line + headers.
	ProtocolHTTP Protocol = "http"
	// ProtocolHTTP2 is a supplemental backend protocol (see SPEC_FULL.md
	// §3/§6): cleartext HTTP/2 with prior knowledge, headers encoded with
	// HPACK.
	ProtocolHTTP2 Protocol = "http2"
)

// Session is a checked-out application connection. The file descriptor is
// a connected stream socket (Unix-domain or TCP) in non-blocking mode.
type Session interface {
	Conn() net.Conn
	Protocol() Protocol
	GroupSecret() []byte
}

// BodyChannel is a pausable/resumable byte stream delivering the client's
// request body. errcode == 0 means a clean EOF; ECONNRESET is treated as a
// clean EOF too (spec.md §4.4).
type BodyChannel interface {
	Start()
	Stop()
	// OnChunk registers the callback invoked for each chunk. Must be
	// called before Start.
	OnChunk(func(data []byte, errcode int))
}
