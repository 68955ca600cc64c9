// Package wire implements the Header Serializer (spec.md §4.1): it turns a
// parsed Request plus its Session into the backend-bound wire format,
// without copying the request body and without mutating the Request.
package wire

import (
	"encoding/binary"
	"strings"

	"github.com/fanyer/passenger/internal/casemap"
	"github.com/fanyer/passenger/internal/pool"
	"github.com/fanyer/passenger/internal/request"
	"github.com/fanyer/passenger/internal/session"
)

// filtered header names are never re-emitted as HTTP_* in the Session
// protocol, per spec.md §4.1 item 11 / §8 invariant 3.
var filteredSessionHeaders = map[string]bool{
	"content-type":   true,
	"content-length": true,
	"connection":     true,
}

// Defaults holds the process-wide, read-only-after-init fallback
// SERVER_NAME/SERVER_PORT used when the request has no Host header
// (spec.md §9 "Global state").
type Defaults struct {
	ServerName string
	ServerPort string
}

type sessionWorkingState struct {
	path         string
	queryString  string
	serverName   string
	serverPort   string
	contentLen   string
	hasContentLen bool
}

func splitPathQuery(path string) (pathOnly, query string) {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i], path[i:]
	}
	return path, ""
}

func splitHostPort(host, defaultName, defaultPort string) (name, port string) {
	if host == "" {
		return defaultName, defaultPort
	}
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		return host[:i], host[i+1:]
	}
	return host, "80"
}

func buildSessionWorkingState(req *request.Request, defaults Defaults) sessionWorkingState {
	var st sessionWorkingState
	st.path, st.queryString = splitPathQuery(req.Path)

	host, _ := req.Headers.Get("Host")
	st.serverName, st.serverPort = splitHostPort(host, defaults.ServerName, defaults.ServerPort)

	if cl, ok := req.Headers.Get("Content-Length"); ok {
		st.contentLen = cl
		st.hasContentLen = true
	}
	return st
}

// sizeToken returns the number of bytes a NUL-terminated token occupies.
func sizeToken(s string) int {
	return len(s) + 1
}

// BuildSessionHeader serializes req/sess into the Session-protocol wire
// format (spec.md §4.1, §6): a 4-byte big-endian length prefix followed by
// NUL-terminated name/value pairs. The returned slice is obtained from pl
// and must be released with pl.Release once it is no longer needed. Callers
// that queue it on a Write Channel must not release it until that specific
// write has completed — use Channel.FeedWithRelease rather than Feed so the
// release runs exactly when the channel is done with the buffer.
func BuildSessionHeader(req *request.Request, sess session.Session, defaults Defaults, pl *pool.Pool) []byte {
	st := buildSessionWorkingState(req, defaults)
	method := string(req.Method)
	groupSecret := string(sess.GroupSecret())

	size := 4 // length prefix

	size += sizeToken("REQUEST_URI") + sizeToken(req.Path)
	size += sizeToken("PATH_INFO") + sizeToken(st.path)
	size += sizeToken("SCRIPT_NAME") + sizeToken("")
	size += sizeToken("QUERY_STRING") + sizeToken(st.queryString)
	size += sizeToken("REQUEST_METHOD") + sizeToken(method)
	size += sizeToken("SERVER_NAME") + sizeToken(st.serverName)
	size += sizeToken("SERVER_PORT") + sizeToken(st.serverPort)
	if st.hasContentLen {
		size += sizeToken("CONTENT_LENGTH") + sizeToken(st.contentLen)
	}
	size += sizeToken("PASSENGER_CONNECT_PASSWORD") + sizeToken(groupSecret)
	if req.HTTPS {
		size += sizeToken("HTTPS") + sizeToken("on")
	}
	if req.AnalyticsEnabled {
		size += sizeToken("PASSENGER_TXN_ID") + sizeToken(req.TransactionID)
	}

	kept := make([]int, 0, len(req.Headers))
	for i, f := range req.Headers {
		lower := strings.ToLower(f.Name)
		if filteredSessionHeaders[lower] {
			continue
		}
		kept = append(kept, i)
		size += sizeToken("HTTP_") - 1 + sizeToken(f.Name) + sizeToken(f.Value)
	}

	buf := pl.Get(size)
	pos := 4 // leave room for length prefix

	pos = appendToken(buf, pos, "REQUEST_URI")
	pos = appendToken(buf, pos, req.Path)
	pos = appendToken(buf, pos, "PATH_INFO")
	pos = appendToken(buf, pos, st.path)
	pos = appendToken(buf, pos, "SCRIPT_NAME")
	pos = appendToken(buf, pos, "")
	pos = appendToken(buf, pos, "QUERY_STRING")
	pos = appendToken(buf, pos, st.queryString)
	pos = appendToken(buf, pos, "REQUEST_METHOD")
	pos = appendToken(buf, pos, method)
	pos = appendToken(buf, pos, "SERVER_NAME")
	pos = appendToken(buf, pos, st.serverName)
	pos = appendToken(buf, pos, "SERVER_PORT")
	pos = appendToken(buf, pos, st.serverPort)
	if st.hasContentLen {
		pos = appendToken(buf, pos, "CONTENT_LENGTH")
		pos = appendToken(buf, pos, st.contentLen)
	}
	pos = appendToken(buf, pos, "PASSENGER_CONNECT_PASSWORD")
	pos = appendToken(buf, pos, groupSecret)
	if req.HTTPS {
		pos = appendToken(buf, pos, "HTTPS")
		pos = appendToken(buf, pos, "on")
	}
	if req.AnalyticsEnabled {
		pos = appendToken(buf, pos, "PASSENGER_TXN_ID")
		pos = appendToken(buf, pos, req.TransactionID)
	}

	for _, i := range kept {
		f := req.Headers[i]
		nameStart := pos
		copy(buf[pos:], "HTTP_")
		pos += len("HTTP_")
		copy(buf[pos:], f.Name)
		nameEnd := pos + len(f.Name)
		casemap.Transform(buf[nameStart+len("HTTP_") : nameEnd])
		pos = nameEnd
		buf[pos] = 0
		pos++

		pos = appendToken(buf, pos, f.Value)
	}

	binary.BigEndian.PutUint32(buf[0:4], uint32(pos-4))
	return buf[:pos]
}

func appendToken(buf []byte, pos int, s string) int {
	pos += copy(buf[pos:], s)
	buf[pos] = 0
	return pos + 1
}
