// Package lifecycle implements the Lifecycle State Machine (spec.md §4.5):
// it drives a single Request through SendingHeaderToApp ->
// ForwardingBodyToApp? -> WaitingForAppOutput -> Ended, wiring together the
// Header Serializer, the Write Channel and the Body Pump.
package lifecycle

import (
	"errors"
	"syscall"

	"github.com/fanyer/passenger/internal/bodypump"
	"github.com/fanyer/passenger/internal/errs"
	"github.com/fanyer/passenger/internal/pool"
	"github.com/fanyer/passenger/internal/request"
	"github.com/fanyer/passenger/internal/session"
	"github.com/fanyer/passenger/internal/wire"
	"github.com/fanyer/passenger/internal/writechannel"
)

// Config bundles an Exchange's fixed collaborators and tunables.
type Config struct {
	Defaults      wire.Defaults
	Pool          *pool.Pool
	HighWatermark int
	// StreamID is used only when the Session's protocol is ProtocolHTTP2.
	StreamID uint32

	// StartReading hands the application socket's read side over to the
	// response-forwarding subsystem. Send calls it once, right after the
	// header has been queued and body forwarding has been started or
	// deferred — not once forwarding has finished. It is not called when
	// sending the header ends the request.
	StartReading func()
	// OnRequestSideDone fires once the request transitions into
	// WaitingForAppOutput with no error: the header and (if any) body
	// have been fully handed to the Write Channel. The
	// response-forwarding subsystem (out of scope here) takes over from
	// this point.
	OnRequestSideDone func()
	// OnEnded fires when the request ends before a response has begun:
	// the third branch of onAppInputError (spec.md §7/§8).
	OnEnded func()
	// OnDisconnect fires on a fatal write error once a response has begun,
	// on any client body-read error, or when the HTTP/2 request head
	// cannot be encoded. The caller should tear the
	// connection down with the given diagnostic.
	OnDisconnect func(err error)
}

// Exchange drives one Request's header and body through to the
// application, per spec.md §4.5.
type Exchange struct {
	req  *request.Request
	sess session.Session
	body session.BodyChannel
	cfg  Config

	channel *writechannel.Channel
	pump    *bodypump.Pump
}

// New creates an Exchange. Send must be called exactly once.
func New(req *request.Request, sess session.Session, body session.BodyChannel, cfg Config) *Exchange {
	return &Exchange{req: req, sess: sess, body: body, cfg: cfg}
}

// Send serializes and queues the request head, then begins body forwarding
// or half-closes the application input, per spec.md §4.5's sendHeaderToApp.
func (e *Exchange) Send() {
	e.req.State = request.SendingHeaderToApp
	// HTTP does not formally support half-closing, and several application
	// servers treat a half-close as a full close, so only Session-protocol
	// sockets are ever half-closed.
	e.req.HalfCloseAppConnection = e.sess.Protocol() == session.ProtocolSession

	e.channel = writechannel.New(e.sess.Conn(), e.cfg.HighWatermark, e.onAppInputError)
	if e.cfg.StartReading != nil {
		e.channel.SetStartReadingHook(e.cfg.StartReading)
	}

	switch e.sess.Protocol() {
	case session.ProtocolSession:
		e.sendHeaderSession()
	case session.ProtocolHTTP2:
		e.sendHeaderHTTP2()
	default:
		e.sendHeaderHTTP1()
	}

	if e.req.State == request.Ended {
		return
	}

	if !e.channel.Ended() {
		if !e.channel.PassedThreshold() {
			e.sendBodyToApp()
		} else {
			e.channel.SetBuffersFlushedCallback(e.sendBodyToApp)
		}
		e.channel.StartReading()
	} else {
		// Feed already hit a write error; the error hook has already run
		// (or will run once the writer goroutine observes it). Either way
		// the request side is done — ForwardResponse, out of scope here,
		// takes it from here.
		e.req.State = request.WaitingForAppOutput
		e.channel.StartReading()
	}
}

func (e *Exchange) sendHeaderSession() {
	buf := wire.BuildSessionHeader(e.req, e.sess, e.cfg.Defaults, e.cfg.Pool)
	pl := e.cfg.Pool
	e.channel.FeedWithRelease(buf, func() { pl.Release(buf) })
}

func (e *Exchange) sendHeaderHTTP1() {
	bufs := wire.BuildHTTP1Head(e.req)
	queued, remainder, err := wire.SendHTTP1Head(e.sess.Conn(), bufs)
	if err != nil {
		e.onAppInputError(err)
		return
	}
	if queued {
		return
	}
	e.channel.Feed(remainder)
}

func (e *Exchange) sendHeaderHTTP2() {
	frame, err := wire.BuildHTTP2Head(e.req, e.cfg.StreamID)
	if err != nil {
		// A local encoding failure, not a socket error: nothing was
		// written, so there is no write-error classification to do.
		e.req.State = request.Ended
		if e.cfg.OnDisconnect != nil {
			e.cfg.OnDisconnect(errs.NewAppWriteOther("hpack_encode", 0, err))
		}
		return
	}
	e.channel.Feed(frame)
}

// sendBodyToApp starts the Body Pump when the request carries a body (or is
// a protocol upgrade); otherwise the request side is already done.
func (e *Exchange) sendBodyToApp() {
	if e.req.NeedsBodyForwarding() {
		e.req.State = request.ForwardingBodyToApp
		e.pump = bodypump.New(e.body, e.channel, e.onBodyEOF, e.onBodyError)
		e.pump.Start()
		return
	}
	e.req.State = request.WaitingForAppOutput
	e.maybeHalfCloseAppInput()
}

func (e *Exchange) onBodyEOF() {
	e.req.State = request.WaitingForAppOutput
	e.maybeHalfCloseAppInput()
}

func (e *Exchange) onBodyError(err *errs.Error) {
	e.req.State = request.Ended
	if e.cfg.OnDisconnect != nil {
		e.cfg.OnDisconnect(err)
	}
}

// maybeHalfCloseAppInput shuts down the write side of the application
// socket once the request side has nothing left to send, if this Session's
// protocol wants a half-close. It always reports request-side completion
// first, regardless of whether a half-close is needed.
func (e *Exchange) maybeHalfCloseAppInput() {
	if e.cfg.OnRequestSideDone != nil {
		e.cfg.OnRequestSideDone()
	}
	if !e.req.HalfCloseAppConnection {
		return
	}
	if !e.channel.Ended() {
		e.channel.FeedEOF()
	}
	if e.channel.EndAcked() {
		e.halfCloseAppInput()
	} else {
		e.channel.SetDataFlushedCallback(e.halfCloseAppInputWhenFlushed)
	}
}

func (e *Exchange) halfCloseAppInputWhenFlushed() {
	e.channel.SetDataFlushedCallback(nil)
	e.halfCloseAppInput()
}

// halfCloseWriter is implemented by *net.TCPConn and *net.UnixConn; it is
// the idiomatic Go equivalent of shutdown(fd, SHUT_WR).
type halfCloseWriter interface {
	CloseWrite() error
}

func (e *Exchange) halfCloseAppInput() {
	if wc, ok := e.sess.Conn().(halfCloseWriter); ok {
		_ = wc.CloseWrite()
	}
}

// onAppInputError implements spec.md §7/§8's three-way branch, wired as the
// Write Channel's error hook.
func (e *Exchange) onAppInputError(err error) {
	if writechannel.IsBrokenPipe(err) {
		// We don't care whether the application stopped reading, only
		// that it may still produce a valid response.
		return
	}
	if e.req.ResponseBegun {
		if e.cfg.OnDisconnect != nil {
			e.cfg.OnDisconnect(errs.NewAppWriteOther("write", errnoOf(err), err))
		}
		return
	}
	e.req.State = request.Ended
	if e.cfg.OnEnded != nil {
		e.cfg.OnEnded()
	}
}

func errnoOf(err error) int {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return int(errno)
	}
	return 0
}
