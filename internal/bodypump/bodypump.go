// Package bodypump implements the Body Pump (spec.md §4.4): it streams the
// client's request body into the Write Channel with pause/resume
// backpressure.
package bodypump

import (
	"syscall"

	"github.com/fanyer/passenger/internal/errs"
	"github.com/fanyer/passenger/internal/session"
	"github.com/fanyer/passenger/internal/writechannel"
)

// Pump forwards a BodyChannel into a Write Channel, per spec.md §4.4:
//
//  1. Non-empty chunk: fed to the Write Channel. If the channel passed its
//     threshold, the body source is stopped and a one-shot
//     buffers-flushed callback restarts it.
//  2. Clean EOF (errcode 0 or ECONNRESET): onEOF fires.
//  3. Any other error: onError fires with a ClientBodyRead diagnostic.
type Pump struct {
	body    session.BodyChannel
	channel *writechannel.Channel

	onEOF   func()
	onError func(*errs.Error)
}

// New creates a Pump. onEOF is invoked once the body source reaches a
// clean EOF; the Lifecycle State Machine uses it to transition to
// WaitingForAppOutput and run the half-close policy. onError is invoked on
// a fatal body-read error.
func New(body session.BodyChannel, channel *writechannel.Channel, onEOF func(), onError func(*errs.Error)) *Pump {
	p := &Pump{body: body, channel: channel, onEOF: onEOF, onError: onError}
	body.OnChunk(p.onChunk)
	return p
}

// Start begins streaming the body.
func (p *Pump) Start() {
	p.body.Start()
}

func (p *Pump) onChunk(data []byte, errcode int) {
	if len(data) > 0 {
		p.channel.Feed(data)
		if p.channel.Ended() {
			// The Write Channel already ended (e.g. an app-write error is
			// in flight via its error hook). Nothing more to forward; the
			// response path will end the request.
			return
		}
		if p.channel.PassedThreshold() {
			p.body.Stop()
			p.channel.SetBuffersFlushedCallback(func() {
				p.channel.SetBuffersFlushedCallback(nil)
				p.body.Start()
			})
		}
		return
	}

	if errcode == 0 || errcode == int(syscall.ECONNRESET) {
		if p.onEOF != nil {
			p.onEOF()
		}
		return
	}

	if p.onError != nil {
		p.onError(errs.NewClientBodyRead(errcode, syscall.Errno(errcode)))
	}
}
