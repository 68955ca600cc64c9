// Package writechannel implements the Write Channel described in spec.md
// §4.3: a watermarked, FIFO byte sink to the application socket that never
// blocks its caller.
//
// The C++ original runs one cooperative event loop per worker and drives
// the socket with non-blocking syscalls plus epoll-style readiness
// callbacks (spec.md §5, §9 "Coroutine-free concurrency"). Go's runtime
// already multiplexes blocking I/O onto the netpoller, so this
// reimplementation gets the same suspension points — a Feed that returns
// immediately, and drain/EOF notifications delivered asynchronously — by
// running one dedicated writer goroutine per Channel instead of a raw
// epoll callback. The owning Request must still only observe Channel state
// from whichever goroutine calls Feed/callbacks, exactly like the single
// cooperative loop in spec.md §5.
package writechannel

import (
	"errors"
	"io"
	"sync"
	"syscall"
)

// queuedChunk pairs a chunk with the (optional) callback to run once that
// exact chunk has been fully written, letting callers reclaim
// pool-allocated buffers without racing the asynchronous writer goroutine.
type queuedChunk struct {
	data    []byte
	release func()
}

// Channel is a non-blocking, watermarked byte sink wrapping a socket Writer.
type Channel struct {
	w io.Writer

	mu            sync.Mutex
	queue         []queuedChunk
	queuedBytes   int
	highWatermark int

	passedThreshold bool
	ended           bool
	endAcked        bool
	writerRunning   bool

	buffersFlushedCB func()
	dataFlushedCB    func()

	errorHook     func(error)
	startReadHook func()
}

// New creates a Channel that writes to w with the given high-watermark
// threshold. errorHook is invoked (from the writer goroutine) when a write
// fails; per spec.md §4.3 this always happens at most once, right after
// the channel transitions to ended.
func New(w io.Writer, highWatermark int, errorHook func(error)) *Channel {
	return &Channel{w: w, highWatermark: highWatermark, errorHook: errorHook}
}

// SetStartReadingHook installs the callback invoked by StartReading.
func (c *Channel) SetStartReadingHook(f func()) {
	c.mu.Lock()
	c.startReadHook = f
	c.mu.Unlock()
}

// StartReading enables read-readiness on the application socket. The Write
// Channel itself never reads; this only hands the socket over to whatever
// response-forwarding subsystem owns the read side.
func (c *Channel) StartReading() {
	c.mu.Lock()
	f := c.startReadHook
	c.mu.Unlock()
	if f != nil {
		f()
	}
}

// SetBuffersFlushedCallback installs a single-shot callback that fires once
// the queued-byte count reaches zero (independent of EOF). Setting nil
// clears any pending callback.
func (c *Channel) SetBuffersFlushedCallback(cb func()) {
	c.mu.Lock()
	c.buffersFlushedCB = cb
	c.mu.Unlock()
}

// SetDataFlushedCallback installs a single-shot callback that fires once
// EOF has been fully written and acknowledged.
func (c *Channel) SetDataFlushedCallback(cb func()) {
	c.mu.Lock()
	c.dataFlushedCB = cb
	c.mu.Unlock()
}

// PassedThreshold reports whether the queue has exceeded the high
// watermark since it was last fully drained.
func (c *Channel) PassedThreshold() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.passedThreshold
}

// Ended reports whether the channel will accept no further Feed calls.
func (c *Channel) Ended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

// EndAcked reports whether EOF has been fully written and acknowledged.
func (c *Channel) EndAcked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endAcked
}

// Feed enqueues chunk for writing and returns immediately. It is a no-op
// once the channel has ended.
func (c *Channel) Feed(chunk []byte) {
	c.feed(chunk, nil)
}

// FeedWithRelease enqueues chunk like Feed, but additionally invokes release
// once chunk has been fully written to the underlying Writer. release is
// never called if the channel has already ended (and so the chunk was never
// queued) or if a write error aborts the channel before this chunk has been
// fully written, including a failed write of this chunk itself. In each of
// these cases the channel no longer holds the chunk, so the caller is free
// to reuse or release it immediately itself if needed.
func (c *Channel) FeedWithRelease(chunk []byte, release func()) {
	c.feed(chunk, release)
}

func (c *Channel) feed(chunk []byte, release func()) {
	if len(chunk) == 0 {
		return
	}
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.queue = append(c.queue, queuedChunk{data: chunk, release: release})
	c.queuedBytes += len(chunk)
	if c.queuedBytes > c.highWatermark {
		c.passedThreshold = true
	}
	start := !c.writerRunning
	if start {
		c.writerRunning = true
	}
	c.mu.Unlock()

	if start {
		go c.writeLoop()
	}
}

// FeedEOF marks the channel ended; once queued bytes drain, EndAcked
// becomes true and the data-flushed then buffers-flushed callbacks fire.
// It is a no-op if already ended.
func (c *Channel) FeedEOF() {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	queueEmpty := len(c.queue) == 0
	var dataCB, buffersCB func()
	if queueEmpty {
		dataCB = c.takeDataFlushedCBLocked()
		buffersCB = c.buffersFlushedCB
		c.buffersFlushedCB = nil
	}
	start := !queueEmpty && !c.writerRunning
	if start {
		c.writerRunning = true
	}
	c.mu.Unlock()

	if queueEmpty {
		if dataCB != nil {
			dataCB()
		}
		if buffersCB != nil {
			buffersCB()
		}
		return
	}
	if start {
		go c.writeLoop()
	}
}

func (c *Channel) writeLoop() {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.writerRunning = false
			dataCB := c.takeDataFlushedCBLocked()
			c.mu.Unlock()
			if dataCB != nil {
				dataCB()
			}
			return
		}
		chunk := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		if err := writeFull(c.w, chunk.data); err != nil {
			c.handleWriteError(err)
			return
		}
		if chunk.release != nil {
			chunk.release()
		}

		// spec.md §4.3 orders data_flushed before buffers_flushed: once this
		// write empties the queue, check end-of-data first so a request
		// that ends exactly on its last queued chunk fires the callbacks in
		// that order instead of waiting for the next loop iteration to
		// notice EndAcked.
		c.mu.Lock()
		c.queuedBytes -= len(chunk.data)
		drained := c.queuedBytes == 0 && len(c.queue) == 0
		var dataCB, buffersCB func()
		if drained {
			c.passedThreshold = false
			dataCB = c.takeDataFlushedCBLocked()
			buffersCB = c.buffersFlushedCB
			c.buffersFlushedCB = nil
		}
		c.mu.Unlock()
		if dataCB != nil {
			dataCB()
		}
		if buffersCB != nil {
			buffersCB()
		}
	}
}

// takeDataFlushedCBLocked must be called with c.mu held. It marks EOF
// acknowledged and returns the pending data-flushed callback (if any) the
// caller should invoke after unlocking; it is a no-op once already acked.
func (c *Channel) takeDataFlushedCBLocked() func() {
	if !c.ended || c.endAcked {
		return nil
	}
	c.endAcked = true
	cb := c.dataFlushedCB
	c.dataFlushedCB = nil
	return cb
}

func (c *Channel) handleWriteError(err error) {
	c.mu.Lock()
	c.ended = true
	c.writerRunning = false
	c.queue = nil
	c.queuedBytes = 0
	c.passedThreshold = false
	c.mu.Unlock()

	if c.errorHook != nil {
		c.errorHook(err)
	}
}

func writeFull(w io.Writer, chunk []byte) error {
	for len(chunk) > 0 {
		n, err := w.Write(chunk)
		if n > 0 {
			chunk = chunk[n:]
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// IsBrokenPipe reports whether err is (or wraps) EPIPE, the only write
// error spec.md §7 treats as non-fatal.
func IsBrokenPipe(err error) bool {
	return errors.Is(err, syscall.EPIPE)
}
