// Package channel implements the RIL transport channel: a framed
// request/response transport over a UNIX stream socket owning
// connect/retry, serial allocation, a pending-by-serial map, per-request
// timeout and retry policy, blocking/non-blocking submission, and a
// logger fan-out.
//
// The concurrency model is a single-threaded cooperative event loop
// rendered the idiomatic Go way: one goroutine (run) owns every mutable
// field and is driven exclusively through commands sent over an
// unbuffered channel. Nothing outside run ever touches pending,
// nextSerial, or subscribers directly, so there are no locks anywhere in
// this package.
package channel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/protei/rild/internal/logger"
	"github.com/protei/rild/pkg/ril/wire"
)

// Status is the terminal outcome of a request.
type Status int

const (
	StatusOK Status = iota
	StatusGenericFailure
	StatusRadioNotAvailable
	StatusTimeout
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusGenericFailure:
		return "generic_failure"
	case StatusRadioNotAvailable:
		return "radio_not_available"
	case StatusTimeout:
		return "timeout"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// RetryPolicy is data, not a closure, so cancellation stays safe even
// while a request sits in its retry gap.
type RetryPolicy struct {
	DelayMS     int
	MaxAttempts int
	// Retryable decides whether a status should be retried. A nil
	// Retryable retries every non-success, non-radio-unavailable status.
	Retryable func(Status) bool
}

func (p RetryPolicy) shouldRetry(attempt int, status Status) bool {
	if status == StatusOK || status == StatusRadioNotAvailable {
		return false
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		return false
	}
	if p.Retryable != nil {
		return p.Retryable(status)
	}
	return true
}

// ResponseFunc receives the terminal outcome of a request.
type ResponseFunc func(status Status, body []byte)

// UnsolHandler receives an unsolicited event body.
type UnsolHandler func(body []byte)

// Request describes one outbound RIL request.
type Request struct {
	Code     int32
	Body     []byte
	Timeout  time.Duration // 0 disables the per-request timeout
	Retry    RetryPolicy
	Blocking bool
	OnDone   ResponseFunc
}

// pending tracks an in-flight request.
type pending struct {
	req     Request
	serial  int32
	attempt int
	timer   *time.Timer
}

// LogEntry is passed to every registered logger on every frame.
type LogEntry struct {
	Direction string // "tx" or "rx"
	Raw       []byte
}

// LoggerFunc filters/records raw frames.
type LoggerFunc func(LogEntry)

// Channel is a connected (or reconnecting) RIL transport.
type Channel struct {
	path string
	sub  string
	log  *logger.Logger

	cmds     chan func(*state)
	dispatch chan func()
	closed   chan struct{}

	reconnectDelay time.Duration
}

type state struct {
	conn        net.Conn
	connected   bool
	nextSerial  int32
	pending     map[int32]*pending
	unwritten   []*pending // requests submitted before the socket connected
	blockingSer int32      // serial of the in-flight blocking request, 0 if none
	blockedQ    []func()
	unsolSubs   map[int32]map[int]UnsolHandler
	nextSubID   int
	loggers     map[int]LoggerFunc
	nextLogID   int
}

// New creates a Channel for the given UNIX socket path. sub is the
// optional multi-SIM subscription selector string sent once after
// connect (empty string disables it).
func New(path, sub string, log *logger.Logger) *Channel {
	c := &Channel{
		path:           path,
		sub:            sub,
		log:            log,
		cmds:           make(chan func(*state)),
		dispatch:       make(chan func(), 64),
		closed:         make(chan struct{}),
		reconnectDelay: 2 * time.Second,
	}
	return c
}

// Run starts the channel's owning goroutine and blocks until ctx is
// cancelled. It is meant to be started with `go ch.Run(ctx)`.
func (c *Channel) Run(ctx context.Context) {
	st := &state{
		pending:   make(map[int32]*pending),
		unsolSubs: make(map[int32]map[int]UnsolHandler),
		loggers:   make(map[int]LoggerFunc),
	}

	frames := make(chan []byte, 16)
	connErrs := make(chan error, 1)

	go c.dispatchLoop(ctx)

	connect := func() {
		go c.connectAndRead(ctx, st, frames, connErrs)
	}
	connect()

	for {
		select {
		case <-ctx.Done():
			close(c.closed)
			return
		case cmd := <-c.cmds:
			cmd(st)
		case frame := <-frames:
			c.handleFrameLocal(st, frame)
		case err := <-connErrs:
			c.handleDisconnectLocal(st, err)
			select {
			case <-ctx.Done():
				close(c.closed)
				return
			case <-time.After(c.reconnectDelay):
			}
			connect()
		}
	}
}

// dispatchLoop runs OnDone and unsolicited-handler callbacks on a
// goroutine distinct from the owning loop above. Those callbacks
// routinely call back into Submit/Cancel/etc, which post to c.cmds and
// block until the owning goroutine services them; running them directly
// on the owning goroutine would deadlock the moment a callback did that.
// Callbacks are still delivered one at a time and in the order their
// originating frames arrived.
func (c *Channel) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-c.dispatch:
			fn()
		}
	}
}

// deliver hands fn to the dispatch goroutine. It must only be called from
// the owning goroutine (Run), which is always available to drain c.cmds
// while the dispatcher runs fn, so this send can never deadlock against
// a callback that calls back into the Channel.
func (c *Channel) deliver(fn func()) {
	select {
	case c.dispatch <- fn:
	case <-c.closed:
	}
}

// connectAndRead dials the socket, optionally writes the subscription
// selector, then reads length-prefixed frames until error/EOF.
func (c *Channel) connectAndRead(ctx context.Context, st *state, frames chan<- []byte, errs chan<- error) {
	conn, err := net.Dial("unix", c.path)
	if err != nil {
		select {
		case errs <- err:
		case <-ctx.Done():
		}
		return
	}

	c.post(func(s *state) {
		s.conn = conn
		s.connected = true
		flush := s.unwritten
		s.unwritten = nil
		for _, p := range flush {
			if _, still := s.pending[p.serial]; !still {
				continue // cancelled or dropped before the socket ever connected
			}
			s.writeFrame(c, p)
			s.armTimeout(c, p)
		}
	})

	if c.sub != "" {
		if _, err := conn.Write([]byte(c.sub)); err != nil {
			select {
			case errs <- err:
			case <-ctx.Done():
			}
			return
		}
	}

	r := bufio.NewReader(conn)
	for {
		var hdr [4]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			select {
			case errs <- err:
			case <-ctx.Done():
			}
			return
		}
		n, _ := wire.DecodeFrameLength(hdr[:])
		body := make([]byte, n)
		if _, err := io.ReadFull(r, body); err != nil {
			select {
			case errs <- err:
			case <-ctx.Done():
			}
			return
		}
		select {
		case frames <- body:
		case <-ctx.Done():
			return
		}
	}
}

// post runs fn on the owning goroutine and waits for it to complete.
func (c *Channel) post(fn func(*state)) {
	done := make(chan struct{})
	select {
	case c.cmds <- func(s *state) { fn(s); close(done) }:
		<-done
	case <-c.closed:
	}
}

// Submit assigns a serial, writes the framed request (or queues it if a
// blocking request is outstanding), and returns the serial immediately.
func (c *Channel) Submit(req Request) int32 {
	var serial int32
	c.post(func(s *state) {
		serial = s.submit(c, req)
	})
	return serial
}

func (s *state) submit(c *Channel, req Request) int32 {
	s.nextSerial++
	serial := s.nextSerial
	p := &pending{req: req, serial: serial}
	s.pending[serial] = p

	if s.blockingSer != 0 {
		s.blockedQ = append(s.blockedQ, func() { s.writeAndArm(c, p) })
		return serial
	}
	s.writeAndArm(c, p)
	return serial
}

// writeAndArm writes p's frame if the socket is currently connected, or
// queues it on s.unwritten to be flushed in submission order once connect
// succeeds. Either way the per-request timeout is armed only once the
// frame has actually gone out, so a never-connected socket never fires a
// spurious timeout ahead of the write that would have started it.
func (s *state) writeAndArm(c *Channel, p *pending) {
	if p.req.Blocking {
		s.blockingSer = p.serial
	}
	if !s.connected || s.conn == nil {
		s.unwritten = append(s.unwritten, p)
		return
	}
	s.writeFrame(c, p)
	s.armTimeout(c, p)
}

func (s *state) armTimeout(c *Channel, p *pending) {
	if p.req.Timeout <= 0 {
		return
	}
	p.timer = time.AfterFunc(p.req.Timeout, func() {
		c.post(func(s *state) { s.timeoutSerial(c, p.serial) })
	})
}

func (s *state) writeFrame(c *Channel, p *pending) {
	w := wire.NewWriter()
	w.Int32(p.req.Code)
	w.Int32(p.serial)
	w.Raw(p.req.Body)
	frame := wire.EncodeFrame(w.Bytes())

	for _, lf := range c.loggersSnapshot(s) {
		lf(LogEntry{Direction: "tx", Raw: frame})
	}
	_, _ = s.conn.Write(frame) // write errors surface via connErrs on the read side
}

func (c *Channel) loggersSnapshot(s *state) []LoggerFunc {
	out := make([]LoggerFunc, 0, len(s.loggers))
	for _, lf := range s.loggers {
		out = append(out, lf)
	}
	return out
}

func (s *state) timeoutSerial(c *Channel, serial int32) {
	p, ok := s.pending[serial]
	if !ok {
		return
	}
	s.finishOrRetry(c, p, StatusTimeout, nil)
}

// finishOrRetry applies p's retry policy, either resubmitting (keeping
// the serial stable) or delivering a terminal outcome.
func (s *state) finishOrRetry(c *Channel, p *pending, status Status, body []byte) {
	if status != StatusOK && p.req.Retry.shouldRetry(p.attempt, status) {
		p.attempt++
		delay := time.Duration(p.req.Retry.DelayMS) * time.Millisecond
		time.AfterFunc(delay, func() {
			c.post(func(s *state) {
				if _, still := s.pending[p.serial]; !still {
					return
				}
				s.writeAndArm(c, p)
			})
		})
		return
	}
	s.completeSerial(c, p.serial)
	if p.timer != nil {
		p.timer.Stop()
	}
	delete(s.pending, p.serial)
	if p.req.OnDone != nil {
		onDone := p.req.OnDone
		c.deliver(func() { onDone(status, body) })
	}
}

// completeSerial clears the blocking gate if p was the blocking request
// and writes the queued requests in order until the queue is empty or
// one of them is itself blocking.
func (s *state) completeSerial(c *Channel, serial int32) {
	if s.blockingSer != serial {
		return
	}
	s.blockingSer = 0
	for s.blockingSer == 0 && len(s.blockedQ) > 0 {
		next := s.blockedQ[0]
		s.blockedQ = s.blockedQ[1:]
		next()
	}
}

// handleFrameLocal runs on the owning goroutine directly (it is only
// ever called from Run's select loop), so it must not go through post.
func (c *Channel) handleFrameLocal(s *state, body []byte) {
	for _, lf := range c.loggersSnapshot(s) {
		lf(LogEntry{Direction: "rx", Raw: body})
	}
	r := wire.NewReader(body)
	tag, err := r.Int32()
	if err != nil {
		return
	}
	switch tag {
	case wire.FrameTagResponse:
		s.handleResponse(c, r)
	case wire.FrameTagUnsolicited:
		s.handleUnsol(c, r)
	}
}

func (s *state) handleResponse(c *Channel, r *wire.Reader) {
	serial, err := r.Int32()
	if err != nil {
		return
	}
	statusCode, err := r.Int32()
	if err != nil {
		return
	}
	p, ok := s.pending[serial]
	if !ok {
		return
	}
	status := mapStatus(statusCode)
	rest := r.Remaining()
	var body []byte
	if rest > 0 {
		body, _ = r.Raw(rest)
	}
	s.finishOrRetry(c, p, status, body)
}

func mapStatus(code int32) Status {
	switch code {
	case 0:
		return StatusOK
	case -1:
		return StatusRadioNotAvailable
	default:
		return StatusGenericFailure
	}
}

func (s *state) handleUnsol(c *Channel, r *wire.Reader) {
	code, err := r.Int32()
	if err != nil {
		return
	}
	rest := r.Remaining()
	var body []byte
	if rest > 0 {
		body, _ = r.Raw(rest)
	}
	s.dispatchUnsol(c, code, body)
}

// dispatchUnsol snapshots the handler set for code and hands each one to
// the dispatch goroutine, preserving delivery order relative to other
// frames without running handlers on the owning goroutine.
func (s *state) dispatchUnsol(c *Channel, code int32, body []byte) {
	handlers := make([]UnsolHandler, 0, len(s.unsolSubs[code]))
	for _, h := range s.unsolSubs[code] {
		handlers = append(handlers, h)
	}
	if len(handlers) == 0 {
		return
	}
	c.deliver(func() {
		for _, h := range handlers {
			h(body)
		}
	})
}

// handleDisconnectLocal runs on the owning goroutine directly; see
// handleFrameLocal.
func (c *Channel) handleDisconnectLocal(s *state, err error) {
	s.connected = false
	s.conn = nil
	for serial, p := range s.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(s.pending, serial)
		if p.req.OnDone != nil {
			onDone := p.req.OnDone
			c.deliver(func() { onDone(StatusCancelled, nil) })
		}
	}
	s.blockingSer = 0
	s.blockedQ = nil
	s.unwritten = nil
	if c.log != nil {
		c.log.Warn("channel disconnected", "error", err, "path", c.path)
	}
}

// Cancel removes serial from the pending map. If notify is true, OnDone
// is invoked with StatusCancelled; otherwise it is dropped silently.
func (c *Channel) Cancel(serial int32, notify bool) {
	c.post(func(s *state) {
		p, ok := s.pending[serial]
		if !ok {
			return
		}
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(s.pending, serial)
		s.completeSerial(c, serial)
		if notify && p.req.OnDone != nil {
			onDone := p.req.OnDone
			c.deliver(func() { onDone(StatusCancelled, nil) })
		}
	})
}

// Drop is Cancel(serial, false): used when the peer is known to never
// respond to a request (e.g. UICC subscription on some RILs).
func (c *Channel) Drop(serial int32) { c.Cancel(serial, false) }

// RetryNow resubmits serial immediately, bypassing its retry delay, and
// keeps the serial stable.
func (c *Channel) RetryNow(serial int32) {
	c.post(func(s *state) {
		p, ok := s.pending[serial]
		if !ok {
			return
		}
		if p.timer != nil {
			p.timer.Stop()
		}
		s.writeAndArm(c, p)
	})
}

// SubscribeUnsol registers h for unsolicited events of the given code and
// returns a subscription id for RemoveHandler.
func (c *Channel) SubscribeUnsol(code int32, h UnsolHandler) int {
	var id int
	c.post(func(s *state) {
		s.nextSubID++
		id = s.nextSubID
		if s.unsolSubs[code] == nil {
			s.unsolSubs[code] = make(map[int]UnsolHandler)
		}
		s.unsolSubs[code][id] = h
	})
	return id
}

// RemoveHandler unregisters a subscription by id.
func (c *Channel) RemoveHandler(code int32, id int) {
	c.post(func(s *state) {
		delete(s.unsolSubs[code], id)
	})
}

// InjectUnsol synthesises a local unsolicited event, as used by vendor
// hooks normalising vendor-specific notifications.
func (c *Channel) InjectUnsol(code int32, body []byte) {
	c.post(func(s *state) { s.dispatchUnsol(c, code, body) })
}

// AddLogger registers a logger fan-out filter and returns its id.
func (c *Channel) AddLogger(lf LoggerFunc) int {
	var id int
	c.post(func(s *state) {
		s.nextLogID++
		id = s.nextLogID
		s.loggers[id] = lf
	})
	return id
}

// RemoveLogger unregisters a logger by id.
func (c *Channel) RemoveLogger(id int) {
	c.post(func(s *state) {
		delete(s.loggers, id)
	})
}

// PendingCount reports how many requests currently await a terminal
// outcome; used by tests asserting the "≤1 outstanding" invariants.
func (c *Channel) PendingCount() int {
	var n int
	c.post(func(s *state) { n = len(s.pending) })
	return n
}

var errNotConnected = errors.New("channel: not connected")

// ErrString helps callers format a not-connected error consistently.
func ErrString(path string) error {
	return fmt.Errorf("%w: %s", errNotConnected, path)
}
