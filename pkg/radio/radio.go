// Package radio implements the per-slot RadioController: refcounted
// keep-on requests, an online/offline flag, an explicit power-cycle
// command, and the logic that serializes RADIO_POWER transitions against
// whatever the peer actually reports back.
//
// Like pkg/ril/channel, this is rendered as a single owning goroutine
// driven by posted closures rather than a mutex-protected struct, so every
// per-slot component follows the same cooperative single-threaded model
// as the transport.
package radio

import (
	"context"
	"time"

	"github.com/protei/rild/internal/logger"
	"github.com/protei/rild/pkg/ril/channel"
	"github.com/protei/rild/pkg/ril/codes"
	"github.com/protei/rild/pkg/ril/queue"
	"github.com/protei/rild/pkg/ril/wire"
)

// retryDelay is the fixed re-assert delay used after a RADIO_POWER
// completion with no observed state-change notification.
const retryDelay = time.Second

// Controller owns the desired radio power state for one slot and
// serializes RADIO_POWER requests against it.
type Controller struct {
	ch  *channel.Channel
	q   *queue.Queue
	log *logger.Logger

	cmds   chan func(*st)
	closed chan struct{}
}

type st struct {
	requestors map[string]bool
	online     bool
	powerCycle bool

	haveReported bool
	reportedOn   bool

	pendingSerial int32
	pendingWant   bool
	sawChange     bool // an unsolicited state-change arrived during the pending window
	nextDesired   *bool

	retryTimer *time.Timer

	onChanged []func(on bool)

	unsolSub int
}

// New constructs a Controller over ch. Call Run to start its owning
// goroutine, then Dispose to tear it down.
func New(ch *channel.Channel, log *logger.Logger) *Controller {
	return &Controller{
		ch:     ch,
		q:      queue.New(ch),
		log:    log,
		cmds:   make(chan func(*st)),
		closed: make(chan struct{}),
	}
}

// Run starts the controller's owning goroutine and blocks until ctx is
// cancelled or Dispose is called.
func (c *Controller) Run(ctx context.Context) {
	s := &st{requestors: make(map[string]bool)}
	s.unsolSub = c.ch.SubscribeUnsol(codes.UnsolRadioStateChanged, func(body []byte) {
		c.post(func(s *st) { c.onStateChanged(s, body) })
	})

	for {
		select {
		case <-ctx.Done():
			c.teardown(s)
			return
		case cmd := <-c.cmds:
			cmd(s)
		case <-c.closed:
			c.teardown(s)
			return
		}
	}
}

func (c *Controller) post(fn func(*st)) {
	done := make(chan struct{})
	select {
	case c.cmds <- func(s *st) { fn(s); close(done) }:
		<-done
	case <-c.closed:
	}
}

func (c *Controller) teardown(s *st) {
	c.ch.RemoveHandler(codes.UnsolRadioStateChanged, s.unsolSub)
	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}
	c.q.Dispose()
}

// Dispose stops the controller and cancels any in-flight RADIO_POWER
// request it owns, without touching unrelated traffic on the channel.
func (c *Controller) Dispose() {
	select {
	case <-c.closed:
		return
	default:
	}
	close(c.closed)
}

// OnStateChanged registers a callback fired when the reported power
// state settles with no request pending and no retry scheduled. Every
// registered callback runs on each settle; there is no single-slot
// limit the way a request's response callback has.
func (c *Controller) OnStateChanged(f func(on bool)) {
	c.post(func(s *st) { s.onChanged = append(s.onChanged, f) })
}

// SetOnline sets the online/offline desired-on input.
func (c *Controller) SetOnline(online bool) {
	c.post(func(s *st) {
		s.online = online
		c.reconcile(s)
	})
}

// RequestOn registers tag as holding the radio on; ReleaseOn withdraws it.
// Desired power is the union of online and every held tag (refcounted).
func (c *Controller) RequestOn(tag string) {
	c.post(func(s *st) {
		s.requestors[tag] = true
		c.reconcile(s)
	})
}

func (c *Controller) ReleaseOn(tag string) {
	c.post(func(s *st) {
		delete(s.requestors, tag)
		c.reconcile(s)
	})
}

// PowerCycle forces the radio off, waits for the peer to confirm off, then
// clears the cycle flag and lets ordinary desired-on logic re-enable it.
func (c *Controller) PowerCycle() {
	c.post(func(s *st) {
		s.powerCycle = true
		c.reconcile(s)
	})
}

// ConfirmPowerOn forces a re-assertion of "on" even if the controller
// already believes the radio is on.
func (c *Controller) ConfirmPowerOn() {
	c.post(func(s *st) {
		s.haveReported = false
		c.reconcile(s)
	})
}

func (c *Controller) desired(s *st) bool {
	if s.powerCycle {
		return false
	}
	return s.online || len(s.requestors) > 0
}

// reconcile re-evaluates desired power and, on mismatch, submits a
// blocking RADIO_POWER request or records the new desired value as the
// "next state" if a request is already in flight.
func (c *Controller) reconcile(s *st) {
	want := c.desired(s)

	if s.pendingSerial != 0 {
		if want == s.pendingWant {
			s.nextDesired = nil
			return
		}
		w := want
		s.nextDesired = &w
		return
	}

	if s.haveReported && s.reportedOn == want {
		return
	}

	c.submitPower(s, want)
}

func (c *Controller) submitPower(s *st, want bool) {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	s.sawChange = false
	s.pendingWant = want
	body := powerBody(want)
	s.pendingSerial = c.q.Submit(channel.Request{
		Code:     codes.ReqRadioPower,
		Body:     body,
		Blocking: true,
		OnDone: func(status channel.Status, _ []byte) {
			c.post(func(s *st) { c.onPowerDone(s, status) })
		},
	})
}

func (c *Controller) onPowerDone(s *st, status channel.Status) {
	want := s.pendingWant
	s.pendingSerial = 0

	if status == channel.StatusOK && s.haveReported && s.reportedOn == want {
		c.settleOrReconcile(s)
		return
	}

	if !s.sawChange {
		s.retryTimer = time.AfterFunc(retryDelay, func() {
			c.post(func(s *st) {
				s.retryTimer = nil
				c.submitPower(s, want)
			})
		})
		return
	}

	// A state-change notification arrived during the window but
	// disagreed with what we asked for; resubmit immediately.
	c.submitPower(s, c.desired(s))
}

func (c *Controller) settleOrReconcile(s *st) {
	if s.nextDesired != nil {
		next := *s.nextDesired
		s.nextDesired = nil
		if next != s.reportedOn {
			c.submitPower(s, next)
			return
		}
	}
	c.emitIfIdle(s)
}

func (c *Controller) onStateChanged(s *st, body []byte) {
	on, err := parsePowerBody(body)
	if err != nil {
		return
	}
	s.haveReported = true
	s.reportedOn = on
	if s.pendingSerial != 0 {
		s.sawChange = true
		return
	}

	if s.powerCycle && !on {
		s.powerCycle = false
		c.reconcile(s)
		return
	}

	if on != c.desired(s) {
		c.submitPower(s, c.desired(s))
		return
	}
	c.emitIfIdle(s)
}

// emitIfIdle fires onChanged only when no request is pending and no retry
// is scheduled, so observers only see settled public state.
func (c *Controller) emitIfIdle(s *st) {
	if s.pendingSerial != 0 || s.retryTimer != nil {
		return
	}
	for _, f := range s.onChanged {
		f(s.reportedOn)
	}
}

// powerBody/parsePowerBody follow the RIL convention of passing a single
// on/off flag as a one-element int array rather than a bare int32.
func powerBody(on bool) []byte {
	w := wire.NewWriter()
	var v int32
	if on {
		v = 1
	}
	w.Int32Array([]int32{v})
	return w.Bytes()
}

func parsePowerBody(body []byte) (bool, error) {
	vs, err := wire.NewReader(body).Int32Array()
	if err != nil {
		return false, err
	}
	if len(vs) == 0 {
		return false, wire.ErrTruncated
	}
	return vs[0] != 0, nil
}
