// Package data implements the per-slot DataEngine: a strictly serialized
// queue of setup/deactivate/allow requests, the observed list of active
// data calls with stray-call reaping, and the restricted-state bitmask
// that feeds the "data allowed" predicate.
package data

import (
	"context"
	"time"

	"github.com/protei/rild/internal/logger"
	"github.com/protei/rild/pkg/ril/channel"
	"github.com/protei/rild/pkg/ril/codes"
	"github.com/protei/rild/pkg/ril/queue"
	"github.com/protei/rild/pkg/ril/wire"
)

// DataCall is one active PDP context as reported by the peer.
type DataCall struct {
	CID       int32
	Active    int32
	Type      string
	Ifname    string
	Addresses string
	DNS       string
	Gateways  string
	FailCause int32
}

func (a DataCall) equal(b DataCall) bool {
	return a.CID == b.CID && a.Active == b.Active && a.Type == b.Type &&
		a.Ifname == b.Ifname && a.Addresses == b.Addresses &&
		a.DNS == b.DNS && a.Gateways == b.Gateways
}

// Kind distinguishes the three request shapes the engine serializes.
type Kind int

const (
	KindSetup Kind = iota
	KindDeactivate
	KindAllow
)

// SetupParams describes a SETUP_DATA_CALL request.
type SetupParams struct {
	APN      string
	Username string
	Password string
	Protocol string
	AuthType int32
}

const failCauseErrorUnspecified int32 = 0xFFFF

// Flags control cancellation semantics for a queued request.
type Flags struct {
	CancelWhenAllowed    bool
	CancelWhenDisallowed bool
}

// Request is one item in the engine's FIFO.
type Request struct {
	Kind    Kind
	Setup   SetupParams
	CID     int32 // deactivate target
	Allow   bool  // allow/disallow value
	Flags   Flags
	OnDone  func(err error, call *DataCall)
}

// Config names the per-slot retry/timeout knobs.
type Config struct {
	DataCallRetryLimit int
	DataCallRetryDelay time.Duration
	SetupTimeout       time.Duration
}

func (c *Config) setDefaults() {
	if c.SetupTimeout == 0 {
		c.SetupTimeout = 300 * time.Second
	}
	if c.DataCallRetryDelay == 0 {
		c.DataCallRetryDelay = 3 * time.Second
	}
}

// Engine is the owning actor for one slot's data-call traffic.
type Engine struct {
	ch  *channel.Channel
	q   *queue.Queue
	log *logger.Logger
	cfg Config

	cmds   chan func(*st)
	closed chan struct{}
}

type st struct {
	queueHead []*queuedReq
	current   *queuedReq

	calls      map[int32]DataCall
	grabbedBy  map[int32]string
	restricted int32 // bitmask
	allowed    bool
	on         bool

	onCallsChanged  []func([]DataCall)
	onAllowChanged  []func(bool)

	unsolSub int
}

type queuedReq struct {
	req     Request
	attempt int
	serial  int32
}

func New(ch *channel.Channel, cfg Config, log *logger.Logger) *Engine {
	cfg.setDefaults()
	return &Engine{
		ch:     ch,
		q:      queue.New(ch),
		log:    log,
		cfg:    cfg,
		cmds:   make(chan func(*st)),
		closed: make(chan struct{}),
	}
}

func (e *Engine) Run(ctx context.Context) {
	s := &st{calls: make(map[int32]DataCall), grabbedBy: make(map[int32]string)}
	s.unsolSub = e.ch.SubscribeUnsol(codes.UnsolDataCallListChanged, func(body []byte) {
		e.post(func(s *st) { e.onCallListUnsol(s, body) })
	})

	for {
		select {
		case <-ctx.Done():
			e.teardown(s)
			return
		case cmd := <-e.cmds:
			cmd(s)
		case <-e.closed:
			e.teardown(s)
			return
		}
	}
}

func (e *Engine) post(fn func(*st)) {
	done := make(chan struct{})
	select {
	case e.cmds <- func(s *st) { fn(s); close(done) }:
		<-done
	case <-e.closed:
	}
}

func (e *Engine) teardown(s *st) {
	e.ch.RemoveHandler(codes.UnsolDataCallListChanged, s.unsolSub)
	e.q.Dispose()
}

func (e *Engine) Dispose() {
	select {
	case <-e.closed:
		return
	default:
	}
	close(e.closed)
}

func (e *Engine) OnCallsChanged(f func([]DataCall)) {
	e.post(func(s *st) { s.onCallsChanged = append(s.onCallsChanged, f) })
}

func (e *Engine) OnAllowChanged(f func(bool)) {
	e.post(func(s *st) { s.onAllowChanged = append(s.onAllowChanged, f) })
}

// Submit enqueues req; the engine keeps one pending at a time and drains
// FIFO.
func (e *Engine) Submit(req Request) {
	e.post(func(s *st) {
		s.queueHead = append(s.queueHead, &queuedReq{req: req})
		e.pump(s)
	})
}

func (e *Engine) pump(s *st) {
	if s.current != nil || len(s.queueHead) == 0 {
		return
	}
	s.current = s.queueHead[0]
	s.queueHead = s.queueHead[1:]
	e.dispatch(s, s.current)
}

func (e *Engine) dispatch(s *st, qr *queuedReq) {
	switch qr.req.Kind {
	case KindSetup:
		e.dispatchSetup(s, qr)
	case KindDeactivate:
		e.dispatchDeactivate(s, qr)
	case KindAllow:
		e.dispatchAllow(s, qr)
	}
}

func (e *Engine) dispatchSetup(s *st, qr *queuedReq) {
	w := wire.NewWriter()
	w.String(qr.req.Setup.Protocol, true)
	w.String(qr.req.Setup.APN, true)
	w.String(qr.req.Setup.Username, true)
	w.String(qr.req.Setup.Password, true)
	w.Int32(qr.req.Setup.AuthType)

	qr.serial = e.q.Submit(channel.Request{
		Code:    codes.ReqSetupDataCall,
		Body:    w.Bytes(),
		Timeout: e.cfg.SetupTimeout,
		OnDone: func(status channel.Status, body []byte) {
			e.post(func(s *st) { e.onSetupDone(s, qr, status, body) })
		},
	})
}

func (e *Engine) onSetupDone(s *st, qr *queuedReq, status channel.Status, body []byte) {
	if status != channel.StatusOK {
		e.finish(s, qr, errStatus(status), nil)
		return
	}
	call, err := parseDataCall(body)
	if err != nil {
		e.finish(s, qr, err, nil)
		return
	}
	if call.FailCause == failCauseErrorUnspecified && qr.attempt < e.cfg.DataCallRetryLimit {
		qr.attempt++
		if qr.attempt == 1 {
			e.dispatchSetup(s, qr) // first retry is immediate
			return
		}
		time.AfterFunc(e.cfg.DataCallRetryDelay, func() {
			e.post(func(s *st) { e.dispatchSetup(s, qr) })
		})
		return
	}
	e.mergeCall(s, *call)
	e.finish(s, qr, nil, call)
}

func (e *Engine) dispatchDeactivate(s *st, qr *queuedReq) {
	w := wire.NewWriter()
	w.Int32Array([]int32{qr.req.CID, 0}) // 0 = NO_REASON
	qr.serial = e.q.Submit(channel.Request{
		Code: codes.ReqDeactivateDataCall,
		Body: w.Bytes(),
		OnDone: func(status channel.Status, _ []byte) {
			e.post(func(s *st) { e.onDeactivateDone(s, qr, status) })
		},
	})
}

func (e *Engine) onDeactivateDone(s *st, qr *queuedReq, status channel.Status) {
	if status == channel.StatusOK {
		if _, ok := s.calls[qr.req.CID]; ok {
			// If DATA_CALL_LIST_CHANGED never follows, drop it locally.
			time.AfterFunc(2*time.Second, func() {
				e.post(func(s *st) {
					if _, still := s.calls[qr.req.CID]; still {
						delete(s.calls, qr.req.CID)
						e.emitCallsChanged(s)
					}
				})
			})
		}
		e.finish(s, qr, nil, nil)
		return
	}
	e.requestCallList(s)
	e.finish(s, qr, errStatus(status), nil)
}

func (e *Engine) dispatchAllow(s *st, qr *queuedReq) {
	w := wire.NewWriter()
	var v int32
	if qr.req.Allow {
		v = 1
	}
	w.Int32Array([]int32{v})
	qr.serial = e.q.Submit(channel.Request{
		Code:     codes.ReqAllowData,
		Body:     w.Bytes(),
		Blocking: true,
		Retry:    channel.RetryPolicy{DelayMS: 2000},
		OnDone: func(status channel.Status, _ []byte) {
			e.post(func(s *st) { e.onAllowDone(s, qr, status) })
		},
	})
}

func (e *Engine) onAllowDone(s *st, qr *queuedReq, status channel.Status) {
	if status == channel.StatusOK {
		before := e.exposedAllowed(s)
		s.allowed = qr.req.Allow
		s.on = qr.req.Allow
		after := e.exposedAllowed(s)
		if before != after {
			for _, f := range s.onAllowChanged {
				f(after)
			}
		}
		if !qr.req.Allow {
			e.deactivateAllCalls(s)
		}
	}
	e.finish(s, qr, errStatus(status), nil)
}

// deactivateAllCalls queues a deactivate for every call currently known
// to the engine, ahead of whatever else is queued, so a slot that just
// lost the ALLOWED role tears its bearers down before any other queued
// request runs.
func (e *Engine) deactivateAllCalls(s *st) {
	var deactivates []*queuedReq
	for cid := range s.calls {
		deactivates = append(deactivates, &queuedReq{req: Request{Kind: KindDeactivate, CID: cid}})
	}
	if len(deactivates) == 0 {
		return
	}
	s.queueHead = append(deactivates, s.queueHead...)
}

// exposedAllowed is "ALLOWED ∧ ¬restricted-PS ∧ ON".
func (e *Engine) exposedAllowed(s *st) bool {
	const psRestrictedMask = 1 << 2
	return s.allowed && s.restricted&psRestrictedMask == 0 && s.on
}

func (e *Engine) finish(s *st, qr *queuedReq, err error, call *DataCall) {
	if s.current == qr {
		s.current = nil
	}
	if qr.req.OnDone != nil {
		qr.req.OnDone(err, call)
	}
	e.pump(s)
}

// CancelAllWhenAllowed / CancelAllWhenDisallowed drop queued requests
// flagged for cancellation on the corresponding transition
// (CancelWhenAllowed / CancelWhenDisallowed).
func (e *Engine) CancelAllWhenAllowed() { e.post(func(s *st) { e.cancelFlagged(s, true) }) }

func (e *Engine) CancelAllWhenDisallowed() { e.post(func(s *st) { e.cancelFlagged(s, false) }) }

func (e *Engine) cancelFlagged(s *st, allowedTransition bool) {
	kept := s.queueHead[:0]
	for _, qr := range s.queueHead {
		drop := (allowedTransition && qr.req.Flags.CancelWhenAllowed) ||
			(!allowedTransition && qr.req.Flags.CancelWhenDisallowed)
		if drop {
			if qr.req.OnDone != nil {
				qr.req.OnDone(errCancelled, nil)
			}
			continue
		}
		kept = append(kept, qr)
	}
	s.queueHead = kept
}

func (e *Engine) requestCallList(s *st) {
	e.q.Submit(channel.Request{
		Code: codes.ReqDataCallList,
		OnDone: func(status channel.Status, body []byte) {
			if status != channel.StatusOK {
				return
			}
			calls, err := parseDataCallList(body)
			if err != nil {
				return
			}
			e.post(func(s *st) { e.reconcile(s, calls) })
		},
	})
}

func (e *Engine) onCallListUnsol(s *st, body []byte) {
	calls, err := parseDataCallList(body)
	if err != nil {
		return
	}
	e.reconcile(s, calls)
}

// reconcile merges a fresh call list: replaces the cache if it differs,
// and reaps at most one ungrabbed stray per call.
func (e *Engine) reconcile(s *st, calls []DataCall) {
	changed := len(calls) != len(s.calls)
	fresh := make(map[int32]DataCall, len(calls))
	for _, c := range calls {
		fresh[c.CID] = c
		if old, ok := s.calls[c.CID]; !ok || !old.equal(c) {
			changed = true
		}
	}
	s.calls = fresh
	if changed {
		e.emitCallsChanged(s)
	}
	e.reapStrayCalls(s)
}

func (e *Engine) mergeCall(s *st, call DataCall) {
	if old, ok := s.calls[call.CID]; ok && old.equal(call) {
		return
	}
	s.calls[call.CID] = call
	e.emitCallsChanged(s)
}

func (e *Engine) emitCallsChanged(s *st) {
	if len(s.onCallsChanged) == 0 {
		return
	}
	out := make([]DataCall, 0, len(s.calls))
	for _, c := range s.calls {
		out = append(out, c)
	}
	for _, f := range s.onCallsChanged {
		f(out)
	}
}

// Grab/Ungrab record which owner (e.g. a GPRS context glue component)
// claims a cid, so the stray-call reaper leaves it alone.
func (e *Engine) Grab(cid int32, owner string) {
	e.post(func(s *st) { s.grabbedBy[cid] = owner })
}

func (e *Engine) Ungrab(cid int32) {
	e.post(func(s *st) { delete(s.grabbedBy, cid) })
}

func (e *Engine) reapStrayCalls(s *st) {
	for cid := range s.grabbedBy {
		if _, present := s.calls[cid]; !present {
			delete(s.grabbedBy, cid) // ungrabbed implicitly once the call vanishes
		}
	}
	for cid := range s.calls {
		if _, grabbed := s.grabbedBy[cid]; grabbed {
			continue
		}
		s.queueHead = append(s.queueHead, &queuedReq{req: Request{Kind: KindDeactivate, CID: cid}})
		e.pump(s)
		return // at most one deactivate per reconciliation
	}
}

// HasPending reports whether the engine has a request in flight or
// queued behind one.
func (e *Engine) HasPending() bool {
	var pending bool
	e.post(func(s *st) { pending = s.current != nil || len(s.queueHead) > 0 })
	return pending
}

// IsOn reports whether the last completed ALLOW_DATA left this slot on.
func (e *Engine) IsOn() bool {
	var on bool
	e.post(func(s *st) { on = s.on })
	return on
}

// SetRestricted updates the cached RESTRICTED_STATE_CHANGED bitmask.
func (e *Engine) SetRestricted(mask int32) {
	e.post(func(s *st) {
		before := e.exposedAllowed(s)
		s.restricted = mask
		after := e.exposedAllowed(s)
		if before != after {
			for _, f := range s.onAllowChanged {
				f(after)
			}
		}
	})
}

func parseDataCall(body []byte) (*DataCall, error) {
	r := wire.NewReader(body)
	failCause, err := r.Int32()
	if err != nil {
		return nil, err
	}
	active, _ := r.Int32()
	typ, _ := r.StringOr("")
	ifname, _ := r.StringOr("")
	addrs, _ := r.StringOr("")
	dns, _ := r.StringOr("")
	gw, _ := r.StringOr("")
	cidVal, _ := r.Int32()
	return &DataCall{
		CID:       cidVal,
		Active:    active,
		Type:      typ,
		Ifname:    ifname,
		Addresses: addrs,
		DNS:       dns,
		Gateways:  gw,
		FailCause: failCause,
	}, nil
}

func parseDataCallList(body []byte) ([]DataCall, error) {
	r := wire.NewReader(body)
	count, err := r.Int32()
	if err != nil {
		return nil, err
	}
	out := make([]DataCall, 0, count)
	for i := int32(0); i < count; i++ {
		cid, _ := r.Int32()
		active, _ := r.Int32()
		typ, _ := r.StringOr("")
		ifname, _ := r.StringOr("")
		addrs, _ := r.StringOr("")
		dns, _ := r.StringOr("")
		gw, _ := r.StringOr("")
		out = append(out, DataCall{
			CID: cid, Active: active, Type: typ, Ifname: ifname,
			Addresses: addrs, DNS: dns, Gateways: gw,
		})
	}
	return out, nil
}

var errCancelled = &dataError{"data: cancelled"}

type dataError struct{ msg string }

func (e *dataError) Error() string { return e.msg }

func errStatus(status channel.Status) error {
	if status == channel.StatusOK {
		return nil
	}
	return &dataError{"data: request failed: " + status.String()}
}
