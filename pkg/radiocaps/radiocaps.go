// Package radiocaps probes a slot's radio access family (RAF) bitmask
// via GET_RADIO_CAPABILITY, so the slot lifecycle can tell a
// single-mode GSM/WCDMA modem from one that also supports LTE before
// deciding whether it's eligible to hold the cross-slot LTE/handover
// role at all.
package radiocaps

import (
	"context"

	"github.com/protei/rild/internal/logger"
	"github.com/protei/rild/pkg/ril/channel"
	"github.com/protei/rild/pkg/ril/codes"
	"github.com/protei/rild/pkg/ril/queue"
	"github.com/protei/rild/pkg/ril/wire"
)

// Raf bit values mirror the AOSP RIL_RadioAccessFamily enum.
type Raf int32

const (
	RafGSM   Raf = 1 << 0
	RafGPRS  Raf = 1 << 1
	RafEDGE  Raf = 1 << 2
	RafUMTS  Raf = 1 << 5
	RafHSPA  Raf = 1 << 8
	RafHSPAP Raf = 1 << 11
	RafLTE   Raf = 1 << 14
)

// Capability is the decoded result of a GET_RADIO_CAPABILITY query.
type Capability struct {
	RAF              Raf
	LogicalModemUUID string
}

func (c Capability) SupportsLTE() bool { return c.RAF&RafLTE != 0 }

// Prober owns the probe/cache cycle for one slot.
type Prober struct {
	ch  *channel.Channel
	q   *queue.Queue
	log *logger.Logger

	cmds   chan func(*st)
	closed chan struct{}
}

type st struct {
	cap       *Capability
	pending   int32
	onChanged []func(Capability)
	unsolSub  int
}

func New(ch *channel.Channel, log *logger.Logger) *Prober {
	return &Prober{
		ch:     ch,
		q:      queue.New(ch),
		log:    log,
		cmds:   make(chan func(*st)),
		closed: make(chan struct{}),
	}
}

func (p *Prober) Run(ctx context.Context) {
	s := &st{}
	s.unsolSub = p.ch.SubscribeUnsol(codes.UnsolRadioCapability, func(body []byte) {
		cap, err := parseCapability(body)
		if err != nil {
			return
		}
		p.post(func(s *st) { p.apply(s, cap) })
	})
	p.probe(s)

	for {
		select {
		case <-ctx.Done():
			p.teardown(s)
			return
		case cmd := <-p.cmds:
			cmd(s)
		case <-p.closed:
			p.teardown(s)
			return
		}
	}
}

func (p *Prober) post(fn func(*st)) {
	done := make(chan struct{})
	select {
	case p.cmds <- func(s *st) { fn(s); close(done) }:
		<-done
	case <-p.closed:
	}
}

func (p *Prober) teardown(s *st) {
	p.ch.RemoveHandler(codes.UnsolRadioCapability, s.unsolSub)
	p.q.Dispose()
}

func (p *Prober) Dispose() {
	select {
	case <-p.closed:
		return
	default:
	}
	close(p.closed)
}

func (p *Prober) OnChanged(f func(Capability)) {
	p.post(func(s *st) { s.onChanged = append(s.onChanged, f) })
}

// Probe re-issues GET_RADIO_CAPABILITY, useful after a power cycle.
func (p *Prober) Probe() { p.post(func(s *st) { p.probe(s) }) }

func (p *Prober) probe(s *st) {
	if s.pending != 0 {
		return
	}
	s.pending = p.q.Submit(channel.Request{
		Code:  codes.ReqGetRadioCapability,
		Retry: channel.RetryPolicy{DelayMS: 3000, MaxAttempts: 5},
		OnDone: func(status channel.Status, body []byte) {
			p.post(func(s *st) {
				s.pending = 0
				if status != channel.StatusOK {
					return
				}
				cap, err := parseCapability(body)
				if err != nil {
					return
				}
				p.apply(s, cap)
			})
		},
	})
}

func (p *Prober) apply(s *st, cap Capability) {
	if s.cap != nil && *s.cap == cap {
		return
	}
	s.cap = &cap
	for _, f := range s.onChanged {
		f(cap)
	}
}

// Current returns the last known capability, or nil if none has
// resolved yet.
func (p *Prober) Current() *Capability {
	var out *Capability
	p.post(func(s *st) {
		if s.cap != nil {
			c := *s.cap
			out = &c
		}
	})
	return out
}

func parseCapability(body []byte) (Capability, error) {
	r := wire.NewReader(body)
	if _, err := r.Int32(); err != nil { // version
		return Capability{}, err
	}
	if _, err := r.Int32(); err != nil { // session
		return Capability{}, err
	}
	if _, err := r.Int32(); err != nil { // phase
		return Capability{}, err
	}
	raf, err := r.Int32()
	if err != nil {
		return Capability{}, err
	}
	uuid, err := r.StringOr("")
	if err != nil {
		return Capability{}, err
	}
	if _, err := r.Int32(); err != nil { // status
		return Capability{}, err
	}
	return Capability{RAF: Raf(raf), LogicalModemUUID: uuid}, nil
}
