// Package slot owns one modem slot's end-to-end lifecycle: opening the
// transport channel, resolving the modem's identity (IMEI/IMEISV),
// lifting the slot's gate (OnReady) once identity is known and a first
// SIM status has arrived, constructing the per-slot subsystems, and
// exposing the narrow surface the cross-slot DataManager needs. The
// subsystems start at once, so their requests are not held back until
// the gate lifts.
package slot

import (
	"bufio"
	"context"
	"os"
	"strings"
	"time"

	"github.com/protei/rild/internal/logger"
	"github.com/protei/rild/pkg/cellinfo"
	"github.com/protei/rild/pkg/config"
	"github.com/protei/rild/pkg/data"
	"github.com/protei/rild/pkg/network"
	"github.com/protei/rild/pkg/radio"
	"github.com/protei/rild/pkg/radiocaps"
	"github.com/protei/rild/pkg/ril/channel"
	"github.com/protei/rild/pkg/ril/codes"
	"github.com/protei/rild/pkg/ril/queue"
	"github.com/protei/rild/pkg/ril/wire"
	"github.com/protei/rild/pkg/simcard"
	"github.com/protei/rild/pkg/simio"
	"github.com/protei/rild/pkg/vendorhook"
)

// Identity is the resolved device identity reported by DEVICE_IDENTITY
// (or its GET_IMEI/GET_IMEISV fallback).
type Identity struct {
	IMEI   string
	IMEISV string
}

// limitedIMEIAttempts bounds the IMEI retry count once a first SIM
// status has arrived; before that the request retries indefinitely.
const limitedIMEIAttempts = 5

const imeiRetryDelayMS = 3000

// simIOTickInterval drives SimCard.Tick, standing in for "once per
// main-loop idle turn" (spec.md §9) now that each component is its own
// actor rather than one shared event loop.
const simIOTickInterval = 250 * time.Millisecond

// Slot drives one modem socket end to end.
type Slot struct {
	idx int32
	cfg config.SlotConfig
	log *logger.Logger

	ch   *channel.Channel
	q    *queue.Queue
	rad  *radio.Controller
	sim  *simcard.SimCard
	net  *network.Controller
	eng  *data.Engine
	hook *vendorhook.Hook
	cell *cellinfo.Controller
	caps *radiocaps.Prober
	io   *simio.Client

	eccNumbers []string

	cmds   chan func(*st)
	closed chan struct{}
}

type st struct {
	identity    Identity
	imeiPending int32
	imeiDone    bool
	imeiLimited bool

	simStatusArrived bool
	gateLifted       bool

	allowedRole      bool
	maxSpeedRole     bool
	handoverEligible bool

	onReady func(*Slot)
}

// New constructs a Slot for cfg but does not open the socket; call Run
// to start it.
func New(cfg config.SlotConfig, log *logger.Logger) *Slot {
	ch := channel.New(cfg.SocketPath, cfg.Subscription, log)
	sim := simcard.New(int32(cfg.Index), ch, simcard.Config{UICCWorkaroundV9: cfg.UICCWorkaround}, log)
	s := &Slot{
		idx:    int32(cfg.Index),
		cfg:    cfg,
		log:    log,
		ch:     ch,
		q:      queue.New(ch),
		rad:    radio.New(ch, log),
		sim:    sim,
		net:    network.New(ch, network.Config{LTENetworkMode: cfg.LTENetworkMode, SetRATTimeout: cfg.NetworkModeTimeout, AllowedTech: techCeiling(cfg)}, log),
		eng:    data.New(ch, data.Config{DataCallRetryLimit: cfg.DataCallRetryLimit, DataCallRetryDelay: cfg.DataCallRetryDelay}, log),
		hook:   vendorhook.New(ch, nil),
		cell:   cellinfo.New(ch, log),
		caps:   radiocaps.New(ch, log),
		io:     simio.New(ch, sim.ActiveAID, sim),
		cmds:   make(chan func(*st)),
		closed: make(chan struct{}),
	}
	return s
}

// SimIO exposes the slot's SIM file I/O client for the upward interface.
func (s *Slot) SimIO() *simio.Client { return s.io }

// Index identifies the slot for config, logging, and DataManager
// registration.
func (s *Slot) Index() int { return int(s.idx) }

// OnReady registers the callback fired once the serialization gate
// lifts: IMEI resolved and a first SIM status has arrived.
func (s *Slot) OnReady(f func(*Slot)) {
	s.post(func(st *st) { st.onReady = f })
}

// Run starts the channel and every subsystem's owning goroutine, wires
// their cross-callbacks, and begins the IMEI handshake. It blocks until
// ctx is cancelled.
func (s *Slot) Run(ctx context.Context) {
	state := &st{}
	s.loadEccList()

	go s.ch.Run(ctx)
	go s.rad.Run(ctx)
	go s.sim.Run(ctx)
	go s.net.Run(ctx)
	go s.eng.Run(ctx)
	go s.cell.Run(ctx)
	go s.caps.Run(ctx)

	s.wireSubsystems()
	s.requestIMEI(state)

	tick := time.NewTicker(simIOTickInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			s.teardown()
			return
		case cmd := <-s.cmds:
			cmd(state)
		case <-tick.C:
			s.sim.Tick()
		case <-s.closed:
			s.teardown()
			return
		}
	}
}

func (s *Slot) post(fn func(*st)) {
	done := make(chan struct{})
	select {
	case s.cmds <- func(st *st) { fn(st); close(done) }:
		<-done
	case <-s.closed:
	}
}

func (s *Slot) teardown() {
	s.hook.Dispose()
	s.cell.Dispose()
	s.caps.Dispose()
	s.eng.Dispose()
	s.net.Dispose()
	s.io.Dispose()
	s.sim.Dispose()
	s.rad.Dispose()
	s.q.Dispose()
}

// Dispose stops the slot and every subsystem it owns.
func (s *Slot) Dispose() {
	select {
	case <-s.closed:
		return
	default:
	}
	close(s.closed)
}

func (s *Slot) wireSubsystems() {
	s.rad.OnStateChanged(func(on bool) {
		s.net.SetRadioOn(on)
		s.cell.SetRadioOn(on)
	})
	s.sim.OnStatusChanged(func(*simcard.SimStatus) {
		ready := s.sim.Ready()
		s.net.SetSIMReady(ready)
		s.cell.SetSIMReady(ready)
		s.post(func(st *st) {
			wasArrived := st.simStatusArrived
			st.simStatusArrived = true
			if !wasArrived {
				s.demoteIMEIRetries(st)
			}
			s.reconcileGate(st)
		})
	})
	s.sim.OnActiveChanged(func(active bool) {
		s.net.SetSIMIOActive(active)
	})
	s.caps.OnChanged(func(cap radiocaps.Capability) {
		s.post(func(st *st) { st.handoverEligible = cap.SupportsLTE() })
	})
}

func (s *Slot) requestIMEI(state *st) {
	state.imeiPending = s.q.Submit(channel.Request{
		Code:     codes.ReqDeviceIdentity,
		Blocking: true,
		Retry:    channel.RetryPolicy{DelayMS: imeiRetryDelayMS},
		OnDone: func(status channel.Status, body []byte) {
			s.post(func(st *st) { s.onIMEIDone(st, status, body) })
		},
	})
}

func (s *Slot) onIMEIDone(st *st, status channel.Status, body []byte) {
	st.imeiPending = 0
	if status != channel.StatusOK {
		if s.cfg.LegacyIMEIQuery {
			s.requestLegacyIMEI(st)
		}
		return
	}
	identity, err := parseDeviceIdentity(body)
	if err != nil {
		return
	}
	st.identity = identity
	st.imeiDone = true
	s.reconcileGate(st)
}

// requestLegacyIMEI falls back to GET_IMEI followed by GET_IMEISV for
// peers that never answer DEVICE_IDENTITY.
func (s *Slot) requestLegacyIMEI(st *st) {
	st.imeiPending = s.q.Submit(channel.Request{
		Code:     codes.ReqGetIMEI,
		Blocking: true,
		Retry:    channel.RetryPolicy{DelayMS: imeiRetryDelayMS},
		OnDone: func(status channel.Status, body []byte) {
			s.post(func(st *st) {
				st.imeiPending = 0
				if status == channel.StatusOK {
					if imei, err := wire.NewReader(body).StringOr(""); err == nil {
						st.identity.IMEI = imei
					}
				}
				s.requestIMEISV(st)
			})
		},
	})
}

func (s *Slot) requestIMEISV(st *st) {
	st.imeiPending = s.q.Submit(channel.Request{
		Code:     codes.ReqGetIMEISV,
		Blocking: true,
		Retry:    channel.RetryPolicy{DelayMS: imeiRetryDelayMS},
		OnDone: func(status channel.Status, body []byte) {
			s.post(func(st *st) {
				st.imeiPending = 0
				if status == channel.StatusOK {
					if imeisv, err := wire.NewReader(body).StringOr(""); err == nil {
						st.identity.IMEISV = imeisv
					}
				}
				st.imeiDone = true
				s.reconcileGate(st)
			})
		},
	})
}

// demoteIMEIRetries re-asserts a still-pending IMEI request with a
// bounded attempt count, since some peers only answer once the modem
// itself has finished initializing and a first SIM status tells us
// that has now happened.
func (s *Slot) demoteIMEIRetries(st *st) {
	if st.imeiDone || st.imeiPending == 0 || st.imeiLimited {
		return
	}
	st.imeiLimited = true
	s.ch.Drop(st.imeiPending)
	st.imeiPending = s.q.Submit(channel.Request{
		Code:     codes.ReqDeviceIdentity,
		Blocking: true,
		Retry:    channel.RetryPolicy{DelayMS: imeiRetryDelayMS, MaxAttempts: limitedIMEIAttempts},
		OnDone: func(status channel.Status, body []byte) {
			s.post(func(st *st) { s.onIMEIDone(st, status, body) })
		},
	})
}

func (s *Slot) reconcileGate(st *st) {
	if st.gateLifted || !st.imeiDone || !st.simStatusArrived {
		return
	}
	st.gateLifted = true
	if st.onReady != nil {
		st.onReady(s)
	}
}

// Identity returns the resolved device identity, valid once the gate
// has lifted.
func (s *Slot) Identity() Identity {
	var out Identity
	s.post(func(st *st) { out = st.identity })
	return out
}

// SetScreenState forwards an MCE display-state change to this slot's
// peer.
func (s *Slot) SetScreenState(on bool) {
	var v int32
	if on {
		v = 1
	}
	w := wire.NewWriter()
	w.Int32Array([]int32{v})
	s.q.Submit(channel.Request{Code: codes.ReqSetScreenState, Body: w.Bytes()})
}

// EmergencyNumbers returns the ecclist override loaded at startup, if
// any was configured.
func (s *Slot) EmergencyNumbers() []string { return s.eccNumbers }

func (s *Slot) loadEccList() {
	cfg := config.Get()
	if cfg == nil || cfg.Settings.EccListPath == "" {
		return
	}
	f, err := os.Open(cfg.Settings.EccListPath)
	if err != nil {
		return
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		for _, n := range strings.Split(sc.Text(), ",") {
			n = strings.TrimSpace(n)
			if n != "" {
				s.eccNumbers = append(s.eccNumbers, n)
			}
		}
	}
}

// Radio, SimCard, Network, Data expose the constructed subsystems for
// the upward interface and metrics collector.
func (s *Slot) Radio() *radio.Controller       { return s.rad }
func (s *Slot) SimCard() *simcard.SimCard      { return s.sim }
func (s *Slot) Network() *network.Controller   { return s.net }
func (s *Slot) Data() *data.Engine             { return s.eng }
func (s *Slot) CellInfo() *cellinfo.Controller { return s.cell }

// --- datamgr.Slot ---

func (s *Slot) SetAllowed(v bool)        { s.post(func(st *st) { st.allowedRole = v }) }
func (s *Slot) SetMaxSpeed(v bool)       { s.post(func(st *st) { st.maxSpeedRole = v }) }
func (s *Slot) CancelWhenAllowed()       { s.eng.CancelAllWhenAllowed() }
func (s *Slot) CancelWhenDisallowed()    { s.eng.CancelAllWhenDisallowed() }
func (s *Slot) HasPendingRequest() bool  { return s.eng.HasPending() }
func (s *Slot) IsOn() bool               { return s.eng.IsOn() }

func (s *Slot) EnqueueAllow(on bool) {
	s.eng.Submit(data.Request{
		Kind:  data.KindAllow,
		Allow: on,
		Flags: data.Flags{CancelWhenAllowed: on, CancelWhenDisallowed: !on},
	})
}

// ClampToGSMOnly applies the cross-slot handover clamp, but only on
// slots whose radio-capability probe confirmed LTE support; a
// single-mode slot has nothing to clamp.
func (s *Slot) ClampToGSMOnly(clamp bool) {
	var eligible bool
	s.post(func(st *st) { eligible = st.handoverEligible })
	if !eligible {
		return
	}
	if clamp {
		s.net.SetMaxPrefMode(int32(network.ModeGSMOnly))
	} else {
		s.net.SetMaxPrefMode(0)
	}
}

// techCeiling derives the NetworkController's allowed-tech ceiling from
// the slot's configured "technologies" subset (spec.md §6): the default
// "all" applies no ceiling; an explicit subset without "lte" caps at
// UMTS, and a subset of "gsm" alone caps at GSM-only.
func techCeiling(cfg config.SlotConfig) network.AllowedTech {
	if len(cfg.Technologies) == 0 || cfg.AllTechnologies() {
		return network.TechAll
	}
	ceiling := network.TechGSMOnly
	for _, t := range cfg.Technologies {
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "lte":
			return network.TechAll
		case "umts", "wcdma", "3g":
			ceiling = network.TechUpToUMTS
		}
	}
	return ceiling
}

func parseDeviceIdentity(body []byte) (Identity, error) {
	r := wire.NewReader(body)
	imei, err := r.StringOr("")
	if err != nil {
		return Identity{}, err
	}
	imeisv, err := r.StringOr("")
	if err != nil {
		return Identity{}, err
	}
	// ESN and MEID follow on CDMA peers; not needed here.
	return Identity{IMEI: imei, IMEISV: imeisv}, nil
}
