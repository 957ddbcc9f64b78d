// Package simcard implements the per-slot SIM status machine:
// card/app/PIN aggregation from GET_SIM_STATUS, app selection (with the
// UICC-subscription workaround for v9-and-earlier peers), the SIM-I/O
// activity beacon and its idle-loop countdown, and permanent-lock
// detection. It tracks which status/subscription requests are in flight
// but holds no transaction gate on the channel: other SIM traffic is not
// held off while status/subscription are being resolved.
package simcard

import (
	"context"
	"time"

	"github.com/protei/rild/internal/logger"
	"github.com/protei/rild/pkg/ril/channel"
	"github.com/protei/rild/pkg/ril/codes"
	"github.com/protei/rild/pkg/ril/queue"
	"github.com/protei/rild/pkg/ril/wire"
)

// App states and card states mirror the wire enum's values.
type AppState int

const (
	AppUnknown AppState = iota
	AppDetected
	AppPINRequired
	AppPUKRequired
	AppSubscriptionPersoLocked
	AppReady
)

type PINState int

const (
	PINUnknown PINState = iota
	PINEnabledNotVerified
	PINEnabledVerified
	PINDisabled
	PINEnabledBlocked
	PINEnabledPermBlocked
)

type CardState int

const (
	CardAbsent CardState = iota
	CardPresent
	CardError
)

// SimApp is one application entry reported inside a SimStatus.
type SimApp struct {
	AppType      int32
	AppState     AppState
	PersoSubstate int32
	AID          string
	Label        string
	PIN1         PINState
	PIN2         PINState
	PIN1Replaced bool
	PUK1Retries  int
}

// SimStatus is the immutable snapshot produced by each GET_SIM_STATUS.
type SimStatus struct {
	CardState    CardState
	UniversalPIN PINState
	GSMAppIndex  int // -1 if not reported
	CDMAAppIndex int
	IMSAppIndex  int
	Apps         []SimApp
}

// Config holds the per-slot SIM status knobs.
type Config struct {
	UICCSubscriptionStartMS   time.Duration // default 5s
	UICCSubscriptionTimeoutMS time.Duration // default 30s
	UICCWorkaroundV9          bool
	PeerVersion               int
}

func (c *Config) setDefaults() {
	if c.UICCSubscriptionStartMS == 0 {
		c.UICCSubscriptionStartMS = 5 * time.Second
	}
	if c.UICCSubscriptionTimeoutMS == 0 {
		c.UICCSubscriptionTimeoutMS = 30 * time.Second
	}
}

// SimCard is the owning actor for one slot's SIM status.
type SimCard struct {
	ch   *channel.Channel
	q    *queue.Queue
	log  *logger.Logger
	cfg  Config
	slot int32

	cmds   chan func(*st)
	closed chan struct{}
}

type st struct {
	status      *SimStatus
	selectedIdx int // index into status.Apps, -1 if none selected

	statusPending    int32
	subscriptionPend int32
	subscriptionTimer *time.Timer
	autoSelectTimer   *time.Timer

	simIOActive map[int32]bool
	idleTurns   int
	quiet       bool

	onStatusChanged []func(*SimStatus)
	onActiveChanged []func(active bool)

	unsolStatusSub  int
	unsolUICCSub    int
}

const idleQuietTurns = 3

// New constructs a SimCard for the given slot.
func New(slot int32, ch *channel.Channel, cfg Config, log *logger.Logger) *SimCard {
	cfg.setDefaults()
	return &SimCard{
		ch:     ch,
		q:      queue.New(ch),
		log:    log,
		cfg:    cfg,
		slot:   slot,
		cmds:   make(chan func(*st)),
		closed: make(chan struct{}),
	}
}

// Run starts the owning goroutine and issues the initial status query.
func (sc *SimCard) Run(ctx context.Context) {
	s := &st{selectedIdx: -1, simIOActive: make(map[int32]bool), quiet: true}
	s.unsolStatusSub = sc.ch.SubscribeUnsol(codes.UnsolSIMStatusChanged, func(body []byte) {
		sc.post(func(s *st) { sc.requestStatus(s) })
	})
	s.unsolUICCSub = sc.ch.SubscribeUnsol(codes.UnsolUICCSubscriptionStatus, func(body []byte) {
		sc.post(func(s *st) { sc.onUICCUnsol(s) })
	})

	sc.requestStatus(s)

	for {
		select {
		case <-ctx.Done():
			sc.teardown(s)
			return
		case cmd := <-sc.cmds:
			cmd(s)
		case <-sc.closed:
			sc.teardown(s)
			return
		}
	}
}

func (sc *SimCard) post(fn func(*st)) {
	done := make(chan struct{})
	select {
	case sc.cmds <- func(s *st) { fn(s); close(done) }:
		<-done
	case <-sc.closed:
	}
}

func (sc *SimCard) teardown(s *st) {
	sc.ch.RemoveHandler(codes.UnsolSIMStatusChanged, s.unsolStatusSub)
	sc.ch.RemoveHandler(codes.UnsolUICCSubscriptionStatus, s.unsolUICCSub)
	if s.subscriptionTimer != nil {
		s.subscriptionTimer.Stop()
	}
	if s.autoSelectTimer != nil {
		s.autoSelectTimer.Stop()
	}
	sc.q.Dispose()
}

// Dispose stops the SimCard and cancels anything it still owns.
func (sc *SimCard) Dispose() {
	select {
	case <-sc.closed:
		return
	default:
	}
	close(sc.closed)
}

// OnStatusChanged/OnActiveChanged register the card's two public signals.
func (sc *SimCard) OnStatusChanged(f func(*SimStatus)) {
	sc.post(func(s *st) { s.onStatusChanged = append(s.onStatusChanged, f) })
}

func (sc *SimCard) OnActiveChanged(f func(bool)) {
	sc.post(func(s *st) { s.onActiveChanged = append(s.onActiveChanged, f) })
}

// Reset produces a synthetic "absent" status and re-queries immediately,
// as used after a detected card removal/power cycle.
func (sc *SimCard) Reset() {
	sc.post(func(s *st) {
		synthetic := &SimStatus{CardState: CardAbsent, GSMAppIndex: -1, CDMAAppIndex: -1, IMSAppIndex: -1}
		sc.applyStatus(s, synthetic)
		sc.requestStatus(s)
	})
}

// requestStatus is coalesced: a status query already in flight is
// re-asserted with retry_now rather than submitting a second one.
func (sc *SimCard) requestStatus(s *st) {
	if s.statusPending != 0 {
		sc.ch.RetryNow(s.statusPending)
		return
	}
	s.statusPending = sc.q.Submit(channel.Request{
		Code:    codes.ReqGetSIMStatus,
		Timeout: 20 * time.Second,
		Retry:   channel.RetryPolicy{DelayMS: 2000},
		OnDone: func(status channel.Status, body []byte) {
			sc.post(func(s *st) { sc.onStatusResponse(s, status, body) })
		},
	})
}

func (sc *SimCard) onStatusResponse(s *st, status channel.Status, body []byte) {
	s.statusPending = 0
	if status != channel.StatusOK {
		return
	}
	parsed, err := parseSimStatus(body)
	if err != nil {
		return
	}
	sc.applyStatus(s, parsed)
}

func (sc *SimCard) applyStatus(s *st, status *SimStatus) {
	s.status = status
	s.selectedIdx = -1

	idx := selectApp(status)
	if idx >= 0 {
		s.selectedIdx = idx
		enforcePermanentLock(&status.Apps[idx])
	}

	for _, f := range s.onStatusChanged {
		f(status)
	}

	if idx < 0 && status.CardState == CardPresent {
		sc.startAutoSelectWait(s)
		return
	}
	sc.closeTransactionIfDone(s)
}

// selectApp picks the active application by preference order: the
// GSM/UMTS index reported by the modem, else the first USIM/RUIM app,
// else the first app that isn't AppUnknown.
func selectApp(status *SimStatus) int {
	if status.GSMAppIndex >= 0 && status.GSMAppIndex < len(status.Apps) {
		return status.GSMAppIndex
	}
	for i, a := range status.Apps {
		if a.AppType == appTypeUSIM || a.AppType == appTypeRUIM {
			return i
		}
	}
	for i, a := range status.Apps {
		if a.AppState != AppUnknown {
			return i
		}
	}
	return -1
}

const (
	appTypeUSIM int32 = 3
	appTypeRUIM int32 = 4
)

// enforcePermanentLock forces the PUK retry count to zero when the app is
// PUK-blocked with PIN1 ENABLED_PERM_BLOCKED, regardless of what the peer
// actually reported.
func enforcePermanentLock(app *SimApp) {
	if app.AppState == AppPUKRequired && app.PIN1 == PINEnabledPermBlocked {
		app.PUK1Retries = 0
	}
}

func (sc *SimCard) startAutoSelectWait(s *st) {
	if s.autoSelectTimer != nil {
		return
	}
	s.autoSelectTimer = time.AfterFunc(sc.cfg.UICCSubscriptionStartMS, func() {
		sc.post(func(s *st) {
			s.autoSelectTimer = nil
			if s.selectedIdx >= 0 {
				return // modem auto-selected meanwhile
			}
			sc.issueSetUICCSubscription(s)
		})
	})
}

func (sc *SimCard) issueSetUICCSubscription(s *st) {
	if s.subscriptionPend != 0 {
		sc.ch.Drop(s.subscriptionPend) // peer may never reply; don't cancel-and-wait
	}
	idx := 0
	if s.status != nil {
		if sel := selectApp(s.status); sel >= 0 {
			idx = sel
		}
	}
	code := codes.ReqSetUICCSubscription
	if sc.cfg.PeerVersion <= 9 && sc.cfg.UICCWorkaroundV9 {
		code = codes.ReqSetUICCSubscriptionV9
	}
	w := wire.NewWriter()
	w.Int32(sc.slot)
	w.Int32(int32(idx))
	w.Int32(0) // subscription id
	w.Int32(1) // SUBSCRIPTION_ACTIVATE
	s.subscriptionPend = sc.q.Submit(channel.Request{
		Code: code,
		Body: w.Bytes(),
		OnDone: func(status channel.Status, _ []byte) {
			sc.post(func(s *st) {
				s.subscriptionPend = 0
				if s.subscriptionTimer != nil {
					s.subscriptionTimer.Stop()
					s.subscriptionTimer = nil
				}
				sc.closeTransactionIfDone(s)
			})
		},
	})
	s.subscriptionTimer = time.AfterFunc(sc.cfg.UICCSubscriptionTimeoutMS, func() {
		sc.post(func(s *st) {
			if s.subscriptionPend != 0 {
				sc.ch.Drop(s.subscriptionPend)
				s.subscriptionPend = 0
			}
			sc.closeTransactionIfDone(s)
		})
	})
}

func (sc *SimCard) onUICCUnsol(s *st) {
	sc.requestStatus(s)
}

// closeTransactionIfDone returns early while GET_SIM_STATUS or a
// subscription request is still pending; once both have settled it has
// nothing to release, since no gate is held on the channel.
func (sc *SimCard) closeTransactionIfDone(s *st) {
	if s.statusPending != 0 || s.subscriptionPend != 0 {
		return
	}
	// Transaction closed: nothing further to track here beyond clearing
	// pending markers, since Queue already reflects "nothing in flight".
}

// SIMIOStarted/SIMIOFinished maintain the activity set feeding the
// idle-loop countdown: "quiet" is declared only after idleQuietTurns
// consecutive Tick calls with an empty set, never from a wall clock.
func (sc *SimCard) SIMIOStarted(serial int32) {
	sc.post(func(s *st) {
		wasEmpty := len(s.simIOActive) == 0
		s.simIOActive[serial] = true
		s.idleTurns = 0
		if wasEmpty && s.quiet {
			s.quiet = false
			for _, f := range s.onActiveChanged {
				f(true)
			}
		}
	})
}

func (sc *SimCard) SIMIOFinished(serial int32) {
	sc.post(func(s *st) {
		delete(s.simIOActive, serial)
	})
}

// Tick should be called once per main-loop idle turn; it advances the
// idle countdown and fires onActiveChanged(false) once quiet is reached.
func (sc *SimCard) Tick() {
	sc.post(func(s *st) {
		if len(s.simIOActive) > 0 {
			s.idleTurns = 0
			return
		}
		if s.quiet {
			return
		}
		s.idleTurns++
		if s.idleTurns >= idleQuietTurns {
			s.quiet = true
			for _, f := range s.onActiveChanged {
				f(false)
			}
		}
	})
}

// Ready reports whether a SIM app is currently selected.
func (sc *SimCard) Ready() bool {
	var ready bool
	sc.post(func(s *st) { ready = s.selectedIdx >= 0 })
	return ready
}

// ActiveAID returns the application ID of the currently selected app, or
// "" if none is selected yet.
func (sc *SimCard) ActiveAID() string {
	var aid string
	sc.post(func(s *st) {
		if s.status != nil && s.selectedIdx >= 0 && s.selectedIdx < len(s.status.Apps) {
			aid = s.status.Apps[s.selectedIdx].AID
		}
	})
	return aid
}

func parseSimStatus(body []byte) (*SimStatus, error) {
	r := wire.NewReader(body)
	cardState, err := r.Int32()
	if err != nil {
		return nil, err
	}
	universalPIN, err := r.Int32()
	if err != nil {
		return nil, err
	}
	gsmIdx, err := r.Int32()
	if err != nil {
		return nil, err
	}
	cdmaIdx, err := r.Int32()
	if err != nil {
		return nil, err
	}
	imsIdx, err := r.Int32()
	if err != nil {
		return nil, err
	}
	count, err := r.Int32()
	if err != nil {
		return nil, err
	}
	status := &SimStatus{
		CardState:    CardState(cardState),
		UniversalPIN: PINState(universalPIN),
		GSMAppIndex:  int(gsmIdx),
		CDMAAppIndex: int(cdmaIdx),
		IMSAppIndex:  int(imsIdx),
		Apps:         make([]SimApp, count),
	}
	for i := range status.Apps {
		appType, _ := r.Int32()
		appState, _ := r.Int32()
		perso, _ := r.Int32()
		aid, _ := r.StringOr("")
		label, _ := r.StringOr("")
		pin1, _ := r.Int32()
		pin2, _ := r.Int32()
		pin1Replaced, _ := r.Int32()
		puk1Retries, _ := r.Int32()
		status.Apps[i] = SimApp{
			AppType:       appType,
			AppState:      AppState(appState),
			PersoSubstate: perso,
			AID:           aid,
			Label:         label,
			PIN1:          PINState(pin1),
			PIN2:          PINState(pin2),
			PIN1Replaced:  pin1Replaced != 0,
			PUK1Retries:   int(puk1Retries),
		}
	}
	return status, nil
}
