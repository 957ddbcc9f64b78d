// Package network implements the per-slot NetworkController: parallel
// OPERATOR/VOICE_REGISTRATION_STATE/DATA_REGISTRATION_STATE polling with
// indefinite retry, registration array parsing, the preferred-RAT setter
// with hold-off, and the SPDI roaming-status rewrite applied at read
// time.
package network

import (
	"context"
	"strconv"
	"time"

	"github.com/protei/rild/internal/logger"
	"github.com/protei/rild/pkg/ril/channel"
	"github.com/protei/rild/pkg/ril/codes"
	"github.com/protei/rild/pkg/ril/queue"
)

// RAT is the access-technology enum registration RAT values map onto.
type RAT int

const (
	RATUnknown RAT = iota
	RATGSM
	RATUMTS
	RATLTE
)

// PrefMode mirrors the SET_PREFERRED_NETWORK_TYPE integer values this
// driver actually issues on the wire.
type PrefMode int32

const (
	ModeGSMOnly      PrefMode = 1
	ModeGSMWCDMAAuto PrefMode = 0
	ModeLTEFamily    PrefMode = 9
)

// Registration is one parsed VOICE/DATA_REGISTRATION_STATE snapshot.
type Registration struct {
	Status     int
	Emergency  bool
	LAC        int
	CI         int
	RAT        RAT
	RawRAT     int
	Reason     int
	MaxPDP     int
}

// SPDIEntry is one (MCC, MNC) roaming-override pair from the SIM's SPDI.
type SPDIEntry struct{ MCC, MNC string }

const holdOff = 2 * time.Second

// AllowedTech is the per-slot ceiling on which RATs may ever be
// requested, derived from the configured "technologies" key (spec.md
// §6, §3's "configured allowed tech mask"). The zero value, TechAll,
// applies no ceiling — the default "technologies=all".
type AllowedTech int

const (
	TechAll AllowedTech = iota
	TechUpToUMTS
	TechGSMOnly
)

// Config carries the per-slot knobs relevant to RAT selection.
type Config struct {
	LTENetworkMode int32 // used verbatim when the selected level is LTE
	SetRATTimeout  time.Duration
	AllowedTech    AllowedTech
}

func (c *Config) setDefaults() {
	if c.SetRATTimeout == 0 {
		c.SetRATTimeout = 20 * time.Second
	}
}

// Controller is the owning actor for one slot's network state.
type Controller struct {
	ch  *channel.Channel
	q   *queue.Queue
	log *logger.Logger
	cfg Config

	cmds   chan func(*st)
	closed chan struct{}
}

type st struct {
	operator            string
	operatorNumeric      string
	voiceReg            *Registration
	dataReg             *Registration

	operatorPending int32
	voicePending    int32
	dataPending     int32

	radioOn       bool
	simReady      bool
	simIOActive   bool

	simPrefMode   int32
	maxPrefMode   int32
	spdi          []SPDIEntry

	desiredRAT    PrefMode
	cachedRAT     *PrefMode
	ratPending    int32
	holdOffTimer  *time.Timer
	holdOffQueued *PrefMode

	onVoiceChanged    []func(*Registration)
	onDataChanged     []func(*Registration)
	onOperatorChanged []func(string)

	unsolVoice int
	unsolCap   int
}

func New(ch *channel.Channel, cfg Config, log *logger.Logger) *Controller {
	cfg.setDefaults()
	return &Controller{
		ch:     ch,
		q:      queue.New(ch),
		log:    log,
		cfg:    cfg,
		cmds:   make(chan func(*st)),
		closed: make(chan struct{}),
	}
}

func (c *Controller) Run(ctx context.Context) {
	s := &st{maxPrefMode: 0}
	s.unsolVoice = c.ch.SubscribeUnsol(codes.UnsolVoiceNetworkStateChanged, func(body []byte) {
		c.post(func(s *st) { c.poll(s) })
	})
	s.unsolCap = c.ch.SubscribeUnsol(codes.UnsolRadioCapability, func(body []byte) {
		c.post(func(s *st) { c.assertPrefMode(s, true) })
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
	c.ch.RemoveHandler(codes.UnsolVoiceNetworkStateChanged, s.unsolVoice)
	c.ch.RemoveHandler(codes.UnsolRadioCapability, s.unsolCap)
	if s.holdOffTimer != nil {
		s.holdOffTimer.Stop()
	}
	c.q.Dispose()
}

func (c *Controller) Dispose() {
	select {
	case <-c.closed:
		return
	default:
	}
	close(c.closed)
}

func (c *Controller) OnVoiceChanged(f func(*Registration)) {
	c.post(func(s *st) { s.onVoiceChanged = append(s.onVoiceChanged, f) })
}
func (c *Controller) OnDataChanged(f func(*Registration)) {
	c.post(func(s *st) { s.onDataChanged = append(s.onDataChanged, f) })
}
func (c *Controller) OnOperatorChanged(f func(string)) {
	c.post(func(s *st) { s.onOperatorChanged = append(s.onOperatorChanged, f) })
}

// Poll triggers a three-query refresh of operator, voice and data
// registration; any query already in flight is re-asserted with
// retry_now instead of resubmitted.
func (c *Controller) Poll() { c.post(func(s *st) { c.poll(s) }) }

func (c *Controller) poll(s *st) {
	if s.operatorPending != 0 {
		c.ch.RetryNow(s.operatorPending)
	} else {
		s.operatorPending = c.q.Submit(channel.Request{
			Code:  codes.ReqOperator,
			Retry: channel.RetryPolicy{DelayMS: 2000},
			OnDone: func(status channel.Status, body []byte) {
				c.post(func(s *st) { c.onOperatorDone(s, status, body) })
			},
		})
	}
	if s.voicePending != 0 {
		c.ch.RetryNow(s.voicePending)
	} else {
		s.voicePending = c.q.Submit(channel.Request{
			Code:  codes.ReqVoiceRegistrationState,
			Retry: channel.RetryPolicy{DelayMS: 2000},
			OnDone: func(status channel.Status, body []byte) {
				c.post(func(s *st) { c.onVoiceDone(s, status, body) })
			},
		})
	}
	if s.dataPending != 0 {
		c.ch.RetryNow(s.dataPending)
	} else {
		s.dataPending = c.q.Submit(channel.Request{
			Code:  codes.ReqDataRegistrationState,
			Retry: channel.RetryPolicy{DelayMS: 2000},
			OnDone: func(status channel.Status, body []byte) {
				c.post(func(s *st) { c.onDataDone(s, status, body) })
			},
		})
	}
}

func (c *Controller) onOperatorDone(s *st, status channel.Status, body []byte) {
	s.operatorPending = 0
	if status != channel.StatusOK {
		return
	}
	long, _, numeric, err := parseOperatorTriplet(body)
	if err != nil {
		return
	}
	s.operator = long
	s.operatorNumeric = numeric
	for _, f := range s.onOperatorChanged {
		f(long)
	}
}

func (c *Controller) onVoiceDone(s *st, status channel.Status, body []byte) {
	s.voicePending = 0
	if status != channel.StatusOK {
		return
	}
	reg, err := parseRegistration(body)
	if err != nil {
		return
	}
	s.voiceReg = reg
	for _, f := range s.onVoiceChanged {
		f(reg)
	}
	c.assertPrefMode(s, false)
}

func (c *Controller) onDataDone(s *st, status channel.Status, body []byte) {
	s.dataPending = 0
	if status != channel.StatusOK {
		return
	}
	reg, err := parseRegistration(body)
	if err != nil {
		return
	}
	s.dataReg = reg
	for _, f := range s.onDataChanged {
		f(reg)
	}
}

// registeredRoamingStatus is the 3GPP registration-state value meaning
// "registered, roaming".
const registeredRoamingStatus = 5

// ExposedVoiceStatus returns the voice registration status with the SPDI
// rewrite applied: "roaming" is silently reported as "registered" when
// the current network's MCC/MNC match an SPDI entry for this SIM. The
// rewrite happens only at this read boundary; the cached Registration
// itself is left untouched.
func (c *Controller) ExposedVoiceStatus() int {
	var out int
	c.post(func(s *st) { out = c.exposedVoiceStatus(s) })
	return out
}

func (c *Controller) exposedVoiceStatus(s *st) int {
	if s.voiceReg == nil {
		return 0
	}
	status := s.voiceReg.Status
	if status != registeredRoamingStatus {
		return status
	}
	if matchesSPDI(s.operatorNumeric, s.spdi) {
		return 1 // registered, home
	}
	return status
}

func matchesSPDI(numeric string, spdi []SPDIEntry) bool {
	if len(numeric) < 5 {
		return false
	}
	for _, e := range spdi {
		if numeric[:3] == e.MCC && numeric[3:] == e.MNC {
			return true
		}
	}
	return false
}

// SetSPDI installs the SIM's SPDI roaming-override list.
func (c *Controller) SetSPDI(entries []SPDIEntry) {
	c.post(func(s *st) { s.spdi = entries })
}

func (c *Controller) SetRadioOn(on bool)     { c.post(func(s *st) { s.radioOn = on; c.assertPrefMode(s, false) }) }
func (c *Controller) SetSIMReady(ready bool) { c.post(func(s *st) { s.simReady = ready; c.assertPrefMode(s, false) }) }
func (c *Controller) SetSIMIOActive(a bool)  { c.post(func(s *st) { s.simIOActive = a; c.assertPrefMode(s, false) }) }
func (c *Controller) SetSIMPrefMode(v int32) { c.post(func(s *st) { s.simPrefMode = v; c.assertPrefMode(s, false) }) }

// SetMaxPrefMode applies the external clamp a DataManager handover
// imposes on non-selected slots.
func (c *Controller) SetMaxPrefMode(v int32) {
	c.post(func(s *st) { s.maxPrefMode = v; c.assertPrefMode(s, false) })
}

// AssertPrefMode forces a re-issue even if cached==desired, used after a
// radio-capability change.
func (c *Controller) AssertPrefMode() { c.post(func(s *st) { c.assertPrefMode(s, true) }) }

func (c *Controller) desiredPrefMode(s *st) PrefMode {
	maxPref := s.maxPrefMode
	if !s.radioOn {
		maxPref = int32(ModeGSMOnly) // radio-off clamp
	}

	level := s.simPrefMode
	if maxPref != 0 && (level == 0 || maxPref < level) {
		level = maxPref
	}

	// A slot configured with a technologies subset (spec.md §6) never
	// requests a RAT above its ceiling, regardless of what the SIM
	// settings or handover clamp would otherwise select.
	switch c.cfg.AllowedTech {
	case TechGSMOnly:
		return ModeGSMOnly
	case TechUpToUMTS:
		if level >= int32(ModeLTEFamily) {
			level = int32(ModeGSMWCDMAAuto)
		}
	}

	switch {
	case level >= int32(ModeLTEFamily):
		return PrefMode(c.cfg.LTENetworkMode)
	case level == int32(ModeGSMWCDMAAuto):
		return ModeGSMWCDMAAuto
	default:
		return ModeGSMOnly
	}
}

func (c *Controller) assertPrefMode(s *st, immediate bool) {
	if !s.radioOn || !s.simReady || s.simIOActive {
		return
	}
	if s.holdOffTimer != nil {
		next := c.desiredPrefMode(s)
		s.holdOffQueued = &next
		return
	}

	want := c.desiredPrefMode(s)
	if !immediate && s.cachedRAT != nil && *s.cachedRAT == want {
		return
	}
	c.submitSetRAT(s, want)
}

func (c *Controller) submitSetRAT(s *st, want PrefMode) {
	if s.ratPending != 0 {
		return
	}
	s.ratPending = c.q.Submit(channel.Request{
		Code:    codes.ReqSetPreferredNetworkType,
		Body:    encodeInt32(int32(want)),
		Timeout: c.cfg.SetRATTimeout,
		OnDone: func(status channel.Status, _ []byte) {
			c.post(func(s *st) { c.onSetRATDone(s, want, status) })
		},
	})
}

func (c *Controller) onSetRATDone(s *st, want PrefMode, status channel.Status) {
	s.ratPending = 0
	s.holdOffTimer = time.AfterFunc(holdOff, func() {
		c.post(func(s *st) {
			s.holdOffTimer = nil
			if s.holdOffQueued != nil {
				next := *s.holdOffQueued
				s.holdOffQueued = nil
				c.submitSetRAT(s, next)
				return
			}
			c.confirmRAT(s)
		})
	})
	if status != channel.StatusOK {
		return
	}
	s.cachedRAT = &want
}

// confirmRAT re-queries GET_PREFERRED_NETWORK_TYPE; disagreement
// reschedules another set.
func (c *Controller) confirmRAT(s *st) {
	c.q.Submit(channel.Request{
		Code: codes.ReqGetPreferredNetworkType,
		OnDone: func(status channel.Status, body []byte) {
			if status != channel.StatusOK {
				return
			}
			v, err := decodeInt32(body)
			if err != nil {
				return
			}
			c.post(func(s *st) {
				want := c.desiredPrefMode(s)
				if PrefMode(v) != want {
					c.submitSetRAT(s, want)
				}
			})
		},
	})
}

func parseRegistration(body []byte) (*Registration, error) {
	ss, err := stringArray(body)
	if err != nil {
		return nil, err
	}
	if len(ss) < 4 {
		return &Registration{}, nil
	}
	status, _ := strconv.Atoi(ss[0])
	emergency := status >= 10
	if emergency {
		status -= 10
	}
	lac, _ := strconv.ParseInt(ss[1], 16, 32)
	ci, _ := strconv.ParseInt(ss[2], 16, 32)
	rawRAT, _ := strconv.Atoi(ss[3])
	reg := &Registration{
		Status:    status,
		Emergency: emergency,
		LAC:       int(lac),
		CI:        int(ci),
		RAT:       mapRAT(rawRAT),
		RawRAT:    rawRAT,
		MaxPDP:    2,
	}
	if len(ss) > 4 {
		reg.Reason, _ = strconv.Atoi(ss[4])
	}
	if len(ss) > 5 {
		if n, err := strconv.Atoi(ss[5]); err == nil {
			reg.MaxPDP = n
		}
	}
	return reg, nil
}

func mapRAT(raw int) RAT {
	switch {
	case raw >= 11 && raw <= 16:
		return RATLTE
	case raw >= 3 && raw <= 10:
		return RATUMTS
	case raw >= 1 && raw <= 2:
		return RATGSM
	default:
		return RATUnknown
	}
}

func parseOperatorTriplet(body []byte) (long, short, numeric string, err error) {
	ss, err := stringArray(body)
	if err != nil {
		return "", "", "", err
	}
	if len(ss) < 3 {
		return "", "", "", nil
	}
	return ss[0], ss[1], ss[2], nil
}
