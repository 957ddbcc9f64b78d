package upward

import (
	"sync"
	"time"

	"github.com/protei/rild/pkg/data"
	"github.com/protei/rild/pkg/network"
	"github.com/protei/rild/pkg/simcard"
	"github.com/protei/rild/pkg/slot"
)

// SimPresence is the tri-state SIM presence the upward interface
// exposes, distinct from simcard.CardState so this package doesn't leak
// a core wire-level enum to its HTTP clients.
type SimPresence string

const (
	SimUnknown SimPresence = "unknown"
	SimAbsent  SimPresence = "absent"
	SimPresent SimPresence = "present"
)

// Snapshot is the cached, JSON-serializable view of one slot the
// telephony service polls or subscribes to, per spec.md §6's "upward
// interface to the telephony service".
type Snapshot struct {
	Index       int             `json:"index"`
	IMEI        string          `json:"imei"`
	IMEISV      string          `json:"imeisv"`
	SimPresence SimPresence     `json:"sim_presence"`
	Operator    string          `json:"operator"`
	VoiceStatus int             `json:"voice_status"`
	VoiceRAT    int             `json:"voice_rat"`
	DataStatus  int             `json:"data_status"`
	DataRAT     int             `json:"data_rat"`
	DataCalls   []data.DataCall `json:"data_calls"`
	DataOn      bool            `json:"data_on"`
	ScreenOn    bool            `json:"screen_on"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type slotView struct {
	mu   sync.RWMutex
	snap Snapshot
}

func newSlotView(idx int) *slotView {
	return &slotView{snap: Snapshot{Index: idx, SimPresence: SimUnknown}}
}

func (v *slotView) get() Snapshot {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.snap
}

func (v *slotView) update(f func(*Snapshot)) Snapshot {
	v.mu.Lock()
	f(&v.snap)
	v.snap.UpdatedAt = time.Now()
	out := v.snap
	v.mu.Unlock()
	return out
}

// observe subscribes v to sl's public signals, calling onChange with the
// refreshed snapshot after each one so the caller can broadcast it. The
// IMEI/IMEISV pair is refreshed on every signal rather than once at
// startup, since identity only resolves sometime after a slot starts
// and none of the individual signals are guaranteed to fire after it
// does.
func (v *slotView) observe(sl *slot.Slot, onChange func(Snapshot)) {
	refreshIdentity := func(s *Snapshot) {
		id := sl.Identity()
		s.IMEI = id.IMEI
		s.IMEISV = id.IMEISV
	}

	sl.SimCard().OnStatusChanged(func(st *simcard.SimStatus) {
		snap := v.update(func(s *Snapshot) {
			refreshIdentity(s)
			if st == nil {
				s.SimPresence = SimUnknown
				return
			}
			switch st.CardState {
			case simcard.CardPresent:
				s.SimPresence = SimPresent
			case simcard.CardAbsent:
				s.SimPresence = SimAbsent
			default:
				s.SimPresence = SimUnknown
			}
		})
		onChange(snap)
	})

	sl.Network().OnOperatorChanged(func(op string) {
		onChange(v.update(func(s *Snapshot) { refreshIdentity(s); s.Operator = op }))
	})
	sl.Network().OnVoiceChanged(func(r *network.Registration) {
		onChange(v.update(func(s *Snapshot) {
			refreshIdentity(s)
			if r != nil {
				s.VoiceStatus = r.Status
				s.VoiceRAT = int(r.RAT)
			}
		}))
	})
	sl.Network().OnDataChanged(func(r *network.Registration) {
		onChange(v.update(func(s *Snapshot) {
			refreshIdentity(s)
			if r != nil {
				s.DataStatus = r.Status
				s.DataRAT = int(r.RAT)
			}
		}))
	})
	sl.Data().OnCallsChanged(func(calls []data.DataCall) {
		onChange(v.update(func(s *Snapshot) { refreshIdentity(s); s.DataCalls = calls }))
	})
	sl.Data().OnAllowChanged(func(on bool) {
		onChange(v.update(func(s *Snapshot) { refreshIdentity(s); s.DataOn = on }))
	})
}
