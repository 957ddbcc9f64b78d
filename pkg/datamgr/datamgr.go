// Package datamgr implements the cross-slot DataManager: the
// at-most-one-ALLOWED/MAX_SPEED invariant, the "check data" pass that
// only runs once every slot is quiescent, and the 3G/LTE handover RAT
// clamp.
package datamgr

// Role is the data role a slot can be granted.
type Role int

const (
	RoleNone Role = iota
	RoleMMS
	RoleInternet
)

// Slot is the minimal surface DataManager needs from a per-slot DataEngine
// plus its NetworkController, so this package stays independent of
// pkg/data and pkg/network's concrete types.
type Slot interface {
	Index() int
	SetAllowed(bool)
	SetMaxSpeed(bool)
	CancelWhenAllowed()
	CancelWhenDisallowed()
	HasPendingRequest() bool
	IsOn() bool
	EnqueueAllow(on bool)
	ClampToGSMOnly(clamp bool)
}

// Manager coordinates the slots registered with it. It is not an actor:
// every method here is expected to run on whatever single event-loop
// thread owns it, the same way this process-wide state is only ever
// touched from that thread.
type Manager struct {
	slots          []Slot
	allowedSlot    int // -1 if none
	maxSpeedSlot   int
	handoverActive bool
}

// New returns an empty Manager; slots register themselves via Register.
func New() *Manager {
	return &Manager{allowedSlot: -1, maxSpeedSlot: -1}
}

func (m *Manager) Register(s Slot) {
	m.slots = append(m.slots, s)
}

// SetHandoverActive toggles the 3G/LTE handover clamp.
func (m *Manager) SetHandoverActive(active bool) {
	m.handoverActive = active
	m.applyHandoverClamp()
}

// Allow grants role to the given slot index, clearing ALLOWED/MAX_SPEED
// on every other slot first, then runs "check data".
func (m *Manager) Allow(slotIdx int, role Role) {
	for _, s := range m.slots {
		if s.Index() == slotIdx {
			continue
		}
		if m.allowedSlot == s.Index() {
			s.SetAllowed(false)
			s.CancelWhenDisallowed()
			s.EnqueueAllow(false)
		}
		if m.maxSpeedSlot == s.Index() {
			s.SetMaxSpeed(false)
		}
	}

	var target Slot
	for _, s := range m.slots {
		if s.Index() == slotIdx {
			target = s
			break
		}
	}
	if target == nil {
		return
	}

	if role == RoleNone {
		if m.allowedSlot == slotIdx {
			m.allowedSlot = -1
		}
		if m.maxSpeedSlot == slotIdx {
			m.maxSpeedSlot = -1
		}
		target.SetAllowed(false)
		target.SetMaxSpeed(false)
		m.checkData()
		return
	}

	m.allowedSlot = slotIdx
	target.SetAllowed(true)
	if role == RoleInternet {
		m.maxSpeedSlot = slotIdx
		target.SetMaxSpeed(true)
	} else if m.maxSpeedSlot == slotIdx {
		m.maxSpeedSlot = -1
		target.SetMaxSpeed(false)
	}
	target.CancelWhenAllowed()

	m.checkData()
}

// checkData only runs when nothing anywhere is pending: applies the
// handover clamp and, if exactly one slot is ALLOWED but not ON, issues
// ALLOW_DATA(true) there.
func (m *Manager) checkData() {
	for _, s := range m.slots {
		if s.HasPendingRequest() {
			return
		}
	}

	m.applyHandoverClamp()

	var allowedNotOn Slot
	count := 0
	for _, s := range m.slots {
		if s.Index() == m.allowedSlot {
			count++
			if !s.IsOn() {
				allowedNotOn = s
			}
		}
	}
	if count == 1 && allowedNotOn != nil {
		allowedNotOn.EnqueueAllow(true)
	}
}

// applyHandoverClamp picks the ALLOWED+MAX_SPEED slot as the LTE slot
// (falling back to slot 0 when none is MAX_SPEED), clamps every other
// slot to GSM-only, and clears the clamp on the chosen one.
func (m *Manager) applyHandoverClamp() {
	if !m.handoverActive || len(m.slots) < 2 {
		return
	}

	lteIdx := m.maxSpeedSlot
	if lteIdx < 0 {
		lteIdx = 0
	}

	for _, s := range m.slots {
		s.ClampToGSMOnly(s.Index() != lteIdx)
	}
}
