// Package slotmgr is the process-wide slot lifecycle coordinator: it
// switches process identity before any socket opens, starts every
// configured slot, waits for each to clear its own serialization gate
// (or exceed its start timeout) subject to a hard overall cap, forwards
// MCE screen-state changes to every connected slot, and owns the single
// process-wide DataManager the slots register with.
package slotmgr

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/protei/rild/internal/logger"
	"github.com/protei/rild/pkg/config"
	"github.com/protei/rild/pkg/datamgr"
	"github.com/protei/rild/pkg/slot"
)

// SwitchIdentity drops root privileges to the configured uid/gid/groups
// before any slot opens its socket, so the RIL peer sees the expected
// credentials from the very first connect. Group switch happens before
// user switch, since a non-root process can't change its groups.
func SwitchIdentity(s config.Settings) error {
	if !s.DropPrivileges {
		return nil
	}
	if len(s.RunAsGroups) > 0 {
		if err := unix.Setgroups(s.RunAsGroups); err != nil {
			return fmt.Errorf("slotmgr: setgroups: %w", err)
		}
	}
	if s.RunAsGID != 0 {
		if err := unix.Setgid(s.RunAsGID); err != nil {
			return fmt.Errorf("slotmgr: setgid(%d): %w", s.RunAsGID, err)
		}
	}
	if s.RunAsUID != 0 {
		if err := unix.Setuid(s.RunAsUID); err != nil {
			return fmt.Errorf("slotmgr: setuid(%d): %w", s.RunAsUID, err)
		}
	}
	return nil
}

// Manager is the process-wide coordinator. It is not an actor in the
// same sense as the per-slot subsystems: its mutable state (the slot
// list and the ready set) is only ever touched from Run's own
// goroutine and from callbacks Run wires up itself, so a plain mutex is
// enough rather than a command channel.
type Manager struct {
	log  *logger.Logger
	Data *datamgr.Manager

	mu      sync.Mutex
	slots   []*slot.Slot
	ready   map[int]bool
	started bool

	onStarted []func(*Manager)
}

// New returns an empty Manager; call Run to start it.
func New(log *logger.Logger) *Manager {
	return &Manager{
		log:   log.WithComponent("slotmgr"),
		Data:  datamgr.New(),
		ready: make(map[int]bool),
	}
}

// OnStarted registers a callback fired once when the start-up barrier
// resolves (every slot either registered or timed out). Registering
// after the barrier has already resolved invokes f immediately.
func (m *Manager) OnStarted(f func(*Manager)) {
	m.mu.Lock()
	started := m.started
	if !started {
		m.onStarted = append(m.onStarted, f)
	}
	m.mu.Unlock()
	if started {
		f(m)
	}
}

// Slots returns the registered slots in configuration order.
func (m *Manager) Slots() []*slot.Slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*slot.Slot, len(m.slots))
	copy(out, m.slots)
	return out
}

type barrierEvent struct {
	idx   int
	ready bool
}

// Run constructs and starts one Slot per entry in slotCfgs, registers
// each with the DataManager, and blocks until the start-up barrier
// resolves: every slot has either cleared its serialization gate or
// exceeded its own start timeout, capped overall at the largest
// per-slot timeout so one hung slot cannot stall the others
// indefinitely. It then returns; the slots and the DataManager continue
// running on their own goroutines until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, slotCfgs []config.SlotConfig) {
	events := make(chan barrierEvent, len(slotCfgs))
	var wg sync.WaitGroup

	overall := time.Duration(0)
	for _, sc := range slotCfgs {
		if sc.StartTimeout > overall {
			overall = sc.StartTimeout
		}
	}
	if overall == 0 {
		overall = 10 * time.Second
	}

	for _, sc := range slotCfgs {
		sc := sc
		sl := slot.New(sc, m.log)

		m.mu.Lock()
		m.slots = append(m.slots, sl)
		m.mu.Unlock()
		m.Data.Register(sl)

		sl.OnReady(func(s *slot.Slot) {
			events <- barrierEvent{idx: s.Index(), ready: true}
		})

		wg.Add(1)
		go func() {
			defer wg.Done()
			sl.Run(ctx)
		}()

		go func(idx int, timeout time.Duration) {
			if timeout <= 0 {
				return
			}
			t := time.NewTimer(timeout)
			defer t.Stop()
			select {
			case <-t.C:
				events <- barrierEvent{idx: idx, ready: false}
			case <-ctx.Done():
			}
		}(sc.Index, sc.StartTimeout)
	}

	m.waitBarrier(ctx, events, len(slotCfgs), overall)

	m.mu.Lock()
	m.started = true
	callbacks := m.onStarted
	m.onStarted = nil
	m.mu.Unlock()
	for _, f := range callbacks {
		f(m)
	}

	<-ctx.Done()
	wg.Wait()
}

func (m *Manager) waitBarrier(ctx context.Context, events chan barrierEvent, n int, overall time.Duration) {
	if n == 0 {
		return
	}
	capTimer := time.NewTimer(overall)
	defer capTimer.Stop()

	pending := map[int]bool{}
	m.mu.Lock()
	for _, s := range m.slots {
		pending[s.Index()] = true
	}
	m.mu.Unlock()

	for len(pending) > 0 {
		select {
		case ev := <-events:
			if !pending[ev.idx] {
				continue
			}
			delete(pending, ev.idx)
			m.mu.Lock()
			m.ready[ev.idx] = ev.ready
			m.mu.Unlock()
			if !ev.ready {
				m.log.Warn("slot exceeded start timeout, dropping from start barrier", "slot", ev.idx)
			}
		case <-capTimer.C:
			m.logDroppedAtCap(pending)
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) logDroppedAtCap(pending map[int]bool) {
	if len(pending) == 0 {
		return
	}
	idxs := make([]int, 0, len(pending))
	for idx := range pending {
		idxs = append(idxs, idx)
	}
	sort.Ints(idxs)
	m.log.Warn("manager start barrier hit the overall cap", "dropped_slots", idxs)
}

// SetScreenState forwards an MCE display state change to every
// registered slot once.
func (m *Manager) SetScreenState(on bool) {
	for _, s := range m.Slots() {
		s.SetScreenState(on)
	}
}

// Started reports whether the start-up barrier has resolved.
func (m *Manager) Started() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

// SlotReady reports whether the given slot index cleared its
// serialization gate (as opposed to being dropped at its start
// timeout). It is only meaningful after Started returns true.
func (m *Manager) SlotReady(idx int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready[idx]
}
