// Package cellinfo implements the per-slot CellInfo reporter: a
// periodic GET_CELL_INFO_LIST poll plus CELL_INFO_LIST unsolicited
// updates, gated on radio-on and SIM-ready, emitting a changed callback
// only when the decoded cell list actually differs from the cached one.
package cellinfo

import (
	"context"
	"sort"
	"time"

	"github.com/protei/rild/internal/logger"
	"github.com/protei/rild/pkg/ril/channel"
	"github.com/protei/rild/pkg/ril/codes"
	"github.com/protei/rild/pkg/ril/queue"
	"github.com/protei/rild/pkg/ril/wire"
)

// CellType distinguishes the per-cell measurement payload.
type CellType int

const (
	CellGSM CellType = iota
	CellWCDMA
	CellLTE
)

const invalid = -1

// Cell is one decoded cell-info entry. Unset numeric fields carry the
// sentinel -1, exactly the way the peer signals "not reported".
type Cell struct {
	Type          CellType
	Registered    bool
	MCC, MNC      int
	LAC, CID, PSC int // WCDMA/GSM identity fields; zero where not applicable
	TAC, PCI, CI  int // LTE identity fields
	SignalDBm     int
}

func (c Cell) equal(o Cell) bool { return c == o }

const defaultUpdateRate = 10 * time.Second

// Controller is the owning actor for one slot's cell-info state.
type Controller struct {
	ch  *channel.Channel
	q   *queue.Queue
	log *logger.Logger

	updateRate time.Duration

	cmds   chan func(*st)
	closed chan struct{}
}

type st struct {
	cells      []Cell
	radioOn    bool
	simReady   bool
	enabled    bool
	pending    int32
	ratePending bool

	onChanged []func([]Cell)

	unsolSub int
	ticker   *time.Ticker
}

func New(ch *channel.Channel, log *logger.Logger) *Controller {
	return &Controller{
		ch:         ch,
		q:          queue.New(ch),
		log:        log,
		updateRate: defaultUpdateRate,
		cmds:       make(chan func(*st)),
		closed:     make(chan struct{}),
	}
}

func (c *Controller) Run(ctx context.Context) {
	s := &st{}
	s.unsolSub = c.ch.SubscribeUnsol(codes.UnsolCellInfoList, func(body []byte) {
		cells, err := parseCellInfoList(body)
		if err != nil {
			return
		}
		c.post(func(s *st) { c.applyCells(s, cells) })
	})
	s.ticker = time.NewTicker(c.updateRate)

	for {
		select {
		case <-ctx.Done():
			c.teardown(s)
			return
		case cmd := <-c.cmds:
			cmd(s)
		case <-s.ticker.C:
			if s.enabled {
				c.poll(s)
			}
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
	c.ch.RemoveHandler(codes.UnsolCellInfoList, s.unsolSub)
	s.ticker.Stop()
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

func (c *Controller) OnChanged(f func([]Cell)) {
	c.post(func(s *st) { s.onChanged = append(s.onChanged, f) })
}

// SetRadioOn and SetSIMReady gate whether polling is enabled: a cell
// scan only makes sense once the radio is up and a SIM app is selected.
func (c *Controller) SetRadioOn(on bool) {
	c.post(func(s *st) { s.radioOn = on; c.reconcileEnabled(s) })
}

func (c *Controller) SetSIMReady(ready bool) {
	c.post(func(s *st) { s.simReady = ready; c.reconcileEnabled(s) })
}

func (c *Controller) reconcileEnabled(s *st) {
	want := s.radioOn && s.simReady
	if want == s.enabled {
		return
	}
	s.enabled = want
	if want {
		c.poll(s)
	} else {
		s.cells = nil
	}
}

// Poll forces an immediate GET_CELL_INFO_LIST query.
func (c *Controller) Poll() { c.post(func(s *st) { c.poll(s) }) }

func (c *Controller) poll(s *st) {
	if s.pending != 0 {
		return
	}
	s.pending = c.q.Submit(channel.Request{
		Code:  codes.ReqGetCellInfoList,
		Retry: channel.RetryPolicy{DelayMS: 5000, MaxAttempts: 3},
		OnDone: func(status channel.Status, body []byte) {
			c.post(func(s *st) {
				s.pending = 0
				if status != channel.StatusOK {
					return
				}
				cells, err := parseCellInfoList(body)
				if err != nil {
					return
				}
				c.applyCells(s, cells)
			})
		},
	})
}

func (c *Controller) applyCells(s *st, cells []Cell) {
	sortCells(cells)
	if cellsEqual(s.cells, cells) {
		return
	}
	s.cells = cells
	for _, f := range s.onChanged {
		f(cells)
	}
}

func sortCells(cells []Cell) {
	sort.Slice(cells, func(i, j int) bool {
		a, b := cells[i], cells[j]
		if a.Registered != b.Registered {
			return a.Registered
		}
		return a.CID < b.CID
	})
}

func cellsEqual(a, b []Cell) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].equal(b[i]) {
			return false
		}
	}
	return true
}

// Cells returns a snapshot of the most recently reported cell list.
func (c *Controller) Cells() []Cell {
	var out []Cell
	c.post(func(s *st) { out = append(out, s.cells...) })
	return out
}

func parseCellInfoList(body []byte) ([]Cell, error) {
	r := wire.NewReader(body)
	n, err := r.Int32()
	if err != nil {
		return nil, err
	}
	cells := make([]Cell, 0, n)
	for i := int32(0); i < n; i++ {
		cellType, err := r.Int32()
		if err != nil {
			return nil, err
		}
		registered, err := r.Int32()
		if err != nil {
			return nil, err
		}
		if _, err := r.Int32(); err != nil { // timeStampType, unused here
			return nil, err
		}
		if _, err := r.Int32(); err != nil { // timeStamp low/high skipped below
			return nil, err
		}
		if _, err := r.Int32(); err != nil {
			return nil, err
		}
		cell := Cell{Registered: registered != 0}
		switch cellType {
		case 1: // GSM
			cell.Type = CellGSM
			vals, err := readInts(r, 9)
			if err != nil {
				return nil, err
			}
			cell.MCC, cell.MNC, cell.LAC, cell.CID = vals[0], vals[1], vals[2], vals[3]
			cell.SignalDBm = dbmFromASU(vals[6])
		case 2: // WCDMA
			cell.Type = CellWCDMA
			vals, err := readInts(r, 8)
			if err != nil {
				return nil, err
			}
			cell.MCC, cell.MNC, cell.LAC, cell.CID, cell.PSC = vals[0], vals[1], vals[2], vals[3], vals[4]
			cell.SignalDBm = dbmFromASU(vals[6])
		case 3: // LTE
			cell.Type = CellLTE
			vals, err := readInts(r, 12)
			if err != nil {
				return nil, err
			}
			cell.MCC, cell.MNC, cell.CI, cell.PCI, cell.TAC = vals[0], vals[1], vals[2], vals[3], vals[4]
			cell.SignalDBm = vals[6] // rsrp already in dBm on the wire
		default:
			cell.Type = CellGSM
			cell.MCC, cell.MNC, cell.LAC, cell.CID = invalid, invalid, invalid, invalid
			cell.SignalDBm = invalid
		}
		cells = append(cells, cell)
	}
	return cells, nil
}

func readInts(r *wire.Reader, n int) ([]int, error) {
	out := make([]int, n)
	for i := 0; i < n; i++ {
		v, err := r.Int32()
		if err != nil {
			return nil, err
		}
		out[i] = int(v)
	}
	return out, nil
}

// dbmFromASU converts a GSM/WCDMA ASU signal value to dBm, the same
// -113 + 2*ASU mapping 3GPP TS 27.007 defines for +CSQ.
func dbmFromASU(asu int) int {
	if asu < 0 || asu > 31 {
		return invalid
	}
	return -113 + 2*asu
}
