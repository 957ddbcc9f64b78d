package cellinfo

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/protei/rild/pkg/ril/channel"
	"github.com/protei/rild/pkg/ril/wire"
)

func listenAndAccept(t *testing.T) (string, <-chan net.Conn) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "rild.sock")
	l, err := net.Listen("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close(); os.Remove(path) })

	ch := make(chan net.Conn, 4)
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			ch <- c
		}
	}()
	return path, ch
}

func readFrame(t *testing.T, conn net.Conn) (int32, int32, []byte) {
	t.Helper()
	var hdr [4]byte
	if _, err := conn.Read(hdr[:]); err != nil {
		t.Fatal(err)
	}
	n := int(hdr[0])<<24 | int(hdr[1])<<16 | int(hdr[2])<<8 | int(hdr[3])
	body := make([]byte, n)
	read := 0
	for read < n {
		k, err := conn.Read(body[read:])
		if err != nil {
			t.Fatal(err)
		}
		read += k
	}
	r := wire.NewReader(body)
	code, _ := r.Int32()
	serial, _ := r.Int32()
	rest, _ := r.Raw(r.Remaining())
	return code, serial, rest
}

func writeResponse(conn net.Conn, serial, status int32, body []byte) {
	w := wire.NewWriter()
	w.Int32(wire.FrameTagResponse)
	w.Int32(serial)
	w.Int32(status)
	w.Raw(body)
	conn.Write(wire.EncodeFrame(w.Bytes()))
}

func encodeOneLTECell(mcc, mnc, ci, pci, tac, rsrp int) []byte {
	w := wire.NewWriter()
	w.Int32(1)   // count
	w.Int32(3)   // type = LTE
	w.Int32(1)   // registered
	w.Int32(0)   // timeStampType
	w.Int32(0)   // timeStamp low
	w.Int32(0)   // timeStamp high
	w.Int32(int32(mcc))
	w.Int32(int32(mnc))
	w.Int32(int32(ci))
	w.Int32(int32(pci))
	w.Int32(int32(tac))
	w.Int32(-1) // earfcn
	w.Int32(int32(rsrp))
	w.Int32(-1) // rsrq
	w.Int32(-1) // rssnr
	w.Int32(-1) // cqi
	w.Int32(-1) // timingAdvance
	w.Int32(-1) // signalStrength (unused field slot, padding to 12 values)
	return w.Bytes()
}

func TestSetRadioOnAndSIMReadyEnablesPolling(t *testing.T) {
	path, conns := listenAndAccept(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := channel.New(path, "", nil)
	go ch.Run(ctx)
	srv := <-conns

	c := New(ch, nil)
	go c.Run(ctx)
	defer c.Dispose()

	changed := make(chan []Cell, 1)
	c.OnChanged(func(cells []Cell) { changed <- cells })

	c.SetSIMReady(true)
	c.SetRadioOn(true)

	_, serial, _ := readFrame(t, srv)
	writeResponse(srv, serial, 0, encodeOneLTECell(310, 260, 1000, 55, 2, -95))

	select {
	case cells := <-changed:
		if len(cells) != 1 || cells[0].Type != CellLTE || cells[0].CI != 1000 {
			t.Fatalf("unexpected cells: %+v", cells)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cell list")
	}
}

func TestApplyCellsSkipsUnchangedList(t *testing.T) {
	path, conns := listenAndAccept(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := channel.New(path, "", nil)
	go ch.Run(ctx)
	<-conns

	c := New(ch, nil)
	go c.Run(ctx)
	defer c.Dispose()

	calls := 0
	c.OnChanged(func([]Cell) { calls++ })

	cell := Cell{Type: CellLTE, Registered: true, CI: 7}
	c.post(func(s *st) { c.applyCells(s, []Cell{cell}) })
	c.post(func(s *st) { c.applyCells(s, []Cell{cell}) })

	if calls != 1 {
		t.Fatalf("expected exactly one OnChanged call, got %d", calls)
	}
}
