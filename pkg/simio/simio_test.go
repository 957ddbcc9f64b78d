package simio

import (
	"context"
	"encoding/hex"
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

func TestReadTransparentDecodesHexPayload(t *testing.T) {
	path, conns := listenAndAccept(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := channel.New(path, "", nil)
	go ch.Run(ctx)
	srv := <-conns

	c := New(ch, func() string { return "a0000000871002" }, nil)
	defer c.Dispose()

	got := make(chan []byte, 1)
	errs := make(chan error, 1)
	c.ReadTransparent(0x6F07, 0, 9, "", func(data []byte, err error) {
		got <- data
		errs <- err
	})

	_, serial, _ := readFrame(t, srv)
	w := wire.NewWriter()
	w.Int32(0x90)
	w.Int32(0x00)
	w.String(hex.EncodeToString([]byte{1, 2, 3}), true)
	writeResponse(srv, serial, 0, w.Bytes())

	select {
	case data := <-got:
		if err := <-errs; err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(data) != 3 || data[1] != 2 {
			t.Fatalf("unexpected decoded data: %v", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for read response")
	}
}

type fakeBeacon struct {
	started, finished []int32
}

func (b *fakeBeacon) SIMIOStarted(serial int32)  { b.started = append(b.started, serial) }
func (b *fakeBeacon) SIMIOFinished(serial int32) { b.finished = append(b.finished, serial) }

func TestRequestFeedsBeacon(t *testing.T) {
	path, conns := listenAndAccept(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := channel.New(path, "", nil)
	go ch.Run(ctx)
	srv := <-conns

	beacon := &fakeBeacon{}
	c := New(ch, func() string { return "" }, beacon)
	defer c.Dispose()

	got := make(chan []byte, 1)
	errs := make(chan error, 1)
	c.ReadTransparent(0x6F07, 0, 9, "", func(data []byte, err error) {
		got <- data
		errs <- err
	})

	_, serial, _ := readFrame(t, srv)
	w := wire.NewWriter()
	w.Int32(0x90)
	w.Int32(0x00)
	w.String(hex.EncodeToString([]byte{1, 2, 3}), true)
	writeResponse(srv, serial, 0, w.Bytes())

	select {
	case <-got:
		<-errs
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for read response")
	}

	if len(beacon.started) != 1 || beacon.started[0] != serial {
		t.Fatalf("expected SIMIOStarted(%d) exactly once, got %v", serial, beacon.started)
	}
	if len(beacon.finished) != 1 || beacon.finished[0] != serial {
		t.Fatalf("expected SIMIOFinished(%d) exactly once, got %v", serial, beacon.finished)
	}
}

func TestWriteLinearReportsSWError(t *testing.T) {
	path, conns := listenAndAccept(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := channel.New(path, "", nil)
	go ch.Run(ctx)
	srv := <-conns

	c := New(ch, func() string { return "" }, nil)
	defer c.Dispose()

	done := make(chan error, 1)
	c.WriteLinear(0x6F3B, 1, []byte{9}, "", func(err error) { done <- err })

	_, serial, _ := readFrame(t, srv)
	w := wire.NewWriter()
	w.Int32(0x94)
	w.Int32(0x04)
	w.String("", false)
	writeResponse(srv, serial, 0, w.Bytes())

	select {
	case err := <-done:
		swErr, ok := err.(*SWError)
		if !ok {
			t.Fatalf("expected *SWError, got %T (%v)", err, err)
		}
		if swErr.SW1 != 0x94 || swErr.SW2 != 0x04 {
			t.Fatalf("unexpected status words: %+v", swErr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for write response")
	}
}

func TestFileInfoQueryParsesFCPTemplate(t *testing.T) {
	path, conns := listenAndAccept(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := channel.New(path, "", nil)
	go ch.Run(ctx)
	srv := <-conns

	c := New(ch, func() string { return "" }, nil)
	defer c.Dispose()

	got := make(chan *FileInfo, 1)
	c.FileInfoQuery(0x6F07, "", func(info *FileInfo, err error) {
		if err != nil {
			t.Errorf("unexpected error: %v", err)
			return
		}
		got <- info
	})

	_, serial, _ := readFrame(t, srv)

	fcp := []byte{
		0x62, 0x0a,
		0x80, 0x02, 0x00, 0x09, // file size 9
		0x82, 0x04, 0x01, 0x21, 0x00, 0x09, // transparent descriptor
	}
	w := wire.NewWriter()
	w.Int32(0x90)
	w.Int32(0x00)
	w.String(hex.EncodeToString(fcp), true)
	writeResponse(srv, serial, 0, w.Bytes())

	select {
	case info := <-got:
		if info.Length != 9 {
			t.Errorf("unexpected length: %d", info.Length)
		}
		if info.Structure != StructureTransparent {
			t.Errorf("unexpected structure: %v", info.Structure)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for file info")
	}
}
