package simcard

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/protei/rild/pkg/ril/channel"
	"github.com/protei/rild/pkg/ril/codes"
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

func encodeReadyStatus() []byte {
	w := wire.NewWriter()
	w.Int32(int32(CardPresent))
	w.Int32(int32(PINDisabled))
	w.Int32(0) // gsm app index
	w.Int32(-1)
	w.Int32(-1)
	w.Int32(1) // one app
	w.Int32(appTypeUSIM)
	w.Int32(int32(AppReady))
	w.Int32(0)
	w.String("A0000000871002", true)
	w.String("", true)
	w.Int32(int32(PINDisabled))
	w.Int32(int32(PINDisabled))
	w.Int32(0)
	w.Int32(0)
	return w.Bytes()
}

func writeResponse(conn net.Conn, serial, status int32, body []byte) {
	w := wire.NewWriter()
	w.Int32(wire.FrameTagResponse)
	w.Int32(serial)
	w.Int32(status)
	w.Raw(body)
	conn.Write(wire.EncodeFrame(w.Bytes()))
}

func TestInitialStatusQueryResolvesApp(t *testing.T) {
	path, conns := listenAndAccept(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := channel.New(path, "", nil)
	go ch.Run(ctx)
	srv := <-conns

	sc := New(0, ch, Config{}, nil)
	go sc.Run(ctx)
	defer sc.Dispose()

	statuses := make(chan *SimStatus, 2)
	sc.OnStatusChanged(func(s *SimStatus) { statuses <- s })

	code, serial, _ := readFrame(t, srv)
	if code != codes.ReqGetSIMStatus {
		t.Fatalf("expected GET_SIM_STATUS, got %d", code)
	}
	writeResponse(srv, serial, 0, encodeReadyStatus())

	select {
	case s := <-statuses:
		if len(s.Apps) != 1 || s.Apps[0].AppState != AppReady {
			t.Fatalf("unexpected status: %+v", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}

	deadline := time.Now().Add(time.Second)
	for !sc.Ready() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !sc.Ready() {
		t.Fatal("expected SimCard to report ready")
	}
}

func TestSIMIOIdleCountdown(t *testing.T) {
	path, conns := listenAndAccept(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := channel.New(path, "", nil)
	go ch.Run(ctx)
	srv := <-conns

	sc := New(0, ch, Config{}, nil)
	go sc.Run(ctx)
	defer sc.Dispose()

	_, serial, _ := readFrame(t, srv)
	writeResponse(srv, serial, 0, encodeReadyStatus())

	active := make(chan bool, 4)
	sc.OnActiveChanged(func(on bool) { active <- on })

	sc.SIMIOStarted(1)
	select {
	case on := <-active:
		if !on {
			t.Fatal("expected active=true")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for active signal")
	}

	sc.SIMIOFinished(1)
	for i := 0; i < idleQuietTurns; i++ {
		sc.Tick()
	}

	select {
	case on := <-active:
		if on {
			t.Fatal("expected active=false after idle countdown")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for quiet signal")
	}
}
