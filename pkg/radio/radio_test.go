package radio

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

func writeResponse(conn net.Conn, serial, status int32) {
	w := wire.NewWriter()
	w.Int32(wire.FrameTagResponse)
	w.Int32(serial)
	w.Int32(status)
	conn.Write(wire.EncodeFrame(w.Bytes()))
}

func writeStateChanged(conn net.Conn, on bool) {
	w := wire.NewWriter()
	w.Int32(wire.FrameTagUnsolicited)
	w.Int32(codes.UnsolRadioStateChanged)
	var v int32
	if on {
		v = 1
	}
	w.Int32Array([]int32{v})
	conn.Write(wire.EncodeFrame(w.Bytes()))
}

func TestRequestOnTurnsRadioOn(t *testing.T) {
	path, conns := listenAndAccept(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := channel.New(path, "", nil)
	go ch.Run(ctx)
	srv := <-conns

	rc := New(ch, nil)
	go rc.Run(ctx)
	defer rc.Dispose()

	changed := make(chan bool, 4)
	rc.OnStateChanged(func(on bool) { changed <- on })

	rc.RequestOn("test")

	code, serial, body := readFrame(t, srv)
	if code != codes.ReqRadioPower {
		t.Fatalf("expected RADIO_POWER, got %d", code)
	}
	vs, _ := wire.NewReader(body).Int32Array()
	if len(vs) != 1 || vs[0] != 1 {
		t.Fatalf("expected on=1, got %v", vs)
	}

	writeStateChanged(srv, true)
	writeResponse(srv, serial, 0)

	select {
	case on := <-changed:
		if !on {
			t.Fatal("expected on=true")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for state change")
	}
}

func TestRetryWhenNoStateChangeObserved(t *testing.T) {
	path, conns := listenAndAccept(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := channel.New(path, "", nil)
	go ch.Run(ctx)
	srv := <-conns

	rc := New(ch, nil)
	go rc.Run(ctx)
	defer rc.Dispose()

	rc.RequestOn("test")
	_, serial, _ := readFrame(t, srv)
	// peer acknowledges the request but never emits a state-change
	// notification; the controller must re-assert after retryDelay.
	writeResponse(srv, serial, 0)

	srv.SetReadDeadline(time.Now().Add(retryDelay + 2*time.Second))
	code, _, _ := readFrame(t, srv)
	if code != codes.ReqRadioPower {
		t.Fatalf("expected a retried RADIO_POWER request, got %d", code)
	}
}

func TestReleaseOnTurnsRadioOff(t *testing.T) {
	path, conns := listenAndAccept(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := channel.New(path, "", nil)
	go ch.Run(ctx)
	srv := <-conns

	rc := New(ch, nil)
	go rc.Run(ctx)
	defer rc.Dispose()

	rc.RequestOn("test")
	_, serial, _ := readFrame(t, srv)
	writeStateChanged(srv, true)
	writeResponse(srv, serial, 0)

	rc.ReleaseOn("test")
	code, _, body := readFrame(t, srv)
	if code != codes.ReqRadioPower {
		t.Fatalf("expected RADIO_POWER, got %d", code)
	}
	vs, _ := wire.NewReader(body).Int32Array()
	if len(vs) != 1 || vs[0] != 0 {
		t.Fatalf("expected off request, got %v", vs)
	}
}
