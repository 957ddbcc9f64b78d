package channel

import (
	"context"
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/protei/rild/pkg/ril/wire"
)

// listenAndAccept starts a UNIX listener at a temp path and returns the
// accepted server-side connection via a channel, mimicking a RIL peer.
func listenAndAccept(t *testing.T) (path string, conns <-chan net.Conn) {
	t.Helper()
	dir := t.TempDir()
	path = filepath.Join(dir, "rild.sock")
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
	n := binary.BigEndian.Uint32(hdr[:])
	body := make([]byte, n)
	read := 0
	for read < int(n) {
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

func writeResponse(t *testing.T, conn net.Conn, serial, status int32, body []byte) {
	t.Helper()
	w := wire.NewWriter()
	w.Int32(wire.FrameTagResponse)
	w.Int32(serial)
	w.Int32(status)
	w.Raw(body)
	conn.Write(wire.EncodeFrame(w.Bytes()))
}

func TestSubmitAndResponse(t *testing.T) {
	path, conns := listenAndAccept(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := New(path, "", nil)
	go ch.Run(ctx)

	srv := <-conns

	done := make(chan Status, 1)
	serial := ch.Submit(Request{
		Code: 123,
		Body: []byte{1, 2, 3},
		OnDone: func(status Status, body []byte) {
			done <- status
		},
	})
	if serial != 1 {
		t.Fatalf("expected serial 1, got %d", serial)
	}

	code, gotSerial, _ := readFrame(t, srv)
	if code != 123 || gotSerial != 1 {
		t.Fatalf("got code=%d serial=%d", code, gotSerial)
	}
	writeResponse(t, srv, 1, 0, nil)

	select {
	case status := <-done:
		if status != StatusOK {
			t.Fatalf("expected OK, got %v", status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
	}
}

func TestCancelNotify(t *testing.T) {
	path, conns := listenAndAccept(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := New(path, "", nil)
	go ch.Run(ctx)
	<-conns

	done := make(chan Status, 1)
	serial := ch.Submit(Request{
		Code:   1,
		OnDone: func(status Status, _ []byte) { done <- status },
	})
	ch.Cancel(serial, true)

	select {
	case status := <-done:
		if status != StatusCancelled {
			t.Fatalf("expected cancelled, got %v", status)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}

func TestDropDoesNotNotify(t *testing.T) {
	path, conns := listenAndAccept(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := New(path, "", nil)
	go ch.Run(ctx)
	<-conns

	called := false
	serial := ch.Submit(Request{
		Code:   1,
		OnDone: func(Status, []byte) { called = true },
	})
	ch.Drop(serial)
	time.Sleep(50 * time.Millisecond)
	if called {
		t.Fatal("OnDone should not fire on Drop")
	}
	if ch.PendingCount() != 0 {
		t.Fatal("expected no pending requests after drop")
	}
}

func TestBlockingSerializesSubmission(t *testing.T) {
	path, conns := listenAndAccept(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := New(path, "", nil)
	go ch.Run(ctx)
	srv := <-conns

	done1 := make(chan struct{})
	serial1 := ch.Submit(Request{
		Code:     1,
		Blocking: true,
		OnDone:   func(Status, []byte) { close(done1) },
	})
	_, _, _ = readFrame(t, srv)

	done2 := make(chan struct{})
	ch.Submit(Request{
		Code:   2,
		OnDone: func(Status, []byte) { close(done2) },
	})

	// second request must not be written until the first completes.
	srv.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	var hdr [4]byte
	if _, err := srv.Read(hdr[:]); err == nil {
		t.Fatal("expected no second frame while blocking request is outstanding")
	}
	srv.SetReadDeadline(time.Time{})

	writeResponse(t, srv, serial1, 0, nil)
	<-done1

	code, _, _ := readFrame(t, srv)
	if code != 2 {
		t.Fatalf("expected queued request code 2, got %d", code)
	}
}

func TestRetryOnFailure(t *testing.T) {
	path, conns := listenAndAccept(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := New(path, "", nil)
	go ch.Run(ctx)
	srv := <-conns

	done := make(chan Status, 1)
	serial := ch.Submit(Request{
		Code:  1,
		Retry: RetryPolicy{DelayMS: 10, MaxAttempts: 2},
		OnDone: func(status Status, _ []byte) {
			done <- status
		},
	})

	_, _, _ = readFrame(t, srv)
	writeResponse(t, srv, serial, 1, nil) // generic failure -> retry

	_, gotSerial, _ := readFrame(t, srv)
	if gotSerial != serial {
		t.Fatalf("retry must keep serial stable, got %d want %d", gotSerial, serial)
	}
	writeResponse(t, srv, serial, 0, nil)

	select {
	case status := <-done:
		if status != StatusOK {
			t.Fatalf("expected eventual OK, got %v", status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

func TestDisconnectCancelsPending(t *testing.T) {
	path, conns := listenAndAccept(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := New(path, "", nil)
	ch.reconnectDelay = time.Hour
	go ch.Run(ctx)
	srv := <-conns

	done := make(chan Status, 1)
	ch.Submit(Request{Code: 1, OnDone: func(status Status, _ []byte) { done <- status }})
	srv.Close()

	select {
	case status := <-done:
		if status != StatusCancelled {
			t.Fatalf("expected cancelled on disconnect, got %v", status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}
