package queue

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/protei/rild/pkg/ril/channel"
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

func TestSubmitTracksAndUntracksSerial(t *testing.T) {
	path, conns := listenAndAccept(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := channel.New(path, "", nil)
	go ch.Run(ctx)
	srv := <-conns

	q := New(ch)
	done := make(chan struct{})
	q.Submit(channel.Request{
		Code:   1,
		OnDone: func(channel.Status, []byte) { close(done) },
	})
	if q.Pending() != 1 {
		t.Fatalf("expected 1 pending, got %d", q.Pending())
	}

	var hdr [4]byte
	srv.Read(hdr[:])

	w := encodeOKResponse()
	srv.Write(w)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}

	deadline := time.Now().Add(time.Second)
	for q.Pending() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if q.Pending() != 0 {
		t.Fatalf("expected queue to forget completed serial, got %d pending", q.Pending())
	}
}

func TestDisposeCancelsOnlyOwnedSerials(t *testing.T) {
	path, conns := listenAndAccept(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := channel.New(path, "", nil)
	go ch.Run(ctx)
	<-conns

	q1 := New(ch)
	q2 := New(ch)

	var q1Status, q2Status channel.Status
	done1 := make(chan struct{})
	done2 := make(chan struct{})
	q1.Submit(channel.Request{Code: 1, OnDone: func(s channel.Status, _ []byte) { q1Status = s; close(done1) }})
	q2.Submit(channel.Request{Code: 2, OnDone: func(s channel.Status, _ []byte) { q2Status = s; close(done2) }})

	q1.Dispose()

	select {
	case <-done1:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for q1 disposal")
	}
	if q1Status != channel.StatusCancelled {
		t.Fatalf("expected q1 request cancelled, got %v", q1Status)
	}

	select {
	case <-done2:
		t.Fatal("q2's request must not be touched by q1.Dispose")
	case <-time.After(100 * time.Millisecond):
	}
	if q2.Pending() != 1 {
		t.Fatalf("expected q2 to still own its serial, got %d", q2.Pending())
	}
}

func encodeOKResponse() []byte {
	// frame: len-prefix | tag=0 (response) | serial=1 | status=0
	body := []byte{
		0, 0, 0, 0, // tag
		1, 0, 0, 0, // serial
		0, 0, 0, 0, // status
	}
	out := make([]byte, 4+len(body))
	out[0] = byte(len(body) >> 24)
	out[1] = byte(len(body) >> 16)
	out[2] = byte(len(body) >> 8)
	out[3] = byte(len(body))
	copy(out[4:], body)
	return out
}
