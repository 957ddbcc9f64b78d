package vendorhook

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

func TestVendorEventTranslatedToStandardCode(t *testing.T) {
	path, conns := listenAndAccept(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := channel.New(path, "", nil)
	go ch.Run(ctx)
	srv := <-conns

	hook := New(ch, nil)
	defer hook.Dispose()

	got := make(chan []byte, 1)
	ch.SubscribeUnsol(codes.UnsolSIMStatusChanged, func(body []byte) { got <- body })

	w := wire.NewWriter()
	w.Int32(wire.FrameTagUnsolicited)
	w.Int32(3002) // MTK vendor SIM status alias
	w.Raw([]byte{9, 9})
	srv.Write(wire.EncodeFrame(w.Bytes()))

	select {
	case body := <-got:
		if len(body) != 2 || body[0] != 9 {
			t.Fatalf("unexpected translated body: %v", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for translated unsol")
	}
}
