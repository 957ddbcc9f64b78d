package slot

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/protei/rild/pkg/config"
	"github.com/protei/rild/pkg/network"
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

func writeResponse(conn net.Conn, serial, status int32, body []byte) {
	w := wire.NewWriter()
	w.Int32(wire.FrameTagResponse)
	w.Int32(serial)
	w.Int32(status)
	w.Raw(body)
	conn.Write(wire.EncodeFrame(w.Bytes()))
}

func encodeDeviceIdentity(imei, imeisv string) []byte {
	w := wire.NewWriter()
	w.String(imei, true)
	w.String(imeisv, true)
	w.String("", false)
	w.String("", false)
	return w.Bytes()
}

func encodeEmptySimStatus() []byte {
	w := wire.NewWriter()
	w.Int32(1) // CardPresent
	w.Int32(0) // universal pin
	w.Int32(-1)
	w.Int32(-1)
	w.Int32(-1)
	w.Int32(0) // app count
	return w.Bytes()
}

func TestRunLiftsGateOnceIMEIAndSIMStatusArrive(t *testing.T) {
	path, conns := listenAndAccept(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.SlotConfig{Index: 0, SocketPath: path}
	cfg.DataCallRetryLimit = 4
	cfg.NetworkModeTimeout = 20 * time.Second

	s := New(cfg, nil)
	go s.Run(ctx)
	defer s.Dispose()

	ready := make(chan struct{}, 1)
	s.OnReady(func(*Slot) { ready <- struct{}{} })

	srv := <-conns

	seenIMEI, seenStatus := false, false
	for i := 0; i < 2; i++ {
		code, serial, _ := readFrame(t, srv)
		switch code {
		case codes.ReqDeviceIdentity:
			seenIMEI = true
			writeResponse(srv, serial, 0, encodeDeviceIdentity("123456789012345", "01"))
		case codes.ReqGetSIMStatus:
			seenStatus = true
			writeResponse(srv, serial, 0, encodeEmptySimStatus())
		default:
			t.Fatalf("unexpected request code %d", code)
		}
	}
	if !seenIMEI || !seenStatus {
		t.Fatalf("expected both DEVICE_IDENTITY and GET_SIM_STATUS requests")
	}

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for gate to lift")
	}

	id := s.Identity()
	if id.IMEI != "123456789012345" || id.IMEISV != "01" {
		t.Fatalf("unexpected identity: %+v", id)
	}
}

func TestTechCeilingDerivesFromConfiguredTechnologies(t *testing.T) {
	cases := []struct {
		name  string
		techs []string
		want  network.AllowedTech
	}{
		{"unset defaults to all", nil, network.TechAll},
		{"explicit all", []string{"all"}, network.TechAll},
		{"gsm only", []string{"gsm"}, network.TechGSMOnly},
		{"umts caps below lte", []string{"gsm", "umts"}, network.TechUpToUMTS},
		{"lte present means no ceiling", []string{"gsm", "umts", "lte"}, network.TechAll},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.SlotConfig{Index: 0, SocketPath: "/tmp/x", Technologies: tc.techs}
			if got := techCeiling(cfg); got != tc.want {
				t.Fatalf("techCeiling(%v) = %v, want %v", tc.techs, got, tc.want)
			}
		})
	}
}

func TestClampToGSMOnlyNoopWithoutHandoverEligibility(t *testing.T) {
	path, conns := listenAndAccept(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.SlotConfig{Index: 1, SocketPath: path}
	s := New(cfg, nil)
	go s.Run(ctx)
	defer s.Dispose()
	<-conns

	// No RADIO_CAPABILITY response was ever delivered, so handoverEligible
	// stays false and ClampToGSMOnly must be a no-op rather than blocking.
	done := make(chan struct{})
	go func() { s.ClampToGSMOnly(true); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ClampToGSMOnly blocked")
	}
}
