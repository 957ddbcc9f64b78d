package wire

import "testing"

func TestStringRoundTrip(t *testing.T) {
	w := NewWriter()
	w.String("hello", true)
	w.String("", false)
	w.Int32(42)

	r := NewReader(w.Bytes())
	s, ok, err := r.String()
	if err != nil || !ok || s != "hello" {
		t.Fatalf("got %q %v %v", s, ok, err)
	}
	s, ok, err = r.String()
	if err != nil || ok {
		t.Fatalf("expected NULL string, got %q %v %v", s, ok, err)
	}
	n, err := r.Int32()
	if err != nil || n != 42 {
		t.Fatalf("got %d %v", n, err)
	}
}

func TestInt32ArrayRoundTrip(t *testing.T) {
	w := NewWriter()
	w.Int32Array([]int32{1, 2, 3})

	r := NewReader(w.Bytes())
	got, err := r.Int32Array()
	if err != nil {
		t.Fatal(err)
	}
	want := []int32{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestStringArrayRoundTrip(t *testing.T) {
	w := NewWriter()
	w.StringArray([]string{"a", "bb", "ccc"})

	r := NewReader(w.Bytes())
	got, err := r.StringArray()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a", "bb", "ccc"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestFrameLength(t *testing.T) {
	body := []byte{1, 2, 3, 4, 5}
	frame := EncodeFrame(body)
	n, err := DecodeFrameLength(frame)
	if err != nil {
		t.Fatal(err)
	}
	if n != uint32(len(body)) {
		t.Fatalf("got %d want %d", n, len(body))
	}
}

func TestTruncated(t *testing.T) {
	r := NewReader([]byte{1, 2})
	if _, err := r.Int32(); err != ErrTruncated {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}
