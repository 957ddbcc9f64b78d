// Package wire implements the RIL parcel codec: length-prefixed frames,
// UTF-16LE strings, int32 arrays and raw byte blobs.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf16"
)

// ErrTruncated is returned when a buffer ends before a declared field.
var ErrTruncated = errors.New("wire: truncated buffer")

// FrameTagResponse and FrameTagUnsolicited are the leading int32 of a
// reply frame, distinguishing a solicited response from an unsolicited
// event. Request frames carry the request code in that position instead,
// so these two values must never collide with a real request code.
const (
	FrameTagResponse    int32 = 0
	FrameTagUnsolicited int32 = 1
)

// nullLen is the wire encoding of a NULL string: a length of -1.
const nullLen int32 = -1

// Writer builds a RIL request/response body using native wire encodings.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer { return &Writer{} }

// Bytes returns the accumulated body, not including the frame length
// prefix (the Channel adds that when it writes the frame to the socket).
func (w *Writer) Bytes() []byte { return w.buf }

// Int32 appends a little-endian int32.
func (w *Writer) Int32(v int32) *Writer {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(v))
	w.buf = append(w.buf, tmp[:]...)
	return w
}

// Int32Array appends an int32 count followed by that many int32 values.
func (w *Writer) Int32Array(vs []int32) *Writer {
	w.Int32(int32(len(vs)))
	for _, v := range vs {
		w.Int32(v)
	}
	return w
}

// String appends a RIL string: UTF-16LE code units prefixed by their
// count as an int32, or -1 for a NULL string. Non-NULL strings are
// padded to a 4-byte boundary as the native parcel format requires.
func (w *Writer) String(s string, valid bool) *Writer {
	if !valid {
		w.Int32(nullLen)
		return w
	}
	units := utf16.Encode([]rune(s))
	w.Int32(int32(len(units)))
	for _, u := range units {
		var tmp [2]byte
		binary.LittleEndian.PutUint16(tmp[:], u)
		w.buf = append(w.buf, tmp[:]...)
	}
	w.pad()
	return w
}

// StringArray appends an int32 count followed by that many RIL strings.
func (w *Writer) StringArray(ss []string) *Writer {
	w.Int32(int32(len(ss)))
	for _, s := range ss {
		w.String(s, true)
	}
	return w
}

// Raw appends raw bytes with no length prefix of its own.
func (w *Writer) Raw(b []byte) *Writer {
	w.buf = append(w.buf, b...)
	return w
}

func (w *Writer) pad() {
	for len(w.buf)%4 != 0 {
		w.buf = append(w.buf, 0)
	}
}

// Reader parses a RIL response/unsolicited body.
type Reader struct {
	buf []byte
	off int
}

// NewReader wraps a body for sequential decoding.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Remaining reports how many bytes are left unconsumed.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

// Int32 reads a little-endian int32.
func (r *Reader) Int32() (int32, error) {
	if r.off+4 > len(r.buf) {
		return 0, ErrTruncated
	}
	v := int32(binary.LittleEndian.Uint32(r.buf[r.off : r.off+4]))
	r.off += 4
	return v, nil
}

// Int32Array reads a count-prefixed int32 array.
func (r *Reader) Int32Array() ([]int32, error) {
	n, err := r.Int32()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, fmt.Errorf("wire: negative array length %d", n)
	}
	out := make([]int32, n)
	for i := range out {
		v, err := r.Int32()
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// String reads a RIL string; the second return is false for NULL.
func (r *Reader) String() (string, bool, error) {
	n, err := r.Int32()
	if err != nil {
		return "", false, err
	}
	if n == nullLen {
		return "", false, nil
	}
	if n < 0 {
		return "", false, fmt.Errorf("wire: negative string length %d", n)
	}
	byteLen := int(n) * 2
	if r.off+byteLen > len(r.buf) {
		return "", false, ErrTruncated
	}
	units := make([]uint16, n)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(r.buf[r.off+i*2 : r.off+i*2+2])
	}
	r.off += byteLen
	r.skipPad()
	return string(utf16.Decode(units)), true, nil
}

// StringOr reads a RIL string, returning def when the wire value is NULL.
func (r *Reader) StringOr(def string) (string, error) {
	s, ok, err := r.String()
	if err != nil {
		return "", err
	}
	if !ok {
		return def, nil
	}
	return s, nil
}

// StringArray reads a count-prefixed array of RIL strings.
func (r *Reader) StringArray() ([]string, error) {
	n, err := r.Int32()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, fmt.Errorf("wire: negative array length %d", n)
	}
	out := make([]string, n)
	for i := range out {
		s, _, err := r.String()
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

// Raw reads n raw bytes.
func (r *Reader) Raw(n int) ([]byte, error) {
	if r.off+n > len(r.buf) {
		return nil, ErrTruncated
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *Reader) skipPad() {
	for r.off%4 != 0 && r.off < len(r.buf) {
		r.off++
	}
}

// FrameHeader describes the 4-byte length prefix used for every frame on
// the wire (request, response, or unsolicited), as seen by the socket
// reader before the body is dispatched to a Writer/Reader above.
type FrameHeader struct {
	Length uint32
}

// EncodeFrame prepends the big-endian 32-bit length prefix RIL frames use.
func EncodeFrame(body []byte) []byte {
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out[:4], uint32(len(body)))
	copy(out[4:], body)
	return out
}

// DecodeFrameLength reads the big-endian frame length prefix.
func DecodeFrameLength(header []byte) (uint32, error) {
	if len(header) < 4 {
		return 0, ErrTruncated
	}
	return binary.BigEndian.Uint32(header[:4]), nil
}
