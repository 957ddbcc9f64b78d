// Package simio implements SIM file I/O: transparent/linear/cyclic
// reads and writes plus file-info (GET RESPONSE) queries, issued as
// blocking SIM_IO requests against a slot's transport channel.
package simio

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/protei/rild/pkg/ril/channel"
	"github.com/protei/rild/pkg/ril/codes"
	"github.com/protei/rild/pkg/ril/queue"
	"github.com/protei/rild/pkg/ril/wire"
)

const ioTimeout = 20 * time.Second

// TS 27.007 +CRSM command bytes.
const (
	cmdReadBinary   = 176
	cmdReadRecord   = 178
	cmdGetResponse  = 192
	cmdUpdateBinary = 214
	cmdUpdateRecord = 220
)

// StructureType is the EF structure a file-info query reports.
type StructureType int

const (
	StructureTransparent StructureType = iota
	StructureLinearFixed
	StructureCyclic
)

// FileInfo is the decoded result of a GET RESPONSE query.
type FileInfo struct {
	Length        int
	RecordLength  int
	Structure     StructureType
	Invalidated   bool
}

// SWError is a non-success SIM_IO status word pair.
type SWError struct {
	SW1, SW2 int
}

func (e *SWError) Error() string {
	return fmt.Sprintf("simio: sw1=0x%02x sw2=0x%02x", e.SW1, e.SW2)
}

func swOK(sw1, sw2 int32) bool {
	switch sw1 {
	case 0x90:
		return sw2 == 0x00
	case 0x91, 0x9e, 0x9f:
		return true
	case 0x92:
		return sw2 != 0x40
	default:
		return false
	}
}

// Beacon receives SIM-I/O activity notifications, keyed by request
// serial, so the SimCard's idle-loop quiescence countdown (spec.md §4.3)
// can see when a flurry of SIM I/O starts and ends. *simcard.SimCard
// implements this directly.
type Beacon interface {
	SIMIOStarted(serial int32)
	SIMIOFinished(serial int32)
}

// Client issues SIM_IO requests for one slot. AID is resolved lazily via
// aidFunc so callers don't need to re-wire it whenever the active
// application changes.
type Client struct {
	ch      *channel.Channel
	q       *queue.Queue
	aidFunc func() string
	beacon  Beacon
}

// New returns a Client that submits SIM_IO requests over ch, cancelling
// them all when Dispose is called. aidFunc supplies the AID of the
// currently selected SIM application (or "" if none). beacon may be nil
// (e.g. a standalone diagnostic client with no SimCard to feed).
func New(ch *channel.Channel, aidFunc func() string, beacon Beacon) *Client {
	return &Client{ch: ch, q: queue.New(ch), aidFunc: aidFunc, beacon: beacon}
}

// Dispose cancels every SIM_IO request this client still has in flight.
func (c *Client) Dispose() { c.q.Dispose() }

func (c *Client) request(cmd, fileid int32, path string, p1, p2, p3 int32, data string, cb func(sw1, sw2 int32, data []byte, err error)) {
	w := wire.NewWriter()
	w.Int32(cmd)
	w.Int32(fileid)
	w.String(path, path != "")
	w.Int32(p1)
	w.Int32(p2)
	w.Int32(p3)
	w.String(data, data != "")
	w.String("", false) // pin2, never used for these operations
	aid := c.aidFunc()
	w.String(aid, aid != "")

	var serial int32
	finish := func() {
		if c.beacon != nil {
			c.beacon.SIMIOFinished(serial)
		}
	}

	serial = c.q.Submit(channel.Request{
		Code:     codes.ReqSIMIO,
		Body:     w.Bytes(),
		Timeout:  ioTimeout,
		Blocking: true,
		OnDone: func(status channel.Status, body []byte) {
			defer finish()
			if status != channel.StatusOK {
				cb(0, 0, nil, fmt.Errorf("simio: request failed: %s", status))
				return
			}
			sw1, sw2, data, err := parseResponse(body)
			if err != nil {
				cb(0, 0, nil, err)
				return
			}
			if !swOK(sw1, sw2) {
				cb(sw1, sw2, nil, &SWError{SW1: int(sw1), SW2: int(sw2)})
				return
			}
			cb(sw1, sw2, data, nil)
		},
	})
	if c.beacon != nil {
		c.beacon.SIMIOStarted(serial)
	}
}

func parseResponse(body []byte) (sw1, sw2 int32, data []byte, err error) {
	r := wire.NewReader(body)
	sw1, err = r.Int32()
	if err != nil {
		return 0, 0, nil, err
	}
	sw2, err = r.Int32()
	if err != nil {
		return 0, 0, nil, err
	}
	hexData, err := r.StringOr("")
	if err != nil {
		return 0, 0, nil, err
	}
	if hexData == "" {
		return sw1, sw2, nil, nil
	}
	data, err = hex.DecodeString(hexData)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("simio: malformed response data: %w", err)
	}
	return sw1, sw2, data, nil
}

// ReadTransparent reads length bytes starting at start from a transparent EF.
func (c *Client) ReadTransparent(fileid int, start, length int, path string, cb func(data []byte, err error)) {
	c.request(cmdReadBinary, int32(fileid), path, int32(start>>8), int32(start&0xff), int32(length),
		"", func(_, _ int32, data []byte, err error) { cb(data, err) })
}

// ReadLinear reads one record from a linear-fixed EF.
func (c *Client) ReadLinear(fileid, record, length int, path string, cb func(data []byte, err error)) {
	const modeAbsolute = 0x04
	c.request(cmdReadRecord, int32(fileid), path, int32(record), modeAbsolute, int32(length),
		"", func(_, _ int32, data []byte, err error) { cb(data, err) })
}

// ReadCyclic reads one record from a cyclic EF; the wire request is
// identical to ReadLinear, only the interpretation of record differs.
func (c *Client) ReadCyclic(fileid, record, length int, path string, cb func(data []byte, err error)) {
	c.ReadLinear(fileid, record, length, path, cb)
}

// WriteTransparent writes value at start into a transparent EF.
func (c *Client) WriteTransparent(fileid, start int, value []byte, path string, cb func(err error)) {
	c.request(cmdUpdateBinary, int32(fileid), path, int32(start>>8), int32(start&0xff), int32(len(value)),
		hex.EncodeToString(value), func(_, _ int32, _ []byte, err error) { cb(err) })
}

// WriteLinear writes value into one record of a linear-fixed EF.
func (c *Client) WriteLinear(fileid, record int, value []byte, path string, cb func(err error)) {
	const modeAbsolute = 0x04
	c.request(cmdUpdateRecord, int32(fileid), path, int32(record), modeAbsolute, int32(len(value)),
		hex.EncodeToString(value), func(_, _ int32, _ []byte, err error) { cb(err) })
}

// WriteCyclic appends value as the next record of a cyclic EF.
func (c *Client) WriteCyclic(fileid int, value []byte, path string, cb func(err error)) {
	const modePrevious = 0x03
	c.request(cmdUpdateRecord, int32(fileid), path, 0, modePrevious, int32(len(value)),
		hex.EncodeToString(value), func(_, _ int32, _ []byte, err error) { cb(err) })
}

// FileInfoQuery issues a GET RESPONSE for fileid and reports its parsed
// structure, or a SWError/decode error for an EF that doesn't exist.
func (c *Client) FileInfoQuery(fileid int, path string, cb func(*FileInfo, error)) {
	c.request(cmdGetResponse, int32(fileid), path, 0, 0, 15, "", func(_, _ int32, data []byte, err error) {
		if err != nil {
			cb(nil, err)
			return
		}
		info, err := parseFileInfo(data)
		cb(info, err)
	})
}

// parseFileInfo decodes either the 3G FCP template (leading tag 0x62) or
// the classic 2G fixed-offset GET RESPONSE format.
func parseFileInfo(data []byte) (*FileInfo, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("simio: empty file info response")
	}
	if data[0] == 0x62 {
		return parseFCP(data)
	}
	return parse2GResponse(data)
}

func parseFCP(data []byte) (*FileInfo, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("simio: truncated FCP template")
	}
	body := data[2:]
	info := &FileInfo{}
	for off := 0; off+2 <= len(body); {
		tag := body[off]
		length := int(body[off+1])
		off += 2
		if off+length > len(body) {
			break
		}
		val := body[off : off+length]
		switch tag {
		case 0x80: // file size
			info.Length = beInt(val)
		case 0x82: // file descriptor
			if len(val) >= 1 {
				switch val[0] & 0x07 {
				case 1:
					info.Structure = StructureTransparent
				case 6:
					info.Structure = StructureLinearFixed
				case 3:
					info.Structure = StructureCyclic
				}
			}
			if len(val) >= 5 {
				info.RecordLength = int(val[2])<<8 | int(val[3])
			} else if len(val) >= 3 {
				info.RecordLength = int(val[2])
			}
		case 0x8a: // life cycle status
			if len(val) >= 1 && val[0] == 0x00 {
				info.Invalidated = true
			}
		}
		off += length
	}
	return info, nil
}

func parse2GResponse(data []byte) (*FileInfo, error) {
	if len(data) < 15 {
		return nil, fmt.Errorf("simio: truncated 2G file info response")
	}
	info := &FileInfo{
		Length: int(data[2])<<8 | int(data[3]),
	}
	switch data[13] {
	case 0x00:
		info.Structure = StructureTransparent
	case 0x01:
		info.Structure = StructureLinearFixed
		info.RecordLength = int(data[14])
	case 0x03:
		info.Structure = StructureCyclic
		info.RecordLength = int(data[14])
	}
	if data[11] == 0x00 {
		info.Invalidated = true
	}
	return info, nil
}

func beInt(b []byte) int {
	v := 0
	for _, x := range b {
		v = v<<8 | int(x)
	}
	return v
}
