package network

import "github.com/protei/rild/pkg/ril/wire"

func stringArray(body []byte) ([]string, error) {
	return wire.NewReader(body).StringArray()
}

func encodeInt32(v int32) []byte {
	w := wire.NewWriter()
	w.Int32Array([]int32{v})
	return w.Bytes()
}

func decodeInt32(body []byte) (int32, error) {
	vs, err := wire.NewReader(body).Int32Array()
	if err != nil {
		return 0, err
	}
	if len(vs) == 0 {
		return 0, wire.ErrTruncated
	}
	return vs[0], nil
}
