package serial

import (
	"encoding/binary"
	"fmt"

	"github.com/sigurn/crc16"
)

var ccittTable = crc16.MakeTable(crc16.CRC16_CCITT_FALSE)

// FrameError wraps a framing-level failure (bad length prefix, CRC
// mismatch) distinct from the underlying port I/O error.
type FrameError struct {
	Reason string
}

func (e *FrameError) Error() string { return fmt.Sprintf("serial: frame error: %s", e.Reason) }

// EncodeFrame wraps payload as "u16-le length | payload | u16-le CRC16
// (CCITT-FALSE) over payload".
func EncodeFrame(payload []byte) []byte {
	out := make([]byte, 2+len(payload)+2)
	binary.LittleEndian.PutUint16(out[0:2], uint16(len(payload)))
	copy(out[2:2+len(payload)], payload)
	crc := crc16.Checksum(payload, ccittTable)
	binary.LittleEndian.PutUint16(out[2+len(payload):], crc)
	return out
}

// DecodeFrame validates and strips the length prefix and CRC trailer,
// returning the payload. buf must contain exactly one frame.
func DecodeFrame(buf []byte) ([]byte, error) {
	if len(buf) < 4 {
		return nil, &FrameError{Reason: "buffer shorter than header+trailer"}
	}
	length := binary.LittleEndian.Uint16(buf[0:2])
	if int(length)+4 != len(buf) {
		return nil, &FrameError{Reason: "length prefix does not match buffer size"}
	}
	payload := buf[2 : 2+length]
	wantCRC := binary.LittleEndian.Uint16(buf[2+length:])
	gotCRC := crc16.Checksum(payload, ccittTable)
	if wantCRC != gotCRC {
		return nil, &FrameError{Reason: "crc mismatch"}
	}
	return payload, nil
}
