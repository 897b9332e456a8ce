package canguard

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MaxPayload is the classic CAN data field limit.
const MaxPayload = 8

// MaxIdentifier is the highest extended (29-bit) arbitration identifier.
const MaxIdentifier = 0x1FFFFFFF

// Frame is a single received CAN message. It is a value type: callers hand
// it to the engine for one classification and the engine copies it into the
// traffic window if admitted.
type Frame struct {
	ID        uint32
	DLC       uint8
	Data      [MaxPayload]byte
	Timestamp time.Time
}

// Payload returns only the bytes covered by the declared length. Bytes
// beyond the DLC are never exposed, even if the raw buffer carries them.
func (f Frame) Payload() []byte {
	n := int(f.DLC)
	if n > MaxPayload {
		n = MaxPayload
	}
	return f.Data[:n]
}

// Extended reports whether the identifier needs the 29-bit format.
func (f Frame) Extended() bool {
	return f.ID > 0x7FF
}

func (f Frame) String() string {
	return fmt.Sprintf("ID=0x%03X DLC=%d data=%s", f.ID, f.DLC, strings.ToUpper(hex.EncodeToString(f.Payload())))
}

// SplitCandumpLines breaks a raw capture into lines for ParseCandumpLine.
// Both Unix and CRLF captures are accepted.
func SplitCandumpLines(data []byte) []string {
	return strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
}

// ParseCandumpLine parses one line of a candump log, the format replay
// captures are stored in:
//
//	(1633024800.123456) can0 123#0102030405060708
//
// The timestamp prefix is optional; without it the current time is used.
// Comment lines and anything unparseable return ok=false.
func ParseCandumpLine(line string) (Frame, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return Frame{}, false
	}

	ts := time.Now()
	if strings.HasPrefix(line, "(") {
		end := strings.Index(line, ")")
		if end < 0 {
			return Frame{}, false
		}
		sec, err := strconv.ParseFloat(line[1:end], 64)
		if err != nil {
			return Frame{}, false
		}
		ts = time.Unix(0, int64(sec*float64(time.Second)))
		line = strings.TrimSpace(line[end+1:])
	}

	parts := strings.Fields(line)
	if len(parts) < 2 {
		return Frame{}, false
	}
	idStr, dataHex, found := strings.Cut(parts[1], "#")
	if !found {
		return Frame{}, false
	}
	id, err := strconv.ParseUint(idStr, 16, 32)
	if err != nil || id > MaxIdentifier {
		return Frame{}, false
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil || len(data) > MaxPayload {
		return Frame{}, false
	}

	frame := Frame{
		ID:        uint32(id),
		DLC:       uint8(len(data)),
		Timestamp: ts,
	}
	copy(frame.Data[:], data)
	return frame, true
}
