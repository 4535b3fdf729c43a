package candispatch

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Flag bits folded into a header's dispatch key, laid out like a Linux
// can_id.
const (
	ExtendedFlag uint32 = 1 << 31
	RTRFlag      uint32 = 1 << 30
	ErrorFlag    uint32 = 1 << 29

	StandardIDMask uint32 = 0x7FF
	ExtendedIDMask uint32 = 0x1FFFFFFF

	// MaxDLC is the largest classic CAN payload.
	MaxDLC = 8
)

// Header identifies a frame. Its Key is what filtered listeners match on.
type Header struct {
	ID       uint32
	Extended bool
	RTR      bool
	Error    bool
}

// Key packs the identifier and flags into one value. Two headers with the
// same ID but different flags have different keys.
func (h Header) Key() uint32 {
	k := h.ID & ExtendedIDMask
	if h.Extended {
		k |= ExtendedFlag
	}
	if h.RTR {
		k |= RTRFlag
	}
	if h.Error {
		k |= ErrorFlag
	}
	return k
}

// HeaderFromKey reverses Key.
func HeaderFromKey(k uint32) Header {
	return Header{
		ID:       k & ExtendedIDMask,
		Extended: k&ExtendedFlag != 0,
		RTR:      k&RTRFlag != 0,
		Error:    k&ErrorFlag != 0,
	}
}

// Valid reports whether the identifier fits the addressing mode.
func (h Header) Valid() bool {
	if h.Extended {
		return h.ID&^ExtendedIDMask == 0
	}
	return h.ID&^StandardIDMask == 0
}

func (h Header) String() string {
	var b strings.Builder
	if h.Extended {
		fmt.Fprintf(&b, "%08X", h.ID)
	} else {
		fmt.Fprintf(&b, "%03X", h.ID)
	}
	if h.RTR {
		b.WriteString("#R")
	}
	if h.Error {
		b.WriteString("#E")
	}
	return b.String()
}

// Frame is a classic CAN frame.
type Frame struct {
	Header
	DLC  uint8
	Data [MaxDLC]byte
}

// NewFrame builds a frame carrying data. It fails for payloads longer than
// MaxDLC or headers that are not Valid.
func NewFrame(h Header, data []byte) (Frame, error) {
	if len(data) > MaxDLC {
		return Frame{}, fmt.Errorf("%w: %d data bytes", ErrInvalidFrame, len(data))
	}
	if !h.Valid() {
		return Frame{}, fmt.Errorf("%w: id %#x out of range", ErrInvalidFrame, h.ID)
	}
	f := Frame{Header: h, DLC: uint8(len(data))}
	copy(f.Data[:], data)
	return f, nil
}

// Valid reports whether the frame can be put on the wire.
func (f Frame) Valid() bool {
	return f.Header.Valid() && f.DLC <= MaxDLC
}

// Payload returns the first DLC data bytes.
func (f Frame) Payload() []byte {
	n := min(int(f.DLC), MaxDLC)
	return f.Data[:n]
}

// String renders the frame in candump-like notation, e.g. "123#DEADBEEF".
func (f Frame) String() string {
	if f.RTR {
		return f.Header.String()
	}
	return f.Header.String() + "#" + strings.ToUpper(hex.EncodeToString(f.Payload()))
}

// DriverState is the coarse lifecycle state of a transport.
type DriverState uint8

const (
	Closed DriverState = iota
	Open
	Ready
)

func (s DriverState) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case Ready:
		return "ready"
	default:
		return fmt.Sprintf("DriverState(%d)", uint8(s))
	}
}

// State is a bus state snapshot. InternalError holds the driver-specific
// error classes, see TranslateError.
type State struct {
	Driver        DriverState
	InternalError uint32
}

// IsReady reports whether frames can be sent.
func (s State) IsReady() bool { return s.Driver == Ready }

func (s State) String() string {
	if s.InternalError == 0 {
		return s.Driver.String()
	}
	return fmt.Sprintf("%s (error %#x)", s.Driver, s.InternalError)
}

// Error classes reported in State.InternalError. Values match the Linux
// CAN_ERR_* class bits.
const (
	ClassTxTimeout       uint32 = 0x001
	ClassLostArbitration uint32 = 0x002
	ClassController      uint32 = 0x004
	ClassProtocol        uint32 = 0x008
	ClassTransceiver     uint32 = 0x010
	ClassNoAck           uint32 = 0x020
	ClassBusOff          uint32 = 0x040
	ClassBusError        uint32 = 0x080
	ClassRestarted       uint32 = 0x100
)

var errorClasses = []struct {
	bit  uint32
	text string
}{
	{ClassTxTimeout, "TX timeout"},
	{ClassLostArbitration, "lost arbitration"},
	{ClassController, "controller problem"},
	{ClassProtocol, "protocol violation"},
	{ClassTransceiver, "transceiver status"},
	{ClassNoAck, "no ACK on transmission"},
	{ClassBusOff, "bus off"},
	{ClassBusError, "bus error"},
	{ClassRestarted, "controller restarted"},
}

// TranslateError renders an error class mask as text. It returns false when
// the mask carries bits that are not known error classes; the text still
// lists the known ones.
func TranslateError(code uint32) (string, bool) {
	if code == 0 {
		return "OK", true
	}
	var parts []string
	rest := code
	for _, c := range errorClasses {
		if code&c.bit != 0 {
			parts = append(parts, c.text)
			rest &^= c.bit
		}
	}
	if rest != 0 {
		parts = append(parts, fmt.Sprintf("unknown error %#x", rest))
	}
	return strings.Join(parts, "; "), rest == 0
}
