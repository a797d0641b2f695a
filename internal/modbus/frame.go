package modbus

import (
	"encoding/binary"
	"fmt"
)

// FrameErrorKind classifies why a frame was rejected
type FrameErrorKind int

const (
	FrameTooShort FrameErrorKind = iota
	BadCRC
	FunctionMismatch
	ByteCountMismatch
	UnsupportedFunction
)

// String returns the string representation of the kind
func (k FrameErrorKind) String() string {
	switch k {
	case FrameTooShort:
		return "FrameTooShort"
	case BadCRC:
		return "BadCRC"
	case FunctionMismatch:
		return "FunctionMismatch"
	case ByteCountMismatch:
		return "ByteCountMismatch"
	case UnsupportedFunction:
		return "UnsupportedFunction"
	default:
		return "Unknown"
	}
}

// FrameError describes a rejected frame
type FrameError struct {
	Kind   FrameErrorKind
	Detail string
}

// Error implements the error interface
func (e *FrameError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	}
	return e.Kind.String()
}

// Is matches any FrameError of the same kind, so callers can compare
// against the exported sentinels with errors.Is.
func (e *FrameError) Is(target error) bool {
	t, ok := target.(*FrameError)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons
var (
	ErrFrameTooShort       = &FrameError{Kind: FrameTooShort}
	ErrBadCRC              = &FrameError{Kind: BadCRC}
	ErrFunctionMismatch    = &FrameError{Kind: FunctionMismatch}
	ErrByteCountMismatch   = &FrameError{Kind: ByteCountMismatch}
	ErrUnsupportedFunction = &FrameError{Kind: UnsupportedFunction}
)

func frameErrorf(kind FrameErrorKind, format string, args ...interface{}) *FrameError {
	return &FrameError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// BuildWriteSingle builds an FC06 write-single-register frame with CRC
func BuildWriteSingle(register, value uint16) []byte {
	frame := []byte{
		SlaveID, FuncWriteSingle,
		byte(register >> 8), byte(register),
		byte(value >> 8), byte(value),
	}
	return AppendCRC(frame)
}

// BuildReadHolding builds an FC03 read-holding-registers frame with CRC
func BuildReadHolding(start, count uint16) ([]byte, error) {
	return buildRead(FuncReadHolding, start, count)
}

// BuildReadInput builds an FC04 read-input-registers frame with CRC
func BuildReadInput(start, count uint16) ([]byte, error) {
	return buildRead(FuncReadInput, start, count)
}

func buildRead(fc byte, start, count uint16) ([]byte, error) {
	if count < 1 || count > 125 {
		return nil, fmt.Errorf("register count %d out of range [1,125]", count)
	}
	if uint32(start)+uint32(count) > 65536 {
		return nil, fmt.Errorf("read %d..%d exceeds address space", start, uint32(start)+uint32(count)-1)
	}
	frame := []byte{
		SlaveID, fc,
		byte(start >> 8), byte(start),
		byte(count >> 8), byte(count),
	}
	return AppendCRC(frame), nil
}

// ParseReadResponse parses an FC03/FC04 read response into a register map.
// start names the first register of the read window: 0 for the device's
// spontaneous full-range pushes, the requested start otherwise.
func ParseReadResponse(frame []byte, wantFC byte, start uint16) (map[uint16]uint16, error) {
	if wantFC != FuncReadHolding && wantFC != FuncReadInput {
		return nil, frameErrorf(UnsupportedFunction, "function 0x%02X is not a read", wantFC)
	}
	// slave + fc + byte count + one register + crc
	if len(frame) < 7 {
		return nil, frameErrorf(FrameTooShort, "%d bytes", len(frame))
	}
	if !VerifyCRC(frame) {
		return nil, frameErrorf(BadCRC, "frame of %d bytes", len(frame))
	}
	if fc := frame[1]; fc != wantFC {
		return nil, frameErrorf(FunctionMismatch, "got 0x%02X, want 0x%02X", fc, wantFC)
	}

	byteCount := int(frame[2])
	payload := frame[3 : len(frame)-2]
	if len(payload) != byteCount || byteCount%2 != 0 {
		return nil, frameErrorf(ByteCountMismatch, "declared %d, payload %d", byteCount, len(payload))
	}

	registers := make(map[uint16]uint16, byteCount/2)
	for i := 0; i < byteCount/2; i++ {
		registers[start+uint16(i)] = binary.BigEndian.Uint16(payload[2*i : 2*i+2])
	}
	return registers, nil
}

// ParseWriteEcho parses an FC06 response, which echoes the request. Returns
// the confirmed register and value.
func ParseWriteEcho(frame []byte) (register, value uint16, err error) {
	if len(frame) < 8 {
		return 0, 0, frameErrorf(FrameTooShort, "%d bytes", len(frame))
	}
	if len(frame) > 8 {
		return 0, 0, frameErrorf(ByteCountMismatch, "fc06 echo of %d bytes", len(frame))
	}
	if !VerifyCRC(frame) {
		return 0, 0, frameErrorf(BadCRC, "frame of %d bytes", len(frame))
	}
	if fc := frame[1]; fc != FuncWriteSingle {
		return 0, 0, frameErrorf(FunctionMismatch, "got 0x%02X, want 0x%02X", fc, FuncWriteSingle)
	}

	register = binary.BigEndian.Uint16(frame[2:4])
	value = binary.BigEndian.Uint16(frame[4:6])
	return register, value, nil
}
