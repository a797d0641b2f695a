package modbus

import (
	"fmt"

	"fossibot-bridge/internal/errors"
)

// ResponseClass describes how the device answers a command
type ResponseClass int

const (
	// ResponseImmediate commands are answered with an FC04 frame on
	// /client/04 within a couple of seconds (output switch writes).
	ResponseImmediate ResponseClass = iota
	// ResponseDelayed commands produce no direct answer; the effect shows
	// up in the next /client/data poll (settings writes).
	ResponseDelayed
	// ResponseRead commands request data that arrives on /client/data.
	ResponseRead
)

// String returns the string representation of the class
func (c ResponseClass) String() string {
	switch c {
	case ResponseImmediate:
		return "immediate"
	case ResponseDelayed:
		return "delayed"
	case ResponseRead:
		return "read-response"
	default:
		return "unknown"
	}
}

// RegisterTable tells the state projector which decoding table to apply to
// the response of a command.
type RegisterTable int

const (
	// TableInput is the FC04 live-telemetry table.
	TableInput RegisterTable = iota
	// TableHolding is the FC03 settings table.
	TableHolding
)

// Command is a validated, ready-to-send device command
type Command struct {
	frame    []byte
	register uint16
	value    uint16
	fc       byte
	class    ResponseClass
	table    RegisterTable
	desc     string
}

// Frame returns a copy of the wire bytes including CRC
func (c *Command) Frame() []byte {
	return append([]byte(nil), c.frame...)
}

// Register returns the addressed register (the read start for reads)
func (c *Command) Register() uint16 {
	return c.register
}

// Value returns the written value (the register count for reads)
func (c *Command) Value() uint16 {
	return c.value
}

// FunctionCode returns the Modbus function code
func (c *Command) FunctionCode() byte {
	return c.fc
}

// ResponseClass returns how the device is expected to answer
func (c *Command) ResponseClass() ResponseClass {
	return c.class
}

// Table returns the register table the response decodes against
func (c *Command) Table() RegisterTable {
	return c.table
}

// Description returns a short human description for log lines
func (c *Command) Description() string {
	return c.desc
}

// NewWriteCommand validates and builds an FC06 write-single-register
// command. Writing sleep time (register 68) to 0 is rejected: the device
// firmware interprets it as "sleep now" and the unit never wakes up again.
func NewWriteCommand(register, value int, class ResponseClass) (*Command, error) {
	if register < 0 || register > 0xFFFF {
		return nil, errors.Input("build write command", "register %d out of range [0,65535]", register)
	}
	if value < 0 || value > 0xFFFF {
		return nil, errors.Input("build write command", "value %d out of range [0,65535]", value)
	}
	if uint16(register) == RegSleepTime && value == 0 {
		return nil, errors.Input("build write command", "refusing to write sleep time 0 (bricks the device)")
	}

	reg := uint16(register)
	return &Command{
		frame:    BuildWriteSingle(reg, uint16(value)),
		register: reg,
		value:    uint16(value),
		fc:       FuncWriteSingle,
		class:    class,
		// FC06 writes are confirmed on the input-register path
		table: TableInput,
		desc:  fmt.Sprintf("write %s = %d", RegisterName(reg), value),
	}, nil
}

// NewSwitchCommand builds an output toggle write for the usb/dc/ac/led
// switch registers. Switch writes are answered immediately on /client/04.
func NewSwitchCommand(register uint16, on bool) (*Command, error) {
	if !IsSwitchRegister(register) {
		return nil, errors.Input("build switch command", "register %d is not an output switch", register)
	}
	value := 0
	if on {
		value = 1
	}
	cmd, err := NewWriteCommand(int(register), value, ResponseImmediate)
	if err != nil {
		return nil, err
	}
	cmd.desc = fmt.Sprintf("switch %s %s", RegisterName(register), onOff(on))
	return cmd, nil
}

// NewSettingCommand builds a settings write; the new value surfaces in the
// next /client/data poll.
func NewSettingCommand(register uint16, value int) (*Command, error) {
	if !IsSettingsRegister(register) {
		return nil, errors.Input("build setting command", "register %d is not a setting", register)
	}
	return NewWriteCommand(int(register), value, ResponseDelayed)
}

// NewReadAllInput builds the full-range FC04 read used to request a live
// telemetry snapshot.
func NewReadAllInput() *Command {
	frame, err := BuildReadInput(0, ReadAllCount)
	if err != nil {
		// constants; cannot fail
		panic(err)
	}
	return &Command{
		frame:    frame,
		register: 0,
		value:    ReadAllCount,
		fc:       FuncReadInput,
		class:    ResponseImmediate,
		table:    TableInput,
		desc:     fmt.Sprintf("read input registers 0..%d", ReadAllCount-1),
	}
}

// NewReadAllHolding builds the full-range FC03 read used to request the
// settings snapshot after connect.
func NewReadAllHolding() *Command {
	frame, err := BuildReadHolding(0, ReadAllCount)
	if err != nil {
		panic(err)
	}
	return &Command{
		frame:    frame,
		register: 0,
		value:    ReadAllCount,
		fc:       FuncReadHolding,
		class:    ResponseRead,
		table:    TableHolding,
		desc:     fmt.Sprintf("read holding registers 0..%d", ReadAllCount-1),
	}
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
