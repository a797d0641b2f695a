package bridge

import (
	"encoding/json"
	"strings"

	"fossibot-bridge/internal/errors"
	"fossibot-bridge/internal/modbus"
)

// switchRegisters maps command actions to their output switch registers.
var switchRegisters = map[string]uint16{
	"usb": modbus.RegSwitchUSB,
	"dc":  modbus.RegSwitchDC,
	"ac":  modbus.RegSwitchAC,
	"led": modbus.RegSwitchLED,
}

// ParseCommand turns a local command payload into a device command.
// Accepted forms:
//
//	{"action":"usb","value":true}
//	{"action":"ac_off"}            (legacy, value carried in the name)
//
// Unknown actions and malformed payloads come back as BadInput; the caller
// warns and drops, nothing propagates to the publisher.
func ParseCommand(payload []byte) (*modbus.Command, error) {
	const op = "parse command"

	var req struct {
		Action string `json:"action"`
		Value  *bool  `json:"value"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, errors.Input(op, "malformed command payload: %v", err)
	}

	action := strings.ToLower(strings.TrimSpace(req.Action))
	if base, on, ok := splitLegacyAction(action); ok {
		action = base
		req.Value = &on
	}

	register, ok := switchRegisters[action]
	if !ok {
		return nil, errors.Input(op, "unknown action %q", req.Action)
	}
	if req.Value == nil {
		return nil, errors.Input(op, "action %q needs a boolean value", req.Action)
	}

	return modbus.NewSwitchCommand(register, *req.Value)
}

// splitLegacyAction recognizes the one-word "usb_on"/"usb_off" command
// forms. The suffix always wins over an explicit value field.
func splitLegacyAction(action string) (base string, on, ok bool) {
	switch {
	case strings.HasSuffix(action, "_on"):
		return strings.TrimSuffix(action, "_on"), true, true
	case strings.HasSuffix(action, "_off"):
		return strings.TrimSuffix(action, "_off"), false, true
	}
	return "", false, false
}
