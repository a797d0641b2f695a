package modbus

// SlaveID is the slave address used by every power station on the vendor
// bus. It is constant for the whole product line and never used to
// demultiplex devices; the MQTT topic carries the device identity.
const SlaveID = 0x11

// Function codes understood by the devices
const (
	FuncReadHolding = 0x03
	FuncReadInput   = 0x04
	FuncWriteSingle = 0x06
)

// ReadAllCount is the register span of a full-range read. The devices
// expose their state in registers 0..79.
const ReadAllCount = 80

// Output switch registers (FC06 writes, answered on /client/04)
const (
	RegSwitchUSB uint16 = 24
	RegSwitchDC  uint16 = 25
	RegSwitchAC  uint16 = 26
	RegSwitchLED uint16 = 27
)

// Live telemetry registers (input table, /client/04)
const (
	RegDCInputWatts uint16 = 4
	RegTotalInput   uint16 = 6
	RegTotalOutput  uint16 = 39
	RegOutputBits   uint16 = 41
	RegSoC          uint16 = 56
)

// Settings registers (holding table, /client/data)
const (
	RegMaxChargingCurrent   uint16 = 20
	RegACSilentCharging     uint16 = 57
	RegUSBStandbyTime       uint16 = 59
	RegACStandbyTime        uint16 = 60
	RegDCStandbyTime        uint16 = 61
	RegScreenRestTime       uint16 = 62
	RegACChargingTimer      uint16 = 63
	RegDischargeLowerLimit  uint16 = 66
	RegACChargingUpperLimit uint16 = 67
	RegSleepTime            uint16 = 68
)

var registerNames = map[uint16]string{
	RegSwitchUSB:            "USB output",
	RegSwitchDC:             "DC output",
	RegSwitchAC:             "AC output",
	RegSwitchLED:            "LED output",
	RegDCInputWatts:         "DC input power",
	RegTotalInput:           "total input power",
	RegTotalOutput:          "total output power",
	RegOutputBits:           "output switch bits",
	RegSoC:                  "state of charge",
	RegMaxChargingCurrent:   "max charging current",
	RegACSilentCharging:     "AC silent charging",
	RegUSBStandbyTime:       "USB standby time",
	RegACStandbyTime:        "AC standby time",
	RegDCStandbyTime:        "DC standby time",
	RegScreenRestTime:       "screen rest time",
	RegACChargingTimer:      "AC charging timer",
	RegDischargeLowerLimit:  "discharge lower limit",
	RegACChargingUpperLimit: "AC charging upper limit",
	RegSleepTime:            "sleep time",
}

// RegisterName returns a human-readable name for log lines
func RegisterName(register uint16) string {
	if name, ok := registerNames[register]; ok {
		return name
	}
	return "register"
}

// IsSwitchRegister reports whether the register controls an output switch
func IsSwitchRegister(register uint16) bool {
	switch register {
	case RegSwitchUSB, RegSwitchDC, RegSwitchAC, RegSwitchLED:
		return true
	}
	return false
}

// IsSettingsRegister reports whether the register belongs to the settings
// group, which is authoritative only on the polling path.
func IsSettingsRegister(register uint16) bool {
	switch register {
	case RegMaxChargingCurrent, RegACSilentCharging,
		RegUSBStandbyTime, RegACStandbyTime, RegDCStandbyTime,
		RegScreenRestTime, RegACChargingTimer,
		RegDischargeLowerLimit, RegACChargingUpperLimit, RegSleepTime:
		return true
	}
	return false
}

// IsPowerRegister reports whether the register carries live power
// telemetry, taken only from immediate responses.
func IsPowerRegister(register uint16) bool {
	switch register {
	case RegDCInputWatts, RegTotalInput, RegTotalOutput:
		return true
	}
	return false
}
