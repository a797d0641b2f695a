// Package state projects decoded register maps into per-device state
// records and arbitrates between the two inbound paths: immediate command
// responses are authoritative, periodic polling data is subordinate and
// may not touch the output switches inside the priority window.
package state

import (
	"math"
	"sync"
	"time"

	"fossibot-bridge/internal/logger"
	"fossibot-bridge/internal/metrics"
	"fossibot-bridge/internal/modbus"
	"fossibot-bridge/internal/topics"
)

// PriorityWindow is how long polling updates must leave the output
// switches alone after an immediate update. Hardware-measured: the devices
// keep reporting the pre-command bitfield on the polling path for roughly
// half a minute after a switch flips.
const PriorityWindow = 35 * time.Second

// Source tags where the latest applied update came from
type Source string

const (
	SourceSpontaneous Source = "spontaneous"
	SourceCommand     Source = "command"
	SourcePolling     Source = "polling"
)

// Snapshot is the externally visible state of one device. Value copy;
// safe to hand out.
type Snapshot struct {
	SoC          float64 `json:"soc"`
	InputWatts   int     `json:"inputWatts"`
	OutputWatts  int     `json:"outputWatts"`
	DCInputWatts int     `json:"dcInputWatts"`

	USBOutput bool `json:"usbOutput"`
	ACOutput  bool `json:"acOutput"`
	DCOutput  bool `json:"dcOutput"`
	LEDOutput bool `json:"ledOutput"`

	MaxChargingCurrent   int     `json:"maxChargingCurrent"`   // ampere
	DischargeLowerLimit  float64 `json:"dischargeLowerLimit"`  // percent
	ACChargingUpperLimit float64 `json:"acChargingUpperLimit"` // percent
	ACSilentCharging     bool    `json:"acSilentCharging"`
	USBStandbyTime       int     `json:"usbStandbyTime"`  // minutes
	ACStandbyTime        int     `json:"acStandbyTime"`   // minutes
	DCStandbyTime        int     `json:"dcStandbyTime"`   // minutes
	ScreenRestTime       int     `json:"screenRestTime"`  // seconds
	ACChargingTimer      int     `json:"acChargingTimer"` // minutes
	SleepTime            int     `json:"sleepTime"`       // minutes, never 0

	LastFullUpdate   time.Time `json:"lastFullUpdate"`
	LastOutputUpdate time.Time `json:"lastOutputUpdate"`
	LastSocUpdate    time.Time `json:"lastSocUpdate"`
	LastUpdateSource Source    `json:"lastUpdateSource"`
}

// Projector holds one state record per MAC and applies inbound register
// maps according to the topic-priority rules.
type Projector struct {
	mu     sync.Mutex
	states map[string]*Snapshot

	window   time.Duration
	now      func() time.Time
	onChange func(mac string, snapshot Snapshot)
}

// NewProjector creates a projector. onChange fires outside the projector
// lock after every applied update; nil is allowed.
func NewProjector(onChange func(mac string, snapshot Snapshot)) *Projector {
	return &Projector{
		states:   make(map[string]*Snapshot),
		window:   PriorityWindow,
		now:      time.Now,
		onChange: onChange,
	}
}

// Apply projects one decoded frame into the device's state. Returns true
// when at least one field was applied.
func (p *Projector) Apply(mac string, route topics.Route, regs map[uint16]uint16, wasCommandTriggered bool) bool {
	snapshot, applied := p.apply(mac, route, regs, wasCommandTriggered)
	if !applied {
		return false
	}
	if _, ok := regs[modbus.RegSoC]; ok && route == topics.RouteImmediate {
		metrics.SetDeviceSoC(mac, snapshot.SoC)
	}
	if p.onChange != nil {
		p.onChange(mac, snapshot)
	}
	return true
}

func (p *Projector) apply(mac string, route topics.Route, regs map[uint16]uint16, wasCommandTriggered bool) (Snapshot, bool) {
	if len(regs) == 0 {
		return Snapshot{}, false
	}
	if route != topics.RouteImmediate && route != topics.RoutePolling {
		logger.LogDebug("Ignoring %s frame for %s", route, mac)
		return Snapshot{}, false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Work on a copy; a fully suppressed frame must leave no trace, not
	// even an empty record for a previously unseen MAC.
	var work Snapshot
	if existing, ok := p.states[mac]; ok {
		work = *existing
	}

	now := p.now()
	applied := false

	if route == topics.RouteImmediate {
		applied = applyImmediate(&work, regs, now)
		if applied {
			if wasCommandTriggered {
				work.LastUpdateSource = SourceCommand
			} else {
				work.LastUpdateSource = SourceSpontaneous
			}
		}
	} else {
		applied = p.applyPolling(mac, &work, regs, now)
		if applied {
			work.LastUpdateSource = SourcePolling
		}
	}

	if !applied {
		return Snapshot{}, false
	}
	if len(regs) >= modbus.ReadAllCount {
		work.LastFullUpdate = now
	}
	p.states[mac] = &work
	return work, true
}

// applyImmediate handles /client/04 frames: power, switch bits and SoC.
// Settings registers on this path report stale zeros and are skipped.
func applyImmediate(snap *Snapshot, regs map[uint16]uint16, now time.Time) bool {
	applied := false

	if v, ok := regs[modbus.RegDCInputWatts]; ok {
		snap.DCInputWatts = int(v)
		applied = true
	}
	if v, ok := regs[modbus.RegTotalInput]; ok {
		snap.InputWatts = int(v)
		applied = true
	}
	if v, ok := regs[modbus.RegTotalOutput]; ok {
		snap.OutputWatts = int(v)
		applied = true
	}
	if v, ok := regs[modbus.RegOutputBits]; ok {
		snap.USBOutput, snap.ACOutput, snap.DCOutput, snap.LEDOutput = DecodeOutputBits(v)
		snap.LastOutputUpdate = now
		applied = true
	}
	if v, ok := regs[modbus.RegSoC]; ok {
		snap.SoC = DecodeSoC(v)
		snap.LastSocUpdate = now
		applied = true
	}
	return applied
}

// applyPolling handles /client/data frames: settings always, switch bits
// only once the immediate update has aged out of the priority window.
// Power and SoC on this path are ignored entirely.
func (p *Projector) applyPolling(mac string, snap *Snapshot, regs map[uint16]uint16, now time.Time) bool {
	applied := false

	if v, ok := regs[modbus.RegOutputBits]; ok {
		if now.Sub(snap.LastOutputUpdate) > p.window {
			snap.USBOutput, snap.ACOutput, snap.DCOutput, snap.LEDOutput = DecodeOutputBits(v)
			applied = true
		} else {
			logger.LogDebug("Polling switch state for %s suppressed inside priority window", mac)
		}
	}

	if v, ok := regs[modbus.RegMaxChargingCurrent]; ok {
		snap.MaxChargingCurrent = int(v)
		applied = true
	}
	if v, ok := regs[modbus.RegACSilentCharging]; ok {
		snap.ACSilentCharging = v == 1
		applied = true
	}
	if v, ok := regs[modbus.RegUSBStandbyTime]; ok {
		snap.USBStandbyTime = int(v)
		applied = true
	}
	if v, ok := regs[modbus.RegACStandbyTime]; ok {
		snap.ACStandbyTime = int(v)
		applied = true
	}
	if v, ok := regs[modbus.RegDCStandbyTime]; ok {
		snap.DCStandbyTime = int(v)
		applied = true
	}
	if v, ok := regs[modbus.RegScreenRestTime]; ok {
		snap.ScreenRestTime = int(v)
		applied = true
	}
	if v, ok := regs[modbus.RegACChargingTimer]; ok {
		snap.ACChargingTimer = int(v)
		applied = true
	}
	if v, ok := regs[modbus.RegDischargeLowerLimit]; ok {
		snap.DischargeLowerLimit = float64(v) / 10
		applied = true
	}
	if v, ok := regs[modbus.RegACChargingUpperLimit]; ok {
		snap.ACChargingUpperLimit = float64(v) / 10
		applied = true
	}
	if v, ok := regs[modbus.RegSleepTime]; ok {
		if v == 0 {
			// Writing 0 here bricks the hardware; a reported 0 is always
			// garbage. Keep the previous value.
			logger.LogDebug("Ignoring sleep time 0 for %s", mac)
		} else {
			snap.SleepTime = int(v)
			applied = true
		}
	}
	return applied
}

// Snapshot returns the current state of one device
func (p *Projector) Snapshot(mac string) (Snapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap, ok := p.states[mac]
	if !ok {
		return Snapshot{}, false
	}
	return *snap, true
}

// Snapshots returns the current state of every known device
func (p *Projector) Snapshots() map[string]Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]Snapshot, len(p.states))
	for mac, snap := range p.states {
		out[mac] = *snap
	}
	return out
}

// DecodeOutputBits decodes the register 41 switch bitfield. Bit 7 flips
// together with USB and DC and carries no information of its own.
func DecodeOutputBits(bits uint16) (usb, ac, dc, led bool) {
	usb = bits&(1<<9) != 0
	dc = bits&(1<<10) != 0
	ac = bits&0x804 != 0
	led = bits&0x1000 != 0
	return usb, ac, dc, led
}

// DecodeSoC converts the raw state-of-charge register to percent with one
// decimal: raw/1000 scaled to 100.
func DecodeSoC(raw uint16) float64 {
	return math.Round(float64(raw)/1000*100*10) / 10
}
