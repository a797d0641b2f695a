package bridge

import (
	"fossibot-bridge/internal/errors"
	"fossibot-bridge/internal/logger"
	"fossibot-bridge/internal/metrics"
	"fossibot-bridge/internal/modbus"
	"fossibot-bridge/internal/topics"
)

// handleFrame decodes one inbound cloud frame and projects it. Immediate
// frames are FC04 read responses or FC06 write echoes; polling frames are
// FC03 settings reads. Anything that fails CRC or shape is counted and
// dropped.
func (b *Bridge) handleFrame(acct *account, mac string, route topics.Route, payload []byte) {
	switch route {
	case topics.RouteImmediate:
		regs, err := modbus.ParseReadResponse(payload, modbus.FuncReadInput, 0)
		if err != nil {
			if reg, val, echoErr := modbus.ParseWriteEcho(payload); echoErr == nil {
				// The echo only confirms the write; the state change arrives
				// in the FC04 push right behind it.
				metrics.RecordFrameDecoded()
				b.noteFrame()
				logger.LogDebug("Write echo from %s: %s = %d", mac, modbus.RegisterName(reg), val)
				return
			}
			b.dropFrame(mac, err)
			return
		}
		metrics.RecordFrameDecoded()
		b.noteFrame()
		triggered := acct.queue.ConsumeExpectation(mac)
		b.projector.Apply(mac, route, regs, triggered)

	case topics.RoutePolling:
		regs, err := modbus.ParseReadResponse(payload, modbus.FuncReadHolding, 0)
		if err != nil {
			b.dropFrame(mac, err)
			return
		}
		metrics.RecordFrameDecoded()
		b.noteFrame()
		b.projector.Apply(mac, route, regs, false)

	case topics.RouteState:
		logger.LogDebug("Heartbeat from %s (%d bytes)", mac, len(payload))

	default:
		logger.LogDebug("Ignoring %s frame from %s", route, mac)
	}
}

func (b *Bridge) dropFrame(mac string, err error) {
	metrics.RecordFrameDropped()
	errors.Handle(errors.Protocol("decode frame", err).WithDevice(mac))
}

// onLocalCommand handles one message from a device command topic. Bad
// payloads and unknown devices are logged and dropped, nothing propagates
// back to the publisher. A valid command also revives a parked account:
// somebody asking for the device is the signal to try the cloud again.
func (b *Bridge) onLocalCommand(mac string, payload []byte) {
	acct := b.accountFor(mac)
	if acct == nil {
		metrics.RecordCommand(metrics.CommandRejected)
		logger.LogWarn("Dropping command for unknown device %s", mac)
		return
	}

	cmd, err := ParseCommand(payload)
	if err != nil {
		metrics.RecordCommand(metrics.CommandRejected)
		logger.LogWarn("Rejected command for %s: %v", mac, err)
		return
	}

	logger.LogInfo("Queued %s for %s", cmd.Description(), mac)
	acct.queue.Enqueue(mac, cmd.Frame(), cmd.ResponseClass() == modbus.ResponseImmediate)

	if acct.sup.Terminal() {
		acct.sup.Poke()
	}
}
