package server

import (
	"github.com/arenaserver/arena/internal/protocol"
)

// Voice packet flags. Spatial marks audio the client should place in the
// world; Direct marks audio explicitly addressed to the recipient. The
// relay computes Direct per recipient from the sender's target bitmask.
const (
	VoipSpatial = 0x04
	VoipDirect  = 0x08
)

// maxVoipPayload bounds one encoded voice frame group.
const maxVoipPayload = 1024

// VoipPacket is one queued voice transmission awaiting delivery to a
// specific recipient.
type VoipPacket struct {
	Sender     int
	Generation byte
	Sequence   int32
	Frames     byte
	Flags      byte
	Data       []byte
}

// userVoip parses a voice sub-message and fans it out to every eligible
// listener. Delivery is best-effort: a recipient with a full queue misses
// the packet, the sender is never blocked or penalized.
func (e *Engine) userVoip(cl *Client, msg *protocol.Message, discard bool) {
	generation := msg.ReadByte()
	sequence := msg.ReadLong()
	frames := msg.ReadByte()

	targets := make([]byte, (len(e.clients)+7)/8)
	msg.ReadData(targets)
	flags := msg.ReadByte()
	packetSize := int(msg.ReadShort())

	if msg.Overflowed() || packetSize < 0 {
		return // short/invalid packet, bail
	}

	if packetSize > maxVoipPayload {
		// Framing must stay intact, so the oversized payload is consumed
		// and thrown away.
		msg.Skip(packetSize)
		return
	}

	data := make([]byte, packetSize)
	msg.ReadData(data)
	if msg.Overflowed() {
		return
	}

	if discard || !e.config.Voip.Enabled || !cl.hasVoip {
		return
	}

	for i := range e.clients {
		listener := &e.clients[i]
		switch {
		case listener.state != StateActive:
			continue // not in the game yet
		case i == cl.slot:
			continue // don't echo back to the talker
		case !listener.hasVoip:
			continue // no voice support
		case listener.muteAllVoip:
			continue // listener is ignoring everyone
		case listener.ignoreVoip[cl.slot]:
			continue // listener is ignoring this talker
		}

		perFlags := flags
		if isVoipTarget(targets, i) {
			perFlags |= VoipDirect
		} else {
			perFlags &^= VoipDirect
		}
		if perFlags&(VoipSpatial|VoipDirect) == 0 {
			continue // not addressed to this listener
		}

		if len(listener.voipQueue) >= maxVoipQueue {
			e.logger.Debugf("too many voice packets queued for client %d", i)
			continue // no room right now; drop for this listener only
		}

		packet := &VoipPacket{
			Sender:     cl.slot,
			Generation: generation,
			Sequence:   sequence,
			Frames:     frames,
			Flags:      perFlags,
			Data:       append([]byte(nil), data...),
		}
		listener.voipQueue = append(listener.voipQueue, packet)
	}
}

func isVoipTarget(targets []byte, slot int) bool {
	if slot < 0 || slot>>3 >= len(targets) {
		return false
	}
	return targets[slot>>3]&(1<<(slot&7)) != 0
}

// writeQueuedVoip drains a client's pending voice packets into an outbound
// message.
func (e *Engine) writeQueuedVoip(cl *Client, msg *protocol.Message) {
	for _, packet := range cl.voipQueue {
		msg.WriteByte(protocol.SvcVoip)
		msg.WriteShort(int16(packet.Sender))
		msg.WriteByte(packet.Generation)
		msg.WriteLong(packet.Sequence)
		msg.WriteByte(packet.Frames)
		msg.WriteByte(packet.Flags)
		msg.WriteShort(int16(len(packet.Data)))
		msg.WriteData(packet.Data)
	}
	cl.voipQueue = cl.voipQueue[:0]
}
