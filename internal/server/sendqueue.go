package server

import (
	"encoding/binary"

	"github.com/arenaserver/arena/internal/protocol"
)

// Assumed per-datagram overhead when charging a message against a client's
// rate budget.
const messageHeaderBytes = 48

// queueMessage numbers a finished message and places it on the client's
// outbound queue. The queue is drained by SendQueuedMessages under the
// client's rate budget.
func (e *Engine) queueMessage(cl *Client, msg *protocol.Message) {
	if msg.Overflowed() {
		e.DropClient(cl, "message overflowed")
		return
	}
	cl.outgoingSequence++
	framed := make([]byte, 0, len(msg.Bytes())+4)
	framed = binary.LittleEndian.AppendUint32(framed, uint32(cl.outgoingSequence))
	framed = append(framed, msg.Bytes()...)
	cl.sendQueue = append(cl.sendQueue, framed)
}

// rateMsec returns how long a message of the given size occupies the
// client's configured bandwidth. LAN clients are never rate choked.
func (e *Engine) rateMsec(cl *Client, messageSize int) int64 {
	if e.transport.IsLANAddress(cl.addr) {
		return 0
	}
	rate := cl.rate
	if rate < minRate {
		rate = minRate
	}
	return int64(messageSize+messageHeaderBytes) * 1000 / int64(rate)
}

// SendQueuedMessages makes one delivery pass over every occupied slot,
// transmitting at most one pending message per client whose rate window has
// opened. It returns the shortest interval until any client can send again,
// or -1 when no client has data pending, so the caller can schedule the
// next pass.
func (e *Engine) SendQueuedMessages() int64 {
	wait := int64(-1)

	for i := range e.clients {
		cl := &e.clients[i]
		if cl.state == StateFree || len(cl.sendQueue) == 0 {
			continue
		}
		if cl.isBot {
			// Bots have no real connection; their queue just drains.
			cl.sendQueue = cl.sendQueue[:0]
			continue
		}

		if e.time < cl.nextMessageTime {
			if remaining := cl.nextMessageTime - e.time; wait == -1 || remaining < wait {
				wait = remaining
			}
			continue
		}

		data := cl.sendQueue[0]
		cl.sendQueue = cl.sendQueue[1:]
		e.transport.Deliver(cl.addr, data)
		cl.nextMessageTime = e.time + e.rateMsec(cl, len(data))

		if len(cl.sendQueue) > 0 {
			if remaining := cl.nextMessageTime - e.time; wait == -1 || remaining < wait {
				wait = remaining
			}
		}
	}

	return wait
}

// RunSnapshots queues a snapshot for every session whose snapshot interval
// has elapsed. Zombie sessions get their remaining reliable traffic but no
// world state.
func (e *Engine) RunSnapshots() {
	for i := range e.clients {
		cl := &e.clients[i]
		if cl.state < StateConnected || cl.isBot {
			continue
		}
		if cl.snapshotMsec > 0 && e.time-cl.lastSnapshotTime < int64(cl.snapshotMsec) {
			continue
		}
		if cl.state == StateZombie {
			e.sendPendingReliableOnly(cl)
			continue
		}
		e.sendClientSnapshot(cl)
	}
}

// sendPendingReliableOnly flushes undelivered reliable commands (the
// disconnect notice, usually) to a zombie session.
func (e *Engine) sendPendingReliableOnly(cl *Client) {
	if cl.reliableAcknowledge >= cl.reliableSequence {
		return
	}
	msg := protocol.NewMessage(protocol.MaxMessageLength)
	msg.WriteLong(cl.lastClientCommand)
	e.writePendingServerCommands(cl, msg)
	msg.WriteByte(protocol.SvcEOF)
	cl.lastSnapshotTime = e.time
	e.queueMessage(cl, msg)
}
