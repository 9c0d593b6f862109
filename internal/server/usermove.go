package server

import (
	"github.com/arenaserver/arena/internal/protocol"
)

// userMove decodes one batched movement sub-message. The batch usually
// repeats commands from the last few packets so losses can be recovered;
// duplicates are filtered by timestamp, never executed twice.
func (e *Engine) userMove(cl *Client, msg *protocol.Message, delta bool) {
	if delta {
		cl.deltaMessage = cl.messageAcknowledge
	} else {
		cl.deltaMessage = -1
	}

	cmdCount := int(msg.ReadByte())
	if cmdCount < 1 || cmdCount > MaxPacketUserCommands {
		// Transient corruption, not worth a session penalty; the client
		// will resend.
		e.logger.Debugf("client %d: bad usercmd count %d", cl.slot, cmdCount)
		return
	}

	key := e.decodeKey(cl)

	var nullcmd protocol.UserCommand
	cmds := make([]protocol.UserCommand, cmdCount)
	oldcmd := &nullcmd
	for i := 0; i < cmdCount; i++ {
		msg.ReadDeltaUserCommand(key, oldcmd, &cmds[i])
		oldcmd = &cmds[i]
	}
	if msg.Overflowed() {
		e.logger.Debugf("client %d: truncated usercmd batch", cl.slot)
		return
	}

	// Catch the no-attestation-yet situation before activating the session.
	// An Active client without one missed the pure round-trip entirely, so
	// the gamestate needs to go out again; anyone earlier in the handshake
	// is just ahead of themselves and their moves are parked.
	if e.config.Pure.Enabled && !cl.pureAuthentic && !cl.gotCP {
		if cl.state == StateActive {
			e.logger.Debugf("%s: didn't get cp command, resending gamestate", cl.name)
			e.SendClientGameState(cl)
		}
		return
	}

	// The first movement command after a gamestate puts the client into
	// the world.
	if cl.state == StatePrimed {
		e.clientEnterWorld(cl, &cmds[0])
		// The moves can be processed normally from here.
	}

	// A failed attestation was already answered with snapshot-then-drop;
	// anything still arriving is from a client that cannot be validated.
	if e.config.Pure.Enabled && !cl.pureAuthentic {
		e.DropClient(cl, "Cannot validate pure client!")
		return
	}

	if cl.state != StateActive {
		cl.deltaMessage = -1
		return
	}

	for i := 0; i < cmdCount; i++ {
		// A timestamp past the batch's final command is a reordering
		// artifact from before a world restart.
		if cmds[i].ServerTime > cmds[cmdCount-1].ServerTime {
			continue
		}
		// Duplicates of already-executed commands arrive whenever the
		// client pads packets for loss recovery.
		if cmds[i].ServerTime <= cl.lastUserCmd.ServerTime {
			continue
		}
		e.clientThink(cl, &cmds[i])
	}
}

// decodeKey derives the tamper-evidence key for one packet's movement batch.
// Both sides can compute it; a spoofed packet that hasn't tracked the
// session's reliable stream decodes to garbage.
func (e *Engine) decodeKey(cl *Client) int32 {
	key := e.checksumFeed
	key ^= cl.messageAcknowledge
	key ^= protocol.HashKey(cl.reliableCommands[cl.reliableAcknowledge&(MaxReliableCommands-1)], commandHashLength)
	return key
}

// clientEnterWorld performs the Primed -> Active transition.
func (e *Engine) clientEnterWorld(cl *Client, cmd *protocol.UserCommand) {
	e.logger.Infof("going from primed to active for %s", cl.name)
	cl.state = StateActive

	if e.config.Demo.AutoRecord && !cl.isBot && e.recorder != nil {
		e.recorder.StartRecording(cl.slot)
		cl.demoRecording = true
	}

	cl.deltaMessage = -1
	cl.lastSnapshotTime = 0 // generate a snapshot immediately

	if cmd != nil {
		cl.lastUserCmd = *cmd
	} else {
		cl.lastUserCmd = protocol.UserCommand{}
	}

	e.game.ClientBegin(cl.slot)
}

// clientThink applies one movement command to the simulation.
func (e *Engine) clientThink(cl *Client, cmd *protocol.UserCommand) {
	cl.lastUserCmd = *cmd
	if cl.state != StateActive {
		return // may have been kicked during the last command
	}
	e.game.ClientThink(cl.slot, cmd)
}
