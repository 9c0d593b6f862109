package server

import (
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/arenaserver/arena/internal/core"
	"github.com/arenaserver/arena/internal/protocol"
)

// Transport is the datagram layer. The engine never blocks on it: sends are
// fire-and-forget and reads happen upstream in the frontend.
type Transport interface {
	// OutOfBandPrint sends a connectionless text packet to an unconnected peer.
	OutOfBandPrint(addr *net.UDPAddr, text string)
	// Deliver sends an in-band message to a connected peer.
	Deliver(addr *net.UDPAddr, data []byte)
	// IsLANAddress reports whether the peer is on a local/trusted network.
	IsLANAddress(addr *net.UDPAddr) bool
}

// Simulation is the game logic invoked at session lifecycle points. A slot
// index is the only session reference it ever sees.
type Simulation interface {
	// ClientConnect may deny admission by returning a non-empty message.
	ClientConnect(slot int, firstTime bool) string
	ClientBegin(slot int)
	ClientUserinfoChanged(slot int)
	ClientCommand(slot int, args []string)
	ClientThink(slot int, cmd *protocol.UserCommand)
	ClientDisconnect(slot int)
}

// ContentStore exposes the server's view of loaded content for pure
// validation.
type ContentStore interface {
	// ReferenceChecksums returns the two order-significant checksums the
	// client must present first. ok is false when the server cannot
	// determine them, which fails validation closed.
	ReferenceChecksums() (first, second int32, ok bool)
	LoadedChecksums() []int32
}

// Directory is notified when the server's occupancy crosses a threshold
// worth announcing (first client in, completely full, completely empty).
type Directory interface {
	Heartbeat()
}

// StateSource serializes world state into outbound messages. Snapshot
// contents and delta compression are not this engine's concern.
type StateSource interface {
	WriteGameState(m *protocol.Message, slot int)
	WriteSnapshot(m *protocol.Message, slot int)
}

// Recorder handles server-side demo recording. Optional.
type Recorder interface {
	StartRecording(slot int)
	StopRecording(slot int)
}

// Collaborators are the external components the engine drives. Recorder and
// DB may be nil; everything else is required.
type Collaborators struct {
	Transport Transport
	Game      Simulation
	Content   ContentStore
	Directory Directory
	State     StateSource
	Recorder  Recorder
	DB        *gorm.DB
}

// Engine owns all per-client session state and the protocol rules that gate
// it. It is single-threaded: the frontend feeds it one datagram at a time
// and Frame advances its clock between packets.
type Engine struct {
	config *core.Config
	logger *logrus.Logger

	transport Transport
	game      Simulation
	content   ContentStore
	directory Directory
	state     StateSource
	recorder  Recorder
	db        *gorm.DB

	clients    []Client
	challenges [maxChallenges]challenge
	bans       *BanTable
	limiter    *handshakeLimiter

	// Millisecond tick clock, advanced by Frame. All protocol timing is
	// derived from this, never from the wall clock.
	time int64

	serverID             int32
	restartedServerID    int32
	checksumFeed         int32
	checksumFeedServerID int32
}

// NewEngine builds an engine with every slot free. When a database is
// provided, the persisted ban table is loaded immediately.
func NewEngine(cfg *core.Config, logger *logrus.Logger, c Collaborators) (*Engine, error) {
	e := &Engine{
		config:    cfg,
		logger:    logger,
		transport: c.Transport,
		game:      c.Game,
		content:   c.Content,
		directory: c.Directory,
		state:     c.State,
		recorder:  c.Recorder,
		db:        c.DB,
		clients:   make([]Client, cfg.Server.MaxClients),
		bans:      NewBanTable(),
		limiter:   newHandshakeLimiter(),
	}
	for i := range e.clients {
		e.clients[i].slot = i
		e.clients[i].ignoreVoip = make([]bool, cfg.Server.MaxClients)
	}
	if e.db != nil {
		if err := e.bans.Load(e.db); err != nil {
			return nil, fmt.Errorf("loading ban table: %w", err)
		}
	}
	return e, nil
}

// Client returns the session in the given slot, or nil when out of range.
// Callers must not retain the pointer across engine calls that can recycle
// the slot.
func (e *Engine) Client(slot int) *Client {
	if slot < 0 || slot >= len(e.clients) {
		return nil
	}
	return &e.clients[slot]
}

// FindClient locates the session owning an (address, qport) pair. The qport
// lets a session survive NAT port reassignment: a matching qport wins even
// when the source port moved.
func (e *Engine) FindClient(addr *net.UDPAddr, qport int) *Client {
	for i := range e.clients {
		cl := &e.clients[i]
		if cl.state == StateFree {
			continue
		}
		if sameHost(addr, cl.addr) && (cl.qport == qport || addr.Port == cl.addr.Port) {
			return cl
		}
	}
	return nil
}

// Frame advances the engine clock and applies any flood-delayed userinfo
// updates that have reached their re-arm time.
func (e *Engine) Frame(now int64) {
	e.time = now
	for i := range e.clients {
		cl := &e.clients[i]
		if cl.state == StateFree || cl.userinfoBuffer == "" {
			continue
		}
		if now >= cl.nextUserinfoTime {
			buffered := cl.userinfoBuffer
			e.updateUserinfo(cl, buffered)
		}
	}
}

// SpawnWorld installs a new world generation. Sessions from the previous
// generation resynchronize through the serverId mismatch path. restart marks
// an in-place restart, which widens the stale-packet window clients are
// forgiven for.
func (e *Engine) SpawnWorld(serverID, checksumFeed int32, restart bool) {
	if restart {
		e.restartedServerID = e.serverID
	} else {
		e.restartedServerID = serverID
	}
	e.serverID = serverID
	e.checksumFeed = checksumFeed
	e.checksumFeedServerID = serverID
}

func (e *Engine) numConnectedClients() int {
	count := 0
	for i := range e.clients {
		switch e.clients[i].state {
		case StateConnected, StatePrimed, StateActive:
			count++
		}
	}
	return count
}

// SendServerCommand queues a reliable command for one client, or for every
// connected client when cl is nil. A client that falls a full ring behind
// is beyond recovery and gets dropped.
func (e *Engine) SendServerCommand(cl *Client, format string, a ...interface{}) {
	text := fmt.Sprintf(format, a...)
	if cl != nil {
		e.addServerCommand(cl, text)
		return
	}
	for i := range e.clients {
		if e.clients[i].state >= StateConnected {
			e.addServerCommand(&e.clients[i], text)
		}
	}
}

func (e *Engine) addServerCommand(cl *Client, text string) {
	// The drop fires exactly at the boundary, not at-or-past it: DropClient
	// itself queues commands for this client, and those nested calls push
	// the gap further past the ring instead of re-entering the drop.
	if cl.reliableSequence-cl.reliableAcknowledge == MaxReliableCommands+1 {
		e.logger.Infof("client %s lost server commands, dropping", cl.name)
		e.DropClient(cl, "server command overflow")
	}
	cl.reliableSequence++
	cl.reliableCommands[cl.reliableSequence&(MaxReliableCommands-1)] = text
}

// DropClient begins disconnection: the slot goes Zombie (Free for bots) and
// stays allocated so late in-flight messages still resolve to a name.
func (e *Engine) DropClient(cl *Client, reason string) {
	if cl.state == StateZombie {
		return // already dropped
	}

	if cl.demoRecording && e.recorder != nil {
		e.recorder.StopRecording(cl.slot)
		cl.demoRecording = false
	}

	if !cl.isBot {
		e.clearChallenge(cl.addr)
	}

	// Tell everyone why they got dropped.
	e.SendServerCommand(nil, "print \"%s %s\n\"", cl.name, reason)

	e.game.ClientDisconnect(cl.slot)

	e.SendServerCommand(cl, "disconnect \"%s\"", reason)

	e.logger.Infof("dropped client %d (%s): %s", cl.slot, cl.name, reason)

	if cl.isBot {
		// Bots have no real net connection and don't need a zombie grace
		// period.
		cl.state = StateFree
	} else {
		cl.state = StateZombie
	}
	cl.userinfo = ""
	cl.name = ""

	if e.numConnectedClients() == 0 {
		e.directory.Heartbeat()
	}
}

// SendClientGameState performs the Connected -> Primed transition by
// queueing the full world-state message. It is idempotent: replaying it is
// always safe and is the recovery path whenever the client is detected to
// have missed one.
func (e *Engine) SendClientGameState(cl *Client) {
	e.logger.Debugf("sending gamestate to client %d (%s)", cl.slot, cl.name)
	cl.state = StatePrimed
	cl.pureAuthentic = false
	cl.gotCP = false

	// When the next packet arrives from a different serverId we can tell
	// whether this message was acknowledged or lost.
	cl.gamestateMessageNum = cl.outgoingSequence + 1

	msg := protocol.NewMessage(protocol.MaxMessageLength)
	msg.WriteLong(cl.lastClientCommand)
	e.writePendingServerCommands(cl, msg)

	msg.WriteByte(protocol.SvcGameState)
	msg.WriteLong(cl.reliableSequence)
	e.state.WriteGameState(msg, cl.slot)
	msg.WriteByte(protocol.SvcEOF)

	msg.WriteLong(int32(cl.slot))
	msg.WriteLong(e.checksumFeed)

	e.queueMessage(cl, msg)
}

// sendClientSnapshot queues one snapshot message, including any pending
// reliable commands and queued voice packets.
func (e *Engine) sendClientSnapshot(cl *Client) {
	msg := protocol.NewMessage(protocol.MaxMessageLength)
	msg.WriteLong(cl.lastClientCommand)
	e.writePendingServerCommands(cl, msg)

	msg.WriteByte(protocol.SvcSnapshot)
	e.state.WriteSnapshot(msg, cl.slot)

	e.writeQueuedVoip(cl, msg)
	msg.WriteByte(protocol.SvcEOF)

	cl.lastSnapshotTime = e.time
	e.queueMessage(cl, msg)
}

func (e *Engine) writePendingServerCommands(cl *Client, msg *protocol.Message) {
	for seq := cl.reliableAcknowledge + 1; seq <= cl.reliableSequence; seq++ {
		msg.WriteByte(protocol.SvcServerCommand)
		msg.WriteLong(seq)
		msg.WriteString(cl.reliableCommands[seq&(MaxReliableCommands-1)])
	}
}

// ExecuteClientMessage parses one in-band packet from a connected client.
// All dispatch for reliable commands, voice data, and movement happens here.
func (e *Engine) ExecuteClientMessage(cl *Client, msg *protocol.Message) {
	serverID := msg.ReadLong()
	cl.messageAcknowledge = msg.ReadLong()
	if cl.messageAcknowledge < 0 || cl.messageAcknowledge > cl.outgoingSequence {
		// Only a hand-crafted packet acknowledges a message that was never
		// sent. Keep the diagnostic server-local.
		e.logger.Debugf("client %d: illegible message acknowledge", cl.slot)
		e.DropClient(cl, "illegible client message")
		return
	}

	reliableAck := msg.ReadLong()
	if reliableAck < cl.reliableSequence-MaxReliableCommands || reliableAck > cl.reliableSequence {
		// An acknowledge outside the ring would make the pending-command
		// walk touch unsent slots.
		e.logger.Debugf("client %d: illegible reliable acknowledge", cl.slot)
		cl.reliableAcknowledge = cl.reliableSequence
		e.DropClient(cl, "illegible client message")
		return
	}
	cl.reliableAcknowledge = reliableAck

	cl.lastPacketTime = e.time

	// A packet from a previous world generation is ignored, unless it shows
	// the client lost the gamestate we sent, in which case we resend it.
	if serverID != e.serverID {
		if serverID >= e.restartedServerID && serverID < e.serverID {
			// The client just hasn't caught the restart yet.
			e.logger.Debugf("client %d: ignoring pre-restart message", cl.slot)
			return
		}
		if cl.state != StateActive && cl.messageAcknowledge > cl.gamestateMessageNum {
			e.logger.Debugf("client %d: dropped gamestate, resending", cl.slot)
			e.SendClientGameState(cl)
		}
		return
	}

	// The new gamestate is acknowledged; normal time flow resumes.
	if cl.oldServerTime != 0 {
		cl.oldServerTime = 0
	}

	var op byte
	for {
		op = msg.ReadByte()
		if op != protocol.OpClientCommand {
			break
		}
		if !e.clientCommand(cl, msg) {
			return // disconnected or flood-stalled the rest of the packet
		}
		if cl.state == StateZombie {
			return // disconnect command
		}
	}

	// Legacy-codec voice data is parsed for framing but never relayed.
	if op == protocol.OpVoipLegacy {
		e.userVoip(cl, msg, true)
		op = msg.ReadByte()
	}
	if op == protocol.OpVoip {
		e.userVoip(cl, msg, false)
		op = msg.ReadByte()
	}

	switch op {
	case protocol.OpMove:
		e.userMove(cl, msg, true)
	case protocol.OpMoveNoDelta:
		e.userMove(cl, msg, false)
	case protocol.OpEOF:
	default:
		e.logger.Debugf("client %d: bad command byte %d", cl.slot, op)
	}
}
