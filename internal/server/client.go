package server

import (
	"net"
	"strconv"

	"github.com/google/uuid"

	"github.com/arenaserver/arena/internal/protocol"
)

// SessionState tracks a client slot through its lifecycle. Transitions only
// happen through the engine: admission (Free -> Connected), the gamestate
// send (Connected -> Primed), the first applied movement command
// (Primed -> Active), and DropClient (any -> Zombie -> Free).
type SessionState int

const (
	StateFree SessionState = iota
	StateConnected
	StatePrimed
	StateActive
	StateZombie
)

func (s SessionState) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateConnected:
		return "connected"
	case StatePrimed:
		return "primed"
	case StateActive:
		return "active"
	case StateZombie:
		return "zombie"
	}
	return "unknown"
}

const (
	// MaxReliableCommands is the size of both reliable-command rings. A
	// client further behind than this is unrecoverable.
	MaxReliableCommands = 64

	// MaxPacketUserCommands bounds the movement commands in one packet.
	MaxPacketUserCommands = 32

	// maxVoipQueue is the per-recipient voice packet queue depth.
	maxVoipQueue = 64

	// commandHashLength is how many characters of the last acknowledged
	// reliable command participate in the usercmd decode key.
	commandHashLength = 32
)

// Client is one session slot. The slot index is the only reference other
// components hold; the struct itself never escapes the engine.
type Client struct {
	state SessionState
	slot  int

	addr  *net.UDPAddr
	qport int
	isBot bool

	// Server-assigned session identifier, stable for the life of the session.
	guid string

	challenge int32
	compat    bool

	userinfo string
	name     string

	// Flood-delayed userinfo update waiting for its re-arm time.
	userinfoBuffer   string
	nextUserinfoTime int64

	rate         int
	snapshotMsec int

	// Reliable commands we send to the client. reliableSequence is the last
	// queued, reliableAcknowledge the last the client confirmed.
	reliableCommands    [MaxReliableCommands]string
	reliableSequence    int32
	reliableAcknowledge int32

	// Reliable commands the client sends to us.
	lastClientCommand       int32
	lastClientCommandString string
	nextReliableTime        int64
	numCommands             int

	// Outbound message bookkeeping. outgoingSequence numbers every message
	// queued for this client; messageAcknowledge is the latest the client
	// has echoed back. incomingSequence drops reordered datagrams.
	incomingSequence    int32
	outgoingSequence    int32
	messageAcknowledge  int32
	gamestateMessageNum int32
	deltaMessage        int32

	lastUserCmd      protocol.UserCommand
	lastPacketTime   int64
	lastConnectTime  int64
	lastSnapshotTime int64
	oldServerTime    int32

	pureAuthentic bool
	gotCP         bool

	hasVoip     bool
	muteAllVoip bool
	ignoreVoip  []bool
	voipQueue   []*VoipPacket

	demoRecording bool

	sendQueue       [][]byte
	nextMessageTime int64
}

func (cl *Client) State() SessionState { return cl.state }
func (cl *Client) Slot() int           { return cl.slot }
func (cl *Client) Name() string        { return cl.name }
func (cl *Client) GUID() string        { return cl.guid }
func (cl *Client) Addr() *net.UDPAddr  { return cl.addr }

// reset discards everything except the slot index. A recycled slot carries
// no state forward; reconnecting is logically a fresh session.
func (cl *Client) reset(maxClients int) {
	slot := cl.slot
	*cl = Client{
		slot:         slot,
		deltaMessage: -1,
		ignoreVoip:   make([]bool, maxClients),
	}
}

const (
	minRate     = 1000
	maxRate     = 100000
	defaultRate = 5000
)

// userinfoChanged pulls the fields the engine cares about out of a freshly
// updated userinfo string. Values are clamped rather than rejected; the one
// fatal case is an info string that no longer has room for the ip key.
func (e *Engine) userinfoChanged(cl *Client) {
	cl.name = protocol.InfoValue(cl.userinfo, "name")
	if cl.name == "" {
		cl.name = "UnnamedPlayer"
	}

	// Clients on the server's own network don't need a rate choke.
	if e.transport.IsLANAddress(cl.addr) && e.config.Server.LANForceRate {
		cl.rate = maxRate
	} else if val := protocol.InfoValue(cl.userinfo, "rate"); val != "" {
		rate, _ := strconv.Atoi(val)
		switch {
		case rate < minRate:
			cl.rate = minRate
		case rate > maxRate:
			cl.rate = maxRate
		default:
			cl.rate = rate
		}
	} else {
		cl.rate = defaultRate
	}

	if val := protocol.InfoValue(cl.userinfo, "handicap"); val != "" {
		h, err := strconv.Atoi(val)
		if err != nil || h <= 0 || h > 100 || len(val) > 4 {
			cl.userinfo = protocol.SetInfoValue(cl.userinfo, "handicap", "100")
		}
	}

	snaps := e.config.Server.FPS
	if val := protocol.InfoValue(cl.userinfo, "snaps"); val != "" {
		snaps, _ = strconv.Atoi(val)
	}
	if snaps < 1 {
		snaps = 1
	} else if snaps > e.config.Server.FPS {
		snaps = e.config.Server.FPS
	}
	if msec := 1000 / snaps; msec != cl.snapshotMsec {
		// Reset the last sent snapshot so we avoid desync between the frame
		// clock and the snapshot send time.
		cl.lastSnapshotTime = 0
		cl.snapshotMsec = msec
	}

	if cl.compat {
		cl.hasVoip = false
	} else {
		cl.hasVoip = protocol.InfoValue(cl.userinfo, "cl_voipProtocol") == "opus"
	}

	// The ban and admin code rely on the ip key being consistently present.
	ip := "localhost"
	if !isLocalAddress(cl.addr) {
		ip = cl.addr.String()
	}
	updated := protocol.SetInfoValue(cl.userinfo, "ip", ip)
	if updated == cl.userinfo && protocol.InfoValue(cl.userinfo, "ip") != ip {
		e.DropClient(cl, "userinfo string length exceeded")
		return
	}
	cl.userinfo = updated
}

// sessionGUID returns the client-provided guid when it parses as a UUID, or
// mints a fresh one for the session.
func sessionGUID(userinfo string) string {
	if val := protocol.InfoValue(userinfo, "cl_guid"); val != "" {
		if id, err := uuid.Parse(val); err == nil {
			return id.String()
		}
	}
	return uuid.New().String()
}
