package server

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/arenaserver/arena/internal/protocol"
)

// Admission outcomes. Callers can test the category; the out-of-band
// diagnostics (or deliberate silence) have already been sent by the time
// DirectConnect returns.
var (
	ErrBanned             = errors.New("address is banned")
	ErrProtocolMismatch   = errors.New("protocol version mismatch")
	ErrUserinfoOverflow   = errors.New("userinfo string length exceeded")
	ErrBadChallenge       = errors.New("no or bad challenge")
	ErrChallengeRefused   = errors.New("challenge was previously refused")
	ErrReconnectTooSoon   = errors.New("reconnect rejected: too soon")
	ErrTooManyConnections = errors.New("too many connections from address")
	ErrPingTooLow         = errors.New("ping below server minimum")
	ErrPingTooHigh        = errors.New("ping above server maximum")
	ErrServerFull         = errors.New("server is full")
	ErrGameRejected       = errors.New("game rejected the connection")

	// ErrServerFullOnLocalConnect is the one admission failure that
	// escalates beyond the session boundary: a trusted local connect found
	// no slot and no bots to evict.
	ErrServerFullOnLocalConnect = errors.New("server is full on local connect")
)

// DirectConnect handles a "connect" out-of-band request. On success the
// returned slot holds a fully reset session in the Connected state; on
// failure the slot is -1 and the error classifies the rejection.
func (e *Engine) DirectConnect(from *net.UDPAddr, userinfo string) (int, error) {
	e.logger.Debugf("direct connect from %s", from)

	if e.bans.IsBanned(from) {
		e.transport.OutOfBandPrint(from, "print\nYou are banned from this server.\n")
		return -1, ErrBanned
	}

	version, _ := strconv.Atoi(protocol.InfoValue(userinfo, "protocol"))
	compat := false
	if e.config.LegacyProtocol != 0 && version == e.config.LegacyProtocol {
		compat = true
	} else if version != e.config.Protocol {
		e.transport.OutOfBandPrint(from, fmt.Sprintf(
			"print\nServer uses protocol version %d (yours is %d).\n", e.config.Protocol, version))
		e.logger.Debugf("rejected connect from protocol version %d", version)
		return -1, ErrProtocolMismatch
	}

	token64, _ := strconv.ParseInt(protocol.InfoValue(userinfo, "challenge"), 10, 64)
	token := int32(token64)
	qport, _ := strconv.Atoi(protocol.InfoValue(userinfo, "qport"))

	// Quick reject: a session from this peer inside the reconnect cooldown
	// is silently ignored so a forged connect cannot reset a live session.
	for i := range e.clients {
		cl := &e.clients[i]
		if cl.state == StateFree {
			continue
		}
		if sameHost(from, cl.addr) && (cl.qport == qport || from.Port == cl.addr.Port) {
			if e.time-cl.lastConnectTime < int64(e.config.Server.ReconnectLimit)*1000 {
				e.logger.Debugf("%s: reconnect rejected: too soon", from)
				return -1, ErrReconnectTooSoon
			}
			break
		}
	}

	// Keep the ip key injection below from overflowing the info string.
	ip := "localhost"
	if !isLocalAddress(from) {
		ip = from.String()
	}
	if len(ip)+len(userinfo)+4 >= protocol.MaxInfoString {
		e.transport.OutOfBandPrint(from, "print\nUserinfo string length exceeded. "+
			"Try removing setu cvars from your config.\n")
		return -1, ErrUserinfoOverflow
	}
	userinfo = protocol.SetInfoValue(userinfo, "ip", ip)

	// Local peers are their own proof of reachability; everyone else must
	// hold a valid challenge.
	if !isLocalAddress(from) {
		ch := e.findChallenge(from, token)
		if ch == nil {
			e.transport.OutOfBandPrint(from, "print\nNo or bad challenge for your address.\n")
			return -1, ErrBadChallenge
		}
		if ch.wasRefused {
			// Return silently, so error messages already written by the
			// server keep being displayed instead of coaching the peer.
			return -1, ErrChallengeRefused
		}

		ping := e.time - ch.pingTime

		if !e.transport.IsLANAddress(from) {
			if cap := e.config.Server.ClientsPerIP; cap > 0 {
				count := 0
				for i := range e.clients {
					if e.clients[i].state != StateFree && sameHost(from, e.clients[i].addr) {
						count++
					}
				}
				if count >= cap {
					e.transport.OutOfBandPrint(from, "print\nToo many connections from the same IP\n")
					return -1, ErrTooManyConnections
				}
			}

			// Never reject a LAN client based on ping.
			if min := e.config.Server.MinPing; min > 0 && ping < int64(min) {
				e.transport.OutOfBandPrint(from, "print\nServer is for high pings only\n")
				ch.wasRefused = true
				return -1, ErrPingTooLow
			}
			if max := e.config.Server.MaxPing; max > 0 && ping > int64(max) {
				e.transport.OutOfBandPrint(from, "print\nServer is for low pings only\n")
				ch.wasRefused = true
				return -1, ErrPingTooHigh
			}
		}

		e.logger.Infof("client connecting from %s with %dms challenge ping", from, ping)
		ch.connected = true
	}

	// If there is already a slot for this peer, reuse it. The slot index is
	// all that survives: counters and state are reset below either way.
	var newcl *Client
	for i := range e.clients {
		cl := &e.clients[i]
		if cl.state == StateFree {
			continue
		}
		if sameHost(from, cl.addr) && (cl.qport == qport || from.Port == cl.addr.Port) {
			e.logger.Infof("%s: reconnect", from)
			newcl = cl
			break
		}
	}

	if newcl == nil {
		newcl = e.allocateSlot(from, userinfo)
		if newcl == nil {
			if isLocalAddress(from) {
				return -1, ErrServerFullOnLocalConnect
			}
			e.transport.OutOfBandPrint(from, "print\nServer is full.\n")
			e.logger.Debug("rejected a connection")
			return -1, ErrServerFull
		}
	}

	// Build a new connection: this is the only place a session is ever
	// initialized.
	newcl.reset(e.config.Server.MaxClients)
	newcl.addr = from
	newcl.qport = qport
	newcl.challenge = token
	newcl.compat = compat
	newcl.userinfo = userinfo
	newcl.guid = sessionGUID(userinfo)

	// Give the game a chance to reject this connection or modify the userinfo.
	if denied := e.game.ClientConnect(newcl.slot, true); denied != "" {
		e.transport.OutOfBandPrint(from, fmt.Sprintf("print\n%s\n", denied))
		e.logger.Debugf("game rejected a connection: %s", denied)
		newcl.reset(e.config.Server.MaxClients)
		return -1, fmt.Errorf("%w: %s", ErrGameRejected, denied)
	}

	e.userinfoChanged(newcl)

	e.transport.OutOfBandPrint(from, fmt.Sprintf("connectResponse %d", token))

	e.logger.Infof("going from free to connected for %s (slot %d, guid %s)",
		newcl.name, newcl.slot, newcl.guid)
	newcl.state = StateConnected
	newcl.lastSnapshotTime = 0
	newcl.lastPacketTime = e.time
	newcl.lastConnectTime = e.time

	// When the first packet arrives it will carry a different serverId than
	// the gamestate we are about to send, forcing the initial transmit.
	newcl.gamestateMessageNum = -1

	// First client in, or last slot taken: both are worth announcing.
	count := e.numConnectedClients()
	if count == 1 || count == e.config.Server.MaxClients {
		e.directory.Heartbeat()
	}

	return newcl.slot, nil
}

// allocateSlot finds a free slot for a new connection, honoring the private
// slot reservation and reclaiming zombie slots when nothing is free. The
// local-only bot eviction valve lives here too.
func (e *Engine) allocateSlot(from *net.UDPAddr, userinfo string) *Client {
	startIndex := e.config.Server.PrivateClients
	password := protocol.InfoValue(userinfo, "password")
	if password != "" && password == e.config.Server.PrivatePassword {
		startIndex = 0
	}

	for i := startIndex; i < len(e.clients); i++ {
		if e.clients[i].state == StateFree {
			return &e.clients[i]
		}
	}

	// No free slot: recycle the longest-dead zombie, if any.
	var zombie *Client
	for i := startIndex; i < len(e.clients); i++ {
		cl := &e.clients[i]
		if cl.state != StateZombie {
			continue
		}
		if zombie == nil || cl.lastPacketTime < zombie.lastPacketTime {
			zombie = cl
		}
	}
	if zombie != nil {
		zombie.state = StateFree
		return zombie
	}

	if isLocalAddress(from) {
		// A local connect may evict a bot, but only when every non-reserved
		// slot is a bot; kicking a human for the host is not acceptable.
		bots := 0
		for i := startIndex; i < len(e.clients); i++ {
			if e.clients[i].isBot {
				bots++
			}
		}
		if bots >= len(e.clients)-startIndex {
			last := &e.clients[len(e.clients)-1]
			e.DropClient(last, "only bots on server")
			last.state = StateFree
			return last
		}
	}
	return nil
}

// AddBot claims a free public slot for a simulated peer. Bots skip the
// network handshake entirely and never go zombie.
func (e *Engine) AddBot(name string) (int, error) {
	var bot *Client
	for i := e.config.Server.PrivateClients; i < len(e.clients); i++ {
		if e.clients[i].state == StateFree {
			bot = &e.clients[i]
			break
		}
	}
	if bot == nil {
		return -1, ErrServerFull
	}

	bot.reset(e.config.Server.MaxClients)
	bot.isBot = true
	bot.addr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}
	bot.userinfo = protocol.SetInfoValue("", "name", name)
	bot.guid = sessionGUID("")

	if denied := e.game.ClientConnect(bot.slot, true); denied != "" {
		bot.reset(e.config.Server.MaxClients)
		return -1, fmt.Errorf("%w: %s", ErrGameRejected, denied)
	}
	e.userinfoChanged(bot)

	bot.state = StateActive
	bot.lastConnectTime = e.time
	e.game.ClientBegin(bot.slot)
	return bot.slot, nil
}
