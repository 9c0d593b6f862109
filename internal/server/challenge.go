package server

import (
	"fmt"
	"math/rand"
	"net"
	"strconv"

	"github.com/arenaserver/arena/internal/protocol"
)

const (
	// maxChallenges is the size of the fixed challenge table. It needs to be
	// large enough that an attacker cannot cheaply cycle legitimate
	// requesters out of it.
	maxChallenges = 1024

	// maxChallengesPerAddress caps how much of the table one address can
	// occupy before its oldest entry is reused instead of a global slot.
	maxChallengesPerAddress = maxChallenges / 2
)

// challenge is one anti-spoof handshake token. A peer must echo the token
// from the address it claims before a session is created, which also gives
// us a round-trip time for ping-based admission.
type challenge struct {
	addr            *net.UDPAddr
	token           int32
	clientChallenge int32
	time            int64
	pingTime        int64
	connected       bool
	wasRefused      bool
}

// GetChallenge handles a "getchallenge" out-of-band request: it reuses the
// requester's pending slot when one exists (minting a fresh token either
// way, so an old token can never bypass the ping policy) or evicts the
// globally oldest entry. It never blocks and never fails open.
func (e *Engine) GetChallenge(from *net.UDPAddr, args []string) {
	// Prevent using getchallenge as a traffic amplifier.
	if !e.limiter.allowAddress(from, e.time) {
		e.logger.Debugf("getchallenge: rate limit from %s exceeded, dropping request", from)
		return
	}
	// Allow getchallenge to be flooded relatively easily, but bound our own
	// outbound bandwidth while it happens.
	if !e.limiter.allowOutbound(e.time) {
		e.logger.Debugf("getchallenge: outbound rate limit exceeded, dropping request")
		return
	}

	gameName := protocol.Arg(args, 2)
	gameMismatch := gameName == "" || gameName != e.config.GameName
	if e.config.LegacyProtocol != 0 && gameName == "" {
		// The legacy protocol never sent a game name.
		gameMismatch = false
	}
	if gameMismatch {
		e.transport.OutOfBandPrint(from, fmt.Sprintf("print\nGame mismatch: this is a %s server\n", e.config.GameName))
		return
	}

	clientChallenge, _ := strconv.Atoi(protocol.Arg(args, 1))

	var ch *challenge
	oldest := 0
	oldestTime := int64(1<<63 - 1)
	found := 0
	for i := range e.challenges {
		entry := &e.challenges[i]
		if !entry.connected && sameAddress(from, entry.addr) {
			found++
			if ch == nil || entry.time < ch.time {
				ch = entry
			}
			if found >= maxChallengesPerAddress {
				break
			}
		}
		if entry.time < oldestTime {
			oldestTime = entry.time
			oldest = i
		}
	}

	if ch == nil {
		// First challenge request from this address: take the oldest slot.
		ch = &e.challenges[oldest]
		ch.addr = from
		ch.connected = false
	}

	// Always generate a new token, so the client cannot circumvent the ping
	// window by replaying an old one.
	ch.clientChallenge = int32(clientChallenge)
	ch.token = (rand.Int31()<<16 ^ rand.Int31()) ^ int32(e.time)
	ch.wasRefused = false
	ch.time = e.time
	ch.pingTime = e.time

	e.transport.OutOfBandPrint(ch.addr, fmt.Sprintf("challengeResponse %d %d %d",
		ch.token, ch.clientChallenge, e.config.Protocol))
}

// findChallenge returns the pending challenge entry matching the address and
// echoed token, or nil.
func (e *Engine) findChallenge(from *net.UDPAddr, token int32) *challenge {
	for i := range e.challenges {
		entry := &e.challenges[i]
		if sameAddress(from, entry.addr) && entry.token == token {
			return entry
		}
	}
	return nil
}

// clearChallenge releases any challenge held by an address, typically when
// the owning session disconnects.
func (e *Engine) clearChallenge(addr *net.UDPAddr) {
	for i := range e.challenges {
		if sameAddress(addr, e.challenges[i].addr) {
			e.challenges[i] = challenge{}
			return
		}
	}
}
