package server

import (
	"strconv"
	"strings"

	"github.com/arenaserver/arena/internal/protocol"
)

// SubmitResult classifies a client-issued reliable command.
type SubmitResult int

const (
	// Accepted: the command carried the next expected sequence number and
	// was executed.
	Accepted SubmitResult = iota
	// Duplicate: a redundant retransmission that was already executed.
	// Not an error; the protocol resends aggressively by design.
	Duplicate
	// LostCommands: a sequence gap. The intervening commands are gone for
	// good and the session cannot continue.
	LostCommands
)

// SubmitReliableCommand enforces the ordered, at-most-once contract for the
// client command channel.
func (e *Engine) SubmitReliableCommand(cl *Client, seq int32, text string) SubmitResult {
	// Already executed; redundant retransmission.
	if cl.lastClientCommand >= seq {
		return Duplicate
	}

	e.logger.Debugf("clientCommand: %s : %d : %s", cl.name, seq, text)

	// A gap means commands were truly lost and session state has diverged.
	if seq > cl.lastClientCommand+1 {
		e.logger.Infof("client %s lost %d client commands", cl.name, seq-cl.lastClientCommand-1)
		e.DropClient(cl, "Lost reliable commands")
		return LostCommands
	}

	// Malicious users may issue command floods to lag other players. Once
	// over the limit, we stop forwarding to the game (stalling the flooder)
	// but keep the client's own protocol commands working.
	clientOK := true
	if limit := e.config.Server.FloodProtect; limit > 0 && cl.state >= StateActive {
		if e.time < cl.nextReliableTime {
			cl.numCommands++
			if cl.numCommands > limit {
				clientOK = false
			}
		} else {
			cl.numCommands = 1
		}
	}
	cl.nextReliableTime = e.time + 1000

	e.executeClientCommand(cl, text, clientOK)

	cl.lastClientCommand = seq
	cl.lastClientCommandString = text
	return Accepted
}

// clientCommand reads one reliable command sub-message off the wire,
// returning false when packet processing must stop (flood stall or drop).
func (e *Engine) clientCommand(cl *Client, msg *protocol.Message) bool {
	seq := msg.ReadLong()
	text := msg.ReadString()
	return e.SubmitReliableCommand(cl, seq, text) != LostCommands
}

// The closed set of session-management commands handled by the engine
// itself. Anything else is the game's business.
var builtinCommands = []struct {
	name    string
	handler func(e *Engine, cl *Client, args []string)
}{
	{"userinfo", (*Engine).updateUserinfoCommand},
	{"disconnect", (*Engine).disconnectCommand},
	{"cp", (*Engine).verifyPureCommand},
	{"vdr", (*Engine).resetPureCommand},
	{"donedl", (*Engine).doneDownloadCommand},
	{"voip", (*Engine).voipCommand},
}

func (e *Engine) executeClientCommand(cl *Client, text string, clientOK bool) {
	args := protocol.Tokenize(text)
	name := protocol.Arg(args, 0)

	for _, cmd := range builtinCommands {
		if name == cmd.name {
			cmd.handler(e, cl, args)
			return
		}
	}

	if !clientOK {
		e.logger.Debugf("client text ignored for %s: %s", cl.name, name)
		return
	}

	// Pass unknown commands through to the game once the client is far
	// enough along for the game to know about it.
	if cl.state != StateActive && cl.state != StatePrimed {
		return
	}

	if e.chatExploitDetected(cl, args) {
		e.SendServerCommand(cl, "print \"Chat dropped due to message length constraints.\n\"")
		return
	}

	e.game.ClientCommand(cl.slot, args)
}

// chatExploitDetected applies the weighted length bound to the chat-style
// commands. Substitution tokens are charged extra because a short argument
// containing them can expand into a much larger broadcast downstream.
func (e *Engine) chatExploitDetected(cl *Client, args []string) bool {
	var maxLen int
	switch strings.ToLower(protocol.Arg(args, 0)) {
	case "say", "say_team":
		maxLen = e.config.Chat.MaxSayLength
	case "tell":
		// "tell 12 hi": the recipient argument and its trailing space count
		// toward the bound too.
		maxLen = e.config.Chat.MaxSayLength
	case "ut_radio":
		// The two leading single-character arguments and their separators
		// ride along with the message.
		maxLen = e.config.Chat.MaxRadioLength + 4
	default:
		return false
	}

	charCount := 0
	dollarCount := 0
	for i := len(args) - 1; i >= 1; i-- {
		for j := 0; j < len(args[i]); j++ {
			charCount++
			if charCount > maxLen {
				goto exploit
			}
			if args[i][j] == '$' {
				dollarCount++
				if dollarCount > e.config.Chat.MaxDollarVars {
					goto exploit
				}
				charCount += e.config.Chat.DollarVarWeight
				if charCount > maxLen {
					goto exploit
				}
			}
		}
		if i != 1 {
			// Joining the arguments re-adds the separating space.
			charCount++
			if charCount > maxLen {
				goto exploit
			}
		}
	}
	return false

exploit:
	e.logger.Infof("buffer overflow exploit radio/say, possible attempt from %s", cl.addr)
	return true
}

// updateUserinfoCommand applies a client "userinfo" command, debouncing it
// when the client is changing settings faster than the flood window allows.
func (e *Engine) updateUserinfoCommand(cl *Client, args []string) {
	info := protocol.Arg(args, 1)
	if e.config.Server.FloodProtect > 0 && cl.state >= StateActive && e.time < cl.nextUserinfoTime {
		cl.userinfoBuffer = info
		e.SendServerCommand(cl, "print \"Command delayed due to flood protection.\"")
		return
	}
	e.updateUserinfo(cl, info)
}

func (e *Engine) updateUserinfo(cl *Client, info string) {
	cl.userinfoBuffer = ""
	cl.nextUserinfoTime = e.time + 5000
	cl.userinfo = info
	e.userinfoChanged(cl)
	e.game.ClientUserinfoChanged(cl.slot)
}

func (e *Engine) disconnectCommand(cl *Client, args []string) {
	e.DropClient(cl, "disconnected")
}

func (e *Engine) doneDownloadCommand(cl *Client, args []string) {
	if cl.state == StateActive {
		return
	}
	e.logger.Debugf("client %s finished downloading", cl.name)
	// Resend the gamestate to update any client that entered during the
	// download.
	e.SendClientGameState(cl)
}

func (e *Engine) voipCommand(cl *Client, args []string) {
	switch protocol.Arg(args, 1) {
	case "ignore":
		e.setVoipIgnore(cl, protocol.Arg(args, 2), true)
	case "unignore":
		e.setVoipIgnore(cl, protocol.Arg(args, 2), false)
	case "muteall":
		cl.muteAllVoip = true
	case "unmuteall":
		cl.muteAllVoip = false
	}
}

func (e *Engine) setVoipIgnore(cl *Client, idStr string, ignore bool) {
	id, err := strconv.Atoi(idStr)
	if err != nil || id < 0 || id >= len(cl.ignoreVoip) {
		return
	}
	cl.ignoreVoip[id] = ignore
}
