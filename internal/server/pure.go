package server

import (
	"strconv"

	"github.com/arenaserver/arena/internal/protocol"
)

// verifyPureCommand arbitrates a client's "cp" content attestation. The
// client proves its loaded content matches the server's: the first two
// checksums must equal our reference pair in order, the rest (after the "@"
// delimiter) must be a duplicate-free subset of our loaded set, and a final
// XOR digest seeded by the server's checksum feed must match.
func (e *Engine) verifyPureCommand(cl *Client, args []string) {
	if !e.config.Pure.Enabled {
		return
	}

	// Attestations answer the feed of a specific world generation; one
	// computed against an older generation is simply late, not wrong. A tag
	// that fails to parse reads as generation zero and lands here too.
	tag, err := strconv.Atoi(protocol.Arg(args, 1))
	if err != nil || int32(tag) < e.checksumFeedServerID {
		e.logger.Debugf("ignoring outdated cp command from client %s", cl.name)
		return
	}

	authentic := e.checksumsAuthentic(args)

	cl.gotCP = true
	if authentic {
		cl.pureAuthentic = true
		return
	}

	// Force the session far enough along to emit one last coherent snapshot
	// before dropping it, so the client's final visible state is not a
	// half-synchronized world.
	cl.pureAuthentic = false
	cl.lastSnapshotTime = 0
	cl.state = StateActive
	e.sendClientSnapshot(cl)
	e.DropClient(cl, "Unpure client detected. Invalid content referenced!")
}

func (e *Engine) checksumsAuthentic(args []string) bool {
	ref1, ref2, ok := e.content.ReferenceChecksums()
	if !ok {
		return false
	}

	// Shortest legal form: cp <tag> <ref1> <ref2> @ <digest>
	if len(args) < 6 {
		return false
	}

	if v, err := parseChecksum(protocol.Arg(args, 2)); err != nil || v != ref1 {
		return false
	}
	if v, err := parseChecksum(protocol.Arg(args, 3)); err != nil || v != ref2 {
		return false
	}
	if protocol.Arg(args, 4) != "@" {
		return false
	}

	rest := args[5:]
	checksums := make([]int32, 0, len(rest)-1)
	for _, arg := range rest[:len(rest)-1] {
		v, err := parseChecksum(arg)
		if err != nil {
			return false
		}
		checksums = append(checksums, v)
	}
	digest, err := parseChecksum(rest[len(rest)-1])
	if err != nil {
		return false
	}

	// No repeated checksums: sending the same one five times proves nothing.
	for i := range checksums {
		for j := range checksums {
			if i != j && checksums[i] == checksums[j] {
				return false
			}
		}
	}

	// Every remaining checksum must be content the server actually loaded.
	loaded := e.content.LoadedChecksums()
	for _, chk := range checksums {
		found := false
		for _, have := range loaded {
			if chk == have {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	// Checksum-of-checksums, seeded by the feed we issued with the
	// gamestate.
	expected := e.checksumFeed
	for _, chk := range checksums {
		expected ^= chk
	}
	expected ^= int32(len(checksums))
	return expected == digest
}

func parseChecksum(s string) (int32, error) {
	if s == "" || s == "@" {
		return 0, strconv.ErrSyntax
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return int32(v), nil
}

// resetPureCommand handles "vdr": the client is reloading content and will
// re-attest.
func (e *Engine) resetPureCommand(cl *Client, args []string) {
	cl.pureAuthentic = false
	cl.gotCP = false
}
