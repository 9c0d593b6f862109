package server

import (
	"errors"
	"fmt"
	"net"
	"testing"
)

func TestDirectConnectSuccess(t *testing.T) {
	h := newHarness(t)
	from := addr("192.0.2.10", 27960)

	slot := h.connect(t, from, "\\name\\tester")
	cl := h.engine.Client(slot)

	if cl.State() != StateConnected {
		t.Errorf("state = %v, want connected", cl.State())
	}
	if cl.Name() != "tester" {
		t.Errorf("name = %q, want tester", cl.Name())
	}
	if cl.gamestateMessageNum != -1 {
		t.Errorf("gamestateMessageNum = %d, want -1", cl.gamestateMessageNum)
	}
	if !h.oobContaining(from, fmt.Sprintf("connectResponse %d", cl.challenge)) {
		t.Error("missing connectResponse reply")
	}
	if h.directory.heartbeats != 1 {
		t.Errorf("heartbeats = %d, want 1 for the first client", h.directory.heartbeats)
	}
	if len(h.game.connects) != 1 || h.game.connects[0] != slot {
		t.Errorf("game.ClientConnect calls = %v, want [%d]", h.game.connects, slot)
	}
}

func TestDirectConnectBanned(t *testing.T) {
	h := newHarness(t)
	from := addr("203.0.113.5", 27960)

	if err := h.engine.AddBan(net.ParseIP("203.0.113.0"), 24, false); err != nil {
		t.Fatalf("AddBan() error: %v", err)
	}

	_, err := h.engine.DirectConnect(from, "\\protocol\\71")
	if !errors.Is(err, ErrBanned) {
		t.Fatalf("err = %v, want ErrBanned", err)
	}
	if !h.oobContaining(from, "banned") {
		t.Error("banned peer got no explicit rejection")
	}
}

func TestDirectConnectBanException(t *testing.T) {
	h := newHarness(t)
	from := addr("203.0.113.5", 27960)

	if err := h.engine.AddBan(net.ParseIP("203.0.113.0"), 24, false); err != nil {
		t.Fatalf("AddBan() error: %v", err)
	}
	if err := h.engine.AddBan(net.ParseIP("203.0.113.5"), 32, true); err != nil {
		t.Fatalf("AddBan() exception error: %v", err)
	}

	if slot := h.connect(t, from, ""); slot < 0 {
		t.Fatalf("exempted peer rejected, slot %d", slot)
	}
}

func TestDirectConnectProtocolMismatch(t *testing.T) {
	h := newHarness(t)
	from := addr("192.0.2.10", 27960)

	_, err := h.engine.DirectConnect(from, "\\protocol\\68\\qport\\100")
	if !errors.Is(err, ErrProtocolMismatch) {
		t.Fatalf("err = %v, want ErrProtocolMismatch", err)
	}
	if !h.oobContaining(from, "protocol version 71") {
		t.Error("peer was not told the required protocol version")
	}
}

func TestDirectConnectLegacyProtocol(t *testing.T) {
	cfg := testConfig()
	cfg.LegacyProtocol = 68
	h := newHarnessWithConfig(t, cfg)
	from := addr("192.0.2.10", 27960)

	token := h.challengeToken(t, from)
	slot, err := h.engine.DirectConnect(from,
		fmt.Sprintf("\\protocol\\68\\qport\\27960\\challenge\\%d", token))
	if err != nil {
		t.Fatalf("DirectConnect() error: %v", err)
	}
	if !h.engine.Client(slot).compat {
		t.Error("legacy client not flagged compat")
	}
}

func TestDirectConnectNoChallenge(t *testing.T) {
	h := newHarness(t)
	from := addr("192.0.2.10", 27960)

	_, err := h.engine.DirectConnect(from, "\\protocol\\71\\qport\\100\\challenge\\42")
	if !errors.Is(err, ErrBadChallenge) {
		t.Fatalf("err = %v, want ErrBadChallenge", err)
	}
}

func TestDirectConnectPingWindow(t *testing.T) {
	cfg := testConfig()
	cfg.Server.MinPing = 50
	h := newHarnessWithConfig(t, cfg)
	from := addr("192.0.2.10", 27960)

	// Zero round-trip time is below the minimum.
	token := h.challengeToken(t, from)
	userinfo := fmt.Sprintf("\\protocol\\71\\qport\\27960\\challenge\\%d", token)
	_, err := h.engine.DirectConnect(from, userinfo)
	if !errors.Is(err, ErrPingTooLow) {
		t.Fatalf("err = %v, want ErrPingTooLow", err)
	}

	// The refused challenge stays refused: the retry is ignored without any
	// reply, so the first rejection stays on the peer's screen.
	sent := len(h.transport.oobSent)
	_, err = h.engine.DirectConnect(from, userinfo)
	if !errors.Is(err, ErrChallengeRefused) {
		t.Fatalf("retry err = %v, want ErrChallengeRefused", err)
	}
	if len(h.transport.oobSent) != sent {
		t.Error("refused retry should be silent")
	}
}

func TestDirectConnectMaxPing(t *testing.T) {
	cfg := testConfig()
	cfg.Server.MaxPing = 500
	h := newHarnessWithConfig(t, cfg)
	from := addr("192.0.2.10", 27960)

	token := h.challengeToken(t, from)
	h.engine.Frame(1000)

	_, err := h.engine.DirectConnect(from,
		fmt.Sprintf("\\protocol\\71\\qport\\27960\\challenge\\%d", token))
	if !errors.Is(err, ErrPingTooHigh) {
		t.Fatalf("err = %v, want ErrPingTooHigh", err)
	}
}

func TestDirectConnectPingWindowSkippedOnLAN(t *testing.T) {
	cfg := testConfig()
	cfg.Server.MinPing = 50
	h := newHarnessWithConfig(t, cfg)
	from := addr("192.0.2.10", 27960)
	h.transport.lanAddrs["192.0.2.10"] = true

	if slot := h.connect(t, from, ""); slot < 0 {
		t.Fatalf("LAN peer rejected on ping, slot %d", slot)
	}
}

func TestDirectConnectClientsPerIP(t *testing.T) {
	cfg := testConfig()
	cfg.Server.ClientsPerIP = 1
	h := newHarnessWithConfig(t, cfg)

	h.connect(t, addr("192.0.2.10", 27960), "")

	second := addr("192.0.2.10", 27961)
	token := h.challengeToken(t, second)
	_, err := h.engine.DirectConnect(second,
		fmt.Sprintf("\\protocol\\71\\qport\\27961\\challenge\\%d", token))
	if !errors.Is(err, ErrTooManyConnections) {
		t.Fatalf("err = %v, want ErrTooManyConnections", err)
	}
}

func TestDirectConnectReconnectTooSoon(t *testing.T) {
	h := newHarness(t)
	from := addr("192.0.2.10", 27960)

	slot := h.connect(t, from, "")
	token := h.engine.Client(slot).challenge

	_, err := h.engine.DirectConnect(from,
		fmt.Sprintf("\\protocol\\71\\qport\\27960\\challenge\\%d", token))
	if !errors.Is(err, ErrReconnectTooSoon) {
		t.Fatalf("err = %v, want ErrReconnectTooSoon", err)
	}
}

func TestDirectConnectReconnectReusesSlot(t *testing.T) {
	h := newHarness(t)
	from := addr("192.0.2.10", 27960)

	slot := h.connect(t, from, "")
	cl := h.engine.Client(slot)
	cl.reliableSequence = 17
	cl.lastClientCommand = 9

	h.engine.Frame(int64(h.cfg.Server.ReconnectLimit)*1000 + 1)
	newSlot := h.connect(t, from, "")

	if newSlot != slot {
		t.Fatalf("reconnect got slot %d, want %d", newSlot, slot)
	}
	// The reconnect is a fresh session; nothing carries over.
	if cl.reliableSequence != 0 || cl.lastClientCommand != 0 {
		t.Error("reconnect carried over reliable counters")
	}
}

func TestDirectConnectPrivateSlots(t *testing.T) {
	cfg := testConfig()
	cfg.Server.PrivateClients = 2
	cfg.Server.PrivatePassword = "sekrit"
	h := newHarnessWithConfig(t, cfg)

	public := h.connect(t, addr("192.0.2.10", 27960), "")
	if public < 2 {
		t.Errorf("public client landed in reserved slot %d", public)
	}

	private := h.connect(t, addr("192.0.2.11", 27960), "\\password\\sekrit")
	if private != 0 {
		t.Errorf("private client got slot %d, want 0", private)
	}
}

func TestDirectConnectServerFull(t *testing.T) {
	cfg := testConfig()
	cfg.Server.MaxClients = 2
	h := newHarnessWithConfig(t, cfg)

	h.connect(t, addr("192.0.2.10", 27960), "")
	h.connect(t, addr("192.0.2.11", 27960), "")

	full := addr("192.0.2.12", 27960)
	token := h.challengeToken(t, full)
	_, err := h.engine.DirectConnect(full,
		fmt.Sprintf("\\protocol\\71\\qport\\27960\\challenge\\%d", token))
	if !errors.Is(err, ErrServerFull) {
		t.Fatalf("err = %v, want ErrServerFull", err)
	}
	if !h.oobContaining(full, "Server is full") {
		t.Error("full server sent no rejection")
	}
	// Both slots taken announced the full house.
	if h.directory.heartbeats != 2 {
		t.Errorf("heartbeats = %d, want 2 (first client and full server)", h.directory.heartbeats)
	}
}

func TestDirectConnectReclaimsZombieSlot(t *testing.T) {
	cfg := testConfig()
	cfg.Server.MaxClients = 1
	h := newHarnessWithConfig(t, cfg)

	slot := h.connect(t, addr("192.0.2.10", 27960), "")
	h.engine.DropClient(h.engine.Client(slot), "making room")

	if got := h.connect(t, addr("192.0.2.11", 27960), ""); got != slot {
		t.Errorf("zombie slot not reclaimed: got %d, want %d", got, slot)
	}
}

func TestDirectConnectLocalFullIsFatal(t *testing.T) {
	cfg := testConfig()
	cfg.Server.MaxClients = 1
	h := newHarnessWithConfig(t, cfg)

	h.connect(t, addr("192.0.2.10", 27960), "")

	_, err := h.engine.DirectConnect(addr("127.0.0.1", 27960), "\\protocol\\71\\qport\\5")
	if !errors.Is(err, ErrServerFullOnLocalConnect) {
		t.Fatalf("err = %v, want ErrServerFullOnLocalConnect", err)
	}
}

func TestDirectConnectLocalEvictsBots(t *testing.T) {
	cfg := testConfig()
	cfg.Server.MaxClients = 2
	h := newHarnessWithConfig(t, cfg)

	for i := 0; i < 2; i++ {
		if _, err := h.engine.AddBot(fmt.Sprintf("bot%d", i)); err != nil {
			t.Fatalf("AddBot() error: %v", err)
		}
	}

	slot, err := h.engine.DirectConnect(addr("127.0.0.1", 27960), "\\protocol\\71\\qport\\5")
	if err != nil {
		t.Fatalf("local connect with evictable bots failed: %v", err)
	}
	if h.engine.Client(slot).State() != StateConnected {
		t.Error("local client not connected after bot eviction")
	}
}

func TestDirectConnectGameRejection(t *testing.T) {
	h := newHarness(t)
	h.game.denyWith = "Server is for registered players only"
	from := addr("192.0.2.10", 27960)

	token := h.challengeToken(t, from)
	_, err := h.engine.DirectConnect(from,
		fmt.Sprintf("\\protocol\\71\\qport\\27960\\challenge\\%d", token))
	if !errors.Is(err, ErrGameRejected) {
		t.Fatalf("err = %v, want ErrGameRejected", err)
	}
	if !h.oobContaining(from, "registered players") {
		t.Error("rejection reason not relayed to the peer")
	}
}
