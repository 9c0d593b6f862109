package server

import (
	"strings"
	"testing"
)

func TestGetChallengeMintsFreshToken(t *testing.T) {
	h := newHarness(t)
	from := addr("192.0.2.10", 27960)

	first := h.challengeToken(t, from)
	second := h.challengeToken(t, from)

	if first == second {
		t.Fatal("second request reused the previous token")
	}
	// The address owns one pending entry; the old token is dead.
	if h.engine.findChallenge(from, first) != nil {
		t.Error("stale token still resolves")
	}
	if h.engine.findChallenge(from, second) == nil {
		t.Error("fresh token does not resolve")
	}
}

func TestGetChallengeGameMismatch(t *testing.T) {
	h := newHarness(t)
	from := addr("192.0.2.10", 27960)

	h.engine.GetChallenge(from, []string{"getchallenge", "12345", "otherGame"})

	if !strings.Contains(h.transport.lastOOB(), "Game mismatch") {
		t.Errorf("want game mismatch reply, got %q", h.transport.lastOOB())
	}
	if h.engine.findChallenge(from, 0) != nil {
		t.Error("mismatched request should not allocate a challenge")
	}
}

func TestGetChallengeLegacyClientOmitsGameName(t *testing.T) {
	cfg := testConfig()
	cfg.LegacyProtocol = 68
	h := newHarnessWithConfig(t, cfg)
	from := addr("192.0.2.10", 27960)

	h.engine.GetChallenge(from, []string{"getchallenge"})

	if !strings.HasPrefix(h.transport.lastOOB(), "challengeResponse ") {
		t.Errorf("legacy request refused: %q", h.transport.lastOOB())
	}
}

func TestGetChallengeRateLimited(t *testing.T) {
	h := newHarness(t)
	from := addr("192.0.2.10", 27960)

	for i := 0; i < 30; i++ {
		h.engine.GetChallenge(from, []string{"getchallenge", "1", h.cfg.GameName})
	}

	if replies := len(h.transport.oobSent); replies > 10 {
		t.Errorf("flood produced %d replies, want at most the burst allowance", replies)
	}
}

func TestChallengeClearedOnDisconnect(t *testing.T) {
	h := newHarness(t)
	from := addr("192.0.2.10", 27960)

	slot := h.connect(t, from, "")
	cl := h.engine.Client(slot)
	token := cl.challenge

	h.engine.DropClient(cl, "test")

	if h.engine.findChallenge(from, token) != nil {
		t.Error("challenge survived the disconnect")
	}
}
