package server

import (
	"fmt"
	"io"
	"net"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/arenaserver/arena/internal/core"
	"github.com/arenaserver/arena/internal/protocol"
)

// fakeTransport records everything the engine tries to send.
type fakeTransport struct {
	oobSent   []oobPacket
	delivered []deliveredPacket
	lanAddrs  map[string]bool
}

type oobPacket struct {
	addr *net.UDPAddr
	text string
}

type deliveredPacket struct {
	addr *net.UDPAddr
	data []byte
}

func (t *fakeTransport) OutOfBandPrint(addr *net.UDPAddr, text string) {
	t.oobSent = append(t.oobSent, oobPacket{addr: addr, text: text})
}

func (t *fakeTransport) Deliver(addr *net.UDPAddr, data []byte) {
	t.delivered = append(t.delivered, deliveredPacket{addr: addr, data: data})
}

func (t *fakeTransport) IsLANAddress(addr *net.UDPAddr) bool {
	return addr != nil && (addr.IP.IsLoopback() || t.lanAddrs[addr.IP.String()])
}

func (t *fakeTransport) lastOOB() string {
	if len(t.oobSent) == 0 {
		return ""
	}
	return t.oobSent[len(t.oobSent)-1].text
}

// fakeGame records lifecycle calls and can be told to deny admission.
type fakeGame struct {
	denyWith    string
	connects    []int
	begins      []int
	commands    [][]string
	thinks      []protocol.UserCommand
	disconnects []int
	infoChanges []int
}

func (g *fakeGame) ClientConnect(slot int, firstTime bool) string {
	g.connects = append(g.connects, slot)
	return g.denyWith
}

func (g *fakeGame) ClientBegin(slot int) { g.begins = append(g.begins, slot) }

func (g *fakeGame) ClientUserinfoChanged(slot int) { g.infoChanges = append(g.infoChanges, slot) }

func (g *fakeGame) ClientCommand(slot int, args []string) {
	g.commands = append(g.commands, args)
}

func (g *fakeGame) ClientThink(slot int, cmd *protocol.UserCommand) {
	g.thinks = append(g.thinks, *cmd)
}

func (g *fakeGame) ClientDisconnect(slot int) { g.disconnects = append(g.disconnects, slot) }

// fakeContent is a content store with a fixed reference pair and loaded set.
type fakeContent struct {
	ref1, ref2 int32
	ok         bool
	loaded     []int32
}

func (c *fakeContent) ReferenceChecksums() (int32, int32, bool) { return c.ref1, c.ref2, c.ok }
func (c *fakeContent) LoadedChecksums() []int32                 { return c.loaded }

type fakeDirectory struct {
	heartbeats int
}

func (d *fakeDirectory) Heartbeat() { d.heartbeats++ }

// fakeState writes a recognizable marker so tests can assert framing.
type fakeState struct{}

func (fakeState) WriteGameState(m *protocol.Message, slot int) { m.WriteString("gamestate") }
func (fakeState) WriteSnapshot(m *protocol.Message, slot int)  { m.WriteString("snapshot") }

type fakeRecorder struct {
	started []int
	stopped []int
}

func (r *fakeRecorder) StartRecording(slot int) { r.started = append(r.started, slot) }
func (r *fakeRecorder) StopRecording(slot int)  { r.stopped = append(r.stopped, slot) }

// harness bundles an engine with its fake collaborators.
type harness struct {
	engine    *Engine
	cfg       *core.Config
	transport *fakeTransport
	game      *fakeGame
	content   *fakeContent
	directory *fakeDirectory
	recorder  *fakeRecorder
}

func testConfig() *core.Config {
	cfg := &core.Config{
		GameName: "arena",
		Protocol: 71,
	}
	cfg.Server.MaxClients = 8
	cfg.Server.ReconnectLimit = 3
	cfg.Server.FloodProtect = 8
	cfg.Server.FPS = 20
	cfg.Chat.MaxSayLength = 150
	cfg.Chat.MaxRadioLength = 18
	cfg.Chat.MaxDollarVars = 4
	cfg.Chat.DollarVarWeight = 150
	cfg.Voip.Enabled = true
	return cfg
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithConfig(t, testConfig())
}

func newHarnessWithConfig(t *testing.T, cfg *core.Config) *harness {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	h := &harness{
		cfg:       cfg,
		transport: &fakeTransport{lanAddrs: map[string]bool{}},
		game:      &fakeGame{},
		content:   &fakeContent{},
		directory: &fakeDirectory{},
		recorder:  &fakeRecorder{},
	}

	engine, err := NewEngine(cfg, logger, Collaborators{
		Transport: h.transport,
		Game:      h.game,
		Content:   h.content,
		Directory: h.directory,
		State:     fakeState{},
		Recorder:  h.recorder,
	})
	if err != nil {
		t.Fatalf("NewEngine() error: %v", err)
	}
	engine.SpawnWorld(100, 0x1234, false)
	h.engine = engine
	return h
}

func addr(host string, port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(host), Port: port}
}

// challengeToken requests a challenge for the address and parses the token
// out of the reply.
func (h *harness) challengeToken(t *testing.T, from *net.UDPAddr) int32 {
	t.Helper()

	before := len(h.transport.oobSent)
	h.engine.GetChallenge(from, []string{"getchallenge", "12345", h.cfg.GameName})
	if len(h.transport.oobSent) == before {
		t.Fatal("getchallenge sent no reply")
	}

	reply := h.transport.lastOOB()
	var token, echo int32
	var proto int
	if _, err := fmt.Sscanf(reply, "challengeResponse %d %d %d", &token, &echo, &proto); err != nil {
		t.Fatalf("unexpected challenge reply %q: %v", reply, err)
	}
	return token
}

// connect runs the full handshake for a remote peer and returns the slot.
func (h *harness) connect(t *testing.T, from *net.UDPAddr, extraInfo string) int {
	t.Helper()

	token := h.challengeToken(t, from)
	userinfo := fmt.Sprintf("\\protocol\\%d\\qport\\%d\\challenge\\%d%s",
		h.cfg.Protocol, from.Port, token, extraInfo)
	slot, err := h.engine.DirectConnect(from, userinfo)
	if err != nil {
		t.Fatalf("DirectConnect() error: %v", err)
	}
	return slot
}

// lastDeliveredPayload strips the sequence framing from the most recent
// datagram delivered to the address.
func (h *harness) lastDeliveredPayload(t *testing.T, to *net.UDPAddr) *protocol.Message {
	t.Helper()
	for i := len(h.transport.delivered) - 1; i >= 0; i-- {
		d := h.transport.delivered[i]
		if sameAddress(d.addr, to) {
			msg := protocol.FromBytes(d.data)
			msg.ReadLong() // sequence
			return msg
		}
	}
	t.Fatalf("no datagram delivered to %s", to)
	return nil
}

// oobContaining reports whether any out-of-band reply to the address
// contains the substring.
func (h *harness) oobContaining(to *net.UDPAddr, substr string) bool {
	for _, p := range h.transport.oobSent {
		if sameAddress(p.addr, to) && strings.Contains(p.text, substr) {
			return true
		}
	}
	return false
}
