package internal

import (
	"context"
	"math/rand"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/arenaserver/arena/internal/core"
	"github.com/arenaserver/arena/internal/data"
	"github.com/arenaserver/arena/internal/protocol"
	"github.com/arenaserver/arena/internal/server"
)

// Controller is responsible for initializing the shared resources (logger,
// database, socket) and wiring the session engine to its collaborators.
type Controller struct {
	Config *core.Config

	wg     sync.WaitGroup
	logger *logrus.Logger
}

func (c *Controller) Start(ctx context.Context) error {
	logger, err := core.NewLogger(c.Config)
	if err != nil {
		return err
	}
	c.logger = logger

	db, err := data.Initialize(c.Config.Database.Filename, c.Config.Debugging.DatabaseLoggingEnabled)
	if err != nil {
		return err
	}
	defer data.Shutdown(db)
	logger.Infof("using database %s", c.Config.Database.Filename)

	frontend := &server.Frontend{
		Config: c.Config,
		Logger: logger,
	}
	conn, err := frontend.Bind()
	if err != nil {
		return err
	}

	engine, err := server.NewEngine(c.Config, logger, server.Collaborators{
		Transport: &server.UDPTransport{Conn: conn},
		Game:      &lobbyGame{logger: logger},
		Content:   &noContent{},
		Directory: &logDirectory{logger: logger},
		State:     &emptyState{},
		DB:        db,
	})
	if err != nil {
		return err
	}
	engine.SpawnWorld(rand.Int31(), rand.Int31(), false)

	frontend.Engine = engine
	if err := frontend.Start(ctx, &c.wg); err != nil {
		return err
	}

	<-ctx.Done()
	c.wg.Wait()
	return ctx.Err()
}

// lobbyGame is the built-in simulation: it admits everyone and logs the
// lifecycle calls. Real game logic plugs in through the Simulation interface.
type lobbyGame struct {
	logger *logrus.Logger
}

func (g *lobbyGame) ClientConnect(slot int, firstTime bool) string {
	g.logger.Debugf("client %d connected (firstTime=%v)", slot, firstTime)
	return ""
}

func (g *lobbyGame) ClientBegin(slot int) {
	g.logger.Debugf("client %d entered the world", slot)
}

func (g *lobbyGame) ClientUserinfoChanged(slot int) {}

func (g *lobbyGame) ClientCommand(slot int, args []string) {
	g.logger.Debugf("client %d command: %v", slot, args)
}

func (g *lobbyGame) ClientThink(slot int, cmd *protocol.UserCommand) {}

func (g *lobbyGame) ClientDisconnect(slot int) {
	g.logger.Debugf("client %d disconnected", slot)
}

// noContent reports no reference checksums, which fails pure validation
// closed. Deployments that enable pure mode supply a real content store.
type noContent struct{}

func (noContent) ReferenceChecksums() (int32, int32, bool) { return 0, 0, false }
func (noContent) LoadedChecksums() []int32                 { return nil }

// logDirectory stands in for a master-server announcer.
type logDirectory struct {
	logger *logrus.Logger
}

func (d *logDirectory) Heartbeat() {
	d.logger.Debug("heartbeat")
}

// emptyState writes no world payload. The framing bytes around it are still
// produced by the engine, so the protocol round-trips end to end.
type emptyState struct{}

func (emptyState) WriteGameState(m *protocol.Message, slot int) {}
func (emptyState) WriteSnapshot(m *protocol.Message, slot int)  {}
