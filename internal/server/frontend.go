package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arenaserver/arena/internal/core"
	"github.com/arenaserver/arena/internal/protocol"
)

// Connectionless packets carry this marker instead of a sequence number.
var outOfBandPrefix = []byte{0xff, 0xff, 0xff, 0xff}

// Frontend implements the datagram pump. It owns the UDP socket, feeds the
// engine one packet at a time from a single goroutine (preserving the
// engine's single-writer model), and paces outbound sends between reads.
type Frontend struct {
	Engine *Engine
	Config *core.Config
	Logger *logrus.Logger

	conn  *net.UDPConn
	epoch time.Time
}

// Bind opens the UDP socket. It is separate from Start so the caller can
// hand the bound socket to the UDPTransport before the engine exists.
func (f *Frontend) Bind() (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", f.Config.ListenAddress())
	if err != nil {
		return nil, fmt.Errorf("error resolving address: %w", err)
	}

	f.conn, err = net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("error listening on socket: %w", err)
	}
	return f.conn, nil
}

// Start spins the blocking packet loop off in its own goroutine. Context
// cancellation stops the loop.
func (f *Frontend) Start(ctx context.Context, wg *sync.WaitGroup) error {
	if f.conn == nil {
		if _, err := f.Bind(); err != nil {
			return err
		}
	}
	f.epoch = time.Now()

	wg.Add(1)
	go f.startBlockingLoop(ctx, wg)

	return nil
}

// startBlockingLoop reads datagrams until the context is cancelled. Reads
// use a short deadline so the loop can notice cancellation and flush the
// send queues on a regular cadence even when the socket is quiet.
func (f *Frontend) startBlockingLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	defer f.conn.Close()

	f.Logger.Infof("waiting for datagrams on %v", f.Config.ListenAddress())

	buffer := make([]byte, protocol.MaxMessageLength)
	for {
		select {
		case <-ctx.Done():
			f.Logger.Info("shutting down")
			return
		default:
		}

		_ = f.conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		n, from, err := f.conn.ReadFromUDP(buffer)

		now := time.Since(f.epoch).Milliseconds()
		f.Engine.Frame(now)

		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				f.Engine.RunSnapshots()
				f.Engine.SendQueuedMessages()
				continue
			}
			f.Logger.Warnf("socket error: %v", err)
			continue
		}

		if f.Config.Debugging.PacketLoggingEnabled {
			f.Logger.Debugf("%d bytes from %s", n, from)
		}

		packet := make([]byte, n)
		copy(packet, buffer[:n])
		f.handleDatagram(from, packet)

		f.Engine.SendQueuedMessages()
	}
}

// handleDatagram routes one packet: out-of-band text commands go to the
// handshake handlers, everything else resolves to an owning session.
func (f *Frontend) handleDatagram(from *net.UDPAddr, packet []byte) {
	if bytes.HasPrefix(packet, outOfBandPrefix) {
		f.handleOutOfBand(from, string(packet[len(outOfBandPrefix):]))
		return
	}

	msg := protocol.FromBytes(packet)
	sequence := msg.ReadLong()
	// The qport travels as an unsigned 16-bit value.
	qport := int(uint16(msg.ReadShort()))
	if msg.Overflowed() {
		return // runt packet
	}

	cl := f.Engine.FindClient(from, qport)
	if cl == nil || cl.state == StateZombie {
		return // late packet from a dead or unknown session
	}

	// The qport identifies the session across NAT port reassignment; track
	// the translated port so replies reach the peer.
	if cl.addr.Port != from.Port {
		cl.addr.Port = from.Port
	}

	if sequence <= cl.incomingSequence {
		return // out of order or duplicate datagram
	}
	cl.incomingSequence = sequence

	f.Engine.ExecuteClientMessage(cl, msg)
}

func (f *Frontend) handleOutOfBand(from *net.UDPAddr, text string) {
	args := protocol.Tokenize(strings.TrimRight(text, "\n"))
	switch strings.ToLower(protocol.Arg(args, 0)) {
	case "getchallenge":
		f.Engine.GetChallenge(from, args)
	case "connect":
		// Admission failures have already answered (or deliberately not
		// answered) the peer; nothing more to do here.
		_, _ = f.Engine.DirectConnect(from, protocol.Arg(args, 1))
	default:
		f.Logger.Debugf("ignoring out-of-band command %q from %s", protocol.Arg(args, 0), from)
	}
}

// UDPTransport is the production Transport implementation, writing through
// the frontend's socket.
type UDPTransport struct {
	Conn *net.UDPConn
}

func (t *UDPTransport) OutOfBandPrint(addr *net.UDPAddr, text string) {
	packet := make([]byte, 0, len(outOfBandPrefix)+len(text))
	packet = append(packet, outOfBandPrefix...)
	packet = append(packet, text...)
	_, _ = t.Conn.WriteToUDP(packet, addr)
}

func (t *UDPTransport) Deliver(addr *net.UDPAddr, data []byte) {
	_, _ = t.Conn.WriteToUDP(data, addr)
}

// IsLANAddress treats loopback and RFC1918/ULA ranges as the trusted local
// network.
func (t *UDPTransport) IsLANAddress(addr *net.UDPAddr) bool {
	if addr == nil {
		return false
	}
	return addr.IP.IsLoopback() || addr.IP.IsPrivate() || addr.IP.IsLinkLocalUnicast()
}

