package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/framelink-project/framelink/internal/protocol"
)

// DiscoveryProbe is the first byte of a LAN discovery datagram.
const DiscoveryProbe byte = 0xF7

// DiscoveryResponder answers LAN discovery probes with a framed
// ServerSendInfo describing the local server.
type DiscoveryResponder struct {
	addr   string
	reply  []byte
	logger zerolog.Logger

	conn net.PacketConn
}

// NewDiscoveryResponder creates a responder for addr (for example ":7001").
func NewDiscoveryResponder(addr string, info protocol.ServerSendInfo) (*DiscoveryResponder, error) {
	reply, err := protocol.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("failed to encode discovery reply: %w", err)
	}
	return &DiscoveryResponder{
		addr:   addr,
		reply:  reply,
		logger: log.With().Str("component", "discovery").Logger(),
	}, nil
}

// Listen binds the UDP socket.
func (d *DiscoveryResponder) Listen(ctx context.Context) error {
	lc := ReuseAddrListenConfig()
	pc, err := lc.ListenPacket(ctx, "udp4", d.addr)
	if err != nil {
		return fmt.Errorf("failed to start discovery responder on %s: %w", d.addr, err)
	}
	d.conn = pc
	d.logger.Info().Str("addr", pc.LocalAddr().String()).Msg("discovery responder started")
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (d *DiscoveryResponder) Addr() net.Addr {
	if d.conn == nil {
		return nil
	}
	return d.conn.LocalAddr()
}

// Serve answers probes until ctx is cancelled or the socket is closed.
func (d *DiscoveryResponder) Serve(ctx context.Context) error {
	if d.conn == nil {
		return errors.New("discovery responder is not listening")
	}

	go func() {
		<-ctx.Done()
		d.conn.Close()
	}()

	buf := make([]byte, 512)
	for {
		n, remote, err := d.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				d.logger.Info().Msg("discovery responder stopping")
				return nil
			}
			d.logger.Error().Err(err).Msg("UDP read error")
			continue
		}

		if n < 1 || buf[0] != DiscoveryProbe {
			continue
		}

		if _, err := d.conn.WriteTo(d.reply, remote); err != nil {
			d.logger.Warn().Err(err).Str("remote", remote.String()).Msg("failed to send discovery reply")
			continue
		}
		d.logger.Trace().Str("remote", remote.String()).Msg("responded to discovery probe")
	}
}

// Close stops the responder.
func (d *DiscoveryResponder) Close() error {
	if d.conn != nil {
		return d.conn.Close()
	}
	return nil
}

// Probe sends one discovery probe to addr and decodes the reply.
func Probe(ctx context.Context, addr string) (protocol.ServerSendInfo, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp4", addr)
	if err != nil {
		return protocol.ServerSendInfo{}, fmt.Errorf("probe dial failed: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte{DiscoveryProbe}); err != nil {
		return protocol.ServerSendInfo{}, fmt.Errorf("probe write failed: %w", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	conn.SetReadDeadline(deadline)

	buf := make([]byte, 512)
	n, err := conn.Read(buf)
	if err != nil {
		return protocol.ServerSendInfo{}, fmt.Errorf("probe read failed: %w", err)
	}

	msg, err := protocol.Unmarshal(buf[:n])
	if err != nil {
		return protocol.ServerSendInfo{}, fmt.Errorf("probe reply undecodable: %w", err)
	}
	info, ok := msg.(protocol.ServerSendInfo)
	if !ok {
		return protocol.ServerSendInfo{}, fmt.Errorf("unexpected probe reply %s", msg.Tag())
	}
	return info, nil
}
