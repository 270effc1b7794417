package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"
)

const (
	discoveryRequest  = 0x1
	discoveryResponse = 0x2
	discoveryLength   = 74

	defaultDiscoveryTimeout = 5 * time.Second
)

var ErrDiscovery = errors.New("ip discovery failed")

// UDPDialer opens voice media connections over UDP.
type UDPDialer struct {
	Logger *slog.Logger
	// DiscoveryTimeout bounds Discover when ctx has no deadline.
	DiscoveryTimeout time.Duration
}

func (d UDPDialer) DialMedia(ctx context.Context, address string) (MediaConn, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "udp", address)
	if err != nil {
		return nil, fmt.Errorf("could not open voice UDP connection: %w", err)
	}

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := d.DiscoveryTimeout
	if timeout <= 0 {
		timeout = defaultDiscoveryTimeout
	}
	return &udpConn{conn: conn, timeout: timeout, logger: logger.With("component", "udp")}, nil
}

type udpConn struct {
	conn    net.Conn
	timeout time.Duration
	logger  *slog.Logger
}

// Discover sends the 74 byte discovery request and parses our external
// address from the reply.
func (c *udpConn) Discover(ctx context.Context, ssrc uint32) (string, int, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.timeout)
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return "", 0, fmt.Errorf("could not set discovery deadline: %w", err)
	}
	defer c.conn.SetDeadline(time.Time{})

	if _, err := c.conn.Write(DiscoveryPacket(ssrc)); err != nil {
		return "", 0, fmt.Errorf("could not send discovery packet: %w", err)
	}

	buf := make([]byte, discoveryLength)
	n, err := c.conn.Read(buf)
	if err != nil {
		return "", 0, fmt.Errorf("could not receive discovery response: %w", err)
	}

	ip, port, err := ParseDiscovery(buf[:n])
	if err != nil {
		return "", 0, err
	}
	c.logger.Debug("Discover: resolved external address", "ip", ip, "port", port)
	return ip, port, nil
}

func (c *udpConn) Write(packet []byte) (int, error) {
	return c.conn.Write(packet)
}

func (c *udpConn) Read(buf []byte) (int, error) {
	return c.conn.Read(buf)
}

func (c *udpConn) Close() error {
	return c.conn.Close()
}

// DiscoveryPacket builds an IP discovery request for ssrc.
func DiscoveryPacket(ssrc uint32) []byte {
	packet := make([]byte, discoveryLength)
	binary.BigEndian.PutUint16(packet[0:2], discoveryRequest)
	binary.BigEndian.PutUint16(packet[2:4], discoveryLength-4)
	binary.BigEndian.PutUint32(packet[4:8], ssrc)
	return packet
}

// ParseDiscovery reads the address and port out of a discovery response.
func ParseDiscovery(packet []byte) (string, int, error) {
	if len(packet) < discoveryLength {
		return "", 0, fmt.Errorf("%w: short response (%d bytes)", ErrDiscovery, len(packet))
	}
	if binary.BigEndian.Uint16(packet[0:2]) != discoveryResponse {
		return "", 0, fmt.Errorf("%w: unexpected packet type %#x", ErrDiscovery, packet[1])
	}

	address := packet[8:72]
	if i := bytes.IndexByte(address, 0); i >= 0 {
		address = address[:i]
	}
	if len(address) == 0 {
		return "", 0, fmt.Errorf("%w: empty address", ErrDiscovery)
	}
	port := binary.BigEndian.Uint16(packet[72:74])
	return string(address), int(port), nil
}
