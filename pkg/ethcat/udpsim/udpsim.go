// Package udpsim implements ethcat.Transport by tunneling EtherCAT frames
// over UDP, for development and tests where an AF_PACKET raw socket is
// unavailable (no CAP_NET_RAW, non-Linux host, CI containers). It carries
// the exact same ethcat.Frame/Datagram wire bytes as rawsock - only the
// outer envelope differs - so EcatFabric is unaware which backend it runs
// against. The same role the teacher's virtual.go TCP broker plays for
// pkg/can: a network-shaped backend with no real hardware dependency.
package udpsim

import (
	"fmt"
	"net"
	"time"

	"github.com/samsamfire/cmlgo/pkg/ethcat"
)

func init() {
	ethcat.RegisterTransport("udpsim", New)
}

// Transport tunnels EtherCAT frames as UDP datagrams between a local and a
// peer address, given as "iface" in the form "listen_addr,peer_addr"
// (e.g. "127.0.0.1:18900,127.0.0.1:18901").
type Transport struct {
	localAddr string
	peerAddr  string
	conn      *net.UDPConn
	peer      *net.UDPAddr
	mac       [6]byte
	open      bool
}

func New(spec string) (ethcat.Transport, error) {
	local, peer, err := splitSpec(spec)
	if err != nil {
		return nil, err
	}
	return &Transport{localAddr: local, peerAddr: peer}, nil
}

func splitSpec(spec string) (local, peer string, err error) {
	for i := 0; i < len(spec); i++ {
		if spec[i] == ',' {
			return spec[:i], spec[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("%w: udpsim address must be \"local,peer\", got %q", ethcat.ErrBadParam, spec)
}

func (t *Transport) Open() error {
	laddr, err := net.ResolveUDPAddr("udp", t.localAddr)
	if err != nil {
		return fmt.Errorf("%w: %v", ethcat.ErrBadParam, err)
	}
	raddr, err := net.ResolveUDPAddr("udp", t.peerAddr)
	if err != nil {
		return fmt.Errorf("%w: %v", ethcat.ErrBadParam, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return fmt.Errorf("%w: %v", ethcat.ErrDriver, err)
	}
	t.conn = conn
	t.peer = raddr
	// Synthesize a locally-administered MAC from the bound port so frame
	// source addresses are distinct per simulated node without needing a
	// real NIC.
	port := laddr.Port
	t.mac = [6]byte{0x02, 0x00, 0x00, 0x00, byte(port >> 8), byte(port)}
	t.open = true
	return nil
}

func (t *Transport) Close() error {
	if !t.open {
		return ethcat.ErrNotOpen
	}
	t.open = false
	return t.conn.Close()
}

func (t *Transport) LocalMAC() [6]byte {
	return t.mac
}

func (t *Transport) SendRaw(frame []byte) error {
	if !t.open {
		return ethcat.ErrNotOpen
	}
	_, err := t.conn.WriteToUDP(frame, t.peer)
	if err != nil {
		return fmt.Errorf("%w: %v", ethcat.ErrDriver, err)
	}
	return nil
}

func (t *Transport) RecvRaw(timeout time.Duration) ([]byte, error) {
	if !t.open {
		return nil, ethcat.ErrNotOpen
	}
	if timeout < 0 {
		_ = t.conn.SetReadDeadline(time.Time{})
	} else {
		_ = t.conn.SetReadDeadline(time.Now().Add(timeout))
	}
	buf := make([]byte, 1600)
	n, _, err := t.conn.ReadFromUDP(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, ethcat.ErrTimeout
		}
		return nil, fmt.Errorf("%w: %v", ethcat.ErrDriver, err)
	}
	return buf[:n], nil
}
