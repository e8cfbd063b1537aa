//go:build linux

// Package isotpsock configures a Linux kernel CAN_ISOTP socket. It
// exists purely as an interface-configuration helper for comparing the
// userspace engine's wire behavior against the kernel module's own
// ISO-TP implementation in integration tests; it does not reimplement
// any part of the protocol itself — once bound and connected, the
// kernel owns segmentation, reassembly, and flow control for this
// socket, and Read/Write exchange whole payloads, not frames.
package isotpsock

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux uapi/linux/can.h and uapi/linux/can/isotp.h constants not
// exposed by golang.org/x/sys/unix, which only carries CAN_RAW/CAN_BCM.
const (
	canISOTP     = 6   // CAN_ISOTP protocol number
	solCANBase   = 100 // SOL_CAN_BASE
	solCANISOTP  = solCANBase + canISOTP
	optISOTPOpts = 1 // CAN_ISOTP_OPTS
	optISOTPFC   = 2 // CAN_ISOTP_RECV_FC
)

// rawSockaddrCANISOTP mirrors struct sockaddr_can's tp addressing
// union (uapi/linux/can.h); x/sys/unix's SockaddrCAN only models the
// plain (non-addressed) variant, so ISO-TP's rx_id/tx_id pair is bound
// by hand through a raw syscall instead.
type rawSockaddrCANISOTP struct {
	Family  uint16
	Ifindex int32
	RxID    uint32
	TxID    uint32
	_       [8]byte // remainder of the kernel union, unused here
}

// isotpOptions mirrors struct can_isotp_options.
type isotpOptions struct {
	Flags       uint32
	FrameTxtime uint32
	ExtAddress  uint8
	TxpadByte   uint8
	RxpadByte   uint8
	RxExtAddr   uint8
}

// Socket is one bound, connected CAN_ISOTP socket.
type Socket struct {
	fd int
}

// Open creates a CAN_ISOTP socket on ifname (e.g. "vcan0"), bound to
// rxID for reception and txID for transmission — the same identifier
// pair an Address derives for Normal/Extended 11-bit addressing. Mixed
// and 29-bit fixed addressing schemes are out of scope here; this
// adapter targets comparison testing of the common case only.
func Open(ifname string, rxID, txID uint32) (*Socket, error) {
	ifindex, err := interfaceIndex(ifname)
	if err != nil {
		return nil, fmt.Errorf("isotpsock: resolving interface %q: %w", ifname, err)
	}

	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_DGRAM, canISOTP)
	if err != nil {
		return nil, fmt.Errorf("isotpsock: socket: %w", err)
	}

	addr := rawSockaddrCANISOTP{
		Family:  uint16(unix.AF_CAN),
		Ifindex: int32(ifindex),
		RxID:    rxID,
		TxID:    txID,
	}
	if err := bind(fd, &addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("isotpsock: bind: %w", err)
	}

	return &Socket{fd: fd}, nil
}

// SetOptions configures tx/rx padding for this socket via
// SOL_CAN_ISOTP / CAN_ISOTP_OPTS. Extended addressing is not set; the
// address-extension fields are left at zero.
func (s *Socket) SetOptions(txPad, rxPad byte, usePadding bool) error {
	var opts isotpOptions
	if usePadding {
		opts.Flags |= 0x4 | 0x8 // CAN_ISOTP_TX_PADDING | CAN_ISOTP_RX_PADDING
	}
	opts.TxpadByte = txPad
	opts.RxpadByte = rxPad

	buf := (*(*[unsafe.Sizeof(isotpOptions{})]byte)(unsafe.Pointer(&opts)))[:]
	return setsockopt(s.fd, solCANISOTP, optISOTPOpts, buf)
}

// SetFlowControlOptions configures the block size, STmin, and wait-frame
// ceiling the kernel will advertise in its own FlowControl frames, via
// CAN_ISOTP_RECV_FC.
func (s *Socket) SetFlowControlOptions(blockSize, stmin, wftmax uint8) error {
	buf := []byte{blockSize, stmin, wftmax} // struct can_isotp_fc_options
	return setsockopt(s.fd, solCANISOTP, optISOTPFC, buf)
}

// Write hands a full payload to the kernel for ISO-TP segmentation and
// transmission; the kernel emits however many CAN frames that requires.
func (s *Socket) Write(payload []byte) (int, error) {
	return unix.Write(s.fd, payload)
}

// Read blocks until the kernel has fully reassembled one payload.
func (s *Socket) Read(buf []byte) (int, error) {
	return unix.Read(s.fd, buf)
}

// Close releases the socket.
func (s *Socket) Close() error {
	return unix.Close(s.fd)
}

func bind(fd int, addr *rawSockaddrCANISOTP) error {
	_, _, errno := unix.Syscall(unix.SYS_BIND, uintptr(fd), uintptr(unsafe.Pointer(addr)), unsafe.Sizeof(*addr))
	if errno != 0 {
		return errno
	}
	return nil
}

func setsockopt(fd, level, opt int, buf []byte) error {
	_, _, errno := unix.Syscall6(unix.SYS_SETSOCKOPT, uintptr(fd), uintptr(level), uintptr(opt),
		uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)), 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func interfaceIndex(ifname string) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return 0, err
	}
	defer unix.Close(fd)

	var ifr struct {
		name  [unix.IFNAMSIZ]byte
		index int32
	}
	copy(ifr.name[:], ifname)

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), unix.SIOCGIFINDEX, uintptr(unsafe.Pointer(&ifr)))
	if errno != 0 {
		return 0, errno
	}

	return int(ifr.index), nil
}
