// Package socketcan bridges a Linux SocketCAN interface to the engine's
// TxCallback/RxCallback contract using github.com/brutella/can, a thin
// binding over AF_CAN raw sockets. It carries classic CAN frames only;
// CAN-FD traffic should go through adapters/isotpsock instead, which
// configures the kernel's own ISO-TP socket option rather than
// bridging raw frames by hand.
package socketcan

import (
	"fmt"
	"sync"

	canbus "github.com/brutella/can"

	"github.com/iso15765/isotp"
)

// defaultQueueDepth bounds the adapter's internal receive buffer; once
// full, the oldest unread frame is dropped to make room for the newest
// one, favoring freshness over completeness for a live bus feed.
const defaultQueueDepth = 256

// Adapter owns one SocketCAN interface binding and adapts it to the
// two plain functions an Engine needs: a TxCallback and an RxCallback.
type Adapter struct {
	bus *canbus.Bus

	mu    sync.Mutex
	queue []canbus.Frame
	depth int
}

// Open binds to the named Linux network interface (e.g. "can0",
// "vcan0") and starts listening for incoming frames in the background.
// Close releases the socket.
func Open(ifname string) (*Adapter, error) {
	bus, err := canbus.NewBus(ifname)
	if err != nil {
		return nil, fmt.Errorf("socketcan: opening %q: %w", ifname, err)
	}

	a := &Adapter{bus: bus, depth: defaultQueueDepth}
	bus.SubscribeFunc(a.onFrame)

	go func() {
		if err := bus.ConnectAndPublish(); err != nil {
			// the bus goroutine only returns on socket teardown or a
			// fatal read error; nothing left to do from here but let
			// Recv starve until the caller notices and reopens.
			_ = err
		}
	}()

	return a, nil
}

// Close shuts down the underlying socket.
func (a *Adapter) Close() error {
	return a.bus.Disconnect()
}

func (a *Adapter) onFrame(frm canbus.Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.queue) >= a.depth {
		a.queue = a.queue[1:]
	}
	a.queue = append(a.queue, frm)
}

// Recv implements isotp.RxCallback: it never blocks, returning ok=false
// when no frame is currently queued.
func (a *Adapter) Recv() (*isotp.CanMessage, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.queue) == 0 {
		return nil, false
	}

	frm := a.queue[0]
	a.queue = a.queue[1:]

	return frameToMessage(frm), true
}

// Send implements isotp.TxCallback.
func (a *Adapter) Send(msg isotp.CanMessage) error {
	if msg.IsFD {
		return fmt.Errorf("socketcan: CAN-FD frames are not supported by this binding, use adapters/isotpsock")
	}
	if len(msg.Data) > 8 {
		return fmt.Errorf("socketcan: classic CAN frame data must be at most 8 bytes, got %d", len(msg.Data))
	}

	frm := canbus.Frame{
		ID:     msg.ArbitrationID,
		Length: uint8(len(msg.Data)),
	}
	copy(frm.Data[:], msg.Data)

	return a.bus.Publish(frm)
}

func frameToMessage(frm canbus.Frame) *isotp.CanMessage {
	return &isotp.CanMessage{
		ArbitrationID: frm.ID,
		IsExtendedID:  frm.ID > isotp.MaxStandardID,
		DLC:           frm.Length,
		Data:          append([]byte{}, frm.Data[:frm.Length]...),
	}
}
