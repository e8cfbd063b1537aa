package isotp

import (
	"fmt"
	"sync"
	"testing"
)

// withClock overrides the engine's clock; used only by tests to drive
// timers deterministically instead of sleeping on the wall clock.
func withClock(c clock) EngineOption {
	return func(e *Engine) { e.clk = c }
}

// bus is an in-memory, order-preserving CAN segment shared by two
// loopback-wired engines in these tests. Access is mutex-guarded since
// the worker tests drive it from a background goroutine.
type bus struct {
	mu     sync.Mutex
	frames []CanMessage
}

func (b *bus) send(m CanMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = append(b.frames, m)
	return nil
}

func (b *bus) recv() (*CanMessage, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.frames) == 0 {
		return nil, false
	}
	m := b.frames[0]
	b.frames = b.frames[1:]
	return &m, true
}

func (b *bus) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

func mustAddress(t *testing.T, mode AddressingMode, opts ...AddressOption) *Address {
	t.Helper()
	a, err := NewAddress(mode, opts...)
	if err != nil {
		t.Fatalf("NewAddress: %v", err)
	}
	return a
}

func mustParams(t *testing.T, opts ...ParamsOption) *Parameters {
	t.Helper()
	p, err := NewParameters(opts...)
	if err != nil {
		t.Fatalf("NewParameters: %v", err)
	}
	return p
}

// pumpUntil runs Process() on both engines in lockstep, draining
// whatever is on the wire, until fn reports done or the iteration
// budget is exhausted.
func pumpUntil(t *testing.T, a, b *Engine, fn func() bool) {
	t.Helper()
	for i := 0; i < 10000; i++ {
		a.Process()
		b.Process()
		if fn() {
			return
		}
	}
	t.Fatalf("pumpUntil: exceeded iteration budget")
}

func payloadOf(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i % 256)
	}
	return out
}

// --- seed scenario 1 --------------------------------------------------

func TestSeedSingleFramePhysicalNormal11(t *testing.T) {
	addr := mustAddress(t, Normal11bits, WithTxID(0x456), WithRxID(0x123))
	params := mustParams(t)

	var wire bus
	e, err := NewEngine(addr, params,
		func(m CanMessage) error { return wire.send(m) },
		func() (*CanMessage, bool) { return nil, false },
	)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	if err := e.Send([]byte{0x01, 0x02, 0x03}, Physical); err != nil {
		t.Fatalf("Send: %v", err)
	}
	e.Process()

	if len(wire.frames) != 1 {
		t.Fatalf("expected exactly one frame on the wire, got %d", len(wire.frames))
	}
	got := wire.frames[0]
	want := []byte{0x03, 0x01, 0x02, 0x03}
	if string(got.Data) != string(want) {
		t.Errorf("wire frame = % x, want % x", got.Data, want)
	}
	if got.DLC != 4 {
		t.Errorf("DLC = %d, want 4", got.DLC)
	}
	if got.ArbitrationID != 0x456 {
		t.Errorf("arbitration id = 0x%x, want 0x456", got.ArbitrationID)
	}
}

// --- seed scenario 2 --------------------------------------------------

func TestSeedMultiframeTenBytesNormal11(t *testing.T) {
	addrA := mustAddress(t, Normal11bits, WithTxID(0x456), WithRxID(0x123))
	addrB := mustAddress(t, Normal11bits, WithTxID(0x123), WithRxID(0x456))
	params := mustParams(t, WithSTmin(0), WithBlockSize(0), WithSquashSTminRequirement(true))

	var aToB, bToA bus
	a, err := NewEngine(addrA, params,
		func(m CanMessage) error { return aToB.send(m) },
		func() (*CanMessage, bool) { return bToA.recv() },
	)
	if err != nil {
		t.Fatalf("NewEngine a: %v", err)
	}
	b, err := NewEngine(addrB, params,
		func(m CanMessage) error { return bToA.send(m) },
		func() (*CanMessage, bool) { return aToB.recv() },
	)
	if err != nil {
		t.Fatalf("NewEngine b: %v", err)
	}

	payload := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0A}
	if err := a.Send(payload, Physical); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var received []byte
	pumpUntil(t, a, b, func() bool {
		if p, ok := b.Recv(); ok {
			received = p
			return true
		}
		return false
	})

	if string(received) != string(payload) {
		t.Errorf("reassembled payload = % x, want % x", received, payload)
	}
}

// --- seed scenario 3: block size / STmin cadence ----------------------

func TestSeedBlockSizeCadence(t *testing.T) {
	addrA := mustAddress(t, Normal11bits, WithTxID(0x456), WithRxID(0x123))
	addrB := mustAddress(t, Normal11bits, WithTxID(0x123), WithRxID(0x456))
	params := mustParams(t, WithSTmin(2), WithBlockSize(3), WithSquashSTminRequirement(true))

	var aToB, bToA bus
	var fcCount int
	a, err := NewEngine(addrA, params,
		func(m CanMessage) error { return aToB.send(m) },
		func() (*CanMessage, bool) { return bToA.recv() },
	)
	if err != nil {
		t.Fatalf("NewEngine a: %v", err)
	}
	b, err := NewEngine(addrB, params,
		func(m CanMessage) error {
			fcCount++
			return bToA.send(m)
		},
		func() (*CanMessage, bool) { return aToB.recv() },
	)
	if err != nil {
		t.Fatalf("NewEngine b: %v", err)
	}

	payload := payloadOf(4095)
	if err := a.Send(payload, Physical); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var received []byte
	pumpUntil(t, a, b, func() bool {
		if p, ok := b.Recv(); ok {
			received = p
			return true
		}
		return false
	})

	if string(received) != string(payload) {
		t.Errorf("reassembled payload length = %d, want %d", len(received), len(payload))
	}

	// blocksize=3 means one FC after the FF and then one every 3 CFs;
	// with 4095 bytes and 7-byte CF payloads that's well over a dozen.
	if fcCount < 10 {
		t.Errorf("expected a double-digit number of FlowControl(CTS) frames for a blocksize of 3, got %d", fcCount)
	}
}

// --- seed scenario 4: escape FirstFrame -------------------------------

func TestSeedEscapeFirstFrame(t *testing.T) {
	addrA := mustAddress(t, Normal11bits, WithTxID(0x456), WithRxID(0x123))
	addrB := mustAddress(t, Normal11bits, WithTxID(0x123), WithRxID(0x456))
	params := mustParams(t, WithSTmin(0), WithBlockSize(0),
		WithSquashSTminRequirement(true), WithMaxFrameSize(70000))

	var aToB, bToA bus
	a, err := NewEngine(addrA, params,
		func(m CanMessage) error { return aToB.send(m) },
		func() (*CanMessage, bool) { return bToA.recv() },
	)
	if err != nil {
		t.Fatalf("NewEngine a: %v", err)
	}
	b, err := NewEngine(addrB, params,
		func(m CanMessage) error { return bToA.send(m) },
		func() (*CanMessage, bool) { return aToB.recv() },
	)
	if err != nil {
		t.Fatalf("NewEngine b: %v", err)
	}

	payload := payloadOf(65536)
	if err := a.Send(payload, Physical); err != nil {
		t.Fatalf("Send: %v", err)
	}
	a.Process()

	if len(aToB.frames) != 1 {
		t.Fatalf("expected exactly one FirstFrame on the wire, got %d", len(aToB.frames))
	}
	ff := aToB.frames[0].Data
	wantHeader := []byte{0x10, 0x00, 0x00, 0x01, 0x00, 0x00}
	if string(ff[:6]) != string(wantHeader) {
		t.Errorf("first frame header = % x, want % x", ff[:6], wantHeader)
	}

	var received []byte
	pumpUntil(t, a, b, func() bool {
		if p, ok := b.Recv(); ok {
			received = p
			return true
		}
		return false
	})

	if len(received) != len(payload) {
		t.Fatalf("reassembled length = %d, want %d", len(received), len(payload))
	}
	if string(received) != string(payload) {
		t.Errorf("reassembled payload mismatch")
	}
}

// --- seed scenario 5: N_Cr timeout -------------------------------------

func TestSeedConsecutiveFrameTimeout(t *testing.T) {
	addr := mustAddress(t, Normal11bits, WithTxID(0x456), WithRxID(0x123))
	params := mustParams(t, WithRxConsecutiveFrameTimeout(100))

	clk := newFakeClock()
	var errs []error
	var rxQueue []CanMessage

	e, err := NewEngine(addr, params,
		func(m CanMessage) error { return nil },
		func() (*CanMessage, bool) {
			if len(rxQueue) == 0 {
				return nil, false
			}
			m := rxQueue[0]
			rxQueue = rxQueue[1:]
			return &m, true
		},
		withClock(clk),
		WithErrorHandler(func(err error) { errs = append(errs, err) }),
	)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	rxQueue = append(rxQueue, CanMessage{ArbitrationID: 0x123, Data: []byte{0x10, 0x0A, 1, 2, 3, 4, 5, 6}})
	e.Process()

	clk.Advance(101 * 1e6) // 101ms in nanoseconds

	rxQueue = append(rxQueue, CanMessage{ArbitrationID: 0x123, Data: []byte{0x21, 7, 8, 9, 10, 0, 0}})
	e.Process()

	found := false
	for _, err := range errs {
		if IsKind(err, ErrKindConsecutiveFrameTimeout) {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a ConsecutiveFrameTimeoutError, got %v", errs)
	}

	// subsequent reception must succeed from a clean slate.
	rxQueue = append(rxQueue, CanMessage{ArbitrationID: 0x123, Data: []byte{0x10, 0x0A, 1, 2, 3, 4, 5, 6}})
	e.Process()
	rxQueue = append(rxQueue, CanMessage{ArbitrationID: 0x123, Data: []byte{0x21, 7, 8, 9, 10, 0, 0}})
	e.Process()

	payload, ok := e.Recv()
	if !ok {
		t.Fatalf("expected a reassembled payload after recovery")
	}
	want := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	if string(payload) != string(want) {
		t.Errorf("reassembled payload = % x, want % x", payload, want)
	}
}

// --- seed scenario 6: Mixed_29bits -------------------------------------

func TestSeedMixed29BitsRoundTrip(t *testing.T) {
	addrA := mustAddress(t, Mixed29bits,
		WithTargetAddress(0x55), WithSourceAddress(0xAA), WithAddressExtension(0x99))
	addrB := mustAddress(t, Mixed29bits,
		WithTargetAddress(0xAA), WithSourceAddress(0x55), WithAddressExtension(0x99))
	params := mustParams(t)

	var wire bus
	a, err := NewEngine(addrA, params,
		func(m CanMessage) error { return wire.send(m) },
		func() (*CanMessage, bool) { return nil, false },
	)
	if err != nil {
		t.Fatalf("NewEngine a: %v", err)
	}

	if err := a.Send([]byte{0x01, 0x02, 0x03}, Physical); err != nil {
		t.Fatalf("Send: %v", err)
	}
	a.Process()

	if len(wire.frames) != 1 {
		t.Fatalf("expected one frame, got %d", len(wire.frames))
	}
	got := wire.frames[0]
	if got.ArbitrationID != 0x18CE55AA {
		t.Errorf("arbitration id = 0x%x, want 0x18ce55aa", got.ArbitrationID)
	}
	want := []byte{0x99, 0x03, 0x01, 0x02, 0x03}
	if string(got.Data) != string(want) {
		t.Errorf("wire data = % x, want % x", got.Data, want)
	}

	if !addrB.Accepts(&got) {
		t.Fatalf("peer address should accept this frame")
	}
	pdu, err := decodePDU(got.Data[addrB.RxPrefixSize():])
	if err != nil {
		t.Fatalf("decodePDU: %v", err)
	}
	if string(pdu.Data) != string([]byte{0x01, 0x02, 0x03}) {
		t.Errorf("decoded payload = % x, want 01 02 03", pdu.Data)
	}
}

// --- universal properties ----------------------------------------------

func TestRoundTripAcrossPayloadSizes(t *testing.T) {
	addrA := mustAddress(t, Normal11bits, WithTxID(0x456), WithRxID(0x123))
	addrB := mustAddress(t, Normal11bits, WithTxID(0x123), WithRxID(0x456))
	params := mustParams(t, WithSquashSTminRequirement(true))

	for _, n := range []int{1, 6, 7, 8, 20, 300, 4095} {
		n := n
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			var aToB, bToA bus
			a, err := NewEngine(addrA, params,
				func(m CanMessage) error { return aToB.send(m) },
				func() (*CanMessage, bool) { return bToA.recv() },
			)
			if err != nil {
				t.Fatalf("NewEngine a: %v", err)
			}
			b, err := NewEngine(addrB, params,
				func(m CanMessage) error { return bToA.send(m) },
				func() (*CanMessage, bool) { return aToB.recv() },
			)
			if err != nil {
				t.Fatalf("NewEngine b: %v", err)
			}

			payload := payloadOf(n)
			if err := a.Send(payload, Physical); err != nil {
				t.Fatalf("Send: %v", err)
			}

			var received []byte
			pumpUntil(t, a, b, func() bool {
				if p, ok := b.Recv(); ok {
					received = p
					return true
				}
				return false
			})

			if string(received) != string(payload) {
				t.Errorf("payload mismatch for n=%d", n)
			}
		})
	}
}

func TestWrongSequenceNumberDiscardsAssembly(t *testing.T) {
	addr := mustAddress(t, Normal11bits, WithTxID(0x456), WithRxID(0x123))
	params := mustParams(t)

	var errs []error
	e, err := NewEngine(addr, params,
		func(m CanMessage) error { return nil },
		func() (*CanMessage, bool) { return nil, false },
		WithErrorHandler(func(err error) { errs = append(errs, err) }),
	)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	e.processRx(&CanMessage{ArbitrationID: 0x123, Data: []byte{0x10, 0x0A, 1, 2, 3, 4, 5, 6}})
	// wrong seqnum: expected 1, sending 2
	e.processRx(&CanMessage{ArbitrationID: 0x123, Data: []byte{0x22, 7, 8, 9, 10, 0, 0}})

	found := false
	for _, err := range errs {
		if IsKind(err, ErrKindWrongSequenceNumber) {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a WrongSequenceNumberError, got %v", errs)
	}
	if e.rxState != RxIdle {
		t.Errorf("rx state = %v, want IDLE after discarding the assembly", e.rxState)
	}
	if _, ok := e.Recv(); ok {
		t.Errorf("no payload should have been delivered")
	}
}

func TestAddressingIsolationIgnoresForeignFrames(t *testing.T) {
	addr := mustAddress(t, Normal11bits, WithTxID(0x456), WithRxID(0x123))
	params := mustParams(t)

	e, err := NewEngine(addr, params,
		func(m CanMessage) error { return nil },
		func() (*CanMessage, bool) { return nil, false },
	)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	before := *e
	e.processRx(&CanMessage{ArbitrationID: 0x999, Data: []byte{0x03, 1, 2, 3}})

	if e.rxState != before.rxState || len(e.rxBuffer) != len(before.rxBuffer) || e.actualRxDL != before.actualRxDL {
		t.Errorf("a frame rejected by address.Accepts must not mutate engine state")
	}
	if e.Available() {
		t.Errorf("no payload should have been delivered from a foreign frame")
	}
}

func TestResetIsIdempotentFromAnyState(t *testing.T) {
	addr := mustAddress(t, Normal11bits, WithTxID(0x456), WithRxID(0x123))
	params := mustParams(t)

	e, err := NewEngine(addr, params,
		func(m CanMessage) error { return nil },
		func() (*CanMessage, bool) { return nil, false },
	)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	// drive both FSMs into a non-idle state.
	_ = e.Send(payloadOf(20), Physical)
	e.Process()
	e.processRx(&CanMessage{ArbitrationID: 0x123, Data: []byte{0x10, 0x0A, 1, 2, 3, 4, 5, 6}})

	e.Reset()

	if e.rxState != RxIdle {
		t.Errorf("rx_state = %v after reset, want IDLE", e.rxState)
	}
	if e.txState != TxIdle {
		t.Errorf("tx_state = %v after reset, want IDLE", e.txState)
	}
	if len(e.inputQueue) != 0 || len(e.outputQueue) != 0 {
		t.Errorf("queues must be empty after reset")
	}
	if e.timerRxCF.Running() || e.timerRxFC.Running() || e.timerTxSTmin.Running() {
		t.Errorf("all timers must be stopped after reset")
	}

	// calling it again from the rest state must be a no-op.
	e.Reset()
	if e.rxState != RxIdle || e.txState != TxIdle {
		t.Errorf("a second reset must converge to the same rest state")
	}
}

func TestSTminPacingGatesConsecutiveFrames(t *testing.T) {
	addr := mustAddress(t, Normal11bits, WithTxID(0x456), WithRxID(0x123))
	params := mustParams(t)

	clk := newFakeClock()
	var wire bus
	e, err := NewEngine(addr, params,
		func(m CanMessage) error { return wire.send(m) },
		func() (*CanMessage, bool) { return nil, false },
		withClock(clk),
	)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	if err := e.Send(payloadOf(20), Physical); err != nil {
		t.Fatalf("Send: %v", err)
	}
	e.Process() // emits the FirstFrame, enters WAIT_FC

	// peer grants CTS with stmin=50ms, blocksize=0; entering TRANSMIT_CF
	// arms the STmin timer, so the first CF is gated exactly like every
	// subsequent one.
	e.processRx(&CanMessage{ArbitrationID: 0x123, Data: []byte{0x30, 0x00, 0x32}})
	e.Process()

	framesBeforeCF := len(wire.frames)

	e.Process() // STmin has not elapsed: no CF should be emitted yet
	if len(wire.frames) != framesBeforeCF {
		t.Errorf("a consecutive frame was emitted before STmin elapsed")
	}

	clk.Advance(50 * 1000 * 1000) // 50ms
	e.Process()
	if len(wire.frames) != framesBeforeCF+1 {
		t.Errorf("expected one more consecutive frame once STmin elapsed")
	}
}
