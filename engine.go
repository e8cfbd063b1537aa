package isotp

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RxState is the state of the reception finite-state machine.
type RxState int

const (
	RxIdle RxState = iota
	RxWaitCF
)

func (s RxState) String() string {
	if s == RxWaitCF {
		return "WAIT_CF"
	}
	return "IDLE"
}

// TxState is the state of the transmission finite-state machine.
type TxState int

const (
	TxIdle TxState = iota
	TxWaitFC
	TxTransmitCF
)

func (s TxState) String() string {
	switch s {
	case TxWaitFC:
		return "WAIT_FC"
	case TxTransmitCF:
		return "TRANSMIT_CF"
	default:
		return "IDLE"
	}
}

// TxCallback transmits one CAN frame on the datalink. It is invoked
// only from Process() (or from the calling goroutine when used
// synchronously); callers must not invoke it concurrently themselves.
type TxCallback func(CanMessage) error

// RxCallback polls the datalink for the next available CAN frame. ok
// is false when none is currently available; it must never block.
type RxCallback func() (msg *CanMessage, ok bool)

// ErrorHandler receives every anomaly the engine detects. It is called
// synchronously from Process() and must not block.
type ErrorHandler func(error)

// ErrInvalidArgument is returned by Send when the payload cannot be
// carried by the requested target address type.
var ErrInvalidArgument = fmt.Errorf("invalid argument")

// ErrEngineReset is delivered to any blocking Send still in flight
// when Reset is called.
var ErrEngineReset = fmt.Errorf("engine was reset")

// queuedSend is one entry of the application -> engine input queue.
type queuedSend struct {
	data []byte
	tat  TargetAddressType
	done chan error // nil for fire-and-forget sends
}

// Engine is the ISO-15765-2 protocol engine: the coupled rx/tx finite
// state machines, their timers, and the two application queues (the
// input queue is bounded, the output queue is not).
// It owns no goroutine of its own; Process() performs one non-blocking
// pass of both FSMs and is meant to be driven either by hand or by the
// background worker in worker.go.
type Engine struct {
	mu sync.Mutex

	logger       LeveledLogger
	address      *Address
	params       *Parameters
	clk          clock
	txCallback   TxCallback
	rxCallback   RxCallback
	errorHandler ErrorHandler

	queueCapacity int
	inputQueue    []*queuedSend
	outputQueue   [][]byte

	rxState        RxState
	rxBuffer       []byte
	rxFrameLength  uint32
	rxBlockCounter uint32
	lastSeqNum     uint8
	actualRxDL     uint8
	pendingFC      *FlowStatus
	lastRxFC       *PDU

	txState         TxState
	txBuffer        []byte
	txFrameLength   uint32
	txBlockCounter  uint32
	txSeqNum        uint8
	wftCounter      uint32
	remoteBlockSize *uint8
	stminPace       time.Duration
	txCurrent       *queuedSend

	timerTxSTmin *timer
	timerRxFC    *timer
	timerRxCF    *timer
}

// EngineOption configures an Engine under construction.
type EngineOption func(*Engine)

// WithLogger overrides the engine's log sink.
func WithLogger(l LeveledLogger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithErrorHandler installs the callback invoked for every protocol
// anomaly (see ErrorKind). Errors never propagate synchronously out of
// Process(); this is the only way to observe them.
func WithErrorHandler(h ErrorHandler) EngineOption {
	return func(e *Engine) { e.errorHandler = h }
}

// WithQueueCapacity overrides the default bounded depth (16) of the
// application input queue. The output queue of reassembled payloads
// has no bound; payloads accumulate there until Recv takes them.
func WithQueueCapacity(n int) EngineOption {
	return func(e *Engine) { e.queueCapacity = n }
}

// NewEngine builds an Engine bound to the given address, parameters,
// and datalink callbacks. The engine is created in IDLE/IDLE and is
// usable immediately; there is no separate Start step, mirroring the
// teacher library's constructor-returns-ready-to-use objects.
func NewEngine(address *Address, params *Parameters, tx TxCallback, rx RxCallback, opts ...EngineOption) (*Engine, error) {
	if address == nil {
		return nil, fmt.Errorf("%w: address must not be nil", ErrConfigurationError)
	}
	if params == nil {
		return nil, fmt.Errorf("%w: params must not be nil", ErrConfigurationError)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if tx == nil || rx == nil {
		return nil, fmt.Errorf("%w: tx and rx callbacks must not be nil", ErrConfigurationError)
	}

	e := &Engine{
		logger:        newLogger("isotp-engine"),
		address:       address,
		params:        params,
		clk:           realClock{},
		txCallback:    tx,
		rxCallback:    rx,
		queueCapacity: 16,
	}

	for _, o := range opts {
		o(e)
	}

	e.timerTxSTmin = newTimer(e.clk)
	e.timerRxFC = newTimer(e.clk)
	e.timerRxCF = newTimer(e.clk)

	return e, nil
}

// SetAddress replaces the engine's addressing configuration. Safe to
// call while a worker goroutine is driving Process().
func (e *Engine) SetAddress(address *Address) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.address = address
}

// SetParameters validates and replaces the engine's Parameters.
func (e *Engine) SetParameters(params *Parameters) error {
	if err := params.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.params = params
	return nil
}

// Send enqueues payload for transmission. It returns ErrQueueFull if
// the input queue is at capacity, or ErrInvalidArgument if a
// Functional send cannot fit in a single frame (functional addressing
// is single-frame only, per ISO-15765-2).
func (e *Engine) Send(payload []byte, tat TargetAddressType) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enqueueSend(payload, tat, nil)
}

// SendBlocking enqueues payload and waits until it has been fully
// transmitted, the context is done, or the engine reports a
// transmission error. A context.Context deadline models the spec's
// "timeout" half of the blocking-send contract.
func (e *Engine) SendBlocking(ctx context.Context, payload []byte, tat TargetAddressType) error {
	done := make(chan error, 1)

	e.mu.Lock()
	err := e.enqueueSend(payload, tat, done)
	e.mu.Unlock()
	if err != nil {
		return err
	}

	select {
	case err := <-done:
		if err != nil {
			return &ErrBlockingSendFailure{Err: err}
		}
		return nil
	case <-ctx.Done():
		return ErrBlockingSendTimeout
	}
}

func (e *Engine) enqueueSend(payload []byte, tat TargetAddressType, done chan error) error {
	if tat == Functional && len(payload) > 0 {
		offset := sfSizeOffset(e.params.TxDataLength, len(payload))
		maxLen := int(e.params.TxDataLength) - offset - len(e.address.TxPrefix())
		if len(payload) > maxLen {
			return fmt.Errorf("%w: functional payload of %d bytes exceeds single-frame limit of %d", ErrInvalidArgument, len(payload), maxLen)
		}
	}

	if len(e.inputQueue) >= e.queueCapacity {
		return ErrQueueFull
	}

	buf := make([]byte, len(payload))
	copy(buf, payload)
	e.inputQueue = append(e.inputQueue, &queuedSend{data: buf, tat: tat, done: done})

	return nil
}

// Recv dequeues one complete reassembled ISO-TP payload, if available.
func (e *Engine) Recv() ([]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.outputQueue) == 0 {
		return nil, false
	}

	payload := e.outputQueue[0]
	e.outputQueue = e.outputQueue[1:]

	return payload, true
}

// Available reports whether a reassembled payload is waiting in Recv's queue.
func (e *Engine) Available() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.outputQueue) > 0
}

// Transmitting reports whether a payload is queued or in flight.
func (e *Engine) Transmitting() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inputQueue) > 0 || e.txState != TxIdle
}

// SleepTime returns the adaptive idle-sleep hint a background worker
// should use before calling Process() again: 50ms while both FSMs are
// IDLE, 10ms while tx is WAIT_FC, 1ms otherwise (spec §5).
func (e *Engine) SleepTime() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rxState == RxIdle && e.txState == TxIdle {
		return 50 * time.Millisecond
	}
	if e.txState == TxWaitFC {
		return 10 * time.Millisecond
	}
	return time.Millisecond
}

// Reset drains both application queues, resets both FSMs to IDLE, and
// stops all timers. Idempotent: calling it from any state converges to
// the same rest state.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, pending := range e.inputQueue {
		if pending.done != nil {
			pending.done <- ErrEngineReset
		}
	}
	e.inputQueue = nil
	e.outputQueue = nil

	e.resetTxFull(ErrEngineReset)
	e.resetRxFull()
}

// Process performs one non-blocking pass of both FSMs: it drains every
// frame currently available from rxCallback into the reception FSM,
// then drains every frame the transmission FSM is ready to emit into
// txCallback. It never blocks and never panics.
func (e *Engine) Process() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for {
		msg, ok := e.rxCallback()
		if !ok {
			break
		}
		e.processRx(msg)
	}

	for {
		msg := e.processTx()
		if msg == nil {
			break
		}
		if err := e.txCallback(*msg); err != nil {
			e.logger.Warningf("datalink transmit failed: %v", err)
		}
	}
}

func (e *Engine) signalError(err error) {
	if e.errorHandler != nil {
		e.errorHandler(err)
	}
	if e.logger != nil {
		e.logger.Warning(err.Error())
	}
}

// --- reception FSM -------------------------------------------------

func (e *Engine) processRx(msg *CanMessage) {
	if !e.address.Accepts(msg) {
		return
	}

	prefixSize := e.address.RxPrefixSize()
	if len(msg.Data) < prefixSize {
		e.signalError(newError(ErrKindInvalidCanData, "frame shorter than the %d-byte addressing prefix", prefixSize))
		e.resetRxFull()
		return
	}

	pdu, err := decodePDU(msg.Data[prefixSize:])
	if err != nil {
		if typed, ok := err.(*Error); ok && typed.Kind == ErrKindMissingEscapeSequence {
			e.signalError(typed)
			return
		}
		e.signalError(newError(ErrKindInvalidCanData, "%v", err))
		e.resetRxFull()
		return
	}

	if e.timerRxCF.Elapsed() {
		e.signalError(newError(ErrKindConsecutiveFrameTimeout, "timed out waiting for a consecutive frame"))
		e.resetRxFull()
	}

	if pdu.Kind == FlowControlFrame {
		e.lastRxFC = pdu
		if e.rxState == RxWaitCF && (pdu.FlowStatus == ContinueToSend || pdu.FlowStatus == Wait) {
			e.timerRxCF.Start(e.nCrDuration())
		}
		return
	}

	if pdu.Kind == SingleFrame && pdu.CanDL > 8 && !pdu.EscapeSequence {
		e.signalError(newError(ErrKindMissingEscapeSequence, "single frame with can_dl > 8 must use the escape sequence"))
		return
	}

	switch e.rxState {
	case RxIdle:
		e.processRxIdle(pdu)
	case RxWaitCF:
		e.processRxWaitCF(pdu)
	}
}

func (e *Engine) processRxIdle(pdu *PDU) {
	switch pdu.Kind {
	case SingleFrame:
		e.deliver(pdu.Data)
	case FirstFrame:
		e.startReception(pdu)
	case ConsecutiveFrame:
		e.signalError(newError(ErrKindUnexpectedConsecutiveFrame, "received a consecutive frame while idle"))
	}
}

func (e *Engine) processRxWaitCF(pdu *PDU) {
	switch pdu.Kind {
	case SingleFrame:
		e.deliver(pdu.Data)
		e.resetRxFull()
		e.signalError(newError(ErrKindReceptionInterruptedWithSingleFrame, "reception interrupted by a new single frame"))

	case FirstFrame:
		e.startReception(pdu)
		e.signalError(newError(ErrKindReceptionInterruptedWithFirstFrame, "reception interrupted by a new first frame"))

	case ConsecutiveFrame:
		expected := (e.lastSeqNum + 1) & 0xF
		if pdu.SeqNum != expected {
			e.resetRxFull()
			e.signalError(newError(ErrKindWrongSequenceNumber, "expected sequence number %d, received %d", expected, pdu.SeqNum))
			return
		}

		remaining := e.rxFrameLength - uint32(len(e.rxBuffer))
		if pdu.RxDL != e.actualRxDL && uint32(pdu.RxDL) < remaining {
			e.signalError(newError(ErrKindChangingInvalidRXDL, "rx_dl changed to %d, expected %d", pdu.RxDL, e.actualRxDL))
			return
		}

		e.timerRxCF.Start(e.nCrDuration())
		e.lastSeqNum = pdu.SeqNum

		data := pdu.Data
		if uint32(len(data)) > remaining {
			data = data[:remaining]
		}
		e.rxBuffer = append(e.rxBuffer, data...)

		if uint32(len(e.rxBuffer)) >= e.rxFrameLength {
			e.deliver(e.rxBuffer)
			e.resetRxFull()
			return
		}

		e.rxBlockCounter++
		if e.params.BlockSize > 0 && e.rxBlockCounter%uint32(e.params.BlockSize) == 0 {
			e.requestFlowControl(ContinueToSend)
			e.timerRxCF.Stop()
		}
	}
}

func (e *Engine) deliver(data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)
	e.outputQueue = append(e.outputQueue, buf)
}

func (e *Engine) requestFlowControl(status FlowStatus) {
	s := status
	e.pendingFC = &s
}

func (e *Engine) startReception(pdu *PDU) {
	e.rxBuffer = nil

	if !isLegalFDLength(pdu.RxDL) {
		e.signalError(newError(ErrKindInvalidCanFdFirstFrameRXDL, "first frame rx_dl=%d is not a legal CAN-FD length", pdu.RxDL))
		e.resetRxFull()
		return
	}

	e.actualRxDL = pdu.RxDL

	if pdu.Length > e.params.MaxFrameSize {
		e.signalError(newError(ErrKindFrameTooLong, "first frame announces %d bytes, max_frame_size is %d", pdu.Length, e.params.MaxFrameSize))
		e.requestFlowControl(Overflow)
		e.rxState = RxIdle
		return
	}

	e.rxState = RxWaitCF
	e.rxFrameLength = pdu.Length
	e.rxBuffer = append(e.rxBuffer, pdu.Data...)
	e.requestFlowControl(ContinueToSend)
	e.timerRxCF.Start(e.nCrDuration())
	e.lastSeqNum = 0
	e.rxBlockCounter = 0
}

func (e *Engine) resetRxFull() {
	e.rxState = RxIdle
	e.rxBuffer = nil
	e.rxFrameLength = 0
	e.actualRxDL = 0
	e.pendingFC = nil
	e.timerRxCF.Stop()
}

func (e *Engine) nCrDuration() time.Duration {
	return time.Duration(e.params.RxConsecutiveFrameTimeout) * time.Millisecond
}

func (e *Engine) nBsDuration() time.Duration {
	return time.Duration(e.params.RxFlowControlTimeout) * time.Millisecond
}

// --- transmission FSM ------------------------------------------------

// sfSizeOffset returns the number of SingleFrame header bytes to
// reserve when deciding whether a payload fits in one frame: 1 when
// the link is classic 8-byte CAN and the payload is short enough for
// the inline-length form, 2 otherwise (escape form, or any CAN-FD link).
func sfSizeOffset(txDataLength uint8, payloadLen int) int {
	if txDataLength == 8 && payloadLen <= 7 {
		return 1
	}
	return 2
}

// processTx runs one pass of the transmission FSM and returns at most
// one frame to emit, or nil if there is nothing to send right now.
func (e *Engine) processTx() *CanMessage {
	if e.pendingFC != nil {
		status := *e.pendingFC
		e.pendingFC = nil
		return e.makeFlowControl(status)
	}

	if e.lastRxFC != nil {
		fc := e.lastRxFC
		e.lastRxFC = nil
		e.handleIncomingFlowControl(fc)
	}

	if e.timerRxFC.Elapsed() {
		e.signalError(newError(ErrKindFlowControlTimeout, "timed out waiting for a flow control"))
		e.resetTxFull(newError(ErrKindFlowControlTimeout, "timed out waiting for a flow control"))
	}

	if e.txState != TxIdle && len(e.txBuffer) == 0 {
		e.resetTxFull(nil)
	}

	switch e.txState {
	case TxIdle:
		return e.tryStartTx()
	case TxWaitFC:
		return nil
	case TxTransmitCF:
		return e.continueTx()
	}

	return nil
}

func (e *Engine) handleIncomingFlowControl(fc *PDU) {
	switch {
	case fc.FlowStatus == Overflow:
		err := newError(ErrKindOverflow, "received FlowControl(Overflow), aborting transmission")
		e.signalError(err)
		e.resetTxFull(err)

	case e.txState == TxIdle:
		e.signalError(newError(ErrKindUnexpectedFlowControl, "received a flow control while transmission was idle"))

	case fc.FlowStatus == Wait:
		if e.params.WaitFrameMax == 0 {
			e.signalError(newError(ErrKindUnsupportedWaitFrame, "received FlowControl(Wait) but wftmax is 0"))
			return
		}
		if e.wftCounter >= e.params.WaitFrameMax {
			err := newError(ErrKindMaximumWaitFrameReached, "received %d wait frames, maximum tolerated is %d", e.wftCounter, e.params.WaitFrameMax)
			e.signalError(err)
			e.resetTxFull(err)
			return
		}
		e.wftCounter++
		e.txState = TxWaitFC
		e.timerRxFC.Start(e.nBsDuration())

	case fc.FlowStatus == ContinueToSend && !e.timerRxFC.Elapsed():
		e.wftCounter = 0
		e.timerRxFC.Stop()
		e.stminPace = time.Duration(fc.STminSeconds * float32(time.Second))
		bs := fc.BlockSize
		e.remoteBlockSize = &bs

		if e.txState == TxWaitFC {
			e.txBlockCounter = 0
			e.timerTxSTmin.Start(e.stminPace)
		}
		e.txState = TxTransmitCF
	}
}

func (e *Engine) tryStartTx() *CanMessage {
	for {
		if len(e.inputQueue) == 0 {
			return nil
		}
		item := e.inputQueue[0]
		e.inputQueue = e.inputQueue[1:]
		if len(item.data) == 0 {
			if item.done != nil {
				item.done <- nil
			}
			continue
		}
		e.txCurrent = item
		break
	}

	payload := e.txCurrent.data
	prefix := e.address.TxPrefix()
	offset := sfSizeOffset(e.params.TxDataLength, len(payload))

	if len(payload) <= int(e.params.TxDataLength)-offset-len(prefix) {
		var body []byte
		if len(payload) <= 7 {
			body = encodeSingleFrameInline(payload)
		} else {
			body = encodeSingleFrameEscape(payload)
		}

		arb := e.address.TxIDFor(e.txCurrent.tat)
		msg := e.buildFrame(arb, joinBytes(prefix, body))
		e.completeCurrentSend(nil)

		return msg
	}

	// multiframe: always physical, enforced at Send() time.
	e.txFrameLength = uint32(len(payload))

	var body []byte
	var consumed int
	if e.txFrameLength <= 0xFFF {
		consumed = int(e.params.TxDataLength) - 2 - len(prefix)
		body = encodeFirstFrameShort(e.txFrameLength, payload[:consumed])
	} else {
		consumed = int(e.params.TxDataLength) - 6 - len(prefix)
		body = encodeFirstFrameEscape(e.txFrameLength, payload[:consumed])
	}

	arb := e.address.TxIDFor(Physical)
	msg := e.buildFrame(arb, joinBytes(prefix, body))

	e.txBuffer = append([]byte{}, payload[consumed:]...)
	e.txSeqNum = 1
	e.txState = TxWaitFC
	e.timerRxFC.Start(e.nBsDuration())

	return msg
}

func (e *Engine) continueTx() *CanMessage {
	if !e.timerTxSTmin.Elapsed() && !e.params.SquashSTminRequirement {
		return nil
	}

	prefix := e.address.TxPrefix()
	dataLen := int(e.params.TxDataLength) - 1 - len(prefix)

	chunk := e.txBuffer
	if len(chunk) > dataLen {
		chunk = chunk[:dataLen]
	}

	body := encodeConsecutiveFrame(e.txSeqNum, chunk)
	arb := e.address.TxIDFor(Physical)
	msg := e.buildFrame(arb, joinBytes(prefix, body))

	e.txBuffer = e.txBuffer[len(chunk):]
	e.txSeqNum = (e.txSeqNum + 1) & 0xF
	e.txBlockCounter++
	e.timerTxSTmin.Start(e.stminPace)

	if len(e.txBuffer) == 0 {
		e.resetTxFull(nil)
	} else if e.remoteBlockSize != nil && *e.remoteBlockSize != 0 && e.txBlockCounter >= uint32(*e.remoteBlockSize) {
		e.txState = TxWaitFC
		e.timerRxFC.Start(e.nBsDuration())
	}

	return msg
}

func (e *Engine) completeCurrentSend(err error) {
	if e.txCurrent != nil {
		if e.txCurrent.done != nil {
			e.txCurrent.done <- err
		}
		e.txCurrent = nil
	}
}

func (e *Engine) resetTxFull(err error) {
	e.txBuffer = nil
	e.txState = TxIdle
	e.txFrameLength = 0
	e.timerRxFC.Stop()
	e.timerTxSTmin.Stop()
	e.remoteBlockSize = nil
	e.txBlockCounter = 0
	e.txSeqNum = 0
	e.wftCounter = 0
	e.completeCurrentSend(err)
}

func (e *Engine) makeFlowControl(status FlowStatus) *CanMessage {
	body := encodeFlowControl(status, e.params.BlockSize, e.params.STmin)
	prefix := e.address.TxPrefix()
	arb := e.address.TxIDFor(Physical)
	return e.buildFrame(arb, joinBytes(prefix, body))
}

func (e *Engine) buildFrame(arbID uint32, payload []byte) *CanMessage {
	out := append([]byte{}, payload...)

	pad := false
	fill := uint8(0xCC)
	target := uint8(len(out))

	if e.params.TxPadding != nil {
		pad = true
		fill = *e.params.TxPadding
		target = e.params.TxDataLength
	} else if e.params.CanFD && len(out) > 8 {
		pad = true
		target = nextFDLength(uint8(len(out)))
	}

	if pad {
		for len(out) < int(target) {
			out = append(out, fill)
		}
	}

	return &CanMessage{
		ArbitrationID: arbID,
		IsExtendedID:  e.address.Is29Bits(),
		IsFD:          e.params.CanFD,
		DLC:           dlcForLength(uint8(len(out)), e.params.CanFD),
		Data:          out,
	}
}

func joinBytes(a, b []byte) []byte {
	out := make([]byte, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	return out
}
