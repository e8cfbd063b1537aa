package isotp

import "fmt"

// legal CAN/CAN-FD tx_data_length values.
var legalTxDataLengths = map[uint8]bool{
	8: true, 12: true, 16: true, 20: true, 24: true, 32: true, 48: true, 64: true,
}

// Parameters configures a protocol Engine. It is a plain record
// validated once by Validate() (called from NewEngine and SetParameters),
// matching the spec's "validated once" invariant rather than a
// string-keyed params.set('key', val) surface.
type Parameters struct {
	// STmin byte sent to the peer in our FlowControl frames.
	STmin uint8
	// BlockSize sent to the peer in our FlowControl frames; 0 means unlimited.
	BlockSize uint8
	// SquashSTminRequirement disables STmin pacing on transmission.
	SquashSTminRequirement bool
	// RxFlowControlTimeout is N_Bs in milliseconds.
	RxFlowControlTimeout uint32
	// RxConsecutiveFrameTimeout is N_Cr in milliseconds.
	RxConsecutiveFrameTimeout uint32
	// TxPadding, if set, pads every outgoing frame to TxDataLength.
	TxPadding     *uint8
	WaitFrameMax  uint32
	TxDataLength  uint8
	MaxFrameSize  uint32
	CanFD         bool
}

// ParamsOption configures a Parameters value under construction,
// mirroring the engine's functional-options idiom.
type ParamsOption func(*Parameters)

// WithSTmin sets the STmin byte advertised in our FlowControl frames.
func WithSTmin(stmin uint8) ParamsOption {
	return func(p *Parameters) { p.STmin = stmin }
}

// WithBlockSize sets the block size advertised in our FlowControl frames.
func WithBlockSize(bs uint8) ParamsOption {
	return func(p *Parameters) { p.BlockSize = bs }
}

// WithSquashSTminRequirement disables STmin pacing on transmission,
// sending consecutive frames back to back regardless of peer STmin.
func WithSquashSTminRequirement(squash bool) ParamsOption {
	return func(p *Parameters) { p.SquashSTminRequirement = squash }
}

// WithRxFlowControlTimeout sets N_Bs, in milliseconds.
func WithRxFlowControlTimeout(ms uint32) ParamsOption {
	return func(p *Parameters) { p.RxFlowControlTimeout = ms }
}

// WithRxConsecutiveFrameTimeout sets N_Cr, in milliseconds.
func WithRxConsecutiveFrameTimeout(ms uint32) ParamsOption {
	return func(p *Parameters) { p.RxConsecutiveFrameTimeout = ms }
}

// WithTxPadding enables frame padding to TxDataLength using the given fill byte.
func WithTxPadding(fill uint8) ParamsOption {
	return func(p *Parameters) { p.TxPadding = &fill }
}

// WithWaitFrameMax sets the maximum number of FC(Wait) frames tolerated
// before the tx FSM aborts. 0 forbids Wait frames entirely.
func WithWaitFrameMax(n uint32) ParamsOption {
	return func(p *Parameters) { p.WaitFrameMax = n }
}

// WithTxDataLength sets the CAN/CAN-FD frame payload length used when
// framing outgoing PDUs. Must be one of {8,12,16,20,24,32,48,64}.
func WithTxDataLength(n uint8) ParamsOption {
	return func(p *Parameters) { p.TxDataLength = n }
}

// WithMaxFrameSize bounds the total length of a reassembled payload.
func WithMaxFrameSize(n uint32) ParamsOption {
	return func(p *Parameters) { p.MaxFrameSize = n }
}

// WithCanFD enables CAN-FD framing (escape sequences, FD data lengths).
func WithCanFD(fd bool) ParamsOption {
	return func(p *Parameters) { p.CanFD = fd }
}

// NewParameters builds a validated Parameters value with the spec's
// defaults, overridden by opts.
func NewParameters(opts ...ParamsOption) (*Parameters, error) {
	p := &Parameters{
		STmin:                     0,
		BlockSize:                 8,
		SquashSTminRequirement:    false,
		RxFlowControlTimeout:      1000,
		RxConsecutiveFrameTimeout: 1000,
		WaitFrameMax:              0,
		TxDataLength:              8,
		MaxFrameSize:              4095,
		CanFD:                     false,
	}

	for _, o := range opts {
		o(p)
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}

	return p, nil
}

// Validate checks every field for internal consistency. It is called
// once by NewParameters and again whenever an engine's parameters are
// replaced via SetParameters.
func (p *Parameters) Validate() error {
	if !legalTxDataLengths[p.TxDataLength] {
		return fmt.Errorf("%w: tx_data_length %d is not a legal CAN/CAN-FD frame length", ErrConfigurationError, p.TxDataLength)
	}
	if p.TxDataLength > 8 && !p.CanFD {
		return fmt.Errorf("%w: tx_data_length %d requires can_fd", ErrConfigurationError, p.TxDataLength)
	}
	if p.TxPadding != nil {
		// uint8 field, always in [0, 0xFF]; nothing further to check.
		_ = p.TxPadding
	}

	return nil
}
