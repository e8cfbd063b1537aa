package isotp

import "fmt"

// AddressingMode selects how a logical ISO-TP endpoint maps onto CAN
// arbitration IDs and payload prefix bytes.
type AddressingMode int

const (
	Normal11bits AddressingMode = iota
	Normal29bits
	NormalFixed29bits
	Extended11bits
	Extended29bits
	Mixed11bits
	Mixed29bits
)

func (m AddressingMode) String() string {
	switch m {
	case Normal11bits:
		return "Normal_11bits"
	case Normal29bits:
		return "Normal_29bits"
	case NormalFixed29bits:
		return "NormalFixed_29bits"
	case Extended11bits:
		return "Extended_11bits"
	case Extended29bits:
		return "Extended_29bits"
	case Mixed11bits:
		return "Mixed_11bits"
	case Mixed29bits:
		return "Mixed_29bits"
	default:
		return "Unknown"
	}
}

// TargetAddressType selects whether a transmitted Single Frame targets
// one peer (Physical) or a broadcast group (Functional).
type TargetAddressType int

const (
	Physical TargetAddressType = iota
	Functional
)

// fixed target-address bytes used by the 29-bit normal-fixed and
// mixed addressing modes (ISO-15765-2:2016 table 4/5).
const (
	normalFixedPhysicalByte uint32 = 0xDA
	normalFixedFunctionalByte uint32 = 0xDB
	mixedPhysicalByte         uint32 = 0xCE
	mixedFunctionalByte       uint32 = 0xCD
	priorityAndFormatBits     uint32 = 0x18 << 24
)

// Address resolves a logical ISO-TP endpoint (addressing mode plus
// identifiers) into concrete tx arbitration IDs, an rx acceptance
// predicate, and the payload prefix/skip length used by the PDU codec.
// Once constructed it is immutable and every derived predicate is
// total: Accepts never panics and always returns a definite answer.
type Address struct {
	Mode              AddressingMode
	TxID              uint32
	RxID              uint32
	TargetAddress     uint8
	SourceAddress     uint8
	AddressExtension  uint8

	hasTxID           bool
	hasRxID           bool
	hasTargetAddress  bool
	hasSourceAddress  bool
	hasAddressExt     bool

	is29bits bool

	txIDPhysical   uint32
	txIDFunctional uint32
	rxIDPhysical   uint32
	rxIDFunctional uint32

	txPrefix     []byte
	rxPrefixSize int
}

// AddressOption configures an Address under construction, following
// the engine's functional-options idiom (see Parameters/Option).
type AddressOption func(*Address)

// WithTxID sets the tx arbitration ID (Normal/Extended/Mixed-11 modes).
func WithTxID(id uint32) AddressOption {
	return func(a *Address) {
		a.TxID = id
		a.hasTxID = true
	}
}

// WithRxID sets the rx arbitration ID (Normal/Extended/Mixed-11 modes).
func WithRxID(id uint32) AddressOption {
	return func(a *Address) {
		a.RxID = id
		a.hasRxID = true
	}
}

// WithTargetAddress sets N_TA (NormalFixed/Mixed-29/Extended modes).
func WithTargetAddress(ta uint8) AddressOption {
	return func(a *Address) {
		a.TargetAddress = ta
		a.hasTargetAddress = true
	}
}

// WithSourceAddress sets N_SA (NormalFixed/Mixed-29 modes).
func WithSourceAddress(sa uint8) AddressOption {
	return func(a *Address) {
		a.SourceAddress = sa
		a.hasSourceAddress = true
	}
}

// WithAddressExtension sets N_AE (Mixed modes).
func WithAddressExtension(ae uint8) AddressOption {
	return func(a *Address) {
		a.AddressExtension = ae
		a.hasAddressExt = true
	}
}

// NewAddress constructs and validates an Address for the given mode.
// The constructor fully precomputes every derived field so that
// Accepts() and the tx-side ID/prefix lookups are O(1) and panic-free.
func NewAddress(mode AddressingMode, opts ...AddressOption) (*Address, error) {
	a := &Address{Mode: mode}
	for _, o := range opts {
		o(a)
	}

	a.is29bits = mode == Normal29bits || mode == NormalFixed29bits ||
		mode == Extended29bits || mode == Mixed29bits

	if err := a.validate(); err != nil {
		return nil, err
	}

	a.precompute()

	return a, nil
}

func (a *Address) validate() error {
	switch a.Mode {
	case Normal11bits, Normal29bits:
		if !a.hasTxID || !a.hasRxID {
			return fmt.Errorf("%w: txid and rxid are required for %s", ErrConfigurationError, a.Mode)
		}
		if a.TxID == a.RxID {
			return fmt.Errorf("%w: txid and rxid must differ for %s", ErrConfigurationError, a.Mode)
		}
		if a.Mode == Normal11bits {
			if a.TxID > MaxStandardID || a.RxID > MaxStandardID {
				return fmt.Errorf("%w: txid/rxid must fit in 11 bits", ErrConfigurationError)
			}
		} else if a.TxID > MaxExtendedID || a.RxID > MaxExtendedID {
			return fmt.Errorf("%w: txid/rxid must fit in 29 bits", ErrConfigurationError)
		}

	case NormalFixed29bits:
		if !a.hasTargetAddress || !a.hasSourceAddress {
			return fmt.Errorf("%w: target_address and source_address are required for %s", ErrConfigurationError, a.Mode)
		}

	case Extended11bits, Extended29bits:
		if !a.hasTxID || !a.hasRxID || !a.hasTargetAddress {
			return fmt.Errorf("%w: txid, rxid and target_address are required for %s", ErrConfigurationError, a.Mode)
		}
		if a.TxID == a.RxID {
			return fmt.Errorf("%w: txid and rxid must differ for %s", ErrConfigurationError, a.Mode)
		}
		if a.Mode == Extended11bits && (a.TxID > MaxStandardID || a.RxID > MaxStandardID) {
			return fmt.Errorf("%w: txid/rxid must fit in 11 bits", ErrConfigurationError)
		}

	case Mixed11bits:
		if !a.hasTxID || !a.hasRxID || !a.hasAddressExt {
			return fmt.Errorf("%w: txid, rxid and address_extension are required for %s", ErrConfigurationError, a.Mode)
		}
		if a.TxID > MaxStandardID || a.RxID > MaxStandardID {
			return fmt.Errorf("%w: txid/rxid must fit in 11 bits", ErrConfigurationError)
		}

	case Mixed29bits:
		if !a.hasTargetAddress || !a.hasSourceAddress || !a.hasAddressExt {
			return fmt.Errorf("%w: target_address, source_address and address_extension are required for %s", ErrConfigurationError, a.Mode)
		}

	default:
		return fmt.Errorf("%w: unknown addressing mode %d", ErrConfigurationError, int(a.Mode))
	}

	return nil
}

func (a *Address) precompute() {
	ta := uint32(a.TargetAddress)
	sa := uint32(a.SourceAddress)

	switch a.Mode {
	case Normal11bits, Normal29bits:
		a.txIDPhysical, a.txIDFunctional = a.TxID, a.TxID
		a.rxIDPhysical, a.rxIDFunctional = a.RxID, a.RxID

	case NormalFixed29bits:
		a.txIDPhysical = priorityAndFormatBits | (normalFixedPhysicalByte << 16) | (ta << 8) | sa
		a.txIDFunctional = priorityAndFormatBits | (normalFixedFunctionalByte << 16) | (ta << 8) | sa
		a.rxIDPhysical = priorityAndFormatBits | (normalFixedPhysicalByte << 16) | (sa << 8) | ta
		a.rxIDFunctional = a.rxIDPhysical

	case Extended11bits, Extended29bits:
		a.txIDPhysical, a.txIDFunctional = a.TxID, a.TxID
		a.rxIDPhysical, a.rxIDFunctional = a.RxID, a.RxID
		a.txPrefix = []byte{a.TargetAddress}
		a.rxPrefixSize = 1

	case Mixed11bits:
		a.txIDPhysical, a.txIDFunctional = a.TxID, a.TxID
		a.rxIDPhysical, a.rxIDFunctional = a.RxID, a.RxID
		a.txPrefix = []byte{a.AddressExtension}
		a.rxPrefixSize = 1

	case Mixed29bits:
		a.txIDPhysical = priorityAndFormatBits | (mixedPhysicalByte << 16) | (ta << 8) | sa
		a.txIDFunctional = priorityAndFormatBits | (mixedFunctionalByte << 16) | (ta << 8) | sa
		a.rxIDPhysical = priorityAndFormatBits | (mixedPhysicalByte << 16) | (sa << 8) | ta
		a.rxIDFunctional = a.rxIDPhysical
		a.txPrefix = []byte{a.AddressExtension}
		a.rxPrefixSize = 1
	}
}

// TxIDFor returns the arbitration ID to use when transmitting with the
// given target address type.
func (a *Address) TxIDFor(tat TargetAddressType) uint32 {
	if tat == Functional {
		return a.txIDFunctional
	}
	return a.txIDPhysical
}

// TxPrefix returns the payload prefix bytes prepended to every
// outgoing frame (empty for Normal/NormalFixed modes).
func (a *Address) TxPrefix() []byte {
	return a.txPrefix
}

// RxPrefixSize returns how many leading payload bytes to skip before
// decoding a received frame into a PDU (0 or 1).
func (a *Address) RxPrefixSize() int {
	return a.rxPrefixSize
}

// Is29Bits reports whether this address uses 29-bit arbitration IDs.
func (a *Address) Is29Bits() bool {
	return a.is29bits
}

// Accepts reports whether an incoming CAN message belongs to this
// endpoint, per the table in ISO-15765-2:2016 §4.1. It is total: every
// CanMessage, however malformed, yields a definite true/false and
// never mutates engine state.
func (a *Address) Accepts(msg *CanMessage) bool {
	switch a.Mode {
	case Normal11bits:
		return msg.ArbitrationID == a.RxID && !msg.IsExtendedID

	case Normal29bits:
		return msg.ArbitrationID == a.RxID && msg.IsExtendedID

	case NormalFixed29bits:
		if !msg.IsExtendedID {
			return false
		}
		b2 := (msg.ArbitrationID >> 16) & 0xFF
		if b2 != normalFixedPhysicalByte && b2 != normalFixedFunctionalByte {
			return false
		}
		return ((msg.ArbitrationID>>8)&0xFF) == uint32(a.SourceAddress) &&
			(msg.ArbitrationID&0xFF) == uint32(a.TargetAddress)

	case Extended11bits:
		return msg.ArbitrationID == a.RxID && !msg.IsExtendedID &&
			len(msg.Data) > 0 && msg.Data[0] == a.SourceAddress

	case Extended29bits:
		return msg.ArbitrationID == a.RxID && msg.IsExtendedID &&
			len(msg.Data) > 0 && msg.Data[0] == a.SourceAddress

	case Mixed11bits:
		return msg.ArbitrationID == a.RxID && !msg.IsExtendedID &&
			len(msg.Data) > 0 && msg.Data[0] == a.AddressExtension

	case Mixed29bits:
		if !msg.IsExtendedID {
			return false
		}
		b2 := (msg.ArbitrationID >> 16) & 0xFF
		if b2 != mixedPhysicalByte && b2 != mixedFunctionalByte {
			return false
		}
		saMatch := ((msg.ArbitrationID>>8)&0xFF) == uint32(a.SourceAddress) &&
			(msg.ArbitrationID&0xFF) == uint32(a.TargetAddress)
		if !saMatch {
			return false
		}
		return len(msg.Data) > 0 && msg.Data[0] == a.AddressExtension

	default:
		return false
	}
}
