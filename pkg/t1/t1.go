/*
Package t1 holds the session state of the T=1 block protocol (ISO 7816-3):
negotiated information field sizes, node address, checksum mode and the
send/receive lifecycle position.

Only the parameter and state bookkeeping lives here. Building I/R/S blocks,
computing LRC/CRC checksums and resynchronizing is the block-exchange
engine, a separate concern layered on top of this state.
*/
package t1

import (
	"errors"
	"fmt"
)

// PCB block-type bits, for the block-exchange layer.
const (
	IBlock     byte = 0x00
	RBlock     byte = 0x80
	SBlock     byte = 0xC0
	MoreBlocks byte = 0x20
)

// State is the protocol lifecycle position. A session starts out Sending;
// Dead is reached only after an unrecoverable protocol failure.
type State int

const (
	Sending State = iota
	Receiving
	Resynch
	Dead
)

// Checksum selects the error-detection code appended to each block.
type Checksum int

const (
	// LRC is a 1-byte longitudinal redundancy check, the T=1 default.
	LRC Checksum = iota
	// CRC is the 2-byte cyclic redundancy check variant.
	CRC
)

// Param names a settable session parameter. The enumeration is closed:
// SetParam rejects anything else.
type Param int

const (
	ParamChecksum Param = iota
	ParamIFSC
	ParamIFSD
	ParamState
	ParamMore
	ParamNAD
)

// ErrUnsupportedParameter rejects a SetParam key outside the enumeration.
var ErrUnsupportedParameter = errors.New("t1: unsupported parameter")

// DefaultIFS is the information field size both sides start from before
// negotiation.
const DefaultIFS = 32

// Session is the per-card T=1 state. Created at session attach, mutated per
// exchanged block by the block-exchange layer, dropped at detach.
type Session struct {
	lun   int
	state State

	ifsc int
	ifsd int

	nad     byte
	rcBytes int
	more    bool

	// previousBlock keeps the last R-block sent, for retransmission when
	// the card answers with a NAK.
	previousBlock [4]byte
}

// New attaches a T=1 session for the given logical unit with protocol
// defaults: IFSC and IFSD of 32, LRC checksum, Sending state, no chained
// block pending, node address zero.
func New(lun int) *Session {
	s := &Session{
		lun:  lun,
		ifsc: DefaultIFS,
		ifsd: DefaultIFS,
	}
	// The zero values already are the defaults; set them through SetParam
	// anyway so attach and renegotiation share one path.
	_ = s.SetParam(ParamChecksum, int(LRC))
	_ = s.SetParam(ParamState, int(Sending))
	_ = s.SetParam(ParamMore, 0)
	_ = s.SetParam(ParamNAD, 0)
	return s
}

// Release detaches the session. The session owns no resources, so this is
// a no-op kept for lifecycle symmetry with New.
func (s *Session) Release() {}

// SetParam updates one session parameter. An unrecognized key fails with
// ErrUnsupportedParameter and leaves the session untouched.
func (s *Session) SetParam(p Param, value int) error {
	switch p {
	case ParamChecksum:
		switch Checksum(value) {
		case CRC:
			s.rcBytes = 2
		default:
			s.rcBytes = 1
		}
	case ParamIFSC:
		s.ifsc = value
	case ParamIFSD:
		s.ifsd = value
	case ParamState:
		s.state = State(value)
	case ParamMore:
		s.more = value != 0
	case ParamNAD:
		s.nad = byte(value)
	default:
		return fmt.Errorf("%w: %d", ErrUnsupportedParameter, int(p))
	}
	return nil
}

// Lun returns the logical unit the session is bound to.
func (s *Session) Lun() int { return s.lun }

// State returns the lifecycle position.
func (s *Session) State() State { return s.state }

// IFSC returns the negotiated information field size for the card.
func (s *Session) IFSC() int { return s.ifsc }

// IFSD returns the negotiated information field size for the device.
func (s *Session) IFSD() int { return s.ifsd }

// NAD returns the node address byte.
func (s *Session) NAD() byte { return s.nad }

// More reports whether a chained block is pending.
func (s *Session) More() bool { return s.more }

// ChecksumSize returns the per-block checksum size in bytes: 1 for LRC,
// 2 for CRC.
func (s *Session) ChecksumSize() int { return s.rcBytes }

// PreviousBlock returns the prologue of the last R-block sent.
func (s *Session) PreviousBlock() [4]byte { return s.previousBlock }

// SetPreviousBlock records the prologue of the block just sent so it can
// be retransmitted on a NAK.
func (s *Session) SetPreviousBlock(b [4]byte) { s.previousBlock = b }
