package reader

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/bluetech/ccid/pkg/ccid"
)

// Every operation follows the same shape: build a frame with a fresh
// sequence number, write it, read the response matching that sequence and
// validate the header before touching the payload.

// bogusSCMMaxMessageLength is the dwMaxCCIDMessageLength some SCM readers
// advertise. The firmware reports 263 instead of 270, which would forbid a
// full 260-byte APDU; the value is known bogus and tolerated.
const bogusSCMMaxMessageLength = 263

// PowerOn powers up the card and copies its ATR into atr, returning the
// number of bytes copied. The ATR is truncated, silently, when atr is
// shorter than what the card answered.
//
// Voltage selection: when the reader handles voltage itself the request is
// forced to automatic. Otherwise the requested class is walked along the
// fixed 5V, 3V, 1.8V cycle until one the reader advertises is found, and on
// command failure the remaining classes are each tried once before giving
// up. A reader advertising no supported voltage gets a single attempt at
// the requested class.
func (r *Reader) PowerOn(voltage ccid.Voltage, atr []byte) (int, error) {
	if r.desc.Features.Has(ccid.FeatureAutoVoltage) || r.desc.Features.Has(ccid.FeatureAutoActivation) {
		voltage = ccid.VoltageAuto
	} else {
		voltage = r.supportedVoltage(voltage)
	}
	initVoltage := voltage

	for {
		seq := r.nextSeq()
		cmd := ccid.EncodeFrame(ccid.PCtoRDRIccPowerOn, r.desc.Slot, seq,
			[3]byte{byte(voltage), 0, 0}, nil)

		if err := r.port.Write(cmd); err != nil {
			return 0, transportError(err)
		}

		resp := make([]byte, ccid.HeaderSize+MaxATRSize)
		n, err := r.port.Read(resp, int(seq), r.readTimeout)
		if err != nil {
			return 0, transportError(err)
		}

		hdr, err := ccid.ParseResponseHeader(resp[:n])
		if err != nil {
			r.log.Error().Int("length", n).Msg("not enough data received")
			return 0, fmt.Errorf("%w: %v", ErrCommunication, err)
		}

		if hdr.Status.CommandFailed() {
			r.logSlotError(zerolog.ErrorLevel, hdr.Error)

			// Continue with the other voltage values, unless the reader
			// advertises none at all.
			if voltage != ccid.VoltageAuto && r.desc.VoltageSupport != 0 {
				next := voltage - 1
				if next == ccid.VoltageAuto {
					next = ccid.Voltage18V // loop from 5V to 1.8V
				}
				if next != initVoltage {
					r.log.Info().
						Stringer("failed", voltage).
						Stringer("next", next).
						Msg("power up failed, trying another voltage")
					voltage = next
					continue
				}
			}
			return 0, fmt.Errorf("%w: power on failed: %v", ErrCommunication, hdr.Error)
		}

		atrLen := int(hdr.Length)
		if avail := n - ccid.HeaderSize; atrLen > avail {
			atrLen = avail
		}
		if atrLen > len(atr) {
			atrLen = len(atr)
		}
		return copy(atr, resp[ccid.HeaderSize:ccid.HeaderSize+atrLen]), nil
	}
}

// supportedVoltage walks the 5V, 3V, 1.8V cycle until it lands on a class
// the reader advertises. With nothing advertised the cycle stops after one
// pass and the request stands as issued.
func (r *Reader) supportedVoltage(voltage ccid.Voltage) ccid.Voltage {
	support := r.desc.VoltageSupport
	for {
		if voltage == ccid.Voltage5V && !support.Has(ccid.Supports5V) {
			r.log.Info().Msg("5V requested but not supported by reader")
			voltage = ccid.Voltage3V
		}
		if voltage == ccid.Voltage3V && !support.Has(ccid.Supports3V) {
			r.log.Info().Msg("3V requested but not supported by reader")
			voltage = ccid.Voltage18V
		}
		if voltage == ccid.Voltage18V && !support.Has(ccid.Supports18V) {
			r.log.Info().Msg("1.8V requested but not supported by reader")
			voltage = ccid.Voltage5V
			if support != 0 {
				continue
			}
		}
		return voltage
	}
}

// PowerOff powers the card down.
func (r *Reader) PowerOff() error {
	seq := r.nextSeq()
	cmd := ccid.EncodeFrame(ccid.PCtoRDRIccPowerOff, r.desc.Slot, seq, [3]byte{}, nil)

	if err := r.port.Write(cmd); err != nil {
		return transportError(err)
	}

	resp := make([]byte, ccid.HeaderSize)
	n, err := r.port.Read(resp, int(seq), r.readTimeout)
	if err != nil {
		return transportError(err)
	}

	hdr, err := ccid.ParseResponseHeader(resp[:n])
	if err != nil {
		r.log.Error().Int("length", n).Msg("not enough data received")
		return fmt.Errorf("%w: %v", ErrCommunication, err)
	}

	if hdr.Status.CommandFailed() {
		r.logSlotError(zerolog.ErrorLevel, hdr.Error)
		return fmt.Errorf("%w: power off failed: %v", ErrCommunication, hdr.Error)
	}
	return nil
}

// SlotStatus is the card and clock state of the slot.
type SlotStatus struct {
	ICC   ccid.ICCStatus
	Clock ccid.ClockStatus
}

// GetSlotStatus polls the slot. A mute or absent card is an expected steady
// state, not a failure: the returned status then simply reports the ICC as
// absent.
func (r *Reader) GetSlotStatus() (SlotStatus, error) {
	seq := r.nextSeq()
	cmd := ccid.EncodeFrame(ccid.PCtoRDRGetSlotStatus, r.desc.Slot, seq, [3]byte{}, nil)

	if err := r.port.Write(cmd); err != nil {
		return SlotStatus{}, transportError(err)
	}

	resp := make([]byte, ccid.HeaderSize)
	n, err := r.port.Read(resp, int(seq), r.readTimeout)
	if err != nil {
		return SlotStatus{}, transportError(err)
	}

	hdr, err := ccid.ParseResponseHeader(resp[:n])
	if err != nil {
		r.log.Error().Int("length", n).Msg("not enough data received")
		return SlotStatus{}, fmt.Errorf("%w: %v", ErrCommunication, err)
	}

	if hdr.Status.CommandFailed() && hdr.Error != ccid.SlotErrorICCMute {
		r.logSlotError(zerolog.ErrorLevel, hdr.Error)
		return SlotStatus{}, fmt.Errorf("%w: get slot status failed: %v", ErrCommunication, hdr.Error)
	}

	return SlotStatus{
		ICC:   hdr.Status.ICC(),
		Clock: ccid.ClockStatus(hdr.Parameter),
	}, nil
}

// XfrBlock exchanges one command with the card and copies the response into
// rx, returning the number of bytes copied. Only short-APDU exchange
// readers are driven; any other advertised exchange level is a hard error,
// not silently widened.
func (r *Reader) XfrBlock(tx, rx []byte) (int, error) {
	switch r.desc.Features.ExchangeMode() {
	case ccid.ExchangeShortAPDU:
		return r.xfrBlockTPDU(tx, rx)
	default:
		r.log.Error().
			Uint32("mode", uint32(r.desc.Features.ExchangeMode())).
			Msg("unsupported exchange level")
		return 0, fmt.Errorf("%w: exchange level 0x%05X not supported",
			ErrCommunication, uint32(r.desc.Features.ExchangeMode()))
	}
}

// xfrBlockTPDU relays one TPDU: transmit, then receive.
func (r *Reader) xfrBlockTPDU(tx, rx []byte) (int, error) {
	r.log.Debug().Int("length", len(tx)).Msg("TPDU exchange")

	if max := int(r.desc.MaxMessageLength) - ccid.HeaderSize; len(tx) > max {
		if r.desc.MaxMessageLength == bogusSCMMaxMessageLength {
			r.log.Info().Int("length", len(tx)).Int("max", max).
				Msg("command too long for advertised max, SCM reader with bogus firmware?")
		} else {
			r.log.Error().Int("length", len(tx)).Int("max", max).
				Msg("command too long for reader")
			return 0, fmt.Errorf("%w: command of %d bytes exceeds reader max of %d",
				ErrCommunication, len(tx), max)
		}
	}

	if len(tx) > maxCommandSize {
		r.log.Error().Int("length", len(tx)).Int("max", maxCommandSize).
			Msg("command too long for driver")
		return 0, fmt.Errorf("%w: command of %d bytes exceeds driver max of %d",
			ErrCommunication, len(tx), maxCommandSize)
	}

	if err := r.Transmit(tx, 0, 0); err != nil {
		return 0, err
	}
	return r.Receive(rx)
}

// Transmit sends an XfrBlock frame carrying tx. rxLength is the expected
// response length, used by character-level readers only; the wire encodes
// it on two bytes, so hints above 0xFFFF are unrepresentable by
// construction. bBWI extends the block waiting time.
func (r *Reader) Transmit(tx []byte, rxLength uint16, bBWI byte) error {
	seq := r.nextSeq()
	cmd := ccid.EncodeFrame(ccid.PCtoRDRXfrBlock, r.desc.Slot, seq,
		[3]byte{bBWI, byte(rxLength), byte(rxLength >> 8)}, tx)

	if err := r.port.Write(cmd); err != nil {
		return transportError(err)
	}
	return nil
}

// Receive reads the data block answering a previous Transmit (or Secure)
// and copies its payload into rx, returning the number of bytes copied.
//
// Time extensions are honored for as long as the reader keeps requesting
// them: each one rearms the read with the session timeout multiplied by the
// reader-supplied factor (a factor of 0 leaves the timeout unchanged). The
// session timeout itself is never left modified.
//
// Two reader errors are folded into successful pseudo-responses because the
// card-interface contract above expects a status APDU for them: a cancelled
// PIN entry answers 64 01 and a timed-out one 64 00.
func (r *Reader) Receive(rx []byte) (int, error) {
	buf := make([]byte, ccid.HeaderSize+maxResponseSize)
	timeout := r.readTimeout

	for {
		n, err := r.port.Read(buf, AnySeq, timeout)
		if err != nil {
			return 0, transportError(err)
		}

		hdr, err := ccid.ParseResponseHeader(buf[:n])
		if err != nil {
			r.log.Error().Int("length", n).Msg("not enough data received")
			return 0, fmt.Errorf("%w: %v", ErrCommunication, err)
		}

		if hdr.Status.CommandFailed() {
			r.logSlotError(zerolog.ErrorLevel, hdr.Error)
			switch hdr.Error {
			case ccid.SlotErrorPINCancelled:
				if len(rx) < 2 {
					return 0, fmt.Errorf("%w: need 2 bytes for status", ErrInsufficientBuffer)
				}
				rx[0], rx[1] = 0x64, 0x01
				return 2, nil

			case ccid.SlotErrorPINTimeout:
				if len(rx) < 2 {
					return 0, fmt.Errorf("%w: need 2 bytes for status", ErrInsufficientBuffer)
				}
				rx[0], rx[1] = 0x64, 0x00
				return 2, nil

			case ccid.SlotErrorXfrParity:
				return 0, fmt.Errorf("%w: %v", ErrParity, hdr.Error)

			case ccid.SlotErrorICCMute:
				if hdr.Status.ICC() == ccid.ICCAbsent {
					return 0, fmt.Errorf("%w: %v", ErrNoCard, hdr.Error)
				}
				return 0, fmt.Errorf("%w: %v", ErrCommunication, hdr.Error)

			default:
				return 0, fmt.Errorf("%w: %v", ErrCommunication, hdr.Error)
			}
		}

		if hdr.Status.TimeExtension() {
			r.log.Debug().Uint8("multiplier", byte(hdr.Error)).Msg("time extension requested")
			if hdr.Error > 0 {
				timeout = r.readTimeout * time.Duration(hdr.Error)
			}
			continue
		}

		declared := int(hdr.Length)
		avail := n - ccid.HeaderSize

		var ret error
		if avail != declared {
			r.log.Error().Int("read", avail).Int("declared", declared).
				Msg("frame length does not match bytes received")
			ret = fmt.Errorf("%w: declared %d payload bytes, received %d",
				ErrCommunication, declared, avail)
		}

		length := declared
		if length > avail {
			length = avail
		}

		if rx == nil && length > 0 {
			// Kobil firmware bug, no support for chaining.
			r.log.Error().Int("length", length).Msg("nul block expected but got data")
			return 0, fmt.Errorf("%w: unexpected %d-byte block", ErrCommunication, length)
		}

		if length > len(rx) {
			r.log.Error().Int("overrun", length-len(rx)).Msg("response overruns caller buffer")
			length = len(rx)
			ret = fmt.Errorf("%w: response truncated to %d bytes", ErrInsufficientBuffer, length)
		}

		copy(rx, buf[ccid.HeaderSize:ccid.HeaderSize+length])
		return length, ret
	}
}

// Escape passes a raw vendor command to the reader and copies the answer
// into rx, returning the number of bytes copied.
//
// A NAK from the transport replays the whole exchange with a fresh frame
// (serial readers typically NAK the first command after power up). When
// timeout is positive it replaces the session timeout for this call only,
// restored on every exit path. mayfail downgrades reader-error logging to
// informational for call sites where an unsupported vendor command is
// expected; the returned error is unaffected.
func (r *Reader) Escape(tx, rx []byte, timeout time.Duration, mayfail bool) (int, error) {
	if timeout > 0 {
		old := r.readTimeout
		r.readTimeout = timeout
		defer func() { r.readTimeout = old }()
	}

	severity := zerolog.ErrorLevel
	if mayfail {
		severity = zerolog.InfoLevel
	}

	buf := make([]byte, ccid.HeaderSize+len(rx))

again:
	for {
		seq := r.nextSeq()
		cmd := ccid.EncodeFrame(ccid.PCtoRDREscape, r.desc.Slot, seq, [3]byte{}, tx)

		if err := r.port.Write(cmd); err != nil {
			return 0, transportError(err)
		}

		readTimeout := r.readTimeout
		for {
			n, err := r.port.Read(buf, int(seq), readTimeout)
			if errors.Is(err, ErrNAK) {
				continue again
			}
			if err != nil {
				return 0, transportError(err)
			}

			hdr, err := ccid.ParseResponseHeader(buf[:n])
			if err != nil {
				r.log.Error().Int("length", n).Msg("not enough data received")
				return 0, fmt.Errorf("%w: %v", ErrCommunication, err)
			}

			if hdr.Status.TimeExtension() {
				r.log.Debug().Uint8("multiplier", byte(hdr.Error)).Msg("time extension requested")
				if hdr.Error > 0 {
					readTimeout = r.readTimeout * time.Duration(hdr.Error)
				}
				continue
			}

			var ret error
			if hdr.Status.CommandFailed() {
				r.logSlotError(severity, hdr.Error)
				ret = fmt.Errorf("%w: escape failed: %v", ErrCommunication, hdr.Error)
			}

			length := int(hdr.Length)
			if avail := n - ccid.HeaderSize; length > avail {
				length = avail
			}
			if length > len(rx) {
				length = len(rx)
				ret = fmt.Errorf("%w: response truncated to %d bytes", ErrInsufficientBuffer, length)
			}
			copy(rx, buf[ccid.HeaderSize:ccid.HeaderSize+length])
			return length, ret
		}
	}
}

// SetParameters pushes a protocol data structure to the reader. Error
// bytes 1 to 127 report a parameter the reader cannot adjust, which is
// benign and folded into success; only "command not supported" surfaces as
// ErrNotSupported.
func (r *Reader) SetParameters(protocol byte, data []byte) error {
	r.log.Debug().Int("length", len(data)).Msg("set parameters")

	seq := r.nextSeq()
	cmd := ccid.EncodeFrame(ccid.PCtoRDRSetParameters, r.desc.Slot, seq,
		[3]byte{protocol, 0, 0}, data)

	if err := r.port.Write(cmd); err != nil {
		return transportError(err)
	}

	resp := make([]byte, ccid.HeaderSize+len(data))
	n, err := r.port.Read(resp, int(seq), r.readTimeout)
	if err != nil {
		return transportError(err)
	}

	hdr, err := ccid.ParseResponseHeader(resp[:n])
	if err != nil {
		r.log.Error().Int("length", n).Msg("not enough data received")
		return fmt.Errorf("%w: %v", ErrCommunication, err)
	}

	if hdr.Status.CommandFailed() {
		r.logSlotError(zerolog.ErrorLevel, hdr.Error)
		switch {
		case hdr.Error == ccid.SlotErrorCmdNotSupported:
			return fmt.Errorf("%w: set parameters", ErrNotSupported)
		case hdr.Error >= 1 && hdr.Error <= 127:
			// The parameter is simply not adjustable on this reader.
			return nil
		default:
			return fmt.Errorf("%w: set parameters failed: %v", ErrCommunication, hdr.Error)
		}
	}
	return nil
}
