package reader

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/bluetech/ccid/pkg/ccid"
)

// SECURE PIN ENTRY:
// The caller hands over a PC/SC V2.02.05 Part 10 PIN block; the reader
// wants the CCID Secure layout. The two differ in small ways:
//
//   - bTimeOut2 exists in PC/SC only; there is nothing to do with it.
//   - ulDataLength exists in PC/SC only; the CCID header already carries
//     the frame length.
//   - for a modification, bMsgIndex2 and bMsgIndex3 are present in CCID
//     only when bNumberMessage warrants them.
//
// On top of the repacking, the block is normalized: callers on big-endian
// hosts have been seen handing the three multi-byte fields in host order,
// and at least one reader (Cherry XX44) crashes on an out-of-range
// bEntryValidationCondition.

// PC/SC Part 10 layout of the PIN verification block.
const (
	pinVerifyFixedSize      = 19 // bytes before abData
	pinVerifyTimeOut        = 0
	pinVerifyTimeOut2       = 1
	pinVerifyMaxExtraDigit  = 5 // wPINMaxExtraDigit, 2 bytes
	pinVerifyEntryCondition = 7
	pinVerifyLangID         = 9  // wLangId, 2 bytes
	pinVerifyDataLength     = 15 // ulDataLength, 4 bytes
)

// PC/SC Part 10 layout of the PIN modification block.
const (
	pinModifyFixedSize      = 24 // bytes before abData
	pinModifyTimeOut        = 0
	pinModifyTimeOut2       = 1
	pinModifyMaxExtraDigit  = 7 // wPINMaxExtraDigit, 2 bytes
	pinModifyEntryCondition = 10
	pinModifyNumberMessage  = 11
	pinModifyLangID         = 12 // wLangId, 2 bytes
	pinModifyMsgIndex2      = 15
	pinModifyMsgIndex3      = 16
	pinModifyDataLength     = 20 // ulDataLength, 4 bytes
)

// minAPDUSize: the abData field must hold at least a CLA INS P1 P2 header.
const minAPDUSize = 4

// Secure-message bPINOperation values.
const (
	pinOperationVerify = 0x00
	pinOperationModify = 0x01
)

// SecurePINVerify runs a PIN verification on the reader pinpad. tx is a
// PC/SC Part 10 PIN_VERIFY block (normalized in place, see below); the card
// status answer is copied into rx. The read timeout is raised to at least
// 90 seconds, or bTimeOut plus 10, for the duration of the call.
func (r *Reader) SecurePINVerify(tx, rx []byte) (int, error) {
	if len(tx) < pinVerifyFixedSize+minAPDUSize {
		r.log.Info().Int("length", len(tx)).Int("min", pinVerifyFixedSize+minAPDUSize).
			Msg("PIN verify block too short")
		return 0, fmt.Errorf("%w: PIN verify block of %d bytes, minimum %d",
			ErrNotSupported, len(tx), pinVerifyFixedSize+minAPDUSize)
	}

	r.normalizePINBlock(tx, pinVerifyMaxExtraDigit, pinVerifyLangID,
		pinVerifyDataLength, pinVerifyFixedSize)

	if n := int(binary.LittleEndian.Uint32(tx[pinVerifyDataLength:])); n+pinVerifyFixedSize != len(tx) {
		r.log.Info().Int("declared", n+pinVerifyFixedSize).Int("length", len(tx)).
			Msg("PIN verify block length mismatch")
		return 0, fmt.Errorf("%w: ulDataLength %d inconsistent with block of %d bytes",
			ErrNotSupported, n, len(tx))
	}

	r.sanitizeEntryCondition(tx, pinVerifyEntryCondition)

	payload := make([]byte, 0, 1+len(tx))
	payload = append(payload, pinOperationVerify)
	for b := 0; b < len(tx); b++ {
		switch {
		case b == pinVerifyTimeOut2:
			// Nothing can be done with the second timeout.
			continue
		case b >= pinVerifyDataLength && b < pinVerifyDataLength+4:
			// The CCID header carries the length.
			continue
		}
		payload = append(payload, tx[b])
	}

	return r.securePINExchange(payload, rx, tx[pinVerifyTimeOut])
}

// SecurePINModify runs a PIN modification on the reader pinpad. tx is a
// PC/SC Part 10 PIN_MODIFY block (normalized in place); the card status
// answer is copied into rx. Timeout handling matches SecurePINVerify.
func (r *Reader) SecurePINModify(tx, rx []byte) (int, error) {
	if len(tx) < pinModifyFixedSize+minAPDUSize {
		r.log.Info().Int("length", len(tx)).Int("min", pinModifyFixedSize+minAPDUSize).
			Msg("PIN modify block too short")
		return 0, fmt.Errorf("%w: PIN modify block of %d bytes, minimum %d",
			ErrNotSupported, len(tx), pinModifyFixedSize+minAPDUSize)
	}

	r.normalizePINBlock(tx, pinModifyMaxExtraDigit, pinModifyLangID,
		pinModifyDataLength, pinModifyFixedSize)

	if n := int(binary.LittleEndian.Uint32(tx[pinModifyDataLength:])); n+pinModifyFixedSize != len(tx) {
		r.log.Info().Int("declared", n+pinModifyFixedSize).Int("length", len(tx)).
			Msg("PIN modify block length mismatch")
		return 0, fmt.Errorf("%w: ulDataLength %d inconsistent with block of %d bytes",
			ErrNotSupported, n, len(tx))
	}

	// 0xFF means "use default messages"; Part 10 allows nothing else
	// above 3.
	numberMessage := tx[pinModifyNumberMessage]
	if numberMessage > 3 && numberMessage != 0xFF {
		r.log.Info().Uint8("bNumberMessage", numberMessage).Msg("wrong bNumberMessage")
		return 0, fmt.Errorf("%w: bNumberMessage %d", ErrNotSupported, numberMessage)
	}

	r.sanitizeEntryCondition(tx, pinModifyEntryCondition)

	payload := make([]byte, 0, 1+len(tx))
	payload = append(payload, pinOperationModify)
	for b := 0; b < len(tx); b++ {
		switch {
		case b == pinModifyTimeOut2:
			continue
		case b == pinModifyMsgIndex2 && numberMessage == 0:
			// bMsgIndex2 is present in CCID only when messages are used.
			continue
		case b == pinModifyMsgIndex3 && numberMessage < 3:
			// bMsgIndex3 is present in CCID only with three messages.
			continue
		case b >= pinModifyDataLength && b < pinModifyDataLength+4:
			continue
		}
		payload = append(payload, tx[b])
	}

	return r.securePINExchange(payload, rx, tx[pinModifyTimeOut])
}

// securePINExchange sends the repacked Secure frame and receives the card
// answer under an extended, scoped timeout.
func (r *Reader) securePINExchange(payload, rx []byte, firstTimeout byte) (int, error) {
	seq := r.nextSeq()
	// bBWI and wLevelParameter stay zero: short APDU exchange only.
	cmd := ccid.EncodeFrame(ccid.PCtoRDRSecure, r.desc.Slot, seq, [3]byte{}, payload)

	old := r.readTimeout
	extended := time.Duration(int(firstTimeout)+10) * time.Second
	if extended < 90*time.Second {
		extended = 90 * time.Second // pinpad entry is human-paced
	}
	r.readTimeout = extended
	defer func() { r.readTimeout = old }()

	if err := r.port.Write(cmd); err != nil {
		return 0, transportError(err)
	}

	return r.Receive(rx)
}

// normalizePINBlock fixes the byte order of the three multi-byte fields of
// a Part 10 PIN block. When reading ulDataLength big-endian yields a total
// consistent with the block size while little-endian does not, the caller
// used host order on a big-endian machine: wPINMaxExtraDigit, wLangId and
// ulDataLength are reversed in place. An already-little-endian block is
// left untouched, which makes the correction idempotent.
func (r *Reader) normalizePINBlock(tx []byte, extraDigitOff, langIDOff, dataLenOff, fixedSize int) {
	le := int(binary.LittleEndian.Uint32(tx[dataLenOff:]))
	be := int(binary.BigEndian.Uint32(tx[dataLenOff:]))

	if le+fixedSize == len(tx) || be+fixedSize != len(tx) {
		// Either already little endian, or inconsistent both ways; the
		// coherency check after normalization rejects the latter.
		return
	}

	r.log.Info().Msg("reversing PIN block fields from big to little endian")
	tx[extraDigitOff], tx[extraDigitOff+1] = tx[extraDigitOff+1], tx[extraDigitOff]
	tx[langIDOff], tx[langIDOff+1] = tx[langIDOff+1], tx[langIDOff]
	binary.LittleEndian.PutUint32(tx[dataLenOff:], uint32(be))
}

// sanitizeEntryCondition clamps bEntryValidationCondition to a safe
// default. The Cherry XX44 crashes on zero or anything above 0x07.
func (r *Reader) sanitizeEntryCondition(tx []byte, off int) {
	if tx[off] == 0x00 || tx[off] > 0x07 {
		r.log.Info().Uint8("was", tx[off]).Msg("fix bEntryValidationCondition")
		tx[off] = 0x02
	}
}
