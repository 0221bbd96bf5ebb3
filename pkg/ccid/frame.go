package ccid

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the fixed size of every CCID command and response header.
const HeaderSize = 10

// Offsets of the response-specific fields within the 10-byte header.
const (
	StatusOffset         = 7
	ErrorOffset          = 8
	ChainParameterOffset = 9
)

// MessageType identifies a CCID message (bMessageType, header byte 0).
type MessageType byte

// Command messages (PC to reader).
const (
	PCtoRDRSetParameters MessageType = 0x61
	PCtoRDRIccPowerOn    MessageType = 0x62
	PCtoRDRIccPowerOff   MessageType = 0x63
	PCtoRDRGetSlotStatus MessageType = 0x65
	PCtoRDRSecure        MessageType = 0x69
	PCtoRDREscape        MessageType = 0x6B
	PCtoRDRXfrBlock      MessageType = 0x6F
)

// Response and notification messages (reader to PC).
const (
	RDRtoPCNotifySlotChange MessageType = 0x50
	RDRtoPCHardwareError    MessageType = 0x51
	RDRtoPCDataBlock        MessageType = 0x80
	RDRtoPCSlotStatus       MessageType = 0x81
	RDRtoPCParameters       MessageType = 0x82
	RDRtoPCEscape           MessageType = 0x83
)

// String returns the CCID name of the message type.
func (t MessageType) String() string {
	switch t {
	case PCtoRDRSetParameters:
		return "PC_to_RDR_SetParameters"
	case PCtoRDRIccPowerOn:
		return "PC_to_RDR_IccPowerOn"
	case PCtoRDRIccPowerOff:
		return "PC_to_RDR_IccPowerOff"
	case PCtoRDRGetSlotStatus:
		return "PC_to_RDR_GetSlotStatus"
	case PCtoRDRSecure:
		return "PC_to_RDR_Secure"
	case PCtoRDREscape:
		return "PC_to_RDR_Escape"
	case PCtoRDRXfrBlock:
		return "PC_to_RDR_XfrBlock"
	case RDRtoPCNotifySlotChange:
		return "RDR_to_PC_NotifySlotChange"
	case RDRtoPCHardwareError:
		return "RDR_to_PC_HardwareError"
	case RDRtoPCDataBlock:
		return "RDR_to_PC_DataBlock"
	case RDRtoPCSlotStatus:
		return "RDR_to_PC_SlotStatus"
	case RDRtoPCParameters:
		return "RDR_to_PC_Parameters"
	case RDRtoPCEscape:
		return "RDR_to_PC_Escape"
	}
	return fmt.Sprintf("MessageType(0x%02X)", byte(t))
}

// ErrShortFrame reports a frame smaller than the mandatory 10-byte header.
var ErrShortFrame = errors.New("ccid: frame shorter than header")

// EncodeFrame builds a complete command frame: the 10-byte header followed
// by the payload. The dwLength field is derived from the payload.
func EncodeFrame(t MessageType, slot, seq byte, params [3]byte, payload []byte) []byte {
	frame := make([]byte, HeaderSize+len(payload))
	frame[0] = byte(t)
	binary.LittleEndian.PutUint32(frame[1:5], uint32(len(payload)))
	frame[5] = slot
	frame[6] = seq
	frame[7] = params[0]
	frame[8] = params[1]
	frame[9] = params[2]
	copy(frame[HeaderSize:], payload)
	return frame
}

// ResponseHeader is the decoded 10-byte header of a reader response.
type ResponseHeader struct {
	MessageType MessageType
	// Length is the payload length the reader declares (dwLength). It is
	// the declared value, not the number of bytes actually received; the
	// caller must reconcile the two.
	Length uint32
	Slot   byte
	Seq    byte
	Status Status
	Error  SlotError
	// Parameter is the last header byte: bClockStatus on slot-status
	// responses, bChainParameter on data blocks.
	Parameter byte
}

// ParseResponseHeader decodes the header of a response frame. It fails with
// ErrShortFrame when fewer than HeaderSize bytes are present.
func ParseResponseHeader(frame []byte) (ResponseHeader, error) {
	if len(frame) < HeaderSize {
		return ResponseHeader{}, fmt.Errorf("%w: got %d bytes", ErrShortFrame, len(frame))
	}

	return ResponseHeader{
		MessageType: MessageType(frame[0]),
		Length:      binary.LittleEndian.Uint32(frame[1:5]),
		Slot:        frame[5],
		Seq:         frame[6],
		Status:      Status(frame[StatusOffset]),
		Error:       SlotError(frame[ErrorOffset]),
		Parameter:   frame[ChainParameterOffset],
	}, nil
}
