package ccid

import "fmt"

// Status is the bStatus byte of a response header (CCID rev 1.1, ch. 6.2.6).
//
// Bits 0-1 encode the ICC state, bit 6 flags a failed command and bit 7 a
// time-extension request. The two flag bits are independent of each other
// and of the ICC state.
type Status byte

const (
	iccStatusMask Status = 0x03

	// StatusCommandFailed is set when the command failed; bError then
	// carries the reason.
	StatusCommandFailed Status = 0x40

	// StatusTimeExtension is set when the reader asks for more processing
	// time; bError then carries the timeout multiplier.
	StatusTimeExtension Status = 0x80
)

// ICCStatus is the card-presence state from bStatus bits 0-1.
type ICCStatus byte

const (
	ICCPresentActive   ICCStatus = 0x00
	ICCPresentInactive ICCStatus = 0x01
	ICCAbsent          ICCStatus = 0x02
)

// String returns a readable name for the ICC state.
func (s ICCStatus) String() string {
	switch s {
	case ICCPresentActive:
		return "present and active"
	case ICCPresentInactive:
		return "present and inactive"
	case ICCAbsent:
		return "absent"
	}
	return fmt.Sprintf("ICCStatus(0x%02X)", byte(s))
}

// ICC extracts the card-presence state.
func (s Status) ICC() ICCStatus {
	return ICCStatus(s & iccStatusMask)
}

// CommandFailed reports whether the command-failed flag is set.
func (s Status) CommandFailed() bool {
	return s&StatusCommandFailed != 0
}

// TimeExtension reports whether the reader requested a time extension.
func (s Status) TimeExtension() bool {
	return s&StatusTimeExtension != 0
}

// ClockStatus is the bClockStatus byte of a slot-status response.
type ClockStatus byte

const (
	ClockRunning        ClockStatus = 0x00
	ClockStoppedLow     ClockStatus = 0x01
	ClockStoppedHigh    ClockStatus = 0x02
	ClockStoppedUnknown ClockStatus = 0x03
)

// String returns a readable name for the clock state.
func (c ClockStatus) String() string {
	switch c {
	case ClockRunning:
		return "running"
	case ClockStoppedLow:
		return "stopped low"
	case ClockStoppedHigh:
		return "stopped high"
	case ClockStoppedUnknown:
		return "stopped"
	}
	return fmt.Sprintf("ClockStatus(0x%02X)", byte(c))
}
