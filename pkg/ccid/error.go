package ccid

import "fmt"

// SlotError is the bError byte of a response header, meaningful when the
// command-failed flag is set (CCID rev 1.1, table 6.2-2). During a time
// extension the same byte carries the timeout multiplier instead.
type SlotError byte

const (
	SlotErrorCmdAborted            SlotError = 0xFF
	SlotErrorICCMute               SlotError = 0xFE
	SlotErrorXfrParity             SlotError = 0xFD
	SlotErrorXfrOverrun            SlotError = 0xFC
	SlotErrorHardware              SlotError = 0xFB
	SlotErrorBadATRTS              SlotError = 0xF8
	SlotErrorBadATRTCK             SlotError = 0xF7
	SlotErrorProtocolNotSupported  SlotError = 0xF6
	SlotErrorClassNotSupported     SlotError = 0xF5
	SlotErrorProcedureByteConflict SlotError = 0xF4
	SlotErrorDeactivatedProtocol   SlotError = 0xF3
	SlotErrorBusyAutoSequence      SlotError = 0xF2
	SlotErrorPINTimeout            SlotError = 0xF0
	SlotErrorPINCancelled          SlotError = 0xEF
	SlotErrorSlotBusy              SlotError = 0xE0
	SlotErrorBadLevelParameter     SlotError = 0x08
	SlotErrorBadPowerSelect        SlotError = 0x07
	SlotErrorBadSlot               SlotError = 0x05
	SlotErrorBadLength             SlotError = 0x01
	SlotErrorCmdNotSupported       SlotError = 0x00
)

// String returns the CCID name of the error code. Codes 1 to 127 without a
// dedicated name index the offending byte of the command.
func (e SlotError) String() string {
	switch e {
	case SlotErrorCmdAborted:
		return "CMD_ABORTED"
	case SlotErrorICCMute:
		return "ICC_MUTE"
	case SlotErrorXfrParity:
		return "XFR_PARITY_ERROR"
	case SlotErrorXfrOverrun:
		return "XFR_OVERRUN"
	case SlotErrorHardware:
		return "HW_ERROR"
	case SlotErrorBadATRTS:
		return "BAD_ATR_TS"
	case SlotErrorBadATRTCK:
		return "BAD_ATR_TCK"
	case SlotErrorProtocolNotSupported:
		return "ICC_PROTOCOL_NOT_SUPPORTED"
	case SlotErrorClassNotSupported:
		return "ICC_CLASS_NOT_SUPPORTED"
	case SlotErrorProcedureByteConflict:
		return "PROCEDURE_BYTE_CONFLICT"
	case SlotErrorDeactivatedProtocol:
		return "DEACTIVATED_PROTOCOL"
	case SlotErrorBusyAutoSequence:
		return "BUSY_WITH_AUTO_SEQUENCE"
	case SlotErrorPINTimeout:
		return "PIN_TIMEOUT"
	case SlotErrorPINCancelled:
		return "PIN_CANCELLED"
	case SlotErrorSlotBusy:
		return "CMD_SLOT_BUSY"
	case SlotErrorCmdNotSupported:
		return "Command not supported"
	}
	if e >= 1 && e <= 127 {
		return fmt.Sprintf("error on byte %d of the command", byte(e))
	}
	return fmt.Sprintf("SlotError(0x%02X)", byte(e))
}
