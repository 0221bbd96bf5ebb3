/*
Package ccid implements the wire format of the USB CCID (Chip/Smart Card
Interface Device) class, revision 1.1.

This package only deals with bytes: building command frames, parsing response
headers and giving names to the status, error and capability fields a CCID
reader exposes. Driving an actual exchange (sequencing, retries, time
extensions) is the job of the reader package.

# Frame layout

Every message, in both directions, starts with a fixed 10-byte header:

	Offset  Size  Field
	0       1     bMessageType
	1       4     dwLength (payload length, little endian)
	5       1     bSlot
	6       1     bSeq
	7       3     message-specific parameters

followed by dwLength payload bytes. In responses the three parameter bytes
carry bStatus, bError and a message-specific byte (clock status or chain
parameter).

# Status byte

bStatus packs two independent pieces of information: bits 0-1 describe the
ICC state (present and active, present and inactive, absent) and bits 6-7
flag a failed command and a time-extension request. The flags are checked
independently; a time extension may accompany any ICC state.
*/
package ccid
