package reader

import (
	"errors"
	"fmt"
)

// RESULT TAXONOMY:
// Every operation reports its outcome through this closed set of sentinel
// errors (nil meaning success). Callers branch with errors.Is; raw reader
// error bytes never leak past this package, they are only logged.
//
// Two conditions deserve special handling by callers:
//   - ErrNoSuchDevice: the reader is gone (unplugged); retrying is useless.
//   - ErrInsufficientBuffer: the response was truncated to the caller's
//     buffer; the returned prefix is valid.
var (
	// ErrCommunication is the generic failure: transport trouble, a
	// malformed frame or a reader-reported error with no better mapping.
	ErrCommunication = errors.New("communication error")

	// ErrNoSuchDevice reports that the device disappeared mid-exchange.
	ErrNoSuchDevice = errors.New("no such device")

	// ErrParity reports a parity error during the card exchange.
	ErrParity = errors.New("parity error during exchange")

	// ErrNoCard reports that no card is present in the slot.
	ErrNoCard = errors.New("no card present")

	// ErrNotSupported rejects a request the reader or driver cannot
	// express: malformed PIN block, unsupported parameter, unsupported
	// vendor command.
	ErrNotSupported = errors.New("not supported")

	// ErrInsufficientBuffer reports that the caller's buffer was smaller
	// than the response; the buffer holds a truncated but valid prefix.
	ErrInsufficientBuffer = errors.New("buffer too small for response")
)

// ErrNAK is a transport-level status a Port may return from Read when the
// reader refused the frame. It is consumed inside this package: the only
// command replayed on a NAK is Escape. It is not part of the caller-visible
// taxonomy.
var ErrNAK = errors.New("transport NAK")

// transportError maps a Port failure onto the caller-visible taxonomy.
// Device removal keeps its identity so callers can stop retrying.
func transportError(err error) error {
	if errors.Is(err, ErrNoSuchDevice) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrCommunication, err)
}
