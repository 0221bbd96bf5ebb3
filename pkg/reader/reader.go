/*
Package reader drives a CCID smart-card reader: it turns logical card
operations (power on, transmit, secure PIN entry, ...) into CCID command
frames, pushes them through a byte transport and validates the responses.

The transport itself is a collaborator behind the Port interface; the usb
package provides one over libusb bulk endpoints, tests provide scripted
fakes. A Reader owns exactly one session: the sequence counter and the read
timeout are mutated without synchronization and must not be shared between
goroutines. Independent readers are independent sessions.
*/
package reader

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/bluetech/ccid/pkg/ccid"
)

// AnySeq, passed as the expected sequence to Port.Read, accepts whatever
// frame arrives next. Used for the open-ended reads after a time extension.
const AnySeq = -1

// Port is the byte transport to the reader, typically a USB bulk pipe.
//
// Read blocks until a frame whose bSeq matches expectedSeq arrives (frames
// with a different sequence are discarded), until the timeout expires or
// until the transport fails. Implementations report device removal as
// ErrNoSuchDevice and a reader NAK as ErrNAK, possibly wrapped.
type Port interface {
	Write(payload []byte) error
	Read(buf []byte, expectedSeq int, timeout time.Duration) (int, error)
}

// Descriptor carries the per-reader capabilities, parsed from the CCID
// class descriptor by the transport layer.
type Descriptor struct {
	// Slot is the card slot the session drives; bMaxSlotIndex bounds it.
	Slot         byte
	MaxSlotIndex byte

	// MaxMessageLength is dwMaxCCIDMessageLength: the largest frame,
	// header included, the reader accepts.
	MaxMessageLength uint32
	MaxIFSD          uint32

	Features       ccid.Features
	PINSupport     ccid.PINSupport
	VoltageSupport ccid.VoltageSupport

	DefaultClock uint32 // kHz
	MaxDataRate  uint32 // bps
	DataRates    []uint32

	// Protocols is dwProtocols: bit 0 for T=0, bit 1 for T=1.
	Protocols uint32
	// InterfaceProtocol is bInterfaceProtocol (0 for plain CCID).
	InterfaceProtocol byte
}

// MaxATRSize is the longest Answer-To-Reset a card may return.
const MaxATRSize = 33

// DefaultReadTimeout is the initial response timeout of a session. The
// reader can grow it per exchange through time extensions.
const DefaultReadTimeout = 3 * time.Second

// maxCommandSize bounds a short-APDU command: 4 header + 1 Lc + 255 data +
// 1 Le bytes. Commands beyond that would need extended-APDU exchange,
// which this driver does not speak.
const maxCommandSize = 261

// maxResponseSize bounds a short-APDU response: 256 data + SW1 SW2.
const maxResponseSize = 258

// Reader is one exclusive session with one reader slot.
type Reader struct {
	port Port
	desc Descriptor
	log  zerolog.Logger

	// seq is the frame sequence counter. Byte-wide, wraps at 256; the
	// value sent in a frame is the one expected back in its response.
	seq byte

	// readTimeout is the current response timeout. Secure PIN entry and
	// Escape override it for the duration of the call and restore it on
	// every exit path.
	readTimeout time.Duration

	// cardProtocol is the protocol negotiated with the powered card.
	cardProtocol byte
}

// Option configures a Reader.
type Option func(*Reader)

// WithLogger attaches a logger; without it the session is silent.
func WithLogger(log zerolog.Logger) Option {
	return func(r *Reader) { r.log = log }
}

// WithReadTimeout overrides the initial response timeout.
func WithReadTimeout(d time.Duration) Option {
	return func(r *Reader) { r.readTimeout = d }
}

// New binds a session to a transport and a parsed descriptor.
func New(port Port, desc Descriptor, opts ...Option) *Reader {
	r := &Reader{
		port:        port,
		desc:        desc,
		log:         zerolog.Nop(),
		readTimeout: DefaultReadTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Descriptor returns a copy of the reader capabilities.
func (r *Reader) Descriptor() Descriptor {
	return r.desc
}

// ReadTimeout returns the current response timeout.
func (r *Reader) ReadTimeout() time.Duration {
	return r.readTimeout
}

// SetReadTimeout replaces the response timeout.
func (r *Reader) SetReadTimeout(d time.Duration) {
	r.readTimeout = d
}

// CardProtocol returns the protocol negotiated with the card.
func (r *Reader) CardProtocol() byte {
	return r.cardProtocol
}

// SetCardProtocol records the protocol negotiated with the card.
func (r *Reader) SetCardProtocol(p byte) {
	r.cardProtocol = p
}

// nextSeq hands out the sequence number for the next frame.
func (r *Reader) nextSeq() byte {
	s := r.seq
	r.seq++
	return s
}

// logSlotError reports a reader error byte at the given severity.
func (r *Reader) logSlotError(level zerolog.Level, code ccid.SlotError) {
	r.log.WithLevel(level).
		Uint8("code", byte(code)).
		Str("reason", code.String()).
		Msg("reader reported an error")
}
