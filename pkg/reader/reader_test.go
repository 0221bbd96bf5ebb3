package reader

import (
	"testing"
	"time"

	"github.com/bluetech/ccid/pkg/ccid"
)

// fakePort scripts the transport side of an exchange: every Read consumes
// the next queued result, and everything written or observed (timeouts,
// expected sequences) is recorded for assertions.

type portRead struct {
	data []byte
	err  error
}

type fakePort struct {
	t *testing.T

	reads    []portRead
	writeErr error

	writes   [][]byte
	timeouts []time.Duration
	seqs     []int
}

func (p *fakePort) Write(payload []byte) error {
	if p.writeErr != nil {
		return p.writeErr
	}
	p.writes = append(p.writes, append([]byte(nil), payload...))
	return nil
}

func (p *fakePort) Read(buf []byte, expectedSeq int, timeout time.Duration) (int, error) {
	p.t.Helper()
	p.timeouts = append(p.timeouts, timeout)
	p.seqs = append(p.seqs, expectedSeq)

	if len(p.reads) == 0 {
		p.t.Fatal("unexpected Read: no scripted response left")
	}
	r := p.reads[0]
	p.reads = p.reads[1:]
	if r.err != nil {
		return 0, r.err
	}
	return copy(buf, r.data), nil
}

// respFrame builds a well-formed response frame.
func respFrame(typ ccid.MessageType, status ccid.Status, slotErr ccid.SlotError, payload []byte) []byte {
	return ccid.EncodeFrame(typ, 0, 0, [3]byte{byte(status), byte(slotErr), 0}, payload)
}

// dataBlock is a successful RDR_to_PC_DataBlock.
func dataBlock(payload []byte) []byte {
	return respFrame(ccid.RDRtoPCDataBlock, 0, 0, payload)
}

// slotStatus is a RDR_to_PC_SlotStatus with the given status and error.
func slotStatus(status ccid.Status, slotErr ccid.SlotError) []byte {
	return respFrame(ccid.RDRtoPCSlotStatus, status, slotErr, nil)
}

// timeExtension is a response asking for more time with the given
// multiplier in the error byte.
func timeExtension(multiplier byte) []byte {
	return respFrame(ccid.RDRtoPCDataBlock, ccid.StatusTimeExtension, ccid.SlotError(multiplier), nil)
}

// shortAPDUDescriptor is a plain single-slot short-APDU reader.
func shortAPDUDescriptor() Descriptor {
	return Descriptor{
		MaxMessageLength: 271,
		MaxIFSD:          254,
		Features:         ccid.ExchangeShortAPDU,
		VoltageSupport:   ccid.Supports5V | ccid.Supports3V | ccid.Supports18V,
	}
}

func newTestReader(t *testing.T, port *fakePort, desc Descriptor, opts ...Option) *Reader {
	t.Helper()
	port.t = t
	return New(port, desc, opts...)
}
