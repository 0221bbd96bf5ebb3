package reader

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/bluetech/ccid/pkg/ccid"
)

// verifyBlock is a well-formed Part 10 PIN_VERIFY structure wrapping a
// 5-byte VERIFY command.
func verifyBlock() []byte {
	return []byte{
		0x0F,       // bTimeOut
		0x99,       // bTimeOut2, dropped during repacking
		0x82,       // bmFormatString
		0x04,       // bmPINBlockString
		0x00,       // bmPINLengthFormat
		0x08, 0x04, // wPINMaxExtraDigit
		0x02,       // bEntryValidationCondition
		0x01,       // bNumberMessage
		0x09, 0x04, // wLangId
		0x00,             // bMsgIndex
		0x00, 0x00, 0x00, // bTeoPrologue
		0x05, 0x00, 0x00, 0x00, // ulDataLength
		0x00, 0x20, 0x00, 0x80, 0x00, // abData
	}
}

// modifyBlock is a well-formed Part 10 PIN_MODIFY structure wrapping a
// 5-byte CHANGE REFERENCE DATA command.
func modifyBlock(numberMessage byte) []byte {
	return []byte{
		0x00,       // bTimeOut
		0x77,       // bTimeOut2, dropped during repacking
		0x82,       // bmFormatString
		0x04,       // bmPINBlockString
		0x00,       // bmPINLengthFormat
		0x00,       // bInsertionOffsetOld
		0x08,       // bInsertionOffsetNew
		0x08, 0x04, // wPINMaxExtraDigit
		0x01,          // bConfirmPIN
		0x02,          // bEntryValidationCondition
		numberMessage, // bNumberMessage
		0x09, 0x04,    // wLangId
		0x00,             // bMsgIndex1
		0x01,             // bMsgIndex2
		0x02,             // bMsgIndex3
		0x00, 0x00, 0x00, // bTeoPrologue
		0x05, 0x00, 0x00, 0x00, // ulDataLength
		0x00, 0x24, 0x00, 0x80, 0x00, // abData
	}
}

func TestSecurePINVerifyRepack(t *testing.T) {
	port := &fakePort{reads: []portRead{{data: dataBlock([]byte{0x90, 0x00})}}}
	r := newTestReader(t, port, shortAPDUDescriptor())

	rx := make([]byte, 2)
	n, err := r.SecurePINVerify(verifyBlock(), rx)
	if err != nil {
		t.Fatalf("SecurePINVerify: %v", err)
	}
	if n != 2 || rx[0] != 0x90 || rx[1] != 0x00 {
		t.Errorf("Got %d bytes % X, want 90 00", n, rx[:n])
	}

	w := port.writes[0]
	if got := ccid.MessageType(w[0]); got != ccid.PCtoRDRSecure {
		t.Fatalf("Wrong opcode: %v", got)
	}

	// The Secure payload drops bTimeOut2 and ulDataLength and gains a
	// leading bPINOperation.
	expected := []byte{
		0x00, // bPINOperation = verify
		0x0F,
		0x82, 0x04, 0x00,
		0x08, 0x04,
		0x02,
		0x01,
		0x09, 0x04,
		0x00,
		0x00, 0x00, 0x00,
		0x00, 0x20, 0x00, 0x80, 0x00,
	}
	if diff := cmp.Diff(expected, w[ccid.HeaderSize:]); diff != "" {
		t.Errorf("Secure payload mismatch (-want +got):\n%s", diff)
	}
}

func TestSecurePINVerifyTimeout(t *testing.T) {
	tests := []struct {
		name     string
		bTimeOut byte
		expected time.Duration
	}{
		// The floor accounts for a human fumbling at a pinpad.
		{"short block timeout floored", 15, 90 * time.Second},
		{"long block timeout honored", 120, 130 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			port := &fakePort{reads: []portRead{{data: dataBlock([]byte{0x90, 0x00})}}}
			r := newTestReader(t, port, shortAPDUDescriptor())

			tx := verifyBlock()
			tx[0] = tt.bTimeOut
			if _, err := r.SecurePINVerify(tx, make([]byte, 2)); err != nil {
				t.Fatalf("SecurePINVerify: %v", err)
			}

			if port.timeouts[0] != tt.expected {
				t.Errorf("Observed timeout %v, want %v", port.timeouts[0], tt.expected)
			}
			if r.ReadTimeout() != DefaultReadTimeout {
				t.Errorf("Session timeout not restored: %v", r.ReadTimeout())
			}
		})
	}
}

func TestSecurePINVerifyTooShort(t *testing.T) {
	r := newTestReader(t, &fakePort{}, shortAPDUDescriptor())

	// 19 fixed bytes plus a 4-byte command header is the minimum.
	_, err := r.SecurePINVerify(make([]byte, 22), make([]byte, 2))
	if !errors.Is(err, ErrNotSupported) {
		t.Fatalf("Expected ErrNotSupported, got %v", err)
	}
}

func TestSecurePINVerifyLengthMismatch(t *testing.T) {
	port := &fakePort{}
	r := newTestReader(t, port, shortAPDUDescriptor())

	tx := verifyBlock()
	tx[15] = 0x11 // ulDataLength inconsistent in both byte orders

	_, err := r.SecurePINVerify(tx, make([]byte, 2))
	if !errors.Is(err, ErrNotSupported) {
		t.Fatalf("Expected ErrNotSupported, got %v", err)
	}
	if len(port.writes) != 0 {
		t.Error("Incoherent block must not reach the wire")
	}
}

func TestSecurePINVerifyEntryConditionSanitized(t *testing.T) {
	tests := []struct {
		name     string
		in       byte
		expected byte
	}{
		{"zero clamped", 0x00, 0x02},
		{"out of range clamped", 0x1F, 0x02},
		{"valid kept", 0x05, 0x05},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			port := &fakePort{reads: []portRead{{data: dataBlock([]byte{0x90, 0x00})}}}
			r := newTestReader(t, port, shortAPDUDescriptor())

			tx := verifyBlock()
			tx[7] = tt.in
			if _, err := r.SecurePINVerify(tx, make([]byte, 2)); err != nil {
				t.Fatalf("SecurePINVerify: %v", err)
			}

			// bEntryValidationCondition sits at the same index in the
			// Secure payload: bTimeOut2 is gone but bPINOperation is in.
			if got := port.writes[0][ccid.HeaderSize+7]; got != tt.expected {
				t.Errorf("Got 0x%02X, want 0x%02X", got, tt.expected)
			}
		})
	}
}

func TestSecurePINModifyMessageIndexes(t *testing.T) {
	// bMsgIndex2 rides along only when messages are used, bMsgIndex3 only
	// with three of them; 0xFF requests the reader defaults and keeps both.
	tests := []struct {
		name          string
		numberMessage byte
		payloadSize   int
	}{
		{"no messages", 0x00, 23},
		{"one message", 0x01, 24},
		{"three messages", 0x03, 25},
		{"reader defaults", 0xFF, 25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			port := &fakePort{reads: []portRead{{data: dataBlock([]byte{0x90, 0x00})}}}
			r := newTestReader(t, port, shortAPDUDescriptor())

			if _, err := r.SecurePINModify(modifyBlock(tt.numberMessage), make([]byte, 2)); err != nil {
				t.Fatalf("SecurePINModify: %v", err)
			}

			payload := port.writes[0][ccid.HeaderSize:]
			if len(payload) != tt.payloadSize {
				t.Errorf("Payload of %d bytes, want %d", len(payload), tt.payloadSize)
			}
			if payload[0] != 0x01 {
				t.Errorf("bPINOperation: got 0x%02X, want modify", payload[0])
			}
		})
	}
}

func TestSecurePINModifyBadNumberMessage(t *testing.T) {
	port := &fakePort{}
	r := newTestReader(t, port, shortAPDUDescriptor())

	_, err := r.SecurePINModify(modifyBlock(0x04), make([]byte, 2))
	if !errors.Is(err, ErrNotSupported) {
		t.Fatalf("Expected ErrNotSupported, got %v", err)
	}
	if len(port.writes) != 0 {
		t.Error("Rejected block must not reach the wire")
	}
}

func TestSecurePINModifyTooShort(t *testing.T) {
	r := newTestReader(t, &fakePort{}, shortAPDUDescriptor())

	_, err := r.SecurePINModify(make([]byte, 27), make([]byte, 2))
	if !errors.Is(err, ErrNotSupported) {
		t.Fatalf("Expected ErrNotSupported, got %v", err)
	}
}

func TestNormalizePINBlock(t *testing.T) {
	r := newTestReader(t, &fakePort{}, shortAPDUDescriptor())

	t.Run("little endian left untouched", func(t *testing.T) {
		tx := verifyBlock()
		expected := verifyBlock()
		r.normalizePINBlock(tx, pinVerifyMaxExtraDigit, pinVerifyLangID,
			pinVerifyDataLength, pinVerifyFixedSize)
		if diff := cmp.Diff(expected, tx); diff != "" {
			t.Errorf("Block modified (-want +got):\n%s", diff)
		}
	})

	t.Run("big endian reversed in place", func(t *testing.T) {
		tx := verifyBlock()
		// A big-endian caller reverses the three multi-byte fields.
		tx[5], tx[6] = tx[6], tx[5] // wPINMaxExtraDigit
		tx[9], tx[10] = tx[10], tx[9] // wLangId
		tx[15], tx[16], tx[17], tx[18] = tx[18], tx[17], tx[16], tx[15] // ulDataLength

		r.normalizePINBlock(tx, pinVerifyMaxExtraDigit, pinVerifyLangID,
			pinVerifyDataLength, pinVerifyFixedSize)
		if diff := cmp.Diff(verifyBlock(), tx); diff != "" {
			t.Errorf("Block not normalized (-want +got):\n%s", diff)
		}
	})

	t.Run("incoherent block left for the length check", func(t *testing.T) {
		tx := verifyBlock()
		tx[15] = 0x11
		expected := append([]byte(nil), tx...)
		r.normalizePINBlock(tx, pinVerifyMaxExtraDigit, pinVerifyLangID,
			pinVerifyDataLength, pinVerifyFixedSize)
		if diff := cmp.Diff(expected, tx); diff != "" {
			t.Errorf("Block modified (-want +got):\n%s", diff)
		}
	})
}

func TestSecurePINVerifyCancelled(t *testing.T) {
	// A cancelled pinpad entry comes back as a successful 64 01 status.
	port := &fakePort{reads: []portRead{
		{data: respFrame(ccid.RDRtoPCDataBlock, ccid.StatusCommandFailed,
			ccid.SlotErrorPINCancelled, nil)},
	}}
	r := newTestReader(t, port, shortAPDUDescriptor())

	rx := make([]byte, 2)
	n, err := r.SecurePINVerify(verifyBlock(), rx)
	if err != nil {
		t.Fatalf("SecurePINVerify: %v", err)
	}
	if n != 2 || rx[0] != 0x64 || rx[1] != 0x01 {
		t.Errorf("Got %d bytes % X, want 64 01", n, rx[:n])
	}
}
