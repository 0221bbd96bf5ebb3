package usb

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/bluetech/ccid/pkg/ccid"
	"github.com/bluetech/ccid/pkg/reader"
)

// gemaltoClassDescriptor builds the class descriptor of a Gemalto PC
// Twin-like reader: one slot, 5V and 3V, T=0 and T=1, short-APDU exchange
// with automatic voltage, PIN verification pad.
func gemaltoClassDescriptor() []byte {
	b := make([]byte, classDescriptorSize)
	b[0] = classDescriptorSize
	b[1] = classDescriptorType
	binary.LittleEndian.PutUint16(b[2:], 0x0110) // bcdCCID
	b[4] = 0x00                                  // bMaxSlotIndex
	b[5] = 0x03                                  // bVoltageSupport: 5V and 3V
	binary.LittleEndian.PutUint32(b[6:], 0x00000003)   // dwProtocols: T=0, T=1
	binary.LittleEndian.PutUint32(b[10:], 4000)        // dwDefaultClock, kHz
	binary.LittleEndian.PutUint32(b[14:], 4000)        // dwMaximumClock
	b[18] = 0                                          // bNumClockSupported
	binary.LittleEndian.PutUint32(b[19:], 10753)       // dwDataRate
	binary.LittleEndian.PutUint32(b[23:], 344100)      // dwMaxDataRate
	b[27] = 2                                          // bNumDataRatesSupported
	binary.LittleEndian.PutUint32(b[28:], 254)         // dwMaxIFSD
	binary.LittleEndian.PutUint32(b[40:], 0x00020008)  // dwFeatures
	binary.LittleEndian.PutUint32(b[44:], 271)         // dwMaxCCIDMessageLength
	b[48] = 0xFF                                       // bClassGetResponse
	b[49] = 0xFF                                       // bClassEnvelope
	b[52] = 0x01                                       // bPINSupport: verification
	b[53] = 0x01                                       // bMaxCCIDBusySlots
	return b
}

func TestParseClassDescriptor(t *testing.T) {
	got, err := ParseClassDescriptor(gemaltoClassDescriptor())
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}

	expected := reader.Descriptor{
		MaxSlotIndex:     0,
		VoltageSupport:   ccid.Supports5V | ccid.Supports3V,
		Protocols:        0x03,
		DefaultClock:     4000,
		MaxDataRate:      344100,
		MaxIFSD:          254,
		Features:         ccid.FeatureAutoVoltage | ccid.ExchangeShortAPDU,
		MaxMessageLength: 271,
		PINSupport:       ccid.PINVerify,
	}
	if diff := cmp.Diff(expected, got); diff != "" {
		t.Errorf("Descriptor mismatch (-want +got):\n%s", diff)
	}

	if n := numDataRates(gemaltoClassDescriptor()); n != 2 {
		t.Errorf("numDataRates: got %d, want 2", n)
	}
}

func TestParseClassDescriptorRejectsJunk(t *testing.T) {
	t.Run("too short", func(t *testing.T) {
		if _, err := ParseClassDescriptor(make([]byte, 10)); err == nil {
			t.Error("Expected an error")
		}
	})

	t.Run("wrong type", func(t *testing.T) {
		b := gemaltoClassDescriptor()
		b[1] = 0x04 // interface descriptor
		if _, err := ParseClassDescriptor(b); err == nil {
			t.Error("Expected an error")
		}
	})

	t.Run("wrong length byte", func(t *testing.T) {
		b := gemaltoClassDescriptor()
		b[0] = 0x09
		if _, err := ParseClassDescriptor(b); err == nil {
			t.Error("Expected an error")
		}
	})
}

func TestFindClassDescriptor(t *testing.T) {
	// A realistic configuration: config header, interface descriptor, the
	// CCID class descriptor, then an endpoint descriptor.
	class := gemaltoClassDescriptor()

	var config []byte
	config = append(config, 0x09, 0x02, 0x00, 0x00, 0x01, 0x01, 0x00, 0xA0, 0x32)
	config = append(config, 0x09, 0x04, 0x00, 0x00, 0x03, 0x0B, 0x00, 0x00, 0x00)
	config = append(config, class...)
	config = append(config, 0x07, 0x05, 0x01, 0x02, 0x40, 0x00, 0x00)
	binary.LittleEndian.PutUint16(config[2:], uint16(len(config)))

	got, err := findClassDescriptor(config)
	if err != nil {
		t.Fatalf("Scan error: %v", err)
	}
	if diff := cmp.Diff(class, got); diff != "" {
		t.Errorf("Descriptor mismatch (-want +got):\n%s", diff)
	}
}

func TestFindClassDescriptorMissing(t *testing.T) {
	config := []byte{
		0x09, 0x02, 0x19, 0x00, 0x01, 0x01, 0x00, 0xA0, 0x32,
		0x09, 0x04, 0x00, 0x00, 0x03, 0x0B, 0x00, 0x00, 0x00,
		0x07, 0x05, 0x01, 0x02, 0x40, 0x00, 0x00,
	}
	if _, err := findClassDescriptor(config); err == nil {
		t.Error("Expected an error for a configuration without class descriptor")
	}
}

func TestParseNotification(t *testing.T) {
	tests := []struct {
		name     string
		raw      []byte
		expected Notification
	}{
		{
			name: "card inserted in slot 0",
			raw:  []byte{0x50, 0x03},
			expected: Notification{
				MessageType:  ccid.RDRtoPCNotifySlotChange,
				SlotICCState: 0x03,
			},
		},
		{
			name: "card removed from slot 0",
			raw:  []byte{0x50, 0x02},
			expected: Notification{
				MessageType:  ccid.RDRtoPCNotifySlotChange,
				SlotICCState: 0x02,
			},
		},
		{
			name:     "hardware error",
			raw:      []byte{0x51, 0x00, 0x2A, 0x01},
			expected: Notification{MessageType: ccid.RDRtoPCHardwareError},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseNotification(tt.raw)
			if err != nil {
				t.Fatalf("Parse error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("Got %+v, want %+v", got, tt.expected)
			}
		})
	}

	if _, err := parseNotification(nil); err == nil {
		t.Error("Expected an error for an empty transfer")
	}
}
