package usb

import (
	"encoding/binary"
	"fmt"

	"github.com/bluetech/ccid/pkg/ccid"
	"github.com/bluetech/ccid/pkg/reader"
)

// The CCID class descriptor (bDescriptorType 0x21) is a fixed 54-byte blob
// appended to the interface descriptor. Multi-byte fields are little
// endian, as everywhere in USB.
const (
	classDescriptorType = 0x21
	classDescriptorSize = 54
)

// ParseClassDescriptor decodes a CCID class descriptor into the reader
// capabilities. The supported data-rate table is not part of the
// descriptor; it is fetched separately (see readDataRates) when
// bNumDataRatesSupported is nonzero.
func ParseClassDescriptor(b []byte) (reader.Descriptor, error) {
	if len(b) < classDescriptorSize {
		return reader.Descriptor{}, fmt.Errorf("usb: class descriptor of %d bytes, want %d",
			len(b), classDescriptorSize)
	}
	if b[0] != classDescriptorSize || b[1] != classDescriptorType {
		return reader.Descriptor{}, fmt.Errorf("usb: not a CCID class descriptor (length 0x%02X, type 0x%02X)",
			b[0], b[1])
	}

	return reader.Descriptor{
		MaxSlotIndex:     b[4],
		VoltageSupport:   ccid.VoltageSupport(b[5]),
		Protocols:        binary.LittleEndian.Uint32(b[6:10]),
		DefaultClock:     binary.LittleEndian.Uint32(b[10:14]),
		MaxDataRate:      binary.LittleEndian.Uint32(b[23:27]),
		MaxIFSD:          binary.LittleEndian.Uint32(b[28:32]),
		Features:         ccid.Features(binary.LittleEndian.Uint32(b[40:44])),
		MaxMessageLength: binary.LittleEndian.Uint32(b[44:48]),
		PINSupport:       ccid.PINSupport(b[52]),
	}, nil
}

// numDataRates returns bNumDataRatesSupported from a class descriptor
// already validated by ParseClassDescriptor.
func numDataRates(b []byte) int {
	return int(b[27])
}

// findClassDescriptor scans a raw configuration descriptor for the CCID
// class descriptor. Descriptors are length-prefixed, so the scan walks
// from header to header.
func findClassDescriptor(config []byte) ([]byte, error) {
	for off := 0; off+2 <= len(config); {
		length := int(config[off])
		if length < 2 || off+length > len(config) {
			break
		}
		if config[off+1] == classDescriptorType && length == classDescriptorSize {
			return config[off : off+length], nil
		}
		off += length
	}
	return nil, fmt.Errorf("usb: no CCID class descriptor in configuration")
}

// Notification is a message from the reader's interrupt endpoint.
type Notification struct {
	MessageType ccid.MessageType

	// SlotICCState is meaningful for RDR_to_PC_NotifySlotChange: two bits
	// per slot, bit 0 card present, bit 1 state changed. Only the first
	// byte (slots 0 to 3) is carried here.
	SlotICCState byte
}

// parseNotification decodes an interrupt transfer.
func parseNotification(b []byte) (Notification, error) {
	if len(b) < 1 {
		return Notification{}, fmt.Errorf("usb: empty notification")
	}
	n := Notification{MessageType: ccid.MessageType(b[0])}
	if n.MessageType == ccid.RDRtoPCNotifySlotChange && len(b) >= 2 {
		n.SlotICCState = b[1]
	}
	return n, nil
}
