/*
Package usb reaches CCID readers over USB and implements the reader.Port
transport contract on top of gousb (libusb): commands go out the bulk-out
endpoint, responses come back the bulk-in endpoint, and slot-change
notifications arrive on the optional interrupt endpoint.

Device discovery stays minimal: the first interface of class 0x0B (smart
card) wins. Enumeration policy, hotplug and multi-reader bookkeeping belong
to the layer above.
*/
package usb

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/gousb"
	"github.com/rs/zerolog"

	"github.com/bluetech/ccid/pkg/ccid"
	"github.com/bluetech/ccid/pkg/reader"
)

// CCID class-specific control requests.
const (
	requestGetClockFrequencies = 0x02
	requestGetDataRates        = 0x03
)

const defaultWriteTimeout = 5 * time.Second

// Device is one claimed CCID interface. It implements reader.Port.
type Device struct {
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface

	bulkIn  *gousb.InEndpoint
	bulkOut *gousb.OutEndpoint
	intrIn  *gousb.InEndpoint // nil when the reader has no notification endpoint

	desc reader.Descriptor
	log  zerolog.Logger

	writeTimeout time.Duration
}

// Option configures a Device.
type Option func(*Device)

// WithLogger attaches a logger; without it the transport is silent.
func WithLogger(log zerolog.Logger) Option {
	return func(d *Device) { d.log = log }
}

// Open claims the first CCID interface found on the bus and parses its
// class descriptor. The caller owns ctx and must Close the returned Device.
func Open(ctx *gousb.Context, opts ...Option) (*Device, error) {
	var cfgNum, intfNum int
	devs, err := ctx.OpenDevices(func(dd *gousb.DeviceDesc) bool {
		c, i, ok := findCCIDInterface(dd)
		if ok {
			cfgNum, intfNum = c, i
		}
		return ok
	})
	// OpenDevices can return both devices and an error; keep the devices.
	if len(devs) == 0 {
		if err != nil {
			return nil, fmt.Errorf("usb: enumerating devices: %w", err)
		}
		return nil, fmt.Errorf("usb: no CCID reader found: %w", reader.ErrNoSuchDevice)
	}
	for _, extra := range devs[1:] {
		extra.Close()
	}

	d := &Device{
		dev:          devs[0],
		log:          zerolog.Nop(),
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}

	if err := d.claim(cfgNum, intfNum); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// findCCIDInterface looks for a smart-card class interface in the device
// descriptor and returns its configuration and interface numbers.
func findCCIDInterface(dd *gousb.DeviceDesc) (cfgNum, intfNum int, ok bool) {
	for _, cfg := range dd.Configs {
		for _, intf := range cfg.Interfaces {
			for _, alt := range intf.AltSettings {
				if alt.Class == gousb.ClassSmartCard {
					return cfg.Number, intf.Number, true
				}
			}
		}
	}
	return 0, 0, false
}

// claim configures the device, claims the CCID interface, resolves its
// endpoints and reads the class descriptor.
func (d *Device) claim(cfgNum, intfNum int) error {
	if err := d.dev.SetAutoDetach(true); err != nil {
		d.log.Info().Err(err).Msg("cannot auto-detach kernel driver")
	}

	cfg, err := d.dev.Config(cfgNum)
	if err != nil {
		return fmt.Errorf("usb: selecting configuration %d: %w", cfgNum, err)
	}
	d.cfg = cfg

	intf, err := cfg.Interface(intfNum, 0)
	if err != nil {
		return fmt.Errorf("usb: claiming interface %d: %w", intfNum, err)
	}
	d.intf = intf

	for _, ep := range intf.Setting.Endpoints {
		switch {
		case ep.Direction == gousb.EndpointDirectionIn && ep.TransferType == gousb.TransferTypeBulk:
			d.bulkIn, err = intf.InEndpoint(ep.Number)
		case ep.Direction == gousb.EndpointDirectionOut && ep.TransferType == gousb.TransferTypeBulk:
			d.bulkOut, err = intf.OutEndpoint(ep.Number)
		case ep.Direction == gousb.EndpointDirectionIn && ep.TransferType == gousb.TransferTypeInterrupt:
			d.intrIn, err = intf.InEndpoint(ep.Number)
		}
		if err != nil {
			return fmt.Errorf("usb: opening endpoint %s: %w", ep.Address, err)
		}
	}
	if d.bulkIn == nil || d.bulkOut == nil {
		return fmt.Errorf("usb: CCID interface without bulk endpoints")
	}

	raw, err := d.rawConfigDescriptor()
	if err != nil {
		return err
	}
	class, err := findClassDescriptor(raw)
	if err != nil {
		return err
	}
	d.desc, err = ParseClassDescriptor(class)
	if err != nil {
		return err
	}

	if n := numDataRates(class); n > 0 {
		rates, err := d.readDataRates(intfNum, n)
		if err != nil {
			// Some firmwares reject the request even though they
			// advertise rates; the reader still works without the table.
			d.log.Info().Err(err).Msg("cannot read supported data rates")
		} else {
			d.desc.DataRates = rates
		}
	}

	d.log.Debug().
		Uint32("features", uint32(d.desc.Features)).
		Uint32("maxMessageLength", d.desc.MaxMessageLength).
		Uint8("voltageSupport", uint8(d.desc.VoltageSupport)).
		Msg("CCID interface claimed")
	return nil
}

// rawConfigDescriptor fetches the full configuration descriptor, class
// descriptors included; gousb does not expose the class-specific extras.
func (d *Device) rawConfigDescriptor() ([]byte, error) {
	// Read the 9-byte header first to learn wTotalLength.
	head := make([]byte, 9)
	const getDescriptor = 0x06
	const configDescriptor = 0x02
	if _, err := d.dev.Control(gousb.ControlIn|gousb.ControlStandard|gousb.ControlDevice,
		getDescriptor, configDescriptor<<8, 0, head); err != nil {
		return nil, fmt.Errorf("usb: reading configuration header: %w", mapTransferError(err))
	}

	total := binary.LittleEndian.Uint16(head[2:4])
	full := make([]byte, total)
	if _, err := d.dev.Control(gousb.ControlIn|gousb.ControlStandard|gousb.ControlDevice,
		getDescriptor, configDescriptor<<8, 0, full); err != nil {
		return nil, fmt.Errorf("usb: reading configuration descriptor: %w", mapTransferError(err))
	}
	return full, nil
}

// readDataRates issues the GET_DATA_RATES class request and decodes the
// little-endian rate table.
func (d *Device) readDataRates(intfNum, count int) ([]uint32, error) {
	buf := make([]byte, 4*count)
	n, err := d.dev.Control(gousb.ControlIn|gousb.ControlClass|gousb.ControlInterface,
		requestGetDataRates, 0, uint16(intfNum), buf)
	if err != nil {
		return nil, mapTransferError(err)
	}

	rates := make([]uint32, 0, n/4)
	for off := 0; off+4 <= n; off += 4 {
		rates = append(rates, binary.LittleEndian.Uint32(buf[off:]))
	}
	return rates, nil
}

// Descriptor returns the capabilities parsed from the class descriptor.
func (d *Device) Descriptor() reader.Descriptor {
	return d.desc
}

// Write pushes one command frame through the bulk-out endpoint.
func (d *Device) Write(payload []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.writeTimeout)
	defer cancel()

	n, err := d.bulkOut.WriteContext(ctx, payload)
	if err != nil {
		return mapTransferError(err)
	}
	if n != len(payload) {
		return fmt.Errorf("usb: short write: %d of %d bytes", n, len(payload))
	}
	return nil
}

// Read blocks on the bulk-in endpoint until a frame whose bSeq matches
// expectedSeq arrives, discarding mismatched leftovers from aborted earlier
// exchanges, or until the timeout expires. reader.AnySeq accepts anything.
func (d *Device) Read(buf []byte, expectedSeq int, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	for {
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		n, err := d.bulkIn.ReadContext(ctx, buf)
		cancel()
		if err != nil {
			return 0, mapTransferError(err)
		}

		if expectedSeq >= 0 && n >= ccid.HeaderSize && int(buf[6]) != expectedSeq {
			d.log.Info().
				Uint8("got", buf[6]).Int("want", expectedSeq).
				Msg("invalid sequence, frame skipped")
			continue
		}
		return n, nil
	}
}

// ReadNotification blocks on the interrupt endpoint for a slot-change or
// hardware-error notification.
func (d *Device) ReadNotification(timeout time.Duration) (Notification, error) {
	if d.intrIn == nil {
		return Notification{}, fmt.Errorf("usb: reader has no notification endpoint: %w",
			reader.ErrNotSupported)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	buf := make([]byte, d.intrIn.Desc.MaxPacketSize)
	n, err := d.intrIn.ReadContext(ctx, buf)
	if err != nil {
		return Notification{}, mapTransferError(err)
	}
	return parseNotification(buf[:n])
}

// Close releases the interface, configuration and device.
func (d *Device) Close() {
	if d.intf != nil {
		d.intf.Close()
	}
	if d.cfg != nil {
		d.cfg.Close()
	}
	if d.dev != nil {
		d.dev.Close()
	}
}

// mapTransferError keeps device removal distinguishable for the layer
// above; everything else passes through as a generic transport failure.
func mapTransferError(err error) error {
	if errors.Is(err, gousb.ErrorNoDevice) || errors.Is(err, gousb.TransferNoDevice) {
		return fmt.Errorf("%w: %v", reader.ErrNoSuchDevice, err)
	}
	return err
}
