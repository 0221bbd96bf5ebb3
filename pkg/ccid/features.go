package ccid

import "fmt"

// Features is the dwFeatures field of the CCID class descriptor: the
// automatic-configuration capabilities of the reader plus, in bits 16-18,
// the exchange level it speaks.
type Features uint32

const (
	FeatureAutoConfATR    Features = 0x00000002
	FeatureAutoActivation Features = 0x00000004
	FeatureAutoVoltage    Features = 0x00000008
	FeatureAutoClock      Features = 0x00000010
	FeatureAutoBaud       Features = 0x00000020
	FeatureAutoPPSProp    Features = 0x00000040
	FeatureAutoPPSCur     Features = 0x00000080
	FeatureAutoIFSD       Features = 0x00000400

	// Exchange levels. Exactly one is advertised; ExchangeCharacter is the
	// all-zero value.
	ExchangeCharacter    Features = 0x00000000
	ExchangeTPDU         Features = 0x00010000
	ExchangeShortAPDU    Features = 0x00020000
	ExchangeExtendedAPDU Features = 0x00040000

	exchangeMask Features = 0x00070000
)

// Has reports whether every capability in mask is advertised.
func (f Features) Has(mask Features) bool {
	return f&mask == mask
}

// ExchangeMode extracts the exchange level bits.
func (f Features) ExchangeMode() Features {
	return f & exchangeMask
}

// PINSupport is the bPINSupport field of the class descriptor.
type PINSupport byte

const (
	PINVerify PINSupport = 0x01
	PINModify PINSupport = 0x02
)

// Has reports whether the given PIN operation is advertised.
func (p PINSupport) Has(mask PINSupport) bool {
	return p&mask == mask
}

// VoltageSupport is the bVoltageSupport field of the class descriptor.
type VoltageSupport byte

const (
	Supports5V  VoltageSupport = 0x01
	Supports3V  VoltageSupport = 0x02
	Supports18V VoltageSupport = 0x04
)

// Has reports whether the given voltage class is advertised.
func (v VoltageSupport) Has(mask VoltageSupport) bool {
	return v&mask == mask
}

// Voltage selects the power class of an IccPowerOn command (bPowerSelect).
// Zero lets the reader pick; the driver starts at 5V otherwise, since
// picking the right class up front would require parsing the ATR first.
type Voltage byte

const (
	VoltageAuto Voltage = 0x00
	Voltage5V   Voltage = 0x01
	Voltage3V   Voltage = 0x02
	Voltage18V  Voltage = 0x03
)

// String returns the voltage as printed on a datasheet.
func (v Voltage) String() string {
	switch v {
	case VoltageAuto:
		return "auto"
	case Voltage5V:
		return "5V"
	case Voltage3V:
		return "3V"
	case Voltage18V:
		return "1.8V"
	}
	return fmt.Sprintf("Voltage(0x%02X)", byte(v))
}
