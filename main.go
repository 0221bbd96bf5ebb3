package main

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/gousb"
	"github.com/moov-io/bertlv"
	"github.com/rs/zerolog"

	"github.com/bluetech/ccid/pkg/ccid"
	"github.com/bluetech/ccid/pkg/reader"
	"github.com/bluetech/ccid/pkg/usb"
)

// Probe demo: find the first CCID reader on the bus, power the card, print
// its ATR, select the payment system environment through the driver and
// dump the file control information it answers with.

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()

	// --- 1. Hardware Setup ---
	usbCtx := gousb.NewContext()
	defer usbCtx.Close()

	dev, err := usb.Open(usbCtx, usb.WithLogger(logger))
	if err != nil {
		log.Fatalf("No CCID reader found: %v", err)
	}
	defer dev.Close()

	rdr := reader.New(dev, dev.Descriptor(), reader.WithLogger(logger))
	desc := rdr.Descriptor()
	fmt.Printf(">> Reader claimed: %d slot(s), max message %d bytes, features %08X\n",
		desc.MaxSlotIndex+1, desc.MaxMessageLength, uint32(desc.Features))

	// --- 2. Execution Flow ---

	status, err := rdr.GetSlotStatus()
	if err != nil {
		log.Fatalf("Slot status failed: %v", err)
	}
	fmt.Printf(">> Slot status: card %s, clock %s\n", status.ICC, status.Clock)
	if status.ICC == ccid.ICCAbsent {
		log.Fatal("No card present in the reader.")
	}

	atr := make([]byte, reader.MaxATRSize)
	n, err := rdr.PowerOn(ccid.Voltage5V, atr)
	if err != nil {
		log.Fatalf("Power on failed: %v", err)
	}
	fmt.Printf(">> ATR: %s\n", strings.ToUpper(hex.EncodeToString(atr[:n])))

	defer func() {
		if err := rdr.PowerOff(); err != nil {
			log.Printf("Warning: power off failed: %v", err)
		}
	}()

	stepSelectPSE(rdr)
}

// stepSelectPSE selects 1PAY.SYS.DDF01 and dumps the FCI as BER-TLV.
func stepSelectPSE(rdr *reader.Reader) {
	fmt.Println("\n=============================================")
	fmt.Println(" SELECT PSE (1PAY.SYS.DDF01)")
	fmt.Println("=============================================")

	cmd := selectByName([]byte("1PAY.SYS.DDF01"))
	rx := make([]byte, 258)
	n, err := rdr.XfrBlock(cmd, rx)
	if err != nil {
		log.Printf("Exchange failed: %v", err)
		return
	}
	if n < 2 {
		log.Printf("Response of %d bytes has no status word", n)
		return
	}

	sw := binary.BigEndian.Uint16(rx[n-2 : n])
	fmt.Printf(">> Status word: %04X\n", sw)
	if sw != 0x9000 {
		fmt.Println(">> Selection refused by the card; nothing to parse.")
		return
	}

	tlvs, err := bertlv.Decode(rx[:n-2])
	if err != nil {
		log.Printf("FCI is not valid BER-TLV: %v", err)
		return
	}
	printTLVs(tlvs, 0)
}

// selectByName builds a SELECT-by-DF-name command APDU.
func selectByName(name []byte) []byte {
	cmd := []byte{0x00, 0xA4, 0x04, 0x00, byte(len(name))}
	cmd = append(cmd, name...)
	return append(cmd, 0x00) // Le: response expected
}

func printTLVs(tlvs []bertlv.TLV, depth int) {
	indent := strings.Repeat("  ", depth)
	for _, t := range tlvs {
		if len(t.TLVs) > 0 {
			fmt.Printf("%s%s:\n", indent, strings.ToUpper(t.Tag))
			printTLVs(t.TLVs, depth+1)
			continue
		}
		fmt.Printf("%s%s: %s\n", indent, strings.ToUpper(t.Tag),
			strings.ToUpper(hex.EncodeToString(t.Value)))
	}
}
