// Package eeprom drives the I²C EEPROM embedded in the disposable needle
// tip. Each operation opens the bus, performs register-indirect reads and
// writes at the layout's base offset, and closes the bus; reads retry
// transient failures, writes pace themselves to let the device's internal
// program cycle complete.
package eeprom

import (
	"fmt"
	"time"

	"periph.io/x/periph/conn/i2c"
	"periph.io/x/periph/conn/i2c/i2creg"
)

// Layout field offsets relative to a variant's Base register.
const (
	offTipType    = 0x00
	offShotCountH = 0x01 // shot_count is 2 bytes, big-endian on the wire
	offYear       = 0x09
	offMonth      = 0x0A
	offDay        = 0x0B
	offMakerCode  = 0x0C
)

// Variant identifies one of the three tip EEPROM layouts.
type Variant struct {
	Name string
	Addr uint16
	Base uint16
}

// Known layout variants.
var (
	ClassysMTR20 = Variant{Name: "MTR20-CLASSYS", Addr: 0x50, Base: 0x10}
	CuteraMTR20  = Variant{Name: "MTR20-CUTERA", Addr: 0x50, Base: 0x80}
	MTR40        = Variant{Name: "MTR40", Addr: 0x51, Base: 0x70}
)

// MTR20Variant selects the MTR20 layout for the given UI "country"
// selector ("CLASSYS" or "CUTERA"); anything else defaults to CLASSYS.
func MTR20Variant(country string) Variant {
	if country == "CUTERA" {
		return CuteraMTR20
	}
	return ClassysMTR20
}

// Record is a decoded tip EEPROM record. The JSON field names are part
// of the control plane's reply format.
type Record struct {
	TipType   uint8  `json:"tipType"`
	ShotCount uint16 `json:"shotCount"`
	Year      int    `json:"year"` // decoded as 2000 + raw offset
	Month     uint8  `json:"month"`
	Day       uint8  `json:"day"`
	MakerCode uint8  `json:"makerCode"`
}

const (
	readRetries  = 3
	retryBackoff = 100 * time.Millisecond
	writeByteGap = 10 * time.Millisecond
)

// Driver performs synchronous I²C operations against a named bus,
// opening and closing the bus around each call.
type Driver struct {
	busName string
}

// New creates a Driver bound to the given periph i2c bus name (empty
// string selects the default bus, per i2creg.Open's convention).
func New(busName string) *Driver {
	return &Driver{busName: busName}
}

func (d *Driver) open() (i2c.BusCloser, error) {
	bus, err := i2creg.Open(d.busName)
	if err != nil {
		return nil, fmt.Errorf("eeprom: open bus %q: %w", d.busName, err)
	}
	return bus, nil
}

// Probe opens and closes the I²C bus without touching any device,
// verifying the bus is present. Used by bootstrap health checks.
func (d *Driver) Probe() error {
	bus, err := d.open()
	if err != nil {
		return err
	}
	return bus.Close()
}

// Read reads and decodes a tip EEPROM record for the given variant,
// retrying transient bus errors up to readRetries times with a 100 ms
// back-off.
func (d *Driver) Read(v Variant) (*Record, error) {
	var lastErr error
	for attempt := 0; attempt < readRetries; attempt++ {
		rec, err := d.readOnce(v)
		if err == nil {
			return rec, nil
		}
		lastErr = err
		if attempt < readRetries-1 {
			time.Sleep(retryBackoff)
		}
	}
	return nil, fmt.Errorf("eeprom: read %s after %d attempts: %w", v.Name, readRetries, lastErr)
}

func (d *Driver) readOnce(v Variant) (*Record, error) {
	bus, err := d.open()
	if err != nil {
		return nil, err
	}
	defer bus.Close()

	dev := &i2c.Dev{Bus: bus, Addr: v.Addr}

	tipType, err := readByte(dev, v.Base+offTipType)
	if err != nil {
		return nil, err
	}
	shotBuf, err := readBlock(dev, v.Base+offShotCountH, 2)
	if err != nil {
		return nil, err
	}
	dateBuf, err := readBlock(dev, v.Base+offYear, 3)
	if err != nil {
		return nil, err
	}
	maker, err := readByte(dev, v.Base+offMakerCode)
	if err != nil {
		return nil, err
	}

	return decodeRecord(tipType, [2]byte{shotBuf[0], shotBuf[1]}, [3]byte{dateBuf[0], dateBuf[1], dateBuf[2]}, maker), nil
}

// decodeRecord assembles a Record from the raw field bytes read off the
// wire. Split out from readOnce so the byte-order/offset-to-field
// decoding can be tested without a real I²C bus.
func decodeRecord(tipType uint8, shotCount [2]byte, date [3]byte, maker uint8) *Record {
	return &Record{
		TipType:   tipType,
		ShotCount: uint16(shotCount[0])<<8 | uint16(shotCount[1]),
		Year:      2000 + int(date[0]),
		Month:     date[1],
		Day:       date[2],
		MakerCode: maker,
	}
}

// shotCountBytes renders a shot count as the 2-byte big-endian field
// written to the device.
func shotCountBytes(v uint16) [2]byte {
	return [2]byte{byte(v >> 8), byte(v)}
}

// dateBytes renders a record's year/month/day as the 3-byte field
// written to the device; year is stored as an offset from 2000.
func dateBytes(year int, month, day uint8) [3]byte {
	return [3]byte{byte(year - 2000), month, day}
}

// Write writes a tip EEPROM record for the given variant. Writes do not
// coalesce: each byte/block write is spaced by ~10 ms so the device's
// internal program cycle can complete before the next access.
func (d *Driver) Write(v Variant, rec Record) error {
	bus, err := d.open()
	if err != nil {
		return err
	}
	defer bus.Close()

	dev := &i2c.Dev{Bus: bus, Addr: v.Addr}

	if err := writeByte(dev, v.Base+offTipType, rec.TipType); err != nil {
		return err
	}
	time.Sleep(writeByteGap)

	shotBytes := shotCountBytes(rec.ShotCount)
	if err := writeBlock(dev, v.Base+offShotCountH, shotBytes[:]); err != nil {
		return err
	}
	time.Sleep(writeByteGap)

	date := dateBytes(rec.Year, rec.Month, rec.Day)
	if err := writeBlock(dev, v.Base+offYear, date[:]); err != nil {
		return err
	}
	time.Sleep(writeByteGap)

	if err := writeByte(dev, v.Base+offMakerCode, rec.MakerCode); err != nil {
		return err
	}
	time.Sleep(writeByteGap)

	return nil
}

// WriteAndVerify writes rec and immediately reads the record back, so
// the caller can attach the device's own view of what was written.
func (d *Driver) WriteAndVerify(v Variant, rec Record) (*Record, error) {
	if err := d.Write(v, rec); err != nil {
		return nil, err
	}
	return d.Read(v)
}

func readByte(dev *i2c.Dev, reg uint16) (uint8, error) {
	buf, err := readBlock(dev, reg, 1)
	if err != nil {
		return 0, err
	}
	return buf[0], nil
}

func readBlock(dev *i2c.Dev, reg uint16, n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := dev.Tx([]byte{byte(reg)}, buf); err != nil {
		return nil, fmt.Errorf("eeprom: read reg %#x: %w", reg, err)
	}
	return buf, nil
}

func writeByte(dev *i2c.Dev, reg uint16, v uint8) error {
	return writeBlock(dev, reg, []byte{v})
}

func writeBlock(dev *i2c.Dev, reg uint16, data []byte) error {
	buf := append([]byte{byte(reg)}, data...)
	if _, err := dev.Write(buf); err != nil {
		return fmt.Errorf("eeprom: write reg %#x: %w", reg, err)
	}
	return nil
}
