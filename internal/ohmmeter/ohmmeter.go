// Package ohmmeter reads the two-channel Modbus-RTU resistance meter: a
// one-shot open/read/close against the meter's RS-485 port, issued fresh
// for every UI request so the port is never held open between
// measurements and can't contend with another process.
package ohmmeter

import (
	"fmt"
	"time"

	"github.com/goburrow/modbus"
)

// Status is the per-channel read outcome reported to the UI.
type Status string

const (
	StatusOK               Status = "OK"
	StatusReadFail         Status = "READ_FAIL"
	StatusConnectionFailed Status = "CONNECTION_FAILED"
	StatusError            Status = "ERROR"
)

// Slave ids fixed by the instrument's wiring.
const (
	slave1 = 1
	slave2 = 2
)

// Reading is one channel's holding-register-0 result, in raw milliohms.
type Reading struct {
	Value  uint16
	Status Status
}

// Result is the full measurement response returned to the UI.
type Result struct {
	R1        Reading
	R2        Reading
	Connected bool
	Err       error
}

// Config identifies the ohmmeter's serial port and Modbus timing.
type Config struct {
	Port     string
	BaudRate int
	DataBits int
	Parity   string
	StopBits int
	Timeout  time.Duration
}

// DefaultConfig returns the meter's factory serial settings.
func DefaultConfig(port string) Config {
	return Config{
		Port:     port,
		BaudRate: 9600,
		DataBits: 8,
		Parity:   "N",
		StopBits: 1,
		Timeout:  1 * time.Second,
	}
}

// MeasureOnce opens cfg.Port, reads both channels, and closes the port
// regardless of outcome.
func MeasureOnce(cfg Config) Result {
	handler := modbus.NewRTUClientHandler(cfg.Port)
	handler.BaudRate = cfg.BaudRate
	handler.DataBits = cfg.DataBits
	handler.Parity = cfg.Parity
	handler.StopBits = cfg.StopBits
	handler.Timeout = cfg.Timeout

	if err := handler.Connect(); err != nil {
		return Result{
			R1:        Reading{Status: StatusConnectionFailed},
			R2:        Reading{Status: StatusConnectionFailed},
			Connected: false,
			Err:       fmt.Errorf("ohmmeter: connect %s: %w", cfg.Port, err),
		}
	}
	defer handler.Close()

	client := modbus.NewClient(handler)

	handler.SlaveId = slave1
	r1 := readChannel(client)

	handler.SlaveId = slave2
	r2 := readChannel(client)

	return Result{R1: r1, R2: r2, Connected: true}
}

// Probe opens and closes the meter's serial port without reading
// either channel, verifying the port is reachable. Used by bootstrap
// health checks.
func Probe(cfg Config) error {
	handler := modbus.NewRTUClientHandler(cfg.Port)
	handler.BaudRate = cfg.BaudRate
	handler.DataBits = cfg.DataBits
	handler.Parity = cfg.Parity
	handler.StopBits = cfg.StopBits
	handler.Timeout = cfg.Timeout

	if err := handler.Connect(); err != nil {
		return fmt.Errorf("ohmmeter: probe %s: %w", cfg.Port, err)
	}
	return handler.Close()
}

func readChannel(client modbus.Client) Reading {
	bytes, err := client.ReadHoldingRegisters(0, 1)
	if err != nil || len(bytes) < 2 {
		return Reading{Status: StatusReadFail}
	}
	value := uint16(bytes[0])<<8 | uint16(bytes[1])
	return Reading{Value: value, Status: StatusOK}
}

// Verdict reports whether a Result is abnormal against a UI-supplied
// threshold in ohms: either channel's milliohm reading exceeding the
// threshold (converted to milliohms) is an NG judgment.
func Verdict(res Result, thresholdOhms float64) (ng bool) {
	thresholdMilliohms := thresholdOhms * 1000
	if res.R1.Status == StatusOK && float64(res.R1.Value) > thresholdMilliohms {
		return true
	}
	if res.R2.Status == StatusOK && float64(res.R2.Value) > thresholdMilliohms {
		return true
	}
	return false
}
