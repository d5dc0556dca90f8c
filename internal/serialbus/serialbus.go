// Package serialbus owns a single half-duplex RS-485 serial port: all
// writes are serialized through one mutex, and a background reader
// accumulates inbound bytes into a rolling buffer that is scanned for
// frame headers. Write returns once the port's Write call returns; it
// does not separately drain the OS output buffer.
package serialbus

import (
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Config describes how to open the port.
type Config struct {
	PortPath string
	BaudRate int
	Parity   serial.Parity
	DataBits int
	StopBits serial.StopBits
}

// ParityFromString maps the WebSocket `connect` command's parity string
// onto go.bug.st/serial's Parity constants.
func ParityFromString(s string) serial.Parity {
	switch s {
	case "even":
		return serial.EvenParity
	case "odd":
		return serial.OddParity
	case "mark":
		return serial.MarkParity
	case "space":
		return serial.SpaceParity
	default:
		return serial.NoParity
	}
}

// StopBitsFromString maps the `connect` command's stopbits string onto
// go.bug.st/serial's StopBits constants.
func StopBitsFromString(s string) serial.StopBits {
	switch s {
	case "1.5":
		return serial.OnePointFiveStopBits
	case "2":
		return serial.TwoStopBits
	default:
		return serial.OneStopBit
	}
}

// Bus owns one RS-485 port. Writes are mutex-serialized; OnFrame
// receives complete, resynced frames from a dedicated reader goroutine.
type Bus struct {
	name string

	writeMu sync.Mutex
	port    serial.Port

	closeOnce sync.Once
	done      chan struct{}

	// FrameHeader is the two-byte sequence the reader resyncs on (e.g.
	// AA 55 for inbound drive frames). FrameLen, given the buffer
	// positioned at a header, returns the total frame length including
	// header and checksum, or 0 if not enough bytes are buffered yet.
	FrameHeader [2]byte
	FrameLen    func(buf []byte) int
	OnFrame     func(frame []byte)
}

// Open opens the serial port. It does not start the reader; call
// StartReader once FrameHeader, FrameLen and OnFrame are set.
func Open(name string, cfg Config) (*Bus, error) {
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		Parity:   cfg.Parity,
		StopBits: cfg.StopBits,
	}
	if mode.DataBits == 0 {
		mode.DataBits = 8
	}
	port, err := serial.Open(cfg.PortPath, mode)
	if err != nil {
		return nil, fmt.Errorf("serialbus: open %s: %w", cfg.PortPath, err)
	}
	if err := port.SetReadTimeout(50 * time.Millisecond); err != nil {
		port.Close()
		return nil, fmt.Errorf("serialbus: set read timeout: %w", err)
	}
	b := &Bus{
		name: name,
		port: port,
		done: make(chan struct{}),
	}
	log.Printf("[serialbus:%s] connected to %s at %d baud", name, cfg.PortPath, cfg.BaudRate)
	return b, nil
}

// StartReader launches the background resync-and-deliver reader. It must
// be called at most once, after FrameHeader/FrameLen/OnFrame are set.
func (b *Bus) StartReader() {
	go b.readLoop()
}

// Write serializes one write across all callers; the port write has
// completed by the time it returns.
func (b *Bus) Write(data []byte) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if b.port == nil {
		return fmt.Errorf("serialbus: %s: port not open", b.name)
	}
	if _, err := b.port.Write(data); err != nil {
		return fmt.Errorf("serialbus: %s: write: %w", b.name, err)
	}
	return nil
}

// Close stops the reader and closes the port.
func (b *Bus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		if b.port != nil {
			err = b.port.Close()
		}
	})
	return err
}

// readLoop accumulates bytes into a rolling buffer, scans for
// FrameHeader, and delivers complete frames to OnFrame. Resync policy:
// one byte is dropped and the header search retried whenever the
// buffer's first two bytes are not a header. Frames are not
// checksum-verified here, and a frame whose LEN runs past the buffered
// bytes is held until more bytes arrive rather than dropped.
func (b *Bus) readLoop() {
	buf := make([]byte, 4096)
	var acc []byte
	for {
		select {
		case <-b.done:
			return
		default:
		}
		n, err := b.port.Read(buf)
		if err != nil && err != io.EOF {
			log.Printf("[serialbus:%s] read error: %v", b.name, err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if n > 0 {
			acc = append(acc, buf[:n]...)
		}
		acc = b.drain(acc)
	}
}

// drain extracts as many complete frames as currently buffered, resyncing
// on noise, and returns the remaining unconsumed tail.
func (b *Bus) drain(acc []byte) []byte {
	for {
		if len(acc) < 2 {
			return acc
		}
		if acc[0] != b.FrameHeader[0] || acc[1] != b.FrameHeader[1] {
			acc = acc[1:] // drop one byte and retry header search
			continue
		}
		length := b.FrameLen(acc)
		if length <= 0 {
			return acc // not enough bytes yet
		}
		if length > len(acc) {
			return acc
		}
		frame := acc[:length]
		if b.OnFrame != nil {
			cp := append([]byte(nil), frame...)
			b.OnFrame(cp)
		}
		acc = acc[length:]
	}
}
