// Package gpioio drives the five debounced digital inputs and three
// indicator LED outputs: tip-present, short-sense, and the
// START/PASS/NG buttons, each debounced to 50 ms, plus the blue/red/
// green lamp outputs.
package gpioio

import (
	"fmt"
	"time"

	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpioreg"
	"periph.io/x/periph/experimental/conn/gpio/gpioutil"

	"github.com/cseJeoni/needlecore/internal/indicator"
)

const debounce = 50 * time.Millisecond

// Pin numbers fixed by the instrument's wiring.
const (
	PinTipPresent = "GPIO11"
	PinShortSense = "GPIO5"
	PinStart      = "GPIO6"
	PinPass       = "GPIO13"
	PinNG         = "GPIO19"

	PinLEDBlue  = "GPIO17"
	PinLEDRed   = "GPIO27"
	PinLEDGreen = "GPIO22"
)

// Event is emitted on every debounced edge of a watched input.
type Event struct {
	Name   string // one of the Pin* constants above
	Active bool
}

// Watcher owns the five debounced inputs and three LED outputs.
type Watcher struct {
	tip   gpio.PinIO
	short gpio.PinIO
	start gpio.PinIO
	pass  gpio.PinIO
	ng    gpio.PinIO

	ledBlue  gpio.PinIO
	ledRed   gpio.PinIO
	ledGreen gpio.PinIO

	Events chan Event
}

// Open resolves all eight pins by name and wraps the five inputs in a
// 50 ms debounce. Callers must have already called
// periph.io/x/periph/host.Init once at process startup.
func Open() (*Watcher, error) {
	w := &Watcher{Events: make(chan Event, 32)}

	var err error
	if w.tip, err = openDebounced(PinTipPresent); err != nil {
		return nil, err
	}
	if w.short, err = openDebounced(PinShortSense); err != nil {
		return nil, err
	}
	if w.start, err = openDebounced(PinStart); err != nil {
		return nil, err
	}
	if w.pass, err = openDebounced(PinPass); err != nil {
		return nil, err
	}
	if w.ng, err = openDebounced(PinNG); err != nil {
		return nil, err
	}

	if w.ledBlue = gpioreg.ByName(PinLEDBlue); w.ledBlue == nil {
		return nil, fmt.Errorf("gpioio: pin %s not found", PinLEDBlue)
	}
	if w.ledRed = gpioreg.ByName(PinLEDRed); w.ledRed == nil {
		return nil, fmt.Errorf("gpioio: pin %s not found", PinLEDRed)
	}
	if w.ledGreen = gpioreg.ByName(PinLEDGreen); w.ledGreen == nil {
		return nil, fmt.Errorf("gpioio: pin %s not found", PinLEDGreen)
	}
	for _, led := range []gpio.PinIO{w.ledBlue, w.ledRed, w.ledGreen} {
		if err := led.Out(gpio.Low); err != nil {
			return nil, fmt.Errorf("gpioio: init led out: %w", err)
		}
	}

	return w, nil
}

func openDebounced(name string) (gpio.PinIO, error) {
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("gpioio: pin %s not found", name)
	}
	d, err := gpioutil.Debounce(p, 0, debounce, gpio.BothEdges)
	if err != nil {
		return nil, fmt.Errorf("gpioio: debounce %s: %w", name, err)
	}
	return d, nil
}

// Watch starts one goroutine per input that waits for edges and
// publishes an Event per edge until stop is closed; Watch itself returns
// immediately. Each input gets its own goroutine since periph's
// WaitForEdge is per-pin blocking.
func (w *Watcher) Watch(stop <-chan struct{}) {
	inputs := []struct {
		name string
		pin  gpio.PinIO
	}{
		{PinTipPresent, w.tip},
		{PinShortSense, w.short},
		{PinStart, w.start},
		{PinPass, w.pass},
		{PinNG, w.ng},
	}
	for _, in := range inputs {
		go w.watchPin(in.name, in.pin, stop)
	}
}

func (w *Watcher) watchPin(name string, pin gpio.PinIO, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		if !pin.WaitForEdge(100 * time.Millisecond) {
			continue
		}
		w.Events <- Event{Name: name, Active: pin.Read() == gpio.High}
	}
}

// ReadTipPresent and ReadShortSense give the Control Server's gpio_read
// command a synchronous snapshot without waiting on an edge.
func (w *Watcher) ReadTipPresent() bool { return w.tip.Read() == gpio.High }
func (w *Watcher) ReadShortSense() bool { return w.short.Read() == gpio.High }

// SetLamp drives the three LED outputs to match state; apart from the
// all-low initialization in Open, it is the only function that calls Out
// on the lamp pins. The control server calls it after each Indicator FSM
// evaluation, for the led_control command, and to turn the lamps off
// when the last client disconnects.
func (w *Watcher) SetLamp(state indicator.State) error {
	blue, red, green := lampLevels(state)
	if err := w.ledBlue.Out(blue); err != nil {
		return err
	}
	if err := w.ledRed.Out(red); err != nil {
		return err
	}
	return w.ledGreen.Out(green)
}

// lampLevels maps an indicator.State to the three LED pin levels.
// Exactly one is High, or all are Low.
func lampLevels(state indicator.State) (blue, red, green gpio.Level) {
	switch state {
	case indicator.Blue:
		return gpio.High, gpio.Low, gpio.Low
	case indicator.Red:
		return gpio.Low, gpio.High, gpio.Low
	case indicator.Green:
		return gpio.Low, gpio.Low, gpio.High
	default:
		return gpio.Low, gpio.Low, gpio.Low
	}
}
