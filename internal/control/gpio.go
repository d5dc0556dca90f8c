package control

import (
	"time"

	"github.com/cseJeoni/needlecore/internal/gpioio"
	"github.com/cseJeoni/needlecore/internal/indicator"
)

// handleGPIOEvent processes one debounced edge and fans out the
// documented unsolicited messages. A tip/short edge recomputes
// NeedleState and re-evaluates the Indicator FSM; a PASS/NG press while
// started records the judgment, which also re-evaluates it. Button
// edges are masked entirely when no tip is present.
func (s *Server) handleGPIOEvent(ev gpioio.Event) {
	s.broadcast(gpioStateChangeMsg{
		Type:      "gpio_state_change",
		Pin:       ev.Name,
		State:     ev.Active,
		Timestamp: time.Now().UnixMilli(),
	})

	switch ev.Name {
	case gpioio.PinTipPresent, gpioio.PinShortSense:
		s.recomputeNeedleState()
	case gpioio.PinStart:
		if ev.Active && s.needleState != indicator.Disconnected {
			s.broadcast(gpioButtonMsg{Type: "gpio_start_button"})
		}
	case gpioio.PinPass:
		if ev.Active && s.needleState != indicator.Disconnected {
			s.broadcast(gpioButtonMsg{Type: "gpio_pass_button"})
			if s.latches.Started {
				s.recordJudgment(indicator.VerdictPass)
			}
		}
	case gpioio.PinNG:
		if ev.Active && s.needleState != indicator.Disconnected {
			s.broadcast(gpioButtonMsg{Type: "gpio_ng_button"})
			if s.latches.Started {
				s.recordJudgment(indicator.VerdictNG)
			}
		}
	}
}

func (s *Server) recomputeNeedleState() {
	tip, short := false, false
	if s.gpio != nil {
		tip = s.gpio.ReadTipPresent()
		short = s.gpio.ReadShortSense()
	}

	var next indicator.NeedleState
	switch {
	case !tip:
		next = indicator.Disconnected
	case short:
		next = indicator.NeedleShort
	default:
		next = indicator.Connected
	}

	changed := next != s.needleState
	s.needleState = next
	if !tip {
		// Tip removal clears the operator-controlled latches, same as an
		// explicit STOP.
		s.latches.Started = false
		s.latches.JudgmentCompleted = false
		s.latches.NeedleShortFixed = false
		s.lastVerdict = indicator.VerdictNone
	}
	s.reevaluateIndicator()
	if changed {
		s.broadcast(needleStateChangeMsg{Type: "needle_state_change", State: next.String()})
	}
}
