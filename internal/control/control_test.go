package control

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/cseJeoni/needlecore/internal/config"
	"github.com/cseJeoni/needlecore/internal/gpioio"
	"github.com/cseJeoni/needlecore/internal/indicator"
)

var errFatalTest = errors.New("coordinator unrecoverable")

func newTestServer() (*Server, *wsClient) {
	s := New(config.DefaultConfig(), nil, nil, nil)
	c := &wsClient{send: make(chan []byte, 8)}
	s.clients[c] = struct{}{}
	return s, c
}

func readReply(t *testing.T, c *wsClient, v interface{}) {
	t.Helper()
	select {
	case data := <-c.send:
		if err := json.Unmarshal(data, v); err != nil {
			t.Fatalf("unmarshal reply: %v", err)
		}
	default:
		t.Fatal("expected a reply on the client's send channel")
	}
}

func TestHandleCheckReportsDisconnected(t *testing.T) {
	s, c := newTestServer()
	s.handleCheck(c)
	var reply checkReply
	readReply(t, c, &reply)
	if reply.Connected {
		t.Fatal("expected Connected=false with no motor connection")
	}
}

func TestHandleMoveWithoutConnectionFails(t *testing.T) {
	s, c := newTestServer()
	s.handleMove(c, inboundMessage{Cmd: "move", MotorID: 1, Mode: "position", Position: 100})
	var reply resultReply
	readReply(t, c, &reply)
	if reply.Success {
		t.Fatal("expected failure when no motor is connected")
	}
}

func TestUnknownCommandReturnsError(t *testing.T) {
	s, c := newTestServer()
	s.dispatch(c, inboundMessage{Cmd: "not_a_real_command"})
	var reply resultReply
	readReply(t, c, &reply)
	if reply.Success {
		t.Fatal("expected failure for an unrecognized command")
	}
}

func TestSetStartStateLatchesShortFixedWhenShortPresent(t *testing.T) {
	s, c := newTestServer()
	s.needleState = indicator.NeedleShort

	on := true
	s.handleSetStartState(c, inboundMessage{State: &on})

	var reply resultReply
	readReply(t, c, &reply)
	if !reply.Success {
		t.Fatal("expected success")
	}
	if !s.latches.NeedleShortFixed {
		t.Fatal("expected needle_short_fixed to latch when short is present at START")
	}
	if s.lampState != indicator.Red {
		t.Fatalf("lampState = %v, want Red", s.lampState)
	}
}

func TestSetStartStateFalseClearsJudgmentAndShortFixed(t *testing.T) {
	s, c := newTestServer()
	s.latches = indicator.LatchFlags{Started: true, JudgmentCompleted: true, NeedleShortFixed: true}

	off := false
	s.handleSetStartState(c, inboundMessage{State: &off})

	if s.latches.Started {
		t.Fatal("expected Started to clear")
	}
	if s.latches.JudgmentCompleted {
		t.Fatal("expected JudgmentCompleted to clear on STOP")
	}
	if s.latches.NeedleShortFixed {
		t.Fatal("expected NeedleShortFixed to clear on STOP")
	}
}

func TestSetStartStateBroadcastsNeedleStateOnEdge(t *testing.T) {
	s, c := newTestServer()
	s.needleState = indicator.Connected

	on := true
	s.handleSetStartState(c, inboundMessage{State: &on})

	var reply resultReply
	readReply(t, c, &reply) // command result comes first
	var raw map[string]interface{}
	readReply(t, c, &raw)
	if raw["type"] != "needle_state_change" {
		t.Fatalf("got %v, want needle_state_change on a START edge", raw["type"])
	}

	// Re-sending the same state is not an edge and must not broadcast.
	s.handleSetStartState(c, inboundMessage{State: &on})
	readReply(t, c, &reply)
	select {
	case data := <-c.send:
		t.Fatalf("unexpected broadcast without a START edge: %s", data)
	default:
	}
}

func TestApplyEventRunsOnEventLoop(t *testing.T) {
	s, _ := newTestServer()
	s.latches.Started = true
	s.needleState = indicator.Connected

	// The closure a measurement worker hands back: latch the verdict and
	// re-evaluate the lamp, exactly as handleMeasureResistance does.
	s.handleEvent(controlEvent{kind: evApply, fn: func() {
		s.lastVerdict = indicator.VerdictNG
		s.reevaluateIndicator()
	}})

	if s.lastVerdict != indicator.VerdictNG {
		t.Fatal("expected the applied closure to run")
	}
	if s.lampState != indicator.Red {
		t.Fatalf("lampState = %v, want Red after an applied NG verdict", s.lampState)
	}
}

func TestNotifyFatalBroadcastsSerialFailure(t *testing.T) {
	s, c := newTestServer()

	s.handleEvent(controlEvent{kind: evFatal, err: errFatalTest})

	var reply serialReply
	readReply(t, c, &reply)
	if reply.Success || reply.Type != "serial" || reply.Error == "" {
		t.Fatalf("got %+v, want a failed serial broadcast", reply)
	}
	if s.motor != nil {
		t.Fatal("expected motor connection to be torn down")
	}
}

func TestSetStartStateRequiresState(t *testing.T) {
	s, c := newTestServer()
	s.handleSetStartState(c, inboundMessage{})
	var reply resultReply
	readReply(t, c, &reply)
	if reply.Success {
		t.Fatal("expected failure when state is omitted")
	}
}

func TestHandleLEDControlWithoutGPIOFails(t *testing.T) {
	s, c := newTestServer()
	s.handleLEDControl(c, inboundMessage{Type: "blue"})
	var reply resultReply
	readReply(t, c, &reply)
	if reply.Success {
		t.Fatal("expected failure when gpio is unavailable")
	}
}

func TestRecomputeNeedleStateTipAbsentDominance(t *testing.T) {
	s, c := newTestServer()
	s.latches = indicator.LatchFlags{Started: true, JudgmentCompleted: true, NeedleShortFixed: true}
	s.needleState = indicator.Connected

	s.recomputeNeedleState() // s.gpio is nil, so tip/short both read as false/absent

	if s.needleState != indicator.Disconnected {
		t.Fatalf("needleState = %v, want Disconnected", s.needleState)
	}
	if s.lampState != indicator.Off {
		t.Fatalf("lampState = %v, want Off: tip absence must dominate", s.lampState)
	}
	if s.latches.Started || s.latches.JudgmentCompleted || s.latches.NeedleShortFixed {
		t.Fatal("expected all latches cleared on tip removal")
	}

	// Drain the needle_state_change broadcast this transition produced.
	select {
	case <-c.send:
	default:
		t.Fatal("expected a needle_state_change broadcast")
	}
}

func TestGPIOButtonMaskedWhenTipAbsent(t *testing.T) {
	s, c := newTestServer()
	s.needleState = indicator.Disconnected

	s.handleGPIOEvent(gpioio.Event{Name: gpioio.PinPass, Active: true})

	// First message is always the gpio_state_change broadcast; there must
	// be no follow-up gpio_pass_button broadcast behind it.
	var raw map[string]interface{}
	readReply(t, c, &raw)
	if raw["type"] != "gpio_state_change" {
		t.Fatalf("got %v, want gpio_state_change", raw["type"])
	}
	select {
	case data := <-c.send:
		t.Fatalf("unexpected extra broadcast while tip absent: %s", data)
	default:
	}
}

func TestGPIOPassButtonLatchesJudgmentWhenStarted(t *testing.T) {
	s, _ := newTestServer()
	s.needleState = indicator.Connected
	s.latches.Started = true

	s.handleGPIOEvent(gpioio.Event{Name: gpioio.PinPass, Active: true})

	if !s.latches.JudgmentCompleted {
		t.Fatal("expected judgment_completed to latch on PASS button with started=true")
	}
	if s.lampState != indicator.Green {
		t.Fatalf("lampState = %v, want Green", s.lampState)
	}
}

func TestGPIONGButtonLatchesJudgmentWhenStarted(t *testing.T) {
	s, _ := newTestServer()
	s.needleState = indicator.Connected
	s.latches.Started = true

	s.handleGPIOEvent(gpioio.Event{Name: gpioio.PinNG, Active: true})

	if !s.latches.JudgmentCompleted {
		t.Fatal("expected judgment_completed to latch on NG button with started=true")
	}
	if s.lampState != indicator.Red {
		t.Fatalf("lampState = %v, want Red", s.lampState)
	}
}

func TestGPIOPassButtonIgnoredWhenNotStarted(t *testing.T) {
	s, _ := newTestServer()
	s.needleState = indicator.Connected

	s.handleGPIOEvent(gpioio.Event{Name: gpioio.PinPass, Active: true})

	if s.latches.JudgmentCompleted {
		t.Fatal("expected judgment_completed to stay false when not started")
	}
}

func TestGPIOButtonFiresWhenTipPresent(t *testing.T) {
	s, c := newTestServer()
	s.needleState = indicator.Connected

	s.handleGPIOEvent(gpioio.Event{Name: gpioio.PinPass, Active: true})

	<-c.send // gpio_state_change
	var raw map[string]interface{}
	readReply(t, c, &raw)
	if raw["type"] != "gpio_pass_button" {
		t.Fatalf("got %v, want gpio_pass_button", raw["type"])
	}
}
