package control

import (
	"context"
	"fmt"

	"github.com/cseJeoni/needlecore/internal/eeprom"
	"github.com/cseJeoni/needlecore/internal/indicator"
	"github.com/cseJeoni/needlecore/internal/motorctl"
	"github.com/cseJeoni/needlecore/internal/motorframe"
	"github.com/cseJeoni/needlecore/internal/motorqueue"
	"github.com/cseJeoni/needlecore/internal/ohmmeter"
	"github.com/cseJeoni/needlecore/internal/serialbus"
)

func (s *Server) handleConnect(c *wsClient, msg inboundMessage) {
	if s.motor != nil {
		s.motor.cancel()
		s.motor.bus.Close()
		s.motor = nil
	}

	port := msg.Port
	if port == "" {
		port = s.cfg.Motor.PortPath
	}
	baud := msg.BaudRate
	if baud == 0 {
		baud = s.cfg.Motor.BaudRate
	}
	dataBits := msg.DataBits
	if dataBits == 0 {
		dataBits = s.cfg.Motor.DataBits
	}

	busCfg := serialbus.Config{
		PortPath: port,
		BaudRate: baud,
		Parity:   serialbus.ParityFromString(msg.Parity),
		DataBits: dataBits,
		StopBits: serialbus.StopBitsFromString(msg.StopBits),
	}

	mc, err := openMotor(busCfg)
	if err != nil {
		s.send(c, serialReply{Type: "serial", Success: false, Error: err.Error()})
		return
	}

	s.motor = mc
	s.lastMotorCfg = busCfg
	s.hasMotorCfg = true
	s.send(c, serialReply{Type: "serial", Success: true, Connected: true})
}

// openMotor opens a fresh bus on cfg and wires it to a new Coordinator,
// shared by handleConnect and the Supervisor's force-recovery path.
func openMotor(cfg serialbus.Config) (*motorConn, error) {
	bus, err := serialbus.Open("motor", cfg)
	if err != nil {
		return nil, err
	}

	queue := motorqueue.New(32)
	coordinator := motorctl.New(bus, queue)
	bus.FrameHeader = motorframe.InboundHeader
	bus.FrameLen = motorframe.FrameLen
	bus.OnFrame = coordinator.HandleFrame
	bus.StartReader()

	ctx, cancel := context.WithCancel(context.Background())
	go coordinator.Run(ctx)

	return &motorConn{bus: bus, queue: queue, coordinator: coordinator, cancel: cancel}, nil
}

// reconnectMotorLocked performs one force-recovery attempt: tear down
// whatever connection exists, clear its queue implicitly by discarding
// it, and reopen the port with the last-known-good parameters. Must
// only be called from the event loop.
func (s *Server) reconnectMotorLocked() error {
	if !s.hasMotorCfg {
		return fmt.Errorf("no prior motor connection to recover")
	}
	if s.motor != nil {
		s.motor.cancel()
		s.motor.bus.Close()
		s.motor = nil
	}
	mc, err := openMotor(s.lastMotorCfg)
	if err != nil {
		return err
	}
	s.motor = mc
	return nil
}

func (s *Server) handleDisconnect(c *wsClient) {
	if s.motor == nil {
		s.send(c, resultReply{Success: true})
		return
	}
	s.motor.cancel()
	s.motor.bus.Close()
	s.motor = nil
	s.send(c, resultReply{Success: true})
}

func (s *Server) handleCheck(c *wsClient) {
	s.send(c, checkReply{Type: "check", Success: true, Connected: s.motor != nil})
}

func (s *Server) handleMove(c *wsClient, msg inboundMessage) {
	if s.motor == nil {
		s.send(c, resultReply{Success: false, Error: "not connected"})
		return
	}

	mode := msg.Mode
	if msg.NeedleSpeed != nil {
		// UI compatibility shim: clients that send needle_speed mean a
		// speed move regardless of the mode field they set.
		mode = "speed"
	}

	var err error
	switch mode {
	case "position":
		err = s.motor.queue.Push(motorqueue.Command{
			Bytes:   motorframe.EncodeControlMode(msg.MotorID, motorframe.ModePosition, 0, 0, msg.Position),
			MotorID: msg.MotorID,
		})
	case "servo":
		err = s.motor.queue.Push(motorqueue.Command{
			Bytes:   motorframe.EncodeControlMode(msg.MotorID, motorframe.ModeServo, 0, 0, msg.Position),
			MotorID: msg.MotorID,
		})
	case "force":
		forceG := motorframe.ForceNewtonsToGrams(msg.Force)
		err = s.motor.queue.Push(motorqueue.Command{
			Bytes:   motorframe.EncodeForceOnly(msg.MotorID, forceG),
			MotorID: msg.MotorID,
		})
	case "speed_force":
		forceG := motorframe.ForceNewtonsToGrams(msg.Force)
		err = s.motor.queue.Push(motorqueue.Command{
			Bytes:   motorframe.EncodeControlMode(msg.MotorID, motorframe.ModeSpeedForce, forceG, int16(msg.Speed), msg.Position),
			MotorID: msg.MotorID,
		})
	case "speed":
		speed := msg.Speed
		if msg.NeedleSpeed != nil {
			speed = *msg.NeedleSpeed
		}
		req := motorctl.SpeedMoveRequest{
			Target:                msg.Position,
			FastSpeed:             speed,
			DecelerationEnabled:   msg.DecelerationEnabled,
			DecelerationMM:        msg.DecelerationPosition,
			DecelerationSlowSpeed: msg.DecelerationSpeed,
		}
		if motorctl.NeedsTwoPhaseDecel(req) {
			err = motorctl.PlanTwoPhaseDecel(s.motor.queue, req)
		} else {
			err = motorctl.EnqueueSpeedMove(s.motor.queue, msg.Position, speed)
		}
	default:
		err = fmt.Errorf("unsupported move mode %q", mode)
	}

	if err != nil {
		s.send(c, resultReply{Success: false, Error: err.Error()})
		return
	}
	s.send(c, resultReply{Success: true})
}

func (s *Server) handleGPIORead(c *wsClient) {
	tip, short := false, false
	if s.gpio != nil {
		tip = s.gpio.ReadTipPresent()
		short = s.gpio.ReadShortSense()
	}
	s.send(c, gpioReadReply{Type: "gpio_read", Success: true, TipPresent: tip, ShortSense: short})
}

func (s *Server) variantFor(msg inboundMessage) eeprom.Variant {
	if msg.MtrVersion == "MTR40" {
		return eeprom.MTR40
	}
	return eeprom.MTR20Variant(msg.Country)
}

// handleEEPROMWrite and handleEEPROMRead run the paced I²C access on a
// worker goroutine for the same reason as handleMeasureResistance: the
// write's program-cycle gaps and the read's retry back-off add up to
// hundreds of milliseconds the event loop cannot afford. Only the
// lastTip bookkeeping returns to the loop.
func (s *Server) handleEEPROMWrite(c *wsClient, msg inboundMessage) {
	if s.eeprom == nil {
		s.send(c, eepromReply{Success: false, Error: "eeprom not available"})
		return
	}
	v := s.variantFor(msg)
	rec := eeprom.Record{
		TipType:   msg.TipType,
		ShotCount: msg.ShotCount,
		Year:      msg.Year,
		Month:     msg.Month,
		Day:       msg.Day,
		MakerCode: msg.MakerCode,
	}
	go func() {
		readBack, err := s.eeprom.WriteAndVerify(v, rec)
		if err != nil {
			s.send(c, eepromReply{Success: false, Error: err.Error()})
			return
		}
		s.send(c, eepromReply{
			Success:       true,
			Data:          readBack,
			EEPROMAddress: fmt.Sprintf("0x%02X", v.Addr),
			Offset:        fmt.Sprintf("0x%02X", v.Base),
		})
		s.apply(func() { s.lastTip = readBack })
	}()
}

func (s *Server) handleEEPROMRead(c *wsClient, msg inboundMessage) {
	if s.eeprom == nil {
		s.send(c, eepromReply{Success: false, Error: "eeprom not available"})
		return
	}
	v := s.variantFor(msg)
	go func() {
		rec, err := s.eeprom.Read(v)
		if err != nil {
			s.send(c, eepromReply{Success: false, Error: err.Error()})
			return
		}
		s.send(c, eepromReply{
			Success:       true,
			Data:          rec,
			EEPROMAddress: fmt.Sprintf("0x%02X", v.Addr),
			Offset:        fmt.Sprintf("0x%02X", v.Base),
		})
		s.apply(func() { s.lastTip = rec })
	}()
}

// handleMeasureResistance runs the one-shot Modbus measurement on a
// worker goroutine: a dead meter costs the full serial connect/read
// timeout, and the event loop's telemetry ticker must not wait on it.
// The verdict and latch updates come back via apply once the reading
// is in.
func (s *Server) handleMeasureResistance(c *wsClient, msg inboundMessage) {
	cfg := ohmmeter.DefaultConfig(s.cfg.Ohmmeter.PortPath)
	cfg.BaudRate = s.cfg.Ohmmeter.BaudRate
	threshold := msg.Threshold

	go func() {
		res := ohmmeter.MeasureOnce(cfg)

		reply := resistanceReply{Type: "resistance", Connected: res.Connected, Status1: string(res.R1.Status), Status2: string(res.R2.Status)}
		if res.R1.Status == ohmmeter.StatusOK {
			v := int(res.R1.Value)
			reply.Resistance1 = &v
		}
		if res.R2.Status == ohmmeter.StatusOK {
			v := int(res.R2.Value)
			reply.Resistance2 = &v
		}
		if res.Err != nil {
			reply.Error = res.Err.Error()
		}
		s.send(c, reply)

		s.apply(func() {
			s.lastOhmmeter = &res
			if s.latches.Started {
				if ohmmeter.Verdict(res, threshold) {
					s.lastVerdict = indicator.VerdictNG
				} else {
					s.lastVerdict = indicator.VerdictPass
				}
				s.reevaluateIndicator()
			}
		})
	}()
}

func (s *Server) handleLEDControl(c *wsClient, msg inboundMessage) {
	if s.gpio == nil {
		s.send(c, resultReply{Success: false, Error: "gpio not available"})
		return
	}
	var state indicator.State
	switch msg.Type {
	case "blue":
		state = indicator.Blue
	case "red":
		state = indicator.Red
	case "green":
		state = indicator.Green
	case "all_off":
		state = indicator.Off
	case "status":
		s.send(c, resultReply{Success: true})
		return
	default:
		s.send(c, resultReply{Success: false, Error: fmt.Sprintf("unknown led_control type %q", msg.Type)})
		return
	}
	if err := s.gpio.SetLamp(state); err != nil {
		s.send(c, resultReply{Success: false, Error: err.Error()})
		return
	}
	s.lampState = state
	s.send(c, resultReply{Success: true})
}

func (s *Server) handleSetStartState(c *wsClient, msg inboundMessage) {
	if msg.State == nil {
		s.send(c, resultReply{Success: false, Error: "state is required"})
		return
	}
	edge := s.latches.Started != *msg.State
	s.latches.Started = *msg.State
	if !*msg.State {
		s.latches.JudgmentCompleted = false
		s.latches.NeedleShortFixed = false
		s.lastVerdict = indicator.VerdictNone
	} else if s.needleState == indicator.NeedleShort {
		// A short present at the moment START latches in is captured as
		// the fixed-abnormality latch.
		s.latches.NeedleShortFixed = true
	}
	s.reevaluateIndicator()
	s.send(c, resultReply{Success: true})
	if edge {
		s.broadcast(needleStateChangeMsg{Type: "needle_state_change", State: s.needleState.String()})
	}
}

func (s *Server) handleSetNeedleShortFixed(c *wsClient, msg inboundMessage) {
	if msg.State == nil {
		s.send(c, resultReply{Success: false, Error: "state is required"})
		return
	}
	s.latches.NeedleShortFixed = *msg.State
	s.reevaluateIndicator()
	s.send(c, resultReply{Success: true})
}

func (s *Server) broadcastStatus() {
	m1, m2 := motorctl.MotorState{}, motorctl.MotorState{}
	depth := 0
	if s.motor != nil {
		m1 = s.motor.coordinator.Snapshot(motorframe.Motor1)
		m2 = s.motor.coordinator.Snapshot(motorframe.Motor2)
		depth = s.motor.coordinator.QueueDepth()
	}
	s.broadcast(statusMsg{
		Type:               "status",
		Motor1:             toJSONState(m1),
		Motor2:             toJSONState(m2),
		QueueDepth:         depth,
		NeedleTipConnected: s.needleState != indicator.Disconnected,
		IsStarted:          s.latches.Started,
	})
}

func toJSONState(m motorctl.MotorState) motorStateJSON {
	return motorStateJSON{
		SetPosition: m.SetPosition,
		ActPosition: m.ActPosition,
		Force:       m.ForceNewtons,
		Sensor:      m.Sensor,
	}
}
