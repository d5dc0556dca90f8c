// Package control implements the WebSocket control plane: it accepts
// clients, dispatches the documented command set, and broadcasts
// telemetry snapshots at ~200 Hz. All mutable process state (latch
// flags, needle state, lamp state, the connected-clients table, and the
// active motor connection) is owned by a single event-loop goroutine,
// so GPIO edges and client commands never race each other. Blocking
// EEPROM and ohmmeter I/O runs on worker goroutines so the telemetry
// ticker never waits on a serial timeout; workers marshal their state
// updates back onto the event loop.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cseJeoni/needlecore/internal/config"
	"github.com/cseJeoni/needlecore/internal/eeprom"
	"github.com/cseJeoni/needlecore/internal/gpioio"
	"github.com/cseJeoni/needlecore/internal/indicator"
	"github.com/cseJeoni/needlecore/internal/inspectionlog"
	"github.com/cseJeoni/needlecore/internal/motorctl"
	"github.com/cseJeoni/needlecore/internal/motorframe"
	"github.com/cseJeoni/needlecore/internal/motorqueue"
	"github.com/cseJeoni/needlecore/internal/ohmmeter"
	"github.com/cseJeoni/needlecore/internal/serialbus"
)

const telemetryInterval = 5 * time.Millisecond // ~200 Hz

// wsClient's send channel is never closed: worker goroutines may still
// hold a reference after the client unregisters, and a send on a closed
// channel would panic. done is closed instead, and the writer drains
// until it fires.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

// motorConn bundles the resources opened by a `connect` command.
type motorConn struct {
	bus         *serialbus.Bus
	queue       *motorqueue.Queue
	coordinator *motorctl.Coordinator
	cancel      context.CancelFunc
}

type eventKind int

const (
	evRegister eventKind = iota
	evUnregister
	evCommand
	evGPIO
	evForceReconnect
	evWatchdogQuery
	evFatal
	evApply
)

type watchdogResult struct {
	co *motorctl.Coordinator
	ok bool
}

type controlEvent struct {
	kind    eventKind
	client  *wsClient
	cmd     inboundMessage
	gpio    gpioio.Event
	reply   chan error
	wdReply chan watchdogResult
	err     error
	fn      func()
}

// Server owns the motor connection lifecycle, the Indicator FSM state,
// and the WebSocket client table.
type Server struct {
	cfg    *config.Config
	gpio   *gpioio.Watcher
	eeprom *eeprom.Driver
	log    *inspectionlog.Logger

	events chan controlEvent

	upgrader websocket.Upgrader

	clients map[*wsClient]struct{}

	motor        *motorConn
	lastMotorCfg serialbus.Config
	hasMotorCfg  bool

	latches      indicator.LatchFlags
	needleState  indicator.NeedleState
	lampState    indicator.State
	lastVerdict  indicator.Verdict
	lastOhmmeter *ohmmeter.Result
	lastTip      *eeprom.Record
}

// New creates a Server. gpio may be nil in environments without GPIO
// hardware wired up (tests, or a bench rig); in that case gpio_read
// reports both inputs inactive and lamp writes are skipped.
func New(cfg *config.Config, gpio *gpioio.Watcher, eepromDriver *eeprom.Driver, insLog *inspectionlog.Logger) *Server {
	return &Server{
		cfg:    cfg,
		gpio:   gpio,
		eeprom: eepromDriver,
		log:    insLog,
		events: make(chan controlEvent, 256),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:     make(map[*wsClient]struct{}),
		needleState: indicator.Disconnected,
	}
}

// Run starts the HTTP/WebSocket listener and the event loop, blocking
// until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)

	srv := &http.Server{Addr: s.cfg.Server.ListenAddr, Handler: mux}

	if s.gpio != nil {
		stop := make(chan struct{})
		s.gpio.Watch(stop)
		go s.pumpGPIOEvents(ctx, stop)
	}

	go s.eventLoop(ctx)

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[control] listening on %s", s.cfg.Server.ListenAddr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) pumpGPIOEvents(ctx context.Context, stop chan struct{}) {
	defer close(stop)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.gpio.Events:
			s.events <- controlEvent{kind: evGPIO, gpio: ev}
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[control] upgrade error: %v", err)
		return
	}
	client := &wsClient{conn: conn, send: make(chan []byte, 64), done: make(chan struct{})}
	s.events <- controlEvent{kind: evRegister, client: client}

	go func() {
		defer conn.Close()
		for {
			select {
			case msg := <-client.send:
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			case <-client.done:
				return
			}
		}
	}()

	go func() {
		defer func() {
			s.events <- controlEvent{kind: evUnregister, client: client}
		}()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg inboundMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				log.Printf("[control] bad command from client: %v", err)
				continue
			}
			s.events <- controlEvent{kind: evCommand, client: client, cmd: msg}
		}
	}()
}

// eventLoop is the single goroutine permitted to mutate latches,
// needleState, lampState, the motor connection, and the clients table.
func (s *Server) eventLoop(ctx context.Context) {
	ticker := time.NewTicker(telemetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.teardown()
			return
		case ev := <-s.events:
			s.handleEvent(ev)
		case <-ticker.C:
			s.broadcastStatus()
		}
	}
}

func (s *Server) teardown() {
	if s.motor != nil {
		s.motor.cancel()
		s.motor.bus.Close()
		s.motor = nil
	}
	if s.log != nil {
		s.log.Close()
	}
}

func (s *Server) handleEvent(ev controlEvent) {
	switch ev.kind {
	case evRegister:
		s.clients[ev.client] = struct{}{}
		log.Printf("[control] client connected (%d total)", len(s.clients))
	case evUnregister:
		if _, ok := s.clients[ev.client]; ok {
			delete(s.clients, ev.client)
			close(ev.client.done)
		}
		log.Printf("[control] client disconnected (%d total)", len(s.clients))
		if len(s.clients) == 0 && s.gpio != nil {
			if err := s.gpio.SetLamp(indicator.Off); err != nil {
				log.Printf("[control] lamp off on last-client-gone failed: %v", err)
			}
		}
	case evCommand:
		s.dispatch(ev.client, ev.cmd)
	case evGPIO:
		s.handleGPIOEvent(ev.gpio)
	case evForceReconnect:
		ev.reply <- s.reconnectMotorLocked()
	case evWatchdogQuery:
		if s.motor != nil {
			ev.wdReply <- watchdogResult{co: s.motor.coordinator, ok: true}
		} else {
			ev.wdReply <- watchdogResult{ok: false}
		}
	case evFatal:
		if s.motor != nil {
			s.motor.cancel()
			s.motor.bus.Close()
			s.motor = nil
		}
		s.broadcast(serialReply{Type: "serial", Success: false, Error: ev.err.Error()})
	case evApply:
		ev.fn()
	}
}

// apply schedules fn to run on the event loop. Worker goroutines that
// finish a blocking EEPROM or ohmmeter operation use this to hand
// their state updates (latches, verdicts, tip bookkeeping) back to the
// one goroutine allowed to make them.
func (s *Server) apply(fn func()) {
	s.events <- controlEvent{kind: evApply, fn: fn}
}

// NotifyFatal closes the motor connection and tells every client the
// coordinator could not be recovered. Safe to call from any goroutine;
// the teardown runs on the event loop.
func (s *Server) NotifyFatal(err error) {
	s.events <- controlEvent{kind: evFatal, err: err}
}

// Watchdog reports the live motor Coordinator, for the Supervisor to
// poll. Safe to call from any goroutine: it is answered by the event
// loop like any other event.
func (s *Server) Watchdog(ctx context.Context) (*motorctl.Coordinator, bool) {
	reply := make(chan watchdogResult, 1)
	select {
	case s.events <- controlEvent{kind: evWatchdogQuery, wdReply: reply}:
	case <-ctx.Done():
		return nil, false
	}
	select {
	case r := <-reply:
		return r.co, r.ok
	case <-ctx.Done():
		return nil, false
	}
}

// ForceReconnect tears down and reopens the motor connection using the
// last-known-good connect parameters (the Supervisor's force-recovery
// cycle). It errors if `connect` was never issued. Safe to call from
// any goroutine: the teardown/reopen itself always runs on the event
// loop so it can never race a client command.
func (s *Server) ForceReconnect(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case s.events <- controlEvent{kind: evForceReconnect, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) send(c *wsClient, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("[control] marshal reply failed: %v", err)
		return
	}
	// Trailing newline so clients that line-read can split messages.
	data = append(data, '\n')
	select {
	case <-c.done:
		// Client already unregistered; a worker finishing late has no
		// one to reply to.
	case c.send <- data:
	default:
		log.Printf("[control] client send buffer full, dropping message")
	}
}

func (s *Server) broadcast(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	data = append(data, '\n')
	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			// Slow client: drop this message rather than block the
			// broadcast loop.
		}
	}
}

func (s *Server) dispatch(c *wsClient, msg inboundMessage) {
	switch msg.Cmd {
	case "connect":
		s.handleConnect(c, msg)
	case "disconnect":
		s.handleDisconnect(c)
	case "check":
		s.handleCheck(c)
	case "move":
		s.handleMove(c, msg)
	case "gpio_read":
		s.handleGPIORead(c)
	case "eeprom_write":
		s.handleEEPROMWrite(c, msg)
	case "eeprom_read":
		s.handleEEPROMRead(c, msg)
	case "measure_resistance":
		s.handleMeasureResistance(c, msg)
	case "led_control":
		s.handleLEDControl(c, msg)
	case "set_start_state":
		s.handleSetStartState(c, msg)
	case "set_needle_short_fixed":
		s.handleSetNeedleShortFixed(c, msg)
	default:
		s.send(c, resultReply{Success: false, Error: fmt.Sprintf("unknown command %q", msg.Cmd)})
	}
}

func (s *Server) reevaluateIndicator() {
	verdict := s.lastVerdict
	s.lampState = indicator.Evaluate(s.needleState, s.latches, verdict, s.lampState)
	if s.gpio != nil {
		if err := s.gpio.SetLamp(s.lampState); err != nil {
			log.Printf("[control] lamp write failed: %v", err)
		}
	}
}

// recordJudgment finalizes an inspection cycle on an operator PASS/NG
// decision: it shows the verdict on the lamp, then latches
// judgment_completed so the lamp holds steady until STOP, then appends
// one row to the inspection audit log.
func (s *Server) recordJudgment(verdict indicator.Verdict) {
	s.lastVerdict = verdict
	s.reevaluateIndicator()
	s.latches.JudgmentCompleted = true

	if s.log == nil {
		return
	}
	entry := inspectionlog.Entry{
		Time:        time.Now(),
		Tip:         s.lastTip,
		NeedleState: s.needleState,
		Verdict:     verdict,
	}
	if s.lastOhmmeter != nil {
		entry.Resistance1MOhm = int(s.lastOhmmeter.R1.Value)
		entry.Resistance2MOhm = int(s.lastOhmmeter.R2.Value)
	}
	if s.motor != nil {
		m1 := s.motor.coordinator.Snapshot(motorframe.Motor1)
		m2 := s.motor.coordinator.Snapshot(motorframe.Motor2)
		entry.Motor1Position = m1.ActPosition
		entry.Motor2Position = m2.ActPosition
	}
	if err := s.log.Record(entry); err != nil {
		log.Printf("[control] inspection log write failed: %v", err)
	}
}
