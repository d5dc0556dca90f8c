// Command needlecore is the bootstrap entrypoint for the needle
// inspection instrument's hardware coordination core: it loads config,
// opens the GPIO/I²C host, starts the WebSocket control server, and
// runs the Supervisor's stall watchdog until shutdown.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"periph.io/x/periph/host"

	"github.com/cseJeoni/needlecore/internal/config"
	"github.com/cseJeoni/needlecore/internal/control"
	"github.com/cseJeoni/needlecore/internal/eeprom"
	"github.com/cseJeoni/needlecore/internal/gpioio"
	"github.com/cseJeoni/needlecore/internal/inspectionlog"
	"github.com/cseJeoni/needlecore/internal/ohmmeter"
	"github.com/cseJeoni/needlecore/internal/supervisor"
)

// watchdogQueryTimeout bounds how long a single Supervisor poll of the
// event loop may take, so a stalled event loop cannot hang the
// watchdog.
const watchdogQueryTimeout = 2 * time.Second

func main() {
	configPath := flag.String("config", "/etc/needlecore/config.yaml", "Path to config file")
	listenAddr := flag.String("listen", "", "Override WebSocket listen address (e.g. :8765)")
	noGPIO := flag.Bool("no-gpio", false, "Disable GPIO/I2C host init (bench test without hardware)")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] needlecore starting")

	cfg := config.LoadConfig(*configPath)
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	var gpio *gpioio.Watcher
	if !*noGPIO {
		if _, err := host.Init(); err != nil {
			log.Printf("[main] periph host init failed: %v (continuing without GPIO)", err)
		} else {
			w, err := gpioio.Open()
			if err != nil {
				log.Printf("[main] gpio open failed: %v (continuing without GPIO)", err)
			} else {
				gpio = w
			}
		}
	}

	eepromDriver := eeprom.New(cfg.EEPROM.BusName)
	insLog := inspectionlog.New(cfg.Logging.Dir, cfg.Logging.Enabled)

	// Probe the fixed measurement buses in the background with backoff.
	// A bus that is still cabling up at boot gets retried and logged
	// instead of silently failing on the operator's first request; the
	// per-operation open/close path does not depend on these succeeding.
	if !*noGPIO {
		go supervisor.ConnectWithRetry(ctx, "eeprom", eepromDriver.Probe, 3)
	}
	go supervisor.ConnectWithRetry(ctx, "ohmmeter", func() error {
		probeCfg := ohmmeter.DefaultConfig(cfg.Ohmmeter.PortPath)
		probeCfg.BaudRate = cfg.Ohmmeter.BaudRate
		return ohmmeter.Probe(probeCfg)
	}, 3)

	srv := control.New(cfg, gpio, eepromDriver, insLog)

	sup := supervisor.New(supervisor.Config{
		GetWatchdog: func() (supervisor.Watchdog, bool) {
			wdCtx, wdCancel := context.WithTimeout(ctx, watchdogQueryTimeout)
			defer wdCancel()
			co, ok := srv.Watchdog(wdCtx)
			if !ok {
				return nil, false
			}
			return co, true
		},
		Recover: func(recoverCtx context.Context) error {
			return srv.ForceReconnect(recoverCtx)
		},
		StallAfter:  time.Duration(cfg.Supervisor.WatchdogIntervalSeconds) * time.Second,
		MaxAttempts: cfg.Supervisor.MaxRecoveryAttempts,
		OnEvent: func(ev supervisor.Event) {
			if ev.Kind == supervisor.EventFatal {
				log.Printf("[main] motor coordinator unrecoverable after %d attempts: %v", ev.Attempt, ev.Err)
				srv.NotifyFatal(ev.Err)
			}
		},
	})
	go sup.Run(ctx)

	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] server exited: %v", err)
		os.Exit(1)
	}
	log.Println("[main] clean shutdown")
}
