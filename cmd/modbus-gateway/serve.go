package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	modbus "github.com/edgeo-scada/modbus-gateway"
	"github.com/edgeo-scada/modbus-gateway/internal/config"
	"github.com/edgeo-scada/modbus-gateway/internal/extio"
	"github.com/edgeo-scada/modbus-gateway/internal/indicator"
	"github.com/edgeo-scada/modbus-gateway/internal/registers"
	"github.com/edgeo-scada/modbus-gateway/internal/slave"
	"github.com/edgeo-scada/modbus-gateway/internal/statusapi"
	"github.com/edgeo-scada/modbus-gateway/internal/syslog"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway and the local slave",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		d, err := newDaemon(cfg, logger)
		if err != nil {
			return err
		}
		return d.run(ctx)
	},
}

func init() {
	serveCmd.Flags().String("gateway-listen", "", "gateway listen address (overrides gateway.listen)")
	serveCmd.Flags().String("slave-listen", "", "local slave listen address (overrides slave.listen)")
	serveCmd.Flags().String("serial-device", "", "serial device (overrides serial.device)")

	v.BindPFlag("gateway.listen", serveCmd.Flags().Lookup("gateway-listen"))
	v.BindPFlag("slave.listen", serveCmd.Flags().Lookup("slave-listen"))
	v.BindPFlag("serial.device", serveCmd.Flags().Lookup("serial-device"))
}

// daemon owns every component of one gateway process.
type daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	store  *registers.Store
	queue  *syslog.Queue
	bus    *modbus.SerialTransport
	gw     *modbus.Gateway
	slave  *modbus.Server
	events *slave.EventLoop
	io     *extio.Task

	statusLED *indicator.LED
	busLED    *indicator.LED
	leds      *indicator.Scheduler
	busFailed bool
	openBus   func() error

	status *statusapi.Server
}

func newDaemon(cfg *config.Config, logger *slog.Logger) (*daemon, error) {
	d := &daemon{
		cfg:    cfg,
		logger: logger,
		store:  registers.New(),
		queue:  syslog.NewQueue(cfg.IO.SyslogCapacity),
	}
	d.queue.OnRecord(d.store.PublishSyslog)

	d.statusLED = indicator.NewLED(&indicator.LogOutput{Name: "status", Logger: logger})
	d.busLED = indicator.NewLED(&indicator.LogOutput{Name: "bus", Logger: logger})
	d.leds = indicator.NewScheduler(cfg.Indicator.Tick, d.statusLED, d.busLED)

	if cfg.Gateway.Enabled {
		bus, err := modbus.NewSerialTransport(modbus.SerialConfig{
			Device:      cfg.Serial.Device,
			Mode:        modbus.SerialMode(cfg.Serial.Mode),
			BaudRate:    cfg.Serial.BaudRate,
			DataBits:    cfg.Serial.DataBits,
			StopBits:    cfg.Serial.StopBits,
			Parity:      cfg.Serial.Parity,
			RS485:       cfg.Serial.RS485,
			IdleTimeout: cfg.Serial.IdleTimeout,
		},
			modbus.WithBusLogger(logger.With(slog.String("component", "bus"))),
			modbus.WithBusTimeout(cfg.Serial.Timeout),
		)
		if err != nil {
			return nil, err
		}
		d.bus = bus
		d.openBus = bus.Open
		d.gw = modbus.NewGateway(bus,
			modbus.WithLogger(logger.With(slog.String("component", "gateway"))),
			modbus.WithGatewayMaxConnections(cfg.Gateway.MaxConnections),
			modbus.WithAdmissionPoll(cfg.Gateway.AdmissionPoll),
			modbus.WithSessionReadTimeout(cfg.Gateway.ReadTimeout),
		)
	}

	var coilWrites <-chan struct{}
	if cfg.Slave.Enabled {
		handler := slave.NewHandler(d.store, cfg.Slave.EventBuffer)
		d.events = slave.NewEventLoop(handler.Events(), slave.AllEvents,
			logger.With(slog.String("component", "events")))
		coilWrites = d.events.CoilWrites()
		d.slave = modbus.NewServer(handler,
			modbus.WithServerLogger(logger.With(slog.String("component", "slave"))),
			modbus.WithMaxConnections(cfg.Slave.MaxConnections),
			modbus.WithReadTimeout(cfg.Slave.ReadTimeout),
		)
	}

	if cfg.IO.Enabled {
		idle := byte(0x00)
		if cfg.IO.ActiveLow {
			idle = 0xFF
		}
		d.io = extio.NewTask(extio.Config{
			Input:        extio.NewMemExpander(idle),
			Output:       extio.NewMemExpander(idle),
			CoilWrites:   coilWrites,
			PollInterval: cfg.IO.PollInterval,
			ActiveLow:    cfg.IO.ActiveLow,
			Logger:       logger.With(slog.String("component", "io")),
		}, d.store, d.queue)
	}

	if cfg.Status.Enabled {
		src := statusapi.Sources{
			Hostname:  cfg.Hostname,
			Registers: d.store,
			Syslog:    d.queue,
		}
		if d.gw != nil {
			src.Gateway = d.gw.Metrics()
			src.Bus = d.bus.Metrics()
		}
		if d.slave != nil {
			src.Slave = d.slave.Metrics()
		}
		d.status = statusapi.New(cfg.Status.Listen, src,
			logger.With(slog.String("component", "status")))
	}

	return d, nil
}

// run starts every enabled component and blocks until ctx is cancelled or
// a listener fails.
func (d *daemon) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.logger.Info("starting modbus gateway",
		slog.String("version", version),
		slog.String("hostname", d.cfg.Hostname))

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	fail := func(err error) {
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		errOnce.Do(func() { firstErr = err })
		cancel()
	}
	spawn := func(fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fail(fn(ctx))
		}()
	}

	if d.bus != nil {
		if err := d.bus.Open(); err != nil {
			// Keep serving: requests fail with exception 0x0B until
			// supervise manages to open the line.
			d.logger.Error("serial line unavailable", slog.String("error", err.Error()))
			d.busFailed = true
		}
		spawn(func(ctx context.Context) error {
			return d.gw.ListenAndServeContext(ctx, d.cfg.Gateway.Listen)
		})
	}

	if d.io != nil {
		if err := d.io.Init(); err != nil {
			fail(fmt.Errorf("io init: %w", err))
		} else {
			spawn(d.io.Run)
		}
	}

	if d.slave != nil {
		spawn(d.events.Run)
		spawn(func(ctx context.Context) error {
			return d.slave.ListenAndServeContext(ctx, d.cfg.Slave.Listen)
		})
	}

	if d.status != nil {
		if err := d.status.Start(); err != nil {
			fail(fmt.Errorf("status api: %w", err))
		}
	}

	if d.cfg.Indicator.Enabled {
		d.statusLED.SetPattern(indicator.SlowFlash)
		spawn(d.leds.Run)
	}
	if d.cfg.Indicator.Enabled || d.busFailed {
		spawn(d.supervise)
	}

	<-ctx.Done()
	d.logger.Info("shutting down")

	if d.status != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.status.Shutdown(shutdownCtx); err != nil {
			d.logger.Warn("status api shutdown", slog.String("error", err.Error()))
		}
		done()
	}
	wg.Wait()
	if d.bus != nil {
		d.bus.Close()
	}

	d.logger.Info("stopped",
		slog.Uint64("syslog_recorded", d.queue.Recorded()),
		slog.Uint64("syslog_dropped", d.queue.Dropped()))
	return firstErr
}
