package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/edgeo-scada/modbus-gateway/internal/indicator"
)

const superviseInterval = time.Second

// busPattern selects the bus indicator. nil means off.
func busPattern(openFailed bool, newErrors int64) *indicator.Pattern {
	switch {
	case openFailed:
		return indicator.SOS
	case newErrors > 0:
		return indicator.FastFlash
	default:
		return nil
	}
}

// supervise updates the bus indicator once per interval from the serial
// error counter, reopening the serial line while it is unavailable.
func (d *daemon) supervise(ctx context.Context) error {
	ticker := time.NewTicker(superviseInterval)
	defer ticker.Stop()

	var lastErrors int64
	if d.bus != nil {
		lastErrors = d.bus.Metrics().Errors.Value()
	}
	d.applyBusPattern(0)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		d.retryBus()

		var delta int64
		if d.bus != nil {
			cur := d.bus.Metrics().Errors.Value()
			delta, lastErrors = cur-lastErrors, cur
		}
		if delta > 0 {
			d.logger.Debug("serial errors in last interval", slog.Int64("count", delta))
		}
		d.applyBusPattern(delta)
	}
}

func (d *daemon) applyBusPattern(newErrors int64) {
	if !d.cfg.Indicator.Enabled {
		return
	}
	if p := busPattern(d.busFailed, newErrors); p != nil {
		d.busLED.SetPattern(p)
		return
	}
	d.busLED.Off()
}

// retryBus reopens a serial line that failed to open at startup.
func (d *daemon) retryBus() {
	if !d.busFailed || d.openBus == nil {
		return
	}
	if err := d.openBus(); err != nil {
		d.logger.Debug("serial line still unavailable", slog.String("error", err.Error()))
		return
	}
	d.logger.Info("serial line recovered")
	d.busFailed = false
}
