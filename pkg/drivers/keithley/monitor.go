package keithley

import (
	"context"
	"sync"
	"time"

	"psu/pkg/psu"
	"psu/pkg/scpi"
	"psu/pkg/telemetry"
)

const (
	// maxSamples bounds the per-channel reading buffer.
	maxSamples = 100
	// sampleWindow drops readings older than this.
	sampleWindow = 5 * time.Minute
)

// monitor periodically measures the voltage of the active channel
// until the context is cancelled. Sampling stops contributing once
// the driver leaves the connected state, but the loop itself only
// exits on cancel so a reconnect cannot race a stale ticker.
func (d *Driver) monitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sample()
		}
	}
}

func (d *Driver) sample() {
	d.mu.Lock()

	if d.state != connStateConnected {
		d.mu.Unlock()
		return
	}

	channel := d.activeChannel
	if err := d.sendLocked(scpi.SelectChannel(channel)); err != nil {
		d.logger.Errorf("Monitoring error: %v", err)
		d.mu.Unlock()
		return
	}

	reply, err := d.queryLocked(scpi.QueryVoltage)
	if err != nil {
		d.logger.Errorf("Monitoring error: %v", err)
		d.mu.Unlock()
		return
	}

	publisher := d.publisher
	d.mu.Unlock()

	voltage, err := scpi.ParseFloat(reply)
	if err != nil {
		d.logger.Errorf("Monitoring error: %v", err)
		return
	}

	reading := psu.Reading{
		Time:    time.Now(),
		Voltage: voltage,
		Channel: channel,
	}
	d.history.Append(reading)

	if publisher != nil {
		publisher.PublishSample(telemetry.Sample{
			Time:    reading.Time,
			Channel: reading.Channel,
			Voltage: reading.Voltage,
		})
	}
}

// history buffers the most recent voltage readings per channel.
type history struct {
	mu       sync.Mutex
	readings [scpi.ChannelCount][]psu.Reading
}

func newHistory() *history {
	return &history{}
}

func (h *history) Append(r psu.Reading) {
	if r.Channel < 1 || r.Channel > scpi.ChannelCount {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	buf := append(h.readings[r.Channel-1], r)

	// Trim by age, then by count.
	cutoff := r.Time.Add(-sampleWindow)
	for len(buf) > 0 && buf[0].Time.Before(cutoff) {
		buf = buf[1:]
	}
	if len(buf) > maxSamples {
		buf = buf[len(buf)-maxSamples:]
	}

	h.readings[r.Channel-1] = buf
}

func (h *history) Readings(channel int) []psu.Reading {
	if channel < 1 || channel > scpi.ChannelCount {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	buf := h.readings[channel-1]
	out := make([]psu.Reading, len(buf))
	copy(out, buf)
	return out
}

func (h *history) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := range h.readings {
		h.readings[i] = nil
	}
}
