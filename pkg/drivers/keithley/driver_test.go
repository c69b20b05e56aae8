package keithley

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"psu/pkg/drivers/psu_simulator"
	"psu/pkg/psu"
	"psu/pkg/scpi"
	"psu/pkg/telemetry"
	"psu/pkg/visa"
)

func newTestDriver(t *testing.T) (*Driver, *psu_simulator.Simulator) {
	t.Helper()

	db, err := bolt.Open(filepath.Join(t.TempDir(), "test.db"), 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	driver, err := NewDriver(0, db, nil, log.WithField("device", "test"))
	require.NoError(t, err)
	t.Cleanup(driver.Close)

	sim := psu_simulator.New()
	driver.dial = sim.Dial

	return driver, sim
}

func TestConnectIdentifiesInstrument(t *testing.T) {
	driver, _ := newTestDriver(t)

	require.NoError(t, driver.Connect())
	assert.True(t, driver.Connected())

	status := driver.Status()
	assert.Equal(t, psu.StateConnected, status.State)
	assert.Equal(t, "Keithley Instruments 2230G-30-1", status.DeviceInfo)
	assert.NotEmpty(t, status.SessionID)
}

func TestConnectAlreadyConnected(t *testing.T) {
	driver, _ := newTestDriver(t)

	require.NoError(t, driver.Connect())
	assert.ErrorIs(t, driver.Connect(), psu.ErrAlreadyConnected)
}

func TestConnectReadsBackOutputStates(t *testing.T) {
	driver, sim := newTestDriver(t)

	// Channel 2 was left energized by a previous controller.
	sim.SetOutput(2, true)

	require.NoError(t, driver.Connect())

	status := driver.Status()
	assert.Equal(t, []bool{false, true, false}, status.OutputStates)
	assert.True(t, status.OutputState)
}

func TestApplySettingsCommandOrder(t *testing.T) {
	driver, sim := newTestDriver(t)
	require.NoError(t, driver.Connect())
	sim.ClearCommands()

	err := driver.ApplySettings(scpi.ChannelSettings{
		Channel:      2,
		VoltageLimit: 10,
		Voltage:      5,
		Current:      0.5,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"INST:NSEL 2",
		"SOUR:VOLT:LIM 10",
		"SOUR:VOLT:LIM:STAT ON",
		"SOUR:VOLT 5",
		"SOUR:CURR 0.5",
	}, sim.Commands())

	ch := sim.Channel(2)
	assert.Equal(t, 10.0, ch.VoltageLimit)
	assert.Equal(t, 5.0, ch.Voltage)
	assert.Equal(t, 0.5, ch.Current)
	assert.True(t, ch.LimitOn)
}

// Settings that fail validation must never produce instrument traffic.
func TestApplySettingsLimitExceeded(t *testing.T) {
	driver, sim := newTestDriver(t)
	require.NoError(t, driver.Connect())
	sim.ClearCommands()

	err := driver.ApplySettings(scpi.ChannelSettings{
		Channel:      1,
		VoltageLimit: 20,
		Voltage:      25,
		Current:      1,
	})
	assert.ErrorIs(t, err, scpi.ErrLimitExceeded)
	assert.Empty(t, sim.Commands())
}

func TestApplySettingsInvalid(t *testing.T) {
	driver, sim := newTestDriver(t)
	require.NoError(t, driver.Connect())
	sim.ClearCommands()

	tests := []struct {
		name        string
		settings    scpi.ChannelSettings
		expectedErr error
	}{
		{
			name:        "invalid channel",
			settings:    scpi.ChannelSettings{Channel: 5, VoltageLimit: 10, Voltage: 5, Current: 1},
			expectedErr: scpi.ErrInvalidChannel,
		},
		{
			name:        "negative current",
			settings:    scpi.ChannelSettings{Channel: 1, VoltageLimit: 10, Voltage: 5, Current: -1},
			expectedErr: scpi.ErrOutOfRange,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, driver.ApplySettings(tc.settings), tc.expectedErr)
			assert.Empty(t, sim.Commands())
		})
	}
}

func TestApplySettingsNotConnected(t *testing.T) {
	driver, _ := newTestDriver(t)

	err := driver.ApplySettings(scpi.ChannelSettings{
		Channel: 1, VoltageLimit: 10, Voltage: 5, Current: 1,
	})
	assert.ErrorIs(t, err, psu.ErrNotConnected)
}

func TestSetOutputWhileDisconnected(t *testing.T) {
	driver, _ := newTestDriver(t)

	assert.ErrorIs(t, driver.SetOutput(3, true), psu.ErrNotConnected)
}

func TestSetOutputReadback(t *testing.T) {
	driver, sim := newTestDriver(t)
	require.NoError(t, driver.Connect())

	require.NoError(t, driver.SetOutput(3, true))
	assert.True(t, sim.Channel(3).Output)
	assert.Equal(t, []bool{false, false, true}, driver.Status().OutputStates)

	require.NoError(t, driver.SetOutput(3, false))
	assert.False(t, sim.Channel(3).Output)
	assert.False(t, driver.Status().OutputState)
}

func TestSetOutputInvalidChannel(t *testing.T) {
	driver, _ := newTestDriver(t)
	require.NoError(t, driver.Connect())

	assert.ErrorIs(t, driver.SetOutput(0, true), scpi.ErrInvalidChannel)
	assert.ErrorIs(t, driver.SetOutput(4, true), scpi.ErrInvalidChannel)
}

func TestSetOutputAll(t *testing.T) {
	driver, sim := newTestDriver(t)
	require.NoError(t, driver.Connect())

	require.NoError(t, driver.SetOutputAll(true))
	for ch := 1; ch <= scpi.ChannelCount; ch++ {
		assert.True(t, sim.Channel(ch).Output, "channel %d", ch)
	}
	assert.Equal(t, []bool{true, true, true}, driver.Status().OutputStates)
}

// Disconnect must de-energize every channel before the session closes.
func TestDisconnectTurnsAllOutputsOff(t *testing.T) {
	driver, sim := newTestDriver(t)
	require.NoError(t, driver.Connect())
	require.NoError(t, driver.SetOutputAll(true))

	sim.ClearCommands()
	require.NoError(t, driver.Disconnect())

	assert.Equal(t, []string{
		"INST:NSEL 1", "OUTP OFF",
		"INST:NSEL 2", "OUTP OFF",
		"INST:NSEL 3", "OUTP OFF",
	}, sim.Commands())

	for ch := 1; ch <= scpi.ChannelCount; ch++ {
		assert.False(t, sim.Channel(ch).Output, "channel %d", ch)
	}
	assert.True(t, sim.Closed())
	assert.Equal(t, psu.StateDisconnected, driver.Status().State)

	assert.ErrorIs(t, driver.Disconnect(), psu.ErrNotConnected)
}

func TestTransportFailureEntersErrorState(t *testing.T) {
	driver, sim := newTestDriver(t)
	require.NoError(t, driver.Connect())

	sim.SetError(visa.ErrTimeout)
	err := driver.ApplySettings(scpi.ChannelSettings{
		Channel: 1, VoltageLimit: 10, Voltage: 5, Current: 1,
	})
	assert.ErrorIs(t, err, visa.ErrTimeout)
	assert.Equal(t, psu.StateError, driver.Status().State)
	assert.False(t, driver.Connected())
}

// The shutdown-all-outputs step runs even when disconnect is entered
// from the error state.
func TestDisconnectFromErrorState(t *testing.T) {
	driver, sim := newTestDriver(t)
	require.NoError(t, driver.Connect())
	require.NoError(t, driver.SetOutput(1, true))

	sim.SetError(visa.ErrTimeout)
	require.Error(t, driver.ApplySettings(scpi.ChannelSettings{
		Channel: 1, VoltageLimit: 10, Voltage: 5, Current: 1,
	}))
	require.Equal(t, psu.StateError, driver.Status().State)

	// The transport recovers just before disconnect; the off commands
	// must go through.
	sim.SetError(nil)
	sim.ClearCommands()
	require.NoError(t, driver.Disconnect())

	assert.Contains(t, sim.Commands(), "OUTP OFF")
	assert.False(t, sim.Channel(1).Output)
	assert.Equal(t, psu.StateDisconnected, driver.Status().State)
}

// When the transport stays broken, disconnect still attempts the off
// commands and closes the session instead of giving up.
func TestDisconnectWithBrokenTransport(t *testing.T) {
	driver, sim := newTestDriver(t)
	require.NoError(t, driver.Connect())

	sim.SetError(visa.ErrUnreachable)
	require.Error(t, driver.SetOutput(1, true))

	require.NoError(t, driver.Disconnect())
	assert.Equal(t, psu.StateDisconnected, driver.Status().State)
}

func TestReconnectAfterError(t *testing.T) {
	driver, sim := newTestDriver(t)
	require.NoError(t, driver.Connect())
	first := driver.Status().SessionID

	sim.SetError(visa.ErrTimeout)
	require.Error(t, driver.SetOutput(1, true))
	sim.SetError(nil)

	require.NoError(t, driver.Connect())
	assert.True(t, driver.Connected())
	assert.NotEqual(t, first, driver.Status().SessionID)
}

func TestSelectChannel(t *testing.T) {
	driver, _ := newTestDriver(t)

	require.NoError(t, driver.SelectChannel(2))
	assert.Equal(t, 2, driver.Status().ActiveChannel)

	assert.ErrorIs(t, driver.SelectChannel(9), scpi.ErrInvalidChannel)
}

func TestSetAddress(t *testing.T) {
	driver, _ := newTestDriver(t)

	require.NoError(t, driver.SetAddress("10.0.0.7:5025"))

	cfg, err := driver.store.GetConfig()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.7:5025", cfg.Address)

	assert.Error(t, driver.SetAddress("not-an-address"))
}

func TestMonitorCollectsReadings(t *testing.T) {
	driver, _ := newTestDriver(t)

	cfg, err := driver.store.GetConfig()
	require.NoError(t, err)
	cfg.MonitorInterval = 5
	require.NoError(t, driver.store.SetConfig(cfg))

	require.NoError(t, driver.Connect())
	require.NoError(t, driver.ApplySettings(scpi.ChannelSettings{
		Channel: 1, VoltageLimit: 10, Voltage: 5, Current: 1,
	}))
	require.NoError(t, driver.SetOutput(1, true))

	require.Eventually(t, func() bool {
		return len(driver.Readings(1)) > 0
	}, time.Second, 10*time.Millisecond)

	readings := driver.Readings(1)
	assert.Equal(t, 5.0, readings[len(readings)-1].Voltage)
	assert.Equal(t, 1, readings[len(readings)-1].Channel)

	// The monitor stops with the session.
	require.NoError(t, driver.Disconnect())
	driver.ClearReadings()
	assert.Empty(t, driver.Readings(1))
}

// stalledPublisher blocks every state publish until release is closed.
type stalledPublisher struct {
	release chan struct{}

	mu     sync.Mutex
	states []string
	closed bool
}

func (p *stalledPublisher) PublishSample(telemetry.Sample) {}

func (p *stalledPublisher) PublishState(state string, outputs []bool) {
	<-p.release
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states = append(p.states, state)
}

func (p *stalledPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func (p *stalledPublisher) published() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.states)
}

// A broker that stops accepting publishes must not stall instrument
// operations, which share the driver lock.
func TestStalledBrokerDoesNotBlockDriver(t *testing.T) {
	driver, _ := newTestDriver(t)
	require.NoError(t, driver.Connect())

	pub := &stalledPublisher{release: make(chan struct{})}
	driver.mu.Lock()
	driver.publisher = pub
	driver.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- driver.SetOutput(1, true) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("output toggle stalled behind the telemetry publish")
	}

	statusDone := make(chan psu.Status, 1)
	go func() { statusDone <- driver.Status() }()
	select {
	case status := <-statusDone:
		assert.True(t, status.OutputStates[0])
	case <-time.After(time.Second):
		t.Fatal("status stalled behind the telemetry publish")
	}

	// Once the broker recovers the pending publish lands.
	close(pub.release)
	require.Eventually(t, func() bool {
		return pub.published() > 0
	}, time.Second, 10*time.Millisecond)

	// Disconnect publishes the final state and then shuts the
	// publisher down.
	require.NoError(t, driver.Disconnect())
	require.Eventually(t, func() bool {
		pub.mu.Lock()
		defer pub.mu.Unlock()
		return pub.closed
	}, time.Second, 10*time.Millisecond)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.Equal(t, psu.StateDisconnected, pub.states[len(pub.states)-1])
}

func TestDeviceInfo(t *testing.T) {
	driver, _ := newTestDriver(t)

	info := driver.DeviceInfo()
	assert.Equal(t, "Keithley 2230G", info.Name)
	assert.Equal(t, "PowerSupply", info.Type)

	drv := driver.DriverInfo()
	assert.Equal(t, 1, drv.InterfaceVersion)
}
