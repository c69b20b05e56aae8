// Package keithley drives a Keithley 2230G triple-channel power
// supply over a SCPI transport session. It owns the connection
// lifecycle and guarantees that no channel is left energized once the
// driver loses visibility into the instrument.
package keithley

import (
	"context"
	"fmt"
	"html/template"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"psu/pkg/psu"
	"psu/pkg/scpi"
	"psu/pkg/telemetry"
	"psu/pkg/visa"
)

const (
	deviceUID     = "89a2dbe6-4c3f-4f77-9c44-1f1f5f0a2230"
	deviceName    = "Keithley 2230G"
	deviceType    = "PowerSupply"
	driverName    = "Keithley 2230G Driver"
	driverVersion = "1.0"
)

// telemetryClient is the slice of telemetry.Publisher the driver uses.
type telemetryClient interface {
	PublishSample(s telemetry.Sample)
	PublishState(state string, outputs []bool)
	Close()
}

type connState int

const (
	connStateDisconnected connState = iota
	connStateConnecting
	connStateConnected
	connStateError
)

func (s connState) String() string {
	switch s {
	case connStateConnecting:
		return psu.StateConnecting
	case connStateConnected:
		return psu.StateConnected
	case connStateError:
		return psu.StateError
	}
	return psu.StateDisconnected
}

// Driver represents the Keithley 2230G power supply driver.
type Driver struct {
	number int                // Driver number
	store  *store             // Configuration store
	tmpl   *template.Template // HTML template for rendering the setup form
	logger log.FieldLogger
	dial   visa.DialFunc // Transport opener, replaceable for tests

	mu     sync.Mutex
	state  connState
	config Config

	// The session, telemetry publisher and monitor goroutine exist
	// only while the driver is connected.
	session   visa.Session
	sessionID string
	identity  scpi.Identity
	publisher telemetryClient
	cancel    context.CancelFunc

	outputs       [scpi.ChannelCount]bool
	lastSettings  *scpi.ChannelSettings
	activeChannel int
	history       *history
}

func NewDriver(number int, db *bolt.DB, tmpl *template.Template, logger log.FieldLogger) (*Driver, error) {
	store, err := NewStore(db)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %v", err)
	}

	driver := Driver{
		number:        number,
		store:         store,
		tmpl:          tmpl,
		logger:        logger,
		dial:          visa.Dial,
		state:         connStateDisconnected,
		activeChannel: 1,
		history:       newHistory(),
	}

	return &driver, nil
}

// SetDialFunc replaces the transport opener, for running against the
// simulated instrument. Call it before Connect.
func (d *Driver) SetDialFunc(dial visa.DialFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dial = dial
}

func (d *Driver) Close() {
	d.logger.Info("Closing Keithley driver")

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == connStateDisconnected {
		return
	}
	if err := d.disconnectLocked(); err != nil {
		d.logger.Errorf("failed to disconnect: %v", err)
	}
}

// Connect opens the transport session, identifies the instrument and
// reads back the output state of every channel before reporting the
// driver as connected.
func (d *Driver) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == connStateConnected || d.state == connStateConnecting {
		return psu.ErrAlreadyConnected
	}

	// A reconnect from the error state first runs the normal
	// disconnect path so the broken session is shut down safely.
	if d.state == connStateError {
		if err := d.disconnectLocked(); err != nil {
			d.logger.Warnf("cleanup of failed session: %v", err)
		}
	}

	config, err := d.store.GetConfig()
	if err != nil {
		return fmt.Errorf("failed to get driver config: %v", err)
	}
	d.config = config

	d.state = connStateConnecting

	session, err := d.dial(config.Address, config.dialTimeout())
	if err != nil {
		d.state = connStateDisconnected
		return fmt.Errorf("failed to open session to %s: %w", config.Address, err)
	}

	identity, err := d.identify(session)
	if err != nil {
		session.Close()
		d.state = connStateDisconnected
		return err
	}

	// Read back the output state of all channels so the driver does
	// not start with a stale view of an already energized supply.
	outputs, err := readOutputs(session)
	if err != nil {
		session.Close()
		d.state = connStateDisconnected
		return err
	}

	d.session = session
	d.identity = identity
	d.outputs = outputs
	d.sessionID = uuid.NewString()
	d.lastSettings = nil
	d.activeChannel = 1

	if config.Broker != "" {
		pub, err := telemetry.NewPublisher(telemetry.Config{
			Broker:    config.Broker,
			Username:  config.Username,
			Password:  config.Password,
			TopicRoot: config.TopicRoot,
		}, d.logger)
		if err != nil {
			// Telemetry is auxiliary; a down broker must not keep the
			// instrument unreachable.
			d.logger.Warnf("telemetry disabled: %v", err)
		} else {
			d.publisher = pub
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	go d.monitor(ctx, config.monitorInterval())

	d.state = connStateConnected
	d.publishStateLocked()

	d.logger.WithField("session", d.sessionID).Infof("Connected to %s", identity)

	return nil
}

func (d *Driver) identify(session visa.Session) (scpi.Identity, error) {
	reply, err := session.Query(scpi.QueryIdentity)
	if err != nil {
		return scpi.Identity{}, fmt.Errorf("identification failed: %w", err)
	}
	return scpi.ParseIdentity(reply)
}

// readOutputs queries the output state of every channel.
func readOutputs(session visa.Session) ([scpi.ChannelCount]bool, error) {
	var outputs [scpi.ChannelCount]bool

	for ch := 1; ch <= scpi.ChannelCount; ch++ {
		if err := session.Write(scpi.SelectChannel(ch)); err != nil {
			return outputs, err
		}
		reply, err := session.Query(scpi.QueryOutput)
		if err != nil {
			return outputs, err
		}
		on, err := scpi.ParseBool(reply)
		if err != nil {
			return outputs, err
		}
		outputs[ch-1] = on
	}

	return outputs, nil
}

// Disconnect shuts down the session. All channel outputs are switched
// off before the session is closed, so the supply is never left
// energized without a controller attached. This holds for the error
// path as well.
func (d *Driver) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == connStateDisconnected {
		return psu.ErrNotConnected
	}
	return d.disconnectLocked()
}

func (d *Driver) disconnectLocked() error {
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}

	if d.session != nil {
		// Best effort: when disconnect runs because the transport
		// already failed, the off commands may fail too. Each channel
		// is still attempted before the session goes away.
		for ch := 1; ch <= scpi.ChannelCount; ch++ {
			for _, cmd := range scpi.OutputCommands(ch, false) {
				if err := d.session.Write(cmd); err != nil {
					d.logger.Warnf("output off for channel %d: %v", ch, err)
					break
				}
			}
			d.outputs[ch-1] = false
		}

		if err := d.session.Close(); err != nil {
			d.logger.Warnf("closing session: %v", err)
		}
		d.session = nil
	}

	d.state = connStateDisconnected
	d.sessionID = ""
	d.identity = scpi.Identity{}
	d.lastSettings = nil

	if d.publisher != nil {
		// Publish the final state before shutting the publisher down,
		// off the lock so a broken broker cannot delay the disconnect.
		pub := d.publisher
		d.publisher = nil
		state := d.state.String()
		outputs := make([]bool, scpi.ChannelCount)
		copy(outputs, d.outputs[:])
		go func() {
			pub.PublishState(state, outputs)
			pub.Close()
		}()
	}

	d.logger.Info("Disconnected from instrument")
	return nil
}

// ApplySettings validates the requested operating point and, only if
// it passes, sends the command sequence to the instrument. Invalid
// settings never reach the transport.
func (d *Driver) ApplySettings(settings scpi.ChannelSettings) error {
	if err := scpi.Validate(settings); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != connStateConnected {
		return psu.ErrNotConnected
	}

	if err := d.sendLocked(scpi.SettingsCommands(settings)...); err != nil {
		return err
	}

	d.lastSettings = &settings
	d.logger.Infof("Applied settings: CH%d V=%gV I=%gA (limit %gV)",
		settings.Channel, settings.Voltage, settings.Current, settings.VoltageLimit)

	return nil
}

// SetOutput switches one channel's output and reads the state back
// from the instrument rather than trusting the command took effect.
func (d *Driver) SetOutput(channel int, on bool) error {
	if channel < 1 || channel > scpi.ChannelCount {
		return fmt.Errorf("%w: channel %d", scpi.ErrInvalidChannel, channel)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	return d.setOutputLocked(channel, on)
}

func (d *Driver) setOutputLocked(channel int, on bool) error {
	if d.state != connStateConnected {
		return psu.ErrNotConnected
	}

	if err := d.sendLocked(scpi.OutputCommands(channel, on)...); err != nil {
		return err
	}

	reply, err := d.queryLocked(scpi.QueryOutput)
	if err != nil {
		return err
	}
	actual, err := scpi.ParseBool(reply)
	if err != nil {
		return err
	}

	d.outputs[channel-1] = actual
	d.logger.Infof("Channel %d output %v", channel, actual)
	d.publishStateLocked()

	return nil
}

// SetOutputAll switches the output of every channel, mirroring the
// single master output control of the front panel.
func (d *Driver) SetOutputAll(on bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for ch := 1; ch <= scpi.ChannelCount; ch++ {
		if err := d.setOutputLocked(ch, on); err != nil {
			return fmt.Errorf("channel %d: %w", ch, err)
		}
	}
	return nil
}

// SelectChannel picks the channel the monitor loop samples.
func (d *Driver) SelectChannel(channel int) error {
	if channel < 1 || channel > scpi.ChannelCount {
		return fmt.Errorf("%w: channel %d", scpi.ErrInvalidChannel, channel)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.activeChannel = channel
	return nil
}

// SetAddress persists a new instrument address for the next connect.
func (d *Driver) SetAddress(address string) error {
	if _, err := visa.ParseResource(address); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	cfg, err := d.store.GetConfig()
	if err != nil {
		return fmt.Errorf("failed to get driver config: %v", err)
	}
	cfg.Address = address
	d.config = cfg
	return d.store.SetConfig(cfg)
}

// sendLocked writes commands to the session. A transport failure
// flips the driver into the error state; an explicit reconnect is
// required afterwards.
func (d *Driver) sendLocked(commands ...string) error {
	for _, cmd := range commands {
		d.logger.Debugf("Sending command: %s", cmd)
		if err := d.session.Write(cmd); err != nil {
			d.state = connStateError
			d.publishStateLocked()
			return fmt.Errorf("command %q: %w", cmd, err)
		}
	}
	return nil
}

func (d *Driver) queryLocked(query string) (string, error) {
	d.logger.Debugf("Sending query: %s", query)
	reply, err := d.session.Query(query)
	if err != nil {
		d.state = connStateError
		d.publishStateLocked()
		return "", fmt.Errorf("query %q: %w", query, err)
	}
	return reply, nil
}

// publishStateLocked snapshots the state under the lock and publishes
// it asynchronously. A slow or flapping broker must never stall a
// driver operation.
func (d *Driver) publishStateLocked() {
	if d.publisher == nil {
		return
	}

	pub := d.publisher
	state := d.state.String()
	outputs := make([]bool, scpi.ChannelCount)
	copy(outputs, d.outputs[:])

	go pub.PublishState(state, outputs)
}

func (d *Driver) Connecting() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == connStateConnecting
}

func (d *Driver) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == connStateConnected
}

// Status reports the driver's view of the instrument.
func (d *Driver) Status() psu.Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	status := psu.Status{
		State:         d.state.String(),
		Connected:     d.state == connStateConnected,
		SessionID:     d.sessionID,
		OutputStates:  make([]bool, scpi.ChannelCount),
		ActiveChannel: d.activeChannel,
		Timestamp:     time.Now().Format(time.RFC3339),
	}

	copy(status.OutputStates, d.outputs[:])
	for _, on := range d.outputs {
		status.OutputState = status.OutputState || on
	}

	if d.state == connStateConnected || d.state == connStateError {
		status.DeviceInfo = d.identity.String()
	}

	if d.lastSettings != nil {
		status.LastSettings = map[string]interface{}{
			"channel":       d.lastSettings.Channel,
			"voltage_limit": d.lastSettings.VoltageLimit,
			"voltage_set":   d.lastSettings.Voltage,
			"current":       d.lastSettings.Current,
		}
	}

	return status
}

func (d *Driver) GetState() []psu.StateProperty {
	props := []psu.StateProperty{
		{
			Name:  "TimeStamp",
			Value: time.Now().Format(time.RFC3339),
		},
	}

	if d.Connected() {
		props = append(props, d.Status().ToProperties()...)
	}

	return props
}

// Readings returns the buffered voltage samples for a channel.
func (d *Driver) Readings(channel int) []psu.Reading {
	return d.history.Readings(channel)
}

func (d *Driver) ClearReadings() {
	d.history.Clear()
}

func (d *Driver) DeviceInfo() psu.DeviceInfo {
	return psu.DeviceInfo{
		Name:     deviceName,
		Type:     deviceType,
		Number:   d.number,
		UniqueID: deviceUID,
	}
}

func (d *Driver) DriverInfo() psu.DriverInfo {
	return psu.DriverInfo{
		Name:             driverName,
		Version:          driverVersion,
		InterfaceVersion: 1,
	}
}
