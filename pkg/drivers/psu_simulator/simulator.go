// Package psu_simulator implements an in-process Keithley 2230G that
// speaks the driver's SCPI subset over the visa.Session interface.
// It backs the demo mode of the server and the driver tests.
package psu_simulator

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"psu/pkg/scpi"
	"psu/pkg/visa"
)

const defaultIdentity = "Keithley Instruments, 2230G-30-1, SIM000001, 1.16-1.04"

type channel struct {
	voltageLimit float64
	voltage      float64
	current      float64
	limitOn      bool
	output       bool
}

// Simulator is a simulated triple-channel power supply.
type Simulator struct {
	mu         sync.Mutex
	identity   string
	selected   int
	channels   [scpi.ChannelCount]channel
	transcript []string
	failErr    error
	closed     bool
}

func New() *Simulator {
	return &Simulator{
		identity: defaultIdentity,
		selected: 1,
	}
}

// Dial returns the simulator as an open session, ignoring the
// address. It matches visa.DialFunc so it can replace the TCP
// transport in the driver.
func (s *Simulator) Dial(address string, timeout time.Duration) (visa.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = false
	return s, nil
}

func (s *Simulator) Write(cmd string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkUsable(); err != nil {
		return err
	}
	s.transcript = append(s.transcript, cmd)
	return s.apply(cmd)
}

func (s *Simulator) Query(cmd string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkUsable(); err != nil {
		return "", err
	}
	s.transcript = append(s.transcript, cmd)

	ch := &s.channels[s.selected-1]

	switch cmd {
	case scpi.QueryIdentity:
		return s.identity, nil
	case scpi.QueryOutput:
		if ch.output {
			return "1", nil
		}
		return "0", nil
	case scpi.QueryVoltage:
		// An energized channel measures its set voltage.
		if ch.output {
			return fmt.Sprintf("%.3f", ch.voltage), nil
		}
		return "0.000", nil
	case scpi.QueryCurrent:
		if ch.output {
			return fmt.Sprintf("%.3f", ch.current), nil
		}
		return "0.000", nil
	case scpi.QuerySelectedChannel:
		return strconv.Itoa(s.selected), nil
	case scpi.QuerySystemError:
		return `0,"No error"`, nil
	}

	return "", fmt.Errorf("unknown query: %q", cmd)
}

func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Simulator) checkUsable() error {
	if s.failErr != nil {
		return s.failErr
	}
	if s.closed {
		return fmt.Errorf("session is closed")
	}
	return nil
}

func (s *Simulator) apply(cmd string) error {
	field, value, hasValue := strings.Cut(cmd, " ")
	ch := &s.channels[s.selected-1]

	switch field {
	case "INST:NSEL":
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 || n > scpi.ChannelCount {
			return fmt.Errorf("invalid channel: %q", value)
		}
		s.selected = n
		return nil

	case "SOUR:VOLT:LIM":
		return setFloat(&ch.voltageLimit, value)

	case "SOUR:VOLT:LIM:STAT":
		ch.limitOn = value == "ON"
		return nil

	case "SOUR:VOLT":
		return setFloat(&ch.voltage, value)

	case "SOUR:CURR":
		return setFloat(&ch.current, value)

	case "OUTP":
		switch value {
		case "ON":
			ch.output = true
		case "OFF":
			ch.output = false
		default:
			return fmt.Errorf("invalid output state: %q", value)
		}
		return nil
	}

	if !hasValue {
		return fmt.Errorf("unknown command: %q", cmd)
	}
	return fmt.Errorf("unknown command: %q", field)
}

func setFloat(dst *float64, value string) error {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("invalid value: %q", value)
	}
	*dst = v
	return nil
}

// ChannelState is a snapshot of one simulated channel for assertions.
type ChannelState struct {
	VoltageLimit float64
	Voltage      float64
	Current      float64
	LimitOn      bool
	Output       bool
}

func (s *Simulator) Channel(n int) ChannelState {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := s.channels[n-1]
	return ChannelState{
		VoltageLimit: ch.voltageLimit,
		Voltage:      ch.voltage,
		Current:      ch.current,
		LimitOn:      ch.limitOn,
		Output:       ch.output,
	}
}

// SetOutput presets a channel's output state, for exercising the
// readback a driver performs on connect.
func (s *Simulator) SetOutput(n int, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[n-1].output = on
}

// SetError injects a transport failure: every Write and Query returns
// err until it is cleared with SetError(nil).
func (s *Simulator) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

// Commands returns the commands and queries received so far.
func (s *Simulator) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, len(s.transcript))
	copy(out, s.transcript)
	return out
}

func (s *Simulator) ClearCommands() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript = nil
}

func (s *Simulator) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
