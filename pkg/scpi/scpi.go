// Package scpi builds and parses the SCPI command subset of the
// Keithley 2230G triple-channel power supply. It is pure: no I/O
// happens here, only string building and strict reply parsing.
package scpi

import (
	"fmt"
	"strconv"
	"strings"
)

// ChannelCount is the number of output channels on the 2230G.
const ChannelCount = 3

// Instrument hard limits for the 2230G-30-1 model.
const (
	MaxVoltage = 30.0 // Volts
	MaxCurrent = 5.0  // Amperes
)

// Query commands.
const (
	QueryIdentity        = "*IDN?"
	QueryVoltage         = "MEAS:VOLT?"
	QueryCurrent         = "MEAS:CURR?"
	QueryOutput          = "OUTP?"
	QuerySelectedChannel = "INST:NSEL?"
	QuerySystemError     = "SYST:ERR?"
)

// ChannelSettings is one channel's requested operating point.
type ChannelSettings struct {
	Channel      int     `json:"channel"`
	VoltageLimit float64 `json:"voltage_limit"`
	Voltage      float64 `json:"voltage_set"`
	Current      float64 `json:"current"`
}

// Identity holds the fields of a *IDN? reply.
type Identity struct {
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	Serial       string `json:"serial"`
	Firmware     string `json:"firmware"`
}

func (id Identity) String() string {
	if id.Model == "" {
		return id.Manufacturer
	}
	return id.Manufacturer + " " + id.Model
}

// SelectChannel returns the channel-select command. Every command
// sequence starts with one of these so commands cannot be misapplied
// to whichever channel the instrument last had selected.
func SelectChannel(ch int) string {
	return fmt.Sprintf("INST:NSEL %d", ch)
}

func SetVoltageLimit(volts float64) string {
	return fmt.Sprintf("SOUR:VOLT:LIM %g", volts)
}

func SetVoltage(volts float64) string {
	return fmt.Sprintf("SOUR:VOLT %g", volts)
}

func SetCurrent(amps float64) string {
	return fmt.Sprintf("SOUR:CURR %g", amps)
}

func SetOutput(on bool) string {
	if on {
		return "OUTP ON"
	}
	return "OUTP OFF"
}

// EnableVoltageLimit turns on enforcement of the previously set limit.
const EnableVoltageLimit = "SOUR:VOLT:LIM:STAT ON"

// SettingsCommands returns the command sequence that applies the given
// settings: channel select, voltage limit, limit enforcement, voltage,
// current, in that order. The settings must have been validated first.
func SettingsCommands(s ChannelSettings) []string {
	return []string{
		SelectChannel(s.Channel),
		SetVoltageLimit(s.VoltageLimit),
		EnableVoltageLimit,
		SetVoltage(s.Voltage),
		SetCurrent(s.Current),
	}
}

// OutputCommands returns the command sequence that switches one
// channel's output on or off.
func OutputCommands(ch int, on bool) []string {
	return []string{
		SelectChannel(ch),
		SetOutput(on),
	}
}

// ParseFloat parses a numeric instrument reply such as "5.000" or
// "+2.500000E+00".
func ParseFloat(reply string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(reply), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: not a number: %q", ErrMalformedResponse, reply)
	}
	return v, nil
}

// ParseBool parses an output-state reply. The 2230G answers OUTP? with
// "0" or "1"; ON/OFF are accepted as well.
func ParseBool(reply string) (bool, error) {
	switch strings.ToUpper(strings.TrimSpace(reply)) {
	case "0", "OFF":
		return false, nil
	case "1", "ON":
		return true, nil
	}
	return false, fmt.Errorf("%w: not a boolean: %q", ErrMalformedResponse, reply)
}

// ParseChannel parses an INST:NSEL? reply. The instrument answers with
// the bare channel number; the "CH<n>" form is accepted as well.
func ParseChannel(reply string) (int, error) {
	s := strings.ToUpper(strings.TrimSpace(reply))
	s = strings.TrimPrefix(s, "CH")

	ch, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: not a channel: %q", ErrMalformedResponse, reply)
	}
	if ch < 1 || ch > ChannelCount {
		return 0, fmt.Errorf("%w: channel %d", ErrInvalidChannel, ch)
	}
	return ch, nil
}

// ParseIdentity parses a *IDN? reply of the form
// "Keithley Instruments, 2230G-30-1, 9203269, 1.16-1.04".
func ParseIdentity(reply string) (Identity, error) {
	fields := strings.Split(strings.TrimSpace(reply), ",")
	if len(fields) != 4 {
		return Identity{}, fmt.Errorf("%w: bad identity field count: %q", ErrMalformedResponse, reply)
	}

	for i, f := range fields {
		fields[i] = strings.TrimSpace(f)
	}

	return Identity{
		Manufacturer: fields[0],
		Model:        fields[1],
		Serial:       fields[2],
		Firmware:     fields[3],
	}, nil
}
