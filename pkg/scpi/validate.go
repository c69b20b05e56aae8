package scpi

import "fmt"

// Validate checks a channel's requested operating point against the
// instrument's constraints. It has no side effects; callers must not
// send any command for settings that fail validation.
func Validate(s ChannelSettings) error {
	if s.Channel < 1 || s.Channel > ChannelCount {
		return fmt.Errorf("%w: channel %d", ErrInvalidChannel, s.Channel)
	}
	if s.VoltageLimit < 0 || s.VoltageLimit > MaxVoltage {
		return fmt.Errorf("%w: voltage limit %g V", ErrOutOfRange, s.VoltageLimit)
	}
	if s.Voltage < 0 || s.Voltage > MaxVoltage {
		return fmt.Errorf("%w: voltage %g V", ErrOutOfRange, s.Voltage)
	}
	if s.Current < 0 || s.Current > MaxCurrent {
		return fmt.Errorf("%w: current %g A", ErrOutOfRange, s.Current)
	}
	if s.Voltage > s.VoltageLimit {
		return fmt.Errorf("%w: %g V > %g V", ErrLimitExceeded, s.Voltage, s.VoltageLimit)
	}
	return nil
}
