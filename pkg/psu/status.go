package psu

import "time"

// ConnectionState names for the status report.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateError        = "error"
)

// Status is the driver's read-only status report.
type Status struct {
	State         string                 `json:"connection_state"`
	Connected     bool                   `json:"connected"`
	SessionID     string                 `json:"session_id,omitempty"`
	DeviceInfo    string                 `json:"device_info,omitempty"`
	OutputStates  []bool                 `json:"output_states"`
	OutputState   bool                   `json:"output_state"`
	ActiveChannel int                    `json:"current_channel"`
	LastSettings  map[string]interface{} `json:"last_settings,omitempty"`
	Timestamp     string                 `json:"timestamp"`
}

func (s Status) ToProperties() []StateProperty {
	return []StateProperty{
		{"ConnectionState", s.State},
		{"DeviceInfo", s.DeviceInfo},
		{"OutputState", s.OutputState},
		{"CurrentChannel", s.ActiveChannel},
	}
}

// Reading is one voltage sample taken by the monitor loop.
type Reading struct {
	Time    time.Time `json:"time"`
	Voltage float64   `json:"voltage"`
	Channel int       `json:"channel"`
}
