package keithley

import "time"

// MQTTConfig configures the optional telemetry broker. An empty
// broker address disables telemetry publishing.
type MQTTConfig struct {
	Broker    string `json:"broker"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	TopicRoot string `json:"topic_root"`
}

// Config holds the driver configuration, persisted in the store.
// Durations are in milliseconds.
type Config struct {
	Address         string `json:"address"`          // host:port or TCPIP resource string
	DialTimeout     int    `json:"dial_timeout"`     // transport dial and I/O deadline
	MonitorInterval int    `json:"monitor_interval"` // voltage sampling period

	MQTTConfig `json:"mqtt"`
}

var defaultConfig = Config{
	Address:         "192.168.1.100:5025",
	DialTimeout:     5000,
	MonitorInterval: 1000,
	MQTTConfig: MQTTConfig{
		TopicRoot: "psu",
	},
}

func (c Config) dialTimeout() time.Duration {
	if c.DialTimeout <= 0 {
		return time.Duration(defaultConfig.DialTimeout) * time.Millisecond
	}
	return time.Duration(c.DialTimeout) * time.Millisecond
}

func (c Config) monitorInterval() time.Duration {
	if c.MonitorInterval <= 0 {
		return time.Duration(defaultConfig.MonitorInterval) * time.Millisecond
	}
	return time.Duration(c.MonitorInterval) * time.Millisecond
}
