package psu

import (
	"errors"
	"net/http"

	"psu/pkg/scpi"
)

var (
	ErrNotConnected     = errors.New("device is not connected")
	ErrAlreadyConnected = errors.New("device is already connected")
)

type DeviceInfo struct {
	Name        string `json:"DeviceName"`
	Description string `json:"-"`
	Type        string `json:"DeviceType"`
	Number      int    `json:"DeviceNumber"`
	UniqueID    string `json:"UniqueID"`
}

type DriverInfo struct {
	Name             string
	Version          string
	InterfaceVersion int
}

type StateProperty struct {
	Name  string
	Value interface{}
}

type Device interface {
	DeviceInfo() DeviceInfo
	DriverInfo() DriverInfo
	GetState() []StateProperty

	Connected() bool
	Connecting() bool
	Connect() error
	Disconnect() error
}

// PowerSupply is the control surface the HTTP server exposes for a
// multi-channel power supply driver.
type PowerSupply interface {
	Device

	// SetAddress selects the instrument address used by the next
	// Connect and persists it in the driver configuration.
	SetAddress(address string) error

	ApplySettings(scpi.ChannelSettings) error
	SetOutput(channel int, on bool) error
	SetOutputAll(on bool) error
	SelectChannel(channel int) error

	Status() Status
	Readings(channel int) []Reading
	ClearReadings()

	HandleSetup(w http.ResponseWriter, r *http.Request)
}
