package psu

import (
	"fmt"
	"html/template"
	"net/http"
	"strconv"

	log "github.com/sirupsen/logrus"

	"psu/pkg/scpi"
	"psu/pkg/visa"
)

type ServerDescription struct {
	Name                string `json:"ServerName"`
	Manufacturer        string `json:"Manufacturer"`
	ManufacturerVersion string `json:"ManufacturerVersion"`
	Location            string `json:"Location"`
}

// Server exposes the power supply driver over HTTP: the control API
// the web page talks to, plus management and setup endpoints.
type Server struct {
	description ServerDescription
	device      PowerSupply
	resources   *visa.ResourceManager

	db   *store
	tmpl *template.Template
}

func NewServer(description ServerDescription, device PowerSupply, resources *visa.ResourceManager, db *store, tmpl *template.Template) *Server {
	server := Server{
		description: description,
		device:      device,
		resources:   resources,
		db:          db,
		tmpl:        tmpl,
	}

	return &server
}

func (s *Server) AddRoutes() *http.ServeMux {
	r := http.NewServeMux()

	// Management routes
	r.HandleFunc("GET /management/apiversions", s.handleAPIVersions)
	r.HandleFunc("GET /management/v1/description", s.handleDescription)
	r.HandleFunc("GET /management/v1/configureddevices", s.handleConfiguredDevices)

	// Setup forms
	r.HandleFunc("/setup", s.handleSetup)
	devInfo := s.device.DeviceInfo()
	r.HandleFunc(fmt.Sprintf("/setup/v1/powersupply/%d", devInfo.Number), s.device.HandleSetup)

	// Control API
	r.HandleFunc("GET /api/devices", s.handleDevices)
	r.HandleFunc("POST /api/connect", s.handleConnect)
	r.HandleFunc("POST /api/disconnect", s.handleDisconnect)
	r.HandleFunc("POST /api/settings", s.handleSettings)
	r.HandleFunc("POST /api/output", s.handleOutput)
	r.HandleFunc("POST /api/channel/output", s.handleChannelOutput)
	r.HandleFunc("POST /api/set-channel", s.handleSetChannel)
	r.HandleFunc("GET /api/status", s.handleStatus)
	r.HandleFunc("GET /api/readings", s.handleReadings)
	r.HandleFunc("POST /api/clear-data", s.handleClearData)

	// Control page
	r.HandleFunc("GET /{$}", s.handleIndex)

	return r
}

func (s *Server) handleAPIVersions(w http.ResponseWriter, r *http.Request) {
	handleResponse(w, []int{1})
}

func (s *Server) handleDescription(w http.ResponseWriter, r *http.Request) {
	handleResponse(w, s.description)
}

func (s *Server) handleConfiguredDevices(w http.ResponseWriter, r *http.Request) {
	handleResponse(w, []DeviceInfo{s.device.DeviceInfo()})
}

// handleDevices lists the known instrument addresses.
func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	handleResponse(w, s.resources.ListResources())
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address string `json:"device_address"`
	}
	// The address is optional; without it the driver connects to its
	// configured instrument.
	if r.ContentLength > 0 {
		if err := parseRequest(r, &req); err != nil {
			handleError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	if req.Address != "" {
		if err := s.device.SetAddress(req.Address); err != nil {
			handleError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.resources.Add(req.Address)
	}

	if err := s.device.Connect(); err != nil {
		handleDriverError(w, err)
		return
	}

	status := s.device.Status()
	handleResponse(w, map[string]any{
		"device_info": status.DeviceInfo,
		"session_id":  status.SessionID,
	})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.device.Disconnect(); err != nil {
		handleDriverError(w, err)
		return
	}
	handleResponse(w, "disconnected")
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	var settings scpi.ChannelSettings
	if err := parseRequest(r, &settings); err != nil {
		handleError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.device.ApplySettings(settings); err != nil {
		handleDriverError(w, err)
		return
	}
	handleResponse(w, fmt.Sprintf("settings applied to channel %d", settings.Channel))
}

// handleOutput switches the output state of all channels at once.
func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	var req struct {
		State bool `json:"state"`
	}
	if err := parseRequest(r, &req); err != nil {
		handleError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.device.SetOutputAll(req.State); err != nil {
		handleDriverError(w, err)
		return
	}
	handleResponse(w, fmt.Sprintf("all channels output %s", onOff(req.State)))
}

func (s *Server) handleChannelOutput(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Channel int  `json:"channel"`
		State   bool `json:"state"`
	}
	if err := parseRequest(r, &req); err != nil {
		handleError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.device.SetOutput(req.Channel, req.State); err != nil {
		handleDriverError(w, err)
		return
	}
	handleResponse(w, fmt.Sprintf("channel %d output %s", req.Channel, onOff(req.State)))
}

func (s *Server) handleSetChannel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Channel int `json:"channel"`
	}
	if err := parseRequest(r, &req); err != nil {
		handleError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.device.SelectChannel(req.Channel); err != nil {
		handleDriverError(w, err)
		return
	}
	handleResponse(w, map[string]int{"current_channel": req.Channel})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	handleResponse(w, s.device.Status())
}

func (s *Server) handleReadings(w http.ResponseWriter, r *http.Request) {
	channel := s.device.Status().ActiveChannel
	if v := r.URL.Query().Get("channel"); v != "" {
		ch, err := strconv.Atoi(v)
		if err != nil {
			handleError(w, http.StatusBadRequest, fmt.Sprintf("invalid channel: %v", err))
			return
		}
		channel = ch
	}

	readings := s.device.Readings(channel)

	times := make([]string, 0, len(readings))
	voltages := make([]float64, 0, len(readings))
	for _, rd := range readings {
		times = append(times, rd.Time.Format("2006-01-02T15:04:05.000"))
		voltages = append(voltages, rd.Voltage)
	}

	handleResponse(w, map[string]any{
		"time":    times,
		"voltage": voltages,
		"channel": channel,
	})
}

func (s *Server) handleClearData(w http.ResponseWriter, r *http.Request) {
	s.device.ClearReadings()
	handleResponse(w, "readings cleared")
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	data := struct {
		Description ServerDescription
		Device      DeviceInfo
	}{s.description, s.device.DeviceInfo()}

	if err := s.tmpl.ExecuteTemplate(w, "index.html", data); err != nil {
		http.Error(w, "Error rendering template", http.StatusInternalServerError)
		log.Errorf("Error rendering template: %v", err)
	}
}

func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		cfg, err := s.db.GetServerConfig()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.renderSetupForm(w, cfg, false, "")

	case http.MethodPost:
		cfg, err := parseSetupForm(r)
		if err != nil {
			s.renderSetupForm(w, cfg, false, err.Error())
			return
		}

		log.Infof("Setting server config: %+v", cfg)
		if err := s.db.SetServerConfig(cfg); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.renderSetupForm(w, cfg, true, "")

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) renderSetupForm(w http.ResponseWriter, cfg ServerConfig, success bool, err string) {
	data := struct {
		ServerConfig
		Success bool
		Error   string
	}{cfg, success, err}

	if err := s.tmpl.ExecuteTemplate(w, "setup.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func parseSetupForm(r *http.Request) (ServerConfig, error) {
	if err := r.ParseForm(); err != nil {
		return ServerConfig{}, fmt.Errorf("error parsing form: %v", err)
	}

	cfg := defaultServerConfig
	cfg.Location = r.FormValue("location")
	cfg.StaticAddresses = splitAddresses(r.FormValue("addresses"))

	return cfg, nil
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}
