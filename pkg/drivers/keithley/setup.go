package keithley

import (
	"fmt"
	"net/http"
	"strconv"
)

func (d *Driver) HandleSetup(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		cfg, err := d.store.GetConfig()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		d.renderSetupForm(w, cfg, false, "")

	case http.MethodPost:
		cfg, err := parseSetupForm(r)
		if err != nil {
			d.renderSetupForm(w, cfg, false, err.Error())
			return
		}

		d.logger.Infof("Setting driver config: %+v", cfg)
		if err := d.store.SetConfig(cfg); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		d.renderSetupForm(w, cfg, true, "")

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (d *Driver) renderSetupForm(w http.ResponseWriter, cfg Config, success bool, err string) {
	data := struct {
		Config
		Success bool
		Error   string
	}{cfg, success, err}

	if err := d.tmpl.ExecuteTemplate(w, "keithley_setup.html", data); err != nil {
		http.Error(w, "Error rendering template", http.StatusInternalServerError)
		d.logger.Errorf("Error rendering template: %v", err)
	}
}

func parseSetupForm(r *http.Request) (Config, error) {
	if err := r.ParseForm(); err != nil {
		return Config{}, fmt.Errorf("error parsing form: %v", err)
	}

	cfg := defaultConfig
	cfg.Address = r.FormValue("address")
	cfg.Broker = r.FormValue("mqtt-broker")
	cfg.Username = r.FormValue("mqtt-username")
	cfg.Password = r.FormValue("mqtt-password")
	cfg.TopicRoot = r.FormValue("mqtt-topic-root")

	dialTimeout, err := getFormInt(r, "dial-timeout")
	if err != nil {
		return cfg, err
	}
	monitorInterval, err := getFormInt(r, "monitor-interval")
	if err != nil {
		return cfg, err
	}

	cfg.DialTimeout = dialTimeout
	cfg.MonitorInterval = monitorInterval

	if cfg.Address == "" {
		return cfg, fmt.Errorf("instrument address cannot be empty")
	}

	return cfg, nil
}

func getFormInt(r *http.Request, key string) (int, error) {
	value := r.FormValue(key)
	intValue, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %v", key, err)
	}
	return intValue, nil
}
