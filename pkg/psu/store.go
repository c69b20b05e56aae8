package psu

import (
	"encoding/json"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	bucket          = "psu"
	serverConfigKey = "server_config"
)

// ServerConfig is the server-level configuration: where the server
// lives and which instrument addresses it should offer for connection.
type ServerConfig struct {
	Location        string   `json:"location"`
	StaticAddresses []string `json:"static_addresses"`
}

var defaultServerConfig = ServerConfig{
	Location: "Lab",
}

type store struct {
	db *bolt.DB
}

// NewStore creates a new store instance and sets default values if they are not already set.
func NewStore(db *bolt.DB) (*store, error) {
	st := store{db: db}

	if err := st.setDefaults(); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *store) setDefaults() error {
	if _, err := s.GetServerConfig(); err != nil {
		log.Infof("Setting default server config")
		return s.SetServerConfig(defaultServerConfig)
	}

	return nil
}

// SetServerConfig saves the server configuration as a json string in the database.
func (s *store) SetServerConfig(cfg ServerConfig) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}

		value, _ := json.Marshal(cfg)
		return b.Put([]byte(serverConfigKey), value)
	})
}

// GetServerConfig retrieves the server configuration from the database.
func (s *store) GetServerConfig() (ServerConfig, error) {
	var cfg ServerConfig

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s not found", bucket)
		}

		value := b.Get([]byte(serverConfigKey))
		if value == nil {
			return fmt.Errorf("key config not found")
		}

		return json.Unmarshal(value, &cfg)
	})

	return cfg, err
}

func splitAddresses(value string) []string {
	var list []string
	for _, addr := range strings.Split(value, ",") {
		addr = strings.TrimSpace(addr)
		if addr != "" {
			list = append(list, addr)
		}
	}
	return list
}
