package collab

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const ConfigEnv = "COLLAB_CONFIG"

// Config is the file configuration for a collaboration session.
// Durations are Go duration strings, e.g. "5s". Fields missing from the file keep their defaults.
type Config struct {
	Broker    BrokerConfig    `yaml:"broker"`
	Documents DocumentsConfig `yaml:"documents"`
	Api       ApiConfig       `yaml:"api"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type BrokerConfig struct {
	// STOMP over WebSocket endpoint
	Url               string `yaml:"url"`
	PubPrefix         string `yaml:"pub_prefix"`
	SubPrefix         string `yaml:"sub_prefix"`
	ConnectTimeout    string `yaml:"connect_timeout"`
	ReconnectTimeout  string `yaml:"reconnect_timeout"`
	HeartbeatOutgoing string `yaml:"heartbeat_outgoing"`
	HeartbeatIncoming string `yaml:"heartbeat_incoming"`
	SendBufferSize    int    `yaml:"send_buffer_size"`
}

type DocumentsConfig struct {
	// the docservice relay endpoint. Empty uses an in-process hub.
	Url           string `yaml:"url"`
	Kind          string `yaml:"kind"`
	AttachTimeout string `yaml:"attach_timeout"`
	UpdateTimeout string `yaml:"update_timeout"`
}

type ApiConfig struct {
	Url string `yaml:"url"`
}

type MetricsConfig struct {
	// empty disables the metrics listener
	Addr string `yaml:"addr"`
}

func DefaultConfig() *Config {
	transportSettings := DefaultTransportSettings()
	syncSettings := DefaultSyncSettings()
	return &Config{
		Broker: BrokerConfig{
			Url:               "ws://localhost:8080/ws",
			PubPrefix:         transportSettings.Destinations.PubPrefix,
			SubPrefix:         transportSettings.Destinations.SubPrefix,
			ConnectTimeout:    transportSettings.ConnectTimeout.String(),
			ReconnectTimeout:  transportSettings.ReconnectTimeout.String(),
			HeartbeatOutgoing: transportSettings.HeartbeatOutgoing.String(),
			HeartbeatIncoming: transportSettings.HeartbeatIncoming.String(),
			SendBufferSize:    transportSettings.SendBufferSize,
		},
		Documents: DocumentsConfig{
			Kind:          syncSettings.DocumentKind,
			AttachTimeout: syncSettings.AttachTimeout.String(),
			UpdateTimeout: syncSettings.UpdateTimeout.String(),
		},
		Api: ApiConfig{
			Url: "http://localhost:8080",
		},
	}
}

// loads the file named by `COLLAB_CONFIG`, or the defaults when it is not set
func LoadConfigFromEnv() (*Config, error) {
	path := os.Getenv(ConfigEnv)
	if path == "" {
		return DefaultConfig(), nil
	}
	return LoadConfig(path)
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	config, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return config, nil
}

func ParseConfig(data []byte) (*Config, error) {
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, err
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (self *Config) validate() error {
	if _, err := self.TransportSettings(); err != nil {
		return err
	}
	if _, err := self.SyncSettings(); err != nil {
		return err
	}
	return nil
}

func (self *Config) TransportSettings() (*TransportSettings, error) {
	settings := DefaultTransportSettings()

	durations := []struct {
		field string
		value string
		out   *time.Duration
	}{
		{"broker.connect_timeout", self.Broker.ConnectTimeout, &settings.ConnectTimeout},
		{"broker.reconnect_timeout", self.Broker.ReconnectTimeout, &settings.ReconnectTimeout},
		{"broker.heartbeat_outgoing", self.Broker.HeartbeatOutgoing, &settings.HeartbeatOutgoing},
		{"broker.heartbeat_incoming", self.Broker.HeartbeatIncoming, &settings.HeartbeatIncoming},
	}
	for _, d := range durations {
		if err := parseDuration(d.field, d.value, d.out); err != nil {
			return nil, err
		}
	}

	if 0 < self.Broker.SendBufferSize {
		settings.SendBufferSize = self.Broker.SendBufferSize
	}
	if self.Broker.PubPrefix != "" {
		settings.Destinations.PubPrefix = self.Broker.PubPrefix
	}
	if self.Broker.SubPrefix != "" {
		settings.Destinations.SubPrefix = self.Broker.SubPrefix
	}
	return settings, nil
}

func (self *Config) SyncSettings() (*SyncSettings, error) {
	settings := DefaultSyncSettings()
	if self.Documents.Kind != "" {
		settings.DocumentKind = self.Documents.Kind
	}
	if err := parseDuration("documents.attach_timeout", self.Documents.AttachTimeout, &settings.AttachTimeout); err != nil {
		return nil, err
	}
	if err := parseDuration("documents.update_timeout", self.Documents.UpdateTimeout, &settings.UpdateTimeout); err != nil {
		return nil, err
	}
	return settings, nil
}

// an empty value keeps `out` unchanged
func parseDuration(field string, value string, out *time.Duration) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return &ValidationError{Field: field, Message: err.Error()}
	}
	if d < 0 {
		return &ValidationError{Field: field, Message: "must not be negative"}
	}
	*out = d
	return nil
}
