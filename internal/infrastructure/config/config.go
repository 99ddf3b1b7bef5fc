package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// redacted replaces secrets in String output.
const redacted = "[REDACTED]"

// Config is the root configuration structure for the ebusd bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Bridge    BridgeConfig    `yaml:"bridge"`
	Ebusd     EbusdConfig     `yaml:"ebusd"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// BridgeConfig identifies this bridge instance and its own topic tree.
type BridgeConfig struct {
	ID          string `yaml:"id"`
	TopicPrefix string `yaml:"topic_prefix"`

	// HealthInterval is how often the health message is published, in seconds.
	HealthInterval int `yaml:"health_interval"`
}

// EbusdConfig describes the ebusd gateway and the circuits to manage.
type EbusdConfig struct {
	// Host and Port address the ebusd HTTP interface. Port is a string so
	// that malformed values reach the connection health check unchanged.
	Host string `yaml:"host"`
	Port string `yaml:"port"`

	// GroupTopic is the root of the ebusd MQTT topic tree.
	GroupTopic string `yaml:"group_topic"`

	// RequestTimeout bounds one gateway HTTP request, in seconds.
	RequestTimeout int `yaml:"request_timeout"`

	Labels   LabelConfig     `yaml:"labels"`
	Backoff  BackoffConfig   `yaml:"backoff"`
	Circuits []CircuitConfig `yaml:"circuits"`
}

// LabelConfig holds the words used in time-range field labels.
type LabelConfig struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// BackoffConfig bounds the connection check retry delay, in seconds.
type BackoffConfig struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// CircuitConfig configures one managed circuit.
type CircuitConfig struct {
	Name string `yaml:"name"`

	// UpdateInterval is the value refresh interval in minutes. 0 disables it.
	UpdateInterval int `yaml:"update_interval"`

	// AutoFetch reads the message configuration on first activation.
	AutoFetch bool `yaml:"auto_fetch"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
	Auth     APIAuthConfig    `yaml:"auth"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// APIAuthConfig protects mutating API routes with bearer tokens.
// Authentication is off when JWTSecret is empty.
type APIAuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load builds the configuration in three layers: built-in defaults, then
// the YAML file at path, then EBUSBRIDGE_* environment variables. The
// result is validated before it is returned.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Bridge: BridgeConfig{
			ID:             "ebusd-bridge",
			TopicPrefix:    "ebusbridge",
			HealthInterval: 30,
		},
		Ebusd: EbusdConfig{
			Host:           "localhost",
			Port:           "8889",
			GroupTopic:     "ebusd",
			RequestTimeout: 5,
			Labels: LabelConfig{
				From: "from",
				To:   "to",
			},
			Backoff: BackoffConfig{
				Min: 5,
				Max: 180,
			},
		},
		Database: DatabaseConfig{
			Path:        "./data/ebusd-bridge.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "ebusd-bridge",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 150,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

const envPrefix = "EBUSBRIDGE_"

// envOverrides lists the settings that may come from the environment,
// keyed by the variable name without envPrefix. Secrets belong here
// rather than in the file.
var envOverrides = []struct {
	key string
	set func(*Config, string)
}{
	{"EBUSD_HOST", func(c *Config, v string) { c.Ebusd.Host = v }},
	{"EBUSD_PORT", func(c *Config, v string) { c.Ebusd.Port = v }},
	{"DATABASE_PATH", func(c *Config, v string) { c.Database.Path = v }},
	{"MQTT_HOST", func(c *Config, v string) { c.MQTT.Broker.Host = v }},
	{"MQTT_PORT", func(c *Config, v string) {
		// A malformed port keeps the file value; Validate reports ranges.
		if port, err := strconv.Atoi(v); err == nil {
			c.MQTT.Broker.Port = port
		}
	}},
	{"MQTT_USERNAME", func(c *Config, v string) { c.MQTT.Auth.Username = v }},
	{"MQTT_PASSWORD", func(c *Config, v string) { c.MQTT.Auth.Password = v }},
	{"API_HOST", func(c *Config, v string) { c.API.Host = v }},
	{"JWT_SECRET", func(c *Config, v string) { c.API.Auth.JWTSecret = v }},
	{"INFLUXDB_TOKEN", func(c *Config, v string) { c.InfluxDB.Token = v }},
	{"LOG_LEVEL", func(c *Config, v string) { c.Logging.Level = v }},
}

// applyEnvOverrides copies every non-empty override variable into cfg.
func applyEnvOverrides(cfg *Config) {
	for _, o := range envOverrides {
		if v := os.Getenv(envPrefix + o.key); v != "" {
			o.set(cfg, v)
		}
	}
}

const minJWTSecretLength = 32

// Validate reports every problem at once, one per line. The ebusd host
// and port are left to the connection health check, which reports them
// per circuit.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Bridge.ID == "" {
		fail("bridge.id is required")
	}
	if !plainTopic(c.Bridge.TopicPrefix) {
		fail("bridge.topic_prefix must be a non-empty topic without wildcards")
	}
	if !plainTopic(c.Ebusd.GroupTopic) {
		fail("ebusd.group_topic must be a non-empty topic without wildcards")
	}
	if b := c.Ebusd.Backoff; b.Min < 1 || b.Max < b.Min {
		fail("ebusd.backoff requires 1 <= min <= max, got min=%d max=%d", b.Min, b.Max)
	}

	if len(c.Ebusd.Circuits) == 0 {
		fail("ebusd.circuits must list at least one circuit")
	}
	seen := make(map[string]bool, len(c.Ebusd.Circuits))
	for i, circuit := range c.Ebusd.Circuits {
		name := strings.ToLower(strings.TrimSpace(circuit.Name))
		switch {
		case name == "":
			fail("ebusd.circuits[%d].name is required", i)
		case strings.ContainsAny(name, "/+#"):
			fail("ebusd.circuits[%d].name %q contains topic characters", i, circuit.Name)
		case seen[name]:
			fail("ebusd.circuits[%d].name %q is listed twice", i, circuit.Name)
		}
		seen[name] = true
		if circuit.UpdateInterval < 0 {
			fail("ebusd.circuits[%d].update_interval must not be negative", i)
		}
	}

	if c.Database.Path == "" {
		fail("database.path is required")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		fail("mqtt.qos must be 0, 1, or 2")
	}
	if !validPort(c.MQTT.Broker.Port) {
		fail("mqtt.broker.port must be between 1 and 65535")
	}
	if c.API.Enabled && !validPort(c.API.Port) {
		fail("api.port must be between 1 and 65535")
	}
	if s := c.API.Auth.JWTSecret; s != "" && len(s) < minJWTSecretLength {
		fail("api.auth.jwt_secret must be at least %d characters", minJWTSecretLength)
	}
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		fail("influxdb.url and influxdb.bucket are required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration:\n%w", errors.Join(errs...))
	}
	return nil
}

func plainTopic(t string) bool {
	return t != "" && !strings.ContainsAny(t, "+#")
}

func validPort(p int) bool {
	return p >= 1 && p <= 65535
}

// String renders the configuration as YAML with secrets redacted.
func (c *Config) String() string {
	safe := *c
	for _, secret := range []*string{
		&safe.MQTT.Auth.Password,
		&safe.API.Auth.JWTSecret,
		&safe.InfluxDB.Token,
	} {
		if *secret != "" {
			*secret = redacted
		}
	}
	out, err := yaml.Marshal(&safe)
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(out)
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// ReadTimeout, WriteTimeout and IdleTimeout configure the HTTP server.
func (a APIConfig) ReadTimeout() time.Duration  { return seconds(a.Timeouts.Read) }
func (a APIConfig) WriteTimeout() time.Duration { return seconds(a.Timeouts.Write) }
func (a APIConfig) IdleTimeout() time.Duration  { return seconds(a.Timeouts.Idle) }

// HealthInterval is how often the bridge republishes its health message.
func (c *Config) HealthInterval() time.Duration {
	return seconds(c.Bridge.HealthInterval)
}

// UpdateEvery returns the circuit refresh interval; zero disables refresh.
func (c CircuitConfig) UpdateEvery() time.Duration {
	return time.Duration(c.UpdateInterval) * time.Minute
}
