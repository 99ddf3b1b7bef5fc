package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
bridge:
  id: "boiler-room"
ebusd:
  host: "192.168.1.20"
  port: "8889"
  circuits:
    - name: "bai"
      update_interval: 5
      auto_fetch: true
    - name: "hmu"
database:
  path: "/tmp/test.db"
mqtt:
  broker:
    host: "broker.local"
    port: 1883
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Bridge.ID != "boiler-room" {
		t.Errorf("Bridge.ID = %q, want %q", cfg.Bridge.ID, "boiler-room")
	}
	if cfg.Ebusd.Host != "192.168.1.20" || cfg.Ebusd.Port != "8889" {
		t.Errorf("Ebusd = %s:%s", cfg.Ebusd.Host, cfg.Ebusd.Port)
	}
	if len(cfg.Ebusd.Circuits) != 2 {
		t.Fatalf("Circuits = %+v", cfg.Ebusd.Circuits)
	}
	if c := cfg.Ebusd.Circuits[0]; c.Name != "bai" || c.UpdateInterval != 5 || !c.AutoFetch {
		t.Errorf("Circuits[0] = %+v", c)
	}
	if cfg.MQTT.Broker.Host != "broker.local" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "broker.local")
	}

	// Untouched sections keep their defaults.
	if cfg.Ebusd.GroupTopic != "ebusd" || cfg.Bridge.TopicPrefix != "ebusbridge" {
		t.Errorf("topics = %q, %q", cfg.Ebusd.GroupTopic, cfg.Bridge.TopicPrefix)
	}
	if cfg.Ebusd.Labels.From != "from" || cfg.Ebusd.Labels.To != "to" {
		t.Errorf("Labels = %+v", cfg.Ebusd.Labels)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "invalid: [yaml: content")
	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	// No circuits configured.
	path := writeConfig(t, `
bridge:
  id: "boiler-room"
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() expected validation error, got nil")
	}
	if !strings.Contains(err.Error(), "ebusd.circuits") {
		t.Errorf("error = %v, want mention of ebusd.circuits", err)
	}
}

func validConfig() *Config {
	cfg := defaultConfig()
	cfg.Ebusd.Circuits = []CircuitConfig{{Name: "bai", UpdateInterval: 5}}
	return cfg
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"valid config", func(*Config) {}, ""},
		{"missing bridge ID", func(c *Config) { c.Bridge.ID = "" }, "bridge.id"},
		{"wildcard prefix", func(c *Config) { c.Bridge.TopicPrefix = "bridge/#" }, "bridge.topic_prefix"},
		{"empty group topic", func(c *Config) { c.Ebusd.GroupTopic = "" }, "ebusd.group_topic"},
		{"backoff min zero", func(c *Config) { c.Ebusd.Backoff.Min = 0 }, "ebusd.backoff"},
		{"backoff max below min", func(c *Config) { c.Ebusd.Backoff.Max = 2 }, "ebusd.backoff"},
		{"no circuits", func(c *Config) { c.Ebusd.Circuits = nil }, "at least one circuit"},
		{"empty circuit name", func(c *Config) { c.Ebusd.Circuits[0].Name = " " }, "name is required"},
		{"circuit with slash", func(c *Config) { c.Ebusd.Circuits[0].Name = "bai/1" }, "topic characters"},
		{
			"duplicate circuit",
			func(c *Config) { c.Ebusd.Circuits = append(c.Ebusd.Circuits, CircuitConfig{Name: "BAI"}) },
			"listed twice",
		},
		{"negative update interval", func(c *Config) { c.Ebusd.Circuits[0].UpdateInterval = -1 }, "update_interval"},
		{"zero update interval", func(c *Config) { c.Ebusd.Circuits[0].UpdateInterval = 0 }, ""},
		{"missing database path", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"invalid QoS", func(c *Config) { c.MQTT.QoS = 3 }, "mqtt.qos"},
		{"invalid MQTT port", func(c *Config) { c.MQTT.Broker.Port = 0 }, "mqtt.broker.port"},
		{"invalid API port", func(c *Config) { c.API.Port = 70000 }, "api.port"},
		{"API port ignored when disabled", func(c *Config) { c.API.Enabled = false; c.API.Port = 0 }, ""},
		{"JWT secret too short", func(c *Config) { c.API.Auth.JWTSecret = "short" }, "jwt_secret"},
		{"JWT secret long enough", func(c *Config) { c.API.Auth.JWTSecret = strings.Repeat("k", 32) }, ""},
		{"influx without bucket", func(c *Config) { c.InfluxDB.Enabled = true; c.InfluxDB.URL = "http://influx:8086" }, "influxdb"},
		{"invalid ebusd port is left to health check", func(c *Config) { c.Ebusd.Port = "http" }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_ValidateReportsAllErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Bridge.ID = ""
	cfg.Database.Path = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil")
	}
	if !strings.Contains(err.Error(), "bridge.id") || !strings.Contains(err.Error(), "database.path") {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestConfig_GetTimeouts(t *testing.T) {
	cfg := &Config{
		API: APIConfig{
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 45,
				Idle:  60,
			},
		},
	}

	if got := cfg.API.ReadTimeout().Seconds(); got != 30 {
		t.Errorf("ReadTimeout() = %v, want 30", got)
	}
	if got := cfg.API.WriteTimeout().Seconds(); got != 45 {
		t.Errorf("WriteTimeout() = %v, want 45", got)
	}
	if got := cfg.API.IdleTimeout().Seconds(); got != 60 {
		t.Errorf("IdleTimeout() = %v, want 60", got)
	}
}

func TestDurations(t *testing.T) {
	cfg := validConfig()
	if got := cfg.HealthInterval(); got != 30*time.Second {
		t.Errorf("HealthInterval() = %v, want 30s", got)
	}
	if got := cfg.Ebusd.Circuits[0].UpdateEvery(); got != 5*time.Minute {
		t.Errorf("UpdateEvery() = %v, want 5m", got)
	}
	if got := (CircuitConfig{}).UpdateEvery(); got != 0 {
		t.Errorf("UpdateEvery() = %v, want 0", got)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := defaultConfig()

	t.Setenv("EBUSBRIDGE_EBUSD_HOST", "ebusd.local")
	t.Setenv("EBUSBRIDGE_EBUSD_PORT", "8890")
	t.Setenv("EBUSBRIDGE_DATABASE_PATH", "/custom/path.db")
	t.Setenv("EBUSBRIDGE_MQTT_HOST", "mqtt.example.com")
	t.Setenv("EBUSBRIDGE_MQTT_PORT", "8883")
	t.Setenv("EBUSBRIDGE_MQTT_USERNAME", "testuser")
	t.Setenv("EBUSBRIDGE_MQTT_PASSWORD", "testpass")
	t.Setenv("EBUSBRIDGE_API_HOST", "192.168.1.1")
	t.Setenv("EBUSBRIDGE_INFLUXDB_TOKEN", "secret-token")
	t.Setenv("EBUSBRIDGE_JWT_SECRET", "jwt-secret")
	t.Setenv("EBUSBRIDGE_LOG_LEVEL", "debug")

	applyEnvOverrides(cfg)

	checks := []struct {
		name      string
		got, want string
	}{
		{"Ebusd.Host", cfg.Ebusd.Host, "ebusd.local"},
		{"Ebusd.Port", cfg.Ebusd.Port, "8890"},
		{"Database.Path", cfg.Database.Path, "/custom/path.db"},
		{"MQTT.Broker.Host", cfg.MQTT.Broker.Host, "mqtt.example.com"},
		{"MQTT.Auth.Username", cfg.MQTT.Auth.Username, "testuser"},
		{"MQTT.Auth.Password", cfg.MQTT.Auth.Password, "testpass"},
		{"API.Host", cfg.API.Host, "192.168.1.1"},
		{"InfluxDB.Token", cfg.InfluxDB.Token, "secret-token"},
		{"API.Auth.JWTSecret", cfg.API.Auth.JWTSecret, "jwt-secret"},
		{"Logging.Level", cfg.Logging.Level, "debug"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %q, want %q", c.name, c.got, c.want)
		}
	}
	if cfg.MQTT.Broker.Port != 8883 {
		t.Errorf("MQTT.Broker.Port = %d, want 8883", cfg.MQTT.Broker.Port)
	}
}

func TestApplyEnvOverrides_InvalidPortIgnored(t *testing.T) {
	cfg := defaultConfig()
	t.Setenv("EBUSBRIDGE_MQTT_PORT", "not-a-port")

	applyEnvOverrides(cfg)

	if cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("MQTT.Broker.Port = %d, want 1883", cfg.MQTT.Broker.Port)
	}
}

func TestConfig_StringRedactsSecrets(t *testing.T) {
	cfg := validConfig()
	cfg.MQTT.Auth.Password = "mqtt-password"
	cfg.API.Auth.JWTSecret = strings.Repeat("s", 40)
	cfg.InfluxDB.Token = "influx-token"

	out := cfg.String()
	for _, secret := range []string{"mqtt-password", cfg.API.Auth.JWTSecret, "influx-token"} {
		if strings.Contains(out, secret) {
			t.Errorf("String() leaks %q", secret)
		}
	}
	if !strings.Contains(out, redacted) {
		t.Error("String() has no redaction marker")
	}
	if cfg.MQTT.Auth.Password != "mqtt-password" {
		t.Error("String() modified the config")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Bridge.ID == "" {
		t.Error("defaultConfig should have non-empty Bridge.ID")
	}
	if cfg.Database.Path == "" {
		t.Error("defaultConfig should have non-empty Database.Path")
	}
	if cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("defaultConfig MQTT.Broker.Port = %d, want 1883", cfg.MQTT.Broker.Port)
	}
	if cfg.Ebusd.Backoff.Min != 5 || cfg.Ebusd.Backoff.Max != 180 {
		t.Errorf("defaultConfig Backoff = %+v, want 5/180", cfg.Ebusd.Backoff)
	}
	if len(cfg.Ebusd.Circuits) != 0 {
		t.Errorf("defaultConfig Circuits = %v, want none", cfg.Ebusd.Circuits)
	}
}
