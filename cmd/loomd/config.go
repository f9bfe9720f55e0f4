/* Copyright 2019 Comcast Cable Communications Management, LLC
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 * http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the whole loomd configuration.  Everything has a default,
// so loomd runs with no configuration file at all (in-memory storage,
// TCP on :9000).
type Config struct {
	Service ServiceConfig `mapstructure:"service"`
	Storage StorageConfig `mapstructure:"storage"`
	MQTT    MQTTConfig    `mapstructure:"mqtt"`
	Logger  LoggerConfig  `mapstructure:"logger"`
}

type ServiceConfig struct {
	// SpecDir is the directory of specification YAML files to
	// load at startup.
	SpecDir string `mapstructure:"spec_dir"`

	// TCPAddr is the address for the line-protocol listener.
	// Empty disables it.
	TCPAddr string `mapstructure:"tcp_addr"`

	// HTTPAddr is the address for the HTTP (and WebSocket) API.
	// Empty disables it.
	HTTPAddr string `mapstructure:"http_addr"`

	// MaxConns limits concurrent TCP connections.  Zero means no
	// limit.
	MaxConns int `mapstructure:"max_conns"`

	// Stdin runs the line protocol on stdin/stdout.
	Stdin bool `mapstructure:"stdin"`

	// Recover reloads previously active cases from storage at
	// startup.
	Recover bool `mapstructure:"recover"`
}

type StorageConfig struct {
	// Driver is one of "mem", "bolt", "sqlite".
	Driver string `mapstructure:"driver"`

	// Path is the database filename (bolt and sqlite).
	Path string `mapstructure:"path"`

	// Mode is "transactional" or "eventsourced".  Only the mem
	// driver honors it: bolt is always event-sourced, and sqlite
	// is always transactional.
	Mode string `mapstructure:"mode"`
}

type MQTTConfig struct {
	// Broker is the broker URL (for example tcp://localhost:1883).
	// Empty disables the MQTT announcer.
	Broker string `mapstructure:"broker"`

	ClientID string `mapstructure:"client_id"`

	// Topic is the topic prefix.  An event for case C is
	// published to TOPIC/C.
	Topic string `mapstructure:"topic"`

	QoS int `mapstructure:"qos"`

	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`

	KeepAlive time.Duration `mapstructure:"keep_alive"`
}

type LoggerConfig struct {
	// Level is a zap level name: debug, info, warn, error.
	Level string `mapstructure:"level"`

	// Format is "json" or "console".
	Format string `mapstructure:"format"`
}

// LoadConfig reads the YAML file at configPath (if not empty), lays
// environment variables (LOOM_*) over it, and validates the result.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	v.SetEnvPrefix("LOOM")
	v.AutomaticEnv()
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.spec_dir", "specs")
	v.SetDefault("service.tcp_addr", ":9000")
	v.SetDefault("service.http_addr", "")
	v.SetDefault("service.max_conns", 0)
	v.SetDefault("service.stdin", false)
	v.SetDefault("service.recover", true)

	v.SetDefault("storage.driver", "mem")
	v.SetDefault("storage.path", "loom.db")
	v.SetDefault("storage.mode", "transactional")

	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.topic", "loom/events")
	v.SetDefault("mqtt.qos", 0)
	v.SetDefault("mqtt.keep_alive", 30*time.Second)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

// bindEnvVars binds the settings that usually arrive as environment
// variables (credentials, mostly), so they work even when the keys
// aren't in any config file.
func bindEnvVars(v *viper.Viper) {
	v.BindEnv("mqtt.broker", "LOOM_MQTT_BROKER")
	v.BindEnv("mqtt.username", "LOOM_MQTT_USERNAME")
	v.BindEnv("mqtt.password", "LOOM_MQTT_PASSWORD")
	v.BindEnv("storage.path", "LOOM_STORAGE_PATH")
}

func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "mem", "bolt", "sqlite":
	default:
		return fmt.Errorf("storage driver %q isn't mem, bolt, or sqlite", c.Storage.Driver)
	}
	switch c.Storage.Mode {
	case "", "transactional", "eventsourced":
	default:
		return fmt.Errorf("storage mode %q isn't transactional or eventsourced", c.Storage.Mode)
	}
	if c.Storage.Driver != "mem" && c.Storage.Path == "" {
		return fmt.Errorf("storage driver %q needs a path", c.Storage.Driver)
	}
	if c.MQTT.Broker != "" && c.MQTT.Topic == "" {
		return fmt.Errorf("mqtt wants a topic")
	}
	if c.MQTT.QoS < 0 || 2 < c.MQTT.QoS {
		return fmt.Errorf("mqtt qos %d isn't 0, 1, or 2", c.MQTT.QoS)
	}
	return nil
}
