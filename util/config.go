package util

import (
	_ "embed"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const Name = "lightpub"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host                   string `yaml:"host"`
		HttpPort               int    `yaml:"httpPort"`
		Hostname               string `yaml:"hostname"`
		HttpScheme             string `yaml:"httpScheme"`
		AllowRegister          bool   `yaml:"allowRegister"`
		InstanceName           string `yaml:"instanceName"`
		InstanceDescription    string `yaml:"instanceDescription"`
		OutboundTimeoutSeconds int    `yaml:"outboundTimeoutSeconds"`
		RemoteActorTTLHours    int    `yaml:"remoteActorTtlHours"`
		DeliveryMaxAttempts    int    `yaml:"deliveryMaxAttempts"`
		DeliveryBackoffSeconds int    `yaml:"deliveryBackoffSeconds"`
		DeliveryWorkers        int    `yaml:"deliveryWorkers"`
		WithJournald           bool   `yaml:"withJournald"`
		WithPprof              bool   `yaml:"withPprof"`
	}
}

// BaseURL returns the authority under which local URIs are minted,
// e.g. "https://example.com".
func (c *AppConfig) BaseURL() string {
	return fmt.Sprintf("%s://%s", c.Conf.HttpScheme, c.Conf.Hostname)
}

// OutboundTimeout returns the total timeout for a single outbound HTTP request.
func (c *AppConfig) OutboundTimeout() time.Duration {
	return time.Duration(c.Conf.OutboundTimeoutSeconds) * time.Second
}

// RemoteActorTTL returns the freshness bound for cached remote actors.
func (c *AppConfig) RemoteActorTTL() time.Duration {
	return time.Duration(c.Conf.RemoteActorTTLHours) * time.Hour
}

// DeliveryBackoffBase returns the base delay of the delivery retry schedule.
func (c *AppConfig) DeliveryBackoffBase() time.Duration {
	return time.Duration(c.Conf.DeliveryBackoffSeconds) * time.Second
}

func ReadConf() (*AppConfig, error) {

	c := &AppConfig{}

	// Try to resolve config file path (local first, then user dir)
	configPath := ResolveFilePath(ConfigFileName)

	buf, err := os.ReadFile(configPath)
	if err != nil {
		// If file doesn't exist, use embedded config and create user config file
		log.Printf("Config file not found at %s, using embedded defaults", configPath)
		buf = embeddedConfig

		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644)
			if writeErr != nil {
				log.Printf("Warning: could not write default config to %s: %v", userConfigPath, writeErr)
			} else {
				log.Printf("Created default config file at %s", userConfigPath)
			}
		}
	}

	err = yaml.Unmarshal(buf, c)
	if err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	applyEnvOverrides(c)
	applyDefaults(c)

	return c, nil
}

func applyEnvOverrides(c *AppConfig) {
	if v := os.Getenv("LIGHTPUB_HOST"); v != "" {
		c.Conf.Host = v
	}
	if v := os.Getenv("LIGHTPUB_HTTPPORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			log.Printf("Error parsing LIGHTPUB_HTTPPORT: %v", err)
		} else {
			c.Conf.HttpPort = p
		}
	}
	if v := os.Getenv("HOSTNAME"); v != "" {
		c.Conf.Hostname = v
	}
	if v := os.Getenv("HTTP_SCHEME"); v != "" {
		c.Conf.HttpScheme = v
	}
	if v := os.Getenv("ALLOW_REGISTER"); v != "" {
		c.Conf.AllowRegister = v == "true"
	}
	if v := os.Getenv("INSTANCE_NAME"); v != "" {
		c.Conf.InstanceName = v
	}
	if v := os.Getenv("INSTANCE_DESCRIPTION"); v != "" {
		c.Conf.InstanceDescription = v
	}
	if v := os.Getenv("OUTBOUND_TIMEOUT_SECONDS"); v != "" {
		s, err := strconv.Atoi(v)
		if err != nil {
			log.Printf("Error parsing OUTBOUND_TIMEOUT_SECONDS: %v", err)
		} else {
			c.Conf.OutboundTimeoutSeconds = s
		}
	}
	if v := os.Getenv("REMOTE_ACTOR_TTL"); v != "" {
		h, err := strconv.Atoi(v)
		if err != nil {
			log.Printf("Error parsing REMOTE_ACTOR_TTL: %v", err)
		} else {
			c.Conf.RemoteActorTTLHours = h
		}
	}
	if v := os.Getenv("DELIVERY_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			log.Printf("Error parsing DELIVERY_MAX_ATTEMPTS: %v", err)
		} else {
			c.Conf.DeliveryMaxAttempts = n
		}
	}
	if v := os.Getenv("DELIVERY_BACKOFF_BASE"); v != "" {
		s, err := strconv.Atoi(v)
		if err != nil {
			log.Printf("Error parsing DELIVERY_BACKOFF_BASE: %v", err)
		} else {
			c.Conf.DeliveryBackoffSeconds = s
		}
	}
	if os.Getenv("LIGHTPUB_WITH_JOURNALD") == "true" {
		c.Conf.WithJournald = true
	}
	if os.Getenv("LIGHTPUB_WITH_PPROF") == "true" {
		c.Conf.WithPprof = true
	}
}

func applyDefaults(c *AppConfig) {
	if c.Conf.HttpPort == 0 {
		c.Conf.HttpPort = 8000
	}
	if c.Conf.Hostname == "" {
		c.Conf.Hostname = "localhost:8000"
	}
	if c.Conf.HttpScheme == "" {
		c.Conf.HttpScheme = "https"
	}
	if c.Conf.HttpScheme != "http" && c.Conf.HttpScheme != "https" {
		log.Printf("Invalid httpScheme %q, falling back to https", c.Conf.HttpScheme)
		c.Conf.HttpScheme = "https"
	}
	if c.Conf.InstanceName == "" {
		c.Conf.InstanceName = "lightpub"
	}
	if c.Conf.OutboundTimeoutSeconds == 0 {
		c.Conf.OutboundTimeoutSeconds = 3
	}
	if c.Conf.RemoteActorTTLHours == 0 {
		c.Conf.RemoteActorTTLHours = 24
	}
	if c.Conf.DeliveryMaxAttempts == 0 {
		c.Conf.DeliveryMaxAttempts = 12
	}
	if c.Conf.DeliveryBackoffSeconds == 0 {
		c.Conf.DeliveryBackoffSeconds = 30
	}
	if c.Conf.DeliveryWorkers == 0 {
		c.Conf.DeliveryWorkers = 4
	}
}
