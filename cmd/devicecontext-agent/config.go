package main

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/exploopio/devicecontext/pkg/client"
	"github.com/exploopio/devicecontext/pkg/compress"
	"github.com/exploopio/devicecontext/pkg/sources/puppet"
	"github.com/exploopio/devicecontext/pkg/sources/rapid7"
)

// Config represents the agent configuration.
type Config struct {
	// Source is "puppet" or "rapid7".
	Source    string `yaml:"source"`
	BatchSize int    `yaml:"batch_size"`

	// Ingestion API
	API struct {
		URL               string        `yaml:"url"`
		ClientID          string        `yaml:"client_id"`
		SecretKey         string        `yaml:"secret_key"`
		Timeout           time.Duration `yaml:"timeout"`
		RequestsPerSecond float64       `yaml:"requests_per_second"`
		Compression       string        `yaml:"compression"`
	} `yaml:"api"`

	Puppet struct {
		File string `yaml:"file"`
	} `yaml:"puppet"`

	Rapid7 struct {
		// File, when set, is a local CSV report used instead of a download.
		File     string `yaml:"file"`
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		Insecure bool   `yaml:"insecure"`

		ReportID string `yaml:"report_id"`
		Instance string `yaml:"instance"`

		// Report labels sent in every scan payload.
		Label     string `yaml:"label"`
		Timestamp string `yaml:"timestamp"`
	} `yaml:"rapid7"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	AuditLog    string `yaml:"audit_log"`
	MetricsFile string `yaml:"metrics_file"`
}

func defaultConfig() *Config {
	var cfg Config
	cfg.API.URL = client.DefaultEndpoint
	cfg.API.Timeout = 30 * time.Second
	cfg.API.Compression = string(compress.AlgorithmNone)
	cfg.Rapid7.Port = rapid7.DefaultPort
	cfg.Rapid7.Label = rapid7.DefaultReportID
	cfg.Rapid7.Timestamp = rapid7.DefaultTimestamp
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return &cfg
}

func loadConfig(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables in config
	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	return nil
}

func getEnvOrFlag(flagVal, envName string) string {
	if flagVal != "" {
		return flagVal
	}
	return os.Getenv(envName)
}

// validate checks that the selected source has what it needs.
func (c *Config) validate() error {
	c.Source = strings.ToLower(strings.TrimSpace(c.Source))

	if c.API.ClientID == "" || c.API.SecretKey == "" {
		return fmt.Errorf("client id and secret key are required (-client-id/-secret-key or %s/%s)", envClientID, envSecretKey)
	}
	if _, err := compress.ParseAlgorithm(c.API.Compression); err != nil {
		return err
	}

	switch c.Source {
	case puppet.SourceName:
		if c.Puppet.File == "" {
			return fmt.Errorf("puppet source requires -file")
		}
	case rapid7.SourceName:
		if c.Rapid7.File != "" {
			return nil
		}
		var missing []string
		for name, v := range map[string]string{
			"-host":      c.Rapid7.Host,
			"-username":  c.Rapid7.Username,
			"-pwd":       c.Rapid7.Password,
			"-report-id": c.Rapid7.ReportID,
			"-instance":  c.Rapid7.Instance,
		} {
			if v == "" {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			slices.Sort(missing)
			return fmt.Errorf("rapid7 source requires -file or %s", strings.Join(missing, ", "))
		}
	case "":
		return fmt.Errorf("-source is required (puppet or rapid7)")
	default:
		return fmt.Errorf("unknown source %q (want puppet or rapid7)", c.Source)
	}
	return nil
}

func (c *Config) clientConfig() *client.Config {
	return &client.Config{
		Endpoint:          c.API.URL,
		Source:            c.Source,
		ClientID:          c.API.ClientID,
		SecretKey:         c.API.SecretKey,
		CallTimeout:       c.API.Timeout,
		RequestsPerSecond: c.API.RequestsPerSecond,
		Compression:       c.API.Compression,
		UserAgent:         appName + "/" + appVersion,
	}
}
