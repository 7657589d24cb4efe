// Package config resolves runtime settings for the CLI. Values come from
// flags first, then SYNCBRIDGE_* environment variables, then an optional YAML
// environment file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const maxEnvFileSize = 1 << 20

// EnvFile is the YAML environment file schema.
type EnvFile struct {
	Database struct {
		Type string `yaml:"type"`
		DSN  string `yaml:"dsn"`
	} `yaml:"database"`
	SourceSystem string            `yaml:"sourceSystem"`
	Adapter      string            `yaml:"adapter"`
	AdapterOpts  map[string]string `yaml:"adapterOptions"`
}

// Settings are the resolved runtime settings.
type Settings struct {
	DBType       string
	DBDSN        string
	SourceSystem string
	Adapter      string
	AdapterOpts  map[string]string
}

// Resolve layers flag values over environment variables over the environment
// file. Flag values win; empty fields fall through to the next layer.
func Resolve(flagDBType, flagDSN, flagSourceSystem, flagAdapter, envFilePath string) (Settings, error) {
	s := Settings{
		DBType:       flagDBType,
		DBDSN:        flagDSN,
		SourceSystem: flagSourceSystem,
		Adapter:      flagAdapter,
	}

	if s.DBType == "" {
		s.DBType = os.Getenv("SYNCBRIDGE_DB_TYPE")
	}
	if s.DBDSN == "" {
		s.DBDSN = os.Getenv("SYNCBRIDGE_DB_DSN")
	}
	if s.SourceSystem == "" {
		s.SourceSystem = os.Getenv("SYNCBRIDGE_SOURCE_SYSTEM")
	}
	if s.Adapter == "" {
		s.Adapter = os.Getenv("SYNCBRIDGE_ADAPTER")
	}

	if envFilePath != "" {
		ef, err := LoadEnvFile(envFilePath)
		if err != nil {
			return Settings{}, err
		}
		if s.DBType == "" {
			s.DBType = ef.Database.Type
		}
		if s.DBDSN == "" {
			s.DBDSN = ef.Database.DSN
		}
		if s.SourceSystem == "" {
			s.SourceSystem = ef.SourceSystem
		}
		if s.Adapter == "" {
			s.Adapter = ef.Adapter
		}
		if s.AdapterOpts == nil {
			s.AdapterOpts = ef.AdapterOpts
		}
	}

	return s, nil
}

// LoadEnvFile reads and parses a YAML environment file.
func LoadEnvFile(path string) (*EnvFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read env file %s: %w", path, err)
	}
	if len(data) > maxEnvFileSize {
		return nil, fmt.Errorf("env file %s exceeds %d bytes", path, maxEnvFileSize)
	}

	var ef EnvFile
	if err := yaml.Unmarshal(data, &ef); err != nil {
		return nil, fmt.Errorf("failed to parse env file %s: %w", path, err)
	}
	return &ef, nil
}
