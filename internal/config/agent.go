// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentConfig representa a configuração completa do nfleet-agent.
type AgentConfig struct {
	Agent    AgentInfo      `yaml:"agent"`
	Hub      HubAddr        `yaml:"hub"`
	Shell    ShellConfig    `yaml:"shell"`
	Transfer TransferConfig `yaml:"transfer"`
	Network  NetworkConfig  `yaml:"network"`
	Stats    StatsConfig    `yaml:"stats"`
	Logging  LoggingInfo    `yaml:"logging"`
}

// AgentInfo identifica o agent perante o hub.
type AgentInfo struct {
	Name string `yaml:"name"` // vazio usa o hostname da máquina
}

// HubAddr contém o endereço do hub e o ritmo de reconexão.
type HubAddr struct {
	Address        string        `yaml:"address"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"` // default: 5s
}

// ShellConfig controla a execução de comandos recebidos.
type ShellConfig struct {
	Timeout time.Duration `yaml:"timeout"` // default: 30s
	Shell   string        `yaml:"shell"`   // vazio usa /bin/sh
}

// TransferConfig limita a banda de upload durante exports.
type TransferConfig struct {
	RateLimit    string `yaml:"rate_limit"` // bytes por segundo, ex: "4mb"; vazio desabilita
	RateLimitRaw int64  `yaml:"-"`          // valor parseado em bytes/s
}

// NetworkConfig aplica QoS na conexão com o hub.
type NetworkConfig struct {
	DSCP string `yaml:"dscp"` // ex: "AF21", "EF"; vazio desabilita
}

// StatsConfig controla o relatório periódico de recursos da máquina.
type StatsConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"` // default: 15s
}

// LoggingInfo contém configurações de logging, compartilhada entre hub e agent.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"` // vazio loga apenas no stdout
}

// LoadAgentConfig lê e valida o arquivo YAML de configuração do agent.
func LoadAgentConfig(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading agent config: %w", err)
	}

	var cfg AgentConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing agent config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating agent config: %w", err)
	}

	return &cfg, nil
}

func (c *AgentConfig) validate() error {
	if c.Agent.Name == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("agent.name is empty and hostname lookup failed: %w", err)
		}
		c.Agent.Name = host
	}
	if c.Hub.Address == "" {
		return fmt.Errorf("hub.address is required")
	}
	if c.Hub.ReconnectDelay <= 0 {
		c.Hub.ReconnectDelay = 5 * time.Second
	}
	if c.Shell.Timeout <= 0 {
		c.Shell.Timeout = 30 * time.Second
	}
	if c.Transfer.RateLimit != "" {
		parsed, err := ParseByteSize(c.Transfer.RateLimit)
		if err != nil {
			return fmt.Errorf("transfer.rate_limit: %w", err)
		}
		if parsed <= 0 {
			return fmt.Errorf("transfer.rate_limit must be > 0, got %s", c.Transfer.RateLimit)
		}
		c.Transfer.RateLimitRaw = parsed
	}
	if c.Stats.Enabled && c.Stats.Interval <= 0 {
		c.Stats.Interval = 15 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	return nil
}

// ParseByteSize converte strings human-readable como "256mb", "1gb" para bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	// Ordenado do sufixo mais longo para o mais curto
	// para evitar que "mb" matche como "b"
	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	// Tenta interpretar como número puro (bytes)
	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
