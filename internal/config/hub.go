// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// HubConfig representa a configuração completa do nfleet-hub.
type HubConfig struct {
	Hub           HubListen           `yaml:"hub"`
	Timeouts      TimeoutConfig       `yaml:"timeouts"`
	Archive       ArchiveConfig       `yaml:"archive"`
	Offsite       OffsiteConfig       `yaml:"offsite"`
	Observability ObservabilityConfig `yaml:"observability"`
	Logging       LoggingInfo         `yaml:"logging"`
}

// HubListen contém o endereço de escuta e os diretórios de trabalho do hub.
type HubListen struct {
	Listen        string `yaml:"listen"`          // default: "0.0.0.0:9000"
	DataDir       string `yaml:"data_dir"`        // default: "./data"
	CommandFile   string `yaml:"command_file"`    // lista de comandos do verbo simpl (default: "code.txt")
	SessionLogDir string `yaml:"session_log_dir"` // vazio desabilita logs por sessão
}

// TimeoutConfig concentra os prazos do protocolo. Todos têm default sensato;
// warning precisa ser menor que command.
type TimeoutConfig struct {
	Handshake     time.Duration `yaml:"handshake"`      // default: 10s
	Idle          time.Duration `yaml:"idle"`           // default: 5m (estouro não derruba a sessão)
	Command       time.Duration `yaml:"command"`        // default: 2m
	Warning       time.Duration `yaml:"warning"`        // default: 90s
	ExportMeta    time.Duration `yaml:"export_meta"`    // default: 30s
	ImportConfirm time.Duration `yaml:"import_confirm"` // default: 10s
	MonitorTick   time.Duration `yaml:"monitor_tick"`   // default: 5s
	StateSnapshot time.Duration `yaml:"state_snapshot"` // default: 30s
}

// ArchiveConfig configura a rotação dos arquivos de saída por agent.
type ArchiveConfig struct {
	MaxSize     string `yaml:"max_size"`    // ex: "10mb"; rotação dispara acima disso
	MaxSizeRaw  int64  `yaml:"-"`           // valor parseado em bytes
	Compression string `yaml:"compression"` // gzip|zst (default: gzip)
}

// FileExtension retorna a extensão dos arquivos rotacionados.
func (a ArchiveConfig) FileExtension() string {
	switch a.Compression {
	case "zst":
		return ".zst"
	default:
		return ".gz"
	}
}

// OffsiteConfig configura o envio opcional de arquivos rotacionados e
// snapshots para um bucket S3 (ou compatível).
type OffsiteConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"` // vazio usa o endpoint AWS padrão
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Prefix    string `yaml:"prefix"` // prefixo de chave dentro do bucket
}

// ObservabilityConfig configura o listener HTTP read-only de observabilidade.
type ObservabilityConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Listen       string        `yaml:"listen"`        // default: "127.0.0.1:9850"
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // default: 5s
	WriteTimeout time.Duration `yaml:"write_timeout"` // default: 15s
	IdleTimeout  time.Duration `yaml:"idle_timeout"`  // default: 60s
	AllowOrigins []string      `yaml:"allow_origins"` // IP ou CIDR (deny-by-default)

	// Persistência de eventos
	EventsFile     string `yaml:"events_file"`      // default: "events.jsonl"
	EventsMaxLines int    `yaml:"events_max_lines"` // default: 10000

	// Parsed é preenchido em validate(); não vem do YAML.
	ParsedCIDRs []*net.IPNet `yaml:"-"`
}

// LoadHubConfig lê e valida o arquivo YAML de configuração do hub.
func LoadHubConfig(path string) (*HubConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading hub config: %w", err)
	}

	var cfg HubConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing hub config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating hub config: %w", err)
	}

	return &cfg, nil
}

func (c *HubConfig) validate() error {
	if c.Hub.Listen == "" {
		c.Hub.Listen = "0.0.0.0:9000"
	}
	if c.Hub.DataDir == "" {
		c.Hub.DataDir = "./data"
	}
	if c.Hub.CommandFile == "" {
		c.Hub.CommandFile = "code.txt"
	}

	// Prazos do protocolo
	if c.Timeouts.Handshake <= 0 {
		c.Timeouts.Handshake = 10 * time.Second
	}
	if c.Timeouts.Idle <= 0 {
		c.Timeouts.Idle = 5 * time.Minute
	}
	if c.Timeouts.Command <= 0 {
		c.Timeouts.Command = 2 * time.Minute
	}
	if c.Timeouts.Warning <= 0 {
		c.Timeouts.Warning = 90 * time.Second
	}
	if c.Timeouts.Warning >= c.Timeouts.Command {
		return fmt.Errorf("timeouts.warning must be below timeouts.command, got %s >= %s",
			c.Timeouts.Warning, c.Timeouts.Command)
	}
	if c.Timeouts.ExportMeta <= 0 {
		c.Timeouts.ExportMeta = 30 * time.Second
	}
	if c.Timeouts.ImportConfirm <= 0 {
		c.Timeouts.ImportConfirm = 10 * time.Second
	}
	if c.Timeouts.MonitorTick <= 0 {
		c.Timeouts.MonitorTick = 5 * time.Second
	}
	if c.Timeouts.StateSnapshot <= 0 {
		c.Timeouts.StateSnapshot = 30 * time.Second
	}

	// Rotação de arquivos de saída
	if c.Archive.MaxSize == "" {
		c.Archive.MaxSize = "10mb"
	}
	parsed, err := ParseByteSize(c.Archive.MaxSize)
	if err != nil {
		return fmt.Errorf("archive.max_size: %w", err)
	}
	if parsed <= 0 {
		return fmt.Errorf("archive.max_size must be > 0, got %s", c.Archive.MaxSize)
	}
	c.Archive.MaxSizeRaw = parsed
	if c.Archive.Compression == "" {
		c.Archive.Compression = "gzip"
	}
	c.Archive.Compression = strings.ToLower(strings.TrimSpace(c.Archive.Compression))
	if c.Archive.Compression != "gzip" && c.Archive.Compression != "zst" {
		return fmt.Errorf("archive.compression must be gzip or zst, got %q", c.Archive.Compression)
	}

	// Offsite
	if c.Offsite.Enabled {
		if c.Offsite.Bucket == "" {
			return fmt.Errorf("offsite.bucket is required when offsite is enabled")
		}
		if c.Offsite.Region == "" {
			return fmt.Errorf("offsite.region is required when offsite is enabled")
		}
		if (c.Offsite.AccessKey == "") != (c.Offsite.SecretKey == "") {
			return fmt.Errorf("offsite.access_key and offsite.secret_key must be set together")
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	// Observabilidade: defaults e validação
	if c.Observability.Enabled {
		if c.Observability.Listen == "" {
			c.Observability.Listen = "127.0.0.1:9850"
		}
		if c.Observability.ReadTimeout <= 0 {
			c.Observability.ReadTimeout = 5 * time.Second
		}
		if c.Observability.WriteTimeout <= 0 {
			c.Observability.WriteTimeout = 15 * time.Second
		}
		if c.Observability.IdleTimeout <= 0 {
			c.Observability.IdleTimeout = 60 * time.Second
		}
		if c.Observability.EventsFile == "" {
			c.Observability.EventsFile = "events.jsonl"
		}
		if c.Observability.EventsMaxLines <= 0 {
			c.Observability.EventsMaxLines = 10000
		}
		if len(c.Observability.AllowOrigins) == 0 {
			return fmt.Errorf("observability.allow_origins is required when observability is enabled (deny-by-default)")
		}
		for _, origin := range c.Observability.AllowOrigins {
			_, cidr, err := net.ParseCIDR(origin)
			if err != nil {
				// Tenta como IP único → converte para /32 ou /128
				ip := net.ParseIP(strings.TrimSpace(origin))
				if ip == nil {
					return fmt.Errorf("observability.allow_origins: %q is not a valid IP or CIDR", origin)
				}
				if ip.To4() != nil {
					_, cidr, _ = net.ParseCIDR(ip.String() + "/32")
				} else {
					_, cidr, _ = net.ParseCIDR(ip.String() + "/128")
				}
			}
			c.Observability.ParsedCIDRs = append(c.Observability.ParsedCIDRs, cidr)
		}
	}

	return nil
}
