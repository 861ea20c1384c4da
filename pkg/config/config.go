package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Flags holds parsed command-line flag values and which were set.
type Flags struct {
	WSURL  string
	APIURL string
	Config string
	Diag   string
	Set    map[string]bool
}

// EffectiveConfigResult is the merged view of file, env and flags that the
// rest of the client consumes.
type EffectiveConfigResult struct {
	Config *Config
	WSURL  string
	APIURL string
	Source string // "flags", "config", or "env"
}

// ParseConfigFlags parses command-line flags and returns them as a Flags struct.
func ParseConfigFlags() Flags {
	wsPtr := flag.String("ws", DefaultWSURL, "websocket gateway base URL")
	apiPtr := flag.String("api", DefaultAPIURL, "REST API base URL")
	cfgPtr := flag.String("config", "./pingo.yaml", "Path to config file")
	diagPtr := flag.String("diag", "", "diagnostics listen address (metrics/health)")
	flag.Parse()
	setFlags := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })
	return Flags{WSURL: *wsPtr, APIURL: *apiPtr, Config: *cfgPtr, Diag: *diagPtr, Set: setFlags}
}

// Load reads and parses the YAML config file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// ResolveConfigPath decides the config file path using the flag-provided
// value and the environment variable PINGO_CONFIG when the flag was not set.
func ResolveConfigPath(flagPath string, flagSet bool) string {
	if flagSet {
		return flagPath
	}
	if p := os.Getenv("PINGO_CONFIG"); p != "" {
		return p
	}
	return flagPath
}

// LoadEnvOverrides applies PINGO_* environment overrides onto cfg and
// reports whether any env var was used.
func LoadEnvOverrides(cfg *Config) bool {
	envUsed := false
	if v := os.Getenv("PINGO_WS_URL"); v != "" {
		envUsed = true
		cfg.Gateway.WSURL = v
	}
	if v := os.Getenv("PINGO_API_URL"); v != "" {
		envUsed = true
		cfg.Gateway.APIURL = v
	}
	if v := os.Getenv("PINGO_HEARTBEAT"); v != "" {
		envUsed = true
		cfg.Connection.Heartbeat = v
	}
	if v := os.Getenv("PINGO_RECONNECT_BASE"); v != "" {
		envUsed = true
		cfg.Connection.ReconnectBase = v
	}
	if v := os.Getenv("PINGO_MAX_RECONNECT_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			envUsed = true
			cfg.Connection.MaxReconnectAttempts = n
		}
	}
	if v := os.Getenv("PINGO_SEND_MAX_LENGTH"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			envUsed = true
			cfg.Send.MaxLength = n
		}
	}
	if v := os.Getenv("PINGO_SEND_RATE_RPS"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			envUsed = true
			cfg.Send.RateLimit.RPS = f
		}
	}
	if v := os.Getenv("PINGO_SEND_RATE_BURST"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			envUsed = true
			cfg.Send.RateLimit.Burst = n
		}
	}
	if v := os.Getenv("PINGO_RETENTION_CRON"); v != "" {
		envUsed = true
		cfg.Retention.Cron = v
		cfg.Retention.Enabled = true
	}
	if v := os.Getenv("PINGO_DIAG_ADDR"); v != "" {
		envUsed = true
		cfg.Diagnostics.Addr = v
	}
	if v := os.Getenv("PINGO_LOG_LEVEL"); v != "" {
		envUsed = true
		cfg.Logging.Level = v
	}
	return envUsed
}

// LoadEffective loads the config file (missing file yields an empty
// config), applies env overrides and then flags; flags win when set.
func LoadEffective(flags Flags) (EffectiveConfigResult, error) {
	cfgPath := ResolveConfigPath(flags.Config, flags.Set["config"])
	cfg, err := Load(cfgPath)
	source := "config"
	if err != nil {
		if !os.IsNotExist(err) {
			return EffectiveConfigResult{}, err
		}
		cfg = &Config{}
		source = "defaults"
	}
	if LoadEnvOverrides(cfg) {
		source = "env"
	}

	wsURL := cfg.Gateway.WSURL
	apiURL := cfg.Gateway.APIURL
	if flags.Set["ws"] || wsURL == "" {
		wsURL = flags.WSURL
	}
	if flags.Set["api"] || apiURL == "" {
		apiURL = flags.APIURL
	}
	if flags.Set["diag"] {
		cfg.Diagnostics.Addr = flags.Diag
	}
	if flags.Set["ws"] || flags.Set["api"] {
		source = "flags"
	}
	cfg.Gateway.WSURL = wsURL
	cfg.Gateway.APIURL = apiURL
	return EffectiveConfigResult{Config: cfg, WSURL: wsURL, APIURL: apiURL, Source: source}, nil
}
