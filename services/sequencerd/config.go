package sequencerd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Submitter selection values.
const (
	SubmitterDirect = "direct"
	SubmitterRelay  = "relay"
)

// Config captures the runtime configuration for sequencerd.
type Config struct {
	ListenAddress   string      `yaml:"listen"`
	RPCURL          string      `yaml:"rpc_url"`
	ContractAddress string      `yaml:"contract_address"`
	ChainID         uint64      `yaml:"chain_id"`
	SigningKey      string      `yaml:"signing_key"`
	SigningKeyFile  string      `yaml:"signing_key_file"`
	SigningKeyEnv   string      `yaml:"signing_key_env"`
	EIP1559         *bool       `yaml:"eip1559"`
	Mock            bool        `yaml:"mock"`
	Submitter       string      `yaml:"submitter"`
	LogFile         string      `yaml:"log_file"`
	Relay           RelayConfig `yaml:"relay"`
}

// RelayConfig configures the relay submission backend.
type RelayConfig struct {
	BaseURL           string   `yaml:"base_url"`
	APIKey            string   `yaml:"api_key"`
	APISecret         string   `yaml:"api_secret"`
	APISecretFile     string   `yaml:"api_secret_file"`
	APISecretEnv      string   `yaml:"api_secret_env"`
	SendTimeout       Duration `yaml:"send_timeout"`
	PollInterval      Duration `yaml:"poll_interval"`
	RequestsPerSecond float64  `yaml:"requests_per_second"`
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.normaliseSigningKey(); err != nil {
		return cfg, fmt.Errorf("signing key: %w", err)
	}
	if err := cfg.Relay.normaliseSecret(); err != nil {
		return cfg, fmt.Errorf("relay secret: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.Submitter == "" {
		cfg.Submitter = SubmitterDirect
	}
	if cfg.EIP1559 == nil {
		enabled := true
		cfg.EIP1559 = &enabled
	}
	if cfg.Relay.SendTimeout.Duration == 0 {
		cfg.Relay.SendTimeout.Duration = time.Minute
	}
	if cfg.Relay.PollInterval.Duration == 0 {
		cfg.Relay.PollInterval.Duration = 5 * time.Second
	}
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.RPCURL) == "" {
		return fmt.Errorf("rpc_url must be configured")
	}
	if !common.IsHexAddress(strings.TrimSpace(cfg.ContractAddress)) {
		return fmt.Errorf("contract_address must be a hex address")
	}
	if cfg.ChainID == 0 {
		return fmt.Errorf("chain_id must be configured")
	}
	switch cfg.Submitter {
	case SubmitterDirect:
		if strings.TrimSpace(cfg.SigningKey) == "" {
			return fmt.Errorf("signing_key must be configured for the direct submitter")
		}
	case SubmitterRelay:
		if strings.TrimSpace(cfg.Relay.APIKey) == "" {
			return fmt.Errorf("relay.api_key must be configured for the relay submitter")
		}
		if strings.TrimSpace(cfg.Relay.APISecret) == "" {
			return fmt.Errorf("relay.api_secret must be configured for the relay submitter")
		}
	default:
		return fmt.Errorf("submitter must be %q or %q", SubmitterDirect, SubmitterRelay)
	}
	return nil
}

// FeeMode maps the eip1559 flag onto the signer's fee strategy name.
func (c Config) FeeMode() string {
	if c.EIP1559 != nil && !*c.EIP1559 {
		return "legacy"
	}
	return "dynamic"
}

// Contract returns the parsed contract address. Call after LoadConfig.
func (c Config) Contract() common.Address {
	return common.HexToAddress(strings.TrimSpace(c.ContractAddress))
}

func (c *Config) normaliseSigningKey() error {
	c.SigningKey = strings.TrimSpace(c.SigningKey)
	c.SigningKeyEnv = strings.TrimSpace(c.SigningKeyEnv)
	c.SigningKeyFile = strings.TrimSpace(c.SigningKeyFile)
	if c.SigningKey != "" {
		return nil
	}
	switch {
	case c.SigningKeyEnv != "":
		value := strings.TrimSpace(os.Getenv(c.SigningKeyEnv))
		if value == "" {
			return fmt.Errorf("signing_key_env %s is empty", c.SigningKeyEnv)
		}
		c.SigningKey = value
	case c.SigningKeyFile != "":
		contents, err := os.ReadFile(c.SigningKeyFile)
		if err != nil {
			return fmt.Errorf("read signing_key_file: %w", err)
		}
		c.SigningKey = strings.TrimSpace(string(contents))
	}
	return nil
}

func (r *RelayConfig) normaliseSecret() error {
	r.APIKey = strings.TrimSpace(r.APIKey)
	r.APISecret = strings.TrimSpace(r.APISecret)
	r.APISecretEnv = strings.TrimSpace(r.APISecretEnv)
	r.APISecretFile = strings.TrimSpace(r.APISecretFile)
	if r.APISecret != "" {
		return nil
	}
	switch {
	case r.APISecretEnv != "":
		value := strings.TrimSpace(os.Getenv(r.APISecretEnv))
		if value == "" {
			return fmt.Errorf("api_secret_env %s is empty", r.APISecretEnv)
		}
		r.APISecret = value
	case r.APISecretFile != "":
		contents, err := os.ReadFile(r.APISecretFile)
		if err != nil {
			return fmt.Errorf("read api_secret_file: %w", err)
		}
		r.APISecret = strings.TrimSpace(string(contents))
	}
	return nil
}
