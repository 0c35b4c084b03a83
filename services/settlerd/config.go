package settlerd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"boothnet/chain"
	"boothnet/payments"
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

// Config captures the runtime configuration for settlerd.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	Database      DatabaseConfig  `yaml:"database"`
	Chain         ChainConfig     `yaml:"chain"`
	Feed          FeedConfig      `yaml:"feed"`
	Custody       CustodyConfig   `yaml:"custody"`
	Policy        payments.Policy `yaml:"policy"`
	PolicyFile    string          `yaml:"policy_file"`
	Engine        EngineConfig    `yaml:"engine"`
	Recon         ReconConfig     `yaml:"recon"`
	Admin         AdminConfig     `yaml:"admin"`
}

// DatabaseConfig selects the ledger backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	DSNEnv string `yaml:"dsn_env"`
}

// ChainConfig points at the RPC endpoint and the two contracts the daemon reads.
type ChainConfig struct {
	RPCURL              string   `yaml:"rpc_url"`
	OracleAddress       string   `yaml:"oracle_address"`
	RegistryAddress     string   `yaml:"registry_address"`
	CallTimeout         Duration `yaml:"call_timeout"`
	MaxAggregateBuckets int      `yaml:"max_aggregate_buckets"`
}

// FeedConfig configures the websocket log subscription.
type FeedConfig struct {
	Disabled         bool     `yaml:"disabled"`
	URL              string   `yaml:"url"`
	APIKey           string   `yaml:"api_key"`
	APIKeyEnv        string   `yaml:"api_key_env"`
	APIKeyFile       string   `yaml:"api_key_file"`
	Network          string   `yaml:"network"`
	Workers          int      `yaml:"workers"`
	QueueSize        int      `yaml:"queue_size"`
	BaseBackoff      Duration `yaml:"base_backoff"`
	MaxBackoff       Duration `yaml:"max_backoff"`
	JournalPath      string   `yaml:"journal_path"`
	JournalRetention Duration `yaml:"journal_retention"`
}

// CustodyConfig configures the custodial transfer API.
type CustodyConfig struct {
	BaseURL       string   `yaml:"base_url"`
	APIKey        string   `yaml:"api_key"`
	APIKeyEnv     string   `yaml:"api_key_env"`
	APIKeyFile    string   `yaml:"api_key_file"`
	TokenAddress  string   `yaml:"token_address"`
	TokenDecimals int32    `yaml:"token_decimals"`
	Timeout       Duration `yaml:"timeout"`
	RateLimit     float64  `yaml:"rate_limit"`
	Burst         int      `yaml:"burst"`
}

// EngineConfig tunes the attribution engine.
type EngineConfig struct {
	CampaignConcurrency int `yaml:"campaign_concurrency"`
}

// ReconConfig configures the scheduled reconciliation driver.
type ReconConfig struct {
	Disabled   bool     `yaml:"disabled"`
	Offset     Duration `yaml:"offset"`
	OpenBucket bool     `yaml:"settle_open_bucket"`
	ReportDir  string   `yaml:"report_dir"`
}

// AdminConfig captures security settings for the admin API.
type AdminConfig struct {
	JWTSecret     string   `yaml:"jwt_secret"`
	JWTSecretEnv  string   `yaml:"jwt_secret_env"`
	JWTSecretFile string   `yaml:"jwt_secret_file"`
	Issuer        string   `yaml:"issuer"`
	Audience      string   `yaml:"audience"`
	ClockSkew     Duration `yaml:"clock_skew"`
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{Policy: payments.DefaultPolicy()}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	if path := strings.TrimSpace(cfg.PolicyFile); path != "" {
		policy, err := LoadPolicy(path)
		if err != nil {
			return cfg, err
		}
		cfg.Policy = policy
	}
	applyDefaults(&cfg)
	if err := cfg.Database.normalise(); err != nil {
		return cfg, fmt.Errorf("database: %w", err)
	}
	if err := cfg.Feed.normalise(); err != nil {
		return cfg, fmt.Errorf("feed api key: %w", err)
	}
	if err := cfg.Custody.normalise(); err != nil {
		return cfg, fmt.Errorf("custody api key: %w", err)
	}
	if err := cfg.Admin.normalise(); err != nil {
		return cfg, fmt.Errorf("admin security: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadPolicy decodes a TOML payment policy. Keys missing from the file keep
// their default values.
func LoadPolicy(path string) (payments.Policy, error) {
	policy := payments.DefaultPolicy()
	meta, err := toml.DecodeFile(path, &policy)
	if err != nil {
		return policy, fmt.Errorf("decode policy file: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return policy, fmt.Errorf("policy file: unknown key %q", undecoded[0].String())
	}
	return policy, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))
	if cfg.Chain.CallTimeout.Duration <= 0 {
		cfg.Chain.CallTimeout.Duration = chain.DefaultCallTimeout
	}
	if cfg.Chain.MaxAggregateBuckets <= 0 {
		cfg.Chain.MaxAggregateBuckets = chain.DefaultMaxAggregateBuckets
	}
	if cfg.Feed.Network == "" {
		cfg.Feed.Network = "base-mainnet"
	}
	if cfg.Feed.Workers <= 0 {
		cfg.Feed.Workers = 4
	}
	if cfg.Feed.QueueSize <= 0 {
		cfg.Feed.QueueSize = 256
	}
	if cfg.Feed.BaseBackoff.Duration <= 0 {
		cfg.Feed.BaseBackoff.Duration = time.Second
	}
	if cfg.Feed.MaxBackoff.Duration <= 0 {
		cfg.Feed.MaxBackoff.Duration = 30 * time.Second
	}
	if cfg.Feed.JournalRetention.Duration <= 0 {
		cfg.Feed.JournalRetention.Duration = 48 * time.Hour
	}
	if cfg.Custody.BaseURL == "" {
		cfg.Custody.BaseURL = "https://api.metal.build"
	}
	if cfg.Custody.TokenDecimals <= 0 {
		cfg.Custody.TokenDecimals = payments.DefaultTokenDecimals
	}
	if cfg.Custody.Timeout.Duration <= 0 {
		cfg.Custody.Timeout.Duration = 15 * time.Second
	}
	if cfg.Custody.RateLimit <= 0 {
		cfg.Custody.RateLimit = 5
	}
	if cfg.Custody.Burst <= 0 {
		cfg.Custody.Burst = 5
	}
	if cfg.Engine.CampaignConcurrency <= 0 {
		cfg.Engine.CampaignConcurrency = 4
	}
	if cfg.Recon.Offset.Duration == 0 {
		cfg.Recon.Offset.Duration = 30 * time.Second
	}
	if cfg.Admin.ClockSkew.Duration <= 0 {
		cfg.Admin.ClockSkew.Duration = time.Minute
	}
}

func validateConfig(cfg Config) error {
	switch cfg.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database driver %q not supported", cfg.Database.Driver)
	}
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return fmt.Errorf("database dsn must be configured")
	}
	if strings.TrimSpace(cfg.Chain.RPCURL) == "" {
		return fmt.Errorf("chain rpc_url must be configured")
	}
	if !common.IsHexAddress(cfg.Chain.OracleAddress) {
		return fmt.Errorf("chain oracle_address %q is not a hex address", cfg.Chain.OracleAddress)
	}
	if !common.IsHexAddress(cfg.Chain.RegistryAddress) {
		return fmt.Errorf("chain registry_address %q is not a hex address", cfg.Chain.RegistryAddress)
	}
	if !cfg.Feed.Disabled {
		if strings.TrimSpace(cfg.Feed.URL) == "" {
			return fmt.Errorf("feed url must be configured")
		}
		if cfg.Feed.APIKey == "" {
			return fmt.Errorf("feed api key must be configured")
		}
	}
	if cfg.Feed.MaxBackoff.Duration < cfg.Feed.BaseBackoff.Duration {
		return fmt.Errorf("feed max_backoff must not be shorter than base_backoff")
	}
	if cfg.Custody.APIKey == "" {
		return fmt.Errorf("custody api key must be configured")
	}
	if strings.TrimSpace(cfg.Custody.TokenAddress) == "" {
		return fmt.Errorf("custody token_address must be configured")
	}
	if cfg.Admin.JWTSecret == "" {
		return fmt.Errorf("admin jwt secret must be configured")
	}
	if cfg.Recon.Offset.Duration < 0 || cfg.Recon.Offset.Duration >= chain.BucketWidth {
		return fmt.Errorf("recon offset must be within [0, %s)", chain.BucketWidth)
	}
	if err := cfg.Policy.Validate(); err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	return nil
}

func (c *DatabaseConfig) normalise() error {
	dsn, err := resolveSecret(c.DSN, c.DSNEnv, "")
	if err != nil {
		return err
	}
	c.DSN = dsn
	return nil
}

func (c *FeedConfig) normalise() error {
	key, err := resolveSecret(c.APIKey, c.APIKeyEnv, c.APIKeyFile)
	if err != nil {
		return err
	}
	c.APIKey = key
	return nil
}

func (c *CustodyConfig) normalise() error {
	key, err := resolveSecret(c.APIKey, c.APIKeyEnv, c.APIKeyFile)
	if err != nil {
		return err
	}
	c.APIKey = key
	return nil
}

func (c *AdminConfig) normalise() error {
	secret, err := resolveSecret(c.JWTSecret, c.JWTSecretEnv, c.JWTSecretFile)
	if err != nil {
		return err
	}
	c.JWTSecret = secret
	return nil
}

// resolveSecret prefers the inline value, then the environment variable, then the file.
func resolveSecret(inline, envName, path string) (string, error) {
	if value := strings.TrimSpace(inline); value != "" {
		return value, nil
	}
	if name := strings.TrimSpace(envName); name != "" {
		if value := strings.TrimSpace(os.Getenv(name)); value != "" {
			return value, nil
		}
	}
	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", path, err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return "", nil
}
