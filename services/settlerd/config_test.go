package settlerd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const baseConfig = `
database:
  driver: sqlite
  dsn: "file::memory:"
chain:
  rpc_url: http://127.0.0.1:8545
  oracle_address: "0x1000000000000000000000000000000000000001"
  registry_address: "0x2000000000000000000000000000000000000002"
feed:
  url: ws://127.0.0.1:9000
  api_key: feed-key
custody:
  api_key: metal-key
  token_address: "0x3000000000000000000000000000000000000003"
admin:
  jwt_secret: admin-secret
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", baseConfig)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddress != ":7090" {
		t.Fatalf("unexpected listen address %q", cfg.ListenAddress)
	}
	if cfg.Chain.CallTimeout.Duration != 15*time.Second {
		t.Fatalf("unexpected call timeout %s", cfg.Chain.CallTimeout.Duration)
	}
	if cfg.Feed.Workers != 4 || cfg.Feed.QueueSize != 256 {
		t.Fatalf("unexpected feed defaults: %+v", cfg.Feed)
	}
	if cfg.Feed.BaseBackoff.Duration != time.Second || cfg.Feed.MaxBackoff.Duration != 30*time.Second {
		t.Fatalf("unexpected backoff defaults: %s/%s", cfg.Feed.BaseBackoff.Duration, cfg.Feed.MaxBackoff.Duration)
	}
	if cfg.Custody.TokenDecimals != 6 {
		t.Fatalf("unexpected token decimals %d", cfg.Custody.TokenDecimals)
	}
	if cfg.Policy.BaseRate != 1000 || cfg.Policy.ViewWeight != 0.6 || cfg.Policy.TapWeight != 0.4 {
		t.Fatalf("expected default policy, got %+v", cfg.Policy)
	}
}

func TestLoadConfigResolvesSecrets(t *testing.T) {
	dir := t.TempDir()
	keyFile := writeFile(t, dir, "metal.key", "file-secret\n")
	t.Setenv("SETTLERD_TEST_FEED_KEY", "env-secret")
	body := strings.Replace(baseConfig, "api_key: feed-key", "api_key_env: SETTLERD_TEST_FEED_KEY", 1)
	body = strings.Replace(body, "api_key: metal-key", "api_key_file: "+keyFile, 1)
	cfg, err := LoadConfig(writeFile(t, dir, "config.yaml", body))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Feed.APIKey != "env-secret" {
		t.Fatalf("expected env feed key, got %q", cfg.Feed.APIKey)
	}
	if cfg.Custody.APIKey != "file-secret" {
		t.Fatalf("expected file custody key, got %q", cfg.Custody.APIKey)
	}
}

func TestLoadConfigReadsPolicyFile(t *testing.T) {
	dir := t.TempDir()
	policy := writeFile(t, dir, "policy.toml", "base_rate = 500.0\nsettlement_threshold = 2.5\n")
	cfg, err := LoadConfig(writeFile(t, dir, "config.yaml", baseConfig+"policy_file: "+policy+"\n"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Policy.BaseRate != 500 || cfg.Policy.SettlementThreshold != 2.5 {
		t.Fatalf("policy file not applied: %+v", cfg.Policy)
	}
	if cfg.Policy.MinimumRatio != 0.1 {
		t.Fatalf("expected unset keys to keep defaults, got %+v", cfg.Policy)
	}
}

func TestLoadPolicyRejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, t.TempDir(), "policy.toml", "base_rate = 10.0\nbonus = 3\n")
	if _, err := LoadPolicy(path); err == nil {
		t.Fatalf("expected unknown key to be rejected")
	}
}

func TestLoadConfigValidation(t *testing.T) {
	cases := map[string]struct {
		from, to string
	}{
		"bad driver":         {"driver: sqlite", "driver: mysql"},
		"bad oracle":         {`oracle_address: "0x1000000000000000000000000000000000000001"`, `oracle_address: "nope"`},
		"missing feed key":   {"api_key: feed-key", "api_key: \"\""},
		"missing token":      {`token_address: "0x3000000000000000000000000000000000000003"`, `token_address: ""`},
		"unbalanced policy":  {"custody:", "policy:\n  view_weight: 0.9\ncustody:"},
		"missing jwt secret": {"jwt_secret: admin-secret", `jwt_secret: ""`},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			body := strings.Replace(baseConfig, tc.from, tc.to, 1)
			if body == baseConfig {
				t.Fatalf("replacement %q did not apply", tc.from)
			}
			if _, err := LoadConfig(writeFile(t, t.TempDir(), "config.yaml", body)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadConfigRequiresAdminSecretEvenFromEnv(t *testing.T) {
	dir := t.TempDir()
	body := strings.Replace(baseConfig, "jwt_secret: admin-secret", "jwt_secret_env: SETTLERD_TEST_ADMIN_SECRET", 1)
	path := writeFile(t, dir, "config.yaml", body)
	if _, err := LoadConfig(path); err == nil || !strings.Contains(err.Error(), "jwt secret") {
		t.Fatalf("expected missing admin secret to be rejected, got %v", err)
	}
	t.Setenv("SETTLERD_TEST_ADMIN_SECRET", "from-env")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Admin.JWTSecret != "from-env" {
		t.Fatalf("expected env admin secret, got %q", cfg.Admin.JWTSecret)
	}
}

func TestLoadConfigAllowsDisabledFeed(t *testing.T) {
	body := strings.Replace(baseConfig, "api_key: feed-key", "disabled: true", 1)
	cfg, err := LoadConfig(writeFile(t, t.TempDir(), "config.yaml", body))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.Feed.Disabled {
		t.Fatalf("expected feed to be disabled")
	}
}
