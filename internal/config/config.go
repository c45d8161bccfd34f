// Package config provides configuration loading for the deployer.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. DEPLOYER_NETWORK_RPC_URL.
const EnvPrefix = "DEPLOYER"

// Config holds all configuration for the deployer.
type Config struct {
	Network   NetworkConfig     `mapstructure:"network"`
	Signer    SignerConfig      `mapstructure:"signer"`
	Artifacts ArtifactsConfig   `mapstructure:"artifacts"`
	Registry  RegistryConfig    `mapstructure:"registry"`
	Database  DatabaseConfig    `mapstructure:"database"`
	Redis     RedisConfig       `mapstructure:"redis"`
	Lease     LeaseConfig       `mapstructure:"lease"`
	Executor  ExecutorConfig    `mapstructure:"executor"`
	Externals map[string]string `mapstructure:"externals" validate:"dive,keys,required,endkeys,omitempty,eth_addr"`
	Topology  TopologyConfig    `mapstructure:"topology"`
	Metrics   MetricsConfig     `mapstructure:"metrics"`
	Log       LogConfig         `mapstructure:"log"`
}

// NetworkConfig holds chain connection settings.
type NetworkConfig struct {
	RPCURL string `mapstructure:"rpc_url"`
	// ChainID, when non-zero, must match the chain reported by the node.
	ChainID        int64         `mapstructure:"chain_id" validate:"gte=0"`
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout" validate:"gt=0"`
	PollInterval   time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
}

// SignerConfig selects how transactions are signed.
type SignerConfig struct {
	Type string `mapstructure:"type" validate:"oneof=local remote"`
	// PrivateKey is a hex key for the local signer. Checked when the
	// signer is built, since read-only commands run without one.
	PrivateKey string `mapstructure:"private_key"`
	// Endpoint and APIKey configure the remote eth_signTransaction signer.
	Endpoint string `mapstructure:"endpoint" validate:"omitempty,url"`
	APIKey   string `mapstructure:"api_key"`
	// Address is the account the remote signer signs for.
	Address string `mapstructure:"address" validate:"omitempty,eth_addr"`
}

// ArtifactsConfig locates compiled contract artifacts.
type ArtifactsConfig struct {
	Dir string `mapstructure:"dir"`
}

// RegistryConfig selects the registry backend.
type RegistryConfig struct {
	Backend string `mapstructure:"backend" validate:"oneof=file postgres memory"`
	Path    string `mapstructure:"path" validate:"required_if=Backend file"`
	// Name scopes rows in a shared database and keys the run lease.
	Name string `mapstructure:"name" validate:"required"`
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the PostgreSQL connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// URL returns the connection string in URL form, as golang-migrate expects.
func (c DatabaseConfig) URL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address string.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LeaseConfig controls the advisory run lease.
type LeaseConfig struct {
	Backend string        `mapstructure:"backend" validate:"oneof=none file redis"`
	TTL     time.Duration `mapstructure:"ttl" validate:"gt=0"`
}

// ExecutorConfig tunes step execution.
type ExecutorConfig struct {
	Concurrency    int           `mapstructure:"concurrency" validate:"gte=1,lte=64"`
	OpTimeout      time.Duration `mapstructure:"op_timeout" validate:"gt=0"`
	MaxRetries     int           `mapstructure:"max_retries" validate:"gte=0"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" validate:"gt=0"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" validate:"gtefield=InitialBackoff"`
}

// TopologyConfig drives the built-in topology generator.
type TopologyConfig struct {
	Currencies []CurrencyConfig `mapstructure:"currencies" validate:"dive"`
	// PoolShare and BcpShare are basis points of fees routed to pools and
	// to BCP stakers.
	PoolShare int64           `mapstructure:"pool_share" validate:"gte=0,lte=10000"`
	BcpShare  int64           `mapstructure:"bcp_share" validate:"gte=0,lte=10000"`
	Products  []ProductConfig `mapstructure:"products" validate:"dive"`
	Extension ExtensionConfig `mapstructure:"extension"`
}

// CurrencyConfig is one settlement currency. Native currencies are
// addressed by the zero address; others by the external slot token_<symbol>.
type CurrencyConfig struct {
	Symbol string `mapstructure:"symbol" validate:"required,alphanum"`
	Native bool   `mapstructure:"native"`
}

// ProductConfig is one tradable product. Numbers are decimal strings.
type ProductConfig struct {
	ID                   string `mapstructure:"id" validate:"required,max=31"`
	MaxLeverage          string `mapstructure:"max_leverage" validate:"required,numeric"`
	LiquidationThreshold string `mapstructure:"liquidation_threshold" validate:"required,numeric"`
	Fee                  string `mapstructure:"fee" validate:"required,numeric"`
	Interest             string `mapstructure:"interest" validate:"required,numeric"`
}

// ExtensionConfig describes the pools attached to an existing router.
type ExtensionConfig struct {
	Currencies []CurrencyConfig `mapstructure:"currencies" validate:"dive"`
	// Suffix is appended to resource names so extension pools never
	// collide with the pools of the original deployment.
	Suffix string `mapstructure:"suffix" validate:"required,alphanum"`
}

// MetricsConfig configures the Prometheus endpoint. An empty address
// disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" validate:"omitempty,hostname_port"`
}

// LogConfig configures slog output.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

// legacyEnv maps external slots to the variable names used by the legacy
// Hardhat deployment scripts, so existing .env files keep working.
var legacyEnv = map[string][]string{
	"externals.bcp":         {"AVAX_BCP_ADDR"},
	"externals.dark_oracle": {"AVAX_DARK_ORACLE_ADDR"},
	"externals.token_usdc":  {"AVAX_USDC_ADDR", "NEW_POOL_USDC_ADDR"},
	"externals.token_mim":   {"AVAX_MIM_ADDR"},
	"externals.router":      {"NEW_POOL_ROUTER_ADDR"},
}

// Load reads configuration from an optional file, .env and the environment.
// When path is empty the usual locations are searched for config.yaml.
func Load(path string) (*Config, error) {
	// .env is optional, like the config file.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/deployer")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Secrets are commonly only present in the environment.
	_ = v.BindEnv("signer.private_key", EnvPrefix+"_SIGNER_PRIVATE_KEY", "PRIVATE_KEY")
	_ = v.BindEnv("signer.api_key", EnvPrefix+"_SIGNER_API_KEY", "SIGNER_API_KEY")
	_ = v.BindEnv("database.password", EnvPrefix+"_DATABASE_PASSWORD")
	_ = v.BindEnv("redis.password", EnvPrefix+"_REDIS_PASSWORD")
	for key, names := range legacyEnv {
		envName := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		_ = v.BindEnv(append([]string{key, envName}, names...)...)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || path != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Externals = mergeExternals(cfg.Externals, v)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// mergeExternals adds externals bound only through the environment, which
// viper does not surface when unmarshalling a map.
func mergeExternals(externals map[string]string, v *viper.Viper) map[string]string {
	out := make(map[string]string, len(externals))
	for k, val := range externals {
		if val != "" {
			out[strings.ToLower(k)] = val
		}
	}
	for key := range legacyEnv {
		if val := v.GetString(key); val != "" {
			out[strings.TrimPrefix(key, "externals.")] = val
		}
	}

	prefix := EnvPrefix + "_EXTERNALS_"
	for _, kv := range os.Environ() {
		name, val, ok := strings.Cut(kv, "=")
		if !ok || val == "" || !strings.HasPrefix(name, prefix) {
			continue
		}
		out[strings.ToLower(strings.TrimPrefix(name, prefix))] = val
	}
	return out
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			problems := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				problems = append(problems, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// setDefaults configures default values for all settings.
func setDefaults(v *viper.Viper) {
	// Network defaults
	v.SetDefault("network.rpc_url", "http://localhost:8545")
	v.SetDefault("network.chain_id", 0)
	v.SetDefault("network.confirm_timeout", "5m")
	v.SetDefault("network.poll_interval", "2s")

	// Signer defaults
	v.SetDefault("signer.type", "local")

	// Artifacts defaults
	v.SetDefault("artifacts.dir", "./artifacts")

	// Registry defaults
	v.SetDefault("registry.backend", "file")
	v.SetDefault("registry.path", "./deployments/registry.json")
	v.SetDefault("registry.name", "default")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "deployer")
	v.SetDefault("database.password", "deployer")
	v.SetDefault("database.database", "deployer")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 5)
	v.SetDefault("database.max_idle_conns", 1)
	v.SetDefault("database.conn_max_lifetime", "5m")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Lease defaults
	v.SetDefault("lease.backend", "file")
	v.SetDefault("lease.ttl", "30m")

	// Executor defaults
	v.SetDefault("executor.concurrency", 1)
	v.SetDefault("executor.op_timeout", "5m")
	v.SetDefault("executor.max_retries", 3)
	v.SetDefault("executor.initial_backoff", "2s")
	v.SetDefault("executor.max_backoff", "30s")

	// Topology defaults reproduce the Avalanche deployment.
	v.SetDefault("topology.currencies", []map[string]any{
		{"symbol": "AVAX", "native": true},
		{"symbol": "USDC"},
		{"symbol": "MIM"},
	})
	v.SetDefault("topology.pool_share", 5000)
	v.SetDefault("topology.bcp_share", 1000)
	v.SetDefault("topology.products", []map[string]any{
		{"id": "ETH-USD", "max_leverage": "50", "liquidation_threshold": "80", "fee": "0.1", "interest": "16"},
		{"id": "BTC-USD", "max_leverage": "50", "liquidation_threshold": "80", "fee": "0.1", "interest": "16"},
	})
	v.SetDefault("topology.extension.currencies", []map[string]any{
		{"symbol": "ETH", "native": true},
		{"symbol": "USDC"},
	})
	v.SetDefault("topology.extension.suffix", "V2")

	// Metrics defaults
	v.SetDefault("metrics.addr", "")

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}
