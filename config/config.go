package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config es la configuración completa del servicio.
type Config struct {
	Oracle  OracleConfig   `yaml:"oracle"`
	Sources []SourceConfig `yaml:"sources"`
	Pools   PoolsConfig    `yaml:"pools"`
	Keeper  KeeperConfig   `yaml:"keeper"`
	Storage StorageConfig  `yaml:"storage"`
	Metrics MetricsConfig  `yaml:"metrics"`
	Log     LogConfig      `yaml:"log"`
}

// OracleConfig controla la agregación de precios.
type OracleConfig struct {
	Quorum          int     `yaml:"quorum"`         // mínimo de fuentes con precio
	MADMultiplier   float64 `yaml:"mad_multiplier"` // k en |p - median| > k×MAD
	SourceTimeoutMs int     `yaml:"source_timeout_ms"`
	MaxAttempts     int     `yaml:"max_attempts"`
	BaseBackoffMs   int     `yaml:"base_backoff_ms"`
}

// SourceConfig configura una fuente de precio. El orden de la lista es el
// orden de las muestras en el snapshot.
type SourceConfig struct {
	Name                   string  `yaml:"name"` // coingecko | coincap | paprika | binance | kraken
	BaseURL                string  `yaml:"base_url"`
	APIKey                 string  `yaml:"api_key"`
	RatePerSec             float64 `yaml:"rate_per_sec"`
	Burst                  int     `yaml:"burst"`
	BreakerFailures        uint32  `yaml:"breaker_failures"`
	BreakerCooldownSeconds int     `yaml:"breaker_cooldown_seconds"`
	Disabled               bool    `yaml:"disabled"`
}

// PoolsConfig controla timing, admisión y fee. Los importes van como string
// para no perder precisión.
type PoolsConfig struct {
	FeePct           string  `yaml:"fee_pct"` // fracción: "0.02" = 2%
	TieEpsilon       float64 `yaml:"tie_epsilon"`
	MinStake         string  `yaml:"min_stake"`
	MaxStakePct      string  `yaml:"max_stake_pct"`
	EnrollRatio      float64 `yaml:"enroll_ratio"`
	EnrollMaxMinutes int     `yaml:"enroll_max_minutes"`
	Currency         string  `yaml:"currency"`
}

// KeeperConfig controla el barrido de pools pendientes.
type KeeperConfig struct {
	Schedule string `yaml:"schedule"` // cron con segundos o @every
	Workers  int    `yaml:"workers"`
}

// StorageConfig controla dónde se persisten los datos.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // ruta al archivo SQLite, o ":memory:"
}

// MetricsConfig controla el endpoint de Prometheus. Addr vacío = deshabilitado.
type MetricsConfig struct {
	Addr      string `yaml:"addr"`
	Namespace string `yaml:"namespace"`
}

// LogConfig controla el formato y nivel de logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

var defaultSources = []string{"coingecko", "coincap", "paprika", "binance", "kraken"}

// Load carga la configuración desde el archivo YAML y el archivo .env si existe.
// Los valores del .env sobreescriben los del YAML para las keys que correspondan.
func Load(path string) (*Config, error) {
	// Cargar .env si existe (silencia error si no hay archivo)
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}
	return Parse(data)
}

// Parse aplica overrides, defaults y validación sobre un YAML ya leído.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	setDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

// SourceTimeout devuelve el timeout por fuente como time.Duration.
func (c *Config) SourceTimeout() time.Duration {
	return time.Duration(c.Oracle.SourceTimeoutMs) * time.Millisecond
}

// BaseBackoff devuelve el backoff base entre intentos del oráculo.
func (c *Config) BaseBackoff() time.Duration {
	return time.Duration(c.Oracle.BaseBackoffMs) * time.Millisecond
}

// EnrollMax devuelve el tope de la ventana de inscripción.
func (c *Config) EnrollMax() time.Duration {
	return time.Duration(c.Pools.EnrollMaxMinutes) * time.Minute
}

// FeePct devuelve el fee de plataforma. Load ya validó el valor.
func (c *Config) FeePct() decimal.Decimal { return decimal.RequireFromString(c.Pools.FeePct) }

// MinStake devuelve el stake mínimo.
func (c *Config) MinStake() decimal.Decimal { return decimal.RequireFromString(c.Pools.MinStake) }

// MaxStakePct devuelve la fracción máxima del pot por usuario y lado.
func (c *Config) MaxStakePct() decimal.Decimal { return decimal.RequireFromString(c.Pools.MaxStakePct) }

// EnabledSources devuelve las fuentes no deshabilitadas, en orden.
func (c *Config) EnabledSources() []SourceConfig {
	out := make([]SourceConfig, 0, len(c.Sources))
	for _, s := range c.Sources {
		if !s.Disabled {
			out = append(out, s)
		}
	}
	return out
}

// BreakerCooldown devuelve el tiempo que el breaker de la fuente permanece abierto.
func (s SourceConfig) BreakerCooldown() time.Duration {
	return time.Duration(s.BreakerCooldownSeconds) * time.Second
}

// applyEnvOverrides sobreescribe valores con variables de entorno si están presentes.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("OVERUNDER_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("COINGECKO_API_KEY"); v != "" {
		for i := range cfg.Sources {
			if strings.EqualFold(cfg.Sources[i].Name, "coingecko") {
				cfg.Sources[i].APIKey = v
			}
		}
	}
}

// setDefaults asegura que los valores requeridos tengan valores sensatos.
func setDefaults(cfg *Config) {
	if cfg.Oracle.Quorum <= 0 {
		cfg.Oracle.Quorum = 2
	}
	if cfg.Oracle.MADMultiplier <= 0 {
		cfg.Oracle.MADMultiplier = 2.5
	}
	if cfg.Oracle.SourceTimeoutMs <= 0 {
		cfg.Oracle.SourceTimeoutMs = 2500
	}
	if cfg.Oracle.MaxAttempts <= 0 {
		cfg.Oracle.MaxAttempts = 3
	}
	if cfg.Oracle.BaseBackoffMs <= 0 {
		cfg.Oracle.BaseBackoffMs = 1000
	}
	if len(cfg.Sources) == 0 {
		for _, name := range defaultSources {
			cfg.Sources = append(cfg.Sources, SourceConfig{Name: name})
		}
	}
	if cfg.Pools.FeePct == "" {
		cfg.Pools.FeePct = "0.02"
	}
	if cfg.Pools.TieEpsilon <= 0 {
		cfg.Pools.TieEpsilon = 1e-6
	}
	if cfg.Pools.MinStake == "" {
		cfg.Pools.MinStake = "1"
	}
	if cfg.Pools.MaxStakePct == "" {
		cfg.Pools.MaxStakePct = "0.2"
	}
	if cfg.Pools.EnrollRatio <= 0 {
		cfg.Pools.EnrollRatio = 0.4
	}
	if cfg.Pools.EnrollMaxMinutes <= 0 {
		cfg.Pools.EnrollMaxMinutes = 10
	}
	if cfg.Pools.Currency == "" {
		cfg.Pools.Currency = "USD"
	}
	if cfg.Keeper.Schedule == "" {
		cfg.Keeper.Schedule = "@every 5s"
	}
	if cfg.Keeper.Workers <= 0 {
		cfg.Keeper.Workers = 4
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "overunder.db"
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = "overunder"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

func (c *Config) validate() error {
	if c.Oracle.Quorum < 2 {
		return fmt.Errorf("oracle.quorum %d: must be at least 2", c.Oracle.Quorum)
	}
	if n := len(c.EnabledSources()); n < c.Oracle.Quorum {
		return fmt.Errorf("%d enabled sources cannot meet quorum %d", n, c.Oracle.Quorum)
	}
	for _, s := range c.Sources {
		if s.Name == "" {
			return fmt.Errorf("sources: entry without name")
		}
	}

	one := decimal.NewFromInt(1)
	fee, err := decimal.NewFromString(c.Pools.FeePct)
	if err != nil || fee.IsNegative() || fee.GreaterThanOrEqual(one) {
		return fmt.Errorf("pools.fee_pct %q: want a fraction in [0, 1)", c.Pools.FeePct)
	}
	minStake, err := decimal.NewFromString(c.Pools.MinStake)
	if err != nil || !minStake.IsPositive() {
		return fmt.Errorf("pools.min_stake %q: want a positive amount", c.Pools.MinStake)
	}
	maxPct, err := decimal.NewFromString(c.Pools.MaxStakePct)
	if err != nil || !maxPct.IsPositive() || maxPct.GreaterThan(one) {
		return fmt.Errorf("pools.max_stake_pct %q: want a fraction in (0, 1]", c.Pools.MaxStakePct)
	}
	if c.Pools.EnrollRatio > 1 {
		return fmt.Errorf("pools.enroll_ratio %v: must be <= 1", c.Pools.EnrollRatio)
	}
	return nil
}
