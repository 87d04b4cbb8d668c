// Package config holds the tunables of the ballot daemon. Values are layered
// in this order: defaults, TOML file, environment (BALLOTD_*, optionally read
// from a .env file) and finally command line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "BALLOTD_"

// Storage backends.
const (
	DBTypePebble = "pebble"
	DBTypeMemory = "memory"
)

// Roll directory drivers.
const (
	RollInternal = "internal"
	RollSQLite   = "sqlite"
	RollPostgres = "postgres"
)

// Biometric modes.
const (
	BiometricPerceptual = "perceptual"
	BiometricEmbedding  = "embedding"
)

type API struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

type Storage struct {
	DataDir string `toml:"datadir"`
	DBType  string `toml:"dbtype"`
}

type Roll struct {
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
}

// Ballot holds the casting policy.
type Ballot struct {
	MasterSecret string `toml:"master_secret"`
	// AllowRevote lets a voter replace an active ballot. It is logged at
	// startup together with RevoteReason.
	AllowRevote     bool   `toml:"allow_revote"`
	RevoteReason    string `toml:"revote_reason"`
	RequireLocation bool   `toml:"require_location"`
}

type Auth struct {
	TokenSecret string `toml:"token_secret"`
}

type Biometric struct {
	Mode                string        `toml:"mode"`
	PerceptualTolerance int           `toml:"perceptual_tolerance"`
	EmbeddingURL        string        `toml:"embedding_url"`
	EmbeddingThreshold  float64       `toml:"embedding_threshold"`
	EmbeddingTimeout    time.Duration `toml:"embedding_timeout"`
	EmbeddingRetries    uint64        `toml:"embedding_retries"`
}

type RateLimit struct {
	Capacity int           `toml:"capacity"`
	Window   time.Duration `toml:"window"`
	Max      int           `toml:"max"`
}

type Log struct {
	Level       string `toml:"level"`
	Output      string `toml:"output"`
	ErrorOutput string `toml:"error_output"`
}

// Config is the whole daemon configuration.
type Config struct {
	API               API           `toml:"api"`
	Storage           Storage       `toml:"storage"`
	Roll              Roll          `toml:"roll"`
	Ballot            Ballot        `toml:"ballot"`
	Auth              Auth          `toml:"auth"`
	Biometric         Biometric     `toml:"biometric"`
	RateLimit         RateLimit     `toml:"ratelimit"`
	Log               Log           `toml:"log"`
	PubSubBuffer      int           `toml:"pubsub_buffer"`
	ReconcileInterval time.Duration `toml:"reconcile_interval"`
}

// Default returns the configuration used when nothing else is set.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		API:     API{Host: "0.0.0.0", Port: 9090},
		Storage: Storage{DataDir: home + "/.ballotd", DBType: DBTypePebble},
		Roll:    Roll{Driver: RollInternal},
		Biometric: Biometric{
			Mode:                BiometricPerceptual,
			PerceptualTolerance: 16,
			EmbeddingThreshold:  0.5,
			EmbeddingTimeout:    15 * time.Second,
			EmbeddingRetries:    3,
		},
		RateLimit:         RateLimit{Capacity: 10000, Window: 5 * time.Minute, Max: 5},
		Log:               Log{Level: "info", Output: "stdout"},
		PubSubBuffer:      64,
		ReconcileInterval: 10 * time.Minute,
	}
}

// Load builds the configuration from the defaults, the TOML file at path
// (skipped when empty) and the environment. A .env file in the working
// directory is read first if present; variables already set win over it.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read .env file: %w", err)
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides the fields whose BALLOTD_* variable is set.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) error {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
		return nil
	}
	integer := func(name string, dst *int) error {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
			}
			*dst = n
		}
		return nil
	}
	unsigned := func(name string, dst *uint64) error {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
			}
			*dst = n
		}
		return nil
	}
	float := func(name string, dst *float64) error {
		if v, ok := lookup(EnvPrefix + name); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
			}
			*dst = f
		}
		return nil
	}
	boolean := func(name string, dst *bool) error {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
			}
			*dst = b
		}
		return nil
	}
	duration := func(name string, dst *time.Duration) error {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
			}
			*dst = d
		}
		return nil
	}
	return errors.Join(
		str("API_HOST", &c.API.Host),
		integer("API_PORT", &c.API.Port),
		str("DATADIR", &c.Storage.DataDir),
		str("DBTYPE", &c.Storage.DBType),
		str("ROLL_DRIVER", &c.Roll.Driver),
		str("ROLL_DSN", &c.Roll.DSN),
		str("MASTER_SECRET", &c.Ballot.MasterSecret),
		boolean("ALLOW_REVOTE", &c.Ballot.AllowRevote),
		str("REVOTE_REASON", &c.Ballot.RevoteReason),
		boolean("REQUIRE_LOCATION", &c.Ballot.RequireLocation),
		str("TOKEN_SECRET", &c.Auth.TokenSecret),
		str("BIOMETRIC_MODE", &c.Biometric.Mode),
		integer("PERCEPTUAL_TOLERANCE", &c.Biometric.PerceptualTolerance),
		str("EMBEDDING_URL", &c.Biometric.EmbeddingURL),
		float("EMBEDDING_THRESHOLD", &c.Biometric.EmbeddingThreshold),
		duration("EMBEDDING_TIMEOUT", &c.Biometric.EmbeddingTimeout),
		unsigned("EMBEDDING_RETRIES", &c.Biometric.EmbeddingRetries),
		integer("RATELIMIT_CAPACITY", &c.RateLimit.Capacity),
		duration("RATELIMIT_WINDOW", &c.RateLimit.Window),
		integer("RATELIMIT_MAX", &c.RateLimit.Max),
		str("LOG_LEVEL", &c.Log.Level),
		str("LOG_OUTPUT", &c.Log.Output),
		str("LOG_ERROR_OUTPUT", &c.Log.ErrorOutput),
		integer("PUBSUB_BUFFER", &c.PubSubBuffer),
		duration("RECONCILE_INTERVAL", &c.ReconcileInterval),
	)
}

// Validate checks the configuration needed to serve.
func (c *Config) Validate() error {
	var errs []error
	if c.API.Port < 0 || c.API.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid API port %d", c.API.Port))
	}
	switch c.Storage.DBType {
	case DBTypePebble:
		if c.Storage.DataDir == "" {
			errs = append(errs, errors.New("missing data directory"))
		}
	case DBTypeMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown storage type %q", c.Storage.DBType))
	}
	switch c.Roll.Driver {
	case RollInternal:
	case RollSQLite, RollPostgres:
		if c.Roll.DSN == "" {
			errs = append(errs, fmt.Errorf("missing DSN for %s roll directory", c.Roll.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown roll driver %q", c.Roll.Driver))
	}
	if strings.TrimSpace(c.Ballot.MasterSecret) == "" {
		errs = append(errs, errors.New("missing ballot master secret"))
	}
	if len(c.Auth.TokenSecret) < 16 {
		errs = append(errs, errors.New("token secret must have at least 16 bytes"))
	}
	if c.Ballot.AllowRevote && strings.TrimSpace(c.Ballot.RevoteReason) == "" {
		errs = append(errs, errors.New("re-voting requires a reason"))
	}
	switch c.Biometric.Mode {
	case BiometricPerceptual:
		if c.Biometric.PerceptualTolerance < 0 || c.Biometric.PerceptualTolerance > 64 {
			errs = append(errs, fmt.Errorf("perceptual tolerance must be within [0, 64]"))
		}
	case BiometricEmbedding:
		if c.Biometric.EmbeddingURL == "" {
			errs = append(errs, errors.New("missing embedding service URL"))
		}
		if c.Biometric.EmbeddingTimeout <= 0 {
			errs = append(errs, errors.New("embedding timeout must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown biometric mode %q", c.Biometric.Mode))
	}
	if c.ReconcileInterval < 0 {
		errs = append(errs, errors.New("negative reconcile interval"))
	}
	return errors.Join(errs...)
}
