// Package config provides the GraphMind configuration: defaults, YAML file
// loading and environment variable overrides.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("GRAPHMIND").
//	    Load()
//
// Precedence: defaults → YAML file → environment variables.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete GraphMind configuration.
type Config struct {
	// Providers is the ordered LLM fallback chain. First entry is primary.
	// Slice sections are YAML-only; per-provider secrets come in via the
	// expanded ${VAR} syntax in the file or via the provider defaults.
	Providers []ProviderConfig `yaml:"providers" env:"-"`

	// Dispatcher tunes provider dispatch.
	Dispatcher DispatcherConfig `yaml:"dispatcher" env:"DISPATCHER"`

	// Breaker tunes the per-provider circuit breakers.
	Breaker BreakerConfig `yaml:"breaker" env:"BREAKER"`

	// Retrieval tunes hybrid retrieval.
	Retrieval RetrievalConfig `yaml:"retrieval" env:"RETRIEVAL"`

	// Agent tunes the orchestration loop.
	Agent AgentConfig `yaml:"agent" env:"AGENT"`

	// Embeddings configures the embedding client.
	Embeddings EmbeddingsConfig `yaml:"embeddings" env:"EMBEDDINGS"`

	// Cache configures the response cache.
	Cache CacheConfig `yaml:"cache" env:"CACHE"`

	// Audit configures the query audit store.
	Audit AuditConfig `yaml:"audit" env:"AUDIT"`

	// Log configures structured logging.
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry configures tracing.
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ProviderConfig describes one entry of the fallback chain.
type ProviderConfig struct {
	// Name identifies the provider in logs, metrics and circuit states.
	Name string `yaml:"name"`
	// Type selects the implementation: "openai_compat" or "ollama".
	Type string `yaml:"type"`
	// APIKey authenticates openai_compat providers.
	APIKey string `yaml:"api_key"`
	// BaseURL is the API root.
	BaseURL string `yaml:"base_url"`
	// Model is the default model for this provider.
	Model string `yaml:"model"`
	// Timeout is the per-request HTTP timeout.
	Timeout time.Duration `yaml:"timeout"`
}

// DispatcherConfig tunes provider dispatch.
type DispatcherConfig struct {
	// CallTimeout bounds each individual provider call.
	CallTimeout time.Duration `yaml:"call_timeout" env:"CALL_TIMEOUT"`
}

// BreakerConfig tunes the circuit breakers.
type BreakerConfig struct {
	// MaxFailures is the consecutive-failure threshold that opens a circuit.
	MaxFailures int `yaml:"max_failures" env:"MAX_FAILURES"`
	// MaxBackoff caps the open-circuit backoff.
	MaxBackoff time.Duration `yaml:"max_backoff" env:"MAX_BACKOFF"`
}

// RetrievalConfig tunes hybrid retrieval.
type RetrievalConfig struct {
	// VectorTopK caps the vector search result count.
	VectorTopK int `yaml:"vector_top_k" env:"VECTOR_TOP_K"`
	// GraphHops bounds graph expansion depth.
	GraphHops int `yaml:"graph_hops" env:"GRAPH_HOPS"`
	// RRFK is the reciprocal rank fusion constant.
	RRFK int `yaml:"rrf_k" env:"RRF_K"`
	// FinalTopN is the fused result count handed to the orchestrator.
	FinalTopN int `yaml:"final_top_n" env:"FINAL_TOP_N"`
}

// AgentConfig tunes the orchestration loop.
type AgentConfig struct {
	// MaxRetries bounds rewrite rounds per query.
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
	// EvalThreshold is the passing combined evaluation score.
	EvalThreshold float64 `yaml:"eval_threshold" env:"EVAL_THRESHOLD"`
	// MaxSubQuestions caps plan decomposition.
	MaxSubQuestions int `yaml:"max_sub_questions" env:"MAX_SUB_QUESTIONS"`
}

// EmbeddingsConfig configures the embedding client.
type EmbeddingsConfig struct {
	// BaseURL is the Ollama server root.
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// Model is the embedding model.
	Model string `yaml:"model" env:"MODEL"`
	// Dimensions is the vector size the model produces.
	Dimensions int `yaml:"dimensions" env:"DIMENSIONS"`
	// MaxBatchSize caps texts per request.
	MaxBatchSize int `yaml:"max_batch_size" env:"MAX_BATCH_SIZE"`
	// RequestsPerSecond paces outgoing requests; 0 disables pacing.
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"REQUESTS_PER_SECOND"`
	// CacheSize is the per-text LRU capacity.
	CacheSize int `yaml:"cache_size" env:"CACHE_SIZE"`
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	// Enabled turns answer caching on.
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// RedisAddr enables the redis backend when non-empty; otherwise an
	// in-process LRU is used.
	RedisAddr string `yaml:"redis_addr" env:"REDIS_ADDR"`
	// RedisPassword authenticates against redis.
	RedisPassword string `yaml:"redis_password" env:"REDIS_PASSWORD"`
	// RedisDB selects the redis database.
	RedisDB int `yaml:"redis_db" env:"REDIS_DB"`
	// TTL is how long a cached answer stays valid.
	TTL time.Duration `yaml:"ttl" env:"TTL"`
	// LocalSize is the in-process LRU capacity.
	LocalSize int `yaml:"local_size" env:"LOCAL_SIZE"`
}

// AuditConfig configures the query audit store.
type AuditConfig struct {
	// Enabled turns audit persistence on.
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// Path is the sqlite database file.
	Path string `yaml:"path" env:"PATH"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level: debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json or console.
	Format string `yaml:"format" env:"FORMAT"`
	// OutputPaths are zap sink URLs.
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
}

// TelemetryConfig configures tracing.
type TelemetryConfig struct {
	// Enabled turns OTLP trace export on.
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLPEndpoint is the collector address.
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// ServiceName labels exported spans.
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// SampleRate is the trace sampling ratio in [0,1].
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// Loader loads configuration with builder-style options.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a loader with the default env prefix.
func NewLoader() *Loader {
	return &Loader{envPrefix: "GRAPHMIND"}
}

// WithConfigPath sets the YAML file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator appends a validation function run after loading.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load resolves the configuration: defaults, then YAML file, then env.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}
		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// Comma-separated string slices only.
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}
	return nil
}

// MustLoad loads the configuration or panics.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	var errs []string

	if len(c.Providers) == 0 {
		errs = append(errs, "at least one provider is required")
	}
	for i, p := range c.Providers {
		if p.Name == "" {
			errs = append(errs, fmt.Sprintf("provider %d has no name", i))
		}
		switch p.Type {
		case "openai_compat", "ollama":
		default:
			errs = append(errs, fmt.Sprintf("provider %q has unknown type %q", p.Name, p.Type))
		}
	}
	if c.Agent.MaxRetries < 0 {
		errs = append(errs, "max_retries must not be negative")
	}
	if c.Agent.EvalThreshold < 0 || c.Agent.EvalThreshold > 1 {
		errs = append(errs, "eval_threshold must be between 0 and 1")
	}
	if c.Retrieval.VectorTopK <= 0 {
		errs = append(errs, "vector_top_k must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
