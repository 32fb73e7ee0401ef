package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
	"gopkg.in/yaml.v3"
)

// Config gathers the tunables of the engine for file-driven setups. Every field has a default
// (see DefaultConfig) and the converters turn it into the options of each component.
type Config struct {
	MaxConcurrentElicitations int      `json:"max_concurrent_elicitations" yaml:"max_concurrent_elicitations"`
	ElicitationTimeout        Duration `json:"elicitation_timeout" yaml:"elicitation_timeout"`
	RequestTimeout            Duration `json:"request_timeout" yaml:"request_timeout"`

	Retry          RetryConfig          `json:"retry" yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker"`
	HealthCheck    HealthCheckConfig    `json:"health_check" yaml:"health_check"`
	Dedup          DedupConfig          `json:"dedup" yaml:"dedup"`
	Proxy          ProxyConfig          `json:"proxy" yaml:"proxy"`
}

// RetryConfig configures the RetryPolicy of a ResilientTransport.
type RetryConfig struct {
	MaxAttempts int      `json:"max_attempts" yaml:"max_attempts"`
	BaseDelay   Duration `json:"base_delay" yaml:"base_delay"`
	MaxDelay    Duration `json:"max_delay" yaml:"max_delay"`
	Multiplier  float64  `json:"multiplier" yaml:"multiplier"`
	Jitter      float64  `json:"jitter" yaml:"jitter"`
}

// CircuitBreakerConfig configures a CircuitBreaker.
type CircuitBreakerConfig struct {
	FailureThreshold int      `json:"failure_threshold" yaml:"failure_threshold"`
	Cooldown         Duration `json:"cooldown" yaml:"cooldown"`
}

// HealthCheckConfig configures the background health check. A zero interval disables it.
type HealthCheckConfig struct {
	Interval  Duration `json:"interval" yaml:"interval"`
	Timeout   Duration `json:"timeout" yaml:"timeout"`
	Threshold int      `json:"threshold" yaml:"threshold"`
}

// DedupConfig configures the inbound request DedupCache.
type DedupConfig struct {
	Size int      `json:"size" yaml:"size"`
	TTL  Duration `json:"ttl" yaml:"ttl"`
}

// ProxyConfig configures a Proxy. An empty AllowedMethods relays every method.
type ProxyConfig struct {
	SendTimeout    Duration `json:"send_timeout" yaml:"send_timeout"`
	AllowedMethods []string `json:"allowed_methods" yaml:"allowed_methods"`
}

// Duration is a time.Duration written as a string such as "250ms" or "1m30s". Plain numbers are
// read as nanoseconds.
type Duration time.Duration

// DefaultConfig returns the configuration every component uses when left unconfigured.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentElicitations: int(defaultMaxConcurrentElicitations),
		ElicitationTimeout:        Duration(defaultElicitationTimeout),
		RequestTimeout:            Duration(defaultClientRequestTimeout),
		Retry: RetryConfig{
			MaxAttempts: defaultRetryMaxAttempts,
			BaseDelay:   Duration(defaultRetryBaseDelay),
			MaxDelay:    Duration(defaultRetryMaxDelay),
			Multiplier:  defaultRetryMultiplier,
			Jitter:      defaultRetryJitter,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: defaultBreakerThreshold,
			Cooldown:         Duration(defaultBreakerCooldown),
		},
		HealthCheck: HealthCheckConfig{
			Interval:  Duration(defaultHealthInterval),
			Timeout:   Duration(defaultHealthTimeout),
			Threshold: defaultHealthThreshold,
		},
		Dedup: DedupConfig{
			Size: defaultDedupSize,
			TTL:  Duration(defaultDedupTTL),
		},
		Proxy: ProxyConfig{
			SendTimeout: Duration(defaultProxySendTimeout),
		},
	}
}

// LoadConfig reads a JSON configuration from r. Fields missing from the input keep their
// defaults; unknown fields are rejected.
func LoadConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()

	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfigYAML is LoadConfig for YAML input.
func LoadConfigYAML(r io.Reader) (Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfigFile reads the configuration at path, as YAML when the extension is .yaml or .yml
// and as JSON otherwise.
func LoadConfigFile(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return LoadConfigYAML(f)
	default:
		return LoadConfig(f)
	}
}

// Validate reports every invalid field, joined, each wrapping ErrInvalidConfig.
func (c Config) Validate() error {
	var errs []error
	invalid := func(field, format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s: %s", ErrInvalidConfig, field, fmt.Sprintf(format, args...)))
	}

	if c.MaxConcurrentElicitations < 1 {
		invalid("max_concurrent_elicitations", "must be at least 1, got %d", c.MaxConcurrentElicitations)
	}
	if c.ElicitationTimeout <= 0 {
		invalid("elicitation_timeout", "must be positive")
	}
	if c.RequestTimeout <= 0 {
		invalid("request_timeout", "must be positive")
	}

	if c.Retry.MaxAttempts < 1 {
		invalid("retry.max_attempts", "must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.BaseDelay < 0 {
		invalid("retry.base_delay", "must not be negative")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		invalid("retry.max_delay", "must not be below retry.base_delay")
	}
	if c.Retry.Multiplier < 1 {
		invalid("retry.multiplier", "must be at least 1, got %g", c.Retry.Multiplier)
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		invalid("retry.jitter", "must be within [0, 1], got %g", c.Retry.Jitter)
	}

	if c.CircuitBreaker.FailureThreshold < 1 {
		invalid("circuit_breaker.failure_threshold", "must be at least 1, got %d", c.CircuitBreaker.FailureThreshold)
	}
	if c.CircuitBreaker.Cooldown <= 0 {
		invalid("circuit_breaker.cooldown", "must be positive")
	}

	if c.HealthCheck.Interval < 0 {
		invalid("health_check.interval", "must not be negative")
	}
	if c.HealthCheck.Interval > 0 {
		if c.HealthCheck.Timeout <= 0 {
			invalid("health_check.timeout", "must be positive")
		}
		if c.HealthCheck.Threshold < 1 {
			invalid("health_check.threshold", "must be at least 1, got %d", c.HealthCheck.Threshold)
		}
	}

	if c.Dedup.Size < 1 {
		invalid("dedup.size", "must be at least 1, got %d", c.Dedup.Size)
	}
	if c.Dedup.TTL <= 0 {
		invalid("dedup.ttl", "must be positive")
	}

	if c.Proxy.SendTimeout <= 0 {
		invalid("proxy.send_timeout", "must be positive")
	}
	if _, err := CompileMethodFilter(c.Proxy.AllowedMethods...); err != nil {
		invalid("proxy.allowed_methods", "%v", err)
	}
	return errors.Join(errs...)
}

// RetryPolicy returns the retry policy described by the configuration.
func (c Config) RetryPolicy() RetryPolicy {
	p := DefaultRetryPolicy()
	p.MaxAttempts = c.Retry.MaxAttempts
	p.BaseDelay = c.Retry.BaseDelay.Duration()
	p.MaxDelay = c.Retry.MaxDelay.Duration()
	p.Multiplier = c.Retry.Multiplier
	p.Jitter = c.Retry.Jitter
	return p
}

// BreakerOptions returns the circuit breaker options described by the configuration.
func (c Config) BreakerOptions() []BreakerOption {
	return []BreakerOption{
		WithBreakerThreshold(c.CircuitBreaker.FailureThreshold),
		WithBreakerCooldown(c.CircuitBreaker.Cooldown.Duration()),
	}
}

// RegistryOptions returns the capability registry options described by the configuration.
func (c Config) RegistryOptions() []RegistryOption {
	return []RegistryOption{
		WithMaxConcurrentElicitations(c.MaxConcurrentElicitations),
		WithElicitationTimeout(c.ElicitationTimeout.Duration()),
	}
}

// ResilientOptions returns the resilient transport options described by the configuration.
func (c Config) ResilientOptions() []ResilientOption {
	opts := []ResilientOption{
		WithRetryPolicy(c.RetryPolicy()),
		WithBreakerOptions(c.BreakerOptions()...),
		WithResilientDedup(c.Dedup.Size, c.Dedup.TTL.Duration()),
	}
	if c.HealthCheck.Interval > 0 {
		opts = append(opts, WithHealthCheck(
			c.HealthCheck.Interval.Duration(),
			c.HealthCheck.Timeout.Duration(),
			c.HealthCheck.Threshold))
	}
	return opts
}

// ProxyOptions returns the proxy options described by the configuration.
func (c Config) ProxyOptions() ([]ProxyOption, error) {
	opts := []ProxyOption{WithProxySendTimeout(c.Proxy.SendTimeout.Duration())}
	if len(c.Proxy.AllowedMethods) > 0 {
		filter, err := CompileMethodFilter(c.Proxy.AllowedMethods...)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithProxyMethodFilter(filter))
	}
	return opts, nil
}

// ClientOptions returns the client options described by the configuration, starting with a
// registry built from RegistryOptions. Handler options must come after them.
func (c Config) ClientOptions() []ClientOption {
	return []ClientOption{
		WithClientRegistry(NewCapabilityRegistry(c.RegistryOptions()...)),
		WithClientRequestTimeout(c.RequestTimeout.Duration()),
	}
}

// Diff renders the settings of c that differ from base as YAML lines, prefixed with "- " for
// the base value and "+ " for the value in c. It returns an empty string when nothing differs.
func (c Config) Diff(base Config) (string, error) {
	from, err := yaml.Marshal(base)
	if err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}
	to, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}

	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(string(from), string(to))
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var sb strings.Builder
	for _, d := range diffs {
		var prefix string
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "- "
		case diffmatchpatch.DiffInsert:
			prefix = "+ "
		default:
			continue
		}
		for _, line := range strings.SplitAfter(d.Text, "\n") {
			if strings.TrimSpace(line) == "" {
				continue
			}
			sb.WriteString(prefix + strings.TrimLeft(line, " "))
		}
	}
	return sb.String(), nil
}

// Duration returns d as a time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch v := v.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(v))
	default:
		return fmt.Errorf("invalid duration %s", string(data))
	}
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		var n int64
		if nErr := value.Decode(&n); nErr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		parsed = time.Duration(n)
	}
	*d = Duration(parsed)
	return nil
}
