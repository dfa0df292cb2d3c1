package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"matchprobe/pkg/types"
)

// EnvPrefix namespaces every environment override, e.g. MATCHPROBE_RUN_VUS
const EnvPrefix = "MATCHPROBE"

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
// Each section maps to one component so wiring code never reaches across sections
type Config struct {
	Run       *RunConfig       `mapstructure:"run"`
	WebSocket *WebSocketConfig `mapstructure:"websocket"`
	HTTP      *HTTPConfig      `mapstructure:"http"`
	Results   *ResultsConfig   `mapstructure:"results"`
	Log       *LogConfig       `mapstructure:"log"`
	Target    *TargetConfig    `mapstructure:"target"`
}

// RunConfig drives the run controller and scenario
type RunConfig struct {
	VUs              int               `mapstructure:"vus"`
	Duration         time.Duration     `mapstructure:"duration"`
	Iterations       int               `mapstructure:"iterations"`
	IterationTimeout time.Duration     `mapstructure:"iteration_timeout"`
	GracefulStop     time.Duration     `mapstructure:"graceful_stop"`
	TargetWSURL      string            `mapstructure:"target_ws_url"`
	Threshold        float64           `mapstructure:"threshold"`
	Tags             map[string]string `mapstructure:"tags"`
}

// WebSocketConfig bounds the connection driver's handshake, close and frame size
type WebSocketConfig struct {
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	CloseTimeout     time.Duration `mapstructure:"close_timeout"`
	ReadLimit        int64         `mapstructure:"read_limit"`
}

// HTTPConfig configures the match URL prober's client
type HTTPConfig struct {
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxIdleConns   int           `mapstructure:"max_idle_conns"`
}

// ResultsConfig locates the sqlite results store; an empty path disables persistence
type ResultsConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig selects the zerolog level and output format
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TargetConfig configures the stub matchmaking server
type TargetConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Pairing   bool   `mapstructure:"pairing"`
	PublicURL string `mapstructure:"public_url"`
}

// defaults is the single source for both DefaultConfig and viper's defaults
var defaults = map[string]any{
	"run.vus":                     100,
	"run.duration":                "20s",
	"run.iterations":              0,
	"run.iteration_timeout":       "30s",
	"run.graceful_stop":           "30s",
	"run.target_ws_url":           "ws://localhost:3000/ws",
	"run.threshold":               1.0,
	"run.tags":                    map[string]string{"test": "websocket-match"},
	"websocket.handshake_timeout": "10s",
	"websocket.close_timeout":     "1s",
	"websocket.read_limit":        65536,
	"http.request_timeout":        "10s",
	"http.max_idle_conns":         100,
	"results.path":                "./matchprobe.db",
	"log.level":                   "info",
	"log.format":                  "console",
	"target.host":                 "0.0.0.0",
	"target.port":                 3000,
	"target.pairing":              false,
	"target.public_url":           "",
}

// envAliases are extra variables honored for a key, checked after the prefixed name
var envAliases = map[string][]string{
	"run.vus":      {"K6_VUS"},
	"run.duration": {"K6_DURATION"},
}

// FlagKeys maps CLI flag names onto configuration keys
var FlagKeys = map[string]string{
	"vus":        "run.vus",
	"duration":   "run.duration",
	"iterations": "run.iterations",
	"url":        "run.target_ws_url",
	"threshold":  "run.threshold",
	"db":         "results.path",
	"log-level":  "log.level",
	"log-format": "log.format",
	"port":       "target.port",
	"pairing":    "target.pairing",
	"public-url": "target.public_url",
}

// DefaultConfig returns the settings used when nothing overrides them
func DefaultConfig() *Config {
	config, err := decode(newViper())
	if err != nil {
		// defaults are static; failing to decode them is a programming error
		panic(fmt.Sprintf("invalid built-in configuration defaults: %v", err))
	}
	return config
}

// FUNCTIONAL DISCOVERY: Comprehensive validation prevents invalid run configurations
// Catching them here keeps the runner from starting a run it cannot finish
func (c *Config) Validate() error {
	if c.Run == nil || c.WebSocket == nil || c.HTTP == nil || c.Results == nil || c.Log == nil || c.Target == nil {
		return fmt.Errorf("all configuration sections are required")
	}

	if c.Run.VUs <= 0 {
		return fmt.Errorf("run vus must be positive")
	}
	if c.Run.Duration <= 0 {
		return fmt.Errorf("run duration must be positive")
	}
	if c.Run.Iterations < 0 {
		return fmt.Errorf("run iterations cannot be negative")
	}
	if c.Run.IterationTimeout <= 0 {
		return fmt.Errorf("run iteration timeout must be positive")
	}
	if c.Run.GracefulStop < 0 {
		return fmt.Errorf("run graceful stop cannot be negative")
	}
	if c.Run.Threshold < 0 || c.Run.Threshold > 1 {
		return fmt.Errorf("run threshold must be between 0 and 1")
	}
	if err := types.ValidateTargetURL(c.Run.TargetWSURL); err != nil {
		return fmt.Errorf("target URL %q: %w", c.Run.TargetWSURL, err)
	}

	if c.WebSocket.HandshakeTimeout <= 0 {
		return fmt.Errorf("WebSocket handshake timeout must be positive")
	}
	if c.WebSocket.CloseTimeout <= 0 {
		return fmt.Errorf("WebSocket close timeout must be positive")
	}
	if c.WebSocket.ReadLimit <= 0 {
		return fmt.Errorf("WebSocket read limit must be positive")
	}

	if c.HTTP.RequestTimeout <= 0 {
		return fmt.Errorf("HTTP request timeout must be positive")
	}
	if c.HTTP.MaxIdleConns <= 0 {
		return fmt.Errorf("HTTP max idle connections must be positive")
	}

	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil || c.Log.Level == "" {
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		return fmt.Errorf("log format must be console or json, got %q", c.Log.Format)
	}

	if c.Target.Port <= 0 || c.Target.Port > 65535 {
		return fmt.Errorf("target port must be between 1 and 65535")
	}

	return nil
}

// FUNCTIONAL DISCOVERY: Environment variable configuration enables deployment flexibility
// K6_VUS and K6_DURATION are honored so existing invocations keep working
func LoadFromEnv() (*Config, error) {
	v := newViper()
	bindEnv(v)
	return load(v)
}

// LoadFromFile reads a yaml, json or toml file over the defaults
func LoadFromFile(path string) (*Config, error) {
	v := newViper()
	if err := readFile(v, path); err != nil {
		return nil, err
	}
	return load(v)
}

// ARCHITECTURAL DISCOVERY: Configuration precedence: flags > environment > file > defaults
// A named file that cannot be read or parsed is an error, not a silent fallback
func LoadConfigWithPrecedence(path string, flags *pflag.FlagSet) (*Config, error) {
	v := newViper()

	if path != "" {
		if err := readFile(v, path); err != nil {
			return nil, err
		}
	}

	bindEnv(v)

	if flags != nil {
		for name, key := range FlagKeys {
			flag := flags.Lookup(name)
			if flag == nil {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return nil, fmt.Errorf("failed to bind flag --%s: %w", name, err)
			}
		}
	}

	return load(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	return v
}

func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, aliases := range envAliases {
		names := append([]string{EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}, aliases...)
		_ = v.BindEnv(append([]string{key}, names...)...)
	}
}

func readFile(v *viper.Viper, path string) error {
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return nil
}

func load(v *viper.Viper) (*Config, error) {
	config, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &config, nil
}
