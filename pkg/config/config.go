package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/vyvo/studio/backend/pkg/setup"
)

// Config captures runtime settings for the orchestrator service.
type Config struct {
	ListenAddr  string            `mapstructure:"listen_addr"`
	APIKeys     []string          `mapstructure:"api_keys"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Marketplace MarketplaceConfig `mapstructure:"marketplace"`
	SSH         SSHConfig         `mapstructure:"ssh"`
	Setup       SetupConfig       `mapstructure:"setup"`
	Inference   InferenceConfig   `mapstructure:"inference"`
	Poll        PollConfig        `mapstructure:"poll"`
	Progress    ProgressConfig    `mapstructure:"progress"`
	Refresh     RefreshConfig     `mapstructure:"refresh"`
	Log         LogConfig         `mapstructure:"log"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
}

type StorageConfig struct {
	// Driver is one of file, postgres or badger.
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
	DSN    string `mapstructure:"dsn"`
}

type MarketplaceConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type SSHConfig struct {
	User        string        `mapstructure:"user"`
	KeyPath     string        `mapstructure:"key_path"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Command     string        `mapstructure:"command"`
}

type SetupConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	GuardInterval time.Duration `mapstructure:"guard_interval"`
	ScriptPath    string        `mapstructure:"script_path"`
	InstallDir    string        `mapstructure:"install_dir"`
	Models        []setup.Model `mapstructure:"models"`
}

type InferenceConfig struct {
	Port          int           `mapstructure:"port"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
	ResolveBudget time.Duration `mapstructure:"resolve_budget"`
	ClientTimeout time.Duration `mapstructure:"client_timeout"`
}

type PollConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	DemoDelay   time.Duration `mapstructure:"demo_delay"`
}

type ProgressConfig struct {
	// Relay is one of none, redis or nats.
	Relay    string `mapstructure:"relay"`
	RedisURL string `mapstructure:"redis_url"`
	NATSURL  string `mapstructure:"nats_url"`
	Topic    string `mapstructure:"topic"`
	Buffer   int    `mapstructure:"buffer"`
	// SnapshotRetention is how long /progress keeps serving the last
	// snapshot after a generation finishes.
	SnapshotRetention time.Duration `mapstructure:"snapshot_retention"`
}

type RefreshConfig struct {
	Schedule string        `mapstructure:"schedule"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8090")
	v.SetDefault("api_keys", []string{})

	v.SetDefault("storage.driver", "file")
	v.SetDefault("storage.path", "./data")
	v.SetDefault("storage.dsn", "")

	v.SetDefault("marketplace.base_url", "https://console.vast.ai/api/v0")
	v.SetDefault("marketplace.api_key", "")
	v.SetDefault("marketplace.timeout", 30*time.Second)

	v.SetDefault("ssh.user", "root")
	v.SetDefault("ssh.key_path", "")
	v.SetDefault("ssh.dial_timeout", 30*time.Second)
	v.SetDefault("ssh.command", "bash -s")

	v.SetDefault("setup.timeout", 30*time.Minute)
	v.SetDefault("setup.guard_interval", 10*time.Second)
	v.SetDefault("setup.script_path", "")
	v.SetDefault("setup.install_dir", "/workspace/ComfyUI")
	v.SetDefault("setup.models", []setup.Model{})

	v.SetDefault("inference.port", 8188)
	v.SetDefault("inference.probe_timeout", 5*time.Second)
	v.SetDefault("inference.resolve_budget", 20*time.Second)
	v.SetDefault("inference.client_timeout", 30*time.Second)

	v.SetDefault("poll.interval", 5*time.Second)
	v.SetDefault("poll.max_attempts", 60)
	v.SetDefault("poll.demo_delay", 3*time.Second)

	v.SetDefault("progress.relay", "none")
	v.SetDefault("progress.redis_url", "redis://localhost:6379/0")
	v.SetDefault("progress.nats_url", "nats://localhost:4222")
	v.SetDefault("progress.topic", "orchestrator.progress")
	v.SetDefault("progress.buffer", 256)
	v.SetDefault("progress.snapshot_retention", "5m")

	v.SetDefault("refresh.schedule", "@every 30s")
	v.SetDefault("refresh.timeout", 2*time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "studio-orchestrator")
}

// Load reads configuration from defaults, an optional config file, a .env
// file and ORCHESTRATOR_* environment variables, in increasing precedence.
// An empty configFile searches ./configs for config.yaml.
func Load(configFile string) (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("./configs")
	}
	v.SetEnvPrefix("ORCHESTRATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects unknown drivers and settings that would make loops spin.
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case "file", "badger":
	case "postgres":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return fmt.Errorf("storage.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	switch c.Progress.Relay {
	case "none", "redis", "nats":
	default:
		return fmt.Errorf("unknown progress.relay %q", c.Progress.Relay)
	}
	if c.Poll.Interval <= 0 || c.Poll.MaxAttempts <= 0 {
		return fmt.Errorf("poll.interval and poll.max_attempts must be positive")
	}
	if c.Setup.Timeout <= 0 {
		return fmt.Errorf("setup.timeout must be positive")
	}
	return nil
}
