package cli

import (
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/plysync/internal/bridge"
	"github.com/ChuLiYu/plysync/internal/classifier"
	"github.com/ChuLiYu/plysync/internal/controller"
	"github.com/ChuLiYu/plysync/internal/decision"
	"github.com/ChuLiYu/plysync/internal/engine"
	"github.com/ChuLiYu/plysync/internal/feed"
	"github.com/ChuLiYu/plysync/internal/watchdog"
	"github.com/ChuLiYu/plysync/pkg/types"
)

// Config represents the complete configuration file.
// Maps config file fields through YAML tags; missing keys keep defaults.
type Config struct {
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // text | json
	} `yaml:"log"`

	Bridge struct {
		Listen       string        `yaml:"listen"`
		Path         string        `yaml:"path"`
		LagMin       time.Duration `yaml:"lag_min"`
		LagMax       time.Duration `yaml:"lag_max"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"bridge"`

	Engine struct {
		Path         string          `yaml:"path"`
		Args         []string        `yaml:"args"`
		Options      []engine.Option `yaml:"options"`
		ReadyTimeout time.Duration   `yaml:"ready_timeout"`
		DrainTimeout time.Duration   `yaml:"drain_timeout"`
	} `yaml:"engine"`

	Feed struct {
		PlayAs          string `yaml:"play_as"`           // both | w | b
		EvenVersionSide string `yaml:"even_version_side"` // side to move on even versions when the feed omits it
		DefaultCastling string `yaml:"default_castling"`
	} `yaml:"feed"`

	Classifier struct {
		HumanWindowMin time.Duration `yaml:"human_window_min"`
		HumanWindowMax time.Duration `yaml:"human_window_max"`
		HumanCooldown  time.Duration `yaml:"human_cooldown"`
	} `yaml:"classifier"`

	Scheduler struct {
		Debounce time.Duration `yaml:"debounce"`
	} `yaml:"scheduler"`

	Decision struct {
		decision.BudgetConfig `yaml:",inline"`
		Policies              decision.PolicyConfig `yaml:"policies"`
	} `yaml:"decision"`

	Submitter struct {
		ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
		SendRetries    int           `yaml:"send_retries"`
		SendBackoff    time.Duration `yaml:"send_backoff"`
	} `yaml:"submitter"`

	Watchdog struct {
		Interval      time.Duration `yaml:"interval"`
		IdleThreshold time.Duration `yaml:"idle_threshold"`
		StuckMultiple float64       `yaml:"stuck_multiple"` // times the largest decision ceiling
		EscalateAfter int           `yaml:"escalate_after"`
	} `yaml:"watchdog"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Health struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"health"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	ctrl := controller.DefaultConfig()
	bc := bridge.DefaultConfig()
	wd := watchdog.DefaultConfig()

	cfg := &Config{}
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"

	cfg.Bridge.Listen = "127.0.0.1:8765"
	cfg.Bridge.Path = "/bridge"
	cfg.Bridge.LagMin = bc.LagMin
	cfg.Bridge.LagMax = bc.LagMax
	cfg.Bridge.WriteTimeout = bc.WriteTimeout

	cfg.Engine.Path = "stockfish"
	cfg.Engine.Options = engine.DefaultOptions()
	cfg.Engine.ReadyTimeout = 10 * time.Second
	cfg.Engine.DrainTimeout = 3 * time.Second

	cfg.Feed.PlayAs = ctrl.PlayAs
	cfg.Feed.EvenVersionSide = string(ctrl.Feed.EvenVersionSide)
	cfg.Feed.DefaultCastling = ctrl.Feed.DefaultCastling

	cfg.Classifier.HumanWindowMin = ctrl.Window.Min
	cfg.Classifier.HumanWindowMax = ctrl.Window.Max
	cfg.Classifier.HumanCooldown = ctrl.HumanCooldown

	cfg.Scheduler.Debounce = ctrl.Debounce
	cfg.Decision.BudgetConfig = ctrl.Budget
	cfg.Decision.Policies = decision.DefaultPolicyConfig()

	cfg.Submitter.ConfirmTimeout = ctrl.ConfirmTimeout
	cfg.Submitter.SendRetries = ctrl.SendRetries
	cfg.Submitter.SendBackoff = ctrl.SendBackoff

	cfg.Watchdog.Interval = wd.Interval
	cfg.Watchdog.IdleThreshold = wd.IdleThreshold
	cfg.Watchdog.StuckMultiple = 1.5
	cfg.Watchdog.EscalateAfter = wd.EscalateAfter

	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = 9090
	cfg.Health.Enabled = true
	cfg.Health.Port = 50051
	return cfg
}

// loadConfig reads path over the defaults and validates the result.
func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks ranges that would make the controller misbehave.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Feed.PlayAs) {
	case "both", "w", "b", "white", "black":
	default:
		return fmt.Errorf("feed.play_as must be both, w or b, got %q", c.Feed.PlayAs)
	}
	if _, ok := types.ParseSide(c.Feed.EvenVersionSide); !ok {
		return fmt.Errorf("feed.even_version_side must be w or b, got %q", c.Feed.EvenVersionSide)
	}
	if c.Classifier.HumanWindowMin < 0 || c.Classifier.HumanWindowMax < c.Classifier.HumanWindowMin {
		return fmt.Errorf("classifier window [%s, %s] is empty", c.Classifier.HumanWindowMin, c.Classifier.HumanWindowMax)
	}
	if c.Scheduler.Debounce <= 0 {
		return fmt.Errorf("scheduler.debounce must be positive")
	}
	if c.Decision.ThinkMin <= 0 || c.Decision.ThinkMax < c.Decision.ThinkMin {
		return fmt.Errorf("decision think time range [%s, %s] is invalid", c.Decision.ThinkMin, c.Decision.ThinkMax)
	}
	for name, rate := range map[string]float64{
		"draw_avoidance.rate":      c.Decision.Policies.DrawAvoidance.Rate,
		"elegant_alternative.rate": c.Decision.Policies.Alternative.Rate,
	} {
		if rate < 0 || rate > 1 {
			return fmt.Errorf("decision.policies.%s must be within [0, 1], got %g", name, rate)
		}
	}
	if c.Submitter.ConfirmTimeout <= 0 {
		return fmt.Errorf("submitter.confirm_timeout must be positive")
	}
	if c.Submitter.SendRetries < 0 {
		return fmt.Errorf("submitter.send_retries must not be negative")
	}
	if c.Watchdog.StuckMultiple < 1 {
		return fmt.Errorf("watchdog.stuck_multiple must be at least 1, got %g", c.Watchdog.StuckMultiple)
	}
	if c.Bridge.LagMax < c.Bridge.LagMin {
		return fmt.Errorf("bridge lag range [%s, %s] is invalid", c.Bridge.LagMin, c.Bridge.LagMax)
	}
	return c.watchdogConfig().Validate()
}

func (c *Config) watchdogConfig() watchdog.Config {
	return watchdog.Config{
		Interval:      c.Watchdog.Interval,
		StuckAfter:    time.Duration(float64(c.Decision.MaxCeiling()) * c.Watchdog.StuckMultiple),
		IdleThreshold: c.Watchdog.IdleThreshold,
		EscalateAfter: c.Watchdog.EscalateAfter,
	}
}

// controllerConfig maps the file onto controller.Config.
func (c *Config) controllerConfig() controller.Config {
	playAs := strings.ToLower(c.Feed.PlayAs)
	if side, ok := types.ParseSide(playAs); ok {
		playAs = string(side)
	}
	even, _ := types.ParseSide(c.Feed.EvenVersionSide)
	return controller.Config{
		PlayAs:         playAs,
		Debounce:       c.Scheduler.Debounce,
		HumanCooldown:  c.Classifier.HumanCooldown,
		ConfirmTimeout: c.Submitter.ConfirmTimeout,
		SendRetries:    c.Submitter.SendRetries,
		SendBackoff:    c.Submitter.SendBackoff,
		Window:         classifier.Window{Min: c.Classifier.HumanWindowMin, Max: c.Classifier.HumanWindowMax},
		Feed: feed.Config{
			EvenVersionSide: even,
			DefaultCastling: c.Feed.DefaultCastling,
		},
		Budget:        c.Decision.BudgetConfig,
		Watchdog:      c.watchdogConfig(),
		EngineOptions: c.Engine.Options,
	}
}

// pipeline builds the style policies from decision.policies.
func (c *Config) pipeline() decision.Pipeline {
	return decision.NewPipeline(c.Decision.Policies, rand.Float64)
}

func (c *Config) bridgeConfig() bridge.Config {
	bc := bridge.DefaultConfig()
	bc.LagMin = c.Bridge.LagMin
	bc.LagMax = c.Bridge.LagMax
	bc.WriteTimeout = c.Bridge.WriteTimeout
	return bc
}

// newLogger builds the process logger from the log section.
func newLogger(c *Config, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
