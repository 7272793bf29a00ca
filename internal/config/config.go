package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// ErrConfiguration marks a missing or invalid setting detected at startup.
// The daemon refuses to process any negotiation until it is resolved.
var ErrConfiguration = errors.New("configuration error")

// Duration wraps time.Duration so YAML values like "48h" parse.
type Duration time.Duration

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%w: invalid duration %q: %v", ErrConfiguration, raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// QuestionPolicy decides whether counterpart questions are answered
// autonomously by the composer or always routed to a human.
type QuestionPolicy string

const (
	QuestionEscalate   QuestionPolicy = "escalate"
	QuestionAutonomous QuestionPolicy = "autonomous"
)

type Config struct {
	SocketPath string `yaml:"socket_path"`
	DBPath     string `yaml:"db_path"`

	ClassifierURL string `yaml:"classifier_url"`
	ComposerURL   string `yaml:"composer_url"`
	NotifierURL   string `yaml:"notifier_url"`

	MaxRounds           int            `yaml:"max_rounds"`
	ConfidenceThreshold float64        `yaml:"confidence_threshold"`
	QuestionPolicy      QuestionPolicy `yaml:"question_policy"`
	ReplyTimeout        Duration       `yaml:"reply_timeout"`
	SweepInterval       Duration       `yaml:"sweep_interval"`
	CollaboratorTimeout Duration       `yaml:"collaborator_timeout"`

	OutlierDeviationMultiple float64 `yaml:"outlier_deviation_multiple"`

	HardCapMultiple float64 `yaml:"hard_cap_multiple"`
	MidEngagement   float64 `yaml:"mid_engagement"`
	MidPremium      float64 `yaml:"mid_premium"`
	HighEngagement  float64 `yaml:"high_engagement"`
	HighPremium     float64 `yaml:"high_premium"`

	// Fallback CPM band for threads that belong to no campaign.
	DefaultFloorCPM   string `yaml:"default_floor_cpm"`
	DefaultCeilingCPM string `yaml:"default_ceiling_cpm"`

	MinDraftLength     int      `yaml:"min_draft_length"`
	CommitmentDenyList []string `yaml:"commitment_deny_list"`
	ForbiddenPhrases   []string `yaml:"forbidden_phrases"`
}

func DefaultConfig() Config {
	return Config{
		SocketPath:               defaultSocketPath(),
		DBPath:                   defaultDBPath(),
		MaxRounds:                5,
		ConfidenceThreshold:      0.7,
		QuestionPolicy:           QuestionEscalate,
		ReplyTimeout:             Duration(72 * time.Hour),
		SweepInterval:            Duration(10 * time.Minute),
		CollaboratorTimeout:      Duration(60 * time.Second),
		OutlierDeviationMultiple: 3.0,
		HardCapMultiple:          1.20,
		MidEngagement:            0.03,
		MidPremium:               1.08,
		HighEngagement:           0.06,
		HighPremium:              1.15,
		DefaultFloorCPM:          "10",
		DefaultCeilingCPM:        "30",
		MinDraftLength:           80,
		CommitmentDenyList: []string{
			"exclusive", "exclusivity", "in perpetuity", "perpetual license",
			"all future", "guarantee", "guaranteed", "usage rights", "whitelisting",
		},
		ForbiddenPhrases: []string{
			"total budget", "remaining budget", "internal target", "our ceiling",
			"maximum we can pay", "as an ai",
		},
	}
}

// Load reads a YAML file over the defaults. A missing path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: parse %s: %v", ErrConfiguration, path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.MaxRounds <= 0 {
		return fmt.Errorf("%w: max_rounds must be positive, got %d", ErrConfiguration, c.MaxRounds)
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("%w: confidence_threshold must be within [0,1], got %v", ErrConfiguration, c.ConfidenceThreshold)
	}
	switch c.QuestionPolicy {
	case QuestionEscalate, QuestionAutonomous:
	default:
		return fmt.Errorf("%w: question_policy must be escalate or autonomous, got %q", ErrConfiguration, c.QuestionPolicy)
	}
	if c.OutlierDeviationMultiple <= 0 {
		return fmt.Errorf("%w: outlier_deviation_multiple must be positive, got %v", ErrConfiguration, c.OutlierDeviationMultiple)
	}
	if c.HardCapMultiple < 1 {
		return fmt.Errorf("%w: hard_cap_multiple must be at least 1, got %v", ErrConfiguration, c.HardCapMultiple)
	}
	if c.MidEngagement <= 0 || c.HighEngagement <= c.MidEngagement {
		return fmt.Errorf("%w: engagement thresholds must satisfy 0 < mid < high, got %v/%v", ErrConfiguration, c.MidEngagement, c.HighEngagement)
	}
	if c.MidPremium < 1 || c.HighPremium < c.MidPremium {
		return fmt.Errorf("%w: premiums must satisfy 1 <= mid <= high, got %v/%v", ErrConfiguration, c.MidPremium, c.HighPremium)
	}
	if c.MinDraftLength <= 0 {
		return fmt.Errorf("%w: min_draft_length must be positive, got %d", ErrConfiguration, c.MinDraftLength)
	}
	floor, err := decimal.NewFromString(c.DefaultFloorCPM)
	if err != nil {
		return fmt.Errorf("%w: default_floor_cpm: %v", ErrConfiguration, err)
	}
	ceiling, err := decimal.NewFromString(c.DefaultCeilingCPM)
	if err != nil {
		return fmt.Errorf("%w: default_ceiling_cpm: %v", ErrConfiguration, err)
	}
	if floor.GreaterThan(ceiling) || floor.IsNegative() {
		return fmt.Errorf("%w: default CPM band must satisfy 0 <= floor <= ceiling, got %s/%s", ErrConfiguration, floor, ceiling)
	}
	return nil
}

// DefaultBandCPM returns the fallback floor/ceiling CPM rates. Call only
// after Validate has accepted the config.
func (c Config) DefaultBandCPM() (floor, ceiling decimal.Decimal) {
	floor, _ = decimal.NewFromString(c.DefaultFloorCPM)
	ceiling, _ = decimal.NewFromString(c.DefaultCeilingCPM)
	return floor, ceiling
}

// HardCap returns the hard-cap multiple as a decimal.
func (c Config) HardCap() decimal.Decimal {
	return decimal.NewFromFloat(c.HardCapMultiple)
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "dealgate", "dealgated.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".dealgated.sock"
	}
	return filepath.Join(home, ".local", "state", "dealgate", "dealgated.sock")
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "dealgate.db"
	}
	return filepath.Join(home, ".local", "state", "dealgate", "state.db")
}
