package fusion

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the single tuning surface for the engine. Every threshold, weight
// and window lives here so deployments tune behavior without touching logic.
type Config struct {
	// ModalityWeights are per-modality base weights, renormalized over the
	// modalities actually present in each batch.
	ModalityWeights map[string]float64

	// InitialTrust seeds a session's previous trust on its first batch.
	// Whether a fresh session starts trusted or suspect is deployment policy.
	InitialTrust float64

	// DecayAlpha blends fresh evidence into the running trust:
	// trust = alpha*computed + (1-alpha)*previous.
	DecayAlpha float64

	WarnThreshold    float64
	ReauthThreshold  float64
	HysteresisMargin float64

	// ConfidenceFloor drops modality scores whose confidence is below it
	// before fusion.
	ConfidenceFloor float64

	// MinFeatureFraction is the minimum fraction of a modality's required
	// features that must be present to score it fresh.
	MinFeatureFraction float64

	// StalenessWindow bounds how long a modality's previous score may be
	// carried forward; beyond it the modality is simply absent.
	StalenessWindow time.Duration

	// Drift detection windows (in batches) and margin.
	ShortWindow          int
	LongWindow           int
	DriftMargin          float64
	DriftMinBreaches     int
	DriftCooldownBatches int

	HistoryLimit int
	TopNFeatures int

	// AnomalyAlertThreshold feeds the multiple_risk_factors alert rule.
	AnomalyAlertThreshold float64

	// Risk tiers and per-tier recheck pacing returned to collectors.
	RiskLowMin    float64
	RiskMediumMin float64
	RecheckLow    time.Duration
	RecheckMedium time.Duration
	RecheckHigh   time.Duration
}

// DefaultConfig returns the engine defaults. Weights and pacing follow the
// values the production monitor shipped with.
func DefaultConfig() Config {
	return Config{
		ModalityWeights: map[string]float64{
			ModalityKeystroke: 0.4,
			ModalityGaze:      0.2,
			ModalityPose:      0.2,
			ModalityEmotion:   0.2,
		},
		InitialTrust:          0.8,
		DecayAlpha:            0.3,
		WarnThreshold:         0.4,
		ReauthThreshold:       0.2,
		HysteresisMargin:      0.05,
		ConfidenceFloor:       0.3,
		MinFeatureFraction:    0.5,
		StalenessWindow:       30 * time.Second,
		ShortWindow:           5,
		LongWindow:            20,
		DriftMargin:           0.1,
		DriftMinBreaches:      2,
		DriftCooldownBatches:  10,
		HistoryLimit:          100,
		TopNFeatures:          5,
		AnomalyAlertThreshold: 0.6,
		RiskLowMin:            0.7,
		RiskMediumMin:         0.5,
		RecheckLow:            300 * time.Second,
		RecheckMedium:         120 * time.Second,
		RecheckHigh:           30 * time.Second,
	}
}

// fileConfig mirrors Config for YAML with durations in whole seconds.
type fileConfig struct {
	ModalityWeights       map[string]float64 `yaml:"modality_weights"`
	InitialTrust          *float64           `yaml:"initial_trust"`
	DecayAlpha            *float64           `yaml:"decay_alpha"`
	WarnThreshold         *float64           `yaml:"warn_threshold"`
	ReauthThreshold       *float64           `yaml:"reauth_threshold"`
	HysteresisMargin      *float64           `yaml:"hysteresis_margin"`
	ConfidenceFloor       *float64           `yaml:"confidence_floor"`
	MinFeatureFraction    *float64           `yaml:"min_feature_fraction"`
	StalenessWindowSec    *int               `yaml:"staleness_window_sec"`
	ShortWindow           *int               `yaml:"short_window"`
	LongWindow            *int               `yaml:"long_window"`
	DriftMargin           *float64           `yaml:"drift_margin"`
	DriftMinBreaches      *int               `yaml:"drift_min_breaches"`
	DriftCooldownBatches  *int               `yaml:"drift_cooldown_batches"`
	HistoryLimit          *int               `yaml:"history_limit"`
	TopNFeatures          *int               `yaml:"top_n_features"`
	AnomalyAlertThreshold *float64           `yaml:"anomaly_alert_threshold"`
	RiskLowMin            *float64           `yaml:"risk_low_min"`
	RiskMediumMin         *float64           `yaml:"risk_medium_min"`
	RecheckLowSec         *int               `yaml:"recheck_low_sec"`
	RecheckMediumSec      *int               `yaml:"recheck_medium_sec"`
	RecheckHighSec        *int               `yaml:"recheck_high_sec"`
}

// LoadConfig builds a Config from defaults, an optional YAML file, and
// TRUSTD_* environment overrides, then validates the result. Empty path skips
// the file layer.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		var fc fileConfig
		if err := yaml.Unmarshal(raw, &fc); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
		fc.apply(&cfg)
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (fc *fileConfig) apply(cfg *Config) {
	if len(fc.ModalityWeights) > 0 {
		cfg.ModalityWeights = fc.ModalityWeights
	}
	setF := func(dst *float64, src *float64) {
		if src != nil {
			*dst = *src
		}
	}
	setI := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	setD := func(dst *time.Duration, src *int) {
		if src != nil {
			*dst = time.Duration(*src) * time.Second
		}
	}
	setF(&cfg.InitialTrust, fc.InitialTrust)
	setF(&cfg.DecayAlpha, fc.DecayAlpha)
	setF(&cfg.WarnThreshold, fc.WarnThreshold)
	setF(&cfg.ReauthThreshold, fc.ReauthThreshold)
	setF(&cfg.HysteresisMargin, fc.HysteresisMargin)
	setF(&cfg.ConfidenceFloor, fc.ConfidenceFloor)
	setF(&cfg.MinFeatureFraction, fc.MinFeatureFraction)
	setD(&cfg.StalenessWindow, fc.StalenessWindowSec)
	setI(&cfg.ShortWindow, fc.ShortWindow)
	setI(&cfg.LongWindow, fc.LongWindow)
	setF(&cfg.DriftMargin, fc.DriftMargin)
	setI(&cfg.DriftMinBreaches, fc.DriftMinBreaches)
	setI(&cfg.DriftCooldownBatches, fc.DriftCooldownBatches)
	setI(&cfg.HistoryLimit, fc.HistoryLimit)
	setI(&cfg.TopNFeatures, fc.TopNFeatures)
	setF(&cfg.AnomalyAlertThreshold, fc.AnomalyAlertThreshold)
	setF(&cfg.RiskLowMin, fc.RiskLowMin)
	setF(&cfg.RiskMediumMin, fc.RiskMediumMin)
	setD(&cfg.RecheckLow, fc.RecheckLowSec)
	setD(&cfg.RecheckMedium, fc.RecheckMediumSec)
	setD(&cfg.RecheckHigh, fc.RecheckHighSec)
}

func applyEnv(cfg *Config) error {
	envF := map[string]*float64{
		"TRUSTD_INITIAL_TRUST":     &cfg.InitialTrust,
		"TRUSTD_DECAY_ALPHA":       &cfg.DecayAlpha,
		"TRUSTD_WARN_THRESHOLD":    &cfg.WarnThreshold,
		"TRUSTD_REAUTH_THRESHOLD":  &cfg.ReauthThreshold,
		"TRUSTD_HYSTERESIS_MARGIN": &cfg.HysteresisMargin,
		"TRUSTD_CONFIDENCE_FLOOR":  &cfg.ConfidenceFloor,
		"TRUSTD_DRIFT_MARGIN":      &cfg.DriftMargin,
	}
	for key, dst := range envF {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: %s=%q: %w", key, v, err)
		}
		*dst = f
	}
	envI := map[string]*int{
		"TRUSTD_SHORT_WINDOW":  &cfg.ShortWindow,
		"TRUSTD_LONG_WINDOW":   &cfg.LongWindow,
		"TRUSTD_HISTORY_LIMIT": &cfg.HistoryLimit,
		"TRUSTD_TOP_N":         &cfg.TopNFeatures,
	}
	for key, dst := range envI {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s=%q: %w", key, v, err)
		}
		*dst = n
	}
	if v := os.Getenv("TRUSTD_STALENESS_SEC"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: TRUSTD_STALENESS_SEC=%q: %w", v, err)
		}
		cfg.StalenessWindow = time.Duration(n) * time.Second
	}
	return nil
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if len(c.ModalityWeights) == 0 {
		return fmt.Errorf("config: modality_weights empty")
	}
	for m, w := range c.ModalityWeights {
		if w <= 0 {
			return fmt.Errorf("config: weight for %s must be > 0, got %v", m, w)
		}
		if !knownModality(m) {
			return fmt.Errorf("config: weight for unknown modality %q", m)
		}
	}
	if c.DecayAlpha <= 0 || c.DecayAlpha > 1 {
		return fmt.Errorf("config: decay_alpha must be in (0,1], got %v", c.DecayAlpha)
	}
	if c.InitialTrust < 0 || c.InitialTrust > 1 {
		return fmt.Errorf("config: initial_trust must be in [0,1], got %v", c.InitialTrust)
	}
	if c.ReauthThreshold >= c.WarnThreshold {
		return fmt.Errorf("config: reauth_threshold %v must be below warn_threshold %v",
			c.ReauthThreshold, c.WarnThreshold)
	}
	if c.HysteresisMargin < 0 {
		return fmt.Errorf("config: hysteresis_margin must be >= 0, got %v", c.HysteresisMargin)
	}
	if c.ConfidenceFloor < 0 || c.ConfidenceFloor > 1 {
		return fmt.Errorf("config: confidence_floor must be in [0,1], got %v", c.ConfidenceFloor)
	}
	if c.MinFeatureFraction <= 0 || c.MinFeatureFraction > 1 {
		return fmt.Errorf("config: min_feature_fraction must be in (0,1], got %v", c.MinFeatureFraction)
	}
	if c.ShortWindow < 2 || c.LongWindow <= c.ShortWindow {
		return fmt.Errorf("config: need long_window > short_window >= 2, got %d/%d",
			c.ShortWindow, c.LongWindow)
	}
	if c.HistoryLimit < c.LongWindow {
		return fmt.Errorf("config: history_limit %d must cover long_window %d",
			c.HistoryLimit, c.LongWindow)
	}
	if c.DriftMinBreaches < 1 || c.DriftMinBreaches > c.ShortWindow {
		return fmt.Errorf("config: drift_min_breaches must be in [1,short_window], got %d",
			c.DriftMinBreaches)
	}
	if c.TopNFeatures < 1 {
		return fmt.Errorf("config: top_n_features must be >= 1, got %d", c.TopNFeatures)
	}
	if c.RiskMediumMin >= c.RiskLowMin {
		return fmt.Errorf("config: risk_medium_min %v must be below risk_low_min %v",
			c.RiskMediumMin, c.RiskLowMin)
	}
	return nil
}

// Risk buckets a trust value into a tier.
func (c Config) Risk(trust float64) RiskLevel {
	switch {
	case trust > c.RiskLowMin:
		return RiskLow
	case trust > c.RiskMediumMin:
		return RiskMedium
	default:
		return RiskHigh
	}
}

// Recheck returns the collector polling interval for a risk tier.
func (c Config) Recheck(risk RiskLevel) time.Duration {
	switch risk {
	case RiskLow:
		return c.RecheckLow
	case RiskMedium:
		return c.RecheckMedium
	default:
		return c.RecheckHigh
	}
}

func knownModality(name string) bool {
	for _, m := range Modalities {
		if m == name {
			return true
		}
	}
	return false
}
