package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// FusionSettings holds the hot-updatable fusion tunables. A snapshot is held
// in an atomic.Pointer by the runtime; updates arrive over the config:update
// bus channel and replace the whole snapshot. In-flight windows are kept;
// new values apply to subsequently ingested messages.
type FusionSettings struct {
	// Window / lateness
	WindowMs          int64 `json:"window_ms"`
	AllowedLatenessMs int64 `json:"allowed_lateness_ms"`
	MaxAgeMs          int64 `json:"max_age_ms"` // 0 = unset, lateness rule applies

	// Publish gates
	MinMoveMeters        float64 `json:"min_move_meters"`
	PublishMinIntervalMs int64   `json:"publish_min_interval_ms"`

	// Backfill mode: disables lateness checks and window trimming.
	AcceptAll bool `json:"accept_all"`

	// Scoring coefficients. The three terms (recency, source weight, sanity)
	// are fixed; only their relative weights are tunable.
	ScoreRecencyWeight float64  `json:"score_recency_weight"`
	ScoreSourceWeight  float64  `json:"score_source_weight"`
	ScoreSanityWeight  float64  `json:"score_sanity_weight"`
	RecencyHorizon     Duration `json:"recency_horizon"`

	// History min-move filter. Zero values disable the filter.
	MinPositionDistanceMeters float64  `json:"min_position_distance_meters"`
	MaxPositionAge            Duration `json:"max_position_age"`
}

// NewDefaultFusionSettings returns FusionSettings populated with defaults.
func NewDefaultFusionSettings() *FusionSettings {
	return &FusionSettings{
		WindowMs:          60_000,
		AllowedLatenessMs: 30_000,
		MaxAgeMs:          0,

		MinMoveMeters:        5,
		PublishMinIntervalMs: 5_000,

		AcceptAll: false,

		ScoreRecencyWeight: 0.5,
		ScoreSourceWeight:  0.3,
		ScoreSanityWeight:  0.2,
		RecencyHorizon:     Duration(15 * time.Minute),

		MinPositionDistanceMeters: 0,
		MaxPositionAge:            0,
	}
}

// LoadFusionSettings builds the initial settings from defaults overridden by
// environment variables.
func LoadFusionSettings() (*FusionSettings, error) {
	s := NewDefaultFusionSettings()
	var errs []string

	s.WindowMs = envInt64("PELORUS_WINDOW_MS", s.WindowMs, &errs)
	s.AllowedLatenessMs = envInt64("PELORUS_ALLOWED_LATENESS_MS", s.AllowedLatenessMs, &errs)
	s.MaxAgeMs = envInt64("PELORUS_MAX_AGE_MS", s.MaxAgeMs, &errs)
	s.MinMoveMeters = envFloat("PELORUS_MIN_MOVE_METERS", s.MinMoveMeters, &errs)
	s.PublishMinIntervalMs = envInt64("PELORUS_PUBLISH_MIN_INTERVAL_MS", s.PublishMinIntervalMs, &errs)
	s.AcceptAll = envBool("PELORUS_ACCEPT_ALL", s.AcceptAll, &errs)

	if len(errs) > 0 {
		return nil, fmt.Errorf("fusion settings: %v", errs)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks internal consistency of the settings.
func (s *FusionSettings) Validate() error {
	if s.WindowMs <= 0 {
		return fmt.Errorf("window_ms must be positive, got %d", s.WindowMs)
	}
	if s.AllowedLatenessMs < 0 {
		return fmt.Errorf("allowed_lateness_ms must not be negative, got %d", s.AllowedLatenessMs)
	}
	if s.MaxAgeMs < 0 {
		return fmt.Errorf("max_age_ms must not be negative, got %d", s.MaxAgeMs)
	}
	if s.MinMoveMeters < 0 {
		return fmt.Errorf("min_move_meters must not be negative, got %v", s.MinMoveMeters)
	}
	if s.PublishMinIntervalMs < 0 {
		return fmt.Errorf("publish_min_interval_ms must not be negative, got %d", s.PublishMinIntervalMs)
	}
	for name, w := range map[string]float64{
		"score_recency_weight": s.ScoreRecencyWeight,
		"score_source_weight":  s.ScoreSourceWeight,
		"score_sanity_weight":  s.ScoreSanityWeight,
	} {
		if w < 0 {
			return fmt.Errorf("%s must not be negative, got %v", name, w)
		}
	}
	if s.ScoreRecencyWeight+s.ScoreSourceWeight+s.ScoreSanityWeight <= 0 {
		return fmt.Errorf("score weights must not all be zero")
	}
	if s.RecencyHorizon.Std() <= 0 {
		return fmt.Errorf("recency_horizon must be positive, got %v", s.RecencyHorizon.Std())
	}
	return nil
}

// Patch returns a copy of s with the fields present in the JSON document
// applied on top. The receiver is not modified; the copy is validated.
func (s *FusionSettings) Patch(doc []byte) (*FusionSettings, error) {
	next := *s
	if err := json.Unmarshal(doc, &next); err != nil {
		return nil, fmt.Errorf("settings patch: %w", err)
	}
	if err := next.Validate(); err != nil {
		return nil, fmt.Errorf("settings patch: %w", err)
	}
	return &next, nil
}
