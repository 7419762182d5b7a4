package main

import (
	"encoding/json"
	"testing"

	"github.com/pelorus-track/pelorus/internal/config"
	"github.com/pelorus-track/pelorus/internal/fusion"
)

func TestApplySettingsUpdate(t *testing.T) {
	engine := fusion.NewEngine(config.NewDefaultFusionSettings(), nil)

	next := config.NewDefaultFusionSettings()
	next.MinMoveMeters = 42
	payload, err := json.Marshal(next)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := applySettingsUpdate(engine, payload); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := engine.Settings().MinMoveMeters; got != 42 {
		t.Fatalf("settings not applied: %v", got)
	}
}

func TestApplySettingsUpdate_RejectsInvalid(t *testing.T) {
	engine := fusion.NewEngine(config.NewDefaultFusionSettings(), nil)

	if err := applySettingsUpdate(engine, []byte(`{"window_ms": -1}`)); err == nil {
		t.Fatal("invalid document must be rejected")
	}
	if got := engine.Settings().WindowMs; got != 60_000 {
		t.Fatalf("rejected update must not apply: %v", got)
	}

	if err := applySettingsUpdate(engine, []byte(`not json`)); err == nil {
		t.Fatal("malformed document must be rejected")
	}
}
