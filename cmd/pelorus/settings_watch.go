package main

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/pelorus-track/pelorus/internal/config"
	"github.com/pelorus-track/pelorus/internal/fusion"
)

// applySettingsUpdate validates a config:update payload and swaps it into
// the engine. The payload is the full settings document, not a patch: the
// publishing process already merged it.
func applySettingsUpdate(engine *fusion.Engine, payload []byte) error {
	var next config.FusionSettings
	if err := json.Unmarshal(payload, &next); err != nil {
		return fmt.Errorf("settings update: %w", err)
	}
	if err := next.Validate(); err != nil {
		return fmt.Errorf("settings update: %w", err)
	}
	engine.UpdateSettings(&next)
	log.Printf("[main] fusion settings updated: window=%dms lateness=%dms min_move=%.1fm interval=%dms",
		next.WindowMs, next.AllowedLatenessMs, next.MinMoveMeters, next.PublishMinIntervalMs)
	return nil
}
