package api

import (
	"encoding/json"
	"io"
	"log"
	"net/http"

	"github.com/pelorus-track/pelorus/internal/bus"
)

// HandleGetConfig returns GET /api/config: the current fusion settings.
func HandleGetConfig(store SettingsStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, store.Settings())
	}
}

// HandlePatchConfig returns PATCH /api/config. The body is a partial
// settings document; absent fields keep their current values. A successful
// patch is applied to the engine and announced on config:update so other
// processes and gateway clients pick it up.
func HandlePatchConfig(store SettingsStore, pub Publisher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "cannot read request body")
			return
		}
		next, err := store.Settings().Patch(body)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
			return
		}
		store.UpdateSettings(next)
		log.Printf("[api] fusion settings patched")

		if pub != nil {
			payload, err := json.Marshal(next)
			if err == nil {
				pub.Publish(bus.ChannelConfigUpdate, payload)
			}
		}
		WriteJSON(w, http.StatusOK, next)
	}
}
