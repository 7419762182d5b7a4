package api

import (
	"net/http"
	"strconv"

	"github.com/pelorus-track/pelorus/internal/dlq"
)

const defaultDeadPeekLimit = 100

// HandlePeekDead returns GET /api/dlq/dead: a non-destructive view of the
// terminal queue, newest first. The `limit` query param caps the result.
func HandlePeekDead(admin DeadLetterAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := int64(defaultDeadPeekLimit)
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n <= 0 {
				WriteError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid 'limit': expected a positive integer")
				return
			}
			limit = n
		}
		entries, err := admin.PeekDead(r.Context(), limit)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "INTERNAL", "dead queue peek failed")
			return
		}
		if entries == nil {
			entries = []dlq.Entry{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
	}
}

// HandleClearDead returns DELETE /api/dlq/dead: empties the terminal queue
// and reports how many entries were removed.
func HandleClearDead(admin DeadLetterAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		count, err := admin.ClearDead(r.Context())
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "INTERNAL", "dead queue clear failed")
			return
		}
		WriteJSON(w, http.StatusOK, map[string]int64{"cleared": count})
	}
}

// HandleRequeueDead returns POST /api/dlq/dead/actions/requeue: moves every
// dead entry back to pending with a fresh retry budget.
func HandleRequeueDead(admin DeadLetterAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		moved, err := admin.RequeueDead(r.Context())
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "INTERNAL", "dead queue requeue failed")
			return
		}
		WriteJSON(w, http.StatusOK, map[string]int64{"requeued": moved})
	}
}
