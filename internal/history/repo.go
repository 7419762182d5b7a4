package history

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/pelorus-track/pelorus/internal/track"
)

// Repo wraps the history database. InsertBatch is single-writer; the async
// Service is its only production caller.
type Repo struct {
	db *sql.DB

	mu        sync.Mutex
	entityIDs map[track.EntityKey]int64
}

// NewRepo wraps an opened, migrated database.
func NewRepo(db *sql.DB) *Repo {
	return &Repo{db: db, entityIDs: make(map[track.EntityKey]int64)}
}

// FailedInsert pairs a record with the error that kept it out of history.
type FailedInsert struct {
	Rec track.FusedRecord
	Err error
}

// UpsertEntity ensures the parent row for key exists and returns its id.
// Existing metadata wins over empty incoming values.
func (r *Repo) UpsertEntity(key track.EntityKey, displayName, callsign string) (int64, error) {
	r.mu.Lock()
	if id, ok := r.entityIDs[key]; ok && displayName == "" && callsign == "" {
		r.mu.Unlock()
		return id, nil
	}
	r.mu.Unlock()

	nowMs := time.Now().UnixMilli()
	var id int64
	err := r.db.QueryRow(`
		INSERT INTO entities (kind, native_id, display_name, callsign, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (kind, native_id) DO UPDATE SET
			display_name  = COALESCE(NULLIF(excluded.display_name, ''), entities.display_name),
			callsign      = COALESCE(NULLIF(excluded.callsign, ''), entities.callsign),
			updated_at_ms = excluded.updated_at_ms
		RETURNING id`,
		string(key.Kind()), key.ID(), displayName, callsign, nowMs, nowMs,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("history: upsert entity %s: %w", key, err)
	}

	r.mu.Lock()
	r.entityIDs[key] = id
	r.mu.Unlock()
	return id, nil
}

// InsertBatch writes a batch of fused records in one transaction. The same
// (entity, ts) pair inserted twice leaves exactly one row. Per-record
// failures do not abort the batch; they are returned for DLQ routing.
func (r *Repo) InsertBatch(recs []track.FusedRecord) (int, []FailedInsert, error) {
	if len(recs) == 0 {
		return 0, nil, nil
	}

	var failed []FailedInsert
	inserted := 0

	// Entity ids created inside this transaction are staged locally and only
	// promoted into the shared cache after the commit succeeds. A cached id
	// for a rolled-back row would fail every later insert for that entity.
	staged := make(map[track.EntityKey]int64)

	tx, err := r.db.Begin()
	if err != nil {
		return 0, allFailed(recs, err), fmt.Errorf("history: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(`
		INSERT INTO positions (entity_id, ts_ms, lat, lon, speed, course, heading, altitude, status, source, score)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_id, ts_ms) DO UPDATE SET
			lat      = excluded.lat,
			lon      = excluded.lon,
			speed    = excluded.speed,
			course   = excluded.course,
			heading  = excluded.heading,
			altitude = excluded.altitude,
			status   = excluded.status,
			source   = excluded.source,
			score    = excluded.score`)
	if err != nil {
		return 0, allFailed(recs, err), fmt.Errorf("history: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range recs {
		entityID, err := r.upsertEntityTx(tx, staged, rec)
		if err != nil {
			failed = append(failed, FailedInsert{Rec: rec, Err: err})
			continue
		}
		_, err = stmt.Exec(entityID, rec.TsMs, rec.Lat, rec.Lon,
			nullFloat(rec.Speed), nullFloat(rec.Course), nullFloat(rec.Heading), nullFloat(rec.Altitude),
			rec.Status, string(rec.Source), rec.Score)
		if err != nil {
			failed = append(failed, FailedInsert{Rec: rec, Err: err})
			continue
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		// The whole batch is lost; surface every record. staged is dropped
		// with it, so the next attempt re-creates the entity rows.
		return 0, allFailed(recs, err), fmt.Errorf("history: commit: %w", err)
	}
	if len(staged) > 0 {
		r.mu.Lock()
		for k, id := range staged {
			r.entityIDs[k] = id
		}
		r.mu.Unlock()
	}
	return inserted, failed, nil
}

func allFailed(recs []track.FusedRecord, err error) []FailedInsert {
	out := make([]FailedInsert, len(recs))
	for i, rec := range recs {
		out[i] = FailedInsert{Rec: rec, Err: err}
	}
	return out
}

// upsertEntityTx mirrors UpsertEntity inside the batch transaction. Fresh
// ids land in staged, never in the shared cache: the row they point at does
// not exist until the caller commits.
func (r *Repo) upsertEntityTx(tx *sql.Tx, staged map[track.EntityKey]int64, rec track.FusedRecord) (int64, error) {
	key := rec.Key
	if rec.Name == "" && rec.Callsign == "" {
		if id, ok := staged[key]; ok {
			return id, nil
		}
		r.mu.Lock()
		cached, ok := r.entityIDs[key]
		r.mu.Unlock()
		if ok {
			return cached, nil
		}
	}

	nowMs := time.Now().UnixMilli()
	var id int64
	err := tx.QueryRow(`
		INSERT INTO entities (kind, native_id, display_name, callsign, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (kind, native_id) DO UPDATE SET
			display_name  = COALESCE(NULLIF(excluded.display_name, ''), entities.display_name),
			callsign      = COALESCE(NULLIF(excluded.callsign, ''), entities.callsign),
			updated_at_ms = excluded.updated_at_ms
		RETURNING id`,
		string(key.Kind()), key.ID(), rec.Name, rec.Callsign, nowMs, nowMs,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert entity %s: %w", key, err)
	}

	staged[key] = id
	return id, nil
}

// PositionRow is one stored position, joined back to its entity key.
type PositionRow struct {
	Key      track.EntityKey
	TsMs     int64
	Lat      float64
	Lon      float64
	Speed    *float64
	Course   *float64
	Heading  *float64
	Altitude *float64
	Status   string
	Source   string
	Score    float64
}

// RecentPositions returns up to limit positions for key, newest first.
func (r *Repo) RecentPositions(key track.EntityKey, limit int) ([]PositionRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(`
		SELECT p.ts_ms, p.lat, p.lon, p.speed, p.course, p.heading, p.altitude, p.status, p.source, p.score
		FROM positions p
		JOIN entities e ON e.id = p.entity_id
		WHERE e.kind = ? AND e.native_id = ?
		ORDER BY p.ts_ms DESC
		LIMIT ?`,
		string(key.Kind()), key.ID(), limit)
	if err != nil {
		return nil, fmt.Errorf("history: query positions %s: %w", key, err)
	}
	defer rows.Close()

	var out []PositionRow
	for rows.Next() {
		row := PositionRow{Key: key}
		var speed, course, heading, altitude sql.NullFloat64
		if err := rows.Scan(&row.TsMs, &row.Lat, &row.Lon, &speed, &course, &heading, &altitude,
			&row.Status, &row.Source, &row.Score); err != nil {
			return nil, fmt.Errorf("history: scan position: %w", err)
		}
		row.Speed = fromNull(speed)
		row.Course = fromNull(course)
		row.Heading = fromNull(heading)
		row.Altitude = fromNull(altitude)
		out = append(out, row)
	}
	return out, rows.Err()
}

// EntityMeta is the stored metadata for one entity.
type EntityMeta struct {
	Key         track.EntityKey
	DisplayName string
	Callsign    string
}

// Entity loads the parent row for key.
func (r *Repo) Entity(key track.EntityKey) (EntityMeta, error) {
	meta := EntityMeta{Key: key}
	err := r.db.QueryRow(
		`SELECT display_name, callsign FROM entities WHERE kind = ? AND native_id = ?`,
		string(key.Kind()), key.ID(),
	).Scan(&meta.DisplayName, &meta.Callsign)
	if err != nil {
		return EntityMeta{}, fmt.Errorf("history: load entity %s: %w", key, err)
	}
	return meta, nil
}

// CountPositions reports the number of stored positions for key.
func (r *Repo) CountPositions(key track.EntityKey) (int, error) {
	var n int
	err := r.db.QueryRow(`
		SELECT COUNT(*) FROM positions p
		JOIN entities e ON e.id = p.entity_id
		WHERE e.kind = ? AND e.native_id = ?`,
		string(key.Kind()), key.ID()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("history: count positions %s: %w", key, err)
	}
	return n, nil
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func fromNull(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
