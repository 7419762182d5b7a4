// Package hotview maintains the Redis hot view: a geospatial index, a
// latest-record hash per entity, and a time-scored active set used for
// retention sweeps and gateway snapshots.
package hotview

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pelorus-track/pelorus/internal/metrics"
	"github.com/pelorus-track/pelorus/internal/scanloop"
	"github.com/pelorus-track/pelorus/internal/track"
)

const (
	keyGeo       = "positions:geo"
	keyActive    = "positions:active"
	latestPrefix = "latest:"

	writeTimeout = 2 * time.Second
)

// WriteError is the typed failure the orchestrator routes to the DLQ.
type WriteError struct {
	Key track.EntityKey
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("hotview: write %s: %v", e.Key, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Latest is the decoded latest-record hash for one entity.
type Latest struct {
	Key    track.EntityKey `json:"key"`
	Lat    float64         `json:"lat"`
	Lon    float64         `json:"lon"`
	TsMs   int64           `json:"ts_ms"`
	Speed  float64         `json:"speed,omitempty"`
	Course float64         `json:"course,omitempty"`
	Status string          `json:"status,omitempty"`
	Source string          `json:"source,omitempty"`
	Score  float64         `json:"score"`
	Name   string          `json:"name,omitempty"`
}

// Store is the hot view client. Safe for concurrent use.
type Store struct {
	client    redis.UniversalClient
	ttl       time.Duration
	retention time.Duration
	metrics   *metrics.Metrics
}

// New wires a Store over an existing Redis client. ttl bounds the latest
// hashes; retention bounds active-set membership.
func New(client redis.UniversalClient, ttl, retention time.Duration, m *metrics.Metrics) *Store {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if retention <= 0 {
		retention = 9 * time.Hour
	}
	return &Store{client: client, ttl: ttl, retention: retention, metrics: m}
}

// Write upserts rec into all three structures as one pipelined batch.
// A transient failure is retried once inline; the second failure returns a
// *WriteError for DLQ routing.
func (s *Store) Write(ctx context.Context, rec track.FusedRecord) error {
	err := s.writeOnce(ctx, rec)
	if err != nil {
		err = s.writeOnce(ctx, rec)
	}
	if err != nil {
		if s.metrics != nil {
			s.metrics.HotViewFailures.Inc()
		}
		return &WriteError{Key: rec.Key, Err: err}
	}
	if s.metrics != nil {
		s.metrics.HotViewWrites.Inc()
	}
	return nil
}

// WriteIfFresher writes rec only when the stored latest entry is older.
// This is the DLQ retry path: a parked record must never clobber a live
// position that published while it sat in the queue. The check and the
// write are not atomic; a publish racing in between lands again on the
// next publish, which always writes unconditionally.
func (s *Store) WriteIfFresher(ctx context.Context, rec track.FusedRecord) error {
	checkCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	stored, err := s.client.HGet(checkCtx, latestPrefix+string(rec.Key), "ts").Result()
	cancel()
	if staleRetry(stored, err, rec.TsMs) {
		return nil
	}
	return s.Write(ctx, rec)
}

// staleRetry reports whether the hot view already holds a position at least
// as new as tsMs. A missing hash, a read error, or an unparseable field all
// fall through to the write.
func staleRetry(storedTs string, err error, tsMs int64) bool {
	if err != nil {
		return false
	}
	ts, perr := strconv.ParseInt(storedTs, 10, 64)
	return perr == nil && ts >= tsMs
}

func (s *Store) writeOnce(ctx context.Context, rec track.FusedRecord) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	latestKey := latestPrefix + string(rec.Key)
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.GeoAdd(ctx, keyGeo, &redis.GeoLocation{
			Name:      string(rec.Key),
			Longitude: rec.Lon,
			Latitude:  rec.Lat,
		})
		p.HSet(ctx, latestKey, latestFields(rec))
		p.Expire(ctx, latestKey, s.ttl)
		p.ZAdd(ctx, keyActive, redis.Z{Score: float64(rec.TsMs), Member: string(rec.Key)})
		return nil
	})
	return err
}

// RetentionSweep drops active-set members older than the retention horizon
// and their geo index entries.
func (s *Store) RetentionSweep(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-s.retention).UnixMilli()
	maxScore := strconv.FormatInt(cutoff, 10)

	stale, err := s.client.ZRangeByScore(ctx, keyActive, &redis.ZRangeBy{Min: "-inf", Max: maxScore}).Result()
	if err != nil {
		return 0, fmt.Errorf("hotview: sweep scan: %w", err)
	}
	if len(stale) > 0 {
		members := make([]interface{}, len(stale))
		for i, m := range stale {
			members[i] = m
		}
		if err := s.client.ZRem(ctx, keyGeo, members...).Err(); err != nil {
			return 0, fmt.Errorf("hotview: sweep geo trim: %w", err)
		}
	}
	removed, err := s.client.ZRemRangeByScore(ctx, keyActive, "-inf", maxScore).Result()
	if err != nil {
		return 0, fmt.Errorf("hotview: sweep: %w", err)
	}
	if s.metrics != nil && removed > 0 {
		s.metrics.RetentionRemoved.Add(float64(removed))
	}
	return removed, nil
}

// RunRetention sweeps on a jittered periodic timer until ctx is cancelled.
func (s *Store) RunRetention(ctx context.Context, interval time.Duration) {
	scanloop.RunCtx(ctx, interval, interval/4, func(ctx context.Context) {
		removed, err := s.RetentionSweep(ctx)
		if err != nil {
			log.Printf("[hotview] retention sweep failed: %v", err)
			return
		}
		if removed > 0 {
			log.Printf("[hotview] retention sweep removed %d stale entities", removed)
		}
	})
}

// ActiveSince lists entity keys whose last position is newer than cutoffMs.
func (s *Store) ActiveSince(ctx context.Context, cutoffMs int64) ([]track.EntityKey, error) {
	members, err := s.client.ZRangeByScore(ctx, keyActive, &redis.ZRangeBy{
		Min: strconv.FormatInt(cutoffMs, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("hotview: active scan: %w", err)
	}
	keys := make([]track.EntityKey, len(members))
	for i, m := range members {
		keys[i] = track.EntityKey(m)
	}
	return keys, nil
}

// Latest fetches the latest-record hashes for keys. Entities whose hash has
// expired are silently absent from the result.
func (s *Store) Latest(ctx context.Context, keys []track.EntityKey) ([]Latest, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = p.HGetAll(ctx, latestPrefix+string(k))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("hotview: latest fetch: %w", err)
	}

	out := make([]Latest, 0, len(keys))
	for i, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		if rec, ok := decodeLatest(keys[i], fields); ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// latestFields flattens a FusedRecord into the latest hash layout.
func latestFields(rec track.FusedRecord) map[string]any {
	fields := map[string]any{
		"lat":    rec.Lat,
		"lon":    rec.Lon,
		"ts":     rec.TsMs,
		"source": string(rec.Source),
		"score":  rec.Score,
	}
	if rec.Speed != nil {
		fields["speed"] = *rec.Speed
	}
	if rec.Course != nil {
		fields["course"] = *rec.Course
	}
	if rec.Heading != nil {
		fields["heading"] = *rec.Heading
	}
	if rec.Status != "" {
		fields["status"] = rec.Status
	}
	if rec.Name != "" {
		fields["name"] = rec.Name
	}
	return fields
}

// decodeLatest parses one latest hash. Records without a parseable position
// and timestamp are skipped.
func decodeLatest(key track.EntityKey, fields map[string]string) (Latest, bool) {
	lat, err1 := strconv.ParseFloat(fields["lat"], 64)
	lon, err2 := strconv.ParseFloat(fields["lon"], 64)
	ts, err3 := strconv.ParseInt(fields["ts"], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return Latest{}, false
	}
	rec := Latest{
		Key:    key,
		Lat:    lat,
		Lon:    lon,
		TsMs:   ts,
		Status: fields["status"],
		Source: fields["source"],
		Name:   fields["name"],
	}
	rec.Speed, _ = strconv.ParseFloat(fields["speed"], 64)
	rec.Course, _ = strconv.ParseFloat(fields["course"], 64)
	rec.Score, _ = strconv.ParseFloat(fields["score"], 64)
	return rec, true
}
