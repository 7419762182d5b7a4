package fusion

import (
	"sync/atomic"
	"time"

	"github.com/maypok86/otter"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/pelorus-track/pelorus/internal/config"
	"github.com/pelorus-track/pelorus/internal/geo"
	"github.com/pelorus-track/pelorus/internal/metrics"
	"github.com/pelorus-track/pelorus/internal/track"
)

// Suppress gates reported in Decision.Gate and the suppression metric.
const (
	GateNoCandidate = "no_candidate"
	GateMonotonic   = "monotonic"
	GateRateMove    = "rate_move"
)

// lastPublished is the per-entity publish watermark: the timestamp that
// enforces monotonicity and the position the movement gate measures against.
type lastPublished struct {
	TsMs int64
	Lat  float64
	Lon  float64
}

// lastPublishedCapacity bounds the watermark cache; idle entities age out.
const (
	lastPublishedCapacity = 200_000
	lastPublishedIdleTTL  = 24 * time.Hour
)

// Decision is the outcome of one Decide call.
type Decision struct {
	Best  *track.NormMsg
	Score float64
	// Publish means Best passed every gate and must go out live.
	Publish bool
	// Backfill means Best is only for history: it lost the lateness race
	// but is still worth storing.
	Backfill bool
	// Gate names the suppressing gate when Publish is false.
	Gate string
}

// Stats is a point-in-time engine snapshot.
type Stats struct {
	WindowKeys int    `json:"window_keys"`
	Ingested   uint64 `json:"ingested"`
	Decided    uint64 `json:"decided"`
	Published  uint64 `json:"published"`
}

// Engine holds the fusion state. All methods are safe for concurrent use;
// per-entity ordering is the worker pool's job (one shard per entity).
type Engine struct {
	settings atomic.Pointer[config.FusionSettings]
	windows  *xsync.Map[track.EntityKey, *window]
	lastPub  otter.Cache[string, lastPublished]
	metrics  *metrics.Metrics
	now      func() time.Time

	ingested  atomic.Uint64
	decided   atomic.Uint64
	published atomic.Uint64
}

// NewEngine creates an Engine with the given initial settings.
func NewEngine(settings *config.FusionSettings, m *metrics.Metrics) *Engine {
	cache, err := otter.MustBuilder[string, lastPublished](lastPublishedCapacity).
		Cost(func(_ string, _ lastPublished) uint32 { return 1 }).
		WithTTL(lastPublishedIdleTTL).
		Build()
	if err != nil {
		panic("fusion: build last-published cache: " + err.Error())
	}
	e := &Engine{
		windows: xsync.NewMap[track.EntityKey, *window](),
		lastPub: cache,
		metrics: m,
		now:     time.Now,
	}
	e.settings.Store(settings)
	return e
}

// UpdateSettings swaps in new tunables. In-flight windows are kept; the new
// values apply from the next Ingest/Decide on.
func (e *Engine) UpdateSettings(s *config.FusionSettings) {
	e.settings.Store(s)
}

// Settings returns the current tunables snapshot.
func (e *Engine) Settings() *config.FusionSettings {
	return e.settings.Load()
}

// Ingest appends msgs to their entity windows. Messages older than max_age_ms
// (when set) are rejected outright. Pruning happens at decide time so a
// just-arrived late message still reaches the backfill path once.
func (e *Engine) Ingest(msgs ...track.NormMsg) {
	s := e.settings.Load()
	nowMs := e.now().UnixMilli()

	for _, msg := range msgs {
		if s.MaxAgeMs > 0 && nowMs-msg.TsMs > s.MaxAgeMs {
			if e.metrics != nil {
				e.metrics.FusionSuppressed.WithLabelValues("max_age").Inc()
			}
			continue
		}
		w, _ := e.windows.LoadOrStore(msg.Key, &window{})
		w.insert(msg)
		e.ingested.Add(1)
	}
	if e.metrics != nil {
		e.metrics.FusionEntities.Set(float64(e.windows.Size()))
	}
}

// Decide runs the selection algorithm for one entity. The caller serializes
// Decide/MarkPublished per entity.
func (e *Engine) Decide(key track.EntityKey) Decision {
	e.decided.Add(1)
	s := e.settings.Load()
	nowMs := e.now().UnixMilli()

	w, ok := e.windows.Load(key)
	if !ok {
		return e.suppress(GateNoCandidate)
	}
	entries := w.snapshot()
	if !s.AcceptAll {
		// Prune after the snapshot: everything in entries gets considered
		// this one cycle, then ages out of the buffer.
		defer func() {
			if empty := w.trimBefore(nowMs - s.WindowMs); empty {
				e.windows.Delete(key)
			}
		}()
	}
	if len(entries) == 0 {
		return e.suppress(GateNoCandidate)
	}

	last, hasLast := e.lastPub.Get(string(key))
	weights := track.ScoreWeights{
		Recency: s.ScoreRecencyWeight,
		Source:  s.ScoreSourceWeight,
		Sanity:  s.ScoreSanityWeight,
	}
	horizon := s.RecencyHorizon.Std()

	// Candidate set: sane entries newer than the watermark and inside the
	// lateness bound (suspended in acceptAll replay mode).
	var candidates []track.NormMsg
	for _, msg := range entries {
		if !msg.Sane {
			continue
		}
		if hasLast && msg.TsMs <= last.TsMs {
			continue
		}
		if !s.AcceptAll && nowMs-msg.TsMs > s.AllowedLatenessMs {
			continue
		}
		candidates = append(candidates, msg)
	}

	if len(candidates) == 0 {
		// Backfill path: best of the whole window by score, saved for
		// history only. Never published when it does not beat the watermark.
		best, score := argmaxByScore(entries, nowMs, weights, horizon)
		if best == nil {
			return e.suppress(GateNoCandidate)
		}
		if hasLast && best.TsMs <= last.TsMs {
			return Decision{Best: best, Score: score, Backfill: true, Gate: GateMonotonic}
		}
		if !best.Sane {
			return Decision{Best: best, Score: score, Backfill: true, Gate: GateNoCandidate}
		}
		// Too late for the live stream, still newer than anything published.
		if e.metrics != nil {
			e.metrics.FusionBackfilled.Inc()
		}
		return Decision{Best: best, Score: score, Backfill: true, Gate: GateNoCandidate}
	}

	best, score := argmaxByTsThenScore(candidates, nowMs, weights, horizon)

	// Gates, publish path only.
	if hasLast {
		if best.TsMs <= last.TsMs {
			return e.suppressWith(best, score, GateMonotonic)
		}
		interval := best.TsMs - last.TsMs
		moved := geo.Haversine(best.Lat, best.Lon, last.Lat, last.Lon)
		if interval < s.PublishMinIntervalMs && moved < s.MinMoveMeters {
			return e.suppressWith(best, score, GateRateMove)
		}
	}
	return Decision{Best: best, Score: score, Publish: true}
}

// MarkPublished advances the watermark for key. Idempotent: older or equal
// timestamps never move it backwards.
func (e *Engine) MarkPublished(key track.EntityKey, rec track.FusedRecord) {
	cur, ok := e.lastPub.Get(string(key))
	if ok && rec.TsMs <= cur.TsMs {
		return
	}
	e.lastPub.Set(string(key), lastPublished{TsMs: rec.TsMs, Lat: rec.Lat, Lon: rec.Lon})
	e.published.Add(1)
	if e.metrics != nil {
		e.metrics.FusionPublished.WithLabelValues(string(rec.Key.Kind())).Inc()
	}
}

// LastPublishedTs returns the watermark for key, if any.
func (e *Engine) LastPublishedTs(key track.EntityKey) (int64, bool) {
	last, ok := e.lastPub.Get(string(key))
	if !ok {
		return 0, false
	}
	return last.TsMs, true
}

// Keys lists every entity with an open window.
func (e *Engine) Keys() []track.EntityKey {
	keys := make([]track.EntityKey, 0, e.windows.Size())
	e.windows.Range(func(k track.EntityKey, _ *window) bool {
		keys = append(keys, k)
		return true
	})
	return keys
}

// Snapshot reports engine counters for the status endpoint.
func (e *Engine) Snapshot() Stats {
	return Stats{
		WindowKeys: e.windows.Size(),
		Ingested:   e.ingested.Load(),
		Decided:    e.decided.Load(),
		Published:  e.published.Load(),
	}
}

func (e *Engine) suppress(gate string) Decision {
	if e.metrics != nil {
		e.metrics.FusionSuppressed.WithLabelValues(gate).Inc()
	}
	return Decision{Gate: gate}
}

func (e *Engine) suppressWith(best *track.NormMsg, score float64, gate string) Decision {
	if e.metrics != nil {
		e.metrics.FusionSuppressed.WithLabelValues(gate).Inc()
	}
	return Decision{Best: best, Score: score, Gate: gate}
}

// argmaxByTsThenScore picks the newest candidate; ties fall through score,
// source weight, then lexicographic source id, so selection is deterministic.
func argmaxByTsThenScore(msgs []track.NormMsg, nowMs int64, w track.ScoreWeights, horizon time.Duration) (*track.NormMsg, float64) {
	best := 0
	bestScore := track.Score(msgs[0], nowMs, w, horizon)
	for i := 1; i < len(msgs); i++ {
		score := track.Score(msgs[i], nowMs, w, horizon)
		if beats(msgs[i], score, msgs[best], bestScore) {
			best, bestScore = i, score
		}
	}
	return &msgs[best], bestScore
}

func beats(a track.NormMsg, aScore float64, b track.NormMsg, bScore float64) bool {
	if a.TsMs != b.TsMs {
		return a.TsMs > b.TsMs
	}
	if aScore != bScore {
		return aScore > bScore
	}
	if a.SourceWeight != b.SourceWeight {
		return a.SourceWeight > b.SourceWeight
	}
	return a.Source < b.Source
}

// argmaxByScore is the backfill selector: score first, newest on ties.
func argmaxByScore(msgs []track.NormMsg, nowMs int64, w track.ScoreWeights, horizon time.Duration) (*track.NormMsg, float64) {
	if len(msgs) == 0 {
		return nil, 0
	}
	best := 0
	bestScore := track.Score(msgs[0], nowMs, w, horizon)
	for i := 1; i < len(msgs); i++ {
		score := track.Score(msgs[i], nowMs, w, horizon)
		if score > bestScore || (score == bestScore && msgs[i].TsMs > msgs[best].TsMs) {
			best, bestScore = i, score
		}
	}
	return &msgs[best], bestScore
}
