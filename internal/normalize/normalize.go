// Package normalize turns raw per-source payloads into canonical NormMsg
// records. It is the only place that knows upstream field names; everything
// downstream sees NormMsg.
package normalize

import (
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pelorus-track/pelorus/internal/metrics"
	"github.com/pelorus-track/pelorus/internal/track"
)

// RawMsg is one decoded upstream record, still in source vocabulary.
type RawMsg struct {
	Feed         string
	Source       track.Source
	Fields       map[string]any
	ReceivedAtMs int64
}

// Reject reasons, used as the metrics reason label.
const (
	ReasonMissingKey      = "missing_key"
	ReasonBadPosition     = "bad_position"
	ReasonBadTimestamp    = "bad_timestamp"
	ReasonFutureTimestamp = "future_timestamp"
)

// maxClockSkew bounds how far a position timestamp may sit in the future
// before the record is treated as a contract violation.
const maxClockSkew = 5 * time.Minute

// rejectLogInterval limits example logging to one line per (source, reason).
const rejectLogInterval = 30 * time.Second

// RejectError carries the reason a record was dropped.
type RejectError struct {
	Reason string
	Detail string
}

func (e *RejectError) Error() string {
	if e.Detail == "" {
		return "normalize: " + e.Reason
	}
	return "normalize: " + e.Reason + ": " + e.Detail
}

// Candidate field names per concern. Ordering is priority; the canonical
// NormMsg names come first so normalization is a fixed point.
var (
	mmsiFields         = []string{"MMSI", "mmsi", "UserID", "userid", "userId", "Mmsi"}
	flightIDFields     = []string{"flight_id", "flightId", "FlightId", "flight", "Flight", "hex", "icao"}
	registrationFields = []string{"registration", "Registration", "reg", "r"}
	callsignFields     = []string{"callsign", "Callsign", "CallSign", "call"}
	latFields          = []string{"lat", "Lat", "Latitude", "latitude", "LATITUDE", "LAT"}
	lonFields          = []string{"lon", "Lon", "Longitude", "longitude", "lng", "Lng", "LONGITUDE", "LON"}
	tsFields           = []string{"ts_ms", "timestamp", "Timestamp", "time_utc", "ts", "time", "Time", "postime", "PosTime"}
	speedFields        = []string{"speed", "Sog", "sog", "SOG", "Speed", "gs"}
	courseFields       = []string{"course", "Cog", "cog", "COG", "Course", "track"}
	headingFields      = []string{"heading", "TrueHeading", "true_heading", "Heading", "hdg"}
	altitudeFields     = []string{"altitude", "Altitude", "alt_baro", "alt_geom", "alt"}
	statusFields       = []string{"status", "NavigationalStatus", "navigational_status", "nav_status", "Status"}
	nameFields         = []string{"name", "ShipName", "shipname", "SHIPNAME", "vessel_name", "Name"}
)

// Physical plausibility caps.
const (
	vesselMaxAbsLat  = 85.0
	maxPositionAge   = 24 * time.Hour
	vesselMaxSpeedKn = 80.0
	aircraftMaxSpeed = 650.0
	aircraftMaxAltFt = 60_000.0
)

// Normalizer converts raw records. Safe for concurrent use.
type Normalizer struct {
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.Mutex
	lastLog map[string]time.Time
}

// New creates a Normalizer reporting into m.
func New(m *metrics.Metrics) *Normalizer {
	return &Normalizer{
		metrics: m,
		now:     time.Now,
		lastLog: make(map[string]time.Time),
	}
}

// Normalize converts one raw record or rejects it with a reason. It never
// panics for a record; malformed input becomes a *RejectError.
func (n *Normalizer) Normalize(raw RawMsg) (track.NormMsg, error) {
	fields := flatten(raw.Fields)
	now := n.now()
	nowMs := now.UnixMilli()

	key, err := n.extractKey(raw.Source, fields)
	if err != nil {
		return track.NormMsg{}, n.reject(raw, ReasonMissingKey, err.Error())
	}

	lat, latOK := pickFloat(fields, latFields)
	lon, lonOK := pickFloat(fields, lonFields)
	if !latOK || !lonOK || math.IsNaN(lat) || math.IsNaN(lon) ||
		lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return track.NormMsg{}, n.reject(raw, ReasonBadPosition,
			fmt.Sprintf("lat=%v lon=%v", fields["lat"], fields["lon"]))
	}

	tsMs, err := extractTimestamp(fields)
	if err != nil {
		return track.NormMsg{}, n.reject(raw, ReasonBadTimestamp, err.Error())
	}
	if tsMs > nowMs+maxClockSkew.Milliseconds() {
		return track.NormMsg{}, n.reject(raw, ReasonFutureTimestamp,
			fmt.Sprintf("ts=%d now=%d", tsMs, nowMs))
	}

	msg := track.NormMsg{
		Key:          key,
		Source:       raw.Source,
		SourceWeight: raw.Source.Weight(),
		TsMs:         tsMs,
		IngestTsMs:   raw.ReceivedAtMs,
		Lat:          lat,
		Lon:          lon,
	}
	if v, ok := pickFloat(fields, []string{"ingest_ts_ms"}); ok {
		msg.IngestTsMs = int64(v)
	}
	if msg.IngestTsMs == 0 {
		msg.IngestTsMs = nowMs
	}
	if v, ok := pickFloat(fields, speedFields); ok {
		msg.Speed = &v
	}
	if v, ok := pickFloat(fields, courseFields); ok {
		msg.Course = &v
	}
	if v, ok := pickFloat(fields, headingFields); ok {
		msg.Heading = &v
	}
	if v, ok := pickFloat(fields, altitudeFields); ok {
		msg.Altitude = &v
	}
	msg.Status = pickString(fields, statusFields)
	msg.Name = pickString(fields, nameFields)
	msg.Callsign = pickString(fields, callsignFields)

	msg.Sane = sane(msg, nowMs)

	if n.metrics != nil {
		n.metrics.NormalizeAccepted.WithLabelValues(string(raw.Source)).Inc()
	}
	return msg, nil
}

func (n *Normalizer) extractKey(source track.Source, fields map[string]any) (track.EntityKey, error) {
	// Records that already carry a canonical key pass through untouched.
	if raw := pickString(fields, []string{"key"}); raw != "" {
		k := track.EntityKey(raw)
		if k.Kind() != "" && k.ID() != "" {
			return k, nil
		}
	}
	if source == track.SourceADSB {
		return track.AircraftKey(
			pickString(fields, flightIDFields),
			pickString(fields, registrationFields),
			pickString(fields, callsignFields),
		)
	}
	mmsi := pickString(fields, mmsiFields)
	if mmsi == "" {
		return "", fmt.Errorf("no mmsi field present")
	}
	return track.VesselKey(mmsi)
}

// sane applies the physical-plausibility checks. An insane record still
// flows to fusion; it just never wins a live publish.
func sane(m track.NormMsg, nowMs int64) bool {
	if nowMs-m.TsMs > maxPositionAge.Milliseconds() {
		return false
	}
	kind := m.Key.Kind()
	if kind == track.KindVessel && math.Abs(m.Lat) > vesselMaxAbsLat {
		return false
	}
	if m.Speed != nil {
		speedCap := vesselMaxSpeedKn
		if kind == track.KindAircraft {
			speedCap = aircraftMaxSpeed
		}
		if *m.Speed > speedCap || *m.Speed < 0 {
			return false
		}
	}
	if kind == track.KindAircraft && m.Altitude != nil && *m.Altitude > aircraftMaxAltFt {
		return false
	}
	return true
}

func (n *Normalizer) reject(raw RawMsg, reason, detail string) error {
	if n.metrics != nil {
		n.metrics.NormalizeRejected.WithLabelValues(string(raw.Source), reason).Inc()
	}
	n.logSampled(raw, reason, detail)
	return &RejectError{Reason: reason, Detail: detail}
}

func (n *Normalizer) logSampled(raw RawMsg, reason, detail string) {
	key := string(raw.Source) + "/" + reason
	now := n.now()

	n.mu.Lock()
	last, seen := n.lastLog[key]
	if seen && now.Sub(last) < rejectLogInterval {
		n.mu.Unlock()
		return
	}
	n.lastLog[key] = now
	n.mu.Unlock()

	log.Printf("[normalize] reject %s feed=%s source=%s: %s", reason, raw.Feed, raw.Source, detail)
}

// flatten merges the nested containers some feeds use (metadata envelope plus
// a typed message body) into one flat field map. Outer fields win only where
// the inner map does not define them; deeper position data takes priority.
func flatten(fields map[string]any) map[string]any {
	nested := false
	for _, container := range []string{"MetaData", "Metadata", "Message"} {
		if _, ok := fields[container].(map[string]any); ok {
			nested = true
			break
		}
	}
	if !nested {
		return fields
	}

	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	merge := func(m map[string]any) {
		for k, v := range m {
			out[k] = v
		}
	}
	if md, ok := fields["MetaData"].(map[string]any); ok {
		merge(md)
	}
	if md, ok := fields["Metadata"].(map[string]any); ok {
		merge(md)
	}
	if body, ok := fields["Message"].(map[string]any); ok {
		// One level of typed wrappers, e.g. a PositionReport object.
		for _, v := range body {
			if inner, ok := v.(map[string]any); ok {
				merge(inner)
			}
		}
		merge(onlyScalars(body))
	}
	return out
}

func onlyScalars(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if _, ok := v.(map[string]any); !ok {
			out[k] = v
		}
	}
	return out
}

func pickString(fields map[string]any, names []string) string {
	for _, name := range names {
		v, ok := fields[name]
		if !ok {
			continue
		}
		switch s := v.(type) {
		case string:
			if t := strings.TrimSpace(s); t != "" {
				return t
			}
		case float64:
			return strconv.FormatFloat(s, 'f', -1, 64)
		}
	}
	return ""
}

func pickFloat(fields map[string]any, names []string) (float64, bool) {
	for _, name := range names {
		v, ok := fields[name]
		if !ok {
			continue
		}
		switch x := v.(type) {
		case float64:
			return x, true
		case int64:
			return float64(x), true
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

// epochMsThreshold disambiguates epoch seconds from milliseconds.
const epochMsThreshold = 1e12

func extractTimestamp(fields map[string]any) (int64, error) {
	for _, name := range tsFields {
		v, ok := fields[name]
		if !ok {
			continue
		}
		switch x := v.(type) {
		case float64:
			return epochToMs(x), nil
		case int64:
			return epochToMs(float64(x)), nil
		case string:
			if ms, err := parseTimeString(x); err == nil {
				return ms, nil
			}
		}
	}
	return 0, fmt.Errorf("no parseable timestamp field")
}

func epochToMs(v float64) int64 {
	if v >= epochMsThreshold {
		return int64(v)
	}
	return int64(v * 1000)
}

// timeLayouts covers the formats observed across feeds, tried in order.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05",
}

func parseTimeString(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty timestamp")
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return epochToMs(f), nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().UnixMilli(), nil
		}
	}
	return 0, fmt.Errorf("unrecognized timestamp %q", s)
}
