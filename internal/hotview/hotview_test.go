package hotview

import (
	"errors"
	"strconv"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/pelorus-track/pelorus/internal/track"
)

func f(v float64) *float64 { return &v }

// stringify mimics how Redis hands hash values back: everything a string.
func stringify(fields map[string]any) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		switch x := v.(type) {
		case string:
			out[k] = x
		case float64:
			out[k] = strconv.FormatFloat(x, 'f', -1, 64)
		case int64:
			out[k] = strconv.FormatInt(x, 10)
		}
	}
	return out
}

func TestLatestFields_RoundTrip(t *testing.T) {
	rec := track.FusedRecord{
		NormMsg: track.NormMsg{
			Key:    "vessel:367000001",
			Source: track.SourceAISWS,
			TsMs:   1_700_000_000_000,
			Lat:    37.8,
			Lon:    -122.4,
			Speed:  f(12.5),
			Course: f(270),
			Status: "under way",
			Name:   "TEST SHIP",
		},
		Score: 0.87,
	}

	got, ok := decodeLatest(rec.Key, stringify(latestFields(rec)))
	if !ok {
		t.Fatal("decode failed")
	}
	if got.Lat != rec.Lat || got.Lon != rec.Lon || got.TsMs != rec.TsMs {
		t.Fatalf("position mismatch: %+v", got)
	}
	if got.Speed != 12.5 || got.Course != 270 {
		t.Fatalf("telemetry mismatch: %+v", got)
	}
	if got.Score != 0.87 || got.Source != "ais-ws" || got.Name != "TEST SHIP" {
		t.Fatalf("metadata mismatch: %+v", got)
	}
	if got.Status != "under way" {
		t.Fatalf("status mismatch: %+v", got)
	}
}

func TestLatestFields_OmitsAbsentTelemetry(t *testing.T) {
	rec := track.FusedRecord{NormMsg: track.NormMsg{Key: "aircraft:UA1", Lat: 1, Lon: 2, TsMs: 3}}
	fields := latestFields(rec)
	for _, absent := range []string{"speed", "course", "heading", "status", "name"} {
		if _, has := fields[absent]; has {
			t.Fatalf("absent field %q must not be written", absent)
		}
	}
	if _, ok := decodeLatest(rec.Key, stringify(fields)); !ok {
		t.Fatal("minimal record must still decode")
	}
}

func TestStaleRetry_GuardsDelayedWrites(t *testing.T) {
	cases := []struct {
		name     string
		storedTs string
		err      error
		tsMs     int64
		skip     bool
	}{
		{"stored newer", "2000", nil, 1000, true},
		{"stored equal", "1000", nil, 1000, true},
		{"stored older", "500", nil, 1000, false},
		{"no stored hash", "", redis.Nil, 1000, false},
		{"read error", "", errors.New("conn refused"), 1000, false},
		{"unparseable stored ts", "junk", nil, 1000, false},
	}
	for _, tc := range cases {
		if got := staleRetry(tc.storedTs, tc.err, tc.tsMs); got != tc.skip {
			t.Errorf("%s: staleRetry=%v, want %v", tc.name, got, tc.skip)
		}
	}
}

func TestDecodeLatest_RejectsPartialHash(t *testing.T) {
	if _, ok := decodeLatest("vessel:1", map[string]string{"lat": "37.8"}); ok {
		t.Fatal("hash without lon/ts must be rejected")
	}
	if _, ok := decodeLatest("vessel:1", map[string]string{"lat": "x", "lon": "1", "ts": "2"}); ok {
		t.Fatal("unparseable lat must be rejected")
	}
}
