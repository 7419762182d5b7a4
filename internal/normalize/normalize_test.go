package normalize

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/pelorus-track/pelorus/internal/track"
)

func newTestNormalizer() *Normalizer {
	return New(nil)
}

func decode(t *testing.T, raw string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("decode fixture: %v", err)
	}
	return m
}

func rejectReason(t *testing.T, err error) string {
	t.Helper()
	var rej *RejectError
	if !errors.As(err, &rej) {
		t.Fatalf("expected RejectError, got %v", err)
	}
	return rej.Reason
}

func TestNormalize_VesselFlatRecord(t *testing.T) {
	n := newTestNormalizer()
	now := time.Now().UnixMilli()
	fields := decode(t, `{"mmsi": "367000001", "lat": 37.80, "lon": -122.40, "sog": 12.5, "cog": 270, "shipname": "EVER GIVEN"}`)
	fields["timestamp"] = float64(now)

	msg, err := n.Normalize(RawMsg{Feed: "test", Source: track.SourceAISWS, Fields: fields})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if msg.Key != "vessel:367000001" {
		t.Fatalf("unexpected key %q", msg.Key)
	}
	if msg.TsMs != now {
		t.Fatalf("ts not preserved: %d != %d", msg.TsMs, now)
	}
	if msg.Speed == nil || *msg.Speed != 12.5 {
		t.Fatalf("speed not extracted: %v", msg.Speed)
	}
	if msg.Name != "EVER GIVEN" {
		t.Fatalf("name not extracted: %q", msg.Name)
	}
	if msg.SourceWeight != 0.9 {
		t.Fatalf("unexpected weight %v", msg.SourceWeight)
	}
	if !msg.Sane {
		t.Fatal("fresh in-range record must be sane")
	}
}

func TestNormalize_NestedEnvelope(t *testing.T) {
	n := newTestNormalizer()
	now := time.Now().UTC()
	fields := decode(t, `{
		"MessageType": "PositionReport",
		"MetaData": {"MMSI": 367000001, "ShipName": "TEST SHIP", "latitude": 37.5, "longitude": -122.5},
		"Message": {"PositionReport": {"Latitude": 37.55, "Longitude": -122.55, "Sog": 10, "Cog": 90, "TrueHeading": 91}}
	}`)
	fields["MetaData"].(map[string]any)["time_utc"] = now.Format(time.RFC3339Nano)

	msg, err := n.Normalize(RawMsg{Feed: "stream", Source: track.SourceAISWS, Fields: fields})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if msg.Key != "vessel:367000001" {
		t.Fatalf("unexpected key %q", msg.Key)
	}
	// The typed message body refines the envelope position.
	if msg.Lat != 37.55 || msg.Lon != -122.55 {
		t.Fatalf("nested position not preferred: %v %v", msg.Lat, msg.Lon)
	}
	if msg.Heading == nil || *msg.Heading != 91 {
		t.Fatalf("heading not extracted: %v", msg.Heading)
	}
	if msg.TsMs != now.UnixMilli() {
		t.Fatalf("iso ts mismatch: %d != %d", msg.TsMs, now.UnixMilli())
	}
}

func TestNormalize_AircraftKeyChain(t *testing.T) {
	n := newTestNormalizer()
	now := float64(time.Now().UnixMilli())

	fields := decode(t, `{"flight": "UA123", "lat": 37.6, "lon": -122.4, "gs": 450, "alt_baro": 35000}`)
	fields["timestamp"] = now
	msg, err := n.Normalize(RawMsg{Source: track.SourceADSB, Fields: fields})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if msg.Key != "aircraft:UA123" {
		t.Fatalf("unexpected key %q", msg.Key)
	}
	if msg.Altitude == nil || *msg.Altitude != 35000 {
		t.Fatalf("altitude not extracted: %v", msg.Altitude)
	}

	fields = decode(t, `{"r": "N12345", "lat": 37.6, "lon": -122.4}`)
	fields["timestamp"] = now
	msg, err = n.Normalize(RawMsg{Source: track.SourceADSB, Fields: fields})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if msg.Key != "aircraft:N12345" {
		t.Fatalf("registration fallback failed: %q", msg.Key)
	}
}

func TestNormalize_EpochSecondsVsMillis(t *testing.T) {
	n := newTestNormalizer()
	nowSec := time.Now().Unix()

	fields := decode(t, `{"mmsi": "367000001", "lat": 1, "lon": 1}`)
	fields["timestamp"] = float64(nowSec)
	msg, err := n.Normalize(RawMsg{Source: track.SourceAISHub, Fields: fields})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if msg.TsMs != nowSec*1000 {
		t.Fatalf("epoch seconds not scaled: %d", msg.TsMs)
	}

	fields["timestamp"] = float64(nowSec * 1000)
	msg, err = n.Normalize(RawMsg{Source: track.SourceAISHub, Fields: fields})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if msg.TsMs != nowSec*1000 {
		t.Fatalf("epoch millis altered: %d", msg.TsMs)
	}
}

func TestNormalize_Rejections(t *testing.T) {
	n := newTestNormalizer()
	now := float64(time.Now().UnixMilli())

	cases := []struct {
		name   string
		raw    string
		ts     any
		reason string
	}{
		{"no id", `{"lat": 1, "lon": 1}`, now, ReasonMissingKey},
		{"placeholder mmsi", `{"mmsi": "999999999", "lat": 1, "lon": 1}`, now, ReasonMissingKey},
		{"alpha mmsi", `{"mmsi": "ABC123", "lat": 1, "lon": 1}`, now, ReasonMissingKey},
		{"lat out of range", `{"mmsi": "367000001", "lat": 95, "lon": 1}`, now, ReasonBadPosition},
		{"missing lon", `{"mmsi": "367000001", "lat": 1}`, now, ReasonBadPosition},
		{"unparseable ts", `{"mmsi": "367000001", "lat": 1, "lon": 1}`, "not-a-time", ReasonBadTimestamp},
		{"future ts", `{"mmsi": "367000001", "lat": 1, "lon": 1}`, now + 3600_000, ReasonFutureTimestamp},
	}
	for _, tc := range cases {
		fields := decode(t, tc.raw)
		fields["timestamp"] = tc.ts
		_, err := n.Normalize(RawMsg{Source: track.SourceAISWS, Fields: fields})
		if err == nil {
			t.Fatalf("%s: expected reject", tc.name)
		}
		if got := rejectReason(t, err); got != tc.reason {
			t.Fatalf("%s: reason %q, want %q", tc.name, got, tc.reason)
		}
	}
}

func TestNormalize_SanityFlags(t *testing.T) {
	n := newTestNormalizer()
	nowMs := float64(time.Now().UnixMilli())

	// High-latitude vessel: accepted but flagged insane.
	fields := decode(t, `{"mmsi": "367000001", "lat": 88, "lon": 10}`)
	fields["timestamp"] = nowMs
	msg, err := n.Normalize(RawMsg{Source: track.SourceAISWS, Fields: fields})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if msg.Sane {
		t.Fatal("vessel above 85 lat must be insane")
	}

	// Day-old record.
	fields = decode(t, `{"mmsi": "367000001", "lat": 1, "lon": 1}`)
	fields["timestamp"] = nowMs - float64((25 * time.Hour).Milliseconds())
	msg, err = n.Normalize(RawMsg{Source: track.SourceAISWS, Fields: fields})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if msg.Sane {
		t.Fatal("day-old record must be insane")
	}

	// Implausible aircraft speed.
	fields = decode(t, `{"flight": "X", "lat": 1, "lon": 1, "gs": 900}`)
	fields["timestamp"] = nowMs
	msg, err = n.Normalize(RawMsg{Source: track.SourceADSB, Fields: fields})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if msg.Sane {
		t.Fatal("900 kn aircraft must be insane")
	}

	// Implausible altitude.
	fields = decode(t, `{"flight": "X", "lat": 1, "lon": 1, "alt_baro": 70000}`)
	fields["timestamp"] = nowMs
	msg, err = n.Normalize(RawMsg{Source: track.SourceADSB, Fields: fields})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if msg.Sane {
		t.Fatal("70000 ft aircraft must be insane")
	}
}

// Canonical form is a fixed point: normalizing a serialized NormMsg gives
// back the identical NormMsg.
func TestNormalize_FixedPoint(t *testing.T) {
	n := newTestNormalizer()
	now := time.Now().UnixMilli()
	speed := 14.2
	course := 185.0
	orig := track.NormMsg{
		Key:          "vessel:367000001",
		Source:       track.SourceAISWS,
		SourceWeight: track.SourceAISWS.Weight(),
		TsMs:         now - 5_000,
		IngestTsMs:   now - 4_000,
		Lat:          37.8,
		Lon:          -122.4,
		Speed:        &speed,
		Course:       &course,
		Status:       "under way",
		Name:         "TEST SHIP",
		Sane:         true,
	}

	raw, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	got, err := n.Normalize(RawMsg{Source: orig.Source, Fields: fields})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if !reflect.DeepEqual(got, orig) {
		t.Fatalf("not a fixed point:\n got %+v\nwant %+v", got, orig)
	}
}

func TestNormalize_NeverPanicsOnGarbage(t *testing.T) {
	n := newTestNormalizer()
	garbage := []map[string]any{
		nil,
		{},
		{"mmsi": []any{1, 2}},
		{"mmsi": "367000001", "lat": "abc", "lon": map[string]any{}},
		{"MetaData": "not-a-map", "Message": 42.0},
	}
	for i, fields := range garbage {
		if _, err := n.Normalize(RawMsg{Source: track.SourceAISWS, Fields: fields}); err == nil {
			t.Fatalf("case %d: garbage must be rejected", i)
		}
	}
}
