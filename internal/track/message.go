package track

// Source identifies an upstream feed.
type Source string

const (
	// SourceAISWS is the vendor WebSocket AIS feed.
	SourceAISWS Source = "ais-ws"
	// SourceAISHub is the SignalR-style streaming AIS feed.
	SourceAISHub Source = "ais-hub"
	// SourceADSB is the ADS-B / flight position feed.
	SourceADSB Source = "adsb"
)

// DefaultSourceWeight applies to sources without an explicit table entry.
const DefaultSourceWeight = 0.8

// sourceWeights is the per-source trust table used by fusion scoring.
var sourceWeights = map[Source]float64{
	SourceAISWS:  0.9,
	SourceAISHub: 0.85,
	SourceADSB:   0.9,
}

// Weight returns the trust coefficient for the source, clamped to [0, 1].
// Unknown sources get DefaultSourceWeight.
func (s Source) Weight() float64 {
	w, ok := sourceWeights[s]
	if !ok {
		return DefaultSourceWeight
	}
	if w < 0 {
		return 0
	}
	if w > 1 {
		return 1
	}
	return w
}

// NormMsg is the canonical normalized position record, the only type that
// flows into fusion. Optional telemetry fields are pointers so "absent" and
// "zero" stay distinguishable through serialization.
type NormMsg struct {
	Key          EntityKey `json:"key"`
	Source       Source    `json:"source"`
	SourceWeight float64   `json:"source_weight"`

	TsMs       int64 `json:"ts_ms"`        // position timestamp, UTC milliseconds
	IngestTsMs int64 `json:"ingest_ts_ms"` // when the normalizer saw the record

	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`

	Speed    *float64 `json:"speed,omitempty"`    // knots
	Course   *float64 `json:"course,omitempty"`   // degrees
	Heading  *float64 `json:"heading,omitempty"`  // degrees
	Altitude *float64 `json:"altitude,omitempty"` // feet

	Status   string `json:"status,omitempty"`
	Name     string `json:"name,omitempty"`
	Callsign string `json:"callsign,omitempty"`

	// Sane is the physical-plausibility verdict computed at normalization.
	Sane bool `json:"sane"`
}

// FusedRecord is the winning NormMsg chosen by the fusion engine, annotated
// with its score at selection time and the publish timestamp.
type FusedRecord struct {
	NormMsg
	Score         float64 `json:"score"`
	PublishedAtMs int64   `json:"published_at_ms"`
}
