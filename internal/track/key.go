// Package track provides the core tracked-entity types: entity keys,
// normalized position messages, and fused records.
package track

import (
	"fmt"
	"strings"

	"github.com/zeebo/xxh3"
)

// Kind identifies the class of a tracked entity.
type Kind string

const (
	KindVessel   Kind = "vessel"
	KindAircraft Kind = "aircraft"
)

// EntityKey is the canonical "{kind}:{id}" identifier for a tracked object.
// Keys are stable for the lifetime of the process.
type EntityKey string

// MakeKey builds an EntityKey from a kind and a normalized id.
func MakeKey(kind Kind, id string) EntityKey {
	return EntityKey(string(kind) + ":" + id)
}

// Kind returns the entity kind encoded in the key, or "" if malformed.
func (k EntityKey) Kind() Kind {
	if i := strings.IndexByte(string(k), ':'); i > 0 {
		return Kind(k[:i])
	}
	return ""
}

// ID returns the id portion of the key, or "" if malformed.
func (k EntityKey) ID() string {
	if i := strings.IndexByte(string(k), ':'); i >= 0 {
		return string(k[i+1:])
	}
	return ""
}

// Shard maps the key onto [0, n) using xxh3. Used to pick a lock shard
// and a fusion worker so all messages for one entity serialize.
func (k EntityKey) Shard(n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxh3.HashString(string(k)) % uint64(n))
}

// mmsiLen is the canonical MMSI width after left-padding.
const mmsiLen = 9

// NormalizeMMSI canonicalizes a raw MMSI value: non-digit characters are
// stripped, the remaining digits must number 7 to 9, all-zero and all-nine
// values are rejected, and the result is left-padded with zeros to 9 digits.
func NormalizeMMSI(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) < 7 || len(digits) > mmsiLen {
		return "", fmt.Errorf("mmsi %q: expected 7-9 digits, got %d", raw, len(digits))
	}
	if digits == strings.Repeat("0", len(digits)) || digits == strings.Repeat("9", len(digits)) {
		return "", fmt.Errorf("mmsi %q: placeholder value", raw)
	}
	return strings.Repeat("0", mmsiLen-len(digits)) + digits, nil
}

// VesselKey builds an EntityKey from a raw MMSI.
func VesselKey(rawMMSI string) (EntityKey, error) {
	mmsi, err := NormalizeMMSI(rawMMSI)
	if err != nil {
		return "", err
	}
	return MakeKey(KindVessel, mmsi), nil
}

// AircraftKey builds an EntityKey from the first usable identifier in the
// chain flight id -> registration -> upper-cased trimmed callsign.
func AircraftKey(flightID, registration, callsign string) (EntityKey, error) {
	if id := strings.TrimSpace(flightID); id != "" {
		return MakeKey(KindAircraft, id), nil
	}
	if reg := strings.TrimSpace(registration); reg != "" {
		return MakeKey(KindAircraft, reg), nil
	}
	if cs := strings.ToUpper(strings.TrimSpace(callsign)); cs != "" {
		return MakeKey(KindAircraft, cs), nil
	}
	return "", fmt.Errorf("aircraft record carries no flight id, registration, or callsign")
}
