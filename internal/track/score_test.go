package track

import (
	"testing"
	"time"
)

func TestScore_FreshSaneTrustedIsMax(t *testing.T) {
	now := time.Now().UnixMilli()
	m := NormMsg{TsMs: now, SourceWeight: 1.0, Sane: true}
	got := Score(m, now, DefaultScoreWeights, DefaultRecencyHorizon)
	if got != 1.0 {
		t.Fatalf("expected 1.0, got %v", got)
	}
}

func TestScore_RecencyDecaysToZero(t *testing.T) {
	now := time.Now().UnixMilli()
	m := NormMsg{TsMs: now - 20*60_000, SourceWeight: 0.9, Sane: true}
	got := Score(m, now, DefaultScoreWeights, DefaultRecencyHorizon)
	want := 0.3*0.9 + 0.2
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestScore_HalfHorizon(t *testing.T) {
	now := time.Now().UnixMilli()
	m := NormMsg{TsMs: now - 450_000, SourceWeight: 0, Sane: false} // 7.5 min old
	got := Score(m, now, DefaultScoreWeights, DefaultRecencyHorizon)
	if diff := got - 0.25; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected 0.25, got %v", got)
	}
}

func TestScore_FutureTsClampsToFresh(t *testing.T) {
	now := time.Now().UnixMilli()
	m := NormMsg{TsMs: now + 60_000, SourceWeight: 0, Sane: false}
	if got := Score(m, now, DefaultScoreWeights, DefaultRecencyHorizon); got != 0.5 {
		t.Fatalf("future ts should score full recency, got %v", got)
	}
}
