package track

import "time"

// ScoreWeights are the three scoring coefficients. The terms are fixed
// (recency, source trust, physical plausibility); only the mix is tunable.
type ScoreWeights struct {
	Recency float64
	Source  float64
	Sanity  float64
}

// DefaultScoreWeights is the standard 0.5/0.3/0.2 mix.
var DefaultScoreWeights = ScoreWeights{Recency: 0.5, Source: 0.3, Sanity: 0.2}

// DefaultRecencyHorizon is the age at which the recency term reaches zero.
const DefaultRecencyHorizon = 15 * time.Minute

// Score rates a message at nowMs: weighted recency plus source trust plus
// plausibility. Recency decays linearly to zero over horizon.
func Score(m NormMsg, nowMs int64, w ScoreWeights, horizon time.Duration) float64 {
	if horizon <= 0 {
		horizon = DefaultRecencyHorizon
	}
	ageMin := float64(nowMs-m.TsMs) / float64(time.Minute/time.Millisecond)
	if ageMin < 0 {
		ageMin = 0
	}
	recency := 1 - ageMin/horizon.Minutes()
	if recency < 0 {
		recency = 0
	}
	sane := 0.0
	if m.Sane {
		sane = 1.0
	}
	return w.Recency*recency + w.Source*m.SourceWeight + w.Sanity*sane
}
