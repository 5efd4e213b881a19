package arbiter

import (
	"math"
	"time"

	"github.com/Mindburn-Labs/regtruth/pkg/model"
)

// Candidate is one side of a conflict, reduced to what scoring needs.
type Candidate struct {
	ID         string
	Kind       string // "rule" or "pointer"
	Status     model.RuleStatus
	Authority  model.AuthorityLevel
	Confidence float64
	AsOf       time.Time
}

// Scorer ranks candidates. Higher wins.
type Scorer interface {
	Score(c Candidate, now time.Time) float64
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(c Candidate, now time.Time) float64

func (f ScorerFunc) Score(c Candidate, now time.Time) float64 { return f(c, now) }

// DefaultScorer weighs authority, recency and confidence. Each component is
// normalised to [0,1] before weighting.
type DefaultScorer struct {
	AuthorityWeight  float64
	RecencyWeight    float64
	ConfidenceWeight float64
	// HalfLife is the age at which the recency component halves.
	HalfLife time.Duration
}

// NewDefaultScorer returns the standard weighting.
func NewDefaultScorer() DefaultScorer {
	return DefaultScorer{
		AuthorityWeight:  0.5,
		RecencyWeight:    0.2,
		ConfidenceWeight: 0.3,
		HalfLife:         365 * 24 * time.Hour,
	}
}

func (s DefaultScorer) Score(c Candidate, now time.Time) float64 {
	authority := float64(c.Authority.Rank()) / 4

	recency := 1.0
	if age := now.Sub(c.AsOf); age > 0 && s.HalfLife > 0 {
		recency = math.Exp2(-float64(age) / float64(s.HalfLife))
	}

	confidence := math.Max(0, math.Min(1, c.Confidence))
	return s.AuthorityWeight*authority + s.RecencyWeight*recency + s.ConfidenceWeight*confidence
}
