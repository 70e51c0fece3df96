package risk

import "math"

// Scorer turns a list of signals into a risk assessment.
//
// The text-threat tag weights and the automated-signal confidence measure the
// same thing (how hostile this request looks), so they are compared rather
// than summed: the assessment starts from the maximum of the tag-weight sum
// and the scaled confidence. Burst-activity and environment-incompleteness
// are independent evidence and are added on top. The final score is clamped
// to [0,100].
type Scorer struct {
	passThreshold     int
	rejectThreshold   int
	hardRejectCeiling int
}

// NewScorer creates a scorer with the default thresholds.
func NewScorer() *Scorer {
	return &Scorer{
		passThreshold:     DefaultPassThreshold,
		rejectThreshold:   DefaultChallengeCeiling,
		hardRejectCeiling: DefaultHardRejectCeiling,
	}
}

// WithPassThreshold overrides the score below which attempts pass.
func (s *Scorer) WithPassThreshold(t int) *Scorer {
	s.passThreshold = t
	return s
}

// WithRejectThreshold overrides the score at which attempts are rejected
// outright.
func (s *Scorer) WithRejectThreshold(t int) *Scorer {
	s.rejectThreshold = t
	return s
}

// WithHardRejectCeiling overrides the score at which a challenge proof can no
// longer rescue an attempt.
func (s *Scorer) WithHardRejectCeiling(t int) *Scorer {
	s.hardRejectCeiling = t
	return s
}

// PassThreshold returns the configured pass threshold.
func (s *Scorer) PassThreshold() int { return s.passThreshold }

// RejectThreshold returns the configured reject threshold.
func (s *Scorer) RejectThreshold() int { return s.rejectThreshold }

// HardRejectCeiling returns the configured hard-reject ceiling.
func (s *Scorer) HardRejectCeiling() int { return s.hardRejectCeiling }

// Score evaluates the signal list. proofSupplied reports whether a successful
// human-challenge proof is already attached to the attempt; it downgrades an
// outright reject to a challenge, but never past the hard ceiling.
//
// Deterministic and idempotent: calling Score twice with the same arguments
// yields an identical assessment.
func (s *Scorer) Score(signals []Signal, proofSupplied bool) Assessment {
	var tagSum, confidence, additive float64
	for _, sig := range signals {
		switch sig.Source {
		case SourceTextThreat:
			tagSum += sig.Weight
		case SourceAutomated:
			if sig.Weight > confidence {
				confidence = sig.Weight
			}
		case SourceBurstActivity, SourceEnvIncomplete:
			additive += sig.Weight
		}
	}

	base := math.Max(tagSum, confidence)
	score := int(math.Round(clamp(base + additive)))

	kept := make([]Signal, len(signals))
	copy(kept, signals)

	return Assessment{
		Score:   score,
		Action:  s.action(score, proofSupplied),
		Signals: kept,
	}
}

// action applies the decision thresholds.
func (s *Scorer) action(score int, proofSupplied bool) Action {
	switch {
	case score >= s.hardRejectCeiling:
		// Hard ceiling: a proof cannot override scores this high.
		return ActionReject
	case score >= s.rejectThreshold:
		if proofSupplied {
			return ActionChallenge
		}
		return ActionReject
	case score >= s.passThreshold:
		return ActionChallenge
	default:
		return ActionPass
	}
}

// SeverityBand maps a final score onto the audit severity scale using the
// same thresholds that drive decisions.
func (s *Scorer) SeverityBand(score int) string {
	switch {
	case score >= s.hardRejectCeiling:
		return "critical"
	case score >= s.rejectThreshold:
		return "high"
	case score >= s.passThreshold:
		return "medium"
	default:
		return "low"
	}
}
