package patterns

import "math"

type Outcome int

const (
	OutcomeAccepted Outcome = iota + 1
	OutcomeRejected
	OutcomeCorrected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeRejected:
		return "rejected"
	case OutcomeCorrected:
		return "corrected"
	default:
		return "unknown"
	}
}

const (
	NeutralScore        = 0.5
	CorrectionScore     = 0.9
	DefaultLearningRate = 0.25
)

// NextScore moves old toward 1 on acceptance and toward 0 on rejection by a
// fixed fraction of the remaining distance, so repeated verdicts change the
// score strictly monotonically and never leave [0, 1]. A correction lands at
// least at CorrectionScore.
func NextScore(old float64, outcome Outcome, rate float64) float64 {
	old = clamp(old)
	if rate <= 0 || rate >= 1 || math.IsNaN(rate) {
		rate = DefaultLearningRate
	}
	switch outcome {
	case OutcomeAccepted:
		return clamp(old + rate*(1-old))
	case OutcomeRejected:
		return clamp(old - rate*old)
	case OutcomeCorrected:
		return math.Max(CorrectionScore, clamp(old+rate*(1-old)))
	default:
		return old
	}
}

// InitialScore is the score of a pattern created by outcome.
func InitialScore(outcome Outcome, rate float64) float64 {
	if outcome == OutcomeCorrected {
		return CorrectionScore
	}
	return NextScore(NeutralScore, outcome, rate)
}

func clamp(score float64) float64 {
	switch {
	case math.IsNaN(score):
		return NeutralScore
	case score < 0:
		return 0
	case score > 1:
		return 1
	default:
		return score
	}
}
