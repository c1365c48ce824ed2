package patterns

import (
	"math"
	"testing"
)

func TestNextScoreAcceptanceIncreasesAndSaturates(t *testing.T) {
	score := InitialScore(OutcomeAccepted, DefaultLearningRate)
	if score <= NeutralScore {
		t.Fatalf("InitialScore(accepted) = %v, want > %v", score, NeutralScore)
	}
	for i := 0; i < 20; i++ {
		next := NextScore(score, OutcomeAccepted, DefaultLearningRate)
		if next <= score {
			t.Fatalf("step %d: NextScore(%v) = %v, want strictly greater", i, score, next)
		}
		if next > 1 {
			t.Fatalf("step %d: score %v left [0,1]", i, next)
		}
		score = next
	}
	for i := 0; i < 500; i++ {
		score = NextScore(score, OutcomeAccepted, DefaultLearningRate)
	}
	if score < 0.999 || score > 1 {
		t.Fatalf("score after many acceptances = %v, want saturation near 1", score)
	}
	if got := NextScore(1, OutcomeAccepted, DefaultLearningRate); got != 1 {
		t.Fatalf("NextScore(1) = %v", got)
	}
}

func TestNextScoreRejectionDecreasesAndFloors(t *testing.T) {
	score := 0.9
	for i := 0; i < 20; i++ {
		next := NextScore(score, OutcomeRejected, DefaultLearningRate)
		if next >= score {
			t.Fatalf("step %d: NextScore(%v) = %v, want strictly smaller", i, score, next)
		}
		if next < 0 {
			t.Fatalf("step %d: score %v left [0,1]", i, next)
		}
		score = next
	}
	if got := NextScore(0, OutcomeRejected, DefaultLearningRate); got != 0 {
		t.Fatalf("NextScore(0, rejected) = %v", got)
	}
}

func TestNextScoreCorrectionStartsHigh(t *testing.T) {
	if got := InitialScore(OutcomeCorrected, DefaultLearningRate); got != CorrectionScore {
		t.Fatalf("InitialScore(corrected) = %v", got)
	}
	if got := NextScore(0.1, OutcomeCorrected, DefaultLearningRate); got != CorrectionScore {
		t.Fatalf("NextScore(0.1, corrected) = %v", got)
	}
	if got := NextScore(0.95, OutcomeCorrected, DefaultLearningRate); got <= 0.95 {
		t.Fatalf("NextScore(0.95, corrected) = %v, want increase", got)
	}
}

func TestNextScoreClampsBadInput(t *testing.T) {
	cases := map[string]struct {
		old  float64
		rate float64
	}{
		"nan score":     {old: math.NaN(), rate: 0.25},
		"negative":      {old: -3, rate: 0.25},
		"above one":     {old: 7, rate: 0.25},
		"invalid rate":  {old: 0.5, rate: 4},
		"negative rate": {old: 0.5, rate: -1},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			for _, outcome := range []Outcome{OutcomeAccepted, OutcomeRejected, OutcomeCorrected} {
				got := NextScore(tc.old, outcome, tc.rate)
				if math.IsNaN(got) || got < 0 || got > 1 {
					t.Fatalf("NextScore(%v, %s, %v) = %v", tc.old, outcome, tc.rate, got)
				}
			}
		})
	}
}

func TestQuestionKey(t *testing.T) {
	cases := map[string]string{
		"Total sales by region?":       "total sales by region",
		"  total   SALES\tby region  ": "total sales by region",
		"Ｔｏｔａｌ sales":                  "total sales",
		"What is it...":                "what is it",
		"":                             "",
	}
	for in, want := range cases {
		if got := QuestionKey(in); got != want {
			t.Fatalf("QuestionKey(%q) = %q, want %q", in, got, want)
		}
	}
}
