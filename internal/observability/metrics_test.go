package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveValidationDropsCodeForAccepted(t *testing.T) {
	before := testutil.ToFloat64(validationsTotal.WithLabelValues("accepted", ""))
	ObserveValidation(true, "ignored")
	if got := testutil.ToFloat64(validationsTotal.WithLabelValues("accepted", "")); got != before+1 {
		t.Fatalf("accepted validations = %v, want %v", got, before+1)
	}

	rejected := testutil.ToFloat64(validationsTotal.WithLabelValues("rejected", "forbidden_keyword"))
	ObserveValidation(false, "forbidden_keyword")
	if got := testutil.ToFloat64(validationsTotal.WithLabelValues("rejected", "forbidden_keyword")); got != rejected+1 {
		t.Fatalf("rejected validations = %v, want %v", got, rejected+1)
	}
}

func TestObserveRetrievalSplitsHitsAndMisses(t *testing.T) {
	hits := testutil.ToFloat64(retrievalsTotal.WithLabelValues("hit"))
	misses := testutil.ToFloat64(retrievalsTotal.WithLabelValues("miss"))

	ObserveRetrieval(2, time.Millisecond)
	ObserveRetrieval(0, time.Millisecond)

	if got := testutil.ToFloat64(retrievalsTotal.WithLabelValues("hit")); got != hits+1 {
		t.Fatalf("hits = %v", got)
	}
	if got := testutil.ToFloat64(retrievalsTotal.WithLabelValues("miss")); got != misses+1 {
		t.Fatalf("misses = %v", got)
	}
}

func TestObserveExportCountsPatternsOnlyOnSuccess(t *testing.T) {
	exported := testutil.ToFloat64(exportedPatternsTotal)
	ObserveExport(5, errors.New("boom"))
	if got := testutil.ToFloat64(exportedPatternsTotal); got != exported {
		t.Fatalf("exported after failure = %v, want %v", got, exported)
	}
	ObserveExport(5, nil)
	if got := testutil.ToFloat64(exportedPatternsTotal); got != exported+5 {
		t.Fatalf("exported after success = %v, want %v", got, exported+5)
	}
}
