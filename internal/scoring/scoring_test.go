package scoring

import (
	"math"
	"testing"

	"github.com/canukguy1974/franky-ai/internal/domain"
)

func f(v float64) *float64 { return &v }

func TestScoreHotScenario(t *testing.T) {
	sig := domain.Signals{
		AgeYears:       f(3),
		WebsiteQuality: f(25),
		SocialPresence: f(25),
		Growth:         []string{"hiring", "new_location"},
		Needs:          []string{"no_blog", "outdated_site", "no_analytics"},
	}
	res := Score(sig, DefaultWeights())
	if res.Score != 95 {
		t.Fatalf("expected 95, got %d (%+v)", res.Score, res.Breakdown)
	}
	if res.Classification != domain.ClassHot {
		t.Fatalf("expected hot, got %s", res.Classification)
	}
	if res.Breakdown.Growth != 20 || res.Breakdown.Need != 25 {
		t.Fatalf("unexpected breakdown %+v", res.Breakdown)
	}
	if len(res.Warnings) != 0 {
		t.Fatalf("unexpected warnings %v", res.Warnings)
	}
}

func TestScoreDeterministic(t *testing.T) {
	sig := domain.Signals{
		AgeYears: f(7),
		Growth:   []string{"funding"},
		Temporal: []domain.TemporalSignal{{Kind: "seasonal"}, {Kind: "freshness", Delta: f(-7)}},
	}
	a := Score(sig, DefaultWeights())
	b := Score(sig, DefaultWeights())
	if a.Score != b.Score || a.Classification != b.Classification {
		t.Fatalf("rescoring diverged: %+v vs %+v", a, b)
	}
	// 15 maturity + 0 digital + 10 growth + 10 seasonal - 7 freshness
	if a.Score != 28 || a.Classification != domain.ClassCold {
		t.Fatalf("unexpected result %+v", a)
	}
}

func TestScoreMissingSignalsDegrade(t *testing.T) {
	res := Score(domain.Signals{}, DefaultWeights())
	if res.Score != 0 || res.Classification != domain.ClassCold {
		t.Fatalf("expected zero cold, got %+v", res)
	}
	if len(res.Warnings) == 0 {
		t.Fatalf("expected data quality warnings")
	}
}

func TestScoreClampsBounds(t *testing.T) {
	sig := domain.Signals{
		AgeYears:       f(3),
		WebsiteQuality: f(400),
		SocialPresence: f(25),
		Growth:         []string{"a", "b", "c", "d"},
		Needs:          []string{"a", "b", "c", "d"},
		Temporal:       []domain.TemporalSignal{{Kind: "distress", Delta: f(99)}, {Kind: "seasonal"}},
	}
	res := Score(sig, DefaultWeights())
	if res.Score != 100 {
		t.Fatalf("expected clamp to 100, got %d", res.Score)
	}
	neg := Score(domain.Signals{AgeYears: f(-1), Temporal: []domain.TemporalSignal{{Kind: "freshness"}}}, DefaultWeights())
	if neg.Score != 0 {
		t.Fatalf("expected clamp to 0, got %d", neg.Score)
	}
	nan := Score(domain.Signals{AgeYears: f(math.NaN()), WebsiteQuality: f(math.Inf(1))}, DefaultWeights())
	if nan.Score < 0 || nan.Score > 100 {
		t.Fatalf("score out of range: %d", nan.Score)
	}
}

func TestTemporalAppliedBeforeClassification(t *testing.T) {
	// 25 maturity + 25 digital + 20 growth = 70 warm; distress +10 lifts to hot.
	sig := domain.Signals{
		AgeYears:       f(4),
		WebsiteQuality: f(25),
		SocialPresence: f(25),
		Growth:         []string{"x", "y"},
		Temporal:       []domain.TemporalSignal{{Kind: "distress"}},
	}
	res := Score(sig, DefaultWeights())
	if res.Score != 80 || res.Classification != domain.ClassHot {
		t.Fatalf("expected 80 hot, got %+v", res)
	}
	sig.Temporal = []domain.TemporalSignal{{Kind: "bogus"}}
	res = Score(sig, DefaultWeights())
	if res.Score != 70 || len(res.Warnings) != 1 {
		t.Fatalf("unknown temporal kind must be ignored with warning: %+v", res)
	}
}

func TestClassifyMonotonic(t *testing.T) {
	order := map[domain.Classification]int{domain.ClassCold: 0, domain.ClassLukewarm: 1, domain.ClassWarm: 2, domain.ClassHot: 3}
	prev := -1
	for s := 0; s <= 100; s++ {
		rank := order[Classify(s)]
		if rank < prev {
			t.Fatalf("classification not monotonic at %d", s)
		}
		prev = rank
	}
	if Classify(50) == domain.ClassHot || Classify(79) != domain.ClassWarm || Classify(40) != domain.ClassLukewarm || Classify(39) != domain.ClassCold {
		t.Fatalf("thresholds wrong")
	}
}

func TestCustomWeights(t *testing.T) {
	w := DefaultWeights()
	w.Growth = map[string]float64{"funding": 20}
	res := Score(domain.Signals{Growth: []string{"funding", "funding", "hiring"}}, w)
	if res.Breakdown.Growth != 25 {
		t.Fatalf("expected capped 25, got %v", res.Breakdown.Growth)
	}
}
