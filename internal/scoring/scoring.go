// Package scoring turns a business signal snapshot into a bounded fit score
// and a classification. Everything here is pure.
package scoring

import (
	"fmt"
	"math"
	"sort"

	"github.com/canukguy1974/franky-ai/internal/domain"
)

const (
	subScoreCap   = 25.0
	defaultWeight = 10.0
)

// Range bounds a temporal adjustment kind.
type Range struct {
	Min     float64 `yaml:"min" json:"min"`
	Max     float64 `yaml:"max" json:"max"`
	Default float64 `yaml:"default" json:"default"`
}

// Weights configures signal weights and temporal ranges.
type Weights struct {
	DefaultSignal float64            `yaml:"default_signal"`
	Growth        map[string]float64 `yaml:"growth"`
	Needs         map[string]float64 `yaml:"needs"`
	Temporal      map[string]Range   `yaml:"temporal"`
}

func DefaultWeights() Weights {
	return Weights{
		DefaultSignal: defaultWeight,
		Temporal: map[string]Range{
			"freshness": {Min: -15, Max: -5, Default: -10},
			"distress":  {Min: 5, Max: 15, Default: 10},
			"seasonal":  {Min: 10, Max: 10, Default: 10},
		},
	}
}

type Result struct {
	Score          int
	Classification domain.Classification
	Breakdown      domain.ScoreBreakdown
	Warnings       []string
}

// Score computes the lead score. Malformed or absent signals contribute zero
// and produce a warning instead of an error.
func Score(s domain.Signals, w Weights) Result {
	var res Result
	warn := func(format string, args ...any) {
		res.Warnings = append(res.Warnings, fmt.Sprintf(format, args...))
	}

	b := &res.Breakdown
	b.Maturity = maturity(s.AgeYears, warn)
	b.Digital = digital(s.WebsiteQuality, s.SocialPresence, warn)
	b.Growth = weighted("growth", s.Growth, w.Growth, w.DefaultSignal, warn)
	b.Need = weighted("need", s.Needs, w.Needs, w.DefaultSignal, warn)
	b.Base = b.Maturity + b.Digital + b.Growth + b.Need
	b.Temporal = temporal(s.Temporal, w.Temporal, warn)

	total := clamp(b.Base+b.Temporal, 0, 100)
	res.Score = int(math.Round(total))
	res.Classification = Classify(res.Score)
	return res
}

// Classify maps a score to its bucket using inclusive lower bounds.
func Classify(score int) domain.Classification {
	switch {
	case score >= 80:
		return domain.ClassHot
	case score >= 60:
		return domain.ClassWarm
	case score >= 40:
		return domain.ClassLukewarm
	default:
		return domain.ClassCold
	}
}

func maturity(age *float64, warn func(string, ...any)) float64 {
	if age == nil {
		warn("business age missing")
		return 0
	}
	a := *age
	if math.IsNaN(a) || math.IsInf(a, 0) || a < 0 {
		warn("business age malformed: %v", a)
		return 0
	}
	switch {
	case a < 2:
		return 20
	case a <= 5:
		return 25
	default:
		return 15
	}
}

func digital(website, social *float64, warn func(string, ...any)) float64 {
	component := func(name string, v *float64) float64 {
		if v == nil {
			warn("%s missing", name)
			return 0
		}
		if math.IsNaN(*v) || math.IsInf(*v, 0) {
			warn("%s malformed: %v", name, *v)
			return 0
		}
		if *v < 0 || *v > subScoreCap {
			warn("%s out of range: %v", name, *v)
		}
		return clamp(*v, 0, subScoreCap)
	}
	return (component("website quality", website) + component("social presence", social)) / 2
}

func weighted(kind string, signals []string, weights map[string]float64, fallback float64, warn func(string, ...any)) float64 {
	if fallback <= 0 {
		fallback = defaultWeight
	}
	seen := make(map[string]struct{}, len(signals))
	total := 0.0
	for _, sig := range signals {
		if sig == "" {
			warn("empty %s signal ignored", kind)
			continue
		}
		if _, dup := seen[sig]; dup {
			continue
		}
		seen[sig] = struct{}{}
		wt, ok := weights[sig]
		if !ok {
			wt = fallback
		}
		if wt < 0 {
			warn("negative weight for %s signal %s ignored", kind, sig)
			continue
		}
		total += wt
	}
	return math.Min(total, subScoreCap)
}

func temporal(signals []domain.TemporalSignal, ranges map[string]Range, warn func(string, ...any)) float64 {
	if len(signals) == 0 {
		return 0
	}
	total := 0.0
	// sorted by kind so warnings come out in a fixed order
	sorted := make([]domain.TemporalSignal, len(signals))
	copy(sorted, signals)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Kind < sorted[j].Kind })
	for _, sig := range sorted {
		r, ok := ranges[sig.Kind]
		if !ok {
			warn("unknown temporal signal %q ignored", sig.Kind)
			continue
		}
		delta := r.Default
		if sig.Delta != nil {
			delta = *sig.Delta
			if math.IsNaN(delta) || math.IsInf(delta, 0) {
				warn("temporal %s delta malformed, using default", sig.Kind)
				delta = r.Default
			} else if delta < r.Min || delta > r.Max {
				warn("temporal %s delta %v clamped to [%v,%v]", sig.Kind, delta, r.Min, r.Max)
				delta = clamp(delta, r.Min, r.Max)
			}
		}
		total += delta
	}
	return total
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
