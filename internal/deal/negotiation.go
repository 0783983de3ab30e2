package deal

import (
	"fmt"
	"math"

	"github.com/canukguy1974/franky-ai/internal/domain"
)

type Mode string

const (
	// ModeMax bounds the cumulative amount granted over the deal's lifetime.
	ModeMax Mode = "max"
	// ModeMin requires each request to be at least the limit.
	ModeMin Mode = "min"
)

// Concession kinds understood by the default rule table.
const (
	KindDiscountPercent     = "discount_percent"
	KindExtraRevisions      = "extra_revisions"
	KindFeatureSubstitution = "feature_substitution"
	KindExtensionDays       = "extension_days"
	KindRushDays            = "rush_days"
)

// Rule is one row of the negotiation policy.
type Rule struct {
	Objection  domain.Objection `yaml:"objection" json:"objection"`
	Kind       string           `yaml:"kind" json:"kind"`
	Mode       Mode             `yaml:"mode" json:"mode"`
	Limit      float64          `yaml:"limit" json:"limit"`
	FeePercent float64          `yaml:"fee_percent,omitempty" json:"fee_percent,omitempty"`
}

type RuleTable []Rule

func DefaultRules() RuleTable {
	return RuleTable{
		{Objection: domain.ObjectionPrice, Kind: KindDiscountPercent, Mode: ModeMax, Limit: 10},
		{Objection: domain.ObjectionScope, Kind: KindExtraRevisions, Mode: ModeMax, Limit: 1},
		{Objection: domain.ObjectionScope, Kind: KindFeatureSubstitution, Mode: ModeMax, Limit: 1},
		{Objection: domain.ObjectionTimeline, Kind: KindExtensionDays, Mode: ModeMax, Limit: 5},
		{Objection: domain.ObjectionTimeline, Kind: KindRushDays, Mode: ModeMin, Limit: 3, FeePercent: 20},
	}
}

func (t RuleTable) Validate() error {
	seen := make(map[string]struct{}, len(t))
	for i, r := range t {
		switch r.Objection {
		case domain.ObjectionPrice, domain.ObjectionScope, domain.ObjectionTimeline:
		default:
			return fmt.Errorf("negotiation rule %d: unknown objection %q", i, r.Objection)
		}
		if r.Kind == "" {
			return fmt.Errorf("negotiation rule %d: kind is required", i)
		}
		if r.Mode != ModeMax && r.Mode != ModeMin {
			return fmt.Errorf("negotiation rule %s: mode must be max or min", r.Kind)
		}
		if r.Limit < 0 || r.FeePercent < 0 {
			return fmt.Errorf("negotiation rule %s: limit and fee must be non-negative", r.Kind)
		}
		key := string(r.Objection) + "/" + r.Kind
		if _, dup := seen[key]; dup {
			return fmt.Errorf("negotiation rule %s duplicated", key)
		}
		seen[key] = struct{}{}
	}
	return nil
}

func (t RuleTable) lookup(obj domain.Objection, kind string) (Rule, bool) {
	for _, r := range t {
		if r.Objection == obj && r.Kind == kind {
			return r, true
		}
	}
	return Rule{}, false
}

// Evaluation is the interpreter's verdict over one round of requests.
type Evaluation struct {
	Exceeded []domain.ScopeError
	Counter  []domain.Concession
}

func (e Evaluation) Escalate() bool { return len(e.Exceeded) > 0 }

// Evaluate checks requested concessions against the table given what the deal
// has already been granted. Requests without a matching rule have no
// autonomous bound and are always escalated. Counter holds the largest
// concession the table allows for each request.
func (t RuleTable) Evaluate(granted, requests []domain.Concession) (Evaluation, error) {
	var ev Evaluation
	prior := make(map[string]float64)
	for _, g := range granted {
		prior[string(g.Objection)+"/"+g.Kind] += g.Amount
	}
	for _, req := range requests {
		if req.Kind == "" {
			return Evaluation{}, domain.ValidationError{Field: "concession.kind", Reason: "required"}
		}
		if req.Amount < 0 || math.IsNaN(req.Amount) || math.IsInf(req.Amount, 0) {
			return Evaluation{}, domain.ValidationError{Field: "concession.amount", Reason: "must be a non-negative number"}
		}
		key := string(req.Objection) + "/" + req.Kind
		rule, ok := t.lookup(req.Objection, req.Kind)
		if !ok {
			ev.Exceeded = append(ev.Exceeded, domain.ScopeError{Kind: key, Requested: req.Amount})
			continue
		}
		counter := req
		switch rule.Mode {
		case ModeMax:
			used := prior[key]
			if used+req.Amount > rule.Limit {
				ev.Exceeded = append(ev.Exceeded, domain.ScopeError{Kind: key, Requested: used + req.Amount, Limit: rule.Limit})
				counter.Amount = math.Max(0, rule.Limit-used)
			}
			prior[key] = used + counter.Amount
		case ModeMin:
			if req.Amount < rule.Limit {
				ev.Exceeded = append(ev.Exceeded, domain.ScopeError{Kind: key, Requested: req.Amount, Limit: rule.Limit})
				counter.Amount = rule.Limit
			}
		}
		if counter.Amount > 0 {
			ev.Counter = append(ev.Counter, counter)
		}
	}
	return ev, nil
}

// Apply folds granted concessions into the terms.
func (t RuleTable) Apply(terms domain.Terms, granted []domain.Concession) domain.Terms {
	out := terms
	out.Services = append([]string(nil), terms.Services...)
	for _, c := range granted {
		switch c.Kind {
		case KindDiscountPercent:
			out.DiscountPercent += c.Amount
		case KindExtraRevisions:
			out.Revisions += int(c.Amount)
		case KindFeatureSubstitution:
			out.FeatureSubstitutions += int(c.Amount)
		case KindExtensionDays:
			out.TimelineDays += int(c.Amount)
		case KindRushDays:
			out.TimelineDays = int(c.Amount)
			if rule, ok := t.lookup(c.Objection, c.Kind); ok {
				out.RushFeePercent = rule.FeePercent
			}
		}
	}
	return out
}
