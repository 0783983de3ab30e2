package deal

import (
	"fmt"
	"math"
	"sort"

	"github.com/canukguy1974/franky-ai/internal/domain"
)

// Tier is the pricing tier derived from a lead's maturity and digital presence.
type Tier string

const (
	TierLow    Tier = "low"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
)

// Scope is the engagement size derived from the number of captured needs.
type Scope string

const (
	ScopeMinimal       Scope = "minimal"
	ScopeStandard      Scope = "standard"
	ScopeComprehensive Scope = "comprehensive"
)

type ServicePrice struct {
	BasePrice float64 `yaml:"base_price" json:"base_price"`
	Days      int     `yaml:"days" json:"days"`
}

// Pricing quotes proposals that arrive without a price or timeline.
type Pricing struct {
	Services map[string]ServicePrice `yaml:"services" json:"services"`
	// DefaultPrice and DefaultDays apply to services missing from Services.
	DefaultPrice          float64           `yaml:"default_price" json:"default_price"`
	DefaultDays           int               `yaml:"default_days" json:"default_days"`
	BufferDays            int               `yaml:"buffer_days" json:"buffer_days"`
	BundleMinServices     int               `yaml:"bundle_min_services" json:"bundle_min_services"`
	BundleDiscountPercent float64           `yaml:"bundle_discount_percent" json:"bundle_discount_percent"`
	Tiers                 map[Tier]float64  `yaml:"tiers" json:"tiers"`
	Scopes                map[Scope]float64 `yaml:"scopes" json:"scopes"`
}

func DefaultPricing() Pricing {
	return Pricing{
		Services: map[string]ServicePrice{
			"content_creation": {BasePrice: 800, Days: 7},
			"web_development":  {BasePrice: 3000, Days: 14},
			"data_analysis":    {BasePrice: 1200, Days: 5},
		},
		DefaultPrice:          1000,
		DefaultDays:           7,
		BufferDays:            3,
		BundleMinServices:     3,
		BundleDiscountPercent: 10,
		Tiers:                 map[Tier]float64{TierLow: 0.8, TierMedium: 1.0, TierHigh: 1.2},
		Scopes:                map[Scope]float64{ScopeMinimal: 0.8, ScopeStandard: 1.0, ScopeComprehensive: 1.3},
	}
}

func (p Pricing) Validate() error {
	for name, sp := range p.Services {
		if sp.BasePrice <= 0 {
			return fmt.Errorf("pricing.services.%s.base_price must be positive", name)
		}
		if sp.Days <= 0 {
			return fmt.Errorf("pricing.services.%s.days must be positive", name)
		}
	}
	switch {
	case p.DefaultPrice <= 0:
		return fmt.Errorf("pricing.default_price must be positive")
	case p.DefaultDays <= 0:
		return fmt.Errorf("pricing.default_days must be positive")
	case p.BufferDays < 0:
		return fmt.Errorf("pricing.buffer_days must not be negative")
	case p.BundleDiscountPercent < 0 || p.BundleDiscountPercent >= 100:
		return fmt.Errorf("pricing.bundle_discount_percent must be within 0..100")
	}
	for _, t := range []Tier{TierLow, TierMedium, TierHigh} {
		if m, ok := p.Tiers[t]; ok && m <= 0 {
			return fmt.Errorf("pricing.tiers.%s must be positive", t)
		}
	}
	for _, s := range []Scope{ScopeMinimal, ScopeStandard, ScopeComprehensive} {
		if m, ok := p.Scopes[s]; ok && m <= 0 {
			return fmt.Errorf("pricing.scopes.%s must be positive", s)
		}
	}
	return nil
}

// Quote is a deterministic price and timeline for a set of services.
type Quote struct {
	Tier          Tier               `json:"tier"`
	Scope         Scope              `json:"scope"`
	ServicePrices map[string]float64 `json:"service_prices"`
	Price         float64            `json:"price"`
	TimelineDays  int                `json:"timeline_days"`
}

// TierFor buckets the mean of the maturity and digital sub-scores, each out
// of 25, at 0.4 and 0.7.
func TierFor(b domain.ScoreBreakdown) Tier {
	combined := (b.Maturity + b.Digital) / 50
	switch {
	case combined < 0.4:
		return TierLow
	case combined < 0.7:
		return TierMedium
	default:
		return TierHigh
	}
}

func ScopeFor(needs int) Scope {
	switch {
	case needs <= 1:
		return ScopeMinimal
	case needs <= 3:
		return ScopeStandard
	default:
		return ScopeComprehensive
	}
}

// Quote prices each service at base x tier x scope rounded to the nearest 10.
// Bundles of BundleMinServices or more get the bundle discount on the total,
// rounded again. Services run in parallel, so the timeline is the longest
// service plus the buffer.
func (p Pricing) Quote(lead domain.Lead, services []string) Quote {
	q := Quote{
		Tier:          TierFor(lead.Breakdown),
		Scope:         ScopeFor(len(lead.Signals.Needs)),
		ServicePrices: make(map[string]float64, len(services)),
	}
	mult := multiplier(p.Tiers, q.Tier) * multiplier(p.Scopes, q.Scope)
	names := append([]string(nil), services...)
	sort.Strings(names)
	longest := 0
	for _, name := range names {
		if _, seen := q.ServicePrices[name]; seen {
			continue
		}
		sp, ok := p.Services[name]
		if !ok {
			sp = ServicePrice{BasePrice: p.DefaultPrice, Days: p.DefaultDays}
		}
		price := roundTo10(sp.BasePrice * mult)
		q.ServicePrices[name] = price
		q.Price += price
		longest = max(longest, sp.Days)
	}
	if p.BundleMinServices > 0 && len(q.ServicePrices) >= p.BundleMinServices {
		q.Price = roundTo10(q.Price * (1 - p.BundleDiscountPercent/100))
	}
	q.TimelineDays = longest + p.BufferDays
	return q
}

func multiplier[K comparable](m map[K]float64, k K) float64 {
	if v, ok := m[k]; ok && v > 0 {
		return v
	}
	return 1
}

func roundTo10(v float64) float64 {
	return math.Round(v/10) * 10
}
