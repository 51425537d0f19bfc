package gousage

import (
	"sort"
	"strings"
)

// Price is the cost rate of a model. PerToken takes precedence; PerRequest
// is the flat rate used for models without token pricing.
type Price struct {
	PerToken   float64 `json:"per_token" yaml:"per_token"`
	PerRequest float64 `json:"per_request" yaml:"per_request"`
}

// Cost returns the cost of the given usage at this price.
func (p Price) Cost(requests, tokens int64) float64 {
	if p.PerToken > 0 {
		return p.PerToken * float64(tokens)
	}
	return p.PerRequest * float64(requests)
}

// PricingResolver maps a model identifier to its price. Implementations
// must be pure lookups and fall back to a default for unknown models.
type PricingResolver interface {
	PriceOf(model string) Price
}

// PricingFunc adapts a function to the PricingResolver interface.
type PricingFunc func(model string) Price

// PriceOf calls f(model).
func (f PricingFunc) PriceOf(model string) Price {
	return f(model)
}

// StaticPricing resolves prices from a fixed table: exact match first,
// then the longest matching prefix (so "gpt-4o" covers "gpt-4o-2024-08-06"),
// then Default.
type StaticPricing struct {
	table    map[string]Price
	prefixes []string
	def      Price
}

// NewStaticPricing builds a resolver from table with def as the fallback.
func NewStaticPricing(table map[string]Price, def Price) *StaticPricing {
	sp := &StaticPricing{table: make(map[string]Price, len(table)), def: def}
	for model, p := range table {
		key := strings.ToLower(model)
		sp.table[key] = p
		sp.prefixes = append(sp.prefixes, key)
	}
	sort.Slice(sp.prefixes, func(i, j int) bool {
		if len(sp.prefixes[i]) != len(sp.prefixes[j]) {
			return len(sp.prefixes[i]) > len(sp.prefixes[j])
		}
		return sp.prefixes[i] < sp.prefixes[j]
	})
	return sp
}

func (sp *StaticPricing) PriceOf(model string) Price {
	key := strings.ToLower(model)
	if p, ok := sp.table[key]; ok {
		return p
	}
	for _, prefix := range sp.prefixes {
		if strings.HasPrefix(key, prefix) {
			return sp.table[prefix]
		}
	}
	return sp.def
}
