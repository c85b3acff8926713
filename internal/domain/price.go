package domain

import (
	"strings"
	"time"
)

// AssetKey identifies an asset across price providers.
// ID is the aggregator-style slug ("bitcoin"), Symbol the exchange ticker ("BTC").
type AssetKey struct {
	ID     string
	Symbol string
}

// knownSymbols maps common asset slugs to exchange tickers.
var knownSymbols = map[string]string{
	"bonk":      "BONK",
	"dogwifhat": "WIF",
	"pepe":      "PEPE",
	"solana":    "SOL",
	"bitcoin":   "BTC",
	"ethereum":  "ETH",
}

// Ticker returns the exchange ticker for the asset. An explicit Symbol wins,
// then the built-in map, then the upper-cased ID.
func (a AssetKey) Ticker() string {
	if a.Symbol != "" {
		return strings.ToUpper(a.Symbol)
	}
	if s, ok := knownSymbols[strings.ToLower(a.ID)]; ok {
		return s
	}
	return strings.ToUpper(a.ID)
}

// String is used as the asset label in logs and metrics.
func (a AssetKey) String() string {
	if a.ID != "" {
		return a.ID
	}
	return a.Ticker()
}

// PriceSample is one source's observation of an asset price.
type PriceSample struct {
	Source     string
	Price      *float64 // nil when the source failed
	ObservedAt time.Time
	OK         bool
	Err        string // failure reason, audit only
	Outlier    bool   // rejected by MAD filtering (set on the snapshot copy)
}

// Value returns the sampled price, or 0 when absent.
func (s PriceSample) Value() float64 {
	if s.Price == nil {
		return 0
	}
	return *s.Price
}

// OKSample builds a successful sample.
func OKSample(source string, price float64, at time.Time) PriceSample {
	p := price
	return PriceSample{Source: source, Price: &p, ObservedAt: at, OK: true}
}

// FailedSample builds an unsuccessful sample with no price.
func FailedSample(source string, at time.Time, reason string) PriceSample {
	return PriceSample{Source: source, ObservedAt: at, OK: false, Err: reason}
}

// PriceSnapshot is the aggregated price with full provenance.
type PriceSnapshot struct {
	Asset   string
	Price   float64
	TakenAt time.Time
	Samples []PriceSample
}

// UsedSources returns the sources whose price contributed to the final median.
func (s PriceSnapshot) UsedSources() []string {
	var out []string
	for _, smp := range s.Samples {
		if smp.OK && !smp.Outlier {
			out = append(out, smp.Source)
		}
	}
	return out
}
