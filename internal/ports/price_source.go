package ports

import (
	"context"

	"github.com/alejandrodnm/overunder/internal/domain"
)

// PriceSource fetches a single price for an asset from one upstream provider.
type PriceSource interface {
	// Name identifies the source in samples, logs and metrics.
	Name() string

	// Fetch never returns an error: timeouts, transport failures and
	// malformed payloads all come back as a sample with OK=false.
	Fetch(ctx context.Context, asset domain.AssetKey) domain.PriceSample
}

// PriceOracle produces one canonical price snapshot for an asset.
type PriceOracle interface {
	GetPriceSnapshot(ctx context.Context, asset domain.AssetKey) (domain.PriceSnapshot, error)
}
