package ports

import (
	"context"

	"github.com/alejandrodnm/overunder/internal/domain"
)

// Notifier reports pool resolutions to the operator.
type Notifier interface {
	NotifyResolution(ctx context.Context, pool domain.Pool, settlements []domain.Settlement) error
}
