package cache

import (
	"context"

	"tillbook/backend/internal/domain"
)

// ClosureCache caches frozen daily closure snapshots. Only active closures
// are cached; a reopen must invalidate the date before a new closure can be
// cached.
type ClosureCache interface {
	GetClosure(ctx context.Context, businessDate string) (*domain.DailyClosure, bool)
	SetClosure(ctx context.Context, closure domain.DailyClosure)
	InvalidateClosure(ctx context.Context, businessDate string)
	Close() error
}

// Noop satisfies ClosureCache when no Redis is configured.
type Noop struct{}

func (Noop) GetClosure(context.Context, string) (*domain.DailyClosure, bool) { return nil, false }
func (Noop) SetClosure(context.Context, domain.DailyClosure)                {}
func (Noop) InvalidateClosure(context.Context, string)                      {}
func (Noop) Close() error                                                   { return nil }
