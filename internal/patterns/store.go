package patterns

import (
	"context"

	"github.com/miradorstack/mirador-heal/internal/models"
)

// Store abstracts the pattern persistence the registry reads from.
type Store interface {
	EnabledPatterns(ctx context.Context) ([]models.ErrorPattern, error)
	IncrementMatchCount(ctx context.Context, patternID int64, n int) error
}

// StoreFuncs adapts a pair of functions to the Store interface.
type StoreFuncs struct {
	List      func(ctx context.Context) ([]models.ErrorPattern, error)
	Increment func(ctx context.Context, patternID int64, n int) error
}

// EnabledPatterns implements Store.
func (f StoreFuncs) EnabledPatterns(ctx context.Context) ([]models.ErrorPattern, error) {
	if f.List == nil {
		return nil, nil
	}
	return f.List(ctx)
}

// IncrementMatchCount implements Store.
func (f StoreFuncs) IncrementMatchCount(ctx context.Context, patternID int64, n int) error {
	if f.Increment == nil {
		return nil
	}
	return f.Increment(ctx, patternID, n)
}
