package discovery

import (
	"context"

	"github.com/kiranshivaraju/procmine/internal/eventlog"
	"github.com/kiranshivaraju/procmine/pkg/petri"
)

// AlphaMiner implements the classic alpha algorithm. Activities that
// directly follow themselves are never part of a causal place.
type AlphaMiner struct{}

func (AlphaMiner) Discover(ctx context.Context, traces []eventlog.Trace) (*petri.Net, error) {
	fp := newFootprint(traces)
	if fp.size() == 0 {
		return nil, ErrEmptyLog
	}

	rel := relations{
		n: fp.size(),
		causal: func(a, b int) bool {
			return fp.f(a, b) > 0 && fp.f(b, a) == 0 && fp.f(a, a) == 0 && fp.f(b, b) == 0
		},
		unrelated: func(a, b int) bool {
			return fp.f(a, b) == 0 && fp.f(b, a) == 0
		},
	}
	places, err := maximalPlaces(ctx, rel)
	if err != nil {
		return nil, err
	}
	return buildNet("alpha", fp, places, fp.startSet(), fp.endSet())
}
