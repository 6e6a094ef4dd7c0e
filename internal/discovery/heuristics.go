package discovery

import (
	"context"

	"github.com/kiranshivaraju/procmine/internal/eventlog"
	"github.com/kiranshivaraju/procmine/pkg/petri"
	"github.com/samber/lo"
)

// HeuristicsOptions tune the dependency graph.
type HeuristicsOptions struct {
	// DependencyThreshold is the minimum dependency measure for an edge.
	DependencyThreshold float64
	// MinEdgeOccurrences is the minimum directly-follows count for an edge.
	MinEdgeOccurrences int
}

// DefaultHeuristicsOptions are the usual heuristics miner defaults.
func DefaultHeuristicsOptions() HeuristicsOptions {
	return HeuristicsOptions{DependencyThreshold: 0.5, MinEdgeOccurrences: 1}
}

// HeuristicsMiner builds a dependency graph from frequency-weighted
// directly-follows relations, which keeps infrequent noise out of the
// model, and converts it to a Petri net. Self-loops are attached to the
// places around the looping activity.
type HeuristicsMiner struct {
	opts HeuristicsOptions
}

func NewHeuristicsMiner(opts HeuristicsOptions) HeuristicsMiner {
	def := DefaultHeuristicsOptions()
	if opts.DependencyThreshold <= 0 || opts.DependencyThreshold > 1 {
		opts.DependencyThreshold = def.DependencyThreshold
	}
	if opts.MinEdgeOccurrences <= 0 {
		opts.MinEdgeOccurrences = def.MinEdgeOccurrences
	}
	return HeuristicsMiner{opts: opts}
}

func dependency(fp *footprint, a, b int) float64 {
	if a == b {
		ab := float64(fp.f(a, a))
		return ab / (ab + 1)
	}
	ab, ba := float64(fp.f(a, b)), float64(fp.f(b, a))
	return (ab - ba) / (ab + ba + 1)
}

func (m HeuristicsMiner) Discover(ctx context.Context, traces []eventlog.Trace) (*petri.Net, error) {
	full := newFootprint(traces)
	if full.size() == 0 {
		return nil, ErrEmptyLog
	}

	loops := lo.Filter(lo.Range(full.size()), func(a, _ int) bool {
		return full.f(a, a) >= m.opts.MinEdgeOccurrences && dependency(full, a, a) >= m.opts.DependencyThreshold
	})
	loopNames := lo.Map(loops, func(a, _ int) string { return full.activities[a] })

	// Mine the log without its self-looping activities, then hang each loop
	// on the places between its neighbours.
	filtered := lo.Map(traces, func(tr eventlog.Trace, _ int) eventlog.Trace {
		return eventlog.Trace{CaseID: tr.CaseID, Events: lo.Reject(tr.Events, func(e eventlog.Event, _ int) bool {
			return lo.Contains(loopNames, e.Activity)
		})}
	})
	fp := newFootprint(filtered)
	if fp.size() == 0 {
		fp = full
		loops = nil
	}

	edges := m.dependencyGraph(fp)
	rel := relations{
		n:      fp.size(),
		causal: func(a, b int) bool { return a != b && edges[a][b] },
		unrelated: func(a, b int) bool {
			return !(fp.f(a, b) >= m.opts.MinEdgeOccurrences && fp.f(b, a) >= m.opts.MinEdgeOccurrences &&
				abs(dependency(fp, a, b)) < m.opts.DependencyThreshold)
		},
	}
	places, err := maximalPlaces(ctx, rel)
	if err != nil {
		return nil, err
	}

	net, err := buildNet("heuristics", fp, places, fp.startSet(), fp.endSet())
	if err != nil {
		return nil, err
	}
	if len(loops) == 0 {
		return net, nil
	}
	return m.attachLoops(net, full, fp, places, loops)
}

// dependencyGraph keeps edges above the thresholds and then makes sure every
// activity has its best incoming edge (unless it starts traces) and its best
// outgoing edge (unless it ends traces).
func (m HeuristicsMiner) dependencyGraph(fp *footprint) [][]bool {
	n := fp.size()
	edges := make([][]bool, n)
	for a := range edges {
		edges[a] = make([]bool, n)
	}
	for a := 0; a < n; a++ {
		for b := 0; b < n; b++ {
			if a != b && fp.f(a, b) >= m.opts.MinEdgeOccurrences && dependency(fp, a, b) >= m.opts.DependencyThreshold {
				edges[a][b] = true
			}
		}
	}

	for b := 0; b < n; b++ {
		if fp.starts[b] > 0 || lo.ContainsBy(lo.Range(n), func(a int) bool { return edges[a][b] }) {
			continue
		}
		if best, ok := bestBy(n, func(a int) float64 {
			if a == b || fp.f(a, b) == 0 {
				return 0
			}
			return dependency(fp, a, b)
		}); ok {
			edges[best][b] = true
		}
	}
	for a := 0; a < n; a++ {
		if fp.ends[a] > 0 || lo.ContainsBy(lo.Range(n), func(b int) bool { return edges[a][b] }) {
			continue
		}
		if best, ok := bestBy(n, func(b int) float64 {
			if a == b || fp.f(a, b) == 0 {
				return 0
			}
			return dependency(fp, a, b)
		}); ok {
			edges[a][best] = true
		}
	}
	return edges
}

func (m HeuristicsMiner) attachLoops(net *petri.Net, full, fp *footprint, places []placeCandidate, loops []int) (*petri.Net, error) {
	for _, l := range loops {
		name := full.activities[l]
		tid := "loop_" + transitionID(l)
		net.AddTransition(tid, name)

		preds := map[int]bool{}
		succs := map[int]bool{}
		for x := 0; x < full.size(); x++ {
			if x == l {
				continue
			}
			if idx, ok := fp.index[full.activities[x]]; ok {
				if full.f(x, l) > 0 {
					preds[idx] = true
				}
				if full.f(l, x) > 0 {
					succs[idx] = true
				}
			}
		}

		var hosts []string
		for k, c := range places {
			in := lo.ContainsBy(c.in.members(), func(a int) bool { return preds[a] })
			out := lo.ContainsBy(c.out.members(), func(b int) bool { return succs[b] })
			if in && out {
				hosts = append(hosts, placeID(k))
			}
		}
		if full.starts[l] > 0 {
			hosts = append(hosts, sourcePlace)
		}
		if full.ends[l] > 0 {
			hosts = append(hosts, sinkPlace)
		}
		for _, pid := range lo.Uniq(hosts) {
			if err := net.AddArc(pid, tid); err != nil {
				return nil, err
			}
			if err := net.AddArc(tid, pid); err != nil {
				return nil, err
			}
		}
	}
	return net, nil
}

func bestBy(n int, score func(i int) float64) (int, bool) {
	best, bestScore := -1, 0.0
	for i := 0; i < n; i++ {
		if s := score(i); s > bestScore {
			best, bestScore = i, s
		}
	}
	return best, best >= 0
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
