package discovery

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/kiranshivaraju/procmine/pkg/petri"
)

// maxCandidates bounds the place search on logs with many concurrent
// activities.
const maxCandidates = 20000

type placeCandidate struct {
	in, out actSet
}

func (c placeCandidate) key() string { return c.in.key() + "|" + c.out.key() }

// relations describes how two activities relate for place construction.
type relations struct {
	n         int
	causal    func(a, b int) bool
	unrelated func(a, b int) bool
}

func (r relations) independent(s actSet) bool {
	m := s.members()
	for i := 0; i < len(m); i++ {
		for j := i + 1; j < len(m); j++ {
			if !r.unrelated(m[i], m[j]) {
				return false
			}
		}
	}
	return true
}

func (r relations) allCausal(in, out actSet) bool {
	for _, a := range in.members() {
		for _, b := range out.members() {
			if !r.causal(a, b) {
				return false
			}
		}
	}
	return true
}

// maximalPlaces returns the maximal pairs (A, B) such that every a in A
// causally precedes every b in B and the members of A, and of B, are
// pairwise unrelated.
func maximalPlaces(ctx context.Context, r relations) ([]placeCandidate, error) {
	var cands []placeCandidate
	seen := map[string]bool{}
	for a := 0; a < r.n; a++ {
		for b := 0; b < r.n; b++ {
			if r.causal(a, b) {
				c := placeCandidate{in: singleton(r.n, a), out: singleton(r.n, b)}
				seen[c.key()] = true
				cands = append(cands, c)
			}
		}
	}

	for i := 0; i < len(cands); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for j := i + 1; j < len(cands); j++ {
			c1, c2 := cands[i], cands[j]
			if !c1.in.subsetOf(c2.in) && !c2.in.subsetOf(c1.in) &&
				!c1.out.subsetOf(c2.out) && !c2.out.subsetOf(c1.out) {
				continue
			}
			merged := placeCandidate{in: c1.in.union(c2.in), out: c1.out.union(c2.out)}
			if seen[merged.key()] {
				continue
			}
			if !r.independent(merged.in) || !r.independent(merged.out) || !r.allCausal(merged.in, merged.out) {
				continue
			}
			seen[merged.key()] = true
			cands = append(cands, merged)
			if len(cands) > maxCandidates {
				return nil, fmt.Errorf("%w (more than %d)", ErrModelTooComplex, maxCandidates)
			}
		}
	}

	var maximal []placeCandidate
	for i, c := range cands {
		dominated := false
		for j, o := range cands {
			if i != j && c.in.subsetOf(o.in) && c.out.subsetOf(o.out) && c.key() != o.key() {
				dominated = true
				break
			}
		}
		if !dominated {
			maximal = append(maximal, c)
		}
	}
	sort.Slice(maximal, func(i, j int) bool { return maximal[i].key() < maximal[j].key() })
	return maximal, nil
}

const (
	sourcePlace = "source"
	sinkPlace   = "sink"
)

func transitionID(i int) string { return fmt.Sprintf("t%d", i) }

func placeID(k int) string { return fmt.Sprintf("p%d", k) }

func placeName(fp *footprint, c placeCandidate) string {
	names := func(s actSet) string {
		m := s.members()
		out := make([]string, len(m))
		for i, idx := range m {
			out[i] = fp.activities[idx]
		}
		return "{" + strings.Join(out, ",") + "}"
	}
	return "(" + names(c.in) + "," + names(c.out) + ")"
}

// buildNet turns place candidates into a workflow net with one visible
// transition per activity, a marked source place and a sink place.
func buildNet(name string, fp *footprint, places []placeCandidate, starts, ends []int) (*petri.Net, error) {
	n := petri.NewNet(name)
	n.AddPlace(sourcePlace, sourcePlace)
	n.InitialMark[sourcePlace] = 1
	for i, act := range fp.activities {
		n.AddTransition(transitionID(i), act)
	}

	for k, c := range places {
		pid := n.AddPlace(placeID(k), placeName(fp, c))
		for _, a := range c.in.members() {
			if err := n.AddArc(transitionID(a), pid); err != nil {
				return nil, err
			}
		}
		for _, b := range c.out.members() {
			if err := n.AddArc(pid, transitionID(b)); err != nil {
				return nil, err
			}
		}
	}

	n.AddPlace(sinkPlace, sinkPlace)
	n.FinalMark[sinkPlace] = 1
	for _, s := range starts {
		if err := n.AddArc(sourcePlace, transitionID(s)); err != nil {
			return nil, err
		}
	}
	for _, e := range ends {
		if err := n.AddArc(transitionID(e), sinkPlace); err != nil {
			return nil, err
		}
	}
	return n, nil
}
