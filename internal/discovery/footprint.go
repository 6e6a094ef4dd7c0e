package discovery

import (
	"math/bits"
	"sort"
	"strconv"
	"strings"

	"github.com/kiranshivaraju/procmine/internal/eventlog"
	"github.com/samber/lo"
)

// footprint holds the directly-follows counts of a log.
type footprint struct {
	activities []string
	index      map[string]int
	follows    [][]int
	starts     []int
	ends       []int
}

func newFootprint(traces []eventlog.Trace) *footprint {
	names := lo.Uniq(lo.FlatMap(traces, func(tr eventlog.Trace, _ int) []string { return tr.Activities() }))
	sort.Strings(names)

	fp := &footprint{
		activities: names,
		index:      make(map[string]int, len(names)),
		follows:    make([][]int, len(names)),
		starts:     make([]int, len(names)),
		ends:       make([]int, len(names)),
	}
	for i, n := range names {
		fp.index[n] = i
		fp.follows[i] = make([]int, len(names))
	}
	for _, tr := range traces {
		if len(tr.Events) == 0 {
			continue
		}
		fp.starts[fp.index[tr.Events[0].Activity]]++
		fp.ends[fp.index[tr.Events[len(tr.Events)-1].Activity]]++
		for i := 1; i < len(tr.Events); i++ {
			a, b := fp.index[tr.Events[i-1].Activity], fp.index[tr.Events[i].Activity]
			fp.follows[a][b]++
		}
	}
	return fp
}

func (fp *footprint) size() int { return len(fp.activities) }

func (fp *footprint) f(a, b int) int { return fp.follows[a][b] }

func (fp *footprint) startSet() []int {
	return lo.Filter(lo.Range(fp.size()), func(i, _ int) bool { return fp.starts[i] > 0 })
}

func (fp *footprint) endSet() []int {
	return lo.Filter(lo.Range(fp.size()), func(i, _ int) bool { return fp.ends[i] > 0 })
}

// actSet is a bitset over activity indices.
type actSet []uint64

func newActSet(n int) actSet { return make(actSet, (n+63)/64) }

func singleton(n, i int) actSet {
	s := newActSet(n)
	s[i/64] |= 1 << (uint(i) % 64)
	return s
}

func (s actSet) union(o actSet) actSet {
	out := make(actSet, len(s))
	for i := range s {
		out[i] = s[i] | o[i]
	}
	return out
}

func (s actSet) subsetOf(o actSet) bool {
	for i := range s {
		if s[i]&^o[i] != 0 {
			return false
		}
	}
	return true
}

func (s actSet) members() []int {
	var out []int
	for w, word := range s {
		for word != 0 {
			b := bits.TrailingZeros64(word)
			out = append(out, w*64+b)
			word &^= 1 << uint(b)
		}
	}
	return out
}

func (s actSet) key() string {
	parts := make([]string, len(s))
	for i, w := range s {
		parts[i] = strconv.FormatUint(w, 16)
	}
	return strings.Join(parts, ".")
}
