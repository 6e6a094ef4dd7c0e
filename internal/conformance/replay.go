// Package conformance checks event logs against discovered Petri nets
// using token-based replay.
package conformance

import (
	"math"
	"sort"

	"github.com/kiranshivaraju/procmine/internal/eventlog"
	"github.com/kiranshivaraju/procmine/pkg/petri"
)

// TraceResult is the replay outcome of one case.
type TraceResult struct {
	CaseID    string  `json:"case_id"`
	Fit       bool    `json:"fit"`
	Fitness   float64 `json:"fitness"`
	Missing   int     `json:"missing"`
	Remaining int     `json:"remaining"`
	Consumed  int     `json:"consumed"`
	Produced  int     `json:"produced"`
	// Unknown lists activities that have no transition in the net.
	Unknown []string `json:"unknown_activities,omitempty"`
}

// Result aggregates a whole log.
type Result struct {
	Fitness                float64       `json:"fitness"`
	TotalCases             int           `json:"total_cases"`
	CompliantCases         int           `json:"compliant_cases"`
	NonCompliantCases      int           `json:"non_compliant_cases"`
	CompliantPercentage    float64       `json:"compliant_percentage"`
	NonCompliantPercentage float64       `json:"non_compliant_percentage"`
	CompliantCaseIDs       []string      `json:"compliant_case_ids"`
	NonCompliantCaseIDs    []string      `json:"non_compliant_case_ids"`
	Traces                 []TraceResult `json:"-"`
}

// Fitness combines token counters into a value in [0, 1].
func Fitness(missing, consumed, remaining, produced int) float64 {
	f := 0.0
	if consumed > 0 {
		f += 0.5 * (1 - float64(missing)/float64(consumed))
	} else {
		f += 0.5
	}
	if produced > 0 {
		f += 0.5 * (1 - float64(remaining)/float64(produced))
	} else {
		f += 0.5
	}
	return f
}

// Replay replays every trace on net and aggregates the outcome. Log
// fitness is computed from the summed token counters, not averaged per
// trace.
func Replay(net *petri.Net, traces []eventlog.Trace) Result {
	r := replayer{net: net, byLabel: net.TransitionsByLabel()}

	res := Result{
		TotalCases:          len(traces),
		CompliantCaseIDs:    []string{},
		NonCompliantCaseIDs: []string{},
		Traces:              make([]TraceResult, 0, len(traces)),
	}
	var m, c, rem, p int
	for _, tr := range traces {
		tres := r.trace(tr)
		res.Traces = append(res.Traces, tres)
		m, c, rem, p = m+tres.Missing, c+tres.Consumed, rem+tres.Remaining, p+tres.Produced
		if tres.Fit {
			res.CompliantCaseIDs = append(res.CompliantCaseIDs, tres.CaseID)
		} else {
			res.NonCompliantCaseIDs = append(res.NonCompliantCaseIDs, tres.CaseID)
		}
	}
	res.CompliantCases = len(res.CompliantCaseIDs)
	res.NonCompliantCases = len(res.NonCompliantCaseIDs)
	if res.TotalCases > 0 {
		res.Fitness = round(Fitness(m, c, rem, p), 4)
		res.CompliantPercentage = round(100*float64(res.CompliantCases)/float64(res.TotalCases), 2)
		res.NonCompliantPercentage = round(100*float64(res.NonCompliantCases)/float64(res.TotalCases), 2)
	}
	return res
}

type replayer struct {
	net     *petri.Net
	byLabel map[string][]petri.Transition
}

type tokenState struct {
	marking  petri.Marking
	missing  int
	consumed int
	produced int
}

func (r replayer) trace(tr eventlog.Trace) TraceResult {
	st := &tokenState{marking: petri.Marking{}}
	for pid, n := range r.net.InitialMark {
		st.marking[pid] = n
		st.produced += n
	}

	out := TraceResult{CaseID: tr.CaseID}
	for _, ev := range tr.Events {
		cands := r.byLabel[ev.Activity]
		if len(cands) == 0 {
			out.Unknown = append(out.Unknown, ev.Activity)
			st.missing++
			st.consumed++
			continue
		}
		t := r.pick(st, cands)
		r.enableSilently(st, t.ID)
		r.fire(st, t.ID, true)
	}

	// Drain silent transitions that lead towards the final marking.
	for i := 0; i < len(r.net.Transitions) && !r.reachedFinal(st); i++ {
		if !r.fireSilentTowards(st, r.net.FinalMark) {
			break
		}
	}

	for pid, n := range r.net.FinalMark {
		have := st.marking[pid]
		if have < n {
			st.missing += n - have
			have = n
		}
		st.consumed += n
		st.marking[pid] = have - n
	}
	remaining := 0
	for _, n := range st.marking {
		remaining += n
	}

	out.Missing = st.missing
	out.Remaining = remaining
	out.Consumed = st.consumed
	out.Produced = st.produced
	out.Fit = st.missing == 0 && remaining == 0
	out.Fitness = round(Fitness(st.missing, st.consumed, remaining, st.produced), 4)
	return out
}

// pick prefers an enabled transition, otherwise the one missing the fewest
// tokens. Ties go to the lowest id.
func (r replayer) pick(st *tokenState, cands []petri.Transition) petri.Transition {
	sorted := append([]petri.Transition(nil), cands...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	best, bestMissing := sorted[0], math.MaxInt
	for _, t := range sorted {
		if n := r.lacking(st, t.ID); n < bestMissing {
			best, bestMissing = t, n
		}
	}
	return best
}

func (r replayer) lacking(st *tokenState, tid string) int {
	n := 0
	for _, pid := range r.net.Preset(tid) {
		if st.marking[pid] == 0 {
			n++
		}
	}
	return n
}

// enableSilently fires enabled silent transitions that put a token on an
// empty input place of tid.
func (r replayer) enableSilently(st *tokenState, tid string) {
	for _, pid := range r.net.Preset(tid) {
		if st.marking[pid] > 0 {
			continue
		}
		r.fireSilentTowards(st, petri.Marking{pid: 1})
	}
}

func (r replayer) fireSilentTowards(st *tokenState, target petri.Marking) bool {
	for _, t := range r.net.Transitions {
		if t.Label != "" || r.lacking(st, t.ID) > 0 {
			continue
		}
		for _, pid := range r.net.Postset(t.ID) {
			if target[pid] > 0 && st.marking[pid] < target[pid] {
				r.fire(st, t.ID, false)
				return true
			}
		}
	}
	return false
}

func (r replayer) fire(st *tokenState, tid string, force bool) {
	for _, pid := range r.net.Preset(tid) {
		if st.marking[pid] == 0 {
			if !force {
				return
			}
			st.missing++
			st.marking[pid]++
		}
		st.marking[pid]--
		st.consumed++
	}
	for _, pid := range r.net.Postset(tid) {
		st.marking[pid]++
		st.produced++
	}
}

func (r replayer) reachedFinal(st *tokenState) bool {
	for pid, n := range r.net.FinalMark {
		if st.marking[pid] < n {
			return false
		}
	}
	return true
}

func round(f float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(f*p) / p
}
