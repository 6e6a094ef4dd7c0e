package insights

import (
	"sort"
	"time"

	"github.com/kiranshivaraju/procmine/internal/eventlog"
)

// EndOfCase stands for "the case finishes here" in next-activity rankings.
const EndOfCase = "[end]"

const topN = 5

// Ranked is one candidate with its estimated probability.
type Ranked struct {
	Activity    string  `json:"activity"`
	Probability float64 `json:"probability"`
}

// Predictor is a first-order model of a log: directly-follows frequencies,
// mean remaining time after each activity and the final activities of the
// cases that pass through it.
type Predictor struct {
	next      map[string]map[string]int
	remaining map[string]meanDuration
	outcomes  map[string]map[string]int
	finals    map[string]int
	duration  meanDuration
}

type meanDuration struct {
	total time.Duration
	n     int
}

func (m *meanDuration) add(d time.Duration) {
	m.total += d
	m.n++
}

func (m meanDuration) mean() (time.Duration, bool) {
	if m.n == 0 {
		return 0, false
	}
	return m.total / time.Duration(m.n), true
}

// NewPredictor trains on the traces. Remaining-time estimates use only
// traces whose events all carry timestamps.
func NewPredictor(traces []eventlog.Trace) *Predictor {
	p := &Predictor{
		next:      map[string]map[string]int{},
		remaining: map[string]meanDuration{},
		outcomes:  map[string]map[string]int{},
		finals:    map[string]int{},
	}
	bump := func(m map[string]map[string]int, from, to string) {
		if m[from] == nil {
			m[from] = map[string]int{}
		}
		m[from][to]++
	}

	for _, tr := range traces {
		if len(tr.Events) == 0 {
			continue
		}
		final := tr.Events[len(tr.Events)-1].Activity
		p.finals[final]++

		prev := ""
		seen := map[string]bool{}
		for _, ev := range tr.Events {
			bump(p.next, prev, ev.Activity)
			prev = ev.Activity
			if !seen[ev.Activity] {
				seen[ev.Activity] = true
				bump(p.outcomes, ev.Activity, final)
			}
		}
		bump(p.next, prev, EndOfCase)

		if !timed(tr) {
			continue
		}
		end := tr.Events[len(tr.Events)-1].Timestamp
		p.duration.add(end.Sub(tr.Events[0].Timestamp))
		for _, ev := range tr.Events {
			m := p.remaining[ev.Activity]
			m.add(end.Sub(ev.Timestamp))
			p.remaining[ev.Activity] = m
		}
	}
	return p
}

func timed(tr eventlog.Trace) bool {
	for _, ev := range tr.Events {
		if ev.Timestamp.IsZero() {
			return false
		}
	}
	return true
}

// Known reports whether the activity occurs in the training log.
func (p *Predictor) Known(activity string) bool {
	_, ok := p.outcomes[activity]
	return ok
}

// NextActivities ranks what follows the last activity of prefix. An empty
// prefix ranks the start activities.
func (p *Predictor) NextActivities(prefix []string) []Ranked {
	return rank(p.next[last(prefix)], topN)
}

// RemainingTime estimates the time until the case completes.
func (p *Predictor) RemainingTime(prefix []string) (time.Duration, bool) {
	if len(prefix) == 0 {
		return p.duration.mean()
	}
	return p.remaining[last(prefix)].mean()
}

// Outcomes ranks the final activity of cases that passed through the last
// activity of prefix.
func (p *Predictor) Outcomes(prefix []string) []Ranked {
	if len(prefix) == 0 {
		return rank(p.finals, topN)
	}
	return rank(p.outcomes[last(prefix)], topN)
}

func last(prefix []string) string {
	if len(prefix) == 0 {
		return ""
	}
	return prefix[len(prefix)-1]
}

// rank orders counts by frequency, breaking ties by name.
func rank(counts map[string]int, n int) []Ranked {
	total := 0
	for _, c := range counts {
		total += c
	}
	out := make([]Ranked, 0, len(counts))
	if total == 0 {
		return out
	}
	for a, c := range counts {
		out = append(out, Ranked{Activity: a, Probability: float64(c) / float64(total)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Probability != out[j].Probability {
			return out[i].Probability > out[j].Probability
		}
		return out[i].Activity < out[j].Activity
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
