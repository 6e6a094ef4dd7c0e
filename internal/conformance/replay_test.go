package conformance_test

import (
	"context"
	"testing"

	"github.com/kiranshivaraju/procmine/internal/conformance"
	"github.com/kiranshivaraju/procmine/internal/discovery"
	"github.com/kiranshivaraju/procmine/internal/eventlog"
	"github.com/kiranshivaraju/procmine/pkg/petri"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trace(id string, acts ...string) eventlog.Trace {
	tr := eventlog.Trace{CaseID: id}
	for _, a := range acts {
		tr.Events = append(tr.Events, eventlog.Event{Activity: a})
	}
	return tr
}

func alphaNet(t *testing.T) *petri.Net {
	t.Helper()
	net, err := discovery.AlphaMiner{}.Discover(context.Background(), []eventlog.Trace{
		trace("1", "a", "b", "c", "d"),
		trace("2", "a", "c", "b", "d"),
		trace("3", "a", "e", "d"),
	})
	require.NoError(t, err)
	return net
}

func TestFitness(t *testing.T) {
	assert.Equal(t, 1.0, conformance.Fitness(0, 6, 0, 6))
	assert.InDelta(t, 0.8, conformance.Fitness(1, 5, 1, 5), 1e-9)
	assert.Equal(t, 1.0, conformance.Fitness(0, 0, 0, 0))
}

func TestReplay_PerfectFit(t *testing.T) {
	res := conformance.Replay(alphaNet(t), []eventlog.Trace{
		trace("1", "a", "b", "c", "d"),
		trace("2", "a", "e", "d"),
	})

	assert.Equal(t, 1.0, res.Fitness)
	assert.Equal(t, 2, res.TotalCases)
	assert.Equal(t, 2, res.CompliantCases)
	assert.Equal(t, 100.0, res.CompliantPercentage)
	assert.Equal(t, []string{"1", "2"}, res.CompliantCaseIDs)
	assert.Empty(t, res.NonCompliantCaseIDs)

	tr := res.Traces[0]
	assert.Equal(t, 6, tr.Consumed)
	assert.Equal(t, 6, tr.Produced)
	assert.Zero(t, tr.Missing)
	assert.Zero(t, tr.Remaining)
}

func TestReplay_SkippedActivity(t *testing.T) {
	res := conformance.Replay(alphaNet(t), []eventlog.Trace{trace("x", "a", "b", "d")})

	require.Len(t, res.Traces, 1)
	tr := res.Traces[0]
	assert.False(t, tr.Fit)
	assert.Equal(t, 1, tr.Missing)
	assert.Equal(t, 1, tr.Remaining)
	assert.Equal(t, 5, tr.Consumed)
	assert.Equal(t, 5, tr.Produced)
	assert.InDelta(t, 0.8, tr.Fitness, 1e-9)
	assert.Equal(t, []string{"x"}, res.NonCompliantCaseIDs)
	assert.Equal(t, 0.0, res.CompliantPercentage)
	assert.Equal(t, 100.0, res.NonCompliantPercentage)
}

func TestReplay_UnknownActivity(t *testing.T) {
	res := conformance.Replay(alphaNet(t), []eventlog.Trace{trace("u", "a", "b", "z", "c", "d")})

	tr := res.Traces[0]
	assert.False(t, tr.Fit)
	assert.Equal(t, []string{"z"}, tr.Unknown)
	assert.Equal(t, 1, tr.Missing)
	assert.Less(t, tr.Fitness, 1.0)
}

func TestReplay_SilentTransitionBridgesGap(t *testing.T) {
	net := petri.NewNet("silent")
	for _, p := range []string{"source", "p1", "p2", "sink"} {
		net.AddPlace(p, p)
	}
	net.AddTransition("ta", "a")
	net.AddTransition("tau", "")
	net.AddTransition("tb", "b")
	net.InitialMark["source"] = 1
	net.FinalMark["sink"] = 1
	for _, arc := range [][2]string{{"source", "ta"}, {"ta", "p1"}, {"p1", "tau"}, {"tau", "p2"}, {"p2", "tb"}, {"tb", "sink"}} {
		require.NoError(t, net.AddArc(arc[0], arc[1]))
	}

	res := conformance.Replay(net, []eventlog.Trace{trace("1", "a", "b")})
	assert.True(t, res.Traces[0].Fit)
	assert.Equal(t, 1.0, res.Fitness)
}

func TestReplay_EmptyLog(t *testing.T) {
	res := conformance.Replay(alphaNet(t), nil)
	assert.Zero(t, res.TotalCases)
	assert.Zero(t, res.Fitness)
	assert.NotNil(t, res.CompliantCaseIDs)
}
