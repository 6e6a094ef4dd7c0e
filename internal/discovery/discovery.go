// Package discovery infers Petri nets from event-log traces.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kiranshivaraju/procmine/internal/eventlog"
	"github.com/kiranshivaraju/procmine/pkg/petri"
)

// Method identifies a discovery algorithm.
type Method string

const (
	MethodAlpha      Method = "alpha"
	MethodHeuristics Method = "heuristics"
)

// Methods lists every supported method.
var Methods = []Method{MethodAlpha, MethodHeuristics}

var displayNames = map[Method]string{
	MethodAlpha:      "Alpha Miner",
	MethodHeuristics: "Heuristics Miner",
}

// ParseMethod validates a method name.
func ParseMethod(s string) (Method, bool) {
	m := Method(strings.ToLower(strings.TrimSpace(s)))
	_, ok := displayNames[m]
	return m, ok
}

// DisplayName is the human-readable algorithm name.
func (m Method) DisplayName() string {
	if n, ok := displayNames[m]; ok {
		return n
	}
	return string(m)
}

// MethodNames returns the method identifiers as strings.
func MethodNames() []string {
	out := make([]string, len(Methods))
	for i, m := range Methods {
		out[i] = string(m)
	}
	return out
}

var (
	ErrEmptyLog          = errors.New("event log contains no traces")
	ErrModelTooComplex   = errors.New("too many candidate places")
	ErrUnsupportedMethod = errors.New("unsupported mining method")
)

// Miner discovers a Petri net from traces.
type Miner interface {
	Discover(ctx context.Context, traces []eventlog.Trace) (*petri.Net, error)
}

// Registry maps each method to its miner.
type Registry struct {
	miners map[Method]Miner
}

// NewRegistry builds the alpha and heuristics miners.
func NewRegistry(h HeuristicsOptions) *Registry {
	return &Registry{miners: map[Method]Miner{
		MethodAlpha:      AlphaMiner{},
		MethodHeuristics: NewHeuristicsMiner(h),
	}}
}

func (r *Registry) Miner(m Method) (Miner, error) {
	miner, ok := r.miners[m]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMethod, m)
	}
	return miner, nil
}

// Discover runs the miner registered for m.
func (r *Registry) Discover(ctx context.Context, m Method, traces []eventlog.Trace) (*petri.Net, error) {
	miner, err := r.Miner(m)
	if err != nil {
		return nil, err
	}
	return miner.Discover(ctx, traces)
}
