// Package petri models place/transition nets and their PNML interchange format.
package petri

import (
	"fmt"
	"sort"
)

// Place holds tokens.
type Place struct {
	ID   string
	Name string
}

// Transition fires by consuming one token from each input place and
// producing one on each output place. A transition with an empty Label is
// silent.
type Transition struct {
	ID    string
	Label string
}

// Arc connects a place to a transition or a transition to a place.
type Arc struct {
	Source string
	Target string
}

// Marking maps place ids to token counts.
type Marking map[string]int

// Net is a place/transition net with an initial and a final marking.
type Net struct {
	Name        string
	Places      []Place
	Transitions []Transition
	Arcs        []Arc
	InitialMark Marking
	FinalMark   Marking
	placeIdx    map[string]int
	transIdx    map[string]int
}

// NewNet returns an empty net.
func NewNet(name string) *Net {
	return &Net{
		Name:        name,
		InitialMark: Marking{},
		FinalMark:   Marking{},
		placeIdx:    map[string]int{},
		transIdx:    map[string]int{},
	}
}

// AddPlace adds a place and returns its id.
func (n *Net) AddPlace(id, name string) string {
	n.ensureIndex()
	if _, ok := n.placeIdx[id]; ok {
		return id
	}
	n.placeIdx[id] = len(n.Places)
	n.Places = append(n.Places, Place{ID: id, Name: name})
	return id
}

// AddTransition adds a transition and returns its id.
func (n *Net) AddTransition(id, label string) string {
	n.ensureIndex()
	if _, ok := n.transIdx[id]; ok {
		return id
	}
	n.transIdx[id] = len(n.Transitions)
	n.Transitions = append(n.Transitions, Transition{ID: id, Label: label})
	return id
}

// AddArc connects two existing nodes. Arcs must alternate between places and
// transitions.
func (n *Net) AddArc(source, target string) error {
	n.ensureIndex()
	_, srcPlace := n.placeIdx[source]
	_, srcTrans := n.transIdx[source]
	_, dstPlace := n.placeIdx[target]
	_, dstTrans := n.transIdx[target]
	switch {
	case srcPlace && dstTrans, srcTrans && dstPlace:
		n.Arcs = append(n.Arcs, Arc{Source: source, Target: target})
		return nil
	case !srcPlace && !srcTrans:
		return fmt.Errorf("arc source %q: unknown node", source)
	case !dstPlace && !dstTrans:
		return fmt.Errorf("arc target %q: unknown node", target)
	default:
		return fmt.Errorf("arc %s -> %s must connect a place and a transition", source, target)
	}
}

// Place returns the place with id.
func (n *Net) Place(id string) (Place, bool) {
	n.ensureIndex()
	i, ok := n.placeIdx[id]
	if !ok {
		return Place{}, false
	}
	return n.Places[i], true
}

// Transition returns the transition with id.
func (n *Net) Transition(id string) (Transition, bool) {
	n.ensureIndex()
	i, ok := n.transIdx[id]
	if !ok {
		return Transition{}, false
	}
	return n.Transitions[i], true
}

// Preset returns the input place ids of a transition, sorted.
func (n *Net) Preset(transitionID string) []string {
	var ids []string
	for _, a := range n.Arcs {
		if a.Target == transitionID {
			ids = append(ids, a.Source)
		}
	}
	sort.Strings(ids)
	return ids
}

// Postset returns the output place ids of a transition, sorted.
func (n *Net) Postset(transitionID string) []string {
	var ids []string
	for _, a := range n.Arcs {
		if a.Source == transitionID {
			ids = append(ids, a.Target)
		}
	}
	sort.Strings(ids)
	return ids
}

// TransitionsByLabel groups visible transitions by their label.
func (n *Net) TransitionsByLabel() map[string][]Transition {
	out := make(map[string][]Transition)
	for _, t := range n.Transitions {
		if t.Label == "" {
			continue
		}
		out[t.Label] = append(out[t.Label], t)
	}
	return out
}

// Stats counts the net's elements.
type Stats struct {
	Places      int
	Transitions int
	Arcs        int
}

func (n *Net) Stats() Stats {
	return Stats{Places: len(n.Places), Transitions: len(n.Transitions), Arcs: len(n.Arcs)}
}

func (n *Net) ensureIndex() {
	if n.placeIdx != nil && n.transIdx != nil && len(n.placeIdx) == len(n.Places) && len(n.transIdx) == len(n.Transitions) {
		return
	}
	n.placeIdx = make(map[string]int, len(n.Places))
	for i, p := range n.Places {
		n.placeIdx[p.ID] = i
	}
	n.transIdx = make(map[string]int, len(n.Transitions))
	for i, t := range n.Transitions {
		n.transIdx[t.ID] = i
	}
	if n.InitialMark == nil {
		n.InitialMark = Marking{}
	}
	if n.FinalMark == nil {
		n.FinalMark = Marking{}
	}
}
