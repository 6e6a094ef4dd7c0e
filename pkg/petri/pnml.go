package petri

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// PNMLNetType is the grammar URI of place/transition nets.
const PNMLNetType = "http://www.pnml.org/version-2009/grammar/pnmlcoremodel"

type pnmlDoc struct {
	XMLName xml.Name `xml:"pnml"`
	Net     pnmlNet  `xml:"net"`
}

type pnmlNet struct {
	ID            string        `xml:"id,attr"`
	Type          string        `xml:"type,attr"`
	Name          *pnmlText     `xml:"name,omitempty"`
	Page          pnmlPage      `xml:"page"`
	FinalMarkings *pnmlMarkings `xml:"finalmarkings,omitempty"`
}

type pnmlPage struct {
	ID          string           `xml:"id,attr"`
	Places      []pnmlPlace      `xml:"place"`
	Transitions []pnmlTransition `xml:"transition"`
	Arcs        []pnmlArc        `xml:"arc"`
}

type pnmlText struct {
	Text string `xml:"text"`
}

type pnmlPlace struct {
	ID             string    `xml:"id,attr"`
	Name           *pnmlText `xml:"name,omitempty"`
	InitialMarking *pnmlText `xml:"initialMarking,omitempty"`
}

type pnmlTransition struct {
	ID       string        `xml:"id,attr"`
	Name     *pnmlText     `xml:"name,omitempty"`
	ToolSpec *pnmlToolSpec `xml:"toolspecific,omitempty"`
}

type pnmlToolSpec struct {
	Tool     string `xml:"tool,attr"`
	Version  string `xml:"version,attr"`
	Activity string `xml:"activity,attr"`
}

type pnmlArc struct {
	ID     string `xml:"id,attr"`
	Source string `xml:"source,attr"`
	Target string `xml:"target,attr"`
}

type pnmlMarkings struct {
	Marking pnmlMarking `xml:"marking"`
}

type pnmlMarking struct {
	Places []pnmlMarkedPlace `xml:"place"`
}

type pnmlMarkedPlace struct {
	IDRef string `xml:"idref,attr"`
	Text  string `xml:"text"`
}

const silentActivity = "$invisible$"

// EncodePNML writes the net as a PNML document.
func EncodePNML(w io.Writer, n *Net) error {
	doc := pnmlDoc{Net: pnmlNet{
		ID:   "net1",
		Type: PNMLNetType,
		Page: pnmlPage{ID: "n0"},
	}}
	if n.Name != "" {
		doc.Net.Name = &pnmlText{Text: n.Name}
	}

	for _, p := range n.Places {
		pp := pnmlPlace{ID: p.ID, Name: &pnmlText{Text: p.Name}}
		if tokens := n.InitialMark[p.ID]; tokens > 0 {
			pp.InitialMarking = &pnmlText{Text: strconv.Itoa(tokens)}
		}
		doc.Net.Page.Places = append(doc.Net.Page.Places, pp)
	}
	for _, t := range n.Transitions {
		pt := pnmlTransition{ID: t.ID, Name: &pnmlText{Text: t.Label}}
		if t.Label == "" {
			pt.Name = &pnmlText{Text: t.ID}
			pt.ToolSpec = &pnmlToolSpec{Tool: "ProM", Version: "6.4", Activity: silentActivity}
		}
		doc.Net.Page.Transitions = append(doc.Net.Page.Transitions, pt)
	}
	for i, a := range n.Arcs {
		doc.Net.Page.Arcs = append(doc.Net.Page.Arcs, pnmlArc{
			ID:     fmt.Sprintf("arc%d", i),
			Source: a.Source,
			Target: a.Target,
		})
	}
	if len(n.FinalMark) > 0 {
		fm := &pnmlMarkings{}
		ids := make([]string, 0, len(n.FinalMark))
		for id := range n.FinalMark {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fm.Marking.Places = append(fm.Marking.Places, pnmlMarkedPlace{
				IDRef: id,
				Text:  strconv.Itoa(n.FinalMark[id]),
			})
		}
		doc.Net.FinalMarkings = fm
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode pnml: %w", err)
	}
	return enc.Flush()
}

// MarshalPNML is EncodePNML into a byte slice.
func MarshalPNML(n *Net) ([]byte, error) {
	var buf bytes.Buffer
	if err := EncodePNML(&buf, n); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodePNML reads a PNML document produced by EncodePNML or by other tools
// using the core place/transition grammar.
func DecodePNML(r io.Reader) (*Net, error) {
	var doc pnmlDoc
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode pnml: %w", err)
	}

	name := ""
	if doc.Net.Name != nil {
		name = doc.Net.Name.Text
	}
	n := NewNet(name)

	for _, p := range doc.Net.Page.Places {
		pname := p.ID
		if p.Name != nil && p.Name.Text != "" {
			pname = p.Name.Text
		}
		n.AddPlace(p.ID, pname)
		if p.InitialMarking != nil {
			tokens, err := strconv.Atoi(strings.TrimSpace(p.InitialMarking.Text))
			if err != nil {
				return nil, fmt.Errorf("place %s: invalid initial marking %q", p.ID, p.InitialMarking.Text)
			}
			if tokens > 0 {
				n.InitialMark[p.ID] = tokens
			}
		}
	}
	for _, t := range doc.Net.Page.Transitions {
		label := ""
		if t.Name != nil {
			label = t.Name.Text
		}
		if t.ToolSpec != nil && t.ToolSpec.Activity == silentActivity {
			label = ""
		}
		n.AddTransition(t.ID, label)
	}
	for _, a := range doc.Net.Page.Arcs {
		if err := n.AddArc(a.Source, a.Target); err != nil {
			return nil, fmt.Errorf("decode pnml: %w", err)
		}
	}
	if doc.Net.FinalMarkings != nil {
		for _, mp := range doc.Net.FinalMarkings.Marking.Places {
			tokens, err := strconv.Atoi(strings.TrimSpace(mp.Text))
			if err != nil {
				return nil, fmt.Errorf("final marking %s: invalid token count %q", mp.IDRef, mp.Text)
			}
			if _, ok := n.Place(mp.IDRef); !ok {
				return nil, fmt.Errorf("final marking references unknown place %q", mp.IDRef)
			}
			n.FinalMark[mp.IDRef] = tokens
		}
	}
	return n, nil
}
